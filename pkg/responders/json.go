// Package responders holds the small JSON writers shared by HTTP handlers.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload as application/json with the given status. A nil
// payload writes headers only.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// Ack acknowledges a provider callback with 200 and {"status": state}.
// Extra fields are added as given (code, payment_id, ...).
func Ack(w http.ResponseWriter, state string, fields map[string]string) {
	body := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["status"] = state
	JSON(w, http.StatusOK, body)
}
