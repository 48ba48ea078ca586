package httpserver

import (
	"encoding/json"
	"errors"
	"io"
)

const maxRequestBody = 64 << 10

// decodeJSON reads one JSON object into dest and closes body. Unknown fields
// and trailing data are rejected. An empty body yields io.EOF.
func decodeJSON(body io.ReadCloser, dest any) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}
