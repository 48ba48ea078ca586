package httpserver

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/CedrosPay/settlement/pkg/responders"
)

// healthz reports uptime, enabled methods and the state of each dependency.
// Any failing dependency makes the service "degraded" (503).
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	status := "ok"
	statusCode := http.StatusOK

	names := make([]string, 0, len(h.health))
	for name := range h.health {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.health[name](ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	response := map[string]any{
		"status":    status,
		"uptime":    now.Sub(serverStartTime).String(),
		"timestamp": now.UTC(),
		"checks":    checks,
	}
	if h.cfg.Server.RoutePrefix != "" {
		response["route_prefix"] = h.cfg.Server.RoutePrefix
	}
	if len(h.cfg.Settlement.EnabledMethods) > 0 {
		response["methods"] = h.cfg.Settlement.EnabledMethods
	}

	responders.JSON(w, statusCode, response)
}
