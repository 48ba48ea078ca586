package httpserver

import (
	"net/http"
	"strconv"

	apierrors "github.com/CedrosPay/settlement/internal/errors"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/pkg/responders"
)

const defaultRedriveLimit = 100

// redriveEvents re-sends settlement events from the dead letter queue.
func (h *handlers) redriveEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "event delivery is not configured")
		return
	}
	limit := defaultRedriveLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "invalid limit", "limit", raw)
			return
		}
		limit = n
	}

	sent, err := h.events.Redrive(r.Context(), limit)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Int("redriven", sent).Msg("admin.redrive_failed")
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInternalError, "redrive failed", "redriven", sent)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]int{"redriven": sent})
}

// sweepNow runs the expiry sweep immediately.
func (h *handlers) sweepNow(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "sweeper is not configured")
		return
	}
	n, err := h.sweeper.ExpireNow(r.Context())
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]int64{"expired": n})
}
