package handler

import (
	"net/http"

	"github.com/coparently/backend/internal/contextkeys"
	"github.com/coparently/backend/internal/domain"
	"github.com/coparently/backend/internal/service"
)

type UsageHandler struct {
	quota *service.QuotaEnforcer
}

func NewUsageHandler(quota *service.QuotaEnforcer) *UsageHandler {
	return &UsageHandler{quota: quota}
}

// Limit handles GET /usage/limit?feature=.
func (h *UsageHandler) Limit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value(contextkeys.AccountID).(string)
	if !ok || accountID == "" {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	feature := r.URL.Query().Get("feature")
	if feature == "" {
		Error(w, domain.ErrBadRequest("missing feature query param"))
		return
	}

	dec, err := h.quota.GetRemaining(r.Context(), accountID, feature)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, dec)
}

// Consume handles POST /usage/consume. A denied consumption is an expected
// outcome, answered 403 with a machine-readable reason so the UI can show an
// upgrade prompt.
func (h *UsageHandler) Consume(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value(contextkeys.AccountID).(string)
	if !ok || accountID == "" {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req domain.ConsumeRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	dec, err := h.quota.TryConsume(r.Context(), accountID, req.Feature)
	if err != nil {
		Error(w, err)
		return
	}
	if !dec.Allowed {
		appErr := domain.ErrQuotaExceeded()
		JSON(w, appErr.Code, map[string]interface{}{
			"error":     appErr.Message,
			"reason":    appErr.Reason,
			"used":      dec.Used,
			"remaining": dec.Remaining,
			"limit":     dec.Limit,
		})
		return
	}
	JSON(w, http.StatusOK, dec)
}
