package handler

import (
	"net/http"

	"github.com/coparently/backend/internal/service"
)

// AuditHandler exposes the privileged bulk re-validation run. Access control
// (the pre-shared secret header) is enforced by middleware.
type AuditHandler struct {
	auditor *service.Auditor
}

func NewAuditHandler(auditor *service.Auditor) *AuditHandler {
	return &AuditHandler{auditor: auditor}
}

// Run handles POST /audit/run.
func (h *AuditHandler) Run(w http.ResponseWriter, r *http.Request) {
	report, err := h.auditor.RunAudit(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, report)
}
