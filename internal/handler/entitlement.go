package handler

import (
	"io"
	"net/http"

	"github.com/coparently/backend/internal/contextkeys"
	"github.com/coparently/backend/internal/domain"
	"github.com/coparently/backend/internal/service"
	"github.com/rs/zerolog"
)

// Provider webhook signature header (Stripe convention).
const signatureHeader = "Stripe-Signature"

const maxWebhookBody = 1 << 16 // 64 KiB

type EntitlementHandler struct {
	activation *service.ActivationService
	reconciler *service.Reconciler
	log        zerolog.Logger
}

func NewEntitlementHandler(activation *service.ActivationService, reconciler *service.Reconciler, log zerolog.Logger) *EntitlementHandler {
	return &EntitlementHandler{
		activation: activation,
		reconciler: reconciler,
		log:        log.With().Str("component", "entitlement_handler").Logger(),
	}
}

// CreateCheckout handles POST /entitlement/checkout.
func (h *EntitlementHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value(contextkeys.AccountID).(string)
	if !ok || accountID == "" {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	email, _ := r.Context().Value(contextkeys.AccountEmail).(string)

	resp, err := h.activation.CreateCheckout(r.Context(), accountID, email)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// Activate handles POST /entitlement/activate. A session id supplied by the
// client is ownership-verified against the authenticated account; a request
// without an explicit account id resolves the account from the session
// itself.
func (h *EntitlementHandler) Activate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value(contextkeys.AccountID).(string)
	if !ok || accountID == "" {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req domain.ActivateRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	// A caller may only activate for itself; a different target account in
	// the body is an ownership problem by definition.
	target := req.AccountID
	if target == "" {
		target = accountID
	}
	if target != accountID {
		Error(w, domain.ErrOwnershipMismatch(service.ReasonAccountMismatch))
		return
	}

	resp, err := h.activation.Activate(r.Context(), target, req.SessionID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// ActivateManual handles POST /admin/entitlement/activate, the manual grant
// path. Access control (the pre-shared secret header) is enforced by
// middleware; end-user tokens never reach this handler.
func (h *EntitlementHandler) ActivateManual(w http.ResponseWriter, r *http.Request) {
	var req domain.ManualActivateRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	resp, err := h.activation.ActivateManual(r.Context(), req.AccountID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// Webhook handles POST /entitlement/webhook. Once the event is verified and
// durably recorded we answer 200 regardless of downstream outcome — the
// provider's retry semantics expect it.
func (h *EntitlementHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		JSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	ev, err := h.activation.VerifyWebhookPayload(payload, r.Header.Get(signatureHeader))
	if err != nil {
		h.log.Warn().Err(err).Msg("webhook signature rejected")
		JSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		return
	}

	if err := h.activation.HandleWebhookEvent(r.Context(), ev); err != nil {
		// Durable acceptance failed; a non-2xx makes the provider retry.
		h.log.Error().Err(err).Str("event_id", ev.ID).Msg("webhook processing failed")
		JSON(w, http.StatusInternalServerError, map[string]string{"error": "event not accepted"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Status handles GET /entitlement/status for the caller's own account.
func (h *EntitlementHandler) Status(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value(contextkeys.AccountID).(string)
	if !ok || accountID == "" {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	ent, err := h.reconciler.GetEntitlement(r.Context(), accountID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, ent.Status())
}

// Cancel handles POST /entitlement/cancel: flags the caller's subscription
// to lapse at the end of the paid period.
func (h *EntitlementHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value(contextkeys.AccountID).(string)
	if !ok || accountID == "" {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	snap, err := h.activation.CancelAtPeriodEnd(r.Context(), accountID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"cancelAtPeriodEnd": snap.CancelAtPeriodEnd,
		"currentPeriodEnd":  snap.CurrentPeriodEnd,
		"status":            snap.Status,
	})
}
