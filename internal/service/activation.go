package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coparently/backend/internal/domain"
	"github.com/coparently/backend/pkg/billing"
	"github.com/rs/zerolog"
)

const saveRetries = 3

// Checkout-session creation throttle (durable, per account).
const (
	checkoutThrottleLimit  = 5
	checkoutThrottleWindow = time.Hour
)

// ActivationService owns every write path into the entitlement store:
// checkout creation, direct/session activation, webhook ingestion and
// cancellation. All paths converge on one full-state snapshot mutation so
// out-of-order deliveries cannot resurrect stale fields.
type ActivationService struct {
	store    EntitlementStore
	events   WebhookEventStore
	throttle ThrottleStore
	billing  billing.Client
	verifier *OwnershipVerifier
	priceID  string
	log      zerolog.Logger
	now      func() time.Time
}

func NewActivationService(store EntitlementStore, events WebhookEventStore, throttle ThrottleStore, client billing.Client, verifier *OwnershipVerifier, priceID string, log zerolog.Logger) *ActivationService {
	return &ActivationService{
		store:    store,
		events:   events,
		throttle: throttle,
		billing:  client,
		verifier: verifier,
		priceID:  priceID,
		log:      log.With().Str("component", "activation").Logger(),
		now:      time.Now,
	}
}

// CreateCheckout creates a hosted checkout session for the account. Session
// creation is throttled per account through the durable counter so a
// restarting process or a second instance cannot be used to spam the
// provider.
func (s *ActivationService) CreateCheckout(ctx context.Context, accountID, email string) (*domain.CreateCheckoutResponse, error) {
	ok, err := s.throttle.Allow(ctx, "checkout:"+accountID, checkoutThrottleLimit, checkoutThrottleWindow)
	if err != nil {
		return nil, domain.ErrInternal("failed to check checkout throttle", err)
	}
	if !ok {
		return nil, &domain.AppError{Code: 429, Message: "too many checkout attempts, try again later", Reason: "checkout_throttled"}
	}

	url, err := s.billing.CreateCheckoutSession(ctx, accountID, s.priceID, email)
	if err != nil {
		return nil, domain.ErrInternal("failed to create checkout session", err)
	}
	return &domain.CreateCheckoutResponse{URL: url}, nil
}

// Activate handles POST /entitlement/activate for both trust shapes:
//
//   - accountID + sessionID: the session id came from the client, so its
//     ownership is verified against the authenticated account before any
//     write.
//   - sessionID only: the account is resolved from the session's own client
//     reference, which never originated from the client, so no separate
//     ownership check is needed.
func (s *ActivationService) Activate(ctx context.Context, accountID, sessionID string) (*domain.ActivateResponse, error) {
	var (
		sess   *billing.CheckoutSession
		method = domain.ActivationDirect
	)

	switch {
	case sessionID != "" && accountID != "":
		res, err := s.verifier.Verify(ctx, sessionID, accountID)
		if err != nil {
			return nil, domain.ErrInternal("ownership verification failed", err)
		}
		if !res.Valid {
			return nil, domain.ErrOwnershipMismatch(res.Reason)
		}
		sess = res.Session

	case sessionID != "":
		got, err := s.billing.RetrieveSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, billing.ErrNotFound) {
				return nil, domain.ErrOwnershipMismatch(ReasonInvalidSessionID)
			}
			return nil, domain.ErrInternal("failed to retrieve checkout session", err)
		}
		if got.ClientReference == "" {
			return nil, domain.ErrOwnershipMismatch(ReasonMissingAccountID)
		}
		sess = got
		accountID = got.ClientReference
		method = domain.ActivationSession

	default:
		return nil, domain.ErrOwnershipMismatch(ReasonMissingSessionID)
	}

	snap, err := s.applyCheckoutWithMethod(ctx, accountID, sess, method)
	if err != nil {
		return nil, err
	}
	return &domain.ActivateResponse{Active: snap.Active, Plan: snap.Plan}, nil
}

// ActivateManual is the administrative path: no session artifact, no
// provider involvement. Grants premium without a period end, so the
// reconciler bounds it by MaxCacheAge.
func (s *ActivationService) ActivateManual(ctx context.Context, accountID string) (*domain.ActivateResponse, error) {
	snap, err := s.mutate(ctx, accountID, func(snap *domain.EntitlementSnapshot) bool {
		now := s.now()
		snap.Plan = domain.PlanPremium
		snap.Active = true
		snap.Status = "active"
		snap.ActivationMethod = domain.ActivationManual
		snap.LastValidatedAt = now
		snap.UpdatedAt = now
		snap.LastError = nil
		return true
	})
	if err != nil {
		return nil, err
	}
	return &domain.ActivateResponse{Active: snap.Active, Plan: snap.Plan}, nil
}

// VerifyWebhookPayload checks the provider signature on a raw webhook body.
func (s *ActivationService) VerifyWebhookPayload(payload []byte, signatureHeader string) (*billing.Event, error) {
	return s.billing.VerifyWebhook(payload, signatureHeader)
}

// HandleWebhookEvent applies a signature-verified provider event. Replayed
// deliveries are dropped by the durable event-id record; the record is
// written only after the snapshot mutation succeeds, so a failed apply makes
// the handler answer non-2xx and the provider's redelivery is applied rather
// than dropped as a duplicate.
func (s *ActivationService) HandleWebhookEvent(ctx context.Context, ev *billing.Event) error {
	seen, err := s.events.Seen(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to check webhook event: %w", err)
	}
	if seen {
		s.log.Debug().Str("event_id", ev.ID).Str("type", ev.Type).Msg("duplicate webhook delivery ignored")
		return nil
	}

	if err := s.applyEvent(ctx, ev); err != nil {
		return err
	}

	if _, err := s.events.MarkProcessed(ctx, ev.ID, ev.Type); err != nil {
		// The redelivery re-applies; every apply path is an idempotent
		// full-state write, so that is safe.
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func (s *ActivationService) applyEvent(ctx context.Context, ev *billing.Event) error {
	switch ev.Type {
	case billing.EventCheckoutCompleted:
		if ev.Session == nil || ev.Session.ClientReference == "" {
			s.log.Warn().Str("event_id", ev.ID).Msg("checkout event without client reference, skipping")
			return nil
		}
		_, err := s.applyCheckoutWithMethod(ctx, ev.Session.ClientReference, ev.Session, domain.ActivationWebhook)
		return err

	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		if ev.Subscription == nil {
			return nil
		}
		return s.applySubscriptionEvent(ctx, ev.Subscription)

	case billing.EventInvoicePaymentFailed:
		// Informational only; the grace window handles access. Nothing to
		// write until the provider flips the subscription status.
		s.log.Info().Str("event_id", ev.ID).Msg("invoice payment failed event received")
		return nil

	default:
		s.log.Debug().Str("event_id", ev.ID).Str("type", ev.Type).Msg("unhandled webhook event type")
		return nil
	}
}

// CancelAtPeriodEnd flags the account's subscription to lapse at period end
// and writes the provider's updated state back.
func (s *ActivationService) CancelAtPeriodEnd(ctx context.Context, accountID string) (*domain.EntitlementSnapshot, error) {
	snap, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, domain.ErrInternal("failed to read entitlement", err)
	}
	if snap == nil || snap.ProviderSubscriptionID == nil {
		return nil, domain.ErrNotFound("no active subscription to cancel")
	}

	sub, err := s.billing.CancelAtPeriodEnd(ctx, *snap.ProviderSubscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return nil, domain.ErrNotFound("subscription no longer exists at provider")
		}
		return nil, domain.ErrInternal("failed to cancel subscription", err)
	}

	return s.mutate(ctx, accountID, func(snap *domain.EntitlementSnapshot) bool {
		now := s.now()
		snap.Status = sub.Status
		snap.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		if !sub.CurrentPeriodEnd.IsZero() {
			end := sub.CurrentPeriodEnd
			snap.CurrentPeriodEnd = &end
		}
		snap.LastValidatedAt = now
		snap.UpdatedAt = now
		return true
	})
}

// applyCheckoutWithMethod writes the premium snapshot resulting from a
// completed checkout. When the session references a subscription, the
// subscription is fetched for the period end; a transient failure there does
// not block activation (the auditor and reconciler will fill it in later).
func (s *ActivationService) applyCheckoutWithMethod(ctx context.Context, accountID string, sess *billing.CheckoutSession, method domain.ActivationMethod) (*domain.EntitlementSnapshot, error) {
	var sub *billing.Subscription
	if sess.SubscriptionID != "" {
		got, err := s.billing.RetrieveSubscription(ctx, sess.SubscriptionID)
		if err != nil {
			s.log.Warn().Err(err).Str("subscription_id", sess.SubscriptionID).Msg("subscription fetch failed during activation, proceeding without period end")
		} else {
			sub = got
		}
	}

	return s.mutate(ctx, accountID, func(snap *domain.EntitlementSnapshot) bool {
		now := s.now()

		// Out-of-order guard: if this write is for the subscription we
		// already track and carries an older period end, it is a stale
		// delivery — drop it rather than field-merge.
		if sub != nil && snap.ProviderSubscriptionID != nil &&
			*snap.ProviderSubscriptionID == sub.ID &&
			snap.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.IsZero() &&
			sub.CurrentPeriodEnd.Before(*snap.CurrentPeriodEnd) {
			s.log.Warn().Str("account_id", accountID).Str("subscription_id", sub.ID).Msg("stale checkout write dropped")
			return false
		}

		if snap.ProviderSubscriptionID != nil && sess.SubscriptionID != "" &&
			*snap.ProviderSubscriptionID != sess.SubscriptionID {
			// A new checkout replaces the tracked subscription; log the
			// changeover for the provenance trail.
			s.log.Info().
				Str("account_id", accountID).
				Str("old_subscription", *snap.ProviderSubscriptionID).
				Str("new_subscription", sess.SubscriptionID).
				Msg("provider subscription replaced by new checkout")
		}

		snap.Plan = domain.PlanPremium
		snap.Active = true
		snap.Status = "active"
		if sess.CustomerID != "" {
			cust := sess.CustomerID
			snap.ProviderCustomerID = &cust
		}
		if sess.SubscriptionID != "" {
			sid := sess.SubscriptionID
			snap.ProviderSubscriptionID = &sid
		}
		if sub != nil {
			snap.Status = sub.Status
			snap.Active = sub.Status == "active" || sub.Status == "trialing"
			snap.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
			if !sub.CurrentPeriodEnd.IsZero() {
				end := sub.CurrentPeriodEnd
				snap.CurrentPeriodEnd = &end
			}
		}
		snap.ActivationMethod = method
		snap.LastValidatedAt = now
		snap.UpdatedAt = now
		snap.LastError = nil
		return true
	})
}

// applySubscriptionEvent handles subscription lifecycle webhooks, resolved
// back to an account via the tracked provider subscription id.
func (s *ActivationService) applySubscriptionEvent(ctx context.Context, sub *billing.Subscription) error {
	existing, err := s.store.GetBySubscriptionID(ctx, sub.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		// Subscription we never tracked (e.g. created outside this system).
		s.log.Warn().Str("subscription_id", sub.ID).Msg("webhook for unknown subscription, skipping")
		return nil
	}

	_, err = s.mutate(ctx, existing.AccountID, func(snap *domain.EntitlementSnapshot) bool {
		now := s.now()

		if snap.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.IsZero() &&
			sub.CurrentPeriodEnd.Before(*snap.CurrentPeriodEnd) {
			s.log.Warn().Str("account_id", snap.AccountID).Str("subscription_id", sub.ID).Msg("stale subscription event dropped")
			return false
		}

		snap.Status = sub.Status
		snap.Active = sub.Status == "active" || sub.Status == "trialing"
		if snap.Active {
			snap.Plan = domain.PlanPremium
		} else {
			snap.Plan = domain.PlanFree
		}
		snap.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		if !sub.CurrentPeriodEnd.IsZero() {
			end := sub.CurrentPeriodEnd
			snap.CurrentPeriodEnd = &end
		}
		snap.ActivationMethod = domain.ActivationWebhook
		snap.LastValidatedAt = now
		snap.UpdatedAt = now
		return true
	})
	return err
}

// mutate runs a read-modify-write against the snapshot with optimistic-lock
// retries. The apply func returns false to drop the write (stale input).
func (s *ActivationService) mutate(ctx context.Context, accountID string, apply func(*domain.EntitlementSnapshot) bool) (*domain.EntitlementSnapshot, error) {
	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		snap, err := s.store.Get(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			snap = &domain.EntitlementSnapshot{
				AccountID: accountID,
				Plan:      domain.PlanFree,
				Active:    false,
			}
		}
		if !apply(snap) {
			return snap, nil
		}
		if err := s.store.Save(ctx, snap); err != nil {
			if errors.Is(err, domain.ErrStoreConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return snap, nil
	}
	return nil, fmt.Errorf("entitlement write for %s lost %d consecutive races: %w", accountID, saveRetries, lastErr)
}
