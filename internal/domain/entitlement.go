package domain

import "time"

// Plan is the account's subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// ActivationMethod records which write path produced the current snapshot.
// It is a provenance trail for audit and debugging, never an authorization input.
type ActivationMethod string

const (
	ActivationDirect  ActivationMethod = "direct"
	ActivationSession ActivationMethod = "session"
	ActivationWebhook ActivationMethod = "webhook"
	ActivationCron    ActivationMethod = "cron"
	ActivationManual  ActivationMethod = "manual"
)

// EntitlementSnapshot is the cached view of an account's subscription state.
// `Active && Plan == PlanPremium` is the sole authorization predicate;
// every other field is advisory.
type EntitlementSnapshot struct {
	AccountID              string           `json:"accountId"`
	Plan                   Plan             `json:"plan"`
	Active                 bool             `json:"active"`
	Status                 string           `json:"status"` // provider-reported: active, trialing, canceled, expired, past_due
	ProviderCustomerID     *string          `json:"providerCustomerId,omitempty"`
	ProviderSubscriptionID *string          `json:"providerSubscriptionId,omitempty"`
	CurrentPeriodEnd       *time.Time       `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd      bool             `json:"cancelAtPeriodEnd"`
	LastValidatedAt        time.Time        `json:"lastValidatedAt"`
	UpdatedAt              time.Time        `json:"updatedAt"`
	ActivationMethod       ActivationMethod `json:"activationMethod"`
	LastError              *string          `json:"lastError,omitempty"`

	// Version is the optimistic-concurrency token used by the store.
	// Writes with a stale version are rejected and retried.
	Version int64 `json:"-"`
}

// Entitled reports whether the snapshot grants premium capabilities.
func (s *EntitlementSnapshot) Entitled() bool {
	return s != nil && s.Active && s.Plan == PlanPremium
}

// Banner states shown to the user when an entitlement is lapsing.
// Mutually exclusive; empty means no banner.
type Banner string

const (
	BannerGraceWarning Banner = "grace_warning"
	BannerExpiringSoon Banner = "expiring_soon"
	BannerUpsell       Banner = "upsell"
)

// EntitlementStatus is the payload of GET /entitlement/status.
type EntitlementStatus struct {
	Active                bool       `json:"active"`
	Plan                  Plan       `json:"plan"`
	InGracePeriod         bool       `json:"inGracePeriod"`
	ApproachingExpiration bool       `json:"approachingExpiration"`
	CurrentPeriodEnd      *time.Time `json:"currentPeriodEnd,omitempty"`
	Banner                Banner     `json:"banner,omitempty"`
}

// CreateCheckoutResponse returns the URL to redirect the user to for payment.
type CreateCheckoutResponse struct {
	URL string `json:"url"`
}

// ActivateRequest is the input for POST /entitlement/activate.
// SessionID alone resolves the account from the provider session; when
// AccountID is also supplied the session's ownership is verified against it.
type ActivateRequest struct {
	SessionID string `json:"sessionId" validate:"omitempty,max=255"`
	AccountID string `json:"accountId" validate:"omitempty,max=64"`
}

// ManualActivateRequest is the input for the privileged manual grant.
type ManualActivateRequest struct {
	AccountID string `json:"accountId" validate:"required,max=64"`
}

// ActivateResponse is the output of POST /entitlement/activate.
type ActivateResponse struct {
	Active bool `json:"active"`
	Plan   Plan `json:"plan"`
}
