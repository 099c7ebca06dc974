// Package billing wraps the hosted checkout + subscription provider behind a
// small call boundary. Errors surface as a closed set (ErrNotFound,
// ErrTransient, ErrAuthFailure) so callers can decide between "terminal
// downgrade" and "fall back to cache".
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the session or subscription genuinely does not exist
	// at the provider. For subscriptions this is a normal terminal state, not
	// a fault.
	ErrNotFound = errors.New("billing: not found")

	// ErrTransient covers timeouts, 5xx and network failures. Always
	// recoverable by falling back to cached state or retrying later.
	ErrTransient = errors.New("billing: provider unavailable")

	// ErrAuthFailure means our provider credentials were rejected.
	ErrAuthFailure = errors.New("billing: authentication failed")
)

// CheckoutSession is the provider's view of a checkout session.
type CheckoutSession struct {
	ID string
	// ClientReference is the account id we embedded when creating the
	// session. Ownership verification compares it against the claimant.
	ClientReference string
	CustomerID      string
	SubscriptionID  string
	Status          string
}

// Subscription is the provider's view of a recurring subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string // active, trialing, past_due, canceled, unpaid, ...
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// Event is a signature-verified webhook event.
type Event struct {
	ID           string
	Type         string
	Session      *CheckoutSession // set for checkout.session.* events
	Subscription *Subscription    // set for customer.subscription.* events
}

// Webhook event types the engine handles.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// Client is the call boundary to the external billing provider.
type Client interface {
	// CreateCheckoutSession creates a hosted checkout session for the given
	// account and returns the redirect URL. The account id is embedded as the
	// session's client reference.
	CreateCheckoutSession(ctx context.Context, accountID, priceID, email string) (url string, err error)

	// RetrieveSession fetches a checkout session by id.
	RetrieveSession(ctx context.Context, sessionID string) (*CheckoutSession, error)

	// RetrieveSubscription fetches a subscription by id.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CancelAtPeriodEnd flags the subscription to lapse at the end of the
	// current paid period and returns the updated subscription.
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error)

	// VerifyWebhook checks the provider signature and decodes the payload.
	// The returned event is the trust anchor for webhook-driven writes.
	VerifyWebhook(payload []byte, signatureHeader string) (*Event, error)
}
