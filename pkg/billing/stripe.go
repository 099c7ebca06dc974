package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeClient implements Client against the Stripe API.
type StripeClient struct {
	webhookSecret string
	successURL    string
	cancelURL     string
}

// NewStripeClient configures the global Stripe key and returns a client.
func NewStripeClient(secretKey, webhookSecret, successURL, cancelURL string) *StripeClient {
	stripe.Key = secretKey
	return &StripeClient{
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, accountID, priceID, email string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(accountID),
		SuccessURL:        stripe.String(c.successURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(c.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"account_id": accountID,
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	sess, err := session.New(params)
	if err != nil {
		return "", classify(err)
	}
	return sess.URL, nil
}

func (c *StripeClient) RetrieveSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}}
	sess, err := session.Get(sessionID, params)
	if err != nil {
		return nil, classify(err)
	}
	return fromStripeSession(sess), nil
}

func (c *StripeClient) RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, classify(err)
	}
	return fromStripeSubscription(sub), nil
}

func (c *StripeClient) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return nil, classify(err)
	}
	return fromStripeSubscription(sub), nil
}

func (c *StripeClient) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, signatureHeader, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook signature: %w", err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	switch out.Type {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session payload: %w", err)
		}
		out.Session = fromStripeSession(&sess)
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription payload: %w", err)
		}
		out.Subscription = fromStripeSubscription(&sub)
	}
	return out, nil
}

func fromStripeSession(sess *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:              sess.ID,
		ClientReference: sess.ClientReferenceID,
		Status:          string(sess.Status),
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
	}
	return out
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return out
}

// classify maps Stripe errors onto the closed error set.
func classify(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeResourceMissing,
			stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, stripeErr.Msg)
		case stripeErr.HTTPStatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrAuthFailure, stripeErr.Msg)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %s", ErrTransient, stripeErr.Msg)
		default:
			return fmt.Errorf("%w: %s", ErrTransient, stripeErr.Msg)
		}
	}
	// Timeouts and connection failures arrive as plain errors.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
