package service

import (
	"context"
	"testing"
	"time"

	"github.com/coparently/backend/internal/domain"
	"github.com/coparently/backend/pkg/billing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestActivation(store *memStore, mock *billing.MockClient) *ActivationService {
	verifier := NewOwnershipVerifier(mock, zerolog.Nop())
	s := NewActivationService(store, newMemEvents(), newMemThrottle(), mock, verifier, "price_test", zerolog.Nop())
	s.now = func() time.Time { return testNow }
	return s
}

func seedCheckout(mock *billing.MockClient, sessionID, accountID string) {
	mock.Sessions[sessionID] = &billing.CheckoutSession{
		ID:              sessionID,
		ClientReference: accountID,
		CustomerID:      "cus_1",
		SubscriptionID:  "sub_1",
		Status:          "complete",
	}
	mock.Subscriptions["sub_1"] = &billing.Subscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Status:           "active",
		CurrentPeriodEnd: testNow.Add(30 * 24 * time.Hour),
	}
}

func TestActivateWithVerifiedSession(t *testing.T) {
	store := newMemStore()
	mock := billing.NewMockClient()
	seedCheckout(mock, "cs_1", "u1")
	s := newTestActivation(store, mock)

	resp, err := s.Activate(context.Background(), "u1", "cs_1")
	require.NoError(t, err)
	assert.True(t, resp.Active)
	assert.Equal(t, domain.PlanPremium, resp.Plan)

	snap := store.get("u1")
	require.NotNil(t, snap)
	assert.Equal(t, domain.ActivationDirect, snap.ActivationMethod)
	require.NotNil(t, snap.ProviderSubscriptionID)
	assert.Equal(t, "sub_1", *snap.ProviderSubscriptionID)
	require.NotNil(t, snap.CurrentPeriodEnd)
}

func TestActivateOwnershipMismatchWritesNothing(t *testing.T) {
	store := newMemStore()
	mock := billing.NewMockClient()
	seedCheckout(mock, "cs_1", "u1") // session belongs to u1
	s := newTestActivation(store, mock)

	_, err := s.Activate(context.Background(), "u2", "cs_1")
	require.Error(t, err)
	appErr, ok := domain.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, 403, appErr.Code)
	assert.Equal(t, ReasonAccountMismatch, appErr.Reason)

	// No snapshot write for either account.
	assert.Nil(t, store.get("u1"))
	assert.Nil(t, store.get("u2"))
}

func TestActivateSessionDerivedResolvesAccount(t *testing.T) {
	store := newMemStore()
	mock := billing.NewMockClient()
	seedCheckout(mock, "cs_1", "u1")
	s := newTestActivation(store, mock)

	// Caller supplies only the session; the account comes from the
	// session's client reference.
	resp, err := s.Activate(context.Background(), "", "cs_1")
	require.NoError(t, err)
	assert.True(t, resp.Active)

	snap := store.get("u1")
	require.NotNil(t, snap)
	assert.Equal(t, domain.ActivationSession, snap.ActivationMethod)
}

func TestActivateMissingSession(t *testing.T) {
	s := newTestActivation(newMemStore(), billing.NewMockClient())
	_, err := s.Activate(context.Background(), "u1", "")
	require.Error(t, err)
	appErr, _ := domain.AsAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, ReasonMissingSessionID, appErr.Reason)
}

func TestActivateManual(t *testing.T) {
	store := newMemStore()
	s := newTestActivation(store, billing.NewMockClient())

	resp, err := s.ActivateManual(context.Background(), "u9")
	require.NoError(t, err)
	assert.True(t, resp.Active)

	snap := store.get("u9")
	require.NotNil(t, snap)
	assert.Equal(t, domain.ActivationManual, snap.ActivationMethod)
	assert.Nil(t, snap.CurrentPeriodEnd)
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	store := newMemStore()
	mock := billing.NewMockClient()
	seedCheckout(mock, "cs_1", "u1")
	s := newTestActivation(store, mock)

	ev := &billing.Event{
		ID:      "evt_1",
		Type:    billing.EventCheckoutCompleted,
		Session: mock.Sessions["cs_1"],
	}
	require.NoError(t, s.HandleWebhookEvent(context.Background(), ev))

	snap := store.get("u1")
	require.NotNil(t, snap)
	assert.True(t, snap.Entitled())
	assert.Equal(t, domain.ActivationWebhook, snap.ActivationMethod)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	store := newMemStore()
	mock := billing.NewMockClient()
	seedCheckout(mock, "cs_1", "u1")
	s := newTestActivation(store, mock)
	ctx := context.Background()

	ev := &billing.Event{
		ID:      "evt_1",
		Type:    billing.EventCheckoutCompleted,
		Session: mock.Sessions["cs_1"],
	}
	require.NoError(t, s.HandleWebhookEvent(ctx, ev))
	savesAfterFirst := store.saves
	subCallsAfterFirst := mock.CallCount("retrieve_subscription")

	// Same event id delivered again: no write, no provider traffic.
	require.NoError(t, s.HandleWebhookEvent(ctx, ev))
	assert.Equal(t, savesAfterFirst, store.saves)
	assert.Equal(t, subCallsAfterFirst, mock.CallCount("retrieve_subscription"))
}

// A delivery whose snapshot write fails must stay unrecorded so the
// provider's redelivery is applied instead of dropped as a duplicate.
func TestWebhookRedeliveryAfterFailedApply(t *testing.T) {
	store := newMemStore()
	snap := premiumSnapshot("u1", "sub_1")
	snap.CurrentPeriodEnd = timePtr(testNow.Add(5 * 24 * time.Hour))
	store.put(snap)
	s := newTestActivation(store, billing.NewMockClient())
	ctx := context.Background()

	ev := &billing.Event{
		ID:   "evt_5",
		Type: billing.EventSubscriptionDeleted,
		Subscription: &billing.Subscription{
			ID:               "sub_1",
			Status:           "canceled",
			CurrentPeriodEnd: testNow.Add(5 * 24 * time.Hour),
		},
	}

	// Every write loses its race: the apply fails and the event must not be
	// recorded as processed.
	store.saveErr = domain.ErrStoreConflict
	require.Error(t, s.HandleWebhookEvent(ctx, ev))
	assert.True(t, store.get("u1").Active)

	// Store recovers; the provider redelivers the same event id.
	store.saveErr = nil
	require.NoError(t, s.HandleWebhookEvent(ctx, ev))

	stored := store.get("u1")
	assert.False(t, stored.Active)
	assert.Equal(t, domain.PlanFree, stored.Plan)

	// And a further replay is still deduplicated.
	saves := store.saves
	require.NoError(t, s.HandleWebhookEvent(ctx, ev))
	assert.Equal(t, saves, store.saves)
}

func TestWebhookSubscriptionDeletedDowngrades(t *testing.T) {
	store := newMemStore()
	snap := premiumSnapshot("u1", "sub_1")
	snap.CurrentPeriodEnd = timePtr(testNow.Add(5 * 24 * time.Hour))
	store.put(snap)
	mock := billing.NewMockClient()
	s := newTestActivation(store, mock)

	ev := &billing.Event{
		ID:   "evt_2",
		Type: billing.EventSubscriptionDeleted,
		Subscription: &billing.Subscription{
			ID:               "sub_1",
			Status:           "canceled",
			CurrentPeriodEnd: testNow.Add(5 * 24 * time.Hour),
		},
	}
	require.NoError(t, s.HandleWebhookEvent(context.Background(), ev))

	stored := store.get("u1")
	assert.False(t, stored.Active)
	assert.Equal(t, domain.PlanFree, stored.Plan)
	assert.Equal(t, "canceled", stored.Status)
}

func TestWebhookStaleSubscriptionEventDropped(t *testing.T) {
	store := newMemStore()
	snap := premiumSnapshot("u1", "sub_1")
	snap.CurrentPeriodEnd = timePtr(testNow.Add(30 * 24 * time.Hour))
	store.put(snap)
	s := newTestActivation(store, billing.NewMockClient())

	// Older period end than cached: a delayed delivery from a previous
	// billing cycle. Applying it would resurrect stale state.
	ev := &billing.Event{
		ID:   "evt_3",
		Type: billing.EventSubscriptionUpdated,
		Subscription: &billing.Subscription{
			ID:               "sub_1",
			Status:           "past_due",
			CurrentPeriodEnd: testNow.Add(-30 * 24 * time.Hour),
		},
	}
	require.NoError(t, s.HandleWebhookEvent(context.Background(), ev))

	stored := store.get("u1")
	assert.True(t, stored.Active)
	assert.Equal(t, "active", stored.Status)
}

func TestWebhookUnknownSubscriptionIgnored(t *testing.T) {
	store := newMemStore()
	s := newTestActivation(store, billing.NewMockClient())

	ev := &billing.Event{
		ID:           "evt_4",
		Type:         billing.EventSubscriptionUpdated,
		Subscription: &billing.Subscription{ID: "sub_unknown", Status: "active"},
	}
	require.NoError(t, s.HandleWebhookEvent(context.Background(), ev))
	assert.Zero(t, store.saves)
}

func TestCreateCheckoutThrottled(t *testing.T) {
	store := newMemStore()
	mock := billing.NewMockClient()
	s := newTestActivation(store, mock)
	ctx := context.Background()

	for i := 0; i < checkoutThrottleLimit; i++ {
		resp, err := s.CreateCheckout(ctx, "u1", "u1@example.com")
		require.NoError(t, err)
		assert.NotEmpty(t, resp.URL)
	}

	_, err := s.CreateCheckout(ctx, "u1", "u1@example.com")
	require.Error(t, err)
	appErr, ok := domain.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, 429, appErr.Code)

	// Other accounts are unaffected.
	_, err = s.CreateCheckout(ctx, "u2", "u2@example.com")
	require.NoError(t, err)
}

func TestCancelAtPeriodEnd(t *testing.T) {
	store := newMemStore()
	snap := premiumSnapshot("u1", "sub_1")
	store.put(snap)
	mock := billing.NewMockClient()
	mock.Subscriptions["sub_1"] = &billing.Subscription{
		ID:               "sub_1",
		Status:           "active",
		CurrentPeriodEnd: testNow.Add(12 * 24 * time.Hour),
	}
	s := newTestActivation(store, mock)

	updated, err := s.CancelAtPeriodEnd(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, updated.CancelAtPeriodEnd)
	// Access continues until the period runs out.
	assert.True(t, updated.Active)
}

func TestCancelWithoutSubscription(t *testing.T) {
	s := newTestActivation(newMemStore(), billing.NewMockClient())
	_, err := s.CancelAtPeriodEnd(context.Background(), "u1")
	require.Error(t, err)
	appErr, ok := domain.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, 404, appErr.Code)
}
