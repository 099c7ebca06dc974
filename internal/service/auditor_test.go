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

func newTestAuditor(store *memStore, mock *billing.MockClient) *Auditor {
	r := newTestReconciler(store, mock)
	a := NewAuditor(store, r, AuditorConfig{Concurrency: 4}, zerolog.Nop())
	a.now = func() time.Time { return testNow }
	return a
}

func stalePremium(accountID, subID string) domain.EntitlementSnapshot {
	snap := premiumSnapshot(accountID, subID)
	snap.LastValidatedAt = testNow.Add(-24 * time.Hour)
	return snap
}

func TestRunAuditTallies(t *testing.T) {
	store := newMemStore()
	mock := billing.NewMockClient()

	// Still active at the provider.
	store.put(stalePremium("u_ok", "sub_ok"))
	mock.Subscriptions["sub_ok"] = &billing.Subscription{ID: "sub_ok", Status: "active", CurrentPeriodEnd: testNow.Add(20 * 24 * time.Hour)}

	// Lapsed at the provider.
	store.put(stalePremium("u_lapsed", "sub_lapsed"))
	mock.Subscriptions["sub_lapsed"] = &billing.Subscription{ID: "sub_lapsed", Status: "unpaid", CurrentPeriodEnd: testNow.Add(-10 * 24 * time.Hour)}

	// Gone at the provider entirely.
	store.put(stalePremium("u_gone", "sub_gone"))

	// Validated an hour ago: inside the freshness window, skipped.
	store.put(premiumSnapshot("u_fresh", "sub_fresh"))

	// Manual activation with no provider subscription: skipped.
	manual := stalePremium("u_manual", "ignored")
	manual.ProviderSubscriptionID = nil
	store.put(manual)

	a := newTestAuditor(store, mock)
	report, err := a.RunAudit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Validated)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.NotFoundInProvider)
	assert.Equal(t, 0, report.Errors)

	// Drift corrected: the lapsed and gone accounts are now free.
	assert.False(t, store.get("u_lapsed").Active)
	assert.False(t, store.get("u_gone").Active)
	assert.True(t, store.get("u_ok").Active)
}

func TestRunAuditIsolatesFailures(t *testing.T) {
	store := newMemStore()
	mock := billing.NewMockClient()
	mock.Err = billing.ErrTransient

	store.put(stalePremium("u1", "sub_1"))
	store.put(stalePremium("u2", "sub_2"))

	a := newTestAuditor(store, mock)
	report, err := a.RunAudit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Errors)

	// Unreachable provider never downgrades anyone.
	assert.True(t, store.get("u1").Active)
	assert.True(t, store.get("u2").Active)
}

func TestRunAuditImmediateRerunSkipsEverything(t *testing.T) {
	store := newMemStore()
	mock := billing.NewMockClient()
	store.put(stalePremium("u1", "sub_1"))
	mock.Subscriptions["sub_1"] = &billing.Subscription{ID: "sub_1", Status: "active", CurrentPeriodEnd: testNow.Add(20 * 24 * time.Hour)}

	a := newTestAuditor(store, mock)
	ctx := context.Background()

	first, err := a.RunAudit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Validated)

	second, err := a.RunAudit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 0, second.Validated)
	assert.Equal(t, 1, mock.CallCount("retrieve_subscription"))
}

func TestRunAuditEmptyStore(t *testing.T) {
	a := newTestAuditor(newMemStore(), billing.NewMockClient())
	report, err := a.RunAudit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AuditReport{}, report)
}
