package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coparently/backend/internal/domain"
	"github.com/coparently/backend/pkg/billing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuota(store *memStore, usage *memUsage) *QuotaEnforcer {
	r := newTestReconciler(store, billing.NewMockClient())
	q := NewQuotaEnforcer(r, usage, zerolog.Nop())
	q.now = func() time.Time { return testNow }
	return q
}

func TestTryConsumePremiumBypassesCounter(t *testing.T) {
	store := newMemStore()
	snap := premiumSnapshot("u1", "sub_1")
	snap.CurrentPeriodEnd = timePtr(testNow.Add(10 * 24 * time.Hour))
	store.put(snap)
	usage := newMemUsage()
	q := newTestQuota(store, usage)

	dec, err := q.TryConsume(context.Background(), "u1", domain.FeatureCalendarEvents)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Unlimited)
	assert.Empty(t, usage.counts)
}

func TestTryConsumeFreeTierSequence(t *testing.T) {
	store := newMemStore() // no snapshot: free tier
	usage := newMemUsage()
	q := newTestQuota(store, usage)
	ctx := context.Background()

	// calendar_events has limit 3: remaining counts down 2, 1, 0.
	for i, wantRemaining := range []int{2, 1, 0} {
		dec, err := q.TryConsume(ctx, "u1", domain.FeatureCalendarEvents)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "call %d", i+1)
		assert.Equal(t, i+1, dec.Used)
		assert.Equal(t, wantRemaining, dec.Remaining)
		assert.Equal(t, 3, dec.Limit)
	}

	dec, err := q.TryConsume(ctx, "u1", domain.FeatureCalendarEvents)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 3, dec.Used)
	assert.Equal(t, 0, dec.Remaining)
}

func TestTryConsumeUnknownFeatureUsesDefaultLimit(t *testing.T) {
	store := newMemStore()
	usage := newMemUsage()
	q := newTestQuota(store, usage)

	dec, err := q.TryConsume(context.Background(), "u1", "some_future_feature")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, domain.DefaultFreeLimit, dec.Limit)
}

// Concurrent consumers must never exceed the limit: with N callers and limit
// L, exactly L are allowed and N-L denied.
func TestTryConsumeConcurrent(t *testing.T) {
	const (
		callers = 25
		feature = domain.FeatureMessageThreads // limit 10
	)
	store := newMemStore()
	usage := newMemUsage()
	q := newTestQuota(store, usage)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		denied  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := q.TryConsume(context.Background(), "u1", feature)
			require.NoError(t, err)
			mu.Lock()
			if dec.Allowed {
				allowed++
			} else {
				denied++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.Equal(t, callers-10, denied)
	used, err := usage.Get(context.Background(), "u1", feature, testNow)
	require.NoError(t, err)
	assert.Equal(t, 10, used)
}

func TestTryConsumeRetriesTransientStoreFailure(t *testing.T) {
	store := newMemStore()
	usage := newMemUsage()
	usage.failures = 2 // first two attempts fail, third succeeds
	q := newTestQuota(store, usage)

	dec, err := q.TryConsume(context.Background(), "u1", domain.FeatureCalendarEvents)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 1, dec.Used)
}

func TestTryConsumeFailsClosedWhenStoreDown(t *testing.T) {
	store := newMemStore()
	usage := newMemUsage()
	usage.failures = consumeRetries
	q := newTestQuota(store, usage)

	_, err := q.TryConsume(context.Background(), "u1", domain.FeatureCalendarEvents)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestGetRemainingDoesNotMutate(t *testing.T) {
	store := newMemStore()
	usage := newMemUsage()
	q := newTestQuota(store, usage)
	ctx := context.Background()

	_, err := q.TryConsume(ctx, "u1", domain.FeatureDocumentExports)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		dec, err := q.GetRemaining(ctx, "u1", domain.FeatureDocumentExports)
		require.NoError(t, err)
		assert.Equal(t, 1, dec.Used)
		assert.Equal(t, 1, dec.Remaining)
		assert.Equal(t, 2, dec.Limit)
		assert.True(t, dec.Allowed)
	}
}

func TestGetRemainingPremium(t *testing.T) {
	store := newMemStore()
	snap := premiumSnapshot("u1", "sub_1")
	snap.CurrentPeriodEnd = timePtr(testNow.Add(10 * 24 * time.Hour))
	store.put(snap)
	q := newTestQuota(store, newMemUsage())

	dec, err := q.GetRemaining(context.Background(), "u1", domain.FeatureCalendarEvents)
	require.NoError(t, err)
	assert.True(t, dec.Unlimited)
	assert.True(t, dec.Allowed)
}
