package service

import (
	"context"
	"sync"
	"time"

	"github.com/coparently/backend/internal/domain"
)

// memStore is an in-memory EntitlementStore with the same optimistic-locking
// contract as the Postgres repository.
type memStore struct {
	mu      sync.Mutex
	snaps   map[string]*domain.EntitlementSnapshot
	getErr  error
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]*domain.EntitlementSnapshot)}
}

func (m *memStore) put(snap domain.EntitlementSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Version == 0 {
		snap.Version = 1
	}
	m.snaps[snap.AccountID] = &snap
}

func (m *memStore) get(accountID string) *domain.EntitlementSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[accountID]
	if !ok {
		return nil
	}
	cp := *snap
	return &cp
}

func (m *memStore) Get(ctx context.Context, accountID string) (*domain.EntitlementSnapshot, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.get(accountID), nil
}

func (m *memStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.EntitlementSnapshot, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snap := range m.snaps {
		if snap.ProviderSubscriptionID != nil && *snap.ProviderSubscriptionID == subscriptionID {
			cp := *snap
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) Save(ctx context.Context, snap *domain.EntitlementSnapshot) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.snaps[snap.AccountID]
	if snap.Version == 0 {
		if ok {
			return domain.ErrStoreConflict
		}
		snap.Version = 1
	} else {
		if !ok || existing.Version != snap.Version {
			return domain.ErrStoreConflict
		}
		snap.Version++
	}
	cp := *snap
	m.snaps[snap.AccountID] = &cp
	m.saves++
	return nil
}

func (m *memStore) ListActivePremium(ctx context.Context) ([]domain.EntitlementSnapshot, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EntitlementSnapshot
	for _, snap := range m.snaps {
		if snap.Active && snap.Plan == domain.PlanPremium {
			out = append(out, *snap)
		}
	}
	return out, nil
}

// memUsage is an in-memory UsageStore with an atomic check-and-increment.
type memUsage struct {
	mu     sync.Mutex
	counts map[string]int
	// failures makes the next N Consume calls fail transiently.
	failures int
}

func newMemUsage() *memUsage {
	return &memUsage{counts: make(map[string]int)}
}

func usageKey(accountID, featureKey string, day time.Time) string {
	return accountID + "|" + featureKey + "|" + day.UTC().Format("2006-01-02")
}

func (m *memUsage) Consume(ctx context.Context, accountID, featureKey string, day time.Time, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return 0, false, domain.ErrStoreUnavailable
	}
	key := usageKey(accountID, featureKey, day)
	count := m.counts[key]
	if count >= limit {
		return count, false, nil
	}
	count++
	m.counts[key] = count
	return count, true, nil
}

func (m *memUsage) Get(ctx context.Context, accountID, featureKey string, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[usageKey(accountID, featureKey, day)], nil
}

// memEvents is an in-memory WebhookEventStore.
type memEvents struct {
	mu   sync.Mutex
	seen map[string]string
}

func newMemEvents() *memEvents {
	return &memEvents{seen: make(map[string]string)}
}

func (m *memEvents) Seen(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[eventID]
	return ok, nil
}

func (m *memEvents) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[eventID]; ok {
		return false, nil
	}
	m.seen[eventID] = eventType
	return true, nil
}

// memThrottle is an in-memory ThrottleStore.
type memThrottle struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemThrottle() *memThrottle {
	return &memThrottle{counts: make(map[string]int)}
}

func (m *memThrottle) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key] <= limit, nil
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
