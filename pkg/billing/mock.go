package billing

import (
	"context"
	"sync"
)

// MockClient is an in-memory Client for tests and local development without
// provider credentials. Sessions and subscriptions are seeded by tests; every
// call is recorded so tests can assert on provider traffic.
type MockClient struct {
	mu            sync.Mutex
	Sessions      map[string]*CheckoutSession
	Subscriptions map[string]*Subscription

	// Err, when set, is returned by every retrieval call.
	Err error

	// CheckoutURL is returned by CreateCheckoutSession.
	CheckoutURL string

	Calls []string
}

func NewMockClient() *MockClient {
	return &MockClient{
		Sessions:      make(map[string]*CheckoutSession),
		Subscriptions: make(map[string]*Subscription),
		CheckoutURL:   "https://checkout.example.com/session/mock",
	}
}

func (m *MockClient) record(call string) {
	m.mu.Lock()
	m.Calls = append(m.Calls, call)
	m.mu.Unlock()
}

// CallCount returns how many recorded calls start with the given prefix.
func (m *MockClient) CallCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (m *MockClient) CreateCheckoutSession(ctx context.Context, accountID, priceID, email string) (string, error) {
	m.record("create_session:" + accountID)
	if m.Err != nil {
		return "", m.Err
	}
	return m.CheckoutURL, nil
}

func (m *MockClient) RetrieveSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	m.record("retrieve_session:" + sessionID)
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	sess, ok := m.Sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *MockClient) RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.record("retrieve_subscription:" + subscriptionID)
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	sub, ok := m.Subscriptions[subscriptionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MockClient) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.record("cancel_at_period_end:" + subscriptionID)
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	sub.CancelAtPeriodEnd = true
	cp := *sub
	return &cp, nil
}

func (m *MockClient) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	m.record("verify_webhook")
	if m.Err != nil {
		return nil, m.Err
	}
	return &Event{ID: "evt_mock", Type: "mock"}, nil
}
