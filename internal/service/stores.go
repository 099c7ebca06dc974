package service

import (
	"context"
	"time"

	"github.com/coparently/backend/internal/domain"
)

// EntitlementStore is the durable snapshot store consumed by the reconciler,
// the activation writers and the auditor. Save must be an atomic
// compare-and-swap keyed on the snapshot version.
type EntitlementStore interface {
	Get(ctx context.Context, accountID string) (*domain.EntitlementSnapshot, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.EntitlementSnapshot, error)
	Save(ctx context.Context, snap *domain.EntitlementSnapshot) error
	ListActivePremium(ctx context.Context) ([]domain.EntitlementSnapshot, error)
}

// UsageStore is the durable per-day counter store. Consume must perform the
// limit check and the increment atomically.
type UsageStore interface {
	Consume(ctx context.Context, accountID, featureKey string, day time.Time, limit int) (count int, allowed bool, err error)
	Get(ctx context.Context, accountID, featureKey string, day time.Time) (int, error)
}

// WebhookEventStore deduplicates provider webhook deliveries. Seen is the
// read-only replay check; MarkProcessed records an event once its side
// effects have been applied, so a failed apply stays retryable.
type WebhookEventStore interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) (first bool, err error)
}

// ThrottleStore is the durable fixed-window limiter.
type ThrottleStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
