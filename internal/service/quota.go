package service

import (
	"context"
	"errors"
	"time"

	"github.com/coparently/backend/internal/domain"
	"github.com/rs/zerolog"
)

const consumeRetries = 3

// QuotaEnforcer applies per-day usage limits to metered features. Premium
// accounts bypass the counter store entirely.
type QuotaEnforcer struct {
	reconciler *Reconciler
	usage      UsageStore
	log        zerolog.Logger
	now        func() time.Time
}

func NewQuotaEnforcer(reconciler *Reconciler, usage UsageStore, log zerolog.Logger) *QuotaEnforcer {
	return &QuotaEnforcer{
		reconciler: reconciler,
		usage:      usage,
		log:        log.With().Str("component", "quota").Logger(),
		now:        time.Now,
	}
}

// TryConsume checks the entitlement, then atomically check-and-increments the
// day's counter. A transient store failure retries the whole consume (each
// attempt is a fresh read-check-write, never a blind re-increment); if all
// attempts fail the operation fails closed.
func (q *QuotaEnforcer) TryConsume(ctx context.Context, accountID, featureKey string) (domain.QuotaDecision, error) {
	ent, err := q.reconciler.GetEntitlement(ctx, accountID)
	if err != nil {
		return domain.QuotaDecision{}, err
	}
	if ent.Active && ent.Plan == domain.PlanPremium {
		return domain.QuotaDecision{Allowed: true, Unlimited: true}, nil
	}

	limit := domain.LimitFor(featureKey)
	day := q.now().UTC()

	var lastErr error
	for attempt := 0; attempt < consumeRetries; attempt++ {
		count, allowed, err := q.usage.Consume(ctx, accountID, featureKey, day, limit)
		if err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				lastErr = err
				continue
			}
			return domain.QuotaDecision{}, err
		}
		dec := domain.QuotaDecision{
			Allowed: allowed,
			Used:    count,
			Limit:   limit,
		}
		if allowed {
			dec.Remaining = limit - count
		}
		return dec, nil
	}
	// Never grant on uncertainty.
	q.log.Error().Err(lastErr).Str("account_id", accountID).Str("feature", featureKey).Msg("usage store unavailable, failing closed")
	return domain.QuotaDecision{}, lastErr
}

// GetRemaining is the read-only variant: same limit resolution and premium
// short-circuit, no mutation.
func (q *QuotaEnforcer) GetRemaining(ctx context.Context, accountID, featureKey string) (domain.QuotaDecision, error) {
	ent, err := q.reconciler.GetEntitlement(ctx, accountID)
	if err != nil {
		return domain.QuotaDecision{}, err
	}
	if ent.Active && ent.Plan == domain.PlanPremium {
		return domain.QuotaDecision{Allowed: true, Unlimited: true}, nil
	}

	limit := domain.LimitFor(featureKey)
	used, err := q.usage.Get(ctx, accountID, featureKey, q.now().UTC())
	if err != nil {
		return domain.QuotaDecision{}, err
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return domain.QuotaDecision{
		Allowed:   used < limit,
		Used:      used,
		Remaining: remaining,
		Limit:     limit,
	}, nil
}
