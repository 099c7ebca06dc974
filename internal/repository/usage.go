package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/coparently/backend/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageRepository persists per-account, per-feature, per-day counters.
// Check-and-increment happens in a single guarded upsert so two concurrent
// consumers can never both pass the limit check.
type UsageRepository struct {
	db *pgxpool.Pool
}

func NewUsageRepository(db *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{db: db}
}

// Consume atomically increments the counter for (accountID, featureKey, day)
// if doing so keeps it at or below limit. Returns the post-operation count
// and whether the increment was applied.
func (r *UsageRepository) Consume(ctx context.Context, accountID, featureKey string, day time.Time, limit int) (int, bool, error) {
	if limit <= 0 {
		used, err := r.Get(ctx, accountID, featureKey, day)
		return used, false, err
	}

	// The WHERE clause guards only the UPDATE arm; the INSERT arm starts a
	// fresh day at count=1, which is within any limit >= 1.
	query := `
		INSERT INTO usage_counters (account_id, feature_key, day, count, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (account_id, feature_key, day) DO UPDATE
		SET count = usage_counters.count + 1, updated_at = NOW()
		WHERE usage_counters.count < $4
		RETURNING count
	`
	var count int
	err := r.db.QueryRow(ctx, query, accountID, featureKey, dateOnly(day), limit).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Guard rejected the increment: limit already reached.
			used, gerr := r.Get(ctx, accountID, featureKey, day)
			if gerr != nil {
				return 0, false, gerr
			}
			return used, false, nil
		}
		return 0, false, fmt.Errorf("%w: failed to consume usage: %v", domain.ErrStoreUnavailable, err)
	}
	return count, true, nil
}

// Get returns the current count for the key, zero if absent.
func (r *UsageRepository) Get(ctx context.Context, accountID, featureKey string, day time.Time) (int, error) {
	query := `SELECT count FROM usage_counters WHERE account_id = $1 AND feature_key = $2 AND day = $3`
	var count int
	err := r.db.QueryRow(ctx, query, accountID, featureKey, dateOnly(day)).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: failed to read usage: %v", domain.ErrStoreUnavailable, err)
	}
	return count, nil
}

// PruneBefore deletes counters older than the cutoff day. Correctness never
// depends on this; it is storage hygiene only.
func (r *UsageRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM usage_counters WHERE day < $1`, dateOnly(cutoff))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prune usage counters: %v", domain.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
