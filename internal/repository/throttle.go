package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/coparently/backend/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ThrottleRepository is a durable fixed-window counter. Unlike an in-memory
// limiter it survives restarts and is shared across service instances, so it
// gates expensive per-account actions (e.g. checkout session creation).
type ThrottleRepository struct {
	db *pgxpool.Pool

	// now is swappable for tests.
	now func() time.Time
}

func NewThrottleRepository(db *pgxpool.Pool) *ThrottleRepository {
	return &ThrottleRepository{db: db, now: time.Now}
}

// Allow increments the counter for key in the current window and reports
// whether the increment stayed within limit. The window start is part of the
// row identity, so windows roll over without explicit resets.
func (r *ThrottleRepository) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	windowStart := windowStart(r.now(), window)

	query := `
		INSERT INTO throttle_counters (key, window_start, count, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (key, window_start) DO UPDATE
		SET count = throttle_counters.count + 1, updated_at = NOW()
		RETURNING count
	`
	var count int
	if err := r.db.QueryRow(ctx, query, key, windowStart).Scan(&count); err != nil {
		return false, fmt.Errorf("%w: failed to bump throttle counter: %v", domain.ErrStoreUnavailable, err)
	}
	return count <= limit, nil
}

// windowStart buckets a timestamp into its fixed window. The bucket is part
// of the row identity, so windows roll over without explicit resets.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.UTC().Truncate(window)
}

// PruneBefore deletes counters from windows that ended before the cutoff.
func (r *ThrottleRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM throttle_counters WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prune throttle counters: %v", domain.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
