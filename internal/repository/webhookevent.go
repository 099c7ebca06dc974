package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/coparently/backend/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WebhookEventRepository records processed provider event ids so replayed
// deliveries do not double-apply side effects.
type WebhookEventRepository struct {
	db *pgxpool.Pool
}

func NewWebhookEventRepository(db *pgxpool.Pool) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Seen reports whether the event id has already been recorded.
func (r *WebhookEventRepository) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: failed to check webhook event: %v", domain.ErrStoreUnavailable, err)
	}
	return exists, nil
}

// MarkProcessed records the event id if it has not been seen before.
// Returns true on first delivery, false on a replay.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	query := `INSERT INTO webhook_events (id, type, received_at) VALUES ($1, $2, NOW()) ON CONFLICT (id) DO NOTHING`
	tag, err := r.db.Exec(ctx, query, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("%w: failed to record webhook event: %v", domain.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}

// PruneBefore deletes event records older than the cutoff. Provider retry
// windows are days, not months, so old records are dead weight.
func (r *WebhookEventRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prune webhook events: %v", domain.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
