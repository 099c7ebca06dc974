package repository

import (
	"context"
	"fmt"

	"github.com/coparently/backend/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntitlementRepository persists EntitlementSnapshots. Writes use an
// optimistic version check so concurrent writers for the same account are
// serialized: a stale write fails with domain.ErrStoreConflict and the
// caller re-reads and retries.
type EntitlementRepository struct {
	db *pgxpool.Pool
}

func NewEntitlementRepository(db *pgxpool.Pool) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

const entitlementColumns = `account_id, plan, active, status, provider_customer_id,
	provider_subscription_id, current_period_end, cancel_at_period_end,
	last_validated_at, updated_at, activation_method, last_error, version`

// Get returns the snapshot for an account, or (nil, nil) if none exists.
func (r *EntitlementRepository) Get(ctx context.Context, accountID string) (*domain.EntitlementSnapshot, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE account_id = $1`
	row := r.db.QueryRow(ctx, query, accountID)
	snap, err := scanSnapshot(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to read entitlement: %v", domain.ErrStoreUnavailable, err)
	}
	return snap, nil
}

// Save writes the full snapshot state. For a new account (Version == 0) it
// inserts; otherwise it updates only if the stored version still matches,
// returning domain.ErrStoreConflict on a lost race. On success the
// snapshot's Version is advanced to the stored value.
func (r *EntitlementRepository) Save(ctx context.Context, snap *domain.EntitlementSnapshot) error {
	if snap.Version == 0 {
		query := `
			INSERT INTO entitlements (` + entitlementColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
			ON CONFLICT (account_id) DO NOTHING
		`
		tag, err := r.db.Exec(ctx, query,
			snap.AccountID, snap.Plan, snap.Active, snap.Status,
			snap.ProviderCustomerID, snap.ProviderSubscriptionID,
			snap.CurrentPeriodEnd, snap.CancelAtPeriodEnd,
			snap.LastValidatedAt, snap.UpdatedAt, snap.ActivationMethod, snap.LastError,
		)
		if err != nil {
			return fmt.Errorf("%w: failed to insert entitlement: %v", domain.ErrStoreUnavailable, err)
		}
		if tag.RowsAffected() == 0 {
			// Someone created the row first; caller re-reads and retries.
			return domain.ErrStoreConflict
		}
		snap.Version = 1
		return nil
	}

	query := `
		UPDATE entitlements SET
			plan = $2, active = $3, status = $4, provider_customer_id = $5,
			provider_subscription_id = $6, current_period_end = $7,
			cancel_at_period_end = $8, last_validated_at = $9, updated_at = $10,
			activation_method = $11, last_error = $12, version = version + 1
		WHERE account_id = $1 AND version = $13
	`
	tag, err := r.db.Exec(ctx, query,
		snap.AccountID, snap.Plan, snap.Active, snap.Status,
		snap.ProviderCustomerID, snap.ProviderSubscriptionID,
		snap.CurrentPeriodEnd, snap.CancelAtPeriodEnd,
		snap.LastValidatedAt, snap.UpdatedAt, snap.ActivationMethod, snap.LastError,
		snap.Version,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to update entitlement: %v", domain.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStoreConflict
	}
	snap.Version++
	return nil
}

// GetBySubscriptionID returns the snapshot holding the given provider
// subscription id, or (nil, nil) if no account references it. Webhook events
// carry only provider identifiers, so this is their route back to an account.
func (r *EntitlementRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.EntitlementSnapshot, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE provider_subscription_id = $1`
	row := r.db.QueryRow(ctx, query, subscriptionID)
	snap, err := scanSnapshot(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to read entitlement by subscription: %v", domain.ErrStoreUnavailable, err)
	}
	return snap, nil
}

// ListActivePremium returns every snapshot currently cached as an active
// premium entitlement, for the scheduled auditor's fan-out.
func (r *EntitlementRepository) ListActivePremium(ctx context.Context) ([]domain.EntitlementSnapshot, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE active AND plan = 'premium'`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list active entitlements: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []domain.EntitlementSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan entitlement: %v", domain.ErrStoreUnavailable, err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate entitlements: %v", domain.ErrStoreUnavailable, err)
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (*domain.EntitlementSnapshot, error) {
	var snap domain.EntitlementSnapshot
	err := row.Scan(
		&snap.AccountID, &snap.Plan, &snap.Active, &snap.Status,
		&snap.ProviderCustomerID, &snap.ProviderSubscriptionID,
		&snap.CurrentPeriodEnd, &snap.CancelAtPeriodEnd,
		&snap.LastValidatedAt, &snap.UpdatedAt, &snap.ActivationMethod,
		&snap.LastError, &snap.Version,
	)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
