package service

import (
	"context"
	"errors"
	"time"

	"github.com/coparently/backend/internal/domain"
	"github.com/coparently/backend/pkg/billing"
	"github.com/rs/zerolog"
)

// Reconciliation defaults. Overridable via config.
const (
	DefaultMaxCacheAge     = 24 * time.Hour
	DefaultGracePeriod     = 72 * time.Hour
	DefaultApproachWindow  = 7 * 24 * time.Hour
	DefaultProviderTimeout = 10 * time.Second
)

// ErrRefreshUnavailable means the provider could not be reached and the
// snapshot was left untouched. Callers fall back to the cached value per the
// staleness rules; it never surfaces to an end user as an error.
var ErrRefreshUnavailable = errors.New("entitlement refresh unavailable")

// Source says whether an entitlement answer came from cache or a fresh
// provider lookup.
type Source string

const (
	SourceCacheHit  Source = "cache_hit"
	SourceRefreshed Source = "refreshed"
)

// Entitlement is the authoritative answer for one account at one instant.
type Entitlement struct {
	Active                bool
	Plan                  domain.Plan
	Source                Source
	InGracePeriod         bool
	ApproachingExpiration bool
	CurrentPeriodEnd      *time.Time
}

// Status converts the answer into the /entitlement/status payload, picking
// the single applicable banner state.
func (e Entitlement) Status() domain.EntitlementStatus {
	st := domain.EntitlementStatus{
		Active:                e.Active,
		Plan:                  e.Plan,
		InGracePeriod:         e.InGracePeriod,
		ApproachingExpiration: e.ApproachingExpiration,
		CurrentPeriodEnd:      e.CurrentPeriodEnd,
	}
	switch {
	case e.InGracePeriod:
		st.Banner = domain.BannerGraceWarning
	case e.ApproachingExpiration:
		st.Banner = domain.BannerExpiringSoon
	case !e.Active:
		st.Banner = domain.BannerUpsell
	}
	return st
}

// ReconcilerConfig carries the temporal knobs.
type ReconcilerConfig struct {
	MaxCacheAge     time.Duration
	GracePeriod     time.Duration
	ApproachWindow  time.Duration
	ProviderTimeout time.Duration
}

func (c *ReconcilerConfig) applyDefaults() {
	if c.MaxCacheAge <= 0 {
		c.MaxCacheAge = DefaultMaxCacheAge
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.ApproachWindow <= 0 {
		c.ApproachWindow = DefaultApproachWindow
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = DefaultProviderTimeout
	}
}

// Reconciler produces the authoritative (active, plan) answer for an account,
// minimizing provider calls while bounding cache staleness.
type Reconciler struct {
	store   EntitlementStore
	billing billing.Client
	cfg     ReconcilerConfig
	log     zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

func NewReconciler(store EntitlementStore, client billing.Client, cfg ReconcilerConfig, log zerolog.Logger) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		store:   store,
		billing: client,
		cfg:     cfg,
		log:     log.With().Str("component", "reconciler").Logger(),
		now:     time.Now,
	}
}

// GetEntitlement answers whether the account currently holds premium.
//
// Cache trust rules: an unexpired currentPeriodEnd is itself the freshness
// bound and needs no provider call. A snapshot without a period end is
// trusted up to MaxCacheAge. Past the period end the entitlement stays true
// through the grace window (flagged), and past grace a provider refresh is
// forced — failing closed if the provider cannot answer.
func (r *Reconciler) GetEntitlement(ctx context.Context, accountID string) (Entitlement, error) {
	snap, err := r.store.Get(ctx, accountID)
	if err != nil {
		// Fail open on read: worst case is a temporarily-too-generous answer
		// bounded by the grace design. But with nothing cached there is
		// nothing to be generous with.
		r.log.Error().Err(err).Str("account_id", accountID).Msg("entitlement read failed")
		return Entitlement{Active: false, Plan: domain.PlanFree, Source: SourceCacheHit}, nil
	}
	if snap == nil || !snap.Entitled() {
		// Never implicitly promote to premium; only explicit writes do that.
		return Entitlement{Active: false, Plan: domain.PlanFree, Source: SourceCacheHit}, nil
	}

	now := r.now()

	if snap.CurrentPeriodEnd == nil {
		// Legacy/manual activation with no period end: trust within
		// MaxCacheAge, otherwise try to refresh and fall back on failure.
		if now.Sub(snap.LastValidatedAt) < r.cfg.MaxCacheAge {
			return r.answer(snap, SourceCacheHit, now), nil
		}
		if snap.ProviderSubscriptionID == nil {
			// Nothing to reconcile against; the cached flag is all we have.
			return r.answer(snap, SourceCacheHit, now), nil
		}
		refreshed, err := r.Refresh(ctx, accountID)
		if err != nil {
			r.log.Warn().Err(err).Str("account_id", accountID).Msg("refresh failed, serving cached entitlement")
			return r.answer(snap, SourceCacheHit, now), nil
		}
		return r.answer(refreshed, SourceRefreshed, now), nil
	}

	periodEnd := *snap.CurrentPeriodEnd
	if !now.After(periodEnd) {
		// Paid period still running: the period end is the freshness bound.
		return r.answer(snap, SourceCacheHit, now), nil
	}

	if !now.After(periodEnd.Add(r.cfg.GracePeriod)) {
		// Lapsed but within grace: still entitled, caller-visible flag set.
		ent := r.answer(snap, SourceCacheHit, now)
		ent.InGracePeriod = true
		return ent, nil
	}

	// Beyond grace: a provider refresh is mandatory before answering true.
	if snap.ProviderSubscriptionID == nil {
		return Entitlement{Active: false, Plan: domain.PlanFree, Source: SourceCacheHit, CurrentPeriodEnd: snap.CurrentPeriodEnd}, nil
	}
	refreshed, err := r.Refresh(ctx, accountID)
	if err != nil {
		// Fail closed after grace.
		r.log.Warn().Err(err).Str("account_id", accountID).Msg("refresh failed beyond grace, failing closed")
		return Entitlement{Active: false, Plan: domain.PlanFree, Source: SourceCacheHit, CurrentPeriodEnd: snap.CurrentPeriodEnd}, nil
	}
	return r.answer(refreshed, SourceRefreshed, now), nil
}

func (r *Reconciler) answer(snap *domain.EntitlementSnapshot, src Source, now time.Time) Entitlement {
	ent := Entitlement{
		Active:           snap.Entitled(),
		Plan:             snap.Plan,
		Source:           src,
		CurrentPeriodEnd: snap.CurrentPeriodEnd,
	}
	if !ent.Active {
		ent.Plan = domain.PlanFree
	}
	if ent.Active && snap.CancelAtPeriodEnd && snap.CurrentPeriodEnd != nil &&
		now.After(snap.CurrentPeriodEnd.Add(-r.cfg.ApproachWindow)) {
		ent.ApproachingExpiration = true
	}
	return ent
}

// Refresh re-validates the snapshot against the provider and writes the
// result back. Provider "not found" is a normal terminal downgrade;
// transient provider failures leave the snapshot untouched and return
// ErrRefreshUnavailable.
func (r *Reconciler) Refresh(ctx context.Context, accountID string) (*domain.EntitlementSnapshot, error) {
	for attempt := 0; ; attempt++ {
		snap, err := r.refreshOnce(ctx, accountID)
		if errors.Is(err, domain.ErrStoreConflict) && attempt < 2 {
			continue // lost a write race; re-read and re-apply
		}
		return snap, err
	}
}

func (r *Reconciler) refreshOnce(ctx context.Context, accountID string) (*domain.EntitlementSnapshot, error) {
	snap, err := r.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.ProviderSubscriptionID == nil {
		return nil, errors.New("no provider subscription to refresh against")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	defer cancel()

	sub, err := r.billing.RetrieveSubscription(callCtx, *snap.ProviderSubscriptionID)
	now := r.now()
	switch {
	case err == nil:
		snap.Status = sub.Status
		snap.Active = sub.Status == "active" || sub.Status == "trialing"
		if snap.Active {
			snap.Plan = domain.PlanPremium
		} else {
			snap.Plan = domain.PlanFree
		}
		snap.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		if !sub.CurrentPeriodEnd.IsZero() {
			if snap.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(*snap.CurrentPeriodEnd) {
				// A regressing period end for the same subscription implies a
				// provider bug or tampering. Keep the larger value.
				r.log.Error().
					Str("account_id", accountID).
					Str("subscription_id", *snap.ProviderSubscriptionID).
					Time("cached_period_end", *snap.CurrentPeriodEnd).
					Time("provider_period_end", sub.CurrentPeriodEnd).
					Msg("provider reported regressed currentPeriodEnd, keeping cached value")
			} else {
				end := sub.CurrentPeriodEnd
				snap.CurrentPeriodEnd = &end
			}
		}
		snap.LastError = nil

	case errors.Is(err, billing.ErrNotFound):
		// Expected terminal state: the subscription is gone at the provider.
		snap.Active = false
		snap.Plan = domain.PlanFree
		snap.Status = "canceled"
		msg := "subscription not found at provider"
		snap.LastError = &msg

	default:
		// Timeout, 5xx, auth failure: do not mutate, let the caller fall
		// back to the last-known cached value.
		return nil, errors.Join(ErrRefreshUnavailable, err)
	}

	// Refresh does not change provenance; ActivationMethod stays as written.
	snap.LastValidatedAt = now
	snap.UpdatedAt = now
	if err := r.store.Save(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}
