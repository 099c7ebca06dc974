package service

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Auditor defaults.
const (
	DefaultAuditFreshness   = 12 * time.Hour
	DefaultAuditConcurrency = 8
	DefaultAuditTimeout     = 15 * time.Second
)

// AuditReport tallies one audit run.
type AuditReport struct {
	Total              int `json:"total"`
	Skipped            int `json:"skipped"`
	Validated          int `json:"validated"`
	Expired            int `json:"expired"`
	NotFoundInProvider int `json:"notFoundInProvider"`
	Errors             int `json:"errors"`
}

// AuditorConfig carries the audit knobs.
type AuditorConfig struct {
	// Freshness skips accounts validated within this window, making an
	// immediate re-run a no-op.
	Freshness time.Duration
	// Concurrency bounds the provider fan-out.
	Concurrency int64
	// PerAccountTimeout bounds each refresh so one slow account cannot
	// stall the batch.
	PerAccountTimeout time.Duration
	// Schedule is a cron spec for periodic runs; empty disables the timer
	// (runs then happen only via POST /audit/run).
	Schedule string
}

func (c *AuditorConfig) applyDefaults() {
	if c.Freshness <= 0 {
		c.Freshness = DefaultAuditFreshness
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultAuditConcurrency
	}
	if c.PerAccountTimeout <= 0 {
		c.PerAccountTimeout = DefaultAuditTimeout
	}
}

// Auditor walks every account cached as active premium and re-validates it
// against the provider, correcting drift without user interaction. Safe to
// run concurrently with itself: each per-account refresh is an independent
// optimistically-locked write, and freshly validated accounts are skipped.
type Auditor struct {
	store      EntitlementStore
	reconciler *Reconciler
	cfg        AuditorConfig
	log        zerolog.Logger
	cron       *cron.Cron
	now        func() time.Time
}

func NewAuditor(store EntitlementStore, reconciler *Reconciler, cfg AuditorConfig, log zerolog.Logger) *Auditor {
	cfg.applyDefaults()
	return &Auditor{
		store:      store,
		reconciler: reconciler,
		cfg:        cfg,
		log:        log.With().Str("component", "auditor").Logger(),
		now:        time.Now,
	}
}

// Start registers the periodic audit if a schedule is configured.
func (a *Auditor) Start() error {
	if a.cfg.Schedule == "" {
		return nil
	}
	a.cron = cron.New()
	_, err := a.cron.AddFunc(a.cfg.Schedule, func() {
		report, err := a.RunAudit(context.Background())
		if err != nil {
			a.log.Error().Err(err).Msg("scheduled audit failed")
			return
		}
		a.log.Info().
			Int("total", report.Total).
			Int("validated", report.Validated).
			Int("expired", report.Expired).
			Int("not_found", report.NotFoundInProvider).
			Int("errors", report.Errors).
			Msg("scheduled audit complete")
	})
	if err != nil {
		return err
	}
	a.cron.Start()
	return nil
}

// Stop halts the periodic schedule, waiting for a running audit to finish.
func (a *Auditor) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

// RunAudit re-validates all cached-active premium accounts. Per-account
// failures are tallied and do not abort the batch.
func (a *Auditor) RunAudit(ctx context.Context) (AuditReport, error) {
	snaps, err := a.store.ListActivePremium(ctx)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{Total: len(snaps)}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(a.cfg.Concurrency)
	)

	for _, snap := range snaps {
		if a.now().Sub(snap.LastValidatedAt) < a.cfg.Freshness {
			report.Skipped++
			continue
		}
		if snap.ProviderSubscriptionID == nil {
			// Manual/legacy activation with nothing to reconcile against.
			report.Skipped++
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			report.Errors++
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			defer sem.Release(1)

			refreshCtx, cancel := context.WithTimeout(ctx, a.cfg.PerAccountTimeout)
			defer cancel()

			refreshed, err := a.reconciler.Refresh(refreshCtx, accountID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && refreshed.Entitled():
				report.Validated++
			case err == nil && refreshed.LastError != nil:
				// Refresh annotates LastError only on the provider
				// not-found terminal state.
				report.NotFoundInProvider++
			case err == nil:
				report.Expired++
			default:
				report.Errors++
				a.log.Warn().Err(err).Str("account_id", accountID).Msg("audit refresh failed")
			}
		}(snap.AccountID)
	}

	wg.Wait()
	return report, nil
}
