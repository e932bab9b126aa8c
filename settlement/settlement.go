// Package settlement runs the periodic maintenance passes: resetting daily
// earn meters, dripping the daily grant, and resolving escrows whose
// deadline has passed. Correctness does not depend on exact timing, only on
// the passes eventually running; every escrow is settled in its own
// transaction so one bad record never blocks the rest of a batch.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"stampledger/escrow"
	"stampledger/ledger"
	"stampledger/observability/metrics"
)

// PassResult summarizes one settlement tick.
type PassResult struct {
	AccountsReset   int64
	AccountsDripped int64
	Expired         int
	CapRedirected   int
	Failed          int
}

// Runner executes settlement passes against the ledger and escrow engines.
type Runner struct {
	ledger *ledger.Engine
	escrow *escrow.Engine
	logger *slog.Logger
	batch  int
}

// NewRunner constructs a settlement runner.
func NewRunner(ledgerEngine *ledger.Engine, escrowEngine *escrow.Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		ledger: ledgerEngine,
		escrow: escrowEngine,
		logger: logger,
		batch:  500,
	}
}

// RunSettlementPass executes one tick with an injected clock. The daily reset
// pass and the expiry pass are independent and order-insensitive; an item
// failure in the expiry pass is logged and skipped.
func (r *Runner) RunSettlementPass(ctx context.Context, now time.Time) (PassResult, error) {
	result := PassResult{}

	reset, err := r.ledger.ResetDailyEarned(ctx, now)
	if err != nil {
		r.logger.Error("daily reset pass failed", "error", err)
	} else {
		result.AccountsReset = reset
	}

	dripped, err := r.ledger.DripAccounts(ctx, now)
	result.AccountsDripped = dripped
	if err != nil {
		r.logger.Error("drip pass failed", "error", err, "dripped", dripped)
	}

	refs, err := r.escrow.ListExpired(ctx, now, r.batch)
	if err != nil {
		r.logger.Error("expired escrow scan failed", "error", err)
		return result, err
	}
	for _, ref := range refs {
		outcome, err := r.escrow.Expire(ctx, ref)
		if err != nil {
			result.Failed++
			r.logger.Error("escrow expiry failed", "message_ref", ref, "error", err)
			continue
		}
		if outcome.AlreadySettled {
			continue
		}
		result.Expired++
		if outcome.CapRedirected {
			result.CapRedirected++
		}
		metrics.Ledger().ObserveSettlement(string(outcome.Escrow.Status), outcome.CapRedirected)
	}

	if pending, err := r.escrow.CountPending(ctx); err == nil {
		metrics.Ledger().SetPendingEscrows(float64(pending))
	}

	if result.Expired > 0 || result.AccountsReset > 0 || result.AccountsDripped > 0 || result.Failed > 0 {
		r.logger.Info("settlement pass complete",
			"reset", result.AccountsReset,
			"dripped", result.AccountsDripped,
			"expired", result.Expired,
			"cap_redirected", result.CapRedirected,
			"failed", result.Failed)
	}
	return result, nil
}

// Scheduler invokes the runner on a fixed interval until its context is
// cancelled.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(runner *Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Start begins the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			if _, err := s.runner.RunSettlementPass(ctx, started); err != nil {
				s.logger.Error("settlement pass failed", "error", err)
			}
			metrics.Ledger().ObservePassDuration(time.Since(started))
		}
	}
}
