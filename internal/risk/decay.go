package risk

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/courseshield/courseshield/internal/common/config"
	"github.com/courseshield/courseshield/internal/metrics"
)

// DecayJob sweeps suspicion scores back toward zero for users who have
// gone quiet. It runs on a fixed interval and pages through candidates
// in keyset order so a large tenant never holds a long transaction.
type DecayJob struct {
	states StateStore
	ledger RiskEventLedger
	cfg    config.RiskConfig
	logger *zap.Logger

	now func() time.Time
}

func NewDecayJob(states StateStore, ledger RiskEventLedger, cfg config.RiskConfig, logger *zap.Logger) *DecayJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecayJob{
		states: states,
		ledger: ledger,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "decay_job")),
		now:    time.Now,
	}
}

// Start runs the sweep on the configured interval until ctx is
// canceled. One sweep runs immediately on startup.
func (j *DecayJob) Start(ctx context.Context) {
	interval := j.cfg.DecayInterval()
	j.logger.Info("Risk decay job started", zap.Duration("interval", interval))

	j.Run(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Risk decay job stopped")
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}

// Run executes one full sweep. Per-user failures are logged and
// skipped; the sweep keeps going.
func (j *DecayJob) Run(ctx context.Context) {
	start := j.now()
	processed := 0

	after := ""
	for {
		candidates, err := j.states.DecayCandidates(ctx, after, j.cfg.DecayBatchSize)
		if err != nil {
			j.logger.Error("Failed to load decay candidates", zap.Error(err))
			return
		}
		if len(candidates) == 0 {
			break
		}
		for _, state := range candidates {
			after = state.UserID
			if j.decayOne(ctx, state, start) {
				processed++
			}
		}
		if len(candidates) < j.cfg.DecayBatchSize {
			break
		}
	}

	if processed > 0 {
		j.logger.Info("Risk decay sweep finished",
			zap.Int("processed", processed),
			zap.Duration("elapsed", j.now().Sub(start)),
		)
	}
}

// decayOne applies the tiered decrement to a single user. Returns true
// when a decrement was applied.
func (j *DecayJob) decayOne(ctx context.Context, state *UserRiskState, now time.Time) bool {
	if state.LastSuspiciousAt == nil || state.SuspicionScore <= 0 {
		return false
	}
	quiet := now.Sub(*state.LastSuspiciousAt)

	decrement := 0
	switch {
	case quiet >= time.Duration(j.cfg.DecayDeepHours)*time.Hour:
		decrement = j.cfg.DecayDeepAmount
	case quiet >= time.Duration(j.cfg.DecayHours)*time.Hour:
		decrement = j.cfg.DecayAmount
	default:
		return false
	}

	updated, err := j.states.ApplyDecay(ctx, state.UserID, decrement)
	if err != nil {
		j.logger.Error("Failed to decay suspicion score",
			zap.String("user_id", state.UserID), zap.Error(err))
		return false
	}
	metrics.DecayProcessedTotal.Inc()

	if updated.SuspicionScore <= 0 {
		if err := j.states.ClearEpisode(ctx, state.UserID); err != nil {
			j.logger.Error("Failed to clear suspicion episode",
				zap.String("user_id", state.UserID), zap.Error(err))
		}
	}

	// Flags raised by detection lift themselves once the score falls
	// under the clear line. Manual bans never auto-lift.
	if updated.IsSuspicious && updated.SuspicionScore < j.cfg.UnflagBelow {
		if err := j.states.Unflag(ctx, state.UserID); err != nil {
			j.logger.Error("Failed to clear suspicion flag",
				zap.String("user_id", state.UserID), zap.Error(err))
		} else {
			metrics.DecayClearedTotal.Inc()
			if err := j.ledger.Append(ctx, &RiskEvent{
				UserID:    state.UserID,
				Score:     updated.SuspicionScore,
				Level:     levelForRisk(updated.SuspicionScore),
				Reason:    "decay_cleared",
				CreatedAt: now,
			}); err != nil {
				metrics.LedgerWriteFailuresTotal.Inc()
				j.logger.Error("Failed to append risk event",
					zap.String("user_id", state.UserID), zap.Error(err))
			}
			j.logger.Info("Suspicion flag cleared by decay",
				zap.String("user_id", state.UserID),
				zap.Int("suspicion_score", updated.SuspicionScore),
			)
		}
	}
	return true
}
