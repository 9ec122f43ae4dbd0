package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/courseshield/courseshield/internal/common/config"
	"github.com/courseshield/courseshield/internal/metrics"
)

// SharingDetector computes a suspicion delta from recent access events
// using three independent heuristics (multi-IP, parallel sessions,
// device hopping) and applies a per-user cooldown. It runs inside the
// request cycle, so any outcome other than an applied delta is a cheap
// no-op.
type SharingDetector struct {
	states   StateStore
	events   AccessEventStore
	enforcer *SuspicionEnforcer
	scorer   *RiskScoringService
	redis    *redis.Client
	cfg      config.RiskConfig
	logger   *zap.Logger

	now func() time.Time
}

// NewSharingDetector creates the account-sharing detector. scorer and
// redisClient are optional: scorer enables the post-detection risk
// rescore, redisClient backs the best-effort evaluation throttle.
func NewSharingDetector(states StateStore, events AccessEventStore, enforcer *SuspicionEnforcer, scorer *RiskScoringService, redisClient *redis.Client, cfg config.RiskConfig, logger *zap.Logger) *SharingDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SharingDetector{
		states:   states,
		events:   events,
		enforcer: enforcer,
		scorer:   scorer,
		redis:    redisClient,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "sharing_detector")),
		now:      time.Now,
	}
}

// Evaluate runs the three heuristics for a user and applies the summed
// delta. Safe to call on every request: banned users, users inside the
// cooldown window, and signal-free windows all short-circuit without
// mutation.
func (d *SharingDetector) Evaluate(ctx context.Context, userID string) error {
	state, err := d.states.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load risk state: %w", err)
	}

	now := d.now()

	if state.Banned() {
		metrics.DetectorEvaluationsTotal.WithLabelValues("banned").Inc()
		return nil
	}

	// Cooldown: a burst of requests must not inflate the score. This is
	// a throttle, not a lock; one extra evaluation under a race is
	// tolerated.
	if state.LastSuspiciousAt != nil && now.Sub(*state.LastSuspiciousAt) < d.cfg.CooldownDuration() {
		metrics.DetectorEvaluationsTotal.WithLabelValues("cooldown").Inc()
		return nil
	}

	// Serialize concurrent evaluations for the same user best-effort.
	release, acquired := d.tryLock(ctx, userID)
	if !acquired {
		metrics.DetectorEvaluationsTotal.WithLabelValues("cooldown").Inc()
		return nil
	}
	defer release()

	delta, signals, err := d.computeDelta(ctx, userID, now)
	if err != nil {
		return err
	}
	if delta == 0 {
		// No signal: no event row, no cooldown reset.
		metrics.DetectorEvaluationsTotal.WithLabelValues("no_signal").Inc()
		return nil
	}

	state, err = d.states.AddSuspicion(ctx, userID, delta, now)
	if err != nil {
		return fmt.Errorf("failed to apply suspicion delta: %w", err)
	}
	if state.Banned() {
		// Raced with a ban; terminal state wins.
		metrics.DetectorEvaluationsTotal.WithLabelValues("banned").Inc()
		return nil
	}

	if state.SuspicionScore >= d.cfg.WarningThreshold && state.WarnedAt == nil {
		if applied, err := d.states.MarkWarned(ctx, userID, now); err != nil {
			d.logger.Error("Failed to mark warning", zap.String("user_id", userID), zap.Error(err))
		} else if applied {
			metrics.EnforcementActionsTotal.WithLabelValues("warn").Inc()
			d.logger.Info("User crossed warning threshold",
				zap.String("user_id", userID),
				zap.Int("suspicion_score", state.SuspicionScore),
			)
		}
	}

	metrics.DetectorEvaluationsTotal.WithLabelValues("applied").Inc()
	d.logger.Info("Suspicion delta applied",
		zap.String("user_id", userID),
		zap.Int("delta", delta),
		zap.Int("suspicion_score", state.SuspicionScore),
		zap.Strings("signals", signals),
	)

	// Recomputing the decaying risk score per detection is a cost
	// control toggle, not a correctness requirement.
	if d.cfg.RescoreOnDetection && d.scorer != nil {
		if _, err := d.scorer.Score(ctx, userID); err != nil {
			d.logger.Warn("Post-detection risk rescore failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	return d.enforcer.Apply(ctx, state)
}

// computeDelta evaluates the three heuristics. They are additive and
// independent: a user can trip more than one at once.
func (d *SharingDetector) computeDelta(ctx context.Context, userID string, now time.Time) (int, []string, error) {
	delta := 0
	var signals []string

	ipCount, err := d.events.CountDistinct(ctx, FieldIPAddress, userID,
		now.Add(-time.Duration(d.cfg.MultiIPWindowHours)*time.Hour))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count distinct IPs: %w", err)
	}
	if ipCount >= d.cfg.MultiIPThreshold {
		delta += d.cfg.MultiIPDelta
		signals = append(signals, "multi_ip")
		metrics.SharingSignalsTotal.WithLabelValues("multi_ip").Inc()
	}

	sessionCount, err := d.events.CountDistinct(ctx, FieldSessionID, userID,
		now.Add(-time.Duration(d.cfg.ParallelSessionWindow)*time.Minute))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count distinct sessions: %w", err)
	}
	if sessionCount >= d.cfg.ParallelSessionMin {
		delta += d.cfg.ParallelSessionDelta
		signals = append(signals, "parallel_session")
		metrics.SharingSignalsTotal.WithLabelValues("parallel_session").Inc()
	}

	deviceCount, err := d.events.CountDistinct(ctx, FieldDeviceFingerprint, userID,
		now.Add(-time.Duration(d.cfg.DeviceHopWindowHours)*time.Hour))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count distinct devices: %w", err)
	}
	if deviceCount >= d.cfg.DeviceHopThreshold {
		delta += d.cfg.DeviceHopDelta
		signals = append(signals, "device_hop")
		metrics.SharingSignalsTotal.WithLabelValues("device_hop").Inc()
	}

	return delta, signals, nil
}

// tryLock takes a short-lived per-user Redis lock around the evaluation
// critical section. Without Redis, or when Redis fails, evaluation
// proceeds unserialized: the schedule tolerates the race.
func (d *SharingDetector) tryLock(ctx context.Context, userID string) (func(), bool) {
	if d.redis == nil {
		return func() {}, true
	}
	key := "risk:detector:" + userID
	ok, err := d.redis.SetNX(ctx, key, "1", 30*time.Second).Result()
	if err != nil {
		d.logger.Warn("Detector lock unavailable, proceeding unserialized",
			zap.String("user_id", userID), zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() { d.redis.Del(context.Background(), key) }, true
}
