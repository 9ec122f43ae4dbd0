package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courseshield/courseshield/internal/common/config"
	"github.com/courseshield/courseshield/internal/metrics"
)

// SuspicionEnforcer maps the current suspicion score onto the
// enforcement ladder (ban, flag, temporary lock). Rules are evaluated
// from most to least severe with early exit; banned is terminal and
// checked first. Each rule is idempotent: re-invoking at the same score
// applies each action at most once.
type SuspicionEnforcer struct {
	states   StateStore
	sessions SessionStore
	ledger   RiskEventLedger
	cfg      config.RiskConfig
	logger   *zap.Logger
	rules    []enforcementRule

	now func() time.Time
}

// enforcementRule is one rung of the ladder: a predicate over the
// persisted state and the action taken when it matches
type enforcementRule struct {
	name    string
	applies func(s *UserRiskState) bool
	apply   func(ctx context.Context, s *UserRiskState) error
}

// NewSuspicionEnforcer creates the enforcement policy
func NewSuspicionEnforcer(states StateStore, sessions SessionStore, ledger RiskEventLedger, cfg config.RiskConfig, logger *zap.Logger) *SuspicionEnforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &SuspicionEnforcer{
		states:   states,
		sessions: sessions,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "suspicion_enforcer")),
		now:      time.Now,
	}
	e.rules = []enforcementRule{
		{
			name:    "ban",
			applies: func(s *UserRiskState) bool { return s.SuspicionScore >= cfg.BanThreshold },
			apply:   e.applyBan,
		},
		{
			name:    "flag",
			applies: func(s *UserRiskState) bool { return s.SuspicionScore >= cfg.FlagThreshold },
			apply:   e.applyFlag,
		},
		{
			name:    "lock",
			applies: func(s *UserRiskState) bool { return s.SuspicionScore >= cfg.LockThreshold },
			apply:   e.applyLock,
		},
	}
	return e
}

// Apply evaluates the ladder against the given persisted state. Only the
// first matching rule runs for an invocation; lower rungs are skipped.
func (e *SuspicionEnforcer) Apply(ctx context.Context, s *UserRiskState) error {
	if s.Banned() {
		return nil
	}
	for _, rule := range e.rules {
		if rule.applies(s) {
			return rule.apply(ctx, s)
		}
	}
	return nil
}

func (e *SuspicionEnforcer) applyBan(ctx context.Context, s *UserRiskState) error {
	now := e.now()
	note := fmt.Sprintf("[%s] banned automatically: suspicion score %d reached ban threshold %d",
		now.UTC().Format(time.RFC3339), s.SuspicionScore, e.cfg.BanThreshold)

	applied, err := e.states.Ban(ctx, s.UserID, now, note)
	if err != nil {
		return fmt.Errorf("failed to ban user: %w", err)
	}
	if !applied {
		return nil
	}

	// A banned user must be logged out everywhere before their next request.
	deleted, err := e.sessions.DeleteAllForUser(ctx, s.UserID)
	if err != nil {
		// Retry once; losing session invalidation on a ban is a security
		// regression, not a cosmetic failure.
		if deleted, err = e.sessions.DeleteAllForUser(ctx, s.UserID); err != nil {
			e.logger.Error("Failed to invalidate sessions after ban",
				zap.String("user_id", s.UserID), zap.Error(err))
		}
	}

	e.appendLedger(ctx, s.UserID, s.SuspicionScore, RiskLevelHigh, "account_sharing_ban")
	metrics.EnforcementActionsTotal.WithLabelValues("ban").Inc()

	e.logger.Error("User banned for account sharing",
		zap.String("user_id", s.UserID),
		zap.Int("suspicion_score", s.SuspicionScore),
		zap.Int("sessions_invalidated", deleted),
	)
	return nil
}

func (e *SuspicionEnforcer) applyFlag(ctx context.Context, s *UserRiskState) error {
	if s.IsSuspicious {
		return nil
	}
	now := e.now()
	note := fmt.Sprintf("[%s] flagged for review: suspicion score %d reached flag threshold %d",
		now.UTC().Format(time.RFC3339), s.SuspicionScore, e.cfg.FlagThreshold)

	applied, err := e.states.Flag(ctx, s.UserID, note)
	if err != nil {
		return fmt.Errorf("failed to flag user: %w", err)
	}
	if !applied {
		return nil
	}

	e.appendLedger(ctx, s.UserID, s.SuspicionScore, RiskLevelHigh, "account_sharing_flag")
	metrics.EnforcementActionsTotal.WithLabelValues("flag").Inc()

	e.logger.Warn("User flagged for review",
		zap.String("user_id", s.UserID),
		zap.Int("suspicion_score", s.SuspicionScore),
	)
	return nil
}

func (e *SuspicionEnforcer) applyLock(ctx context.Context, s *UserRiskState) error {
	now := e.now()
	if s.LockedAt(now) {
		// Lazy re-lock: an active lock is never extended.
		return nil
	}
	until := now.Add(e.cfg.LockDuration())
	note := fmt.Sprintf("[%s] temporarily locked until %s: suspicion score %d reached lock threshold %d",
		now.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339), s.SuspicionScore, e.cfg.LockThreshold)

	applied, err := e.states.Lock(ctx, s.UserID, until, note)
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	if !applied {
		return nil
	}

	e.appendLedger(ctx, s.UserID, s.SuspicionScore, RiskLevelMedium, "account_sharing_lock")
	metrics.EnforcementActionsTotal.WithLabelValues("lock").Inc()

	e.logger.Info("User temporarily locked",
		zap.String("user_id", s.UserID),
		zap.Int("suspicion_score", s.SuspicionScore),
		zap.Time("locked_until", until),
	)
	return nil
}

// appendLedger writes the audit row for an enforcement action. A failed
// write is logged and counted, never escalated: the state mutation is
// the security-relevant effect.
func (e *SuspicionEnforcer) appendLedger(ctx context.Context, userID string, score int, level RiskLevel, reason string) {
	ev := &RiskEvent{
		UserID:    userID,
		Score:     score,
		Level:     level,
		Reason:    reason,
		CreatedAt: e.now(),
	}
	if err := e.ledger.Append(ctx, ev); err != nil {
		metrics.LedgerWriteFailuresTotal.Inc()
		e.logger.Error("Failed to append risk event",
			zap.String("user_id", userID), zap.String("reason", reason), zap.Error(err))
	}
}
