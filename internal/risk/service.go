package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/courseshield/courseshield/internal/common/config"
	"github.com/courseshield/courseshield/internal/common/database"
	"github.com/courseshield/courseshield/internal/metrics"
)

// Service is the engine facade the HTTP layer talks to. It owns the
// wiring between the detector, the scoring pipelines, enforcement and
// the stores, and translates entry points into the engine's error
// policy: ingestion paths degrade instead of failing the caller's
// request, admin paths surface errors.
type Service struct {
	states   StateStore
	events   AccessEventStore
	ledger   RiskEventLedger
	sessions SessionStore

	detector *SharingDetector
	sessRisk *SessionRiskService
	scorer   *RiskScoringService
	monitor  *LoginMonitor
	decay    *DecayJob

	cfg    config.RiskConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewService wires the engine onto Postgres and Redis.
func NewService(db *database.PostgresDB, redisClient *database.RedisClient, cfg *config.Config, logger *zap.Logger) *Service {
	states := NewPostgresStateStore(db)
	events := NewPostgresAccessEventStore(db)
	ledger := NewPostgresRiskEventLedger(db)
	sessions := NewPostgresSessionStore(db, redisClient, logger)

	return newService(states, events, ledger, sessions, redisClient.Client, cfg.Risk, logger)
}

func newService(states StateStore, events AccessEventStore, ledger RiskEventLedger, sessions SessionStore, rdb *redis.Client, cfg config.RiskConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	scorer := NewRiskScoringService(states, events, logger)
	enforcer := NewSuspicionEnforcer(states, sessions, ledger, cfg, logger)
	return &Service{
		states:   states,
		events:   events,
		ledger:   ledger,
		sessions: sessions,
		detector: NewSharingDetector(states, events, enforcer, scorer, rdb, cfg, logger),
		sessRisk: NewSessionRiskService(events, logger),
		scorer:   scorer,
		monitor:  NewLoginMonitor(states, ledger, logger),
		decay:    NewDecayJob(states, ledger, cfg, logger),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "risk_service")),
		now:      time.Now,
	}
}

// DecayJob exposes the periodic sweep for the service main to run.
func (s *Service) DecayJob() *DecayJob {
	return s.decay
}

// HandleAccess ingests one access event and runs sharing detection.
// Recording the event is the hard requirement; a detection failure is
// logged and absorbed so content delivery never depends on the
// detector being healthy.
func (s *Service) HandleAccess(ctx context.Context, ev *AccessEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if ev.AccessedAt.IsZero() {
		ev.AccessedAt = s.now()
	}
	if err := s.states.Ensure(ctx, ev.UserID); err != nil {
		return fmt.Errorf("failed to ensure risk state: %w", err)
	}
	if err := s.events.Record(ctx, ev); err != nil {
		return fmt.Errorf("failed to record access event: %w", err)
	}

	if err := s.detector.Evaluate(ctx, ev.UserID); err != nil {
		s.logger.Error("Sharing detection failed",
			zap.String("user_id", ev.UserID), zap.Error(err))
	}
	return nil
}

// HandleLogin ingests one successful login: it lands in the access log
// and feeds the anomaly monitor.
func (s *Service) HandleLogin(ctx context.Context, ev LoginEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	now := s.now()
	if err := s.events.Record(ctx, &AccessEvent{
		UserID:     ev.UserID,
		IPAddress:  ev.IPAddress,
		Action:     "login",
		AccessedAt: now,
	}); err != nil {
		s.logger.Error("Failed to record login event",
			zap.String("user_id", ev.UserID), zap.Error(err))
	}
	return s.monitor.OnLogin(ctx, ev)
}

// BlockStatus answers the content gate. Expired locks are cleared
// lazily here; on a store failure the gate fails open, because keeping
// paying users out on an engine outage is the worse error.
func (s *Service) BlockStatus(ctx context.Context, userID string) *BlockStatus {
	state, err := s.states.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &BlockStatus{}
	}
	if err != nil {
		s.logger.Error("Block check failed open",
			zap.String("user_id", userID), zap.Error(err))
		return &BlockStatus{}
	}

	now := s.now()
	switch {
	case state.Banned():
		return &BlockStatus{Blocked: true, Reason: BlockReasonBanned}
	case state.LockedAt(now):
		return &BlockStatus{Blocked: true, Reason: BlockReasonLocked}
	case state.LockedUntil != nil:
		if err := s.states.ClearExpiredLock(ctx, userID, now); err != nil {
			s.logger.Error("Failed to clear expired lock",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
	if state.IsSuspicious {
		return &BlockStatus{Blocked: true, Reason: BlockReasonSuspicious}
	}
	return &BlockStatus{}
}

// UserState returns the full risk state for one user.
func (s *Service) UserState(ctx context.Context, userID string) (*UserRiskState, error) {
	return s.states.Get(ctx, userID)
}

// Timeline returns a user's scoring history, newest first.
func (s *Service) Timeline(ctx context.Context, userID string, limit, offset int) ([]RiskEvent, error) {
	return s.ledger.Timeline(ctx, userID, limit, offset)
}

// RecentAccess returns a user's access events inside the window.
func (s *Service) RecentAccess(ctx context.Context, userID string, window time.Duration) ([]AccessEvent, error) {
	return s.events.RecentEvents(ctx, userID, s.now().Add(-window))
}

// SessionRisk grades one session on demand.
func (s *Service) SessionRisk(ctx context.Context, sessionID string) (*SessionRisk, error) {
	return s.sessRisk.Calculate(ctx, sessionID)
}

// ScoreUser recomputes the decaying risk score for one user.
func (s *Service) ScoreUser(ctx context.Context, userID string) (int, error) {
	return s.scorer.Score(ctx, userID)
}

// Stats summarizes the tracked population.
func (s *Service) Stats(ctx context.Context) (*EngineStats, error) {
	return s.states.Stats(ctx, s.now())
}

// ResetRisk is the admin escape hatch: scores zeroed, flags and bans
// cleared, all sessions revoked, and a reset marker appended to the
// ledger so the timeline shows where history restarted.
func (s *Service) ResetRisk(ctx context.Context, userID, adminID string) error {
	note := fmt.Sprintf("risk reset by %s", adminID)
	if err := s.states.Reset(ctx, userID, note); err != nil {
		return fmt.Errorf("failed to reset risk state: %w", err)
	}
	if _, err := s.sessions.DeleteAllForUser(ctx, userID); err != nil {
		s.logger.Error("Failed to revoke sessions on reset",
			zap.String("user_id", userID), zap.Error(err))
	}
	if err := s.ledger.Append(ctx, &RiskEvent{
		UserID:    userID,
		Score:     0,
		Level:     RiskLevelLow,
		Reason:    note,
		IsReset:   true,
		CreatedAt: s.now(),
	}); err != nil {
		metrics.LedgerWriteFailuresTotal.Inc()
		s.logger.Error("Failed to append reset event",
			zap.String("user_id", userID), zap.Error(err))
	}
	s.logger.Info("Risk state reset",
		zap.String("user_id", userID), zap.String("admin_id", adminID))
	return nil
}

// ForceLogout revokes every session and the remember-me token, then
// records the action in the access log.
func (s *Service) ForceLogout(ctx context.Context, userID, adminID string) (int, error) {
	revoked, err := s.sessions.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	if err := s.sessions.RotateRememberToken(ctx, userID); err != nil {
		s.logger.Error("Failed to rotate remember token",
			zap.String("user_id", userID), zap.Error(err))
	}
	if err := s.events.Record(ctx, &AccessEvent{
		UserID:     userID,
		IPAddress:  "0.0.0.0",
		Action:     "force_logout",
		AccessedAt: s.now(),
	}); err != nil {
		s.logger.Error("Failed to record force logout",
			zap.String("user_id", userID), zap.Error(err))
	}
	s.logger.Info("Forced logout",
		zap.String("user_id", userID),
		zap.String("admin_id", adminID),
		zap.Int("sessions_revoked", revoked),
	)
	return revoked, nil
}

// RevokeSession revokes a single session.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	return s.sessions.Delete(ctx, sessionID)
}

// ManualBan is the admin override onto the terminal state. Idempotent:
// banning an already banned user reports applied=false without error.
func (s *Service) ManualBan(ctx context.Context, userID, adminID, reason string) (bool, error) {
	now := s.now()
	note := fmt.Sprintf("banned by %s: %s", adminID, reason)
	applied, err := s.states.Ban(ctx, userID, now, note)
	if err != nil {
		return false, fmt.Errorf("failed to ban user: %w", err)
	}
	if !applied {
		return false, nil
	}
	metrics.EnforcementActionsTotal.WithLabelValues("ban").Inc()
	if _, err := s.sessions.DeleteAllForUser(ctx, userID); err != nil {
		s.logger.Error("Failed to revoke sessions on ban",
			zap.String("user_id", userID), zap.Error(err))
	}
	if err := s.ledger.Append(ctx, &RiskEvent{
		UserID:    userID,
		Score:     0,
		Level:     RiskLevelHigh,
		Reason:    "manual_ban",
		CreatedAt: now,
	}); err != nil {
		metrics.LedgerWriteFailuresTotal.Inc()
		s.logger.Error("Failed to append ban event",
			zap.String("user_id", userID), zap.Error(err))
	}
	s.logger.Warn("User banned by admin",
		zap.String("user_id", userID),
		zap.String("admin_id", adminID),
		zap.String("reason", reason),
	)
	return true, nil
}

// Unflag lifts the review flag without touching scores.
func (s *Service) Unflag(ctx context.Context, userID string) error {
	return s.states.Unflag(ctx, userID)
}
