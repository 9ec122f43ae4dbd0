package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RiskScoringService maintains the decaying user risk score. Unlike the
// suspicion score, which only enforcement resets, the risk score drifts
// back toward zero when the raw signals quiet down.
type RiskScoringService struct {
	states StateStore
	events AccessEventStore
	logger *zap.Logger

	now func() time.Time
}

func NewRiskScoringService(states StateStore, events AccessEventStore, logger *zap.Logger) *RiskScoringService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskScoringService{
		states: states,
		events: events,
		logger: logger.With(zap.String("component", "risk_scoring")),
		now:    time.Now,
	}
}

// Score recomputes and persists a user's risk score from the last ten
// minutes of access activity. Banned users always score 100 and are
// never written back.
func (s *RiskScoringService) Score(ctx context.Context, userID string) (int, error) {
	state, err := s.states.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load risk state: %w", err)
	}
	if state.Banned() {
		return 100, nil
	}

	now := s.now()
	raw, err := s.rawScore(ctx, userID, now)
	if err != nil {
		return 0, err
	}

	// The persisted score ratchets up immediately but only decays in
	// measured steps, one per elapsed ten-minute bucket of quiet.
	score := state.RiskScore
	if raw > score {
		score = raw
	} else if raw < score && state.LastRiskAt != nil {
		steps := int(now.Sub(*state.LastRiskAt).Minutes()) / 10
		score -= steps * 10
		if score < raw {
			score = raw
		}
		if score < 0 {
			score = 0
		}
	}

	if score == state.RiskScore && score == 0 {
		return score, nil
	}

	// An unchanged positive score is still written back: every
	// computation restarts the decay clock. A score that reached zero
	// stops the clock; the next raw signal restarts it.
	var lastRiskAt *time.Time
	if score > 0 {
		lastRiskAt = &now
	}
	if err := s.states.SetRisk(ctx, userID, score, lastRiskAt); err != nil {
		return 0, fmt.Errorf("failed to persist risk score: %w", err)
	}
	s.logger.Debug("Risk score updated",
		zap.String("user_id", userID),
		zap.Int("previous", state.RiskScore),
		zap.Int("score", score),
		zap.Int("raw", raw),
	)
	return score, nil
}

// rawScore grades the last ten minutes of raw activity. Empty windows
// score zero.
func (s *RiskScoringService) rawScore(ctx context.Context, userID string, now time.Time) (int, error) {
	events, err := s.events.RecentEvents(ctx, userID, now.Add(-10*time.Minute))
	if err != nil {
		return 0, fmt.Errorf("failed to load recent events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	ips := make(map[string]struct{})
	devices := make(map[string]struct{})
	for _, ev := range events {
		ips[ev.IPAddress] = struct{}{}
		if ev.DeviceFingerprint != "" {
			devices[ev.DeviceFingerprint] = struct{}{}
		}
	}

	raw := 0
	if len(ips) > 1 {
		raw += 40
	}
	if len(devices) > 1 {
		raw += 30
	}
	if len(events) > 20 {
		raw += 20
	}
	if raw > 100 {
		raw = 100
	}
	return raw, nil
}
