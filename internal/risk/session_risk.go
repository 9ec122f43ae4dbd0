package risk

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SessionRiskService grades a single session's behavior on demand.
// Scores are computed per request, never stored: a session reads as
// risky only while its recent activity looks risky.
type SessionRiskService struct {
	events AccessEventStore
	logger *zap.Logger
}

func NewSessionRiskService(events AccessEventStore, logger *zap.Logger) *SessionRiskService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRiskService{
		events: events,
		logger: logger.With(zap.String("component", "session_risk")),
	}
}

// Calculate scores a session from its recorded access events. Sessions
// seen only from a single loopback address score zero regardless of
// volume; health checks and local tooling must not read as account
// sharing.
func (s *SessionRiskService) Calculate(ctx context.Context, sessionID string) (*SessionRisk, error) {
	events, err := s.events.SessionEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session events: %w", err)
	}

	risk := &SessionRisk{SessionID: sessionID, Level: RiskLevelLow}
	if len(events) == 0 {
		return risk, nil
	}

	ips := make(map[string]struct{})
	perMinute := make(map[int64]int)
	loginActions := 0
	for _, ev := range events {
		ips[ev.IPAddress] = struct{}{}
		perMinute[ev.AccessedAt.Unix()/60]++
		if ev.Action == "login" {
			loginActions++
		}
	}
	// The exemption covers exactly one loopback address. A session
	// mixing loopback with anything else, even the other loopback
	// literal, is graded normally.
	if len(ips) == 1 {
		if _, ok := ips["127.0.0.1"]; ok {
			return risk, nil
		}
		if _, ok := ips["::1"]; ok {
			return risk, nil
		}
	}

	if len(ips) > 1 {
		risk.Score += 30
		risk.Factors = append(risk.Factors, "multiple_ips")
	}
	ipList := make([]string, 0, len(ips))
	for ip := range ips {
		ipList = append(ipList, ip)
	}
	others, err := s.events.CountOtherUsersOnIPs(ctx, ipList, events[0].UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to count cross-user IP reuse: %w", err)
	}
	if others > 0 {
		risk.Score += 40
		risk.Factors = append(risk.Factors, "cross_user_ip_reuse")
	}
	burst := false
	for _, n := range perMinute {
		if n > 3 {
			burst = true
			break
		}
	}
	if burst {
		risk.Score += 20
		risk.Factors = append(risk.Factors, "request_burst")
	}
	if len(events) > 30 {
		risk.Score += 20
		risk.Factors = append(risk.Factors, "high_volume")
	}
	if loginActions > 2 {
		risk.Score += 10
		risk.Factors = append(risk.Factors, "repeated_logins")
	}

	risk.Level = levelForSession(risk.Score)
	if risk.Level == RiskLevelHigh {
		s.logger.Warn("High-risk session detected",
			zap.String("session_id", sessionID),
			zap.Int("score", risk.Score),
			zap.Strings("factors", risk.Factors),
		)
	}
	return risk, nil
}
