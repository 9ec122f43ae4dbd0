package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courseshield/courseshield/internal/metrics"
)

// LoginEvent carries the network context of a successful login.
type LoginEvent struct {
	UserID       string
	IPAddress    string
	ForwardedFor string
	UserAgent    string
}

// LoginMonitor watches successful logins for network anomalies and
// feeds them into the decaying risk score and the event ledger.
type LoginMonitor struct {
	states StateStore
	ledger RiskEventLedger
	logger *zap.Logger

	now func() time.Time
}

func NewLoginMonitor(states StateStore, ledger RiskEventLedger, logger *zap.Logger) *LoginMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginMonitor{
		states: states,
		ledger: ledger,
		logger: logger.With(zap.String("component", "login_monitor")),
		now:    time.Now,
	}
}

// OnLogin processes one successful login. The login context is always
// recorded, including for banned users: the last-seen IP must stay
// current even when no scoring happens.
func (m *LoginMonitor) OnLogin(ctx context.Context, ev LoginEvent) error {
	if err := m.states.Ensure(ctx, ev.UserID); err != nil {
		return fmt.Errorf("failed to ensure risk state: %w", err)
	}
	state, err := m.states.Get(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("failed to load risk state: %w", err)
	}

	now := m.now()
	defer func() {
		if err := m.states.RecordLogin(ctx, ev.UserID, ev.IPAddress, now); err != nil {
			m.logger.Error("Failed to record login context",
				zap.String("user_id", ev.UserID), zap.Error(err))
		}
	}()

	if state.Banned() {
		return nil
	}

	delta := 0
	reason := ""
	if state.LastLoginIP != "" && state.LastLoginIP != ev.IPAddress {
		delta = 30
		reason = "ip_change"
		metrics.LoginAnomaliesTotal.WithLabelValues("ip_change").Inc()
	}

	// A forwarded-for chain on a direct login endpoint means the client
	// came through a proxy we did not put there.
	if ev.ForwardedFor != "" {
		metrics.LoginAnomaliesTotal.WithLabelValues("proxy_chain").Inc()
		if flagged, err := m.states.Flag(ctx, ev.UserID, "proxy chain on login from "+ev.IPAddress); err != nil {
			m.logger.Error("Failed to flag proxied login",
				zap.String("user_id", ev.UserID), zap.Error(err))
		} else if flagged {
			metrics.EnforcementActionsTotal.WithLabelValues("flag").Inc()
			m.logger.Warn("User flagged for proxied login",
				zap.String("user_id", ev.UserID),
				zap.String("ip_address", ev.IPAddress),
				zap.String("forwarded_for", ev.ForwardedFor),
			)
		}
		if delta == 0 {
			reason = "proxy_chain"
		} else {
			reason = "ip_change_proxy_chain"
		}
		delta += 20
	}

	if delta == 0 {
		return nil
	}

	state, err = m.states.AddRisk(ctx, ev.UserID, delta, now)
	if err != nil {
		return fmt.Errorf("failed to apply login risk: %w", err)
	}

	m.appendLedger(ctx, &RiskEvent{
		UserID:    ev.UserID,
		Score:     state.RiskScore,
		Level:     levelForRisk(state.RiskScore),
		Reason:    reason,
		CreatedAt: now,
	})

	if state.RiskScore >= 70 && !state.IsSuspicious {
		if flagged, err := m.states.Flag(ctx, ev.UserID, "login risk score reached "+fmt.Sprint(state.RiskScore)); err != nil {
			m.logger.Error("Failed to flag risky login",
				zap.String("user_id", ev.UserID), zap.Error(err))
		} else if flagged {
			metrics.EnforcementActionsTotal.WithLabelValues("flag").Inc()
			m.logger.Warn("User flagged for login risk",
				zap.String("user_id", ev.UserID),
				zap.Int("risk_score", state.RiskScore),
				zap.String("reason", reason),
			)
		}
	}

	m.logger.Info("Login anomaly scored",
		zap.String("user_id", ev.UserID),
		zap.String("reason", reason),
		zap.Int("delta", delta),
		zap.Int("risk_score", state.RiskScore),
	)
	return nil
}

func (m *LoginMonitor) appendLedger(ctx context.Context, ev *RiskEvent) {
	if err := m.ledger.Append(ctx, ev); err != nil {
		metrics.LedgerWriteFailuresTotal.Inc()
		m.logger.Error("Failed to append risk event",
			zap.String("user_id", ev.UserID),
			zap.String("reason", ev.Reason),
			zap.Error(err),
		)
	}
}
