// Package risk implements the behavioral risk and account-sharing
// enforcement engine: it aggregates access signals into a per-user
// suspicion score, drives the graduated enforcement ladder
// (warn, temporary lock, flag for review, permanent ban), and keeps an
// append-only audit trail of every scoring decision.
package risk

import "time"

// RiskLevel classifies a risk score for display and the event ledger
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// String returns the string representation of RiskLevel
func (r RiskLevel) String() string {
	return string(r)
}

// Risk level cutoffs for the login-anomaly pipeline
const (
	riskLevelHighCutoff   = 70
	riskLevelMediumCutoff = 30
)

// Session risk level cutoffs (session evaluation uses a coarser mapping)
const (
	sessionLevelHighCutoff   = 60
	sessionLevelMediumCutoff = 30
)

// levelForRisk maps a risk score to a level (login-anomaly cutoffs)
func levelForRisk(score int) RiskLevel {
	switch {
	case score >= riskLevelHighCutoff:
		return RiskLevelHigh
	case score >= riskLevelMediumCutoff:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// levelForSession maps a session score to a level
func levelForSession(score int) RiskLevel {
	switch {
	case score >= sessionLevelHighCutoff:
		return RiskLevelHigh
	case score >= sessionLevelMediumCutoff:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// UserRiskState is the engine-owned slice of the user record. The two
// scores are independent scalars: suspicion_score drives account-sharing
// enforcement, risk_score tracks short-window login anomalies and decays
// on its own clock.
type UserRiskState struct {
	UserID           string     `json:"user_id"`
	SuspicionScore   int        `json:"suspicion_score"`
	RiskScore        int        `json:"risk_score"`
	IsSuspicious     bool       `json:"is_suspicious"`
	WarnedAt         *time.Time `json:"warned_at,omitempty"`
	LastSuspiciousAt *time.Time `json:"last_suspicious_at,omitempty"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
	BannedAt         *time.Time `json:"banned_at,omitempty"`
	LastRiskAt       *time.Time `json:"last_risk_at,omitempty"`
	LastLoginIP      string     `json:"last_login_ip,omitempty"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
	AdminNotes       string     `json:"admin_notes,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Banned reports whether the user is in the terminal banned state
func (s *UserRiskState) Banned() bool {
	return s.BannedAt != nil
}

// LockedAt reports whether the temporary lock is active at the given time
func (s *UserRiskState) LockedAt(now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}

// AccessEvent is one row of the append-only access log: who accessed
// what, from where, on which device, when. Immutable once written.
type AccessEvent struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	IPAddress         string    `json:"ip_address"`
	SessionID         string    `json:"session_id,omitempty"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	Action            string    `json:"action"`
	AccessedAt        time.Time `json:"accessed_at"`
}

// RiskEvent is one row of the append-only scoring audit trail. Rows are
// never updated or deleted; they form the timeline shown to admins.
type RiskEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Score     int       `json:"score"`
	Level     RiskLevel `json:"level"`
	Reason    string    `json:"reason"`
	IsReset   bool      `json:"is_reset"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRisk is the point-in-time assessment of a single session
type SessionRisk struct {
	SessionID string    `json:"session_id"`
	Score     int       `json:"score"`
	Level     RiskLevel `json:"level"`
	Factors   []string  `json:"factors,omitempty"`
}

// EngineStats summarizes the tracked population for the admin overview
type EngineStats struct {
	TrackedUsers    int `json:"tracked_users"`
	SuspiciousUsers int `json:"suspicious_users"`
	LockedUsers     int `json:"locked_users"`
	BannedUsers     int `json:"banned_users"`
	WarnedUsers     int `json:"warned_users"`
}

// BlockReason explains why a user is blocked from content access
type BlockReason string

const (
	BlockReasonLocked     BlockReason = "locked"
	BlockReasonSuspicious BlockReason = "suspicious"
	BlockReasonBanned     BlockReason = "banned"
)

// BlockStatus is the engine's answer to the gate middleware. It is
// derived purely from UserRiskState fields, evaluated lazily.
type BlockStatus struct {
	Blocked bool        `json:"blocked"`
	Reason  BlockReason `json:"reason,omitempty"`
}
