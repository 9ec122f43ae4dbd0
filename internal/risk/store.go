package risk

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user has no risk state row
var ErrNotFound = errors.New("risk state not found")

// DistinctField names an AccessEvent column for distinct-count queries
type DistinctField string

const (
	FieldIPAddress         DistinctField = "ip_address"
	FieldSessionID         DistinctField = "session_id"
	FieldDeviceFingerprint DistinctField = "device_fingerprint"
)

// StateStore is the per-user risk state repository. Mutations are
// first-class atomic operations scoped to a single user row, so the
// concurrency contract lives in the interface rather than in caller
// discipline. Two concurrent increments for the same user must not lose
// an update. Every mutating method is a no-op for banned users except
// RecordLogin.
type StateStore interface {
	// Get returns the risk state for a user, or ErrNotFound.
	Get(ctx context.Context, userID string) (*UserRiskState, error)

	// Ensure creates the default zero state for a user if none exists.
	Ensure(ctx context.Context, userID string) error

	// AddSuspicion atomically increments suspicion_score by delta
	// (floored at zero) and stamps last_suspicious_at. Returns the
	// updated state.
	AddSuspicion(ctx context.Context, userID string, delta int, now time.Time) (*UserRiskState, error)

	// MarkWarned sets warned_at if it is currently null (one-shot per
	// episode). Reports whether the write was applied.
	MarkWarned(ctx context.Context, userID string, now time.Time) (bool, error)

	// Flag sets is_suspicious and appends note to admin_notes; a no-op
	// when already flagged. Reports whether the write was applied.
	Flag(ctx context.Context, userID, note string) (bool, error)

	// Unflag clears is_suspicious, retaining score and history.
	Unflag(ctx context.Context, userID string) error

	// Lock sets locked_until when no active lock is in place (an active
	// lock is never extended) and appends note. Reports whether applied.
	Lock(ctx context.Context, userID string, until time.Time, note string) (bool, error)

	// ClearExpiredLock nulls locked_until if it has passed (lazy expiry).
	ClearExpiredLock(ctx context.Context, userID string, now time.Time) error

	// Ban sets banned_at and appends note; a no-op when already banned.
	// Reports whether applied.
	Ban(ctx context.Context, userID string, now time.Time, note string) (bool, error)

	// AddRisk atomically increments risk_score (clamped to [0,100]) and
	// stamps last_risk_at and last_suspicious_at. Returns the updated state.
	AddRisk(ctx context.Context, userID string, delta int, now time.Time) (*UserRiskState, error)

	// SetRisk persists a freshly computed risk_score. A nil lastRiskAt
	// leaves the decay clock untouched.
	SetRisk(ctx context.Context, userID string, score int, lastRiskAt *time.Time) error

	// RecordLogin updates last_login_ip and last_login_at. Applies even
	// to banned users: login bookkeeping is not an enforcement field.
	RecordLogin(ctx context.Context, userID, ip string, now time.Time) error

	// DecayCandidates pages users eligible for suspicion decay
	// (suspicion_score > 0, last_suspicious_at set, not banned),
	// keyset-paginated by user id in ascending order.
	DecayCandidates(ctx context.Context, afterUserID string, limit int) ([]*UserRiskState, error)

	// ApplyDecay atomically decrements suspicion_score (floored at zero)
	// without touching last_suspicious_at. Returns the updated state.
	ApplyDecay(ctx context.Context, userID string, decrement int) (*UserRiskState, error)

	// ClearEpisode zeroes suspicion_score and clears is_suspicious,
	// warned_at and last_suspicious_at, ending the episode.
	ClearEpisode(ctx context.Context, userID string) error

	// Reset restores all engine-owned fields to defaults and appends
	// note. Unlike the other mutations it applies to banned users too:
	// it is the admin escape hatch out of the terminal state.
	Reset(ctx context.Context, userID, note string) error

	// Stats summarizes the tracked population.
	Stats(ctx context.Context, now time.Time) (*EngineStats, error)
}

// AccessEventStore is the read-side contract over the append-only access
// log, plus the ingest hook used when the engine runs standalone.
type AccessEventStore interface {
	// Record appends an access event.
	Record(ctx context.Context, ev *AccessEvent) error

	// CountDistinct counts distinct non-empty values of field for a user
	// since the given time.
	CountDistinct(ctx context.Context, field DistinctField, userID string, since time.Time) (int, error)

	// SessionEvents returns all events for a session ordered by time.
	SessionEvents(ctx context.Context, sessionID string) ([]AccessEvent, error)

	// RecentEvents returns a user's events since the given time.
	RecentEvents(ctx context.Context, userID string, since time.Time) ([]AccessEvent, error)

	// CountOtherUsersOnIPs counts distinct users other than excludeUserID
	// with events from any of the given IPs.
	CountOtherUsersOnIPs(ctx context.Context, ips []string, excludeUserID string) (int, error)
}

// RiskEventLedger is the append-only audit trail of scoring decisions.
// Rows are immutable; the timeline is what admins review.
type RiskEventLedger interface {
	// Append writes one event row.
	Append(ctx context.Context, ev *RiskEvent) error

	// Timeline returns a user's events, newest first.
	Timeline(ctx context.Context, userID string, limit, offset int) ([]RiskEvent, error)
}

// SessionStore manages active login sessions, used for enforcement-time
// invalidation (a banned user must be logged out everywhere).
type SessionStore interface {
	// DeleteAllForUser removes every active session for a user and
	// returns how many were removed.
	DeleteAllForUser(ctx context.Context, userID string) (int, error)

	// Delete revokes a single session.
	Delete(ctx context.Context, sessionID string) error

	// RotateRememberToken invalidates the user's remember-me token.
	RotateRememberToken(ctx context.Context, userID string) error
}
