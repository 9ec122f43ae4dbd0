package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/courseshield/courseshield/internal/common/database"
)

const stateColumns = `user_id, suspicion_score, risk_score, is_suspicious, warned_at,
	last_suspicious_at, locked_until, banned_at, last_risk_at,
	COALESCE(last_login_ip,''), last_login_at, COALESCE(admin_notes,''), updated_at`

// PostgresStateStore implements StateStore on a user_risk_states table.
// Every mutation is a single conditional UPDATE, so per-user atomicity
// comes from row-level locking rather than from caller coordination.
type PostgresStateStore struct {
	db *database.PostgresDB
}

// NewPostgresStateStore creates a Postgres-backed state store
func NewPostgresStateStore(db *database.PostgresDB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

func scanState(row pgx.Row) (*UserRiskState, error) {
	var s UserRiskState
	err := row.Scan(&s.UserID, &s.SuspicionScore, &s.RiskScore, &s.IsSuspicious,
		&s.WarnedAt, &s.LastSuspiciousAt, &s.LockedUntil, &s.BannedAt, &s.LastRiskAt,
		&s.LastLoginIP, &s.LastLoginAt, &s.AdminNotes, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Get returns the risk state for a user
func (p *PostgresStateStore) Get(ctx context.Context, userID string) (*UserRiskState, error) {
	row := p.db.Pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM user_risk_states WHERE user_id = $1`, userID)
	return scanState(row)
}

// Ensure creates the default zero state if the user has none
func (p *PostgresStateStore) Ensure(ctx context.Context, userID string) error {
	_, err := p.db.Pool.Exec(ctx,
		`INSERT INTO user_risk_states (user_id) VALUES ($1)
		 ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("failed to ensure risk state: %w", err)
	}
	return nil
}

// AddSuspicion atomically increments suspicion_score, floored at zero
func (p *PostgresStateStore) AddSuspicion(ctx context.Context, userID string, delta int, now time.Time) (*UserRiskState, error) {
	row := p.db.Pool.QueryRow(ctx,
		`UPDATE user_risk_states
		 SET suspicion_score = GREATEST(suspicion_score + $2, 0),
		     last_suspicious_at = $3,
		     updated_at = NOW()
		 WHERE user_id = $1 AND banned_at IS NULL
		 RETURNING `+stateColumns, userID, delta, now)
	state, err := scanState(row)
	if errors.Is(err, ErrNotFound) {
		// Either missing or banned; banned returns the unchanged row.
		return p.Get(ctx, userID)
	}
	return state, err
}

// MarkWarned sets warned_at once per episode
func (p *PostgresStateStore) MarkWarned(ctx context.Context, userID string, now time.Time) (bool, error) {
	tag, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states SET warned_at = $2, updated_at = NOW()
		 WHERE user_id = $1 AND warned_at IS NULL AND banned_at IS NULL`, userID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Flag sets is_suspicious, appending note to the audit notes
func (p *PostgresStateStore) Flag(ctx context.Context, userID, note string) (bool, error) {
	tag, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states
		 SET is_suspicious = true,
		     admin_notes = CASE WHEN $2 = '' THEN admin_notes
		                        WHEN admin_notes = '' THEN $2
		                        ELSE admin_notes || E'\n' || $2 END,
		     updated_at = NOW()
		 WHERE user_id = $1 AND is_suspicious = false AND banned_at IS NULL`, userID, note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Unflag clears is_suspicious, keeping score and history
func (p *PostgresStateStore) Unflag(ctx context.Context, userID string) error {
	_, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states SET is_suspicious = false, updated_at = NOW()
		 WHERE user_id = $1 AND banned_at IS NULL`, userID)
	return err
}

// Lock sets the temporary lock when none is active. An active lock is
// never extended.
func (p *PostgresStateStore) Lock(ctx context.Context, userID string, until time.Time, note string) (bool, error) {
	tag, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states
		 SET locked_until = $2,
		     admin_notes = CASE WHEN admin_notes = '' THEN $3 ELSE admin_notes || E'\n' || $3 END,
		     updated_at = NOW()
		 WHERE user_id = $1 AND (locked_until IS NULL OR locked_until < NOW())
		   AND banned_at IS NULL`, userID, until, note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClearExpiredLock nulls locked_until once it has passed (lazy expiry)
func (p *PostgresStateStore) ClearExpiredLock(ctx context.Context, userID string, now time.Time) error {
	_, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states SET locked_until = NULL, updated_at = NOW()
		 WHERE user_id = $1 AND locked_until IS NOT NULL AND locked_until <= $2`, userID, now)
	return err
}

// Ban sets the terminal banned state
func (p *PostgresStateStore) Ban(ctx context.Context, userID string, now time.Time, note string) (bool, error) {
	tag, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states
		 SET banned_at = $2,
		     admin_notes = CASE WHEN admin_notes = '' THEN $3 ELSE admin_notes || E'\n' || $3 END,
		     updated_at = NOW()
		 WHERE user_id = $1 AND banned_at IS NULL`, userID, now, note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AddRisk atomically increments risk_score, clamped to [0,100]
func (p *PostgresStateStore) AddRisk(ctx context.Context, userID string, delta int, now time.Time) (*UserRiskState, error) {
	row := p.db.Pool.QueryRow(ctx,
		`UPDATE user_risk_states
		 SET risk_score = LEAST(GREATEST(risk_score + $2, 0), 100),
		     last_risk_at = $3,
		     last_suspicious_at = $3,
		     updated_at = NOW()
		 WHERE user_id = $1 AND banned_at IS NULL
		 RETURNING `+stateColumns, userID, delta, now)
	state, err := scanState(row)
	if errors.Is(err, ErrNotFound) {
		return p.Get(ctx, userID)
	}
	return state, err
}

// SetRisk persists a computed risk_score; nil lastRiskAt leaves the
// decay clock untouched
func (p *PostgresStateStore) SetRisk(ctx context.Context, userID string, score int, lastRiskAt *time.Time) error {
	_, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states
		 SET risk_score = $2, last_risk_at = COALESCE($3, last_risk_at), updated_at = NOW()
		 WHERE user_id = $1 AND banned_at IS NULL`, userID, score, lastRiskAt)
	return err
}

// RecordLogin updates login bookkeeping, including for banned users
func (p *PostgresStateStore) RecordLogin(ctx context.Context, userID, ip string, now time.Time) error {
	_, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states SET last_login_ip = $2, last_login_at = $3, updated_at = NOW()
		 WHERE user_id = $1`, userID, ip, now)
	return err
}

// DecayCandidates pages decay-eligible users by ascending user id
func (p *PostgresStateStore) DecayCandidates(ctx context.Context, afterUserID string, limit int) ([]*UserRiskState, error) {
	rows, err := p.db.Pool.Query(ctx,
		`SELECT `+stateColumns+` FROM user_risk_states
		 WHERE suspicion_score > 0 AND last_suspicious_at IS NOT NULL
		   AND banned_at IS NULL AND user_id > $1
		 ORDER BY user_id LIMIT $2`, afterUserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*UserRiskState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// ApplyDecay atomically decrements suspicion_score, floored at zero
func (p *PostgresStateStore) ApplyDecay(ctx context.Context, userID string, decrement int) (*UserRiskState, error) {
	row := p.db.Pool.QueryRow(ctx,
		`UPDATE user_risk_states
		 SET suspicion_score = GREATEST(suspicion_score - $2, 0), updated_at = NOW()
		 WHERE user_id = $1 AND banned_at IS NULL
		 RETURNING `+stateColumns, userID, decrement)
	state, err := scanState(row)
	if errors.Is(err, ErrNotFound) {
		return p.Get(ctx, userID)
	}
	return state, err
}

// ClearEpisode zeroes the suspicion score and episode markers
func (p *PostgresStateStore) ClearEpisode(ctx context.Context, userID string) error {
	_, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states
		 SET suspicion_score = 0, is_suspicious = false,
		     warned_at = NULL, last_suspicious_at = NULL, updated_at = NOW()
		 WHERE user_id = $1 AND banned_at IS NULL`, userID)
	return err
}

// Reset restores every engine-owned field to defaults. This is the admin
// escape hatch, so it applies to banned users too.
func (p *PostgresStateStore) Reset(ctx context.Context, userID, note string) error {
	_, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states
		 SET suspicion_score = 0, risk_score = 0, is_suspicious = false,
		     warned_at = NULL, last_suspicious_at = NULL, locked_until = NULL,
		     banned_at = NULL, last_risk_at = NULL,
		     admin_notes = CASE WHEN admin_notes = '' THEN $2 ELSE admin_notes || E'\n' || $2 END,
		     updated_at = NOW()
		 WHERE user_id = $1`, userID, note)
	return err
}

// Stats summarizes the tracked population in one aggregate scan
func (p *PostgresStateStore) Stats(ctx context.Context, now time.Time) (*EngineStats, error) {
	var stats EngineStats
	err := p.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE is_suspicious),
		        COUNT(*) FILTER (WHERE locked_until > $1),
		        COUNT(*) FILTER (WHERE banned_at IS NOT NULL),
		        COUNT(*) FILTER (WHERE warned_at IS NOT NULL)
		 FROM user_risk_states`, now).Scan(
		&stats.TrackedUsers, &stats.SuspiciousUsers, &stats.LockedUsers,
		&stats.BannedUsers, &stats.WarnedUsers)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// PostgresAccessEventStore implements AccessEventStore on an append-only
// access_events table. Empty session ids and fingerprints are stored as
// NULL so distinct counts naturally skip them.
type PostgresAccessEventStore struct {
	db *database.PostgresDB
}

// NewPostgresAccessEventStore creates a Postgres-backed access event store
func NewPostgresAccessEventStore(db *database.PostgresDB) *PostgresAccessEventStore {
	return &PostgresAccessEventStore{db: db}
}

// Record appends an access event
func (p *PostgresAccessEventStore) Record(ctx context.Context, ev *AccessEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.AccessedAt.IsZero() {
		ev.AccessedAt = time.Now()
	}
	_, err := p.db.Pool.Exec(ctx,
		`INSERT INTO access_events (id, user_id, ip_address, session_id, device_fingerprint, action, accessed_at)
		 VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), $6, $7)`,
		ev.ID, ev.UserID, ev.IPAddress, ev.SessionID, ev.DeviceFingerprint, ev.Action, ev.AccessedAt)
	if err != nil {
		return fmt.Errorf("failed to record access event: %w", err)
	}
	return nil
}

// CountDistinct counts distinct non-null values of the given field
func (p *PostgresAccessEventStore) CountDistinct(ctx context.Context, field DistinctField, userID string, since time.Time) (int, error) {
	var query string
	switch field {
	case FieldIPAddress:
		query = `SELECT COUNT(DISTINCT ip_address) FROM access_events
		         WHERE user_id = $1 AND accessed_at > $2`
	case FieldSessionID:
		query = `SELECT COUNT(DISTINCT session_id) FROM access_events
		         WHERE user_id = $1 AND accessed_at > $2 AND session_id IS NOT NULL`
	case FieldDeviceFingerprint:
		query = `SELECT COUNT(DISTINCT device_fingerprint) FROM access_events
		         WHERE user_id = $1 AND accessed_at > $2 AND device_fingerprint IS NOT NULL`
	default:
		return 0, fmt.Errorf("unsupported distinct field: %s", field)
	}

	var count int
	if err := p.db.Pool.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

const eventColumns = `id, user_id, ip_address, COALESCE(session_id,''), COALESCE(device_fingerprint,''), action, accessed_at`

func scanEvents(rows pgx.Rows) ([]AccessEvent, error) {
	var events []AccessEvent
	for rows.Next() {
		var ev AccessEvent
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.IPAddress, &ev.SessionID,
			&ev.DeviceFingerprint, &ev.Action, &ev.AccessedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SessionEvents returns all events for a session ordered by time
func (p *PostgresAccessEventStore) SessionEvents(ctx context.Context, sessionID string) ([]AccessEvent, error) {
	rows, err := p.db.Pool.Query(ctx,
		`SELECT `+eventColumns+` FROM access_events
		 WHERE session_id = $1 ORDER BY accessed_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentEvents returns a user's events since the given time
func (p *PostgresAccessEventStore) RecentEvents(ctx context.Context, userID string, since time.Time) ([]AccessEvent, error) {
	rows, err := p.db.Pool.Query(ctx,
		`SELECT `+eventColumns+` FROM access_events
		 WHERE user_id = $1 AND accessed_at > $2 ORDER BY accessed_at`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountOtherUsersOnIPs counts distinct other users seen on any given IP
func (p *PostgresAccessEventStore) CountOtherUsersOnIPs(ctx context.Context, ips []string, excludeUserID string) (int, error) {
	if len(ips) == 0 {
		return 0, nil
	}
	var count int
	err := p.db.Pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM access_events
		 WHERE ip_address = ANY($1) AND user_id <> $2`, ips, excludeUserID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// PostgresRiskEventLedger implements RiskEventLedger on an append-only
// risk_events table
type PostgresRiskEventLedger struct {
	db *database.PostgresDB
}

// NewPostgresRiskEventLedger creates a Postgres-backed risk event ledger
func NewPostgresRiskEventLedger(db *database.PostgresDB) *PostgresRiskEventLedger {
	return &PostgresRiskEventLedger{db: db}
}

// Append writes one event row
func (p *PostgresRiskEventLedger) Append(ctx context.Context, ev *RiskEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := p.db.Pool.Exec(ctx,
		`INSERT INTO risk_events (id, user_id, score, level, reason, is_reset, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.UserID, ev.Score, string(ev.Level), ev.Reason, ev.IsReset, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append risk event: %w", err)
	}
	return nil
}

// Timeline returns a user's events, newest first
func (p *PostgresRiskEventLedger) Timeline(ctx context.Context, userID string, limit, offset int) ([]RiskEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.Pool.Query(ctx,
		`SELECT id, user_id, score, level, reason, is_reset, created_at
		 FROM risk_events WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RiskEvent
	for rows.Next() {
		var ev RiskEvent
		var level string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Score, &level, &ev.Reason, &ev.IsReset, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Level = RiskLevel(level)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PostgresSessionStore implements SessionStore on a sessions table, with
// best-effort invalidation of the Redis session cache so revocation is
// visible to the very next request.
type PostgresSessionStore struct {
	db     *database.PostgresDB
	redis  *database.RedisClient
	logger *zap.Logger
}

// NewPostgresSessionStore creates a Postgres-backed session store
func NewPostgresSessionStore(db *database.PostgresDB, redis *database.RedisClient, logger *zap.Logger) *PostgresSessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSessionStore{db: db, redis: redis, logger: logger.With(zap.String("component", "session_store"))}
}

// DeleteAllForUser removes every active session for a user
func (p *PostgresSessionStore) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	rows, err := p.db.Pool.Query(ctx,
		`DELETE FROM sessions WHERE user_id = $1 RETURNING id`, userID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if rows.Scan(&id) == nil {
			ids = append(ids, id)
		}
	}
	p.dropCached(ctx, ids)
	return len(ids), rows.Err()
}

// Delete revokes a single session
func (p *PostgresSessionStore) Delete(ctx context.Context, sessionID string) error {
	_, err := p.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return err
	}
	p.dropCached(ctx, []string{sessionID})
	return nil
}

// RotateRememberToken invalidates the user's remember-me token
func (p *PostgresSessionStore) RotateRememberToken(ctx context.Context, userID string) error {
	_, err := p.db.Pool.Exec(ctx,
		`UPDATE user_risk_states SET remember_token = $2, updated_at = NOW()
		 WHERE user_id = $1`, userID, uuid.NewString())
	return err
}

// dropCached removes cached session entries; failures are logged only,
// the database row is the source of truth
func (p *PostgresSessionStore) dropCached(ctx context.Context, ids []string) {
	if p.redis == nil || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = "session:" + id
	}
	if err := p.redis.Client.Del(ctx, keys...).Err(); err != nil {
		p.logger.Warn("Failed to drop cached sessions", zap.Error(err), zap.Int("count", len(keys)))
	}
}
