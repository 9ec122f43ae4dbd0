package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStateStore is an in-memory implementation of StateStore for
// demo/test use. It mirrors the conditional-update semantics of the
// Postgres store under a single mutex.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*UserRiskState
}

// NewMemoryStateStore creates an in-memory state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*UserRiskState)}
}

func (m *MemoryStateStore) Get(ctx context.Context, userID string) (*UserRiskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStateStore) Ensure(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[userID]; !ok {
		m.states[userID] = &UserRiskState{UserID: userID, UpdatedAt: time.Now()}
	}
	return nil
}

// Put seeds a state directly; test helper.
func (m *MemoryStateStore) Put(s *UserRiskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.states[s.UserID] = &cp
}

// mutate runs fn on the live state unless the user is banned (banned is
// terminal). It returns a copy of the resulting state.
func (m *MemoryStateStore) mutate(userID string, fn func(*UserRiskState)) (*UserRiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.BannedAt == nil {
		fn(s)
		s.UpdatedAt = time.Now()
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStateStore) AddSuspicion(ctx context.Context, userID string, delta int, now time.Time) (*UserRiskState, error) {
	return m.mutate(userID, func(s *UserRiskState) {
		s.SuspicionScore += delta
		if s.SuspicionScore < 0 {
			s.SuspicionScore = 0
		}
		t := now
		s.LastSuspiciousAt = &t
	})
}

func (m *MemoryStateStore) MarkWarned(ctx context.Context, userID string, now time.Time) (bool, error) {
	applied := false
	_, err := m.mutate(userID, func(s *UserRiskState) {
		if s.WarnedAt == nil {
			t := now
			s.WarnedAt = &t
			applied = true
		}
	})
	return applied, err
}

func (m *MemoryStateStore) Flag(ctx context.Context, userID, note string) (bool, error) {
	applied := false
	_, err := m.mutate(userID, func(s *UserRiskState) {
		if !s.IsSuspicious {
			s.IsSuspicious = true
			appendNote(s, note)
			applied = true
		}
	})
	return applied, err
}

func (m *MemoryStateStore) Unflag(ctx context.Context, userID string) error {
	_, err := m.mutate(userID, func(s *UserRiskState) {
		s.IsSuspicious = false
	})
	return err
}

func (m *MemoryStateStore) Lock(ctx context.Context, userID string, until time.Time, note string) (bool, error) {
	applied := false
	_, err := m.mutate(userID, func(s *UserRiskState) {
		if s.LockedUntil == nil || s.LockedUntil.Before(time.Now()) {
			t := until
			s.LockedUntil = &t
			appendNote(s, note)
			applied = true
		}
	})
	return applied, err
}

func (m *MemoryStateStore) ClearExpiredLock(ctx context.Context, userID string, now time.Time) error {
	_, err := m.mutate(userID, func(s *UserRiskState) {
		if s.LockedUntil != nil && !s.LockedUntil.After(now) {
			s.LockedUntil = nil
		}
	})
	return err
}

func (m *MemoryStateStore) Ban(ctx context.Context, userID string, now time.Time, note string) (bool, error) {
	applied := false
	_, err := m.mutate(userID, func(s *UserRiskState) {
		t := now
		s.BannedAt = &t
		appendNote(s, note)
		applied = true
	})
	return applied, err
}

func (m *MemoryStateStore) AddRisk(ctx context.Context, userID string, delta int, now time.Time) (*UserRiskState, error) {
	return m.mutate(userID, func(s *UserRiskState) {
		s.RiskScore += delta
		if s.RiskScore < 0 {
			s.RiskScore = 0
		}
		if s.RiskScore > 100 {
			s.RiskScore = 100
		}
		t := now
		s.LastRiskAt = &t
		s.LastSuspiciousAt = &t
	})
}

func (m *MemoryStateStore) SetRisk(ctx context.Context, userID string, score int, lastRiskAt *time.Time) error {
	_, err := m.mutate(userID, func(s *UserRiskState) {
		s.RiskScore = score
		if lastRiskAt != nil {
			t := *lastRiskAt
			s.LastRiskAt = &t
		}
	})
	return err
}

func (m *MemoryStateStore) RecordLogin(ctx context.Context, userID, ip string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[userID]
	if !ok {
		return ErrNotFound
	}
	s.LastLoginIP = ip
	t := now
	s.LastLoginAt = &t
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStateStore) DecayCandidates(ctx context.Context, afterUserID string, limit int) ([]*UserRiskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, s := range m.states {
		if s.SuspicionScore > 0 && s.LastSuspiciousAt != nil && s.BannedAt == nil && id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	states := make([]*UserRiskState, 0, len(ids))
	for _, id := range ids {
		cp := *m.states[id]
		states = append(states, &cp)
	}
	return states, nil
}

func (m *MemoryStateStore) ApplyDecay(ctx context.Context, userID string, decrement int) (*UserRiskState, error) {
	return m.mutate(userID, func(s *UserRiskState) {
		s.SuspicionScore -= decrement
		if s.SuspicionScore < 0 {
			s.SuspicionScore = 0
		}
	})
}

func (m *MemoryStateStore) ClearEpisode(ctx context.Context, userID string) error {
	_, err := m.mutate(userID, func(s *UserRiskState) {
		s.SuspicionScore = 0
		s.IsSuspicious = false
		s.WarnedAt = nil
		s.LastSuspiciousAt = nil
	})
	return err
}

func (m *MemoryStateStore) Reset(ctx context.Context, userID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[userID]
	if !ok {
		return ErrNotFound
	}
	s.SuspicionScore = 0
	s.RiskScore = 0
	s.IsSuspicious = false
	s.WarnedAt = nil
	s.LastSuspiciousAt = nil
	s.LockedUntil = nil
	s.BannedAt = nil
	s.LastRiskAt = nil
	appendNote(s, note)
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStateStore) Stats(ctx context.Context, now time.Time) (*EngineStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats EngineStats
	for _, s := range m.states {
		stats.TrackedUsers++
		if s.IsSuspicious {
			stats.SuspiciousUsers++
		}
		if s.LockedAt(now) {
			stats.LockedUsers++
		}
		if s.Banned() {
			stats.BannedUsers++
		}
		if s.WarnedAt != nil {
			stats.WarnedUsers++
		}
	}
	return &stats, nil
}

func appendNote(s *UserRiskState, note string) {
	if note == "" {
		return
	}
	if s.AdminNotes == "" {
		s.AdminNotes = note
		return
	}
	s.AdminNotes += "\n" + note
}

// MemoryAccessEventStore is an in-memory implementation of
// AccessEventStore for demo/test use
type MemoryAccessEventStore struct {
	mu     sync.RWMutex
	events []AccessEvent
}

// NewMemoryAccessEventStore creates an in-memory access event store
func NewMemoryAccessEventStore() *MemoryAccessEventStore {
	return &MemoryAccessEventStore{}
}

func (m *MemoryAccessEventStore) Record(ctx context.Context, ev *AccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.AccessedAt.IsZero() {
		ev.AccessedAt = time.Now()
	}
	m.events = append(m.events, *ev)
	return nil
}

func (m *MemoryAccessEventStore) CountDistinct(ctx context.Context, field DistinctField, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	distinct := make(map[string]struct{})
	for _, ev := range m.events {
		if ev.UserID != userID || !ev.AccessedAt.After(since) {
			continue
		}
		var v string
		switch field {
		case FieldIPAddress:
			v = ev.IPAddress
		case FieldSessionID:
			v = ev.SessionID
		case FieldDeviceFingerprint:
			v = ev.DeviceFingerprint
		}
		if v != "" {
			distinct[v] = struct{}{}
		}
	}
	return len(distinct), nil
}

func (m *MemoryAccessEventStore) SessionEvents(ctx context.Context, sessionID string) ([]AccessEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []AccessEvent
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].AccessedAt.Before(events[j].AccessedAt) })
	return events, nil
}

func (m *MemoryAccessEventStore) RecentEvents(ctx context.Context, userID string, since time.Time) ([]AccessEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []AccessEvent
	for _, ev := range m.events {
		if ev.UserID == userID && ev.AccessedAt.After(since) {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].AccessedAt.Before(events[j].AccessedAt) })
	return events, nil
}

func (m *MemoryAccessEventStore) CountOtherUsersOnIPs(ctx context.Context, ips []string, excludeUserID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ipSet := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		ipSet[ip] = struct{}{}
	}

	users := make(map[string]struct{})
	for _, ev := range m.events {
		if ev.UserID == excludeUserID {
			continue
		}
		if _, ok := ipSet[ev.IPAddress]; ok {
			users[ev.UserID] = struct{}{}
		}
	}
	return len(users), nil
}

// MemoryRiskEventLedger is an in-memory implementation of RiskEventLedger
// for demo/test use
type MemoryRiskEventLedger struct {
	mu     sync.RWMutex
	events map[string][]RiskEvent
}

// NewMemoryRiskEventLedger creates an in-memory risk event ledger
func NewMemoryRiskEventLedger() *MemoryRiskEventLedger {
	return &MemoryRiskEventLedger{events: make(map[string][]RiskEvent)}
}

func (m *MemoryRiskEventLedger) Append(ctx context.Context, ev *RiskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events[ev.UserID] = append(m.events[ev.UserID], *ev)
	return nil
}

func (m *MemoryRiskEventLedger) Timeline(ctx context.Context, userID string, limit, offset int) ([]RiskEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.events[userID]
	if limit <= 0 {
		limit = 50
	}

	// Newest first
	var events []RiskEvent
	for i := len(all) - 1 - offset; i >= 0 && len(events) < limit; i-- {
		events = append(events, all[i])
	}
	return events, nil
}

// MemorySessionStore is an in-memory implementation of SessionStore for
// demo/test use
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]string // session id → user id
	tokens   map[string]string // user id → remember token
}

// NewMemorySessionStore creates an in-memory session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]string),
		tokens:   make(map[string]string),
	}
}

// Add registers an active session; test helper.
func (m *MemorySessionStore) Add(sessionID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = userID
}

// Count returns the number of active sessions; test helper.
func (m *MemorySessionStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Token returns the current remember token for a user; test helper.
func (m *MemorySessionStore) Token(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[userID]
}

func (m *MemorySessionStore) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, uid := range m.sessions {
		if uid == userID {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemorySessionStore) RotateRememberToken(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = uuid.NewString()
	return nil
}
