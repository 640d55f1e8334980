package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Relationship classifies the bidirectional location-sharing state with one
// peer.
type Relationship int

const (
	// RelationshipNone means neither side shares.
	RelationshipNone Relationship = iota
	// SharingWithThem means we have an active outbound session to the peer.
	SharingWithThem
	// TheyShareWithMe means the peer shares with us but we do not share back.
	TheyShareWithMe
	// Mutual means both directions are active.
	Mutual
)

func (r Relationship) String() string {
	switch r {
	case RelationshipNone:
		return "none"
	case SharingWithThem:
		return "sharing_with_them"
	case TheyShareWithMe:
		return "they_share_with_me"
	case Mutual:
		return "mutual"
	default:
		return "unknown"
	}
}

// SharingSession is one outbound share. A nil ExpiresAt never expires.
type SharingSession struct {
	PeerID      PeerID
	DisplayName string
	StartedAt   time.Time
	ExpiresAt   *time.Time
}

// Expired reports whether the session has lapsed at the given instant.
func (s SharingSession) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// SessionManagerConfig wires a SessionManager to its collaborators.
type SessionManagerConfig struct {
	// Facts answers whether a peer currently shares with us. May be nil, in
	// which case no inbound share is ever assumed.
	Facts  SharingFactSource
	Logger *zap.Logger

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// SessionManager owns the set of active outbound sharing sessions and
// classifies the bidirectional relationship with any peer. Expiry is
// evaluated lazily at read time; no background reaper is required for
// correctness.
type SessionManager struct {
	cfg SessionManagerConfig
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	sessions map[PeerID]SharingSession
}

// NewSessionManager creates an empty session manager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		cfg:      cfg,
		log:      log.Named("sharing"),
		now:      now,
		sessions: make(map[PeerID]SharingSession),
	}
}

// StartSharing creates or replaces one session per peer. A duration <= 0
// means the session never expires. Re-starting an existing session simply
// resets its expiry.
func (m *SessionManager) StartSharing(peerIDs []PeerID, displayNames map[PeerID]string, duration time.Duration) {
	now := m.now()
	var expiresAt *time.Time
	if duration > 0 {
		t := now.Add(duration)
		expiresAt = &t
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range peerIDs {
		name := displayNames[id]
		if name == "" {
			name = "Peer " + id.Short()
		}
		m.sessions[id] = SharingSession{
			PeerID:      id,
			DisplayName: name,
			StartedAt:   now,
			ExpiresAt:   expiresAt,
		}
		m.log.Info("location sharing started",
			zap.String("peer", id.Short()),
			zap.Duration("duration", duration))
	}
}

// StopSharing removes the session for one peer. Stopping a peer without a
// session is a no-op.
func (m *SessionManager) StopSharing(id PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.log.Info("location sharing stopped", zap.String("peer", id.Short()))
	}
}

// StopAll removes every session. Calling it repeatedly is a no-op after the
// first call.
func (m *SessionManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return
	}
	m.sessions = make(map[PeerID]SharingSession)
	m.log.Info("all location sharing stopped")
}

// IsSharingWith reports whether an active, non-expired outbound session
// exists for the peer.
func (m *SessionManager) IsSharingWith(id PeerID) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	return ok && !session.Expired(now)
}

// RelationshipWith classifies the 2x2 sharing state with a peer. A failing
// fact lookup is logged and treated as "not sharing with us"; presence data
// is best-effort by design.
func (m *SessionManager) RelationshipWith(id PeerID) Relationship {
	outbound := m.IsSharingWith(id)

	inbound := false
	if m.cfg.Facts != nil {
		var err error
		inbound, err = m.cfg.Facts.IsPeerSharingWithMe(id)
		if err != nil {
			m.log.Warn("inbound sharing fact lookup failed",
				zap.String("peer", id.Short()),
				zap.Error(err))
			inbound = false
		}
	}

	switch {
	case outbound && inbound:
		return Mutual
	case outbound:
		return SharingWithThem
	case inbound:
		return TheyShareWithMe
	default:
		return RelationshipNone
	}
}

// ActiveSessions returns all non-expired sessions sorted by display name.
func (m *SessionManager) ActiveSessions() []SharingSession {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SharingSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		if !session.Expired(now) {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].PeerID.String() < out[j].PeerID.String()
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// CleanupExpired deletes expired sessions. Opportunistic only; lazy expiry
// already keeps reads correct without it.
func (m *SessionManager) CleanupExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, session := range m.sessions {
		if session.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
