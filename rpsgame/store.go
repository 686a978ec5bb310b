package rpsgame

import (
	"sync"
	"time"
)

// Sessions holds every live session keyed by id. It is purely in-memory:
// losing it mid-match is a recoverable failure handled by the settlement
// layer, not a durability bug.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byPlayer map[string]string // player id -> session id
}

func NewSessions() *Sessions {
	return &Sessions{
		sessions: make(map[string]*Session),
		byPlayer: make(map[string]string),
	}
}

// Add registers a freshly created session and indexes its creator.
func (ss *Sessions) Add(s *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sessions[s.ID] = s
	if s.Player1 != nil {
		ss.byPlayer[s.Player1.ID] = s.ID
	}
}

// Get returns the session for id, or nil.
func (ss *Sessions) Get(id string) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessions[id]
}

// IndexPlayer points a player id at a session (after a successful join).
func (ss *Sessions) IndexPlayer(playerID, sessionID string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.byPlayer[playerID] = sessionID
}

// ForPlayer returns the session a player currently occupies, or nil.
func (ss *Sessions) ForPlayer(playerID string) *Session {
	ss.mu.RLock()
	id, ok := ss.byPlayer[playerID]
	if !ok {
		ss.mu.RUnlock()
		return nil
	}
	s := ss.sessions[id]
	ss.mu.RUnlock()
	return s
}

// Remove evicts a session and all player index entries pointing at it.
func (ss *Sessions) Remove(id string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.removeLocked(id)
}

func (ss *Sessions) removeLocked(id string) {
	delete(ss.sessions, id)
	for pid, sid := range ss.byPlayer {
		if sid == id {
			delete(ss.byPlayer, pid)
		}
	}
}

// Snapshot returns a shallow copy of all sessions.
func (ss *Sessions) Snapshot() []*Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]*Session, 0, len(ss.sessions))
	for _, s := range ss.sessions {
		out = append(out, s)
	}
	return out
}

// Public returns the joinable public sessions still in waiting, the
// first-come pairing pool.
func (ss *Sessions) Public() []*Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	var out []*Session
	for _, s := range ss.sessions {
		s.Lock()
		open := s.Mode == ModePublic && s.Status == StatusWaiting && s.Player2 == nil
		s.Unlock()
		if open {
			out = append(out, s)
		}
	}
	return out
}

// EvictTerminal removes sessions that have been terminal for at least
// grace, keeping them around long enough to absorb late duplicate events.
// Returns the number evicted.
func (ss *Sessions) EvictTerminal(grace time.Duration) int {
	cutoff := time.Now().Add(-grace)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	n := 0
	for id, s := range ss.sessions {
		ended := s.TerminalSince()
		if !ended.IsZero() && ended.Before(cutoff) {
			ss.removeLocked(id)
			n++
		}
	}
	return n
}
