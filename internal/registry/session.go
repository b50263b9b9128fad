package registry

import (
	"sync"
	"time"
)

// UserSession tracks one user's conversational state within a channel,
// independent of NodeConnection: a user may reconnect on a new node_id
// mid-conversation and this record carries straight through.
type UserSession struct {
	UserID          string
	ChannelID       string
	NodeID          string // adapter node currently handling this user
	ThreadID        string
	ProjectID       string
	ActiveRequestID string
	LastActivity    time.Time
	Context         map[string]any
}

func (s *UserSession) touch() { s.LastActivity = time.Now() }

// SessionManager owns UserSession records, keyed by (user_id, channel_id).
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*UserSession
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*UserSession)}
}

func sessionKey(userID, channelID string) string { return userID + ":" + channelID }

// GetOrCreate returns the session for (userID, channelID), creating it if
// necessary and updating its owning node id.
func (m *SessionManager) GetOrCreate(userID, channelID, nodeID string) *UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(userID, channelID)
	if s, ok := m.sessions[key]; ok {
		s.NodeID = nodeID
		s.touch()
		return s
	}

	s := &UserSession{
		UserID:       userID,
		ChannelID:    channelID,
		NodeID:       nodeID,
		LastActivity: time.Now(),
		Context:      make(map[string]any),
	}
	m.sessions[key] = s
	return s
}

// Get looks up an existing session without creating one.
func (m *SessionManager) Get(userID, channelID string) (*UserSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(userID, channelID)]
	return s, ok
}

// SetActiveRequest sets or clears the request currently in flight for a
// session, called by the router as requests enter/leave ACTIVE.
func (m *SessionManager) SetActiveRequest(userID, channelID, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionKey(userID, channelID)]; ok {
		s.ActiveRequestID = requestID
		s.touch()
	}
}

// SessionsForNode returns every session currently routed through a node,
// used when a node disconnects to decide what to do with in-flight state.
func (m *SessionManager) SessionsForNode(nodeID string) []*UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*UserSession
	for _, s := range m.sessions {
		if s.NodeID == nodeID {
			out = append(out, s)
		}
	}
	return out
}

// CleanupStale removes sessions idle longer than maxAge, returning the
// count removed.
func (m *SessionManager) CleanupStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed
}

// SessionStats reports aggregate counters for observability.
type SessionStats struct {
	TotalSessions  int
	ActiveRequests int
}

func (m *SessionManager) Stats() SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, s := range m.sessions {
		if s.ActiveRequestID != "" {
			active++
		}
	}
	return SessionStats{TotalSessions: len(m.sessions), ActiveRequests: active}
}
