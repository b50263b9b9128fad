// Package registry tracks connected adapter nodes and per-user
// conversational sessions. Two deliberately distinct layers live here,
// mirroring the source system: NodeRegistry owns connection identity and
// survives reconnects via a preserved session_id -> node_id binding;
// SessionManager owns per-(user, channel) conversational continuity
// (active request, thread/project id, free-form context) independent of
// which node currently serves that user.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// NodeConnection represents one connected adapter instance.
type NodeConnection struct {
	NodeID       string
	SessionID    string
	Platform     string
	Conn         *websocket.Conn
	Capabilities map[string]bool
	ConnectedAt  time.Time
	LastPing     time.Time
	Metadata     map[string]any
}

// SupportsStreaming reports whether the node declared the "streaming"
// capability at registration.
func (n *NodeConnection) SupportsStreaming() bool { return n.Capabilities["streaming"] }

// SupportsAttachments reports whether the node declared "attachments".
func (n *NodeConnection) SupportsAttachments() bool { return n.Capabilities["attachments"] }

func newCapabilitySet(caps []string) map[string]bool {
	set := make(map[string]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

// NodeRegistry is the single owner of NodeConnection records. All
// mutations happen under a single mutex, matching the shared-resource
// policy: a component's state is guarded by exactly one lock.
type NodeRegistry struct {
	mu         sync.RWMutex
	nodes      map[string]*NodeConnection // node_id -> connection
	sessions   map[string]string          // session_id -> node_id (preserved across disconnects)
	byConn     map[*websocket.Conn]string // conn -> node_id
}

func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{
		nodes:    make(map[string]*NodeConnection),
		sessions: make(map[string]string),
		byConn:   make(map[*websocket.Conn]string),
	}
}

// Register records a new or reconnecting node. If priorSessionID names a
// preserved session, the previous node record (if still present) is
// discarded in favor of the new socket and isReconnection is true;
// otherwise a fresh session id is minted.
func (r *NodeRegistry) Register(conn *websocket.Conn, nodeID, platform string, capabilities []string, metadata map[string]any, priorSessionID string) (sessionID string, isReconnection bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if priorSessionID != "" {
		if oldNodeID, ok := r.sessions[priorSessionID]; ok {
			if oldNode, ok := r.nodes[oldNodeID]; ok {
				delete(r.byConn, oldNode.Conn)
				delete(r.nodes, oldNodeID)
			}
			sessionID = priorSessionID
			isReconnection = true
		}
	}
	if sessionID == "" {
		sessionID = "gw-" + uuid.New().String()[:12]
	}

	node := &NodeConnection{
		NodeID:       nodeID,
		SessionID:    sessionID,
		Platform:     platform,
		Conn:         conn,
		Capabilities: newCapabilitySet(capabilities),
		ConnectedAt:  time.Now(),
		LastPing:     time.Now(),
		Metadata:     metadata,
	}

	r.nodes[nodeID] = node
	r.sessions[sessionID] = nodeID
	r.byConn[conn] = nodeID

	return sessionID, isReconnection
}

// Unregister removes the active node record for a closed socket but keeps
// the session_id -> node_id binding so a reconnect with the same
// session_id can be recognized later. Returns the node id that was
// unregistered, or "" if the socket wasn't known.
func (r *NodeRegistry) Unregister(conn *websocket.Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodeID, ok := r.byConn[conn]
	if !ok {
		return ""
	}
	delete(r.byConn, conn)
	delete(r.nodes, nodeID)
	return nodeID
}

// GetNode looks up a node by id.
func (r *NodeRegistry) GetNode(nodeID string) (*NodeConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// GetNodeByConn looks up a node by its live socket.
func (r *NodeRegistry) GetNodeByConn(conn *websocket.Conn) (*NodeConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodeID, ok := r.byConn[conn]
	if !ok {
		return nil, false
	}
	n, ok := r.nodes[nodeID]
	return n, ok
}

// NodesByPlatform returns every currently connected node for a platform,
// used by broadcast_to_platform.
func (r *NodeRegistry) NodesByPlatform(platform string) []*NodeConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*NodeConnection
	for _, n := range r.nodes {
		if n.Platform == platform {
			out = append(out, n)
		}
	}
	return out
}

// UpdatePing refreshes the last-ping timestamp for a node's socket.
func (r *NodeRegistry) UpdatePing(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nodeID, ok := r.byConn[conn]; ok {
		if n, ok := r.nodes[nodeID]; ok {
			n.LastPing = time.Now()
		}
	}
}

// AllNodes returns every connected node, for status reporting.
func (r *NodeRegistry) AllNodes() []*NodeConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*NodeConnection, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Stats reports aggregate registry counters.
type Stats struct {
	TotalNodes        int
	PreservedSessions int
	ByPlatform        map[string]int
}

func (r *NodeRegistry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byPlatform := make(map[string]int)
	for _, n := range r.nodes {
		byPlatform[n.Platform]++
	}
	return Stats{
		TotalNodes:        len(r.nodes),
		PreservedSessions: len(r.sessions),
		ByPlatform:        byPlatform,
	}
}
