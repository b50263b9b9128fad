// Package server implements the gateway's WebSocket front door: it
// accepts adapter connections, demultiplexes tagged frames into the
// Message Router and LLM Orchestrator, and serializes outgoing frames
// per connection. Grounded on the teacher's single-owner-goroutine
// connection handling (internal/dashboard/websocket.go) generalized
// from a one-directional broadcast feed into the gateway's full
// bidirectional tagged protocol, and on the original gateway's
// GatewayServer for dispatch and failure semantics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clara-ai/gateway/internal/events"
	"github.com/clara-ai/gateway/internal/gatewayerrors"
	"github.com/clara-ai/gateway/internal/orchestrator"
	"github.com/clara-ai/gateway/internal/protocol"
	"github.com/clara-ai/gateway/internal/registry"
	"github.com/clara-ai/gateway/internal/router"
)

// ToolProvider supplies the tool schemas bound into each LLM turn. The
// server only needs to list them; invocation happens inside the
// orchestrator's own ToolExecutor.
type ToolProvider interface {
	GetAllTools() []orchestrator.ToolSchema
}

// Config bundles the Server's construction-time settings.
type Config struct {
	// Secret, if non-empty, must match every REGISTER frame's Secret
	// field or the connection is refused. Optional, per spec.md §6
	// (CLARA_GATEWAY_SECRET).
	Secret string
}

// Server owns every live adapter connection and dispatches inbound
// frames to the registry, router, and orchestrator. It is the only
// component that writes to a *websocket.Conn.
type Server struct {
	cfg    Config
	logger *slog.Logger

	registry *registry.NodeRegistry
	sessions *registry.SessionManager
	router   *router.Router
	orch     *orchestrator.Orchestrator
	tools    ToolProvider
	emitter  *events.Emitter

	mu      sync.RWMutex
	clients map[*conn]struct{}

	ctx       context.Context
	cancelAll context.CancelFunc

	startedAt    time.Time
	messageCount int64

	httpServer *http.Server
}

// New constructs a Server. orch and tools may be nil in tests that only
// exercise registration/routing; a nil orch fails any MESSAGE frame with
// CodeNoProcessor, matching the original's "no processor configured"
// path.
func New(cfg Config, reg *registry.NodeRegistry, sessions *registry.SessionManager, rt *router.Router, orch *orchestrator.Orchestrator, tools ToolProvider, emitter *events.Emitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "server"),
		registry:  reg,
		sessions:  sessions,
		router:    rt,
		orch:      orch,
		tools:     tools,
		emitter:   emitter,
		clients:   make(map[*conn]struct{}),
		ctx:       ctx,
		cancelAll: cancel,
	}
	rt.SetDebounceCallback(s.onDebounceReady)
	return s
}

// Handler returns the http.Handler that upgrades and services adapter
// connections, for mounting at whatever path the caller chooses
// (conventionally "/ws").
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// Start begins listening on addr. It blocks until the listener stops
// (Stop is called or a fatal accept error occurs), matching net/http's
// ListenAndServe convention.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.Handler())
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	s.startedAt = time.Now()
	s.emit(events.TypeGatewayStartup, events.Event{})

	s.logger.Info("gateway listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Stop closes the listener, cancels every in-flight request, and drops
// every connection.
func (s *Server) Stop(ctx context.Context) error {
	s.emit(events.TypeGatewayShutdown, events.Event{})
	s.cancelAll()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	clients := make([]*conn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.ws.Close()
	}
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump(s.logger)
	c.readPump(s)
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	nodeID := s.registry.Unregister(c.ws)
	close(c.send)
	if nodeID != "" {
		s.logger.Info("adapter disconnected", "node_id", nodeID)
		s.emit(events.TypeAdapterDisconnected, events.Event{NodeID: nodeID})
	}
}

// handleFrame parses one inbound frame and dispatches it. A single bad
// frame never closes the connection (spec.md §4.1): parse and handler
// errors are reported back as an ERROR frame and the read loop
// continues.
func (s *Server) handleFrame(c *conn, raw []byte) {
	msg, kind, err := protocol.Parse(raw)
	if err != nil {
		s.logger.Warn("invalid frame", "error", err)
		s.sendError(c, "", gatewayerrors.InvalidJSON(err))
		return
	}
	if msg == nil {
		s.logger.Debug("ignoring unrecognized frame type", "type", kind)
		return
	}

	switch m := msg.(type) {
	case protocol.Register:
		s.handleRegister(c, m)
	case protocol.Unregister:
		s.handleUnregister(c, m)
	case protocol.Ping:
		s.handlePing(c, m)
	case protocol.Message:
		s.handleMessageRequest(c, m)
	case protocol.Cancel:
		s.handleCancel(c, m)
	case protocol.Status:
		s.handleStatusRequest(c, m)
	default:
		s.logger.Debug("unhandled frame type", "type", kind)
	}
}

func (s *Server) handleRegister(c *conn, msg protocol.Register) {
	if s.cfg.Secret != "" && msg.Secret != s.cfg.Secret {
		s.logger.Warn("rejected registration with bad secret", "node_id", msg.NodeID)
		s.sendError(c, msg.ID, gatewayerrors.Unauthorized())
		return
	}

	sessionID, isReconnection := s.registry.Register(c.ws, msg.NodeID, msg.Platform, msg.Capabilities, nil, msg.PriorSessionID)
	c.setNodeID(msg.NodeID)

	s.send(c, protocol.Registered{
		Type:           protocol.TypeRegistered,
		ID:             msg.ID,
		SessionID:      sessionID,
		IsReconnection: isReconnection,
	})

	action := "registered"
	if isReconnection {
		action = "reconnected"
	}
	s.logger.Info("adapter "+action, "node_id", msg.NodeID, "platform", msg.Platform)
	s.emit(events.TypeAdapterConnected, events.Event{NodeID: msg.NodeID, Platform: msg.Platform})
}

func (s *Server) handleUnregister(c *conn, msg protocol.Unregister) {
	s.registry.Unregister(c.ws)
	c.setNodeID("")
	s.logger.Info("adapter unregistered", "node_id", msg.NodeID)
	s.emit(events.TypeAdapterDisconnected, events.Event{NodeID: msg.NodeID})
}

func (s *Server) handlePing(c *conn, msg protocol.Ping) {
	s.registry.UpdatePing(c.ws)
	s.send(c, protocol.Pong{Type: protocol.TypePong, ID: msg.ID})
}

func (s *Server) handleStatusRequest(c *conn, msg protocol.Status) {
	rs := s.router.Stats()
	var uptime float64
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt).Seconds()
	}
	s.send(c, protocol.Status{
		Type:          protocol.TypeStatus,
		ID:            msg.ID,
		ActiveCount:   rs.ActiveChannels,
		QueueLength:   rs.TotalQueued,
		UptimeSeconds: uptime,
	})
}

func (s *Server) handleCancel(c *conn, msg protocol.Cancel) {
	if s.router.Cancel(msg.RequestID) {
		s.send(c, protocol.Cancelled{Type: protocol.TypeCancelled, ID: msg.ID, RequestID: msg.RequestID})
		s.emitReq(events.TypeMessageCancelled, msg.RequestID, "", "")
		return
	}
	s.sendError(c, msg.RequestID, gatewayerrors.NotFound("request not found or already completed"))
}

func (s *Server) handleMessageRequest(c *conn, msg protocol.Message) {
	atomic.AddInt64(&s.messageCount, 1)

	node, ok := s.registry.GetNodeByConn(c.ws)
	if !ok {
		s.sendError(c, msg.ID, gatewayerrors.NotRegistered())
		return
	}

	s.emit(events.TypeMessageReceived, events.Event{
		NodeID: node.NodeID, Platform: node.Platform,
		UserID: msg.User.ID, ChannelID: msg.Channel.ID, RequestID: msg.ID,
	})

	bypassDebounce := msg.IsMention || msg.Channel.Type == "dm"
	isBatchable := msg.Channel.Type == "server" && !msg.IsMention

	acquired, position := s.router.Submit(msg, node.NodeID, router.SubmitOptions{
		IsBatchable: isBatchable,
		IsMention:   bypassDebounce,
	})

	if acquired {
		go s.processRequest(c, node.NodeID, msg, isBatchable)
		return
	}
	if position == -1 {
		s.sendError(c, msg.ID, gatewayerrors.Duplicate())
		return
	}
	s.send(c, protocol.Status{
		Type:        protocol.TypeStatus,
		ID:          msg.ID,
		ActiveCount: 1,
		QueueLength: position,
	})
}

// onDebounceReady is the router's DebounceReadyFunc: a channel's debounce
// window expired and its pending messages were consolidated into one
// request. It is invoked off the router's lock, so it is safe to start
// processing directly.
func (s *Server) onDebounceReady(channelID string, consolidated *router.QueuedRequest) {
	node, ok := s.registry.GetNode(consolidated.NodeID)
	if !ok {
		s.logger.Warn("debounce fired for disconnected node", "channel_id", channelID, "node_id", consolidated.NodeID)
		s.router.MarkFailed(consolidated.RequestID())
		return
	}
	c, ok := s.connFor(node)
	if !ok {
		s.router.MarkFailed(consolidated.RequestID())
		return
	}
	go s.processRequest(c, node.NodeID, consolidated.Request, consolidated.IsBatchable)
}

// connFor finds the live connection wrapper for a registered node. The
// registry only stores *websocket.Conn; the server is the sole owner of
// the conn wrapper carrying the write-serializing send channel.
func (s *Server) connFor(node *registry.NodeConnection) (*conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if c.ws == node.Conn {
			return c, true
		}
	}
	return nil, false
}

// processRequest drives one ACTIVE request end to end: streams
// orchestrator events out as RESPONSE_* frames, then releases the
// channel and continues with whatever the router hands back next. A
// panic here must still release the channel (spec.md §4.3.7's hard
// invariant), so it is recovered and converted to MarkFailed rather than
// allowed to crash the goroutine silently.
func (s *Server) processRequest(c *conn, nodeID string, msg protocol.Message, isBatchable bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while processing request", "request_id", msg.ID, "panic", r)
			next := s.router.MarkFailed(msg.ID)
			s.continueChain(next)
		}
	}()

	s.sessions.GetOrCreate(msg.User.ID, msg.Channel.ID, nodeID)
	s.sessions.SetActiveRequest(msg.User.ID, msg.Channel.ID, msg.ID)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.router.RegisterCancel(msg.ID, cancel)

	if s.orch == nil {
		s.sendError(c, msg.ID, gatewayerrors.NoProcessor())
		next := s.router.MarkFailed(msg.ID)
		s.continueChain(next)
		return
	}

	s.send(c, protocol.ResponseStart{Type: protocol.TypeResponseStart, ID: msg.ID, RequestID: msg.ID})

	var tools []orchestrator.ToolSchema
	if s.tools != nil {
		tools = s.tools.GetAllTools()
	}

	req := orchestrator.GenerateRequest{
		Messages:  []orchestrator.Message{{Role: orchestrator.RoleUser, Content: msg.Content}},
		Tools:     tools,
		UserID:    msg.User.ID,
		RequestID: msg.ID,
		Tier:      msg.TierOverride,
		Images:    msg.Attachments,
	}

	var accumulated string
	var terminal *orchestrator.Event
	for ev := range s.orch.Generate(ctx, req) {
		ev := ev
		switch ev.Type {
		case orchestrator.EventToolStart:
			s.router.IncrementToolCount(msg.ID)
			s.send(c, protocol.ToolStart{Type: protocol.TypeToolStart, ID: msg.ID, RequestID: msg.ID, ToolName: ev.ToolName, Step: ev.Step, Arguments: ev.Arguments})
			s.emitReq(events.TypeToolStart, msg.ID, msg.User.ID, msg.Channel.ID)
		case orchestrator.EventToolResult:
			s.send(c, protocol.ToolResult{Type: protocol.TypeToolResult, ID: msg.ID, RequestID: msg.ID, ToolName: ev.ToolName, Success: ev.Success, OutputPreview: ev.OutputPreview})
			s.emitReq(events.TypeToolEnd, msg.ID, msg.User.ID, msg.Channel.ID)
		case orchestrator.EventChunk:
			accumulated += ev.Text
			s.send(c, protocol.ResponseChunk{Type: protocol.TypeResponseChunk, ID: msg.ID, RequestID: msg.ID, Chunk: ev.Text, Accumulated: accumulated})
		case orchestrator.EventComplete, orchestrator.EventError:
			terminal = &ev
		}
	}

	if terminal == nil {
		s.logger.Error("orchestrator closed its event channel without a terminal event", "request_id", msg.ID)
		next := s.router.MarkFailed(msg.ID)
		s.continueChain(next)
		return
	}

	if terminal.Type == orchestrator.EventError {
		if ctx.Err() != nil {
			// handleCancel already sent a Cancelled frame and flipped the
			// router status before invoking the cancel func that unblocked
			// Generate; only send here when ctx was cancelled some other way
			// (e.g. server shutdown) and the client hasn't been told yet.
			if status, ok := s.router.GetRequestStatus(msg.ID); !ok || status != router.StatusCancelled {
				s.send(c, protocol.Cancelled{Type: protocol.TypeCancelled, ID: msg.ID, RequestID: msg.ID})
			}
		} else {
			s.logger.Error("request processing failed", "request_id", msg.ID, "error", terminal.Err)
			s.sendError(c, msg.ID, gatewayerrors.ProcessingError(terminal.Err))
		}
		next := s.router.MarkFailed(msg.ID)
		s.continueChain(next)
		return
	}

	s.send(c, protocol.ResponseEnd{
		Type: protocol.TypeResponseEnd, ID: msg.ID, RequestID: msg.ID,
		FullText: terminal.Text, ToolCount: terminal.ToolCount, Files: terminal.Files,
	})
	s.emitReq(events.TypeMessageSent, msg.ID, msg.User.ID, msg.Channel.ID)

	var next *router.QueuedRequest
	if isBatchable {
		if batch := s.router.CompleteBatch(msg.ID); len(batch) > 0 {
			next = batch[len(batch)-1]
		}
	} else {
		next = s.router.Complete(msg.ID)
	}
	s.continueChain(next)
}

// continueChain resumes processing for whatever request the router just
// promoted to ACTIVE, mirroring the original's recursive
// _process_request(next_request) call. The owning node may have
// disconnected in the meantime, in which case the request is failed and
// the chain tried again.
func (s *Server) continueChain(next *router.QueuedRequest) {
	for next != nil {
		node, ok := s.registry.GetNode(next.NodeID)
		if !ok {
			next = s.router.MarkFailed(next.RequestID())
			continue
		}
		c, ok := s.connFor(node)
		if !ok {
			next = s.router.MarkFailed(next.RequestID())
			continue
		}
		go s.processRequest(c, node.NodeID, next.Request, next.IsBatchable)
		return
	}
}

// BroadcastToPlatform implements scheduler.Broadcaster: it delivers a
// proactive message to every node currently connected for a platform.
func (s *Server) BroadcastToPlatform(ctx context.Context, platform string, msg protocol.ProactiveMessage) (int, error) {
	nodes := s.registry.NodesByPlatform(platform)
	count := 0
	for _, n := range nodes {
		c, ok := s.connFor(n)
		if !ok {
			continue
		}
		if s.send(c, msg) {
			count++
		} else {
			s.logger.Warn("failed to deliver proactive message", "node_id", n.NodeID)
		}
	}
	return count, nil
}

// send encodes and enqueues one outbound frame, logging (never panicking)
// on encode failure or a full send buffer.
func (s *Server) send(c *conn, v any) bool {
	frame, err := protocol.Encode(v)
	if err != nil {
		s.logger.Error("failed to encode outbound frame", "error", err)
		return false
	}
	if !c.enqueue(frame) {
		s.logger.Warn("send buffer full, dropping connection", "node_id", c.getNodeID())
		c.ws.Close() // readPump observes the error and unregisters
		return false
	}
	return true
}

func (s *Server) sendError(c *conn, requestID string, gerr *gatewayerrors.GatewayError) {
	s.send(c, protocol.Error{
		Type:        protocol.TypeError,
		RequestID:   requestID,
		Code:        gerr.Code(),
		Message:     gerr.Error(),
		Recoverable: gerr.Recoverable(),
	})
}

func (s *Server) emit(t events.Type, ev events.Event) {
	if s.emitter == nil {
		return
	}
	ev.Type = t
	s.emitter.Emit(s.ctx, ev)
}

func (s *Server) emitReq(t events.Type, requestID, userID, channelID string) {
	s.emit(t, events.Event{RequestID: requestID, UserID: userID, ChannelID: channelID})
}

// Stats summarizes server-level counters for observability (GetStats in
// the original).
type Stats struct {
	StartedAt    time.Time
	UptimeSeconds float64
	MessageCount int64
	ConnectedNodes int
}

func (s *Server) Stats() Stats {
	var uptime float64
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt).Seconds()
	}
	return Stats{
		StartedAt:      s.startedAt,
		UptimeSeconds:  uptime,
		MessageCount:   atomic.LoadInt64(&s.messageCount),
		ConnectedNodes: s.registry.Stats().TotalNodes,
	}
}
