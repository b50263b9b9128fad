// Package router implements the gateway's message router: the hardest
// core subsystem. It enforces per-channel ordering, rejects duplicate
// submissions, coalesces rapid-fire bursts via debounce, permits
// cooperative cancellation, and releases channels fairly as requests
// complete.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clara-ai/gateway/internal/protocol"
)

// Status is the lifecycle state of one inbound request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDebounce  Status = "debounce"
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// QueuedRequest is a request waiting for its channel to free up, or
// waiting out a debounce window.
type QueuedRequest struct {
	Request     protocol.Message
	NodeID      string
	QueuedAt    time.Time
	Position    int
	IsBatchable bool
}

func (q *QueuedRequest) RequestID() string { return q.Request.ID }
func (q *QueuedRequest) ChannelID() string { return q.Request.Channel.ID }

// ActiveRequest is the request currently occupying a channel's processing
// slot. Cancel, if set, is invoked by Cancel/CancelChannel to ask the
// orchestrator processing it to stop cooperatively.
type ActiveRequest struct {
	Request   protocol.Message
	NodeID    string
	StartedAt time.Time
	ToolCount int
	Cancel    context.CancelFunc
}

func (a *ActiveRequest) RequestID() string { return a.Request.ID }
func (a *ActiveRequest) ChannelID() string { return a.Request.Channel.ID }

// DebounceReadyFunc is called, outside the router's lock, when a
// channel's debounce window expires and its messages have been
// consolidated into a single active request.
type DebounceReadyFunc func(channelID string, consolidated *QueuedRequest)

// SubmitOptions adjusts how Submit treats one inbound message.
type SubmitOptions struct {
	// IsBatchable marks the request as mergeable with adjacent batchable
	// peers on dequeue (active-mode channels).
	IsBatchable bool
	// SkipDedup bypasses the fingerprint check, for adapter-side retries.
	SkipDedup bool
	// IsMention marks a direct mention or DM, which bypasses debounce
	// entirely and proceeds straight to acquire-or-queue.
	IsMention bool
}

type debounceTimer struct {
	resetCh chan struct{}
	stopCh  chan struct{}
}

func newDebounceTimer() *debounceTimer {
	return &debounceTimer{resetCh: make(chan struct{}, 1), stopCh: make(chan struct{}, 1)}
}

func (d *debounceTimer) reset() {
	select {
	case d.resetCh <- struct{}{}:
	default:
	}
}

func (d *debounceTimer) stop() {
	select {
	case d.stopCh <- struct{}{}:
	default:
	}
}

// Router owns all request and queue state. The orchestrator and server
// receive copies/views only, never direct access to the maps below.
type Router struct {
	mu sync.Mutex

	active map[string]*ActiveRequest        // channel_id -> active request
	queues map[string][]*QueuedRequest      // channel_id -> ordered queue
	status map[string]Status                // request_id -> status, all known requests

	seen map[string]time.Time // fingerprint -> last seen, dedup cache

	debouncePending map[string][]*QueuedRequest // channel_id -> pending messages
	debounceTimers  map[string]*debounceTimer    // channel_id -> running timer

	onDebounceReady DebounceReadyFunc

	dedupWindow     time.Duration
	dedupMaxEntries int
	debounceWindow  time.Duration

	logger *slog.Logger
}

// Config bundles the Router's tunables, sourced from the gateway's
// config.yaml defaults (30s dedup window, 1000-entry cap, 2s debounce).
type Config struct {
	DedupWindow     time.Duration
	DedupMaxEntries int
	DebounceWindow  time.Duration
}

// New creates a Router. Call SetDebounceCallback before any Submit call
// that could start a debounce window, or consolidated requests will be
// silently dropped when their timer fires.
func New(cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 30 * time.Second
	}
	return &Router{
		active:          make(map[string]*ActiveRequest),
		queues:          make(map[string][]*QueuedRequest),
		status:          make(map[string]Status),
		seen:            make(map[string]time.Time),
		debouncePending: make(map[string][]*QueuedRequest),
		debounceTimers:  make(map[string]*debounceTimer),
		dedupWindow:     cfg.DedupWindow,
		dedupMaxEntries: cfg.DedupMaxEntries,
		debounceWindow:  cfg.DebounceWindow,
		logger:          logger.With("component", "router"),
	}
}

// SetDebounceCallback registers the function invoked when a channel's
// debounce window expires.
func (r *Router) SetDebounceCallback(fn DebounceReadyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDebounceReady = fn
}

func fingerprint(msg protocol.Message) string {
	data := fmt.Sprintf("%s|%s|%s", msg.User.ID, msg.Channel.ID, msg.Content)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:16]
}

// isDuplicate checks and records msg's fingerprint under the router lock,
// evicting stale entries in bulk once the cache exceeds its cap.
func (r *Router) isDuplicate(msg protocol.Message) bool {
	fp := fingerprint(msg)
	now := time.Now()
	cutoff := now.Add(-r.dedupWindow)

	if len(r.seen) > r.dedupMaxEntries {
		fresh := make(map[string]time.Time, len(r.seen))
		for k, ts := range r.seen {
			if ts.After(cutoff) {
				fresh[k] = ts
			}
		}
		r.seen = fresh
	}

	if last, ok := r.seen[fp]; ok && last.After(cutoff) {
		return true
	}
	r.seen[fp] = now
	return false
}

// Submit enters a message into the router. Returns (true, 0) if it
// acquired its channel immediately; (false, position) if queued behind
// an active request (1-indexed); (false, 0) if it joined or started a
// debounce window; (false, -1) if rejected as a duplicate.
func (r *Router) Submit(msg protocol.Message, nodeID string, opts SubmitOptions) (acquired bool, position int) {
	if !opts.SkipDedup {
		r.mu.Lock()
		dup := r.isDuplicate(msg)
		r.mu.Unlock()
		if dup {
			r.logger.Debug("duplicate message rejected", "request_id", msg.ID)
			return false, -1
		}
	}

	channelID := msg.Channel.ID

	r.mu.Lock()
	defer r.mu.Unlock()

	r.status[msg.ID] = StatusPending
	queued := &QueuedRequest{Request: msg, NodeID: nodeID, IsBatchable: opts.IsBatchable, QueuedAt: time.Now()}

	if _, busy := r.active[channelID]; !busy {
		if opts.IsMention || r.debounceWindow <= 0 {
			r.active[channelID] = &ActiveRequest{Request: msg, NodeID: nodeID, StartedAt: time.Now()}
			r.status[msg.ID] = StatusActive
			r.logger.Debug("request acquired channel immediately", "request_id", msg.ID, "channel_id", channelID)
			return true, 0
		}

		if pending, debouncing := r.debouncePending[channelID]; debouncing {
			r.debouncePending[channelID] = append(pending, queued)
			r.status[msg.ID] = StatusDebounce
			r.debounceTimers[channelID].reset()
			r.logger.Debug("request appended to debounce", "request_id", msg.ID, "channel_id", channelID,
				"pending", len(r.debouncePending[channelID]))
			return false, 0
		}

		r.debouncePending[channelID] = []*QueuedRequest{queued}
		r.status[msg.ID] = StatusDebounce
		dt := newDebounceTimer()
		r.debounceTimers[channelID] = dt
		go r.runDebounceTimer(channelID, dt)
		r.logger.Debug("request started debounce window", "request_id", msg.ID, "channel_id", channelID)
		return false, 0
	}

	queue := r.queues[channelID]
	position = len(queue) + 1
	queued.Position = position
	r.queues[channelID] = append(queue, queued)
	r.status[msg.ID] = StatusQueued

	r.logger.Debug("request queued", "request_id", msg.ID, "channel_id", channelID, "position", position)
	return false, position
}

func (r *Router) runDebounceTimer(channelID string, dt *debounceTimer) {
	timer := time.NewTimer(r.debounceWindow)
	defer timer.Stop()

	for {
		select {
		case <-dt.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.debounceWindow)

		case <-timer.C:
			r.expireDebounce(channelID)
			return

		case <-dt.stopCh:
			return
		}
	}
}

// expireDebounce fires when a channel's debounce timer elapses. It
// consolidates pending messages into one active request and, outside the
// lock, notifies the registered callback. A channel whose pending list
// was emptied out from under it by CancelChannel is a silent no-op,
// matching the cooperative nature of cancellation elsewhere in the
// router.
func (r *Router) expireDebounce(channelID string) {
	r.mu.Lock()
	pending := r.debouncePending[channelID]
	delete(r.debouncePending, channelID)
	delete(r.debounceTimers, channelID)

	if len(pending) == 0 {
		r.mu.Unlock()
		return
	}

	consolidated := consolidate(pending)
	r.active[channelID] = &ActiveRequest{Request: consolidated.Request, NodeID: consolidated.NodeID, StartedAt: time.Now()}
	r.status[consolidated.RequestID()] = StatusActive
	for _, req := range pending[1:] {
		r.status[req.RequestID()] = StatusCompleted
	}
	cb := r.onDebounceReady
	r.logger.Debug("debounce expired", "channel_id", channelID, "consolidated", len(pending), "request_id", consolidated.RequestID())
	r.mu.Unlock()

	if cb != nil {
		cb(channelID, consolidated)
	}
}

// consolidate merges a debounce group into one request: contents joined
// with newlines in arrival order, the first request's ID (already
// acknowledged to the adapter) paired with the latest request's
// reply-chain, attachments, metadata, and tier override.
func consolidate(pending []*QueuedRequest) *QueuedRequest {
	first := pending[0]
	latest := pending[len(pending)-1]

	var contents []string
	for _, p := range pending {
		if p.Request.Content != "" {
			contents = append(contents, p.Request.Content)
		}
	}
	merged := first.Request
	merged.Content = joinNonEmpty(contents, "\n")
	merged.ReplyChain = latest.Request.ReplyChain
	merged.Attachments = latest.Request.Attachments
	merged.Metadata = latest.Request.Metadata
	merged.TierOverride = latest.Request.TierOverride

	return &QueuedRequest{
		Request:     merged,
		NodeID:      latest.NodeID,
		QueuedAt:    first.QueuedAt,
		IsBatchable: first.IsBatchable,
	}
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// Complete marks requestID as completed and promotes the head of its
// channel's queue (if any) to active, returning it so the caller can
// continue processing. Returns nil if requestID was not the active
// request for any channel, or if the channel's queue is empty.
func (r *Router) Complete(requestID string) *QueuedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	channelID := r.activeChannelFor(requestID)
	if channelID == "" {
		r.logger.Warn("completed unknown request", "request_id", requestID)
		return nil
	}

	r.status[requestID] = StatusCompleted
	delete(r.active, channelID)

	queue := r.queues[channelID]
	if len(queue) == 0 {
		return nil
	}

	next := queue[0]
	r.queues[channelID] = queue[1:]
	r.active[channelID] = &ActiveRequest{Request: next.Request, NodeID: next.NodeID, StartedAt: time.Now()}
	r.status[next.RequestID()] = StatusActive

	r.logger.Debug("dequeued next request", "request_id", next.RequestID(), "channel_id", channelID, "remaining", len(r.queues[channelID]))
	return next
}

// CompleteBatch marks requestID as completed and additionally dequeues
// every *consecutive* batchable request from the channel's queue head,
// activating the batch as a whole (the last becomes the new active
// request; all share the processing slot). A non-batchable head request
// breaks the run and yields an empty batch.
func (r *Router) CompleteBatch(requestID string) []*QueuedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	channelID := r.activeChannelFor(requestID)
	if channelID == "" {
		r.logger.Warn("completed unknown request", "request_id", requestID)
		return nil
	}

	r.status[requestID] = StatusCompleted
	delete(r.active, channelID)

	queue := r.queues[channelID]
	if len(queue) == 0 || !queue[0].IsBatchable {
		return nil
	}

	var batch []*QueuedRequest
	i := 0
	for i < len(queue) && queue[i].IsBatchable {
		batch = append(batch, queue[i])
		i++
	}
	r.queues[channelID] = queue[i:]

	last := batch[len(batch)-1]
	r.active[channelID] = &ActiveRequest{Request: last.Request, NodeID: last.NodeID, StartedAt: time.Now()}
	for _, req := range batch {
		r.status[req.RequestID()] = StatusActive
	}

	r.logger.Debug("batched requests", "channel_id", channelID, "count", len(batch), "remaining", len(r.queues[channelID]))
	return batch
}

func (r *Router) activeChannelFor(requestID string) string {
	for channelID, active := range r.active {
		if active.RequestID() == requestID {
			return channelID
		}
	}
	return ""
}

// RegisterCancel attaches a cancellation function to an active request,
// so Cancel/CancelChannel can ask its processing goroutine to stop.
func (r *Router) RegisterCancel(requestID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, active := range r.active {
		if active.RequestID() == requestID {
			active.Cancel = cancel
			return
		}
	}
}

// Cancel cancels a single request: if active, its cancel func runs and
// the slot is dropped from r.active, but — unlike Complete — the
// channel's queue head is not promoted; the channel sits idle until a
// new message arrives and acquires it. If queued or debouncing, it is
// removed in place. Returns true iff found.
func (r *Router) Cancel(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.status[requestID]
	if !ok {
		return false
	}

	switch status {
	case StatusActive:
		for channelID, active := range r.active {
			if active.RequestID() == requestID {
				if active.Cancel != nil {
					active.Cancel()
				}
				delete(r.active, channelID)
				r.status[requestID] = StatusCancelled
				r.logger.Info("cancelled active request", "request_id", requestID)
				return true
			}
		}

	case StatusQueued:
		for channelID, queue := range r.queues {
			for i, q := range queue {
				if q.RequestID() == requestID {
					r.queues[channelID] = append(queue[:i], queue[i+1:]...)
					r.status[requestID] = StatusCancelled
					r.logger.Info("cancelled queued request", "request_id", requestID)
					return true
				}
			}
		}

	case StatusDebounce:
		for channelID, pending := range r.debouncePending {
			for i, q := range pending {
				if q.RequestID() == requestID {
					r.debouncePending[channelID] = append(pending[:i], pending[i+1:]...)
					r.status[requestID] = StatusCancelled
					r.logger.Info("cancelled debouncing request", "request_id", requestID)
					return true
				}
			}
		}
	}

	return false
}

// CancelChannel cancels everything in flight for a channel: the debounce
// timer and its pending list, the active request (if any), and every
// queued entry. Returns whether an active task was cancelled and how
// many queued/pending requests were cancelled.
func (r *Router) CancelChannel(channelID string) (hadActive bool, numCancelled int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dt, ok := r.debounceTimers[channelID]; ok {
		dt.stop()
		delete(r.debounceTimers, channelID)
	}
	if pending, ok := r.debouncePending[channelID]; ok {
		for _, req := range pending {
			r.status[req.RequestID()] = StatusCancelled
			numCancelled++
		}
		delete(r.debouncePending, channelID)
	}

	if active, ok := r.active[channelID]; ok {
		if active.Cancel != nil {
			active.Cancel()
		}
		hadActive = true
		r.status[active.RequestID()] = StatusCancelled
		delete(r.active, channelID)
	}

	if queue, ok := r.queues[channelID]; ok {
		numCancelled += len(queue)
		for _, q := range queue {
			r.status[q.RequestID()] = StatusCancelled
		}
		delete(r.queues, channelID)
	}

	if hadActive || numCancelled > 0 {
		r.logger.Info("cancelled channel", "channel_id", channelID, "had_active", hadActive, "num_cancelled", numCancelled)
	}
	return hadActive, numCancelled
}

// GetActive returns the active request for a channel, if any.
func (r *Router) GetActive(channelID string) (*ActiveRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[channelID]
	return a, ok
}

// GetQueueLength returns how many requests are queued behind channelID's
// active request.
func (r *Router) GetQueueLength(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[channelID])
}

// IsChannelBusy reports whether channelID currently has an active
// request occupying its processing slot.
func (r *Router) IsChannelBusy(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[channelID]
	return ok
}

// GetRequestStatus returns a request's last known status.
func (r *Router) GetRequestStatus(requestID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.status[requestID]
	return s, ok
}

// IncrementToolCount bumps the tool-call counter for an active request,
// returning the new count (0 if requestID is not currently active).
func (r *Router) IncrementToolCount(requestID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, active := range r.active {
		if active.RequestID() == requestID {
			active.ToolCount++
			return active.ToolCount
		}
	}
	return 0
}

// MarkFailed transitions a request to FAILED and releases its channel,
// exactly as Complete would, so the next queued request can proceed.
// Hard bugs (unhandled panics) must still reach this path — callers wrap
// orchestrator invocations in a deferred recover that calls MarkFailed.
func (r *Router) MarkFailed(requestID string) *QueuedRequest {
	r.mu.Lock()
	channelID := r.activeChannelFor(requestID)
	if channelID == "" {
		r.mu.Unlock()
		return nil
	}
	r.status[requestID] = StatusFailed
	delete(r.active, channelID)

	queue := r.queues[channelID]
	if len(queue) == 0 {
		r.mu.Unlock()
		return nil
	}
	next := queue[0]
	r.queues[channelID] = queue[1:]
	r.active[channelID] = &ActiveRequest{Request: next.Request, NodeID: next.NodeID, StartedAt: time.Now()}
	r.status[next.RequestID()] = StatusActive
	r.mu.Unlock()
	return next
}

// Stats summarizes router state for observability (STATUS frames, health
// checks).
type Stats struct {
	ActiveChannels     int
	TotalQueued        int
	DebouncingChannels int
	ByStatus           map[Status]int
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		ActiveChannels:     len(r.active),
		DebouncingChannels: len(r.debouncePending),
		ByStatus:           make(map[Status]int),
	}
	for _, q := range r.queues {
		st.TotalQueued += len(q)
	}
	for _, s := range r.status {
		st.ByStatus[s]++
	}
	return st
}

// CleanupOldRequests bounds the status map's growth: once it exceeds
// 10,000 entries, half of the terminal-status records are dropped. Which
// records go is decided by map iteration order, not by age.
// Pending/queued/active requests are never evicted.
func (r *Router) CleanupOldRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	const limit = 10000
	if len(r.status) <= limit {
		return 0
	}

	var terminal []string
	for id, s := range r.status {
		if s != StatusPending && s != StatusQueued && s != StatusActive && s != StatusDebounce {
			terminal = append(terminal, id)
		}
	}
	remove := len(terminal) / 2
	for _, id := range terminal[:remove] {
		delete(r.status, id)
	}
	return remove
}
