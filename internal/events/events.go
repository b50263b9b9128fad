// Package events implements the gateway's pub/sub event emitter: typed
// lifecycle and message events dispatched to priority-ordered handlers
// (specific-type and wildcard) with per-handler error isolation, plus a
// bounded ring buffer of recent events for inspection.
package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Type identifies a gateway event.
type Type string

const (
	TypeGatewayStartup    Type = "gateway:startup"
	TypeGatewayShutdown   Type = "gateway:shutdown"
	TypeAdapterConnected  Type = "adapter:connected"
	TypeAdapterDisconnected Type = "adapter:disconnected"
	TypeSessionStart      Type = "session:start"
	TypeSessionEnd        Type = "session:end"
	TypeSessionTimeout    Type = "session:timeout"
	TypeMessageReceived   Type = "message:received"
	TypeMessageSent       Type = "message:sent"
	TypeMessageCancelled  Type = "message:cancelled"
	TypeToolStart         Type = "tool:start"
	TypeToolEnd           Type = "tool:end"
	TypeToolError         Type = "tool:error"
	TypeScheduledTaskRun  Type = "scheduler:task_run"
	TypeScheduledTaskError Type = "scheduler:task_error"
	TypeCustom            Type = "custom"

	// Wildcard subscribes a handler to every event type.
	Wildcard Type = "*"
)

// Event is one occurrence dispatched to subscribed handlers.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      map[string]any

	// Correlation fields, all optional.
	NodeID    string
	Platform  string
	UserID    string
	ChannelID string
	RequestID string
}

// Handler processes one event. Returning an error only affects logging —
// it never aborts sibling handlers.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	id       uint64
	priority int
	handler  Handler
}

// Subscription is an opaque handle returned by On, used to remove exactly
// that handler later via Off — fixing the source's latent limitation
// where unregister could only disable-by-bookkeeping, not actually detach
// the function.
type Subscription struct {
	eventType Type
	id        uint64
}

// Emitter dispatches events to registered handlers.
type Emitter struct {
	mu           sync.Mutex
	handlers     map[Type][]subscription
	wildcard     []subscription
	nextID       uint64
	history      []Event
	historyLimit int
	logger       *slog.Logger
}

// New creates an emitter with the given bounded history size (spec.md
// default 100) and logger.
func New(historyLimit int, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		handlers:     make(map[Type][]subscription),
		historyLimit: historyLimit,
		logger:       logger.With("component", "events"),
	}
}

// On registers a handler for a type (or Wildcard for all events). Higher
// priority handlers run first.
func (e *Emitter) On(eventType Type, priority int, handler Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	sub := subscription{id: e.nextID, priority: priority, handler: handler}

	if eventType == Wildcard {
		e.wildcard = append(e.wildcard, sub)
		sortByPriorityDesc(e.wildcard)
	} else {
		e.handlers[eventType] = append(e.handlers[eventType], sub)
		sortByPriorityDesc(e.handlers[eventType])
	}

	return Subscription{eventType: eventType, id: sub.id}
}

func sortByPriorityDesc(subs []subscription) {
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority > subs[j].priority })
}

// Off removes exactly the handler identified by sub, returning true if it
// was found.
func (e *Emitter) Off(sub Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sub.eventType == Wildcard {
		for i, s := range e.wildcard {
			if s.id == sub.id {
				e.wildcard = append(e.wildcard[:i], e.wildcard[i+1:]...)
				return true
			}
		}
		return false
	}

	list := e.handlers[sub.eventType]
	for i, s := range list {
		if s.id == sub.id {
			e.handlers[sub.eventType] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Emit dispatches an event to every matching handler concurrently. Each
// handler is isolated: a panic or error from one never prevents others
// from running or surfaces to the caller.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	e.history = append(e.history, ev)
	if len(e.history) > e.historyLimit {
		e.history = e.history[len(e.history)-e.historyLimit:]
	}
	specific := append([]subscription(nil), e.handlers[ev.Type]...)
	wildcard := append([]subscription(nil), e.wildcard...)
	e.mu.Unlock()

	all := make([]subscription, 0, len(specific)+len(wildcard))
	all = append(all, specific...)
	all = append(all, wildcard...)
	sortByPriorityDesc(all)

	if len(all) == 0 {
		e.logger.Debug("no handlers for event", "type", ev.Type)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range all {
		wg.Add(1)
		go func(s subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("handler panicked", "type", ev.Type, "panic", r)
				}
			}()
			if err := s.handler(ctx, ev); err != nil {
				e.logger.Error("handler error", "type", ev.Type, "error", err)
			}
		}(sub)
	}
	wg.Wait()
}

// History returns up to limit most-recent events, newest first.
func (e *Emitter) History(limit int) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = e.history[len(e.history)-1-i]
	}
	return out
}

// Stats reports handler counts per type, for observability.
type Stats struct {
	HandlerCounts   map[Type]int
	WildcardHandlers int
	HistorySize     int
}

func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make(map[Type]int, len(e.handlers))
	for t, subs := range e.handlers {
		counts[t] = len(subs)
	}
	return Stats{HandlerCounts: counts, WildcardHandlers: len(e.wildcard), HistorySize: len(e.history)}
}
