// Package hooks runs configured side effects in response to gateway
// events: shell commands or in-process callbacks, subscribed through the
// events package and executed with a bounded timeout and a recorded
// result history.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/clara-ai/gateway/internal/config"
	"github.com/clara-ai/gateway/internal/events"
)

// Kind distinguishes how a hook's side effect runs. Only shell and
// in-process callback kinds exist — HookType.WEBHOOK in the source was
// marked "(future)" and never implemented, so it is not modeled here.
type Kind string

const (
	KindShell    Kind = "shell"
	KindCallback Kind = "callback"
)

// Result records the outcome of one hook execution.
type Result struct {
	HookName  string
	EventType events.Type
	Success   bool
	Output    string
	Error     string
	Duration  time.Duration
	RanAt     time.Time
}

// Callback is the in-process hook implementation shape.
type Callback func(ctx context.Context, e events.Event) error

// Hook describes one configured automation.
type Hook struct {
	Name       string
	Event      string // event type string, or a glob such as "tool:*"
	Kind       Kind
	Command    string        // for KindShell
	Callback   Callback      // for KindCallback
	Timeout    time.Duration
	WorkingDir string
	Priority   int
	Enabled    bool
}

type registeredHook struct {
	hook Hook
	sub  events.Subscription
	glob glob.Glob // non-nil when Event contains glob metacharacters
}

// Manager owns the set of configured hooks and their result history.
type Manager struct {
	mu      sync.Mutex
	emitter *events.Emitter
	hooks   map[string]*registeredHook
	results []Result
	maxHistory int
	logger  *slog.Logger
}

func NewManager(emitter *events.Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		emitter:    emitter,
		hooks:      make(map[string]*registeredHook),
		maxHistory: 200,
		logger:     logger.With("component", "hooks"),
	}
}

// Register subscribes a hook to its event and returns once it's live.
// Registering a second hook under the same name replaces the first
// (the prior subscription is detached via Off, not merely disabled —
// fixing the source's latent "can't unsubscribe" limitation).
func (m *Manager) Register(h Hook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.hooks[h.Name]; ok {
		m.emitter.Off(existing.sub)
	}

	rh := &registeredHook{hook: h}
	if strings.ContainsAny(h.Event, "*?[") && h.Event != string(events.Wildcard) {
		g, err := glob.Compile(h.Event)
		if err != nil {
			return fmt.Errorf("compiling hook %q event glob %q: %w", h.Name, h.Event, err)
		}
		rh.glob = g
	}

	subType := events.Wildcard
	if rh.glob == nil {
		subType = events.Type(h.Event)
	}

	rh.sub = m.emitter.On(subType, h.Priority, func(ctx context.Context, e events.Event) error {
		return m.dispatch(ctx, rh, e)
	})
	m.hooks[h.Name] = rh
	return nil
}

// LoadFromFile reads hooks.yaml at path and registers every entry it
// defines. A missing file loads zero hooks without error. Per-entry
// command-building failures are logged and skipped rather than aborting
// the whole load, matching the source's tolerant per-hook loading.
func (m *Manager) LoadFromFile(path string) (int, error) {
	file, err := config.LoadHooksFile(path)
	if err != nil {
		return 0, fmt.Errorf("loading hooks config: %w", err)
	}

	count := 0
	for _, entry := range file.Hooks {
		h, err := hookFromEntry(entry)
		if err != nil {
			m.logger.Error("failed to parse hook entry", "hook", entry.Name, "error", err)
			continue
		}
		if err := m.Register(h); err != nil {
			m.logger.Error("failed to register hook", "hook", entry.Name, "error", err)
			continue
		}
		count++
	}
	m.logger.Info("loaded hooks", "count", count, "path", path)
	return count, nil
}

func hookFromEntry(entry config.HookEntry) (Hook, error) {
	if entry.Name == "" {
		return Hook{}, fmt.Errorf("hook must have a name")
	}
	if entry.Event == "" {
		return Hook{}, fmt.Errorf("hook %q must have an event", entry.Name)
	}

	kind := Kind(entry.Type)
	if kind == "" {
		kind = KindShell
	}
	if kind != KindShell && kind != KindCallback {
		return Hook{}, fmt.Errorf("hook %q has unknown type %q", entry.Name, entry.Type)
	}
	if kind == KindShell && entry.Command == "" {
		return Hook{}, fmt.Errorf("shell hook %q missing command", entry.Name)
	}

	h := Hook{
		Name:       entry.Name,
		Event:      entry.Event,
		Kind:       kind,
		Command:    entry.Command,
		WorkingDir: entry.WorkingDir,
		Priority:   entry.Priority,
		Enabled:    entry.Enabled == nil || *entry.Enabled,
	}
	if entry.TimeoutSeconds > 0 {
		h.Timeout = time.Duration(entry.TimeoutSeconds * float64(time.Second))
	}
	return h, nil
}

// dispatch checks enablement and glob match (when the hook subscribed via
// wildcard because its own event pattern is a glob) before executing.
func (m *Manager) dispatch(ctx context.Context, rh *registeredHook, e events.Event) error {
	m.mu.Lock()
	h := rh.hook
	m.mu.Unlock()

	if !h.Enabled {
		return nil
	}
	if rh.glob != nil && !rh.glob.Match(string(e.Type)) {
		return nil
	}

	return m.execute(ctx, h, e)
}

// Unregister detaches a hook's subscription entirely and forgets it.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rh, ok := m.hooks[name]
	if !ok {
		return false
	}
	m.emitter.Off(rh.sub)
	delete(m.hooks, name)
	return true
}

// Enable / Disable toggle a hook without detaching its subscription.
func (m *Manager) Enable(name string) bool  { return m.setEnabled(name, true) }
func (m *Manager) Disable(name string) bool { return m.setEnabled(name, false) }

func (m *Manager) setEnabled(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rh, ok := m.hooks[name]
	if !ok {
		return false
	}
	rh.hook.Enabled = enabled
	return true
}

func (m *Manager) execute(ctx context.Context, h Hook, e events.Event) error {
	start := time.Now()
	var outErr error
	var output string

	switch h.Kind {
	case KindCallback:
		if h.Callback != nil {
			outErr = h.Callback(ctx, e)
		}
	case KindShell:
		output, outErr = m.runShell(ctx, h, e)
	}

	res := Result{
		HookName:  h.Name,
		EventType: e.Type,
		Success:   outErr == nil,
		Output:    output,
		Duration:  time.Since(start),
		RanAt:     start,
	}
	if outErr != nil {
		res.Error = outErr.Error()
		m.logger.Error("hook failed", "hook", h.Name, "event", e.Type, "error", outErr)
	}

	m.recordResult(res)
	return outErr
}

func (m *Manager) recordResult(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	if len(m.results) > m.maxHistory {
		m.results = m.results[len(m.results)-m.maxHistory:]
	}
}

// runShell builds the hook environment (CLARA_EVENT_TYPE, CLARA_TIMESTAMP,
// correlation fields as CLARA_<FIELD>, the full event data as
// CLARA_EVENT_DATA JSON, and scalar data entries as CLARA_<KEY>), expands
// ${VAR} references in the command string against that same environment,
// and runs it under a hard timeout.
func (m *Manager) runShell(ctx context.Context, h Hook, e events.Event) (string, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := buildHookEnv(e)
	expanded := expandEnv(h.Command, env)

	cmd := exec.CommandContext(ctx, "sh", "-c", expanded)
	cmd.Dir = h.WorkingDir
	cmd.Env = append(os.Environ(), envMapToSlice(env)...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return buf.String(), fmt.Errorf("hook %q timed out after %s", h.Name, timeout)
	}
	if err != nil {
		return buf.String(), fmt.Errorf("hook %q exited with error: %w", h.Name, err)
	}
	return buf.String(), nil
}

func buildHookEnv(e events.Event) map[string]string {
	env := map[string]string{
		"CLARA_EVENT_TYPE": string(e.Type),
		"CLARA_TIMESTAMP":  e.Timestamp.Format(time.RFC3339),
	}
	if e.NodeID != "" {
		env["CLARA_NODE_ID"] = e.NodeID
	}
	if e.Platform != "" {
		env["CLARA_PLATFORM"] = e.Platform
	}
	if e.UserID != "" {
		env["CLARA_USER_ID"] = e.UserID
	}
	if e.ChannelID != "" {
		env["CLARA_CHANNEL_ID"] = e.ChannelID
	}
	if e.RequestID != "" {
		env["CLARA_REQUEST_ID"] = e.RequestID
	}

	if len(e.Data) > 0 {
		if b, err := json.Marshal(e.Data); err == nil {
			env["CLARA_EVENT_DATA"] = string(b)
		}
		for k, v := range e.Data {
			switch val := v.(type) {
			case string, int, int64, float64, bool:
				env[fmt.Sprintf("CLARA_%s", strings.ToUpper(k))] = fmt.Sprintf("%v", val)
			}
		}
	}
	return env
}

func envMapToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// expandEnv performs ${VAR} substitution, leaving unknown variables as an
// empty string rather than erroring — matching the source's "safe
// substitute" behavior.
func expandEnv(s string, env map[string]string) string {
	return os.Expand(s, func(name string) string { return env[name] })
}

// Results returns the bounded history of hook executions, newest last.
func (m *Manager) Results(limit int) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.results)
	if limit > 0 && limit < n {
		return append([]Result(nil), m.results[n-limit:]...)
	}
	return append([]Result(nil), m.results...)
}

// HookNames lists all currently registered hook names.
func (m *Manager) HookNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.hooks))
	for name := range m.hooks {
		names = append(names, name)
	}
	return names
}
