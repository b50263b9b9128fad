// Package scheduler runs one-shot, interval, and cron-based background
// tasks: shell commands or in-process handlers, polled on a 100ms loop,
// with bounded result history and proactive message delivery back
// through the gateway's adapters.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/clara-ai/gateway/internal/config"
	"github.com/clara-ai/gateway/internal/events"
	"github.com/clara-ai/gateway/internal/protocol"
	"github.com/google/uuid"
)

// Broadcaster delivers a proactive message to every connected node for a
// platform. Implemented by the gateway's WebSocket server; declared here
// to avoid a dependency from scheduler on server.
type Broadcaster interface {
	BroadcastToPlatform(ctx context.Context, platform string, msg protocol.ProactiveMessage) (int, error)
}

const defaultResultsLimit = 100

// Scheduler manages scheduled tasks and runs the poll loop that executes
// them as they come due.
type Scheduler struct {
	mu            sync.Mutex
	tasks         map[string]*ScheduledTask
	running       map[string]bool
	results       []TaskResult
	resultsLimit  int
	configDir     string
	emitter       *events.Emitter
	broadcaster   Broadcaster
	logger        *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	active bool
}

// New creates a scheduler. configDir anchors relative working directories
// for shell tasks and is where LoadFromFile looks for scheduler.yaml by
// default.
func New(configDir string, emitter *events.Emitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:        make(map[string]*ScheduledTask),
		running:      make(map[string]bool),
		resultsLimit: defaultResultsLimit,
		configDir:    configDir,
		emitter:      emitter,
		logger:       logger.With("component", "scheduler"),
	}
}

// SetBroadcaster wires the gateway server used by SendMessage. Scheduler
// is usable without one; SendMessage simply fails until it is set.
func (s *Scheduler) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = b
}

// SendMessage delivers a proactive message to a user via the platform
// inferred from userID's "<platform>-<id>" prefix, broadcasting to every
// connected node for that platform. Returns true if at least one node
// received it.
func (s *Scheduler) SendMessage(ctx context.Context, userID, channelID, content, purpose string) (bool, error) {
	s.mu.Lock()
	b := s.broadcaster
	s.mu.Unlock()

	if b == nil {
		s.logger.Warn("no broadcaster set, cannot deliver proactive message")
		return false, nil
	}

	platform := "unknown"
	if idx := strings.Index(userID, "-"); idx >= 0 {
		platform = userID[:idx]
	}

	msg := protocol.ProactiveMessage{
		Type:      protocol.TypeProactiveMessage,
		ID:        uuid.New().String(),
		UserID:    userID,
		ChannelID: channelID,
		Content:   content,
		Purpose:   purpose,
	}

	count, err := b.BroadcastToPlatform(ctx, platform, msg)
	if err != nil {
		return false, fmt.Errorf("broadcasting proactive message: %w", err)
	}
	if count == 0 {
		s.logger.Warn("no connected adapters for proactive message", "platform", platform)
		return false, nil
	}
	s.logger.Info("proactive message delivered", "platform", platform, "nodes", count, "purpose", purpose)
	return true, nil
}

// AddTask registers a task and computes its initial next run time. An
// existing task with the same name is replaced.
func (s *Scheduler) AddTask(t *ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.Name]; exists {
		s.logger.Warn("overwriting existing scheduled task", "task", t.Name)
	}
	if t.Timeout <= 0 {
		t.Timeout = 300 * time.Second
	}
	if t.Enabled {
		t.NextRun = computeNextRun(t, time.Now())
	}
	s.tasks[t.Name] = t

	s.logger.Info("added scheduled task", "task", t.Name, "type", t.Type, "next_run", t.NextRun)
}

// RemoveTask deletes a task, returning true if it existed.
func (s *Scheduler) RemoveTask(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; !ok {
		return false
	}
	delete(s.tasks, name)
	delete(s.running, name)
	s.logger.Info("removed scheduled task", "task", name)
	return true
}

// EnableTask re-enables a disabled task and recomputes its next run.
func (s *Scheduler) EnableTask(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.Enabled = true
	t.NextRun = computeNextRun(t, time.Now())
	return true
}

// DisableTask stops a task from running again until re-enabled.
func (s *Scheduler) DisableTask(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.Enabled = false
	t.NextRun = time.Time{}
	return true
}

// GetTask returns a copy of a task's current state.
func (s *Scheduler) GetTask(name string) (ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return ScheduledTask{}, false
	}
	return *t, true
}

// GetTasks returns a snapshot of every registered task.
func (s *Scheduler) GetTasks() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// GetResults returns up to limit most recent results, newest first. limit
// <= 0 returns all retained results.
func (s *Scheduler) GetResults(limit int) []TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.results)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]TaskResult, n)
	for i := 0; i < n; i++ {
		out[i] = s.results[len(s.results)-1-i]
	}
	return out
}

// Stats summarizes the scheduler's current task population.
type Stats struct {
	TotalTasks   int
	EnabledTasks int
	RunningNow   int
	ResultCount  int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{TotalTasks: len(s.tasks), RunningNow: len(s.running), ResultCount: len(s.results)}
	for _, t := range s.tasks {
		if t.Enabled {
			st.EnabledTasks++
		}
	}
	return st
}

// LoadFromFile loads scheduler.yaml from path (or configDir/scheduler.yaml
// if path is empty) and registers every task it defines. Returns the
// number of tasks loaded; per-task parse failures are logged and skipped
// rather than aborting the whole load.
func (s *Scheduler) LoadFromFile(path string) (int, error) {
	if path == "" {
		path = s.configDir + "/scheduler.yaml"
	}

	file, err := config.LoadSchedulerFile(path)
	if err != nil {
		return 0, fmt.Errorf("loading scheduler config: %w", err)
	}

	count := 0
	for _, entry := range file.Tasks {
		t, err := taskFromEntry(entry)
		if err != nil {
			s.logger.Error("failed to parse scheduled task entry", "task", entry.Name, "error", err)
			continue
		}
		s.AddTask(t)
		count++
	}
	s.logger.Info("loaded scheduled tasks", "count", count, "path", path)
	return count, nil
}

func taskFromEntry(entry config.TaskEntry) (*ScheduledTask, error) {
	if entry.Name == "" {
		return nil, fmt.Errorf("task must have a name")
	}

	t := &ScheduledTask{
		Name:        entry.Name,
		Type:        TaskType(entry.Type),
		Command:     entry.Command,
		WorkingDir:  entry.WorkingDir,
		Description: entry.Description,
		Enabled:     entry.Enabled == nil || *entry.Enabled,
	}
	if entry.TimeoutSeconds > 0 {
		t.Timeout = time.Duration(entry.TimeoutSeconds * float64(time.Second))
	}
	if entry.IntervalSeconds > 0 {
		t.Interval = time.Duration(entry.IntervalSeconds * float64(time.Second))
	}
	if entry.DelaySeconds > 0 {
		t.Delay = time.Duration(entry.DelaySeconds * float64(time.Second))
	}
	if entry.RunAt != "" {
		runAt, err := time.Parse(time.RFC3339, entry.RunAt)
		if err != nil {
			return nil, fmt.Errorf("invalid run_at %q: %w", entry.RunAt, err)
		}
		t.RunAt = runAt
	}

	switch t.Type {
	case TaskOneShot, TaskInterval:
		// no further parsing needed
	case TaskCron:
		if entry.Cron == "" {
			return nil, fmt.Errorf("cron task %q missing cron expression", entry.Name)
		}
		expr, err := ParseCron(entry.Cron)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", entry.Name, err)
		}
		t.Cron = expr
	default:
		return nil, fmt.Errorf("task %q has unknown type %q", entry.Name, entry.Type)
	}

	return t, nil
}

// Start launches the poll loop in a background goroutine. Safe to call
// once; a second call is a no-op while already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
	s.logger.Info("scheduler started")
}

// Stop signals the poll loop to exit and waits for it to finish. Tasks
// already running are not interrupted; they complete on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := time.Now()

	s.mu.Lock()
	due := make([]*ScheduledTask, 0)
	for name, t := range s.tasks {
		if !t.Enabled || t.NextRun.IsZero() || t.NextRun.After(now) {
			continue
		}
		if s.running[name] {
			continue
		}
		s.running[name] = true
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		go s.runTask(t)
	}
}

// RunTaskNow executes a task out of band, immediately, regardless of its
// schedule. Returns false if the task is unknown or already running.
func (s *Scheduler) RunTaskNow(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok || s.running[name] {
		s.mu.Unlock()
		return false
	}
	s.running[name] = true
	s.mu.Unlock()

	go s.runTask(t)
	return true
}

func (s *Scheduler) runTask(t *ScheduledTask) {
	start := time.Now()
	ctx := context.Background()

	s.emitter.Emit(ctx, events.Event{
		Type: events.TypeScheduledTaskRun,
		Data: map[string]any{"task_name": t.Name, "task_type": string(t.Type)},
	})

	var result TaskResult
	switch {
	case t.Handler != nil:
		if err := t.Handler(); err != nil {
			result = TaskResult{TaskName: t.Name, Success: false, Error: err.Error()}
		} else {
			result = TaskResult{TaskName: t.Name, Success: true, Output: "handler completed"}
		}
	case t.Command != "":
		result = s.runShellTask(t)
	default:
		result = TaskResult{TaskName: t.Name, Success: false, Error: "no handler or command specified"}
	}

	if !result.Success {
		s.emitter.Emit(ctx, events.Event{
			Type: events.TypeScheduledTaskError,
			Data: map[string]any{"task_name": t.Name, "error": result.Error},
		})
		s.logger.Warn("scheduled task failed", "task", t.Name, "error", result.Error)
	} else {
		s.logger.Info("scheduled task completed", "task", t.Name, "duration_ms", result.DurationMS)
	}

	result.Timestamp = start
	result.DurationMS = time.Since(start).Milliseconds()

	s.mu.Lock()
	s.results = append(s.results, result)
	if len(s.results) > s.resultsLimit {
		s.results = s.results[len(s.results)-s.resultsLimit:]
	}
	t.LastRun = start
	t.RunCount++
	t.NextRun = computeNextRun(t, time.Now())
	delete(s.running, t.Name)
	s.mu.Unlock()
}

func (s *Scheduler) runShellTask(t *ScheduledTask) TaskResult {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cwd := t.WorkingDir
	if cwd == "" {
		cwd = s.configDir
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", t.Command)
	cmd.Dir = cwd

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()

	if ctx.Err() == context.DeadlineExceeded {
		return TaskResult{TaskName: t.Name, Success: false, Output: output, Error: fmt.Sprintf("timeout after %s", timeout)}
	}
	if err != nil {
		return TaskResult{TaskName: t.Name, Success: false, Output: output, Error: err.Error()}
	}
	return TaskResult{TaskName: t.Name, Success: true, Output: output}
}
