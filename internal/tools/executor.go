// Package tools implements the uniform call interface the orchestrator
// dispatches tool calls through (spec.md §4.5). Concrete tool bodies are
// registered by callers; this package only owns dispatch, argument
// reporting, and worker-pool offload so a slow tool never blocks the
// goroutine driving an LLM turn.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/clara-ai/gateway/internal/orchestrator"
	"github.com/clara-ai/gateway/internal/workerpool"
)

// Func is one tool's implementation. It returns a plain-text result (or
// an "Error: ..." string); it must not panic on bad input — it should
// instead return a descriptive error string, matching spec.md §4.5's
// "argument-schema mismatches return descriptive error strings without
// raising" contract.
type Func func(ctx context.Context, arguments map[string]any, userID string, filesToSend *[]string) (string, error)

type registeredTool struct {
	schema orchestrator.ToolSchema
	fn     Func
}

// Executor implements orchestrator.ToolExecutor over a registry of named
// tools, offloading every call to a bounded worker pool.
type Executor struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	pool  *workerpool.Pool
	log   *slog.Logger
}

// New creates an Executor backed by a worker pool of the given size.
func New(poolSize int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tools: make(map[string]registeredTool),
		pool:  workerpool.New(poolSize),
		log:   logger.With("component", "tools"),
	}
}

// Register adds a tool under name. A second call with the same name
// replaces the first.
func (e *Executor) Register(schema orchestrator.ToolSchema, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[schema.Name] = registeredTool{schema: schema, fn: fn}
}

// Unregister removes a tool, if present.
func (e *Executor) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tools, name)
}

// GetAllTools returns the schemas of every registered tool, sorted by
// name so bound tool lists are deterministic across calls — the
// orchestrator binds this directly to the LLM call.
func (e *Executor) GetAllTools() []orchestrator.ToolSchema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]orchestrator.ToolSchema, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t.schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute implements orchestrator.ToolExecutor. Unknown tools and panics
// inside a tool body both surface as "Error: ..." strings rather than
// propagating — a single misbehaving tool must not abort the request.
func (e *Executor) Execute(ctx context.Context, toolName string, arguments map[string]any, userID string, filesToSend *[]string) string {
	e.mu.RLock()
	t, ok := e.tools[toolName]
	e.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Error: unknown tool %s", toolName)
	}

	out, err := e.pool.Submit(ctx, func(ctx context.Context) (result string, jobErr error) {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("tool panicked", "tool", toolName, "panic", r)
				result = fmt.Sprintf("Error: tool %s panicked: %v", toolName, r)
				jobErr = nil
			}
		}()
		return t.fn(ctx, arguments, userID, filesToSend)
	})
	if err != nil {
		e.log.Warn("tool execution failed", "tool", toolName, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}

// Close releases the underlying worker pool.
func (e *Executor) Close() {
	e.pool.Close()
}
