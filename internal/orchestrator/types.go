// Package orchestrator drives the multi-turn LLM tool-calling loop for a
// single active request: it assembles context, calls the LLM (optionally
// with bound tools), executes tool calls through a ToolExecutor, streams
// the final response, and supports a bounded auto-continue cycle for
// permission-seeking replies.
package orchestrator

import (
	"context"

	"github.com/clara-ai/gateway/internal/protocol"
)

// Role identifies the speaker of one message in the working transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the conversation sent to the LLM. Parts carries
// provider-neutral multimodal content (images) attached to a user
// message; ToolCalls is populated on assistant messages that invoked
// tools; ToolCallID/Name correlate a tool-role message back to the call
// it answers.
type Message struct {
	Role       Role
	Content    string
	Parts      []protocol.ContentPart
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolCall is one LLM-initiated invocation of a named tool with
// structured arguments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolSchema describes one tool available to the LLM, bound via
// LLMClient.Call.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCallMode selects how tool-calling is presented to the LLM
// provider. Providers implementing LLMClient decide how (or whether) to
// honor it; the orchestrator only threads the configured mode through.
type ToolCallMode string

const (
	ModeNative    ToolCallMode = "native"
	ModeXML       ToolCallMode = "xml"
	ModeLangChain ToolCallMode = "langchain"
)

// LLMResponse is one LLM turn: either free text, or one or more tool
// calls to execute before the turn continues.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// HasToolCalls reports whether the LLM asked to invoke any tools this
// turn.
func (r LLMResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// ToAssistantMessage converts a tool-calling response into the
// assistant-role transcript entry that records it.
func (r LLMResponse) ToAssistantMessage() Message {
	return Message{Role: RoleAssistant, Content: r.Content, ToolCalls: r.ToolCalls}
}

// LLMClient is the provider-neutral boundary the orchestrator calls
// through. Provider wire details (OpenAI/Anthropic formats, HTTP
// transport) are deliberately out of scope for the gateway itself and
// live in whatever implements this interface.
type LLMClient interface {
	// Call issues one non-streaming turn, tools bound if provided.
	Call(ctx context.Context, messages []Message, tools []ToolSchema, tier string, mode ToolCallMode) (LLMResponse, error)

	// CallStreaming issues one turn with no tools bound, returning text
	// chunks as they arrive. The channel is closed when the response
	// completes; an error encountered mid-stream closes the channel
	// after delivering whatever chunks preceded it — callers needing the
	// error should inspect ctx.Err() or rely on a wrapping client that
	// surfaces it another way. Most implementations simply never error
	// once the stream has started.
	CallStreaming(ctx context.Context, messages []Message, tier string) (<-chan string, error)
}

// ToolExecutor provides a uniform call interface over heterogeneous tool
// implementations. filesToSend is an output-appended slice: tools may
// push file identifiers the orchestrator forwards to the adapter in the
// final RESPONSE_END.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, arguments map[string]any, userID string, filesToSend *[]string) string
}

// EventType identifies one item in the stream Generate produces.
type EventType string

const (
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventChunk      EventType = "chunk"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// Event is one item yielded by Generate. Only the fields relevant to
// Type are populated.
type Event struct {
	Type EventType

	// tool_start / tool_result
	ToolName      string
	Step          int
	Arguments     map[string]any
	Success       bool
	OutputPreview string

	// chunk
	Text string

	// complete
	ToolCount int
	Files     []string

	// error
	Err error
}

// GenerateRequest bundles one Generate call's inputs.
type GenerateRequest struct {
	Messages []Message
	Tools    []ToolSchema
	UserID   string
	RequestID string
	Tier     string
	Images   []protocol.AttachmentInfo
}
