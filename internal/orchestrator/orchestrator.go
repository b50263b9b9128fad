package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/clara-ai/gateway/internal/protocol"
)

// autoContinuePatterns match a permission-seeking tail on an otherwise
// complete response ("Want me to go ahead?", "Should I proceed?", ...).
// Checked against only the last ~200 characters of the reply.
var autoContinuePatterns = compilePatterns([]string{
	`want me to .*\?`,
	`should i .*\?`,
	`shall i .*\?`,
	`would you like me to .*\?`,
	`ready to proceed\?`,
	`proceed\?`,
	`go ahead\?`,
	`continue\?`,
	`do you want me to .*\?`,
	`i can .* if you('d)? like`,
	`let me know if`,
})

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile("(?i)" + p)
	}
	return out
}

// Config bundles the orchestrator's tunables, sourced from the gateway's
// config.yaml tunables block.
type Config struct {
	MaxToolIterations   int
	MaxToolResultChars  int
	ToolCallMode        ToolCallMode
	AutoContinueEnabled bool
	AutoContinueMax     int
}

func (c Config) withDefaults() Config {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 75
	}
	if c.MaxToolResultChars <= 0 {
		c.MaxToolResultChars = 50000
	}
	if c.ToolCallMode == "" {
		c.ToolCallMode = ModeLangChain
	}
	if c.AutoContinueMax <= 0 {
		c.AutoContinueMax = 3
	}
	return c
}

// Orchestrator runs the tool-calling loop described in the package doc.
type Orchestrator struct {
	client   LLMClient
	executor ToolExecutor
	cfg      Config
	logger   *slog.Logger
}

// New creates an Orchestrator. client and executor must be non-nil.
func New(client LLMClient, executor ToolExecutor, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client:   client,
		executor: executor,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "orchestrator"),
	}
}

// Generate runs the multi-turn loop for one request and returns a
// channel of events: zero or more tool_start/tool_result/chunk events
// followed by exactly one terminal complete or error event, after which
// the channel is closed.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		o.run(ctx, req, out)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, req GenerateRequest, out chan<- Event) {
	working := make([]Message, 0, len(req.Messages)+1)
	working = append(working, buildToolInstruction())
	working = append(working, req.Messages...)
	if len(req.Images) > 0 {
		working = addImagesToMessages(working, req.Images)
		o.logger.Info("added images to context", "request_id", req.RequestID, "count", len(req.Images))
	}

	var totalText strings.Builder
	totalToolCount := 0
	var totalFiles []string
	autoContinueCount := 0

	for {
		content, toolCount, files, realStreamed, err := o.runCycle(ctx, working, req, out, autoContinueCount)
		totalToolCount += toolCount
		totalFiles = append(totalFiles, files...)

		if err != nil {
			out <- Event{Type: EventError, Err: err}
			return
		}

		if !realStreamed {
			o.simulateStream(ctx, content, out)
		}

		if totalText.Len() > 0 {
			totalText.WriteString("\n\n")
		}
		totalText.WriteString(content)

		mightAutoContinue := o.cfg.AutoContinueEnabled && autoContinueCount < o.cfg.AutoContinueMax
		if !realStreamed && mightAutoContinue && shouldAutoContinue(content) {
			o.logger.Info("auto-continue triggered", "request_id", req.RequestID, "iteration", autoContinueCount+1, "max", o.cfg.AutoContinueMax)
			working = append(working, Message{Role: RoleAssistant, Content: content})
			working = append(working, Message{Role: RoleUser, Content: "Yes, please proceed."})
			autoContinueCount++
			continue
		}
		break
	}

	out <- Event{Type: EventComplete, Text: totalText.String(), ToolCount: totalToolCount, Files: totalFiles}
}

// runCycle runs one bounded tool-iteration loop: call the LLM, execute
// any tool calls it asks for, repeat until it replies with plain text or
// the iteration cap is hit. Returns the cycle's text, how many tools it
// ran, any files those tools produced, and whether the text was already
// delivered via real (not simulated) streaming.
func (o *Orchestrator) runCycle(ctx context.Context, working []Message, req GenerateRequest, out chan<- Event, autoContinueCount int) (content string, toolCount int, files []string, realStreamed bool, err error) {
	messages := append([]Message(nil), working...)

	for iteration := 0; iteration < o.cfg.MaxToolIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", toolCount, files, false, err
		}

		resp, callErr := o.client.Call(ctx, messages, req.Tools, req.Tier, o.cfg.ToolCallMode)
		if callErr != nil {
			return "", toolCount, files, false, fmt.Errorf("llm call failed: %w", callErr)
		}

		if !resp.HasToolCalls() {
			mightAutoContinue := o.cfg.AutoContinueEnabled && autoContinueCount < o.cfg.AutoContinueMax
			if iteration == 0 && !mightAutoContinue {
				ch, streamErr := o.client.CallStreaming(ctx, messages, req.Tier)
				if streamErr != nil {
					return "", toolCount, files, false, fmt.Errorf("llm streaming call failed: %w", streamErr)
				}
				var buf strings.Builder
				for chunk := range ch {
					buf.WriteString(chunk)
					out <- Event{Type: EventChunk, Text: chunk}
				}
				return buf.String(), toolCount, files, true, nil
			}
			return resp.Content, toolCount, files, false, nil
		}

		messages = append(messages, resp.ToAssistantMessage())

		for _, tc := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", toolCount, files, false, err
			}

			toolCount++
			out <- Event{Type: EventToolStart, ToolName: tc.Name, Step: toolCount, Arguments: tc.Arguments}

			output := o.executor.Execute(ctx, tc.Name, tc.Arguments, req.UserID, &files)
			success := !strings.HasPrefix(output, "Error:")
			if len(output) > o.cfg.MaxToolResultChars {
				output = o.truncateOutput(output)
			}
			output = wrapUntrusted(output, tc.Name)

			messages = append(messages, Message{Role: RoleTool, Content: output, ToolCallID: tc.ID, Name: tc.Name})

			preview := output
			if len(preview) > 200 {
				preview = preview[:200]
			}
			out <- Event{Type: EventToolResult, ToolName: tc.Name, Success: success, OutputPreview: preview}
		}
	}

	o.logger.Warn("max tool iterations reached", "request_id", req.RequestID, "max", o.cfg.MaxToolIterations)
	messages = append(messages, Message{
		Role:    RoleUser,
		Content: "You've reached the maximum number of tool calls. Please summarize what you've accomplished.",
	})

	resp, callErr := o.client.Call(ctx, messages, nil, req.Tier, o.cfg.ToolCallMode)
	if callErr != nil {
		return "", toolCount, files, false, fmt.Errorf("final summary call failed: %w", callErr)
	}
	return resp.Content, toolCount, files, false, nil
}

// simulateStream breaks text into word-wrapped chunks of roughly
// chunkSize characters and emits them as chunk events with a small delay
// between each, for responses that were not produced by a real streaming
// call but should still appear incrementally to the adapter.
func (o *Orchestrator) simulateStream(ctx context.Context, text string, out chan<- Event) {
	const chunkSize = 50
	words := strings.Fields(text)
	if len(words) == 0 {
		if text != "" {
			out <- Event{Type: EventChunk, Text: text}
		}
		return
	}

	var current []string
	currentLen := 0
	for _, word := range words {
		current = append(current, word)
		currentLen += len(word) + 1

		if currentLen >= chunkSize {
			out <- Event{Type: EventChunk, Text: strings.Join(current, " ") + " "}
			current = nil
			currentLen = 0
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	if len(current) > 0 {
		out <- Event{Type: EventChunk, Text: strings.Join(current, " ")}
	}
}

func (o *Orchestrator) truncateOutput(output string) string {
	truncated := output[:o.cfg.MaxToolResultChars]
	return fmt.Sprintf("%s\n\n[TRUNCATED: result was %d chars, showing first %d. Use pagination parameters or more specific filters to get smaller results.]",
		truncated, len(output), o.cfg.MaxToolResultChars)
}

// wrapUntrusted marks tool output as untrusted content before it re-enters
// the transcript, asking the model to treat it as data rather than
// instructions. Hardening the model against injected instructions inside
// that data is the tool executor's responsibility — this only labels it.
func wrapUntrusted(output, source string) string {
	return fmt.Sprintf("<untrusted_tool_output source=%q>\n%s\n</untrusted_tool_output>", source, output)
}

// addImagesToMessages attaches provider-neutral image content parts to
// the last user message in the transcript. Provider-specific conversion
// happens at the LLMClient boundary, never here.
func addImagesToMessages(messages []Message, images []protocol.AttachmentInfo) []Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleUser {
			continue
		}
		parts := messages[i].Parts
		if len(parts) == 0 && messages[i].Content != "" {
			parts = append(parts, protocol.ContentPart{Type: "text", Data: messages[i].Content})
		}
		for _, img := range images {
			if img.Data == "" {
				continue
			}
			parts = append(parts, protocol.ContentPart{Type: "image_base64", MediaType: img.MimeType, Data: img.Data})
		}
		messages[i].Parts = parts
		break
	}
	return messages
}

func shouldAutoContinue(response string) bool {
	if response == "" {
		return false
	}
	tail := response
	if len(tail) > 200 {
		tail = tail[len(tail)-200:]
	}
	tail = strings.ToLower(strings.TrimSpace(tail))

	for _, p := range autoContinuePatterns {
		if p.MatchString(tail) {
			return true
		}
	}
	return false
}

// buildToolInstruction is the internal system message establishing
// tool-use conventions: prefer sending files over pasting content, act
// proactively rather than asking permission, and so on.
func buildToolInstruction() Message {
	return Message{
		Role: RoleSystem,
		Content: "TOOL USAGE GUIDELINES:\n\n" +
			"- Prefer sending files directly over pasting large content inline. " +
			"When a file-sending tool is available and relevant, use it rather than " +
			"writing the content into your reply.\n" +
			"- Do not ask for permission before using a tool. If a tool is relevant " +
			"to the user's request, just use it.\n" +
			"- Be proactive: if a computation, search, or lookup tool would answer " +
			"the question more reliably than reasoning alone, call it.\n" +
			"- Your personality and conversational context are defined in the system " +
			"messages that follow. Follow those for tone, style, and behavior.",
	}
}
