// Package protocol defines the gateway's wire protocol: a tagged union of
// JSON frames exchanged with adapters over WebSocket. Messages are parsed
// in two passes — peek the "type" field, then unmarshal into the concrete
// struct for that type — so dispatch is a Go type switch rather than
// runtime reflection, per the gateway's dynamic-dispatch convention.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the wire discriminator carried by every frame.
type Type string

const (
	// Adapter-originating.
	TypeRegister Type = "REGISTER"
	TypePing     Type = "PING"
	TypeMessage  Type = "MESSAGE"
	TypeCancel   Type = "CANCEL"
	TypeStatus   Type = "STATUS"
	TypeUnregister Type = "UNREGISTER"

	// Gateway-originating.
	TypeRegistered    Type = "REGISTERED"
	TypePong          Type = "PONG"
	TypeResponseStart Type = "RESPONSE_START"
	TypeResponseChunk Type = "RESPONSE_CHUNK"
	TypeResponseEnd   Type = "RESPONSE_END"
	TypeToolStart     Type = "TOOL_START"
	TypeToolResult    Type = "TOOL_RESULT"
	TypeCancelled     Type = "CANCELLED"
	TypeError         Type = "ERROR"
	TypeProactiveMessage Type = "PROACTIVE_MESSAGE"
)

// envelope is used only to peek the discriminator before dispatching to a
// concrete type. It is never returned to callers.
type envelope struct {
	Type Type `json:"type"`
}

// UserInfo identifies the human on the other end of a channel.
type UserInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ChannelInfo identifies the logical conversation scope a message arrived
// on. Type is one of "dm", "server", "group".
type ChannelInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// AttachmentInfo describes a file attached to an inbound message.
type AttachmentInfo struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"` // base64, when inlined
}

// ContentPart is a provider-neutral multimodal content fragment. Only
// image_base64 is defined today; translation to a provider's native
// content-part shape happens at the LLMClient boundary, never here.
type ContentPart struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Register is sent by an adapter on connect.
type Register struct {
	Type           Type     `json:"type"`
	ID             string   `json:"id"`
	NodeID         string   `json:"node_id"`
	Platform       string   `json:"platform"`
	Capabilities   []string `json:"capabilities,omitempty"`
	PriorSessionID string   `json:"session_id,omitempty"`
	Secret         string   `json:"secret,omitempty"`
}

// Registered answers a Register with the assigned session id.
type Registered struct {
	Type          Type   `json:"type"`
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	IsReconnection bool  `json:"is_reconnection"`
}

// Unregister tells the gateway this node is going away cleanly.
type Unregister struct {
	Type   Type   `json:"type"`
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
}

// Ping / Pong are application-level heartbeats, independent of the
// transport-level WebSocket ping/pong frames.
type Ping struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

type Pong struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// Message is an inbound user message.
type Message struct {
	Type        Type             `json:"type"`
	ID          string           `json:"id"`
	RequestID   string           `json:"request_id,omitempty"`
	User        UserInfo         `json:"user"`
	Channel     ChannelInfo      `json:"channel"`
	Content     string           `json:"content"`
	Attachments []AttachmentInfo `json:"attachments,omitempty"`
	ReplyChain  []string         `json:"reply_chain,omitempty"`
	IsMention   bool             `json:"is_mention,omitempty"`
	TierOverride string          `json:"tier_override,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// ResponseStart announces the beginning of a streamed response.
type ResponseStart struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
}

// ResponseChunk carries one streamed fragment plus the running total.
type ResponseChunk struct {
	Type        Type   `json:"type"`
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	Chunk       string `json:"chunk"`
	Accumulated string `json:"accumulated"`
}

// ResponseEnd terminates a request with the final text and any files the
// tool executor produced along the way.
type ResponseEnd struct {
	Type      Type     `json:"type"`
	ID        string   `json:"id"`
	RequestID string   `json:"request_id"`
	FullText  string   `json:"full_text"`
	ToolCount int      `json:"tool_count"`
	Files     []string `json:"files,omitempty"`
}

// ToolStart / ToolResult report tool-use progress to the adapter so it can
// render "thinking" indicators.
type ToolStart struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	Step      int    `json:"step"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type ToolResult struct {
	Type          Type   `json:"type"`
	ID            string `json:"id"`
	RequestID     string `json:"request_id"`
	ToolName      string `json:"tool_name"`
	Success       bool   `json:"success"`
	OutputPreview string `json:"output_preview,omitempty"`
}

// Cancel requests cooperative cancellation of a request in flight.
type Cancel struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
}

// Cancelled confirms a request reached the CANCELLED terminal state.
type Cancelled struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
}

// Error is the wire shape of every gatewayerrors.GatewayError.
type Error struct {
	Type        Type   `json:"type"`
	ID          string `json:"id"`
	RequestID   string `json:"request_id,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Status is bidirectional: an adapter may request it, and the gateway
// answers with the same shape carrying live counters.
type Status struct {
	Type         Type `json:"type"`
	ID           string `json:"id"`
	ActiveCount  int    `json:"active_count,omitempty"`
	QueueLength  int    `json:"queue_length,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
}

// ProactiveMessage is gateway-originated, not in response to any inbound
// message — delivered via Server.BroadcastToPlatform.
type ProactiveMessage struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Purpose   string `json:"purpose,omitempty"`
}

// Parse peeks the "type" field of a raw JSON frame and unmarshals it into
// the matching concrete struct, returned as `any`. Callers dispatch with a
// type switch. An unrecognized type yields (nil, <that type>, nil) so the caller can
// ignore it with debug logging, per spec: unknown types are not errors.
func Parse(raw []byte) (msg any, kind Type, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("peeking message type: %w", err)
	}

	switch env.Type {
	case TypeRegister:
		var m Register
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeUnregister:
		var m Unregister
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypePing:
		var m Ping
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeMessage:
		var m Message
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeCancel:
		var m Cancel
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeStatus:
		var m Status
		err = json.Unmarshal(raw, &m)
		msg = m
	default:
		return nil, env.Type, nil
	}

	if err != nil {
		return nil, env.Type, fmt.Errorf("decoding %s frame: %w", env.Type, err)
	}
	return msg, env.Type, nil
}

// Encode marshals any outbound frame struct to JSON bytes for a single
// WebSocket text write.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return b, nil
}
