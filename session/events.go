package session

import "github.com/atlaslearn/livecoach/wire"

// Event is the typed union of session events emitted to consumers
// (transcript views, audiogram renderers, progress trackers). Each concrete
// event names one routed occurrence; consumers switch on the concrete type.
type Event interface {
	// EventType returns the event type string for serialization and metrics.
	EventType() string
}

// ToolCallEvent is emitted when the server requests tool execution.
type ToolCallEvent struct {
	Call *wire.ToolCall
}

func (e *ToolCallEvent) EventType() string { return "tool_call" }

// ToolCallCancellationEvent is emitted when the server cancels in-flight tool calls.
type ToolCallCancellationEvent struct {
	IDs []string
}

func (e *ToolCallCancellationEvent) EventType() string { return "tool_call_cancellation" }

// InterruptedEvent is emitted when the server interrupts the current model turn.
// Buffered-but-unplayed audio is discarded when this fires.
type InterruptedEvent struct{}

func (e *InterruptedEvent) EventType() string { return "interrupted" }

// TurnCompleteEvent is emitted when the model finishes its turn.
type TurnCompleteEvent struct{}

func (e *TurnCompleteEvent) EventType() string { return "turn_complete" }

// AudioEvent carries one decoded PCM audio chunk from a model turn.
type AudioEvent struct {
	Data     []byte
	MimeType string
}

func (e *AudioEvent) EventType() string { return "audio" }

// ContentEvent carries the non-audio parts of a model turn as a group,
// preserving their original relative order.
type ContentEvent struct {
	Parts []wire.Part
}

func (e *ContentEvent) EventType() string { return "content" }

// StreamStartedEvent is emitted once when a new model utterance begins playing.
type StreamStartedEvent struct {
	UtteranceID string
}

func (e *StreamStartedEvent) EventType() string { return "stream_started" }

// StreamStoppedEvent is emitted once when the current model utterance ends.
type StreamStoppedEvent struct {
	UtteranceID string
}

func (e *StreamStoppedEvent) EventType() string { return "stream_stopped" }

// QuotaExceededEvent is emitted when the service closes with a quota error.
// The microphone recorder and screen capture are halted before this fires.
type QuotaExceededEvent struct {
	Message string
}

func (e *QuotaExceededEvent) EventType() string { return "quota_exceeded" }

// AuthErrorEvent is emitted when the service closes with an auth failure.
// The microphone recorder and screen capture are halted before this fires.
type AuthErrorEvent struct {
	Message string
}

func (e *AuthErrorEvent) EventType() string { return "auth_error" }

// DisconnectedEvent is emitted on any server-initiated close, carrying the
// close code and reason for consumers that log or display connection state.
type DisconnectedEvent struct {
	Code   int
	Reason string
}

func (e *DisconnectedEvent) EventType() string { return "disconnected" }
