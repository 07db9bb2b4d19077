package wire

import "encoding/json"

// Audio and image MIME types used on the wire.
const (
	MimePCMAudio = "audio/pcm;rate=16000"
	MimeJPEG     = "image/jpeg"
)

// Setup is the mandatory first message after the transport opens
// (BidiGenerateContentSetup). It carries model and session configuration.
type Setup struct {
	Model             string             `json:"model"`
	GenerationConfig  *GenerationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
	Tools             []ToolDeclarations `json:"tools,omitempty"`
}

// GenerationConfig configures model output for the session.
type GenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

// SystemInstruction carries the system prompt as content parts.
type SystemInstruction struct {
	Parts []Part `json:"parts,omitempty"`
}

// ToolDeclarations groups function declarations supplied in the setup payload.
type ToolDeclarations struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes one callable tool to the model.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolResponse carries the result of one executed tool call back to the server.
// Exactly one of Output or Error must be set.
type ToolResponse struct {
	ID     string          `json:"id"`
	Name   string          `json:"name,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// InboundMessage is the tagged union of server message types
// (BidiGenerateContentServerMessage). At most one field is set per message.
type InboundMessage struct {
	SetupComplete        *SetupComplete        `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
}

// SetupComplete acknowledges the setup handshake (empty object per docs).
type SetupComplete struct{}

// ToolCall is a server request to execute one or more named functions.
type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls,omitempty"`
}

// FunctionCall identifies a single requested tool invocation.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolCallCancellation tells the client to abandon in-flight tool calls.
type ToolCallCancellation struct {
	IDs []string `json:"ids,omitempty"`
}

// ServerContent is the content portion of a server message
// (BidiGenerateContentServerContent).
type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

// ModelTurn is one model response turn.
type ModelTurn struct {
	Parts []Part `json:"parts,omitempty"`
}

// Part is a content part: text or inline media data.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is inline media. Data is base64 on the wire; Decode fills Raw
// with the decoded bytes for PCM audio parts.
type InlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	Raw      []byte `json:"-"`
}

// IsAudio reports whether the part carries inline PCM audio.
func (p *Part) IsAudio() bool {
	return p.InlineData != nil && isPCMAudio(p.InlineData.MimeType)
}
