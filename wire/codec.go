// Package wire encodes and decodes the JSON messages exchanged with the
// live coaching model service over its duplex transport.
//
// Outbound messages are a tagged union (setup, realtime audio, realtime
// image, client text, tool response); inbound messages are the server's
// tagged union (tool call, tool call cancellation, server content). Inline
// audio payloads are converted between raw PCM and base64 at the codec
// boundary so the rest of the runtime only handles binary audio.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Codec errors.
var (
	// ErrMalformedMessage is returned when an inbound payload cannot be parsed.
	ErrMalformedMessage = errors.New("malformed server message")

	// ErrInvalidToolResponse is returned when a tool response violates the
	// output-or-error contract (both set, or neither).
	ErrInvalidToolResponse = errors.New("tool response must carry exactly one of output or error")

	// ErrEmptyOutbound is returned when an outbound message has no variant set.
	ErrEmptyOutbound = errors.New("outbound message has no payload")
)

// OutboundKind identifies the variant of an OutboundMessage.
type OutboundKind string

// Outbound message kinds.
const (
	KindSetup        OutboundKind = "setup"
	KindAudioChunk   OutboundKind = "audio_chunk"
	KindImageChunk   OutboundKind = "image_chunk"
	KindClientText   OutboundKind = "client_text"
	KindToolResponse OutboundKind = "tool_response"
)

// OutboundMessage is the tagged union of client message types. Exactly one
// field is set; construct values through the New* helpers. Messages are
// immutable once constructed and serialized exactly once by the transport.
type OutboundMessage struct {
	Setup        *Setup
	AudioChunk   []byte
	ImageChunk   []byte
	ClientText   *ClientText
	ToolResponse *ToolResponse
}

// ClientText is a user text turn with its end-of-turn marker.
type ClientText struct {
	Text      string
	EndOfTurn bool
}

// NewSetupMessage wraps a setup payload as the handshake message.
func NewSetupMessage(setup *Setup) OutboundMessage {
	return OutboundMessage{Setup: setup}
}

// NewAudioChunkMessage wraps one raw PCM audio chunk.
func NewAudioChunkMessage(pcm []byte) OutboundMessage {
	return OutboundMessage{AudioChunk: pcm}
}

// NewImageChunkMessage wraps one encoded JPEG frame.
func NewImageChunkMessage(jpeg []byte) OutboundMessage {
	return OutboundMessage{ImageChunk: jpeg}
}

// NewClientTextMessage wraps a user text turn.
func NewClientTextMessage(text string, endOfTurn bool) OutboundMessage {
	return OutboundMessage{ClientText: &ClientText{Text: text, EndOfTurn: endOfTurn}}
}

// NewToolResponseMessage wraps a tool execution result.
func NewToolResponseMessage(resp *ToolResponse) OutboundMessage {
	return OutboundMessage{ToolResponse: resp}
}

// Kind returns the variant tag of the message.
func (m OutboundMessage) Kind() OutboundKind {
	switch {
	case m.Setup != nil:
		return KindSetup
	case m.AudioChunk != nil:
		return KindAudioChunk
	case m.ImageChunk != nil:
		return KindImageChunk
	case m.ClientText != nil:
		return KindClientText
	case m.ToolResponse != nil:
		return KindToolResponse
	}
	return ""
}

// Encode serializes the message into its wire JSON. Encoding is total for
// well-formed union values; the only failure modes are an empty union and a
// tool response violating the output-or-error contract, both detected before
// any bytes are produced.
func (m OutboundMessage) Encode() ([]byte, error) {
	switch {
	case m.Setup != nil:
		return json.Marshal(map[string]interface{}{"setup": m.Setup})

	case m.AudioChunk != nil:
		return json.Marshal(realtimeInputMessage(MimePCMAudio, m.AudioChunk))

	case m.ImageChunk != nil:
		return json.Marshal(realtimeInputMessage(MimeJPEG, m.ImageChunk))

	case m.ClientText != nil:
		return json.Marshal(map[string]interface{}{
			"clientContent": map[string]interface{}{
				"turns": []map[string]interface{}{
					{
						"role":  "user",
						"parts": []interface{}{map[string]string{"text": m.ClientText.Text}},
					},
				},
				"turnComplete": m.ClientText.EndOfTurn,
			},
		})

	case m.ToolResponse != nil:
		if err := validateToolResponse(m.ToolResponse); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{
			"toolResponse": map[string]interface{}{
				"functionResponses": []map[string]interface{}{
					functionResponse(m.ToolResponse),
				},
			},
		})
	}

	return nil, ErrEmptyOutbound
}

// realtimeInputMessage builds a realtimeInput envelope with one media chunk.
func realtimeInputMessage(mimeType string, data []byte) map[string]interface{} {
	return map[string]interface{}{
		"realtimeInput": map[string]interface{}{
			"mediaChunks": []map[string]interface{}{
				{
					"mimeType": mimeType,
					"data":     base64.StdEncoding.EncodeToString(data),
				},
			},
		},
	}
}

// functionResponse builds the per-call response object for a tool response.
// Per docs: toolResponse.functionResponses[].{id, name, response|error}.
func functionResponse(resp *ToolResponse) map[string]interface{} {
	fr := map[string]interface{}{"id": resp.ID}
	if resp.Name != "" {
		fr["name"] = resp.Name
	}
	if resp.Error != "" {
		fr["response"] = map[string]interface{}{"error": resp.Error}
		return fr
	}

	var output interface{}
	if err := json.Unmarshal(resp.Output, &output); err != nil {
		// Output is not valid JSON, wrap it.
		output = map[string]interface{}{"result": string(resp.Output)}
	}
	fr["response"] = map[string]interface{}{"output": output}
	return fr
}

// validateToolResponse enforces the output-xor-error invariant.
func validateToolResponse(resp *ToolResponse) error {
	hasOutput := len(resp.Output) > 0
	hasError := resp.Error != ""
	if hasOutput == hasError {
		return ErrInvalidToolResponse
	}
	return nil
}

// Decode parses a server frame into an InboundMessage. Inline PCM audio
// parts are base64-decoded into Part.InlineData.Raw; everything else is a
// structural pass-through. Unparsable payloads fail with ErrMalformedMessage.
func Decode(data []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if msg.ServerContent != nil && msg.ServerContent.ModelTurn != nil {
		parts := msg.ServerContent.ModelTurn.Parts
		for i := range parts {
			if !parts[i].IsAudio() {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(parts[i].InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid audio payload: %v", ErrMalformedMessage, err)
			}
			parts[i].InlineData.Raw = raw
		}
	}

	return &msg, nil
}

// isPCMAudio reports whether a MIME type denotes inline PCM audio.
func isPCMAudio(mimeType string) bool {
	return strings.HasPrefix(mimeType, "audio/pcm")
}
