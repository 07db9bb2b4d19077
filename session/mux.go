package session

import (
	"fmt"

	"github.com/atlaslearn/livecoach/metrics"
	"github.com/atlaslearn/livecoach/wire"
)

// Sender writes one pre-encoded message to the transport. Implemented by
// *transport.Conn; tests substitute a recorder.
type Sender interface {
	Send(data []byte) error
}

// Mux serializes outbound media and control messages from independent
// producers (microphone recorder, capture timers, UI text input) onto the
// shared transport. One call produces exactly one wire message; there is no
// batching or coalescing. Ordering is per-producer: the transport's write
// serialization provides message-level atomicity, nothing more.
type Mux struct {
	sender Sender
}

// NewMux creates a multiplexer on top of the given sender.
func NewMux(sender Sender) *Mux {
	return &Mux{sender: sender}
}

// SendAudioChunk sends one raw PCM audio chunk.
func (m *Mux) SendAudioChunk(pcm []byte) error {
	return m.send(wire.NewAudioChunkMessage(pcm))
}

// SendImageChunk sends one encoded JPEG frame.
func (m *Mux) SendImageChunk(jpeg []byte) error {
	return m.send(wire.NewImageChunkMessage(jpeg))
}

// SendText sends a user text turn with its end-of-turn marker.
func (m *Mux) SendText(text string, endOfTurn bool) error {
	return m.send(wire.NewClientTextMessage(text, endOfTurn))
}

// SendToolResponse sends one tool execution result. The response must carry
// exactly one of output or error; violations fail before any bytes are sent.
func (m *Mux) SendToolResponse(resp *wire.ToolResponse) error {
	return m.send(wire.NewToolResponseMessage(resp))
}

func (m *Mux) send(msg wire.OutboundMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if err := m.sender.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	metrics.RecordOutbound(string(msg.Kind()))
	return nil
}
