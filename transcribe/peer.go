// Package transcribe runs side connections whose only job is turning one
// audio stream into text. A coaching session opens one peer per speaker so
// that user and model speech are transcribed independently of the main
// conversation connection.
package transcribe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlaslearn/livecoach/logger"
	"github.com/atlaslearn/livecoach/transport"
	"github.com/atlaslearn/livecoach/wire"
)

// keepAliveFrame is a minimal valid JSON frame. Transcription connections
// idle between speech segments, so the peer pings the service on a fixed
// cadence to keep the socket from being reaped.
var keepAliveFrame = []byte("{}")

const defaultKeepAliveInterval = 10 * time.Second

// Config configures one transcription peer.
type Config struct {
	// Transport configures the underlying connection.
	Transport transport.Config

	// Setup is the session setup for the peer, typically a text-only
	// model configuration with a transcription instruction.
	Setup *wire.Setup

	// KeepAliveInterval is how often an idle keep-alive frame is sent.
	// Defaults to 10 seconds.
	KeepAliveInterval time.Duration

	// Buffer is the transcript channel capacity. Defaults to 32.
	Buffer int
}

// Peer is one dedicated transcription connection. Audio goes in through
// SendAudio; recognized text comes out on Transcripts in arrival order.
type Peer struct {
	conn        *transport.Conn
	transcripts chan string
	stop        chan struct{}
	closeOnce   sync.Once
}

// Connect dials the transcription service and starts the keep-alive loop.
func Connect(ctx context.Context, cfg Config) (*Peer, error) {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}

	p := &Peer{
		transcripts: make(chan string, cfg.Buffer),
		stop:        make(chan struct{}),
	}
	p.conn = transport.NewConn(cfg.Transport, transport.Handlers{
		OnMessage: p.handleMessage,
		OnDisconnect: func(ev transport.DisconnectEvent) {
			logger.Warn("transcription peer disconnected",
				"class", ev.Class.String(), "reason", ev.Reason)
		},
	})

	var setup []byte
	if cfg.Setup != nil {
		encoded, err := wire.NewSetupMessage(cfg.Setup).Encode()
		if err != nil {
			return nil, fmt.Errorf("encoding transcription setup: %w", err)
		}
		setup = encoded
	}
	if err := p.conn.Connect(ctx, setup); err != nil {
		return nil, fmt.Errorf("connecting transcription peer: %w", err)
	}

	go p.keepAliveLoop(cfg.KeepAliveInterval)
	return p, nil
}

// SendAudio forwards one PCM chunk for transcription. Chunks sent while the
// connection is down are dropped by the transport, matching the main
// session's send semantics.
func (p *Peer) SendAudio(pcm []byte) error {
	data, err := wire.NewAudioChunkMessage(pcm).Encode()
	if err != nil {
		return fmt.Errorf("encoding transcription audio: %w", err)
	}
	return p.conn.Send(data)
}

// Transcripts returns the channel of recognized text segments.
func (p *Peer) Transcripts() <-chan string {
	return p.transcripts
}

// Close stops the keep-alive loop and closes the connection. Idempotent.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		err = p.conn.Close()
	})
	return err
}

// handleMessage extracts text parts from inbound server content. Non-text
// content is ignored; the peer's model is configured for text-only replies.
func (p *Peer) handleMessage(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		logger.Warn("transcription peer received malformed message", "error", err)
		return
	}
	if msg.ServerContent == nil || msg.ServerContent.ModelTurn == nil {
		return
	}
	for _, part := range msg.ServerContent.ModelTurn.Parts {
		if part.Text == "" {
			continue
		}
		select {
		case p.transcripts <- part.Text:
		default:
			logger.Warn("transcript buffer full, dropping segment")
		}
	}
}

func (p *Peer) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.conn.Send(keepAliveFrame); err != nil {
				logger.Warn("transcription keep-alive failed", "error", err)
			}
		}
	}
}
