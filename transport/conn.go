// Package transport owns the single duplex WebSocket connection to the
// coaching model service.
//
// The package separates transport-level concerns (connect, setup handshake,
// send, receive dispatch, heartbeat, close-code classification) from protocol
// details (message encoding/decoding), which live in the wire package.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/atlaslearn/livecoach/logger"
	"github.com/atlaslearn/livecoach/metrics"
)

// Default connection constants.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultMaxMessageSize    = 16 * 1024 * 1024 // 16MB
	DefaultCloseGracePeriod  = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// State is the connection lifecycle state.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

// CloseClass classifies why the transport closed.
type CloseClass int

// Close classifications. The server signals quota exhaustion with close code
// 1011 and authentication failure with 1008; 1000 is a normal close and
// anything else is an unexpected disconnection.
const (
	CloseNormal CloseClass = iota
	CloseQuotaExceeded
	CloseAuthError
	CloseUnexpected
)

// String returns the metric/log label for the classification.
func (c CloseClass) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseQuotaExceeded:
		return "quota_exceeded"
	case CloseAuthError:
		return "auth_error"
	default:
		return "unexpected"
	}
}

// DisconnectEvent describes a transport close observed by the read loop.
type DisconnectEvent struct {
	Class  CloseClass
	Code   int
	Reason string
}

// Handlers receives asynchronous transport callbacks. OnMessage is invoked
// once per inbound frame in receipt order from a single goroutine;
// OnDisconnect fires at most once per established connection, and only for
// closes the local side did not initiate.
type Handlers struct {
	OnMessage    func(data []byte)
	OnDisconnect func(ev DisconnectEvent)
}

// Config configures the connection behavior.
type Config struct {
	// URL is the WebSocket endpoint URL. Required.
	URL string

	// Headers are sent during the WebSocket handshake.
	Headers http.Header

	// DialTimeout is the handshake timeout. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// WriteWait is the write deadline for each message. Defaults to DefaultWriteWait.
	WriteWait time.Duration

	// MaxMessageSize is the read limit. Defaults to DefaultMaxMessageSize.
	MaxMessageSize int64

	// CloseGracePeriod is the deadline for writing the close frame.
	// Defaults to DefaultCloseGracePeriod.
	CloseGracePeriod time.Duration

	// HeartbeatInterval is the ping cadence once connected.
	// Defaults to DefaultHeartbeatInterval; set negative to disable.
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Conn manages the duplex connection. At most one live WebSocket exists per
// Conn; concurrent Connect calls while a dial is in flight coalesce onto the
// same outcome, and Connect while already open is a no-op.
type Conn struct {
	cfg      Config
	handlers Handlers

	mu         sync.Mutex
	writeMu    sync.Mutex // serializes writes (gorilla/websocket requirement)
	ws         *websocket.Conn
	state      State
	localClose bool
	closeGen   uint64 // bumped by Close so an in-flight dial cannot commit past it
	stopPing   chan struct{}

	connectGroup singleflight.Group
}

// NewConn creates a Conn. Call Connect to establish the connection.
func NewConn(cfg Config, handlers Handlers) *Conn {
	cfg.defaults()
	return &Conn{cfg: cfg, handlers: handlers}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the connection is established.
func (c *Conn) IsOpen() bool {
	return c.State() == StateOpen
}

// Connect dials the endpoint and sends setup as the very first outbound
// message. Concurrent calls while a connect is in flight return the in-flight
// attempt's outcome rather than creating a second transport; calling Connect
// while already open resolves immediately.
func (c *Conn) Connect(ctx context.Context, setup []byte) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err, _ := c.connectGroup.Do("connect", func() (interface{}, error) {
		return nil, c.dial(ctx, setup)
	})
	return err
}

func (c *Conn) dial(ctx context.Context, setup []byte) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	gen := c.closeGen
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	logger.Debug("connecting to WebSocket", "url", logger.RedactSensitiveData(c.cfg.URL))

	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
			logger.Error("WebSocket dial failed", "error", err, "status", resp.StatusCode)
		}
		c.setState(StateDisconnected)
		metrics.RecordConnect("error")
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	ws.SetReadLimit(c.cfg.MaxMessageSize)

	// Setup must be the first frame the server sees on this connection.
	if setup != nil {
		if err := c.writeFrame(ws, websocket.TextMessage, setup); err != nil {
			_ = ws.Close()
			c.setState(StateDisconnected)
			metrics.RecordConnect("error")
			return fmt.Errorf("failed to send setup message: %w", err)
		}
	}

	c.mu.Lock()
	if c.closeGen != gen {
		// Close arrived while the dial was in flight; the caller asked
		// for a closed connection, so discard the socket.
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = ws.Close()
		metrics.RecordConnect("error")
		return fmt.Errorf("connection closed during dial")
	}
	c.ws = ws
	c.state = StateOpen
	c.localClose = false
	c.stopPing = make(chan struct{})
	stopPing := c.stopPing
	c.mu.Unlock()

	metrics.RecordConnect("success")
	logger.Info("WebSocket connected")

	go c.readLoop(ws)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(ws, stopPing)
	}

	return nil
}

// Send writes one pre-encoded message. Outbound messages while the transport
// is not open are dropped with a logged warning, not queued and not an error.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	if c.state != StateOpen || c.ws == nil {
		c.mu.Unlock()
		logger.Warn("transport not open, dropping outbound message", "bytes", len(data))
		return nil
	}
	ws := c.ws
	c.mu.Unlock()

	if err := c.writeFrame(ws, websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close gracefully closes the connection. Idempotent and safe to call before
// any Connect. A close initiated locally does not fire OnDisconnect.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeGen++
	if c.state == StateDisconnected || c.ws == nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil
	}
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.localClose = true
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.CloseGracePeriod))
	_ = ws.WriteMessage(websocket.CloseMessage, closeMsg)
	c.writeMu.Unlock()

	return ws.Close()
}

func (c *Conn) writeFrame(ws *websocket.Conn, msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	return ws.WriteMessage(msgType, data)
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// readLoop reads frames until the connection closes. Inbound messages are
// dispatched strictly in receipt order; one message is processed fully before
// the next is read.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(ws, err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(data)
		}
	}
}

func (c *Conn) handleReadError(ws *websocket.Conn, err error) {
	c.mu.Lock()
	local := c.localClose || c.ws != ws
	if c.ws == ws {
		c.ws = nil
		c.state = StateDisconnected
		if c.stopPing != nil {
			close(c.stopPing)
			c.stopPing = nil
		}
	}
	c.mu.Unlock()

	if local {
		logger.Debug("read loop exiting after local close")
		return
	}

	ev := ClassifyClose(err)
	metrics.RecordDisconnect(ev.Class.String())

	switch ev.Class {
	case CloseNormal:
		logger.Info("connection closed by server", "code", ev.Code)
	case CloseQuotaExceeded, CloseAuthError:
		logger.Error("connection terminated", "class", ev.Class.String(), "code", ev.Code, "reason", ev.Reason)
	default:
		logger.Warn("unexpected disconnection", "code", ev.Code, "reason", ev.Reason)
	}

	_ = ws.Close()

	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(ev)
	}
}

// ClassifyClose maps a read error onto a DisconnectEvent. Close code 1000 is
// a normal close, 1011 quota exhaustion, 1008 an authentication failure, and
// any other code (or a non-close error) an unexpected disconnection.
func ClassifyClose(err error) DisconnectEvent {
	if ce, ok := err.(*websocket.CloseError); ok {
		ev := DisconnectEvent{Code: ce.Code, Reason: ce.Text}
		switch ce.Code {
		case websocket.CloseNormalClosure:
			ev.Class = CloseNormal
		case websocket.CloseInternalServerErr: // 1011
			ev.Class = CloseQuotaExceeded
		case websocket.ClosePolicyViolation: // 1008
			ev.Class = CloseAuthError
		default:
			ev.Class = CloseUnexpected
		}
		return ev
	}
	return DisconnectEvent{Class: CloseUnexpected, Code: -1, Reason: err.Error()}
}

func (c *Conn) heartbeatLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeFrame(ws, websocket.PingMessage, nil); err != nil {
				logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
