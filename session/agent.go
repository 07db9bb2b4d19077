package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlaslearn/livecoach/capture"
	"github.com/atlaslearn/livecoach/config"
	"github.com/atlaslearn/livecoach/logger"
	"github.com/atlaslearn/livecoach/playback"
	"github.com/atlaslearn/livecoach/tools"
	"github.com/atlaslearn/livecoach/transcribe"
	"github.com/atlaslearn/livecoach/transport"
	"github.com/atlaslearn/livecoach/wire"
)

var (
	// ErrNotConnected is returned by operations that require an open session.
	ErrNotConnected = errors.New("session not connected")
	// ErrNotInitialized is returned when recording starts before Initialize.
	ErrNotInitialized = errors.New("session not initialized")
)

// transcriptionPrompt configures a text-only side model as a transcriber.
const transcriptionPrompt = "Transcribe the incoming audio verbatim. Reply with the transcribed text only."

// Recorder is the microphone capture surface. Start begins delivering PCM
// chunks to onChunk from the device's own goroutine until Stop.
type Recorder interface {
	Start(sampleRate int, onChunk func(pcm []byte)) error
	Stop() error
}

// Devices groups the platform capture and playback surfaces the agent
// drives. Tests substitute fakes.
type Devices struct {
	// Recorder is the microphone. Required for StartRecording.
	Recorder Recorder

	// Speaker creates the audio output surface, lazily on first playback.
	Speaker playback.SinkFactory

	// OpenCamera acquires the camera and returns a frame grabber.
	OpenCamera func() (capture.Grabber, error)

	// ScreenSources enumerates shareable screens and windows.
	ScreenSources capture.SourceProvider

	// OpenScreen acquires a grabber for the selected screen source.
	OpenScreen func(capture.Source) (capture.Grabber, error)
}

// Agent is the session orchestrator: it owns the transport, the outbound
// multiplexer, the inbound router, playback, capture pipelines, and the
// transcription peer, and is the only component external callers touch.
type Agent struct {
	cfg      *config.Config
	registry *tools.Registry
	devices  Devices
	onEvent  func(Event)
	tracer   trace.Tracer

	conn   *transport.Conn
	mux    *Mux
	router *Router

	mu          sync.Mutex
	initialized bool
	recording   bool
	micMuted    bool
	sequencer   *playback.Sequencer
	camera      *capture.Session
	screen      *capture.Session
	peer        *transcribe.Peer
}

// NewAgent builds an orchestrator around the given configuration, tool
// registry, and device surfaces. Events flow to onEvent synchronously in
// routing order; onEvent may be nil.
func NewAgent(cfg *config.Config, registry *tools.Registry, devices Devices, onEvent func(Event)) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}

	a := &Agent{
		cfg:      cfg,
		registry: registry,
		devices:  devices,
		onEvent:  onEvent,
		tracer:   otel.Tracer("livecoach/session"),
	}
	a.router = NewRouter(a.handleEvent)
	a.conn = transport.NewConn(transport.Config{
		URL:         authURL(cfg.Endpoint, cfg.APIKey),
		DialTimeout: cfg.DialTimeout,
	}, transport.Handlers{
		OnMessage:    a.handleMessage,
		OnDisconnect: a.handleDisconnect,
	})
	a.mux = NewMux(a.conn)
	return a, nil
}

// Connected reports whether the main session connection is open.
func (a *Agent) Connected() bool {
	return a.conn.IsOpen()
}

// Initialize prepares the playback sequencer. Idempotent: a second call
// while already initialized is a no-op.
func (a *Agent) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	if a.devices.Speaker == nil {
		return fmt.Errorf("no speaker configured")
	}
	a.sequencer = playback.NewSequencer(playback.Config{
		SinkFactory: a.devices.Speaker,
		OnStreamStart: func(id string) {
			a.emit(&StreamStartedEvent{UtteranceID: id})
		},
		OnStreamStop: func(id string) {
			a.emit(&StreamStoppedEvent{UtteranceID: id})
		},
	})
	a.initialized = true
	return nil
}

// Connect opens the session connection and performs the setup handshake.
// Concurrent calls share one dial; connecting while open is a no-op. When a
// transcription endpoint is configured, a transcription peer is connected
// alongside the main session.
func (a *Agent) Connect(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "session.connect",
		trace.WithAttributes(attribute.String("model", a.cfg.Model)))
	defer span.End()

	setup, err := a.buildSetup().Encode()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encoding setup: %w", err)
	}
	if err := a.conn.Connect(ctx, setup); err != nil {
		span.RecordError(err)
		return err
	}

	if a.cfg.TranscriptionEndpoint != "" {
		if err := a.connectTranscription(ctx); err != nil {
			// The main session is usable without transcription.
			logger.Warn("transcription peer unavailable", "error", err)
		}
	}
	return nil
}

// StartRecording begins streaming microphone audio to the model and, when
// present, to the transcription peer. Requires Initialize and an open
// connection. A second call while recording is a no-op.
func (a *Agent) StartRecording() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return ErrNotInitialized
	}
	if !a.conn.IsOpen() {
		return ErrNotConnected
	}
	if a.recording {
		return nil
	}
	if a.devices.Recorder == nil {
		return fmt.Errorf("no recorder configured")
	}
	if err := a.devices.Recorder.Start(a.cfg.SampleRate, a.handleMicChunk); err != nil {
		return fmt.Errorf("starting recorder: %w", err)
	}
	a.recording = true
	return nil
}

// ToggleMic flips the microphone mute state and returns true when the mic
// is now live. Muting drops chunks at the agent; the device keeps running.
func (a *Agent) ToggleMic() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.micMuted = !a.micMuted
	return !a.micMuted
}

// StartCameraCapture acquires the camera and starts the camera frame timer.
// Requires an open connection. A second call while capturing is a no-op.
func (a *Agent) StartCameraCapture(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.conn.IsOpen() {
		return ErrNotConnected
	}
	if a.camera != nil {
		return nil
	}
	if a.devices.OpenCamera == nil {
		return fmt.Errorf("no camera configured")
	}
	grabber, err := a.devices.OpenCamera()
	if err != nil {
		return fmt.Errorf("opening camera: %w", err)
	}
	session, err := capture.Start(ctx, grabber, a.mux.SendImageChunk, capture.Options{
		Kind:     capture.KindCamera,
		FPS:      a.cfg.CameraFPS,
		MaxWidth: a.cfg.MaxImageWidth,
		Quality:  a.cfg.ImageQuality,
	})
	if err != nil {
		releaseGrabber(grabber)
		return err
	}
	a.camera = session
	return nil
}

// StopCameraCapture stops the camera timer. Safe when not capturing.
func (a *Agent) StopCameraCapture() {
	a.mu.Lock()
	session := a.camera
	a.camera = nil
	a.mu.Unlock()
	if session != nil {
		session.Stop()
	}
}

// StartScreenShare selects a screen source, acquires it, and starts the
// screen frame timer. Requires an open connection.
func (a *Agent) StartScreenShare(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.conn.IsOpen() {
		return ErrNotConnected
	}
	if a.screen != nil {
		return nil
	}
	if a.devices.ScreenSources == nil || a.devices.OpenScreen == nil {
		return fmt.Errorf("no screen capture configured")
	}
	source, err := capture.SelectSource(a.devices.ScreenSources)
	if err != nil {
		return err
	}
	grabber, err := a.devices.OpenScreen(source)
	if err != nil {
		return fmt.Errorf("opening screen source %q: %w", source.ID, err)
	}
	session, err := capture.Start(ctx, grabber, a.mux.SendImageChunk, capture.Options{
		Kind:     capture.KindScreen,
		FPS:      a.cfg.ScreenFPS,
		MaxWidth: a.cfg.MaxImageWidth,
		Quality:  a.cfg.ImageQuality,
	})
	if err != nil {
		releaseGrabber(grabber)
		return err
	}
	a.screen = session
	return nil
}

// releaseGrabber frees a device acquired by a start attempt that did not
// hand ownership to a capture session.
func releaseGrabber(grabber capture.Grabber) {
	if err := grabber.Close(); err != nil {
		logger.Warn("releasing capture device failed", "error", err)
	}
}

// StopScreenShare stops the screen timer. Safe when not sharing.
func (a *Agent) StopScreenShare() {
	a.mu.Lock()
	session := a.screen
	a.screen = nil
	a.mu.Unlock()
	if session != nil {
		session.Stop()
	}
}

// SendText sends one user text turn with the end-of-turn marker set.
func (a *Agent) SendText(text string) error {
	if !a.conn.IsOpen() {
		return ErrNotConnected
	}
	return a.mux.SendText(text, true)
}

// HandleToolCall dispatches the first function call in the batch to the
// registry and sends exactly one tool response with the matching id. A
// handler failure travels back as the response's error field. Batches with
// multiple calls are a known limitation: only the first is handled, the rest
// are logged and skipped.
func (a *Agent) HandleToolCall(ctx context.Context, call *wire.ToolCall) error {
	if call == nil || len(call.FunctionCalls) == 0 {
		return nil
	}
	if len(call.FunctionCalls) > 1 {
		logger.Warn("tool call batch has multiple calls, handling first only",
			"count", len(call.FunctionCalls))
	}
	fc := call.FunctionCalls[0]

	ctx, span := a.tracer.Start(ctx, "session.tool_call",
		trace.WithAttributes(attribute.String("tool", fc.Name)))
	defer span.End()

	output, err := a.registry.Invoke(ctx, fc.Name, fc.Args)
	resp := &wire.ToolResponse{ID: fc.ID, Name: fc.Name}
	if err != nil {
		span.RecordError(err)
		resp.Error = err.Error()
	} else {
		if len(output) == 0 {
			output = json.RawMessage(`{}`)
		}
		resp.Output = output
	}
	return a.mux.SendToolResponse(resp)
}

// Disconnect tears down everything the agent owns: camera capture, screen
// capture, the recorder, playback, transcription peers, the audio output
// surface, then the connection, strictly in that order. Each step is best-effort; a failure is logged and
// teardown continues. Safe to call twice or before Connect, and always
// leaves the initialization and recording flags reset.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	camera, screen := a.camera, a.screen
	sequencer, peer := a.sequencer, a.peer
	recording := a.recording
	a.camera, a.screen = nil, nil
	a.sequencer, a.peer = nil, nil
	a.recording = false
	a.micMuted = false
	a.initialized = false
	a.mu.Unlock()

	if camera != nil {
		camera.Stop()
	}
	if screen != nil {
		screen.Stop()
	}
	if recording && a.devices.Recorder != nil {
		if err := a.devices.Recorder.Stop(); err != nil {
			logger.Warn("recorder stop failed", "error", err)
		}
	}
	if sequencer != nil {
		sequencer.Interrupt()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			logger.Warn("transcription peer close failed", "error", err)
		}
	}
	if sequencer != nil {
		if err := sequencer.Close(); err != nil {
			logger.Warn("audio output close failed", "error", err)
		}
	}
	if err := a.conn.Close(); err != nil {
		logger.Warn("connection close failed", "error", err)
	}
}

// buildSetup assembles the session setup message from the configuration and
// the registered tool declarations.
func (a *Agent) buildSetup() wire.OutboundMessage {
	setup := &wire.Setup{
		Model: a.cfg.Model,
		GenerationConfig: &wire.GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	if a.cfg.SystemInstruction != "" {
		setup.SystemInstruction = &wire.SystemInstruction{
			Parts: []wire.Part{{Text: a.cfg.SystemInstruction}},
		}
	}
	if decls := a.registry.Declarations(); len(decls) > 0 {
		fns := make([]wire.FunctionDeclaration, 0, len(decls))
		for _, d := range decls {
			fns = append(fns, wire.FunctionDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
		setup.Tools = []wire.ToolDeclarations{{FunctionDeclarations: fns}}
	}
	return wire.NewSetupMessage(setup)
}

func (a *Agent) connectTranscription(ctx context.Context) error {
	peer, err := transcribe.Connect(ctx, transcribe.Config{
		Transport: transport.Config{
			URL:         authURL(a.cfg.TranscriptionEndpoint, a.cfg.APIKey),
			DialTimeout: a.cfg.DialTimeout,
		},
		Setup: &wire.Setup{
			Model: a.cfg.Model,
			GenerationConfig: &wire.GenerationConfig{
				ResponseModalities: []string{"TEXT"},
			},
			SystemInstruction: &wire.SystemInstruction{
				Parts: []wire.Part{{Text: transcriptionPrompt}},
			},
		},
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.peer = peer
	a.mu.Unlock()
	return nil
}

// Transcripts returns the transcription peer's text channel, or nil when no
// peer is connected.
func (a *Agent) Transcripts() <-chan string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peer == nil {
		return nil
	}
	return a.peer.Transcripts()
}

// handleMicChunk fans one microphone chunk out to the model and the
// transcription peer. Muted chunks are dropped here so the device keeps its
// cadence.
func (a *Agent) handleMicChunk(pcm []byte) {
	a.mu.Lock()
	muted := a.micMuted
	peer := a.peer
	a.mu.Unlock()
	if muted {
		return
	}
	if err := a.mux.SendAudioChunk(pcm); err != nil {
		logger.Warn("audio chunk send failed", "error", err)
	}
	if peer != nil {
		if err := peer.SendAudio(pcm); err != nil {
			logger.Warn("transcription audio send failed", "error", err)
		}
	}
}

// handleMessage decodes one transport frame and routes it. Malformed frames
// are logged and dropped; they never terminate the session.
func (a *Agent) handleMessage(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		logger.Warn("dropping malformed server message", "error", err)
		return
	}
	a.router.Route(msg)
}

// handleEvent reacts to routed events (playback transitions, tool dispatch)
// and then forwards every event to the consumer callback.
func (a *Agent) handleEvent(ev Event) {
	a.mu.Lock()
	sequencer := a.sequencer
	a.mu.Unlock()

	switch e := ev.(type) {
	case *AudioEvent:
		// Enqueue first: the first chunk of an utterance fires the
		// stream-start notification, which must precede the audio event.
		if sequencer != nil {
			if err := sequencer.Enqueue(e.Data); err != nil {
				logger.Warn("audio playback enqueue failed", "error", err)
			}
		}
		a.emit(ev)

	case *InterruptedEvent:
		// Emit first: the stream-stop notification follows the event
		// that caused it.
		a.emit(ev)
		if sequencer != nil {
			sequencer.Interrupt()
		}

	case *TurnCompleteEvent:
		a.emit(ev)
		if sequencer != nil {
			sequencer.Finish()
		}

	case *ToolCallEvent:
		a.emit(ev)
		// Tool handlers may block on their own I/O; dispatching off the
		// read loop keeps inbound routing live while they run.
		go func() {
			if err := a.HandleToolCall(context.Background(), e.Call); err != nil {
				logger.Error("tool call handling failed", "error", err)
			}
		}()

	default:
		a.emit(ev)
	}
}

// handleDisconnect reacts to server-initiated closes. Quota and auth
// failures halt the microphone and screen share (the camera is left alone)
// and emit their own events before the generic disconnected event.
func (a *Agent) handleDisconnect(ev transport.DisconnectEvent) {
	switch ev.Class {
	case transport.CloseQuotaExceeded:
		a.haltMicAndScreen()
		a.emit(&QuotaExceededEvent{Message: ev.Reason})
	case transport.CloseAuthError:
		a.haltMicAndScreen()
		a.emit(&AuthErrorEvent{Message: ev.Reason})
	}
	a.emit(&DisconnectedEvent{Code: ev.Code, Reason: ev.Reason})
}

func (a *Agent) haltMicAndScreen() {
	a.mu.Lock()
	recording := a.recording
	a.recording = false
	screen := a.screen
	a.screen = nil
	a.mu.Unlock()

	if recording && a.devices.Recorder != nil {
		if err := a.devices.Recorder.Stop(); err != nil {
			logger.Warn("recorder stop failed", "error", err)
		}
	}
	if screen != nil {
		screen.Stop()
	}
}

func (a *Agent) emit(ev Event) {
	if a.onEvent != nil {
		a.onEvent(ev)
	}
}

// authURL appends the API key as the key query parameter, the form the live
// endpoint expects. A malformed endpoint is returned unchanged and fails at
// dial time with a real error.
func authURL(endpoint, apiKey string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	q.Set("key", apiKey)
	u.RawQuery = q.Encode()
	return u.String()
}
