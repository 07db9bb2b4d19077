package session

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlaslearn/livecoach/capture"
	"github.com/atlaslearn/livecoach/config"
	"github.com/atlaslearn/livecoach/playback"
	"github.com/atlaslearn/livecoach/tools"
)

var testUpgrader = websocket.Upgrader{}

// liveServer is a scriptable fake of the live service: it records every
// client frame and can push server messages or close with a specific code.
type liveServer struct {
	mu     sync.Mutex
	frames []string
	conns  []*websocket.Conn
}

func startLiveServer(t *testing.T) (*liveServer, string) {
	t.Helper()
	ls := &liveServer{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ls.mu.Lock()
		ls.conns = append(ls.conns, ws)
		ls.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			ls.mu.Lock()
			ls.frames = append(ls.frames, string(data))
			ls.mu.Unlock()
		}
	}))
	t.Cleanup(server.Close)
	return ls, "ws" + strings.TrimPrefix(server.URL, "http")
}

func (ls *liveServer) push(t *testing.T, msg string) {
	t.Helper()
	ls.mu.Lock()
	defer ls.mu.Unlock()
	require.NotEmpty(t, ls.conns)
	require.NoError(t, ls.conns[len(ls.conns)-1].WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (ls *liveServer) closeWithCode(t *testing.T, code int, reason string) {
	t.Helper()
	ls.mu.Lock()
	defer ls.mu.Unlock()
	require.NotEmpty(t, ls.conns)
	ws := ls.conns[len(ls.conns)-1]
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

func (ls *liveServer) frameCount(substr string) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	n := 0
	for _, f := range ls.frames {
		if strings.Contains(f, substr) {
			n++
		}
	}
	return n
}

func (ls *liveServer) firstFrame() string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if len(ls.frames) == 0 {
		return ""
	}
	return ls.frames[0]
}

// eventLog collects agent events across goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	types := make([]string, len(l.events))
	for i, ev := range l.events {
		types[i] = ev.EventType()
	}
	return types
}

func (l *eventLog) has(eventType string) bool {
	for _, typ := range l.types() {
		if typ == eventType {
			return true
		}
	}
	return false
}

type fakeRecorder struct {
	mu      sync.Mutex
	started bool
	stopped bool
	onChunk func([]byte)
}

func (r *fakeRecorder) Start(_ int, onChunk func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	r.onChunk = onChunk
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

func (r *fakeRecorder) emit(pcm []byte) {
	r.mu.Lock()
	onChunk := r.onChunk
	r.mu.Unlock()
	if onChunk != nil {
		onChunk(pcm)
	}
}

func (r *fakeRecorder) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

type countingGrabber struct {
	mu     sync.Mutex
	grabs  int
	closed bool
}

func (g *countingGrabber) Grab() (image.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grabs++
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (g *countingGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *countingGrabber) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grabs
}

func (g *countingGrabber) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

type nullSink struct{}

func (nullSink) Write([]byte) error { return nil }
func (nullSink) Close() error       { return nil }

type staticSources struct{ sources []capture.Source }

func (s staticSources) Sources() ([]capture.Source, error) { return s.sources, nil }

func testAgent(t *testing.T, url string, registry *tools.Registry, devices Devices) (*Agent, *eventLog) {
	t.Helper()
	cfg, err := config.New(url, "test-key")
	require.NoError(t, err)
	cfg.CameraFPS = 50
	cfg.ScreenFPS = 50

	if devices.Speaker == nil {
		devices.Speaker = func() (playback.Sink, error) { return nullSink{}, nil }
	}

	log := &eventLog{}
	agent, err := NewAgent(cfg, registry, devices, log.record)
	require.NoError(t, err)
	t.Cleanup(agent.Disconnect)
	return agent, log
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAgentConnectSendsSetupWithTools(t *testing.T) {
	server, url := startLiveServer(t)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Declaration{
		Name:        "advance_challenge",
		Description: "Move the learner forward",
	}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))

	agent, _ := testAgent(t, url, registry, Devices{})
	require.NoError(t, agent.Connect(context.Background()))

	waitUntil(t, func() bool { return server.firstFrame() != "" }, "no setup frame")
	setup := server.firstFrame()
	assert.Contains(t, setup, `"setup"`)
	assert.Contains(t, setup, "advance_challenge")
	assert.True(t, agent.Connected())
}

func TestAgentEndToEndTurn(t *testing.T) {
	server, url := startLiveServer(t)
	agent, log := testAgent(t, url, nil, Devices{})

	require.NoError(t, agent.Initialize())
	require.NoError(t, agent.Connect(context.Background()))
	require.NoError(t, agent.SendText("hello"))

	waitUntil(t, func() bool { return server.frameCount("clientContent") == 1 }, "text never sent")

	// AQID is base64 for 0x01 0x02 0x03.
	server.push(t, `{"serverContent":{"modelTurn":{"parts":[`+
		`{"inlineData":{"mimeType":"audio/pcm;rate=16000","data":"AQID"}},`+
		`{"text":"hi there"}]}}}`)
	server.push(t, `{"serverContent":{"turnComplete":true}}`)

	waitUntil(t, func() bool { return log.has("stream_stopped") }, "utterance never finished")

	assert.Equal(t, []string{
		"stream_started",
		"audio",
		"content",
		"turn_complete",
		"stream_stopped",
	}, log.types())
}

func TestAgentInterruptDiscardsPlayback(t *testing.T) {
	server, url := startLiveServer(t)
	agent, log := testAgent(t, url, nil, Devices{})

	require.NoError(t, agent.Initialize())
	require.NoError(t, agent.Connect(context.Background()))

	server.push(t, `{"serverContent":{"modelTurn":{"parts":[`+
		`{"inlineData":{"mimeType":"audio/pcm;rate=16000","data":"AQID"}}]}}}`)
	waitUntil(t, func() bool { return log.has("audio") }, "audio never routed")

	server.push(t, `{"serverContent":{"interrupted":true}}`)
	waitUntil(t, func() bool { return log.has("stream_stopped") }, "interrupt never stopped playback")

	types := log.types()
	// The interrupted event precedes the stop it causes.
	assert.Equal(t, []string{"stream_started", "audio", "interrupted", "stream_stopped"}, types)
}

func TestAgentHandlesToolCall(t *testing.T) {
	server, url := startLiveServer(t)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Declaration{Name: "advance_challenge"},
		func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"advanced":true}`), nil
		}))

	agent, log := testAgent(t, url, registry, Devices{})
	require.NoError(t, agent.Connect(context.Background()))

	server.push(t, `{"toolCall":{"functionCalls":[{"id":"call-7","name":"advance_challenge","args":{}}]}}`)

	waitUntil(t, func() bool { return server.frameCount("toolResponse") == 1 }, "no tool response")
	assert.Equal(t, 1, server.frameCount("call-7"))
	assert.Equal(t, 1, server.frameCount("advanced"))
	assert.True(t, log.has("tool_call"))
}

func TestAgentToolErrorBecomesErrorResponse(t *testing.T) {
	server, url := startLiveServer(t)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Declaration{Name: "flaky"},
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, assert.AnError
		}))

	agent, _ := testAgent(t, url, registry, Devices{})
	require.NoError(t, agent.Connect(context.Background()))

	server.push(t, `{"toolCall":{"functionCalls":[{"id":"call-8","name":"flaky"}]}}`)

	waitUntil(t, func() bool { return server.frameCount("toolResponse") == 1 }, "no tool response")
	assert.Equal(t, 1, server.frameCount(`"error"`))
}

func TestAgentToolCallBatchHandlesFirstOnly(t *testing.T) {
	server, url := startLiveServer(t)

	registry := tools.NewRegistry()
	var mu sync.Mutex
	var invoked []string
	handler := func(name string) tools.Handler {
		return func(context.Context, json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			invoked = append(invoked, name)
			mu.Unlock()
			return json.RawMessage(`{}`), nil
		}
	}
	require.NoError(t, registry.Register(tools.Declaration{Name: "first"}, handler("first")))
	require.NoError(t, registry.Register(tools.Declaration{Name: "second"}, handler("second")))

	agent, _ := testAgent(t, url, registry, Devices{})
	require.NoError(t, agent.Connect(context.Background()))

	server.push(t, `{"toolCall":{"functionCalls":[{"id":"a","name":"first"},{"id":"b","name":"second"}]}}`)

	waitUntil(t, func() bool { return server.frameCount("toolResponse") == 1 }, "no tool response")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first"}, invoked)
	assert.Equal(t, 1, server.frameCount("toolResponse"))
}

func TestAgentCaptureRequiresConnection(t *testing.T) {
	_, url := startLiveServer(t)
	agent, _ := testAgent(t, url, nil, Devices{
		OpenCamera:    func() (capture.Grabber, error) { return &countingGrabber{}, nil },
		ScreenSources: staticSources{sources: []capture.Source{{ID: "screen:0", Kind: capture.SourceScreen}}},
		OpenScreen:    func(capture.Source) (capture.Grabber, error) { return &countingGrabber{}, nil },
	})

	assert.ErrorIs(t, agent.StartCameraCapture(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, agent.StartScreenShare(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, agent.SendText("hello"), ErrNotConnected)
}

func TestAgentCameraCaptureStreamsFrames(t *testing.T) {
	server, url := startLiveServer(t)
	grabber := &countingGrabber{}
	agent, _ := testAgent(t, url, nil, Devices{
		OpenCamera: func() (capture.Grabber, error) { return grabber, nil },
	})

	require.NoError(t, agent.Connect(context.Background()))
	require.NoError(t, agent.StartCameraCapture(context.Background()))

	waitUntil(t, func() bool { return server.frameCount("image/jpeg") >= 2 }, "no camera frames reached server")

	agent.StopCameraCapture()
	settled := grabber.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, grabber.count())
	assert.True(t, grabber.isClosed())

	// Stopping again is safe.
	agent.StopCameraCapture()
}

func TestAgentCameraStartFailureReleasesDevice(t *testing.T) {
	_, url := startLiveServer(t)

	cfg, err := config.New(url, "test-key")
	require.NoError(t, err)

	grabber := &countingGrabber{}
	agent, err := NewAgent(cfg, nil, Devices{
		Speaker:    func() (playback.Sink, error) { return nullSink{}, nil },
		OpenCamera: func() (capture.Grabber, error) { return grabber, nil },
	}, nil)
	require.NoError(t, err)
	t.Cleanup(agent.Disconnect)

	require.NoError(t, agent.Connect(context.Background()))

	// Break the capture options after construction; the start attempt must
	// release the already-acquired device before the error propagates.
	cfg.CameraFPS = 0
	require.Error(t, agent.StartCameraCapture(context.Background()))
	assert.True(t, grabber.isClosed())
}

func TestAgentScreenStartFailureReleasesDevice(t *testing.T) {
	_, url := startLiveServer(t)

	cfg, err := config.New(url, "test-key")
	require.NoError(t, err)

	grabber := &countingGrabber{}
	agent, err := NewAgent(cfg, nil, Devices{
		Speaker:       func() (playback.Sink, error) { return nullSink{}, nil },
		ScreenSources: staticSources{sources: []capture.Source{{ID: "screen:0", Kind: capture.SourceScreen}}},
		OpenScreen:    func(capture.Source) (capture.Grabber, error) { return grabber, nil },
	}, nil)
	require.NoError(t, err)
	t.Cleanup(agent.Disconnect)

	require.NoError(t, agent.Connect(context.Background()))

	cfg.ScreenFPS = 0
	require.Error(t, agent.StartScreenShare(context.Background()))
	assert.True(t, grabber.isClosed())
}

func TestAgentScreenShareSelectsWholeScreen(t *testing.T) {
	server, url := startLiveServer(t)

	var opened capture.Source
	agent, _ := testAgent(t, url, nil, Devices{
		ScreenSources: staticSources{sources: []capture.Source{
			{ID: "window:1", Name: "Terminal", Kind: capture.SourceWindow},
			{ID: "screen:0", Name: "Screen 1", Kind: capture.SourceScreen},
		}},
		OpenScreen: func(src capture.Source) (capture.Grabber, error) {
			opened = src
			return &countingGrabber{}, nil
		},
	})

	require.NoError(t, agent.Connect(context.Background()))
	require.NoError(t, agent.StartScreenShare(context.Background()))
	defer agent.StopScreenShare()

	assert.Equal(t, "screen:0", opened.ID)
	waitUntil(t, func() bool { return server.frameCount("image/jpeg") >= 1 }, "no screen frames reached server")
}

func TestAgentRecordingAndMicToggle(t *testing.T) {
	server, url := startLiveServer(t)
	recorder := &fakeRecorder{}
	agent, _ := testAgent(t, url, nil, Devices{Recorder: recorder})

	require.NoError(t, agent.Initialize())
	require.NoError(t, agent.Connect(context.Background()))
	require.NoError(t, agent.StartRecording())

	recorder.emit([]byte{1, 2})
	waitUntil(t, func() bool { return server.frameCount("realtimeInput") == 1 }, "mic chunk never sent")

	// Muted chunks are dropped.
	assert.False(t, agent.ToggleMic())
	recorder.emit([]byte{3, 4})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, server.frameCount("realtimeInput"))

	// Unmuting resumes the stream.
	assert.True(t, agent.ToggleMic())
	recorder.emit([]byte{5, 6})
	waitUntil(t, func() bool { return server.frameCount("realtimeInput") == 2 }, "mic chunk never resumed")
}

func TestAgentStartRecordingGuards(t *testing.T) {
	_, url := startLiveServer(t)
	agent, _ := testAgent(t, url, nil, Devices{Recorder: &fakeRecorder{}})

	assert.ErrorIs(t, agent.StartRecording(), ErrNotInitialized)

	require.NoError(t, agent.Initialize())
	assert.ErrorIs(t, agent.StartRecording(), ErrNotConnected)
}

func TestAgentInitializeIsIdempotent(t *testing.T) {
	_, url := startLiveServer(t)
	agent, _ := testAgent(t, url, nil, Devices{})

	require.NoError(t, agent.Initialize())
	require.NoError(t, agent.Initialize())
}

func TestAgentQuotaCloseHaltsMicAndScreenNotCamera(t *testing.T) {
	server, url := startLiveServer(t)
	recorder := &fakeRecorder{}
	cameraGrabber := &countingGrabber{}
	screenGrabber := &countingGrabber{}
	agent, log := testAgent(t, url, nil, Devices{
		Recorder:      recorder,
		OpenCamera:    func() (capture.Grabber, error) { return cameraGrabber, nil },
		ScreenSources: staticSources{sources: []capture.Source{{ID: "screen:0", Kind: capture.SourceScreen}}},
		OpenScreen:    func(capture.Source) (capture.Grabber, error) { return screenGrabber, nil },
	})

	require.NoError(t, agent.Initialize())
	require.NoError(t, agent.Connect(context.Background()))
	require.NoError(t, agent.StartRecording())
	require.NoError(t, agent.StartCameraCapture(context.Background()))
	require.NoError(t, agent.StartScreenShare(context.Background()))

	server.closeWithCode(t, websocket.CloseInternalServerErr, "quota exhausted")

	waitUntil(t, func() bool { return log.has("quota_exceeded") }, "no quota event")
	waitUntil(t, func() bool { return recorder.isStopped() }, "recorder not halted")
	assert.True(t, log.has("disconnected"))

	// Screen capture halts; the camera keeps grabbing.
	screenSettled := screenGrabber.count()
	cameraBefore := cameraGrabber.count()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, screenSettled, screenGrabber.count())
	assert.Greater(t, cameraGrabber.count(), cameraBefore)
}

func TestAgentAuthCloseEmitsAuthError(t *testing.T) {
	server, url := startLiveServer(t)
	agent, log := testAgent(t, url, nil, Devices{})

	require.NoError(t, agent.Connect(context.Background()))
	server.closeWithCode(t, websocket.ClosePolicyViolation, "bad credentials")

	waitUntil(t, func() bool { return log.has("auth_error") }, "no auth event")
}

func TestAgentNormalCloseEmitsNeither(t *testing.T) {
	server, url := startLiveServer(t)
	agent, log := testAgent(t, url, nil, Devices{})

	require.NoError(t, agent.Connect(context.Background()))
	server.closeWithCode(t, websocket.CloseNormalClosure, "bye")

	waitUntil(t, func() bool { return log.has("disconnected") }, "no disconnect event")
	assert.False(t, log.has("quota_exceeded"))
	assert.False(t, log.has("auth_error"))
}

func TestAgentDisconnectIsSafeAndResets(t *testing.T) {
	_, url := startLiveServer(t)
	recorder := &fakeRecorder{}
	cameraGrabber := &countingGrabber{}
	agent, _ := testAgent(t, url, nil, Devices{
		Recorder:   recorder,
		OpenCamera: func() (capture.Grabber, error) { return cameraGrabber, nil },
	})

	// Before any connect.
	agent.Disconnect()

	require.NoError(t, agent.Initialize())
	require.NoError(t, agent.Connect(context.Background()))
	require.NoError(t, agent.StartRecording())
	require.NoError(t, agent.StartCameraCapture(context.Background()))

	agent.Disconnect()
	agent.Disconnect()

	assert.True(t, recorder.isStopped())
	assert.True(t, cameraGrabber.isClosed())
	assert.False(t, agent.Connected())

	// Flags are reset: recording now requires initializing again.
	assert.ErrorIs(t, agent.StartRecording(), ErrNotInitialized)
}

func TestAgentConnectWhileOpenIsNoop(t *testing.T) {
	server, url := startLiveServer(t)
	agent, _ := testAgent(t, url, nil, Devices{})

	require.NoError(t, agent.Connect(context.Background()))
	require.NoError(t, agent.Connect(context.Background()))

	waitUntil(t, func() bool { return server.frameCount(`"setup"`) >= 1 }, "no setup frame")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, server.frameCount(`"setup"`))
}

func TestAgentRejectsInvalidConfig(t *testing.T) {
	_, err := NewAgent(nil, nil, Devices{}, nil)
	assert.Error(t, err)

	_, err = NewAgent(&config.Config{}, nil, Devices{}, nil)
	assert.Error(t, err)
}
