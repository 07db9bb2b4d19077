package playback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records writes and optionally blocks until released so tests can
// pin chunks in the queue.
type fakeSink struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	gate    chan struct{}
}

func (f *fakeSink) Write(pcm []byte) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, pcm)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

type notifications struct {
	mu     sync.Mutex
	starts []string
	stops  []string
}

func (n *notifications) onStart(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.starts = append(n.starts, id)
}

func (n *notifications) onStop(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stops = append(n.stops, id)
}

func (n *notifications) snapshot() (starts, stops []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.starts...), append([]string(nil), n.stops...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
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

func newTestSequencer(sink *fakeSink, n *notifications) *Sequencer {
	return NewSequencer(Config{
		SinkFactory:   func() (Sink, error) { return sink, nil },
		OnStreamStart: n.onStart,
		OnStreamStop:  n.onStop,
	})
}

func TestSequencerPlaysChunksInOrder(t *testing.T) {
	sink := &fakeSink{}
	n := &notifications{}
	seq := newTestSequencer(sink, n)
	defer seq.Close()

	require.NoError(t, seq.Enqueue([]byte{1}))
	require.NoError(t, seq.Enqueue([]byte{2}))
	require.NoError(t, seq.Enqueue([]byte{3}))
	seq.Finish()

	waitFor(t, func() bool { return !seq.Streaming() }, "utterance never drained")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.written, 3)
	assert.Equal(t, []byte{1}, sink.written[0])
	assert.Equal(t, []byte{2}, sink.written[1])
	assert.Equal(t, []byte{3}, sink.written[2])
}

func TestSequencerStartStopFireOncePerUtterance(t *testing.T) {
	sink := &fakeSink{}
	n := &notifications{}
	seq := newTestSequencer(sink, n)
	defer seq.Close()

	require.NoError(t, seq.Enqueue([]byte{1}))
	require.NoError(t, seq.Enqueue([]byte{2}))
	seq.Finish()
	waitFor(t, func() bool { return !seq.Streaming() }, "first utterance never drained")

	require.NoError(t, seq.Enqueue([]byte{3}))
	seq.Finish()
	waitFor(t, func() bool { return !seq.Streaming() }, "second utterance never drained")

	starts, stops := n.snapshot()
	require.Len(t, starts, 2)
	require.Len(t, stops, 2)
	assert.Equal(t, starts[0], stops[0])
	assert.Equal(t, starts[1], stops[1])
	assert.NotEqual(t, starts[0], starts[1])
}

func TestSequencerInterruptFlushesQueue(t *testing.T) {
	sink := &fakeSink{gate: make(chan struct{})}
	n := &notifications{}
	seq := newTestSequencer(sink, n)
	defer seq.Close()

	require.NoError(t, seq.Enqueue([]byte{1}))
	require.NoError(t, seq.Enqueue([]byte{2}))
	require.NoError(t, seq.Enqueue([]byte{3}))

	seq.Interrupt()
	close(sink.gate)

	waitFor(t, func() bool { return !seq.Streaming() }, "interrupt never settled")

	// At most the in-flight chunk reaches the sink; the rest is flushed.
	assert.LessOrEqual(t, sink.writeCount(), 1)

	starts, stops := n.snapshot()
	require.Len(t, starts, 1)
	require.Len(t, stops, 1)
	assert.Equal(t, starts[0], stops[0])
}

func TestSequencerInterruptWhileIdleIsNoop(t *testing.T) {
	sink := &fakeSink{}
	n := &notifications{}
	seq := newTestSequencer(sink, n)
	defer seq.Close()

	seq.Interrupt()
	seq.Interrupt()

	_, stops := n.snapshot()
	assert.Empty(t, stops)
}

func TestSequencerFinishWhileIdleIsNoop(t *testing.T) {
	sink := &fakeSink{}
	n := &notifications{}
	seq := newTestSequencer(sink, n)
	defer seq.Close()

	seq.Finish()

	starts, stops := n.snapshot()
	assert.Empty(t, starts)
	assert.Empty(t, stops)
}

func TestSequencerSinkCreatedLazily(t *testing.T) {
	created := 0
	seq := NewSequencer(Config{
		SinkFactory: func() (Sink, error) {
			created++
			return &fakeSink{}, nil
		},
	})
	defer seq.Close()

	assert.Equal(t, 0, created)

	require.NoError(t, seq.Enqueue([]byte{1}))
	assert.Equal(t, 1, created)

	seq.Finish()
	waitFor(t, func() bool { return !seq.Streaming() }, "utterance never drained")

	// The sink is reused across utterances.
	require.NoError(t, seq.Enqueue([]byte{2}))
	assert.Equal(t, 1, created)
}

func TestSequencerSinkFactoryError(t *testing.T) {
	sinkErr := errors.New("no output device")
	seq := NewSequencer(Config{
		SinkFactory: func() (Sink, error) { return nil, sinkErr },
	})
	defer seq.Close()

	err := seq.Enqueue([]byte{1})
	require.ErrorIs(t, err, sinkErr)
	assert.False(t, seq.Streaming())
}

func TestSequencerCloseReleasesSink(t *testing.T) {
	sink := &fakeSink{}
	n := &notifications{}
	seq := newTestSequencer(sink, n)

	require.NoError(t, seq.Enqueue([]byte{1}))
	require.NoError(t, seq.Close())

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	assert.True(t, closed)

	assert.ErrorIs(t, seq.Enqueue([]byte{2}), ErrSequencerClosed)
	assert.NoError(t, seq.Close())
}
