// Package playback buffers and plays model audio chunks in arrival order.
//
// A Sequencer tracks one logical utterance at a time: the first chunk after
// idle starts an utterance and fires a stream-start notification exactly
// once; an interruption hard-stops playback and flushes unplayed audio; turn
// completion soft-stops, letting queued audio drain. Stream start/stop
// notifications strictly alternate, at most one stop per start.
package playback

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/atlaslearn/livecoach/logger"
	"github.com/atlaslearn/livecoach/metrics"
)

// ErrSequencerClosed is returned when chunks arrive after Close.
var ErrSequencerClosed = errors.New("playback sequencer closed")

// Sink is the audio output surface. Write blocks until the chunk is accepted
// by the device; implementations are driven from a single goroutine.
type Sink interface {
	Write(pcm []byte) error
	Close() error
}

// SinkFactory creates the output surface. Invoked lazily on the first audio
// chunk, not at session start.
type SinkFactory func() (Sink, error)

// Config configures a Sequencer.
type Config struct {
	// SinkFactory creates the playback sink on first use. Required.
	SinkFactory SinkFactory

	// OnStreamStart fires once per utterance when playback begins.
	OnStreamStart func(utteranceID string)

	// OnStreamStop fires once per utterance when playback ends,
	// whether by interruption or by turn completion.
	OnStreamStop func(utteranceID string)
}

// Sequencer orders audio chunks for playback. States: idle, streaming.
type Sequencer struct {
	cfg Config

	mu          sync.Mutex
	sink        Sink
	closed      bool
	streaming   bool
	draining    bool
	utteranceID string
	queue       [][]byte
	wake        chan struct{}
}

// NewSequencer creates an idle sequencer. No audio resources are acquired
// until the first chunk arrives.
func NewSequencer(cfg Config) *Sequencer {
	return &Sequencer{cfg: cfg}
}

// Streaming reports whether an utterance is currently playing.
func (s *Sequencer) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Enqueue appends one decoded PCM chunk to the playback queue in arrival
// order. The first chunk after idle begins a new utterance: the sink is
// created if needed, a drain goroutine starts, and the stream-start
// notification fires exactly once.
func (s *Sequencer) Enqueue(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSequencerClosed
	}

	var startedID string
	if !s.streaming {
		if s.sink == nil {
			sink, err := s.cfg.SinkFactory()
			if err != nil {
				s.mu.Unlock()
				return err
			}
			s.sink = sink
		}
		s.streaming = true
		s.draining = false
		s.utteranceID = uuid.NewString()
		s.queue = nil
		s.wake = make(chan struct{}, 1)
		startedID = s.utteranceID
		go s.drainLoop(s.utteranceID, s.wake)
	}

	s.queue = append(s.queue, pcm)
	s.signalLocked()
	s.mu.Unlock()

	if startedID != "" && s.cfg.OnStreamStart != nil {
		s.cfg.OnStreamStart(startedID)
	}
	return nil
}

// Interrupt hard-stops the current utterance: all unplayed audio is flushed
// and the stream-stop notification fires once. A no-op when already idle, so
// stop notifications never outnumber starts.
func (s *Sequencer) Interrupt() {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return
	}
	id := s.utteranceID
	s.streaming = false
	s.draining = false
	s.queue = nil
	s.signalLocked()
	s.mu.Unlock()

	metrics.RecordUtteranceEnd("interrupted")
	if s.cfg.OnStreamStop != nil {
		s.cfg.OnStreamStop(id)
	}
}

// Finish soft-stops the current utterance: already-queued audio plays out,
// then the stream-stop notification fires once. A no-op when already idle.
func (s *Sequencer) Finish() {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.signalLocked()
	s.mu.Unlock()
}

// Close interrupts any active utterance and releases the sink. Idempotent.
func (s *Sequencer) Close() error {
	s.Interrupt()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()

	if sink != nil {
		return sink.Close()
	}
	return nil
}

// drainLoop plays queued chunks for one utterance. It exits silently when
// the utterance was interrupted (Interrupt already notified) and performs the
// soft-stop transition itself when draining completes.
func (s *Sequencer) drainLoop(id string, wake <-chan struct{}) {
	for {
		s.mu.Lock()
		if !s.streaming || s.utteranceID != id {
			s.mu.Unlock()
			return
		}

		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			sink := s.sink
			s.mu.Unlock()

			if err := sink.Write(chunk); err != nil {
				logger.Warn("playback sink write failed", "error", err)
			}
			metrics.RecordAudioChunkPlayed()
			continue
		}

		if s.draining {
			s.streaming = false
			s.draining = false
			s.mu.Unlock()

			metrics.RecordUtteranceEnd("completed")
			if s.cfg.OnStreamStop != nil {
				s.cfg.OnStreamStop(id)
			}
			return
		}
		s.mu.Unlock()

		<-wake
	}
}

// signalLocked wakes the drain goroutine without blocking. Must be called
// with the mutex held.
func (s *Sequencer) signalLocked() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
