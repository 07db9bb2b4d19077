package capture

import (
	"context"
	"fmt"
	"image"
	"sync"

	"golang.org/x/time/rate"

	"github.com/atlaslearn/livecoach/logger"
	"github.com/atlaslearn/livecoach/metrics"
)

// Grabber produces one raw frame per call and owns the native device handle
// behind it. Close releases the handle. Platform backends and tests
// implement it.
type Grabber interface {
	Grab() (image.Image, error)
	Close() error
}

// Options configures one capture pipeline.
type Options struct {
	Kind Kind

	// FPS is the capture rate in frames per second. Must be positive.
	FPS int

	// MaxWidth caps the encoded frame width in pixels. Zero disables
	// downscaling.
	MaxWidth int

	// Quality is the JPEG quality (1-100). Defaults to 70.
	Quality int
}

// Session is one running capture pipeline. It grabs frames at a fixed
// cadence, encodes them, and hands them to the sender until stopped. The
// session owns the grabber once started and releases it when the pipeline
// exits.
type Session struct {
	kind     Kind
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Start launches a capture pipeline. Frames flow to send in capture order;
// a failed grab or send is logged and skipped, it does not stop the session.
// Ownership of the grabber transfers on success only: when Start returns an
// error the caller still holds the device and must release it.
func Start(ctx context.Context, grabber Grabber, send func(jpeg []byte) error, opts Options) (*Session, error) {
	if grabber == nil {
		return nil, fmt.Errorf("nil grabber")
	}
	if send == nil {
		return nil, fmt.Errorf("nil sender")
	}
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %d", opts.FPS)
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 70
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		kind:   opts.Kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, grabber, send, opts)
	return s, nil
}

// Kind reports which pipeline this session drives.
func (s *Session) Kind() Kind { return s.kind }

// Stop halts the pipeline and waits for the capture goroutine to exit. The
// device handle is released by the time Stop returns. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(s.cancel)
	<-s.done
}

func (s *Session) run(ctx context.Context, grabber Grabber, send func([]byte) error, opts Options) {
	kind := string(opts.Kind)
	defer close(s.done)
	defer func() {
		if err := grabber.Close(); err != nil {
			logger.Warn("releasing capture device failed", "kind", kind, "error", err)
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(opts.FPS), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		frame, err := grabber.Grab()
		if err != nil {
			logger.Warn("frame grab failed", "kind", kind, "error", err)
			metrics.RecordFrame(kind, "grab_error")
			continue
		}

		encoded, err := EncodeFrame(frame, opts.MaxWidth, opts.Quality)
		if err != nil {
			logger.Warn("frame encode failed", "kind", kind, "error", err)
			metrics.RecordFrame(kind, "encode_error")
			continue
		}

		if err := send(encoded); err != nil {
			logger.Warn("frame send failed", "kind", kind, "error", err)
			metrics.RecordFrame(kind, "send_error")
			continue
		}
		metrics.RecordFrame(kind, "sent")
	}
}
