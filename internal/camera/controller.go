package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/LudwikBielczynski/buildme-car/internal/metrics"
)

// DefaultFirstFrameTimeout bounds how long Start waits for the worker to
// publish its first frame.
const DefaultFirstFrameTimeout = 10 * time.Second

// Status is a snapshot of the controller state.
type Status struct {
	Streaming       bool   `json:"streaming"`
	LastError       string `json:"lastError,omitempty"`
	FramesPublished uint64 `json:"framesPublished"`
}

// Options tune a Controller. Zero values select defaults.
type Options struct {
	FirstFrameTimeout time.Duration
}

// Controller owns the stream lifecycle for one camera device: it spawns the
// worker that pulls frames from the source, holds the single most-recent
// frame, and wakes consumers through the broadcast.
//
// Lock order: opMu serializes Start/Stop/CaptureStill and is never taken by
// the worker. mu guards the frame slot and streaming flag and is held only
// for short, non-blocking sections. Neither is held while waiting for the
// worker or for a frame, and mu is never held while notifying consumers.
type Controller struct {
	name   string
	open   Opener
	still  StillCapturer
	logger *zap.Logger

	firstFrameTimeout time.Duration
	broadcast         *Broadcast

	// opMu serializes lifecycle transitions. cancel/done belong to the
	// current worker and are accessed only under opMu (plus the generation
	// check in Start's timeout rollback).
	opMu   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards the shared frame slot.
	mu        sync.Mutex
	frame     []byte
	streaming bool
	lastErr   string

	frames atomic.Uint64
}

// NewController creates a controller for the named device. still may be nil
// when the source has no one-shot capture support.
func NewController(name string, open Opener, still StillCapturer, logger *zap.Logger, opts Options) *Controller {
	timeout := opts.FirstFrameTimeout
	if timeout <= 0 {
		timeout = DefaultFirstFrameTimeout
	}
	return &Controller{
		name:              name,
		open:              open,
		still:             still,
		logger:            logger.With(zap.String("camera", name)),
		firstFrameTimeout: timeout,
		broadcast:         NewBroadcast(),
	}
}

// Subscribe registers a frame consumer. The caller must Close the
// subscription when done.
func (c *Controller) Subscribe() *Subscription {
	return c.broadcast.Subscribe()
}

// Start transitions the controller to streaming. It spawns exactly one
// worker and returns once the first frame has been published. When already
// streaming it returns nil immediately without re-waiting: a frame is
// already on its way or present.
//
// On timeout the worker is cancelled, the state rolls back to idle and
// ErrFirstFrameTimeout is returned. Callers may retry, ideally with backoff:
// immediate retries thrash the capture hardware.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		c.opMu.Unlock()
		return nil
	}
	c.streaming = true
	c.lastErr = ""
	c.mu.Unlock()
	metrics.Streaming.Set(1)

	// Subscribe before the worker exists so the first frame cannot be missed.
	sub := c.broadcast.Subscribe()
	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	go c.run(workerCtx, done)
	c.opMu.Unlock()

	defer sub.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, c.firstFrameTimeout)
	defer waitCancel()
	if sub.Wait(waitCtx) {
		return nil
	}

	// No first frame. Roll back, but only if the worker we spawned is still
	// the current one (a concurrent Stop may already have torn it down).
	c.opMu.Lock()
	if c.done == done {
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
		metrics.Streaming.Set(0)
		cancel()
		<-done
		c.cancel, c.done = nil, nil
	}
	c.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Warn("no first frame within timeout", zap.Duration("timeout", c.firstFrameTimeout))
	return ErrFirstFrameTimeout
}

// Stop transitions the controller to idle and blocks until the worker has
// terminated. The join is unbounded; callers needing a bound must wrap the
// call. Idempotent.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.streaming = false
	c.mu.Unlock()
	metrics.Streaming.Set(0)

	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel, c.done = nil, nil
	}
}

// Frame blocks on the subscription until the next frame is published, then
// returns it. Before the first frame ever, it blocks until streaming begins
// and produces one; calling Frame while idle therefore blocks until ctx is
// done. That hazard is by contract: callers start the stream first.
func (c *Controller) Frame(ctx context.Context, sub *Subscription) ([]byte, error) {
	if !sub.Wait(ctx) {
		return nil, ctx.Err()
	}
	c.mu.Lock()
	frame := c.frame
	c.mu.Unlock()
	return frame, nil
}

// CaptureStill captures a single image to path, pausing the streaming loop
// for the duration when it is active. The streaming flag stays set during
// the pause, so Status keeps reporting streaming and consumers simply see a
// gap between frames.
func (c *Controller) CaptureStill(ctx context.Context, path string) error {
	if c.still == nil {
		return errors.New("camera: still capture not supported by this source")
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	resume := false
	if c.cancel != nil {
		c.mu.Lock()
		running := c.streaming
		c.mu.Unlock()
		if running {
			c.cancel()
			<-c.done
			c.cancel, c.done = nil, nil
			resume = true
		}
	}

	err := c.still.CaptureStill(ctx, path)

	if resume {
		workerCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		c.cancel, c.done = cancel, done
		go c.run(workerCtx, done)
	}

	if err != nil {
		metrics.StillsCapturedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("capture still to %s: %w", path, err)
	}
	metrics.StillsCapturedTotal.WithLabelValues("ok").Inc()
	c.logger.Info("still captured", zap.String("path", path))
	return nil
}

// Status returns a snapshot of the controller state. A recorded source
// failure stays visible here until the next successful Start.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Streaming:       c.streaming,
		LastError:       c.lastErr,
		FramesPublished: c.frames.Load(),
	}
}

// FramesPublished returns the total number of frames published since the
// controller was created.
func (c *Controller) FramesPublished() uint64 {
	return c.frames.Load()
}

// run is the stream worker. Cancellation is cooperative: the flag and ctx
// are checked once per iteration, so stopping is bounded by the latency of
// a single source read.
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	c.logger.Info("stream worker starting")

	src, err := c.open(ctx)
	if err != nil {
		c.failStop(fmt.Errorf("open source: %w", err))
		return
	}
	defer src.Close()

	for {
		if ctx.Err() != nil {
			c.logger.Info("stream worker cancelled")
			return
		}
		c.mu.Lock()
		streaming := c.streaming
		c.mu.Unlock()
		if !streaming {
			c.logger.Info("stream worker stopping")
			return
		}

		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("stream worker cancelled")
				return
			}
			if errors.Is(err, io.EOF) {
				// Exhausted source: terminate normally and leave the
				// streaming flag as the caller last set it.
				c.logger.Info("frame source exhausted",
					zap.Uint64("framesPublished", c.frames.Load()))
				return
			}
			c.failStop(fmt.Errorf("read frame: %w", err))
			return
		}

		c.mu.Lock()
		if !c.streaming {
			c.mu.Unlock()
			c.logger.Info("stream worker stopping")
			return
		}
		c.frame = frame
		c.mu.Unlock()

		c.frames.Add(1)
		metrics.FramesPublishedTotal.Inc()
		c.broadcast.NotifyAll()

		// Yield so consumers get a chance to run between frames.
		runtime.Gosched()
	}
}

// failStop records a terminal source failure and resets the state to idle.
// The failure is never retried here; it surfaces through Status.
func (c *Controller) failStop(err error) {
	c.mu.Lock()
	c.streaming = false
	c.lastErr = err.Error()
	c.mu.Unlock()
	metrics.Streaming.Set(0)
	metrics.SourceFailuresTotal.Inc()
	c.logger.Error("frame source failed", zap.Error(err))
}
