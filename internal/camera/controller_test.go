package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/LudwikBielczynski/buildme-car/internal/testutil"
)

// fakeSource produces frames carrying their production sequence number.
// After limit frames (when limit > 0) it returns err on the next pull.
type fakeSource struct {
	interval time.Duration
	limit    int
	err      error
	produced atomic.Int64
	closed   atomic.Bool
}

func (f *fakeSource) Next(ctx context.Context) ([]byte, error) {
	if f.limit > 0 && int(f.produced.Load()) >= f.limit {
		return nil, f.err
	}
	if f.interval > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.interval):
		}
	}
	n := f.produced.Add(1)
	return []byte(fmt.Sprintf("%08d", n)), nil
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

// blockedSource never yields a frame; Next returns only on cancellation.
type blockedSource struct{}

func (blockedSource) Next(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockedSource) Close() error { return nil }

// fakeStill records capture calls and a frame-counter probe around the call.
type fakeStill struct {
	mu       sync.Mutex
	calls    int
	paths    []string
	probe    func() uint64
	enter    uint64
	exit     uint64
	duration time.Duration
	err      error
}

func (s *fakeStill) CaptureStill(ctx context.Context, path string) error {
	s.mu.Lock()
	s.calls++
	s.paths = append(s.paths, path)
	if s.probe != nil {
		s.enter = s.probe()
	}
	s.mu.Unlock()
	if s.duration > 0 {
		time.Sleep(s.duration)
	}
	s.mu.Lock()
	if s.probe != nil {
		s.exit = s.probe()
	}
	s.mu.Unlock()
	return s.err
}

func countingOpener(src Source, opens *atomic.Int64) Opener {
	return func(ctx context.Context) (Source, error) {
		opens.Add(1)
		return src, nil
	}
}

func newTestController(t *testing.T, open Opener, still StillCapturer, timeout time.Duration) *Controller {
	t.Helper()
	return NewController("test", open, still, zap.NewNop(), Options{FirstFrameTimeout: timeout})
}

func frameSeq(t *testing.T, frame []byte) int {
	t.Helper()
	n, err := strconv.Atoi(strings.TrimLeft(string(frame), "0"))
	if err != nil {
		t.Fatalf("frame %q carries no sequence number: %v", frame, err)
	}
	return n
}

func TestStartPublishesFirstFrame(t *testing.T) {
	baseline := testutil.NumGoroutines()

	var opens atomic.Int64
	src := &fakeSource{interval: 2 * time.Millisecond}
	c := newTestController(t, countingOpener(src, &opens), nil, time.Second)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := c.Status(); !got.Streaming {
		t.Fatal("status reports not streaming after start")
	}
	if c.FramesPublished() == 0 {
		t.Fatal("start returned before the first frame was published")
	}

	c.Stop()
	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

func TestConcurrentStartsSpawnOneWorker(t *testing.T) {
	baseline := testutil.NumGoroutines()

	var opens atomic.Int64
	src := &fakeSource{interval: 2 * time.Millisecond}
	c := newTestController(t, countingOpener(src, &opens), nil, time.Second)

	const callers = 10
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent start failed: %v", err)
		}
	}

	if got := opens.Load(); got != 1 {
		t.Fatalf("expected exactly 1 worker spawn, sources opened %d times", got)
	}

	c.Stop()
	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

func TestSecondStartReturnsWithoutWaiting(t *testing.T) {
	var opens atomic.Int64
	src := &fakeSource{interval: 2 * time.Millisecond}
	c := newTestController(t, countingOpener(src, &opens), nil, 10*time.Second)
	defer c.Stop()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}

	begin := time.Now()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("second start re-waited for a frame: took %v", elapsed)
	}
	if got := opens.Load(); got != 1 {
		t.Fatalf("second start spawned another worker: %d opens", got)
	}
}

func TestStopJoinsWorkerAndFreezesCounter(t *testing.T) {
	baseline := testutil.NumGoroutines()

	src := &fakeSource{interval: 2 * time.Millisecond}
	var opens atomic.Int64
	c := newTestController(t, countingOpener(src, &opens), nil, time.Second)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Stop()

	if got := c.Status(); got.Streaming {
		t.Fatal("status reports streaming after stop returned")
	}
	counter := c.FramesPublished()
	time.Sleep(50 * time.Millisecond)
	if got := c.FramesPublished(); got != counter {
		t.Fatalf("frames published after stop returned: %d -> %d", counter, got)
	}
	if !src.closed.Load() {
		t.Fatal("source not closed after stop")
	}

	c.Stop() // idempotent
	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

func TestRestartPublishesFreshFrame(t *testing.T) {
	var opens atomic.Int64
	src := &fakeSource{interval: 2 * time.Millisecond}
	c := newTestController(t, countingOpener(src, &opens), nil, time.Second)
	defer c.Stop()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Stop()
	counter := c.FramesPublished()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := c.FramesPublished(); got <= counter {
		t.Fatalf("restart returned without a fresh frame: counter %d -> %d", counter, got)
	}
	if got := opens.Load(); got != 2 {
		t.Fatalf("expected a fresh source per start, opened %d times", got)
	}
}

func TestStartFirstFrameTimeout(t *testing.T) {
	baseline := testutil.NumGoroutines()

	var opens atomic.Int64
	c := newTestController(t, countingOpener(blockedSource{}, &opens), nil, 100*time.Millisecond)

	err := c.Start(context.Background())
	if !errors.Is(err, ErrFirstFrameTimeout) {
		t.Fatalf("expected ErrFirstFrameTimeout, got %v", err)
	}
	if got := c.Status(); got.Streaming {
		t.Fatal("status reports streaming after a timed-out start")
	}

	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

func TestStartCancelledByCaller(t *testing.T) {
	var opens atomic.Int64
	c := newTestController(t, countingOpener(blockedSource{}, &opens), nil, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after caller cancellation")
	}
	if got := c.Status(); got.Streaming {
		t.Fatal("status reports streaming after a cancelled start")
	}
}

func TestConcurrentConsumersSeeMonotonicFrames(t *testing.T) {
	baseline := testutil.NumGoroutines()

	var opens atomic.Int64
	src := &fakeSource{interval: 10 * time.Millisecond}
	c := newTestController(t, countingOpener(src, &opens), nil, time.Second)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	const (
		consumers = 3
		reads     = 5
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan []int, consumers)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := c.Subscribe()
			defer sub.Close()
			seqs := make([]int, 0, reads)
			for len(seqs) < reads {
				frame, err := c.Frame(ctx, sub)
				if err != nil {
					t.Errorf("consumer read failed: %v", err)
					return
				}
				seqs = append(seqs, frameSeq(t, frame))
			}
			results <- seqs
		}()
	}
	wg.Wait()
	close(results)

	got := 0
	for seqs := range results {
		got++
		for i := 1; i < len(seqs); i++ {
			if seqs[i] < seqs[i-1] {
				t.Fatalf("consumer observed frames out of production order: %v", seqs)
			}
		}
	}
	if got != consumers {
		t.Fatalf("only %d of %d consumers completed %d reads", got, consumers, reads)
	}

	c.Stop()
	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

func TestSourceFailureIsFailStop(t *testing.T) {
	baseline := testutil.NumGoroutines()

	var opens atomic.Int64
	src := &fakeSource{interval: 2 * time.Millisecond, limit: 2, err: errors.New("sensor unplugged")}
	c := newTestController(t, countingOpener(src, &opens), nil, time.Second)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Status().Streaming {
		if time.Now().After(deadline) {
			t.Fatal("worker did not fail-stop after the source error")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st := c.Status()
	if !strings.Contains(st.LastError, "sensor unplugged") {
		t.Fatalf("failure not recorded in status: %q", st.LastError)
	}
	if got := opens.Load(); got != 1 {
		t.Fatalf("worker silently retried the source: %d opens", got)
	}

	c.Stop() // still safe after fail-stop
	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

func TestSourceExhaustionLeavesStreamingFlag(t *testing.T) {
	baseline := testutil.NumGoroutines()

	var opens atomic.Int64
	src := &fakeSource{interval: 2 * time.Millisecond, limit: 3, err: io.EOF}
	c := newTestController(t, countingOpener(src, &opens), nil, time.Second)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.FramesPublished() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("source produced %d of 3 frames", c.FramesPublished())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond) // let the worker exit

	st := c.Status()
	if !st.Streaming {
		t.Fatal("exhaustion must leave the streaming flag as the caller set it")
	}
	if st.LastError != "" {
		t.Fatalf("exhaustion recorded as a failure: %q", st.LastError)
	}

	c.Stop()
	if got := c.Status(); got.Streaming {
		t.Fatal("stop after exhaustion did not reset the flag")
	}
	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

func TestCaptureStillPausesAndResumes(t *testing.T) {
	baseline := testutil.NumGoroutines()

	var opens atomic.Int64
	src := &fakeSource{interval: 2 * time.Millisecond}
	c := newTestController(t, countingOpener(src, &opens), nil, time.Second)

	still := &fakeStill{duration: 50 * time.Millisecond}
	still.probe = c.FramesPublished
	c.still = still

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := c.CaptureStill(context.Background(), "/tmp/still.jpg"); err != nil {
		t.Fatalf("capture still: %v", err)
	}

	if got := c.Status(); !got.Streaming {
		t.Fatal("status must report streaming across a still capture")
	}
	if still.calls != 1 {
		t.Fatalf("expected 1 capture call, got %d", still.calls)
	}
	if still.enter != still.exit {
		t.Fatalf("frames published during the capture pause: %d -> %d", still.enter, still.exit)
	}

	// Streaming resumes: the counter moves again.
	after := c.FramesPublished()
	deadline := time.Now().Add(2 * time.Second)
	for c.FramesPublished() == after {
		if time.Now().After(deadline) {
			t.Fatal("streaming did not resume after the still capture")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Stop()
	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

func TestCaptureStillWhileIdle(t *testing.T) {
	var opens atomic.Int64
	still := &fakeStill{}
	src := &fakeSource{interval: 2 * time.Millisecond}
	c := newTestController(t, countingOpener(src, &opens), still, time.Second)

	if err := c.CaptureStill(context.Background(), "/tmp/still.jpg"); err != nil {
		t.Fatalf("capture still while idle: %v", err)
	}
	if got := c.Status(); got.Streaming {
		t.Fatal("still capture while idle must not start streaming")
	}
	if got := opens.Load(); got != 0 {
		t.Fatalf("still capture while idle spawned a worker: %d opens", got)
	}
}

func TestCaptureStillErrorPropagates(t *testing.T) {
	var opens atomic.Int64
	still := &fakeStill{err: errors.New("device busy")}
	src := &fakeSource{interval: 2 * time.Millisecond}
	c := newTestController(t, countingOpener(src, &opens), still, time.Second)
	defer c.Stop()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := c.CaptureStill(context.Background(), "/tmp/still.jpg")
	if err == nil || !strings.Contains(err.Error(), "device busy") {
		t.Fatalf("expected the capture error to propagate, got %v", err)
	}
	// A failed capture must still resume streaming.
	if got := c.Status(); !got.Streaming {
		t.Fatal("streaming flag lost after a failed capture")
	}
}

func TestFrameBlocksWhileIdle(t *testing.T) {
	var opens atomic.Int64
	src := &fakeSource{interval: 2 * time.Millisecond}
	c := newTestController(t, countingOpener(src, &opens), nil, time.Second)

	sub := c.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Frame(ctx, sub); err == nil {
		t.Fatal("frame read while idle must block until cancellation")
	}
}

func TestStopWhileIdleIsNoOp(t *testing.T) {
	var opens atomic.Int64
	src := &fakeSource{interval: 2 * time.Millisecond}
	c := newTestController(t, countingOpener(src, &opens), nil, time.Second)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop on an idle controller blocked")
	}
}
