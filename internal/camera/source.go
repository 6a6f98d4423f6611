package camera

import (
	"context"
	"errors"
)

// ErrFirstFrameTimeout is returned by Start when the source produces no frame
// within the first-frame timeout. The controller is rolled back to idle.
var ErrFirstFrameTimeout = errors.New("camera: no frame within first-frame timeout")

// Source is a pull-based frame iterator. Next returns the next frame payload,
// io.EOF when the source is exhausted, or any other error on terminal
// failure. The returned slice is owned by the caller; the source must not
// reuse it. Next should honor ctx if the underlying read can be interrupted.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener creates a fresh Source. It is invoked once per stream start; sources
// are not required to be restartable mid-sequence.
type Opener func(ctx context.Context) (Source, error)

// StillCapturer is the one-shot "capture a still image to path" operation.
// The controller serializes it against the streaming loop.
type StillCapturer interface {
	CaptureStill(ctx context.Context, path string) error
}
