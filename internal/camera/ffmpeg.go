package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// JPEG stream markers.
const (
	jpegMarker byte = 0xFF
	jpegSOI    byte = 0xD8 // start of image
	jpegEOI    byte = 0xD9 // end of image
)

// FFmpegConfig describes the V4L2 capture ffmpeg is asked to perform.
type FFmpegConfig struct {
	Binary    string // ffmpeg executable, default "ffmpeg"
	Device    string // e.g. /dev/video0
	Width     int
	Height    int
	Framerate int
}

func (c FFmpegConfig) binary() string {
	if c.Binary == "" {
		return "ffmpeg"
	}
	return c.Binary
}

// FFmpegSource pulls MJPEG frames from a V4L2 device through an ffmpeg child
// process. Frames arrive on ffmpeg's stdout as a concatenated JPEG stream
// and are split on the SOI/EOI markers.
type FFmpegSource struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *frameScanner
	stderr  *bytes.Buffer
	logger  *zap.Logger

	waitOnce sync.Once
	waitErr  error
}

// OpenFFmpegSource starts the capture process. The process lives until Close
// or until ctx is cancelled, which also unblocks a pending Next.
func OpenFFmpegSource(ctx context.Context, cfg FFmpegConfig, logger *zap.Logger) (*FFmpegSource, error) {
	runCtx, cancel := context.WithCancel(ctx)

	args := []string{
		"-nostdin",
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-input_format", "mjpeg",
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
	}
	if cfg.Framerate > 0 {
		args = append(args, "-framerate", strconv.Itoa(cfg.Framerate))
	}
	args = append(args,
		"-i", cfg.Device,
		"-c:v", "copy",
		"-f", "mjpeg",
		"pipe:1",
	)

	cmd := exec.CommandContext(runCtx, cfg.binary(), args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	logger.Info("capture process started",
		zap.String("device", cfg.Device),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Int("framerate", cfg.Framerate),
	)

	return &FFmpegSource{
		cmd:     cmd,
		cancel:  cancel,
		scanner: newFrameScanner(stdout),
		stderr:  stderr,
		logger:  logger,
	}, nil
}

// Next returns the next JPEG frame. io.EOF means the capture process ended
// cleanly; other errors are terminal.
func (s *FFmpegSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := s.scanner.next()
	if err == nil {
		return frame, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if waitErr := s.wait(); waitErr != nil {
			return nil, fmt.Errorf("ffmpeg exited: %w: %s", waitErr, s.stderrTail())
		}
		return nil, io.EOF
	}
	return nil, fmt.Errorf("read mjpeg stream: %w", err)
}

// Close tears down the capture process. Idempotent.
func (s *FFmpegSource) Close() error {
	s.cancel()
	s.wait()
	return nil
}

func (s *FFmpegSource) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

func (s *FFmpegSource) stderrTail() string {
	const max = 512
	b := s.stderr.Bytes()
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(bytes.TrimSpace(b))
}

// frameScanner splits a concatenated JPEG byte stream into frames.
// Within JPEG entropy-coded data a 0xFF is always followed by a stuffing
// 0x00 or an RST marker, so a bare SOI/EOI pair reliably delimits a frame.
type frameScanner struct {
	br *bufio.Reader
}

func newFrameScanner(r io.Reader) *frameScanner {
	return &frameScanner{br: bufio.NewReaderSize(r, 256*1024)}
}

// next returns one complete frame including its SOI and EOI markers.
// Bytes before the next SOI are discarded (mid-stream attach).
func (f *frameScanner) next() ([]byte, error) {
	// Sync to the next SOI.
	for {
		b, err := f.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != jpegMarker {
			continue
		}
		b, err = f.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == jpegSOI {
			break
		}
		if b == jpegMarker {
			// Could be the first byte of the real marker.
			if err := f.br.UnreadByte(); err != nil {
				return nil, err
			}
		}
	}

	frame := make([]byte, 2, 32*1024)
	frame[0], frame[1] = jpegMarker, jpegSOI
	for {
		b, err := f.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		frame = append(frame, b)
		if b == jpegEOI && frame[len(frame)-2] == jpegMarker {
			return frame, nil
		}
	}
}

// FFmpegStill captures one-shot stills with a short-lived ffmpeg run.
type FFmpegStill struct {
	Config FFmpegConfig
	Logger *zap.Logger
}

// CaptureStill writes a single JPEG frame from the device to path.
func (s *FFmpegStill) CaptureStill(ctx context.Context, path string) error {
	args := []string{
		"-nostdin",
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-i", s.Config.Device,
		"-frames:v", "1",
		"-y", path,
	}
	cmd := exec.CommandContext(ctx, s.Config.binary(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg still capture: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// DetectDevices lists V4L2 capture devices present on the system.
func DetectDevices() ([]string, error) {
	devices, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("scan video devices: %w", err)
	}
	return devices, nil
}
