package audioio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// stopGrace is how long ffmpeg gets to exit after an interrupt before it is killed.
const stopGrace = 1200 * time.Millisecond

// FFmpegSource captures microphone PCM through an ffmpeg subprocess
// writing s16le to stdout.
type FFmpegSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   *bytes.Buffer
	waitErr  chan error
	streamCh chan AudioChunk
	done     chan struct{}

	chunksRead atomic.Int64
	overruns   atomic.Int64
}

// NewFFmpegSource creates an ffmpeg-backed source. Nothing is spawned until Start.
func NewFFmpegSource(cfg Config, logger *slog.Logger) *FFmpegSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegSource{
		cfg:      cfg,
		logger:   logger.With("component", "ffmpeg-source"),
		streamCh: make(chan AudioChunk, 32),
	}
}

func (s *FFmpegSource) args() []string {
	format, device := s.cfg.inputFormat()
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", format,
		"-i", device,
		"-ac", strconv.Itoa(s.cfg.Channels),
		"-ar", strconv.Itoa(s.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// Start spawns ffmpeg. It fails if the process exits during warm-up,
// which is how a missing or denied microphone shows up.
func (s *FFmpegSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	command := s.cfg.Command
	if command == "" {
		command = "ffmpeg"
	}

	cmd := exec.Command(command, s.args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		msg := strings.TrimSpace(stderr.String())
		if err != nil {
			return fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg exited before capture started: %s", msg)
	case <-time.After(250 * time.Millisecond):
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}

	s.cmd = cmd
	s.stdout = stdout
	s.stderr = &stderr
	s.waitErr = waitErr
	s.streamCh = make(chan AudioChunk, 32)
	s.done = make(chan struct{})
	s.running = true

	go s.readLoop(stdout, s.streamCh, s.done)

	s.logger.Info("microphone capture started", "rate", s.cfg.SampleRate, "device", s.cfg.Device)
	return nil
}

func (s *FFmpegSource) readLoop(r io.Reader, out chan<- AudioChunk, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	buf := make([]byte, s.cfg.BufferBytes())
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("microphone read failed", "error", err)
			}
			return
		}

		var chunk AudioChunk
		chunk.FromBytes(buf, s.cfg.SampleRate, s.cfg.Channels)

		// The capture path must never block.
		select {
		case out <- chunk:
			s.chunksRead.Add(1)
		default:
			s.overruns.Add(1)
		}
	}
}

// Stop interrupts ffmpeg, killing it after a grace period.
func (s *FFmpegSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cmd, stdout, waitErr, done := s.cmd, s.stdout, s.waitErr, s.done
	stderr := s.stderr
	s.mu.Unlock()

	_ = cmd.Process.Signal(os.Interrupt)

	var stopErr error
	select {
	case err, ok := <-waitErr:
		if ok {
			stopErr = normalizeExit(err)
		}
	case <-time.After(stopGrace):
		_ = cmd.Process.Kill()
		if err, ok := <-waitErr; ok {
			stopErr = normalizeExit(err)
		}
	}

	if err := stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && stopErr == nil {
		stopErr = err
	}
	<-done

	if stopErr != nil && stderr != nil && stderr.Len() > 0 {
		stopErr = fmt.Errorf("%w: %s", stopErr, strings.TrimSpace(stderr.String()))
	}
	return stopErr
}

func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// Read reads the next audio chunk.
func (s *FFmpegSource) Read(ctx context.Context) (AudioChunk, error) {
	ch := s.Stream()
	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-ch:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Stream returns the audio chunk channel.
func (s *FFmpegSource) Stream() <-chan AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCh
}

// Config returns the audio configuration.
func (s *FFmpegSource) Config() Config { return s.cfg }

// Name returns "ffmpeg".
func (s *FFmpegSource) Name() string { return "ffmpeg" }

// Close stops capture permanently.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// Stats returns source statistics.
func (s *FFmpegSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	chunks := s.chunksRead.Load()
	return SourceStats{
		ChunksRead:  chunks,
		SamplesRead: chunks * int64(s.cfg.BufferSize()*s.cfg.Channels),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     "ffmpeg",
	}
}

var _ SourceWithStats = (*FFmpegSource)(nil)
