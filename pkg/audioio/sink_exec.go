package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
)

// ExecSink plays raw PCM16 by piping it into a player process
// (aplay by default, ffplay when Command names it).
type ExecSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
	clears         atomic.Int64
}

// NewExecSink creates a subprocess-backed sink.
func NewExecSink(cfg Config, logger *slog.Logger) *ExecSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSink{cfg: cfg, logger: logger.With("component", "exec-sink")}
}

func (s *ExecSink) command() (string, []string) {
	command := s.cfg.Command
	if command == "" {
		command = "aplay"
	}
	rate := strconv.Itoa(s.cfg.SampleRate)
	channels := strconv.Itoa(s.cfg.Channels)

	if filepath.Base(command) == "ffplay" {
		return command, []string{
			"-nodisp", "-autoexit", "-loglevel", "quiet",
			"-f", "s16le", "-ar", rate, "-ac", channels, "-i", "-",
		}
	}

	args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", channels}
	if s.cfg.Device != "" {
		args = append(args, "-D", s.cfg.Device)
	}
	return command, append(args, "-")
}

// Start launches the player process.
func (s *ExecSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}
	if err := s.spawnLocked(); err != nil {
		return err
	}
	s.running = true
	return nil
}

func (s *ExecSink) spawnLocked() error {
	name, args := s.command()
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("player stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *ExecSink) killLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.stdin = nil
}

// Write pipes a chunk to the player. It blocks while the pipe is full,
// which paces writers at real time.
func (s *ExecSink) Write(ctx context.Context, chunk AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || !s.running || s.stdin == nil {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	stdin := s.stdin
	s.mu.Unlock()

	if chunk.SampleRate != 0 && chunk.SampleRate != s.cfg.SampleRate {
		chunk.Samples = Resample(chunk.Samples, chunk.SampleRate, s.cfg.SampleRate)
	}
	if _, err := stdin.Write(SamplesToBytes(chunk.Samples)); err != nil {
		return fmt.Errorf("write to player: %w", err)
	}
	s.chunksWritten.Add(1)
	s.samplesWritten.Add(int64(len(chunk.Samples)))
	return nil
}

// Flush is a no-op; the player drains its own buffer.
func (s *ExecSink) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Clear drops whatever the player has buffered by restarting it.
func (s *ExecSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clears.Add(1)
	if !s.running {
		return nil
	}
	s.killLocked()
	return s.spawnLocked()
}

// Stop terminates the player.
func (s *ExecSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.killLocked()
	return nil
}

// Config returns the audio configuration.
func (s *ExecSink) Config() Config { return s.cfg }

// Name returns "exec".
func (s *ExecSink) Name() string { return "exec" }

// Close stops the sink permanently.
func (s *ExecSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// Stats returns sink statistics.
func (s *ExecSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SinkStats{
		ChunksWritten:  s.chunksWritten.Load(),
		SamplesWritten: s.samplesWritten.Load(),
		Clears:         s.clears.Load(),
		Running:        running,
		Backend:        "exec",
	}
}

var _ SinkWithStats = (*ExecSink)(nil)
