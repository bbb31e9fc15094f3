// Package rtpsink streams playback audio as Opus over RTP, for speakers or
// hearing-aid bridges that sit on the network instead of the local sound card.
package rtpsink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"

	"github.com/teslashibe/go-narrator/pkg/audioio"
)

const (
	// PayloadType is the dynamic payload type conventionally used for Opus.
	PayloadType = 111

	frameDuration = 20 * time.Millisecond
	// Opus RTP timestamps always tick at 48kHz (RFC 7587).
	rtpClockRate = 48000
	queueFrames  = 50
	maxPacket    = 1500
)

// Sink is an audioio.Sink that Opus-encodes 20ms frames and sends them as
// RTP packets at real-time pace.
type Sink struct {
	cfg    audioio.Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	conn    net.Conn
	enc     *opus.Encoder
	pending []int16
	queue   chan []byte
	stopCh  chan struct{}
	doneCh  chan struct{}

	seq  uint16
	ts   uint32
	ssrc uint32

	packetsSent    atomic.Int64
	samplesWritten atomic.Int64
	underruns      atomic.Int64
	clears         atomic.Int64
}

// New creates an RTP sink for cfg.RTPAddr. Opus only supports 8, 12, 16,
// 24 and 48kHz, so other rates are rejected.
func New(cfg audioio.Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	switch cfg.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("opus does not support %d Hz", cfg.SampleRate)
	}
	if logger == nil {
		logger = slog.Default()
	}

	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	return &Sink{
		cfg:    cfg,
		logger: logger.With("component", "rtp-sink", "addr", cfg.RTPAddr),
		enc:    enc,
		seq:    uint16(rand.Uint32()),
		ts:     rand.Uint32(),
		ssrc:   rand.Uint32(),
	}, nil
}

func (s *Sink) frameSamples() int {
	return s.cfg.SampleRate * s.cfg.Channels * int(frameDuration/time.Millisecond) / 1000
}

// Start dials the UDP destination and starts the paced sender.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", s.cfg.RTPAddr)
	if err != nil {
		return fmt.Errorf("dial rtp destination: %w", err)
	}

	s.conn = conn
	s.queue = make(chan []byte, queueFrames)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	go s.sendLoop(conn, s.queue, s.stopCh, s.doneCh)

	s.logger.Info("rtp audio sink started", "rate", s.cfg.SampleRate)
	return nil
}

func (s *Sink) sendLoop(conn net.Conn, queue <-chan []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	step := uint32(rtpClockRate * frameDuration / time.Second)
	first := true

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		var payload []byte
		select {
		case payload = <-queue:
		default:
			s.underruns.Add(1)
			first = true
			continue
		}

		s.mu.Lock()
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         first,
				PayloadType:    PayloadType,
				SequenceNumber: s.seq,
				Timestamp:      s.ts,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		}
		s.seq++
		s.ts += step
		s.mu.Unlock()
		first = false

		raw, err := pkt.Marshal()
		if err != nil {
			s.logger.Warn("marshal rtp packet", "error", err)
			continue
		}
		if _, err := conn.Write(raw); err != nil {
			s.logger.Debug("rtp send failed", "error", err)
			continue
		}
		s.packetsSent.Add(1)
	}
}

// Write encodes whole 20ms frames and queues them. A partial frame is kept
// until the next Write. It blocks while a second of audio is already queued.
func (s *Sink) Write(ctx context.Context, chunk audioio.AudioChunk) error {
	s.mu.Lock()
	if s.closed || !s.running {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}

	samples := chunk.Samples
	if chunk.SampleRate != 0 && chunk.SampleRate != s.cfg.SampleRate {
		samples = audioio.Resample(samples, chunk.SampleRate, s.cfg.SampleRate)
	}
	s.pending = append(s.pending, samples...)
	s.samplesWritten.Add(int64(len(samples)))

	n := s.frameSamples()
	var frames [][]byte
	for len(s.pending) >= n {
		buf := make([]byte, maxPacket)
		size, err := s.enc.Encode(s.pending[:n], buf)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("opus encode: %w", err)
		}
		frames = append(frames, buf[:size])
		s.pending = s.pending[n:]
	}
	queue := s.queue
	s.mu.Unlock()

	for _, f := range frames {
		select {
		case queue <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Flush waits until every queued frame has been sent.
func (s *Sink) Flush(ctx context.Context) error {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		queued := 0
		if s.queue != nil {
			queued = len(s.queue)
		}
		s.mu.Unlock()
		if queued == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Clear drops queued frames and any partial frame.
func (s *Sink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = s.pending[:0]
	s.clears.Add(1)
	if s.queue == nil {
		return nil
	}
	for {
		select {
		case <-s.queue:
		default:
			return nil
		}
	}
}

// Stop halts the sender and closes the socket.
func (s *Sink) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done, conn := s.doneCh, s.conn
	s.mu.Unlock()

	<-done
	return conn.Close()
}

// Config returns the audio configuration.
func (s *Sink) Config() audioio.Config { return s.cfg }

// Name returns "rtp".
func (s *Sink) Name() string { return "rtp" }

// Close stops the sink permanently.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// Stats returns sink statistics.
func (s *Sink) Stats() audioio.SinkStats {
	s.mu.Lock()
	running := s.running
	buffered := int64(len(s.pending))
	if s.queue != nil {
		buffered += int64(len(s.queue) * s.frameSamples())
	}
	s.mu.Unlock()

	return audioio.SinkStats{
		ChunksWritten:   s.packetsSent.Load(),
		SamplesWritten:  s.samplesWritten.Load(),
		Underruns:       s.underruns.Load(),
		Clears:          s.clears.Load(),
		Running:         running,
		Backend:         "rtp",
		BufferedSamples: buffered,
	}
}

var _ audioio.SinkWithStats = (*Sink)(nil)
