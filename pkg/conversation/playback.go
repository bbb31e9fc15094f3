package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/teslashibe/go-narrator/pkg/audioio"
	"github.com/teslashibe/go-narrator/pkg/debug"
)

// Segment is one scheduled piece of playback.
type Segment struct {
	ID       uint64
	Start    time.Time
	Duration time.Duration
}

// End returns when the segment finishes playing.
func (s Segment) End() time.Time {
	return s.Start.Add(s.Duration)
}

type pendingSegment struct {
	Segment
	timer *clock.Timer
}

// Scheduler queues decoded audio gaplessly onto a Sink. A segment starts
// at max(next, now) and advances next by its duration, so segments never
// overlap and never start in the past. Interrupt clears every pending
// segment and resets next to now under the same lock that Schedule takes.
//
// Sink writes happen on a writer goroutine so a slow device never blocks
// the caller. Jobs queued before an interrupt are discarded by generation.
type Scheduler struct {
	clock  clock.Clock
	sink   audioio.Sink
	logger *slog.Logger

	mu      sync.Mutex
	next    time.Time
	pending map[uint64]*pendingSegment
	seq     uint64
	gen     uint64

	// running is guarded by mu; the writer owns the sink while it runs.
	running bool
	jobs    chan writeJob
	stop    chan struct{}
	done    chan struct{}

	// OnActiveChange fires when playback starts or drains.
	OnActiveChange func(active bool)
}

type writeJob struct {
	gen   uint64
	chunk audioio.AudioChunk
}

// writeQueue is deep enough for several seconds of model audio.
const writeQueue = 256

// NewScheduler creates a scheduler writing to sink.
func NewScheduler(sink audioio.Sink, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:   clk,
		sink:    sink,
		logger:  logger.With("component", "playback"),
		pending: make(map[uint64]*pendingSegment),
	}
}

// Start opens the sink and starts the writer. Schedule calls it lazily.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Scheduler) startLocked(ctx context.Context) error {
	if s.running {
		return nil
	}
	if err := s.sink.Start(ctx); err != nil {
		return fmt.Errorf("start sink: %w", err)
	}
	s.running = true
	s.jobs = make(chan writeJob, writeQueue)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.writeLoop(s.jobs, s.stop, s.done)
	return nil
}

// Schedule queues buf behind any pending audio. A done ctx schedules
// nothing and never restarts a stopped sink.
func (s *Scheduler) Schedule(ctx context.Context, buf audioio.Buffer) (Segment, error) {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return Segment{}, err
	}
	if err := s.startLocked(ctx); err != nil {
		s.mu.Unlock()
		return Segment{}, err
	}

	now := s.clock.Now()
	start := s.next
	if start.Before(now) {
		start = now
	}
	s.seq++
	seg := Segment{ID: s.seq, Start: start, Duration: buf.Duration()}
	s.next = seg.End()
	debug.FrameLog("🔊 segment %d at +%v for %v\n", seg.ID, start.Sub(now), seg.Duration)

	gen := s.gen
	wasIdle := len(s.pending) == 0
	ps := &pendingSegment{Segment: seg}
	ps.timer = s.clock.AfterFunc(seg.End().Sub(now), func() { s.finish(seg.ID, gen) })
	s.pending[seg.ID] = ps
	jobs, stop := s.jobs, s.stop
	s.mu.Unlock()

	if wasIdle {
		s.notify(true)
	}

	select {
	case jobs <- writeJob{gen: gen, chunk: buf.Chunk()}:
		return seg, nil
	case <-stop:
		return seg, nil
	case <-ctx.Done():
		s.drop(seg, gen)
		return seg, ctx.Err()
	}
}

// drop unschedules a segment whose audio never reached the writer.
func (s *Scheduler) drop(seg Segment, gen uint64) {
	s.mu.Lock()
	ps, ok := s.pending[seg.ID]
	if gen != s.gen || !ok {
		s.mu.Unlock()
		return
	}
	ps.timer.Stop()
	delete(s.pending, seg.ID)
	if s.next.Equal(seg.End()) {
		s.next = seg.Start
	}
	drained := len(s.pending) == 0
	s.mu.Unlock()

	if drained {
		s.notify(false)
	}
}

func (s *Scheduler) writeLoop(jobs <-chan writeJob, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case job := <-jobs:
			if job.gen != s.generation() {
				continue
			}
			if err := s.sink.Write(ctx, job.chunk); err != nil && job.gen == s.generation() {
				s.logger.Warn("sink write failed", "error", err)
			}
		}
	}
}

// finish drops a segment whose end time passed.
func (s *Scheduler) finish(id, gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if _, ok := s.pending[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	drained := len(s.pending) == 0
	s.mu.Unlock()

	if drained {
		s.notify(false)
	}
}

// Interrupt stops playback, clears the queue and resets the clock to now.
// It returns the number of segments dropped.
func (s *Scheduler) Interrupt() int {
	n := s.reset()

	s.mu.Lock()
	running, jobs := s.running, s.jobs
	s.mu.Unlock()

	if running {
	drain:
		for {
			select {
			case <-jobs:
			default:
				break drain
			}
		}
		if err := s.sink.Clear(); err != nil {
			s.logger.Debug("sink clear failed", "error", err)
		}
	}

	if n > 0 {
		s.notify(false)
	}
	return n
}

// reset drops pending segments and resets the clock in one critical
// section.
func (s *Scheduler) reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	for _, ps := range s.pending {
		ps.timer.Stop()
	}
	s.pending = make(map[uint64]*pendingSegment)
	s.gen++
	s.next = s.clock.Now()
	return n
}

// Active reports whether any segment is still scheduled.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Pending returns scheduled segments ordered by start time.
func (s *Scheduler) Pending() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Segment, 0, len(s.pending))
	for _, ps := range s.pending {
		out = append(out, ps.Segment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Next returns the scheduling clock: when the next segment would start if
// nothing else were queued.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Stop interrupts playback, ends the writer and stops the sink.
func (s *Scheduler) Stop() error {
	s.Interrupt()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	// Stopping the sink first unblocks a writer stuck in Write.
	err := s.sink.Stop()
	<-done
	return err
}

func (s *Scheduler) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Scheduler) notify(active bool) {
	if s.OnActiveChange != nil {
		s.OnActiveChange(active)
	}
}
