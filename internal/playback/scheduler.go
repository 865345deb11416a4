package playback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
	"github.com/zhouzirui/tts-relay/internal/config"
)

var (
	// ErrAborted is returned by Run when the session was aborted.
	ErrAborted = errors.New("playback aborted")
	// ErrUnsupportedFormat is returned when a frame is not 16-bit PCM.
	ErrUnsupportedFormat = errors.New("unsupported sample format")
)

// Output is the audio device the scheduler places decoded frames on.
// Now is the device clock. Schedule queues samples to start at the given
// clock position and returns the position they will actually be heard at,
// which is later than at when the device can no longer place audio there.
type Output interface {
	Now() time.Duration
	Schedule(samples []float32, format wav.Format, at time.Duration) (time.Duration, error)
}

// StateChangeFunc observes state transitions.
type StateChangeFunc func(from, to State)

// Stats is a snapshot of scheduler counters.
type Stats struct {
	State           State
	QueuedFrames    int
	QueuedBytes     int
	ScheduledFrames int
	ScheduledBytes  int64
	Rebuffers       int
	Dropped         int
	Ended           bool
	NextStart       time.Duration
}

type transition struct {
	from, to State
}

// Scheduler decides when queued frames are played. Frames arrive through
// Enqueue; a periodic Tick moves the state machine and schedules frames on
// the output back to back.
type Scheduler struct {
	cfg config.PlaybackConfig
	out Output
	log *slog.Logger

	mu          sync.Mutex
	state       State
	queue       []Frame
	queuedBytes int
	ended       bool
	next        time.Duration
	abort       chan struct{}
	onChange    StateChangeFunc

	scheduledFrames int
	scheduledBytes  int64
	rebuffers       int
	dropped         int
}

// NewScheduler creates a scheduler in the Idle state.
func NewScheduler(cfg config.PlaybackConfig, out Output, log *slog.Logger) *Scheduler {
	if cfg.FramesPerTick < 1 {
		cfg.FramesPerTick = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = config.DefaultPlaybackConfig().TickInterval
	}
	return &Scheduler{
		cfg:   cfg,
		out:   out,
		log:   log.With(slog.String("component", "playback_scheduler")),
		abort: make(chan struct{}),
	}
}

// OnStateChange registers fn to be called after every transition. fn runs
// outside the scheduler lock.
func (s *Scheduler) OnStateChange(fn StateChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Enqueue accepts a frame in any state except Complete. The first frame of
// a session moves Idle to Buffering.
func (s *Scheduler) Enqueue(f Frame) {
	s.mu.Lock()
	if s.state == Complete {
		s.dropped++
		s.mu.Unlock()
		s.log.Debug("frame after completion dropped", slog.Int("seq", f.Seq))
		return
	}

	s.queue = append(s.queue, f)
	s.queuedBytes += len(f.Data)

	var changes []transition
	if s.state == Idle {
		changes = s.moveLocked(Buffering, changes)
	}
	fn := s.onChange
	s.mu.Unlock()

	notify(fn, changes)
}

// EndOfStream marks that no more frames will arrive.
func (s *Scheduler) EndOfStream() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

// Tick runs one scheduling step.
func (s *Scheduler) Tick() error {
	s.mu.Lock()
	changes, err := s.stepLocked()
	fn := s.onChange
	s.mu.Unlock()

	notify(fn, changes)
	return err
}

// Run ticks until playback completes, ctx is done or the session is aborted.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.mu.Lock()
	abort := s.abort
	s.mu.Unlock()

	for {
		if err := s.Tick(); err != nil {
			return err
		}
		if s.Done() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-abort:
			return ErrAborted
		case <-ticker.C:
		}
	}
}

// Abort discards the queue and returns the scheduler to Idle from any state.
// Audio already handed to the output is not recalled.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	from := s.state
	s.state = Idle
	s.queue = nil
	s.queuedBytes = 0
	s.ended = false
	s.next = 0
	close(s.abort)
	s.abort = make(chan struct{})
	fn := s.onChange
	s.mu.Unlock()

	s.log.Info("playback aborted", slog.String("from", from.String()))
	if from != Idle {
		notify(fn, []transition{{from: from, to: Idle}})
	}
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done reports whether the session has nothing left to play: either every
// frame finished playing or the stream ended without producing any.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Complete {
		return true
	}
	return s.state == Idle && s.ended && len(s.queue) == 0
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:           s.state,
		QueuedFrames:    len(s.queue),
		QueuedBytes:     s.queuedBytes,
		ScheduledFrames: s.scheduledFrames,
		ScheduledBytes:  s.scheduledBytes,
		Rebuffers:       s.rebuffers,
		Dropped:         s.dropped,
		Ended:           s.ended,
		NextStart:       s.next,
	}
}

func (s *Scheduler) stepLocked() ([]transition, error) {
	var changes []transition

	switch s.state {
	case Buffering:
		if s.queuedBytes < s.cfg.BufferThreshold && !(s.ended && len(s.queue) > 0) {
			return changes, nil
		}
		changes = s.moveLocked(Playing, changes)
		fallthrough

	case Playing:
		if s.ended {
			changes = s.moveLocked(Draining, changes)
			return changes, s.dispatchLocked()
		}
		if err := s.dispatchLocked(); err != nil {
			return changes, err
		}
		if len(s.queue) < s.cfg.LowWaterFrames {
			s.rebuffers++
			changes = s.moveLocked(Rebuffering, changes)
		}

	case Rebuffering:
		switch {
		case s.ended:
			changes = s.moveLocked(Draining, changes)
		case s.queuedBytes >= s.cfg.BufferThreshold:
			changes = s.moveLocked(Playing, changes)
		}

	case Draining:
		if err := s.dispatchLocked(); err != nil {
			return changes, err
		}
		if len(s.queue) == 0 && s.out.Now() >= s.next {
			changes = s.moveLocked(Complete, changes)
		}
	}

	return changes, nil
}

// dispatchLocked schedules up to framesPerTick frames and advances next
// from where the output actually placed each one.
func (s *Scheduler) dispatchLocked() error {
	if len(s.queue) == 0 {
		return nil
	}
	limit := s.framesPerTick(s.queue[0].Duration())

	for i := 0; i < limit && len(s.queue) > 0; i++ {
		f := s.queue[0]
		s.queue[0] = Frame{}
		s.queue = s.queue[1:]
		s.queuedBytes -= len(f.Data)

		if f.Format.BitsPerSample != 16 {
			return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Format)
		}

		at := max(s.next, s.out.Now())
		start, err := s.out.Schedule(DecodePCM16(f.Data), f.Format, at)
		if err != nil {
			return fmt.Errorf("schedule frame %d: %w", f.Seq, err)
		}
		s.next = max(start, at) + f.Duration()
		s.scheduledFrames++
		s.scheduledBytes += int64(len(f.Data))
	}
	return nil
}

// framesPerTick is the configured count, raised so that one tick schedules
// at least a tick interval of audio when frames are shorter than a tick.
func (s *Scheduler) framesPerTick(frame time.Duration) int {
	n := s.cfg.FramesPerTick
	if frame <= 0 {
		return n
	}
	need := int((s.cfg.TickInterval + frame - 1) / frame)
	return max(n, need)
}

func (s *Scheduler) moveLocked(to State, changes []transition) []transition {
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.log.Error("state change rejected", slog.Any("err", err))
		return changes
	}
	s.state = to
	s.log.Debug("state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("queued_frames", len(s.queue)),
		slog.Int("queued_bytes", s.queuedBytes),
	)
	return append(changes, transition{from: from, to: to})
}

func notify(fn StateChangeFunc, changes []transition) {
	if fn == nil {
		return
	}
	for _, c := range changes {
		fn(c.from, c.to)
	}
}

// DecodePCM16 converts little-endian signed 16-bit samples to float32 in
// [-1, 1). A trailing odd byte is ignored.
func DecodePCM16(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[2*i:]))) / 32768
	}
	return out
}
