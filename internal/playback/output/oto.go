// Package output plays scheduled PCM on the system audio device.
package output

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
)

// ErrFormatChanged is returned when a frame's format differs from the one
// the device was opened with. oto allows a single context per process.
var ErrFormatChanged = errors.New("output format changed")

// Oto is a float32 oto device driven by a sample timeline.
type Oto struct {
	bufferSize time.Duration
	log        *slog.Logger

	mu     sync.Mutex
	ctx    *oto.Context
	player *oto.Player
	format wav.Format
	tl     *timeline
}

// NewOto creates an output. The device is opened on the first Schedule call
// with that frame's format.
func NewOto(bufferSize time.Duration, log *slog.Logger) *Oto {
	return &Oto{
		bufferSize: bufferSize,
		log:        log.With(slog.String("component", "oto_output")),
	}
}

func (o *Oto) open(f wav.Format) error {
	op := &oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   o.bufferSize,
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	o.ctx = ctx
	o.format = f
	o.tl = newTimeline(f.SampleRate, f.Channels)
	o.player = ctx.NewPlayer(o.tl)
	o.player.Play()

	o.log.Info("audio output initialized",
		slog.Int("sample_rate", f.SampleRate),
		slog.Int("channels", f.Channels),
	)
	return nil
}

// Now returns the position of the audio currently audible: frames read by
// the device minus frames still sitting in oto's buffer.
func (o *Oto) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.player == nil {
		return 0
	}
	buffered := int64(o.player.BufferedSize() / (bytesPerSample * o.format.Channels))
	return o.tl.duration(o.tl.consumedFrames() - buffered)
}

// Schedule queues samples to start at clock position at. Positions share
// the coordinates of Now: a sample written at timeline position p is heard
// once Now reaches p. Audio that can no longer start at at, because the
// device has already read past it, starts at the end of the queue instead,
// and that position is returned.
func (o *Oto) Schedule(samples []float32, f wav.Format, at time.Duration) (time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil {
		if err := o.open(f); err != nil {
			return 0, err
		}
	}
	if f.SampleRate != o.format.SampleRate || f.Channels != o.format.Channels {
		return 0, fmt.Errorf("%w: opened as %s, got %s", ErrFormatChanged, o.format, f)
	}

	start := o.tl.schedule(samples, o.tl.position(at))
	return o.tl.duration(start), nil
}

// Pending returns how much scheduled audio has not yet reached the device.
func (o *Oto) Pending() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tl == nil {
		return 0
	}
	return o.tl.duration(int64(o.tl.pendingFrames()))
}

// Close stops playback and releases the player.
func (o *Oto) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.player == nil {
		return nil
	}
	err := o.player.Close()
	o.player = nil
	if o.ctx != nil {
		if sErr := o.ctx.Suspend(); sErr != nil && err == nil {
			err = sErr
		}
	}
	return err
}
