package output

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const bytesPerSample = 4

// timeline is the device-side sample queue. The device reads from it
// continuously; gaps and underruns are filled with silence so the read
// position advances in real time.
type timeline struct {
	mu         sync.Mutex
	sampleRate int
	channels   int
	pending    []float32
	consumed   int64
}

func newTimeline(sampleRate, channels int) *timeline {
	return &timeline{sampleRate: sampleRate, channels: channels}
}

// Read implements io.Reader for the oto player. It always fills whole
// sample frames and never returns an error.
func (t *timeline) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	frameBytes := bytesPerSample * t.channels
	n := len(p) - len(p)%frameBytes
	samples := n / bytesPerSample

	take := min(samples, len(t.pending))
	for i := 0; i < samples; i++ {
		var v float32
		if i < take {
			v = t.pending[i]
		}
		binary.LittleEndian.PutUint32(p[i*bytesPerSample:], math.Float32bits(v))
	}

	t.pending = t.pending[take:]
	t.consumed += int64(samples / t.channels)
	return n, nil
}

// schedule places interleaved samples at sample frame position at and
// returns the position they start at. A position past the end of the queue
// is padded with silence; an earlier one is appended directly after queued
// audio.
func (t *timeline) schedule(samples []float32, at int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.consumed + int64(len(t.pending)/t.channels)
	if gap := at - end; gap > 0 {
		t.pending = append(t.pending, make([]float32, gap*int64(t.channels))...)
		end = at
	}
	t.pending = append(t.pending, samples...)
	return end
}

// consumedFrames returns how many sample frames the device has read.
func (t *timeline) consumedFrames() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumed
}

// pendingFrames returns how many sample frames are queued but unread.
func (t *timeline) pendingFrames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) / t.channels
}

func (t *timeline) position(d time.Duration) int64 {
	return int64(d) * int64(t.sampleRate) / int64(time.Second)
}

func (t *timeline) duration(frames int64) time.Duration {
	if frames <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(t.sampleRate))
}
