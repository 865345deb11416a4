package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
)

// ErrReceiverClosed is returned by Write after Close.
var ErrReceiverClosed = errors.New("receiver closed")

// Frame is a slice of little-endian PCM tagged with the format it was cut from.
// The receiver never touches Data after handing the frame off.
type Frame struct {
	Seq    int
	Data   []byte
	Format wav.Format
}

// Duration returns the exact playback length of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format.Duration(len(f.Data))
}

// FrameSink consumes frames cut by a Receiver.
type FrameSink interface {
	Enqueue(Frame)
	EndOfStream()
}

// Receiver demultiplexes an arriving WAV byte stream: it waits for the
// 44-byte header, then slices the payload into fixed-size frames.
//
// Write and Close must be called from a single goroutine.
type Receiver struct {
	sink      FrameSink
	frameSize int

	buf    []byte
	header *wav.Header
	err    error
	closed bool
	seq    int

	appended int64
	removed  int64
}

// NewReceiver creates a Receiver that cuts frames of frameSize bytes.
func NewReceiver(sink FrameSink, frameSize int) *Receiver {
	if frameSize <= 0 {
		frameSize = 8192
	}
	return &Receiver{
		sink:      sink,
		frameSize: frameSize,
	}
}

// Write appends arriving bytes. A malformed header is reported once the
// header byte count has been reached and every later Write returns it again.
func (r *Receiver) Write(p []byte) (int, error) {
	if r.closed {
		return 0, ErrReceiverClosed
	}
	if r.err != nil {
		return 0, r.err
	}

	r.buf = append(r.buf, p...)
	r.appended += int64(len(p))

	if r.header == nil {
		if len(r.buf) < wav.HeaderSize {
			return len(p), nil
		}
		h, err := wav.ParseHeader(r.buf)
		if err != nil {
			r.err = err
			return len(p), err
		}
		r.header = &h
		r.consume(wav.HeaderSize)
	}

	r.cutFrames()
	return len(p), nil
}

// Close ends the stream. Residual payload bytes are flushed as one final,
// undersized frame. A stream that ended inside the header is malformed.
func (r *Receiver) Close() error {
	if r.closed {
		return r.err
	}
	r.closed = true

	if r.err != nil {
		return r.err
	}
	if r.header == nil && len(r.buf) > 0 {
		r.err = &wav.MalformedHeaderError{
			Reason: fmt.Sprintf("stream ended after %d of %d header bytes", len(r.buf), wav.HeaderSize),
		}
		return r.err
	}

	if len(r.buf) > 0 {
		r.emit(len(r.buf))
	}
	r.sink.EndOfStream()
	return nil
}

// Format returns the stream format once the header has been parsed.
func (r *Receiver) Format() (wav.Format, bool) {
	if r.header == nil {
		return wav.Format{}, false
	}
	return r.header.Format, true
}

// Appended returns the total number of bytes ever written.
func (r *Receiver) Appended() int64 { return r.appended }

// Removed returns the number of bytes taken out as header or frames.
func (r *Receiver) Removed() int64 { return r.removed }

// Buffered returns the number of bytes waiting for a full frame.
func (r *Receiver) Buffered() int { return len(r.buf) }

// Frames returns how many frames have been handed to the sink.
func (r *Receiver) Frames() int { return r.seq }

// alignedFrameSize keeps frames on sample-frame boundaries.
func (r *Receiver) alignedFrameSize() int {
	align := r.header.BlockAlign()
	if align <= 1 || r.frameSize < align {
		return r.frameSize
	}
	return r.frameSize - r.frameSize%align
}

func (r *Receiver) cutFrames() {
	size := r.alignedFrameSize()
	for len(r.buf) >= size {
		r.emit(size)
	}
}

func (r *Receiver) emit(n int) {
	data := make([]byte, n)
	copy(data, r.buf[:n])
	r.consume(n)

	r.seq++
	r.sink.Enqueue(Frame{
		Seq:    r.seq,
		Data:   data,
		Format: r.header.Format,
	})
}

func (r *Receiver) consume(n int) {
	r.buf = append(r.buf[:0], r.buf[n:]...)
	r.removed += int64(n)
}
