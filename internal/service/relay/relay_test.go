package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
	"github.com/zhouzirui/tts-relay/internal/platform/logger"
	"github.com/zhouzirui/tts-relay/internal/service/upstream"
)

type fakeSource struct {
	chunks [][]byte
	err    error
	closed bool
}

func (f *fakeSource) Next() ([]byte, error) {
	if len(f.chunks) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	return chunk, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

// recordingSink remembers the byte count at every flush.
type recordingSink struct {
	buf      bytes.Buffer
	flushes  []int
	writeErr error
}

func (s *recordingSink) Write(b []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.buf.Write(b)
}

func (s *recordingSink) Flush() error {
	s.flushes = append(s.flushes, s.buf.Len())
	return nil
}

type countingRecorder struct {
	started, headers int
	bytes            int
	outcomes         []string
	kinds            []string
}

func (c *countingRecorder) SessionStarted() { c.started++ }
func (c *countingRecorder) SessionFinished(_ string, outcome string, _ time.Duration) {
	c.outcomes = append(c.outcomes, outcome)
}
func (c *countingRecorder) AddBytesRelayed(n int)      { c.bytes += n }
func (c *countingRecorder) IncHeadersSynthesized()     { c.headers++ }
func (c *countingRecorder) IncUpstreamErrors(k string) { c.kinds = append(c.kinds, k) }

func newTestRelay(rec Recorder) *Relay {
	return New(wav.DefaultFormat, rec, logger.Discard())
}

func pcm(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestForwardHeaderlessPCMGetsSynthesizedHeader(t *testing.T) {
	rec := &countingRecorder{}
	r := newTestRelay(rec)
	src := &fakeSource{chunks: [][]byte{pcm(4096, 0x01), pcm(4096, 0x02)}}
	sink := &recordingSink{}
	sess := r.NewSession("http")

	if err := r.Forward(context.Background(), sess, sink, src); err != nil {
		t.Fatalf("Forward err: %v", err)
	}

	out := sink.buf.Bytes()
	if len(out) != wav.HeaderSize+8192 {
		t.Fatalf("expected %d bytes, got %d", wav.HeaderSize+8192, len(out))
	}
	if !bytes.Equal(out[:wav.HeaderSize], wav.StreamingHeader(wav.DefaultFormat)) {
		t.Fatalf("expected default streaming header")
	}
	if !bytes.Equal(out[wav.HeaderSize:], append(pcm(4096, 0x01), pcm(4096, 0x02)...)) {
		t.Fatalf("payload altered")
	}
	if !sess.HeaderSynthesized || !sess.HeaderSent || !sess.FirstChunkSeen {
		t.Fatalf("unexpected session flags %+v", sess)
	}
	if sess.BytesIn != 8192 || sess.BytesOut != int64(len(out)) {
		t.Fatalf("unexpected counters in=%d out=%d", sess.BytesIn, sess.BytesOut)
	}
	if !src.closed {
		t.Fatalf("source must be closed")
	}
	if rec.headers != 1 || rec.bytes != len(out) || rec.started != 1 {
		t.Fatalf("unexpected recorder state %+v", rec)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeComplete {
		t.Fatalf("unexpected outcomes %v", rec.outcomes)
	}
}

func TestForwardPassesThroughExistingContainer(t *testing.T) {
	header := wav.StreamingHeader(wav.Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16})
	first := append(append([]byte{}, header...), pcm(100, 0x05)...)
	src := &fakeSource{chunks: [][]byte{first, pcm(50, 0x06)}}
	sink := &recordingSink{}
	r := newTestRelay(nil)
	sess := r.NewSession("http")

	if err := r.Forward(context.Background(), sess, sink, src); err != nil {
		t.Fatalf("Forward err: %v", err)
	}

	want := append(append([]byte{}, first...), pcm(50, 0x06)...)
	if !bytes.Equal(sink.buf.Bytes(), want) {
		t.Fatalf("container must pass through unmodified")
	}
	if sess.HeaderSynthesized {
		t.Fatalf("header must not be synthesized")
	}
}

func TestForwardFlushesEveryChunk(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("RIFFxxxx"), []byte("abc"), []byte("defg")}}
	sink := &recordingSink{}
	r := newTestRelay(nil)

	if err := r.Forward(context.Background(), r.NewSession("http"), sink, src); err != nil {
		t.Fatalf("Forward err: %v", err)
	}

	want := []int{8, 11, 15}
	if len(sink.flushes) != len(want) {
		t.Fatalf("expected %d flushes, got %v", len(want), sink.flushes)
	}
	for i := range want {
		if sink.flushes[i] != want[i] {
			t.Fatalf("flush %d at %d bytes, want %d", i, sink.flushes[i], want[i])
		}
	}
}

func TestForwardBuffersShortFirstChunk(t *testing.T) {
	tests := []struct {
		name       string
		chunks     [][]byte
		synthesize bool
	}{
		{"magic split across chunks", [][]byte{[]byte("RI"), []byte("FF"), []byte("rest")}, false},
		{"pcm split across chunks", [][]byte{{0x00}, {0x01, 0x02, 0x03, 0x04}}, true},
		{"stream shorter than magic", [][]byte{{0x00, 0x01}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{chunks: tt.chunks}
			sink := &recordingSink{}
			r := newTestRelay(nil)
			sess := r.NewSession("http")

			if err := r.Forward(context.Background(), sess, sink, src); err != nil {
				t.Fatalf("Forward err: %v", err)
			}

			var upstreamBytes []byte
			for _, c := range tt.chunks {
				upstreamBytes = append(upstreamBytes, c...)
			}

			want := upstreamBytes
			if tt.synthesize {
				want = append(wav.StreamingHeader(wav.DefaultFormat), upstreamBytes...)
			}
			if !bytes.Equal(sink.buf.Bytes(), want) {
				t.Fatalf("unexpected output % x", sink.buf.Bytes())
			}
			if sess.HeaderSynthesized != tt.synthesize {
				t.Fatalf("expected synthesized=%v", tt.synthesize)
			}
		})
	}
}

func TestForwardEmptyStreamYieldsHeaderOnly(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRelay(nil)
	sess := r.NewSession("http")

	if err := r.Forward(context.Background(), sess, sink, &fakeSource{}); err != nil {
		t.Fatalf("Forward err: %v", err)
	}
	if !bytes.Equal(sink.buf.Bytes(), wav.StreamingHeader(wav.DefaultFormat)) {
		t.Fatalf("expected a bare header, got %d bytes", sink.buf.Len())
	}
	if sess.FirstChunkSeen {
		t.Fatalf("no chunk was seen")
	}
}

func TestForwardUpstreamFailureMidStream(t *testing.T) {
	rec := &countingRecorder{}
	failure := &upstream.Error{Kind: upstream.ErrUnavailable, Err: io.ErrUnexpectedEOF}
	src := &fakeSource{chunks: [][]byte{pcm(10, 0x01)}, err: failure}
	sink := &recordingSink{}
	r := newTestRelay(rec)
	sess := r.NewSession("http")

	err := r.Forward(context.Background(), sess, sink, src)
	if !errors.Is(err, upstream.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if sess.BytesOut != int64(wav.HeaderSize+10) {
		t.Fatalf("bytes before the failure must have been delivered, got %d", sess.BytesOut)
	}
	if !src.closed {
		t.Fatalf("source must be closed")
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeUpstreamError {
		t.Fatalf("unexpected outcomes %v", rec.outcomes)
	}
	if len(rec.kinds) != 1 || rec.kinds[0] != "unavailable" {
		t.Fatalf("unexpected kinds %v", rec.kinds)
	}
}

func TestForwardStopsWhenClientGone(t *testing.T) {
	rec := &countingRecorder{}
	src := &fakeSource{chunks: [][]byte{pcm(10, 0x01), pcm(10, 0x02)}}
	sink := &recordingSink{writeErr: errors.New("broken pipe")}
	r := newTestRelay(rec)

	err := r.Forward(context.Background(), r.NewSession("http"), sink, src)
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("expected ErrClientGone, got %v", err)
	}
	if !src.closed {
		t.Fatalf("source must be closed")
	}
	if rec.outcomes[0] != OutcomeClientGone {
		t.Fatalf("unexpected outcome %s", rec.outcomes[0])
	}
}

func TestForwardHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeSource{chunks: [][]byte{pcm(10, 0x01)}}
	sink := &recordingSink{}
	r := newTestRelay(nil)

	err := r.Forward(ctx, r.NewSession("http"), sink, src)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sink.buf.Len() != 0 {
		t.Fatalf("nothing should be written after cancellation")
	}
	if !src.closed {
		t.Fatalf("source must be closed")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	r := newTestRelay(nil)
	a := r.NewSession("http")
	b := r.NewSession("ws")
	if a.ID == b.ID {
		t.Fatalf("session ids must be unique")
	}
	if a.Transport != "http" || b.Transport != "ws" {
		t.Fatalf("unexpected transports")
	}
}
