package playback

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
)

type recordingSink struct {
	frames []Frame
	ended  int
}

func (s *recordingSink) Enqueue(f Frame) { s.frames = append(s.frames, f) }
func (s *recordingSink) EndOfStream()    { s.ended++ }

func (s *recordingSink) payload() []byte {
	var out []byte
	for _, f := range s.frames {
		out = append(out, f.Data...)
	}
	return out
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func streamOf(payload []byte) []byte {
	return append(wav.StreamingHeader(wav.DefaultFormat), payload...)
}

func feed(t *testing.T, r *Receiver, data []byte, chunk int) {
	t.Helper()
	for len(data) > 0 {
		n := min(chunk, len(data))
		if _, err := r.Write(data[:n]); err != nil {
			t.Fatalf("Write err: %v", err)
		}
		if got := r.Appended() - r.Removed(); got != int64(r.Buffered()) {
			t.Fatalf("accounting broken: appended-removed=%d buffered=%d", got, r.Buffered())
		}
		data = data[n:]
	}
}

func TestReceiverOneByteArrivals(t *testing.T) {
	sink := &recordingSink{}
	r := NewReceiver(sink, 8192)

	feed(t, r, streamOf(testPayload(8192)), 1)

	if len(sink.frames) != 1 {
		t.Fatalf("expected exactly one frame, got %d", len(sink.frames))
	}
	f := sink.frames[0]
	if len(f.Data) != 8192 {
		t.Fatalf("expected 8192 bytes, got %d", len(f.Data))
	}
	if f.Format.SampleRate != 32000 || f.Format.Channels != 1 {
		t.Fatalf("unexpected format %s", f.Format)
	}
	if r.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d", r.Buffered())
	}
}

func TestReceiverFragmentationInvariance(t *testing.T) {
	payload := testPayload(30000)
	stream := streamOf(payload)

	for _, chunk := range []int{1, 3, 43, 44, 45, 1000, 4096, 8192, 9000, len(stream)} {
		sink := &recordingSink{}
		r := NewReceiver(sink, 8192)

		feed(t, r, stream, chunk)
		if err := r.Close(); err != nil {
			t.Fatalf("chunk %d: Close err: %v", chunk, err)
		}

		if !bytes.Equal(sink.payload(), payload) {
			t.Fatalf("chunk %d: frame bytes differ from payload", chunk)
		}
		if len(sink.frames) != 4 {
			t.Fatalf("chunk %d: expected 4 frames, got %d", chunk, len(sink.frames))
		}
		for i, f := range sink.frames {
			if f.Seq != i+1 {
				t.Fatalf("chunk %d: frame %d has seq %d", chunk, i, f.Seq)
			}
		}
		if r.Removed() != int64(len(stream)) || r.Buffered() != 0 {
			t.Fatalf("chunk %d: removed=%d buffered=%d", chunk, r.Removed(), r.Buffered())
		}
	}
}

func TestReceiverFlushesResidualFrame(t *testing.T) {
	sink := &recordingSink{}
	r := NewReceiver(sink, 8192)

	feed(t, r, streamOf(testPayload(5000)), 700)
	if len(sink.frames) != 0 {
		t.Fatalf("no frame expected before close, got %d", len(sink.frames))
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}
	if len(sink.frames) != 1 || len(sink.frames[0].Data) != 5000 {
		t.Fatalf("expected one 5000-byte frame, got %d frames", len(sink.frames))
	}
	if sink.ended != 1 {
		t.Fatalf("expected end of stream once, got %d", sink.ended)
	}
}

func TestReceiverFramesAreCopies(t *testing.T) {
	sink := &recordingSink{}
	r := NewReceiver(sink, 4)

	stream := streamOf([]byte{1, 2, 3, 4, 5, 6})
	feed(t, r, stream, len(stream))
	_, _ = r.Write([]byte{9, 9})

	if !bytes.Equal(sink.frames[0].Data, []byte{1, 2, 3, 4}) {
		t.Fatalf("frame data changed after handoff: %v", sink.frames[0].Data)
	}
}

func TestReceiverAlignsFramesToBlock(t *testing.T) {
	sink := &recordingSink{}
	r := NewReceiver(sink, 10)

	stereo := wav.Format{SampleRate: 8000, Channels: 2, BitsPerSample: 16}
	stream := append(wav.StreamingHeader(stereo), testPayload(16)...)
	feed(t, r, stream, len(stream))

	if len(sink.frames) != 2 || len(sink.frames[0].Data) != 8 {
		t.Fatalf("expected two 8-byte frames, got %d", len(sink.frames))
	}
}

func TestReceiverMalformedHeader(t *testing.T) {
	sink := &recordingSink{}
	r := NewReceiver(sink, 8192)

	bad := streamOf(testPayload(100))
	copy(bad, "RIFX")

	if _, err := r.Write(bad[:43]); err != nil {
		t.Fatalf("no error expected before the header is complete, got %v", err)
	}

	_, err := r.Write(bad[43:])
	var malformed *wav.MalformedHeaderError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedHeaderError, got %v", err)
	}
	if _, err := r.Write([]byte{0}); !errors.As(err, &malformed) {
		t.Fatalf("later writes must keep failing, got %v", err)
	}
	if err := r.Close(); !errors.As(err, &malformed) {
		t.Fatalf("Close must report the header error, got %v", err)
	}
	if len(sink.frames) != 0 || sink.ended != 0 {
		t.Fatalf("nothing may reach the sink, got %d frames", len(sink.frames))
	}
}

func TestReceiverPartialHeaderAtClose(t *testing.T) {
	sink := &recordingSink{}
	r := NewReceiver(sink, 8192)
	feed(t, r, wav.StreamingHeader(wav.DefaultFormat)[:20], 20)

	var malformed *wav.MalformedHeaderError
	if err := r.Close(); !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedHeaderError, got %v", err)
	}
}

func TestReceiverEmptyStreams(t *testing.T) {
	for name, data := range map[string][]byte{
		"no bytes":    nil,
		"header only": wav.StreamingHeader(wav.DefaultFormat),
	} {
		t.Run(name, func(t *testing.T) {
			sink := &recordingSink{}
			r := NewReceiver(sink, 8192)
			feed(t, r, data, 8)

			if err := r.Close(); err != nil {
				t.Fatalf("Close err: %v", err)
			}
			if len(sink.frames) != 0 || sink.ended != 1 {
				t.Fatalf("expected end of stream without frames, got %d frames ended=%d", len(sink.frames), sink.ended)
			}
		})
	}
}

func TestReceiverWriteAfterClose(t *testing.T) {
	r := NewReceiver(&recordingSink{}, 8192)
	if err := r.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}
	if _, err := r.Write([]byte{1}); !errors.Is(err, ErrReceiverClosed) {
		t.Fatalf("expected ErrReceiverClosed, got %v", err)
	}
}
