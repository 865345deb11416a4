package playback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
	"github.com/zhouzirui/tts-relay/internal/config"
	"github.com/zhouzirui/tts-relay/internal/platform/logger"
)

func playerConfig() config.PlaybackConfig {
	cfg := config.DefaultPlaybackConfig()
	cfg.TickInterval = time.Millisecond
	cfg.FramesPerTick = 4
	return cfg
}

// failingReader returns data then err.
type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, f.err
	}
	return n, err
}

func samplesOf(frames []scheduledFrame) []float32 {
	var out []float32
	for _, f := range frames {
		out = append(out, f.samples...)
	}
	return out
}

func TestPlayerPlaysWholeStream(t *testing.T) {
	out := &virtualOutput{follow: true}
	changes := &transitionLog{}
	p := NewPlayer(playerConfig(), out, changes.record, logger.Discard())

	payload := testPayload(20000)
	res, err := p.Play(context.Background(), io.NopCloser(bytes.NewReader(streamOf(payload))))
	if err != nil {
		t.Fatalf("Play err: %v", err)
	}

	if res.Frames != 3 || res.Bytes != int64(len(payload)+wav.HeaderSize) {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Format != wav.DefaultFormat || res.SessionID == "" || res.Truncated {
		t.Fatalf("unexpected result %+v", res)
	}

	want := DecodePCM16(payload)
	got := samplesOf(out.frames())
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d differs", i)
		}
	}

	states := changes.states()
	if states[len(states)-1] != Complete {
		t.Fatalf("expected to finish in Complete, got %v", states)
	}
}

func TestPlayerMalformedHeader(t *testing.T) {
	out := &virtualOutput{follow: true}
	p := NewPlayer(playerConfig(), out, nil, logger.Discard())

	stream := streamOf(testPayload(100))
	copy(stream, "OggS")

	_, err := p.Play(context.Background(), io.NopCloser(bytes.NewReader(stream)))
	var malformed *wav.MalformedHeaderError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedHeaderError, got %v", err)
	}
	if len(out.frames()) != 0 {
		t.Fatalf("nothing may play from a malformed stream")
	}
}

func TestPlayerTreatsAbruptEndAsEndOfStream(t *testing.T) {
	out := &virtualOutput{follow: true}
	p := NewPlayer(playerConfig(), out, nil, logger.Discard())

	body := &failingReader{r: bytes.NewReader(streamOf(testPayload(9000))), err: io.ErrUnexpectedEOF}
	res, err := p.Play(context.Background(), io.NopCloser(body))
	if err != nil {
		t.Fatalf("Play err: %v", err)
	}
	if !res.Truncated || res.Frames != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := len(samplesOf(out.frames())); got != 4500 {
		t.Fatalf("expected 4500 samples, got %d", got)
	}
}

func TestPlayerHeaderOnlyStream(t *testing.T) {
	out := &virtualOutput{follow: true}
	p := NewPlayer(playerConfig(), out, nil, logger.Discard())

	res, err := p.Play(context.Background(), io.NopCloser(bytes.NewReader(wav.StreamingHeader(wav.DefaultFormat))))
	if err != nil {
		t.Fatalf("Play err: %v", err)
	}
	if res.Frames != 0 {
		t.Fatalf("expected no frames, got %d", res.Frames)
	}
}

func TestPlayerCancelClosesBody(t *testing.T) {
	out := &virtualOutput{follow: true}
	p := NewPlayer(playerConfig(), out, nil, logger.Discard())

	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write(streamOf(testPayload(1000)))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Play(ctx, pr)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Play did not return after cancel")
	}

	if _, err := pw.Write([]byte{1}); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected the body to be closed, got %v", err)
	}
}
