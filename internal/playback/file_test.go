package playback

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
)

func TestSaveStreamFixesSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}

	payload := testPayload(12345)
	n, err := SaveStream(f, bytes.NewReader(streamOf(payload)))
	if err != nil {
		t.Fatalf("SaveStream err: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("expected %d bytes, got %d", len(payload), n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile err: %v", err)
	}
	h, err := wav.ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader err: %v", err)
	}
	if h.DataSize != uint32(len(payload)) || h.Unbounded() {
		t.Fatalf("unexpected header sizes riff=%d data=%d", h.RIFFSize, h.DataSize)
	}
	if !bytes.Equal(data[wav.HeaderSize:], payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestSaveStreamRejectsShortHeader(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.wav"))
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}
	defer f.Close()

	_, err = SaveStream(f, bytes.NewReader([]byte("RIFF")))
	var malformed *wav.MalformedHeaderError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedHeaderError, got %v", err)
	}
}
