package playback

import (
	"fmt"
	"io"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
)

// SaveStream copies a streamed WAV body to dst and rewrites the header with
// the real chunk sizes once the length is known. It returns the number of
// payload bytes written.
func SaveStream(dst io.WriteSeeker, body io.Reader) (int64, error) {
	head := make([]byte, wav.HeaderSize)
	if _, err := io.ReadFull(body, head); err != nil {
		return 0, &wav.MalformedHeaderError{Reason: fmt.Sprintf("read header: %v", err)}
	}
	h, err := wav.ParseHeader(head)
	if err != nil {
		return 0, err
	}

	if _, err := dst.Write(head); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	n, copyErr := io.Copy(dst, body)

	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return n, fmt.Errorf("seek header: %w", err)
	}
	if _, err := dst.Write(wav.FileHeader(h.Format, int(n))); err != nil {
		return n, fmt.Errorf("rewrite header: %w", err)
	}
	if _, err := dst.Seek(0, io.SeekEnd); err != nil {
		return n, fmt.Errorf("seek end: %w", err)
	}

	if copyErr != nil {
		return n, fmt.Errorf("copy payload: %w", copyErr)
	}
	return n, nil
}
