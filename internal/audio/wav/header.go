package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// HeaderSize is the length of a canonical RIFF/WAVE header with a PCM fmt chunk.
const HeaderSize = 44

const (
	// UnknownRIFFSize is written in place of the RIFF chunk size when the
	// total length of the stream is not known up front.
	UnknownRIFFSize uint32 = 0xFFFFFFFF - 8
	// UnknownDataSize is written in place of the data chunk size.
	UnknownDataSize uint32 = 0xFFFFFFFF - HeaderSize

	formatPCM uint16 = 1
)

var (
	magicRIFF = []byte("RIFF")
	magicWAVE = []byte("WAVE")
	chunkFmt  = []byte("fmt ")
	chunkData = []byte("data")
)

// Format describes raw PCM audio.
type Format struct {
	SampleRate    int `json:"sampleRate" yaml:"sample_rate"`
	Channels      int `json:"channels" yaml:"channels"`
	BitsPerSample int `json:"bitsPerSample" yaml:"bits_per_sample"`
}

// DefaultFormat is assumed for headerless backend output.
var DefaultFormat = Format{SampleRate: 32000, Channels: 1, BitsPerSample: 16}

// WithDefaults fills zero fields from DefaultFormat.
func (f Format) WithDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultFormat.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = DefaultFormat.Channels
	}
	if f.BitsPerSample <= 0 {
		f.BitsPerSample = DefaultFormat.BitsPerSample
	}
	return f
}

// ByteRate returns the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// BlockAlign returns the size of one sample frame across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// Duration returns how long n bytes of PCM in this format play for.
func (f Format) Duration(n int) time.Duration {
	rate := f.ByteRate()
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Header is the decoded form of a 44-byte streaming header.
type Header struct {
	Format
	RIFFSize uint32
	DataSize uint32
}

// Unbounded reports whether the header carries the unknown-length sentinels.
func (h Header) Unbounded() bool {
	return h.RIFFSize == UnknownRIFFSize && h.DataSize == UnknownDataSize
}

// StreamingHeader builds a 44-byte RIFF/WAVE header for a stream of unknown length.
func StreamingHeader(f Format) []byte {
	return buildHeader(f, UnknownRIFFSize, UnknownDataSize)
}

// FileHeader builds a header for exactly dataLen bytes of PCM.
func FileHeader(f Format, dataLen int) []byte {
	return buildHeader(f, uint32(HeaderSize-8+dataLen), uint32(dataLen))
}

func buildHeader(f Format, riffSize, dataSize uint32) []byte {
	buf := make([]byte, HeaderSize)
	le := binary.LittleEndian

	copy(buf[0:4], magicRIFF)
	le.PutUint32(buf[4:8], riffSize)
	copy(buf[8:12], magicWAVE)
	copy(buf[12:16], chunkFmt)
	le.PutUint32(buf[16:20], 16)
	le.PutUint16(buf[20:22], formatPCM)
	le.PutUint16(buf[22:24], uint16(f.Channels))
	le.PutUint32(buf[24:28], uint32(f.SampleRate))
	le.PutUint32(buf[28:32], uint32(f.ByteRate()))
	le.PutUint16(buf[32:34], uint16(f.BlockAlign()))
	le.PutUint16(buf[34:36], uint16(f.BitsPerSample))
	copy(buf[36:40], chunkData)
	le.PutUint32(buf[40:44], dataSize)

	return buf
}

// HasMagic reports whether b starts with the RIFF container tag.
func HasMagic(b []byte) bool {
	return len(b) >= len(magicRIFF) && bytes.Equal(b[:len(magicRIFF)], magicRIFF)
}

// ParseHeader decodes the first HeaderSize bytes of b. Chunk sizes are not
// checked against the payload so unbounded streams are accepted.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &MalformedHeaderError{Reason: fmt.Sprintf("need %d bytes, have %d", HeaderSize, len(b))}
	}
	if !HasMagic(b) {
		return Header{}, &MalformedHeaderError{Reason: fmt.Sprintf("bad magic %q", b[0:4])}
	}

	le := binary.LittleEndian
	h := Header{
		RIFFSize: le.Uint32(b[4:8]),
		DataSize: le.Uint32(b[40:44]),
		Format: Format{
			Channels:      int(le.Uint16(b[22:24])),
			SampleRate:    int(le.Uint32(b[24:28])),
			BitsPerSample: int(le.Uint16(b[34:36])),
		},
	}

	switch {
	case h.SampleRate == 0:
		return Header{}, &MalformedHeaderError{Reason: "sample rate is zero"}
	case h.Channels == 0:
		return Header{}, &MalformedHeaderError{Reason: "channel count is zero"}
	case h.BitsPerSample == 0:
		return Header{}, &MalformedHeaderError{Reason: "bits per sample is zero"}
	}

	return h, nil
}

// MalformedHeaderError is returned when a stream's first 44 bytes cannot be
// trusted as a WAV header.
type MalformedHeaderError struct {
	Reason string
}

func (e *MalformedHeaderError) Error() string {
	return "malformed wav header: " + e.Reason
}
