package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/zhouzirui/tts-relay/internal/config"
	"github.com/zhouzirui/tts-relay/internal/model/speech"
)

const maxErrorBody = 4 << 10

// Fetcher talks to the speech synthesis backend.
type Fetcher struct {
	baseURL      string
	client       *http.Client
	probeTimeout time.Duration
	chunkSize    int
	log          *slog.Logger
}

// NewFetcher builds a Fetcher. Only connection setup is bounded by a
// timeout; reading the body may take as long as synthesis takes.
func NewFetcher(cfg config.BackendConfig, log *slog.Logger) *Fetcher {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Fetcher{
		baseURL:      cfg.BaseURL,
		client:       &http.Client{Transport: transport},
		probeTimeout: probeTimeout,
		chunkSize:    chunkSize,
		log:          log.With(slog.String("component", "upstream")),
	}
}

// Open starts a streaming synthesis. The caller must Close the stream.
func (f *Fetcher) Open(ctx context.Context, req speech.SynthesisRequest) (*Stream, error) {
	req.Streaming = true
	resp, err := f.post(ctx, req)
	if err != nil {
		return nil, err
	}

	f.log.Debug("backend stream opened",
		slog.Int("status", resp.StatusCode),
		slog.String("content_type", resp.Header.Get("Content-Type")),
	)

	return &Stream{
		body:        resp.Body,
		buf:         make([]byte, f.chunkSize),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Synthesize runs a non-streaming synthesis and returns the whole body.
func (f *Fetcher) Synthesize(ctx context.Context, req speech.SynthesisRequest) ([]byte, error) {
	req.Streaming = false
	resp, err := f.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

// Probe checks that the backend accepts connections. Any HTTP reply counts.
func (f *Fetcher) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.probeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return classify(err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return nil
}

func (f *Fetcher) post(ctx context.Context, req speech.SynthesisRequest) (*http.Response, error) {
	body, err := json.Marshal(req.Payload())
	if err != nil {
		return nil, fmt.Errorf("encode backend payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{
			Kind:       ErrUnavailable,
			StatusCode: resp.StatusCode,
			Body:       string(detail),
		}
	}

	return resp, nil
}

// Stream is a finite, non-restartable sequence of backend byte chunks.
type Stream struct {
	body        io.ReadCloser
	buf         []byte
	eof         bool
	ContentType string
}

// Next returns the next chunk in arrival order, or io.EOF once the backend
// closed the connection. The slice is only valid until the next call.
func (s *Stream) Next() ([]byte, error) {
	if s.eof {
		return nil, io.EOF
	}

	for {
		n, err := s.body.Read(s.buf)
		if errors.Is(err, io.EOF) {
			s.eof = true
			if n > 0 {
				return s.buf[:n], nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, classify(err)
		}
		if n > 0 {
			return s.buf[:n], nil
		}
	}
}

// Close releases the backend connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
