package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
	"github.com/zhouzirui/tts-relay/internal/service/upstream"
)

// Sink is the client side of a relay: every write is flushed straight away.
type Sink interface {
	io.Writer
	Flush() error
}

// ChunkSource yields backend chunks until io.EOF.
type ChunkSource interface {
	Next() ([]byte, error)
	Close() error
}

// Recorder receives relay measurements. *metrics.Metrics implements it.
type Recorder interface {
	SessionStarted()
	SessionFinished(transport, outcome string, elapsed time.Duration)
	AddBytesRelayed(n int)
	IncHeadersSynthesized()
	IncUpstreamErrors(kind string)
}

// Outcomes reported to the Recorder.
const (
	OutcomeComplete      = "complete"
	OutcomeUpstreamError = "upstream_error"
	OutcomeClientGone    = "client_gone"
)

// ErrClientGone wraps failures to deliver bytes to the client.
var ErrClientGone = errors.New("client connection lost")

// Session is the per-request relay state. It is never shared between requests.
type Session struct {
	ID                string
	Transport         string
	StartedAt         time.Time
	FirstChunkSeen    bool
	HeaderSent        bool
	HeaderSynthesized bool
	BytesIn           int64
	BytesOut          int64
}

// Relay forwards synthesized audio from the backend to one client.
type Relay struct {
	format wav.Format
	rec    Recorder
	log    *slog.Logger
}

// New returns a Relay that synthesizes headers in the given format.
// rec may be nil.
func New(format wav.Format, rec Recorder, log *slog.Logger) *Relay {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Relay{
		format: format.WithDefaults(),
		rec:    rec,
		log:    log.With(slog.String("component", "relay")),
	}
}

// Format is the format used for synthesized headers.
func (r *Relay) Format() wav.Format {
	return r.format
}

// NewSession starts bookkeeping for one request.
func (r *Relay) NewSession(transport string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Transport: transport,
		StartedAt: time.Now(),
	}
}

// Reject records a backend failure that happened before any byte was relayed.
func (r *Relay) Reject(sess *Session, err error) {
	kind := upstream.KindLabel(err)
	r.rec.IncUpstreamErrors(kind)
	r.log.Warn("backend rejected synthesis",
		slog.String("session", sess.ID),
		slog.String("transport", sess.Transport),
		slog.String("kind", kind),
		slog.Any("err", err),
	)
}

// Forward copies src to dst until the backend closes the stream.
//
// The first four bytes decide whether the backend already sent a RIFF
// container. If not, a streaming header in the relay format goes out first.
// A first chunk shorter than four bytes is held back until four bytes are
// known or the stream ends. Every later chunk is written and flushed as it
// arrives. Forward always closes src.
func (r *Relay) Forward(ctx context.Context, sess *Session, dst Sink, src ChunkSource) (err error) {
	defer src.Close()

	r.rec.SessionStarted()
	defer func() {
		outcome := OutcomeComplete
		switch {
		case errors.Is(err, ErrClientGone), errors.Is(err, context.Canceled):
			outcome = OutcomeClientGone
		case err != nil:
			outcome = OutcomeUpstreamError
			r.rec.IncUpstreamErrors(upstream.KindLabel(err))
		}
		elapsed := time.Since(sess.StartedAt)
		r.rec.SessionFinished(sess.Transport, outcome, elapsed)

		attrs := []any{
			slog.String("session", sess.ID),
			slog.String("transport", sess.Transport),
			slog.String("outcome", outcome),
			slog.Bool("header_synthesized", sess.HeaderSynthesized),
			slog.Int64("bytes_in", sess.BytesIn),
			slog.Int64("bytes_out", sess.BytesOut),
			slog.Duration("elapsed", elapsed),
		}
		if err != nil {
			r.log.Warn("relay ended early", append(attrs, slog.Any("err", err))...)
		} else {
			r.log.Info("relay finished", attrs...)
		}
	}()

	var pending []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			if !sess.HeaderSent {
				return r.writeFirst(sess, dst, pending)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read backend stream: %w", err)
		}
		if len(chunk) == 0 {
			continue
		}
		sess.BytesIn += int64(len(chunk))

		if sess.HeaderSent {
			if err := r.write(sess, dst, chunk); err != nil {
				return err
			}
			continue
		}

		sess.FirstChunkSeen = true
		pending = append(pending, chunk...)
		if len(pending) < 4 {
			continue
		}
		if err := r.writeFirst(sess, dst, pending); err != nil {
			return err
		}
		pending = nil
	}
}

// writeFirst emits the opening bytes, prefixed by a synthesized header when
// they do not start with the RIFF tag. An empty stream still gets a header.
func (r *Relay) writeFirst(sess *Session, dst Sink, first []byte) error {
	sess.HeaderSent = true
	if !wav.HasMagic(first) {
		sess.HeaderSynthesized = true
		r.rec.IncHeadersSynthesized()
		if err := r.write(sess, dst, wav.StreamingHeader(r.format)); err != nil {
			return err
		}
	}
	if len(first) == 0 {
		return nil
	}
	return r.write(sess, dst, first)
}

func (r *Relay) write(sess *Session, dst Sink, b []byte) error {
	n, err := dst.Write(b)
	sess.BytesOut += int64(n)
	r.rec.AddBytesRelayed(n)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	if err := dst.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted()                               {}
func (nopRecorder) SessionFinished(string, string, time.Duration) {}
func (nopRecorder) AddBytesRelayed(int)                           {}
func (nopRecorder) IncHeadersSynthesized()                        {}
func (nopRecorder) IncUpstreamErrors(string)                      {}
