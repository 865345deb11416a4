package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
	"github.com/zhouzirui/tts-relay/internal/config"
)

const readBufferSize = 4096

// Result summarizes one playback session.
type Result struct {
	SessionID string
	Format    wav.Format
	Frames    int
	Bytes     int64
	Rebuffers int
	Truncated bool
	Elapsed   time.Duration
}

// Player plays WAV streams on an Output with adaptive buffering.
type Player struct {
	cfg      config.PlaybackConfig
	out      Output
	log      *slog.Logger
	onChange StateChangeFunc
}

// NewPlayer creates a Player. A nil onChange is allowed.
func NewPlayer(cfg config.PlaybackConfig, out Output, onChange StateChangeFunc, log *slog.Logger) *Player {
	return &Player{
		cfg:      cfg,
		out:      out,
		log:      log.With(slog.String("component", "player")),
		onChange: onChange,
	}
}

// Play reads body to its end and blocks until the audio has finished
// playing. Reads run on the calling goroutine; the scheduler ticks on its
// own. Cancelling ctx stops both and closes body.
//
// A transport error while reading is treated as the end of the stream.
// A malformed header aborts the session before anything is played.
func (p *Player) Play(ctx context.Context, body io.ReadCloser) (Result, error) {
	started := time.Now()
	res := Result{SessionID: uuid.NewString()}
	log := p.log.With(slog.String("session_id", res.SessionID))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer body.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = body.Close()
	})
	defer stop()

	sched := NewScheduler(p.cfg, p.out, log)
	sched.OnStateChange(p.onChange)
	recv := NewReceiver(sched, p.cfg.FrameSize)

	runErr := make(chan error, 1)
	go func() {
		err := sched.Run(ctx)
		if err != nil {
			cancel()
		}
		runErr <- err
	}()

	finish := func() Result {
		stats := sched.Stats()
		res.Format, _ = recv.Format()
		res.Frames = recv.Frames()
		res.Bytes = recv.Appended()
		res.Rebuffers = stats.Rebuffers
		res.Elapsed = time.Since(started)
		return res
	}

	_, copyErr := io.CopyBuffer(recv, body, make([]byte, readBufferSize))
	if copyErr != nil {
		var malformed *wav.MalformedHeaderError
		var srvErr *ServerError
		switch {
		case errors.As(copyErr, &malformed), errors.As(copyErr, &srvErr):
			return p.abort(sched, cancel, runErr, finish, copyErr)
		case ctx.Err() != nil:
			return p.abort(sched, cancel, runErr, finish, ctx.Err())
		default:
			res.Truncated = true
			log.Warn("stream ended abruptly", slog.Any("err", copyErr))
		}
	}

	if err := recv.Close(); err != nil {
		return p.abort(sched, cancel, runErr, finish, err)
	}

	if err := <-runErr; err != nil {
		return finish(), fmt.Errorf("playback: %w", err)
	}

	out := finish()
	log.Info("playback finished",
		slog.String("format", out.Format.String()),
		slog.Int("frames", out.Frames),
		slog.Int64("bytes", out.Bytes),
		slog.Int("rebuffers", out.Rebuffers),
		slog.Duration("elapsed", out.Elapsed),
	)
	return out, nil
}

// abort resets the scheduler, waits for its loop to exit and reports cause,
// preferring an error raised by the loop itself.
func (p *Player) abort(sched *Scheduler, cancel context.CancelFunc, runErr <-chan error, finish func() Result, cause error) (Result, error) {
	sched.Abort()
	cancel()
	err := <-runErr
	if err != nil && !errors.Is(err, ErrAborted) && !errors.Is(err, context.Canceled) {
		return finish(), fmt.Errorf("playback: %w", err)
	}
	return finish(), cause
}
