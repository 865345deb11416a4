package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tts-relay/internal/config"
	"github.com/zhouzirui/tts-relay/internal/playback"
	"github.com/zhouzirui/tts-relay/internal/playback/output"
)

func newPlayCmd(root *rootFlags) *cobra.Command {
	var (
		cfg          config.PlaybackConfig
		deviceBuffer time.Duration
		quiet        bool
	)

	cmd := &cobra.Command{
		Use:   "play [text...]",
		Short: "Synthesize text and play it as it streams in",
		Long: `Streams audio from the relay and plays it gaplessly. Playback starts once
the buffer threshold is reached or the stream ends, and pauses to rebuffer
when the queue runs low. Text is read from stdin when no arguments are given.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := root.logger()

			req, err := root.request(cmd, args)
			if err != nil {
				return err
			}

			client := root.client(log)
			var body io.ReadCloser
			if root.websocket {
				body, err = client.OpenWebSocket(ctx, req)
			} else {
				body, err = client.OpenHTTP(ctx, req)
			}
			if err != nil {
				return err
			}

			out := output.NewOto(deviceBuffer, log)
			defer out.Close()

			status := cmd.ErrOrStderr()
			onChange := func(from, to playback.State) {
				if !quiet {
					fmt.Fprintf(status, "[%s]\n", to)
				}
			}

			res, err := playback.NewPlayer(cfg, out, onChange, log).Play(ctx, body)
			if err != nil {
				return err
			}

			if !quiet {
				fmt.Fprintf(status, "played %d frames (%s, %d bytes, %d rebuffers) in %s\n",
					res.Frames, res.Format, res.Bytes, res.Rebuffers, res.Elapsed.Round(time.Millisecond))
				if res.Truncated {
					fmt.Fprintln(status, "warning: stream ended abruptly")
				}
			}
			return nil
		},
	}

	defaults, err := config.LoadPlaybackConfig()
	if err != nil {
		defaults = config.DefaultPlaybackConfig()
	}

	f := cmd.Flags()
	f.IntVar(&cfg.BufferThreshold, "threshold", defaults.BufferThreshold, "bytes to buffer before playback starts or resumes")
	f.IntVar(&cfg.LowWaterFrames, "low-water", defaults.LowWaterFrames, "queued frames below which playback rebuffers")
	f.IntVar(&cfg.FrameSize, "frame-size", defaults.FrameSize, "frame size in bytes")
	f.DurationVar(&cfg.TickInterval, "tick", defaults.TickInterval, "scheduler check interval")
	f.IntVar(&cfg.FramesPerTick, "frames-per-tick", defaults.FramesPerTick, "frames scheduled per check")
	f.DurationVar(&deviceBuffer, "device-buffer", 0, "audio device buffer size, 0 uses the driver default")
	f.BoolVarP(&quiet, "quiet", "q", false, "do not print playback status")

	return cmd
}
