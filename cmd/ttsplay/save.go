package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tts-relay/internal/playback"
)

func newSaveCmd(root *rootFlags) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "save [text...]",
		Short: "Synthesize text into a WAV file",
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
			defer body.Close()

			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}

			n, err := playback.SaveStream(f, body)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes of audio)\n", outPath, n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "tts.wav", "output file")
	return cmd
}
