package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tts-relay/internal/model/speech"
	"github.com/zhouzirui/tts-relay/internal/platform/logger"
	"github.com/zhouzirui/tts-relay/internal/playback"
)

// rootFlags 全局参数
type rootFlags struct {
	server    string
	logLevel  string
	logFormat string
	lang      string
	voice     string
	websocket bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "ttsplay",
		Short:         "Stream synthesized speech from a tts relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.server, "server", "s", envOr("TTS_RELAY_URL", "http://localhost:5000"), "relay base URL (env TTS_RELAY_URL)")
	pf.StringVar(&flags.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")
	pf.StringVarP(&flags.lang, "lang", "l", "", "text language, defaults to the voice's language")
	pf.StringVarP(&flags.voice, "voice", "v", "", "voice profile name")
	pf.BoolVar(&flags.websocket, "ws", false, "use the WebSocket transport instead of HTTP")

	root.AddCommand(newPlayCmd(flags), newSaveCmd(flags))
	return root
}

func (f *rootFlags) logger() *slog.Logger {
	return logger.NewWithWriter(os.Stderr, f.logLevel, f.logFormat)
}

func (f *rootFlags) client(log *slog.Logger) *playback.Client {
	return playback.NewClient(f.server, log)
}

// request 从参数或标准输入读取文本
func (f *rootFlags) request(cmd *cobra.Command, args []string) (speech.SynthesisRequest, error) {
	text := strings.Join(args, " ")
	if strings.TrimSpace(text) == "" {
		data, err := io.ReadAll(bufio.NewReader(cmd.InOrStdin()))
		if err != nil {
			return speech.SynthesisRequest{}, fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}

	req := speech.SynthesisRequest{Text: text, Language: f.lang, Voice: f.voice}
	if !req.Normalize() {
		return req, fmt.Errorf("no text to synthesize")
	}
	return req, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
