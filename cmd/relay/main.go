package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/tts-relay/internal/config"
	"github.com/zhouzirui/tts-relay/internal/handler"
	chatHandler "github.com/zhouzirui/tts-relay/internal/handler/chat"
	ttsHandler "github.com/zhouzirui/tts-relay/internal/handler/tts"
	"github.com/zhouzirui/tts-relay/internal/platform/logger"
	"github.com/zhouzirui/tts-relay/internal/platform/metrics"
	"github.com/zhouzirui/tts-relay/internal/service/ai"
	"github.com/zhouzirui/tts-relay/internal/service/chat"
	"github.com/zhouzirui/tts-relay/internal/service/relay"
	"github.com/zhouzirui/tts-relay/internal/service/upstream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)
	if envErr != nil {
		log.Warn("failed to load .env file, continuing with system environment variables only", slog.Any("err", envErr))
	}

	voices, err := config.LoadVoiceCatalog(cfg.Backend)
	if err != nil {
		log.Error("failed to load voice profiles", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("voice profiles loaded",
		slog.Int("count", len(voices.Voices)),
		slog.String("default", voices.DefaultVoice()),
	)

	m := metrics.New()
	fetcher := upstream.NewFetcher(cfg.Backend, log)
	rl := relay.New(cfg.Relay.DefaultFormat, m, log)

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Backend.ProbeTimeout)
	if err := fetcher.Probe(probeCtx); err != nil {
		log.Warn("tts backend not reachable yet", slog.String("url", cfg.Backend.BaseURL), slog.Any("err", err))
	}
	cancel()

	tts := ttsHandler.New(fetcher, rl, voices, ttsHandler.Options{
		DefaultLanguage: cfg.Backend.TextLanguage,
		WebSocket:       cfg.Relay.WebSocket,
	}, log)

	history, err := chat.NewHistoryStore(cfg.AI.HistoryFile)
	if err != nil {
		log.Error("failed to load chat history", slog.Any("err", err))
		os.Exit(1)
	}

	// Initialize AI service
	var streamer chatHandler.Streamer
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, log)
		if err != nil {
			log.Warn("failed to initialize AI service, continuing without chat", slog.Any("err", err))
		} else {
			streamer = aiService
			log.Info("AI service initialized", slog.String("model", cfg.AI.Model))
		}
	} else {
		log.Info("Ark 凭证未配置，跳过聊天功能初始化")
	}

	router := handler.NewRouter(handler.Deps{
		TTS:     tts,
		Chat:    chatHandler.New(streamer, history, log),
		Metrics: m,
		Log:     log,
	})

	startServer(ctx, cfg.Server, router, log)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log *slog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("tts relay listening", slog.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		log.Error("server error", slog.Any("err", err))
		os.Exit(1)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
