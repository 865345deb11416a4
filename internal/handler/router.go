package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/tts-relay/internal/handler/chat"
	"github.com/zhouzirui/tts-relay/internal/handler/tts"
	middlewarePkg "github.com/zhouzirui/tts-relay/internal/middleware"
	"github.com/zhouzirui/tts-relay/internal/platform/logger"
	"github.com/zhouzirui/tts-relay/internal/platform/metrics"
	"github.com/zhouzirui/tts-relay/pkg/utils"
)

// Deps 路由依赖，Chat 可以为 nil
type Deps struct {
	TTS     *tts.Handler
	Chat    *chat.Handler
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.RequestLogger(deps.Log))
	if deps.Metrics != nil {
		r.Use(metrics.RequestMiddleware(deps.Metrics))
	}
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		deps.TTS.RegisterRoutes(api)

		if deps.Chat != nil {
			deps.Chat.RegisterRoutes(api)
		}
	})

	return r
}
