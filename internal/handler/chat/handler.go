package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tts-relay/internal/model/chat"
	"github.com/zhouzirui/tts-relay/pkg/utils"
)

// Streamer 生成流式回复
type Streamer interface {
	StreamReply(ctx context.Context, history []chat.Turn, prompt string) (*schema.StreamReader[*schema.Message], error)
}

// History 对话历史存储
type History interface {
	Turns() []chat.Turn
	Append(prompt, reply string) error
	Reset() error
}

// Handler 聊天代理的HTTP处理器
type Handler struct {
	ai      Streamer
	history History
	log     *slog.Logger
}

// New 创建聊天处理器，ai 为 nil 时流式接口返回 503
func New(ai Streamer, history History, log *slog.Logger) *Handler {
	return &Handler{
		ai:      ai,
		history: history,
		log:     log.With(slog.String("component", "chat_handler")),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Post("/stream", h.handleStream)
		r.Get("/history", h.handleHistory)
		r.Delete("/history", h.handleResetHistory)
	})
}

type textEvent struct {
	Text string `json:"text"`
}

type finishEvent struct {
	FinishReason string `json:"finish_reason"`
}

type errorEvent struct {
	Error string `json:"error"`
}

// handleStream 以 SSE 推送模型回复增量，结束后写入历史
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.ai == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "chat model is not configured")
		return
	}

	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prompt := strings.TrimSpace(payload.Prompt)
	if prompt == "" {
		utils.RespondError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	stream, err := h.ai.StreamReply(r.Context(), h.history.Turns(), prompt)
	if err != nil {
		h.log.Error("start reply stream", slog.Any("err", err))
		utils.RespondError(w, http.StatusBadGateway, "chat model unavailable")
		return
	}
	defer stream.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	var reply strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			h.log.Error("receive reply chunk", slog.Any("err", recvErr))
			_ = utils.SendSSEChunk(w, errorEvent{Error: recvErr.Error()})
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		reply.WriteString(chunk.Content)
		if err := utils.SendSSEChunk(w, textEvent{Text: chunk.Content}); err != nil {
			h.log.Warn("client went away", slog.Any("err", err))
			return
		}
	}

	if err := utils.SendSSEChunk(w, finishEvent{FinishReason: "stop"}); err != nil {
		h.log.Warn("send finish event", slog.Any("err", err))
	}

	if err := h.history.Append(prompt, reply.String()); err != nil {
		h.log.Error("append history", slog.Any("err", err))
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.history.Turns())
}

func (h *Handler) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.history.Reset(); err != nil {
		h.log.Error("reset history", slog.Any("err", err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to reset history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
