package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
	"github.com/zhouzirui/tts-relay/internal/config"
	"github.com/zhouzirui/tts-relay/internal/model/speech"
	"github.com/zhouzirui/tts-relay/internal/service/relay"
	"github.com/zhouzirui/tts-relay/internal/service/upstream"
	"github.com/zhouzirui/tts-relay/pkg/utils"
)

const maxRequestBody = 1 << 20

// Backend 语音合成后端
type Backend interface {
	Open(ctx context.Context, req speech.SynthesisRequest) (*upstream.Stream, error)
	Synthesize(ctx context.Context, req speech.SynthesisRequest) ([]byte, error)
	Probe(ctx context.Context) error
}

// VoiceResolver 语音档案查询
type VoiceResolver interface {
	Resolve(name string) (speech.VoiceProfile, error)
	DefaultVoice() string
	List() []speech.VoiceProfile
}

// Options 处理器可选项
type Options struct {
	DefaultLanguage string
	WebSocket       bool
}

// Handler 语音中继 HTTP 处理器
type Handler struct {
	backend  Backend
	relay    *relay.Relay
	voices   VoiceResolver
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New 创建处理器
func New(backend Backend, rl *relay.Relay, voices VoiceResolver, opts Options, log *slog.Logger) *Handler {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en"
	}
	return &Handler{
		backend: backend,
		relay:   rl,
		voices:  voices,
		opts:    opts,
		log:     log.With(slog.String("component", "tts_handler")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 16 << 10,
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/tts", func(r chi.Router) {
		r.Post("/stream", h.handleStream)
		r.Post("/synthesize", h.handleSynthesize)
		r.Get("/health", h.handleHealth)
		if h.opts.WebSocket {
			r.Get("/ws", h.handleWebSocket)
		}
	})
	r.Get("/voices", h.handleVoices)
}

// requestError 请求本身不合法，与后端无关
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

// prepare 校验请求并按语音档案补全参考音频与语言
func (h *Handler) prepare(req speech.SynthesisRequest) (speech.SynthesisRequest, error) {
	if !req.Normalize() {
		return req, &requestError{status: http.StatusBadRequest, msg: "text is required"}
	}

	profile, err := h.voices.Resolve(req.Voice)
	if err != nil {
		if errors.Is(err, config.ErrVoiceNotFound) {
			return req, &requestError{status: http.StatusNotFound, msg: fmt.Sprintf("voice %q not found", req.Voice)}
		}
		return req, fmt.Errorf("resolve voice: %w", err)
	}

	req.Reference = profile.Reference
	if req.Language == "" {
		req.Language = profile.Language
	}
	if req.Language == "" {
		req.Language = h.opts.DefaultLanguage
	}
	return req, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (speech.SynthesisRequest, bool) {
	var req speech.SynthesisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}

	req, err := h.prepare(req)
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			utils.RespondError(w, reqErr.status, reqErr.msg)
		} else {
			h.log.Error("prepare request", slog.Any("err", err))
			utils.RespondError(w, http.StatusInternalServerError, "failed to prepare request")
		}
		return req, false
	}
	return req, true
}

// handleStream 以 audio/wav 流式转发合成音频
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	sess := h.relay.NewSession("http")
	stream, err := h.backend.Open(r.Context(), req)
	if err != nil {
		h.relay.Reject(sess, err)
		respondUpstreamError(w, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "audio/wav")
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("X-Stream-Session", sess.ID)

	err = h.relay.Forward(r.Context(), sess, newHTTPSink(w), stream)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrClientGone), r.Context().Err() != nil:
	case sess.BytesOut == 0:
		// 尚未写出任何字节，仍可返回错误状态码
		for _, key := range []string{"Content-Type", "Cache-Control", "X-Content-Type-Options"} {
			header.Del(key)
		}
		respondUpstreamError(w, err)
	default:
		// 中途失败：不写分块结束标记，直接断开连接
		panic(http.ErrAbortHandler)
	}
}

// handleSynthesize 非流式合成，返回完整 WAV 文件
func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	sess := h.relay.NewSession("file")
	data, err := h.backend.Synthesize(r.Context(), req)
	if err != nil {
		h.relay.Reject(sess, err)
		respondUpstreamError(w, err)
		return
	}

	if !wav.HasMagic(data) {
		data = append(wav.FileHeader(h.relay.Format(), len(data)), data...)
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", `attachment; filename="tts.wav"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.Warn("write synthesized file", slog.Any("err", err))
	}
}

// handleHealth 探测后端是否存活
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Probe(r.Context()); err != nil {
		utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleVoices(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"default": h.voices.DefaultVoice(),
		"voices":  h.voices.List(),
	})
}

func upstreamErrorBody(err error) utils.ErrorBody {
	body := utils.ErrorBody{Error: err.Error()}
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		body.UpstreamStatus = upErr.StatusCode
		body.UpstreamBody = upErr.Body
	}
	return body
}

func respondUpstreamError(w http.ResponseWriter, err error) {
	utils.RespondJSON(w, upstream.HTTPStatus(err), upstreamErrorBody(err))
}

// httpSink 每次写入后立即刷新
type httpSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	return &httpSink{w: w, rc: http.NewResponseController(w)}
}

func (s *httpSink) Write(b []byte) (int, error) {
	return s.w.Write(b)
}

func (s *httpSink) Flush() error {
	return s.rc.Flush()
}
