package tts

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tts-relay/internal/model/speech"
	"github.com/zhouzirui/tts-relay/internal/service/relay"
	"github.com/zhouzirui/tts-relay/pkg/utils"
)

const (
	wsRequestTimeout = 10 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

// handleWebSocket 通过 WebSocket 中继音频。
// 客户端先发送一条 JSON 文本消息作为合成请求，之后服务端以二进制消息推送音频，
// 正常结束时发送 1000 关闭帧；后端中途失败时不发送关闭帧直接断开。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestBody)
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestTimeout))

	var req speech.SynthesisRequest
	if err := conn.ReadJSON(&req); err != nil {
		closeWS(conn, websocket.CloseUnsupportedData, "invalid request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, err = h.prepare(req)
	if err != nil {
		var reqErr *requestError
		msg := "failed to prepare request"
		if errors.As(err, &reqErr) {
			msg = reqErr.msg
		}
		_ = conn.WriteJSON(utils.ErrorBody{Error: msg})
		closeWS(conn, websocket.ClosePolicyViolation, msg)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 唯一的读协程：客户端关闭或断开时取消中继
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sess := h.relay.NewSession("ws")
	stream, err := h.backend.Open(ctx, req)
	if err != nil {
		h.relay.Reject(sess, err)
		_ = conn.WriteJSON(upstreamErrorBody(err))
		closeWS(conn, websocket.CloseInternalServerErr, "upstream failure")
		return
	}

	err = h.relay.Forward(ctx, sess, &wsSink{conn: conn}, stream)
	if err != nil {
		// 直接关闭底层连接，客户端据此判断音频不完整
		return
	}
	closeWS(conn, websocket.CloseNormalClosure, "end of stream")
}

func closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// wsSink 每次写入对应一条二进制消息
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Write(b []byte) (int, error) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *wsSink) Flush() error { return nil }

var _ relay.Sink = (*wsSink)(nil)
