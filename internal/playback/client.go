package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tts-relay/internal/model/speech"
	"github.com/zhouzirui/tts-relay/pkg/utils"
)

// ServerError is a non-audio reply from the relay.
type ServerError struct {
	StatusCode int
	Body       utils.ErrorBody
}

func (e *ServerError) Error() string {
	msg := "relay error: " + e.Body.Error
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Body.Error)
	}
	if e.Body.UpstreamStatus != 0 {
		msg += fmt.Sprintf(" (backend status %d)", e.Body.UpstreamStatus)
	}
	return msg
}

// Client opens audio streams from a relay server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	log        *slog.Logger
}

// NewClient creates a client for the relay at baseURL.
func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   16 << 10,
		},
		log: log.With(slog.String("component", "relay_client")),
	}
}

// OpenHTTP posts req to the streaming endpoint and returns the audio body.
func (c *Client) OpenHTTP(ctx context.Context, req speech.SynthesisRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tts/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post stream request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		srvErr := &ServerError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(data, &srvErr.Body); err != nil {
			srvErr.Body.Error = strings.TrimSpace(string(data))
		}
		return nil, srvErr
	}

	c.log.Debug("stream opened",
		slog.String("transport", "http"),
		slog.String("session", resp.Header.Get("X-Stream-Session")),
	)
	return resp.Body, nil
}

// OpenWebSocket sends req over the WebSocket endpoint. Binary messages are
// exposed as one continuous byte stream.
func (c *Client) OpenWebSocket(ctx context.Context, req speech.SynthesisRequest) (io.ReadCloser, error) {
	url := c.baseURL + "/api/tts/ws"
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, &ServerError{StatusCode: resp.StatusCode, Body: utils.ErrorBody{Error: err.Error()}}
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send request: %w", err)
	}

	c.log.Debug("stream opened", slog.String("transport", "websocket"))
	return &wsStream{conn: conn, log: c.log}, nil
}

// wsStream adapts a message-oriented connection to io.Reader. A normal
// close ends the stream with io.EOF; any other close or a dropped
// connection reads as io.ErrUnexpectedEOF.
type wsStream struct {
	conn *websocket.Conn
	cur  io.Reader
	log  *slog.Logger
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.cur != nil {
			n, err := s.cur.Read(p)
			if errors.Is(err, io.EOF) {
				s.cur = nil
				err = nil
			}
			if n > 0 || err != nil {
				return n, err
			}
			continue
		}

		kind, r, err := s.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return 0, io.EOF
			}
			s.log.Debug("websocket stream ended abruptly", slog.Any("err", err))
			return 0, io.ErrUnexpectedEOF
		}

		switch kind {
		case websocket.BinaryMessage:
			s.cur = r
		case websocket.TextMessage:
			var body utils.ErrorBody
			if err := json.NewDecoder(r).Decode(&body); err != nil {
				return 0, fmt.Errorf("decode server message: %w", err)
			}
			return 0, &ServerError{StatusCode: body.UpstreamStatus, Body: body}
		}
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
