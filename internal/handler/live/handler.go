// Package live terminates the client voice socket and dispatches its
// messages to the session registry.
package live

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tutor-voice/backend/internal/logger"
	"github.com/zhouzirui/tutor-voice/backend/internal/metrics"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/session"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/speech"
)

// Registry is the session registry surface the handler drives.
type Registry interface {
	Create(ctx context.Context, client session.Client, userID, agentKey string) (string, error)
	SendAudio(sessionID string, pcm []byte) error
	Teardown(sessionID, reason string) bool
	Release(sessionID, reason string) bool
}

// Options 客户端连接参数，零值使用默认
type Options struct {
	OutboundQueue int
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Handler 语音会话 WebSocket 处理器
type Handler struct {
	registry Registry
	metrics  *metrics.Metrics
	opts     Options
	upgrader websocket.Upgrader
	log      *log.Logger
}

// New 创建处理器
func New(registry Registry, m *metrics.Metrics, opts Options) *Handler {
	return &Handler{
		registry: registry,
		metrics:  m,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: logger.With("component", "voice-ws"),
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/voice/ws", h.handleWebSocket)
}

// connState is owned by the connection's read loop.
type connState struct {
	sessionID string
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "err", err)
		return
	}

	l := h.log.With("remote", r.RemoteAddr)
	c := newConn(ws, h.opts, h.metrics, l)
	go c.writeLoop()

	state := &connState{}
	// readFailed is set when the socket is gone; nothing more is written to it.
	readFailed := false
	defer func() {
		if state.sessionID != "" {
			h.registry.Release(state.sessionID, session.ReasonSocketClosed)
		}
		closeConn := c.Close
		if readFailed {
			closeConn = c.Abort
		}
		if err := closeConn(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			l.Debug("close client socket", "err", err)
		}
		l.Info("client disconnected")
	}()

	l.Info("client connected")

	_ = ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readFailed = true
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.Warn("read error", "err", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		if !h.dispatch(r.Context(), c, state, data) {
			return
		}
	}
}

// dispatch handles one client frame and reports whether to keep reading.
func (h *Handler) dispatch(ctx context.Context, c *conn, state *connState, data []byte) bool {
	msg, err := voice.DecodeClientMessage(data)
	if err != nil {
		var decodeErr *voice.DecodeError
		if errors.As(err, &decodeErr) {
			c.Send(voice.Error(state.sessionID, decodeErr.Code, decodeErr.Message))
		} else {
			c.Send(voice.Error(state.sessionID, voice.CodeMessageParse, err.Error()))
		}
		return true
	}

	switch msg.Kind {
	case voice.KindInit:
		h.handleInit(ctx, c, state, msg)
	case voice.KindAudio:
		h.handleAudio(c, state, msg.Audio)
	case voice.KindDisconnect:
		if state.sessionID == "" || !h.registry.Teardown(state.sessionID, session.ReasonClientDisconnect) {
			c.Send(voice.SessionEnded(state.sessionID, session.ReasonClientDisconnect))
		}
		state.sessionID = ""
		return false
	}
	return true
}

func (h *Handler) handleInit(ctx context.Context, c *conn, state *connState, msg voice.ClientMessage) {
	if msg.UserID == "" || msg.AgentTitle == "" {
		c.Send(voice.Error("", voice.CodeSessionInit, "userId and agentTitle are required"))
		return
	}

	if state.sessionID != "" {
		h.registry.Teardown(state.sessionID, session.ReasonReinit)
		state.sessionID = ""
	}

	id, err := h.registry.Create(ctx, c, msg.UserID, msg.AgentTitle)
	if err != nil {
		h.log.Warn("session init failed", "user", msg.UserID, "agent", msg.AgentTitle, "err", err)
		c.Send(voice.Error("", errorCode(err), err.Error()))
		return
	}
	state.sessionID = id
}

func (h *Handler) handleAudio(c *conn, state *connState, pcm []byte) {
	if state.sessionID == "" {
		c.Send(voice.Error("", voice.CodeAudioChunk, "no active session, send init first"))
		return
	}

	if err := h.registry.SendAudio(state.sessionID, pcm); err != nil {
		c.Send(voice.Error(state.sessionID, errorCode(err), err.Error()))
		if errors.Is(err, session.ErrSessionNotFound) {
			state.sessionID = ""
		}
	}
}

// errorCode maps registry and upstream errors to client error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrPersonaValidation):
		return voice.CodeAgentValidation
	case errors.Is(err, session.ErrSessionNotFound):
		return voice.CodeAudioChunk
	case errors.Is(err, session.ErrUpstreamNotOpen),
		errors.Is(err, session.ErrForwardFailed),
		errors.Is(err, speech.ErrStreamClosed):
		return voice.CodeAudioForward
	default:
		return voice.CodeSessionInit
	}
}
