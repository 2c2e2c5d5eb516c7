package handler

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"socialchat/internal/auth"
	"socialchat/internal/chat"
	"socialchat/internal/model"
	"socialchat/internal/registry"
)

// Close codes sent when the handshake token is rejected.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4002
)

// createUpgrader creates a WebSocket upgrader with the given allowed origins.
// Requests without an Origin header (non-browser clients) are allowed, as is
// any origin when the list contains "*".
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedMap["*"] || allowedMap[origin]
		},
	}
}

// HandleRealtime handles GET /realtime
func (h *Handler) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	log := h.Log.With(zap.String("route", "GET /realtime"), zap.String("remote", r.RemoteAddr))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("❌ upgrade failed", zap.Error(err))
		return
	}

	// The token travels in the query so browsers can open the socket.
	identity, err := h.Auth.Verify(r.URL.Query().Get("token"))
	if err != nil {
		code, reason := rejectCode(err)
		h.Metrics.HandshakeRejected(reason)
		log.Info("❌ handshake rejected", zap.Int("code", code), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()),
			deadline(h.writeWait))
		conn.Close()
		return
	}

	sock := newSocket(conn, h.writeWait, h.sendQueueSize)
	go sock.writePump()

	c := h.Chat.Join(identity, sock)
	log = log.With(zap.String("connection_id", c.ID), zap.String("user_id", identity.ID))
	log.Info("✅ connection admitted", zap.Int("total", h.Registry.Len()))

	conn.SetReadLimit(maxFrameBytes)
	conn.SetPongHandler(func(string) error {
		h.Registry.Ack(c.ID)
		return nil
	})

	defer func() {
		h.Chat.Leave(c.ID)
		sock.Close()
		log.Info("connection closed", zap.Int("total", h.Registry.Len()))
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn("read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		h.handleFrame(c, data, log)
	}
}

// handleFrame dispatches one inbound frame. Failures are reported back to the
// sender as an error envelope and never close the connection.
func (h *Handler) handleFrame(c *registry.Connection, raw []byte, log *zap.Logger) {
	_, payload, err := model.ParseFrame(raw)
	if err != nil {
		log.Debug("malformed frame", zap.Error(err))
		h.reply(c, model.ErrorPayload{Message: "invalid message format", Timestamp: h.now()})
		return
	}

	switch p := payload.(type) {
	case model.Heartbeat:
		h.Registry.Ack(c.ID)
		h.reply(c, model.HeartbeatAck{Timestamp: h.now()})
	case model.ChatMessage:
		if _, _, err := h.Chat.Publish(c.Identity, p, chat.TransportWebSocket); err != nil {
			h.reply(c, model.ErrorPayload{Message: err.Error(), Timestamp: h.now()})
		}
	default:
		h.reply(c, model.Echo{OriginalMessage: raw, Timestamp: h.now()})
	}
}

func (h *Handler) reply(c *registry.Connection, p model.Payload) {
	env, err := model.Wrap(p)
	if err != nil {
		h.Log.Error("wrap reply", zap.Error(err))
		return
	}
	_ = h.Registry.Send(c, env)
}

func rejectCode(err error) (int, string) {
	if errors.Is(err, auth.ErrMissingToken) {
		return CloseMissingToken, "missing_token"
	}
	return CloseInvalidToken, "invalid_token"
}
