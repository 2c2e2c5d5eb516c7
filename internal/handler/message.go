package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"socialchat/internal/chat"
	"socialchat/internal/model"
)

type messagesResponse struct {
	Success  bool             `json:"success"`
	Messages []model.Envelope `json:"messages"`
	Count    int              `json:"count"`
	Cursor   string           `json:"cursor,omitempty"`
}

type createResponse struct {
	Success bool           `json:"success"`
	Data    model.Envelope `json:"data"`
	Message string         `json:"message"`
}

// GetMessages handles GET /api/messages
//
// Returns the buffered messages after ?lastMessageId= (all of them when the
// cursor is absent or no longer buffered) plus the cursor for the next poll.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("lastMessageId")
	if cursor == "" {
		cursor = r.URL.Query().Get("cursor")
	}

	msgs := h.Chat.Since(cursor)
	envs := make([]model.Envelope, 0, len(msgs))
	for _, m := range msgs {
		envs = append(envs, model.MustWrap(m))
	}
	next := cursor
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].ID
	}

	writeJSON(w, http.StatusOK, messagesResponse{
		Success:  true,
		Messages: envs,
		Count:    len(envs),
		Cursor:   next,
	})
}

// CreateMessage handles POST /api/messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	log := h.Log.With(zap.String("route", "POST /api/messages"), zap.String("remote", r.RemoteAddr))
	identity, _ := identityFrom(r.Context())

	// リクエストボディサイズを1MBに制限
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var env model.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Type == "" {
		log.Info("❌ bad request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid message format")
		return
	}
	if env.Type != model.TypeChatMessage {
		log.Info("❌ bad request", zap.String("type", string(env.Type)))
		writeError(w, http.StatusBadRequest, "unsupported message type")
		return
	}
	payload, err := env.Decode()
	if err != nil {
		log.Info("❌ bad request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid message format")
		return
	}

	msg, stored, err := h.Chat.Publish(identity, payload.(model.ChatMessage), chat.TransportPolling)
	if err != nil {
		if errors.Is(err, model.ErrEmptyContent) {
			log.Info("❌ bad request", zap.Error(err))
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error("❌ publish failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	status := http.StatusCreated
	if !stored {
		status = http.StatusOK
	}
	log.Info("✅ message sent", zap.String("message_id", msg.ID), zap.String("user_id", identity.ID))
	writeJSON(w, status, createResponse{
		Success: true,
		Data:    model.MustWrap(msg),
		Message: "message sent",
	})
}
