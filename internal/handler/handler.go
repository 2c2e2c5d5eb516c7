package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"socialchat/internal/auth"
	"socialchat/internal/chat"
	"socialchat/internal/config"
	"socialchat/internal/logger"
	"socialchat/internal/metrics"
	"socialchat/internal/model"
	"socialchat/internal/registry"
)

// Handler holds application dependencies
type Handler struct {
	Config   config.Config
	Chat     *chat.Service
	Registry *registry.Registry
	Auth     *auth.Verifier
	Metrics  *metrics.Metrics
	Log      *zap.Logger

	upgrader      websocket.Upgrader
	writeWait     time.Duration
	sendQueueSize int
	startedAt     time.Time
}

// New creates a new Handler with the given dependencies
func New(cfg config.Config, svc *chat.Service, verifier *auth.Verifier, log *zap.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		Config:        cfg,
		Chat:          svc,
		Registry:      svc.Registry(),
		Auth:          verifier,
		Metrics:       m,
		Log:           logger.OrNop(log),
		upgrader:      createUpgrader(cfg.AllowedOrigins),
		writeWait:     defaultWriteWait,
		sendQueueSize: sendQueueFor(svc.History().Cap()),
		startedAt:     time.Now(),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", h.Index).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", h.Metrics.Handler()).Methods("GET")

	// Persistent channel
	r.HandleFunc("/realtime", h.HandleRealtime).Methods("GET")
	r.HandleFunc("/api/ws", h.HandleRealtime).Methods("GET")

	// Polling channel
	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.RequireBearer)
	api.HandleFunc("/messages", h.GetMessages).Methods("GET")
	api.HandleFunc("/messages", h.CreateMessage).Methods("POST")
	api.HandleFunc("/realtime/stats", h.Stats).Methods("GET")

	return r
}

// Shutdown closes every live connection with 1001 (going away). Entries are
// detached first so the closing read loops do not announce user_offline to
// each other.
func (h *Handler) Shutdown() int {
	conns := h.Registry.Detach()
	for _, c := range conns {
		if s, ok := c.Handle().(*socket); ok {
			s.CloseWith(websocket.CloseGoingAway, "server shutting down")
			continue
		}
		_ = c.Handle().Close()
	}
	h.Log.Info("closed live connections", zap.Int("count", len(conns)))
	return len(conns)
}

func (h *Handler) now() string { return model.FormatTime(time.Now()) }

func deadline(d time.Duration) time.Time { return time.Now().Add(d) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Message: message})
}
