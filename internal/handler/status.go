package handler

import (
	"net/http"
	"time"

	"socialchat/internal/registry"
)

type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
	HistorySize int    `json:"historySize"`
}

type statsResponse struct {
	Success          bool            `json:"success"`
	TotalConnections int             `json:"totalConnections"`
	Connections      []registry.Stat `json:"connections"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Timestamp:   h.now(),
		Environment: h.Config.Env,
		Uptime:      time.Since(h.startedAt).Round(time.Second).String(),
		Connections: h.Registry.Len(),
		HistorySize: h.Chat.History().Len(),
	})
}

// Stats handles GET /api/realtime/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.Registry.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		Success:          true,
		TotalConnections: len(stats),
		Connections:      stats,
	})
}

// Index handles GET /
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "socialchat realtime",
		"endpoints": map[string]string{
			"realtime": "GET /realtime?token=<jwt>",
			"messages": "GET|POST /api/messages",
			"stats":    "GET /api/realtime/stats",
			"health":   "GET /health",
			"metrics":  "GET /metrics",
		},
	})
}
