package handler

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"socialchat/internal/auth"
	"socialchat/internal/model"
)

type ctxKey struct{}

// identityFrom returns the identity RequireBearer attached to the request.
func identityFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(model.Identity)
	return id, ok
}

// RequireBearer rejects requests without a valid "Authorization: Bearer"
// token with 401 and otherwise attaches the verified identity.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if r.URL.Path == "/api/messages" {
			defer func() { h.Metrics.PollRequest(r.Method, strconv.Itoa(rec.status)) }()
		}

		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			h.Log.Info("❌ unauthorized", zap.String("route", r.Method+" "+r.URL.Path), zap.Error(err))
			writeError(rec, http.StatusUnauthorized, "authorization header required")
			return
		}
		identity, err := h.Auth.Verify(token)
		if err != nil {
			h.Log.Info("❌ unauthorized", zap.String("route", r.Method+" "+r.URL.Path), zap.Error(err))
			writeError(rec, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, identity)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
