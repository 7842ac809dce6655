package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// authMiddleware gates the persistence-backed HTTP endpoints (/execute,
// /get_outputs) behind an optional bearer token; the WebSocket channels and
// /ping stay open since per-user identity there comes from the path/header
// user id, not an operator credential (spec.md's "HTTP transport and auth
// decoration... is plumbing" carve-out).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != auth && token == s.cfg.APIKey {
			next.ServeHTTP(w, r)
			return
		}

		writeUnauthorizedError(w, "missing or invalid authorization")
	})
}

func isPublicPath(path string) bool {
	return path == "/ping" || strings.HasPrefix(path, "/ws/")
}

// corsMiddleware applies the ENV-gated allowed-origin policy spec.md §6
// names: permissive in development, restricted once ENV is set to a
// production value.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Aqtakehome-User")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if s.cfg.Env != "production" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) debugLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", reqID)
		next.ServeHTTP(w, r)
	})
}
