package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// withCORS allows browser clients served from localhost/127.0.0.1 dev
// origins to call the API directly, mirroring the teacher's playground CORS
// posture (spec §6: "CORS wildcard over localhost/127.0.0.1").
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, prefix := range []string{"http://localhost:", "http://127.0.0.1:", "https://localhost:", "https://127.0.0.1:"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return origin == "http://localhost" || origin == "http://127.0.0.1"
}

// withAuth enforces a single shared-secret bearer token when one is
// configured. An empty AuthToken disables auth entirely, matching
// config.Config.AuthToken's documented default. Health checks stay open so
// orchestrators can probe liveness without a token.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AuthToken == "" || r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != s.AuthToken {
			respondError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var errUnauthorized = errors.New("missing or invalid bearer token")

// contextWithTimeoutFallback wraps ctx with a timeout when ctx itself does
// not expose WithTimeout (callers pass r.Context() in practice, which does,
// but handleMessageStream's title helper takes the narrower Done()-only
// interface so it can be unit tested without an *http.Request).
func contextWithTimeoutFallback(ctx interface {
	Done() <-chan struct{}
}, d time.Duration) (context.Context, context.CancelFunc) {
	if c, ok := ctx.(context.Context); ok {
		return context.WithTimeout(c, d)
	}
	return context.WithTimeout(context.Background(), d)
}

// truncateTitle keeps generated titles short and free of wrapping quotes a
// model sometimes adds despite instructions.
func truncateTitle(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	const maxLen = 80
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
