package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"scenedb/pkg/logger"
)

// Options configures the request gate. An empty Tokens list accepts any
// non-empty bearer token; a populated list requires an exact match.
type Options struct {
	Tokens         []string
	AllowedOrigins []string
	RPS            float64
	Burst          int
}

// Middleware returns the outermost request filter: CORS, bearer auth, then
// rate limiting. Probe and metrics endpoints bypass auth and limiting so
// orchestration never gets locked out.
func Middleware(opts Options) func(http.Handler) http.Handler {
	pool := newLimiterPool(opts.RPS, opts.Burst, 10*time.Minute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			applyCORS(w, r, opts.AllowedOrigins)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if exemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if !authorized(r, opts.Tokens) {
				logger.Log.Warn("request_unauthorized",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr))
				writeErr(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}

			res := pool.get(callerKey(r)).Reserve()
			if !res.OK() {
				writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
				logger.Log.Warn("request_rate_limited",
					zap.String("path", r.URL.Path),
					zap.Duration("retry_after", delay))
				writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func exemptPath(p string) bool {
	return p == "/healthz" || p == "/readyz" || p == "/metrics" ||
		strings.HasPrefix(p, "/docs") || p == "/openapi.yaml"
}

func authorized(r *http.Request, tokens []string) bool {
	tok := bearerToken(r)
	if tok == "" {
		return false
	}
	if len(tokens) == 0 {
		return true
	}
	for _, want := range tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func applyCORS(w http.ResponseWriter, r *http.Request, origins []string) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := len(origins) == 0
	for _, o := range origins {
		if o == "*" || strings.EqualFold(o, origin) {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key")
	w.Header().Set("Vary", "Origin")
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": msg,
		"error":   http.StatusText(code),
	})
}
