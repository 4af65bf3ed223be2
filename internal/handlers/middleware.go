package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gersonrivera27/STACKPOS/internal/mq"
	"github.com/gersonrivera27/STACKPOS/internal/services"
	"github.com/gersonrivera27/STACKPOS/types"
)

// TokenAuthenticator resolves a bearer access token to an account.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, accessToken string) (types.Account, error)
}

// APILimiter gates general API traffic per client address.
type APILimiter interface {
	CheckAPIRateLimit(clientIP string) error
}

// RequireAuth enforces a valid access token and stores the caller's account
// in the request context.
func RequireAuth(auth TokenAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			account, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeServiceError(w, r, logger, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
		})
	}
}

// RequireRole rejects callers whose role is not in roles. It must run after
// RequireAuth.
func RequireRole(roles ...types.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account, err := AccountFromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !slices.Contains(roles, account.Role) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIRateLimit applies the general per-address request budget.
func APIRateLimit(limiter APILimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := limiter.CheckAPIRateLimit(clientIP(r)); err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var auditSkipPrefixes = []string{"/healthz", "/metrics"}

// AuditRequests publishes an http_request event for every response outside
// the probe and scrape endpoints.
func AuditRequests(audit services.AuditPublisher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := r.URL.Path
			for _, prefix := range auditSkipPrefixes {
				if strings.HasPrefix(path, prefix) {
					return
				}
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			details := map[string]any{
				"method":      r.Method,
				"path":        path,
				"status_code": status,
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				details["route"] = rctx.RoutePattern()
			}

			audit.Publish(r.Context(), mq.QueueSecurity, types.AuditEvent{
				Event:     services.EventHTTPRequest,
				IPAddress: clientIP(r),
				Success:   status < http.StatusBadRequest,
				Details:   details,
			})
		})
	}
}

// CORS allows browser requests from the configured origins only.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && slices.Contains(allowedOrigins, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Expose-Headers", "Retry-After")
				h.Add("Vary", "Origin")
				if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
					h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					h.Set("Access-Control-Max-Age", "600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
