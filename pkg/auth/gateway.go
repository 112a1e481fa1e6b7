package auth

import (
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"merakstore/pkg/logger"
	"merakstore/pkg/telemetry"
	"merakstore/pkg/utils"
)

// AuthenticateRequestMiddleware resolves the caller identity and enforces
// CORS and per-caller rate limits. Handlers downstream read the user id
// from the request context and never from headers.
func AuthenticateRequestMiddleware(cfg SecConfig) func(http.Handler) http.Handler {
	// rate limiters keyed by api key, user id or remote ip
	limiters := &limiterPool{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// log request (redacts sensitive headers)
			logger.LogRequest(r)

			// cors preflight
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
				w.Header().Set("Access-Control-Max-Age", "600")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-User-ID")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			// unauthenticated probes
			if (r.URL.Path == "/healthz" || r.URL.Path == "/metrics") && r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			authSpan := telemetry.StartSpan(r.Context(), "auth_authenticate")
			role, user, key, reason := authenticate(r, cfg)
			authSpan()
			if role == RoleUnauth {
				utils.JSONError(w, http.StatusUnauthorized, reason)
				logger.Warn("request_unauthorized", zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr), zap.String("reason", reason))
				return
			}
			if user == "" {
				// backend key without a subject to act for
				utils.JSONError(w, http.StatusBadRequest, "user id required for backend requests")
				logger.Warn("backend_missing_user", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
				return
			}

			rlSpan := telemetry.StartSpan(r.Context(), "auth_rate_limit")
			allowed := limiters.Allow(key)
			rlSpan()
			if !allowed {
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				logger.Warn("rate_limited", zap.String("path", r.URL.Path), zap.String("user", user))
				return
			}

			logger.Debug("request_allowed", zap.String("method", r.Method),
				zap.String("path", r.URL.Path), zap.String("user", user))
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user, role)))
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate resolves the caller: a backend API key acts for the user in
// X-User-ID; a bearer token acts for its own subject. The returned key is
// the rate limit bucket.
func authenticate(r *http.Request, cfg SecConfig) (Role, string, string, string) {
	if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
		if _, ok := cfg.BackendKeys[apiKey]; ok {
			user := strings.TrimSpace(r.Header.Get("X-User-ID"))
			return RoleBackend, user, apiKey, ""
		}
		return RoleUnauth, "", clientIP(r), "unknown api key"
	}

	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		token := strings.TrimSpace(header[7:])
		if len(cfg.JWTSecret) == 0 {
			return RoleUnauth, "", clientIP(r), "bearer auth not configured"
		}
		user, err := verifyBearer(token, cfg)
		if err != nil {
			logger.Warn("invalid_bearer_token", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return RoleUnauth, "", clientIP(r), "invalid bearer token"
		}
		return RoleUser, user, "user:" + user, ""
	}

	return RoleUnauth, "", clientIP(r), "unauthorized"
}
