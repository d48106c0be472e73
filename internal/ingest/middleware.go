package ingest

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"secureops/internal/config"
	"secureops/internal/logging"
)

// NewRouter mounts the gateway routes and wraps them with middleware.
// metrics may be nil.
func NewRouter(h *Handler, metrics http.Handler, cfg *config.Config, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", h.HandleEvents)
	mux.HandleFunc("GET /health", h.HealthCheck)
	if metrics != nil {
		mux.Handle("GET "+cfg.Server.MetricsPath, metrics)
	}
	return WithMiddleware(mux, cfg, logger)
}

// WithMiddleware wraps the handler with recovery, request logging, security
// headers and, when configured, rate limiting and API key checks.
func WithMiddleware(handler http.Handler, cfg *config.Config, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := handler
	if cfg.Auth.Enabled {
		h = authMiddleware(h, cfg.Auth, cfg.Server.MetricsPath, logger)
	}
	if cfg.Ingest.RateLimit.Enabled {
		h = rateLimitMiddleware(h, NewRateLimiter(cfg.Ingest.RateLimit, logger), cfg.Ingest.TrustForwardedFor, logger)
	}
	h = securityHeadersMiddleware(h)
	h = loggingMiddleware(h, logger)
	h = recoveryMiddleware(h, logger)
	return h
}

// apiSecurityHeaders are set on every response. The gateway only serves
// JSON, so the browser policies are the strictest available.
var apiSecurityHeaders = map[string]string{
	"X-Content-Type-Options":       "nosniff",
	"X-Frame-Options":              "DENY",
	"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":              "no-referrer",
	"Cache-Control":                "no-store",
	"Cross-Origin-Resource-Policy": "same-origin",
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range apiSecurityHeaders {
			w.Header().Set(k, v)
		}
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// authMiddleware requires a configured API key on everything except health
// and metrics.
func authMiddleware(next http.Handler, authCfg config.AuthConfig, metricsPath string, logger *slog.Logger) http.Handler {
	header := authCfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == metricsPath {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(header)
		if apiKey == "" {
			respondError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if !validKey(apiKey, authCfg.APIKeys) {
			logger.Warn("rejected invalid API key",
				"remote_addr", r.RemoteAddr,
				"api_key", logging.MaskString(apiKey, 4, 2))
			respondError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validKey(key string, keys []string) bool {
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

func recoveryMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
