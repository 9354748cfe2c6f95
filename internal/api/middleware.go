package api

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wabaconsole/console/internal/auth"
	"github.com/wabaconsole/console/internal/logging"
)

// errorBody matches the shape written by the gate package.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// RequestContext tags each request with an id, records route metrics and turns
// handler panics into 500 responses.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), strings.TrimSpace(r.Header.Get("X-Request-ID")))
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		// The hub needs the raw writer to hijack the connection.
		if isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		m := getHTTPMetrics()
		m.inFlight.Inc()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				logger := logging.FromContext(r.Context())
				logger.Error().
					Interface("panic", p).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from handler panic")
				if !rec.wroteHeader {
					writeErrorResponse(rec, http.StatusInternalServerError, "internal_error", "unexpected error")
				}
			}

			route := routeLabel(r)
			elapsed := time.Since(start)
			m.inFlight.Dec()
			m.observe(r.Method, route, rec.status, elapsed)

			event := log.Debug()
			if rec.status >= http.StatusInternalServerError {
				event = log.Warn()
			}
			event.
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("route", route).
				Int("status", rec.status).
				Dur("elapsed", elapsed).
				Msg("API request")
		}()

		next.ServeHTTP(rec, r)
	})
}

// RequireAPIToken rejects requests whose X-API-Token does not match the bcrypt
// hash. A bearer token or, for WebSocket upgrades, a token query parameter is
// accepted too. An empty hash disables the check.
func RequireAPIToken(hash string, next http.Handler) http.Handler {
	if hash == "" {
		return next
	}
	verifier := auth.NewTokenVerifier(hash)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !verifier.Check(presentedToken(r)) {
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "valid API token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func presentedToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("X-API-Token")); token != "" {
		return token
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	if isWebSocketUpgrade(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeErrorResponse(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{
		Error:     code,
		Message:   message,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
