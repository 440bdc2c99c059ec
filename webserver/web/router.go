package web

import (
	"log"
	"net/http"
	"strings"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/mordilloSan/truenas-passwd/common/version"
	"github.com/mordilloSan/truenas-passwd/webserver/metrics"
)

// Config holds router configuration.
type Config struct {
	Verbose bool
	// Recorder receives per-request metrics; nil disables them.
	Recorder metrics.Recorder
	// MetricsHandler is mounted at GET /metrics when non-nil.
	MetricsHandler http.Handler
	RegisterRoutes func(mux *http.ServeMux)
}

// BuildRouter constructs and returns the main HTTP handler.
func BuildRouter(cfg Config) http.Handler {
	mux := http.NewServeMux()

	if cfg.RegisterRoutes != nil {
		cfg.RegisterRoutes(mux)
	}
	mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, version.Get())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "not found")
	})

	var handler http.Handler = mux
	if cfg.Recorder != nil {
		handler = MetricsMiddleware(cfg.Recorder)(handler)
	}
	handler = LoggerMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}

// NewErrorLog returns a *log.Logger for http.Server.ErrorLog.
func NewErrorLog() *log.Logger {
	return log.New(HTTPErrorLogAdapter{}, "", 0)
}

// HTTPErrorLogAdapter adapts logger.Warnf to the log.Logger interface for http.Server.ErrorLog.
type HTTPErrorLogAdapter struct{}

func (HTTPErrorLogAdapter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	// scanners hitting the self-signed listener
	if strings.Contains(msg, "TLS handshake error") {
		return len(p), nil
	}
	logger.Warnf("[http.Server] %s", msg)
	return len(p), nil
}
