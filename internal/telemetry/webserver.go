package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rjboer/GoDAB/internal/logging"
)

// WebServer exposes acquisition statistics over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds an HTTP server for the hub's JSON endpoints and, when
// metrics is non-nil, the Prometheus scrape endpoint.
func NewWebServer(addr string, hub *Hub, metrics *Metrics, logger logging.Logger) *WebServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", hub.handleStats)
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)
	mux.HandleFunc("/api/diagnostics", hub.handleDiagnostics)
	mux.HandleFunc("/api/diagnostics/spectrum", hub.handleSpectrumSnapshot)
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}

	return &WebServer{
		hub:    hub,
		logger: logging.OrDefault(logger).With(logging.F("subsystem", "web")),
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Handler returns the router, mostly for tests.
func (w *WebServer) Handler() http.Handler { return w.srv.Handler }

// Start listens until ctx is canceled, then shuts down gracefully.
func (w *WebServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.Err(err))
		}
	}()

	w.logger.Info("web telemetry listening", logging.F("addr", w.srv.Addr))
	if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
