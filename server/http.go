// Package server provides the development origin: it serves the app shell as
// static files together with a health check and the metrics endpoint.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/wolfeidau/health-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:8001")
	Address string

	// Root is the app shell directory.
	Root string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the development origin.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	router     chi.Router
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8001"
	}
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("app shell root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("app shell root %s is not a directory", cfg.Root)
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	s.registerRoutes(r)
	s.router = r

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(r chi.Router) {
	r.Get("/health", s.handleHealth)

	// Returns 404 if Prometheus export is not enabled.
	r.Method(http.MethodGet, "/metrics", telemetry.PrometheusHandler())

	static := http.FileServer(http.Dir(s.config.Root))
	r.Method(http.MethodGet, "/*", static)
	r.Method(http.MethodHead, "/*", static)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = telemetry.InjectTags(r)
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			telemetry.SetRoute(r, rctx.RoutePattern())
			if rctx.RoutePattern() == "/*" {
				// A 304 means the client revalidated a copy it already holds.
				if wrapped.status == http.StatusNotModified {
					telemetry.SetCacheResult(r, telemetry.CacheHit)
				} else {
					telemetry.SetCacheResult(r, telemetry.CacheMiss)
				}
			}
		}
		tags := telemetry.GetTags(r)
		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,
			"cache", string(tags.CacheResult),
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}
		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "root", s.config.Root)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
