package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ntsync/ntsync-go/pkg/bridge"
	"github.com/ntsync/ntsync-go/pkg/metrics"
)

const (
	// DefaultPingInterval is how often the server pings WebSocket clients.
	DefaultPingInterval = 30 * time.Second
	// DefaultPongTimeout is how long a client may stay silent after a ping.
	DefaultPongTimeout = 60 * time.Second

	shutdownTimeout = 5 * time.Second
	maxBodySize     = 64 << 10
)

// Server exposes the engine to browser UIs over HTTP and WebSocket.
type Server struct {
	engine  *bridge.Engine
	hub     *Hub
	logger  *slog.Logger
	version string

	pingInterval time.Duration
	pongTimeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithKeepAlive sets the WebSocket ping interval and pong timeout.
func WithKeepAlive(ping, pong time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = ping
		s.pongTimeout = pong
	}
}

// NewServer creates a web bridge for engine and registers the Prometheus
// collectors.
func NewServer(engine *bridge.Engine, opts ...Option) *Server {
	s := &Server{
		engine:       engine,
		logger:       slog.Default(),
		version:      "dev",
		pingInterval: DefaultPingInterval,
		pongTimeout:  DefaultPongTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	s.hub = newHub(engine, s.logger)
	metrics.Register()
	return s
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)

		r.Get("/topics", s.handleListTopics)
		r.Get("/topics/*", s.handleGetTopic)
		r.Put("/topics/*", s.handlePutTopic)
	})
	return r
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully and disconnects all WebSocket clients.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("web bridge listening", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	return err
}

// loggingMiddleware logs each request at debug level.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
