// Package httpserver hosts the HTTP side of the fairytale server: the SSE transport
// endpoints, Prometheus metrics and a health probe.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MegaGrindStone/fairytale-mcp"
)

// Paths of the SSE transport endpoints.
const (
	SSEPath     = "/sse"
	MessagePath = "/message"
)

// Server wraps the HTTP engine and its listener.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// RouterOption adds routes to the engine built by NewRouter.
type RouterOption func(*gin.Engine)

// WithSSE routes SSEPath and MessagePath to the SSE transport.
func WithSSE(sse mcp.SSEServer) RouterOption {
	return func(r *gin.Engine) {
		r.GET(SSEPath, gin.WrapH(sse.HandleSSE()))
		r.POST(MessagePath, gin.WrapH(sse.HandleMessage()))
	}
}

// WithMetrics serves handler on /metrics.
func WithMetrics(handler http.Handler) RouterOption {
	return func(r *gin.Engine) {
		r.GET("/metrics", gin.WrapH(handler))
	}
}

// NewRouter creates the engine with the health endpoint and the routes of the options.
func NewRouter(logger *slog.Logger, options ...RouterOption) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	for _, opt := range options {
		opt(r)
	}

	return r
}

// New creates a Server listening on addr.
func New(addr string, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("listening", slog.String("addr", l.Addr().String()))

	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops the listener and waits for active requests. Event streams must be ended
// by stopping their sessions first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}
