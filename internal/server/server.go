// Package server exposes the download engine over HTTP. Jobs are submitted
// and canceled through a small JSON API and followed over a WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/0x3EF8/Micro-Downloader/internal/config"
	"github.com/0x3EF8/Micro-Downloader/internal/database"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
	"github.com/0x3EF8/Micro-Downloader/internal/history"
)

// Engine is the part of the download manager the server drives
type Engine interface {
	Submit(ctx context.Context, req downloader.JobRequest) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Subscribe(jobID string, handler downloader.Handler) (func(), error)
	Get(jobID string) (downloader.Job, error)
	Active() []downloader.Job
	History() []downloader.Job
}

// HistoryStore reads persisted jobs
type HistoryStore interface {
	List(ctx context.Context, opts history.FilterOptions) ([]database.JobRecord, error)
	Get(ctx context.Context, id string) (*database.JobRecord, error)
}

// Server serves the HTTP API
type Server struct {
	engine    Engine
	store     HistoryStore
	cfg       config.ServerConfig
	downloads config.DownloadsConfig
	logger    *slog.Logger
	router    *gin.Engine

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New builds a server around engine. store may be nil, in which case the
// history routes are not registered.
func New(cfg *config.Config, engine Engine, store HistoryStore, logger *slog.Logger) *Server {
	s := &Server{
		engine:    engine,
		store:     store,
		cfg:       cfg.Server,
		downloads: cfg.Downloads,
		logger:    logger.With("component", "server"),
		clients:   make(map[*client]struct{}),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))
	s.routes(r)
	s.router = r

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.health)

	api := r.Group("/api")
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("", s.submitJob)
			jobs.GET("", s.listJobs)
			jobs.GET("/:id", s.getJob)
			jobs.DELETE("/:id", s.cancelJob)
		}

		if s.store != nil {
			api.GET("/history", s.listHistory)
			api.GET("/history/:id", s.getHistory)
		}

		api.GET("/ws/jobs/:id", s.streamJob)
	}
}

// Run listens on the configured address until ctx is canceled, then
// shuts down. Open event streams are closed first.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.closeClients()

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}
