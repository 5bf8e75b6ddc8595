// Package server exposes the player over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/vcplay/vcplay/internal/backend"
	"github.com/vcplay/vcplay/internal/bridge"
	"github.com/vcplay/vcplay/internal/cache"
	"github.com/vcplay/vcplay/internal/fallback"
	"github.com/vcplay/vcplay/internal/playback"
	"github.com/vcplay/vcplay/internal/telegram"
)

// Player is the playback surface the handlers drive.
type Player interface {
	Play(ctx context.Context, chatID int64, key, preferred string) (fallback.Result, error)
	Pause(ctx context.Context, chatID int64) error
	Resume(ctx context.Context, chatID int64) error
	Stop(ctx context.Context, chatID int64) error
	Cache(ctx context.Context, key, preferred string) (fallback.Result, error)
	Join(ctx context.Context, chat string) (telegram.Chat, error)
	Sessions(ctx context.Context) ([]playback.Session, error)
}

// Runtime reports the lifecycle state of the runtime bridge.
type Runtime interface {
	State() bridge.State
}

// CacheStats reports download cache counters.
type CacheStats interface {
	Stats() cache.Stats
}

// Options configures the server.
type Options struct {
	Addr         string
	RestartDelay time.Duration
	// Restart is called after RestartDelay once /restart was answered.
	Restart func()
}

// Server is the HTTP surface.
type Server struct {
	engine   *gin.Engine
	http     *http.Server
	opts     Options
	player   Player
	registry *backend.Registry
	runtime  Runtime
	cache    CacheStats
	logger   *log.Logger
	started  time.Time
}

// New creates the server and registers its routes.
func New(opts Options, player Player, registry *backend.Registry, runtime Runtime, stats CacheStats, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = time.Second
	}
	logger = logger.WithPrefix("http")

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   gin.New(),
		opts:     opts,
		player:   player,
		registry: registry,
		runtime:  runtime,
		cache:    stats,
		logger:   logger,
		started:  time.Now(),
	}
	s.engine.Use(LoggerMiddleware(logger), RecoveryMiddleware(logger))
	s.routes()

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health-check", func(c *gin.Context) {
		c.JSON(http.StatusOK, "ok")
	})
	s.engine.GET("/status", s.handleStatus)

	s.engine.GET("/play", s.handlePlay)
	s.engine.GET("/cache", s.handleCache)
	s.engine.GET("/stop", s.handleStop)
	s.engine.GET("/join", s.handleJoin)
	s.engine.GET("/pause", s.handlePause)
	s.engine.GET("/resume", s.handleResume)
	s.engine.GET("/restart", s.handleRestart)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Name returns the component name.
func (s *Server) Name() string {
	return "http server"
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ForceStop closes all connections.
func (s *Server) ForceStop() error {
	return s.http.Close()
}
