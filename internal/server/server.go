// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"whisper-gateway/internal/audio"
	"whisper-gateway/internal/dispatch"
	"whisper-gateway/internal/health"
)

// multipartSlack is the allowance for multipart framing and form fields on
// top of the audio size limit.
const multipartSlack = 1 << 20

// Dispatcher is the queue the server submits to.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	Stats() dispatch.Stats
}

// HealthReporter exposes backend state without touching the queue.
type HealthReporter interface {
	State() health.State
	Snapshot() health.Snapshot
}

// Config configures a Server.
type Config struct {
	Addr            string
	DefaultLanguage string
	// AllowedOrigins enables CORS for these origins; empty disables it.
	AllowedOrigins []string
	// RetryAfter is advertised on 503 responses.
	RetryAfter   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg        Config
	engine     *gin.Engine
	httpServer *http.Server
	validator  *audio.Validator
	dispatcher Dispatcher
	health     HealthReporter
	log        zerolog.Logger
}

// New builds the router. Nothing is bound until Start.
func New(cfg Config, v *audio.Validator, d Dispatcher, h HealthReporter, log zerolog.Logger) *Server {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}

	s := &Server{
		cfg:        cfg,
		engine:     gin.New(),
		validator:  v,
		dispatcher: d,
		health:     h,
		log:        log,
	}

	s.engine.Use(Recovery(log))
	if len(cfg.AllowedOrigins) > 0 {
		s.engine.Use(CORS(cfg.AllowedOrigins))
	}
	s.engine.Use(RequestID())
	s.engine.Use(RequestLogger(log))

	limit := v.MaxBytes()
	if limit > 0 {
		limit += multipartSlack
	}
	s.engine.POST("/inference", BodySizeLimit(limit), s.handleInference)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the port and serves in the background. It returns once the
// listener is bound; serve errors are sent to errc.
func (s *Server) Start(errc chan<- error) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server failed to bind %s: %w", s.httpServer.Addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("HTTP server started")
	return nil
}

// Stop drains in-flight HTTP requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}
