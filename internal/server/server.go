// Package server is the remote store of record.
//
// Records live in per-owner collections under
// /api/v1/owners/:owner/records. Every request carries a bearer JWT whose
// subject must equal :owner. The server mints authoritative ids and honours
// the Idempotency-Key header on create, returning the earlier record for a
// repeated key.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on. Port 0 picks a free port.
	Addr string

	// DSN selects the database: postgres://... or a SQLite file path.
	DSN string

	// JWTSecret signs and verifies bearer tokens.
	JWTSecret []byte

	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:8080",
		DSN:    "budget-server.db",
		Logger: zerolog.Nop(),
	}
}

// Server serves the records API.
type Server struct {
	config   *Config
	repo     Repository
	router   *gin.Engine
	listener net.Listener
	http     *http.Server
	wg       sync.WaitGroup
}

// New opens the repository named by config.DSN and builds the router.
func New(ctx context.Context, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	repo, err := OpenRepository(ctx, config.DSN)
	if err != nil {
		return nil, err
	}
	s, err := NewWithRepository(repo, config)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	return s, nil
}

// NewWithRepository builds a server over an existing repository.
func NewWithRepository(repo Repository, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.JWTSecret) == 0 {
		return nil, errors.New("jwt secret is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(config.Logger))

	h := &handler{repo: repo, logger: config.Logger}
	h.routes(router, config.JWTSecret)

	return &Server{config: config, repo: repo, router: router}, nil
}

// Handler returns the HTTP handler, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Info().Str("addr", ln.Addr().String()).Msg("record store listening")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Error().Err(err).Msg("record store error")
		}
	}()
	return nil
}

// Stop shuts the server down and closes the repository.
func (s *Server) Stop() error {
	var errs []error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
		s.wg.Wait()
	}
	if err := s.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close repository: %w", err))
	}
	return errors.Join(errs...)
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// URL returns the base URL clients should use.
func (s *Server) URL() string { return "http://" + s.Addr() }
