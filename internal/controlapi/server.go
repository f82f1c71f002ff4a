package controlapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rafaeljc/bifrost/internal/config"
)

// Server runs the API over HTTP, or HTTPS when TLS is configured.
type Server struct {
	server          *http.Server
	cfg             *config.ControlPlaneConfig
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// NewServer binds api to the configured listener and timeouts.
func NewServer(cfg *config.ControlPlaneConfig, logger *slog.Logger, api *API, shutdownTimeout time.Duration) *Server {
	if cfg == nil {
		panic("controlapi: config cannot be nil")
	}
	if api == nil {
		panic("controlapi: api cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		server: &http.Server{
			Addr:              cfg.Address(),
			Handler:           api,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
		cfg:             cfg,
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
	}
}

// Run serves until ctx is cancelled, then drains connections within the
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting control plane server",
			slog.String("addr", s.server.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled),
		)
		var err error
		if s.cfg.TLSEnabled {
			err = s.server.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	s.logger.Info("stopping control plane server")
	return s.server.Shutdown(shutdownCtx)
}
