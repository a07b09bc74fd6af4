package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/logging"
)

// Server runs the HTTP listener as a supervised service.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	log             zerolog.Logger
}

func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout, shutdownTimeout time.Duration) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       120 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
		log:             logging.With("http"),
	}
}

func (s *Server) String() string {
	return "http-server"
}

// Serve listens until ctx is canceled, then drains open requests for up to
// the shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error().Err(err).Msg("failed to shutdown http server gracefully")
	}
	<-errCh
	s.log.Info().Msg("http server stopped")
	return ctx.Err()
}
