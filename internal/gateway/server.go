package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/wudi/apron/internal/logging"
)

const shutdownTimeout = 15 * time.Second

// Server runs the gateway over HTTP/1.1 and cleartext HTTP/2.
type Server struct {
	gw   *Gateway
	http *http.Server
}

// NewServer creates the ingress server on the configured port.
func NewServer(gw *Gateway) *Server {
	return &Server{
		gw: gw,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", gw.cfg.Gate.Port),
			Handler:           h2c.NewHandler(gw.Handler(), &http2.Server{}),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until SIGINT or SIGTERM, then drains in-flight requests.
func (s *Server) Run() error {
	s.gw.Health().Start()
	defer s.gw.Health().Stop()

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logging.Info("gateway listening",
		zap.String("addr", s.http.Addr),
		zap.String("environment", s.gw.cfg.Environment))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logging.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("draining connections: %w", err)
	}
	return nil
}
