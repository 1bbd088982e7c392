// Package server runs a gRPC server for a fleet node: it applies the
// configured keepalive options, serves in the background and stops
// gracefully with a bound.
package server

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"google.golang.org/grpc"
)

// DefaultGrace bounds GracefulStop before the server is stopped hard.
const DefaultGrace = 5 * time.Second

// Server is a gRPC server bound to one listener.
type Server struct {
	srv    *grpc.Server
	logger *slog.Logger

	mu    sync.Mutex
	lis   net.Listener
	errCh chan error
	once  sync.Once
}

// New creates a server with opts and lets register attach services.
func New(opts *rpc.Options, logger *slog.Logger, register func(grpc.ServiceRegistrar)) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer(opts.ServerOptions()...)
	register(srv)
	return &Server{srv: srv, logger: logger, errCh: make(chan error, 1)}
}

// Serve starts serving lis in the background. Serve errors other than a
// regular stop are delivered on Err.
func (s *Server) Serve(lis net.Listener) {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	go func() {
		err := s.srv.Serve(lis)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		if err != nil {
			s.logger.Error("GRPC server failed", "address", lis.Addr().String(), "error", err)
		}
		s.errCh <- err
	}()
}

// Err yields the result of Serve once it returns.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Addr is the address being served, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop stops the server gracefully, forcing it after grace. It is safe
// to call more than once.
func (s *Server) Stop(grace time.Duration) {
	s.once.Do(func() {
		done := make(chan struct{})
		go func() {
			s.srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			s.logger.Warn("Graceful stop timed out, forcing", "grace", grace)
			s.srv.Stop()
		}
	})
}
