// Package admin serves the coordinator's HTTP admin API.
//
//	GET    /healthz                 liveness and worker count
//	GET    /metrics                 Prometheus exposition
//	GET    /workers                 registered workers
//	DELETE /workers/:address        kill a worker
//	GET    /network                 scanned descriptors and their states
//	POST   /jobs                    submit {"address", "kind", "args"}
//	GET    /jobs/:address/:id       job state; ?wait=5s blocks for the outcome
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/appnet"
	"github.com/ChuLiYu/fleet-rpc/internal/coordinator"
	"github.com/ChuLiYu/fleet-rpc/internal/future"
	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Fleet is the coordinator as seen by the admin API. *coordinator.Node
// implements it.
type Fleet interface {
	Workers() []*coordinator.WorkerHandle
	Worker(address string) (*coordinator.WorkerHandle, error)
	KillWorker(ctx context.Context, address string) error
	SubmitEnvelope(ctx context.Context, address string, env job.Envelope) (*future.Direct, error)
	Conns() *rpc.Pool
}

var _ Fleet = (*coordinator.Node)(nil)

// Options configures a Server.
type Options struct {
	Fleet Fleet
	// Network is the scanned application network. May be nil.
	Network  *appnet.Network
	Registry *job.Registry
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	// MaxWait caps the ?wait parameter of GET /jobs.
	MaxWait time.Duration
}

// Server is the admin HTTP server.
type Server struct {
	e        *echo.Echo
	fleet    Fleet
	network  *appnet.Network
	registry *job.Registry
	metrics  *metrics.Collector
	logger   *slog.Logger
	maxWait  time.Duration
}

// New builds the server and its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = job.DefaultRegistry
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = time.Minute
	}

	s := &Server{
		e:        echo.New(),
		fleet:    opts.Fleet,
		network:  opts.Network,
		registry: reg,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "admin"),
		maxWait:  maxWait,
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	s.e.Use(s.requestLogger)

	s.e.GET("/healthz", s.health)
	s.e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	s.e.GET("/workers", s.listWorkers)
	s.e.DELETE("/workers/:address", s.killWorker)
	s.e.GET("/network", s.listNetwork)
	s.e.POST("/jobs", s.submitJob)
	s.e.GET("/jobs/:address/:id", s.getJob)
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.e.Listener = lis
	s.logger.Info("Admin API listening", "address", lis.Addr().String())
	err := s.e.Start("")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for requests in flight until ctx
// ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Debug("HTTP request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration", time.Since(start),
			"error", err,
		)
		return err
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": len(s.fleet.Workers()),
	})
}
