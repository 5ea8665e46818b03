// Package api exposes the package manager over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/open-edge-platform/os-package-manager/internal/manager"
	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
	"github.com/open-edge-platform/os-package-manager/internal/utils/metrics"
)

const shutdownTimeout = 10 * time.Second

// Service is the subset of the manager served over HTTP.
type Service interface {
	Status() manager.Status
	SearchPackages(query string) []ospackage.PackageInfo
	PackageInfo(name string) (ospackage.PackageInfo, bool)
	InstallPackage(ctx context.Context, name string) error
	RemovePackage(name string) error
	UpdatePackageIndex(ctx context.Context) error
}

// Options configures the HTTP surface.
type Options struct {
	RateLimit   float64
	Burst       int
	MaxInFlight int
	Metrics     *metrics.Metrics
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc    Service
	router *gin.Engine
}

// New builds the router with its middleware chain.
func New(svc Service, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger())
	r.Use(RequestMetrics(opts.Metrics))

	s := &Server{svc: svc, router: r}

	r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	pkgs := r.Group("/api/packages")
	pkgs.Use(RateLimit(opts.RateLimit, opts.Burst))
	pkgs.Use(InFlight(opts.MaxInFlight))
	pkgs.GET("/status", s.handleStatus)
	pkgs.GET("/search", s.handleSearch)
	pkgs.GET("/info", s.handleInfo)
	pkgs.POST("/install", s.handleInstall)
	pkgs.POST("/remove", s.handleRemove)
	pkgs.POST("/update-index", s.handleUpdateIndex)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := logger.Logger()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("API server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Infof("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
