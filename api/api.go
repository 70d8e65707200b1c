package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caesium-cloud/pigment/api/rest/bind"
	"github.com/caesium-cloud/pigment/internal/gateway"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Options wires the server's dependencies.
type Options struct {
	Gateway  *gateway.Gateway
	Database Pinger
	// Registry receives HTTP metrics and serves /metrics. Nil uses the
	// prometheus default registry.
	Registry *prometheus.Registry
}

// New builds pigment's HTTP server.
func New(opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// health
	e.GET("/health", Health(opts.Database))

	// metrics
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if opts.Registry != nil {
		registerer, gatherer = opts.Registry, opts.Registry
	}
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "pigment",
		Registerer: registerer,
		Skipper: func(c echo.Context) bool {
			switch c.Path() {
			case "/metrics", "/v1/events", "/v1/events/ws":
				return true
			}
			return false
		},
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: gatherer}))

	// REST
	bind.All(e.Group("/v1"), opts.Gateway)

	return e
}

// Start serves the API on port until ctx ends, then shuts down gracefully.
func Start(ctx context.Context, opts Options, port int) error {
	e := New(opts)

	errs := make(chan error, 1)
	go func() {
		log.Info("api listening", "port", port)
		errs <- e.Start(fmt.Sprintf(":%v", port))
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
