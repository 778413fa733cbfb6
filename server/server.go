package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/convrelay/internal/modelconfig"
	"github.com/hrygo/convrelay/internal/profile"
	"github.com/hrygo/convrelay/plugin/artifact"
	"github.com/hrygo/convrelay/plugin/dify"
	"github.com/hrygo/convrelay/server/metrics"
	"github.com/hrygo/convrelay/server/relay"
	apiv1 "github.com/hrygo/convrelay/server/router/api/v1"
	"github.com/hrygo/convrelay/store"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	apiService *apiv1.APIV1Service
	relay      *relay.Relay
	configs    *modelconfig.Holder
	metrics    *metrics.PrometheusExporter

	stopWatch context.CancelFunc
}

func NewServer(_ context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	s := &Server{
		Profile: profile,
		Store:   store,
	}

	s.configs = modelconfig.NewHolder(profile.ModelConfig)
	if err := s.configs.Reload(); err != nil {
		// Start anyway; the file can be fixed and is picked up by the watcher.
		slog.Warn("failed to load model config", "path", profile.ModelConfig, "error", err)
	}

	s.metrics = metrics.NewPrometheusExporter(metrics.DefaultConfig())
	reconciler := relay.NewReconciler(store, s.metrics)
	s.relay = relay.NewRelay(dify.NewClient(profile.UpstreamTimeout), s.configs, reconciler, s.metrics, profile.MaxStreams)
	s.apiService = apiv1.NewAPIV1Service(profile, store, s.relay, s.configs, s.metrics)

	echoServer := echo.New()
	echoServer.Debug = profile.IsDev()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: shortuuid.New,
	}))
	echoServer.Use(middleware.RequestLoggerWithConfig(newRequestLoggerConfig()))
	echoServer.Use(middleware.Recover())
	s.echoServer = echoServer

	s.apiService.RegisterRoutes(echoServer)
	echoServer.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	return s, nil
}

// SetArtifactHandlers installs the upload and analysis collaborators.
func (s *Server) SetArtifactHandlers(uploader artifact.Uploader, analyzer artifact.Analyzer) {
	s.apiService.Uploader = uploader
	s.apiService.Analyzer = analyzer
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}

func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}
	s.echoServer.Listener = listener

	watchCtx, cancel := context.WithCancel(ctx)
	s.stopWatch = cancel
	go func() {
		if err := s.configs.Watch(watchCtx); err != nil {
			slog.Warn("model config watcher stopped", "path", s.configs.Path(), "error", err)
		}
	}()

	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	slog.Info("server shutting down")

	if s.stopWatch != nil {
		s.stopWatch()
	}

	// Shutdown echo server; in-flight streams are drained first.
	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", slog.String("error", err.Error()))
	}

	// Reconciliations outlive their responses.
	s.relay.Close()

	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", slog.String("error", err.Error()))
	}

	slog.Info("convrelay stopped properly")
}

func newRequestLoggerConfig() middleware.RequestLoggerConfig {
	return middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Path()
			return path == "/healthz" || path == "/metrics"
		},
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("request_id", v.RequestID),
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				level = slog.LevelError
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			slog.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}
}
