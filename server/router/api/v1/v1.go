package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/convrelay/internal/modelconfig"
	"github.com/hrygo/convrelay/internal/profile"
	"github.com/hrygo/convrelay/internal/version"
	"github.com/hrygo/convrelay/plugin/artifact"
	"github.com/hrygo/convrelay/server/metrics"
	ratelimit "github.com/hrygo/convrelay/server/middleware"
	"github.com/hrygo/convrelay/server/relay"
	"github.com/hrygo/convrelay/store"
)

type APIV1Service struct {
	// Domain Services
	Store   *store.Store
	Relay   *relay.Relay
	Configs *modelconfig.Holder

	// External collaborators, nil when not deployed.
	Uploader artifact.Uploader
	Analyzer artifact.Analyzer

	// Shared Infra
	Profile     *profile.Profile
	Metrics     *metrics.PrometheusExporter
	chatLimiter *ratelimit.RateLimiter
	now         func() time.Time
}

func NewAPIV1Service(profile *profile.Profile, store *store.Store, relay *relay.Relay, configs *modelconfig.Holder, exporter *metrics.PrometheusExporter) *APIV1Service {
	return &APIV1Service{
		Profile:     profile,
		Store:       store,
		Relay:       relay,
		Configs:     configs,
		Metrics:     exporter,
		chatLimiter: ratelimit.NewRateLimiter(profile.RateLimit, profile.RateBurst),
		now:         time.Now,
	}
}

// RegisterRoutes registers the REST and event-stream endpoints with the given Echo instance.
func (s *APIV1Service) RegisterRoutes(echoServer *echo.Echo) {
	corsHandler := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	})

	// The web client talks to /chat/conversations; /conversations is the plain form.
	for _, prefix := range []string{"/conversations", "/chat/conversations"} {
		group := echoServer.Group(prefix, corsHandler)
		group.POST("", s.CreateConversation)
		group.GET("", s.ListConversations)
		group.GET("/:id/messages", s.ListMessages)
		group.POST("/:id/messages", s.AppendMessage)
		group.PUT("/:id/name", s.RenameConversation)
		group.DELETE("/:id", s.DeleteConversation)
	}

	chatGroup := echoServer.Group("/chat", corsHandler)
	chatGroup.POST("", s.Chat)
	chatGroup.POST("/upload", s.UploadFile)
	chatGroup.POST("/analyze/binary", s.AnalyzeBinary)

	configGroup := echoServer.Group("/config", corsHandler)
	configGroup.GET("", s.GetConfig)
	configGroup.POST("", s.SaveConfig)

	echoServer.GET("/healthz", s.Healthz)
}

// Healthz reports liveness, the running build and the loaded model config.
func (s *APIV1Service) Healthz(c echo.Context) error {
	snapshot := s.Configs.Current()
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          s.Profile.Version,
		"build":            version.String(),
		"models":           snapshot.Models(),
		"config_loaded_at": snapshot.LoadedAt().UTC().Format(time.RFC3339),
	})
}

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}
