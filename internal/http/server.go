// Package http exposes the webhook API Elba calls to install, uninstall and
// administer connector organisations.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/secrets"
	"github.com/elba-security/elba-connect/internal/store"
	"github.com/elba-security/elba-connect/internal/sync"
)

type ServerConfig struct {
	Addr          string
	WebhookSecret string
}

// OrganisationStore is the slice of the persistence layer the webhook
// handlers use. *store.Store satisfies it.
type OrganisationStore interface {
	UpsertOrganisation(ctx context.Context, p store.UpsertOrganisationParams) (store.Organisation, error)
	GetOrganisation(ctx context.Context, organisationID, connectorKind string) (store.Organisation, error)
}

type Server struct {
	echo *echo.Echo
	cfg  ServerConfig

	st        OrganisationStore
	cipher    secrets.Cipher
	registry  *registry.ConnectorRegistry
	lifecycle *sync.Lifecycle
	pool      *pgxpool.Pool
}

func NewServer(cfg ServerConfig, st OrganisationStore, cipher secrets.Cipher, reg *registry.ConnectorRegistry, lifecycle *sync.Lifecycle, pool *pgxpool.Pool) (*Server, error) {
	if st == nil {
		return nil, errors.New("server requires a store")
	}
	if cipher == nil {
		return nil, errors.New("server requires a cipher")
	}
	if reg == nil {
		return nil, errors.New("server requires a connector registry")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("server requires a webhook secret")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:      e,
		cfg:       cfg,
		st:        st,
		cipher:    cipher,
		registry:  reg,
		lifecycle: lifecycle,
		pool:      pool,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealthz)

	api := s.echo.Group("/api", s.requireWebhookSecret)
	api.GET("/connectors", s.handleListConnectors)
	api.POST("/webhooks/:kind/install", s.handleInstall)
	api.POST("/webhooks/:kind/uninstall", s.handleUninstall)
	api.POST("/webhooks/:kind/users/delete", s.handleDeleteUser)
	api.POST("/webhooks/:kind/sync", s.handleRequestSync)
}

// Handler exposes the router for tests.
func (s *Server) Handler() nethttp.Handler { return s.echo }

func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.cfg.Addr)
	err := s.echo.Start(s.cfg.Addr)
	if errors.Is(err, nethttp.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requireWebhookSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.WebhookSecret)) != 1 {
			return echo.NewHTTPError(nethttp.StatusUnauthorized, "invalid webhook secret")
		}
		return next(c)
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogURI:     true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency.Round(time.Millisecond),
			}
			if v.Error != nil {
				slog.Warn("http request failed", append(attrs, "err", v.Error)...)
				return nil
			}
			slog.Info("http request", attrs...)
			return nil
		},
	})
}
