// Package admin provides the operator-facing HTTP surface over a running
// dispatch.Engine: driving registration from outside the process,
// inspecting the registry and waiting set, health and metrics endpoints,
// and incident reporting. None of it is required by the dispatch core
// itself; it is a sample host-application surface.
package admin

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/hrygo/txndispatch/backends/remote"
	"github.com/hrygo/txndispatch/dispatch"
)

// Server is the admin HTTP surface: an echo.Echo instance wired to a
// dispatch.Engine's registration handle and snapshot query, a metrics
// Collector, and an incident log.
type Server struct {
	echo      *echo.Echo
	engine    *dispatch.Engine
	handle    *dispatch.RegistrationHandle
	metrics   *Collector
	incidents *incidentLog
	auth      *authenticator
}

// Config configures a Server at construction time.
type Config struct {
	// AuthSecretHash is the bcrypt hash of the operator shared secret. Empty
	// disables auth middleware entirely; acceptable only for local use.
	AuthSecretHash string
	// SessionTTL bounds how long a login token remains valid. Defaults to
	// one hour.
	SessionTTL time.Duration
	// IncidentCapacity bounds how many Invalid completions the incident
	// log retains for /report and /incidents.atom. Defaults to 100.
	IncidentCapacity int
}

// NewServer builds a Server fronting engine, with metrics and an incident
// log the caller should chain into Execute's notifier via TrackingNotifier.
func NewServer(engine *dispatch.Engine, collector *Collector, cfg Config) (*Server, error) {
	auth, err := newAuthenticator(cfg.AuthSecretHash, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		echo:      echo.New(),
		engine:    engine,
		handle:    engine.RegistrationHandle(),
		metrics:   collector,
		incidents: newIncidentLog(cfg.IncidentCapacity),
		auth:      auth,
	}
	s.echo.HideBanner = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: shortuuid.New,
	}))
	s.routes()
	return s, nil
}

// TrackingNotifier wraps inner so every notification it forwards is also
// recorded in the server's incident log, making it visible to /report and
// /incidents.atom. Pass the result as the notifier argument to
// Engine.Execute.
func (s *Server) TrackingNotifier(inner dispatch.Notifier) dispatch.Notifier {
	return s.incidents.track(inner)
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	s.echo.POST("/login", s.handleLogin)

	registry := s.echo.Group("/registry", s.auth.middleware())
	registry.GET("", s.handleListRegistry)
	registry.POST("", s.handleRegister)
	registry.DELETE("/:family/:version", s.handleUnregister)

	reporting := s.echo.Group("", s.auth.middleware())
	reporting.GET("/report", s.handleReport)
	reporting.GET("/incidents.atom", s.handleIncidentsFeed)
}

// Handler returns the underlying http.Handler, for embedding in a larger
// mux or handing to http.Server directly.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves the admin surface on addr until Shutdown is called or an
// unrecoverable server error occurs.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the admin HTTP listener.
func (s *Server) Shutdown() error {
	return s.echo.Close()
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(c echo.Context) error {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !s.auth.enabled() {
		return echo.NewHTTPError(http.StatusNotFound, "admin auth is not configured")
	}
	token, err := s.auth.login(req.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListRegistry(c echo.Context) error {
	snapshot, err := s.engine.Snapshot()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	entries, err := filterEntries(entriesFromSnapshot(snapshot), c.QueryParam("filter"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

// registerRequest describes a remote HTTP backend to register, the only
// backend shape that can be fully specified over the wire without
// executing caller-supplied code.
type registerRequest struct {
	Family       string   `json:"family"`
	Version      string   `json:"version"`
	BaseURL      string   `json:"base_url"`
	TokenURL     string   `json:"token_url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Family == "" || req.Version == "" || req.BaseURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "family, version, and base_url are required")
	}
	key := dispatch.RoutingKey{Family: req.Family, Version: req.Version}

	backend := remote.New(key, req.BaseURL, clientcredentials.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		TokenURL:     req.TokenURL,
		Scopes:       req.Scopes,
	}, nil)

	if err := s.handle.Register(key, backend); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "registered"})
}

func (s *Server) handleUnregister(c echo.Context) error {
	key := dispatch.RoutingKey{Family: c.Param("family"), Version: c.Param("version")}
	if err := s.handle.Unregister(key); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleReport(c echo.Context) error {
	snapshot, err := s.engine.Snapshot()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	html, err := renderReport(snapshot, s.incidents.recent(50))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.HTML(http.StatusOK, html)
}

func (s *Server) handleIncidentsFeed(c echo.Context) error {
	atom, err := incidentsFeed(baseURLFromRequest(c), s.incidents.recent(100))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "application/atom+xml", []byte(atom))
}

func baseURLFromRequest(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}
