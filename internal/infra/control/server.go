package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"voice-client/internal/domain"
)

// Session is the part of the session manager exposed over HTTP.
type Session interface {
	Open(ctx context.Context) error
	Start(ctx context.Context, userContext *domain.UserContext) error
	Stop(ctx context.Context) error
	Reconnect(ctx context.Context) error
	RequestStats(ctx context.Context) error
	Snapshot() domain.Snapshot
	History() []domain.ChatTurn
	Latest() (domain.ChatTurn, bool)
	Analysis() (json.RawMessage, bool)
	Stats() (json.RawMessage, bool)
	Usage() (domain.TokenUsage, bool)
}

type Config struct {
	Addr      string
	AuthToken string
	// RateLimit is requests per minute per client; zero disables limiting.
	RateLimit int
	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

// Server is the local control API. It drives the session for a UI running in
// another process.
type Server struct {
	addr    string
	session Session
	echo    *echo.Echo
	logger  *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func NewServer(cfg Config, session Session, logger *slog.Logger) *Server {
	s := &Server{
		addr:    cfg.Addr,
		session: session,
		echo:    echo.New(),
		logger:  logger,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLogger())

	// No auth or rate limiting on health check
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("")
	if cfg.RateLimit > 0 {
		api.Use(NewRateLimiter(cfg.RateLimit, time.Minute).Middleware())
	}
	if cfg.AuthToken != "" {
		api.Use(bearerAuth(cfg.AuthToken))
	}

	api.GET("/status", s.handleStatus)
	api.POST("/session/start", s.handleStart)
	api.POST("/session/stop", s.handleStop)
	api.POST("/session/reconnect", s.handleReconnect)
	api.POST("/session/stats", s.handleStats)
	api.GET("/history", s.handleHistory)
	api.GET("/history/latest", s.handleLatest)
	api.GET("/analysis", s.handleAnalysis)
	if cfg.Metrics != nil {
		api.GET("/metrics", echo.WrapHandler(cfg.Metrics))
	}

	return s
}

func bearerAuth(token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
	})
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("control request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	})
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.echo,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func(srv *http.Server) {
		s.logger.Info("control API listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control API error", "error", err)
		}
	}(s.server)

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		if err := s.server.Close(); err != nil {
			return fmt.Errorf("closing server: %w", err)
		}
	}
	s.server = nil
	s.listener = nil
	return nil
}

type statusResponse struct {
	domain.Snapshot
	Usage *domain.TokenUsage `json:"usage,omitempty"`
	Stats json.RawMessage    `json:"stats,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{Snapshot: s.session.Snapshot()}
	if usage, ok := s.session.Usage(); ok {
		resp.Usage = &usage
	}
	if stats, ok := s.session.Stats(); ok {
		resp.Stats = stats
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStart(c echo.Context) error {
	var profile *domain.UserContext
	if c.Request().ContentLength != 0 {
		var uc domain.UserContext
		if err := json.NewDecoder(http.MaxBytesReader(c.Response(), c.Request().Body, 4096)).Decode(&uc); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid profile")
		}
		profile = &uc
	}

	ctx := c.Request().Context()
	switch s.session.Snapshot().Status {
	case domain.StatusConnected:
	case domain.StatusError:
		// recovering from an error is an explicit /session/reconnect
		return echo.NewHTTPError(http.StatusConflict, "session failed, reconnect required")
	default:
		if err := s.session.Open(ctx); err != nil {
			return httpError(err)
		}
	}
	if err := s.session.Start(ctx, profile); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, s.session.Snapshot())
}

func (s *Server) handleStop(c echo.Context) error {
	if err := s.session.Stop(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, s.session.Snapshot())
}

func (s *Server) handleReconnect(c echo.Context) error {
	if err := s.session.Reconnect(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleStats(c echo.Context) error {
	if err := s.session.RequestStats(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleHistory(c echo.Context) error {
	history := s.session.History()
	if history == nil {
		history = []domain.ChatTurn{}
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) handleLatest(c echo.Context) error {
	turn, ok := s.session.Latest()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no turns yet")
	}
	return c.JSON(http.StatusOK, turn)
}

func (s *Server) handleAnalysis(c echo.Context) error {
	analysis, ok := s.session.Analysis()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no analysis yet")
	}
	return c.JSONBlob(http.StatusOK, analysis)
}

func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrAlreadyStarted):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrDeviceUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrChannelOpen), errors.Is(err, domain.ErrChannelClosed):
		code = http.StatusBadGateway
	}
	return echo.NewHTTPError(code, err.Error())
}
