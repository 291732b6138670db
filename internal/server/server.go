// Package server exposes research sessions and the judge over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/judge"
	"github.com/mohammad-safakhou/deepsearch/internal/orchestrator"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
)

// Sessions is the orchestrator surface the HTTP API needs.
type Sessions interface {
	StartSession(ctx context.Context, topic string, tier int) (research.Session, error)
	Advance(ctx context.Context, id string) (orchestrator.StepResult, error)
	Run(ctx context.Context, id string) (research.Session, error)
	Cancel(ctx context.Context, id string) (research.Session, error)
	Status(ctx context.Context, id string) (research.Snapshot, error)
	List(ctx context.Context) ([]research.Session, error)
}

// Deps are the components mounted by the router. Context bounds work the
// API starts in the background; it defaults to context.Background.
type Deps struct {
	Context  context.Context
	Sessions Sessions
	Scorer   *judge.Scorer
	Store    store.SessionStore
	Metrics  http.Handler
	Logger   *zap.Logger
}

// NewRouter builds the echo instance. Routes under /api require a bearer
// token when cfg.JWTSecret is set.
func NewRouter(cfg config.ServerConfig, deps Deps) *echo.Echo {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Warn("request failed",
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", c.RealIP()),
			zap.Error(err),
		)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics))
	}

	api := e.Group("/api")
	if cfg.JWTSecret != "" {
		api.Use(AuthMiddleware([]byte(cfg.JWTSecret)))
	}
	baseCtx := deps.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	sh := &SessionsHandler{Sessions: deps.Sessions, Logger: logger.Named("sessions"), BaseCtx: baseCtx}
	sh.Register(api.Group("/sessions"))
	jh := &JudgeHandler{Scorer: deps.Scorer, Store: deps.Store, Sessions: deps.Sessions}
	jh.Register(api)
	return e
}

// Run serves e on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string, logger *zap.Logger) error {
	if addr == "" {
		addr = ":10001"
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// statusFor maps orchestrator errors to HTTP codes.
func statusFor(err error) int {
	var (
		verr    research.ValidationError
		perr    research.PhaseError
		timeout research.SessionTimeout
	)
	switch {
	case errors.Is(err, research.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, research.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, research.ErrTerminal), errors.Is(err, store.ErrLocked):
		return http.StatusConflict
	case errors.As(err, &verr), errors.As(err, &perr), errors.As(err, &timeout):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func httpError(err error) error {
	return echo.NewHTTPError(statusFor(err), err.Error()).SetInternal(err)
}
