package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// SessionsHandler serves the session lifecycle. Background runs started by
// POST /run stop when BaseCtx is cancelled.
type SessionsHandler struct {
	Sessions Sessions
	Logger   *zap.Logger
	BaseCtx  context.Context
}

func (h *SessionsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/advance", h.advance)
	g.POST("/:id/run", h.run)
	g.POST("/:id/cancel", h.cancel)
}

// create
//
//	@Summary	Start a research session
//	@Tags		sessions
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		CreateSessionRequest	true	"Topic and depth tier"
//	@Success	201		{object}	SessionResponse
//	@Failure	400		{object}	HTTPError
//	@Router		/api/sessions [post]
func (h *SessionsHandler) create(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DepthTier == 0 {
		req.DepthTier = 2
	}
	sess, err := h.Sessions.StartSession(c.Request().Context(), req.Topic, req.DepthTier)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, SessionResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		OutputDir: sess.OutputDir,
		Session:   sess,
	})
}

// list
//
//	@Summary	List sessions, newest first
//	@Tags		sessions
//	@Produce	json
//	@Param		status	query		string	false	"Only sessions in this status"
//	@Param		limit	query		int		false	"Maximum number of sessions"
//	@Success	200		{array}		research.Session
//	@Router		/api/sessions [get]
func (h *SessionsHandler) list(c echo.Context) error {
	items, err := h.Sessions.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if status := c.QueryParam("status"); status != "" {
		filtered := items[:0]
		for _, s := range items {
			if string(s.Status) == status {
				filtered = append(filtered, s)
			}
		}
		items = filtered
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		if n < len(items) {
			items = items[:n]
		}
	}
	if items == nil {
		items = []research.Session{}
	}
	return c.JSON(http.StatusOK, items)
}

// get
//
//	@Summary	Latest snapshot of a session
//	@Tags		sessions
//	@Produce	json
//	@Param		id	path		string	true	"Session id"
//	@Success	200	{object}	research.Snapshot
//	@Failure	404	{object}	HTTPError
//	@Router		/api/sessions/{id} [get]
func (h *SessionsHandler) get(c echo.Context) error {
	snap, err := h.Sessions.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// advance runs one step. A step that fails the session still answers 200
// with the failure recorded; only errors that left the session unchanged
// map to error codes.
//
//	@Summary	Advance a session by one step
//	@Tags		sessions
//	@Produce	json
//	@Param		id	path		string	true	"Session id"
//	@Success	200	{object}	AdvanceResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/sessions/{id}/advance [post]
func (h *SessionsHandler) advance(c echo.Context) error {
	res, err := h.Sessions.Advance(c.Request().Context(), c.Param("id"))
	if err != nil && (res.Session.ID == "" || res.From == res.To) {
		return httpError(err)
	}
	out := AdvanceResponse{
		SessionID:   res.Session.ID,
		From:        res.From,
		Status:      res.To,
		Seq:         res.Seq,
		FailedPhase: res.Session.FailedPhase,
		Cause:       res.Session.Cause,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return c.JSON(http.StatusOK, out)
}

// run advances the session to a terminal state in the background.
//
//	@Summary	Run a session to completion asynchronously
//	@Tags		sessions
//	@Param		id	path		string	true	"Session id"
//	@Success	202	{object}	SessionResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/sessions/{id}/run [post]
func (h *SessionsHandler) run(c echo.Context) error {
	id := c.Param("id")
	snap, err := h.Sessions.Status(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if snap.Session.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "session is "+string(snap.Session.Status))
	}
	base := h.BaseCtx
	if base == nil {
		base = context.Background()
	}
	go func() {
		sess, err := h.Sessions.Run(base, id)
		if err != nil {
			h.Logger.Warn("background run stopped", zap.String("session_id", id), zap.String("status", string(sess.Status)), zap.Error(err))
			return
		}
		h.Logger.Info("background run finished", zap.String("session_id", id), zap.String("status", string(sess.Status)))
	}()
	return c.JSON(http.StatusAccepted, SessionResponse{
		SessionID: id,
		Status:    snap.Session.Status,
		OutputDir: snap.Session.OutputDir,
		Session:   snap.Session,
	})
}

// cancel
//
//	@Summary	Cancel a session
//	@Tags		sessions
//	@Param		id	path		string	true	"Session id"
//	@Success	200	{object}	SessionResponse
//	@Failure	409	{object}	HTTPError
//	@Router		/api/sessions/{id}/cancel [post]
func (h *SessionsHandler) cancel(c echo.Context) error {
	sess, err := h.Sessions.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, SessionResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		OutputDir: sess.OutputDir,
		Session:   sess,
	})
}
