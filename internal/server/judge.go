package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepsearch/internal/judge"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
)

// JudgeHandler scores reports against the configured rubric.
type JudgeHandler struct {
	Scorer   *judge.Scorer
	Store    store.SessionStore
	Sessions Sessions
}

func (h *JudgeHandler) Register(g *echo.Group) {
	g.POST("/score", h.score)
	g.POST("/compare", h.compare)
}

// score
//
//	@Summary	Score one report against the rubric
//	@Tags		judge
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		ScoreRequest	true	"Report and original question"
//	@Success	200		{object}	research.JudgeScore
//	@Failure	400		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Failure	422		{object}	HTTPError
//	@Router		/api/score [post]
func (h *JudgeHandler) score(c echo.Context) error {
	if h.Scorer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "judge not configured")
	}
	var req ScoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Report) == "" || strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "report and question are required")
	}
	ctx := c.Request().Context()
	score, err := h.Scorer.Score(ctx, req.Report, req.Question)
	if err != nil {
		return httpError(err)
	}
	if err := h.persist(c, req.SessionID, score); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, score)
}

// compare
//
//	@Summary	A/B compare two reports
//	@Tags		judge
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		CompareRequest	true	"Both reports and the original question"
//	@Success	200		{object}	research.JudgeScore
//	@Failure	400		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Failure	422		{object}	HTTPError
//	@Router		/api/compare [post]
func (h *JudgeHandler) compare(c echo.Context) error {
	if h.Scorer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "judge not configured")
	}
	var req CompareRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.ReportA) == "" || strings.TrimSpace(req.ReportB) == "" || strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "report_a, report_b and question are required")
	}
	score, err := h.Scorer.CompareAB(c.Request().Context(), req.ReportA, req.ReportB, req.Question)
	if err != nil {
		return httpError(err)
	}
	if err := h.persist(c, req.SessionID, score); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, score)
}

func (h *JudgeHandler) persist(c echo.Context, sessionID string, score research.JudgeScore) error {
	if sessionID == "" || h.Store == nil {
		return nil
	}
	ctx := c.Request().Context()
	if h.Sessions != nil {
		if _, err := h.Sessions.Status(ctx, sessionID); err != nil {
			return httpError(err)
		}
	}
	if err := h.Store.SaveScore(ctx, sessionID, score); err != nil {
		return httpError(err)
	}
	return nil
}
