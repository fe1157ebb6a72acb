package web

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lucasnoah/wayfinder/internal/analytics"
)

// GET /stats?since=2026-06-01
func (s *Server) handleStats(c echo.Context) error {
	if s.db == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "event log not configured")
	}
	var since time.Time
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "invalid since, want YYYY-MM-DD")
		}
		since = t
	}
	ctx := c.Request().Context()

	durations, err := analytics.QueryStageDurations(ctx, s.db, since)
	if err != nil {
		return s.statsError(c, err)
	}
	outcomes, err := analytics.QueryStageOutcomes(ctx, s.db, since)
	if err != nil {
		return s.statsError(c, err)
	}
	workers, err := analytics.QueryWorkerReliability(ctx, s.db, since)
	if err != nil {
		return s.statsError(c, err)
	}
	throughput, err := analytics.QueryThroughput(ctx, s.db, since)
	if err != nil {
		return s.statsError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"stage_durations": emptyIfNil(durations),
		"stage_outcomes":  emptyIfNil(outcomes),
		"workers":         emptyIfNil(workers),
		"throughput":      emptyIfNil(throughput),
	})
}

// GET /runs/:run/timeline
func (s *Server) handleTimeline(c echo.Context) error {
	if s.db == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "event log not configured")
	}
	events, err := analytics.QueryRunTimeline(c.Request().Context(), s.db, c.Param("run"))
	if err != nil {
		return s.statsError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"run_id": c.Param("run"), "events": emptyIfNil(events)})
}

func (s *Server) statsError(c echo.Context, err error) error {
	s.logger.Error("analytics query failed", "error", err)
	return errorJSON(c, http.StatusInternalServerError, "failed to compute stats")
}

func emptyIfNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
