package web

import (
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lucasnoah/wayfinder/internal/db"
	"github.com/lucasnoah/wayfinder/internal/pipeline"
	"github.com/lucasnoah/wayfinder/internal/worker"
)

// GET /healthz
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "event_log": s.db != nil})
}

// GET /sessions
func (s *Server) handleSessions(c echo.Context) error {
	ids, err := s.store.ListSessions()
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list sessions")
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": ids})
}

// GET /sessions/:session/runs
func (s *Server) handleRuns(c echo.Context) error {
	session := c.Param("session")
	runs, err := s.store.ListRuns(session)
	if err != nil {
		s.logger.Error("list runs", "session", session, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list runs")
	}
	if runs == nil {
		runs = []pipeline.RunInfo{}
	}
	return c.JSON(http.StatusOK, map[string]any{"session_id": session, "runs": runs})
}

// GET /sessions/:session/latest
func (s *Server) handleLatest(c echo.Context) error {
	session := c.Param("session")
	runID, err := s.store.LatestRunID(session)
	if err != nil {
		return s.storeError(c, err, "latest run")
	}
	m, err := s.store.LoadManifest(session, runID)
	if err != nil {
		return s.storeError(c, err, "manifest")
	}
	return c.JSON(http.StatusOK, m)
}

// GET /sessions/:session/runs/:run/manifest
func (s *Server) handleManifest(c echo.Context) error {
	m, err := s.store.LoadManifest(c.Param("session"), c.Param("run"))
	if err != nil {
		return s.storeError(c, err, "manifest")
	}
	return c.JSON(http.StatusOK, m)
}

// GET /sessions/:session/runs/:run/stages/:stage
// :stage is a stage number (3) or id (03_worker_outputs).
func (s *Server) handleStage(c echo.Context) error {
	stageID, ok := resolveStage(c.Param("stage"))
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "invalid stage "+strconv.Quote(c.Param("stage")))
	}
	cp, err := s.store.ReadCheckpoint(c.Param("session"), c.Param("run"), stageID)
	if err != nil {
		return s.storeError(c, err, "stage "+stageID)
	}
	return c.JSON(http.StatusOK, cp)
}

// GET /sessions/:session/runs/:run/workers
func (s *Server) handleWorkers(c echo.Context) error {
	outs, err := worker.LoadOutputs(s.store, c.Param("session"), c.Param("run"))
	if err != nil {
		return s.storeError(c, err, "worker outputs")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"outputs": outs,
		"summary": worker.Summarize(outs),
	})
}

// GET /runs?session=&limit=
func (s *Server) handleRecentRuns(c echo.Context) error {
	if s.db == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "event log not configured")
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errorJSON(c, http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	runs, err := s.db.ListRuns(c.Request().Context(), c.QueryParam("session"), limit)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list runs")
	}
	if runs == nil {
		runs = []db.Run{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// GET /runs/:run/events
func (s *Server) handleEvents(c echo.Context) error {
	if s.db == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "event log not configured")
	}
	ctx := c.Request().Context()
	runID := c.Param("run")

	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error("get run", "run", runID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to get run")
	}
	if run == nil {
		return errorJSON(c, http.StatusNotFound, "run not found")
	}
	stages, err := s.db.StageEvents(ctx, runID)
	if err != nil {
		s.logger.Error("stage events", "run", runID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load stage events")
	}
	workers, err := s.db.WorkerEvents(ctx, runID)
	if err != nil {
		s.logger.Error("worker events", "run", runID, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load worker events")
	}
	if stages == nil {
		stages = []db.StageEvent{}
	}
	if workers == nil {
		workers = []db.WorkerEvent{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run":     run,
		"stages":  stages,
		"workers": workers,
	})
}

// storeError maps missing files to 404 and anything else to 500.
func (s *Server) storeError(c echo.Context, err error, what string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errorJSON(c, http.StatusNotFound, what+" not found")
	}
	s.logger.Error("store read failed", "what", what, "error", err)
	return errorJSON(c, http.StatusInternalServerError, "failed to read "+what)
}

func resolveStage(param string) (string, bool) {
	if n, err := strconv.Atoi(param); err == nil {
		id, err := pipeline.StageID(n)
		return id, err == nil
	}
	if !pipeline.StageIDPattern.MatchString(param) {
		return "", false
	}
	n, err := pipeline.StageNumberFromID(param)
	if err != nil {
		return "", false
	}
	id, err := pipeline.StageID(n)
	return id, err == nil && id == param
}
