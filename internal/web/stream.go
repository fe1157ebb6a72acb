package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lucasnoah/wayfinder/internal/db"
)

// handleStream serves a Server-Sent Events stream of the stage events of one run.
// It polls the event log, sends each new stage event as a "stage" message and
// finishes with a "done" event carrying the run status once the run is no longer running.
//
// GET /runs/:run/stream
func (s *Server) handleStream(c echo.Context) error {
	if s.db == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "event log not configured")
	}
	runID := c.Param("run")
	ctx := c.Request().Context()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)

	sendDone := func(reason string) error {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		w.Flush()
		return nil
	}

	sent := make(map[int64]bool)
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		run, err := s.db.GetRun(ctx, runID)
		if err != nil {
			return sendDone("error")
		}
		if run == nil {
			return sendDone("run not found")
		}

		events, err := s.db.StageEvents(ctx, runID)
		if err != nil {
			return sendDone("error")
		}
		if err := writeNew(w, events, sent); err != nil {
			return nil
		}
		w.Flush()

		if run.Status != db.RunStatusRunning {
			return sendDone(run.Status)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

func writeNew(w *echo.Response, events []db.StageEvent, sent map[int64]bool) error {
	for _, ev := range events {
		if sent[ev.ID] {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: stage\ndata: %s\n\n", data); err != nil {
			return err
		}
		sent[ev.ID] = true
	}
	return nil
}
