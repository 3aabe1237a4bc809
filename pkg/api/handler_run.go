package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/crewline/foreman/pkg/events"
	"github.com/crewline/foreman/pkg/graph"
	"github.com/crewline/foreman/pkg/models"
)

// startRunHandler handles POST /api/v1/start.
// Creates the run, enqueues it, and answers with the run's SSE event stream,
// closed by `data: [DONE]` when the run reaches a terminal state. The body is
// the stream, so the new run's id travels in the X-Run-ID header (and inside
// every event frame).
func (s *Server) startRunHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req models.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	// 2. Validate
	if req.Prompt == "" {
		respondError(c, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.GitMode != "" && !req.GitMode.IsValid() {
		respondError(c, http.StatusBadRequest, "invalid git_mode: must be none, local, or remote")
		return
	}
	if req.WorkspacePath != "" && !filepath.IsAbs(req.WorkspacePath) {
		respondError(c, http.StatusBadRequest, "workspace_path must be absolute")
		return
	}
	if ceiling := s.cfg.Queue.RunTimeout.Hours(); req.MaxRuntimeHours > ceiling {
		// Past the worker-side backstop the run would be killed as stuck
		// before its own budget ran out.
		respondError(c, http.StatusBadRequest,
			fmt.Sprintf("max_runtime_hours must not exceed %.1f", ceiling))
		return
	}

	// 3. Build and persist the run at intake
	runID := uuid.New().String()
	workspace := req.WorkspacePath
	if workspace == "" {
		workspace = filepath.Join(s.cfg.Workspace.Root, runID)
	}
	run := &models.Run{
		ID:            runID,
		Name:          req.Name,
		Prompt:        req.Prompt,
		WorkspacePath: workspace,
		Config:        s.cfg.RunDefaults.RunConfig(req),
		State:         models.RunStateIntake,
	}
	if err := s.runService.Create(c.Request.Context(), run); err != nil {
		respondServiceError(c, err)
		return
	}

	// 4. Hand it to the queue
	if err := s.runService.CompareAndSwapState(c.Request.Context(), runID,
		models.RunStateIntake, models.RunStateQueued); err != nil {
		respondServiceError(c, err)
		return
	}
	slog.Info("Run accepted",
		"run_id", runID, "name", req.Name, "author", extractAuthor(c))

	// 5. Stream events until the run is terminal
	c.Header("X-Run-ID", runID)
	s.streamRun(c, runID, 0)
}

// listRunsHandler handles GET /api/v1/projects.
func (s *Server) listRunsHandler(c *gin.Context) {
	filters := models.RunFilters{}

	if v := c.Query("status"); v != "" {
		if !models.RunState(v).IsValid() {
			respondError(c, http.StatusBadRequest, "invalid status: "+v)
			return
		}
		filters.State = v
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "invalid limit: must be a positive integer")
			return
		}
		filters.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(c, http.StatusBadRequest, "invalid offset: must be a non-negative integer")
			return
		}
		filters.Offset = n
	}

	result, err := s.runService.List(c.Request.Context(), filters)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getRunHandler handles GET /api/v1/projects/:id.
func (s *Server) getRunHandler(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respondError(c, http.StatusBadRequest, "run id is required")
		return
	}

	run, err := s.runService.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	tasks, err := s.taskService.ListByRun(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, &models.RunDetailResponse{Run: run, Tasks: tasks})
}

// pauseRunHandler handles POST /api/v1/projects/:id/pause.
//
// Queued runs are paused right here: nothing holds them, so this handler owns
// the whole transition. Runs held by a worker only get the state flipped; the
// worker notices on its next control poll, stops scheduling, snapshots, and
// emits the pause event itself.
func (s *Server) pauseRunHandler(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respondError(c, http.StatusBadRequest, "run id is required")
		return
	}

	run, err := s.runService.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	switch run.State {
	case models.RunStateQueued:
		if err := s.runService.Pause(c.Request.Context(), id, run.State); err != nil {
			respondServiceError(c, err)
			return
		}
		s.emitBestEffort(c, events.TypePaused, id, map[string]any{
			"resume_state": string(run.State),
			"by":           extractAuthor(c),
		})

	case models.RunStatePlanning, models.RunStatePlanReady,
		models.RunStateExecuting, models.RunStateVerifying:
		if err := s.runService.CompareAndSwapState(c.Request.Context(), id,
			run.State, models.RunStatePaused); err != nil {
			respondServiceError(c, err)
			return
		}

	case models.RunStatePaused:
		respondError(c, http.StatusConflict, "run is already paused")
		return

	default:
		respondError(c, http.StatusConflict,
			fmt.Sprintf("run in state %s cannot be paused", run.State))
		return
	}

	c.JSON(http.StatusAccepted, &RunControlResponse{
		RunID:   id,
		State:   string(models.RunStatePaused),
		Message: "pause requested",
	})
}

// resumeRunHandler handles POST /api/v1/projects/:id/resume. Resuming hands
// the run back to the queue; whichever worker claims it restores the graph
// snapshot, or replans when the run paused before planning produced one.
func (s *Server) resumeRunHandler(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respondError(c, http.StatusBadRequest, "run id is required")
		return
	}

	run, err := s.runService.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if run.State != models.RunStatePaused {
		respondError(c, http.StatusConflict,
			fmt.Sprintf("run in state %s cannot be resumed", run.State))
		return
	}

	if err := s.runService.Requeue(c.Request.Context(), id, models.RunStatePaused); err != nil {
		respondServiceError(c, err)
		return
	}
	slog.Info("Run resume requested", "run_id", id, "author", extractAuthor(c))

	c.JSON(http.StatusAccepted, &RunControlResponse{
		RunID:   id,
		State:   string(models.RunStateQueued),
		Message: "resume requested",
	})
}

// cancelRunHandler handles POST /api/v1/projects/:id/cancel.
//
// The cancel write lands the reason in the error column. Runs nobody holds
// (intake, queued, paused) are finished by that write alone, so the handler
// also emits the terminal event; runs held by a worker unwind on the next
// control poll and the engine announces the cancellation with the stored
// reason.
func (s *Server) cancelRunHandler(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respondError(c, http.StatusBadRequest, "run id is required")
		return
	}

	var req CancelRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by " + extractAuthor(c)
	}

	run, err := s.runService.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if run.State.Terminal() {
		respondError(c, http.StatusConflict,
			fmt.Sprintf("run in state %s cannot be cancelled", run.State))
		return
	}

	if err := s.runService.Cancel(c.Request.Context(), id, run.State, reason); err != nil {
		respondServiceError(c, err)
		return
	}
	slog.Info("Run cancelled", "run_id", id, "from", run.State, "reason", reason)

	switch run.State {
	case models.RunStateIntake, models.RunStateQueued, models.RunStatePaused:
		s.emitBestEffort(c, events.TypeProjectCancelled, id, map[string]any{"reason": reason})
	}

	c.JSON(http.StatusAccepted, &RunControlResponse{
		RunID:   id,
		State:   string(models.RunStateCancelled),
		Message: "cancellation requested",
	})
}

// retryTaskHandler handles POST /api/v1/projects/:id/tasks/:taskID/retry.
// Accepted while the run sits in failed or paused: the graph is rebuilt from
// the persisted rows and snapshot, the failed task reset to ready with its
// blocked descendants released, and the run handed back to the queue, where
// the claiming worker resumes from the rewritten snapshot.
func (s *Server) retryTaskHandler(c *gin.Context) {
	runID := c.Param("id")
	taskID := c.Param("taskID")
	if runID == "" {
		respondError(c, http.StatusBadRequest, "run id is required")
		return
	}
	if taskID == "" {
		respondError(c, http.StatusBadRequest, "task id is required")
		return
	}

	run, err := s.runService.Get(c.Request.Context(), runID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if run.State != models.RunStateFailed && run.State != models.RunStatePaused {
		respondError(c, http.StatusConflict,
			fmt.Sprintf("run in state %s does not accept task retries", run.State))
		return
	}

	tasks, err := s.taskService.ListByRun(c.Request.Context(), runID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	found := false
	for _, t := range tasks {
		if t.ID == taskID {
			found = true
			break
		}
	}
	if !found {
		respondError(c, http.StatusNotFound, "resource not found")
		return
	}

	g, err := graph.New(runID, tasks, run.Config.FailFast)
	if err != nil {
		slog.Error("Failed to rebuild graph for retry", "run_id", runID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if len(run.GraphSnapshot) > 0 {
		snap, err := graph.SnapshotFromDocument(run.GraphSnapshot)
		if err == nil {
			err = g.Restore(snap)
		}
		if err != nil {
			// Task rows alone are enough; the snapshot only adds artifacts.
			slog.Warn("Graph snapshot does not apply, retrying from task rows",
				"run_id", runID, "error", err)
		}
	}

	if !g.CanRetry(taskID) {
		respondError(c, http.StatusConflict, "task is not failed or has exhausted its attempts")
		return
	}

	before := make(map[string]models.TaskStatus, len(tasks))
	for _, t := range tasks {
		before[t.ID] = t.Status
	}
	if err := g.Retry(taskID); err != nil {
		respondError(c, http.StatusConflict, err.Error())
		return
	}

	// Persist the rows whose status moved: the retried task plus any
	// descendants released from blocked.
	for _, t := range g.Tasks() {
		if before[t.ID] == t.Status {
			continue
		}
		if err := s.taskService.Update(c.Request.Context(), t); err != nil {
			respondServiceError(c, err)
			return
		}
	}

	doc, err := g.Snapshot().Document()
	if err != nil {
		slog.Error("Failed to encode graph snapshot for retry", "run_id", runID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	run.GraphSnapshot = doc
	run.Error = nil
	run.CompletedAt = nil
	if err := s.runService.Update(c.Request.Context(), run); err != nil {
		respondServiceError(c, err)
		return
	}

	if err := s.runService.Requeue(c.Request.Context(), runID, run.State); err != nil {
		respondServiceError(c, err)
		return
	}
	slog.Info("Task retry requested",
		"run_id", runID, "task_id", taskID, "author", extractAuthor(c))

	c.JSON(http.StatusAccepted, &RunControlResponse{
		RunID:   runID,
		State:   string(models.RunStateQueued),
		Message: fmt.Sprintf("task %s queued for retry", taskID),
	})
}

// emitBestEffort publishes an operator event when a publisher is wired. Runs
// held by a worker get their lifecycle events from the engine instead.
func (s *Server) emitBestEffort(c *gin.Context, eventType, runID string, data map[string]any) {
	if s.publisher == nil {
		return
	}
	s.publisher.EmitBestEffort(c.Request.Context(), eventType, runID, data)
}
