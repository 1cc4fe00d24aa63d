package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sakif/devflow-exec/internal/executor"
)

// Runner is what the run handlers need from the service layer.
// *service.RunService satisfies it.
type Runner interface {
	Run(ctx context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error)
}

// RunResponse is the body of a synchronous run. The result fields are
// inlined; Notices carries the engine's error-stream lines (safety warnings,
// timeout and preflight notices) that would otherwise only be visible on the
// live stream.
type RunResponse struct {
	*executor.Result
	Notices []string `json:"notices,omitempty"`
}

// ExecuteHandler runs commands synchronously over plain HTTP.
type ExecuteHandler struct {
	runs   Runner
	logger *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(runs Runner, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		runs:   runs,
		logger: logger,
	}
}

// HandleExecute runs one command to completion and returns its result.
//
// HTTP: POST /api/runs
// REQUEST BODY: executor.Request, e.g. {"command":"make test","profile":"docker"}
//
// The request context is the run's context: if the client disconnects, the
// child is killed. A timeout is not an error here; the 200 response carries
// timed_out=true and exit_code=-1.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Warn("invalid run request body", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	notices := &noticeCollector{}
	res, err := h.runs.Run(r.Context(), req, notices)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RunResponse{Result: res, Notices: notices.lines()})
}

// noticeCollector keeps error-stream lines and drops everything else.
// Emit is called from several goroutines.
type noticeCollector struct {
	mu    sync.Mutex
	items []string
}

func (c *noticeCollector) Emit(e executor.Event) {
	if e.Type != executor.EventLog || e.Stream != executor.StreamError {
		return
	}
	c.mu.Lock()
	c.items = append(c.items, e.Line)
	c.mu.Unlock()
}

func (c *noticeCollector) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.items...)
}
