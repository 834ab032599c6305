package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/orchestrator"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

// WorkflowHandler serves the workflow CRUD and execution endpoints.
type WorkflowHandler struct {
	manager *orchestrator.Manager
	logger  *zap.Logger
}

// NewWorkflowHandler creates a workflow handler backed by the manager.
func NewWorkflowHandler(m *orchestrator.Manager, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		manager: m,
		logger:  logger.With(zap.String("component", "workflow_handler")),
	}
}

// HandleCreate serves POST /api/v1/workflows: validate the spec and persist
// the workflow without starting it.
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var spec types.WorkflowSpec
	if err := DecodeJSONBody(w, r, &spec, h.logger); err != nil {
		return
	}

	wf, err := h.manager.CreateWorkflow(r.Context(), &spec)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("steps", len(wf.Steps)),
	)
	WriteCreated(w, wf)
}

// HandleGet serves GET /api/v1/workflows/{id}.
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.manager.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, wf)
}

// HandleList serves GET /api/v1/workflows with optional status, name, limit,
// and offset query parameters. Results are newest first.
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	workflows, err := h.manager.ListWorkflows(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// HandleExecute serves POST /api/v1/workflows/{id}/execute. The run is
// started in the background and 202 returned; with ?wait=true the request
// blocks until the run reaches a terminal status.
func (h *WorkflowHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if r.URL.Query().Get("wait") == "true" {
		wf, err := h.manager.Execute(r.Context(), id)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		WriteSuccess(w, wf)
		return
	}

	if err := h.manager.ExecuteAsync(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data: map[string]string{
			"workflow_id": id,
			"status":      string(types.WorkflowRunning),
		},
		Timestamp: time.Now(),
	})
}

// HandleCancel serves POST /api/v1/workflows/{id}/cancel.
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.manager.Cancel(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	wf, err := h.manager.GetWorkflow(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, wf)
}

// HandleStats serves GET /api/v1/stats: store totals, per-agent execution
// counters, and the number of in-process runs.
func (h *WorkflowHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	m, err := h.manager.Metrics(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, m)
}

func filterFromQuery(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{Name: q.Get("name")}

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := types.WorkflowStatus(strings.TrimSpace(s))
			switch status {
			case types.WorkflowCreated, types.WorkflowRunning, types.WorkflowCompleted,
				types.WorkflowFailed, types.WorkflowCancelled:
				f.Status = append(f.Status, status)
			default:
				return f, types.NewErrorf(types.ErrInvalidSpec, "unknown status filter %q", s).
					WithHTTPStatus(http.StatusBadRequest)
			}
		}
	}

	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, types.NewError(types.ErrInvalidSpec, "limit must be a non-negative integer").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, types.NewError(types.ErrInvalidSpec, "offset must be a non-negative integer").
			WithHTTPStatus(http.StatusBadRequest)
	}
	return f, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
