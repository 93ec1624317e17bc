package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aristath/taskd/internal/orchestrator"
	"github.com/aristath/taskd/internal/scheduler"
	"github.com/aristath/taskd/internal/store"
	"github.com/aristath/taskd/internal/task"
)

// Handler serves the polling HTTP API over the scheduler and store.
type Handler struct {
	sched *scheduler.Scheduler
	store *store.Store
	log   *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(sched *scheduler.Scheduler, st *store.Store, log *zap.Logger) *Handler {
	return &Handler{sched: sched, store: st, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeValidationError reports a rejected submission, naming the field when
// the failure carries one.
func writeValidationError(w http.ResponseWriter, err error) {
	var fe *fieldError
	if errors.As(err, &fe) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": fe.Reason,
			"field": fe.Field,
		})
		return
	}
	var ve *orchestrator.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": ve.Reason})
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// SubmitTask handles the loose human-facing submit surface.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, validateLoose)
}

// SubmitTaskStrict handles the machine/tool submit surface.
func (h *Handler) SubmitTaskStrict(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, validateStrict)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, validate func(*submitTaskRequest) error) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	t, err := h.sched.Submit(r.Context(), store.CreateTaskInput{
		WorkingDir:      req.WorkingDirectory,
		SystemPrompt:    req.SystemPrompt,
		ExecutionPrompt: req.ExecutionPrompt,
		ModelTier:       task.ModelTier(req.Model),
	})
	if err != nil {
		h.log.Error("task submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(t))
}

// GetTask returns one task row.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %d not found", id))
		return
	}
	if err != nil {
		h.log.Error("task lookup failed", zap.Int64("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// ListTasks returns all task rows.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks(r.Context())
	if err != nil {
		h.log.Error("task list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// CancelTask requests cancellation and returns the post-mutation status.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	status, err := h.sched.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %d not found", id))
		return
	}
	if err != nil {
		h.log.Error("task cancel failed", zap.Int64("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(status)})
}

// TaskLogs serves a tail of a task's summary or detailed log as text.
func (h *Handler) TaskLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %d not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	path := t.SummaryLogPath
	if r.URL.Query().Get("kind") == "detailed" {
		path = t.DetailedLogPath
	}
	tail := 50
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "log file not available yet")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(tailLines(string(data), tail)))
}

// SubmitOrchestration admits a batch of tasks with declared dependencies.
func (h *Handler) SubmitOrchestration(w http.ResponseWriter, r *http.Request) {
	var req submitOrchestrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	specs, err := specsFromRequest(&req)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	orch, tasks, err := h.sched.SubmitGroup(r.Context(), specs)
	if err != nil {
		var ve *orchestrator.ValidationError
		if errors.As(err, &ve) {
			writeValidationError(w, err)
			return
		}
		h.log.Error("orchestration submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create orchestration")
		return
	}
	writeJSON(w, http.StatusCreated, toOrchestrationResponse(orch, tasks))
}

// GetOrchestration returns the aggregate plus member summaries.
func (h *Handler) GetOrchestration(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	orch, err := h.store.GetOrchestration(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("orchestration %d not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load orchestration")
		return
	}
	members, err := h.store.ListTasksByOrchestration(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load members")
		return
	}
	writeJSON(w, http.StatusOK, toOrchestrationResponse(orch, members))
}

// ListOrchestrations returns all orchestration aggregates.
func (h *Handler) ListOrchestrations(w http.ResponseWriter, r *http.Request) {
	orchs, err := h.store.ListOrchestrations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list orchestrations")
		return
	}
	out := make([]orchestrationResponse, 0, len(orchs))
	for _, o := range orchs {
		out = append(out, toOrchestrationResponse(o, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orchestrations": out})
}

// CancelOrchestration cancels all non-terminal members.
func (h *Handler) CancelOrchestration(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	orch, err := h.sched.CancelOrchestration(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("orchestration %d not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel orchestration")
		return
	}
	writeJSON(w, http.StatusOK, toOrchestrationResponse(orch, nil))
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// tailLines returns the last n lines of s.
func tailLines(s string, n int) string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}
