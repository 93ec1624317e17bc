package server

import (
	"time"

	"github.com/aristath/taskd/internal/task"
)

// submitTaskRequest is the body of both submit surfaces.
type submitTaskRequest struct {
	ExecutionPrompt  string `json:"execution_prompt"`
	WorkingDirectory string `json:"working_directory"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	Model            string `json:"model,omitempty"`
}

// orchestrationTaskSpec is one member of an orchestration submission.
type orchestrationTaskSpec struct {
	Identifier            string   `json:"task_identifier"`
	DependsOn             []string `json:"depends_on,omitempty"`
	WaitAfterDependencies float64  `json:"wait_after_dependencies,omitempty"`
	submitTaskRequest
}

// submitOrchestrationRequest is the batch-submit body.
type submitOrchestrationRequest struct {
	Tasks []orchestrationTaskSpec `json:"tasks"`
}

// taskResponse is the wire shape of a task row.
type taskResponse struct {
	ID               int64      `json:"id"`
	Status           string     `json:"status"`
	Model            string     `json:"model"`
	WorkingDirectory string     `json:"working_directory"`
	LastAction       string     `json:"last_action,omitempty"`
	FinalSummary     string     `json:"final_summary,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	SummaryLogPath   string     `json:"summary_log_path"`
	DetailedLogPath  string     `json:"detailed_log_path"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	OrchestrationID  int64      `json:"orchestration_id,omitempty"`
	TaskIdentifier   string     `json:"task_identifier,omitempty"`
	DependsOn        []string   `json:"depends_on,omitempty"`
}

func toTaskResponse(t *task.Task) taskResponse {
	return taskResponse{
		ID:               t.ID,
		Status:           string(t.Status),
		Model:            string(t.ModelTier),
		WorkingDirectory: t.WorkingDir,
		LastAction:       t.LastAction,
		FinalSummary:     t.FinalSummary,
		ErrorMessage:     t.ErrorMessage,
		SummaryLogPath:   t.SummaryLogPath,
		DetailedLogPath:  t.DetailedLogPath,
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.StartedAt,
		EndedAt:          t.EndedAt,
		OrchestrationID:  t.OrchestrationID,
		TaskIdentifier:   t.Identifier,
		DependsOn:        t.DependsOn,
	}
}

// orchestrationResponse is the wire shape of an orchestration aggregate.
type orchestrationResponse struct {
	ID        int64          `json:"id"`
	Status    string         `json:"status"`
	Total     int            `json:"total_tasks"`
	Completed int            `json:"completed_tasks"`
	Failed    int            `json:"failed_tasks"`
	Skipped   int            `json:"skipped_tasks"`
	CreatedAt time.Time      `json:"created_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Tasks     []taskResponse `json:"tasks,omitempty"`
}

func toOrchestrationResponse(o *task.Orchestration, members []*task.Task) orchestrationResponse {
	resp := orchestrationResponse{
		ID:        o.ID,
		Status:    string(o.Status),
		Total:     o.Total,
		Completed: o.Completed,
		Failed:    o.Failed,
		Skipped:   o.Skipped,
		CreatedAt: o.CreatedAt,
		StartedAt: o.StartedAt,
		EndedAt:   o.EndedAt,
	}
	for _, m := range members {
		resp.Tasks = append(resp.Tasks, toTaskResponse(m))
	}
	return resp
}
