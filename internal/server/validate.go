package server

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/taskd/internal/task"
)

// fieldError is a validation failure naming the offending field.
type fieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func fieldErrorf(field, format string, args ...any) error {
	return &fieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Strict-surface bounds (machine/tool clients).
const (
	strictMinExecutionPrompt = 150
	strictMinSystemPrompt    = 75
	strictMaxSystemPrompt    = 500
)

// Loose-surface bound (human submissions): defaults apply, but an empty or
// trivial prompt is still rejected.
const looseMinExecutionPrompt = 10

// validateLoose applies the human-facing submit rules and fills defaults.
func validateLoose(req *submitTaskRequest) error {
	req.ExecutionPrompt = strings.TrimSpace(req.ExecutionPrompt)
	if len(req.ExecutionPrompt) < looseMinExecutionPrompt {
		return fieldErrorf("execution_prompt", "must be at least %d characters", looseMinExecutionPrompt)
	}
	if err := validateWorkingDir(req.WorkingDirectory); err != nil {
		return err
	}
	if req.Model == "" {
		req.Model = string(task.TierBalanced)
	}
	if !task.ModelTier(req.Model).Valid() {
		return fieldErrorf("model", "must be one of fast, balanced, deep")
	}
	return nil
}

// validateStrict applies the machine-facing admission rules.
func validateStrict(req *submitTaskRequest) error {
	if len(req.ExecutionPrompt) < strictMinExecutionPrompt {
		return fieldErrorf("execution_prompt", "must be at least %d characters, got %d",
			strictMinExecutionPrompt, len(req.ExecutionPrompt))
	}
	if !strings.ContainsAny(req.ExecutionPrompt, `/\`) {
		return fieldErrorf("execution_prompt", "must reference at least one path (contain '/' or '\\')")
	}
	if req.SystemPrompt != "" {
		if n := len(req.SystemPrompt); n < strictMinSystemPrompt || n > strictMaxSystemPrompt {
			return fieldErrorf("system_prompt", "length must be between %d and %d characters, got %d",
				strictMinSystemPrompt, strictMaxSystemPrompt, n)
		}
	}
	if err := validateWorkingDir(req.WorkingDirectory); err != nil {
		return err
	}
	if req.Model == "" {
		req.Model = string(task.TierBalanced)
	}
	if !task.ModelTier(req.Model).Valid() {
		return fieldErrorf("model", "must be one of fast, balanced, deep")
	}
	return nil
}

// validateWorkingDir requires a client-supplied absolute path. The service
// never substitutes its own working directory.
func validateWorkingDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fieldErrorf("working_directory", "is required")
	}
	if !filepath.IsAbs(dir) {
		return fieldErrorf("working_directory", "must be an absolute path")
	}
	return nil
}

// specsFromRequest validates an orchestration submission member-by-member
// (loose task rules apply to each) and converts it to task specs. Graph
// validation happens at the orchestrator.
func specsFromRequest(req *submitOrchestrationRequest) ([]task.Spec, error) {
	if len(req.Tasks) == 0 {
		return nil, fieldErrorf("tasks", "orchestration needs at least one task")
	}

	specs := make([]task.Spec, 0, len(req.Tasks))
	for i := range req.Tasks {
		member := &req.Tasks[i]
		if member.Identifier == "" {
			return nil, fieldErrorf("tasks", "member %d is missing task_identifier", i)
		}
		if member.WaitAfterDependencies < 0 {
			return nil, fieldErrorf("wait_after_dependencies",
				"task %q: must be non-negative", member.Identifier)
		}
		if err := validateLoose(&member.submitTaskRequest); err != nil {
			return nil, fmt.Errorf("task %q: %w", member.Identifier, err)
		}
		specs = append(specs, task.Spec{
			Identifier:      member.Identifier,
			DependsOn:       member.DependsOn,
			WaitAfterDeps:   time.Duration(member.WaitAfterDependencies * float64(time.Second)),
			WorkingDir:      member.WorkingDirectory,
			SystemPrompt:    member.SystemPrompt,
			ExecutionPrompt: member.ExecutionPrompt,
			ModelTier:       task.ModelTier(member.Model),
		})
	}
	return specs, nil
}
