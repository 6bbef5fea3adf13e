package models

// Status is the recorded liveness of a task process.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Usage carries the token counts reported by the last model call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Task is the configuration and liveness record stored at task_data:{id}.
// ParentTaskID is nil for root tasks; PID is nil when no process owns the
// task.
type Task struct {
	TaskID             string   `json:"task_id"`
	ParentTaskID       *string  `json:"parent_task_id"`
	ModelName          string   `json:"model_name"`
	StaticSystemPrompt string   `json:"static_system_prompt"`
	EnableRecursion    bool     `json:"enable_recursion"`
	CreatedAt          float64  `json:"created_at"`
	ProcessStartedAt   float64  `json:"process_started_at"`
	Status             Status   `json:"status"`
	PID                *int     `json:"pid"`
	LastUsage          Usage    `json:"last_usage"`
	Children           []string `json:"children"`
	MaxIterations      int      `json:"max_iterations"`
	Command            string   `json:"command"`
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentTaskID == nil || *t.ParentTaskID == ""
}

// Parent returns the parent task id, or "" for root tasks.
func (t *Task) Parent() string {
	if t.ParentTaskID == nil {
		return ""
	}
	return *t.ParentTaskID
}

// CallMarker is the ephemeral record set around an in-flight model call.
type CallMarker struct {
	StartedAt    float64 `json:"started_at"`
	Turn         int     `json:"turn"`
	MessageCount int     `json:"message_count"`
}

// ThrottleState is the externally published pressure signal for a model.
// When MandatoryBackoff is set, callers sleep a randomized 20-30s and
// clear the key before proceeding.
type ThrottleState struct {
	MandatoryBackoff bool `json:"mandatory_backoff"`
}

// ModelEntry is one entry of the model catalog at bedrock:converse:models.
type ModelEntry struct {
	ARN string `json:"arn"`
}
