package tools

import (
	"context"
	"fmt"

	"github.com/arborworks/arbor/internal/launcher"
	"github.com/arborworks/arbor/internal/prompts"
	"github.com/arborworks/arbor/internal/store"
)

// SpawnTaskName is withheld from the tool specs when recursion is off.
const SpawnTaskName = "spawn_task"

// SpawnTask creates or resumes child tasks. Unless zero_context is set,
// a new child's first message carries a transcription of the parent's
// conversation, making the spawn a branch point.
type SpawnTask struct {
	store    store.Store
	launcher *launcher.Launcher
}

func NewSpawnTask(s store.Store, l *launcher.Launcher) *SpawnTask {
	return &SpawnTask{store: s, launcher: l}
}

func (t *SpawnTask) Name() string { return SpawnTaskName }

func (t *SpawnTask) Description() string {
	return "Spawn a child task with initial message, or resume existing task with new message. " +
		"By default, the child inherits the full conversation history from the parent (creating " +
		"a branch point). Returns task_id and pid for monitoring."
}

func (t *SpawnTask) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"base_name": map[string]any{
				"type": "string",
				"description": "Base name for new task (1-3 words describing the task, e.g., " +
					"'analyze data', 'fetch results'). Required when creating new task.",
			},
			"initial_message": map[string]any{
				"type":        "string",
				"description": "Initial user message for the child task",
			},
			"task_id": map[string]any{
				"type":        "string",
				"description": "Optional: existing task_id to resume conversation. If provided, base_name is ignored.",
			},
			"model": map[string]any{
				"type":        "string",
				"description": "Model short name or ARN (default inherits the launcher default)",
			},
			"zero_context": map[string]any{
				"type": "boolean",
				"description": "If true, spawn child WITHOUT parent's conversation history (default: false). " +
					"Only use when you need to explicitly deny the parent's knowledge to the child. " +
					"Requires a very detailed initial_message since the child will have no context.",
			},
		},
		"required": []any{"initial_message"},
	}
}

func (t *SpawnTask) Execute(ctx context.Context, input map[string]any, taskID string) (any, error) {
	initialMessage, _ := input["initial_message"].(string)
	childTaskID, _ := input["task_id"].(string)
	baseName, _ := input["base_name"].(string)
	model, _ := input["model"].(string)
	zeroContext, _ := input["zero_context"].(bool)

	if childTaskID == "" && baseName == "" {
		return map[string]any{
			"success": false,
			"error":   "base_name is required when creating a new child task (1-3 words describing the task)",
		}, nil
	}

	var messages []string
	if !zeroContext && childTaskID == "" {
		transcript := prompts.TranscribeTask(ctx, t.store, taskID, true)
		messages = append(messages, prompts.SpawnTranscriptHeader+transcript+prompts.SpawnTranscriptFooter)
	}
	messages = append(messages, initialMessage)

	result, err := t.launcher.Launch(ctx, launcher.Options{
		TaskID:          childTaskID,
		ParentTaskID:    taskID,
		BaseName:        baseName,
		Model:           model,
		InitialMessages: messages,
		StartProcess:    true,
	})
	if err != nil {
		return nil, err
	}
	if err := t.launcher.LinkChild(ctx, taskID, result.TaskID); err != nil {
		return nil, err
	}

	action := "Spawned"
	if result.Resumed {
		action = "Resumed"
	}
	return map[string]any{
		"success": true,
		"task_id": result.TaskID,
		"pid":     result.PID,
		"message": fmt.Sprintf("%s child task %s (PID %d)", action, result.TaskID, result.PID),
	}, nil
}
