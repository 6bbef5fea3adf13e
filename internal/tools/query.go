package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/arborworks/arbor/internal/gateway"
	"github.com/arborworks/arbor/internal/launcher"
	"github.com/arborworks/arbor/internal/prompts"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/models"
)

// QueryTask answers questions about another task's conversation and
// status without disturbing it. The target's transcript is rendered and
// handed to a model along with the question.
type QueryTask struct {
	store   store.Store
	gateway *gateway.Gateway
	probe   gateway.Liveness

	// DefaultModel is the short name used when the caller does not pick
	// one.
	DefaultModel string
}

func NewQueryTask(s store.Store, g *gateway.Gateway, probe gateway.Liveness, defaultModel string) *QueryTask {
	return &QueryTask{store: s, gateway: g, probe: probe, DefaultModel: defaultModel}
}

func (t *QueryTask) Name() string { return "query_task" }

func (t *QueryTask) Description() string {
	return "Ask a question about a task's conversation history and current status"
}

func (t *QueryTask) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": map[string]any{
				"type":        "string",
				"description": "The task ID to query",
			},
			"question": map[string]any{
				"type":        "string",
				"description": "The question to ask about the task",
			},
			"model": map[string]any{
				"type":        "string",
				"description": "Model short name or ARN to answer with (optional)",
			},
		},
		"required": []any{"task_id", "question"},
	}
}

func (t *QueryTask) Execute(ctx context.Context, input map[string]any, taskID string) (any, error) {
	targetID, _ := input["task_id"].(string)
	question, _ := input["question"].(string)
	model, _ := input["model"].(string)
	if model == "" {
		model = t.DefaultModel
	}

	if _, err := store.GetTask(ctx, t.store, targetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return map[string]any{"error": fmt.Sprintf("Task %s not found", targetID)}, nil
		}
		return nil, err
	}

	alive, pid, cpuPct := t.probe.Check(ctx, targetID)
	status := models.StatusStopped
	if alive {
		status = models.StatusRunning
	}
	transcript := prompts.TranscribeTask(ctx, t.store, targetID, true)

	prompt := fmt.Sprintf(`You are analyzing a task's conversation history and status.

Task ID: %s
Current Status: %s
PID: %d
CPU Usage: %.1f%%

Conversation Transcript:
%s

Question: %s

Please answer the question based on the conversation transcript and task status above.`,
		targetID, status, pid, cpuPct, transcript, question)

	modelARN, err := launcher.ResolveModel(ctx, t.store, model)
	if err != nil {
		return nil, err
	}

	resp, err := t.gateway.Call(ctx, gateway.Request{
		ModelARN: modelARN,
		TaskID:   taskID,
		System:   "You are a helpful assistant analyzing task conversations.",
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{models.TextBlock(prompt)},
		}},
	})
	if err != nil {
		return nil, err
	}

	answer := ""
	for _, block := range resp.Content {
		if block.Text != nil {
			answer = *block.Text
			break
		}
	}

	return map[string]any{
		"task_id":    targetID,
		"status":     status,
		"question":   question,
		"answer":     answer,
		"model_used": model,
	}, nil
}
