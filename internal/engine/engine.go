// Package engine runs one turn iteration at a time for a task: drain the
// queue, repair the history, call the model, record the assistant
// message, dispatch tools, and decide whether the turn has ended.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/arborworks/arbor/internal/conversation"
	"github.com/arborworks/arbor/internal/gateway"
	"github.com/arborworks/arbor/internal/observability"
	"github.com/arborworks/arbor/internal/prompts"
	"github.com/arborworks/arbor/internal/queue"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/internal/tools"
	"github.com/arborworks/arbor/pkg/models"
)

// ContinuationStub asks the model to pick up an assistant message that
// was cut off by the token limit. Queued so the alternation invariant
// holds on the next iteration.
const ContinuationStub = "[SYSTEM] Your previous response was cut off by the output token limit. Continue where you left off."

// Caller abstracts the gateway for tests.
type Caller interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Engine executes turn iterations.
type Engine struct {
	store    store.Store
	queue    *queue.Queue
	gateway  Caller
	registry *tools.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func New(s store.Store, q *queue.Queue, g Caller, registry *tools.Registry, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, queue: q, gateway: g, registry: registry, metrics: metrics, logger: logger}
}

// Iterate performs one iteration for the task. The hint, when non-empty,
// is appended to the system prompt for this call only. Returns whether
// the turn has ended.
func (e *Engine) Iterate(ctx context.Context, taskID, hint string) (bool, error) {
	task, err := store.GetTask(ctx, e.store, taskID)
	if err != nil {
		return true, err
	}

	if e.metrics != nil {
		if queued, err := e.queue.Len(ctx, taskID); err == nil {
			e.metrics.QueueDepth.Observe(float64(queued))
		}
	}
	if err := e.queue.Drain(ctx, taskID); err != nil {
		return true, err
	}

	conv, err := store.GetConversation(ctx, e.store, taskID)
	if err != nil {
		return true, err
	}
	conv = conversation.Repair(conv)
	if len(conv) == 0 {
		conv = models.NewConversation()
	}
	if err := store.PutConversation(ctx, e.store, taskID, conv); err != nil {
		return true, err
	}

	turnIndex := len(conv) - 1
	messageNumber := len(conv[turnIndex].Messages)
	flattened := conv.Flatten()

	// The drain already consumed the queue; clearing again guards
	// against writers that raced it.
	if err := store.ClearQueue(ctx, e.store, taskID); err != nil {
		return true, err
	}

	system := task.StaticSystemPrompt + prompts.Dynamic(ctx, e.store, task, turnIndex)
	if hint != "" {
		system += "\n\n" + hint
	}

	if err := store.SetCallMarker(ctx, e.store, taskID, models.CallMarker{
		StartedAt:    models.NowEpoch(),
		Turn:         turnIndex,
		MessageCount: messageNumber,
	}); err != nil {
		return true, err
	}

	resp, err := e.gateway.Call(ctx, gateway.Request{
		ModelARN: task.ModelName,
		TaskID:   taskID,
		System:   system,
		Messages: flattened,
		Tools:    e.registry.Specs(task.EnableRecursion),
	})

	if markerErr := store.ClearCallMarker(ctx, e.store, taskID); markerErr != nil {
		e.logger.Warn("failed to clear call marker", "task_id", taskID, "error", markerErr)
	}

	if err != nil {
		if errors.Is(err, gateway.ErrInterrupted) {
			e.logger.Info("iteration interrupted", "task_id", taskID)
			return true, nil
		}
		return true, err
	}

	if err := store.PatchTask(ctx, e.store, taskID, "last_usage", resp.Usage); err != nil {
		return true, err
	}
	e.logger.Info("model response",
		"task_id", taskID, "stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	if e.metrics != nil {
		e.metrics.ModelTokensUsed.WithLabelValues(task.ModelName, "input").Add(float64(resp.Usage.InputTokens))
		e.metrics.ModelTokensUsed.WithLabelValues(task.ModelName, "output").Add(float64(resp.Usage.OutputTokens))
	}

	assistant := models.Message{
		Role:          models.RoleAssistant,
		Content:       resp.Content,
		MessageNumber: messageNumber,
		Timestamp:     models.NowEpoch(),
	}
	if err := store.AppendMessage(ctx, e.store, taskID, turnIndex, assistant); err != nil {
		return true, err
	}

	switch resp.StopReason {
	case "tool_use":
		e.dispatchTools(ctx, taskID, resp.Content)
	case "max_tokens":
		// Queue a continuation request so the next iteration's drain
		// restores user/assistant alternation.
		env := models.NewTextEnvelope(models.EnvelopeUser, ContinuationStub, "")
		if err := e.queue.Enqueue(ctx, taskID, env, false); err != nil {
			return true, err
		}
	}

	if err := e.store.Publish(ctx, store.TaskMessagesChannel(taskID), map[string]any{
		"task_id":        taskID,
		"turn_number":    turnIndex,
		"message_number": messageNumber,
		"message_type":   "assistant",
		"timestamp":      models.NowEpoch(),
		"stop_reason":    resp.StopReason,
	}); err != nil {
		e.logger.Warn("failed to publish assistant notification", "task_id", taskID, "error", err)
	}

	turnEnding := resp.StopReason != "tool_use" && resp.StopReason != "max_tokens"
	if turnEnding {
		if e.metrics != nil {
			e.metrics.TurnsCompleted.Inc()
		}
		e.summarizeTurn(ctx, task, taskID, turnIndex)
	}
	return turnEnding, nil
}

// dispatchTools runs every toolUse block in order and queues each result
// as a tool_result envelope. Execution failures become error-status
// results, never iteration failures.
func (e *Engine) dispatchTools(ctx context.Context, taskID string, content []models.ContentBlock) {
	for _, block := range content {
		if block.ToolUse == nil {
			continue
		}
		use := *block.ToolUse
		e.logger.Info("executing tool", "task_id", taskID, "tool", use.Name, "tool_use_id", use.ToolUseID)

		started := time.Now()
		result := e.registry.Invoke(ctx, use, taskID)
		if e.metrics != nil {
			status := "success"
			if result.ToolResult != nil && result.ToolResult.Status == models.ToolResultStatusError {
				status = "error"
			}
			e.metrics.ToolExecutionCounter.WithLabelValues(use.Name, status).Inc()
			e.metrics.ToolExecutionDuration.WithLabelValues(use.Name).Observe(time.Since(started).Seconds())
		}

		env := models.NewToolResultEnvelope(result, taskID)
		if err := e.queue.Enqueue(ctx, taskID, env, false); err != nil {
			e.logger.Error("failed to queue tool result",
				"task_id", taskID, "tool_use_id", use.ToolUseID, "error", err)
		}
	}
}

// summarizeTurn stores a model-written summary on the finished turn.
// Failure is logged and swallowed; a missing summary never blocks the
// loop.
func (e *Engine) summarizeTurn(ctx context.Context, task *models.Task, taskID string, turnIndex int) {
	conv, err := store.GetConversation(ctx, e.store, taskID)
	if err != nil || turnIndex >= len(conv) {
		e.logger.Warn("summarize: conversation unavailable", "task_id", taskID, "error", err)
		return
	}
	raw, err := json.MarshalIndent(conv[turnIndex].Messages, "", "  ")
	if err != nil {
		e.logger.Warn("summarize: encode turn failed", "task_id", taskID, "error", err)
		return
	}

	resp, err := e.gateway.Call(ctx, gateway.Request{
		ModelARN: task.ModelName,
		TaskID:   taskID,
		System:   prompts.SummarizerSystem,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{models.TextBlock(prompts.SummarizeRequest(string(raw)))},
		}},
	})
	if err != nil {
		e.logger.Warn("summarize: model call failed", "task_id", taskID, "error", err)
		return
	}

	summary := ""
	for _, block := range resp.Content {
		if block.Text != nil {
			summary = *block.Text
			break
		}
	}
	if err := store.SetTurnSummary(ctx, e.store, taskID, turnIndex, summary); err != nil {
		e.logger.Warn("summarize: store failed", "task_id", taskID, "error", err)
	}
}
