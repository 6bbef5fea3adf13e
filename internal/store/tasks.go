package store

import (
	"context"
	"fmt"

	"github.com/arborworks/arbor/pkg/models"
)

// Typed accessors over the raw document operations. These are the only
// readers and writers of the well-known key layout.

// GetTask reads the task record for id. Returns ErrNotFound when absent.
func GetTask(ctx context.Context, s Store, id string) (*models.Task, error) {
	var task models.Task
	ok, err := s.GetJSON(ctx, TaskDataKey(id), &task)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return &task, nil
}

// PutTask writes a whole task record.
func PutTask(ctx context.Context, s Store, task *models.Task) error {
	return s.SetJSON(ctx, TaskDataKey(task.TaskID), task)
}

// PatchTask replaces a single field of the task record.
func PatchTask(ctx context.Context, s Store, id, field string, value any) error {
	return s.PatchJSON(ctx, TaskDataKey(id), "$."+field, value)
}

// GetConversation reads the conversation log for id. Returns ErrNotFound
// when absent.
func GetConversation(ctx context.Context, s Store, id string) (models.Conversation, error) {
	var conv models.Conversation
	ok, err := s.GetJSON(ctx, ConversationKey(id), &conv)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return conv, nil
}

// PutConversation writes a whole conversation log.
func PutConversation(ctx context.Context, s Store, id string, conv models.Conversation) error {
	return s.SetJSON(ctx, ConversationKey(id), conv)
}

// AppendTurn appends a fresh turn record to the conversation.
func AppendTurn(ctx context.Context, s Store, id string, turn models.Turn) error {
	return s.AppendJSON(ctx, ConversationKey(id), "$", turn)
}

// AppendMessage appends a message to the given turn's message array.
func AppendMessage(ctx context.Context, s Store, id string, turn int, msg models.Message) error {
	return s.AppendJSON(ctx, ConversationKey(id), TurnMessagesPath(turn), msg)
}

// SetTurnSummary stores the summary for an ended turn.
func SetTurnSummary(ctx context.Context, s Store, id string, turn int, summary string) error {
	return s.PatchJSON(ctx, ConversationKey(id), TurnSummaryPath(turn), summary)
}

// GetQueue reads a task's input queue. A missing key yields an empty
// queue.
func GetQueue(ctx context.Context, s Store, id string) ([]models.Envelope, error) {
	var queue []models.Envelope
	if _, err := s.GetJSON(ctx, QueueKey(id), &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

// AppendEnvelope atomically appends an envelope, initializing the queue
// key to an empty list when it does not yet exist.
func AppendEnvelope(ctx context.Context, s Store, id string, env models.Envelope) error {
	exists, err := s.Exists(ctx, QueueKey(id))
	if err != nil {
		return err
	}
	if !exists {
		if err := s.SetJSON(ctx, QueueKey(id), []models.Envelope{}); err != nil {
			return err
		}
	}
	return s.AppendJSON(ctx, QueueKey(id), "$", env)
}

// ClearQueue removes the queue key.
func ClearQueue(ctx context.Context, s Store, id string) error {
	return s.Delete(ctx, QueueKey(id))
}

// SetCallMarker records an in-flight model call with the standard TTL.
func SetCallMarker(ctx context.Context, s Store, id string, marker models.CallMarker) error {
	return s.SetEphemeral(ctx, CallMarkerKey(id), marker, CallMarkerTTL)
}

// ClearCallMarker removes the in-flight call marker.
func ClearCallMarker(ctx context.Context, s Store, id string) error {
	return s.Delete(ctx, CallMarkerKey(id))
}

// GetThrottleState reads the throttle pressure record for a model.
func GetThrottleState(ctx context.Context, s Store, model string) (*models.ThrottleState, error) {
	var state models.ThrottleState
	ok, err := s.GetEphemeral(ctx, ThrottleStateKey(model), &state)
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}

// ClearThrottleState removes the throttle pressure record for a model.
func ClearThrottleState(ctx context.Context, s Store, model string) error {
	return s.Delete(ctx, ThrottleStateKey(model))
}

// GetModelCatalog reads the short-name to ARN catalog.
func GetModelCatalog(ctx context.Context, s Store) (map[string]models.ModelEntry, error) {
	var catalog map[string]models.ModelEntry
	ok, err := s.GetJSON(ctx, ModelCatalogKey, &catalog)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("model catalog: %w", ErrNotFound)
	}
	return catalog, nil
}
