// Package queue is the delivery path for inter-task messages. Senders
// append envelopes to a task's input queue and optionally wake a dead
// recipient; the recipient drains its queue into the current turn of its
// conversation log before each model call.
package queue

import (
	"context"
	"log/slog"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/models"
)

// Liveness reports whether a task's runtime process is alive.
type Liveness interface {
	Check(ctx context.Context, taskID string) (alive bool, pid int, cpuPct float64)
}

// LaunchFunc starts a runtime process for an existing task. Wired in at
// startup to avoid a dependency on the launcher.
type LaunchFunc func(ctx context.Context, taskID string) error

// Queue routes envelopes between tasks.
type Queue struct {
	store  store.Store
	probe  Liveness
	launch LaunchFunc
	logger *slog.Logger
}

func New(s store.Store, probe Liveness, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: s, probe: probe, logger: logger}
}

// SetLaunchFunc installs the auto-launch hook.
func (q *Queue) SetLaunchFunc(fn LaunchFunc) { q.launch = fn }

// Enqueue appends an envelope to the task's input queue. With autoLaunch,
// a recipient whose process is not alive gets relaunched so the message
// is picked up.
func (q *Queue) Enqueue(ctx context.Context, taskID string, env models.Envelope, autoLaunch bool) error {
	if err := store.AppendEnvelope(ctx, q.store, taskID, env); err != nil {
		return err
	}

	alive, _, _ := q.probe.Check(ctx, taskID)
	q.logger.Info("message queued", "task_id", taskID, "type", env.Type, "recipient_alive", alive)
	if !alive && autoLaunch && q.launch != nil {
		if err := q.launch(ctx, taskID); err != nil {
			return err
		}
	}
	return nil
}

// Drain moves every queued envelope into the current turn of the task's
// conversation. Tool results are grouped into a single leading user
// message in arrival order; each text envelope then becomes its own user
// message. Finishes by publishing a new_message notification.
func (q *Queue) Drain(ctx context.Context, taskID string) error {
	envelopes, err := store.GetQueue(ctx, q.store, taskID)
	if err != nil {
		return err
	}
	if len(envelopes) == 0 {
		return nil
	}
	if err := store.ClearQueue(ctx, q.store, taskID); err != nil {
		return err
	}

	conv, err := store.GetConversation(ctx, q.store, taskID)
	if err != nil {
		return err
	}
	turnIndex := len(conv) - 1
	if turnIndex < 0 {
		turnIndex = 0
		if err := store.PutConversation(ctx, q.store, taskID, models.NewConversation()); err != nil {
			return err
		}
	}

	var results []models.ContentBlock
	var texts []string
	for _, env := range envelopes {
		if env.Type == models.EnvelopeToolResult {
			block, err := env.ResultBlock()
			if err != nil {
				q.logger.Warn("drain: dropping malformed tool result", "task_id", taskID, "error", err)
				continue
			}
			results = append(results, block)
			continue
		}
		text, err := env.Text()
		if err != nil {
			q.logger.Warn("drain: dropping malformed envelope", "task_id", taskID, "error", err)
			continue
		}
		texts = append(texts, text)
	}

	if len(results) > 0 {
		msg := models.Message{
			Role:      models.RoleUser,
			Content:   results,
			Timestamp: models.NowEpoch(),
		}
		if err := store.AppendMessage(ctx, q.store, taskID, turnIndex, msg); err != nil {
			return err
		}
	}
	for _, text := range texts {
		msg := models.Message{
			Role:      models.RoleUser,
			Content:   []models.ContentBlock{models.TextBlock(text)},
			Timestamp: models.NowEpoch(),
		}
		if err := store.AppendMessage(ctx, q.store, taskID, turnIndex, msg); err != nil {
			return err
		}
	}

	return q.store.Publish(ctx, store.TaskMessagesChannel(taskID), map[string]string{"type": "new_message"})
}

// Len reports the number of queued envelopes without consuming them.
func (q *Queue) Len(ctx context.Context, taskID string) (int, error) {
	envelopes, err := store.GetQueue(ctx, q.store, taskID)
	if err != nil {
		return 0, err
	}
	return len(envelopes), nil
}
