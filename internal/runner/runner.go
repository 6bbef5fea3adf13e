// Package runner is the top-level loop of one task process: it claims
// the task's pid, iterates the turn engine until the queue empties or
// the iteration budget runs out, then reports completion to the parent
// and releases the task record. It also cooperates with fleet-wide kill
// requests.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/arborworks/arbor/internal/conversation"
	"github.com/arborworks/arbor/internal/engine"
	"github.com/arborworks/arbor/internal/janitor"
	"github.com/arborworks/arbor/internal/prompts"
	"github.com/arborworks/arbor/internal/queue"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/models"
)

// Runner drives a single task to quiescence.
type Runner struct {
	store   store.Store
	queue   *queue.Queue
	engine  *engine.Engine
	probe   queue.Liveness
	janitor *janitor.Janitor
	logger  *slog.Logger

	// pid is injectable for tests; defaults to os.Getpid.
	pid func() int
}

func New(s store.Store, q *queue.Queue, e *engine.Engine, probe queue.Liveness, j *janitor.Janitor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: s, queue: q, engine: e, probe: probe, janitor: j, logger: logger, pid: os.Getpid}
}

// Run executes the task's work loop. It returns once the queue is empty
// after a completed turn, the iteration budget is exhausted, or the
// context is cancelled.
func (r *Runner) Run(ctx context.Context, taskID string, maxIterations int) error {
	task, err := store.GetTask(ctx, r.store, taskID)
	if err != nil {
		return err
	}
	isRoot := task.IsRoot()
	myPID := r.pid()
	logger := r.logger.With("task_id", taskID, "pid", myPID)

	if isRoot && r.janitor != nil {
		if _, err := r.janitor.Sweep(ctx); err != nil {
			logger.Warn("janitor sweep failed", "error", err)
		}
	}

	// Another live process already owns this task id.
	if alive, pid, _ := r.probe.Check(ctx, taskID); alive && pid != myPID {
		logger.Warn("task already running elsewhere, exiting", "owner_pid", pid)
		return nil
	}
	if err := store.PatchTask(ctx, r.store, taskID, "pid", myPID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatching := r.watchKillRequests(ctx, taskID, cancel, logger)
	defer stopWatching()
	stopThrottle := r.watchThrottleState(ctx, task.ModelName, logger)
	defer stopThrottle()

	didWork := false
	lastTurnEnded := r.lastTurnEnded(ctx, taskID)

	for iteration := 0; iteration < maxIterations; iteration++ {
		if ctx.Err() != nil {
			logger.Info("run cancelled", "iteration", iteration)
			break
		}
		if isRoot && r.janitor != nil {
			if _, err := r.janitor.Sweep(ctx); err != nil {
				logger.Warn("janitor sweep failed", "error", err)
			}
		}

		queued, err := r.queue.Len(ctx, taskID)
		if err != nil {
			return err
		}
		if queued == 0 {
			logger.Info("queue empty, stopping", "iteration", iteration)
			break
		}

		if lastTurnEnded {
			if err := r.startNewTurn(ctx, taskID); err != nil {
				return err
			}
			lastTurnEnded = false
		}

		hint := prompts.IterationHint(iteration, maxIterations)
		turnEnding, err := r.engine.Iterate(ctx, taskID, hint)
		didWork = true
		if err != nil {
			logger.Error("iteration failed", "iteration", iteration, "error", err)
			break
		}

		if turnEnding {
			lastTurnEnded = true
			queued, err := r.queue.Len(ctx, taskID)
			if err != nil {
				return err
			}
			if queued > 0 {
				logger.Info("turn ended with queued messages, continuing", "queued", queued)
				continue
			}
			logger.Info("turn ended, stopping", "iteration", iteration)
			break
		}
	}

	if didWork {
		r.notifyParent(ctx, taskID, logger)
		r.release(ctx, taskID, myPID, logger)
	}
	if err := store.ClearCallMarker(ctx, r.store, taskID); err != nil {
		logger.Warn("failed to clear call marker", "error", err)
	}
	logger.Info("run finished", "did_work", didWork)
	return nil
}

// lastTurnEnded reports whether the conversation's last turn already
// reached a terminal assistant message, in which case new work starts a
// fresh turn.
func (r *Runner) lastTurnEnded(ctx context.Context, taskID string) bool {
	conv, err := store.GetConversation(ctx, r.store, taskID)
	if err != nil || len(conv) == 0 {
		return false
	}
	last := conv[len(conv)-1]
	return last.Ended()
}

func (r *Runner) startNewTurn(ctx context.Context, taskID string) error {
	conv, err := store.GetConversation(ctx, r.store, taskID)
	if err != nil {
		return err
	}
	turn := models.Turn{
		TurnNumber: len(conv),
		StartedAt:  models.NowEpoch(),
	}
	return store.AppendTurn(ctx, r.store, taskID, turn)
}

// notifyParent sends a single completion envelope to the parent, waking
// it if its process is stopped.
func (r *Runner) notifyParent(ctx context.Context, taskID string, logger *slog.Logger) {
	task, err := store.GetTask(ctx, r.store, taskID)
	if err != nil {
		logger.Warn("completion notify: task read failed", "error", err)
		return
	}
	parent := task.Parent()
	if parent == "" {
		return
	}
	conv, err := store.GetConversation(ctx, r.store, taskID)
	if err != nil {
		logger.Warn("completion notify: conversation read failed", "error", err)
		return
	}
	text := conversation.BuildCompletionMessage(taskID, conv, true)
	env := models.NewTextEnvelope(models.EnvelopeCompletion, text, taskID)
	if err := r.queue.Enqueue(ctx, parent, env, true); err != nil {
		logger.Warn("completion notify failed", "parent", parent, "error", err)
	}
}

// release clears the pid and marks the task stopped, but only while this
// process is still the recorded owner.
func (r *Runner) release(ctx context.Context, taskID string, myPID int, logger *slog.Logger) {
	task, err := store.GetTask(ctx, r.store, taskID)
	if err != nil {
		logger.Warn("release: task read failed", "error", err)
		return
	}
	if task.PID == nil || *task.PID != myPID {
		return
	}
	if err := store.PatchTask(ctx, r.store, taskID, "pid", nil); err != nil {
		logger.Warn("release: clear pid failed", "error", err)
	}
	if err := store.PatchTask(ctx, r.store, taskID, "status", models.StatusStopped); err != nil {
		logger.Warn("release: set status failed", "error", err)
	}

	turnNumber, messageNumber := 0, 0
	if conv, err := store.GetConversation(ctx, r.store, taskID); err == nil && len(conv) > 0 {
		turnNumber = len(conv) - 1
		messageNumber = len(conv[turnNumber].Messages)
	}
	if err := r.store.Publish(ctx, store.TaskMessagesChannel(taskID), map[string]any{
		"task_id":        taskID,
		"turn_number":    turnNumber,
		"message_number": messageNumber,
		"message_type":   "completion",
		"timestamp":      models.NowEpoch(),
	}); err != nil {
		logger.Warn("release: completion publish failed", "error", err)
	}
}

// watchKillRequests cancels the run when this task's id appears on the
// shared kill channel.
func (r *Runner) watchKillRequests(ctx context.Context, taskID string, cancel context.CancelFunc, logger *slog.Logger) func() {
	sub, err := r.store.Subscribe(ctx, store.KillRequestsChannel)
	if err != nil {
		logger.Warn("kill watch unavailable", "error", err)
		return func() {}
	}
	go func() {
		for msg := range sub.Messages() {
			var req struct {
				TaskID string `json:"task_id"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
				continue
			}
			if req.TaskID == taskID {
				logger.Info("kill request received")
				cancel()
				return
			}
		}
	}()
	return func() { sub.Close() }
}

// watchThrottleState logs fleet throttle pressure for this model. The
// gateway reads the authoritative state from the store before each call;
// this subscription is informational.
func (r *Runner) watchThrottleState(ctx context.Context, modelARN string, logger *slog.Logger) func() {
	sub, err := r.store.Subscribe(ctx, store.ThrottleStateKey(modelARN))
	if err != nil {
		logger.Warn("throttle watch unavailable", "error", err)
		return func() {}
	}
	go func() {
		for msg := range sub.Messages() {
			logger.Info("throttle state update", "model", modelARN, "payload", msg.Payload)
		}
	}()
	return func() { sub.Close() }
}
