// Package janitor reconciles recorded task liveness with OS reality
// across the whole fleet. The root task sweeps before each iteration so
// stale running markers from crashed processes never linger.
package janitor

import (
	"context"
	"log/slog"

	"github.com/arborworks/arbor/internal/store"
)

// Liveness reports whether a task's runtime process is alive. The check
// self-corrects the task record as a side effect.
type Liveness interface {
	Check(ctx context.Context, taskID string) (alive bool, pid int, cpuPct float64)
}

type Janitor struct {
	store  store.Store
	probe  Liveness
	logger *slog.Logger
}

func New(s store.Store, probe Liveness, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: s, probe: probe, logger: logger}
}

// Sweep probes every task with a conversation log. Returns the number of
// tasks checked.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	keys, err := j.store.Keys(ctx, "task:*")
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		taskID, ok := store.TaskIDFromConversationKey(key)
		if !ok {
			continue
		}
		j.probe.Check(ctx, taskID)
	}
	j.logger.Debug("swept task statuses", "count", len(keys))
	return len(keys), nil
}
