// Package launcher owns task lifecycle: id synthesis, model resolution,
// creation or reactivation of task records, queueing of initial messages,
// and spawning of detached runtime processes.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/arborworks/arbor/internal/observability"
	"github.com/arborworks/arbor/internal/prompts"
	"github.com/arborworks/arbor/internal/queue"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/models"
)

// DefaultMaxIterations bounds a single runtime process's work loop.
const DefaultMaxIterations = 250

// Options describes a launch. A zero TaskID creates a new task; a set one
// resumes or reactivates it.
type Options struct {
	TaskID           string
	ParentTaskID     string
	BaseName         string
	Model            string
	InitialMessages  []string
	DisableRecursion bool
	MaxIterations    int
	StartProcess     bool
}

// Result reports the launched task. PID is zero when no process was
// started, either because the queue was empty or StartProcess was unset.
type Result struct {
	TaskID  string
	PID     int
	Resumed bool
}

// Launcher creates and starts tasks.
type Launcher struct {
	store   store.Store
	queue   *queue.Queue
	probe   queue.Liveness
	logger  *slog.Logger
	metrics *observability.Metrics

	// ExecPath and EntryToken form the runtime command line: ExecPath
	// EntryToken <task_id>. The probe validates liveness against the
	// same pair.
	ExecPath   string
	EntryToken string

	// DefaultModel is used when Options.Model is empty.
	DefaultModel string
}

func New(s store.Store, q *queue.Queue, probe queue.Liveness, execPath, entryToken, defaultModel string, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		store:        s,
		queue:        q,
		probe:        probe,
		logger:       logger,
		ExecPath:     execPath,
		EntryToken:   entryToken,
		DefaultModel: defaultModel,
	}
}

// SetMetrics installs the process metrics. Optional.
func (l *Launcher) SetMetrics(m *observability.Metrics) { l.metrics = m }

// Launch creates or reactivates a task and optionally starts its process.
// Launching a task whose process is already alive is a no-op that returns
// the live pid.
func (l *Launcher) Launch(ctx context.Context, opts Options) (Result, error) {
	taskID := opts.TaskID
	if taskID != "" {
		if alive, pid, _ := l.probe.Check(ctx, taskID); alive {
			l.logger.Warn("launch skipped, task already running", "task_id", taskID, "pid", pid)
			return Result{TaskID: taskID, PID: pid, Resumed: true}, nil
		}
	} else {
		generated, err := GenerateTaskID(opts.ParentTaskID, opts.BaseName)
		if err != nil {
			return Result{}, err
		}
		taskID = generated
	}

	model := opts.Model
	if model == "" {
		model = l.DefaultModel
	}
	modelARN, err := ResolveModel(ctx, l.store, model)
	if err != nil {
		return Result{}, err
	}

	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	resumed := true
	if _, err := store.GetConversation(ctx, l.store, taskID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return Result{}, err
		}
		resumed = false
		task := models.Task{
			TaskID:             taskID,
			ModelName:          modelARN,
			StaticSystemPrompt: prompts.Static(opts.ParentTaskID),
			EnableRecursion:    !opts.DisableRecursion,
			CreatedAt:          models.NowEpoch(),
			ProcessStartedAt:   models.NowEpoch(),
			Status:             models.StatusStopped,
			Children:           []string{},
			MaxIterations:      maxIterations,
			Command:            fmt.Sprintf("%s %s %s", l.ExecPath, l.EntryToken, taskID),
		}
		if opts.ParentTaskID != "" {
			parent := opts.ParentTaskID
			task.ParentTaskID = &parent
		}
		if err := store.PutTask(ctx, l.store, &task); err != nil {
			return Result{}, err
		}
		if err := store.PutConversation(ctx, l.store, taskID, models.NewConversation()); err != nil {
			return Result{}, err
		}
		l.logger.Info("created task", "task_id", taskID, "model", modelARN, "parent", opts.ParentTaskID)
	} else {
		l.logger.Info("reactivating task", "task_id", taskID)
	}

	if l.metrics != nil {
		kind, mode := "root", "created"
		if opts.ParentTaskID != "" {
			kind = "child"
		}
		if resumed {
			mode = "reactivated"
		}
		l.metrics.TaskLaunches.WithLabelValues(kind, mode).Inc()
	}

	for _, text := range opts.InitialMessages {
		env := models.NewTextEnvelope(models.EnvelopeUser, text, "")
		if err := l.queue.Enqueue(ctx, taskID, env, false); err != nil {
			return Result{}, err
		}
	}

	result := Result{TaskID: taskID, Resumed: resumed}
	if !opts.StartProcess {
		return result, nil
	}
	queued, err := l.queue.Len(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if queued == 0 {
		l.logger.Info("no queued messages, not starting process", "task_id", taskID)
		return result, nil
	}

	pid, err := l.startProcess(taskID)
	if err != nil {
		return Result{}, err
	}
	if err := store.PatchTask(ctx, l.store, taskID, "pid", pid); err != nil {
		return Result{}, err
	}
	l.logger.Info("launched task process", "task_id", taskID, "pid", pid)
	result.PID = pid
	return result, nil
}

// Relaunch restarts a known task's process. Used as the queue's
// auto-launch hook.
func (l *Launcher) Relaunch(ctx context.Context, taskID string) error {
	_, err := l.Launch(ctx, Options{TaskID: taskID, StartProcess: true})
	return err
}

// startProcess spawns the runtime in its own session so it survives the
// caller's exit.
func (l *Launcher) startProcess(taskID string) (int, error) {
	cmd := exec.Command(l.ExecPath, l.EntryToken, taskID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("launcher: start %s: %w", taskID, err)
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// LinkChild records a child under its parent exactly once.
func (l *Launcher) LinkChild(ctx context.Context, parentID, childID string) error {
	parent, err := store.GetTask(ctx, l.store, parentID)
	if err != nil {
		return err
	}
	for _, existing := range parent.Children {
		if existing == childID {
			return nil
		}
	}
	children := append(parent.Children, childID)
	return store.PatchTask(ctx, l.store, parentID, "children", children)
}

// GenerateTaskID synthesizes a task id. Root tasks are named
// conversation_<6 hex>; child tasks slug their base name.
func GenerateTaskID(parentTaskID, baseName string) (string, error) {
	suffix := uuid.NewString()
	suffix = strings.ReplaceAll(suffix, "-", "")[:6]
	if parentTaskID == "" {
		return "conversation_" + suffix, nil
	}
	if baseName == "" {
		return "", fmt.Errorf("launcher: base_name is required for child tasks (1-3 words)")
	}
	slug := strings.Join(strings.Fields(strings.ToLower(baseName)), "_")
	return slug + "_" + suffix, nil
}

// ResolveModel maps a short model name to its ARN via the shared catalog.
// Values that are already ARNs or region-prefixed ids pass through.
func ResolveModel(ctx context.Context, s store.Store, model string) (string, error) {
	if strings.HasPrefix(model, "arn:") || strings.HasPrefix(model, "us.") || strings.HasPrefix(model, "eu.") {
		return model, nil
	}
	catalog, err := store.GetModelCatalog(ctx, s)
	if err != nil {
		return "", err
	}
	entry, ok := catalog[model]
	if !ok {
		return "", fmt.Errorf("launcher: unknown model %q", model)
	}
	return entry.ARN, nil
}

// ChildTree returns every descendant of a task, depth first.
func ChildTree(ctx context.Context, s store.Store, taskID string) ([]string, error) {
	task, err := store.GetTask(ctx, s, taskID)
	if err != nil {
		return nil, err
	}
	var all []string
	for _, childID := range task.Children {
		if contains(all, childID) {
			continue
		}
		all = append(all, childID)
		sub, err := ChildTree(ctx, s, childID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, id := range sub {
			if !contains(all, id) {
				all = append(all, id)
			}
		}
	}
	return all, nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
