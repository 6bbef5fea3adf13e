// Package probe inspects whether an OS process is a live instance of the
// task runtime for a given task id, and reconciles the recorded liveness
// with OS reality. Liveness is validated against /proc: the pid must
// exist, be in a non-terminal state, and its command line must reference
// both the runtime entry token and the task id.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/models"
)

// userHZ is the kernel clock tick used by /proc counters.
const userHZ = 100.0

// Prober performs liveness checks and self-corrects the store.
type Prober struct {
	store  store.Store
	logger *slog.Logger

	// EntryToken must appear in the process command line alongside the
	// task id for the process to count as the task's runtime.
	EntryToken string

	// ProcRoot is the procfs mount point. Overridden in tests.
	ProcRoot string
}

// New creates a Prober with the default /proc root.
func New(s store.Store, entryToken string, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		store:      s,
		logger:     logger,
		EntryToken: entryToken,
		ProcRoot:   "/proc",
	}
}

// Check reports whether the task's recorded pid is a live runtime process
// for that task. When it is not, the task record is patched to
// status=stopped with a nil pid and a process_ended notification is
// published. Any inspection failure is treated as "not alive".
func (p *Prober) Check(ctx context.Context, taskID string) (alive bool, pid int, cpuPct float64) {
	task, err := store.GetTask(ctx, p.store, taskID)
	if err != nil {
		return false, 0, 0
	}

	if task.PID != nil {
		pid = *task.PID
		if cpu, ok := p.inspect(pid, taskID); ok {
			if err := store.PatchTask(ctx, p.store, taskID, "status", models.StatusRunning); err != nil {
				p.logger.Warn("probe: failed to patch status", "task_id", taskID, "error", err)
			}
			return true, pid, cpu
		}
	}

	p.markStopped(ctx, taskID)
	return false, 0, 0
}

func (p *Prober) markStopped(ctx context.Context, taskID string) {
	if err := store.PatchTask(ctx, p.store, taskID, "pid", nil); err != nil {
		p.logger.Warn("probe: failed to clear pid", "task_id", taskID, "error", err)
	}
	if err := store.PatchTask(ctx, p.store, taskID, "status", models.StatusStopped); err != nil {
		p.logger.Warn("probe: failed to patch status", "task_id", taskID, "error", err)
	}
	payload := map[string]string{"type": "process_ended"}
	if err := p.store.Publish(ctx, store.TaskMessagesChannel(taskID), payload); err != nil {
		p.logger.Warn("probe: failed to publish process_ended", "task_id", taskID, "error", err)
	}
}

// inspect validates one pid against /proc. Returns the process CPU usage
// percentage over its lifetime and whether the pid is a live runtime
// process for taskID.
func (p *Prober) inspect(pid int, taskID string) (float64, bool) {
	if pid <= 0 {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// Signal 0 probes existence without delivering a signal.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}

	state, cpuSeconds, startTicks, err := p.readStat(pid)
	if err != nil {
		return 0, false
	}
	if !liveState(state) {
		return 0, false
	}

	cmdline, err := p.readCmdline(pid)
	if err != nil {
		return 0, false
	}
	if !strings.Contains(cmdline, p.EntryToken) || !strings.Contains(cmdline, taskID) {
		return 0, false
	}

	return p.cpuPercent(cpuSeconds, startTicks), true
}

// liveState accepts running, sleeping, disk-sleep, idle, and waking
// process states; zombies and stopped/traced processes are dead.
func liveState(state byte) bool {
	switch state {
	case 'R', 'S', 'D', 'I', 'W':
		return true
	default:
		return false
	}
}

// readStat parses /proc/<pid>/stat: the state letter, total CPU seconds
// (utime+stime), and the start time in clock ticks since boot. The comm
// field may contain spaces so fields are taken after its closing paren.
func (p *Prober) readStat(pid int) (byte, float64, float64, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", p.ProcRoot, pid))
	if err != nil {
		return 0, 0, 0, err
	}
	content := string(data)
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return 0, 0, 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(strings.TrimSpace(content[closeParen+1:]))
	if len(fields) < 20 {
		return 0, 0, 0, fmt.Errorf("short stat for pid %d", pid)
	}
	state := fields[0][0]
	utime, _ := strconv.ParseFloat(fields[11], 64)
	stime, _ := strconv.ParseFloat(fields[12], 64)
	startTicks, _ := strconv.ParseFloat(fields[19], 64)
	return state, (utime + stime) / userHZ, startTicks, nil
}

func (p *Prober) readCmdline(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/cmdline", p.ProcRoot, pid))
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(data), "\x00", " "), nil
}

// cpuPercent approximates CPU usage over the process lifetime.
func (p *Prober) cpuPercent(cpuSeconds, startTicks float64) float64 {
	data, err := os.ReadFile(p.ProcRoot + "/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	lifetime := uptime - startTicks/userHZ
	if lifetime <= 0 {
		return 0
	}
	return cpuSeconds / lifetime * 100
}
