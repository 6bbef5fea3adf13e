package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/internal/store/storetest"
	"github.com/arborworks/arbor/pkg/models"
)

// fakeProc fabricates a procfs entry for the current pid so Signal(0)
// succeeds while stat and cmdline come from the fixture.
func fakeProc(t *testing.T, state byte, cmdline []string) (string, int) {
	t.Helper()
	root := t.TempDir()
	pid := os.Getpid()
	dir := filepath.Join(root, fmt.Sprint(pid))
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	stat := fmt.Sprintf("%d (arbor) %c 0 0 0 0 0 0 0 0 0 0 500 300 0 0 0 0 0 0 1000\n", pid, state)
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cmdline"),
		[]byte(strings.Join(cmdline, "\x00")+"\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "uptime"), []byte("110.00 50.00\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root, pid
}

func seedTask(t *testing.T, mem *storetest.Mem, taskID string, pid *int) {
	t.Helper()
	task := &models.Task{TaskID: taskID, PID: pid, Status: models.StatusRunning}
	if err := store.PutTask(context.Background(), mem, task); err != nil {
		t.Fatal(err)
	}
}

func TestCheckLiveProcess(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	root, pid := fakeProc(t, 'S', []string{"/usr/local/bin/arbor", "run", "task_a"})
	seedTask(t, mem, "task_a", &pid)

	p := New(mem, "run", nil)
	p.ProcRoot = root

	alive, gotPID, cpu := p.Check(ctx, "task_a")
	if !alive || gotPID != pid {
		t.Fatalf("Check = %v, %d; want alive with pid %d", alive, gotPID, pid)
	}
	// 8 CPU seconds over a 100s lifetime.
	if cpu < 7.9 || cpu > 8.1 {
		t.Errorf("cpu = %v, want about 8.0", cpu)
	}

	task, err := store.GetTask(ctx, mem, "task_a")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != models.StatusRunning {
		t.Errorf("status = %s, want running", task.Status)
	}
}

func TestCheckForeignCommandLine(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	// Same live pid, but the process belongs to a different task.
	root, pid := fakeProc(t, 'S', []string{"/usr/local/bin/arbor", "run", "task_other"})
	seedTask(t, mem, "task_a", &pid)

	p := New(mem, "run", nil)
	p.ProcRoot = root

	alive, _, _ := p.Check(ctx, "task_a")
	if alive {
		t.Fatal("a foreign command line must not count as alive")
	}
	assertStopped(t, mem, "task_a")
}

func TestCheckMissingEntryToken(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	root, pid := fakeProc(t, 'S', []string{"/usr/bin/editor", "task_a"})
	seedTask(t, mem, "task_a", &pid)

	p := New(mem, "run", nil)
	p.ProcRoot = root

	if alive, _, _ := p.Check(ctx, "task_a"); alive {
		t.Fatal("a command line without the entry token must not count as alive")
	}
}

func TestCheckZombieState(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	root, pid := fakeProc(t, 'Z', []string{"/usr/local/bin/arbor", "run", "task_a"})
	seedTask(t, mem, "task_a", &pid)

	p := New(mem, "run", nil)
	p.ProcRoot = root

	if alive, _, _ := p.Check(ctx, "task_a"); alive {
		t.Fatal("a zombie must not count as alive")
	}
	assertStopped(t, mem, "task_a")
}

func TestCheckNilPID(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	seedTask(t, mem, "task_a", nil)

	p := New(mem, "run", nil)
	p.ProcRoot = t.TempDir()

	if alive, _, _ := p.Check(ctx, "task_a"); alive {
		t.Fatal("a task without a pid must not count as alive")
	}
	assertStopped(t, mem, "task_a")
}

func TestCheckUnknownTask(t *testing.T) {
	p := New(storetest.NewMem(), "run", nil)
	if alive, _, _ := p.Check(context.Background(), "missing"); alive {
		t.Fatal("a missing task must not count as alive")
	}
}

func assertStopped(t *testing.T, mem *storetest.Mem, taskID string) {
	t.Helper()
	ctx := context.Background()
	task, err := store.GetTask(ctx, mem, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.PID != nil {
		t.Errorf("pid = %v, want nil", *task.PID)
	}
	if task.Status != models.StatusStopped {
		t.Errorf("status = %s, want stopped", task.Status)
	}

	published := mem.PublishedTo(store.TaskMessagesChannel(taskID))
	found := false
	for _, payload := range published {
		if strings.Contains(payload, "process_ended") {
			found = true
		}
	}
	if !found {
		t.Errorf("published = %v, want a process_ended notification", published)
	}
}
