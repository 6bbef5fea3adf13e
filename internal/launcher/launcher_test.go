package launcher

import (
	"context"
	"strings"
	"testing"

	"github.com/arborworks/arbor/internal/queue"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/internal/store/storetest"
	"github.com/arborworks/arbor/pkg/models"
)

type fakeProbe struct {
	alive bool
	pid   int
}

func (f *fakeProbe) Check(ctx context.Context, taskID string) (bool, int, float64) {
	return f.alive, f.pid, 0
}

func newTestLauncher(mem *storetest.Mem, probe *fakeProbe) *Launcher {
	q := queue.New(mem, probe, nil)
	return New(mem, q, probe, "/usr/local/bin/arbor", "run", "sonnet45", nil)
}

func seedCatalog(t *testing.T, mem *storetest.Mem) {
	t.Helper()
	catalog := map[string]models.ModelEntry{
		"sonnet45": {ARN: "arn:aws:bedrock:us-east-1::foundation-model/sonnet45"},
	}
	if err := mem.SetJSON(context.Background(), store.ModelCatalogKey, catalog); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateTaskID(t *testing.T) {
	rootID, err := GenerateTaskID("", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(rootID, "conversation_") {
		t.Errorf("root id = %q, want conversation_ prefix", rootID)
	}
	if len(rootID) != len("conversation_")+6 {
		t.Errorf("root id = %q, want a 6 character suffix", rootID)
	}

	childID, err := GenerateTaskID("conversation_abc123", "Analyze  Data")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(childID, "analyze_data_") {
		t.Errorf("child id = %q, want analyze_data_ prefix", childID)
	}

	if _, err := GenerateTaskID("conversation_abc123", ""); err == nil {
		t.Error("child task without base name should fail")
	}
}

func TestResolveModel(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	seedCatalog(t, mem)

	for _, passthrough := range []string{
		"arn:aws:bedrock:us-east-1::foundation-model/x",
		"us.anthropic.claude-v4",
		"eu.anthropic.claude-v4",
	} {
		got, err := ResolveModel(ctx, mem, passthrough)
		if err != nil || got != passthrough {
			t.Errorf("ResolveModel(%q) = %q, %v; want passthrough", passthrough, got, err)
		}
	}

	arn, err := ResolveModel(ctx, mem, "sonnet45")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(arn, "/sonnet45") {
		t.Errorf("resolved arn = %q", arn)
	}

	if _, err := ResolveModel(ctx, mem, "unknown-model"); err == nil {
		t.Error("unknown short name should fail")
	}
}

func TestLaunchCreatesRootTask(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	seedCatalog(t, mem)
	l := newTestLauncher(mem, &fakeProbe{})

	result, err := l.Launch(ctx, Options{
		InitialMessages: []string{"get to work"},
		StartProcess:    false,
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if result.Resumed {
		t.Error("fresh launch reported resumed")
	}
	if !strings.HasPrefix(result.TaskID, "conversation_") {
		t.Errorf("task id = %q", result.TaskID)
	}

	task, err := store.GetTask(ctx, mem, result.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if !task.IsRoot() {
		t.Error("root task has a parent")
	}
	if !task.EnableRecursion {
		t.Error("recursion should default on")
	}
	if task.MaxIterations != DefaultMaxIterations {
		t.Errorf("max iterations = %d, want %d", task.MaxIterations, DefaultMaxIterations)
	}
	if !strings.Contains(task.Command, "run "+result.TaskID) {
		t.Errorf("command = %q", task.Command)
	}
	if !strings.Contains(task.StaticSystemPrompt, "ROOT task") {
		t.Error("root task got a non-root system prompt")
	}

	conv, err := store.GetConversation(ctx, mem, result.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv) != 1 || len(conv[0].Messages) != 0 {
		t.Errorf("fresh conversation = %+v, want one empty turn", conv)
	}

	envelopes, err := store.GetQueue(ctx, mem, result.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("queued %d envelopes, want 1", len(envelopes))
	}
	if text, _ := envelopes[0].Text(); text != "get to work" {
		t.Errorf("queued text = %q", text)
	}
}

func TestLaunchChildTask(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	seedCatalog(t, mem)
	l := newTestLauncher(mem, &fakeProbe{})

	result, err := l.Launch(ctx, Options{
		ParentTaskID:     "conversation_root",
		BaseName:         "fetch results",
		DisableRecursion: true,
		MaxIterations:    3,
		StartProcess:     false,
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	task, err := store.GetTask(ctx, mem, result.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Parent() != "conversation_root" {
		t.Errorf("parent = %q", task.Parent())
	}
	if task.EnableRecursion {
		t.Error("recursion should be disabled")
	}
	if task.MaxIterations != 3 {
		t.Errorf("max iterations = %d, want 3", task.MaxIterations)
	}
	if !strings.Contains(task.StaticSystemPrompt, "CHILD task") {
		t.Error("child task got a non-child system prompt")
	}
}

func TestLaunchReactivatesExistingTask(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	seedCatalog(t, mem)
	l := newTestLauncher(mem, &fakeProbe{})

	first, err := l.Launch(ctx, Options{InitialMessages: []string{"start"}})
	if err != nil {
		t.Fatal(err)
	}
	before, err := store.GetTask(ctx, mem, first.TaskID)
	if err != nil {
		t.Fatal(err)
	}

	second, err := l.Launch(ctx, Options{
		TaskID:          first.TaskID,
		InitialMessages: []string{"continue"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Resumed {
		t.Error("relaunch of a known id should report resumed")
	}

	after, err := store.GetTask(ctx, mem, first.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if after.CreatedAt != before.CreatedAt {
		t.Error("reactivation overwrote the task record")
	}

	envelopes, err := store.GetQueue(ctx, mem, first.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(envelopes) != 2 {
		t.Errorf("queued %d envelopes, want 2", len(envelopes))
	}
}

func TestLaunchSkipsWhenAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	l := newTestLauncher(mem, &fakeProbe{alive: true, pid: 777})

	result, err := l.Launch(ctx, Options{TaskID: "task_live", StartProcess: true})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Resumed || result.PID != 777 {
		t.Errorf("result = %+v, want resumed with pid 777", result)
	}
	// No record was created; the live process owns the task.
	if _, err := store.GetTask(ctx, mem, "task_live"); err == nil {
		t.Error("launch guard should not create a task record")
	}
}

func TestLaunchEmptyQueueSkipsProcess(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	seedCatalog(t, mem)
	l := newTestLauncher(mem, &fakeProbe{})

	result, err := l.Launch(ctx, Options{StartProcess: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.PID != 0 {
		t.Errorf("pid = %d, want 0 when nothing is queued", result.PID)
	}
}

func TestLinkChildOnce(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	l := newTestLauncher(mem, &fakeProbe{})

	parent := &models.Task{TaskID: "parent_1", Children: []string{}}
	if err := store.PutTask(ctx, mem, parent); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := l.LinkChild(ctx, "parent_1", "child_1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.LinkChild(ctx, "parent_1", "child_2"); err != nil {
		t.Fatal(err)
	}

	task, err := store.GetTask(ctx, mem, "parent_1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"child_1", "child_2"}
	if len(task.Children) != 2 || task.Children[0] != want[0] || task.Children[1] != want[1] {
		t.Errorf("children = %v, want %v", task.Children, want)
	}
}

func TestChildTree(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()

	put := func(id string, children ...string) {
		if children == nil {
			children = []string{}
		}
		task := &models.Task{TaskID: id, Children: children}
		if err := store.PutTask(ctx, mem, task); err != nil {
			t.Fatal(err)
		}
	}
	put("a", "b", "c")
	put("b", "d")
	put("c")
	put("d")

	tree, err := ChildTree(ctx, mem, "a")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"b", "d", "c"}
	if len(tree) != len(want) {
		t.Fatalf("tree = %v, want %v", tree, want)
	}
	for i := range want {
		if tree[i] != want[i] {
			t.Errorf("tree[%d] = %q, want %q", i, tree[i], want[i])
		}
	}
}
