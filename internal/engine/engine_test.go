package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/arborworks/arbor/internal/gateway"
	"github.com/arborworks/arbor/internal/queue"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/internal/store/storetest"
	"github.com/arborworks/arbor/internal/tools"
	"github.com/arborworks/arbor/pkg/models"
)

type fakeProbe struct{}

func (fakeProbe) Check(ctx context.Context, taskID string) (bool, int, float64) {
	return true, 1, 0
}

// fakeCaller replays canned responses and records every request.
type fakeCaller struct {
	responses []*gateway.Response
	errs      []error
	requests  []gateway.Request
}

func (f *fakeCaller) Call(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func textResponse(text, stopReason string) *gateway.Response {
	return &gateway.Response{
		Content:    []models.ContentBlock{models.TextBlock(text)},
		StopReason: stopReason,
		Usage:      models.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

type fixture struct {
	mem    *storetest.Mem
	queue  *queue.Queue
	caller *fakeCaller
	engine *Engine
}

func newFixture(t *testing.T, caller *fakeCaller) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := storetest.NewMem()
	q := queue.New(mem, fakeProbe{}, nil)
	registry := tools.NewRegistry(tools.NewThink())
	eng := New(mem, q, caller, registry, nil, nil)

	task := &models.Task{
		TaskID:             "task_a",
		ModelName:          "arn:aws:bedrock:us-east-1::foundation-model/x",
		StaticSystemPrompt: "STATIC PROMPT.",
		EnableRecursion:    true,
	}
	if err := store.PutTask(ctx, mem, task); err != nil {
		t.Fatal(err)
	}
	if err := store.PutConversation(ctx, mem, "task_a", models.NewConversation()); err != nil {
		t.Fatal(err)
	}
	return &fixture{mem: mem, queue: q, caller: caller, engine: eng}
}

func (f *fixture) enqueueUser(t *testing.T, text string) {
	t.Helper()
	env := models.NewTextEnvelope(models.EnvelopeUser, text, "")
	if err := f.queue.Enqueue(context.Background(), "task_a", env, false); err != nil {
		t.Fatal(err)
	}
}

func TestIterateEndTurn(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{responses: []*gateway.Response{
		textResponse("all done", "end_turn"),
		textResponse("summary of the turn", "end_turn"),
	}}
	f := newFixture(t, caller)
	f.enqueueUser(t, "do the thing")

	turnEnding, err := f.engine.Iterate(ctx, "task_a", "HINT LINE")
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	if !turnEnding {
		t.Error("end_turn should end the turn")
	}

	// First call: drained user message, system prompt with hint appended.
	first := caller.requests[0]
	if !strings.HasPrefix(first.System, "STATIC PROMPT.") {
		t.Errorf("system prompt = %q", first.System)
	}
	if !strings.HasSuffix(first.System, "\n\nHINT LINE") {
		t.Error("hint not appended to the system prompt")
	}
	if len(first.Messages) != 1 {
		t.Fatalf("model saw %d messages, want 1", len(first.Messages))
	}
	if text, _ := first.Messages[0].FirstText(); text != "do the thing" {
		t.Errorf("model saw %q", text)
	}

	conv, err := store.GetConversation(ctx, f.mem, "task_a")
	if err != nil {
		t.Fatal(err)
	}
	msgs := conv[0].Messages
	if len(msgs) != 2 || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("turn messages = %+v, want user then assistant", msgs)
	}
	if text, _ := msgs[1].FirstText(); text != "all done" {
		t.Errorf("assistant text = %q", text)
	}
	if conv[0].TurnSummary != "summary of the turn" {
		t.Errorf("turn summary = %q", conv[0].TurnSummary)
	}

	task, err := store.GetTask(ctx, f.mem, "task_a")
	if err != nil {
		t.Fatal(err)
	}
	if task.LastUsage.InputTokens != 100 || task.LastUsage.OutputTokens != 50 {
		t.Errorf("last usage = %+v", task.LastUsage)
	}

	// The in-flight marker was cleared.
	if exists, _ := f.mem.Exists(ctx, store.CallMarkerKey("task_a")); exists {
		t.Error("call marker left behind")
	}

	// The summarizer got its own system prompt, not the task's.
	if len(caller.requests) != 2 {
		t.Fatalf("model called %d times, want 2", len(caller.requests))
	}
	if strings.HasPrefix(caller.requests[1].System, "STATIC PROMPT.") {
		t.Error("summarizer reused the task system prompt")
	}
}

func TestIterateToolUse(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{responses: []*gateway.Response{{
		Content: []models.ContentBlock{
			models.TextBlock("let me think"),
			{ToolUse: &models.ToolUse{
				ToolUseID: "use_1",
				Name:      "think",
				Input:     map[string]any{"thoughts": "hmm", "conclusions": "proceed"},
			}},
		},
		StopReason: "tool_use",
	}}}
	f := newFixture(t, caller)
	f.enqueueUser(t, "go")

	turnEnding, err := f.engine.Iterate(ctx, "task_a", "")
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	if turnEnding {
		t.Error("tool_use must not end the turn")
	}

	envelopes, err := store.GetQueue(ctx, f.mem, "task_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(envelopes) != 1 || envelopes[0].Type != models.EnvelopeToolResult {
		t.Fatalf("queue = %+v, want one tool_result envelope", envelopes)
	}
	if envelopes[0].ToolUseID != "use_1" {
		t.Errorf("tool_use_id = %q", envelopes[0].ToolUseID)
	}
	block, err := envelopes[0].ResultBlock()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(block.ToolResult.Content[0].Text, "proceed") {
		t.Errorf("tool result = %q", block.ToolResult.Content[0].Text)
	}
	if block.ToolResult.Status == models.ToolResultStatusError {
		t.Error("think execution reported an error")
	}
}

func TestIterateToolValidationFailure(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{responses: []*gateway.Response{{
		Content: []models.ContentBlock{
			{ToolUse: &models.ToolUse{
				ToolUseID: "use_1",
				Name:      "think",
				Input:     map[string]any{"thoughts": "missing conclusions"},
			}},
		},
		StopReason: "tool_use",
	}}}
	f := newFixture(t, caller)
	f.enqueueUser(t, "go")

	if _, err := f.engine.Iterate(ctx, "task_a", ""); err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}

	envelopes, err := store.GetQueue(ctx, f.mem, "task_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("queue = %+v, want one envelope", envelopes)
	}
	block, err := envelopes[0].ResultBlock()
	if err != nil {
		t.Fatal(err)
	}
	if block.ToolResult.Status != models.ToolResultStatusError {
		t.Error("invalid tool input should yield an error status result")
	}
}

func TestIterateMaxTokensQueuesContinuation(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{responses: []*gateway.Response{
		textResponse("partial answ", "max_tokens"),
	}}
	f := newFixture(t, caller)
	f.enqueueUser(t, "go")

	turnEnding, err := f.engine.Iterate(ctx, "task_a", "")
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	if turnEnding {
		t.Error("max_tokens must not end the turn")
	}

	envelopes, err := store.GetQueue(ctx, f.mem, "task_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(envelopes) != 1 || envelopes[0].Type != models.EnvelopeUser {
		t.Fatalf("queue = %+v, want one user envelope", envelopes)
	}
	if text, _ := envelopes[0].Text(); text != ContinuationStub {
		t.Errorf("queued text = %q, want the continuation stub", text)
	}
}

func TestIterateInterrupted(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{
		responses: []*gateway.Response{nil},
		errs:      []error{gateway.ErrInterrupted},
	}
	f := newFixture(t, caller)
	f.enqueueUser(t, "go")

	turnEnding, err := f.engine.Iterate(ctx, "task_a", "")
	if err != nil {
		t.Fatalf("interruption must not surface as an error, got %v", err)
	}
	if !turnEnding {
		t.Error("interruption should end the turn")
	}

	// No assistant message was recorded.
	conv, err := store.GetConversation(ctx, f.mem, "task_a")
	if err != nil {
		t.Fatal(err)
	}
	for _, msg := range conv[0].Messages {
		if msg.Role == models.RoleAssistant {
			t.Error("assistant message recorded for an interrupted call")
		}
	}
	if exists, _ := f.mem.Exists(ctx, store.CallMarkerKey("task_a")); exists {
		t.Error("call marker left behind")
	}
}

func TestIterateRepairsBeforeCalling(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{responses: []*gateway.Response{
		textResponse("fixed", "end_turn"),
		textResponse("summary", "end_turn"),
	}}
	f := newFixture(t, caller)

	// Two consecutive assistant messages with an unanswered tool use.
	broken := models.Conversation{{Messages: []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock("go")}},
		{Role: models.RoleAssistant, Content: []models.ContentBlock{
			{ToolUse: &models.ToolUse{ToolUseID: "lost", Name: "bash"}},
		}},
		{Role: models.RoleAssistant, Content: []models.ContentBlock{models.TextBlock("moving on")}},
	}}}
	if err := store.PutConversation(ctx, f.mem, "task_a", broken); err != nil {
		t.Fatal(err)
	}
	f.enqueueUser(t, "continue")

	if _, err := f.engine.Iterate(ctx, "task_a", ""); err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}

	// The model saw a repaired log: the lost tool use is now answered.
	seen := caller.requests[0].Messages
	answered := false
	for _, msg := range seen {
		for _, block := range msg.Content {
			if block.ToolResult != nil && block.ToolResult.ToolUseID == "lost" {
				answered = true
			}
		}
	}
	if !answered {
		t.Error("model saw an unrepaired conversation")
	}
}
