package prompts

import (
	"context"
	"strings"
	"testing"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/internal/store/storetest"
	"github.com/arborworks/arbor/pkg/models"
)

func TestStaticSelectsContract(t *testing.T) {
	root := Static("")
	if !strings.Contains(root, "You are the ROOT task") {
		t.Error("root prompt missing the root contract")
	}
	if !strings.Contains(root, "DELEGATE EVERYTHING") {
		t.Error("root prompt missing delegation rules")
	}

	child := Static("conversation_abc123")
	if !strings.Contains(child, "You are a CHILD task") {
		t.Error("child prompt missing the child contract")
	}
	if !strings.Contains(child, "conversation_abc123") {
		t.Error("child prompt missing the parent task id")
	}
	if strings.Contains(child, "ROOT task") {
		t.Error("child prompt carries the root contract")
	}
}

func TestDynamicIncludesUsageAndTurn(t *testing.T) {
	task := &models.Task{
		TaskID:    "conversation_1",
		LastUsage: models.Usage{InputTokens: 1200, OutputTokens: 300},
	}
	out := Dynamic(context.Background(), storetest.NewMem(), task, 4)

	if !strings.Contains(out, "Turn: 4") {
		t.Error("missing turn number")
	}
	if !strings.Contains(out, "Tokens used: 1500 (input: 1200, output: 300)") {
		t.Errorf("missing usage line in %q", out)
	}
	if strings.Contains(out, "PARENT TASK CONTEXT") {
		t.Error("root task should not get a parent context section")
	}
}

func TestDynamicIncludesParentTranscript(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()

	parentConv := models.Conversation{{Messages: []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock("please fix the build")}},
	}}}
	if err := store.PutConversation(ctx, mem, "conversation_parent", parentConv); err != nil {
		t.Fatal(err)
	}

	parent := "conversation_parent"
	task := &models.Task{TaskID: "child_1", ParentTaskID: &parent}
	out := Dynamic(ctx, mem, task, 0)

	if !strings.Contains(out, "=== PARENT TASK CONTEXT ===") {
		t.Error("missing parent context section")
	}
	if !strings.Contains(out, "please fix the build") {
		t.Error("missing parent transcript content")
	}
	if !strings.Contains(out, "conversation_parent") {
		t.Error("missing parent task id")
	}
}

func TestTranscribeTaskMissingConversation(t *testing.T) {
	out := TranscribeTask(context.Background(), storetest.NewMem(), "ghost_task", true)
	if !strings.Contains(out, "No conversation found for task ghost_task") {
		t.Errorf("got %q", out)
	}
}

func TestIterationHint(t *testing.T) {
	tests := []struct {
		name          string
		iteration     int
		maxIterations int
		wantContains  string
	}{
		{"single iteration budget", 0, 1, "single-iteration task"},
		{"two budget first", 0, 2, "two-iteration task"},
		{"two budget second", 1, 2, "Final iteration"},
		{"penultimate", 8, 10, "Iteration 9 of 10"},
		{"final", 9, 10, "Final iteration"},
		{"early", 0, 10, ""},
		{"mid", 5, 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IterationHint(tt.iteration, tt.maxIterations)
			if tt.wantContains == "" {
				if got != "" {
					t.Errorf("hint = %q, want none", got)
				}
				return
			}
			if !strings.Contains(got, tt.wantContains) {
				t.Errorf("hint = %q, want it to contain %q", got, tt.wantContains)
			}
		})
	}
}
