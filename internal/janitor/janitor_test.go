package janitor

import (
	"context"
	"sort"
	"testing"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/internal/store/storetest"
	"github.com/arborworks/arbor/pkg/models"
)

type recordingProbe struct {
	checked []string
}

func (r *recordingProbe) Check(ctx context.Context, taskID string) (bool, int, float64) {
	r.checked = append(r.checked, taskID)
	return false, 0, 0
}

func TestSweepProbesEveryConversation(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMem()
	for _, id := range []string{"conversation_1", "child_a"} {
		if err := store.PutConversation(ctx, mem, id, models.NewConversation()); err != nil {
			t.Fatal(err)
		}
	}
	// Task records alone must not be swept; only conversation keys count.
	if err := store.PutTask(ctx, mem, &models.Task{TaskID: "record_only"}); err != nil {
		t.Fatal(err)
	}

	probe := &recordingProbe{}
	j := New(mem, probe, nil)

	count, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	sort.Strings(probe.checked)
	want := []string{"child_a", "conversation_1"}
	if len(probe.checked) != 2 || probe.checked[0] != want[0] || probe.checked[1] != want[1] {
		t.Errorf("checked = %v, want %v", probe.checked, want)
	}
}

func TestSweepEmptyFleet(t *testing.T) {
	j := New(storetest.NewMem(), &recordingProbe{}, nil)
	count, err := j.Sweep(context.Background())
	if err != nil || count != 0 {
		t.Errorf("Sweep = %d, %v; want 0, nil", count, err)
	}
}
