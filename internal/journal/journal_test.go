package journal

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "launches.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return j
}

func TestStartAndTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := openJournal(t)

	id, err := j.Start(ctx, "demo", "v1", "starting")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if !strings.HasPrefix(id, "launch_") {
		t.Fatalf("expected typeid launch id, got %q", id)
	}
	if err := j.Transition(ctx, id, "serving_failure", 0, "boom"); err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if err := j.Transition(ctx, id, "idle", 43817, ""); err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}

	records, err := j.List(ctx, 10)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	got := records[0]
	if got.ID != id || got.AppID != "demo" || got.VersionID != "v1" {
		t.Fatalf("unexpected identity fields: %#v", got)
	}
	if got.State != "idle" || got.Port != 43817 || got.Failure != "boom" {
		t.Fatalf("unexpected state fields: %#v", got)
	}
}

func TestTransitionUnknownLaunch(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	if err := j.Transition(context.Background(), "launch_missing", "idle", 0, ""); err == nil {
		t.Fatal("expected error for unknown launch")
	}
}

func TestListOrdersNewestFirstAndLimits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := openJournal(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	step := 0
	j.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	var ids []string
	for _, app := range []string{"first", "second", "third"} {
		id, err := j.Start(ctx, app, "v1", "starting")
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		ids = append(ids, id)
	}

	records, err := j.List(ctx, 2)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected limit to apply, got %d records", len(records))
	}
	if records[0].ID != ids[2] || records[1].ID != ids[1] {
		t.Fatalf("unexpected order: %s, %s", records[0].AppID, records[1].AppID)
	}

	all, err := j.List(ctx, 0)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected all records, got %d", len(all))
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
