package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"nasfront/internal/model"
)

func sampleHistory() []model.SearchResult {
	return []model.SearchResult{
		{
			VersionedRecord: Versioned(),
			Index:           0,
			Parameters:      map[string]any{"a": 2, "b": "choiceA", "lr": 0.5},
			Metrics:         map[string]float64{"val_error": 0.25, "weights": 1200},
		},
		{
			VersionedRecord: Versioned(),
			Index:           1,
			Parameters: map[string]any{
				"a":      1.0,
				"b":      "choiceB",
				"layers": []any{map[string]any{"width": 16}, map[string]any{"width": 32}},
			},
			Metrics: map[string]float64{"val_error": 1.0 / 3.0, "weights": 4e6},
		},
	}
}

func sampleRun(id string, created time.Time) model.RunRecord {
	return model.RunRecord{
		VersionedRecord: Versioned(),
		ID:              id,
		Sampler:         "aging_evolution",
		Seed:            42,
		Budget:          10,
		Bounds:          map[string]float64{"val_error": 0.1, "weights": 1e5},
		Schema:          map[string]any{"a": map[string]any{"min": 0, "max": 3}, "b": []any{"choiceA", "choiceB"}},
		Space: map[string]any{
			"input": []any{1, 4, 64},
			"nodes": []any{map[string]any{"name": "stem", "kind": "conv1d"}},
		},
		Settings: model.RunSettings{
			PopulationSize:   20,
			SampleSize:       5,
			Eps:              0.1,
			MaxRetries:       100,
			Workers:          2,
			Presample:        true,
			PresampleFactor:  1.2,
			ConstraintPolicy: "reject",
			MaxIdleRounds:    10,
		},
		Status:    model.RunRunning,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = CloseIfSupported(store)
	})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-b", "run-a"} {
		if err := store.SaveRun(ctx, sampleRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("save run %s: %v", id, err)
		}
	}
	updated := sampleRun("run-b", base)
	updated.Status = model.RunCompleted
	if err := store.SaveRun(ctx, updated); err != nil {
		t.Fatalf("update run: %v", err)
	}

	run, ok, err := store.GetRun(ctx, "run-b")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(updated, run); diff != "" {
		t.Fatalf("run mismatch (-want +got):\n%s", diff)
	}
	if _, ok, err := store.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing run, got ok=%v err=%v", ok, err)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-b" || runs[1].ID != "run-a" {
		t.Fatalf("unexpected run order: %+v", runs)
	}

	history := sampleHistory()
	for _, r := range history {
		if err := store.AppendResult(ctx, "run-b", r); err != nil {
			t.Fatalf("append result: %v", err)
		}
	}
	loaded, err := store.LoadHistory(ctx, "run-b")
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if diff := cmp.Diff(history, loaded); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
	empty, err := store.LoadHistory(ctx, "run-a")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty history, got %v err=%v", empty, err)
	}

	lineage := []model.LineageRecord{
		{VersionedRecord: Versioned(), Index: 0, Origin: model.OriginExplore, ParentIndex: -1, Fingerprint: "aa", Status: model.StatusEvaluated},
		{VersionedRecord: Versioned(), Index: 1, Origin: model.OriginExploit, ParentIndex: 0, Mutation: "interval:a", Fingerprint: "bb", Status: model.StatusFailed},
	}
	for _, rec := range lineage {
		if err := store.AppendLineage(ctx, "run-b", rec); err != nil {
			t.Fatalf("append lineage: %v", err)
		}
	}
	gotLineage, ok, err := store.GetLineage(ctx, "run-b")
	if err != nil || !ok {
		t.Fatalf("get lineage: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(lineage, gotLineage); diff != "" {
		t.Fatalf("lineage mismatch (-want +got):\n%s", diff)
	}
	if _, ok, err := store.GetLineage(ctx, "run-a"); err != nil || ok {
		t.Fatalf("expected no lineage, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStoreRoundTrip(t *testing.T) {
	exerciseStore(t, NewFileStore(t.TempDir()))
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	exerciseStore(t, NewBadgerStore(""))
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := NewBadgerStore(dir)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, r := range sampleHistory() {
		if err := first.AppendResult(ctx, "run-1", r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewBadgerStore(dir)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	loaded, err := second.LoadHistory(ctx, "run-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(sampleHistory(), loaded); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestStoresRequireInit(t *testing.T) {
	ctx := context.Background()
	for name, store := range map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(t.TempDir()),
		"badger": NewBadgerStore(""),
	} {
		if err := store.AppendResult(ctx, "run", sampleHistory()[0]); err == nil {
			t.Fatalf("%s: expected error before init", name)
		}
	}
}

func TestFileStoreRejectsPathRunIDs(t *testing.T) {
	store := NewFileStore(t.TempDir())
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, id := range []string{"", "..", "a/b"} {
		if err := store.AppendResult(context.Background(), id, sampleHistory()[0]); err == nil {
			t.Fatalf("expected run id %q to be rejected", id)
		}
	}
}

func TestFileStoreReadsStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	parent := t.TempDir()
	root := filepath.Join(parent, "store")
	store := NewFileStore(root)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	// A sibling store holds a real run that a traversing id would reach.
	sibling := NewFileStore(filepath.Join(parent, "other"))
	if err := sibling.Init(ctx); err != nil {
		t.Fatalf("init sibling: %v", err)
	}
	if err := sibling.SaveRun(ctx, sampleRun("x", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("save sibling run: %v", err)
	}
	if err := sibling.AppendResult(ctx, "x", sampleHistory()[0]); err != nil {
		t.Fatalf("append sibling result: %v", err)
	}

	for _, id := range []string{"../other/x", "..", "a/b", ""} {
		if _, ok, err := store.GetRun(ctx, id); err == nil || ok {
			t.Fatalf("get run %q: expected rejection, got ok=%v err=%v", id, ok, err)
		}
		if history, err := store.LoadHistory(ctx, id); err == nil || len(history) != 0 {
			t.Fatalf("load history %q: expected rejection, got %d results err=%v", id, len(history), err)
		}
		if _, ok, err := store.GetLineage(ctx, id); err == nil || ok {
			t.Fatalf("get lineage %q: expected rejection, got ok=%v err=%v", id, ok, err)
		}
	}
}
