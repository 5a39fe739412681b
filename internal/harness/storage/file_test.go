package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/auralis-ai/auralis/internal/harness"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestFileStore_SuiteRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	suite := harness.QuickValidationSuite()
	if err := store.PutSuite(ctx, suite); err != nil {
		t.Fatalf("PutSuite: %v", err)
	}
	got, err := store.GetSuite(ctx, suite.ID)
	if err != nil {
		t.Fatalf("GetSuite: %v", err)
	}
	if got.ID != suite.ID || got.TotalTestCount() != suite.TotalTestCount() {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	suites, err := store.ListSuites(ctx)
	if err != nil {
		t.Fatalf("ListSuites: %v", err)
	}
	if len(suites) != 1 {
		t.Fatalf("ListSuites returned %d suites", len(suites))
	}

	if _, err := store.GetSuite(ctx, "missing"); !errors.Is(err, harness.ErrNotFound) {
		t.Fatalf("missing suite: %v", err)
	}
}

func TestFileStore_RunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := harness.TestRun{
		ID:         "run-1",
		SuiteID:    "quick_validation",
		Status:     harness.StatusPending,
		TotalCount: 6,
		StartedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Results:    []harness.TestResult{},
	}
	if err := store.PutRun(ctx, run); err != nil {
		t.Fatalf("PutRun: %v", err)
	}

	run.Status = harness.StatusRunning
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	result := harness.TestResult{
		RunID:    run.ID,
		ConfigID: "a",
		Success:  true,
		Latencies: harness.StageLatencies{
			EndToEndMS: 412,
		},
	}
	if err := store.AppendResult(ctx, run.ID, result); err != nil {
		t.Fatalf("AppendResult: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != harness.StatusRunning {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.Results) != 1 || got.Results[0].Latencies.EndToEndMS != 412 {
		t.Fatalf("results = %+v", got.Results)
	}

	if err := store.UpdateRun(ctx, harness.TestRun{ID: "missing"}); !errors.Is(err, harness.ErrNotFound) {
		t.Fatalf("update of missing run: %v", err)
	}
	if err := store.AppendResult(ctx, "missing", result); !errors.Is(err, harness.ErrNotFound) {
		t.Fatalf("append to missing run: %v", err)
	}
}

func TestFileStore_ListRunsFilterAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, status := range []harness.RunStatus{
		harness.StatusCompleted, harness.StatusFailed, harness.StatusCompleted,
	} {
		run := harness.TestRun{
			ID:        "run-" + string(rune('a'+i)),
			SuiteID:   "quick_validation",
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.PutRun(ctx, run); err != nil {
			t.Fatalf("PutRun: %v", err)
		}
	}

	completed, err := store.ListRuns(ctx, harness.Filter{Status: harness.StatusCompleted})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("completed runs = %d, want 2", len(completed))
	}
	if !completed[0].StartedAt.After(completed[1].StartedAt) {
		t.Fatal("runs not sorted newest first")
	}

	limited, err := store.ListRuns(ctx, harness.Filter{Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited runs = %d, want 1", len(limited))
	}
}

func TestFileStore_BaselineRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	baseline := harness.PerformanceBaseline{
		ID:          "release-1",
		CreatedAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		SourceRunID: "run-1",
		Configs: map[string]harness.BaselineMetrics{
			"a": {MedianMS: 400, P95MS: 450, P99MS: 480, SampleCount: 10},
		},
	}
	if err := store.PutBaseline(ctx, baseline); err != nil {
		t.Fatalf("PutBaseline: %v", err)
	}
	got, err := store.GetBaseline(ctx, baseline.ID)
	if err != nil {
		t.Fatalf("GetBaseline: %v", err)
	}
	if got.Configs["a"].MedianMS != 400 || !got.CreatedAt.Equal(baseline.CreatedAt) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	baselines, err := store.ListBaselines(ctx)
	if err != nil {
		t.Fatalf("ListBaselines: %v", err)
	}
	if len(baselines) != 1 {
		t.Fatalf("ListBaselines returned %d", len(baselines))
	}
}

func TestFileStore_SkipsCorruptRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutSuite(ctx, harness.QuickValidationSuite()); err != nil {
		t.Fatalf("PutSuite: %v", err)
	}
	corrupt := filepath.Join(store.root, suitesDir, "broken.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("writing corrupt record: %v", err)
	}

	suites, err := store.ListSuites(ctx)
	if err != nil {
		t.Fatalf("ListSuites: %v", err)
	}
	if len(suites) != 1 {
		t.Fatalf("suites = %d, want the corrupt record skipped", len(suites))
	}
}

func TestFileStore_RejectsPathTraversalIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		if _, err := store.GetRun(ctx, id); err == nil {
			t.Errorf("id %q accepted", id)
		}
	}
}
