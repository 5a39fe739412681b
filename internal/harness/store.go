package harness

import (
	"context"
	"errors"
)

// ErrNotFound is returned by store lookups for unknown record ids.
var ErrNotFound = errors.New("record not found")

// Filter narrows a ListRuns query. Zero fields match everything.
type Filter struct {
	SuiteID string
	Status  RunStatus
	Limit   int
}

// Matches reports whether the run satisfies the filter.
func (f Filter) Matches(run TestRun) bool {
	if f.SuiteID != "" && run.SuiteID != f.SuiteID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	return true
}

// Store persists suites, runs, results, and baselines. Every operation is
// atomic at the record level. Implementations live in the storage
// subpackage.
type Store interface {
	PutSuite(ctx context.Context, suite TestSuiteDefinition) error
	GetSuite(ctx context.Context, id string) (TestSuiteDefinition, error)
	ListSuites(ctx context.Context) ([]TestSuiteDefinition, error)

	PutRun(ctx context.Context, run TestRun) error
	UpdateRun(ctx context.Context, run TestRun) error
	GetRun(ctx context.Context, id string) (TestRun, error)
	ListRuns(ctx context.Context, filter Filter) ([]TestRun, error)

	// AppendResult adds one result to a stored run.
	AppendResult(ctx context.Context, runID string, result TestResult) error

	PutBaseline(ctx context.Context, baseline PerformanceBaseline) error
	GetBaseline(ctx context.Context, id string) (PerformanceBaseline, error)
	ListBaselines(ctx context.Context) ([]PerformanceBaseline, error)
}
