// Package storage provides the harness persistence backends: a JSON file
// tree for single-node deployments and CI, and PostgreSQL for shared
// installations.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/auralis-ai/auralis/internal/harness"
)

const (
	suitesDir    = "suites"
	runsDir      = "runs"
	baselinesDir = "baselines"
)

// FileStore persists each record as one JSON file under its kind's
// directory. Writes are atomic via rename, so a crashed write never
// leaves a truncated record behind.
type FileStore struct {
	root string
	log  *slog.Logger
}

var _ harness.Store = (*FileStore)(nil)

// NewFileStore creates the directory tree under root if needed.
func NewFileStore(root string, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = slog.Default()
	}
	for _, dir := range []string{suitesDir, runsDir, baselinesDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", dir, err)
		}
	}
	return &FileStore{root: root, log: log}, nil
}

func (s *FileStore) path(kind, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return filepath.Join(s.root, kind, id+".json"), nil
}

func (s *FileStore) write(kind, id string, v any) error {
	path, err := s.path(kind, id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", kind, id, err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *FileStore) read(kind, id string, v any) error {
	path, err := s.path(kind, id)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %s: %w", kind, id, harness.ErrNotFound)
		}
		return fmt.Errorf("reading %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s %s: %w", kind, id, err)
	}
	return nil
}

// readAll decodes every record of a kind, skipping files that fail to
// decode so one corrupt record does not hide the rest.
func readAll[T any](s *FileStore, kind string) ([]T, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}

	var out []T
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var v T
		id := strings.TrimSuffix(entry.Name(), ".json")
		if err := s.read(kind, id, &v); err != nil {
			s.log.Warn("skipping unreadable record",
				"kind", kind, "id", id, "err", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// PutSuite implements [harness.Store].
func (s *FileStore) PutSuite(_ context.Context, suite harness.TestSuiteDefinition) error {
	return s.write(suitesDir, suite.ID, suite)
}

// GetSuite implements [harness.Store].
func (s *FileStore) GetSuite(_ context.Context, id string) (harness.TestSuiteDefinition, error) {
	var suite harness.TestSuiteDefinition
	err := s.read(suitesDir, id, &suite)
	return suite, err
}

// ListSuites implements [harness.Store].
func (s *FileStore) ListSuites(_ context.Context) ([]harness.TestSuiteDefinition, error) {
	suites, err := readAll[harness.TestSuiteDefinition](s, suitesDir)
	if err != nil {
		return nil, err
	}
	sort.Slice(suites, func(i, j int) bool { return suites[i].ID < suites[j].ID })
	return suites, nil
}

// PutRun implements [harness.Store].
func (s *FileStore) PutRun(_ context.Context, run harness.TestRun) error {
	return s.write(runsDir, run.ID, run)
}

// UpdateRun implements [harness.Store]. The whole record is rewritten.
func (s *FileStore) UpdateRun(_ context.Context, run harness.TestRun) error {
	var existing harness.TestRun
	if err := s.read(runsDir, run.ID, &existing); err != nil {
		return err
	}
	return s.write(runsDir, run.ID, run)
}

// GetRun implements [harness.Store].
func (s *FileStore) GetRun(_ context.Context, id string) (harness.TestRun, error) {
	var run harness.TestRun
	err := s.read(runsDir, id, &run)
	return run, err
}

// ListRuns implements [harness.Store].
func (s *FileStore) ListRuns(_ context.Context, filter harness.Filter) ([]harness.TestRun, error) {
	runs, err := readAll[harness.TestRun](s, runsDir)
	if err != nil {
		return nil, err
	}
	out := runs[:0]
	for _, run := range runs {
		if filter.Matches(run) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AppendResult implements [harness.Store] by rewriting the run record
// with the new result attached.
func (s *FileStore) AppendResult(_ context.Context, runID string, result harness.TestResult) error {
	var run harness.TestRun
	if err := s.read(runsDir, runID, &run); err != nil {
		return err
	}
	run.Results = append(run.Results, result)
	return s.write(runsDir, runID, run)
}

// PutBaseline implements [harness.Store].
func (s *FileStore) PutBaseline(_ context.Context, baseline harness.PerformanceBaseline) error {
	return s.write(baselinesDir, baseline.ID, baseline)
}

// GetBaseline implements [harness.Store].
func (s *FileStore) GetBaseline(_ context.Context, id string) (harness.PerformanceBaseline, error) {
	var baseline harness.PerformanceBaseline
	err := s.read(baselinesDir, id, &baseline)
	return baseline, err
}

// ListBaselines implements [harness.Store].
func (s *FileStore) ListBaselines(_ context.Context) ([]harness.PerformanceBaseline, error) {
	baselines, err := readAll[harness.PerformanceBaseline](s, baselinesDir)
	if err != nil {
		return nil, err
	}
	sort.Slice(baselines, func(i, j int) bool { return baselines[i].ID < baselines[j].ID })
	return baselines, nil
}
