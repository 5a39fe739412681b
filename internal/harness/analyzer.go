package harness

import (
	"fmt"
	"sort"
	"time"

	"github.com/auralis-ai/auralis/internal/stats"
)

// Severity grades a regression by how far past the threshold it landed.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// AnalyzeOptions tunes regression detection. Zero values take defaults.
type AnalyzeOptions struct {
	// RegressionThreshold is the fractional slowdown that counts as a
	// regression. Default: 0.20.
	RegressionThreshold float64

	// MinSamples is the minimum successful sample count per configuration
	// for regression analysis. Default: 5.
	MinSamples int

	// ModerateFactor and SevereFactor grade severity as multiples of the
	// threshold: change ≤ ModerateFactor×threshold is minor, ≤
	// SevereFactor×threshold moderate, above it severe.
	// Defaults: 1.5 and 2.0.
	ModerateFactor float64
	SevereFactor   float64
}

func (o *AnalyzeOptions) applyDefaults() {
	if o.RegressionThreshold <= 0 {
		o.RegressionThreshold = 0.20
	}
	if o.MinSamples <= 0 {
		o.MinSamples = 5
	}
	if o.ModerateFactor <= 0 {
		o.ModerateFactor = 1.5
	}
	if o.SevereFactor <= 0 {
		o.SevereFactor = 2.0
	}
}

// ConfigStats summarises one configuration's successful results.
type ConfigStats struct {
	ConfigID    string        `json:"config_id"`
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	EndToEnd    stats.Summary `json:"end_to_end"`
}

// Regression is one statistic that slowed past the threshold.
type Regression struct {
	ConfigID   string   `json:"config_id"`
	Statistic  string   `json:"statistic"` // "median" or "p99"
	BaselineMS float64  `json:"baseline_ms"`
	CurrentMS  float64  `json:"current_ms"`
	Change     float64  `json:"change"` // fractional, 0.5 = 50% slower
	Severity   Severity `json:"severity"`
}

// Improvement is a statistic that sped up past the threshold. Never
// reported as a regression.
type Improvement struct {
	ConfigID   string  `json:"config_id"`
	Statistic  string  `json:"statistic"`
	BaselineMS float64 `json:"baseline_ms"`
	CurrentMS  float64 `json:"current_ms"`
	Change     float64 `json:"change"` // negative
}

// AnalysisReport is the pure output of [Analyze]. Never stored directly.
type AnalysisReport struct {
	RunID            string        `json:"run_id"`
	Summary          stats.Summary `json:"summary"` // end-to-end over successes
	SuccessRate      float64       `json:"success_rate"`
	PerConfig        []ConfigStats `json:"per_config"`
	Regressions      []Regression  `json:"regressions,omitempty"`
	Improvements     []Improvement `json:"improvements,omitempty"`
	InsufficientData []string      `json:"insufficient_data,omitempty"`
	Recommendations  []string      `json:"recommendations,omitempty"`
}

// HasSevere reports whether any regression is severe.
func (r AnalysisReport) HasSevere() bool {
	for _, reg := range r.Regressions {
		if reg.Severity == SeveritySevere {
			return true
		}
	}
	return false
}

// Analyze computes the report for a terminal run, optionally comparing
// against a baseline. Pure: no I/O, deterministic given its inputs.
func Analyze(run TestRun, baseline *PerformanceBaseline, opts AnalyzeOptions) (AnalysisReport, error) {
	if !run.Status.Terminal() {
		return AnalysisReport{}, Errf(KindPreconditionViolated,
			"run %s is %s, analysis requires a terminal run", run.ID, run.Status)
	}
	opts.applyDefaults()

	report := AnalysisReport{RunID: run.ID}

	var all []float64
	byConfig := make(map[string][]float64)
	totalByConfig := make(map[string]int)
	failureKinds := make(map[ErrorKind]int)
	for _, res := range run.Results {
		totalByConfig[res.ConfigID]++
		if res.Success {
			all = append(all, res.Latencies.EndToEndMS)
			byConfig[res.ConfigID] = append(byConfig[res.ConfigID], res.Latencies.EndToEndMS)
		} else {
			failureKinds[res.ErrorKind]++
		}
	}
	report.Summary = stats.Summarize(all)
	if len(run.Results) > 0 {
		report.SuccessRate = float64(len(all)) / float64(len(run.Results))
	}

	configIDs := make([]string, 0, len(totalByConfig))
	for id := range totalByConfig {
		configIDs = append(configIDs, id)
	}
	sort.Strings(configIDs)

	for _, id := range configIDs {
		samples := byConfig[id]
		report.PerConfig = append(report.PerConfig, ConfigStats{
			ConfigID:    id,
			Samples:     len(samples),
			SuccessRate: float64(len(samples)) / float64(totalByConfig[id]),
			EndToEnd:    stats.Summarize(samples),
		})
	}

	if baseline != nil {
		analyzeBaseline(&report, baseline, byConfig, configIDs, opts)
	}
	report.Recommendations = recommend(report, failureKinds)
	return report, nil
}

func analyzeBaseline(report *AnalysisReport, baseline *PerformanceBaseline, byConfig map[string][]float64, configIDs []string, opts AnalyzeOptions) {
	for _, id := range configIDs {
		base, ok := baseline.Configs[id]
		if !ok {
			continue
		}
		samples := byConfig[id]
		if len(samples) < opts.MinSamples {
			report.InsufficientData = append(report.InsufficientData, id)
			continue
		}

		summary := stats.Summarize(samples)
		checks := []struct {
			statistic string
			base, cur float64
		}{
			{"median", base.MedianMS, summary.Median},
			{"p99", base.P99MS, summary.P99},
		}
		for _, c := range checks {
			if c.base <= 0 {
				continue
			}
			change := (c.cur - c.base) / c.base
			switch {
			case change > opts.RegressionThreshold:
				report.Regressions = append(report.Regressions, Regression{
					ConfigID:   id,
					Statistic:  c.statistic,
					BaselineMS: c.base,
					CurrentMS:  c.cur,
					Change:     change,
					Severity:   grade(change, opts),
				})
			case change < -opts.RegressionThreshold:
				report.Improvements = append(report.Improvements, Improvement{
					ConfigID:   id,
					Statistic:  c.statistic,
					BaselineMS: c.base,
					CurrentMS:  c.cur,
					Change:     change,
				})
			}
		}
	}

	severityRank := map[Severity]int{SeveritySevere: 0, SeverityModerate: 1, SeverityMinor: 2}
	sort.SliceStable(report.Regressions, func(i, j int) bool {
		return severityRank[report.Regressions[i].Severity] < severityRank[report.Regressions[j].Severity]
	})
}

func grade(change float64, opts AnalyzeOptions) Severity {
	switch {
	case change <= opts.ModerateFactor*opts.RegressionThreshold:
		return SeverityMinor
	case change <= opts.SevereFactor*opts.RegressionThreshold:
		return SeverityModerate
	default:
		return SeveritySevere
	}
}

// recommend applies the release-gate rules, ordered most severe first.
func recommend(report AnalysisReport, failureKinds map[ErrorKind]int) []string {
	var recs []string

	if report.HasSevere() {
		recs = append(recs, "block release: severe latency regression detected")
	}
	if report.SuccessRate > 0 && report.SuccessRate < 0.98 {
		recs = append(recs, fmt.Sprintf(
			"investigate failure kinds %v (success rate %.1f%%)",
			topFailureKinds(failureKinds, 3), report.SuccessRate*100))
	}
	if report.Summary.Median > 0 && report.Summary.P99/report.Summary.Median > 3 {
		recs = append(recs, "high tail latency, investigate queueing")
	}
	return recs
}

func topFailureKinds(kinds map[ErrorKind]int, n int) []string {
	type kc struct {
		kind  ErrorKind
		count int
	}
	sorted := make([]kc, 0, len(kinds))
	for k, c := range kinds {
		sorted = append(sorted, kc{k, c})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].kind < sorted[j].kind
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]string, len(sorted))
	for i, e := range sorted {
		out[i] = string(e.kind)
	}
	return out
}

// BaselineFromRun freezes a completed run's per-configuration statistics
// into a new baseline.
func BaselineFromRun(run TestRun, id string, now time.Time) (PerformanceBaseline, error) {
	if run.Status != StatusCompleted {
		return PerformanceBaseline{}, Errf(KindPreconditionViolated,
			"baselines require a completed run, run %s is %s", run.ID, run.Status)
	}

	byConfig := make(map[string][]float64)
	for _, res := range run.Results {
		if res.Success {
			byConfig[res.ConfigID] = append(byConfig[res.ConfigID], res.Latencies.EndToEndMS)
		}
	}
	if len(byConfig) == 0 {
		return PerformanceBaseline{}, Errf(KindPreconditionViolated,
			"run %s has no successful results", run.ID)
	}

	baseline := PerformanceBaseline{
		ID:          id,
		CreatedAt:   now.UTC(),
		SourceRunID: run.ID,
		Configs:     make(map[string]BaselineMetrics, len(byConfig)),
	}
	for cfgID, samples := range byConfig {
		summary := stats.Summarize(samples)
		baseline.Configs[cfgID] = BaselineMetrics{
			MedianMS:    summary.Median,
			P95MS:       summary.P95,
			P99MS:       summary.P99,
			SampleCount: summary.Count,
		}
	}
	return baseline, nil
}
