package harness

import (
	"strings"
	"testing"
	"time"
)

func runWithSamples(status RunStatus, samples map[string][]float64) TestRun {
	run := TestRun{
		ID:        "run-1",
		SuiteID:   "suite",
		Status:    status,
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for cfgID, values := range samples {
		for i, v := range values {
			run.Results = append(run.Results, TestResult{
				RunID:           run.ID,
				ScenarioID:      "s",
				ConfigID:        cfgID,
				RepetitionIndex: i,
				Success:         v > 0,
				Latencies:       StageLatencies{EndToEndMS: v},
			})
		}
	}
	run.TotalCount = len(run.Results)
	run.CompletedCount = len(run.Results)
	return run
}

func flatSamples(value float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func TestAnalyze_RejectsNonTerminalRun(t *testing.T) {
	run := runWithSamples(StatusRunning, map[string][]float64{"a": {400}})
	if _, err := Analyze(run, nil, AnalyzeOptions{}); err == nil {
		t.Fatal("expected an error for a running run")
	}
}

func TestAnalyze_SevereRegression(t *testing.T) {
	run := runWithSamples(StatusCompleted, map[string][]float64{
		"a": flatSamples(600, 10),
	})
	baseline := &PerformanceBaseline{
		ID:      "base",
		Configs: map[string]BaselineMetrics{"a": {MedianMS: 400, P99MS: 400, SampleCount: 10}},
	}

	report, err := Analyze(run, baseline, AnalyzeOptions{RegressionThreshold: 0.20})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(report.Regressions) != 2 { // median and p99 both at +50%
		t.Fatalf("regressions = %+v, want 2", report.Regressions)
	}
	for _, reg := range report.Regressions {
		if reg.Change < 0.49 || reg.Change > 0.51 {
			t.Fatalf("change = %v, want 0.5", reg.Change)
		}
		// 0.5 is past 2x the 0.2 threshold.
		if reg.Severity != SeveritySevere {
			t.Fatalf("severity = %s, want severe", reg.Severity)
		}
	}
	if !report.HasSevere() {
		t.Fatal("HasSevere = false")
	}
	found := false
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, "block release") {
			found = true
		}
	}
	if !found {
		t.Fatalf("recommendations %v missing the release gate", report.Recommendations)
	}
}

func TestAnalyze_SeverityGrades(t *testing.T) {
	cases := []struct {
		name    string
		current float64
		want    Severity
	}{
		{"just past threshold", 500, SeverityMinor},    // +25%
		{"past moderate bound", 540, SeverityModerate}, // +35%
		{"past severe bound", 580, SeveritySevere},     // +45%
	}
	baseline := &PerformanceBaseline{
		ID:      "base",
		Configs: map[string]BaselineMetrics{"a": {MedianMS: 400, P99MS: 400}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := runWithSamples(StatusCompleted, map[string][]float64{
				"a": flatSamples(tc.current, 10),
			})
			report, err := Analyze(run, baseline, AnalyzeOptions{RegressionThreshold: 0.20})
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if len(report.Regressions) == 0 {
				t.Fatal("no regression detected")
			}
			if got := report.Regressions[0].Severity; got != tc.want {
				t.Fatalf("severity = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestAnalyze_ImprovementIsNotARegression(t *testing.T) {
	run := runWithSamples(StatusCompleted, map[string][]float64{
		"a": flatSamples(300, 10),
	})
	baseline := &PerformanceBaseline{
		ID:      "base",
		Configs: map[string]BaselineMetrics{"a": {MedianMS: 400, P99MS: 400}},
	}

	report, err := Analyze(run, baseline, AnalyzeOptions{RegressionThreshold: 0.20})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(report.Regressions) != 0 {
		t.Fatalf("regressions = %+v, want none", report.Regressions)
	}
	if len(report.Improvements) != 2 {
		t.Fatalf("improvements = %+v, want 2", report.Improvements)
	}
	if report.Improvements[0].Change > -0.2 {
		t.Fatalf("change = %v, want below -0.2", report.Improvements[0].Change)
	}
}

func TestAnalyze_InsufficientData(t *testing.T) {
	run := runWithSamples(StatusCompleted, map[string][]float64{
		"a": flatSamples(600, 3), // below the five-sample minimum
	})
	baseline := &PerformanceBaseline{
		ID:      "base",
		Configs: map[string]BaselineMetrics{"a": {MedianMS: 400, P99MS: 400}},
	}

	report, err := Analyze(run, baseline, AnalyzeOptions{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(report.Regressions) != 0 {
		t.Fatalf("regressions flagged on %d samples", 3)
	}
	if len(report.InsufficientData) != 1 || report.InsufficientData[0] != "a" {
		t.Fatalf("insufficient data = %v, want [a]", report.InsufficientData)
	}
}

func TestAnalyze_LowSuccessRateRecommendation(t *testing.T) {
	run := runWithSamples(StatusCompleted, map[string][]float64{
		"a": {400, 400, 400, 400, 400, 400, 400, 400, -1, -1},
	})
	// Mark the failed results with a kind so the recommendation can name it.
	for i := range run.Results {
		if !run.Results[i].Success {
			run.Results[i].ErrorKind = KindUnitTimeout
			run.Results[i].Latencies = StageLatencies{}
		}
	}

	report, err := Analyze(run, nil, AnalyzeOptions{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if report.SuccessRate != 0.8 {
		t.Fatalf("success rate = %v, want 0.8", report.SuccessRate)
	}
	found := false
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, "unit_timeout") {
			found = true
		}
	}
	if !found {
		t.Fatalf("recommendations %v do not name the failure kind", report.Recommendations)
	}
}

func TestBaselineFromRun(t *testing.T) {
	run := runWithSamples(StatusCompleted, map[string][]float64{
		"a": {100, 200, 300, 400, 500},
		"b": {50, 60},
	})
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	baseline, err := BaselineFromRun(run, "release-1", now)
	if err != nil {
		t.Fatalf("BaselineFromRun: %v", err)
	}
	if baseline.ID != "release-1" || baseline.SourceRunID != run.ID {
		t.Fatalf("baseline identity = %+v", baseline)
	}
	if !baseline.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v", baseline.CreatedAt)
	}
	a := baseline.Configs["a"]
	if a.MedianMS != 300 || a.SampleCount != 5 {
		t.Fatalf("config a metrics = %+v", a)
	}
	if baseline.Configs["b"].SampleCount != 2 {
		t.Fatalf("config b metrics = %+v", baseline.Configs["b"])
	}
}

func TestBaselineFromRun_RequiresCompletedRun(t *testing.T) {
	run := runWithSamples(StatusFailed, map[string][]float64{"a": {400}})
	if _, err := BaselineFromRun(run, "x", time.Now()); err == nil {
		t.Fatal("expected an error for a failed run")
	}

	empty := runWithSamples(StatusCompleted, map[string][]float64{"a": {-1}})
	empty.Results[0].ErrorKind = KindUnitFailed
	if _, err := BaselineFromRun(empty, "x", time.Now()); err == nil {
		t.Fatal("expected an error for a run with no successes")
	}
}
