// Command auralis-bench runs latency test suites from the terminal: list
// the builtin suites, execute one against mock clients, compare the
// results with a stored baseline, and save new baselines.
//
// Exit codes: 0 success, 1 failure (run failed, regression with
// -fail-on-regression, or sub-100% success with -ci), 2 run timeout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/auralis-ai/auralis/internal/harness"
	"github.com/auralis-ai/auralis/internal/harness/storage"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitTimeout = 2
)

// pollInterval is how often the CLI checks the run for completion.
const pollInterval = 200 * time.Millisecond

type options struct {
	suite          string
	listSuites     bool
	timeoutSeconds int
	mock           bool
	baseline       string
	saveBaseline   string
	threshold      float64
	output         string
	ci             bool
	failOnRegress  bool
	dataDir        string
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	flag.StringVar(&opts.suite, "suite", "", "id of the test suite to run")
	flag.BoolVar(&opts.listSuites, "list-suites", false, "list available test suites and exit")
	flag.IntVar(&opts.timeoutSeconds, "timeout", 300, "run timeout in seconds")
	flag.BoolVar(&opts.mock, "mock", true, "register a mock client for the run (disable with -mock=false)")
	flag.StringVar(&opts.baseline, "baseline", "", "baseline id to compare the run against")
	flag.StringVar(&opts.saveBaseline, "save-baseline", "", "save the completed run as a baseline under this id")
	flag.Float64Var(&opts.threshold, "regression-threshold", 0.20, "fractional slowdown that counts as a regression")
	flag.StringVar(&opts.output, "output", "text", "output format: text or json")
	flag.BoolVar(&opts.ci, "ci", false, "CI mode: exit 1 unless every configuration succeeded")
	flag.BoolVar(&opts.failOnRegress, "fail-on-regression", false, "exit 1 if any regression is detected")
	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory for runs, baselines, and suite definitions")
	flag.Parse()

	if opts.output != "text" && opts.output != "json" {
		fmt.Fprintf(os.Stderr, "auralis-bench: unknown output format %q (want text or json)\n", opts.output)
		return exitFailure
	}

	// Reports go to stdout; keep the log channel quiet unless something
	// is actually wrong.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := storage.NewFileStore(opts.dataDir, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auralis-bench: %v\n", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := harness.NewOrchestrator(store, harness.WithLogger(log))
	suites := []harness.TestSuiteDefinition{
		harness.QuickValidationSuite(),
		harness.ProviderComparisonSuite(),
	}
	for _, suite := range suites {
		if err := orch.RegisterSuite(ctx, suite); err != nil {
			fmt.Fprintf(os.Stderr, "auralis-bench: registering suite %s: %v\n", suite.ID, err)
			return exitFailure
		}
	}

	if opts.listSuites {
		printSuites(suites, opts.output)
		return exitOK
	}
	if opts.suite == "" {
		fmt.Fprintln(os.Stderr, "auralis-bench: -suite is required (or -list-suites)")
		flag.Usage()
		return exitFailure
	}

	if opts.mock {
		orch.RegisterClient(harness.NewMockClient("cli_mock_client", 400, 50, time.Now().UnixNano()))
	}

	var baseline *harness.PerformanceBaseline
	if opts.baseline != "" {
		b, err := store.GetBaseline(ctx, opts.baseline)
		if err != nil {
			if errors.Is(err, harness.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "auralis-bench: baseline %q not found\n", opts.baseline)
			} else {
				fmt.Fprintf(os.Stderr, "auralis-bench: loading baseline: %v\n", err)
			}
			return exitFailure
		}
		baseline = &b
	}

	started := time.Now()
	run, err := orch.StartTestRun(ctx, opts.suite)
	if err != nil {
		printError(opts.output, err)
		return exitFailure
	}

	run, timedOut := awaitRun(ctx, orch, run.ID, time.Duration(opts.timeoutSeconds)*time.Second)
	elapsed := time.Since(started)
	if timedOut {
		_ = orch.CancelRun(run.ID)
		fmt.Fprintf(os.Stderr, "auralis-bench: run %s timed out after %ds\n", run.ID, opts.timeoutSeconds)
		return exitTimeout
	}
	if ctx.Err() != nil {
		_ = orch.CancelRun(run.ID)
		fmt.Fprintf(os.Stderr, "auralis-bench: interrupted, run %s cancelled\n", run.ID)
		return exitFailure
	}

	report, err := harness.Analyze(run, baseline, harness.AnalyzeOptions{
		RegressionThreshold: opts.threshold,
	})
	if err != nil {
		printError(opts.output, err)
		return exitFailure
	}

	if opts.saveBaseline != "" {
		b, err := harness.BaselineFromRun(run, opts.saveBaseline, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "auralis-bench: building baseline: %v\n", err)
			return exitFailure
		}
		if err := store.PutBaseline(ctx, b); err != nil {
			fmt.Fprintf(os.Stderr, "auralis-bench: saving baseline: %v\n", err)
			return exitFailure
		}
	}

	if opts.output == "json" {
		printJSON(run, report, baseline != nil, elapsed)
	} else {
		printRunText(run, report, elapsed)
		if baseline != nil {
			printRegressionText(report)
		}
	}

	switch {
	case run.Status != harness.StatusCompleted:
		return exitFailure
	case opts.failOnRegress && len(report.Regressions) > 0:
		return exitFailure
	case opts.ci && report.SuccessRate < 1.0:
		return exitFailure
	}
	return exitOK
}

// printError reports a failure on stderr, or as an error_kind JSON object
// on stdout when machine-readable output was requested.
func printError(output string, err error) {
	if output == "json" {
		kind := harness.KindInternal
		var ke *harness.KindError
		if errors.As(err, &ke) {
			kind = ke.Kind
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]string{
			"error_kind": string(kind),
			"error":      err.Error(),
		})
		return
	}
	fmt.Fprintf(os.Stderr, "auralis-bench: %v\n", err)
}

// awaitRun polls the run until it reaches a terminal status, the deadline
// passes, or ctx is cancelled.
func awaitRun(ctx context.Context, orch *harness.Orchestrator, runID string, timeout time.Duration) (harness.TestRun, bool) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		run, err := orch.GetRun(runID)
		if err == nil && run.Status.Terminal() {
			return run, false
		}
		if time.Now().After(deadline) {
			return run, true
		}
		select {
		case <-ctx.Done():
			return run, false
		case <-ticker.C:
		}
	}
}

func printSuites(suites []harness.TestSuiteDefinition, output string) {
	if output == "json" {
		type suiteInfo struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
			TotalTests  int    `json:"total_tests"`
		}
		out := make([]suiteInfo, 0, len(suites))
		for _, s := range suites {
			out = append(out, suiteInfo{s.ID, s.Name, s.Description, s.TotalTestCount()})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	fmt.Println("\nAvailable Test Suites:")
	fmt.Println(strings.Repeat("-", 60))
	for _, s := range suites {
		fmt.Printf("  %s\n", s.ID)
		fmt.Printf("    Name: %s\n", s.Name)
		fmt.Printf("    Tests: %d\n", s.TotalTestCount())
		fmt.Printf("    Description: %s\n", s.Description)
	}
}

func printRunText(run harness.TestRun, report harness.AnalysisReport, elapsed time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Printf("Test Run Complete: %s\n", run.ID)
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Suite: %s\n", run.SuiteName)
	fmt.Printf("Status: %s\n", run.Status)
	fmt.Printf("Configurations: %d/%d\n", run.CompletedCount, run.TotalCount)
	fmt.Printf("Duration: %.1fs\n", elapsed.Seconds())

	fmt.Println("\nLatency Summary:")
	fmt.Printf("  Median E2E: %.1fms\n", report.Summary.Median)
	fmt.Printf("  P99 E2E: %.1fms\n", report.Summary.P99)
	fmt.Printf("  Min E2E: %.1fms\n", report.Summary.Min)
	fmt.Printf("  Max E2E: %.1fms\n", report.Summary.Max)
	fmt.Printf("  Success Rate: %.1f%%\n", report.SuccessRate*100)

	if len(report.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, rec := range report.Recommendations {
			fmt.Printf("  - %s\n", rec)
		}
	}
}

func printRegressionText(report harness.AnalysisReport) {
	fmt.Println("\nRegression Analysis:")
	fmt.Println(strings.Repeat("-", 40))

	if len(report.Regressions) == 0 {
		fmt.Println("No regressions detected")
		return
	}

	severe := 0
	for _, reg := range report.Regressions {
		if reg.Severity == harness.SeveritySevere {
			severe++
		}
	}
	fmt.Printf("REGRESSIONS DETECTED: %d\n", len(report.Regressions))
	fmt.Printf("Severe: %d\n", severe)
	for _, reg := range report.Regressions {
		fmt.Printf("  [%s] %s: %s %+.1f%% (%.1fms -> %.1fms)\n",
			strings.ToUpper(string(reg.Severity)), reg.ConfigID, reg.Statistic,
			reg.Change*100, reg.BaselineMS, reg.CurrentMS)
	}
}

func printJSON(run harness.TestRun, report harness.AnalysisReport, compared bool, elapsed time.Duration) {
	type regressionOut struct {
		ConfigID      string  `json:"config_id"`
		Metric        string  `json:"metric"`
		BaselineValue float64 `json:"baseline_value"`
		CurrentValue  float64 `json:"current_value"`
		ChangePercent float64 `json:"change_percent"`
		Severity      string  `json:"severity"`
	}
	type regressionReport struct {
		HasRegressions        bool            `json:"has_regressions"`
		RegressionCount       int             `json:"regression_count"`
		SevereRegressionCount int             `json:"severe_regression_count"`
		Regressions           []regressionOut `json:"regressions"`
		Pass                  bool            `json:"pass"`
	}
	type runOut struct {
		RunID                   string            `json:"run_id"`
		SuiteName               string            `json:"suite_name"`
		Status                  string            `json:"status"`
		TotalConfigurations     int               `json:"total_configurations"`
		CompletedConfigurations int               `json:"completed_configurations"`
		ElapsedSeconds          float64           `json:"elapsed_seconds"`
		ResultsCount            int               `json:"results_count"`
		Summary                 map[string]any    `json:"summary"`
		Recommendations         []string          `json:"recommendations"`
		Regression              *regressionReport `json:"regression,omitempty"`
	}

	out := runOut{
		RunID:                   run.ID,
		SuiteName:               run.SuiteName,
		Status:                  string(run.Status),
		TotalConfigurations:     run.TotalCount,
		CompletedConfigurations: run.CompletedCount,
		ElapsedSeconds:          elapsed.Seconds(),
		ResultsCount:            len(run.Results),
		Summary: map[string]any{
			"median_e2e_ms": report.Summary.Median,
			"p99_e2e_ms":    report.Summary.P99,
			"min_e2e_ms":    report.Summary.Min,
			"max_e2e_ms":    report.Summary.Max,
			"success_rate":  report.SuccessRate * 100,
		},
		Recommendations: report.Recommendations,
	}
	if out.Recommendations == nil {
		out.Recommendations = []string{}
	}

	if compared {
		severe := 0
		regs := make([]regressionOut, 0, len(report.Regressions))
		for _, reg := range report.Regressions {
			if reg.Severity == harness.SeveritySevere {
				severe++
			}
			regs = append(regs, regressionOut{
				ConfigID:      reg.ConfigID,
				Metric:        reg.Statistic,
				BaselineValue: reg.BaselineMS,
				CurrentValue:  reg.CurrentMS,
				ChangePercent: reg.Change * 100,
				Severity:      string(reg.Severity),
			})
		}
		out.Regression = &regressionReport{
			HasRegressions:        len(regs) > 0,
			RegressionCount:       len(regs),
			SevereRegressionCount: severe,
			Regressions:           regs,
			Pass:                  severe == 0,
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
