package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auralis-ai/auralis/internal/clock"
	"github.com/auralis-ai/auralis/internal/observe"
	"github.com/auralis-ai/auralis/internal/resilience"
)

// ErrSuiteMismatch is returned by RegisterSuite when a different
// definition is already registered under the same id.
var ErrSuiteMismatch = errors.New("suite already registered with a different definition")

// ErrRunNotFound is returned for operations on unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// OrchestratorConfig tunes scheduling and persistence cadence.
type OrchestratorConfig struct {
	// UnitTimeout is the per-unit deadline from dispatch. Default: 30s.
	UnitTimeout time.Duration

	// MaxRetries is how many times a transiently failing unit is
	// re-dispatched after its first attempt. Default: 2.
	MaxRetries int

	// FlushEvery flushes the run to storage after this many buffered
	// results. Default: 10.
	FlushEvery int

	// FlushInterval flushes the run to storage at least this often while
	// results are buffered. Default: 5s.
	FlushInterval time.Duration

	// RunTimeout caps the wall clock of a run; expiry cancels it.
	// Zero means unbounded.
	RunTimeout time.Duration
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.UnitTimeout <= 0 {
		c.UnitTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// OrchestratorOption configures an [Orchestrator].
type OrchestratorOption func(*Orchestrator)

// WithConfig replaces the default [OrchestratorConfig].
func WithConfig(cfg OrchestratorConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithClock substitutes the time source.
func WithClock(clk clock.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clk = clk }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics attaches the metrics sink.
func WithMetrics(m *observe.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// clientEntry is one registered client plus its scheduling state. The
// gone context fires when the registration is replaced or removed, which
// aborts in-flight units on that client.
type clientEntry struct {
	client   Client
	inFlight int
	gone     context.Context
	markGone context.CancelFunc
}

// runState is the live state of one run. rs.mu guards the embedded run
// and the flush bookkeeping; the scheduler goroutine is the only writer
// of results.
type runState struct {
	mu        sync.Mutex
	run       TestRun
	cancel    context.CancelFunc
	pending   int
	lastFlush time.Time
	failure   bool // a unit failed for a non-recoverable reason
}

// Orchestrator owns the suite registry, the client registry, and all
// runs. All methods are safe for concurrent use.
type Orchestrator struct {
	store   Store
	clk     clock.Clock
	log     *slog.Logger
	metrics *observe.Metrics
	cfg     OrchestratorConfig

	mu      sync.Mutex
	suites  map[string]TestSuiteDefinition
	clients map[string]*clientEntry
	runs    map[string]*runState
}

// NewOrchestrator creates an orchestrator persisting through store.
func NewOrchestrator(store Store, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		clk:     clock.System{},
		log:     slog.Default(),
		suites:  make(map[string]TestSuiteDefinition),
		clients: make(map[string]*clientEntry),
		runs:    make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg.applyDefaults()
	return o
}

// RegisterSuite registers a suite. Registering the identical definition
// again is a no-op; a different definition under the same id is rejected
// with [ErrSuiteMismatch].
func (o *Orchestrator) RegisterSuite(ctx context.Context, suite TestSuiteDefinition) error {
	if err := suite.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if existing, ok := o.suites[suite.ID]; ok {
		o.mu.Unlock()
		if reflect.DeepEqual(existing, suite) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrSuiteMismatch, suite.ID)
	}
	o.suites[suite.ID] = suite
	o.mu.Unlock()

	if err := o.persist(ctx, "put suite", func(ctx context.Context) error {
		return o.store.PutSuite(ctx, suite)
	}); err != nil {
		return Errf(KindStorageUnavailable, "persisting suite %s: %v", suite.ID, err)
	}
	o.log.Info("suite registered",
		"suite_id", suite.ID, "tests", suite.TotalTestCount())
	return nil
}

// ListSuites returns all registered suites sorted by id.
func (o *Orchestrator) ListSuites() []TestSuiteDefinition {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]TestSuiteDefinition, 0, len(o.suites))
	for _, s := range o.suites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSuite returns the suite with the given id.
func (o *Orchestrator) GetSuite(id string) (TestSuiteDefinition, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	suite, ok := o.suites[id]
	if !ok {
		return TestSuiteDefinition{}, Errf(KindSuiteNotFound, "suite %s", id)
	}
	return suite, nil
}

// RegisterClient registers (or replaces) a client. A replaced
// registration's in-flight units are aborted; the in-flight counter
// starts at zero.
func (o *Orchestrator) RegisterClient(c Client) {
	gone, markGone := context.WithCancel(context.Background())

	o.mu.Lock()
	prev := o.clients[c.ID()]
	o.clients[c.ID()] = &clientEntry{client: c, gone: gone, markGone: markGone}
	o.mu.Unlock()

	if prev != nil {
		prev.markGone()
	}
	o.log.Info("client registered", "client_id", c.ID(), "type", c.Type())
}

// UnregisterClient removes a client. In-flight units targeting it fail
// with client_gone.
func (o *Orchestrator) UnregisterClient(id string) {
	o.mu.Lock()
	entry, ok := o.clients[id]
	delete(o.clients, id)
	o.mu.Unlock()

	if ok {
		entry.markGone()
		o.log.Info("client unregistered", "client_id", id)
	}
}

// Clients returns a snapshot of all registered clients.
func (o *Orchestrator) Clients() []ClientStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]ClientStatus, 0, len(o.clients))
	for id, e := range o.clients {
		out = append(out, ClientStatus{
			ClientID:     id,
			Type:         e.client.Type(),
			Capabilities: e.client.Capabilities(),
			Reachable:    true,
			InFlight:     e.inFlight,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// StartTestRun creates and starts a run of the given suite. It returns
// once the run is persisted and scheduling has begun.
func (o *Orchestrator) StartTestRun(ctx context.Context, suiteID string) (TestRun, error) {
	o.mu.Lock()
	suite, ok := o.suites[suiteID]
	if !ok {
		o.mu.Unlock()
		return TestRun{}, Errf(KindSuiteNotFound, "suite %s", suiteID)
	}
	// Every configuration needs at least one capable client, regardless
	// of current headroom.
	for _, sc := range suite.Scenarios {
		for _, cfg := range sc.Configurations {
			if !o.anyClientCoversLocked(cfg) {
				o.mu.Unlock()
				return TestRun{}, Errf(KindNoEligibleClient,
					"no registered client covers configuration %s", cfg.ID)
			}
		}
	}
	o.mu.Unlock()

	now := o.clk.Now().UTC()
	run := TestRun{
		ID:         uuid.NewString(),
		SuiteID:    suite.ID,
		SuiteName:  suite.Name,
		Status:     StatusPending,
		TotalCount: suite.TotalTestCount(),
		StartedAt:  now,
		Results:    []TestResult{},
	}

	if err := o.persist(ctx, "put run", func(ctx context.Context) error {
		return o.store.PutRun(ctx, run)
	}); err != nil {
		return TestRun{}, Errf(KindStorageUnavailable, "persisting run: %v", err)
	}

	run.Status = StatusRunning
	if err := o.persist(ctx, "update run", func(ctx context.Context) error {
		return o.store.UpdateRun(ctx, run)
	}); err != nil {
		o.log.Warn("persisting running status failed, continuing",
			"run_id", run.ID, "err", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runState{run: run, cancel: cancel, lastFlush: now}

	o.mu.Lock()
	o.runs[run.ID] = rs
	o.mu.Unlock()

	if o.cfg.RunTimeout > 0 {
		timer := time.AfterFunc(o.cfg.RunTimeout, func() {
			o.log.Warn("run wall-clock timeout, cancelling", "run_id", run.ID)
			_ = o.CancelRun(run.ID)
		})
		go func() {
			<-runCtx.Done()
			timer.Stop()
		}()
	}

	o.log.Info("test run started",
		"run_id", run.ID, "suite_id", suite.ID, "total", run.TotalCount)
	go o.schedule(runCtx, rs, suite)

	return run, nil
}

func (o *Orchestrator) anyClientCoversLocked(cfg TestConfiguration) bool {
	for _, e := range o.clients {
		if e.client.Capabilities().Covers(cfg) {
			return true
		}
	}
	return false
}

// GetRun returns a snapshot of the run with the given id.
func (o *Orchestrator) GetRun(id string) (TestRun, error) {
	o.mu.Lock()
	rs, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return TestRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return snapshotRun(rs.run), nil
}

// ListRuns returns run snapshots matching the filter, newest first.
func (o *Orchestrator) ListRuns(filter Filter) []TestRun {
	o.mu.Lock()
	states := make([]*runState, 0, len(o.runs))
	for _, rs := range o.runs {
		states = append(states, rs)
	}
	o.mu.Unlock()

	out := make([]TestRun, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		run := snapshotRun(rs.run)
		rs.mu.Unlock()
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
	return out
}

// CancelRun marks the run cancelled and aborts in-flight units. Terminal
// statuses are sticky, so repeated calls are no-ops.
func (o *Orchestrator) CancelRun(id string) error {
	o.mu.Lock()
	rs, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	rs.mu.Lock()
	if rs.run.Status.Terminal() {
		rs.mu.Unlock()
		return nil
	}
	rs.run.Status = StatusCancelled
	now := o.clk.Now().UTC()
	rs.run.EndedAt = &now
	run := snapshotRun(rs.run)
	rs.mu.Unlock()

	rs.cancel()
	if err := o.persist(context.Background(), "update run", func(ctx context.Context) error {
		return o.store.UpdateRun(ctx, run)
	}); err != nil {
		o.log.Warn("persisting cancellation failed", "run_id", id, "err", err)
	}
	o.metrics.RecordRun(context.Background(), string(StatusCancelled))
	o.log.Info("run cancelled", "run_id", id)
	return nil
}

func snapshotRun(run TestRun) TestRun {
	out := run
	out.Results = make([]TestResult, len(run.Results))
	copy(out.Results, run.Results)
	if run.EndedAt != nil {
		ended := *run.EndedAt
		out.EndedAt = &ended
	}
	return out
}

// persist runs fn with the standard transient-error retry policy.
func (o *Orchestrator) persist(ctx context.Context, name string, fn func(context.Context) error) error {
	return resilience.Retry(ctx, resilience.RetryConfig{Name: name}, fn)
}

// workUnit is one (scenario, config, repetition) triple of the flattened
// queue.
type workUnit struct {
	si, ci, ri int
	scenarioID string
	config     TestConfiguration
	attempts   int
	active     bool
	done       bool
}

// unitOutcome is what a dispatch worker reports back to the scheduler.
type unitOutcome struct {
	u          *workUnit
	entry      *clientEntry
	clientID   string
	report     UnitReport
	err        error
	timedOut   bool
	clientGone bool
	started    time.Time
	finished   time.Time
}

func flattenSuite(suite TestSuiteDefinition) []*workUnit {
	var units []*workUnit
	for si, sc := range suite.Scenarios {
		for ci, cfg := range sc.Configurations {
			for ri := 0; ri < cfg.Repetitions; ri++ {
				units = append(units, &workUnit{
					si: si, ci: ci, ri: ri,
					scenarioID: sc.ID,
					config:     cfg,
				})
			}
		}
	}
	return units
}

// schedule is the per-run scheduler goroutine. It dispatches greedily in
// queue order, collects outcomes, applies the retry budget, and drives
// the run to a terminal state.
func (o *Orchestrator) schedule(ctx context.Context, rs *runState, suite TestSuiteDefinition) {
	units := flattenSuite(suite)
	outcomes := make(chan unitOutcome, len(units)*(o.cfg.MaxRetries+2))

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		cancelled := ctx.Err() != nil
		if !cancelled {
			o.dispatch(ctx, rs, units, outcomes)
		}

		if allFinal(units) || (cancelled && activeCount(units) == 0) {
			break
		}

		select {
		case out := <-outcomes:
			o.handleOutcome(ctx, rs, out)
		case <-ticker.C:
		case <-done:
			done = nil
		}
	}

	o.finishRun(rs)
}

func allFinal(units []*workUnit) bool {
	for _, u := range units {
		if !u.done {
			return false
		}
	}
	return true
}

func activeCount(units []*workUnit) int {
	n := 0
	for _, u := range units {
		if u.active {
			n++
		}
	}
	return n
}

// dispatch assigns every dispatchable unit, scanning the queue in order
// so the (scenario, config, repetition) tie-break stays stable.
func (o *Orchestrator) dispatch(ctx context.Context, rs *runState, units []*workUnit, outcomes chan<- unitOutcome) {
	for _, u := range units {
		if u.done || u.active {
			continue
		}

		o.mu.Lock()
		entry, ok := o.pickClientLocked(u.config)
		if !ok {
			covered := o.anyClientCoversLocked(u.config)
			o.mu.Unlock()
			if !covered {
				// No registered client can ever run this unit.
				o.finalizeUnit(rs, u, "", UnitReport{
					Success:   false,
					ErrorKind: KindClientGone,
				}, o.clk.Now().UTC(), o.clk.Now().UTC())
			}
			continue
		}
		entry.inFlight++
		u.active = true
		u.attempts++
		o.mu.Unlock()

		go o.runUnit(ctx, rs, u, entry, outcomes)
	}
}

// pickClientLocked selects the eligible client with the least in-flight
// units, ties broken by lexical id. Must be called with o.mu held.
func (o *Orchestrator) pickClientLocked(cfg TestConfiguration) (*clientEntry, bool) {
	ids := make([]string, 0, len(o.clients))
	for id := range o.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best *clientEntry
	for _, id := range ids {
		e := o.clients[id]
		caps := e.client.Capabilities()
		if !caps.Covers(cfg) || e.inFlight >= caps.MaxConcurrentTests {
			continue
		}
		if best == nil || e.inFlight < best.inFlight {
			best = e
		}
	}
	return best, best != nil
}

// runUnit executes one dispatch on a worker goroutine.
func (o *Orchestrator) runUnit(ctx context.Context, rs *runState, u *workUnit, entry *clientEntry, outcomes chan<- unitOutcome) {
	started := o.clk.Now().UTC()

	uctx, cancel := context.WithTimeout(ctx, o.cfg.UnitTimeout)
	defer cancel()
	stop := context.AfterFunc(entry.gone, cancel)
	defer stop()

	desc := UnitDescriptor{
		RunID:           rs.runID(),
		ScenarioID:      u.scenarioID,
		Config:          u.config,
		RepetitionIndex: u.ri,
		Deadline:        started.Add(o.cfg.UnitTimeout),
	}
	report, err := entry.client.RunUnit(uctx, desc)

	outcomes <- unitOutcome{
		u:          u,
		entry:      entry,
		clientID:   entry.client.ID(),
		report:     report,
		err:        err,
		timedOut:   errors.Is(uctx.Err(), context.DeadlineExceeded),
		clientGone: entry.gone.Err() != nil,
		started:    started,
		finished:   o.clk.Now().UTC(),
	}
}

func (rs *runState) runID() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.ID
}

// handleOutcome classifies one worker report: success, terminal failure,
// or re-dispatch within the retry budget.
func (o *Orchestrator) handleOutcome(ctx context.Context, rs *runState, out unitOutcome) {
	o.mu.Lock()
	out.entry.inFlight--
	o.mu.Unlock()
	out.u.active = false

	u := out.u
	switch {
	case ctx.Err() != nil && out.err != nil:
		// Cancelled in flight without a report; the unit ends unrecorded.
		u.done = true

	case out.err == nil && out.report.Success:
		// A report that made it back counts even if the client vanished
		// a moment later.
		o.finalizeUnit(rs, u, out.clientID, out.report, out.started, out.finished)

	case out.clientGone:
		o.finalizeUnit(rs, u, out.clientID, UnitReport{
			Success:   false,
			ErrorKind: KindClientGone,
		}, out.started, out.finished)

	case out.timedOut:
		o.retryOrFail(rs, u, out, KindUnitTimeout)

	case out.err != nil:
		o.log.Warn("unit dispatch failed",
			"run_id", rs.runID(), "config_id", u.config.ID,
			"client_id", out.clientID, "err", out.err)
		o.retryOrFail(rs, u, out, KindUnitFailed)

	default: // err == nil, report carries a failure
		kind := out.report.ErrorKind
		if kind == "" {
			kind = KindUnitFailed
		}
		if kind.Transient() {
			o.retryOrFail(rs, u, out, kind)
			return
		}
		report := out.report
		report.ErrorKind = kind
		o.finalizeUnit(rs, u, out.clientID, report, out.started, out.finished)
	}
}

func (o *Orchestrator) retryOrFail(rs *runState, u *workUnit, out unitOutcome, kind ErrorKind) {
	if u.attempts <= o.cfg.MaxRetries {
		o.log.Info("retrying unit",
			"run_id", rs.runID(), "config_id", u.config.ID,
			"attempt", u.attempts, "kind", string(kind))
		return // left inactive, the next dispatch pass picks it up
	}
	o.finalizeUnit(rs, u, out.clientID, UnitReport{
		Success:   false,
		ErrorKind: kind,
	}, out.started, out.finished)
}

// nonRecoverable failure kinds promote the whole run to FAILED.
func nonRecoverable(kind ErrorKind) bool {
	switch kind {
	case KindClientGone, KindInvalidArgument, KindPreconditionViolated,
		KindStorageUnavailable, KindInternal:
		return true
	default:
		return false
	}
}

// finalizeUnit appends the unit's result to the run and flushes storage
// at the configured cadence.
func (o *Orchestrator) finalizeUnit(rs *runState, u *workUnit, clientID string, report UnitReport, started, finished time.Time) {
	u.done = true

	rs.mu.Lock()
	result := TestResult{
		RunID:           rs.run.ID,
		ScenarioID:      u.scenarioID,
		ConfigID:        u.config.ID,
		ClientID:        clientID,
		RepetitionIndex: u.ri,
		Latencies:       report.Latencies,
		Success:         report.Success,
		ErrorKind:       report.ErrorKind,
		StartedAt:       started,
		FinishedAt:      finished,
	}
	rs.run.Results = append(rs.run.Results, result)
	rs.run.CompletedCount++
	rs.pending++
	if !report.Success && nonRecoverable(report.ErrorKind) {
		rs.failure = true
	}
	flush := rs.pending >= o.cfg.FlushEvery ||
		o.clk.Since(rs.lastFlush) >= o.cfg.FlushInterval
	var run TestRun
	if flush {
		rs.pending = 0
		rs.lastFlush = o.clk.Now()
		run = snapshotRun(rs.run)
	}
	rs.mu.Unlock()

	status := "ok"
	if !report.Success {
		status = string(report.ErrorKind)
	}
	ctx := context.Background()
	o.metrics.RecordUnit(ctx, status)
	if report.Success {
		l := report.Latencies
		o.metrics.RecordStageLatencies(ctx,
			l.CaptureToSTTMS, l.STTToLLMMS, l.LLMToTTSMS, l.TTSToPlaybackMS, l.EndToEndMS)
	}

	if flush {
		if err := o.persist(ctx, "update run", func(ctx context.Context) error {
			return o.store.UpdateRun(ctx, run)
		}); err != nil {
			o.log.Warn("flushing run to storage failed, results kept in memory",
				"run_id", run.ID, "err", err)
		}
	}
}

// finishRun drives the run to its terminal state and persists the final
// record. Storage failure after retry exhaustion promotes the run to
// FAILED; buffered results stay in memory either way.
func (o *Orchestrator) finishRun(rs *runState) {
	rs.mu.Lock()
	if !rs.run.Status.Terminal() {
		if rs.failure {
			rs.run.Status = StatusFailed
		} else {
			rs.run.Status = StatusCompleted
		}
		now := o.clk.Now().UTC()
		rs.run.EndedAt = &now
	}
	run := snapshotRun(rs.run)
	rs.pending = 0
	rs.mu.Unlock()

	ctx := context.Background()
	if err := o.persist(ctx, "update run", func(ctx context.Context) error {
		return o.store.UpdateRun(ctx, run)
	}); err != nil {
		o.log.Error("persisting final run state failed",
			"run_id", run.ID, "err", err)
		rs.mu.Lock()
		if rs.run.Status == StatusCompleted {
			rs.run.Status = StatusFailed
		}
		run = snapshotRun(rs.run)
		rs.mu.Unlock()
	}

	if run.Status != StatusCancelled { // cancel already counted
		o.metrics.RecordRun(ctx, string(run.Status))
	}
	o.log.Info("run finished",
		"run_id", run.ID,
		"status", string(run.Status),
		"completed", run.CompletedCount,
		"total", run.TotalCount)
}
