// Package harness implements the latency test orchestrator: parameterised
// end-to-end voice latency suites dispatched to registered clients,
// repeated measurements collected into runs, and regression analysis
// against stored baselines.
package harness

import (
	"fmt"
	"time"
)

// MaxRepetitions bounds how many repetitions a single configuration may
// request.
const MaxRepetitions = 100

// RunStatus is the lifecycle state of a [TestRun]. Transitions are
// monotone: pending, running, then exactly one terminal state.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is sticky.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorKind is a stable identifier for a failure class, visible on the
// wire and in storage.
type ErrorKind string

const (
	KindSuiteNotFound        ErrorKind = "suite_not_found"
	KindNoEligibleClient     ErrorKind = "no_eligible_client"
	KindClientGone           ErrorKind = "client_gone"
	KindClientNotEligible    ErrorKind = "client_not_eligible"
	KindUnitTimeout          ErrorKind = "unit_timeout"
	KindUnitFailed           ErrorKind = "unit_failed"
	KindCancelled            ErrorKind = "cancelled"
	KindStorageUnavailable   ErrorKind = "storage_unavailable"
	KindInvalidArgument      ErrorKind = "invalid_argument"
	KindPreconditionViolated ErrorKind = "precondition_violated"
	KindNoSegmentsFound      ErrorKind = "no_segments_found"
	KindProviderError        ErrorKind = "provider_error"
	KindInternal             ErrorKind = "internal"
)

// Transient reports whether failures of this kind are worth retrying.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindUnitTimeout, KindProviderError, KindStorageUnavailable:
		return true
	default:
		return false
	}
}

// KindError pairs an [ErrorKind] with a human-readable message.
type KindError struct {
	Kind ErrorKind
	Msg  string
}

func (e *KindError) Error() string { return string(e.Kind) + ": " + e.Msg }

// Errf builds a [KindError].
func Errf(kind ErrorKind, format string, args ...any) error {
	return &KindError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NetworkProfile names the simulated network condition for a test.
type NetworkProfile string

const (
	NetworkWiFi    NetworkProfile = "wifi"
	NetworkLTE     NetworkProfile = "lte"
	Network3G      NetworkProfile = "3g"
	NetworkOffline NetworkProfile = "offline"
)

// TestConfiguration is a single parameter combination under test.
// Immutable once built into a suite.
type TestConfiguration struct {
	ID          string         `json:"id"`
	STTProvider string         `json:"stt_provider"`
	LLMProvider string         `json:"llm_provider"`
	TTSProvider string         `json:"tts_provider"`
	VoiceID     string         `json:"voice_id"`
	Network     NetworkProfile `json:"network"`
	Repetitions int            `json:"repetitions"`
}

// Validate checks the provider triple and repetition bounds.
func (c TestConfiguration) Validate() error {
	if c.ID == "" {
		return Errf(KindInvalidArgument, "configuration id must not be empty")
	}
	if c.STTProvider == "" || c.LLMProvider == "" || c.TTSProvider == "" {
		return Errf(KindInvalidArgument,
			"configuration %s: provider triple must be complete", c.ID)
	}
	if c.Repetitions < 1 || c.Repetitions > MaxRepetitions {
		return Errf(KindInvalidArgument,
			"configuration %s: repetitions %d outside [1, %d]",
			c.ID, c.Repetitions, MaxRepetitions)
	}
	return nil
}

// TestScenario is an ordered group of configurations.
type TestScenario struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Configurations []TestConfiguration `json:"configurations"`
}

// TestSuiteDefinition is a registered, immutable suite of scenarios.
type TestSuiteDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Scenarios   []TestScenario `json:"scenarios"`
}

// TotalTestCount is the number of units a run of this suite produces.
func (s TestSuiteDefinition) TotalTestCount() int {
	total := 0
	for _, sc := range s.Scenarios {
		for _, cfg := range sc.Configurations {
			total += cfg.Repetitions
		}
	}
	return total
}

// Validate checks every scenario and configuration, including id
// uniqueness within each scenario.
func (s TestSuiteDefinition) Validate() error {
	if s.ID == "" {
		return Errf(KindInvalidArgument, "suite id must not be empty")
	}
	for _, sc := range s.Scenarios {
		seen := make(map[string]bool, len(sc.Configurations))
		for _, cfg := range sc.Configurations {
			if err := cfg.Validate(); err != nil {
				return err
			}
			if seen[cfg.ID] {
				return Errf(KindInvalidArgument,
					"scenario %s: duplicate configuration id %s", sc.ID, cfg.ID)
			}
			seen[cfg.ID] = true
		}
	}
	return nil
}

// StageLatencies holds the five measured stages of one unit, in
// milliseconds. For successful units EndToEndMS equals the sum of the
// stages within measurement error.
type StageLatencies struct {
	CaptureToSTTMS  float64 `json:"capture_to_stt_ms"`
	STTToLLMMS      float64 `json:"stt_to_llm_ms"`
	LLMToTTSMS      float64 `json:"llm_to_tts_ms"`
	TTSToPlaybackMS float64 `json:"tts_to_playback_ms"`
	EndToEndMS      float64 `json:"end_to_end_ms"`
}

// TestResult is one finished unit. Appended to its run, never mutated.
type TestResult struct {
	RunID           string         `json:"run_id"`
	ScenarioID      string         `json:"scenario_id"`
	ConfigID        string         `json:"config_id"`
	ClientID        string         `json:"client_id"`
	RepetitionIndex int            `json:"repetition_index"`
	Latencies       StageLatencies `json:"latencies"`
	Success         bool           `json:"success"`
	ErrorKind       ErrorKind      `json:"error_kind,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

// TestRun is one execution of a suite.
type TestRun struct {
	ID             string       `json:"id"`
	SuiteID        string       `json:"suite_id"`
	SuiteName      string       `json:"suite_name"`
	Status         RunStatus    `json:"status"`
	TotalCount     int          `json:"total_count"`
	CompletedCount int          `json:"completed_count"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	Results        []TestResult `json:"results"`
}

// ClientType is the closed set of client platforms.
type ClientType string

const (
	ClientIOS          ClientType = "ios"
	ClientIOSSimulator ClientType = "ios_simulator"
	ClientAndroid      ClientType = "android"
	ClientWeb          ClientType = "web"
	ClientMock         ClientType = "mock"
)

// ClientCapabilities describes what a registered client can execute.
type ClientCapabilities struct {
	STTProviders       []string `json:"stt_providers"`
	LLMProviders       []string `json:"llm_providers"`
	TTSProviders       []string `json:"tts_providers"`
	PrecisionTiming    bool     `json:"precision_timing"`
	DeviceMetrics      bool     `json:"device_metrics"`
	OnDeviceML         bool     `json:"on_device_ml"`
	MaxConcurrentTests int      `json:"max_concurrent_tests"`
}

// Covers reports whether the capabilities include the configuration's
// full provider triple.
func (c ClientCapabilities) Covers(cfg TestConfiguration) bool {
	return containsString(c.STTProviders, cfg.STTProvider) &&
		containsString(c.LLMProviders, cfg.LLMProvider) &&
		containsString(c.TTSProviders, cfg.TTSProvider)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ClientStatus is a snapshot of one registered client.
type ClientStatus struct {
	ClientID     string             `json:"client_id"`
	Type         ClientType         `json:"type"`
	Capabilities ClientCapabilities `json:"capabilities"`
	Reachable    bool               `json:"reachable"`
	InFlight     int                `json:"in_flight"`
}

// BaselineMetrics holds the frozen per-configuration statistics used for
// regression detection.
type BaselineMetrics struct {
	MedianMS    float64 `json:"median_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	SampleCount int     `json:"sample_count"`
}

// PerformanceBaseline is an immutable reference snapshot built from a
// completed run.
type PerformanceBaseline struct {
	ID          string                     `json:"id"`
	CreatedAt   time.Time                  `json:"created_at"`
	SourceRunID string                     `json:"source_run_id"`
	Configs     map[string]BaselineMetrics `json:"configs"`
}

// UnitDescriptor is what the orchestrator hands a client for one unit.
type UnitDescriptor struct {
	RunID           string            `json:"run_id"`
	ScenarioID      string            `json:"scenario_id"`
	Config          TestConfiguration `json:"config"`
	RepetitionIndex int               `json:"repetition_index"`
	Deadline        time.Time         `json:"deadline"`
}

// UnitReport is what a client returns for one unit.
type UnitReport struct {
	Latencies StageLatencies `json:"latencies"`
	Success   bool           `json:"success"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
}
