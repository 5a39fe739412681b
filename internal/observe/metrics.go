// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, an HTTP middleware, and the Prometheus exporter
// bridge so everything stays scrapeable via the standard /metrics endpoint.
//
// Tests should use [NewMetrics] with a private [metric.MeterProvider] to
// avoid cross-test pollution. All convenience recording methods are safe to
// call on a nil *Metrics, so components can treat the sink as optional.
package observe

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all metrics.
const meterName = "github.com/auralis-ai/auralis"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// CaptureToSTT tracks audio-capture-to-transcription latency.
	CaptureToSTT metric.Float64Histogram

	// STTToLLM tracks transcription-to-inference latency.
	STTToLLM metric.Float64Histogram

	// LLMToTTS tracks inference-to-synthesis latency.
	LLMToTTS metric.Float64Histogram

	// TTSToPlayback tracks synthesis-to-playback latency.
	TTSToPlayback metric.Float64Histogram

	// EndToEnd tracks full round-trip latency.
	EndToEnd metric.Float64Histogram

	// --- Counters ---

	// TestUnits counts finished test units. Use with attribute:
	//   attribute.String("status", ...)
	TestUnits metric.Int64Counter

	// TestRuns counts terminal test runs by status.
	TestRuns metric.Int64Counter

	// IdleTransitions counts idle state transitions. Use with attributes:
	//   attribute.String("to", ...), attribute.String("trigger", ...)
	IdleTransitions metric.Int64Counter

	// CacheLookups counts segment cache lookups by result (hit|miss).
	CacheLookups metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live user sessions.
	ActiveSessions metric.Int64UpDownCounter

	// connections backs the audio connection gauge; the bus reports an
	// absolute count rather than deltas.
	connections atomic.Int64

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	stage := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.CaptureToSTT, err = stage("auralis.latency.capture_to_stt",
		"Latency from audio capture to transcription."); err != nil {
		return nil, err
	}
	if met.STTToLLM, err = stage("auralis.latency.stt_to_llm",
		"Latency from transcription to inference start."); err != nil {
		return nil, err
	}
	if met.LLMToTTS, err = stage("auralis.latency.llm_to_tts",
		"Latency from inference to synthesis start."); err != nil {
		return nil, err
	}
	if met.TTSToPlayback, err = stage("auralis.latency.tts_to_playback",
		"Latency from synthesis to playback start."); err != nil {
		return nil, err
	}
	if met.EndToEnd, err = stage("auralis.latency.end_to_end",
		"Full voice round-trip latency."); err != nil {
		return nil, err
	}

	if met.TestUnits, err = m.Int64Counter("auralis.test.units",
		metric.WithDescription("Finished latency test units by status."),
	); err != nil {
		return nil, err
	}
	if met.TestRuns, err = m.Int64Counter("auralis.test.runs",
		metric.WithDescription("Terminal latency test runs by status."),
	); err != nil {
		return nil, err
	}
	if met.IdleTransitions, err = m.Int64Counter("auralis.idle.transitions",
		metric.WithDescription("Idle state transitions by target state and trigger."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("auralis.audio_cache.lookups",
		metric.WithDescription("Segment cache lookups by result."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("auralis.active_sessions",
		metric.WithDescription("Number of live user sessions."),
	); err != nil {
		return nil, err
	}
	if _, err = m.Int64ObservableGauge("auralis.audio_connections",
		metric.WithDescription("Number of open audio websocket channels."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(met.connections.Load())
			return nil
		}),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("auralis.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Panics if instrument
// creation fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordStageLatencies records all five stage histograms for one unit
// report. Inputs are milliseconds, matching the wire format.
func (m *Metrics) RecordStageLatencies(ctx context.Context, captureToSTT, sttToLLM, llmToTTS, ttsToPlayback, endToEnd float64) {
	if m == nil {
		return
	}
	m.CaptureToSTT.Record(ctx, captureToSTT/1000)
	m.STTToLLM.Record(ctx, sttToLLM/1000)
	m.LLMToTTS.Record(ctx, llmToTTS/1000)
	m.TTSToPlayback.Record(ctx, ttsToPlayback/1000)
	m.EndToEnd.Record(ctx, endToEnd/1000)
}

// RecordUnit counts one finished test unit.
func (m *Metrics) RecordUnit(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.TestUnits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordRun counts one terminal test run.
func (m *Metrics) RecordRun(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.TestRuns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordIdleTransition counts one idle state transition.
func (m *Metrics) RecordIdleTransition(ctx context.Context, to, trigger string) {
	if m == nil {
		return
	}
	m.IdleTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("to", to),
			attribute.String("trigger", trigger),
		))
}

// RecordCacheLookup counts one segment cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// AddSessions adjusts the live session gauge.
func (m *Metrics) AddSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

// SetConnections reports the absolute number of open audio channels.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Store(int64(n))
}
