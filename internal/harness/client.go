package harness

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Client executes test units. Implementations must honour the context:
// a cancelled or expired context aborts the unit.
type Client interface {
	ID() string
	Type() ClientType
	Capabilities() ClientCapabilities
	RunUnit(ctx context.Context, unit UnitDescriptor) (UnitReport, error)
}

// Stage fractions of the end-to-end latency produced by the mock client.
// They sum to 1 so the invariant e2e == Σ stages holds exactly.
var mockStageShares = [4]float64{0.15, 0.35, 0.30, 0.20}

// MockClient is an in-process [Client] that samples unit latency from a
// normal distribution instead of driving a real device. The CLI registers
// one in --mock mode; tests use it throughout.
type MockClient struct {
	id   string
	typ  ClientType
	caps ClientCapabilities

	// MeanMS and StdDevMS parameterise the sampled end-to-end latency.
	MeanMS   float64
	StdDevMS float64

	// Delay is how long RunUnit blocks before reporting, simulating the
	// actual test execution time.
	Delay time.Duration

	// FailKind, when set, makes every unit fail with that kind.
	FailKind ErrorKind

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock client with the standard capability set
// (every provider the CLI knows about, one concurrent test).
func NewMockClient(id string, meanMS, stdDevMS float64, seed int64) *MockClient {
	return &MockClient{
		id:  id,
		typ: ClientMock,
		caps: ClientCapabilities{
			STTProviders:       []string{"deepgram", "assemblyai", "apple", "web-speech"},
			LLMProviders:       []string{"anthropic", "openai", "selfhosted"},
			TTSProviders:       []string{"chatterbox", "vibevoice", "apple", "web-speech"},
			PrecisionTiming:    true,
			DeviceMetrics:      true,
			MaxConcurrentTests: 1,
		},
		MeanMS:   meanMS,
		StdDevMS: stdDevMS,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// SetCapabilities replaces the capability set.
func (m *MockClient) SetCapabilities(caps ClientCapabilities) { m.caps = caps }

// ID implements [Client].
func (m *MockClient) ID() string { return m.id }

// Type implements [Client].
func (m *MockClient) Type() ClientType { return m.typ }

// Capabilities implements [Client].
func (m *MockClient) Capabilities() ClientCapabilities { return m.caps }

// RunUnit implements [Client] by sampling stage latencies from
// N(MeanMS, StdDevMS).
func (m *MockClient) RunUnit(ctx context.Context, unit UnitDescriptor) (UnitReport, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return UnitReport{}, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return UnitReport{}, err
	}
	if m.FailKind != "" {
		return UnitReport{Success: false, ErrorKind: m.FailKind}, nil
	}

	m.mu.Lock()
	e2e := m.MeanMS + m.rng.NormFloat64()*m.StdDevMS
	m.mu.Unlock()
	if e2e < 1 {
		e2e = 1
	}

	return UnitReport{
		Success: true,
		Latencies: StageLatencies{
			CaptureToSTTMS:  e2e * mockStageShares[0],
			STTToLLMMS:      e2e * mockStageShares[1],
			LLMToTTSMS:      e2e * mockStageShares[2],
			TTSToPlaybackMS: e2e * mockStageShares[3],
			EndToEndMS:      e2e,
		},
	}, nil
}
