// Package audiobus is the per-session duplex channel serving pre-segmented
// audio to clients: playback state sync, barge-in, voice reconfiguration,
// and speculative prefetch, all coordinated with the segment cache.
//
// Every inbound frame counts as user activity and is reported to the idle
// manager before it is dispatched, so an active listener can never idle
// the server out from under themselves.
package audiobus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/auralis-ai/auralis/internal/clock"
	"github.com/auralis-ai/auralis/internal/observe"
	"github.com/auralis-ai/auralis/internal/resilience"
	"github.com/auralis-ai/auralis/internal/segcache"
	"github.com/auralis-ai/auralis/internal/session"
)

// defaultPrefetchCount is how many upcoming segments are prefetched after
// a successful request_audio.
const defaultPrefetchCount = 2

// ActivityRecorder receives a ping for every inbound frame. The idle
// manager satisfies it.
type ActivityRecorder interface {
	RecordActivity(activityType, source string)
}

// Conn is one open client channel. Send must be safe for concurrent use;
// Close must be idempotent.
type Conn interface {
	Send(data []byte) error
	Close() error
}

type topicKey struct {
	curriculumID string
	topicID      string
}

// sessionState holds the bus-private per-session bookkeeping. The breaker
// shields the session from a persistently failing synthesizer.
type sessionState struct {
	mu             sync.Mutex // serialises handler execution
	prefetchCancel context.CancelFunc
	breaker        *resilience.CircuitBreaker
}

// Option configures a [Bus].
type Option func(*Bus)

// WithActivityRecorder wires the idle manager (or any recorder).
func WithActivityRecorder(rec ActivityRecorder) Option {
	return func(b *Bus) { b.idle = rec }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithClock substitutes the time source used for sync_ack server_time.
func WithClock(clk clock.Clock) Option {
	return func(b *Bus) { b.clk = clk }
}

// WithPrefetchCount overrides how many segments are prefetched ahead.
func WithPrefetchCount(k int) Option {
	return func(b *Bus) {
		if k >= 0 {
			b.prefetchK = k
		}
	}
}

// WithMetrics attaches the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus owns the connection registry and the topic segment table. Sessions
// themselves are read through the session store, never owned.
type Bus struct {
	store     session.Store
	cache     segcache.Cache
	idle      ActivityRecorder
	clk       clock.Clock
	log       *slog.Logger
	metrics   *observe.Metrics
	prefetchK int

	connMu sync.Mutex
	conns  map[string]Conn

	topicMu sync.RWMutex
	topics  map[topicKey][]string

	stateMu sync.Mutex
	states  map[string]*sessionState
}

// New creates a Bus over the given session store and segment cache.
func New(store session.Store, cache segcache.Cache, opts ...Option) *Bus {
	b := &Bus{
		store:     store,
		cache:     cache,
		clk:       clock.System{},
		log:       slog.Default(),
		prefetchK: defaultPrefetchCount,
		conns:     make(map[string]Conn),
		topics:    make(map[topicKey][]string),
		states:    make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open binds a channel to a session. A prior channel for the same session
// is closed first (last-writer-wins).
func (b *Bus) Open(sessionID string, conn Conn) {
	b.connMu.Lock()
	prior := b.conns[sessionID]
	b.conns[sessionID] = conn
	b.connMu.Unlock()

	if prior != nil {
		if err := prior.Close(); err != nil {
			b.log.Debug("closing superseded connection", "session_id", sessionID, "err", err)
		}
	}
	b.metrics.SetConnections(b.connectionCount())
	b.log.Info("audio channel opened", "session_id", sessionID)
}

// Close removes and closes the session's channel. Idempotent. Any in-flight
// prefetch for the session is cancelled.
func (b *Bus) Close(sessionID string) {
	b.connMu.Lock()
	conn, ok := b.conns[sessionID]
	delete(b.conns, sessionID)
	b.connMu.Unlock()

	if st := b.lookupState(sessionID); st != nil {
		st.mu.Lock()
		if st.prefetchCancel != nil {
			st.prefetchCancel()
			st.prefetchCancel = nil
		}
		st.mu.Unlock()
	}

	if ok {
		_ = conn.Close()
		b.metrics.SetConnections(b.connectionCount())
		b.log.Info("audio channel closed", "session_id", sessionID)
	}
}

// Connected returns the session ids with an open channel.
func (b *Bus) Connected() []string {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	out := make([]string, 0, len(b.conns))
	for id := range b.conns {
		out = append(out, id)
	}
	return out
}

func (b *Bus) connectionCount() int {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return len(b.conns)
}

// BroadcastToSession sends msg to the session's channel. It reports false
// when no channel exists or the send fails; failed channels are pruned.
func (b *Bus) BroadcastToSession(sessionID string, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("encoding outbound message", "session_id", sessionID, "err", err)
		return false
	}

	b.connMu.Lock()
	conn, ok := b.conns[sessionID]
	b.connMu.Unlock()
	if !ok {
		return false
	}

	if err := conn.Send(data); err != nil {
		b.log.Warn("send failed, pruning connection",
			"session_id", sessionID, "err", err)
		b.Close(sessionID)
		return false
	}
	return true
}

// SetTopicSegments publishes the ordered segment list for a topic. A topic
// is immutable once set: republishing identical content is a no-op,
// conflicting content is an error.
func (b *Bus) SetTopicSegments(curriculumID, topicID string, segments []string) error {
	if curriculumID == "" || topicID == "" {
		return fmt.Errorf("curriculum and topic ids are required")
	}
	key := topicKey{curriculumID, topicID}

	b.topicMu.Lock()
	defer b.topicMu.Unlock()

	if existing, ok := b.topics[key]; ok {
		if equalSegments(existing, segments) {
			return nil
		}
		return fmt.Errorf("topic %s/%s already published with different segments",
			curriculumID, topicID)
	}
	copied := make([]string, len(segments))
	copy(copied, segments)
	b.topics[key] = copied
	return nil
}

// TopicSegments returns the published segments for a topic.
func (b *Bus) TopicSegments(curriculumID, topicID string) ([]string, bool) {
	b.topicMu.RLock()
	defer b.topicMu.RUnlock()
	segs, ok := b.topics[topicKey{curriculumID, topicID}]
	return segs, ok
}

func equalSegments(a, c []string) bool {
	if len(a) != len(c) {
		return false
	}
	for i := range a {
		if a[i] != c[i] {
			return false
		}
	}
	return true
}

func (b *Bus) lookupState(sessionID string) *sessionState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.states[sessionID]
}

func (b *Bus) state(sessionID string) *sessionState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	st, ok := b.states[sessionID]
	if !ok {
		st = &sessionState{
			breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
				Name: "cache:" + sessionID,
			}),
		}
		b.states[sessionID] = st
	}
	return st
}
