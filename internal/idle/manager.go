package idle

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/auralis-ai/auralis/internal/clock"
)

// historyCap bounds the transition ring buffer.
const historyCap = 100

// defaultTick is the monitor wake interval.
const defaultTick = time.Second

// Option configures a [Manager].
type Option func(*Manager)

// WithClock substitutes the time source. Used by tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clk = clk }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithTickInterval overrides the monitor wake interval. Values above one
// second are clamped so state changes are observed promptly.
func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > time.Second {
			d = time.Second
		}
		if d > 0 {
			m.tick = d
		}
	}
}

// WithProfileStore enables persistence of user-defined power modes.
// Stored profiles are loaded during New.
func WithProfileStore(store ProfileStore) Option {
	return func(m *Manager) { m.profiles = store }
}

// WithHooks installs the service lifecycle hooks.
func WithHooks(hooks ServiceHooks) Option {
	return func(m *Manager) { m.hooks = hooks }
}

// Manager is the tiered idle state machine. All methods are safe for
// concurrent use.
type Manager struct {
	clk      clock.Clock
	log      *slog.Logger
	tick     time.Duration
	hooks    ServiceHooks
	profiles ProfileStore

	mu               sync.Mutex
	state            State
	lastActivity     time.Time
	lastActivityType string
	keepAwakeUntil   time.Time
	thresholds       Thresholds
	enabled          bool
	modeID           string
	modes            map[string]Mode
	stateHandlers    map[State][]Handler
	globalHandlers   []Handler

	history  [historyCap]Transition
	histNext int
	histLen  int

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Manager in the balanced mode, state active, with the
// builtin mode registry. The monitor is not started until [Manager.Start].
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		clk:           clock.System{},
		log:           slog.Default(),
		tick:          defaultTick,
		state:         StateActive,
		modes:         builtinModes(),
		stateHandlers: make(map[State][]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}

	balanced := m.modes["balanced"]
	m.modeID = balanced.ID
	m.thresholds = balanced.Thresholds
	m.enabled = balanced.Enabled
	m.lastActivity = m.clk.Now()

	if m.profiles != nil {
		stored, err := m.profiles.Load()
		if err != nil {
			return nil, fmt.Errorf("loading power profiles: %w", err)
		}
		for _, p := range stored {
			if existing, ok := m.modes[p.ID]; ok && existing.Builtin {
				m.log.Warn("stored power profile shadows a builtin, skipping",
					"id", p.ID)
				continue
			}
			p.Builtin = false
			m.modes[p.ID] = p
		}
	}
	return m, nil
}

// Start launches the monitor goroutine. Calling Start on a running manager
// is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.monitor(m.stopCh, m.doneCh)
	m.log.Info("idle monitor started", "mode", m.modeID, "tick", m.tick)
}

// Stop halts the monitor and waits for it to exit. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stop)
	<-done
	m.log.Info("idle monitor stopped")
}

func (m *Manager) monitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.evaluate("monitor")
		}
	}
}

// evaluate recomputes the target state and performs a transition if needed.
func (m *Manager) evaluate(trigger string) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	target := m.thresholds.stateFor(now.Sub(m.lastActivity))
	if now.Before(m.keepAwakeUntil) {
		target = StateActive
	}
	fire := m.transitionLocked(target, trigger)
	m.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordActivity resets the idle timer. If the manager is in a deeper
// state, the wake transition happens immediately rather than waiting for
// the next monitor tick.
func (m *Manager) RecordActivity(activityType, source string) {
	m.mu.Lock()
	m.lastActivity = m.clk.Now()
	m.lastActivityType = activityType
	var fire func()
	if m.enabled {
		fire = m.transitionLocked(StateActive, "activity:"+activityType)
	}
	m.mu.Unlock()

	m.log.Debug("activity recorded", "type", activityType, "source", source)
	if fire != nil {
		fire()
	}
}

// KeepAwake pins the manager to [StateActive] for the given duration.
// Subsequent calls extend or shorten the floor to now+d.
func (m *Manager) KeepAwake(d time.Duration) {
	m.mu.Lock()
	m.keepAwakeUntil = m.clk.Now().Add(d)
	var fire func()
	if m.enabled {
		fire = m.transitionLocked(StateActive, "keep_awake")
	}
	m.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// CancelKeepAwake clears the keep-awake floor. The next monitor tick
// re-evaluates normally.
func (m *Manager) CancelKeepAwake() {
	m.mu.Lock()
	m.keepAwakeUntil = time.Time{}
	m.mu.Unlock()
}

// ForceState transitions to the given state regardless of idle time or the
// enabled flag. The idle timer is not reset, so the next monitor tick may
// transition again.
func (m *Manager) ForceState(to State, trigger string) {
	m.mu.Lock()
	fire := m.transitionLocked(to, "force:"+trigger)
	m.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// transitionLocked changes state and returns a closure that notifies
// handlers and hooks. Callers must hold m.mu and invoke the returned
// closure after releasing it, so slow handlers never block the manager.
func (m *Manager) transitionLocked(to State, trigger string) func() {
	from := m.state
	if from == to {
		return nil
	}

	now := m.clk.Now()
	tr := Transition{
		From:        from,
		To:          to,
		Trigger:     trigger,
		Timestamp:   now,
		SecondsIdle: now.Sub(m.lastActivity).Seconds(),
	}
	m.state = to

	m.history[m.histNext] = tr
	m.histNext = (m.histNext + 1) % historyCap
	if m.histLen < historyCap {
		m.histLen++
	}

	handlers := make([]Handler, 0, len(m.stateHandlers[to])+len(m.globalHandlers))
	handlers = append(handlers, m.stateHandlers[to]...)
	handlers = append(handlers, m.globalHandlers...)
	hooks := m.hooks
	log := m.log

	return func() {
		log.Info("idle state transition",
			"from", from.String(),
			"to", to.String(),
			"trigger", trigger,
			"seconds_idle", tr.SecondsIdle)

		for _, h := range handlers {
			invokeHandler(log, h, tr)
		}
		runHooks(log, hooks, tr)
	}
}

func invokeHandler(log *slog.Logger, h Handler, tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("idle transition handler panicked",
				"from", tr.From.String(),
				"to", tr.To.String(),
				"panic", r)
		}
	}()
	h(tr)
}

func runHooks(log *slog.Logger, hooks ServiceHooks, tr Transition) {
	switch tr.To {
	case StateCold:
		if hooks.UnloadLLM != nil {
			if err := hooks.UnloadLLM(); err != nil {
				log.Error("llm unload hook failed", "err", err)
			}
		}
	case StateDormant:
		if hooks.UnloadAudio != nil {
			if err := hooks.UnloadAudio(); err != nil {
				log.Error("audio unload hook failed", "err", err)
			}
		}
	case StateActive:
		if tr.From < StateCold {
			return
		}
		if hooks.PrewarmTTS != nil {
			go hooks.PrewarmTTS()
		}
		if hooks.PrewarmSTT != nil {
			go hooks.PrewarmSTT()
		}
	}
}

// OnState registers a handler invoked on every transition into s.
func (m *Manager) OnState(s State, h Handler) {
	m.mu.Lock()
	m.stateHandlers[s] = append(m.stateHandlers[s], h)
	m.mu.Unlock()
}

// OnTransition registers a handler invoked on every transition.
func (m *Manager) OnTransition(h Handler) {
	m.mu.Lock()
	m.globalHandlers = append(m.globalHandlers, h)
	m.mu.Unlock()
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State            State      `json:"state"`
	Mode             string     `json:"mode"`
	Enabled          bool       `json:"enabled"`
	Running          bool       `json:"running"`
	SecondsIdle      float64    `json:"seconds_idle"`
	LastActivityType string     `json:"last_activity_type,omitempty"`
	KeepAwakeUntil   *time.Time `json:"keep_awake_until,omitempty"`
	Thresholds       Thresholds `json:"thresholds"`
}

// Status returns a snapshot of the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:            m.state,
		Mode:             m.modeID,
		Enabled:          m.enabled,
		Running:          m.running,
		SecondsIdle:      m.clk.Since(m.lastActivity).Seconds(),
		LastActivityType: m.lastActivityType,
		Thresholds:       m.thresholds,
	}
	if !m.keepAwakeUntil.IsZero() {
		until := m.keepAwakeUntil
		st.KeepAwakeUntil = &until
	}
	return st
}

// History returns up to limit transitions, newest first. A limit ≤ 0
// returns the full buffered history.
func (m *Manager) History(limit int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > m.histLen {
		limit = m.histLen
	}
	out := make([]Transition, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (m.histNext - 1 - i + historyCap) % historyCap
		out = append(out, m.history[idx])
	}
	return out
}

// SetMode swaps the active power mode. Setting the already-active mode is
// a no-op. The idle timer is untouched; disabling modes snap the state
// back to active.
func (m *Manager) SetMode(id string) error {
	m.mu.Lock()
	mode, ok := m.modes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrModeNotFound, id)
	}
	if m.modeID == id {
		m.mu.Unlock()
		return nil
	}

	m.modeID = id
	m.thresholds = mode.Thresholds
	m.enabled = mode.Enabled

	var fire func()
	if !m.enabled {
		fire = m.transitionLocked(StateActive, "mode:"+id)
	}
	m.mu.Unlock()

	m.log.Info("power mode changed", "mode", id, "enabled", mode.Enabled)
	if fire != nil {
		fire()
	}
	return nil
}

// ThresholdPatch carries the fields to override in [Manager.SetThresholds].
// Nil fields keep their current value.
type ThresholdPatch struct {
	Warm    *int
	Cool    *int
	Cold    *int
	Dormant *int
}

// SetThresholds merges the patch over the current thresholds and switches
// to the implicit "custom" mode. The merged set must stay strictly
// monotone.
func (m *Manager) SetThresholds(patch ThresholdPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := m.thresholds
	if patch.Warm != nil {
		merged.Warm = *patch.Warm
	}
	if patch.Cool != nil {
		merged.Cool = *patch.Cool
	}
	if patch.Cold != nil {
		merged.Cold = *patch.Cold
	}
	if patch.Dormant != nil {
		merged.Dormant = *patch.Dormant
	}
	if err := merged.Validate(); err != nil {
		return err
	}

	m.thresholds = merged
	m.modeID = CustomModeID
	m.modes[CustomModeID] = Mode{
		ID:         CustomModeID,
		Name:       "Custom",
		Thresholds: merged,
		Enabled:    m.enabled,
	}
	return nil
}

// Modes returns all registered power modes sorted by id.
func (m *Manager) Modes() []Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Mode, 0, len(m.modes))
	for _, mode := range m.modes {
		out = append(out, mode)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateProfile registers a new user-defined power mode and persists it.
func (m *Manager) CreateProfile(profile Mode) error {
	if profile.ID == "" {
		return fmt.Errorf("profile id must not be empty")
	}
	if err := profile.Thresholds.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.modes[profile.ID]; ok {
		return fmt.Errorf("%w: %q", ErrModeExists, profile.ID)
	}
	profile.Builtin = false
	m.modes[profile.ID] = profile
	return m.persistLocked()
}

// UpdateProfile replaces an existing user profile. Builtins are immutable.
// Updating the active profile applies its thresholds immediately.
func (m *Manager) UpdateProfile(profile Mode) error {
	if err := profile.Thresholds.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.modes[profile.ID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrModeNotFound, profile.ID)
	}
	if existing.Builtin {
		return fmt.Errorf("%w: %q", ErrBuiltinReadOnly, profile.ID)
	}
	profile.Builtin = false
	m.modes[profile.ID] = profile

	if m.modeID == profile.ID {
		m.thresholds = profile.Thresholds
		m.enabled = profile.Enabled
	}
	return m.persistLocked()
}

// DeleteProfile removes a user profile. Deleting the active profile falls
// back to the balanced mode.
func (m *Manager) DeleteProfile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.modes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrModeNotFound, id)
	}
	if existing.Builtin {
		return fmt.Errorf("%w: %q", ErrBuiltinReadOnly, id)
	}
	delete(m.modes, id)

	if m.modeID == id {
		balanced := m.modes["balanced"]
		m.modeID = balanced.ID
		m.thresholds = balanced.Thresholds
		m.enabled = balanced.Enabled
		m.log.Info("active profile deleted, falling back", "mode", balanced.ID)
	}
	return m.persistLocked()
}

// DuplicateProfile copies an existing mode (builtin or user) under a new
// id. The copy is a mutable user profile.
func (m *Manager) DuplicateProfile(srcID, newID, newName string) error {
	if newID == "" {
		return fmt.Errorf("profile id must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.modes[srcID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrModeNotFound, srcID)
	}
	if _, ok := m.modes[newID]; ok {
		return fmt.Errorf("%w: %q", ErrModeExists, newID)
	}

	dup := src
	dup.ID = newID
	dup.Name = newName
	dup.Builtin = false
	m.modes[newID] = dup
	return m.persistLocked()
}

// persistLocked saves all user profiles. Must be called with m.mu held.
func (m *Manager) persistLocked() error {
	if m.profiles == nil {
		return nil
	}
	var user []Mode
	for _, mode := range m.modes {
		if !mode.Builtin && mode.ID != CustomModeID {
			user = append(user, mode)
		}
	}
	if err := m.profiles.Save(user); err != nil {
		return fmt.Errorf("persisting power profiles: %w", err)
	}
	return nil
}
