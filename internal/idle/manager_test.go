package idle

import (
	"errors"
	"testing"
	"time"

	"github.com/auralis-ai/auralis/internal/clock"
)

func testManager(t *testing.T, opts ...Option) (*Manager, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m, err := New(append([]Option{WithClock(fake)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, fake
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name    string
		th      Thresholds
		wantErr bool
	}{
		{"defaults", DefaultThresholds(), false},
		{"zero warm", Thresholds{0, 300, 1800, 7200}, true},
		{"cool equals warm", Thresholds{30, 30, 1800, 7200}, true},
		{"cold below cool", Thresholds{30, 300, 200, 7200}, true},
		{"dormant below cold", Thresholds{30, 300, 1800, 1000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.th.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestThresholds_StateForInclusiveBounds(t *testing.T) {
	th := Thresholds{Warm: 10, Cool: 60, Cold: 300, Dormant: 1800}
	tests := []struct {
		idle time.Duration
		want State
	}{
		{0, StateActive},
		{9 * time.Second, StateActive},
		{10 * time.Second, StateWarm}, // inclusive lower bound
		{59 * time.Second, StateWarm},
		{60 * time.Second, StateCool},
		{300 * time.Second, StateCold},
		{1800 * time.Second, StateDormant},
		{10000 * time.Second, StateDormant},
	}
	for _, tt := range tests {
		if got := th.stateFor(tt.idle); got != tt.want {
			t.Errorf("stateFor(%v) = %v, want %v", tt.idle, got, tt.want)
		}
	}
}

func TestManager_IdleWalk(t *testing.T) {
	m, fake := testManager(t)
	if err := m.SetThresholds(ThresholdPatch{
		Warm: ptr(10), Cool: ptr(60), Cold: ptr(300), Dormant: ptr(1800),
	}); err != nil {
		t.Fatalf("SetThresholds: %v", err)
	}

	steps := []struct {
		advance time.Duration
		want    State
	}{
		{10 * time.Second, StateWarm},
		{50 * time.Second, StateCool},    // t=60
		{240 * time.Second, StateCold},   // t=300
		{1500 * time.Second, StateDormant}, // t=1800
	}
	for _, step := range steps {
		fake.Advance(step.advance)
		m.evaluate("monitor")
		if got := m.Status().State; got != step.want {
			t.Fatalf("after %v idle: state = %v, want %v",
				fake.Since(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), got, step.want)
		}
	}

	hist := m.History(0)
	if len(hist) != len(steps) {
		t.Fatalf("history length = %d, want %d", len(hist), len(steps))
	}
	if hist[0].To != StateDormant || hist[len(hist)-1].To != StateWarm {
		t.Errorf("history must be newest-first: %+v", hist)
	}
}

func TestManager_RecordActivityWakesImmediately(t *testing.T) {
	m, fake := testManager(t)
	_ = m.SetThresholds(ThresholdPatch{
		Warm: ptr(10), Cool: ptr(60), Cold: ptr(300), Dormant: ptr(1800),
	})

	fake.Advance(100 * time.Second)
	m.evaluate("monitor")
	if got := m.Status().State; got != StateCool {
		t.Fatalf("state = %v, want cool", got)
	}

	m.RecordActivity("audio_ws", "session-1")

	st := m.Status()
	if st.State != StateActive {
		t.Fatalf("state = %v, want active immediately after activity", st.State)
	}
	if st.LastActivityType != "audio_ws" {
		t.Errorf("LastActivityType = %q, want audio_ws", st.LastActivityType)
	}

	hist := m.History(1)
	if len(hist) != 1 || hist[0].From != StateCool || hist[0].To != StateActive {
		t.Errorf("latest transition = %+v, want cool->active", hist)
	}
}

func TestManager_KeepAwakeClampsToActive(t *testing.T) {
	m, fake := testManager(t)
	_ = m.SetThresholds(ThresholdPatch{
		Warm: ptr(10), Cool: ptr(60), Cold: ptr(300), Dormant: ptr(1800),
	})

	m.KeepAwake(120 * time.Second)

	fake.Advance(30 * time.Second)
	m.evaluate("monitor")
	if got := m.Status().State; got != StateActive {
		t.Fatalf("at t=30s under keep-awake: state = %v, want active", got)
	}

	fake.Advance(95 * time.Second) // t=125, floor expired
	m.evaluate("monitor")
	if got := m.Status().State; got != StateCool {
		// 125s idle with cool=60 puts us in cool, past warm.
		t.Fatalf("at t=125s: state = %v, want cool", got)
	}
}

func TestManager_CancelKeepAwake(t *testing.T) {
	m, fake := testManager(t)
	_ = m.SetThresholds(ThresholdPatch{
		Warm: ptr(10), Cool: ptr(60), Cold: ptr(300), Dormant: ptr(1800),
	})

	m.KeepAwake(time.Hour)
	m.CancelKeepAwake()

	fake.Advance(20 * time.Second)
	m.evaluate("monitor")
	if got := m.Status().State; got != StateWarm {
		t.Fatalf("state = %v, want warm after cancel", got)
	}
}

func TestManager_HandlersAndPanicIsolation(t *testing.T) {
	m, fake := testManager(t)

	var stateCalls, globalCalls []Transition
	m.OnState(StateWarm, func(tr Transition) { panic("boom") })
	m.OnState(StateWarm, func(tr Transition) { stateCalls = append(stateCalls, tr) })
	m.OnTransition(func(tr Transition) { globalCalls = append(globalCalls, tr) })

	fake.Advance(31 * time.Second)
	m.evaluate("monitor")

	if len(stateCalls) != 1 {
		t.Fatalf("second per-state handler ran %d times, want 1 (panic must not block it)", len(stateCalls))
	}
	if len(globalCalls) != 1 {
		t.Fatalf("global handler ran %d times, want 1", len(globalCalls))
	}
	if stateCalls[0].From != StateActive || stateCalls[0].To != StateWarm {
		t.Errorf("transition = %+v, want active->warm", stateCalls[0])
	}
}

func TestManager_SetModeIdempotentAndDisable(t *testing.T) {
	m, fake := testManager(t)

	if err := m.SetMode("power_saver"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := m.SetMode("power_saver"); err != nil {
		t.Fatalf("repeated SetMode must be a no-op, got %v", err)
	}
	if got := m.Status().Mode; got != "power_saver" {
		t.Fatalf("mode = %q, want power_saver", got)
	}

	// performance disables idle management entirely.
	fake.Advance(20 * time.Second)
	m.evaluate("monitor")
	if got := m.Status().State; got != StateWarm {
		t.Fatalf("state = %v, want warm under power_saver", got)
	}
	if err := m.SetMode("performance"); err != nil {
		t.Fatalf("SetMode(performance): %v", err)
	}
	if got := m.Status().State; got != StateActive {
		t.Fatalf("state = %v, disabling must snap back to active", got)
	}
	fake.Advance(time.Hour)
	m.evaluate("monitor")
	if got := m.Status().State; got != StateActive {
		t.Fatalf("state = %v, disabled manager must never leave active", got)
	}

	if err := m.SetMode("nope"); !errors.Is(err, ErrModeNotFound) {
		t.Errorf("SetMode(nope) = %v, want ErrModeNotFound", err)
	}
}

func TestManager_SetThresholdsRejectsNonMonotone(t *testing.T) {
	m, _ := testManager(t)

	err := m.SetThresholds(ThresholdPatch{Warm: ptr(400)}) // warm > default cool
	if err == nil {
		t.Fatal("non-monotone patch must be rejected")
	}
	if got := m.Status().Mode; got != "balanced" {
		t.Errorf("mode = %q, rejected patch must not switch mode", got)
	}

	if err := m.SetThresholds(ThresholdPatch{Warm: ptr(60)}); err != nil {
		t.Fatalf("valid patch rejected: %v", err)
	}
	st := m.Status()
	if st.Mode != CustomModeID {
		t.Errorf("mode = %q, want custom", st.Mode)
	}
	if st.Thresholds.Warm != 60 || st.Thresholds.Cool != 300 {
		t.Errorf("thresholds = %+v, want merge over balanced", st.Thresholds)
	}
}

type memProfileStore struct {
	saved []Mode
}

func (s *memProfileStore) Load() ([]Mode, error) { return s.saved, nil }
func (s *memProfileStore) Save(m []Mode) error   { s.saved = m; return nil }

func TestManager_ProfileCRUD(t *testing.T) {
	store := &memProfileStore{}
	m, _ := testManager(t, WithProfileStore(store))

	profile := Mode{
		ID:         "night",
		Name:       "Night",
		Thresholds: Thresholds{Warm: 5, Cool: 30, Cold: 60, Dormant: 120},
		Enabled:    true,
	}
	if err := m.CreateProfile(profile); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if err := m.CreateProfile(profile); !errors.Is(err, ErrModeExists) {
		t.Fatalf("duplicate create = %v, want ErrModeExists", err)
	}
	if len(store.saved) != 1 || store.saved[0].ID != "night" {
		t.Fatalf("profile not persisted: %+v", store.saved)
	}

	if err := m.UpdateProfile(Mode{ID: "balanced", Thresholds: DefaultThresholds()}); !errors.Is(err, ErrBuiltinReadOnly) {
		t.Fatalf("updating builtin = %v, want ErrBuiltinReadOnly", err)
	}
	if err := m.DeleteProfile("balanced"); !errors.Is(err, ErrBuiltinReadOnly) {
		t.Fatalf("deleting builtin = %v, want ErrBuiltinReadOnly", err)
	}

	if err := m.DuplicateProfile("power_saver", "night2", "Night 2"); err != nil {
		t.Fatalf("DuplicateProfile: %v", err)
	}

	// Deleting the active profile falls back to balanced.
	if err := m.SetMode("night"); err != nil {
		t.Fatalf("SetMode(night): %v", err)
	}
	if err := m.DeleteProfile("night"); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	if got := m.Status().Mode; got != "balanced" {
		t.Fatalf("mode = %q, want balanced after deleting active profile", got)
	}
}

func TestManager_LoadsStoredProfiles(t *testing.T) {
	store := &memProfileStore{saved: []Mode{
		{ID: "lab", Name: "Lab", Thresholds: Thresholds{5, 10, 20, 40}, Enabled: true},
	}}
	m, _ := testManager(t, WithProfileStore(store))

	if err := m.SetMode("lab"); err != nil {
		t.Fatalf("stored profile not loaded: %v", err)
	}
	if got := m.Status().Thresholds.Warm; got != 5 {
		t.Errorf("warm = %d, want 5 from stored profile", got)
	}
}

func TestManager_ForceState(t *testing.T) {
	m, _ := testManager(t)

	m.ForceState(StateDormant, "test")
	if got := m.Status().State; got != StateDormant {
		t.Fatalf("state = %v, want dormant", got)
	}
	hist := m.History(1)
	if hist[0].Trigger != "force:test" {
		t.Errorf("trigger = %q, want force:test", hist[0].Trigger)
	}
}

func TestManager_HooksFireOnTransitions(t *testing.T) {
	unloaded := false
	prewarmed := make(chan struct{}, 1)
	m, _ := testManager(t, WithHooks(ServiceHooks{
		UnloadLLM:  func() error { unloaded = true; return nil },
		PrewarmTTS: func() { prewarmed <- struct{}{} },
	}))

	m.ForceState(StateCold, "test")
	if !unloaded {
		t.Fatal("UnloadLLM must run on entering cold")
	}

	m.RecordActivity("test", "t")
	select {
	case <-prewarmed:
	case <-time.After(time.Second):
		t.Fatal("PrewarmTTS must run on waking from cold")
	}
}

func TestManager_StartStopIdempotent(t *testing.T) {
	m, _ := testManager(t, WithTickInterval(10*time.Millisecond))

	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
}

func TestManager_HistoryRingBounded(t *testing.T) {
	m, _ := testManager(t)

	states := []State{StateWarm, StateActive}
	for i := 0; i < 120; i++ {
		m.ForceState(states[i%2], "churn")
	}

	hist := m.History(0)
	if len(hist) != historyCap {
		t.Fatalf("history length = %d, want %d", len(hist), historyCap)
	}
	if got := m.History(5); len(got) != 5 {
		t.Errorf("History(5) returned %d entries", len(got))
	}
}

func ptr[T any](v T) *T { return &v }
