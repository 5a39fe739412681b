// Package idle implements the tiered idle state machine that lets the
// server shed heavyweight resources while no user is talking to it.
//
// A [Manager] tracks the time since the last recorded activity and walks a
// five-level ladder (active, warm, cool, cold, dormant) driven by a
// background monitor. Components register handlers to react to transitions,
// and power modes swap the threshold profile at runtime.
package idle

import (
	"fmt"
	"time"
)

// State is one tier of presumed user absence. Higher levels authorise
// heavier resource reclamation.
type State int

const (
	StateActive State = iota
	StateWarm
	StateCool
	StateCold
	StateDormant
)

// Level returns the numeric tier, 0 (active) through 4 (dormant).
func (s State) Level() int { return int(s) }

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarm:
		return "warm"
	case StateCool:
		return "cool"
	case StateCold:
		return "cold"
	case StateDormant:
		return "dormant"
	default:
		return "unknown"
	}
}

// Thresholds holds the idle durations, in seconds, at which each state is
// entered. Bounds are inclusive: idle == Warm yields [StateWarm].
type Thresholds struct {
	Warm    int `yaml:"warm" json:"warm"`
	Cool    int `yaml:"cool" json:"cool"`
	Cold    int `yaml:"cold" json:"cold"`
	Dormant int `yaml:"dormant" json:"dormant"`
}

// DefaultThresholds returns the balanced profile: 30 s / 5 m / 30 m / 2 h.
func DefaultThresholds() Thresholds {
	return Thresholds{Warm: 30, Cool: 300, Cold: 1800, Dormant: 7200}
}

// Validate enforces strictly increasing positive thresholds.
func (t Thresholds) Validate() error {
	if t.Warm <= 0 {
		return fmt.Errorf("warm threshold must be positive, got %d", t.Warm)
	}
	if t.Cool <= t.Warm || t.Cold <= t.Cool || t.Dormant <= t.Cold {
		return fmt.Errorf("thresholds must be strictly increasing: warm=%d cool=%d cold=%d dormant=%d",
			t.Warm, t.Cool, t.Cold, t.Dormant)
	}
	return nil
}

// stateFor maps an idle duration onto the ladder.
func (t Thresholds) stateFor(idle time.Duration) State {
	secs := idle.Seconds()
	switch {
	case secs >= float64(t.Dormant):
		return StateDormant
	case secs >= float64(t.Cold):
		return StateCold
	case secs >= float64(t.Cool):
		return StateCool
	case secs >= float64(t.Warm):
		return StateWarm
	default:
		return StateActive
	}
}

// Transition records one state change.
type Transition struct {
	From        State     `json:"from"`
	To          State     `json:"to"`
	Trigger     string    `json:"trigger"`
	Timestamp   time.Time `json:"timestamp"`
	SecondsIdle float64   `json:"seconds_idle"`
}

// Handler is invoked with the transition that occurred. Handlers run
// sequentially after the state has changed; a panic in one handler is
// logged and does not stop the others.
type Handler func(Transition)

// ServiceHooks are optional callbacks bound to specific transitions. Unset
// slots are no-ops. Unload hooks run inline on the monitor goroutine and
// their errors are logged; pre-warm hooks are launched fire-and-forget and
// must tolerate cancellation internally.
type ServiceHooks struct {
	// UnloadLLM runs when entering StateCold.
	UnloadLLM func() error

	// UnloadAudio runs when entering StateDormant.
	UnloadAudio func() error

	// PrewarmTTS runs in its own goroutine when returning to StateActive
	// from StateCold or deeper.
	PrewarmTTS func()

	// PrewarmSTT runs in its own goroutine when returning to StateActive
	// from StateCold or deeper.
	PrewarmSTT func()
}
