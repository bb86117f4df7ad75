package state

import (
	"math"
	"time"
)

const (
	// DefaultDebounce is the minimum spacing between two edges of one button.
	DefaultDebounce = 50 * time.Millisecond
	// DefaultAxisEpsilon is the smallest axis movement worth reporting.
	DefaultAxisEpsilon = 0.01
)

// DetectorConfig tunes change detection.
type DetectorConfig struct {
	Deadzone    float64
	Debounce    time.Duration
	AxisEpsilon float64
}

// DefaultDetectorConfig returns the stock thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Deadzone:    DefaultDeadzone,
		Debounce:    DefaultDebounce,
		AxisEpsilon: DefaultAxisEpsilon,
	}
}

// ButtonChanges lists the button indexes that produced an accepted edge.
type ButtonChanges struct {
	Pressed  []int `json:"pressed"`
	Released []int `json:"released"`
}

// Empty reports whether no edge was accepted.
func (c ButtonChanges) Empty() bool {
	return len(c.Pressed) == 0 && len(c.Released) == 0
}

// Result is the outcome of one detection step.
type Result struct {
	Changed bool
	ButtonChanges
}

// Detector decides whether a new state is worth broadcasting. It keeps the
// timestamp of the last accepted edge per button so that no two edges for
// one button are closer than the debounce window. Edges inside the window
// are dropped, never queued.
//
// A Detector is not safe for concurrent use; callers serialize access.
type Detector struct {
	cfg      DetectorConfig
	lastEdge map[int]int64
}

// NewDetector returns a Detector. Zero fields of cfg fall back to defaults,
// except Deadzone which may legitimately be 0.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.AxisEpsilon <= 0 {
		cfg.AxisEpsilon = DefaultAxisEpsilon
	}
	return &Detector{
		cfg:      cfg,
		lastEdge: make(map[int]int64),
	}
}

// Config returns the active thresholds.
func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

// SetDeadzone changes the deadzone used for activity and axis checks.
func (d *Detector) SetDeadzone(deadzone float64) {
	d.cfg.Deadzone = deadzone
}

// Reset forgets all edge bookkeeping, as after a reconnect.
func (d *Detector) Reset() {
	d.lastEdge = make(map[int]int64)
}

// Detect compares next against prev, the previously observed state.
//
// A nil prev is a full-state sync: the result is always changed, and pressed
// buttons are reported as press edges against an implicit rest state. A nil
// next (device gone) is changed only if prev was not already nil.
func (d *Detector) Detect(prev, next *NormalizedState) Result {
	res := Result{ButtonChanges: ButtonChanges{Pressed: []int{}, Released: []int{}}}

	if next == nil {
		res.Changed = prev != nil
		return res
	}

	d.edges(prev, next, &res.ButtonChanges)

	switch {
	case prev == nil:
		res.Changed = true
	case len(prev.Buttons) != len(next.Buttons) || len(prev.Axes) != len(next.Axes):
		res.Changed = true
	case !res.Empty():
		res.Changed = true
	case d.axisMoved(prev, next):
		res.Changed = true
	case next.Active(d.cfg.Deadzone):
		res.Changed = true
	case prev.Active(d.cfg.Deadzone):
		// activity just ended: exactly one rest state goes out
		res.Changed = true
	}

	return res
}

func (d *Detector) edges(prev, next *NormalizedState, dest *ButtonChanges) {
	now := next.Timestamp
	window := d.cfg.Debounce.Milliseconds()

	for i, b := range next.Buttons {
		was := prev != nil && i < len(prev.Buttons) && prev.Buttons[i].Pressed
		if b.Pressed == was {
			continue
		}

		if last, ok := d.lastEdge[i]; ok && now >= last && now-last < window {
			continue
		}
		d.lastEdge[i] = now

		if b.Pressed {
			dest.Pressed = append(dest.Pressed, i)
		} else {
			dest.Released = append(dest.Released, i)
		}
	}
}

func (d *Detector) axisMoved(prev, next *NormalizedState) bool {
	for i, a := range next.Axes {
		if i >= len(prev.Axes) {
			return true
		}
		p := prev.Axes[i]
		if !outsideDeadzone(a, d.cfg.Deadzone) && !outsideDeadzone(p, d.cfg.Deadzone) {
			continue
		}
		if math.Abs(a-p) > d.cfg.AxisEpsilon {
			return true
		}
	}
	return false
}
