// Package state holds the canonical gamepad state exchanged between the
// capture, detection, routing and publishing stages, plus the normalizer and
// change detector that turn raw device samples into broadcast decisions.
package state

import (
	"math"
)

const (
	// DefaultDeadzone is used when no per-user deadzone is configured.
	DefaultDeadzone = 0.1
	// Precision is the number of decimal digits kept on every numeric output.
	Precision = 3
)

// RawButton is one button as reported by the device.
type RawButton struct {
	Pressed bool
	Value   float64
}

// RawSnapshot is the unprocessed device state captured on one poll tick.
type RawSnapshot struct {
	Buttons   []RawButton
	Axes      []float64
	Timestamp int64 // milliseconds, monotonic
}

// Button is one normalized button.
type Button struct {
	Pressed bool    `json:"pressed"`
	Value   float64 `json:"value"`
}

// NormalizedState is the unit exchanged between all pipeline stages.
// A nil *NormalizedState means "no controller".
type NormalizedState struct {
	Buttons   []Button  `json:"buttons"`
	Axes      []float64 `json:"axes"`
	Timestamp int64     `json:"timestamp"`
}

// Clone returns a deep copy of s. Clone of nil is nil.
func (s *NormalizedState) Clone() *NormalizedState {
	if s == nil {
		return nil
	}
	return &NormalizedState{
		Buttons:   append([]Button(nil), s.Buttons...),
		Axes:      append([]float64(nil), s.Axes...),
		Timestamp: s.Timestamp,
	}
}

// Rest returns a copy of s with every button released and every axis at 0.
func (s *NormalizedState) Rest(timestamp int64) *NormalizedState {
	if s == nil {
		return nil
	}
	return &NormalizedState{
		Buttons:   make([]Button, len(s.Buttons)),
		Axes:      make([]float64, len(s.Axes)),
		Timestamp: timestamp,
	}
}

// Active reports whether any button is pressed or any axis lies outside the
// deadzone.
func (s *NormalizedState) Active(deadzone float64) bool {
	if s == nil {
		return false
	}
	for _, b := range s.Buttons {
		if b.Pressed {
			return true
		}
	}
	for _, a := range s.Axes {
		if outsideDeadzone(a, deadzone) {
			return true
		}
	}
	return false
}

// PressedIndexes lists the indexes of pressed buttons.
func (s *NormalizedState) PressedIndexes() (dest []int) {
	if s == nil {
		return
	}
	for i, b := range s.Buttons {
		if b.Pressed {
			dest = append(dest, i)
		}
	}
	return
}

// outsideDeadzone is strict: an axis resting exactly on the deadzone edge
// counts as idle.
func outsideDeadzone(v, deadzone float64) bool {
	return math.Abs(v) > deadzone
}

func round(v float64) float64 {
	p := math.Pow10(Precision)
	r := math.Round(v*p) / p
	if r == 0 {
		// collapse -0
		return 0
	}
	return r
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
