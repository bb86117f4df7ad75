package state

import "math"

// Normalize converts a raw snapshot into a NormalizedState.
//
// Axes use a plain threshold clamp: values whose magnitude is below the
// deadzone collapse to exactly 0, all others pass through unscaled. Button
// values are clamped to [0,1]; a pressed button without analog pressure
// reports 1. All numbers are rounded to Precision digits.
//
// Normalize of a nil snapshot is nil.
func Normalize(raw *RawSnapshot, deadzone float64) *NormalizedState {
	if raw == nil {
		return nil
	}

	dest := &NormalizedState{
		Buttons:   make([]Button, len(raw.Buttons)),
		Axes:      ApplyDeadzone(raw.Axes, deadzone),
		Timestamp: raw.Timestamp,
	}

	for i, b := range raw.Buttons {
		value := clamp(b.Value, 0, 1)
		if b.Pressed && value == 0 {
			value = 1
		}
		dest.Buttons[i] = Button{Pressed: b.Pressed, Value: round(value)}
	}

	return dest
}

// ApplyDeadzone returns a new slice with the deadzone clamp and rounding
// applied to each axis.
func ApplyDeadzone(axes []float64, deadzone float64) []float64 {
	dest := make([]float64, len(axes))
	for i, v := range axes {
		v = clamp(v, -1, 1)
		if math.Abs(v) < deadzone {
			continue
		}
		dest[i] = round(v)
	}
	return dest
}

// Renormalize runs an already-normalized state through Normalize again,
// e.g. when a producer normalized with a different deadzone. The threshold
// clamp is idempotent, so states normalized with the same deadzone come
// back unchanged.
func Renormalize(s *NormalizedState, deadzone float64) *NormalizedState {
	if s == nil {
		return nil
	}
	raw := &RawSnapshot{
		Buttons:   make([]RawButton, len(s.Buttons)),
		Axes:      s.Axes,
		Timestamp: s.Timestamp,
	}
	for i, b := range s.Buttons {
		raw.Buttons[i] = RawButton{Pressed: b.Pressed, Value: b.Value}
	}
	return Normalize(raw, deadzone)
}
