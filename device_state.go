package gamepads

import (
	"math"
	"sync"

	"github.com/doingharm/gamepad-relay/state"
)

const axisMax = math.MaxInt16

// deviceState folds control events into the current raw button and axis
// values of one device.
type deviceState struct {
	mu      sync.RWMutex
	buttons []state.RawButton
	axes    []float64
}

func newDeviceState(buttons, axes int) *deviceState {
	return &deviceState{
		buttons: make([]state.RawButton, buttons),
		axes:    make([]float64, axes),
	}
}

func (d *deviceState) apply(e ControlEvent) {
	if e.Index < 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch e.Type.Kind() {
	case Button:
		for len(d.buttons) <= e.Index {
			d.buttons = append(d.buttons, state.RawButton{})
		}
		pressed := e.Value != 0
		value := 0.0
		if pressed {
			value = 1
		}
		d.buttons[e.Index] = state.RawButton{Pressed: pressed, Value: value}
	case Axes:
		for len(d.axes) <= e.Index {
			d.axes = append(d.axes, 0)
		}
		d.axes[e.Index] = math.Max(-1, float64(e.Value)/axisMax)
	}
}

func (d *deviceState) snapshot() *state.RawSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return &state.RawSnapshot{
		Buttons: append([]state.RawButton(nil), d.buttons...),
		Axes:    append([]float64(nil), d.axes...),
	}
}
