package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doingharm/gamepad-relay/state"
)

func TestWorkerInboundDecode(t *testing.T) {
	t.Parallel()

	msg, err := WorkerInbound.Decode([]byte(`{"type":"INIT","isPublic":true,"username":"alice"}`))
	require.NoError(t, err)
	init, ok := msg.(*Init)
	require.True(t, ok)
	assert.True(t, init.IsPublic)
	assert.Equal(t, "alice", init.Username)

	msg, err = WorkerInbound.Decode([]byte(`{"type":"UPDATE_STATE","state":{"buttons":[{"pressed":true,"value":1}],"axes":[0,-0.2],"timestamp":5}}`))
	require.NoError(t, err)
	upd := msg.(*UpdateState)
	require.NotNil(t, upd.State)
	assert.Equal(t, []float64{0, -0.2}, upd.State.Axes)

	msg, err = WorkerInbound.Decode([]byte(`{"type":"UPDATE_STATE","state":null}`))
	require.NoError(t, err)
	assert.Nil(t, msg.(*UpdateState).State)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		schema Schema
		data   string
		want   error
	}{
		{"unknown type", WorkerInbound, `{"type":"NOPE"}`, ErrUnknownType},
		{"outbound type on inbound boundary", WorkerInbound, `{"type":"BROADCAST_STATE"}`, ErrUnknownType},
		{"not json", WorkerInbound, `{`, ErrMalformed},
		{"wrong field type", WorkerInbound, `{"type":"INIT","isPublic":"yes"}`, ErrMalformed},
		{"axis out of range", WorkerInbound, `{"type":"UPDATE_STATE","state":{"buttons":[],"axes":[3]}}`, ErrMalformed},
		{"missing channel id", Internal, `{"type":"INIT_CHANNEL"}`, ErrMalformed},
		{"bad channel prefix", Internal, `{"type":"INIT_CHANNEL","channelId":"other:x"}`, ErrMalformed},
		{"missing username", External, `{"type":"SETUP_GAMEPAD_CHANNEL"}`, ErrMalformed},
		{"username with dot", External, `{"type":"SETUP_GAMEPAD_CHANNEL","username":"a.b"}`, ErrMalformed},
		{"internal type on external boundary", External, `{"type":"INIT_CHANNEL","channelId":"gamepad:a"}`, ErrUnknownType},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tc.schema.Decode([]byte(tc.data))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEncodeAddsType(t *testing.T) {
	t.Parallel()

	data, err := Encode(&BroadcastState{
		State:         &state.NormalizedState{Buttons: []state.Button{}, Axes: []float64{}, Timestamp: 9},
		ButtonChanges: state.ButtonChanges{Pressed: []int{0}, Released: []int{}},
		Timestamp:     9,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "BROADCAST_STATE", got["type"])
	assert.Equal(t, map[string]any{"pressed": []any{0.0}, "released": []any{}}, got["buttonChanges"])

	back, err := WorkerOutbound.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(9), back.(*BroadcastState).Timestamp)
}

func TestEnvelope(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Envelope{Message: &MonitoringStateChanged{Enabled: true}})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, EnvelopeSource, raw["source"])
	assert.Equal(t, "MONITORING_STATE_CHANGED", raw["type"])

	msg, err := OpenEnvelope(data)
	require.NoError(t, err)
	assert.True(t, msg.(*MonitoringStateChanged).Enabled)
}

func TestEnvelopeForeign(t *testing.T) {
	t.Parallel()

	for _, data := range []string{
		`{"type":"GAMEPAD_STATE","state":null}`,
		`{"source":"SOMEONE_ELSE","type":"GAMEPAD_STATE","state":null}`,
	} {
		_, err := OpenEnvelope([]byte(data))
		assert.ErrorIs(t, err, ErrForeign)
	}
}

func TestFailure(t *testing.T) {
	t.Parallel()

	_, err := Internal.Decode([]byte(`{"type":"WAT"}`))
	resp := Failure(err)
	assert.False(t, resp.Success)
	assert.Equal(t, UnknownMessageType, resp.Error)
}

func TestRoundTripCopies(t *testing.T) {
	t.Parallel()

	s := &state.NormalizedState{Buttons: []state.Button{{Pressed: true, Value: 1}}, Axes: []float64{0.5}}
	out, err := Internal.RoundTrip(&GamepadState{State: s})
	require.NoError(t, err)

	got := out.(*GamepadState)
	got.State.Axes[0] = -1
	assert.Equal(t, 0.5, s.Axes[0])
}

func TestOrigins(t *testing.T) {
	t.Parallel()

	origins := NewOrigins([]string{"https://Gamepad.doingharm.dev", "http://localhost:3000/", "not an origin"})
	assert.Len(t, origins, 2)

	for _, origin := range []string{
		"https://gamepad.doingharm.dev",
		"HTTPS://GAMEPAD.DOINGHARM.DEV",
		"http://localhost:3000",
		"HTTP://LOCALHOST:3000",
	} {
		assert.True(t, origins.Allows(origin), origin)
	}
	for _, origin := range []string{"", "null", "http://localhost:3001", "https://localhost:3000"} {
		assert.False(t, origins.Allows(origin), origin)
	}
}
