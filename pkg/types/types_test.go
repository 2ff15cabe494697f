package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTerminal(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
		running  bool
	}{
		{StatePending, false, false},
		{StateStarted, false, true},
		{StateProgress, false, true},
		{StateSuccess, true, false},
		{StateFailure, true, false},
		{StateRevoked, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.True(t, tt.state.Valid())
			assert.Equal(t, tt.terminal, tt.state.Terminal())
			assert.Equal(t, tt.running, tt.state.Running())
		})
	}

	assert.False(t, State("RETRY").Valid())
}

func TestArgsAccessors(t *testing.T) {
	var decoded Args
	require.NoError(t, json.Unmarshal([]byte(`{"text":"hi","steps":3,"delay":0.25,"flag":"true","n":"7"}`), &decoded))

	assert.Equal(t, "hi", decoded.String("text", ""))
	assert.Equal(t, "fallback", decoded.String("missing", "fallback"))
	assert.Equal(t, "3", decoded.String("steps", ""))
	assert.Equal(t, 3, decoded.Int("steps", 0))
	assert.Equal(t, 7, decoded.Int("n", 0))
	assert.Equal(t, 0, decoded.Int("text", 0))
	assert.InDelta(t, 0.25, decoded.Float("delay", 1), 1e-9)
	assert.True(t, decoded.Bool("flag", false))
	assert.True(t, decoded.Bool("missing", true))

	var nilArgs Args
	assert.Equal(t, 5, nilArgs.Int("steps", 5))
}

func TestJobStateCloneDoesNotShareResult(t *testing.T) {
	orig := JobState{JobID: "a", State: StateSuccess, Result: map[string]any{"k": "v"}}
	cp := orig.Clone()
	cp.Result["k"] = "changed"

	assert.Equal(t, "v", orig.Result["k"])
}
