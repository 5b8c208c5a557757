package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionListenAcceptPath(t *testing.T) {
	s := StateNone

	next, err := Transition(s, EventStart)
	require.NoError(t, err)
	require.Equal(t, StateListen, next)

	next, err = Transition(next, EventAccept)
	require.NoError(t, err)
	require.Equal(t, StateConnected, next)

	next, err = Transition(next, EventLose)
	require.NoError(t, err)
	require.Equal(t, StateListen, next)
}

func TestTransitionConnectPath(t *testing.T) {
	next, err := Transition(StateNone, EventConnect)
	require.NoError(t, err)
	require.Equal(t, StateConnecting, next)

	failed, err := Transition(next, EventFail)
	require.NoError(t, err)
	require.Equal(t, StateListen, failed)

	connected, err := Transition(next, EventConnected)
	require.NoError(t, err)
	require.Equal(t, StateConnected, connected)
}

func TestTransitionStopFromAnyStateGoesNone(t *testing.T) {
	states := []State{StateNone, StateListen, StateConnecting, StateConnected}
	for _, state := range states {
		next, err := Transition(state, EventStop)
		require.NoError(t, err)
		require.Equal(t, StateNone, next)
	}
}

func TestTransitionConnectedOnlyThroughAcceptOrConnect(t *testing.T) {
	events := []Event{EventStart, EventConnect, EventAccept, EventConnected, EventFail, EventLose, EventStop}
	states := []State{StateNone, StateListen, StateConnecting, StateConnected}

	for _, state := range states {
		for _, event := range events {
			next, err := Transition(state, event)
			if err != nil || next != StateConnected || state == StateConnected {
				continue
			}
			require.Contains(t, []Event{EventAccept, EventConnected}, event)
			require.Contains(t, []State{StateListen, StateConnecting}, state)
		}
	}
}

func TestTransitionMatrixInvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		event   Event
		want    State
		wantErr bool
	}{
		{name: "none accept invalid", state: StateNone, event: EventAccept, want: StateNone, wantErr: true},
		{name: "none connected invalid", state: StateNone, event: EventConnected, want: StateNone, wantErr: true},
		{name: "none lose invalid", state: StateNone, event: EventLose, want: StateNone, wantErr: true},
		{name: "listen connected invalid", state: StateListen, event: EventConnected, want: StateListen, wantErr: true},
		{name: "listen fail invalid", state: StateListen, event: EventFail, want: StateListen, wantErr: true},
		{name: "listen lose invalid", state: StateListen, event: EventLose, want: StateListen, wantErr: true},
		{name: "connecting lose invalid", state: StateConnecting, event: EventLose, want: StateConnecting, wantErr: true},
		{name: "connected accept invalid", state: StateConnected, event: EventAccept, want: StateConnected, wantErr: true},
		{name: "connected connect invalid", state: StateConnected, event: EventConnect, want: StateConnected, wantErr: true},
		{name: "connected fail invalid", state: StateConnected, event: EventFail, want: StateConnected, wantErr: true},
		{name: "connecting accept valid", state: StateConnecting, event: EventAccept, want: StateConnected, wantErr: false},
		{name: "connecting reconnect valid", state: StateConnecting, event: EventConnect, want: StateConnecting, wantErr: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.state, tc.event)
			require.Equal(t, tc.want, next)
			if tc.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), "invalid transition")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTransitionUnknownState(t *testing.T) {
	next, err := Transition(State("mystery"), EventStart)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown state")
	require.Equal(t, State("mystery"), next)
}
