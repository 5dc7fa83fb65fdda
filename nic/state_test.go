package nic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescriptorState_Transitions(t *testing.T) {
	states := []DescriptorState{StateIdle, StateReady, StateInFlight, StateClientCopy, StateAbandoned}
	legal := map[[2]DescriptorState]bool{
		{StateIdle, StateReady}:          true,
		{StateReady, StateInFlight}:      true,
		{StateInFlight, StateClientCopy}: true,
		{StateInFlight, StateIdle}:       true,
		{StateInFlight, StateAbandoned}:  true,
		{StateClientCopy, StateIdle}:     true,
	}
	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, legal[[2]DescriptorState{from, to}], from.canTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestDescriptor_Transition(t *testing.T) {
	d := &Descriptor{index: 3}
	assert.ErrorContains(t, d.transition(StateInFlight), "descriptor 3 idle -> in-flight")
	assert.ErrorIs(t, d.transition(StateInFlight), ErrIllegalTransition)
	assert.Equal(t, StateIdle, d.State())
	assert.NoError(t, d.transition(StateReady))
	assert.Equal(t, StateReady, d.State())
}

func TestDescriptorState_String(t *testing.T) {
	assert.Equal(t, "client-copy", StateClientCopy.String())
	assert.Equal(t, "DescriptorState(9)", DescriptorState(9).String())
}
