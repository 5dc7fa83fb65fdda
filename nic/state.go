package nic

import "fmt"

// DescriptorState is the ownership state of a receive descriptor.
//
//	Idle ──recycle──▶ Ready ──drain──▶ InFlight ──▶ ClientCopy ──▶ Idle
//	                                      │  └─────(no reader)────▶ Idle
//	                                      └──(DMA error)──▶ Abandoned
type DescriptorState uint8

const (
	// StateIdle: owned by nobody, must be recycled before reuse.
	StateIdle DescriptorState = iota
	// StateReady: on the ring list, posted to the device.
	StateReady
	// StateInFlight: drained from the ring, owned by the receive pipeline.
	StateInFlight
	// StateClientCopy: payload is being copied into a client read.
	StateClientCopy
	// StateAbandoned: excluded from the ring for the rest of the session.
	StateAbandoned
)

func (s DescriptorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateInFlight:
		return "in-flight"
	case StateClientCopy:
		return "client-copy"
	case StateAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("DescriptorState(%d)", uint8(s))
}

func (s DescriptorState) canTransition(to DescriptorState) bool {
	switch s {
	case StateIdle:
		return to == StateReady
	case StateReady:
		return to == StateInFlight
	case StateInFlight:
		return to == StateClientCopy || to == StateIdle || to == StateAbandoned
	case StateClientCopy:
		return to == StateIdle
	case StateAbandoned:
		return false
	}
	return false
}
