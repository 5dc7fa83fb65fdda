package nic

import (
	"errors"
	"fmt"
)

var (
	// ErrExhausted is returned when the buffer pool cannot supply a buffer.
	ErrExhausted = errors.New("buffer pool exhausted")
	// ErrBusy reports that every transmit control block is in use.
	// It is backpressure, not failure: the write should be queued and retried.
	ErrBusy = errors.New("transmit ring busy")
	// ErrResourceShortage reports a receive ring that bound no more
	// descriptors than the configured minimum. The device still runs.
	ErrResourceShortage         = errors.New("receive ring resource shortage")
	ErrInsufficientMapRegisters = errors.New("insufficient map registers")
	ErrInvalidLength            = errors.New("invalid payload length")
	ErrDeviceStopped            = errors.New("device stopped")
	ErrAlreadyStarted           = errors.New("device already started")
	ErrTransmitFailed           = errors.New("transmit failed")
	ErrContractViolation        = errors.New("contract violation")
	ErrDescriptorNotIdle        = fmt.Errorf("%w: descriptor not idle", ErrContractViolation)
	ErrIllegalTransition        = fmt.Errorf("%w: illegal descriptor state transition", ErrContractViolation)
	ErrOutOfOrderFree           = fmt.Errorf("%w: transmit block freed out of order", ErrContractViolation)
	ErrBlockNotInUse            = fmt.Errorf("%w: transmit block not in use", ErrContractViolation)
	ErrNotQuiescent             = fmt.Errorf("%w: ring not quiescent", ErrContractViolation)
	ErrRingStarved              = fmt.Errorf("%w: receive ring below minimum", ErrContractViolation)
	ErrRingOverflow             = fmt.Errorf("%w: ready count exceeds ring total", ErrContractViolation)
)

// must escalates a contract violation to a fatal fault.
func must(err error) {
	if err != nil {
		panic(err)
	}
}
