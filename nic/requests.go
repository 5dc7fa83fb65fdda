package nic

// ReadRequest is a client read the receive pipeline copies a frame into.
type ReadRequest interface {
	Buffer() []byte
	// Complete finishes the request. It reports false if the request was
	// already completed; a request is never completed twice.
	Complete(n int, err error) bool
}

// WriteRequest is a client write serviced by one transmit control block.
type WriteRequest interface {
	Payload() []byte
	Complete(n int, err error) bool
}

// Client is the request queue on the far side of the rings.
// Its methods are called from interrupt work without any device lock held.
type Client interface {
	// NextRead returns the oldest pending read, or nil if there is none.
	// The returned request is owned by the device until completed.
	NextRead() ReadRequest

	// TransmitSpaceAvailable is called after transmit blocks were freed.
	TransmitSpaceAvailable()
}
