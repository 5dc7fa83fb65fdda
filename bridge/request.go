package bridge

import (
	"context"
	"sync/atomic"
)

const (
	statePending int32 = iota
	stateClaimed
	stateDone
)

// Request is a read or write handed to the bridge. It is completed exactly
// once, by the device, by Cancel or by Bridge.Close.
type Request struct {
	buf   []byte
	state atomic.Int32

	// cancelRequested is set by Cancel. A claimed request cannot be
	// completed by Cancel; the flag lets unclaim finish it instead.
	cancelRequested atomic.Bool

	n    int
	err  error
	done chan struct{}
}

// NewRequest creates a request over buf: the destination of a read or the
// payload of a write.
func NewRequest(buf []byte) *Request {
	return &Request{buf: buf, done: make(chan struct{})}
}

func (r *Request) Buffer() []byte  { return r.buf }
func (r *Request) Payload() []byte { return r.buf }

// Complete records the result and wakes waiters. Only the first call has
// an effect; it reports whether this call completed the request.
func (r *Request) Complete(n int, err error) bool {
	for {
		s := r.state.Load()
		if s == stateDone {
			return false
		}
		if r.state.CompareAndSwap(s, stateDone) {
			r.n, r.err = n, err
			close(r.done)
			return true
		}
	}
}

// Cancel completes the request with ErrCanceled unless the device already
// owns it. A request that was owned at the time is completed with
// ErrCanceled once the device hands it back without using it.
func (r *Request) Cancel() bool {
	r.cancelRequested.Store(true)
	if !r.state.CompareAndSwap(statePending, stateDone) {
		return false
	}
	r.err = ErrCanceled
	close(r.done)
	return true
}

// Done is closed once the request is complete.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the completion result. It must be called after Done is
// closed.
func (r *Request) Result() (int, error) { return r.n, r.err }

// Wait blocks until the request completes or ctx is done. If ctx ends
// first the request is canceled; if the device already owns it, Wait
// keeps waiting for the device to complete it.
func (r *Request) Wait(ctx context.Context) (int, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
	}
	if r.Cancel() {
		return 0, ctx.Err()
	}
	<-r.done
	return r.Result()
}

func (r *Request) tryClaim() bool {
	return r.state.CompareAndSwap(statePending, stateClaimed)
}

// unclaim returns a claimed request to pending. It reports false if a
// cancel arrived meanwhile, in which case the request is now complete.
func (r *Request) unclaim() bool {
	r.state.Store(statePending)
	if r.cancelRequested.Load() && r.Complete(0, ErrCanceled) {
		return false
	}
	return r.state.Load() == statePending
}
