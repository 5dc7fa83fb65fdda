package nic

import (
	"fmt"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/pcidrv-go/dma"
	"github.com/romshark/pcidrv-go/loopback"
	"github.com/romshark/pcidrv-go/test"
)

type fakeRequest struct {
	buf       []byte
	n         int
	err       error
	completed int
}

func (r *fakeRequest) Buffer() []byte  { return r.buf }
func (r *fakeRequest) Payload() []byte { return r.buf }

func (r *fakeRequest) Complete(n int, err error) bool {
	r.completed++
	if r.completed > 1 {
		return false
	}
	r.n, r.err = n, err
	return true
}

type fakeClient struct {
	reads   []*fakeRequest
	space   int
	onSpace func()
}

func (c *fakeClient) NextRead() ReadRequest {
	if len(c.reads) == 0 {
		return nil
	}
	r := c.reads[0]
	c.reads = c.reads[1:]
	return r
}

func (c *fakeClient) TransmitSpaceAvailable() {
	c.space++
	if c.onSpace != nil {
		c.onSpace()
	}
}

func (c *fakeClient) postRead(size int) *fakeRequest {
	r := &fakeRequest{buf: make([]byte, size)}
	c.reads = append(c.reads, r)
	return r
}

type harness struct {
	dev    *Device
	lb     *loopback.Device
	heap   *dma.Heap
	client *fakeClient
}

func testConfig() Config {
	return Config{
		NumRfd:      8,
		MinRfds:     2,
		MaxGrowRfds: 8,
		NumTcb:      4,
		FrameSize:   256,
		BatchSize:   4,
	}
}

func newHarness(t *testing.T, cfg Config, heapOpts ...dma.HeapOption) *harness {
	t.Helper()
	h := &harness{
		heap:   dma.NewHeap(heapOpts...),
		client: &fakeClient{},
	}
	h.lb = loopback.New(h.heap, test.NewLogger())
	dev, err := New(cfg, h.heap, h.lb, Options{Logger: test.NewLogger()})
	require.NoError(t, err)
	require.NoError(t, dev.Attach(h.client))
	h.lb.Connect(dev.HandleInterrupt)
	h.dev = dev
	return h
}

func (h *harness) write(t *testing.T, payload string) *fakeRequest {
	t.Helper()
	r := &fakeRequest{buf: []byte(payload)}
	require.NoError(t, h.dev.SubmitWrite(r))
	return r
}

func TestDevice_StartShutdown(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.dev.Start())
	assert.ErrorIs(t, h.dev.Start(), ErrAlreadyStarted)
	assert.ErrorIs(t, h.dev.Attach(&fakeClient{}), ErrAlreadyStarted)

	h.lb.Process()
	assert.Equal(t, 8, h.lb.Posted())
	assert.Equal(t, RingStats{RxReady: 8, RxTotal: 8, RxMax: 8, TxCount: 4}, h.dev.Rings())

	require.NoError(t, h.dev.Shutdown())
	assert.Zero(t, h.heap.Outstanding())
	assert.Equal(t, RingStats{}, h.dev.Rings())

	h.lb.Process()
	assert.Zero(t, h.lb.Posted())

	// Shutting down twice is a no-op, and the device can start again.
	require.NoError(t, h.dev.Shutdown())
	require.NoError(t, h.dev.Start())
	h.lb.Process()
	assert.Equal(t, 8, h.lb.Posted())
	require.NoError(t, h.dev.Shutdown())
	assert.Zero(t, h.heap.Outstanding())
}

func TestDevice_Loopback(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.dev.Start())

	reads := []*fakeRequest{h.client.postRead(64), h.client.postRead(64), h.client.postRead(3)}
	writes := []*fakeRequest{h.write(t, "frame-1"), h.write(t, "frame-2"), h.write(t, "frame-3")}

	h.lb.Process()

	for i, w := range writes {
		assert.Equal(t, 1, w.completed)
		assert.NoError(t, w.err)
		assert.Equal(t, len(w.buf), w.n)
		assert.Equal(t, 1, reads[i].completed)
		assert.NoError(t, reads[i].err)
	}
	assert.Equal(t, "frame-1", string(reads[0].buf[:reads[0].n]))
	assert.Equal(t, "frame-2", string(reads[1].buf[:reads[1].n]))
	// A short read buffer receives a truncated frame.
	assert.Equal(t, "fra", string(reads[2].buf[:reads[2].n]))

	assert.Equal(t, Stats{RxBytes: 7 + 7 + 3, TxBytes: 21}, h.dev.Stats())
	assert.Equal(t, RingStats{RxReady: 8, RxTotal: 8, RxMax: 8, TxCount: 4}, h.dev.Rings())
	assert.Equal(t, 8, h.lb.Posted())
	assert.Positive(t, h.client.space)

	require.NoError(t, h.dev.Shutdown())
	assert.Zero(t, h.heap.Outstanding())
}

func TestDevice_FrameWithoutReadIsDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.dev.Start())

	w := h.write(t, "unread")
	h.lb.Process()

	assert.Equal(t, 1, w.completed)
	assert.Equal(t, Stats{TxBytes: 6}, h.dev.Stats())
	assert.Equal(t, 8, h.dev.Rings().RxReady)

	// The descriptor was recycled and serves the next frame.
	r := h.client.postRead(16)
	h.write(t, "read")
	h.lb.Process()
	assert.Equal(t, "read", string(r.buf[:r.n]))

	require.NoError(t, h.dev.Shutdown())
}

func TestDevice_BusyUntilTransmitCompletes(t *testing.T) {
	cfg := testConfig()
	cfg.NumTcb = 2
	h := newHarness(t, cfg)
	require.NoError(t, h.dev.Start())

	w1 := h.write(t, "w1")
	w2 := h.write(t, "w2")
	w3 := &fakeRequest{buf: []byte("w3")}
	assert.ErrorIs(t, h.dev.SubmitWrite(w3), ErrBusy)
	assert.Zero(t, w3.completed)

	var retried error
	h.client.onSpace = func() {
		h.client.onSpace = nil
		retried = h.dev.SubmitWrite(w3)
	}
	h.lb.Process()

	require.NoError(t, retried)
	for _, w := range []*fakeRequest{w1, w2, w3} {
		assert.Equal(t, 1, w.completed)
		assert.NoError(t, w.err)
	}
	assert.Zero(t, h.dev.Rings().TxInUse)
	require.NoError(t, h.dev.Shutdown())
}

func TestDevice_InvalidLength(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.dev.Start())
	defer h.dev.Shutdown()

	assert.ErrorIs(t, h.dev.SubmitWrite(&fakeRequest{}), ErrInvalidLength)
	assert.ErrorIs(t, h.dev.SubmitWrite(&fakeRequest{buf: make([]byte, 257)}), ErrInvalidLength)
	assert.NoError(t, h.dev.SubmitWrite(&fakeRequest{buf: make([]byte, 256)}))
}

func TestDevice_TransmitRingClampedByMapRegisters(t *testing.T) {
	h := newHarness(t, testConfig(), dma.WithMapRegisters(5))
	require.NoError(t, h.dev.Start())
	assert.Equal(t, 2, h.dev.Rings().TxCount)
	require.NoError(t, h.dev.Shutdown())
}

func TestDevice_StartFailures(t *testing.T) {
	tests := []struct {
		name string
		opts []dma.HeapOption
		err  error
	}{
		{name: "map registers", opts: []dma.HeapOption{dma.WithMapRegisters(1)}, err: ErrInsufficientMapRegisters},
		{name: "transmit region", opts: []dma.HeapOption{dma.WithAllocationLimit(0)}, err: dma.ErrExhausted},
		{name: "no receive buffers", opts: []dma.HeapOption{dma.WithAllocationLimit(2)}, err: ErrExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), tt.opts...)
			assert.ErrorIs(t, h.dev.Start(), tt.err)
			assert.Zero(t, h.heap.Outstanding())
			assert.ErrorIs(t, h.dev.SubmitWrite(&fakeRequest{buf: []byte("x")}), ErrDeviceStopped)
		})
	}
}

func TestDevice_DegradedStart(t *testing.T) {
	cfg := testConfig()
	cfg.MinRfds = 4
	// Two allocations for the transmit ring, three receive buffers.
	h := newHarness(t, cfg, dma.WithAllocationLimit(5))
	require.NoError(t, h.dev.Start())
	assert.Equal(t, 3, h.dev.Rings().RxTotal)

	r := h.client.postRead(16)
	h.write(t, "still works")
	h.lb.Process()
	assert.Equal(t, "still works", string(r.buf[:r.n]))

	require.NoError(t, h.dev.Shutdown())
	assert.Zero(t, h.heap.Outstanding())
}

func TestDevice_ReceiveErrorAbandonsDescriptor(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.dev.Start())
	h.lb.Process()

	r1 := h.client.postRead(16)
	r2 := h.client.postRead(16)
	h.lb.InjectReceiveErrors(1)
	h.write(t, "bad")
	h.write(t, "good")
	h.lb.Process()

	assert.Equal(t, "good", string(r1.buf[:r1.n]))
	assert.Zero(t, r2.completed)
	assert.Equal(t, RingStats{RxReady: 7, RxTotal: 7, RxMax: 8, TxCount: 4}, h.dev.Rings())
	assert.Equal(t, 7, h.lb.Posted())

	require.NoError(t, h.dev.Shutdown())
	assert.Zero(t, h.heap.Outstanding())
}

func TestDevice_InjectedFrame(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.dev.Start())
	h.lb.Process()

	r := h.client.postRead(16)
	h.lb.Inject([]byte{1, 2, 3, 4})
	assert.Equal(t, []byte{1, 2, 3, 4}, r.buf[:r.n])
	assert.Equal(t, uint64(4), h.dev.Stats().RxBytes)
	require.NoError(t, h.dev.Shutdown())
}

func TestDevice_ShutdownCompletesBusySends(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.dev.Start())

	w1 := h.write(t, "one")
	w2 := h.write(t, "two")
	require.NoError(t, h.dev.Shutdown())

	for _, w := range []*fakeRequest{w1, w2} {
		assert.Equal(t, 1, w.completed)
		assert.ErrorIs(t, w.err, ErrDeviceStopped)
	}
	assert.Zero(t, h.heap.Outstanding())
	assert.ErrorIs(t, h.dev.SubmitWrite(&fakeRequest{buf: []byte("x")}), ErrDeviceStopped)

	// The reset aborted the doorbells of the freed blocks.
	h.lb.Process()
	assert.Zero(t, h.lb.Stats().Transmitted)
}

func TestDevice_ShutdownPanicsWhenNotQuiescent(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.dev.Start())

	h.dev.rcvLock.Lock()
	h.dev.rx.DrainReady(1)
	h.dev.rcvLock.Unlock()

	assert.PanicsWithError(t,
		fmt.Sprintf("%s: 1 of 8 receive descriptors outstanding", ErrNotQuiescent),
		func() { _ = h.dev.Shutdown() },
	)
}

func TestDevice_HandleInterruptNothingPending(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.dev.Start())
	assert.False(t, h.dev.HandleInterrupt())
	require.NoError(t, h.dev.Shutdown())
}

func TestDevice_Metrics(t *testing.T) {
	reg := metrics.NewRegistry()
	h := dma.NewHeap()
	lb := loopback.New(h, test.NewLogger())
	dev, err := New(testConfig(), h, lb, Options{Name: "eth1", Logger: test.NewLogger(), Metrics: reg})
	require.NoError(t, err)
	lb.Connect(dev.HandleInterrupt)
	require.NoError(t, dev.Start())

	require.NoError(t, dev.SubmitWrite(&fakeRequest{buf: []byte("12345")}))
	lb.Process()

	c, ok := reg.Get("nic.eth1.tx.bytes").(metrics.Counter)
	require.True(t, ok)
	assert.Equal(t, int64(5), c.Count())
	require.NoError(t, dev.Shutdown())
}

func TestDevice_TransmitFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.dev.Start())
	h.lb.Process()
	read := h.client.postRead(64)

	lost := h.write(t, "lost")
	h.dev.tx.Head().hwTCB.SetTBDArray(0xdead0000)
	h.lb.Process()

	assert.Equal(t, 1, lost.completed)
	assert.ErrorIs(t, lost.err, ErrTransmitFailed)
	assert.Zero(t, lost.n)
	assert.Zero(t, h.dev.Stats().TxBytes)
	assert.Zero(t, h.dev.Rings().TxInUse, "failed blocks are freed")
	assert.Zero(t, read.completed)

	sent := h.write(t, "sent")
	h.lb.Process()
	assert.NoError(t, sent.err)
	assert.Equal(t, 4, sent.n)
	assert.Equal(t, "sent", string(read.buf[:read.n]))
	assert.Equal(t, Stats{RxBytes: 4, TxBytes: 4}, h.dev.Stats())

	require.NoError(t, h.dev.Shutdown())
	assert.Zero(t, h.heap.Outstanding())
}

func TestDevice_ReceiveSpansBatches(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	require.NoError(t, h.dev.Start())
	h.lb.Process()
	require.Equal(t, 8, h.lb.Posted())

	// Frames pile up while the interrupt line is disconnected.
	h.lb.Connect(nil)
	const frames = 7
	require.Greater(t, frames, cfg.BatchSize)
	reads := make([]*fakeRequest, frames)
	for i := range frames {
		reads[i] = h.client.postRead(16)
		h.lb.Inject(fmt.Appendf(nil, "f%d", i))
	}
	assert.Zero(t, reads[0].completed)

	h.dev.NotifyReceiveInterrupt()

	for i, r := range reads {
		require.Equal(t, 1, r.completed, "read %d", i)
		assert.Equal(t, fmt.Sprintf("f%d", i), string(r.buf[:r.n]))
	}
	assert.Equal(t, RingStats{RxReady: 8, RxTotal: 8, RxMax: 8, TxCount: 4}, h.dev.Rings())
	assert.Equal(t, Stats{RxBytes: 2 * frames}, h.dev.Stats())

	require.NoError(t, h.dev.Shutdown())
	assert.Zero(t, h.heap.Outstanding())
}
