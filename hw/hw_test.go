package hw

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	tests := []struct {
		name string
		r    Resource
		err  string
	}{
		{name: "memory", r: Resource{Kind: KindMemory, Mem: make([]byte, WindowSize)}},
		{name: "memory nil", r: Resource{Kind: KindMemory}, err: "resource has no backing: memory"},
		{name: "memory small", r: Resource{Kind: KindMemory, Mem: make([]byte, 4)}, err: "register window too small: 4 < 16"},
		{name: "port nil", r: Resource{Kind: KindPort}, err: "resource has no backing: port"},
		{name: "unknown", r: Resource{Kind: Kind(7)}, err: "unknown resource kind: Kind(7)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Map(tt.r)
			if tt.err != "" {
				assert.ErrorContains(t, err, tt.err)
				assert.Nil(t, a)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, a)
		})
	}
}

func TestMemoryAccessor(t *testing.T) {
	mem := make([]byte, WindowSize)
	a, err := NewMemoryAccessor(mem)
	require.NoError(t, err)

	a.Write16(RegCommand, CmdCUStart)
	assert.Equal(t, []byte{0x10, 0x00}, mem[2:4])
	assert.Equal(t, CmdCUStart, a.Read16(RegCommand))

	WritePointer(a, 0x1122_3344_5566_7788)
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, mem[4:12])
	assert.Equal(t, uint64(0x1122_3344_5566_7788), ReadPointer(a))
}

func TestPortAccessor(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "port"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(0x100+WindowSize))

	a, err := Map(Resource{Kind: KindPort, Port: f, Base: 0x100})
	require.NoError(t, err)

	a.Write16(RegIntMask, IntMaskAll)
	assert.Equal(t, IntMaskAll, a.Read16(RegIntMask))

	var b [2]byte
	_, err = f.ReadAt(b[:], 0x100+int64(RegIntMask))
	require.NoError(t, err)
	assert.Equal(t, [2]byte{0x01, 0x00}, b)

	assert.NoError(t, a.(*PortAccessor).Err())
}

func TestPortAccessor_LatchesError(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "port"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a := NewPortAccessor(f, 0)
	assert.Equal(t, uint16(0xFFFF), a.Read16(RegStatus))
	a.Write16(RegStatus, 1)
	assert.ErrorContains(t, a.Err(), "reading register 0x0")
}

func TestRFDLayout(t *testing.T) {
	b := make([]byte, RFDHeaderSize)
	r := RFD(b)
	r.Reset(2048)
	r.SetStatus(DescComplete | DescOK)
	r.SetActualCount(4)
	assert.Equal(t, []byte{0x00, 0xA0, 0x04, 0x00, 0x00, 0x08}, b)
	assert.Equal(t, uint16(2048), r.Size())

	// Header plus shift offset fill exactly one alignment unit.
	assert.Equal(t, DataAlign, RFDHeaderSize+RFDShiftOffset)
}

func TestTCBLayout(t *testing.T) {
	b := make([]byte, TCBSize)
	tcb := TCB(b)
	tcb.SetCommand(CmdEL | CmdI | CmdTransmit)
	tcb.SetByteCount(1500)
	tcb.SetTBDCount(2)
	tcb.SetLink(0x0102030405060708)
	tcb.SetTBDArray(0x1000)
	assert.Equal(t, []byte{
		0x00, 0x00, // status
		0x04, 0xA0, // command
		0xDC, 0x05, // byte count
		0x02, 0x00, // tbd count
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, // link
		0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // tbd array
	}, b)

	tbd := TBD(make([]byte, TBDSize))
	tbd.SetAddr(0xdead_beef)
	tbd.SetSize(60)
	assert.Equal(t, uint64(0xdead_beef), tbd.Addr())
	assert.Equal(t, uint32(60), tbd.Size())
}
