package cpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func realModeA20Off() *State {
	s := NewState(ModeReal)
	s.A20Enabled = false
	return s
}

func TestContiguityLenOneAlwaysContiguous(t *testing.T) {
	s := realModeA20Off()
	masked, ok := Contiguity(s, 0x10_0005, 1)
	require.True(t, ok)
	require.Equal(t, uint64(0x5), masked, "bit 20 forced low")
}

func TestContiguityLongModeOverflowOnly(t *testing.T) {
	s := NewState(ModeLong)
	masked, ok := Contiguity(s, 0xFFFF_FFFF_0000_0000, 8)
	require.True(t, ok)
	require.Equal(t, uint64(0xFFFF_FFFF_0000_0000), masked, "no masking in long mode")

	_, ok = Contiguity(s, ^uint64(3), 8)
	require.False(t, ok, "u64 range overflow splits the access")
}

func TestContiguity32BitWrap(t *testing.T) {
	s := NewState(ModeProtected)
	_, ok := Contiguity(s, 0xFFFF_FFFE, 4)
	require.False(t, ok)

	masked, ok := Contiguity(s, 0x1_0000_1000, 4)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), masked, "linear addresses truncate to 32 bits")
}

func TestContiguityA20Window(t *testing.T) {
	s := realModeA20Off()
	_, ok := Contiguity(s, 0xF_FFFE, 4)
	require.False(t, ok, "crosses the 1MiB boundary")

	masked, ok := Contiguity(s, 0x10_0000, 4)
	require.True(t, ok)
	require.Equal(t, uint64(0), masked, "second megabyte aliases the first")

	s.A20Enabled = true
	masked, ok = Contiguity(s, 0xF_FFFE, 4)
	require.True(t, ok)
	require.Equal(t, uint64(0xF_FFFE), masked)
}

// The contiguity law: when Contiguity returns a start, the bulk access and
// the per-byte loop must observe identical bytes; when it does not, the
// split read must still see the A20-aliased layout.
func TestMaskedReadMatchesPerByteLoop(t *testing.T) {
	s := realModeA20Off()
	bus := NewFlatBus(0x20_0000)
	bus.RAM[0xF_FFFE] = 0x11
	bus.RAM[0xF_FFFF] = 0x22
	bus.RAM[0x0] = 0x33
	bus.RAM[0x1] = 0x44

	v, err := ReadU32Masked(s, bus, 0xF_FFFE)
	require.NoError(t, err)
	require.Equal(t, uint32(0x4433_2211), v)

	var want uint32
	for i := 0; i < 4; i++ {
		b, err := bus.ReadU8(s.ApplyA20(0xF_FFFE + uint64(i)))
		require.NoError(t, err)
		want |= uint32(b) << (8 * i)
	}
	require.Equal(t, want, v)

	for addr := uint64(0x1000); addr < 0x1010; addr++ {
		if masked, ok := Contiguity(s, addr, 4); ok {
			bulk, err := bus.ReadU32(masked)
			require.NoError(t, err)
			split, err := readBytesMasked(s, bus, addr, 4)
			require.NoError(t, err)
			require.Equal(t, bulk, uint32(split[0])|uint32(split[1])<<8|uint32(split[2])<<16|uint32(split[3])<<24)
		}
	}
}

func TestWrappedWriteCommitsBothRuns(t *testing.T) {
	s := realModeA20Off()
	bus := NewFlatBus(0x10_0000)

	require.NoError(t, WriteU32Masked(s, bus, 0xF_FFFE, 0x4433_2211))
	require.Equal(t, byte(0x11), bus.RAM[0xF_FFFE])
	require.Equal(t, byte(0x22), bus.RAM[0xF_FFFF])
	require.Equal(t, byte(0x33), bus.RAM[0x0])
	require.Equal(t, byte(0x44), bus.RAM[0x1])
}

// vetoBus fails write preflight (and writes) inside a protected window.
type vetoBus struct {
	*FlatBus
	lo, hi uint64
}

func (b *vetoBus) vetoed(addr uint64, n int) bool {
	return addr < b.hi && addr+uint64(n) > b.lo
}

func (b *vetoBus) PreflightWriteBytes(addr uint64, n int) error {
	if b.vetoed(addr, n) {
		return GeneralProtection(0)
	}
	return b.FlatBus.PreflightWriteBytes(addr, n)
}

func (b *vetoBus) WriteU8(addr uint64, v uint8) error {
	if b.vetoed(addr, 1) {
		return GeneralProtection(0)
	}
	return b.FlatBus.WriteU8(addr, v)
}

func TestWrappedWriteAtomicOnPreflightFault(t *testing.T) {
	s := realModeA20Off()
	bus := &vetoBus{FlatBus: NewFlatBus(0x10_0000), lo: 0, hi: 0x10}

	// The wrap lands the tail bytes at 0x0..0x1, which the bus vetoes.
	// The head run at 0xFFFFE is writable, but nothing may commit.
	err := WriteU32Masked(s, bus, 0xF_FFFE, 0x4433_2211)
	require.Error(t, err)
	require.Equal(t, byte(0), bus.RAM[0xF_FFFE])
	require.Equal(t, byte(0), bus.RAM[0xF_FFFF])
	require.Equal(t, byte(0), bus.RAM[0x0])
}
