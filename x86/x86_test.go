package x86

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
)

func TestDecodePrefixes(t *testing.T) {
	in, err := Decode([]byte{0xF0, 0x48, 0x01, 0x18}, 64) // lock add [rax], rbx
	require.NoError(t, err)
	require.Equal(t, x86asm.ADD, in.Op)
	require.True(t, in.Lock)
	require.False(t, in.Rep)

	// An illegal LOCK still decodes with Lock set; legality is the
	// executor's call.
	in, err = Decode([]byte{0xF0, 0x90}, 64) // lock nop
	require.NoError(t, err)
	require.True(t, in.Lock)

	in, err = Decode([]byte{0xF3, 0xA4}, 64) // rep movsb
	require.NoError(t, err)
	require.Equal(t, x86asm.MOVSB, in.Op)
	require.True(t, in.Rep)

	in, err = Decode([]byte{0x64, 0x48, 0x8B, 0x00}, 64) // mov rax, fs:[rax]
	require.NoError(t, err)
	require.Equal(t, cpu.SegFS, in.SegOverride)

	in, err = Decode([]byte{0x90}, 64)
	require.NoError(t, err)
	require.Equal(t, -1, in.SegOverride)
}

func TestDecodeBadBytesIsUD(t *testing.T) {
	_, err := Decode([]byte{0x0F, 0x0B}, 64) // ud2 decodes fine
	require.NoError(t, err)

	_, err = Decode([]byte{0x0F, 0x04}, 64)
	require.Error(t, err)
	exc := cpu.AsException(err)
	require.Equal(t, cpu.ExcInvalidOpcode, exc.Kind)
}

func TestGPRSlotMapping(t *testing.T) {
	cases := []struct {
		reg  x86asm.Reg
		slot RegSlot
	}{
		{x86asm.AL, RegSlot{Index: cpu.RAX, Bits: 8}},
		{x86asm.AH, RegSlot{Index: cpu.RAX, Bits: 8, High8: true}},
		{x86asm.BH, RegSlot{Index: cpu.RBX, Bits: 8, High8: true}},
		{x86asm.SPB, RegSlot{Index: cpu.RSP, Bits: 8}},
		{x86asm.R10B, RegSlot{Index: cpu.R10, Bits: 8}},
		{x86asm.CX, RegSlot{Index: cpu.RCX, Bits: 16}},
		{x86asm.EDI, RegSlot{Index: cpu.RDI, Bits: 32}},
		{x86asm.R15L, RegSlot{Index: cpu.R15, Bits: 32}},
		{x86asm.RDX, RegSlot{Index: cpu.RDX, Bits: 64}},
		{x86asm.R8, RegSlot{Index: cpu.R8, Bits: 64}},
	}
	for _, tc := range cases {
		slot, ok := GPRSlot(tc.reg)
		require.True(t, ok, tc.reg.String())
		require.Equal(t, tc.slot, slot, tc.reg.String())
	}

	_, ok := GPRSlot(x86asm.X3)
	require.False(t, ok)
}

func TestSpecialRegisterMaps(t *testing.T) {
	i, ok := XMMSlot(x86asm.X9)
	require.True(t, ok)
	require.Equal(t, 9, i)

	i, ok = STSlot(x86asm.F2)
	require.True(t, ok)
	require.Equal(t, 2, i)

	seg, ok := SegIndex(x86asm.GS)
	require.True(t, ok)
	require.Equal(t, cpu.SegGS, seg)

	require.True(t, IsRIP(x86asm.RIP))
	require.False(t, IsRIP(x86asm.RAX))
}
