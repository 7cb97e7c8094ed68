package cpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteGPRMergeSemantics(t *testing.T) {
	s := NewState(ModeLong)
	s.GPR[RAX] = 0x1122_3344_5566_7788

	s.WriteGPR(RAX, 8, 0xAA)
	require.Equal(t, uint64(0x1122_3344_5566_77AA), s.GPR[RAX])

	s.WriteGPR(RAX, 16, 0xBBBB)
	require.Equal(t, uint64(0x1122_3344_5566_BBBB), s.GPR[RAX])

	s.WriteGPR(RAX, 32, 0xCCCC_CCCC)
	require.Equal(t, uint64(0xCCCC_CCCC), s.GPR[RAX], "32-bit writes zero the upper half")

	s.WriteGPR8H(RAX, 0xDD)
	require.Equal(t, uint64(0xCCCC_DDCC), s.GPR[RAX])
	require.Equal(t, uint64(0xDD), s.ReadGPR8H(RAX))
}

func TestUpdateModeTransitions(t *testing.T) {
	s := NewState(ModeReal)
	require.Equal(t, ModeReal, s.Mode)

	s.Control.CR0 |= CR0_PE
	s.UpdateMode()
	require.Equal(t, ModeProtected, s.Mode)

	s.RFLAGS |= FlagVM
	s.UpdateMode()
	require.Equal(t, ModeVm86, s.Mode)
	require.Equal(t, uint8(3), s.CPL())

	s.RFLAGS &^= FlagVM
	s.Control.CR0 |= CR0_PG
	s.Control.CR4 |= CR4_PAE
	s.MSR.EFER |= EFER_LME
	s.UpdateMode()
	require.Equal(t, ModeCompat, s.Mode, "long active without CS.L is compatibility mode")
	require.NotZero(t, s.MSR.EFER&EFER_LMA)

	s.Segments[SegCS].Attrs |= SegAttrLong
	s.UpdateMode()
	require.Equal(t, ModeLong, s.Mode)

	s.Control.CR0 &^= CR0_PE
	s.UpdateMode()
	require.Equal(t, ModeReal, s.Mode)
	require.Zero(t, s.MSR.EFER&EFER_LMA)
}

func TestSegBaseLongModeFsGsOnly(t *testing.T) {
	s := NewState(ModeLong)
	s.Segments[SegDS].Base = 0x1234
	s.MSR.FSBase = 0x8000
	s.MSR.GSBase = 0x9000

	require.Equal(t, uint64(0), s.SegBase(SegDS))
	require.Equal(t, uint64(0x8000), s.SegBase(SegFS))
	require.Equal(t, uint64(0x9000), s.SegBase(SegGS))
}

func TestLoadSegmentReal(t *testing.T) {
	s := NewState(ModeReal)
	s.LoadSegmentReal(SegCS, 0xF000)
	require.Equal(t, uint64(0xF_0000), s.Segments[SegCS].Base)
	require.Equal(t, uint32(0xFFFF), s.Segments[SegCS].Limit)
}

func TestApplyA20(t *testing.T) {
	s := NewState(ModeReal)
	require.Equal(t, uint64(0x10_0000), s.ApplyA20(0x10_0000))

	s.A20Enabled = false
	require.Equal(t, uint64(0), s.ApplyA20(0x10_0000))
	require.Equal(t, uint64(0xF_FFFF), s.ApplyA20(0xF_FFFF))

	s2 := NewState(ModeLong)
	require.Equal(t, uint64(0x1_0000_0000), s2.ApplyA20(0x1_0000_0000), "no truncation in long mode")

	s3 := NewState(ModeProtected)
	require.Equal(t, uint64(0x1000), s3.ApplyA20(0x1_0000_1000), "32-bit truncation outside long mode")
}
