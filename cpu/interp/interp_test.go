package interp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/x86vm/cpu"
)

const codeBase = 0x1000

func allFeatures() cpu.Features {
	return cpu.Features{
		Sse: true, Sse2: true, Sse3: true,
		Cmov: true, Cmpxchg16b: true, Popcnt: true, Fpu: true,
	}
}

// newLongVM builds a 64-bit interpreter over 64KiB of flat RAM with the
// given code placed at codeBase.
func newLongVM(t *testing.T, code []byte) (*Interp, *cpu.FlatBus) {
	t.Helper()
	s := cpu.NewState(cpu.ModeLong)
	s.Control.CR4 |= cpu.CR4_OSFXSR
	s.RIP = codeBase
	s.GPR[cpu.RSP] = 0x8000
	bus := cpu.NewFlatBus(0x10000)
	copy(bus.RAM[codeBase:], code)
	return New(s, bus, allFeatures()), bus
}

func step(t *testing.T, it *Interp) cpu.Step {
	t.Helper()
	st, err := it.Step()
	require.NoError(t, err)
	return st
}

func stepFault(t *testing.T, it *Interp) *cpu.Exception {
	t.Helper()
	_, err := it.Step()
	require.Error(t, err)
	return cpu.AsException(err)
}

func TestAddCarryZero(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0x01, 0xD8}) // add rax, rbx
	it.S.GPR[cpu.RAX] = ^uint64(0)
	it.S.GPR[cpu.RBX] = 1

	step(t, it)
	require.Equal(t, uint64(0), it.S.GPR[cpu.RAX])
	require.True(t, it.S.GetFlag(cpu.FlagCF))
	require.True(t, it.S.GetFlag(cpu.FlagZF))
	require.True(t, it.S.GetFlag(cpu.FlagAF))
	require.False(t, it.S.GetFlag(cpu.FlagOF))
	require.Equal(t, uint64(codeBase+3), it.S.RIP)
}

func TestSubBorrow(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0x29, 0xD8}) // sub rax, rbx
	it.S.GPR[cpu.RBX] = 1

	step(t, it)
	require.Equal(t, ^uint64(0), it.S.GPR[cpu.RAX])
	require.True(t, it.S.GetFlag(cpu.FlagCF))
	require.True(t, it.S.GetFlag(cpu.FlagSF))
	require.False(t, it.S.GetFlag(cpu.FlagOF))
}

func TestIncPreservesCarry(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0xFF, 0xC0}) // inc rax
	it.S.GPR[cpu.RAX] = ^uint64(0)
	it.S.SetFlag(cpu.FlagCF, true)

	step(t, it)
	require.Equal(t, uint64(0), it.S.GPR[cpu.RAX])
	require.True(t, it.S.GetFlag(cpu.FlagZF))
	require.True(t, it.S.GetFlag(cpu.FlagCF), "INC must not touch CF")
}

func TestDivByZero(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0xF7, 0xF3}) // div rbx
	it.S.GPR[cpu.RAX] = 10

	exc := stepFault(t, it)
	require.Equal(t, cpu.ExcDivideError, exc.Kind)
	require.Equal(t, uint64(codeBase), it.S.RIP, "RIP stays on the faulting instruction")
}

func TestDivQuotientOverflow(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0xF7, 0xF3}) // div rbx
	it.S.GPR[cpu.RDX] = 1
	it.S.GPR[cpu.RBX] = 1

	exc := stepFault(t, it)
	require.Equal(t, cpu.ExcDivideError, exc.Kind)
}

func TestMulWide(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0xF7, 0xE3}) // mul rbx
	it.S.GPR[cpu.RAX] = ^uint64(0)
	it.S.GPR[cpu.RBX] = 2

	step(t, it)
	require.Equal(t, uint64(0xFFFF_FFFF_FFFF_FFFE), it.S.GPR[cpu.RAX])
	require.Equal(t, uint64(1), it.S.GPR[cpu.RDX])
	require.True(t, it.S.GetFlag(cpu.FlagCF))
	require.True(t, it.S.GetFlag(cpu.FlagOF))
}

func TestShiftByZeroLeavesFlags(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0xD3, 0xE0}) // shl rax, cl
	it.S.GPR[cpu.RAX] = 0x42
	it.S.SetFlag(cpu.FlagCF, true)
	it.S.SetFlag(cpu.FlagZF, true)

	step(t, it)
	require.Equal(t, uint64(0x42), it.S.GPR[cpu.RAX])
	require.True(t, it.S.GetFlag(cpu.FlagCF))
	require.True(t, it.S.GetFlag(cpu.FlagZF))
}

func TestShiftOutCarry(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0xD3, 0xE0}) // shl rax, cl
	it.S.GPR[cpu.RAX] = 1 << 63
	it.S.GPR[cpu.RCX] = 1

	step(t, it)
	require.Equal(t, uint64(0), it.S.GPR[cpu.RAX])
	require.True(t, it.S.GetFlag(cpu.FlagCF))
	require.True(t, it.S.GetFlag(cpu.FlagZF))
}

func TestMovImm64(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11})
	step(t, it)
	require.Equal(t, uint64(0x1122_3344_5566_7788), it.S.GPR[cpu.RAX])
}

func TestMovzxByte(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0x0F, 0xB6, 0xC3}) // movzx rax, bl
	it.S.GPR[cpu.RAX] = ^uint64(0)
	it.S.GPR[cpu.RBX] = 0x1FF

	step(t, it)
	require.Equal(t, uint64(0xFF), it.S.GPR[cpu.RAX])
}

func TestLeaRipRelative(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00}) // lea rax, [rip+0x10]
	step(t, it)
	require.Equal(t, uint64(codeBase+7+0x10), it.S.GPR[cpu.RAX])
}

func TestPushPop(t *testing.T) {
	it, bus := newLongVM(t, []byte{0x50, 0x5B}) // push rax; pop rbx
	it.S.GPR[cpu.RAX] = 0x1122_3344_5566_7788

	step(t, it)
	require.Equal(t, uint64(0x7FF8), it.S.GPR[cpu.RSP])
	v, err := bus.ReadU64(0x7FF8)
	require.NoError(t, err)
	require.Equal(t, it.S.GPR[cpu.RAX], v)

	step(t, it)
	require.Equal(t, uint64(0x8000), it.S.GPR[cpu.RSP])
	require.Equal(t, it.S.GPR[cpu.RAX], it.S.GPR[cpu.RBX])
}

func TestCallRet(t *testing.T) {
	code := []byte{
		0xE8, 0x02, 0x00, 0x00, 0x00, // call +2
		0x90, 0x90, // skipped
		0xC3, // ret
	}
	it, _ := newLongVM(t, code)

	st := step(t, it)
	require.Equal(t, cpu.StepBranch, st.Kind)
	require.Equal(t, uint64(codeBase+7), it.S.RIP)

	st = step(t, it)
	require.Equal(t, cpu.StepBranch, st.Kind)
	require.Equal(t, uint64(codeBase+5), it.S.RIP, "RET returns past the CALL")
}

func TestJccTakenAndNot(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x74, 0x05}) // je +5
	it.S.SetFlag(cpu.FlagZF, true)
	st := step(t, it)
	require.Equal(t, cpu.StepBranch, st.Kind)
	require.Equal(t, uint64(codeBase+2+5), it.S.RIP)

	it2, _ := newLongVM(t, []byte{0x74, 0x05})
	st = step(t, it2)
	require.Equal(t, cpu.StepContinue, st.Kind)
	require.Equal(t, uint64(codeBase+2), it2.S.RIP)
}

func TestCmovFalseZeroesUpper32(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x0F, 0x44, 0xC3}) // cmove eax, ebx
	it.S.GPR[cpu.RAX] = 0xFFFF_FFFF_0000_0001
	it.S.GPR[cpu.RBX] = 0x7777_7777

	step(t, it)
	require.Equal(t, uint64(0x0000_0001), it.S.GPR[cpu.RAX],
		"32-bit CMOV clears the upper half even when the condition is false")
}

func TestSetcc(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x0F, 0x94, 0xC0}) // sete al
	it.S.SetFlag(cpu.FlagZF, true)
	step(t, it)
	require.Equal(t, uint64(1), it.S.GPR[cpu.RAX]&0xFF)
}

func TestRepMovs(t *testing.T) {
	it, bus := newLongVM(t, []byte{0xF3, 0xA4}) // rep movsb
	copy(bus.RAM[0x2000:], "abcd")
	it.S.GPR[cpu.RSI] = 0x2000
	it.S.GPR[cpu.RDI] = 0x3000
	it.S.GPR[cpu.RCX] = 4

	step(t, it)
	require.Equal(t, []byte("abcd"), bus.RAM[0x3000:0x3004])
	require.Equal(t, uint64(0), it.S.GPR[cpu.RCX])
	require.Equal(t, uint64(0x2004), it.S.GPR[cpu.RSI])
	require.Equal(t, uint64(0x3004), it.S.GPR[cpu.RDI])
}

func TestRepneScasStopsOnMatch(t *testing.T) {
	it, bus := newLongVM(t, []byte{0xF2, 0xAE}) // repne scasb
	copy(bus.RAM[0x3000:], []byte{1, 2, 3, 9})
	it.S.GPR[cpu.RAX] = 3
	it.S.GPR[cpu.RDI] = 0x3000
	it.S.GPR[cpu.RCX] = 8

	step(t, it)
	require.Equal(t, uint64(0x3003), it.S.GPR[cpu.RDI])
	require.Equal(t, uint64(5), it.S.GPR[cpu.RCX])
	require.True(t, it.S.GetFlag(cpu.FlagZF))
}

func TestRepStosFaultLeavesPartialProgress(t *testing.T) {
	it, bus := newLongVM(t, []byte{0xF3, 0xAA}) // rep stosb
	it.S.GPR[cpu.RAX] = 0x5A
	it.S.GPR[cpu.RDI] = 0xFFFE
	it.S.GPR[cpu.RCX] = 4

	_, err := it.Step()
	require.Error(t, err)
	require.Equal(t, byte(0x5A), bus.RAM[0xFFFE])
	require.Equal(t, byte(0x5A), bus.RAM[0xFFFF])
	require.Equal(t, uint64(0x10000), it.S.GPR[cpu.RDI])
	require.Equal(t, uint64(2), it.S.GPR[cpu.RCX])
	require.Equal(t, uint64(codeBase), it.S.RIP)
}

func TestLockIllegalEncoding(t *testing.T) {
	it, _ := newLongVM(t, []byte{0xF0, 0x90}) // lock nop
	exc := stepFault(t, it)
	require.Equal(t, cpu.ExcInvalidOpcode, exc.Kind)
}

func TestLockedAddMemory(t *testing.T) {
	it, bus := newLongVM(t, []byte{0xF0, 0x48, 0x01, 0x18}) // lock add [rax], rbx
	bus.RAM[0x2000] = 5
	it.S.GPR[cpu.RAX] = 0x2000
	it.S.GPR[cpu.RBX] = 7

	step(t, it)
	require.Equal(t, byte(12), bus.RAM[0x2000])
}

func TestXchgMemory(t *testing.T) {
	it, bus := newLongVM(t, []byte{0x48, 0x87, 0x18}) // xchg [rax], rbx
	bus.RAM[0x2000] = 0xAA
	it.S.GPR[cpu.RAX] = 0x2000
	it.S.GPR[cpu.RBX] = 0xBB

	step(t, it)
	require.Equal(t, byte(0xBB), bus.RAM[0x2000])
	require.Equal(t, uint64(0xAA), it.S.GPR[cpu.RBX])
}

func TestCmpxchgMiss(t *testing.T) {
	it, bus := newLongVM(t, []byte{0x48, 0x0F, 0xB1, 0x1A}) // cmpxchg [rdx], rbx
	bus.RAM[0x2000] = 9
	it.S.GPR[cpu.RDX] = 0x2000
	it.S.GPR[cpu.RAX] = 5
	it.S.GPR[cpu.RBX] = 0x77

	step(t, it)
	require.False(t, it.S.GetFlag(cpu.FlagZF))
	require.Equal(t, byte(9), bus.RAM[0x2000], "miss leaves memory unchanged")
	require.Equal(t, uint64(9), it.S.GPR[cpu.RAX], "accumulator observes the old value")
}

func TestHlt(t *testing.T) {
	it, _ := newLongVM(t, []byte{0xF4})
	st := step(t, it)
	require.Equal(t, cpu.StepHalt, st.Kind)
	require.Equal(t, uint64(codeBase+1), it.S.RIP)
}

func TestAssistsLeaveRIPInPlace(t *testing.T) {
	cases := []struct {
		name   string
		code   []byte
		reason cpu.AssistReason
	}{
		{"cpuid", []byte{0x0F, 0xA2}, cpu.AssistCpuid},
		{"in", []byte{0xE4, 0x10}, cpu.AssistIo},
		{"int3", []byte{0xCC}, cpu.AssistInterrupt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			it, _ := newLongVM(t, tc.code)
			st := step(t, it)
			require.Equal(t, cpu.StepAssist, st.Kind)
			require.Equal(t, tc.reason, st.Assist)
			require.Equal(t, uint64(codeBase), it.S.RIP)
		})
	}
}

func TestRdtsc(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x0F, 0x31})
	step(t, it)
	require.Equal(t, it.S.TSC, it.S.GPR[cpu.RAX])
	require.Equal(t, uint64(0), it.S.GPR[cpu.RDX])
}

func TestFpuGateEmBeatsTs(t *testing.T) {
	it, _ := newLongVM(t, []byte{0xD9, 0xEE}) // fldz
	it.S.Control.CR0 |= cpu.CR0_EM | cpu.CR0_TS

	exc := stepFault(t, it)
	require.Equal(t, cpu.ExcInvalidOpcode, exc.Kind)

	it2, _ := newLongVM(t, []byte{0xD9, 0xEE})
	it2.S.Control.CR0 |= cpu.CR0_TS
	exc = stepFault(t, it2)
	require.Equal(t, cpu.ExcDeviceNotAvailable, exc.Kind)
}

func TestFldzPushes(t *testing.T) {
	it, _ := newLongVM(t, []byte{0xD9, 0xEE}) // fldz
	step(t, it)
	top := it.S.FPU.Top
	require.Equal(t, uint8(7), top)
	require.Equal(t, 0.0, it.S.FPU.ST[top])
	require.Equal(t, uint8(1), it.S.FPU.Tags[top], "zero tag")
}

func TestSseGates(t *testing.T) {
	movaps := []byte{0x0F, 0x28, 0xC1} // movaps xmm0, xmm1

	it, _ := newLongVM(t, movaps)
	it.S.Control.CR4 &^= cpu.CR4_OSFXSR
	exc := stepFault(t, it)
	require.Equal(t, cpu.ExcInvalidOpcode, exc.Kind)

	it2, _ := newLongVM(t, movaps)
	it2.S.Control.CR0 |= cpu.CR0_TS
	exc = stepFault(t, it2)
	require.Equal(t, cpu.ExcDeviceNotAvailable, exc.Kind)

	it3, _ := newLongVM(t, movaps)
	it3.S.Control.CR0 |= cpu.CR0_EM | cpu.CR0_TS
	exc = stepFault(t, it3)
	require.Equal(t, cpu.ExcInvalidOpcode, exc.Kind, "EM takes priority over TS")
}

func TestAddsd(t *testing.T) {
	it, _ := newLongVM(t, []byte{0xF2, 0x0F, 0x58, 0xC1}) // addsd xmm0, xmm1
	it.S.SSE.XMM[0] = cpu.U128{Lo: math.Float64bits(2.5), Hi: 0xDEAD}
	it.S.SSE.XMM[1] = cpu.U128{Lo: math.Float64bits(1.25)}

	step(t, it)
	require.Equal(t, 3.75, math.Float64frombits(it.S.SSE.XMM[0].Lo))
	require.Equal(t, uint64(0xDEAD), it.S.SSE.XMM[0].Hi, "scalar op preserves the high lane")
}

func TestPxorZeroIdiom(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x66, 0x0F, 0xEF, 0xC0}) // pxor xmm0, xmm0
	it.S.SSE.XMM[0] = cpu.U128{Lo: ^uint64(0), Hi: ^uint64(0)}
	step(t, it)
	require.Equal(t, cpu.U128{}, it.S.SSE.XMM[0])
}

func TestMovapsRoundTrip(t *testing.T) {
	code := []byte{
		0x0F, 0x29, 0x00, // movaps [rax], xmm0
		0x0F, 0x28, 0x08, // movaps xmm1, [rax]
	}
	it, _ := newLongVM(t, code)
	it.S.GPR[cpu.RAX] = 0x4000
	it.S.SSE.XMM[0] = cpu.U128{Lo: 0x1111_2222_3333_4444, Hi: 0x5555_6666_7777_8888}

	step(t, it)
	step(t, it)
	require.Equal(t, it.S.SSE.XMM[0], it.S.SSE.XMM[1])
}

func TestRealModeOperandSize(t *testing.T) {
	s := cpu.NewState(cpu.ModeReal)
	s.RIP = 0x100
	bus := cpu.NewFlatBus(0x20000)
	copy(bus.RAM[0x100:], []byte{0xB8, 0x34, 0x12}) // mov ax, 0x1234
	it := New(s, bus, allFeatures())

	step(t, it)
	require.Equal(t, uint64(0x1234), s.GPR[cpu.RAX])
	require.Equal(t, uint64(0x103), s.RIP)
}

func TestRunBudget(t *testing.T) {
	it, _ := newLongVM(t, []byte{0x90, 0x90, 0x90, 0x90, 0x90})
	st, n, err := it.Run(3)
	require.NoError(t, err)
	require.Equal(t, cpu.StepContinue, st.Kind)
	require.Equal(t, 3, n)
	require.Equal(t, uint64(codeBase+3), it.S.RIP)
}
