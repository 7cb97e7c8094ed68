package jit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/cpu/interp"
)

const codeBase = 0x1000

// straightLine is a lowerable block exercising mov, lea, alu, stack ops, a
// memory store, and a conditional terminator.
var straightLine = []byte{
	0x48, 0xC7, 0xC0, 0x05, 0x00, 0x00, 0x00, // mov rax, 5
	0x48, 0x8D, 0x5C, 0x40, 0x07, // lea rbx, [rax+rax*2+7]
	0x48, 0x01, 0xD8, // add rax, rbx
	0x50,                                           // push rax
	0x5B,                                           // pop rbx
	0x48, 0x89, 0x04, 0x25, 0x00, 0x30, 0x00, 0x00, // mov [0x3000], rax
	0x48, 0x83, 0xF8, 0x1B, // cmp rax, 27
	0x75, 0x02, // jne +2
}

const straightLineInsts = 8

func newEngine(t *testing.T, code []byte, cfg cpu.JITConfig) (*Engine, *cpu.FlatBus) {
	t.Helper()
	s := cpu.NewState(cpu.ModeLong)
	s.RIP = codeBase
	s.GPR[cpu.RSP] = 0x8000
	bus := cpu.NewFlatBus(0x10000)
	copy(bus.RAM[codeBase:], code)
	return NewEngine(s, bus, cpu.DefaultFeatures(), cfg), bus
}

func hotConfig() cpu.JITConfig {
	cfg := cpu.DefaultJITConfig()
	cfg.HotThreshold = 1
	return cfg
}

func TestDiscoverStopsAtTerminator(t *testing.T) {
	e, _ := newEngine(t, straightLine, hotConfig())
	ir, raw, err := Discover(e.S, e.bus, codeBase, e.Cfg)
	require.NoError(t, err)
	require.Equal(t, straightLineInsts, ir.NumInsts)
	require.Equal(t, len(straightLine), ir.ByteLen)
	require.Equal(t, straightLine, raw)
}

func TestDiscoverHonorsInstLimit(t *testing.T) {
	cfg := hotConfig()
	cfg.MaxBlockInsts = 3
	e, _ := newEngine(t, straightLine, cfg)
	ir, _, err := Discover(e.S, e.bus, codeBase, cfg)
	require.NoError(t, err)
	require.Equal(t, 3, ir.NumInsts)
}

func TestDiscoverRejectsAssistOpcode(t *testing.T) {
	e, _ := newEngine(t, []byte{0x0F, 0xA2}, hotConfig()) // cpuid
	_, _, err := Discover(e.S, e.bus, codeBase, e.Cfg)
	require.Error(t, err)
}

func TestInterpreterEquivalence(t *testing.T) {
	// Compiled path.
	e, bus := newEngine(t, straightLine, hotConfig())
	st, retired, err := e.Step()
	require.NoError(t, err)
	require.Equal(t, cpu.StepBranch, st.Kind)
	require.Equal(t, straightLineInsts, retired)
	require.Equal(t, 1, e.Cache.Len(), "first visit compiles at threshold 1")

	// Reference: Tier-0 over an identical initial state and bus.
	ref := cpu.NewState(cpu.ModeLong)
	ref.RIP = codeBase
	ref.GPR[cpu.RSP] = 0x8000
	refBus := cpu.NewFlatBus(0x10000)
	copy(refBus.RAM[codeBase:], straightLine)
	it := interp.New(ref, refBus, cpu.DefaultFeatures())
	for i := 0; i < straightLineInsts; i++ {
		_, err := it.Step()
		require.NoError(t, err)
	}

	require.Equal(t, ref.GPR, e.S.GPR)
	require.Equal(t, ref.RFLAGS, e.S.RFLAGS)
	require.Equal(t, ref.RIP, e.S.RIP)
	require.Equal(t, ref.TSC, e.S.TSC)
	require.Equal(t, refBus.RAM, bus.RAM)
}

func TestPopToStackMemoryMatchesInterpreter(t *testing.T) {
	// pop qword [rsp] computes the destination address after RSP moves,
	// so the popped value lands one slot above where it was read.
	code := []byte{
		0x8F, 0x04, 0x24, // pop qword [rsp]
		0xEB, 0x00, // jmp +0
	}
	e, bus := newEngine(t, code, hotConfig())
	require.NoError(t, bus.WriteU64(0x8000, 0x1111222233334444))

	_, retired, err := e.Step()
	require.NoError(t, err)
	require.Equal(t, 2, retired)
	require.Equal(t, 1, e.Cache.Len())

	v, err := bus.ReadU64(0x8008)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1111222233334444), v)
	require.Equal(t, uint64(0x8008), e.S.GPR[cpu.RSP])

	ref := cpu.NewState(cpu.ModeLong)
	ref.RIP = codeBase
	ref.GPR[cpu.RSP] = 0x8000
	refBus := cpu.NewFlatBus(0x10000)
	copy(refBus.RAM[codeBase:], code)
	require.NoError(t, refBus.WriteU64(0x8000, 0x1111222233334444))
	it := interp.New(ref, refBus, cpu.DefaultFeatures())
	for i := 0; i < 2; i++ {
		_, err := it.Step()
		require.NoError(t, err)
	}

	require.Equal(t, ref.GPR, e.S.GPR)
	require.Equal(t, ref.RIP, e.S.RIP)
	require.Equal(t, refBus.RAM, bus.RAM)
}

func TestCompiledLoopBranchesBothWays(t *testing.T) {
	// Counts rax down to zero, then halts.
	code := []byte{
		0x48, 0xFF, 0xC8, // dec rax
		0x75, 0xFB, // jne -5
		0xF4, // hlt
	}
	e, _ := newEngine(t, code, hotConfig())
	e.S.GPR[cpu.RAX] = 3

	st, total, err := e.Run(64)
	require.NoError(t, err)
	require.Equal(t, cpu.StepHalt, st.Kind)
	require.Equal(t, uint64(0), e.S.GPR[cpu.RAX])
	require.True(t, e.S.GetFlag(cpu.FlagZF))
	require.Equal(t, uint64(codeBase+6), e.S.RIP)
	require.Equal(t, 7, total, "three compiled loop trips plus the halt")
}

func TestWarmingThenCompiled(t *testing.T) {
	cfg := hotConfig()
	cfg.HotThreshold = 2
	e, _ := newEngine(t, []byte{0xEB, 0xFE}, cfg) // jmp self

	_, _, err := e.Step()
	require.NoError(t, err)
	require.Equal(t, 0, e.Cache.Len(), "first visit only warms")

	_, _, err = e.Step()
	require.NoError(t, err)
	require.Equal(t, 1, e.Cache.Len())
	_, warming := e.Cache.heat[codeBase]
	require.False(t, warming, "counter and cache entry are exclusive")
}

func TestRejectionIsSticky(t *testing.T) {
	e, _ := newEngine(t, []byte{0x0F, 0xA2}, hotConfig()) // cpuid
	st, _, err := e.Step()
	require.NoError(t, err)
	require.Equal(t, cpu.StepAssist, st.Kind)
	require.True(t, e.Cache.Rejected(codeBase))
	require.Equal(t, 0, e.Cache.Len())

	st, _, err = e.Step()
	require.NoError(t, err)
	require.Equal(t, cpu.StepAssist, st.Kind, "rejected address keeps interpreting")
}

func TestWriteToCodePageInvalidates(t *testing.T) {
	e, _ := newEngine(t, straightLine, hotConfig())
	_, _, err := e.Step()
	require.NoError(t, err)
	require.NotNil(t, e.Cache.Lookup(codeBase))
	require.Equal(t, []uint64{codeBase >> pageShift}, e.Cache.CodePages())

	// A guest store into the compiled page clears the whole cache.
	require.NoError(t, e.bus.WriteU8(codeBase+1, 0x90))
	require.Nil(t, e.Cache.Lookup(codeBase))
	require.Empty(t, e.Cache.CodePages())
}

func TestWriteElsewhereKeepsCache(t *testing.T) {
	e, _ := newEngine(t, straightLine, hotConfig())
	_, _, err := e.Step()
	require.NoError(t, err)

	require.NoError(t, e.bus.WriteU8(0x5000, 0x90))
	require.NotNil(t, e.Cache.Lookup(codeBase))
}

func TestFingerprintAndPages(t *testing.T) {
	e, _ := newEngine(t, straightLine, hotConfig())
	blk, err := Compile(e.S, e.bus, codeBase, e.Cfg)
	require.NoError(t, err)
	require.Equal(t, []uint64{codeBase >> pageShift}, blk.Pages)
	require.NotEqual(t, [32]byte{}, blk.Fingerprint)

	blk2, err := Compile(e.S, e.bus, codeBase, e.Cfg)
	require.NoError(t, err)
	require.Equal(t, blk.Fingerprint, blk2.Fingerprint)
}

func TestValidateRejectsUnderflow(t *testing.T) {
	m := &Module{Code: []Instr{{Op: BcExit}}, NumSlots: 0, MaxStack: 0}
	require.Error(t, m.Validate())
}

func TestValidateRequiresExit(t *testing.T) {
	m := &Module{Code: []Instr{{Op: BcConst, Imm: 1}}, NumSlots: 0, MaxStack: 1}
	require.Error(t, m.Validate())
}

func TestExitSentinel(t *testing.T) {
	m := &Module{Code: []Instr{{Op: BcExitSentinel}}}
	require.NoError(t, m.Validate())
	s := cpu.NewState(cpu.ModeLong)
	next, err := Run(m, s, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(ExitToInterp), next)
}
