package interp

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/x86"
)

// controlGroup claims branches, calls/returns, flag toggles, halt, fences,
// and every instruction that crosses the assist boundary (I/O, CPUID, MSRs,
// interrupts, descriptor-table and system-register traffic).
type controlGroup struct{}

var jccCond = map[x86asm.Op]int{
	x86asm.JO: condO, x86asm.JNO: condNO,
	x86asm.JB: condB, x86asm.JAE: condAE,
	x86asm.JE: condE, x86asm.JNE: condNE,
	x86asm.JBE: condBE, x86asm.JA: condA,
	x86asm.JS: condS, x86asm.JNS: condNS,
	x86asm.JP: condP, x86asm.JNP: condNP,
	x86asm.JL: condL, x86asm.JGE: condGE,
	x86asm.JLE: condLE, x86asm.JG: condG,
}

var controlOps = map[x86asm.Op]bool{
	x86asm.JMP: true, x86asm.CALL: true, x86asm.RET: true, x86asm.LRET: true,
	x86asm.LJMP: true, x86asm.LCALL: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
	x86asm.HLT: true, x86asm.CLI: true, x86asm.STI: true,
	x86asm.CLD: true, x86asm.STD: true, x86asm.CLC: true, x86asm.STC: true, x86asm.CMC: true,
	x86asm.NOP: true, x86asm.PAUSE: true,
	x86asm.LFENCE: true, x86asm.MFENCE: true, x86asm.SFENCE: true,
	x86asm.UD2: true,
	x86asm.INT: true, x86asm.INTO: true,
	x86asm.IRET: true, x86asm.IRETD: true, x86asm.IRETQ: true,
	x86asm.CPUID: true, x86asm.RDMSR: true, x86asm.WRMSR: true,
	x86asm.RDTSC: true, x86asm.RDTSCP: true,
	x86asm.IN: true, x86asm.OUT: true,
	x86asm.INSB: true, x86asm.INSW: true, x86asm.INSD: true,
	x86asm.OUTSB: true, x86asm.OUTSW: true, x86asm.OUTSD: true,
	x86asm.LGDT: true, x86asm.LIDT: true, x86asm.LLDT: true, x86asm.LTR: true,
	x86asm.SGDT: true, x86asm.SIDT: true, x86asm.SLDT: true, x86asm.STR: true,
	x86asm.INVLPG: true, x86asm.CLTS: true, x86asm.LMSW: true, x86asm.SMSW: true,
}

func (controlGroup) Claims(op x86asm.Op) bool {
	if controlOps[op] {
		return true
	}
	_, ok := jccCond[op]
	return ok
}

// branchTo rewrites RIP, masked to the code segment width.
func (it *Interp) branchTo(target uint64) cpu.Step {
	it.S.RIP = target & it.S.IPMask()
	return cpu.Branch()
}

// branchTarget evaluates a JMP/CALL destination: relative displacement or
// indirect register/memory operand.
func (it *Interp) branchTarget(in *x86.Inst, arg x86asm.Arg) (uint64, error) {
	if rel, ok := arg.(x86asm.Rel); ok {
		return it.nextIP + uint64(int64(rel)), nil
	}
	width := int(in.DataSize)
	if it.S.Mode == cpu.ModeLong {
		width = 64
	}
	return it.argVal(in, arg, width)
}

func (g controlGroup) Execute(it *Interp, in *x86.Inst) (cpu.Step, error) {
	s := it.S
	if code, ok := jccCond[in.Op]; ok {
		rel, ok := in.Args[0].(x86asm.Rel)
		if !ok {
			return cpu.Step{}, cpu.InvalidOpcode()
		}
		if it.condHolds(code) {
			return it.branchTo(it.nextIP + uint64(int64(rel))), nil
		}
		return cpu.Continue(), nil
	}

	switch in.Op {
	case x86asm.JMP:
		target, err := it.branchTarget(in, in.Args[0])
		if err != nil {
			return cpu.Step{}, err
		}
		return it.branchTo(target), nil

	case x86asm.CALL:
		target, err := it.branchTarget(in, in.Args[0])
		if err != nil {
			return cpu.Step{}, err
		}
		width := stackOpBits(it, in)
		if err := it.push(it.nextIP, width); err != nil {
			return cpu.Step{}, err
		}
		return it.branchTo(target), nil

	case x86asm.RET:
		width := stackOpBits(it, in)
		target, err := it.pop(width)
		if err != nil {
			return cpu.Step{}, err
		}
		if imm, ok := in.Args[0].(x86asm.Imm); ok {
			sp := (s.StackPtr() + uint64(imm)) & cpu.MaskBits(s.StackPtrBits())
			s.SetStackPtr(sp)
		}
		return it.branchTo(target), nil

	case x86asm.LRET:
		return it.execFarRet(in)
	case x86asm.LJMP, x86asm.LCALL:
		return it.execFarBranch(in)

	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		widths := map[x86asm.Op]int{x86asm.JCXZ: 16, x86asm.JECXZ: 32, x86asm.JRCXZ: 64}
		rel, ok := in.Args[0].(x86asm.Rel)
		if !ok {
			return cpu.Step{}, cpu.InvalidOpcode()
		}
		if s.ReadGPR(cpu.RCX, widths[in.Op]) == 0 {
			return it.branchTo(it.nextIP + uint64(int64(rel))), nil
		}
		return cpu.Continue(), nil

	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return it.execLoop(in)

	case x86asm.HLT:
		if s.CPL() != 0 {
			return cpu.Step{}, cpu.GeneralProtection(0)
		}
		return cpu.Halt(), nil

	case x86asm.CLI, x86asm.STI:
		if s.Mode != cpu.ModeReal && s.CPL() > it.iopl() {
			return cpu.Step{}, cpu.GeneralProtection(0)
		}
		if in.Op == x86asm.CLI {
			s.SetFlag(cpu.FlagIF, false)
			return cpu.Continue(), nil
		}
		inhibit := !s.GetFlag(cpu.FlagIF)
		s.SetFlag(cpu.FlagIF, true)
		if inhibit {
			return cpu.ContinueInhibit(), nil
		}
		return cpu.Continue(), nil

	case x86asm.CLD:
		s.SetFlag(cpu.FlagDF, false)
	case x86asm.STD:
		s.SetFlag(cpu.FlagDF, true)
	case x86asm.CLC:
		s.SetFlag(cpu.FlagCF, false)
	case x86asm.STC:
		s.SetFlag(cpu.FlagCF, true)
	case x86asm.CMC:
		s.SetFlag(cpu.FlagCF, !s.GetFlag(cpu.FlagCF))

	case x86asm.NOP, x86asm.PAUSE, x86asm.LFENCE, x86asm.MFENCE, x86asm.SFENCE:
		// Single-threaded core: fences are ordering no-ops.

	case x86asm.UD2:
		return cpu.Step{}, cpu.InvalidOpcode()

	case x86asm.INT, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return cpu.Assist(cpu.AssistInterrupt), nil
	case x86asm.INTO:
		if s.Mode == cpu.ModeLong {
			return cpu.Step{}, cpu.InvalidOpcode()
		}
		if s.GetFlag(cpu.FlagOF) {
			return cpu.Assist(cpu.AssistInterrupt), nil
		}

	case x86asm.CPUID:
		return cpu.Assist(cpu.AssistCpuid), nil

	case x86asm.RDMSR, x86asm.WRMSR:
		if s.CPL() != 0 {
			return cpu.Step{}, cpu.GeneralProtection(0)
		}
		return cpu.Assist(cpu.AssistMsr), nil

	case x86asm.RDTSC:
		s.WriteGPR(cpu.RAX, 32, s.TSC&0xFFFF_FFFF)
		s.WriteGPR(cpu.RDX, 32, s.TSC>>32)
	case x86asm.RDTSCP:
		return cpu.Assist(cpu.AssistMsr), nil

	case x86asm.IN, x86asm.OUT,
		x86asm.INSB, x86asm.INSW, x86asm.INSD,
		x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
		return cpu.Assist(cpu.AssistIo), nil

	case x86asm.LGDT, x86asm.LIDT, x86asm.LLDT, x86asm.LTR, x86asm.INVLPG,
		x86asm.CLTS, x86asm.LMSW:
		if s.CPL() != 0 {
			return cpu.Step{}, cpu.GeneralProtection(0)
		}
		return cpu.Assist(cpu.AssistPrivileged), nil
	case x86asm.SGDT, x86asm.SIDT, x86asm.SLDT, x86asm.STR, x86asm.SMSW:
		return cpu.Assist(cpu.AssistPrivileged), nil
	}
	return cpu.Continue(), nil
}

func (it *Interp) execLoop(in *x86.Inst) (cpu.Step, error) {
	s := it.S
	rel, ok := in.Args[0].(x86asm.Rel)
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	width := int(in.AddrSize)
	count := (s.ReadGPR(cpu.RCX, width) - 1) & cpu.MaskBits(width)
	s.WriteGPR(cpu.RCX, width, count)
	taken := count != 0
	switch in.Op {
	case x86asm.LOOPE:
		taken = taken && s.GetFlag(cpu.FlagZF)
	case x86asm.LOOPNE:
		taken = taken && !s.GetFlag(cpu.FlagZF)
	}
	if taken {
		return it.branchTo(it.nextIP + uint64(int64(rel))), nil
	}
	return cpu.Continue(), nil
}

// execFarRet handles RETF locally in real and vm86 mode; protected-mode far
// returns need descriptor checks the outer layer owns.
func (it *Interp) execFarRet(in *x86.Inst) (cpu.Step, error) {
	s := it.S
	if s.Mode != cpu.ModeReal && s.Mode != cpu.ModeVm86 {
		return cpu.Assist(cpu.AssistPrivileged), nil
	}
	width := int(in.DataSize)
	ip, err := it.pop(width)
	if err != nil {
		return cpu.Step{}, err
	}
	sel, err := it.pop(width)
	if err != nil {
		return cpu.Step{}, err
	}
	if imm, ok := in.Args[0].(x86asm.Imm); ok {
		s.SetStackPtr((s.StackPtr() + uint64(imm)) & cpu.MaskBits(s.StackPtrBits()))
	}
	s.LoadSegmentReal(cpu.SegCS, uint16(sel))
	return it.branchTo(ip), nil
}

func (it *Interp) execFarBranch(in *x86.Inst) (cpu.Step, error) {
	s := it.S
	if s.Mode != cpu.ModeReal && s.Mode != cpu.ModeVm86 {
		return cpu.Assist(cpu.AssistPrivileged), nil
	}
	var sel, off uint64
	switch a := in.Args[0].(type) {
	case x86asm.Imm:
		// ptr16:off immediate form decodes as two immediates.
		sel = uint64(a)
		imm, ok := in.Args[1].(x86asm.Imm)
		if !ok {
			return cpu.Step{}, cpu.InvalidOpcode()
		}
		off = uint64(imm) & cpu.MaskBits(int(in.DataSize))
	case x86asm.Mem:
		width := int(in.DataSize)
		base := it.memAddr(in, a)
		v, err := it.readLoc(loc{mem: true, addr: base, bits: width})
		if err != nil {
			return cpu.Step{}, err
		}
		selv, err := it.readLoc(loc{mem: true, addr: base + uint64(width/8), bits: 16})
		if err != nil {
			return cpu.Step{}, err
		}
		off, sel = v, selv
	default:
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	if in.Op == x86asm.LCALL {
		width := int(in.DataSize)
		if err := it.push(uint64(s.Segments[cpu.SegCS].Selector), width); err != nil {
			return cpu.Step{}, err
		}
		if err := it.push(it.nextIP, width); err != nil {
			return cpu.Step{}, err
		}
	}
	s.LoadSegmentReal(cpu.SegCS, uint16(sel))
	return it.branchTo(off), nil
}
