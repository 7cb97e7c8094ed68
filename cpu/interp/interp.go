// Package interp is the Tier-0 interpreter: fetch, decode, and execute one
// instruction at a time against the architectural state and a memory bus.
// Dispatch is by mnemonic into disjoint handler groups; anything the core
// cannot complete locally is surfaced as an assist outcome for the caller.
package interp

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/log"
	"github.com/colorfulnotion/x86vm/x86"
)

// handlerGroup claims a fixed subset of mnemonics. Groups are disjoint; the
// dispatcher probes them in registration order.
type handlerGroup interface {
	Claims(op x86asm.Op) bool
	Execute(it *Interp, in *x86.Inst) (cpu.Step, error)
}

// Interp executes instructions for one virtual CPU context. It is not safe
// for concurrent use; state and bus are owned by the caller.
type Interp struct {
	S    *cpu.State
	Bus  cpu.Bus
	Feat cpu.Features

	groups []handlerGroup

	// nextIP is the masked instruction pointer after the current
	// instruction, used for RIP-relative addressing and relative branches.
	nextIP uint64
}

func New(s *cpu.State, bus cpu.Bus, feat cpu.Features) *Interp {
	return &Interp{
		S:    s,
		Bus:  bus,
		Feat: feat,
		groups: []handlerGroup{
			atomicGroup{},
			aluGroup{},
			moveGroup{},
			controlGroup{},
			stringGroup{},
			fpuGroup{},
			sseGroup{},
		},
	}
}

// lockableOps are the read-modify-write mnemonics that accept a LOCK prefix
// with a memory destination.
var lockableOps = map[x86asm.Op]bool{
	x86asm.ADD: true, x86asm.ADC: true, x86asm.SUB: true, x86asm.SBB: true,
	x86asm.AND: true, x86asm.OR: true, x86asm.XOR: true,
	x86asm.INC: true, x86asm.DEC: true, x86asm.NOT: true, x86asm.NEG: true,
	x86asm.BTS: true, x86asm.BTR: true, x86asm.BTC: true,
	x86asm.XADD: true, x86asm.XCHG: true,
	x86asm.CMPXCHG: true, x86asm.CMPXCHG8B: true, x86asm.CMPXCHG16B: true,
}

func lockLegal(in *x86.Inst) bool {
	if !lockableOps[in.Op] {
		return false
	}
	for _, a := range in.Args {
		if _, ok := a.(x86asm.Mem); ok {
			return true
		}
	}
	return false
}

// Step executes exactly one instruction. On Continue outcomes RIP advances
// past the instruction; on Branch the handler has already rewritten RIP; on
// Assist RIP still points at the instruction so the caller can emulate it
// and advance. Faults leave RIP at the faulting instruction.
func (it *Interp) Step() (cpu.Step, error) {
	s := it.S

	ipLin := s.SegBase(cpu.SegCS) + (s.RIP & s.IPMask())
	code, err := cpu.FetchMasked(s, it.Bus, ipLin)
	if err != nil {
		return cpu.Step{}, err
	}
	in, err := x86.Decode(code, s.Bitness())
	if err != nil {
		return cpu.Step{}, err
	}
	it.nextIP = (s.RIP + uint64(in.Len)) & s.IPMask()

	if in.Lock && !lockLegal(&in) {
		return cpu.Step{}, cpu.InvalidOpcode()
	}

	s.TSC++

	for _, g := range it.groups {
		if !g.Claims(in.Op) {
			continue
		}
		st, err := g.Execute(it, &in)
		if err != nil {
			return cpu.Step{}, err
		}
		switch st.Kind {
		case cpu.StepContinue, cpu.StepContinueInhibit, cpu.StepHalt:
			s.RIP = it.nextIP
		}
		s.InhibitInterrupts = st.Kind == cpu.StepContinueInhibit
		if st.Kind == cpu.StepAssist {
			log.Trace(log.InterpMonitoring, "assist", "reason", st.Assist.String(), "rip", s.RIP, "op", in.Op.String())
		}
		return st, nil
	}

	log.Debug(log.InterpMonitoring, "unhandled opcode", "op", in.Op.String(), "rip", s.RIP)
	return cpu.Step{}, cpu.Unimplemented("opcode " + in.Op.String())
}

// Run interprets until the step budget is exhausted or a non-Continue
// outcome occurs, whichever is first.
func (it *Interp) Run(maxSteps int) (cpu.Step, int, error) {
	var st cpu.Step
	for n := 0; n < maxSteps; n++ {
		var err error
		st, err = it.Step()
		if err != nil {
			return st, n, err
		}
		if st.Kind != cpu.StepContinue && st.Kind != cpu.StepContinueInhibit && st.Kind != cpu.StepBranch {
			return st, n + 1, nil
		}
	}
	return st, maxSteps, nil
}
