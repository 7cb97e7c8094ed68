package interp

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/x86"
)

// atomicGroup claims the exchange/compare-exchange family. Memory forms go
// through the bus atomic hooks; XCHG with memory is locked whether or not
// the prefix is present.
type atomicGroup struct{}

var atomicOps = map[x86asm.Op]bool{
	x86asm.XCHG:       true,
	x86asm.XADD:       true,
	x86asm.CMPXCHG:    true,
	x86asm.CMPXCHG8B:  true,
	x86asm.CMPXCHG16B: true,
}

func (atomicGroup) Claims(op x86asm.Op) bool { return atomicOps[op] }

func (g atomicGroup) Execute(it *Interp, in *x86.Inst) (cpu.Step, error) {
	switch in.Op {
	case x86asm.XCHG:
		return it.execXchg(in)
	case x86asm.XADD:
		return it.execXadd(in)
	case x86asm.CMPXCHG:
		return it.execCmpxchg(in)
	default:
		return it.execCmpxchgWide(in)
	}
}

func (it *Interp) execXchg(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	a, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	b, err := it.resolve(in, in.Args[1], width)
	if err != nil {
		return cpu.Step{}, err
	}
	// Normalize: memory operand (if any) in a.
	if b.mem {
		a, b = b, a
	}
	bv, err := it.readLoc(b)
	if err != nil {
		return cpu.Step{}, err
	}
	var old uint64
	err = it.rmw(a, a.mem, func(v uint64) uint64 {
		old = v & cpu.MaskBits(width)
		return bv
	})
	if err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), it.writeLoc(b, old)
}

func (it *Interp) execXadd(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	src, err := it.resolve(in, in.Args[1], width)
	if err != nil {
		return cpu.Step{}, err
	}
	sv, err := it.readLoc(src)
	if err != nil {
		return cpu.Step{}, err
	}
	mask := cpu.MaskBits(width)
	var old uint64
	err = it.rmw(dst, in.Lock, func(v uint64) uint64 {
		old = v & mask
		res := (old + sv) & mask
		it.setAddFlags(old, sv, res, width)
		return res
	})
	if err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), it.writeLoc(src, old)
}

func (it *Interp) execCmpxchg(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	src, err := it.argVal(in, in.Args[1], width)
	if err != nil {
		return cpu.Step{}, err
	}
	s := it.S
	acc := s.ReadGPR(cpu.RAX, width)
	mask := cpu.MaskBits(width)
	var old uint64
	err = it.rmw(dst, in.Lock, func(v uint64) uint64 {
		old = v & mask
		it.setSubFlags(acc, old, (acc-old)&mask, width)
		if acc == old {
			return src
		}
		return old
	})
	if err != nil {
		return cpu.Step{}, err
	}
	if acc != old {
		s.WriteGPR(cpu.RAX, width, old)
	}
	return cpu.Continue(), nil
}

func (it *Interp) execCmpxchgWide(in *x86.Inst) (cpu.Step, error) {
	s := it.S
	m, ok := in.Args[0].(x86asm.Mem)
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	addr := it.memAddr(in, m)

	if in.Op == x86asm.CMPXCHG16B {
		if !it.Feat.Cmpxchg16b {
			return cpu.Step{}, cpu.InvalidOpcode()
		}
		if addr&15 != 0 {
			return cpu.Step{}, cpu.GeneralProtection(0)
		}
		expect := cpu.U128{Lo: s.GPR[cpu.RAX], Hi: s.GPR[cpu.RDX]}
		repl := cpu.U128{Lo: s.GPR[cpu.RBX], Hi: s.GPR[cpu.RCX]}
		var old cpu.U128
		masked, contig := cpu.Contiguity(s, addr, 16)
		if !contig {
			return cpu.Step{}, cpu.GeneralProtection(0)
		}
		_, err := it.Bus.AtomicRMW128(masked, func(v cpu.U128) (cpu.U128, uint64) {
			old = v
			if v == expect {
				return repl, 0
			}
			return v, 0
		})
		if err != nil {
			return cpu.Step{}, err
		}
		if old == expect {
			s.SetFlag(cpu.FlagZF, true)
		} else {
			s.SetFlag(cpu.FlagZF, false)
			s.GPR[cpu.RAX] = old.Lo
			s.GPR[cpu.RDX] = old.Hi
		}
		return cpu.Continue(), nil
	}

	// CMPXCHG8B
	expect := s.ReadGPR(cpu.RDX, 32)<<32 | s.ReadGPR(cpu.RAX, 32)
	repl := s.ReadGPR(cpu.RCX, 32)<<32 | s.ReadGPR(cpu.RBX, 32)
	var old uint64
	l := loc{mem: true, addr: addr, bits: 64}
	err := it.rmw(l, true, func(v uint64) uint64 {
		old = v
		if v == expect {
			return repl
		}
		return v
	})
	if err != nil {
		return cpu.Step{}, err
	}
	if old == expect {
		s.SetFlag(cpu.FlagZF, true)
	} else {
		s.SetFlag(cpu.FlagZF, false)
		s.WriteGPR(cpu.RAX, 32, old&0xFFFF_FFFF)
		s.WriteGPR(cpu.RDX, 32, old>>32)
	}
	return cpu.Continue(), nil
}
