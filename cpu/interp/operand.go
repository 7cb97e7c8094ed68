package interp

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/x86"
)

// loc is a resolved operand location: either a GPR slot or a linear
// memory address, with the access width in bits.
type loc struct {
	mem  bool
	reg  x86.RegSlot
	addr uint64
	bits int
}

// defaultSeg picks the segment an effective address goes through when no
// override applies: SS for BP/SP-based forms, DS otherwise.
func defaultSeg(base x86asm.Reg) int {
	switch base {
	case x86asm.SP, x86asm.BP, x86asm.ESP, x86asm.EBP, x86asm.RSP, x86asm.RBP:
		return cpu.SegSS
	}
	return cpu.SegDS
}

// memAddr forms the linear address of a memory operand: base + scale*index
// + disp, truncated to the effective address size, plus the segment base.
func (it *Interp) memAddr(in *x86.Inst, m x86asm.Mem) uint64 {
	var ea uint64
	if x86.IsRIP(m.Base) {
		ea = it.nextIP
	} else if m.Base != 0 {
		if slot, ok := x86.GPRSlot(m.Base); ok {
			ea = it.S.ReadGPR(slot.Index, slot.Bits)
		}
	}
	if m.Index != 0 {
		if slot, ok := x86.GPRSlot(m.Index); ok {
			ea += uint64(m.Scale) * it.S.ReadGPR(slot.Index, slot.Bits)
		}
	}
	ea += uint64(m.Disp)
	ea &= cpu.MaskBits(int(in.AddrSize))

	seg := defaultSeg(m.Base)
	if in.SegOverride >= 0 {
		seg = in.SegOverride
	} else if idx, ok := x86.SegIndex(m.Segment); ok {
		seg = idx
	}
	return it.S.SegBase(seg) + ea
}

// opBits infers the operation width from the arguments: an explicit GPR
// width wins, then the memory operand size, then the decoded operand-size
// attribute.
func opBits(in *x86.Inst) int {
	for _, a := range in.Args {
		if r, ok := a.(x86asm.Reg); ok {
			if slot, ok := x86.GPRSlot(r); ok {
				return slot.Bits
			}
		}
	}
	if in.MemBytes > 0 {
		return in.MemBytes * 8
	}
	return int(in.DataSize)
}

// resolve turns a register or memory argument into a loc. bits==0 means
// "use the argument's natural width".
func (it *Interp) resolve(in *x86.Inst, arg x86asm.Arg, bits int) (loc, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		slot, ok := x86.GPRSlot(a)
		if !ok {
			return loc{}, cpu.Unimplemented("register operand " + a.String())
		}
		if bits == 0 {
			bits = slot.Bits
		}
		return loc{reg: slot, bits: bits}, nil
	case x86asm.Mem:
		if bits == 0 {
			bits = in.MemBytes * 8
		}
		if bits == 0 {
			bits = int(in.DataSize)
		}
		return loc{mem: true, addr: it.memAddr(in, a), bits: bits}, nil
	}
	return loc{}, cpu.Unimplemented("operand form")
}

func (it *Interp) readLoc(l loc) (uint64, error) {
	if !l.mem {
		if l.reg.High8 {
			return it.S.ReadGPR8H(l.reg.Index), nil
		}
		return it.S.ReadGPR(l.reg.Index, l.bits), nil
	}
	switch l.bits {
	case 8:
		v, err := cpu.ReadU8Masked(it.S, it.Bus, l.addr)
		return uint64(v), err
	case 16:
		v, err := cpu.ReadU16Masked(it.S, it.Bus, l.addr)
		return uint64(v), err
	case 32:
		v, err := cpu.ReadU32Masked(it.S, it.Bus, l.addr)
		return uint64(v), err
	default:
		return cpu.ReadU64Masked(it.S, it.Bus, l.addr)
	}
}

func (it *Interp) writeLoc(l loc, v uint64) error {
	if !l.mem {
		if l.reg.High8 {
			it.S.WriteGPR8H(l.reg.Index, v)
			return nil
		}
		it.S.WriteGPR(l.reg.Index, l.bits, v)
		return nil
	}
	switch l.bits {
	case 8:
		return cpu.WriteU8Masked(it.S, it.Bus, l.addr, uint8(v))
	case 16:
		return cpu.WriteU16Masked(it.S, it.Bus, l.addr, uint16(v))
	case 32:
		return cpu.WriteU32Masked(it.S, it.Bus, l.addr, uint32(v))
	default:
		return cpu.WriteU64Masked(it.S, it.Bus, l.addr, v)
	}
}

// argVal evaluates any argument as a zero-extended value at the given
// width. Immediates are decoded sign-extended and truncated here.
func (it *Interp) argVal(in *x86.Inst, arg x86asm.Arg, bits int) (uint64, error) {
	if imm, ok := arg.(x86asm.Imm); ok {
		return uint64(int64(imm)) & cpu.MaskBits(bits), nil
	}
	l, err := it.resolve(in, arg, bits)
	if err != nil {
		return 0, err
	}
	return it.readLoc(l)
}

// stackOpBits is the push/pop width: 64-bit defaults in long mode (with a
// 16-bit override still honored), the operand-size attribute elsewhere.
func stackOpBits(it *Interp, in *x86.Inst) int {
	if it.S.Mode == cpu.ModeLong {
		if in.DataSize == 16 {
			return 16
		}
		return 64
	}
	return int(in.DataSize)
}

func (it *Interp) push(v uint64, bits int) error {
	s := it.S
	sp := (s.StackPtr() - uint64(bits/8)) & cpu.MaskBits(s.StackPtrBits())
	l := loc{mem: true, addr: s.SegBase(cpu.SegSS) + sp, bits: bits}
	if err := it.writeLoc(l, v); err != nil {
		return err
	}
	s.SetStackPtr(sp)
	return nil
}

func (it *Interp) pop(bits int) (uint64, error) {
	s := it.S
	sp := s.StackPtr()
	l := loc{mem: true, addr: s.SegBase(cpu.SegSS) + sp, bits: bits}
	v, err := it.readLoc(l)
	if err != nil {
		return 0, err
	}
	s.SetStackPtr((sp + uint64(bits/8)) & cpu.MaskBits(s.StackPtrBits()))
	return v, nil
}

// Condition codes in hardware encoding order (tttn).
const (
	condO = iota
	condNO
	condB
	condAE
	condE
	condNE
	condBE
	condA
	condS
	condNS
	condP
	condNP
	condL
	condGE
	condLE
	condG
)

func (it *Interp) condHolds(code int) bool {
	return cpu.CondHolds(it.S.RFLAGS, code)
}
