package interp

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/x86"
)

// moveGroup claims plain data movement: MOV and its widening forms, LEA,
// stack traffic, flag image transfers, and the conditional move/set family.
type moveGroup struct{}

var cmovCond = map[x86asm.Op]int{
	x86asm.CMOVO: condO, x86asm.CMOVNO: condNO,
	x86asm.CMOVB: condB, x86asm.CMOVAE: condAE,
	x86asm.CMOVE: condE, x86asm.CMOVNE: condNE,
	x86asm.CMOVBE: condBE, x86asm.CMOVA: condA,
	x86asm.CMOVS: condS, x86asm.CMOVNS: condNS,
	x86asm.CMOVP: condP, x86asm.CMOVNP: condNP,
	x86asm.CMOVL: condL, x86asm.CMOVGE: condGE,
	x86asm.CMOVLE: condLE, x86asm.CMOVG: condG,
}

var setccCond = map[x86asm.Op]int{
	x86asm.SETO: condO, x86asm.SETNO: condNO,
	x86asm.SETB: condB, x86asm.SETAE: condAE,
	x86asm.SETE: condE, x86asm.SETNE: condNE,
	x86asm.SETBE: condBE, x86asm.SETA: condA,
	x86asm.SETS: condS, x86asm.SETNS: condNS,
	x86asm.SETP: condP, x86asm.SETNP: condNP,
	x86asm.SETL: condL, x86asm.SETGE: condGE,
	x86asm.SETLE: condLE, x86asm.SETG: condG,
}

var moveOps = map[x86asm.Op]bool{
	x86asm.MOV: true, x86asm.MOVZX: true, x86asm.MOVSX: true, x86asm.MOVSXD: true,
	x86asm.LEA: true, x86asm.XLATB: true,
	x86asm.PUSH: true, x86asm.POP: true,
	x86asm.PUSHA: true, x86asm.PUSHAD: true, x86asm.POPA: true, x86asm.POPAD: true,
	x86asm.PUSHF: true, x86asm.PUSHFD: true, x86asm.PUSHFQ: true,
	x86asm.POPF: true, x86asm.POPFD: true, x86asm.POPFQ: true,
	x86asm.LAHF: true, x86asm.SAHF: true,
}

func (moveGroup) Claims(op x86asm.Op) bool {
	if moveOps[op] {
		return true
	}
	if _, ok := cmovCond[op]; ok {
		return true
	}
	_, ok := setccCond[op]
	return ok
}

func (g moveGroup) Execute(it *Interp, in *x86.Inst) (cpu.Step, error) {
	if code, ok := cmovCond[in.Op]; ok {
		return it.execCmov(in, code)
	}
	if code, ok := setccCond[in.Op]; ok {
		return it.execSetcc(in, code)
	}
	switch in.Op {
	case x86asm.MOV:
		return it.execMov(in)
	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		return it.execMovExtend(in)
	case x86asm.LEA:
		return it.execLea(in)
	case x86asm.XLATB:
		return it.execXlat(in)
	case x86asm.PUSH:
		return it.execPush(in)
	case x86asm.POP:
		return it.execPop(in)
	case x86asm.PUSHA, x86asm.PUSHAD:
		return it.execPushAll(in)
	case x86asm.POPA, x86asm.POPAD:
		return it.execPopAll(in)
	case x86asm.PUSHF, x86asm.PUSHFD, x86asm.PUSHFQ:
		return it.execPushf(in)
	case x86asm.POPF, x86asm.POPFD, x86asm.POPFQ:
		return it.execPopf(in)
	case x86asm.LAHF:
		it.S.WriteGPR8H(cpu.RAX, (it.S.RFLAGS&0xD5)|cpu.FlagsFixedSet)
		return cpu.Continue(), nil
	default: // SAHF
		ah := it.S.ReadGPR8H(cpu.RAX)
		it.S.RFLAGS = (it.S.RFLAGS &^ 0xD5) | (ah & 0xD5) | cpu.FlagsFixedSet
		return cpu.Continue(), nil
	}
}

func isControlReg(r x86asm.Reg) bool { return r >= x86asm.CR0 && r <= x86asm.CR15 }
func isDebugReg(r x86asm.Reg) bool   { return r >= x86asm.DR0 && r <= x86asm.DR15 }

func (it *Interp) execMov(in *x86.Inst) (cpu.Step, error) {
	s := it.S

	// System register forms hand off to the outer layer after the
	// privilege check.
	for _, a := range in.Args[:2] {
		if r, ok := a.(x86asm.Reg); ok && (isControlReg(r) || isDebugReg(r)) {
			if s.CPL() != 0 {
				return cpu.Step{}, cpu.GeneralProtection(0)
			}
			return cpu.Assist(cpu.AssistPrivileged), nil
		}
	}

	// Segment register destination.
	if r, ok := in.Args[0].(x86asm.Reg); ok {
		if seg, ok := x86.SegIndex(r); ok {
			sel, err := it.argVal(in, in.Args[1], 16)
			if err != nil {
				return cpu.Step{}, err
			}
			return it.loadSegment(seg, uint16(sel))
		}
	}
	// Segment register source: store the selector.
	if r, ok := in.Args[1].(x86asm.Reg); ok {
		if seg, ok := x86.SegIndex(r); ok {
			dst, err := it.resolve(in, in.Args[0], 0)
			if err != nil {
				return cpu.Step{}, err
			}
			if dst.mem {
				dst.bits = 16
			}
			return cpu.Continue(), it.writeLoc(dst, uint64(s.Segments[seg].Selector))
		}
	}

	dst, err := it.resolve(in, in.Args[0], 0)
	if err != nil {
		return cpu.Step{}, err
	}
	v, err := it.argVal(in, in.Args[1], dst.bits)
	if err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), it.writeLoc(dst, v)
}

// loadSegment performs a mov-to-segment. Real and vm86 mode reload the
// cached base directly; descriptor-table loads belong to the outer layer.
func (it *Interp) loadSegment(seg int, sel uint16) (cpu.Step, error) {
	s := it.S
	if s.Mode == cpu.ModeReal || s.Mode == cpu.ModeVm86 {
		s.LoadSegmentReal(seg, sel)
		if seg == cpu.SegSS {
			return cpu.ContinueInhibit(), nil
		}
		return cpu.Continue(), nil
	}
	return cpu.Assist(cpu.AssistPrivileged), nil
}

func (it *Interp) execMovExtend(in *x86.Inst) (cpu.Step, error) {
	dst, err := it.resolve(in, in.Args[0], 0)
	if err != nil {
		return cpu.Step{}, err
	}
	src, err := it.resolve(in, in.Args[1], 0)
	if err != nil {
		return cpu.Step{}, err
	}
	v, err := it.readLoc(src)
	if err != nil {
		return cpu.Step{}, err
	}
	if in.Op != x86asm.MOVZX {
		v = uint64(sext(v, src.bits)) & cpu.MaskBits(dst.bits)
	}
	return cpu.Continue(), it.writeLoc(dst, v)
}

func (it *Interp) execLea(in *x86.Inst) (cpu.Step, error) {
	m, ok := in.Args[1].(x86asm.Mem)
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	dst, err := it.resolve(in, in.Args[0], 0)
	if err != nil {
		return cpu.Step{}, err
	}
	// Effective address only: no segment base, no memory access.
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
	return cpu.Continue(), it.writeLoc(dst, ea&cpu.MaskBits(dst.bits))
}

func (it *Interp) execXlat(in *x86.Inst) (cpu.Step, error) {
	s := it.S
	base := s.ReadGPR(cpu.RBX, int(in.AddrSize))
	al := s.ReadGPR(cpu.RAX, 8)
	ea := (base + al) & cpu.MaskBits(int(in.AddrSize))
	seg := cpu.SegDS
	if in.SegOverride >= 0 {
		seg = in.SegOverride
	}
	v, err := cpu.ReadU8Masked(s, it.Bus, s.SegBase(seg)+ea)
	if err != nil {
		return cpu.Step{}, err
	}
	s.WriteGPR(cpu.RAX, 8, uint64(v))
	return cpu.Continue(), nil
}

func (it *Interp) execPush(in *x86.Inst) (cpu.Step, error) {
	width := stackOpBits(it, in)
	// PUSH of a segment register stores the selector.
	if r, ok := in.Args[0].(x86asm.Reg); ok {
		if seg, ok := x86.SegIndex(r); ok {
			return cpu.Continue(), it.push(uint64(it.S.Segments[seg].Selector), width)
		}
	}
	v, err := it.argVal(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), it.push(v, width)
}

func (it *Interp) execPop(in *x86.Inst) (cpu.Step, error) {
	width := stackOpBits(it, in)
	if r, ok := in.Args[0].(x86asm.Reg); ok {
		if seg, ok := x86.SegIndex(r); ok {
			v, err := it.pop(width)
			if err != nil {
				return cpu.Step{}, err
			}
			return it.loadSegment(seg, uint16(v))
		}
	}
	v, err := it.pop(width)
	if err != nil {
		return cpu.Step{}, err
	}
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), it.writeLoc(dst, v)
}

func (it *Interp) execPushAll(in *x86.Inst) (cpu.Step, error) {
	width := 16
	if in.Op == x86asm.PUSHAD {
		width = 32
	}
	s := it.S
	origSP := s.ReadGPR(cpu.RSP, width)
	order := []int{cpu.RAX, cpu.RCX, cpu.RDX, cpu.RBX, cpu.RSP, cpu.RBP, cpu.RSI, cpu.RDI}
	for _, r := range order {
		v := s.ReadGPR(r, width)
		if r == cpu.RSP {
			v = origSP
		}
		if err := it.push(v, width); err != nil {
			return cpu.Step{}, err
		}
	}
	return cpu.Continue(), nil
}

func (it *Interp) execPopAll(in *x86.Inst) (cpu.Step, error) {
	width := 16
	if in.Op == x86asm.POPAD {
		width = 32
	}
	s := it.S
	order := []int{cpu.RDI, cpu.RSI, cpu.RBP, cpu.RSP, cpu.RBX, cpu.RDX, cpu.RCX, cpu.RAX}
	for _, r := range order {
		v, err := it.pop(width)
		if err != nil {
			return cpu.Step{}, err
		}
		if r == cpu.RSP {
			continue // SP image is discarded
		}
		s.WriteGPR(r, width, v)
	}
	return cpu.Continue(), nil
}

func (it *Interp) iopl() uint8 {
	return uint8((it.S.RFLAGS >> 12) & 3)
}

func (it *Interp) execPushf(in *x86.Inst) (cpu.Step, error) {
	s := it.S
	if s.Mode == cpu.ModeVm86 && it.iopl() < 3 {
		return cpu.Step{}, cpu.GeneralProtection(0)
	}
	width := stackOpBits(it, in)
	img := s.RFLAGS &^ (cpu.FlagVM | cpu.FlagRF)
	return cpu.Continue(), it.push(img, width)
}

func (it *Interp) execPopf(in *x86.Inst) (cpu.Step, error) {
	s := it.S
	if s.Mode == cpu.ModeVm86 && it.iopl() < 3 {
		return cpu.Step{}, cpu.GeneralProtection(0)
	}
	width := stackOpBits(it, in)
	v, err := it.pop(width)
	if err != nil {
		return cpu.Step{}, err
	}
	old := s.RFLAGS
	keep := cpu.FlagVM | cpu.FlagRF
	if s.CPL() != 0 {
		// IOPL is only writable at CPL 0.
		keep |= 3 << 12
		if s.CPL() > it.iopl() {
			keep |= cpu.FlagIF
		}
	}
	if width == 16 {
		keep |= ^uint64(0xFFFF)
	}
	s.RFLAGS = (old & keep) | (v &^ keep) | cpu.FlagsFixedSet
	return cpu.Continue(), nil
}

func (it *Interp) execCmov(in *x86.Inst, code int) (cpu.Step, error) {
	if !it.Feat.Cmov {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	dst, err := it.resolve(in, in.Args[0], 0)
	if err != nil {
		return cpu.Step{}, err
	}
	v, err := it.argVal(in, in.Args[1], dst.bits)
	if err != nil {
		return cpu.Step{}, err
	}
	if !it.condHolds(code) {
		// A 32-bit destination still zeroes its upper half.
		if dst.bits == 32 {
			it.S.WriteGPR(dst.reg.Index, 32, it.S.ReadGPR(dst.reg.Index, 32))
		}
		return cpu.Continue(), nil
	}
	return cpu.Continue(), it.writeLoc(dst, v)
}

func (it *Interp) execSetcc(in *x86.Inst, code int) (cpu.Step, error) {
	dst, err := it.resolve(in, in.Args[0], 8)
	if err != nil {
		return cpu.Step{}, err
	}
	var v uint64
	if it.condHolds(code) {
		v = 1
	}
	return cpu.Continue(), it.writeLoc(dst, v)
}
