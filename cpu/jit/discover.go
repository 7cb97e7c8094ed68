package jit

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/x86"
)

// Block discovery scans forward from an instruction pointer, lowering
// instructions until a terminator or a configured limit. Anything outside
// the lowerable subset aborts discovery; the dispatcher then marks the
// address rejected so the attempt is never repeated.
//
// Tier-1 only engages in long mode, where CS/DS/SS/ES bases are zero and
// the effective address width is 64 bits; everything else stays on Tier-0.

var jccCode = map[x86asm.Op]int{
	x86asm.JO: 0, x86asm.JNO: 1,
	x86asm.JB: 2, x86asm.JAE: 3,
	x86asm.JE: 4, x86asm.JNE: 5,
	x86asm.JBE: 6, x86asm.JA: 7,
	x86asm.JS: 8, x86asm.JNS: 9,
	x86asm.JP: 10, x86asm.JNP: 11,
	x86asm.JL: 12, x86asm.JGE: 13,
	x86asm.JLE: 14, x86asm.JG: 15,
}

// Discover decodes and lowers a basic block starting at the linear address
// start. It returns the IR block and the raw guest bytes it covers.
func Discover(s *cpu.State, bus cpu.Bus, start uint64, cfg cpu.JITConfig) (*IrBlock, []byte, error) {
	if s.Mode != cpu.ModeLong {
		return nil, nil, fmt.Errorf("tier-1 requires long mode, in %s", s.Mode)
	}
	b := NewBuilder(start)
	var raw []byte
	addr := start
	for {
		code, err := cpu.FetchMasked(s, bus, addr)
		if err != nil {
			return nil, nil, err
		}
		in, err := x86.Decode(code, 64)
		if err != nil {
			return nil, nil, err
		}
		if b.byteLen+in.Len > cfg.MaxBlockBytes {
			if b.numInsts == 0 {
				return nil, nil, fmt.Errorf("block byte limit %d below first instruction", cfg.MaxBlockBytes)
			}
			b.Exit(b.Const(addr, I64))
			break
		}
		term, err := lowerInst(b, &in, addr)
		if err != nil {
			return nil, nil, err
		}
		raw = append(raw, code[:in.Len]...)
		addr += uint64(in.Len)
		if term {
			break
		}
		if b.numInsts >= cfg.MaxBlockInsts {
			b.Exit(b.Const(addr, I64))
			break
		}
	}
	blk, err := b.Block()
	if err != nil {
		return nil, nil, err
	}
	return blk, raw, nil
}

// lowerInst lowers one decoded instruction. It returns true when the
// instruction terminates the block.
func lowerInst(b *Builder, in *x86.Inst, addr uint64) (bool, error) {
	if in.Lock || in.Rep || in.Repne {
		return false, fmt.Errorf("prefix form of %s not lowerable", in.Op)
	}
	if in.SegOverride >= 0 {
		return false, fmt.Errorf("segment override not lowerable")
	}
	if in.AddrSize != 64 {
		return false, fmt.Errorf("address-size override not lowerable")
	}
	l := &lowerer{b: b, in: in, instAddr: addr, nextAddr: addr + uint64(in.Len)}
	b.InstBoundary(addr, in.Len)

	switch in.Op {
	case x86asm.NOP:
		return false, nil
	case x86asm.MOV:
		return false, l.mov()
	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		return false, l.movExtend()
	case x86asm.LEA:
		return false, l.lea()
	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR:
		return false, l.binop()
	case x86asm.CMP, x86asm.TEST:
		return false, l.compare()
	case x86asm.INC, x86asm.DEC:
		return false, l.incDec()
	case x86asm.NOT, x86asm.NEG:
		return false, l.unary()
	case x86asm.PUSH:
		return false, l.push()
	case x86asm.POP:
		return false, l.pop()
	case x86asm.JMP:
		rel, ok := in.Args[0].(x86asm.Rel)
		if !ok {
			return false, fmt.Errorf("indirect jump not lowerable")
		}
		b.Exit(b.Const(l.nextAddr+uint64(int64(rel)), I64))
		return true, nil
	case x86asm.CALL:
		return true, l.call()
	case x86asm.RET:
		return true, l.ret()
	default:
		if code, ok := jccCode[in.Op]; ok {
			return true, l.jcc(code)
		}
		return false, fmt.Errorf("opcode %s not lowerable", in.Op)
	}
}

type lowerer struct {
	b        *Builder
	in       *x86.Inst
	instAddr uint64
	nextAddr uint64
}

// opBits infers the operation width the way Tier-0 does: explicit GPR
// width first, then the memory operand size, then the operand-size
// attribute.
func (l *lowerer) opBits() int {
	for _, a := range l.in.Args {
		if r, ok := a.(x86asm.Reg); ok {
			if slot, ok := x86.GPRSlot(r); ok {
				return slot.Bits
			}
		}
	}
	if l.in.MemBytes > 0 {
		return l.in.MemBytes * 8
	}
	return int(l.in.DataSize)
}

func (l *lowerer) regSlot(r x86asm.Reg) (x86.RegSlot, error) {
	slot, ok := x86.GPRSlot(r)
	if !ok || slot.High8 {
		return x86.RegSlot{}, fmt.Errorf("register %s not lowerable", r)
	}
	return slot, nil
}

// memAddr builds the 64-bit effective address of a memory operand.
func (l *lowerer) memAddr(m x86asm.Mem) (ValueID, error) {
	if m.Segment != 0 {
		return 0, fmt.Errorf("segmented operand not lowerable")
	}
	var ea ValueID
	have := false
	if x86.IsRIP(m.Base) {
		ea = l.b.Const(l.nextAddr, I64)
		have = true
	} else if m.Base != 0 {
		slot, err := l.regSlot(m.Base)
		if err != nil {
			return 0, err
		}
		ea = l.b.LoadReg(slot.Index, 64)
		have = true
	}
	if m.Index != 0 {
		slot, err := l.regSlot(m.Index)
		if err != nil {
			return 0, err
		}
		idx := l.b.LoadReg(slot.Index, 64)
		switch m.Scale {
		case 1:
		case 2:
			idx = l.b.ShlImm(idx, 1)
		case 4:
			idx = l.b.ShlImm(idx, 2)
		case 8:
			idx = l.b.ShlImm(idx, 3)
		default:
			return 0, fmt.Errorf("scale %d not lowerable", m.Scale)
		}
		if have {
			ea = l.b.Bin(IrAdd, ea, idx, 64)
		} else {
			ea = idx
			have = true
		}
	}
	if !have {
		ea = l.b.Const(uint64(m.Disp), I64)
	} else if m.Disp != 0 {
		ea = l.b.Bin(IrAdd, ea, l.b.Const(uint64(m.Disp), I64), 64)
	}
	return ea, nil
}

// operand is a resolved destination: a register slot or a computed address.
type operand struct {
	mem  bool
	reg  x86.RegSlot
	addr ValueID
	bits int
}

func (l *lowerer) resolve(arg x86asm.Arg, bits int) (operand, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		slot, err := l.regSlot(a)
		if err != nil {
			return operand{}, err
		}
		if bits == 0 {
			bits = slot.Bits
		}
		return operand{reg: slot, bits: bits}, nil
	case x86asm.Mem:
		addr, err := l.memAddr(a)
		if err != nil {
			return operand{}, err
		}
		if bits == 0 {
			bits = l.in.MemBytes * 8
		}
		return operand{mem: true, addr: addr, bits: bits}, nil
	}
	return operand{}, fmt.Errorf("operand form not lowerable")
}

func (l *lowerer) load(o operand) ValueID {
	if o.mem {
		return l.b.LoadMem(o.addr, o.bits)
	}
	return l.b.LoadReg(o.reg.Index, o.bits)
}

func (l *lowerer) store(o operand, v ValueID) {
	if o.mem {
		l.b.StoreMem(o.addr, v, o.bits)
	} else {
		l.b.StoreReg(o.reg.Index, o.bits, v)
	}
}

// value evaluates a source argument at the given width. Immediates are
// decoded sign-extended and truncated, as Tier-0 does.
func (l *lowerer) value(arg x86asm.Arg, bits int) (ValueID, error) {
	if imm, ok := arg.(x86asm.Imm); ok {
		return l.b.Const(uint64(int64(imm))&cpu.MaskBits(bits), typeForBits(bits)), nil
	}
	o, err := l.resolve(arg, bits)
	if err != nil {
		return 0, err
	}
	return l.load(o), nil
}

func (l *lowerer) mov() error {
	w := l.opBits()
	dst, err := l.resolve(l.in.Args[0], w)
	if err != nil {
		return err
	}
	v, err := l.value(l.in.Args[1], w)
	if err != nil {
		return err
	}
	l.store(dst, v)
	return nil
}

func (l *lowerer) movExtend() error {
	r, ok := l.in.Args[0].(x86asm.Reg)
	if !ok {
		return fmt.Errorf("extend form not lowerable")
	}
	slot, err := l.regSlot(r)
	if err != nil {
		return err
	}
	srcBits := l.in.MemBytes * 8
	if sr, ok := l.in.Args[1].(x86asm.Reg); ok {
		ss, err := l.regSlot(sr)
		if err != nil {
			return err
		}
		srcBits = ss.Bits
	}
	if srcBits == 0 || srcBits >= slot.Bits {
		return fmt.Errorf("extend widths not lowerable")
	}
	v, err := l.value(l.in.Args[1], srcBits)
	if err != nil {
		return err
	}
	if l.in.Op != x86asm.MOVZX {
		v = l.b.Sext(v, srcBits, slot.Bits)
	}
	l.b.StoreReg(slot.Index, slot.Bits, v)
	return nil
}

func (l *lowerer) lea() error {
	r, ok := l.in.Args[0].(x86asm.Reg)
	if !ok {
		return fmt.Errorf("lea form not lowerable")
	}
	slot, err := l.regSlot(r)
	if err != nil {
		return err
	}
	m, ok := l.in.Args[1].(x86asm.Mem)
	if !ok {
		return fmt.Errorf("lea form not lowerable")
	}
	ea, err := l.memAddr(m)
	if err != nil {
		return err
	}
	l.b.StoreReg(slot.Index, slot.Bits, ea)
	return nil
}

func (l *lowerer) binop() error {
	w := l.opBits()
	dst, err := l.resolve(l.in.Args[0], w)
	if err != nil {
		return err
	}
	a := l.load(dst)
	v, err := l.value(l.in.Args[1], w)
	if err != nil {
		return err
	}
	var kind, flags OpKind
	switch l.in.Op {
	case x86asm.ADD:
		kind, flags = IrAdd, IrFlagsAdd
	case x86asm.SUB:
		kind, flags = IrSub, IrFlagsSub
	case x86asm.AND:
		kind, flags = IrAnd, IrFlagsLogic
	case x86asm.OR:
		kind, flags = IrOr, IrFlagsLogic
	default:
		kind, flags = IrXor, IrFlagsLogic
	}
	res := l.b.Bin(kind, a, v, w)
	l.b.Flags(flags, a, v, res, w)
	l.store(dst, res)
	return nil
}

func (l *lowerer) compare() error {
	w := l.opBits()
	a, err := l.value(l.in.Args[0], w)
	if err != nil {
		return err
	}
	v, err := l.value(l.in.Args[1], w)
	if err != nil {
		return err
	}
	if l.in.Op == x86asm.CMP {
		res := l.b.Bin(IrSub, a, v, w)
		l.b.Flags(IrFlagsSub, a, v, res, w)
	} else {
		res := l.b.Bin(IrAnd, a, v, w)
		l.b.Flags(IrFlagsLogic, a, v, res, w)
	}
	return nil
}

func (l *lowerer) incDec() error {
	w := l.opBits()
	dst, err := l.resolve(l.in.Args[0], w)
	if err != nil {
		return err
	}
	v := l.load(dst)
	one := l.b.Const(1, typeForBits(w))
	dec := l.in.Op == x86asm.DEC
	kind := IrAdd
	if dec {
		kind = IrSub
	}
	res := l.b.Bin(kind, v, one, w)
	l.b.FlagsIncDec(dec, v, res, w)
	l.store(dst, res)
	return nil
}

func (l *lowerer) unary() error {
	w := l.opBits()
	dst, err := l.resolve(l.in.Args[0], w)
	if err != nil {
		return err
	}
	v := l.load(dst)
	if l.in.Op == x86asm.NOT {
		l.store(dst, l.b.Un(IrNot, v, w))
		return nil
	}
	res := l.b.Un(IrNeg, v, w)
	l.b.Flags(IrFlagsSub, l.b.Const(0, typeForBits(w)), v, res, w)
	l.store(dst, res)
	return nil
}

// pushVal emits a 64-bit push of v: the store happens before RSP moves, so
// a faulting push leaves RSP intact, matching Tier-0.
func (l *lowerer) pushVal(v ValueID) {
	sp := l.b.Bin(IrSub, l.b.LoadReg(cpu.RSP, 64), l.b.Const(8, I64), 64)
	l.b.StoreMem(sp, v, 64)
	l.b.StoreReg(cpu.RSP, 64, sp)
}

func (l *lowerer) push() error {
	if l.in.DataSize == 16 {
		return fmt.Errorf("16-bit push not lowerable")
	}
	v, err := l.value(l.in.Args[0], 64)
	if err != nil {
		return err
	}
	l.pushVal(v)
	return nil
}

func (l *lowerer) pop() error {
	if l.in.DataSize == 16 {
		return fmt.Errorf("16-bit pop not lowerable")
	}
	// RSP moves before the destination address is computed, so
	// pop qword [rsp] writes through the incremented pointer.
	sp := l.b.LoadReg(cpu.RSP, 64)
	v := l.b.LoadMem(sp, 64)
	l.b.StoreReg(cpu.RSP, 64, l.b.Bin(IrAdd, sp, l.b.Const(8, I64), 64))
	dst, err := l.resolve(l.in.Args[0], 64)
	if err != nil {
		return err
	}
	l.store(dst, v)
	return nil
}

func (l *lowerer) jcc(code int) error {
	rel, ok := l.in.Args[0].(x86asm.Rel)
	if !ok {
		return fmt.Errorf("jcc form not lowerable")
	}
	cond := l.b.Cond(code)
	target := l.b.Const(l.nextAddr+uint64(int64(rel)), I64)
	fall := l.b.Const(l.nextAddr, I64)
	l.b.Exit(l.b.Select(cond, target, fall))
	return nil
}

func (l *lowerer) call() error {
	rel, ok := l.in.Args[0].(x86asm.Rel)
	if !ok {
		return fmt.Errorf("indirect call not lowerable")
	}
	l.pushVal(l.b.Const(l.nextAddr, I64))
	l.b.Exit(l.b.Const(l.nextAddr+uint64(int64(rel)), I64))
	return nil
}

func (l *lowerer) ret() error {
	if len(l.in.Args) > 0 && l.in.Args[0] != nil {
		return fmt.Errorf("ret imm not lowerable")
	}
	sp := l.b.LoadReg(cpu.RSP, 64)
	v := l.b.LoadMem(sp, 64)
	l.b.StoreReg(cpu.RSP, 64, l.b.Bin(IrAdd, sp, l.b.Const(8, I64), 64))
	l.b.Exit(v)
	return nil
}
