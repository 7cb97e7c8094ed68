package jit

import "fmt"

// The portable bytecode is a small stack machine over uint64 values plus a
// slot file holding the block's IR values. A module has a single entry
// function; memory access and faulting go through named host hooks, so a
// compiled block can touch nothing outside the architectural state and the
// bus it was handed.

// BcOp is the bytecode operation set.
type BcOp uint8

const (
	// BcConst pushes Imm.
	BcConst BcOp = iota
	// BcLoad pushes slot Slot.
	BcLoad
	// BcStore pops into slot Slot.
	BcStore
	// BcLoadReg pushes GPR Reg read at Width bits.
	BcLoadReg
	// BcStoreReg pops and writes GPR Reg at Width bits (x86 merge rules).
	BcStoreReg
	// BcRead pops an address and pushes a Width-bit memory read (host).
	BcRead
	// BcWrite pops value then address and performs a Width-bit write (host).
	BcWrite

	BcAdd
	BcSub
	BcAnd
	BcOr
	BcXor
	BcNot
	BcNeg
	// BcShlImm shifts the top of stack left by Imm bits.
	BcShlImm
	// BcSext sign-extends from Aux bits to Width bits.
	BcSext

	// BcFlagsAdd/Sub pop res, b, a and update RFLAGS at Width bits.
	BcFlagsAdd
	BcFlagsSub
	// BcFlagsLogic pops res and updates RFLAGS at Width bits.
	BcFlagsLogic
	// BcFlagsIncDec pops res, b and updates RFLAGS with CF preserved;
	// Aux 0 = increment, 1 = decrement.
	BcFlagsIncDec

	// BcCond pushes 1 or 0 for condition code Imm (tttn order).
	BcCond
	// BcSelect pops els, then, cond and pushes then when cond is nonzero.
	BcSelect

	// BcBoundary latches fault RIP = Imm and advances the TSC.
	BcBoundary
	// BcExit pops the next RIP and returns it.
	BcExit
	// BcExitSentinel returns the exit-to-interpreter sentinel.
	BcExitSentinel
)

// Instr is one bytecode instruction.
type Instr struct {
	Op    BcOp
	Slot  int32
	Width uint8
	Aux   uint8
	Imm   uint64
}

// Module is a compiled bytecode function: the single exported entry of a
// Tier-1 block.
type Module struct {
	Code     []Instr
	NumSlots int
	MaxStack int
}

// stackEffect returns (pops, pushes) for an op.
func stackEffect(op BcOp) (int, int) {
	switch op {
	case BcConst, BcLoad, BcLoadReg, BcCond:
		return 0, 1
	case BcStore, BcStoreReg, BcFlagsLogic, BcExit:
		return 1, 0
	case BcRead, BcNot, BcNeg, BcShlImm, BcSext:
		return 1, 1
	case BcWrite, BcFlagsIncDec:
		return 2, 0
	case BcAdd, BcSub, BcAnd, BcOr, BcXor:
		return 2, 1
	case BcFlagsAdd, BcFlagsSub:
		return 3, 0
	case BcSelect:
		return 3, 1
	default: // BcBoundary, BcExitSentinel
		return 0, 0
	}
}

// Validate checks slot bounds and statically verifies stack discipline: the
// stack never underflows, MaxStack is honored, and the function can only
// end in an exit.
func (m *Module) Validate() error {
	if len(m.Code) == 0 {
		return fmt.Errorf("empty bytecode module")
	}
	depth := 0
	for pc, in := range m.Code {
		switch in.Op {
		case BcLoad, BcStore:
			if in.Slot < 0 || int(in.Slot) >= m.NumSlots {
				return fmt.Errorf("pc %d: slot %d out of range [0,%d)", pc, in.Slot, m.NumSlots)
			}
		case BcLoadReg, BcStoreReg:
			if in.Slot < 0 || in.Slot >= 16 {
				return fmt.Errorf("pc %d: register %d out of range", pc, in.Slot)
			}
		case BcExit, BcExitSentinel:
			if pc != len(m.Code)-1 {
				return fmt.Errorf("pc %d: exit before end of function", pc)
			}
		}
		pops, pushes := stackEffect(in.Op)
		depth -= pops
		if depth < 0 {
			return fmt.Errorf("pc %d: stack underflow", pc)
		}
		depth += pushes
		if depth > m.MaxStack {
			return fmt.Errorf("pc %d: stack depth %d exceeds declared max %d", pc, depth, m.MaxStack)
		}
	}
	last := m.Code[len(m.Code)-1].Op
	if last != BcExit && last != BcExitSentinel {
		return fmt.Errorf("function does not end in an exit")
	}
	return nil
}

// Assemble compiles an IR block to a validated bytecode module. Each IR
// value maps to one slot.
func Assemble(ir *IrBlock) (*Module, error) {
	m := &Module{NumSlots: ir.NumVals}
	depth, maxDepth := 0, 0
	emit := func(in Instr) {
		pops, pushes := stackEffect(in.Op)
		depth += pushes - pops
		if depth > maxDepth {
			maxDepth = depth
		}
		m.Code = append(m.Code, in)
	}
	load := func(v ValueID) { emit(Instr{Op: BcLoad, Slot: int32(v)}) }
	store := func(v ValueID) { emit(Instr{Op: BcStore, Slot: int32(v)}) }

	for _, op := range ir.Ops {
		w := uint8(op.Type.Bits())
		switch op.Kind {
		case IrConst:
			emit(Instr{Op: BcConst, Imm: op.Imm})
			store(op.Dst)
		case IrLoadReg:
			emit(Instr{Op: BcLoadReg, Slot: int32(op.Reg), Width: w})
			store(op.Dst)
		case IrStoreReg:
			load(op.A)
			emit(Instr{Op: BcStoreReg, Slot: int32(op.Reg), Width: w})
		case IrLoadMem:
			load(op.A)
			emit(Instr{Op: BcRead, Width: w})
			store(op.Dst)
		case IrStoreMem:
			load(op.A)
			load(op.B)
			emit(Instr{Op: BcWrite, Width: w})
		case IrAdd, IrSub, IrAnd, IrOr, IrXor:
			load(op.A)
			load(op.B)
			emit(Instr{Op: binOpFor(op.Kind), Width: w})
			store(op.Dst)
		case IrNot:
			load(op.A)
			emit(Instr{Op: BcNot, Width: w})
			store(op.Dst)
		case IrNeg:
			load(op.A)
			emit(Instr{Op: BcNeg, Width: w})
			store(op.Dst)
		case IrShl:
			load(op.A)
			emit(Instr{Op: BcShlImm, Width: w, Imm: op.Imm})
			store(op.Dst)
		case IrSext:
			load(op.A)
			emit(Instr{Op: BcSext, Width: w, Aux: op.Aux})
			store(op.Dst)
		case IrFlagsAdd, IrFlagsSub:
			load(op.A)
			load(op.B)
			load(op.C)
			k := BcFlagsAdd
			if op.Kind == IrFlagsSub {
				k = BcFlagsSub
			}
			emit(Instr{Op: k, Width: w})
		case IrFlagsLogic:
			load(op.C)
			emit(Instr{Op: BcFlagsLogic, Width: w})
		case IrFlagsIncDec:
			load(op.B)
			load(op.C)
			emit(Instr{Op: BcFlagsIncDec, Width: w, Aux: op.Aux})
		case IrCond:
			emit(Instr{Op: BcCond, Imm: op.Imm})
			store(op.Dst)
		case IrSelect:
			load(op.A)
			load(op.B)
			load(op.C)
			emit(Instr{Op: BcSelect})
			store(op.Dst)
		case IrInstBoundary:
			emit(Instr{Op: BcBoundary, Imm: op.Imm})
		case IrExit:
			load(op.A)
			emit(Instr{Op: BcExit})
		case IrExitSentinel:
			emit(Instr{Op: BcExitSentinel})
		default:
			return nil, fmt.Errorf("unknown ir op kind %d", op.Kind)
		}
	}
	m.MaxStack = maxDepth
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("assemble block at %#x: %w", ir.Start, err)
	}
	return m, nil
}

func binOpFor(k OpKind) BcOp {
	switch k {
	case IrAdd:
		return BcAdd
	case IrSub:
		return BcSub
	case IrAnd:
		return BcAnd
	case IrOr:
		return BcOr
	default:
		return BcXor
	}
}
