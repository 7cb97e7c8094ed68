// Package jit is the Tier-1 hot path: it discovers basic blocks, lowers
// them to a small typed IR, compiles the IR to a portable sandboxed
// bytecode module, and runs compiled blocks out of a code cache with
// self-modifying-code invalidation. Every lowering must be semantically
// equivalent to what the Tier-0 interpreter does for the same bytes.
package jit

import "fmt"

// ValueID is a dense identifier into a block's value table.
type ValueID int32

// ValType is the width class of an IR value.
type ValType uint8

const (
	I8 ValType = iota
	I16
	I32
	I64
)

// Bits returns the width of a value type in bits.
func (t ValType) Bits() int {
	switch t {
	case I8:
		return 8
	case I16:
		return 16
	case I32:
		return 32
	default:
		return 64
	}
}

func typeForBits(bits int) ValType {
	switch bits {
	case 8:
		return I8
	case 16:
		return I16
	case 32:
		return I32
	default:
		return I64
	}
}

// OpKind is the closed IR operation set.
type OpKind uint8

const (
	// IrConst materializes Imm as a value.
	IrConst OpKind = iota
	// IrLoadReg reads GPR Reg at the op width, zero-extended.
	IrLoadReg
	// IrStoreReg writes A to GPR Reg with x86 merge semantics.
	IrStoreReg
	// IrLoadMem reads Type-width memory at address A.
	IrLoadMem
	// IrStoreMem writes B to Type-width memory at address A.
	IrStoreMem

	IrAdd
	IrSub
	IrAnd
	IrOr
	IrXor
	IrNot
	IrNeg
	// IrShl shifts A left by Imm bits (pure value op, no flags).
	IrShl
	// IrSext sign-extends A from Aux bits to the op width.
	IrSext

	// IrFlagsAdd/Sub/Logic update RFLAGS for res=C of a+b, a-b, or a
	// logic op at the op width, exactly as Tier-0 does.
	IrFlagsAdd
	IrFlagsSub
	IrFlagsLogic
	// IrFlagsIncDec is add/sub flags with CF preserved; Aux 0=inc 1=dec.
	IrFlagsIncDec

	// IrCond evaluates condition code Imm (tttn order) to 1 or 0.
	IrCond
	// IrSelect yields B when A is nonzero, else C.
	IrSelect

	// IrInstBoundary marks the start of a guest instruction at Imm: it
	// latches the fault RIP and advances the TSC, matching one Tier-0 step.
	IrInstBoundary
	// IrExit ends the block; A is the next instruction pointer.
	IrExit
	// IrExitSentinel ends the block signaling "return to the interpreter
	// with RIP already in place".
	IrExitSentinel
)

// Op is one IR operation. Not every field is meaningful for every kind.
type Op struct {
	Kind OpKind
	Type ValType
	Dst  ValueID
	A    ValueID
	B    ValueID
	C    ValueID
	Imm  uint64
	Reg  uint8
	Aux  uint8
}

// IrBlock is an immutable lowered basic block.
type IrBlock struct {
	// Start is the linear address of the first instruction.
	Start uint64
	// ByteLen is the total guest byte length of the block.
	ByteLen int
	// NumInsts is the guest instruction count.
	NumInsts int

	Ops     []Op
	NumVals int
}

// Builder accumulates IR ops and allocates value ids.
type Builder struct {
	ops  []Op
	next ValueID

	start    uint64
	byteLen  int
	numInsts int
	done     bool
}

func NewBuilder(start uint64) *Builder {
	return &Builder{start: start}
}

func (b *Builder) newVal() ValueID {
	id := b.next
	b.next++
	return id
}

func (b *Builder) emit(op Op) ValueID {
	b.ops = append(b.ops, op)
	return op.Dst
}

// InstBoundary opens a guest instruction at addr with the given byte length.
func (b *Builder) InstBoundary(addr uint64, instLen int) {
	b.numInsts++
	b.byteLen += instLen
	b.emit(Op{Kind: IrInstBoundary, Imm: addr})
}

func (b *Builder) Const(v uint64, t ValType) ValueID {
	return b.emit(Op{Kind: IrConst, Type: t, Dst: b.newVal(), Imm: v})
}

func (b *Builder) LoadReg(reg int, bits int) ValueID {
	return b.emit(Op{Kind: IrLoadReg, Type: typeForBits(bits), Dst: b.newVal(), Reg: uint8(reg)})
}

func (b *Builder) StoreReg(reg int, bits int, v ValueID) {
	b.emit(Op{Kind: IrStoreReg, Type: typeForBits(bits), A: v, Reg: uint8(reg)})
}

func (b *Builder) LoadMem(addr ValueID, bits int) ValueID {
	return b.emit(Op{Kind: IrLoadMem, Type: typeForBits(bits), Dst: b.newVal(), A: addr})
}

func (b *Builder) StoreMem(addr, v ValueID, bits int) {
	b.emit(Op{Kind: IrStoreMem, Type: typeForBits(bits), A: addr, B: v})
}

func (b *Builder) Bin(kind OpKind, a, v ValueID, bits int) ValueID {
	return b.emit(Op{Kind: kind, Type: typeForBits(bits), Dst: b.newVal(), A: a, B: v})
}

func (b *Builder) Un(kind OpKind, a ValueID, bits int) ValueID {
	return b.emit(Op{Kind: kind, Type: typeForBits(bits), Dst: b.newVal(), A: a})
}

func (b *Builder) ShlImm(a ValueID, count uint8) ValueID {
	return b.emit(Op{Kind: IrShl, Type: I64, Dst: b.newVal(), A: a, Imm: uint64(count)})
}

func (b *Builder) Sext(a ValueID, fromBits, toBits int) ValueID {
	return b.emit(Op{Kind: IrSext, Type: typeForBits(toBits), Dst: b.newVal(), A: a, Aux: uint8(fromBits)})
}

func (b *Builder) Flags(kind OpKind, a, v, res ValueID, bits int) {
	b.emit(Op{Kind: kind, Type: typeForBits(bits), A: a, B: v, C: res})
}

func (b *Builder) FlagsIncDec(dec bool, v, res ValueID, bits int) {
	var aux uint8
	if dec {
		aux = 1
	}
	b.emit(Op{Kind: IrFlagsIncDec, Type: typeForBits(bits), B: v, C: res, Aux: aux})
}

func (b *Builder) Cond(code int) ValueID {
	return b.emit(Op{Kind: IrCond, Type: I8, Dst: b.newVal(), Imm: uint64(code)})
}

func (b *Builder) Select(cond, then, els ValueID) ValueID {
	return b.emit(Op{Kind: IrSelect, Type: I64, Dst: b.newVal(), A: cond, B: then, C: els})
}

func (b *Builder) Exit(rip ValueID) {
	b.emit(Op{Kind: IrExit, A: rip})
	b.done = true
}

func (b *Builder) ExitSentinel() {
	b.emit(Op{Kind: IrExitSentinel})
	b.done = true
}

// Block finalizes the builder. The last op must be an exit.
func (b *Builder) Block() (*IrBlock, error) {
	if !b.done {
		return nil, fmt.Errorf("ir block at %#x has no exit", b.start)
	}
	return &IrBlock{
		Start:    b.start,
		ByteLen:  b.byteLen,
		NumInsts: b.numInsts,
		Ops:      b.ops,
		NumVals:  int(b.next),
	}, nil
}
