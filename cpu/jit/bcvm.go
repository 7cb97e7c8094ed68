package jit

import (
	"fmt"

	"github.com/colorfulnotion/x86vm/cpu"
)

// ExitToInterp is the sentinel a compiled block returns when RIP is already
// in the architectural state and control must go back to the interpreter.
const ExitToInterp = ^uint64(0)

// Host provides the imported functions a bytecode module may call: memory
// read/write at each scalar width. A host error aborts the block; the
// fault RIP has already been latched by the last instruction boundary.
type Host interface {
	MemReadU8(addr uint64) (uint8, error)
	MemReadU16(addr uint64) (uint16, error)
	MemReadU32(addr uint64) (uint32, error)
	MemReadU64(addr uint64) (uint64, error)

	MemWriteU8(addr uint64, v uint8) error
	MemWriteU16(addr uint64, v uint16) error
	MemWriteU32(addr uint64, v uint32) error
	MemWriteU64(addr uint64, v uint64) error
}

func hostRead(h Host, addr uint64, width uint8) (uint64, error) {
	switch width {
	case 8:
		v, err := h.MemReadU8(addr)
		return uint64(v), err
	case 16:
		v, err := h.MemReadU16(addr)
		return uint64(v), err
	case 32:
		v, err := h.MemReadU32(addr)
		return uint64(v), err
	default:
		return h.MemReadU64(addr)
	}
}

func hostWrite(h Host, addr, v uint64, width uint8) error {
	switch width {
	case 8:
		return h.MemWriteU8(addr, uint8(v))
	case 16:
		return h.MemWriteU16(addr, uint16(v))
	case 32:
		return h.MemWriteU32(addr, uint32(v))
	default:
		return h.MemWriteU64(addr, v)
	}
}

func sextBits(v uint64, bits int) uint64 {
	shift := 64 - uint(bits)
	return uint64(int64(v<<shift) >> shift)
}

// Run executes a validated module against the architectural state and a
// host. It returns the next instruction pointer, or ExitToInterp. Stack
// and slot accesses are bounds-checked; a violation means a corrupted
// module and aborts the block.
func Run(m *Module, s *cpu.State, h Host) (uint64, error) {
	stack := make([]uint64, 0, m.MaxStack)
	slots := make([]uint64, m.NumSlots)

	pop := func() uint64 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	push := func(v uint64) { stack = append(stack, v) }

	for pc := 0; pc < len(m.Code); pc++ {
		in := m.Code[pc]
		if pops, _ := stackEffect(in.Op); len(stack) < pops {
			return 0, fmt.Errorf("bytecode stack underflow at pc %d", pc)
		}
		width := int(in.Width)
		mask := cpu.MaskBits(width)
		switch in.Op {
		case BcConst:
			push(in.Imm)
		case BcLoad:
			if int(in.Slot) >= len(slots) {
				return 0, fmt.Errorf("bytecode slot %d out of range at pc %d", in.Slot, pc)
			}
			push(slots[in.Slot])
		case BcStore:
			if int(in.Slot) >= len(slots) {
				return 0, fmt.Errorf("bytecode slot %d out of range at pc %d", in.Slot, pc)
			}
			slots[in.Slot] = pop()
		case BcLoadReg:
			push(s.ReadGPR(int(in.Slot), width))
		case BcStoreReg:
			s.WriteGPR(int(in.Slot), width, pop())
		case BcRead:
			addr := pop()
			v, err := hostRead(h, addr, in.Width)
			if err != nil {
				return 0, err
			}
			push(v)
		case BcWrite:
			v := pop()
			addr := pop()
			if err := hostWrite(h, addr, v, in.Width); err != nil {
				return 0, err
			}
		case BcAdd:
			b := pop()
			push((pop() + b) & mask)
		case BcSub:
			b := pop()
			push((pop() - b) & mask)
		case BcAnd:
			b := pop()
			push(pop() & b)
		case BcOr:
			b := pop()
			push(pop() | b)
		case BcXor:
			b := pop()
			push(pop() ^ b)
		case BcNot:
			push(^pop() & mask)
		case BcNeg:
			push((-pop()) & mask)
		case BcShlImm:
			push(pop() << (in.Imm & 63))
		case BcSext:
			push(sextBits(pop(), int(in.Aux)) & mask)
		case BcFlagsAdd:
			res := pop()
			b := pop()
			a := pop()
			s.RFLAGS = cpu.AddFlags(s.RFLAGS, a, b, res, width)
		case BcFlagsSub:
			res := pop()
			b := pop()
			a := pop()
			s.RFLAGS = cpu.SubFlags(s.RFLAGS, a, b, res, width)
		case BcFlagsLogic:
			s.RFLAGS = cpu.LogicFlags(s.RFLAGS, pop(), width)
		case BcFlagsIncDec:
			res := pop()
			v := pop()
			cf := s.RFLAGS & cpu.FlagCF
			if in.Aux == 0 {
				s.RFLAGS = cpu.AddFlags(s.RFLAGS, v, 1, res, width)
			} else {
				s.RFLAGS = cpu.SubFlags(s.RFLAGS, v, 1, res, width)
			}
			s.RFLAGS = s.RFLAGS&^cpu.FlagCF | cf
		case BcCond:
			if cpu.CondHolds(s.RFLAGS, int(in.Imm)) {
				push(1)
			} else {
				push(0)
			}
		case BcSelect:
			els := pop()
			then := pop()
			if pop() != 0 {
				push(then)
			} else {
				push(els)
			}
		case BcBoundary:
			s.RIP = in.Imm
			s.TSC++
		case BcExit:
			return pop(), nil
		case BcExitSentinel:
			return ExitToInterp, nil
		default:
			return 0, fmt.Errorf("unknown bytecode op %d at pc %d", in.Op, pc)
		}
	}
	return 0, fmt.Errorf("bytecode fell off the end of the function")
}
