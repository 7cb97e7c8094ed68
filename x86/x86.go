// Package x86 wraps golang.org/x/arch/x86/x86asm with the register and
// prefix views the execution core needs: decoded instructions carry their
// effective prefixes, and machine registers map onto GPR slot indices.
package x86

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
)

// Inst is one decoded instruction plus the prefix summary the executor
// keys on.
type Inst struct {
	x86asm.Inst

	Lock  bool
	Rep   bool // REP/REPE (F3)
	Repne bool // REPNE (F2)
	// SegOverride is a cpu.Seg* index, or -1 when no override applies.
	SegOverride int
}

// Decode decodes one instruction for the given mode bitness (16, 32, 64).
// Undecodable bytes come back as #UD; an empty or truncated buffer means
// the fetch window ended before the instruction did.
func Decode(code []byte, bits int) (Inst, error) {
	raw, err := x86asm.Decode(code, bits)
	if err != nil {
		return Inst{}, cpu.InvalidOpcode()
	}
	inst := Inst{Inst: raw, SegOverride: -1}
	for _, p := range raw.Prefix {
		if p == 0 {
			break
		}
		// PrefixInvalid marks a prefix that is illegal on this opcode
		// (LOCK on a non-lockable form); it still must surface so the
		// legality check can raise #UD.
		switch p &^ (x86asm.PrefixImplicit | x86asm.PrefixIgnored | x86asm.PrefixInvalid) {
		case x86asm.PrefixLOCK:
			inst.Lock = true
		case x86asm.PrefixREP:
			inst.Rep = true
		case x86asm.PrefixREPN:
			inst.Repne = true
		case x86asm.PrefixES:
			inst.SegOverride = cpu.SegES
		case x86asm.PrefixCS:
			inst.SegOverride = cpu.SegCS
		case x86asm.PrefixSS:
			inst.SegOverride = cpu.SegSS
		case x86asm.PrefixDS:
			inst.SegOverride = cpu.SegDS
		case x86asm.PrefixFS:
			inst.SegOverride = cpu.SegFS
		case x86asm.PrefixGS:
			inst.SegOverride = cpu.SegGS
		}
	}
	return inst, nil
}

// RegSlot locates a machine register within the GPR file: slot index,
// access width in bits, and whether it is a legacy high-byte register.
type RegSlot struct {
	Index int
	Bits  int
	High8 bool
}

// GPRSlot maps an x86asm general purpose register onto its GPR slot.
// Returns ok=false for non-GPR registers.
func GPRSlot(r x86asm.Reg) (RegSlot, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return RegSlot{Index: int(r - x86asm.AL), Bits: 8}, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return RegSlot{Index: int(r - x86asm.AH), Bits: 8, High8: true}, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return RegSlot{Index: int(r-x86asm.SPB) + cpu.RSP, Bits: 8}, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return RegSlot{Index: int(r-x86asm.R8B) + cpu.R8, Bits: 8}, true
	case r >= x86asm.AX && r <= x86asm.DI:
		return RegSlot{Index: int(r - x86asm.AX), Bits: 16}, true
	case r >= x86asm.R8W && r <= x86asm.R15W:
		return RegSlot{Index: int(r-x86asm.R8W) + cpu.R8, Bits: 16}, true
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return RegSlot{Index: int(r - x86asm.EAX), Bits: 32}, true
	case r >= x86asm.R8L && r <= x86asm.R15L:
		return RegSlot{Index: int(r-x86asm.R8L) + cpu.R8, Bits: 32}, true
	case r >= x86asm.RAX && r <= x86asm.RDI:
		return RegSlot{Index: int(r - x86asm.RAX), Bits: 64}, true
	case r >= x86asm.R8 && r <= x86asm.R15:
		return RegSlot{Index: int(r-x86asm.R8) + cpu.R8, Bits: 64}, true
	}
	return RegSlot{}, false
}

// XMMSlot maps an XMM register onto its index in the SSE file.
func XMMSlot(r x86asm.Reg) (int, bool) {
	if r >= x86asm.X0 && r <= x86asm.X15 {
		return int(r - x86asm.X0), true
	}
	return 0, false
}

// STSlot maps an x87 stack register onto its relative index.
func STSlot(r x86asm.Reg) (int, bool) {
	if r >= x86asm.F0 && r <= x86asm.F7 {
		return int(r - x86asm.F0), true
	}
	return 0, false
}

// SegIndex maps a segment register onto its cpu.Seg* index.
func SegIndex(r x86asm.Reg) (int, bool) {
	switch r {
	case x86asm.ES:
		return cpu.SegES, true
	case x86asm.CS:
		return cpu.SegCS, true
	case x86asm.SS:
		return cpu.SegSS, true
	case x86asm.DS:
		return cpu.SegDS, true
	case x86asm.FS:
		return cpu.SegFS, true
	case x86asm.GS:
		return cpu.SegGS, true
	}
	return 0, false
}

// IsRIP reports an instruction-pointer pseudo register (RIP-relative
// memory bases decode to these).
func IsRIP(r x86asm.Reg) bool {
	return r == x86asm.IP || r == x86asm.EIP || r == x86asm.RIP
}
