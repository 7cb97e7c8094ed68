package interp

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/x86"
)

// stringGroup claims the MOVS/STOS/LODS/SCAS/CMPS families. REP loops run
// to completion inside one Step; the index and count registers are written
// back after every element so a fault mid-loop leaves architecturally
// correct partial progress.
type stringGroup struct{}

var stringWidth = map[x86asm.Op]int{
	x86asm.MOVSB: 8, x86asm.MOVSW: 16, x86asm.MOVSD: 32, x86asm.MOVSQ: 64,
	x86asm.STOSB: 8, x86asm.STOSW: 16, x86asm.STOSD: 32, x86asm.STOSQ: 64,
	x86asm.LODSB: 8, x86asm.LODSW: 16, x86asm.LODSD: 32, x86asm.LODSQ: 64,
	x86asm.SCASB: 8, x86asm.SCASW: 16, x86asm.SCASD: 32, x86asm.SCASQ: 64,
	x86asm.CMPSB: 8, x86asm.CMPSW: 16, x86asm.CMPSD: 32, x86asm.CMPSQ: 64,
}

func (stringGroup) Claims(op x86asm.Op) bool {
	_, ok := stringWidth[op]
	return ok
}

func isScanOp(op x86asm.Op) bool {
	switch op {
	case x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ:
		return true
	}
	return false
}

func (g stringGroup) Execute(it *Interp, in *x86.Inst) (cpu.Step, error) {
	s := it.S
	width := stringWidth[in.Op]
	asz := int(in.AddrSize)
	amask := cpu.MaskBits(asz)

	srcSeg := cpu.SegDS
	if in.SegOverride >= 0 {
		srcSeg = in.SegOverride
	}

	delta := uint64(width / 8)
	if s.GetFlag(cpu.FlagDF) {
		delta = -delta
	}

	repeated := in.Rep || in.Repne
	for {
		if repeated {
			if s.ReadGPR(cpu.RCX, asz) == 0 {
				break
			}
		}
		if err := it.stringIteration(in, width, asz, srcSeg, delta, amask); err != nil {
			return cpu.Step{}, err
		}
		if !repeated {
			break
		}
		s.WriteGPR(cpu.RCX, asz, (s.ReadGPR(cpu.RCX, asz)-1)&amask)
		if isScanOp(in.Op) {
			if in.Rep && !s.GetFlag(cpu.FlagZF) {
				break
			}
			if in.Repne && s.GetFlag(cpu.FlagZF) {
				break
			}
		}
	}
	return cpu.Continue(), nil
}

func (it *Interp) stringIteration(in *x86.Inst, width, asz, srcSeg int, delta, amask uint64) error {
	s := it.S
	si := s.ReadGPR(cpu.RSI, asz)
	di := s.ReadGPR(cpu.RDI, asz)
	srcLoc := loc{mem: true, addr: s.SegBase(srcSeg) + si, bits: width}
	dstLoc := loc{mem: true, addr: s.SegBase(cpu.SegES) + di, bits: width}

	switch in.Op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		v, err := it.readLoc(srcLoc)
		if err != nil {
			return err
		}
		if err := it.writeLoc(dstLoc, v); err != nil {
			return err
		}
		s.WriteGPR(cpu.RSI, asz, (si+delta)&amask)
		s.WriteGPR(cpu.RDI, asz, (di+delta)&amask)

	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		if err := it.writeLoc(dstLoc, s.ReadGPR(cpu.RAX, width)); err != nil {
			return err
		}
		s.WriteGPR(cpu.RDI, asz, (di+delta)&amask)

	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		v, err := it.readLoc(srcLoc)
		if err != nil {
			return err
		}
		s.WriteGPR(cpu.RAX, width, v)
		s.WriteGPR(cpu.RSI, asz, (si+delta)&amask)

	case x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		v, err := it.readLoc(dstLoc)
		if err != nil {
			return err
		}
		a := s.ReadGPR(cpu.RAX, width)
		it.setSubFlags(a, v, (a-v)&cpu.MaskBits(width), width)
		s.WriteGPR(cpu.RDI, asz, (di+delta)&amask)

	default: // CMPS
		a, err := it.readLoc(srcLoc)
		if err != nil {
			return err
		}
		b, err := it.readLoc(dstLoc)
		if err != nil {
			return err
		}
		it.setSubFlags(a, b, (a-b)&cpu.MaskBits(width), width)
		s.WriteGPR(cpu.RSI, asz, (si+delta)&amask)
		s.WriteGPR(cpu.RDI, asz, (di+delta)&amask)
	}
	return nil
}
