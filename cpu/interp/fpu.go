package interp

import (
	"math"

	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/x86"
)

// fpuGroup claims the x87 mnemonics. The register stack is modeled in
// double precision; the 80-bit extended formats are outside the supported
// guest profile and report Unimplemented.
type fpuGroup struct{}

// x87 status word bits.
const (
	swIE uint16 = 1 << 0
	swSF uint16 = 1 << 6
	swC0 uint16 = 1 << 8
	swC1 uint16 = 1 << 9
	swC2 uint16 = 1 << 10
	swC3 uint16 = 1 << 14
)

var fpuOps = map[x86asm.Op]bool{
	x86asm.FLD: true, x86asm.FLD1: true, x86asm.FLDZ: true, x86asm.FLDPI: true,
	x86asm.FILD: true, x86asm.FST: true, x86asm.FSTP: true,
	x86asm.FIST: true, x86asm.FISTP: true,
	x86asm.FXCH: true, x86asm.FABS: true, x86asm.FCHS: true, x86asm.FSQRT: true,
	x86asm.FADD: true, x86asm.FADDP: true, x86asm.FIADD: true,
	x86asm.FSUB: true, x86asm.FSUBP: true, x86asm.FISUB: true,
	x86asm.FSUBR: true, x86asm.FSUBRP: true, x86asm.FISUBR: true,
	x86asm.FMUL: true, x86asm.FMULP: true, x86asm.FIMUL: true,
	x86asm.FDIV: true, x86asm.FDIVP: true, x86asm.FIDIV: true,
	x86asm.FDIVR: true, x86asm.FDIVRP: true, x86asm.FIDIVR: true,
	x86asm.FCOM: true, x86asm.FCOMP: true, x86asm.FCOMPP: true,
	x86asm.FUCOM: true, x86asm.FUCOMP: true, x86asm.FUCOMPP: true,
	x86asm.FCOMI: true, x86asm.FCOMIP: true, x86asm.FUCOMI: true, x86asm.FUCOMIP: true,
	x86asm.FTST: true, x86asm.FLDCW: true, x86asm.FNSTCW: true, x86asm.FNSTSW: true,
	x86asm.FNINIT: true, x86asm.FNCLEX: true, x86asm.FNOP: true, x86asm.FWAIT: true,
	x86asm.FINCSTP: true, x86asm.FDECSTP: true, x86asm.FFREE: true,
}

func (fpuGroup) Claims(op x86asm.Op) bool { return fpuOps[op] }

// st accesses the register stack relative to TOP.
func stPhys(f *cpu.FpuState, i int) int { return (int(f.Top) + i) & 7 }

func stGet(f *cpu.FpuState, i int) float64  { return f.ST[stPhys(f, i)] }
func stSet(f *cpu.FpuState, i int, v float64) {
	p := stPhys(f, i)
	f.ST[p] = v
	f.Tags[p] = tagFor(v)
}

func tagFor(v float64) uint8 {
	switch {
	case v == 0:
		return 1
	case math.IsNaN(v) || math.IsInf(v, 0):
		return 2
	default:
		return 0
	}
}

func stPush(f *cpu.FpuState, v float64) {
	f.Top = (f.Top - 1) & 7
	if f.Tags[f.Top] != 3 {
		// Stack overflow.
		f.SW |= swIE | swSF | swC1
	}
	f.ST[f.Top] = v
	f.Tags[f.Top] = tagFor(v)
}

func stPop(f *cpu.FpuState) {
	f.Tags[f.Top] = 3
	f.Top = (f.Top + 1) & 7
}

// gate applies the shared FPU availability check: emulation beats the lazy
// restore trap, so EM reports #UD and only then TS reports #NM.
func (g fpuGroup) gate(it *Interp) error {
	cr0 := it.S.Control.CR0
	if !it.Feat.Fpu || cr0&cpu.CR0_EM != 0 {
		return cpu.InvalidOpcode()
	}
	if cr0&cpu.CR0_TS != 0 {
		return cpu.DeviceNotAvailable()
	}
	return nil
}

func (g fpuGroup) Execute(it *Interp, in *x86.Inst) (cpu.Step, error) {
	if in.Op == x86asm.FWAIT {
		return it.execFwait()
	}
	if err := g.gate(it); err != nil {
		return cpu.Step{}, err
	}
	f := &it.S.FPU

	switch in.Op {
	case x86asm.FNINIT:
		f.Init()
	case x86asm.FNCLEX:
		f.SW &^= 0x80FF
	case x86asm.FNOP:
	case x86asm.FINCSTP:
		f.Top = (f.Top + 1) & 7
	case x86asm.FDECSTP:
		f.Top = (f.Top - 1) & 7
	case x86asm.FFREE:
		if i, ok := x86.STSlot(in.Args[0].(x86asm.Reg)); ok {
			f.Tags[stPhys(f, i)] = 3
		}

	case x86asm.FLD1:
		stPush(f, 1)
	case x86asm.FLDZ:
		stPush(f, 0)
	case x86asm.FLDPI:
		stPush(f, math.Pi)

	case x86asm.FLD:
		return it.execFld(in)
	case x86asm.FILD:
		return it.execFild(in)
	case x86asm.FST, x86asm.FSTP:
		return it.execFst(in)
	case x86asm.FIST, x86asm.FISTP:
		return it.execFist(in)
	case x86asm.FXCH:
		i := 1
		if r, ok := in.Args[0].(x86asm.Reg); ok {
			if slot, ok := x86.STSlot(r); ok {
				i = slot
			}
		}
		a, b := stGet(f, 0), stGet(f, i)
		stSet(f, 0, b)
		stSet(f, i, a)

	case x86asm.FABS:
		stSet(f, 0, math.Abs(stGet(f, 0)))
	case x86asm.FCHS:
		stSet(f, 0, -stGet(f, 0))
	case x86asm.FSQRT:
		stSet(f, 0, math.Sqrt(stGet(f, 0)))

	case x86asm.FADD, x86asm.FADDP, x86asm.FIADD,
		x86asm.FSUB, x86asm.FSUBP, x86asm.FISUB,
		x86asm.FSUBR, x86asm.FSUBRP, x86asm.FISUBR,
		x86asm.FMUL, x86asm.FMULP, x86asm.FIMUL,
		x86asm.FDIV, x86asm.FDIVP, x86asm.FIDIV,
		x86asm.FDIVR, x86asm.FDIVRP, x86asm.FIDIVR:
		return it.execFarith(in)

	case x86asm.FCOM, x86asm.FCOMP, x86asm.FCOMPP,
		x86asm.FUCOM, x86asm.FUCOMP, x86asm.FUCOMPP, x86asm.FTST:
		return it.execFcom(in)
	case x86asm.FCOMI, x86asm.FCOMIP, x86asm.FUCOMI, x86asm.FUCOMIP:
		return it.execFcomi(in)

	case x86asm.FLDCW:
		l, err := it.resolve(in, in.Args[0], 16)
		if err != nil {
			return cpu.Step{}, err
		}
		v, err := it.readLoc(l)
		if err != nil {
			return cpu.Step{}, err
		}
		f.CW = uint16(v)
	case x86asm.FNSTCW:
		l, err := it.resolve(in, in.Args[0], 16)
		if err != nil {
			return cpu.Step{}, err
		}
		return cpu.Continue(), it.writeLoc(l, uint64(f.CW))
	case x86asm.FNSTSW:
		sw := (f.SW &^ 0x3800) | uint16(f.Top)<<11
		if r, ok := in.Args[0].(x86asm.Reg); ok && r == x86asm.AX {
			it.S.WriteGPR(cpu.RAX, 16, uint64(sw))
			return cpu.Continue(), nil
		}
		l, err := it.resolve(in, in.Args[0], 16)
		if err != nil {
			return cpu.Step{}, err
		}
		return cpu.Continue(), it.writeLoc(l, uint64(sw))

	default:
		return cpu.Step{}, cpu.Unimplemented("x87 op " + in.Op.String())
	}
	return cpu.Continue(), nil
}

// execFwait implements the WAIT/FWAIT check sequence: EM reports #UD,
// MP+TS reports #NM, and a pending unmasked exception either raises #MF
// (CR0.NE) or latches the legacy external-interrupt style signal.
func (it *Interp) execFwait() (cpu.Step, error) {
	s := it.S
	cr0 := s.Control.CR0
	if cr0&cpu.CR0_EM != 0 {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	if cr0&cpu.CR0_MP != 0 && cr0&cpu.CR0_TS != 0 {
		return cpu.Step{}, cpu.DeviceNotAvailable()
	}
	if s.FPU.PendingException() {
		if cr0&cpu.CR0_NE != 0 {
			return cpu.Step{}, cpu.X87Fpu()
		}
		s.FpuErrorLatched = true
	}
	return cpu.Continue(), nil
}

func (it *Interp) execFld(in *x86.Inst) (cpu.Step, error) {
	f := &it.S.FPU
	switch a := in.Args[0].(type) {
	case x86asm.Reg:
		if i, ok := x86.STSlot(a); ok {
			stPush(f, stGet(f, i))
			return cpu.Continue(), nil
		}
	case x86asm.Mem:
		switch in.MemBytes {
		case 4:
			l := loc{mem: true, addr: it.memAddr(in, a), bits: 32}
			v, err := it.readLoc(l)
			if err != nil {
				return cpu.Step{}, err
			}
			stPush(f, float64(math.Float32frombits(uint32(v))))
			return cpu.Continue(), nil
		case 8:
			l := loc{mem: true, addr: it.memAddr(in, a), bits: 64}
			v, err := it.readLoc(l)
			if err != nil {
				return cpu.Step{}, err
			}
			stPush(f, math.Float64frombits(v))
			return cpu.Continue(), nil
		default:
			return cpu.Step{}, cpu.Unimplemented("x87 extended-precision load")
		}
	}
	return cpu.Step{}, cpu.InvalidOpcode()
}

func (it *Interp) execFild(in *x86.Inst) (cpu.Step, error) {
	m, ok := in.Args[0].(x86asm.Mem)
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	width := in.MemBytes * 8
	l := loc{mem: true, addr: it.memAddr(in, m), bits: width}
	v, err := it.readLoc(l)
	if err != nil {
		return cpu.Step{}, err
	}
	stPush(&it.S.FPU, float64(sext(v, width)))
	return cpu.Continue(), nil
}

func (it *Interp) execFst(in *x86.Inst) (cpu.Step, error) {
	f := &it.S.FPU
	v := stGet(f, 0)
	pop := in.Op == x86asm.FSTP
	switch a := in.Args[0].(type) {
	case x86asm.Reg:
		if i, ok := x86.STSlot(a); ok {
			stSet(f, i, v)
			if pop {
				stPop(f)
			}
			return cpu.Continue(), nil
		}
	case x86asm.Mem:
		var err error
		switch in.MemBytes {
		case 4:
			l := loc{mem: true, addr: it.memAddr(in, a), bits: 32}
			err = it.writeLoc(l, uint64(math.Float32bits(float32(v))))
		case 8:
			l := loc{mem: true, addr: it.memAddr(in, a), bits: 64}
			err = it.writeLoc(l, math.Float64bits(v))
		default:
			return cpu.Step{}, cpu.Unimplemented("x87 extended-precision store")
		}
		if err != nil {
			return cpu.Step{}, err
		}
		if pop {
			stPop(f)
		}
		return cpu.Continue(), nil
	}
	return cpu.Step{}, cpu.InvalidOpcode()
}

// roundByCW rounds per the control word RC field.
func roundByCW(cw uint16, v float64) float64 {
	switch (cw >> 10) & 3 {
	case 0:
		return math.RoundToEven(v)
	case 1:
		return math.Floor(v)
	case 2:
		return math.Ceil(v)
	default:
		return math.Trunc(v)
	}
}

func (it *Interp) execFist(in *x86.Inst) (cpu.Step, error) {
	f := &it.S.FPU
	m, ok := in.Args[0].(x86asm.Mem)
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	width := in.MemBytes * 8
	rounded := roundByCW(f.CW, stGet(f, 0))
	var out uint64
	if math.IsNaN(rounded) {
		out = 1 << (width - 1) // integer indefinite
		f.SW |= swIE
	} else {
		out = uint64(int64(rounded)) & cpu.MaskBits(width)
	}
	l := loc{mem: true, addr: it.memAddr(in, m), bits: width}
	if err := it.writeLoc(l, out); err != nil {
		return cpu.Step{}, err
	}
	if in.Op == x86asm.FISTP {
		stPop(f)
	}
	return cpu.Continue(), nil
}

func isIntArith(op x86asm.Op) bool {
	switch op {
	case x86asm.FIADD, x86asm.FISUB, x86asm.FISUBR, x86asm.FIMUL, x86asm.FIDIV, x86asm.FIDIVR:
		return true
	}
	return false
}

func isPopArith(op x86asm.Op) bool {
	switch op {
	case x86asm.FADDP, x86asm.FSUBP, x86asm.FSUBRP, x86asm.FMULP, x86asm.FDIVP, x86asm.FDIVRP:
		return true
	}
	return false
}

func (it *Interp) execFarith(in *x86.Inst) (cpu.Step, error) {
	f := &it.S.FPU
	apply := func(a, b float64) float64 {
		switch in.Op {
		case x86asm.FADD, x86asm.FADDP, x86asm.FIADD:
			return a + b
		case x86asm.FSUB, x86asm.FSUBP, x86asm.FISUB:
			return a - b
		case x86asm.FSUBR, x86asm.FSUBRP, x86asm.FISUBR:
			return b - a
		case x86asm.FMUL, x86asm.FMULP, x86asm.FIMUL:
			return a * b
		case x86asm.FDIV, x86asm.FDIVP, x86asm.FIDIV:
			return a / b
		default: // FDIVR family
			return b / a
		}
	}

	// Memory operand forms target ST0.
	if m, ok := in.Args[0].(x86asm.Mem); ok {
		var b float64
		width := in.MemBytes * 8
		l := loc{mem: true, addr: it.memAddr(in, m), bits: width}
		v, err := it.readLoc(l)
		if err != nil {
			return cpu.Step{}, err
		}
		if isIntArith(in.Op) {
			b = float64(sext(v, width))
		} else if width == 32 {
			b = float64(math.Float32frombits(uint32(v)))
		} else {
			b = math.Float64frombits(v)
		}
		stSet(f, 0, apply(stGet(f, 0), b))
		return cpu.Continue(), nil
	}

	// Register forms: dst is Args[0], src Args[1]; P forms pop ST0.
	di, si := 0, 1
	if r, ok := in.Args[0].(x86asm.Reg); ok {
		if i, ok := x86.STSlot(r); ok {
			di = i
		}
	}
	if r, ok := in.Args[1].(x86asm.Reg); ok {
		if i, ok := x86.STSlot(r); ok {
			si = i
		}
	}
	stSet(f, di, apply(stGet(f, di), stGet(f, si)))
	if isPopArith(in.Op) {
		stPop(f)
	}
	return cpu.Continue(), nil
}

func (it *Interp) execFcom(in *x86.Inst) (cpu.Step, error) {
	f := &it.S.FPU
	a := stGet(f, 0)
	var b float64
	switch arg := in.Args[0].(type) {
	case x86asm.Reg:
		if i, ok := x86.STSlot(arg); ok {
			b = stGet(f, i)
		}
	case x86asm.Mem:
		width := in.MemBytes * 8
		l := loc{mem: true, addr: it.memAddr(in, arg), bits: width}
		v, err := it.readLoc(l)
		if err != nil {
			return cpu.Step{}, err
		}
		if width == 32 {
			b = float64(math.Float32frombits(uint32(v)))
		} else {
			b = math.Float64frombits(v)
		}
	default:
		// FTST and the no-operand FCOM forms compare against ST1 or zero.
		if in.Op == x86asm.FTST {
			b = 0
		} else {
			b = stGet(f, 1)
		}
	}

	f.SW &^= swC0 | swC2 | swC3
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		f.SW |= swC0 | swC2 | swC3
	case a < b:
		f.SW |= swC0
	case a == b:
		f.SW |= swC3
	}

	switch in.Op {
	case x86asm.FCOMP, x86asm.FUCOMP:
		stPop(f)
	case x86asm.FCOMPP, x86asm.FUCOMPP:
		stPop(f)
		stPop(f)
	}
	return cpu.Continue(), nil
}

func (it *Interp) execFcomi(in *x86.Inst) (cpu.Step, error) {
	f := &it.S.FPU
	s := it.S
	a := stGet(f, 0)
	b := stGet(f, 1)
	if r, ok := in.Args[1].(x86asm.Reg); ok {
		if i, ok := x86.STSlot(r); ok {
			b = stGet(f, i)
		}
	}
	s.SetFlag(cpu.FlagZF, false)
	s.SetFlag(cpu.FlagPF, false)
	s.SetFlag(cpu.FlagCF, false)
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		s.SetFlag(cpu.FlagZF, true)
		s.SetFlag(cpu.FlagPF, true)
		s.SetFlag(cpu.FlagCF, true)
	case a < b:
		s.SetFlag(cpu.FlagCF, true)
	case a == b:
		s.SetFlag(cpu.FlagZF, true)
	}
	if in.Op == x86asm.FCOMIP || in.Op == x86asm.FUCOMIP {
		stPop(f)
	}
	return cpu.Continue(), nil
}
