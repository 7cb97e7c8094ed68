package interp

import (
	"math"

	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/x86"
)

// sseGroup claims the SSE/SSE2 mnemonics the profile supports: XMM moves,
// bitwise logic, packed and scalar float arithmetic, ordered/unordered
// compares, scalar converts, and the basic packed-integer family.
type sseGroup struct{}

var sse1Ops = map[x86asm.Op]bool{
	x86asm.MOVAPS: true, x86asm.MOVUPS: true, x86asm.MOVSS: true,
	x86asm.MOVLPS: true, x86asm.MOVHPS: true, x86asm.MOVMSKPS: true,
	x86asm.ANDPS: true, x86asm.ANDNPS: true, x86asm.ORPS: true, x86asm.XORPS: true,
	x86asm.ADDPS: true, x86asm.ADDSS: true, x86asm.SUBPS: true, x86asm.SUBSS: true,
	x86asm.MULPS: true, x86asm.MULSS: true, x86asm.DIVPS: true, x86asm.DIVSS: true,
	x86asm.MINSS: true, x86asm.MAXSS: true, x86asm.SQRTSS: true,
	x86asm.COMISS: true, x86asm.UCOMISS: true,
	x86asm.CVTSI2SS: true, x86asm.CVTTSS2SI: true,
	x86asm.LDMXCSR: true, x86asm.STMXCSR: true,
}

var sse2Ops = map[x86asm.Op]bool{
	x86asm.MOVAPD: true, x86asm.MOVUPD: true, x86asm.MOVSD_XMM: true,
	x86asm.MOVDQA: true, x86asm.MOVDQU: true, x86asm.MOVD: true, x86asm.MOVQ: true,
	x86asm.MOVMSKPD: true, x86asm.PMOVMSKB: true,
	x86asm.ANDPD: true, x86asm.ANDNPD: true, x86asm.ORPD: true, x86asm.XORPD: true,
	x86asm.PAND: true, x86asm.PANDN: true, x86asm.POR: true, x86asm.PXOR: true,
	x86asm.ADDPD: true, x86asm.ADDSD: true, x86asm.SUBPD: true, x86asm.SUBSD: true,
	x86asm.MULPD: true, x86asm.MULSD: true, x86asm.DIVPD: true, x86asm.DIVSD: true,
	x86asm.MINSD: true, x86asm.MAXSD: true, x86asm.SQRTSD: true,
	x86asm.COMISD: true, x86asm.UCOMISD: true,
	x86asm.CVTSI2SD: true, x86asm.CVTTSD2SI: true,
	x86asm.CVTSS2SD: true, x86asm.CVTSD2SS: true,
	x86asm.PADDB: true, x86asm.PADDW: true, x86asm.PADDD: true, x86asm.PADDQ: true,
	x86asm.PSUBB: true, x86asm.PSUBW: true, x86asm.PSUBD: true, x86asm.PSUBQ: true,
	x86asm.PCMPEQB: true, x86asm.PCMPEQW: true, x86asm.PCMPEQD: true,
	x86asm.PSHUFD: true,
	x86asm.PUNPCKLBW: true, x86asm.PUNPCKLWD: true,
	x86asm.PUNPCKLDQ: true, x86asm.PUNPCKLQDQ: true,
}

func (sseGroup) Claims(op x86asm.Op) bool { return sse1Ops[op] || sse2Ops[op] }

func (g sseGroup) gate(it *Interp, op x86asm.Op) error {
	if !it.Feat.Sse || (sse2Ops[op] && !it.Feat.Sse2) {
		return cpu.InvalidOpcode()
	}
	cr0 := it.S.Control.CR0
	if cr0&cpu.CR0_EM != 0 {
		return cpu.InvalidOpcode()
	}
	if it.S.Control.CR4&cpu.CR4_OSFXSR == 0 {
		return cpu.InvalidOpcode()
	}
	if cr0&cpu.CR0_TS != 0 {
		return cpu.DeviceNotAvailable()
	}
	return nil
}

func (it *Interp) xmmRead(i int) cpu.U128     { return it.S.SSE.XMM[i] }
func (it *Interp) xmmWrite(i int, v cpu.U128) { it.S.SSE.XMM[i] = v }

// xmmArg evaluates an XMM or 128-bit memory source.
func (it *Interp) xmmArg(in *x86.Inst, arg x86asm.Arg) (cpu.U128, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		if i, ok := x86.XMMSlot(a); ok {
			return it.xmmRead(i), nil
		}
	case x86asm.Mem:
		return cpu.ReadU128Masked(it.S, it.Bus, it.memAddr(in, a))
	}
	return cpu.U128{}, cpu.Unimplemented("sse operand form")
}

// scalarArg evaluates a scalar float source of the given byte width from
// an XMM low lane or memory.
func (it *Interp) scalarArg(in *x86.Inst, arg x86asm.Arg, bytes int) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		if i, ok := x86.XMMSlot(a); ok {
			v := it.xmmRead(i).Lo
			if bytes == 4 {
				v &= 0xFFFF_FFFF
			}
			return v, nil
		}
	case x86asm.Mem:
		l := loc{mem: true, addr: it.memAddr(in, a), bits: bytes * 8}
		return it.readLoc(l)
	}
	return 0, cpu.Unimplemented("sse operand form")
}

func (g sseGroup) Execute(it *Interp, in *x86.Inst) (cpu.Step, error) {
	if err := g.gate(it, in.Op); err != nil {
		return cpu.Step{}, err
	}
	switch in.Op {
	case x86asm.MOVAPS, x86asm.MOVAPD, x86asm.MOVUPS, x86asm.MOVUPD,
		x86asm.MOVDQA, x86asm.MOVDQU:
		return it.execMov128(in)
	case x86asm.MOVSS:
		return it.execMovScalar(in, 4)
	case x86asm.MOVSD_XMM:
		return it.execMovScalar(in, 8)
	case x86asm.MOVD:
		return it.execMovd(in, 32)
	case x86asm.MOVQ:
		return it.execMovd(in, 64)
	case x86asm.MOVLPS, x86asm.MOVHPS:
		return it.execMovHalf(in)
	case x86asm.MOVMSKPS, x86asm.MOVMSKPD, x86asm.PMOVMSKB:
		return it.execMovMask(in)
	case x86asm.ANDPS, x86asm.ANDPD, x86asm.PAND,
		x86asm.ANDNPS, x86asm.ANDNPD, x86asm.PANDN,
		x86asm.ORPS, x86asm.ORPD, x86asm.POR,
		x86asm.XORPS, x86asm.XORPD, x86asm.PXOR:
		return it.execLogic128(in)
	case x86asm.ADDPS, x86asm.ADDPD, x86asm.SUBPS, x86asm.SUBPD,
		x86asm.MULPS, x86asm.MULPD, x86asm.DIVPS, x86asm.DIVPD:
		return it.execPackedFloat(in)
	case x86asm.ADDSS, x86asm.SUBSS, x86asm.MULSS, x86asm.DIVSS,
		x86asm.MINSS, x86asm.MAXSS, x86asm.SQRTSS:
		return it.execScalarFloat32(in)
	case x86asm.ADDSD, x86asm.SUBSD, x86asm.MULSD, x86asm.DIVSD,
		x86asm.MINSD, x86asm.MAXSD, x86asm.SQRTSD:
		return it.execScalarFloat64(in)
	case x86asm.COMISS, x86asm.UCOMISS:
		return it.execComis(in, 4)
	case x86asm.COMISD, x86asm.UCOMISD:
		return it.execComis(in, 8)
	case x86asm.CVTSI2SS, x86asm.CVTSI2SD:
		return it.execCvtFromInt(in)
	case x86asm.CVTTSS2SI, x86asm.CVTTSD2SI:
		return it.execCvtToInt(in)
	case x86asm.CVTSS2SD, x86asm.CVTSD2SS:
		return it.execCvtFloat(in)
	case x86asm.PADDB, x86asm.PADDW, x86asm.PADDD, x86asm.PADDQ,
		x86asm.PSUBB, x86asm.PSUBW, x86asm.PSUBD, x86asm.PSUBQ,
		x86asm.PCMPEQB, x86asm.PCMPEQW, x86asm.PCMPEQD:
		return it.execPackedInt(in)
	case x86asm.PSHUFD:
		return it.execPshufd(in)
	case x86asm.PUNPCKLBW, x86asm.PUNPCKLWD, x86asm.PUNPCKLDQ, x86asm.PUNPCKLQDQ:
		return it.execPunpckl(in)
	case x86asm.LDMXCSR:
		l, err := it.resolve(in, in.Args[0], 32)
		if err != nil {
			return cpu.Step{}, err
		}
		v, err := it.readLoc(l)
		if err != nil {
			return cpu.Step{}, err
		}
		it.S.SSE.MXCSR = uint32(v)
		return cpu.Continue(), nil
	default: // STMXCSR
		l, err := it.resolve(in, in.Args[0], 32)
		if err != nil {
			return cpu.Step{}, err
		}
		return cpu.Continue(), it.writeLoc(l, uint64(it.S.SSE.MXCSR))
	}
}

func (it *Interp) execMov128(in *x86.Inst) (cpu.Step, error) {
	if i, ok := xmmReg(in.Args[0]); ok {
		v, err := it.xmmArg(in, in.Args[1])
		if err != nil {
			return cpu.Step{}, err
		}
		it.xmmWrite(i, v)
		return cpu.Continue(), nil
	}
	m, ok := in.Args[0].(x86asm.Mem)
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	src, ok := xmmReg(in.Args[1])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	return cpu.Continue(), cpu.WriteU128Masked(it.S, it.Bus, it.memAddr(in, m), it.xmmRead(src))
}

func xmmReg(arg x86asm.Arg) (int, bool) {
	if r, ok := arg.(x86asm.Reg); ok {
		return x86.XMMSlot(r)
	}
	return 0, false
}

func (it *Interp) execMovScalar(in *x86.Inst, bytes int) (cpu.Step, error) {
	if i, ok := xmmReg(in.Args[0]); ok {
		v, err := it.scalarArg(in, in.Args[1], bytes)
		if err != nil {
			return cpu.Step{}, err
		}
		cur := it.xmmRead(i)
		if _, fromReg := xmmReg(in.Args[1]); fromReg {
			// Register-to-register merges the low lane only.
			if bytes == 4 {
				cur.Lo = cur.Lo&^0xFFFF_FFFF | v
			} else {
				cur.Lo = v
			}
		} else {
			// Loads zero the rest of the register.
			cur = cpu.U128{Lo: v}
		}
		it.xmmWrite(i, cur)
		return cpu.Continue(), nil
	}
	m, ok := in.Args[0].(x86asm.Mem)
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	src, ok := xmmReg(in.Args[1])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	l := loc{mem: true, addr: it.memAddr(in, m), bits: bytes * 8}
	return cpu.Continue(), it.writeLoc(l, it.xmmRead(src).Lo)
}

func (it *Interp) execMovd(in *x86.Inst, width int) (cpu.Step, error) {
	if i, ok := xmmReg(in.Args[0]); ok {
		// XMM destination: zero-extending load from GPR, memory, or the
		// low lane of another XMM register.
		if j, ok := xmmReg(in.Args[1]); ok {
			it.xmmWrite(i, cpu.U128{Lo: it.xmmRead(j).Lo})
			return cpu.Continue(), nil
		}
		v, err := it.argVal(in, in.Args[1], width)
		if err != nil {
			return cpu.Step{}, err
		}
		it.xmmWrite(i, cpu.U128{Lo: v})
		return cpu.Continue(), nil
	}
	src, ok := xmmReg(in.Args[1])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), it.writeLoc(dst, it.xmmRead(src).Lo&cpu.MaskBits(width))
}

func (it *Interp) execMovHalf(in *x86.Inst) (cpu.Step, error) {
	high := in.Op == x86asm.MOVHPS
	if i, ok := xmmReg(in.Args[0]); ok {
		m, ok := in.Args[1].(x86asm.Mem)
		if !ok {
			return cpu.Step{}, cpu.InvalidOpcode()
		}
		v, err := cpu.ReadU64Masked(it.S, it.Bus, it.memAddr(in, m))
		if err != nil {
			return cpu.Step{}, err
		}
		cur := it.xmmRead(i)
		if high {
			cur.Hi = v
		} else {
			cur.Lo = v
		}
		it.xmmWrite(i, cur)
		return cpu.Continue(), nil
	}
	m, ok := in.Args[0].(x86asm.Mem)
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	src, ok := xmmReg(in.Args[1])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	v := it.xmmRead(src).Lo
	if high {
		v = it.xmmRead(src).Hi
	}
	return cpu.Continue(), cpu.WriteU64Masked(it.S, it.Bus, it.memAddr(in, m), v)
}

func (it *Interp) execMovMask(in *x86.Inst) (cpu.Step, error) {
	src, ok := xmmReg(in.Args[1])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	v := it.xmmRead(src)
	var mask uint64
	switch in.Op {
	case x86asm.MOVMSKPS:
		for lane := 0; lane < 4; lane++ {
			if lane32(v, lane)>>31 != 0 {
				mask |= 1 << lane
			}
		}
	case x86asm.MOVMSKPD:
		mask = v.Lo>>63 | (v.Hi>>63)<<1
	default: // PMOVMSKB
		for b := 0; b < 8; b++ {
			if (v.Lo>>(8*b+7))&1 != 0 {
				mask |= 1 << b
			}
			if (v.Hi>>(8*b+7))&1 != 0 {
				mask |= 1 << (b + 8)
			}
		}
	}
	dst, err := it.resolve(in, in.Args[0], 0)
	if err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), it.writeLoc(dst, mask)
}

func (it *Interp) execLogic128(in *x86.Inst) (cpu.Step, error) {
	i, ok := xmmReg(in.Args[0])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	b, err := it.xmmArg(in, in.Args[1])
	if err != nil {
		return cpu.Step{}, err
	}
	a := it.xmmRead(i)
	var res cpu.U128
	switch in.Op {
	case x86asm.ANDPS, x86asm.ANDPD, x86asm.PAND:
		res = cpu.U128{Lo: a.Lo & b.Lo, Hi: a.Hi & b.Hi}
	case x86asm.ANDNPS, x86asm.ANDNPD, x86asm.PANDN:
		res = cpu.U128{Lo: ^a.Lo & b.Lo, Hi: ^a.Hi & b.Hi}
	case x86asm.ORPS, x86asm.ORPD, x86asm.POR:
		res = cpu.U128{Lo: a.Lo | b.Lo, Hi: a.Hi | b.Hi}
	default:
		res = cpu.U128{Lo: a.Lo ^ b.Lo, Hi: a.Hi ^ b.Hi}
	}
	it.xmmWrite(i, res)
	return cpu.Continue(), nil
}

func lane32(v cpu.U128, i int) uint32 {
	if i < 2 {
		return uint32(v.Lo >> (32 * i))
	}
	return uint32(v.Hi >> (32 * (i - 2)))
}

func setLane32(v *cpu.U128, i int, x uint32) {
	if i < 2 {
		shift := 32 * i
		v.Lo = v.Lo&^(0xFFFF_FFFF<<shift) | uint64(x)<<shift
	} else {
		shift := 32 * (i - 2)
		v.Hi = v.Hi&^(0xFFFF_FFFF<<shift) | uint64(x)<<shift
	}
}

func (it *Interp) execPackedFloat(in *x86.Inst) (cpu.Step, error) {
	i, ok := xmmReg(in.Args[0])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	b, err := it.xmmArg(in, in.Args[1])
	if err != nil {
		return cpu.Step{}, err
	}
	a := it.xmmRead(i)
	single := in.Op == x86asm.ADDPS || in.Op == x86asm.SUBPS ||
		in.Op == x86asm.MULPS || in.Op == x86asm.DIVPS
	apply64 := func(x, y float64) float64 {
		switch in.Op {
		case x86asm.ADDPS, x86asm.ADDPD:
			return x + y
		case x86asm.SUBPS, x86asm.SUBPD:
			return x - y
		case x86asm.MULPS, x86asm.MULPD:
			return x * y
		default:
			return x / y
		}
	}
	var res cpu.U128
	if single {
		for lane := 0; lane < 4; lane++ {
			x := float64(math.Float32frombits(lane32(a, lane)))
			y := float64(math.Float32frombits(lane32(b, lane)))
			setLane32(&res, lane, math.Float32bits(float32(apply64(x, y))))
		}
	} else {
		res.Lo = math.Float64bits(apply64(math.Float64frombits(a.Lo), math.Float64frombits(b.Lo)))
		res.Hi = math.Float64bits(apply64(math.Float64frombits(a.Hi), math.Float64frombits(b.Hi)))
	}
	it.xmmWrite(i, res)
	return cpu.Continue(), nil
}

func (it *Interp) execScalarFloat32(in *x86.Inst) (cpu.Step, error) {
	i, ok := xmmReg(in.Args[0])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	bv, err := it.scalarArg(in, in.Args[1], 4)
	if err != nil {
		return cpu.Step{}, err
	}
	a := float64(math.Float32frombits(uint32(it.xmmRead(i).Lo)))
	b := float64(math.Float32frombits(uint32(bv)))
	var r float64
	switch in.Op {
	case x86asm.ADDSS:
		r = a + b
	case x86asm.SUBSS:
		r = a - b
	case x86asm.MULSS:
		r = a * b
	case x86asm.DIVSS:
		r = a / b
	case x86asm.MINSS:
		r = sseMin(a, b)
	case x86asm.MAXSS:
		r = sseMax(a, b)
	default:
		r = math.Sqrt(b)
	}
	cur := it.xmmRead(i)
	cur.Lo = cur.Lo&^0xFFFF_FFFF | uint64(math.Float32bits(float32(r)))
	it.xmmWrite(i, cur)
	return cpu.Continue(), nil
}

func (it *Interp) execScalarFloat64(in *x86.Inst) (cpu.Step, error) {
	i, ok := xmmReg(in.Args[0])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	bv, err := it.scalarArg(in, in.Args[1], 8)
	if err != nil {
		return cpu.Step{}, err
	}
	a := math.Float64frombits(it.xmmRead(i).Lo)
	b := math.Float64frombits(bv)
	var r float64
	switch in.Op {
	case x86asm.ADDSD:
		r = a + b
	case x86asm.SUBSD:
		r = a - b
	case x86asm.MULSD:
		r = a * b
	case x86asm.DIVSD:
		r = a / b
	case x86asm.MINSD:
		r = sseMin(a, b)
	case x86asm.MAXSD:
		r = sseMax(a, b)
	default:
		r = math.Sqrt(b)
	}
	cur := it.xmmRead(i)
	cur.Lo = math.Float64bits(r)
	it.xmmWrite(i, cur)
	return cpu.Continue(), nil
}

// sseMin/sseMax follow the hardware rule: on NaN or equal operands the
// second source wins.
func sseMin(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) || a == b {
		return b
	}
	if a < b {
		return a
	}
	return b
}

func sseMax(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) || a == b {
		return b
	}
	if a > b {
		return a
	}
	return b
}

func (it *Interp) execComis(in *x86.Inst, bytes int) (cpu.Step, error) {
	i, ok := xmmReg(in.Args[0])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	bv, err := it.scalarArg(in, in.Args[1], bytes)
	if err != nil {
		return cpu.Step{}, err
	}
	var a, b float64
	if bytes == 4 {
		a = float64(math.Float32frombits(uint32(it.xmmRead(i).Lo)))
		b = float64(math.Float32frombits(uint32(bv)))
	} else {
		a = math.Float64frombits(it.xmmRead(i).Lo)
		b = math.Float64frombits(bv)
	}
	s := it.S
	s.SetFlag(cpu.FlagOF, false)
	s.SetFlag(cpu.FlagSF, false)
	s.SetFlag(cpu.FlagAF, false)
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
	return cpu.Continue(), nil
}

func (it *Interp) execCvtFromInt(in *x86.Inst) (cpu.Step, error) {
	i, ok := xmmReg(in.Args[0])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	srcBits := 32
	if r, ok := in.Args[1].(x86asm.Reg); ok {
		if slot, ok := x86.GPRSlot(r); ok {
			srcBits = slot.Bits
		}
	} else if in.MemBytes == 8 {
		srcBits = 64
	}
	v, err := it.argVal(in, in.Args[1], srcBits)
	if err != nil {
		return cpu.Step{}, err
	}
	fv := float64(sext(v, srcBits))
	cur := it.xmmRead(i)
	if in.Op == x86asm.CVTSI2SS {
		cur.Lo = cur.Lo&^0xFFFF_FFFF | uint64(math.Float32bits(float32(fv)))
	} else {
		cur.Lo = math.Float64bits(fv)
	}
	it.xmmWrite(i, cur)
	return cpu.Continue(), nil
}

func (it *Interp) execCvtToInt(in *x86.Inst) (cpu.Step, error) {
	dst, err := it.resolve(in, in.Args[0], 0)
	if err != nil {
		return cpu.Step{}, err
	}
	bytes := 4
	if in.Op == x86asm.CVTTSD2SI {
		bytes = 8
	}
	bv, err := it.scalarArg(in, in.Args[1], bytes)
	if err != nil {
		return cpu.Step{}, err
	}
	var f float64
	if bytes == 4 {
		f = float64(math.Float32frombits(uint32(bv)))
	} else {
		f = math.Float64frombits(bv)
	}
	f = math.Trunc(f)
	width := dst.bits
	indefinite := uint64(1) << (width - 1)
	var out uint64
	lo := -math.Ldexp(1, width-1)
	hi := math.Ldexp(1, width-1)
	if math.IsNaN(f) || f < lo || f >= hi {
		out = indefinite
	} else {
		out = uint64(int64(f)) & cpu.MaskBits(width)
	}
	return cpu.Continue(), it.writeLoc(dst, out)
}

func (it *Interp) execCvtFloat(in *x86.Inst) (cpu.Step, error) {
	i, ok := xmmReg(in.Args[0])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	cur := it.xmmRead(i)
	if in.Op == x86asm.CVTSS2SD {
		bv, err := it.scalarArg(in, in.Args[1], 4)
		if err != nil {
			return cpu.Step{}, err
		}
		cur.Lo = math.Float64bits(float64(math.Float32frombits(uint32(bv))))
	} else {
		bv, err := it.scalarArg(in, in.Args[1], 8)
		if err != nil {
			return cpu.Step{}, err
		}
		cur.Lo = cur.Lo&^0xFFFF_FFFF | uint64(math.Float32bits(float32(math.Float64frombits(bv))))
	}
	it.xmmWrite(i, cur)
	return cpu.Continue(), nil
}

func (it *Interp) execPackedInt(in *x86.Inst) (cpu.Step, error) {
	i, ok := xmmReg(in.Args[0])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	b, err := it.xmmArg(in, in.Args[1])
	if err != nil {
		return cpu.Step{}, err
	}
	a := it.xmmRead(i)
	laneBits := map[x86asm.Op]int{
		x86asm.PADDB: 8, x86asm.PSUBB: 8, x86asm.PCMPEQB: 8,
		x86asm.PADDW: 16, x86asm.PSUBW: 16, x86asm.PCMPEQW: 16,
		x86asm.PADDD: 32, x86asm.PSUBD: 32, x86asm.PCMPEQD: 32,
		x86asm.PADDQ: 64, x86asm.PSUBQ: 64,
	}[in.Op]
	apply := func(x, y uint64) uint64 {
		mask := cpu.MaskBits(laneBits)
		switch in.Op {
		case x86asm.PADDB, x86asm.PADDW, x86asm.PADDD, x86asm.PADDQ:
			return (x + y) & mask
		case x86asm.PSUBB, x86asm.PSUBW, x86asm.PSUBD, x86asm.PSUBQ:
			return (x - y) & mask
		default:
			if x == y {
				return mask
			}
			return 0
		}
	}
	mapLanes := func(av, bv uint64) uint64 {
		var out uint64
		for off := 0; off < 64; off += laneBits {
			mask := cpu.MaskBits(laneBits)
			out |= apply((av>>off)&mask, (bv>>off)&mask) << off
		}
		return out
	}
	it.xmmWrite(i, cpu.U128{Lo: mapLanes(a.Lo, b.Lo), Hi: mapLanes(a.Hi, b.Hi)})
	return cpu.Continue(), nil
}

func (it *Interp) execPshufd(in *x86.Inst) (cpu.Step, error) {
	i, ok := xmmReg(in.Args[0])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	src, err := it.xmmArg(in, in.Args[1])
	if err != nil {
		return cpu.Step{}, err
	}
	imm, ok := in.Args[2].(x86asm.Imm)
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	var res cpu.U128
	for lane := 0; lane < 4; lane++ {
		sel := int(imm>>(2*lane)) & 3
		setLane32(&res, lane, lane32(src, sel))
	}
	it.xmmWrite(i, res)
	return cpu.Continue(), nil
}

func (it *Interp) execPunpckl(in *x86.Inst) (cpu.Step, error) {
	i, ok := xmmReg(in.Args[0])
	if !ok {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	b, err := it.xmmArg(in, in.Args[1])
	if err != nil {
		return cpu.Step{}, err
	}
	a := it.xmmRead(i)
	laneBits := map[x86asm.Op]int{
		x86asm.PUNPCKLBW:  8,
		x86asm.PUNPCKLWD:  16,
		x86asm.PUNPCKLDQ:  32,
		x86asm.PUNPCKLQDQ: 64,
	}[in.Op]
	mask := cpu.MaskBits(laneBits)
	var res cpu.U128
	n := 64 / laneBits // lanes interleaved from each low half
	for k := 0; k < n; k++ {
		av := (a.Lo >> (k * laneBits)) & mask
		bv := (b.Lo >> (k * laneBits)) & mask
		pos := 2 * k * laneBits
		if pos < 64 {
			res.Lo |= av << pos
		} else {
			res.Hi |= av << (pos - 64)
		}
		pos += laneBits
		if pos < 64 {
			res.Lo |= bv << pos
		} else {
			res.Hi |= bv << (pos - 64)
		}
	}
	it.xmmWrite(i, res)
	return cpu.Continue(), nil
}
