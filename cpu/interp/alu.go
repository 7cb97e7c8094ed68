package interp

import (
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/x86"
)

// aluGroup claims the integer arithmetic, logic, shift/rotate, bit test and
// widening mnemonics.
type aluGroup struct{}

var aluOps = map[x86asm.Op]bool{
	x86asm.ADD: true, x86asm.ADC: true, x86asm.SUB: true, x86asm.SBB: true,
	x86asm.CMP: true, x86asm.AND: true, x86asm.OR: true, x86asm.XOR: true,
	x86asm.TEST: true, x86asm.NOT: true, x86asm.NEG: true,
	x86asm.INC: true, x86asm.DEC: true,
	x86asm.MUL: true, x86asm.IMUL: true, x86asm.DIV: true, x86asm.IDIV: true,
	x86asm.SHL: true, x86asm.SHR: true, x86asm.SAR: true,
	x86asm.ROL: true, x86asm.ROR: true, x86asm.RCL: true, x86asm.RCR: true,
	x86asm.SHLD: true, x86asm.SHRD: true,
	x86asm.BT: true, x86asm.BTS: true, x86asm.BTR: true, x86asm.BTC: true,
	x86asm.BSF: true, x86asm.BSR: true, x86asm.BSWAP: true, x86asm.POPCNT: true,
	x86asm.CBW: true, x86asm.CWDE: true, x86asm.CDQE: true,
	x86asm.CWD: true, x86asm.CDQ: true, x86asm.CQO: true,
}

func (aluGroup) Claims(op x86asm.Op) bool { return aluOps[op] }

func sext(v uint64, width int) int64 {
	shift := 64 - uint(width)
	return int64(v<<shift) >> shift
}

// rmw applies fn to a destination location. Locked memory forms go through
// the bus atomic path when the masked access is contiguous.
func (it *Interp) rmw(l loc, locked bool, fn func(old uint64) uint64) error {
	if l.mem && locked {
		if masked, ok := cpu.Contiguity(it.S, l.addr, l.bits/8); ok {
			wrap := func(old uint64) (uint64, uint64) { return fn(old), 0 }
			var err error
			switch l.bits {
			case 8:
				_, err = it.Bus.AtomicRMW8(masked, func(o uint8) (uint8, uint64) {
					n, r := wrap(uint64(o))
					return uint8(n), r
				})
			case 16:
				_, err = it.Bus.AtomicRMW16(masked, func(o uint16) (uint16, uint64) {
					n, r := wrap(uint64(o))
					return uint16(n), r
				})
			case 32:
				_, err = it.Bus.AtomicRMW32(masked, func(o uint32) (uint32, uint64) {
					n, r := wrap(uint64(o))
					return uint32(n), r
				})
			default:
				_, err = it.Bus.AtomicRMW64(masked, wrap)
			}
			return err
		}
	}
	old, err := it.readLoc(l)
	if err != nil {
		return err
	}
	return it.writeLoc(l, fn(old))
}

func (g aluGroup) Execute(it *Interp, in *x86.Inst) (cpu.Step, error) {
	switch in.Op {
	case x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB, x86asm.AND, x86asm.OR, x86asm.XOR:
		return it.execBinop(in)
	case x86asm.CMP, x86asm.TEST:
		return it.execCompare(in)
	case x86asm.NOT, x86asm.NEG:
		return it.execUnary(in)
	case x86asm.INC, x86asm.DEC:
		return it.execIncDec(in)
	case x86asm.MUL, x86asm.IMUL:
		return it.execMul(in)
	case x86asm.DIV, x86asm.IDIV:
		return it.execDiv(in)
	case x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR, x86asm.RCL, x86asm.RCR:
		return it.execShift(in)
	case x86asm.SHLD, x86asm.SHRD:
		return it.execShiftDouble(in)
	case x86asm.BT, x86asm.BTS, x86asm.BTR, x86asm.BTC:
		return it.execBitTest(in)
	case x86asm.BSF, x86asm.BSR:
		return it.execBitScan(in)
	case x86asm.BSWAP:
		return it.execBswap(in)
	case x86asm.POPCNT:
		return it.execPopcnt(in)
	default:
		return it.execWiden(in)
	}
}

func (it *Interp) execBinop(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	src, err := it.argVal(in, in.Args[1], width)
	if err != nil {
		return cpu.Step{}, err
	}
	mask := cpu.MaskBits(width)
	cf := uint64(0)
	if it.S.GetFlag(cpu.FlagCF) {
		cf = 1
	}
	err = it.rmw(dst, in.Lock, func(a uint64) uint64 {
		a &= mask
		var res uint64
		switch in.Op {
		case x86asm.ADD:
			res = (a + src) & mask
			it.setAddFlags(a, src, res, width)
		case x86asm.ADC:
			res = (a + src + cf) & mask
			it.setAddFlags(a, src, res, width)
		case x86asm.SUB:
			res = (a - src) & mask
			it.setSubFlags(a, src, res, width)
		case x86asm.SBB:
			res = (a - src - cf) & mask
			it.setSubFlags(a, src, res, width)
		case x86asm.AND:
			res = a & src
			it.setLogicFlags(res, width)
		case x86asm.OR:
			res = a | src
			it.setLogicFlags(res, width)
		default: // XOR
			res = a ^ src
			it.setLogicFlags(res, width)
		}
		return res
	})
	if err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), nil
}

func (it *Interp) execCompare(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	a, err := it.argVal(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	b, err := it.argVal(in, in.Args[1], width)
	if err != nil {
		return cpu.Step{}, err
	}
	mask := cpu.MaskBits(width)
	if in.Op == x86asm.CMP {
		it.setSubFlags(a, b, (a-b)&mask, width)
	} else {
		it.setLogicFlags(a&b, width)
	}
	return cpu.Continue(), nil
}

func (it *Interp) execUnary(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	mask := cpu.MaskBits(width)
	err = it.rmw(dst, in.Lock, func(v uint64) uint64 {
		v &= mask
		if in.Op == x86asm.NOT {
			return ^v & mask
		}
		res := (-v) & mask
		it.setSubFlags(0, v, res, width)
		it.S.SetFlag(cpu.FlagCF, v != 0)
		return res
	})
	if err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), nil
}

func (it *Interp) execIncDec(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	mask := cpu.MaskBits(width)
	savedCF := it.S.GetFlag(cpu.FlagCF)
	err = it.rmw(dst, in.Lock, func(v uint64) uint64 {
		v &= mask
		var res uint64
		if in.Op == x86asm.INC {
			res = (v + 1) & mask
			it.setAddFlags(v, 1, res, width)
		} else {
			res = (v - 1) & mask
			it.setSubFlags(v, 1, res, width)
		}
		return res
	})
	if err != nil {
		return cpu.Step{}, err
	}
	// INC/DEC leave CF untouched.
	it.S.SetFlag(cpu.FlagCF, savedCF)
	return cpu.Continue(), nil
}

func (it *Interp) execMul(in *x86.Inst) (cpu.Step, error) {
	nargs := 0
	for _, a := range in.Args {
		if a != nil {
			nargs++
		}
	}
	if in.Op == x86asm.IMUL && nargs >= 2 {
		return it.execImulMulti(in, nargs)
	}

	width := opBits(in)
	src, err := it.argVal(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	s := it.S
	signed := in.Op == x86asm.IMUL
	var overflow bool
	switch width {
	case 8:
		a := s.ReadGPR(cpu.RAX, 8)
		var prod uint64
		if signed {
			p := int64(sext(a, 8)) * int64(sext(src, 8))
			prod = uint64(p) & 0xFFFF
			overflow = p != int64(int8(p))
		} else {
			prod = (a * src) & 0xFFFF
			overflow = prod>>8 != 0
		}
		s.WriteGPR(cpu.RAX, 16, prod)
	case 16, 32:
		a := s.ReadGPR(cpu.RAX, width)
		var lo, hi uint64
		if signed {
			p := int64(sext(a, width)) * int64(sext(src, width))
			lo = uint64(p) & cpu.MaskBits(width)
			hi = (uint64(p) >> width) & cpu.MaskBits(width)
			overflow = p != sext(lo, width)
		} else {
			p := a * src
			lo = p & cpu.MaskBits(width)
			hi = p >> width
			overflow = hi != 0
		}
		s.WriteGPR(cpu.RAX, width, lo)
		s.WriteGPR(cpu.RDX, width, hi)
	default:
		a := s.GPR[cpu.RAX]
		hi, lo := bits.Mul64(a, src)
		if signed {
			shi := hi
			if a>>63 != 0 {
				shi -= src
			}
			if src>>63 != 0 {
				shi -= a
			}
			overflow = shi != uint64(int64(lo)>>63)
			hi = shi
		} else {
			overflow = hi != 0
		}
		s.GPR[cpu.RAX] = lo
		s.GPR[cpu.RDX] = hi
	}
	s.SetFlag(cpu.FlagCF, overflow)
	s.SetFlag(cpu.FlagOF, overflow)
	return cpu.Continue(), nil
}

func (it *Interp) execImulMulti(in *x86.Inst, nargs int) (cpu.Step, error) {
	width := opBits(in)
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	var a, b uint64
	if nargs == 2 {
		if a, err = it.readLoc(dst); err != nil {
			return cpu.Step{}, err
		}
		if b, err = it.argVal(in, in.Args[1], width); err != nil {
			return cpu.Step{}, err
		}
	} else {
		if a, err = it.argVal(in, in.Args[1], width); err != nil {
			return cpu.Step{}, err
		}
		if b, err = it.argVal(in, in.Args[2], width); err != nil {
			return cpu.Step{}, err
		}
	}
	var res uint64
	var overflow bool
	if width == 64 {
		hi, lo := bits.Mul64(a, b)
		shi := hi
		if a>>63 != 0 {
			shi -= b
		}
		if b>>63 != 0 {
			shi -= a
		}
		res = lo
		overflow = shi != uint64(int64(lo)>>63)
	} else {
		p := int64(sext(a, width)) * int64(sext(b, width))
		res = uint64(p) & cpu.MaskBits(width)
		overflow = p != sext(res, width)
	}
	if err := it.writeLoc(dst, res); err != nil {
		return cpu.Step{}, err
	}
	it.S.SetFlag(cpu.FlagCF, overflow)
	it.S.SetFlag(cpu.FlagOF, overflow)
	return cpu.Continue(), nil
}

func (it *Interp) execDiv(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	src, err := it.argVal(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	if src == 0 {
		return cpu.Step{}, cpu.DivideError()
	}
	s := it.S
	signed := in.Op == x86asm.IDIV

	if width == 8 {
		dividend := s.ReadGPR(cpu.RAX, 16)
		if signed {
			d := int64(sext(dividend, 16))
			v := int64(sext(src, 8))
			q, r := d/v, d%v
			if q != int64(int8(q)) {
				return cpu.Step{}, cpu.DivideError()
			}
			s.WriteGPR(cpu.RAX, 8, uint64(q))
			s.WriteGPR8H(cpu.RAX, uint64(r))
		} else {
			q, r := dividend/src, dividend%src
			if q > 0xFF {
				return cpu.Step{}, cpu.DivideError()
			}
			s.WriteGPR(cpu.RAX, 8, q)
			s.WriteGPR8H(cpu.RAX, r)
		}
		return cpu.Continue(), nil
	}

	lo := s.ReadGPR(cpu.RAX, width)
	hi := s.ReadGPR(cpu.RDX, width)
	var q, r uint64
	if width == 64 {
		if signed {
			q64, r64, ok := signedDiv128(hi, lo, src)
			if !ok {
				return cpu.Step{}, cpu.DivideError()
			}
			q, r = q64, r64
		} else {
			if hi >= src {
				return cpu.Step{}, cpu.DivideError()
			}
			q, r = bits.Div64(hi, lo, src)
		}
	} else {
		dividend := hi<<width | lo
		if signed {
			d := sext(dividend, 2*width)
			v := sext(src, width)
			qq, rr := d/v, d%v
			if qq != sext(uint64(qq), width) {
				return cpu.Step{}, cpu.DivideError()
			}
			q, r = uint64(qq), uint64(rr)
		} else {
			v := src
			qq, rr := dividend/v, dividend%v
			if qq > cpu.MaskBits(width) {
				return cpu.Step{}, cpu.DivideError()
			}
			q, r = qq, rr
		}
	}
	s.WriteGPR(cpu.RAX, width, q)
	s.WriteGPR(cpu.RDX, width, r)
	return cpu.Continue(), nil
}

// signedDiv128 divides the signed 128-bit value hi:lo by the signed 64-bit
// divisor, reporting overflow of the 64-bit quotient.
func signedDiv128(hi, lo, divisor uint64) (q, r uint64, ok bool) {
	negDividend := int64(hi) < 0
	if negDividend {
		lo = -lo
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	d := divisor
	negDivisor := int64(d) < 0
	if negDivisor {
		d = -d
	}
	if hi >= d {
		return 0, 0, false
	}
	uq, ur := bits.Div64(hi, lo, d)
	neg := negDividend != negDivisor
	if neg {
		if uq > 1<<63 {
			return 0, 0, false
		}
		uq = -uq
	} else if uq > 1<<63-1 {
		return 0, 0, false
	}
	if negDividend {
		ur = -ur
	}
	return uq, ur, true
}

func (it *Interp) execShift(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	count, err := it.argVal(in, in.Args[1], 8)
	if err != nil {
		return cpu.Step{}, err
	}
	cmask := uint64(31)
	if width == 64 {
		cmask = 63
	}
	count &= cmask
	if count == 0 {
		return cpu.Continue(), nil
	}
	v, err := it.readLoc(dst)
	if err != nil {
		return cpu.Step{}, err
	}
	mask := cpu.MaskBits(width)
	v &= mask
	s := it.S
	c := int(count)
	var res uint64

	switch in.Op {
	case x86asm.SHL:
		cf := false
		if c <= width {
			cf = (v>>(width-c))&1 != 0
		}
		res = (v << c) & mask
		s.SetFlag(cpu.FlagCF, cf)
		if c == 1 {
			s.SetFlag(cpu.FlagOF, cf != (signBit(res, width) != 0))
		}
		it.setResultFlags(res, width)
	case x86asm.SHR:
		cf := false
		if c <= width {
			cf = (v>>(c-1))&1 != 0
		}
		res = v >> c
		s.SetFlag(cpu.FlagCF, cf)
		if c == 1 {
			s.SetFlag(cpu.FlagOF, signBit(v, width) != 0)
		}
		it.setResultFlags(res, width)
	case x86asm.SAR:
		sv := sext(v, width)
		if c >= width {
			res = uint64(sv>>63) & mask
			s.SetFlag(cpu.FlagCF, sv < 0)
		} else {
			res = uint64(sv>>c) & mask
			s.SetFlag(cpu.FlagCF, (sv>>(c-1))&1 != 0)
		}
		if c == 1 {
			s.SetFlag(cpu.FlagOF, false)
		}
		it.setResultFlags(res, width)
	case x86asm.ROL:
		eff := c % width
		res = ((v << eff) | (v >> (width - eff))) & mask
		if eff == 0 {
			res = v
		}
		s.SetFlag(cpu.FlagCF, res&1 != 0)
		if c == 1 {
			s.SetFlag(cpu.FlagOF, (res&1 != 0) != (signBit(res, width) != 0))
		}
	case x86asm.ROR:
		eff := c % width
		res = ((v >> eff) | (v << (width - eff))) & mask
		if eff == 0 {
			res = v
		}
		s.SetFlag(cpu.FlagCF, signBit(res, width) != 0)
		if c == 1 {
			s.SetFlag(cpu.FlagOF, signBit(res, width) != signBit(res<<1, width))
		}
	case x86asm.RCL, x86asm.RCR:
		res = it.rotateCarry(in.Op, v, width, c)
	}

	if err := it.writeLoc(dst, res); err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), nil
}

// rotateCarry rotates through CF one bit at a time; counts are small after
// masking so the loop is bounded.
func (it *Interp) rotateCarry(op x86asm.Op, v uint64, width, count int) uint64 {
	s := it.S
	if width < 32 {
		count %= width + 1
	}
	cf := uint64(0)
	if s.GetFlag(cpu.FlagCF) {
		cf = 1
	}
	mask := cpu.MaskBits(width)
	for i := 0; i < count; i++ {
		if op == x86asm.RCL {
			newCF := signBit(v, width)
			v = ((v << 1) | cf) & mask
			cf = newCF
		} else {
			newCF := v & 1
			v = (v >> 1) | (cf << (width - 1))
			cf = newCF
		}
	}
	s.SetFlag(cpu.FlagCF, cf != 0)
	if count == 1 {
		if op == x86asm.RCL {
			s.SetFlag(cpu.FlagOF, (cf != 0) != (signBit(v, width) != 0))
		} else {
			s.SetFlag(cpu.FlagOF, signBit(v, width) != signBit(v<<1, width))
		}
	}
	return v
}

func (it *Interp) execShiftDouble(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	partner, err := it.argVal(in, in.Args[1], width)
	if err != nil {
		return cpu.Step{}, err
	}
	count, err := it.argVal(in, in.Args[2], 8)
	if err != nil {
		return cpu.Step{}, err
	}
	cmask := uint64(31)
	if width == 64 {
		cmask = 63
	}
	c := int(count & cmask)
	if c == 0 {
		return cpu.Continue(), nil
	}
	if c > width {
		// Result undefined; leave the destination alone.
		return cpu.Continue(), nil
	}
	v, err := it.readLoc(dst)
	if err != nil {
		return cpu.Step{}, err
	}
	mask := cpu.MaskBits(width)
	v &= mask
	s := it.S
	var res uint64
	if in.Op == x86asm.SHLD {
		res = (v << c) & mask
		if c < width {
			res |= partner >> (width - c)
		} else {
			res |= partner
		}
		s.SetFlag(cpu.FlagCF, (v>>(width-c))&1 != 0)
		if c == 1 {
			s.SetFlag(cpu.FlagOF, signBit(v, width) != signBit(res, width))
		}
	} else {
		res = v >> c
		if c < width {
			res |= (partner << (width - c)) & mask
		} else {
			res |= partner & mask
		}
		s.SetFlag(cpu.FlagCF, (v>>(c-1))&1 != 0)
		if c == 1 {
			s.SetFlag(cpu.FlagOF, signBit(v, width) != signBit(res, width))
		}
	}
	it.setResultFlags(res, width)
	if err := it.writeLoc(dst, res); err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), nil
}

func (it *Interp) execBitTest(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	offVal, err := it.argVal(in, in.Args[1], width)
	if err != nil {
		return cpu.Step{}, err
	}
	s := it.S

	if m, ok := in.Args[0].(x86asm.Mem); ok {
		// Memory forms are bit-addressable: a register offset can reach
		// outside the operand, immediates wrap within it.
		var byteOff int64
		var bit uint
		if _, isImm := in.Args[1].(x86asm.Imm); isImm {
			offVal &= uint64(width - 1)
			byteOff = int64(offVal >> 3)
			bit = uint(offVal & 7)
		} else {
			soff := sext(offVal, width)
			byteOff = soff >> 3
			bit = uint(soff & 7)
		}
		l := loc{mem: true, addr: it.memAddr(in, m) + uint64(byteOff), bits: 8}
		if in.Op == x86asm.BT {
			v, err := it.readLoc(l)
			if err != nil {
				return cpu.Step{}, err
			}
			s.SetFlag(cpu.FlagCF, (v>>bit)&1 != 0)
			return cpu.Continue(), nil
		}
		err = it.rmw(l, in.Lock, func(v uint64) uint64 {
			s.SetFlag(cpu.FlagCF, (v>>bit)&1 != 0)
			switch in.Op {
			case x86asm.BTS:
				return v | 1<<bit
			case x86asm.BTR:
				return v &^ (1 << bit)
			default:
				return v ^ 1<<bit
			}
		})
		if err != nil {
			return cpu.Step{}, err
		}
		return cpu.Continue(), nil
	}

	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	bit := uint(offVal & uint64(width-1))
	v, err := it.readLoc(dst)
	if err != nil {
		return cpu.Step{}, err
	}
	s.SetFlag(cpu.FlagCF, (v>>bit)&1 != 0)
	switch in.Op {
	case x86asm.BTS:
		v |= 1 << bit
	case x86asm.BTR:
		v &^= 1 << bit
	case x86asm.BTC:
		v ^= 1 << bit
	default:
		return cpu.Continue(), nil
	}
	if err := it.writeLoc(dst, v); err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), nil
}

func (it *Interp) execBitScan(in *x86.Inst) (cpu.Step, error) {
	width := opBits(in)
	src, err := it.argVal(in, in.Args[1], width)
	if err != nil {
		return cpu.Step{}, err
	}
	s := it.S
	if src == 0 {
		// Destination is left unchanged on a zero source.
		s.SetFlag(cpu.FlagZF, true)
		return cpu.Continue(), nil
	}
	s.SetFlag(cpu.FlagZF, false)
	var idx uint64
	if in.Op == x86asm.BSF {
		idx = uint64(bits.TrailingZeros64(src))
	} else {
		idx = uint64(63 - bits.LeadingZeros64(src))
	}
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	return cpu.Continue(), it.writeLoc(dst, idx)
}

func (it *Interp) execBswap(in *x86.Inst) (cpu.Step, error) {
	dst, err := it.resolve(in, in.Args[0], 0)
	if err != nil {
		return cpu.Step{}, err
	}
	v, err := it.readLoc(dst)
	if err != nil {
		return cpu.Step{}, err
	}
	if dst.bits == 64 {
		v = bits.ReverseBytes64(v)
	} else {
		v = uint64(bits.ReverseBytes32(uint32(v)))
	}
	return cpu.Continue(), it.writeLoc(dst, v)
}

func (it *Interp) execPopcnt(in *x86.Inst) (cpu.Step, error) {
	if !it.Feat.Popcnt {
		return cpu.Step{}, cpu.InvalidOpcode()
	}
	width := opBits(in)
	src, err := it.argVal(in, in.Args[1], width)
	if err != nil {
		return cpu.Step{}, err
	}
	dst, err := it.resolve(in, in.Args[0], width)
	if err != nil {
		return cpu.Step{}, err
	}
	s := it.S
	s.SetFlag(cpu.FlagCF, false)
	s.SetFlag(cpu.FlagOF, false)
	s.SetFlag(cpu.FlagSF, false)
	s.SetFlag(cpu.FlagAF, false)
	s.SetFlag(cpu.FlagPF, false)
	s.SetFlag(cpu.FlagZF, src == 0)
	return cpu.Continue(), it.writeLoc(dst, uint64(bits.OnesCount64(src)))
}

func (it *Interp) execWiden(in *x86.Inst) (cpu.Step, error) {
	s := it.S
	switch in.Op {
	case x86asm.CBW:
		s.WriteGPR(cpu.RAX, 16, uint64(sext(s.ReadGPR(cpu.RAX, 8), 8)))
	case x86asm.CWDE:
		s.WriteGPR(cpu.RAX, 32, uint64(sext(s.ReadGPR(cpu.RAX, 16), 16)))
	case x86asm.CDQE:
		s.GPR[cpu.RAX] = uint64(sext(s.ReadGPR(cpu.RAX, 32), 32))
	case x86asm.CWD:
		s.WriteGPR(cpu.RDX, 16, uint64(sext(s.ReadGPR(cpu.RAX, 16), 16)>>16))
	case x86asm.CDQ:
		s.WriteGPR(cpu.RDX, 32, uint64(sext(s.ReadGPR(cpu.RAX, 32), 32)>>32))
	case x86asm.CQO:
		s.GPR[cpu.RDX] = uint64(int64(s.GPR[cpu.RAX]) >> 63)
	default:
		return cpu.Step{}, cpu.Unimplemented("widen op " + in.Op.String())
	}
	return cpu.Continue(), nil
}
