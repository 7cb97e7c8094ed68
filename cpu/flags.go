package cpu

import "math/bits"

// Pure RFLAGS computation shared by both execution tiers. Each function
// takes the current RFLAGS image and returns the updated image, so the
// interpreter and compiled blocks produce bit-identical flag results.

func parityEven(v uint64) bool {
	return bits.OnesCount8(uint8(v))%2 == 0
}

func flagSignBit(v uint64, width int) uint64 {
	return (v >> (width - 1)) & 1
}

func setIn(rflags uint64, mask uint64, v bool) uint64 {
	if v {
		return rflags | mask
	}
	return rflags &^ mask
}

// ResultFlags updates ZF, SF and PF from a result.
func ResultFlags(rflags, res uint64, width int) uint64 {
	res &= MaskBits(width)
	rflags = setIn(rflags, FlagZF, res == 0)
	rflags = setIn(rflags, FlagSF, flagSignBit(res, width) != 0)
	return setIn(rflags, FlagPF, parityEven(res))
}

// AddFlags computes the full flag set for res = a + b (+ carryIn). The
// carry/overflow identities hold for the carry-in forms as well.
func AddFlags(rflags, a, b, res uint64, width int) uint64 {
	mask := MaskBits(width)
	a, b, res = a&mask, b&mask, res&mask
	carry := ((a & b) | ((a | b) &^ res)) >> (width - 1) & 1
	rflags = setIn(rflags, FlagCF, carry != 0)
	rflags = setIn(rflags, FlagOF, ((a^res)&(b^res))>>(width-1)&1 != 0)
	rflags = setIn(rflags, FlagAF, (a^b^res)&0x10 != 0)
	return ResultFlags(rflags, res, width)
}

// SubFlags computes the full flag set for res = a - b (- borrowIn).
func SubFlags(rflags, a, b, res uint64, width int) uint64 {
	mask := MaskBits(width)
	a, b, res = a&mask, b&mask, res&mask
	borrow := ((^a & b) | (^(a ^ b) & res)) >> (width - 1) & 1
	rflags = setIn(rflags, FlagCF, borrow != 0)
	rflags = setIn(rflags, FlagOF, ((a^b)&(a^res))>>(width-1)&1 != 0)
	rflags = setIn(rflags, FlagAF, (a^b^res)&0x10 != 0)
	return ResultFlags(rflags, res, width)
}

// LogicFlags computes flags for AND/OR/XOR/TEST: CF, OF and AF cleared.
func LogicFlags(rflags, res uint64, width int) uint64 {
	rflags &^= FlagCF | FlagOF | FlagAF
	return ResultFlags(rflags, res, width)
}

// CondHolds evaluates a condition code in hardware tttn encoding order
// (O, NO, B, AE, E, NE, BE, A, S, NS, P, NP, L, GE, LE, G) against an
// RFLAGS image.
func CondHolds(rflags uint64, code int) bool {
	cf := rflags&FlagCF != 0
	zf := rflags&FlagZF != 0
	sf := rflags&FlagSF != 0
	of := rflags&FlagOF != 0
	pf := rflags&FlagPF != 0
	switch code {
	case 0:
		return of
	case 1:
		return !of
	case 2:
		return cf
	case 3:
		return !cf
	case 4:
		return zf
	case 5:
		return !zf
	case 6:
		return cf || zf
	case 7:
		return !cf && !zf
	case 8:
		return sf
	case 9:
		return !sf
	case 10:
		return pf
	case 11:
		return !pf
	case 12:
		return sf != of
	case 13:
		return sf == of
	case 14:
		return zf || sf != of
	default:
		return !zf && sf == of
	}
}
