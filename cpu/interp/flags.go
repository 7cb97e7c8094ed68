package interp

import "github.com/colorfulnotion/x86vm/cpu"

// Eager flag computation: every arithmetic handler materializes the full
// RFLAGS result immediately, so flags are always architecturally current at
// instruction boundaries. The actual bit math lives in the cpu package and
// is shared with compiled blocks.

func signBit(v uint64, width int) uint64 {
	return (v >> (width - 1)) & 1
}

// setResultFlags updates ZF, SF and PF from a result.
func (it *Interp) setResultFlags(res uint64, width int) {
	it.S.RFLAGS = cpu.ResultFlags(it.S.RFLAGS, res, width)
}

// setAddFlags sets the full flag set for res = a + b + carryIn.
func (it *Interp) setAddFlags(a, b, res uint64, width int) {
	it.S.RFLAGS = cpu.AddFlags(it.S.RFLAGS, a, b, res, width)
}

// setSubFlags sets the full flag set for res = a - b - borrowIn.
func (it *Interp) setSubFlags(a, b, res uint64, width int) {
	it.S.RFLAGS = cpu.SubFlags(it.S.RFLAGS, a, b, res, width)
}

// setLogicFlags sets flags for AND/OR/XOR/TEST: CF and OF cleared.
func (it *Interp) setLogicFlags(res uint64, width int) {
	it.S.RFLAGS = cpu.LogicFlags(it.S.RFLAGS, res, width)
}
