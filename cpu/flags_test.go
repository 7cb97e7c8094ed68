package cpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddFlagsVectors(t *testing.T) {
	cases := []struct {
		name    string
		a, b    uint64
		width   int
		set     uint64
		cleared uint64
	}{
		{"byte carry out", 0xFF, 1, 8, FlagCF | FlagZF | FlagAF, FlagOF | FlagSF},
		{"signed overflow", 0x7F, 1, 8, FlagOF | FlagSF | FlagAF, FlagCF | FlagZF},
		{"no flags", 1, 2, 8, 0, FlagCF | FlagOF | FlagZF | FlagSF | FlagAF},
		{"qword carry", ^uint64(0), 1, 64, FlagCF | FlagZF, FlagOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := (tc.a + tc.b) & MaskBits(tc.width)
			fl := AddFlags(0, tc.a, tc.b, res, tc.width)
			require.Equal(t, tc.set, fl&tc.set)
			require.Zero(t, fl&tc.cleared)
		})
	}
}

func TestSubFlagsBorrow(t *testing.T) {
	res := ^uint64(0) & MaskBits(32)
	fl := SubFlags(0, 0, 1, res, 32)
	require.NotZero(t, fl&FlagCF)
	require.NotZero(t, fl&FlagSF)
	require.Zero(t, fl&FlagOF)
	require.Zero(t, fl&FlagZF)

	// 0x80000000 - 1 overflows signed.
	res = 0x8000_0000 - 1
	fl = SubFlags(0, 0x8000_0000, 1, res, 32)
	require.NotZero(t, fl&FlagOF)
	require.Zero(t, fl&FlagCF)
}

func TestLogicFlagsClearCarryOverflow(t *testing.T) {
	fl := LogicFlags(FlagCF|FlagOF|FlagAF, 0, 32)
	require.Zero(t, fl&(FlagCF|FlagOF|FlagAF))
	require.NotZero(t, fl&FlagZF)
	require.NotZero(t, fl&FlagPF, "zero has even parity")
}

func TestCondHolds(t *testing.T) {
	// tttn order: 12 = L (SF != OF), 7 = A (!CF && !ZF).
	require.True(t, CondHolds(FlagSF, 12))
	require.False(t, CondHolds(FlagSF|FlagOF, 12))
	require.True(t, CondHolds(0, 7))
	require.False(t, CondHolds(FlagCF, 7))
	require.True(t, CondHolds(FlagZF, 14), "LE holds on equality")
}
