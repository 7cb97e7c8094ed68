package mmu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/x86vm/cpu"
)

const (
	entP  = uint64(1) << 0
	entRW = uint64(1) << 1
	entUS = uint64(1) << 2
	entA  = uint64(1) << 5
	entD  = uint64(1) << 6
	entPS = uint64(1) << 7
	entNX = uint64(1) << 63
)

func newLong4(t *testing.T) (*Mmu, *cpu.FlatBus) {
	t.Helper()
	m := New()
	m.SetCR4(cpu.CR4_PAE)
	m.SetEFER(cpu.EFER_LME)
	m.SetCR3(0x1000)
	m.SetCR0(cpu.CR0_PE | cpu.CR0_PG)
	require.Equal(t, PagingLong4, m.Mode())
	return m, cpu.NewFlatBus(1 << 20)
}

// mapLong4 installs a PML4 -> PDPT -> PD -> PT chain for linear page 0
// with the given leaf flags, leaving the upper levels fully permissive.
func mapLong4(t *testing.T, bus *cpu.FlatBus, leaf uint64) {
	t.Helper()
	require.NoError(t, bus.WriteU64(0x1000, 0x2000|entP|entRW|entUS))
	require.NoError(t, bus.WriteU64(0x2000, 0x3000|entP|entRW|entUS))
	require.NoError(t, bus.WriteU64(0x3000, 0x4000|entP|entRW|entUS))
	require.NoError(t, bus.WriteU64(0x4000, leaf))
}

func TestPagingDisabledIdentity(t *testing.T) {
	m := New()
	bus := cpu.NewFlatBus(1 << 16)
	require.Equal(t, PagingDisabled, m.Mode())

	paddr, exc := m.Translate(bus, 0x1234, AccessRead, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x1234), paddr)

	// Linear addresses are 32-bit when paging is off.
	paddr, exc = m.Translate(bus, 0x1_0000_5678, AccessWrite, 3)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x5678), paddr)
}

func TestLong4NotPresentFetch(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0) // PTE not present

	_, exc := m.Translate(bus, 0x0, AccessExecute, 0)
	require.NotNil(t, exc)
	require.Equal(t, cpu.ExcPageFault, exc.Kind)
	require.Equal(t, cpu.PFErrInstrFetch, exc.Code)
	require.Equal(t, uint64(0x0), exc.Addr)
	require.Equal(t, uint64(0x0), m.CR2())
}

func TestLong4ReadThroughMappedPage(t *testing.T) {
	// CR0.PE|PG + CR4.PAE + EFER.LME with linear page 0 mapped to
	// physical 0x5000: a 4-byte read at linear 0 sees the bytes there.
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entRW|entUS)
	require.NoError(t, bus.WriteU32(0x5000, 0x44332211))

	paddr, exc := m.Translate(bus, 0x0, AccessRead, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x5000), paddr)

	v, err := bus.ReadU32(paddr)
	require.NoError(t, err)
	require.Equal(t, uint32(0x44332211), v)
}

func TestUserWriteToReadOnlyUserPage(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entUS) // present, read-only, user

	_, exc := m.Translate(bus, 0x10, AccessWrite, 3)
	require.NotNil(t, exc)
	require.Equal(t, cpu.ExcPageFault, exc.Kind)
	require.Equal(t, cpu.PFErrPresent|cpu.PFErrWrite|cpu.PFErrUser, exc.Code)
	require.Equal(t, uint64(0x10), exc.Addr)

	// The same page reads fine from user.
	paddr, exc := m.Translate(bus, 0x10, AccessRead, 3)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x5010), paddr)
}

func TestPaeChain(t *testing.T) {
	m := New()
	m.SetCR4(cpu.CR4_PAE)
	m.SetCR3(0x1000)
	m.SetCR0(cpu.CR0_PE | cpu.CR0_PG)
	require.Equal(t, PagingPae, m.Mode())

	bus := cpu.NewFlatBus(1 << 20)
	require.NoError(t, bus.WriteU64(0x1000, 0x2000|entP)) // PDPTE
	require.NoError(t, bus.WriteU64(0x2000, 0x3000|entP|entRW|entUS))
	require.NoError(t, bus.WriteU64(0x3000, 0x5000|entP|entRW|entUS))
	require.NoError(t, bus.WriteU32(0x5000, 0x44332211))

	paddr, exc := m.Translate(bus, 0x0, AccessRead, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x5000), paddr)

	v, err := bus.ReadU32(paddr)
	require.NoError(t, err)
	require.Equal(t, uint32(0x44332211), v)
}

func TestLegacy4MRequiresPSE(t *testing.T) {
	m := New()
	m.SetCR3(0x1000)
	m.SetCR0(cpu.CR0_PE | cpu.CR0_PG)
	require.Equal(t, PagingLegacy32, m.Mode())

	bus := cpu.NewFlatBus(1 << 20)
	require.NoError(t, bus.WriteU32(0x1000, uint32(0x0040_0000|entP|entRW|entPS)))

	_, exc := m.Translate(bus, 0x0, AccessRead, 0)
	require.NotNil(t, exc)
	require.Equal(t, cpu.PFErrPresent|cpu.PFErrReservedBit, exc.Code)

	// With CR4.PSE the same PDE maps a 4MB page.
	m.SetCR4(cpu.CR4_PSE)
	paddr, exc := m.Translate(bus, 0x12345, AccessRead, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x0041_2345), paddr)
}

func TestNxBitReservedWithoutNXE(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entRW|entUS|entNX)
	m.SetEFER(cpu.EFER_LME) // NXE clear

	_, exc := m.Translate(bus, 0x0, AccessRead, 0)
	require.NotNil(t, exc)
	require.Equal(t, cpu.PFErrPresent|cpu.PFErrReservedBit, exc.Code)
}

func TestNxFetchFault(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entRW|entUS|entNX)
	m.SetEFER(cpu.EFER_LME | cpu.EFER_NXE)

	// Data reads are unaffected by NX.
	paddr, exc := m.Translate(bus, 0x0, AccessRead, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x5000), paddr)

	_, exc = m.Translate(bus, 0x0, AccessExecute, 0)
	require.NotNil(t, exc)
	require.Equal(t, cpu.PFErrPresent|cpu.PFErrInstrFetch, exc.Code)
}

func TestNonCanonicalRaisesGP(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entRW|entUS)

	_, exc := m.Translate(bus, 0x8000_0000_0000, AccessRead, 0)
	require.NotNil(t, exc)
	require.Equal(t, cpu.ExcGeneralProtection, exc.Kind)

	// Properly sign-extended high half is fine structurally (it faults
	// not-present here, not #GP).
	_, exc = m.Translate(bus, 0xFFFF_8000_0000_0000, AccessRead, 0)
	require.NotNil(t, exc)
	require.Equal(t, cpu.ExcPageFault, exc.Kind)
}

func TestWriteProtectSupervisor(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entUS) // read-only

	// Supervisor writes bypass R/W unless CR0.WP.
	paddr, exc := m.Translate(bus, 0x0, AccessWrite, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x5000), paddr)

	m.SetCR0(cpu.CR0_PE | cpu.CR0_PG | cpu.CR0_WP)
	_, exc = m.Translate(bus, 0x0, AccessWrite, 0)
	require.NotNil(t, exc)
	require.Equal(t, cpu.PFErrPresent|cpu.PFErrWrite, exc.Code)
}

func TestAccessedDirtyBits(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entRW|entUS)

	_, exc := m.Translate(bus, 0x0, AccessRead, 0)
	require.Nil(t, exc)

	for _, addr := range []uint64{0x1000, 0x2000, 0x3000, 0x4000} {
		e, err := bus.ReadU64(addr)
		require.NoError(t, err)
		require.NotZero(t, e&entA, "accessed bit at %#x", addr)
	}
	pte, err := bus.ReadU64(0x4000)
	require.NoError(t, err)
	require.Zero(t, pte&entD)

	_, exc = m.Translate(bus, 0x8, AccessWrite, 0)
	require.Nil(t, exc)
	pte, err = bus.ReadU64(0x4000)
	require.NoError(t, err)
	require.NotZero(t, pte&entD)
}

func TestProbeHasNoSideEffects(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entRW|entUS)

	paddr, exc := m.TranslateProbe(bus, 0x4, AccessWrite, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x5004), paddr)

	for _, addr := range []uint64{0x1000, 0x2000, 0x3000, 0x4000} {
		e, err := bus.ReadU64(addr)
		require.NoError(t, err)
		require.Zero(t, e&(entA|entD), "probe dirtied entry at %#x", addr)
	}

	// Probe faults do not latch CR2.
	m2, bus2 := newLong4(t)
	mapLong4(t, bus2, 0)
	_, exc = m2.TranslateProbe(bus2, 0xABC, AccessRead, 0)
	require.NotNil(t, exc)
	require.Zero(t, m2.CR2())
}

func TestTlbAndInvlpg(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entRW|entUS)

	paddr, exc := m.Translate(bus, 0x0, AccessRead, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x5000), paddr)

	// Retarget the PTE. The stale translation stays visible until the
	// page is invalidated.
	require.NoError(t, bus.WriteU64(0x4000, 0x6000|entP|entRW|entUS|entA))
	paddr, exc = m.Translate(bus, 0x0, AccessRead, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x5000), paddr)

	m.Invlpg(0x0)
	paddr, exc = m.Translate(bus, 0x0, AccessRead, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x6000), paddr)

	// A CR3 load flushes everything too.
	require.NoError(t, bus.WriteU64(0x4000, 0x5000|entP|entRW|entUS|entA))
	m.SetCR3(0x1000)
	paddr, exc = m.Translate(bus, 0x0, AccessRead, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x5000), paddr)
}

func TestLong2MPage(t *testing.T) {
	m, bus := newLong4(t)
	require.NoError(t, bus.WriteU64(0x1000, 0x2000|entP|entRW|entUS))
	require.NoError(t, bus.WriteU64(0x2000, 0x3000|entP|entRW|entUS))
	require.NoError(t, bus.WriteU64(0x3000, 0x0020_0000|entP|entRW|entUS|entPS))

	paddr, exc := m.Translate(bus, 0x12345, AccessRead, 0)
	require.Nil(t, exc)
	require.Equal(t, uint64(0x0021_2345), paddr)

	// Misaligned 2M frame bits are reserved.
	m.Invlpg(0x12345)
	require.NoError(t, bus.WriteU64(0x3000, 0x0020_2000|entP|entRW|entUS|entPS))
	_, exc = m.Translate(bus, 0x12345, AccessRead, 0)
	require.NotNil(t, exc)
	require.Equal(t, cpu.PFErrPresent|cpu.PFErrReservedBit, exc.Code)
}

func TestPagingBusCr2AndSplitWrite(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entRW|entUS)
	// Second linear page is not mapped.

	st := cpu.NewState(cpu.ModeLong)
	pb := NewPagingBus(m, bus, st)

	v32 := uint32(0xA1B2C3D4)
	require.NoError(t, pb.WriteU32(0x100, v32))
	got, err := pb.ReadU32(0x100)
	require.NoError(t, err)
	require.Equal(t, v32, got)

	// A store straddling into the unmapped page must not commit its
	// first bytes before the preflight fault.
	require.NoError(t, pb.WriteU16(0xFFE, 0x5555))
	err = pb.WriteU32(0xFFE, 0xDEADBEEF)
	require.Error(t, err)
	exc := cpu.AsException(err)
	require.Equal(t, cpu.ExcPageFault, exc.Kind)
	require.Equal(t, uint64(0x1000), exc.Addr)
	require.Equal(t, uint64(0x1000), st.Control.CR2)

	kept, err := pb.ReadU16(0xFFE)
	require.NoError(t, err)
	require.Equal(t, uint16(0x5555), kept)
}

func TestPagingBusFetchTruncatesAtFault(t *testing.T) {
	m, bus := newLong4(t)
	mapLong4(t, bus, 0x5000|entP|entRW|entUS)

	st := cpu.NewState(cpu.ModeLong)
	pb := NewPagingBus(m, bus, st)

	// Fetch window starting 4 bytes before the unmapped page yields the
	// 4 accessible bytes.
	buf, err := pb.Fetch(0xFFC, cpu.MaxInstLen)
	require.NoError(t, err)
	require.Len(t, buf, 4)

	_, err = pb.Fetch(0x1000, cpu.MaxInstLen)
	require.Error(t, err)
	require.Equal(t, cpu.ExcPageFault, cpu.AsException(err).Kind)
}
