package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/cpu/mmu"
)

// newPagedVM builds a 64-bit interpreter whose memory accesses run through
// the paging unit. The first 16 pages are identity mapped with 4K long-mode
// tables; the page at 0x3000 is mapped read-only.
func newPagedVM(t *testing.T, code []byte) (*Interp, *cpu.FlatBus) {
	t.Helper()
	const (
		pml4Base = 0xA000
		pdptBase = 0xB000
		pdBase   = 0xC000
		ptBase   = 0xD000
	)

	phys := cpu.NewFlatBus(0x10000)
	copy(phys.RAM[codeBase:], code)

	require.NoError(t, phys.WriteU64(pml4Base, pdptBase|0x3))
	require.NoError(t, phys.WriteU64(pdptBase, pdBase|0x3))
	require.NoError(t, phys.WriteU64(pdBase, ptBase|0x3))
	for i := uint64(0); i < 16; i++ {
		pte := i<<12 | 0x3
		if i == 3 {
			pte = i<<12 | 0x1 // present, not writable
		}
		require.NoError(t, phys.WriteU64(ptBase+i*8, pte))
	}

	s := cpu.NewState(cpu.ModeLong)
	s.Control.CR0 |= cpu.CR0_WP
	s.Control.CR3 = pml4Base
	s.Control.CR4 |= cpu.CR4_OSFXSR
	s.RIP = codeBase
	s.GPR[cpu.RSP] = 0x8000

	m := mmu.New()
	m.SetCR0(s.Control.CR0)
	m.SetCR4(s.Control.CR4)
	m.SetEFER(s.MSR.EFER)
	m.SetCR3(s.Control.CR3)

	return New(s, mmu.NewPagingBus(m, phys, s), allFeatures()), phys
}

func TestPagedStoreLandsAndSetsDirty(t *testing.T) {
	// mov [0x2000], rax
	it, phys := newPagedVM(t, []byte{0x48, 0x89, 0x04, 0x25, 0x00, 0x20, 0x00, 0x00})
	it.S.GPR[cpu.RAX] = 0xDEAD_BEEF

	step(t, it)
	v, err := phys.ReadU64(0x2000)
	require.NoError(t, err)
	require.Equal(t, uint64(0xDEAD_BEEF), v)

	pte, err := phys.ReadU64(0xD000 + 2*8)
	require.NoError(t, err)
	require.NotZero(t, pte&0x20, "accessed")
	require.NotZero(t, pte&0x40, "dirty")
}

func TestPagedStoreToReadOnlyFaults(t *testing.T) {
	// mov [0x3000], rax; CR0.WP makes the page fault even at CPL0.
	it, phys := newPagedVM(t, []byte{0x48, 0x89, 0x04, 0x25, 0x00, 0x30, 0x00, 0x00})
	it.S.GPR[cpu.RAX] = 0x42

	exc := stepFault(t, it)
	require.Equal(t, cpu.ExcPageFault, exc.Kind)
	require.Equal(t, uint64(0x3000), exc.Addr)
	require.Equal(t, cpu.PFErrPresent|cpu.PFErrWrite, exc.Code)
	require.Equal(t, uint64(0x3000), it.S.Control.CR2)
	require.Equal(t, uint64(codeBase), it.S.RIP, "faulting instruction not retired")

	v, err := phys.ReadU64(0x3000)
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestPagedPushAcrossInstructions(t *testing.T) {
	// push rax; pop rbx through translated stack pages.
	it, _ := newPagedVM(t, []byte{0x50, 0x5B})
	it.S.GPR[cpu.RAX] = 0x1234

	step(t, it)
	step(t, it)
	require.Equal(t, uint64(0x1234), it.S.GPR[cpu.RBX])
	require.Equal(t, uint64(0x8000), it.S.GPR[cpu.RSP])
}
