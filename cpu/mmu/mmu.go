// Package mmu implements x86 virtual-to-physical translation with a
// software TLB: no paging (identity), 32-bit paging (4K/4M pages), PAE
// (4K/2M) and 4-level long mode (4K/2M/1G) with canonical checks.
package mmu

import (
	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/log"
)

// AccessType classifies the memory access being translated.
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

func (a AccessType) isWrite() bool   { return a == AccessWrite }
func (a AccessType) isExecute() bool { return a == AccessExecute }

// PagingMode is derived from CR0.PG, CR4.PAE and EFER.LME.
type PagingMode int

const (
	PagingDisabled PagingMode = iota
	PagingLegacy32
	PagingPae
	PagingLong4
)

// Page table entry bits (32- and 64-bit formats share the low bits).
const (
	pteP  uint64 = 1 << 0
	pteRW uint64 = 1 << 1
	pteUS uint64 = 1 << 2
	pteA  uint64 = 1 << 5
	pteD  uint64 = 1 << 6
	ptePS uint64 = 1 << 7
	pteG  uint64 = 1 << 8
	pteNX uint64 = 1 << 63
)

// Reserved bits in a legacy 4MB PDE (PSE-36 not advertised).
const legacy4MReservedMask uint64 = 0x003F_E000

// PhysBus is the physical memory access used for page-table walking.
type PhysBus interface {
	ReadU32(addr uint64) (uint32, error)
	ReadU64(addr uint64) (uint64, error)
	WriteU32(addr uint64, v uint32) error
	WriteU64(addr uint64, v uint64) error
}

// Mmu walks guest page tables and caches leaf translations in a software
// TLB. Control register values are pushed in by the owner via the setters;
// relevant changes flush the TLB.
type Mmu struct {
	cr0  uint64
	cr2  uint64
	cr3  uint64
	cr4  uint64
	efer uint64

	mode        PagingMode
	maxPhysBits uint8

	tlb tlb
}

func New() *Mmu {
	m := &Mmu{maxPhysBits: 52}
	m.updateCachedState()
	return m
}

func (m *Mmu) updateCachedState() {
	switch {
	case m.cr0&cpu.CR0_PG == 0:
		m.mode = PagingDisabled
	case m.cr4&cpu.CR4_PAE == 0:
		m.mode = PagingLegacy32
	case m.efer&cpu.EFER_LME != 0:
		m.mode = PagingLong4
	default:
		m.mode = PagingPae
	}
}

// CR2 is architecturally written on #PF; the Mmu stores it so the CPU can
// fetch it after a failed translation.
func (m *Mmu) CR2() uint64  { return m.cr2 }
func (m *Mmu) CR0() uint64  { return m.cr0 }
func (m *Mmu) CR3() uint64  { return m.cr3 }
func (m *Mmu) CR4() uint64  { return m.cr4 }
func (m *Mmu) EFER() uint64 { return m.efer }

func (m *Mmu) Mode() PagingMode { return m.mode }

func (m *Mmu) SetCR0(v uint64) {
	if (m.cr0^v)&(cpu.CR0_PG|cpu.CR0_WP) != 0 {
		m.tlb.flushAll()
	}
	m.cr0 = v
	m.updateCachedState()
}

func (m *Mmu) SetCR3(v uint64) {
	m.cr3 = v
	m.updateCachedState()
	if m.cr4&cpu.CR4_PGE != 0 {
		m.tlb.flushNonGlobal()
	} else {
		m.tlb.flushAll()
	}
	log.Trace(log.MmuMonitoring, "cr3 load", "cr3", v)
}

func (m *Mmu) SetCR4(v uint64) {
	if (m.cr4^v)&(cpu.CR4_PAE|cpu.CR4_PSE|cpu.CR4_PGE) != 0 {
		m.tlb.flushAll()
	}
	m.cr4 = v
	m.updateCachedState()
}

func (m *Mmu) SetEFER(v uint64) {
	if (m.efer^v)&(cpu.EFER_LME|cpu.EFER_NXE) != 0 {
		m.tlb.flushAll()
	}
	m.efer = v
	m.updateCachedState()
}

// Invlpg invalidates the TLB entry covering vaddr.
func (m *Mmu) Invlpg(vaddr uint64) {
	m.tlb.invalidateAddress(vaddr)
}

// FlushTlb drops every cached translation.
func (m *Mmu) FlushTlb() {
	m.tlb.flushAll()
}

func (m *Mmu) nxEnabled() bool { return m.efer&cpu.EFER_NXE != 0 }
func (m *Mmu) wpEnabled() bool { return m.cr0&cpu.CR0_WP != 0 }
func (m *Mmu) pseEnabled() bool {
	return m.cr4&cpu.CR4_PSE != 0
}
func (m *Mmu) pgeEnabled() bool {
	return m.cr4&cpu.CR4_PGE != 0
}

func (m *Mmu) physAddrMask() uint64 {
	if m.maxPhysBits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << m.maxPhysBits) - 1
}

func isCanonical48(addr uint64) bool {
	top := addr >> 47
	return top == 0 || top == 0x1FFFF
}

// pfErrorCode composes the hardware #PF error code. present is false when
// any walked level was not-present.
func pfErrorCode(present bool, access AccessType, isUser, rsvd bool) uint32 {
	var code uint32
	if present {
		code |= cpu.PFErrPresent
	}
	if access.isWrite() {
		code |= cpu.PFErrWrite
	}
	if isUser {
		code |= cpu.PFErrUser
	}
	if rsvd {
		code |= cpu.PFErrReservedBit
	}
	if access.isExecute() {
		code |= cpu.PFErrInstrFetch
	}
	return code
}

func (m *Mmu) pageFaultNotPresent(vaddr uint64, access AccessType, isUser bool) *cpu.Exception {
	return cpu.PageFault(vaddr, pfErrorCode(false, access, isUser, false))
}

func (m *Mmu) pageFaultProtection(vaddr uint64, access AccessType, isUser bool) *cpu.Exception {
	return cpu.PageFault(vaddr, pfErrorCode(true, access, isUser, false))
}

func (m *Mmu) pageFaultReserved(vaddr uint64, access AccessType, isUser bool) *cpu.Exception {
	return cpu.PageFault(vaddr, pfErrorCode(true, access, isUser, true))
}

// checkPerms enforces U/S, R/W (with CR0.WP semantics) and NX on the
// effective permissions accumulated over a walk.
func (m *Mmu) checkPerms(vaddr uint64, userOK, writableOK, nx bool, access AccessType, isUser bool) *cpu.Exception {
	if isUser && !userOK {
		return m.pageFaultProtection(vaddr, access, isUser)
	}
	if access.isWrite() && !writableOK && (isUser || m.wpEnabled()) {
		return m.pageFaultProtection(vaddr, access, isUser)
	}
	if access.isExecute() && nx {
		return m.pageFaultProtection(vaddr, access, isUser)
	}
	return nil
}

// Translate maps a linear address to a physical address, enforcing paging
// permissions. cpl==3 is "user"; every other level is supervisor. On a
// page fault the faulting address is latched as CR2 before returning.
func (m *Mmu) Translate(bus PhysBus, vaddr uint64, access AccessType, cpl uint8) (uint64, *cpu.Exception) {
	paddr, exc := m.translate(bus, vaddr, access, cpl, false)
	if exc != nil && exc.Kind == cpu.ExcPageFault {
		m.cr2 = exc.Addr
	}
	return paddr, exc
}

// TranslateProbe performs the same lookup and permission checks as
// Translate without guest-visible side effects: no accessed/dirty updates,
// no TLB fill, no CR2 latch. Used by bulk-write preflights whose fallback
// path must observe identical paging state.
func (m *Mmu) TranslateProbe(bus PhysBus, vaddr uint64, access AccessType, cpl uint8) (uint64, *cpu.Exception) {
	return m.translate(bus, vaddr, access, cpl, true)
}

func (m *Mmu) translate(bus PhysBus, vaddr uint64, access AccessType, cpl uint8, probe bool) (uint64, *cpu.Exception) {
	isUser := cpl == 3

	switch m.mode {
	case PagingDisabled:
		// Long mode cannot be active without paging; linear addresses
		// are 32-bit.
		return vaddr & 0xFFFF_FFFF, nil
	case PagingLegacy32, PagingPae:
		vaddr = vaddr & 0xFFFF_FFFF
	case PagingLong4:
		// Non-canonical addresses raise #GP before any walk.
		if !isCanonical48(vaddr) {
			return 0, cpu.GeneralProtection(0)
		}
	}

	if e, ok := m.tlb.lookup(vaddr); ok {
		if exc := m.checkPerms(vaddr, e.user, e.writable, access.isExecute() && e.nx, access, isUser); exc != nil {
			return 0, exc
		}
		paddr := e.translate(vaddr)
		if access.isWrite() && !e.dirty && !probe {
			if err := m.setLeafDirty(bus, e); err != nil {
				return 0, cpu.AsException(err)
			}
			m.tlb.markDirty(vaddr)
		}
		return paddr, nil
	}

	var entry tlbEntry
	var paddr uint64
	var exc *cpu.Exception
	switch m.mode {
	case PagingLegacy32:
		entry, paddr, exc = m.walkLegacy32(bus, vaddr, access, isUser, probe)
	case PagingPae:
		entry, paddr, exc = m.walkPae(bus, vaddr, access, isUser, probe)
	default:
		entry, paddr, exc = m.walkLong4(bus, vaddr, access, isUser, probe)
	}
	if exc != nil {
		return 0, exc
	}
	if !probe {
		m.tlb.insert(entry)
	}
	return paddr, nil
}

func (m *Mmu) setLeafDirty(bus PhysBus, e tlbEntry) error {
	if e.leafIs64 {
		v, err := bus.ReadU64(e.leafAddr)
		if err != nil {
			return err
		}
		return bus.WriteU64(e.leafAddr, v|pteD)
	}
	v, err := bus.ReadU32(e.leafAddr)
	if err != nil {
		return err
	}
	return bus.WriteU32(e.leafAddr, uint32(uint64(v)|pteD))
}

// markAccessed32 sets the A bit on a 32-bit entry (skipped in probe mode).
func markAccessed32(bus PhysBus, addr uint64, raw uint64, probe bool) (uint64, error) {
	if probe || raw&pteA != 0 {
		return raw, nil
	}
	raw |= pteA
	return raw, bus.WriteU32(addr, uint32(raw))
}

func markAccessed64(bus PhysBus, addr uint64, raw uint64, probe bool) (uint64, error) {
	if probe || raw&pteA != 0 {
		return raw, nil
	}
	raw |= pteA
	return raw, bus.WriteU64(addr, raw)
}

// markDirtyLeaf32 sets the D bit on a successful write through a 32-bit leaf.
func markDirtyLeaf32(bus PhysBus, addr uint64, raw uint64, write, probe bool) (uint64, error) {
	if probe || !write || raw&pteD != 0 {
		return raw, nil
	}
	raw |= pteD
	return raw, bus.WriteU32(addr, uint32(raw))
}

func markDirtyLeaf64(bus PhysBus, addr uint64, raw uint64, write, probe bool) (uint64, error) {
	if probe || !write || raw&pteD != 0 {
		return raw, nil
	}
	raw |= pteD
	return raw, bus.WriteU64(addr, raw)
}

func (m *Mmu) walkLegacy32(bus PhysBus, vaddr uint64, access AccessType, isUser, probe bool) (tlbEntry, uint64, *cpu.Exception) {
	pdBase := (m.cr3 & 0xFFFF_FFFF) &^ 0xFFF
	pdeAddr := pdBase + ((vaddr>>22)&0x3FF)*4
	raw32, err := bus.ReadU32(pdeAddr)
	if err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}
	pde := uint64(raw32)
	if pde&pteP == 0 {
		return tlbEntry{}, 0, m.pageFaultNotPresent(vaddr, access, isUser)
	}

	if pde&ptePS != 0 {
		// 4MB pages require CR4.PSE; otherwise PS is reserved.
		if !m.pseEnabled() {
			return tlbEntry{}, 0, m.pageFaultReserved(vaddr, access, isUser)
		}
		if pde&legacy4MReservedMask != 0 {
			return tlbEntry{}, 0, m.pageFaultReserved(vaddr, access, isUser)
		}
		userOK := pde&pteUS != 0
		writableOK := pde&pteRW != 0
		if exc := m.checkPerms(vaddr, userOK, writableOK, false, access, isUser); exc != nil {
			return tlbEntry{}, 0, exc
		}
		if pde, err = markAccessed32(bus, pdeAddr, pde, probe); err != nil {
			return tlbEntry{}, 0, cpu.AsException(err)
		}
		if pde, err = markDirtyLeaf32(bus, pdeAddr, pde, access.isWrite(), probe); err != nil {
			return tlbEntry{}, 0, cpu.AsException(err)
		}
		pbase := (pde & 0xFFC0_0000) + (vaddr & 0x003F_F000)
		entry := tlbEntry{
			vpage:    vaddr &^ 0xFFF,
			ppage:    pbase,
			user:     userOK,
			writable: writableOK,
			global:   m.pgeEnabled() && pde&pteG != 0,
			dirty:    pde&pteD != 0,
			leafAddr: pdeAddr,
		}
		return entry, pbase + (vaddr & 0xFFF), nil
	}

	if pde, err = markAccessed32(bus, pdeAddr, pde, probe); err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}

	ptBase := pde & 0xFFFF_F000
	pteAddr := ptBase + ((vaddr>>12)&0x3FF)*4
	raw32, err = bus.ReadU32(pteAddr)
	if err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}
	pte := uint64(raw32)
	if pte&pteP == 0 {
		return tlbEntry{}, 0, m.pageFaultNotPresent(vaddr, access, isUser)
	}

	userOK := pde&pteUS != 0 && pte&pteUS != 0
	writableOK := pde&pteRW != 0 && pte&pteRW != 0
	if exc := m.checkPerms(vaddr, userOK, writableOK, false, access, isUser); exc != nil {
		return tlbEntry{}, 0, exc
	}
	if pte, err = markAccessed32(bus, pteAddr, pte, probe); err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}
	if pte, err = markDirtyLeaf32(bus, pteAddr, pte, access.isWrite(), probe); err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}

	pbase := pte & 0xFFFF_F000
	entry := tlbEntry{
		vpage:    vaddr &^ 0xFFF,
		ppage:    pbase,
		user:     userOK,
		writable: writableOK,
		global:   m.pgeEnabled() && pte&pteG != 0,
		dirty:    pte&pteD != 0,
		leafAddr: pteAddr,
	}
	return entry, pbase + (vaddr & 0xFFF), nil
}

// checkEntry64 validates one 64-bit entry: presence, and NX-bit-is-reserved
// when EFER.NXE is disabled.
func (m *Mmu) checkEntry64(vaddr uint64, raw uint64, access AccessType, isUser bool) *cpu.Exception {
	if raw&pteP == 0 {
		return m.pageFaultNotPresent(vaddr, access, isUser)
	}
	if raw&pteNX != 0 && !m.nxEnabled() {
		return m.pageFaultReserved(vaddr, access, isUser)
	}
	return nil
}

func (m *Mmu) walkPae(bus PhysBus, vaddr uint64, access AccessType, isUser, probe bool) (tlbEntry, uint64, *cpu.Exception) {
	addrMask := m.physAddrMask()

	pdptBase := (m.cr3 & 0xFFFF_FFFF) &^ 0x1F
	pdpteAddr := pdptBase + ((vaddr>>30)&0x3)*8
	pdpte, err := bus.ReadU64(pdpteAddr)
	if err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}
	if exc := m.checkEntry64(vaddr, pdpte, access, isUser); exc != nil {
		return tlbEntry{}, 0, exc
	}

	// In IA-32 PAE paging the PDPT entry does not participate in U/S or
	// R/W checks; it only contributes NX when EFER.NXE is enabled.
	effUser := true
	effWritable := true
	effNX := m.nxEnabled() && pdpte&pteNX != 0

	return m.walkLower64(bus, vaddr, access, isUser, probe, (pdpte&addrMask)&^0xFFF, effUser, effWritable, effNX, 21)
}

func (m *Mmu) walkLong4(bus PhysBus, vaddr uint64, access AccessType, isUser, probe bool) (tlbEntry, uint64, *cpu.Exception) {
	addrMask := m.physAddrMask()

	pml4Base := m.cr3 &^ 0xFFF
	pml4eAddr := pml4Base + ((vaddr>>39)&0x1FF)*8
	pml4e, err := bus.ReadU64(pml4eAddr)
	if err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}
	if exc := m.checkEntry64(vaddr, pml4e, access, isUser); exc != nil {
		return tlbEntry{}, 0, exc
	}
	if pml4e, err = markAccessed64(bus, pml4eAddr, pml4e, probe); err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}

	effUser := pml4e&pteUS != 0
	effWritable := pml4e&pteRW != 0
	effNX := m.nxEnabled() && pml4e&pteNX != 0

	pdpteAddr := ((pml4e & addrMask) &^ 0xFFF) + ((vaddr>>30)&0x1FF)*8
	pdpte, err := bus.ReadU64(pdpteAddr)
	if err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}
	if exc := m.checkEntry64(vaddr, pdpte, access, isUser); exc != nil {
		return tlbEntry{}, 0, exc
	}

	effUser = effUser && pdpte&pteUS != 0
	effWritable = effWritable && pdpte&pteRW != 0
	effNX = effNX || (m.nxEnabled() && pdpte&pteNX != 0)

	if pdpte&ptePS != 0 {
		// 1GB page.
		if pdpte&0x3FFF_E000 != 0 {
			return tlbEntry{}, 0, m.pageFaultReserved(vaddr, access, isUser)
		}
		if exc := m.checkPerms(vaddr, effUser, effWritable, effNX, access, isUser); exc != nil {
			return tlbEntry{}, 0, exc
		}
		if pdpte, err = markAccessed64(bus, pdpteAddr, pdpte, probe); err != nil {
			return tlbEntry{}, 0, cpu.AsException(err)
		}
		if pdpte, err = markDirtyLeaf64(bus, pdpteAddr, pdpte, access.isWrite(), probe); err != nil {
			return tlbEntry{}, 0, cpu.AsException(err)
		}
		pbase := ((pdpte & addrMask) &^ 0x3FFF_FFFF) + (vaddr & 0x3FFF_F000)
		entry := tlbEntry{
			vpage:    vaddr &^ 0xFFF,
			ppage:    pbase,
			user:     effUser,
			writable: effWritable,
			nx:       effNX,
			global:   m.pgeEnabled() && pdpte&pteG != 0,
			dirty:    pdpte&pteD != 0,
			leafAddr: pdpteAddr,
			leafIs64: true,
		}
		return entry, pbase + (vaddr & 0xFFF), nil
	}
	if pdpte, err = markAccessed64(bus, pdpteAddr, pdpte, probe); err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}

	return m.walkLower64(bus, vaddr, access, isUser, probe, (pdpte&addrMask)&^0xFFF, effUser, effWritable, effNX, 21)
}

// walkLower64 handles the shared PDE/PTE tail of PAE and long-mode walks.
// pdShift is 21 (PDE index bit position).
func (m *Mmu) walkLower64(bus PhysBus, vaddr uint64, access AccessType, isUser, probe bool, pdBase uint64, effUser, effWritable, effNX bool, pdShift uint) (tlbEntry, uint64, *cpu.Exception) {
	addrMask := m.physAddrMask()

	pdeAddr := pdBase + ((vaddr>>pdShift)&0x1FF)*8
	pde, err := bus.ReadU64(pdeAddr)
	if err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}
	if exc := m.checkEntry64(vaddr, pde, access, isUser); exc != nil {
		return tlbEntry{}, 0, exc
	}

	effUser = effUser && pde&pteUS != 0
	effWritable = effWritable && pde&pteRW != 0
	effNX = effNX || (m.nxEnabled() && pde&pteNX != 0)

	if pde&ptePS != 0 {
		// 2MB page.
		if pde&0x001F_E000 != 0 {
			return tlbEntry{}, 0, m.pageFaultReserved(vaddr, access, isUser)
		}
		if exc := m.checkPerms(vaddr, effUser, effWritable, effNX, access, isUser); exc != nil {
			return tlbEntry{}, 0, exc
		}
		if pde, err = markAccessed64(bus, pdeAddr, pde, probe); err != nil {
			return tlbEntry{}, 0, cpu.AsException(err)
		}
		if pde, err = markDirtyLeaf64(bus, pdeAddr, pde, access.isWrite(), probe); err != nil {
			return tlbEntry{}, 0, cpu.AsException(err)
		}
		pbase := ((pde & addrMask) &^ 0x1F_FFFF) + (vaddr & 0x1F_F000)
		entry := tlbEntry{
			vpage:    vaddr &^ 0xFFF,
			ppage:    pbase,
			user:     effUser,
			writable: effWritable,
			nx:       effNX,
			global:   m.pgeEnabled() && pde&pteG != 0,
			dirty:    pde&pteD != 0,
			leafAddr: pdeAddr,
			leafIs64: true,
		}
		return entry, pbase + (vaddr & 0xFFF), nil
	}
	if pde, err = markAccessed64(bus, pdeAddr, pde, probe); err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}

	pteAddr := ((pde & addrMask) &^ 0xFFF) + ((vaddr>>12)&0x1FF)*8
	pte, err := bus.ReadU64(pteAddr)
	if err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}
	if exc := m.checkEntry64(vaddr, pte, access, isUser); exc != nil {
		return tlbEntry{}, 0, exc
	}

	effUser = effUser && pte&pteUS != 0
	effWritable = effWritable && pte&pteRW != 0
	effNX = effNX || (m.nxEnabled() && pte&pteNX != 0)

	if exc := m.checkPerms(vaddr, effUser, effWritable, effNX, access, isUser); exc != nil {
		return tlbEntry{}, 0, exc
	}
	if pte, err = markAccessed64(bus, pteAddr, pte, probe); err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}
	if pte, err = markDirtyLeaf64(bus, pteAddr, pte, access.isWrite(), probe); err != nil {
		return tlbEntry{}, 0, cpu.AsException(err)
	}

	pbase := (pte & addrMask) &^ 0xFFF
	entry := tlbEntry{
		vpage:    vaddr &^ 0xFFF,
		ppage:    pbase,
		user:     effUser,
		writable: effWritable,
		nx:       effNX,
		global:   m.pgeEnabled() && pte&pteG != 0,
		dirty:    pte&pteD != 0,
		leafAddr: pteAddr,
		leafIs64: true,
	}
	return entry, pbase + (vaddr & 0xFFF), nil
}
