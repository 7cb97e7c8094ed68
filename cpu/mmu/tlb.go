package mmu

// tlbEntry caches one translated 4K page. Large pages are cached at 4K
// granularity: each probed 4K sub-page gets its own entry pointing at the
// shared leaf table entry, which keeps lookup single-probe.
type tlbEntry struct {
	vpage    uint64 // 4K-aligned linear page
	ppage    uint64 // 4K-aligned physical page for this vpage
	user     bool
	writable bool
	nx       bool
	global   bool
	dirty    bool
	leafAddr uint64 // physical address of the leaf table entry
	leafIs64 bool
}

func (e tlbEntry) translate(vaddr uint64) uint64 {
	return e.ppage + (vaddr & 0xFFF)
}

// tlb is a simple unbounded map TLB. Control register loads flush it, so
// growth is bounded by the working set between flushes.
type tlb struct {
	entries map[uint64]tlbEntry
}

func (t *tlb) lookup(vaddr uint64) (tlbEntry, bool) {
	if t.entries == nil {
		return tlbEntry{}, false
	}
	e, ok := t.entries[vaddr&^0xFFF]
	return e, ok
}

func (t *tlb) insert(e tlbEntry) {
	if t.entries == nil {
		t.entries = make(map[uint64]tlbEntry)
	}
	t.entries[e.vpage] = e
}

func (t *tlb) markDirty(vaddr uint64) {
	if e, ok := t.entries[vaddr&^0xFFF]; ok {
		e.dirty = true
		t.entries[vaddr&^0xFFF] = e
	}
}

func (t *tlb) invalidateAddress(vaddr uint64) {
	delete(t.entries, vaddr&^0xFFF)
}

func (t *tlb) flushAll() {
	t.entries = nil
}

func (t *tlb) flushNonGlobal() {
	for k, e := range t.entries {
		if !e.global {
			delete(t.entries, k)
		}
	}
}
