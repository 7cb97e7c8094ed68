package jit

import (
	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/slices"

	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/log"
)

const pageShift = 12

// CompiledBlock is one cached Tier-1 block.
type CompiledBlock struct {
	Start uint64
	IR    *IrBlock
	Code  *Module
	// Pages are the linear pages the block's guest bytes occupy, used for
	// self-modifying-code invalidation.
	Pages []uint64
	// Fingerprint identifies the exact guest bytes the block was compiled
	// from.
	Fingerprint [32]byte
}

// Cache maps instruction pointers to compiled blocks and tracks hotness.
// Per address the states are Untracked, Warming (counter live), Compiled,
// or Rejected; the counter and a cache entry are mutually exclusive.
type Cache struct {
	cfg cpu.JITConfig

	heat     map[uint64]uint64
	blocks   map[uint64]*CompiledBlock
	rejected map[uint64]struct{}

	// codePages is the set of linear pages known to contain compiled
	// code. Any write into one of them clears the whole cache. A store
	// through a second linear mapping of the same physical page is not
	// detected; the embedder handling the control-register assist must
	// call InvalidateAll when the guest remaps code pages.
	codePages map[uint64]struct{}
}

func NewCache(cfg cpu.JITConfig) *Cache {
	return &Cache{
		cfg:       cfg,
		heat:      make(map[uint64]uint64),
		blocks:    make(map[uint64]*CompiledBlock),
		rejected:  make(map[uint64]struct{}),
		codePages: make(map[uint64]struct{}),
	}
}

// Lookup returns the compiled block for addr, if any.
func (c *Cache) Lookup(addr uint64) *CompiledBlock {
	return c.blocks[addr]
}

// Rejected reports whether addr is marked un-jittable.
func (c *Cache) Rejected(addr uint64) bool {
	_, ok := c.rejected[addr]
	return ok
}

// Bump counts one execution at addr and reports whether the address just
// crossed the hotness threshold and should be compiled.
func (c *Cache) Bump(addr uint64) bool {
	c.heat[addr]++
	return c.heat[addr] >= c.cfg.HotThreshold
}

// Insert stores a compiled block, retiring the warming counter and
// recording the block's pages. Re-inserting at the same address replaces
// the old block; at most one block exists per address.
func (c *Cache) Insert(blk *CompiledBlock) {
	delete(c.heat, blk.Start)
	c.blocks[blk.Start] = blk
	for _, p := range blk.Pages {
		c.codePages[p] = struct{}{}
	}
	log.Trace(log.CacheMonitoring, "block compiled",
		"start", blk.Start, "insts", blk.IR.NumInsts, "bytes", blk.IR.ByteLen)
}

// MarkRejected makes addr permanently un-jittable until the next
// invalidation.
func (c *Cache) MarkRejected(addr uint64) {
	delete(c.heat, addr)
	c.rejected[addr] = struct{}{}
}

// ObserveWrite must be called for every guest store. If the written range
// touches any page holding compiled code, the whole cache is invalidated.
func (c *Cache) ObserveWrite(addr uint64, n int) {
	if len(c.codePages) == 0 || n <= 0 {
		return
	}
	first := addr >> pageShift
	last := (addr + uint64(n) - 1) >> pageShift
	for p := first; ; p++ {
		if _, ok := c.codePages[p]; ok {
			log.Debug(log.CacheMonitoring, "self-modifying write, invalidating cache",
				"addr", addr, "len", n)
			c.InvalidateAll()
			return
		}
		if p == last {
			return
		}
	}
}

// InvalidateAll drops every compiled block, every hotness counter, and
// every rejection. Coarse by design: correctness over precision.
func (c *Cache) InvalidateAll() {
	c.heat = make(map[uint64]uint64)
	c.blocks = make(map[uint64]*CompiledBlock)
	c.rejected = make(map[uint64]struct{})
	c.codePages = make(map[uint64]struct{})
}

// Len returns the number of compiled blocks.
func (c *Cache) Len() int {
	return len(c.blocks)
}

// CodePages returns the sorted set of pages holding compiled code.
func (c *Cache) CodePages() []uint64 {
	pages := make([]uint64, 0, len(c.codePages))
	for p := range c.codePages {
		pages = append(pages, p)
	}
	slices.Sort(pages)
	return pages
}

// newCompiledBlock wraps an assembled module with its invalidation pages
// and code fingerprint.
func newCompiledBlock(ir *IrBlock, mod *Module, raw []byte) *CompiledBlock {
	blk := &CompiledBlock{
		Start:       ir.Start,
		IR:          ir,
		Code:        mod,
		Fingerprint: blake2b.Sum256(raw),
	}
	first := ir.Start >> pageShift
	last := (ir.Start + uint64(ir.ByteLen) - 1) >> pageShift
	for p := first; p <= last; p++ {
		blk.Pages = append(blk.Pages, p)
	}
	return blk
}
