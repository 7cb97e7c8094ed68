package jit

import (
	"github.com/colorfulnotion/x86vm/cpu"
	"github.com/colorfulnotion/x86vm/cpu/interp"
	"github.com/colorfulnotion/x86vm/log"
)

// Engine is the execution dispatcher: per step it runs a cached compiled
// block, triggers compilation of a hot address, or falls back to Tier-0.
// It owns the outer run loop for one virtual CPU context.
type Engine struct {
	S     *cpu.State
	Cache *Cache
	Cfg   cpu.JITConfig

	interp *interp.Interp
	bus    cpu.Bus // write-observing wrapper; all guest access goes through it
}

func NewEngine(s *cpu.State, bus cpu.Bus, feat cpu.Features, cfg cpu.JITConfig) *Engine {
	e := &Engine{S: s, Cache: NewCache(cfg), Cfg: cfg}
	e.bus = &observedBus{Bus: bus, cache: e.Cache}
	e.interp = interp.New(s, e.bus, feat)
	return e
}

// Interp exposes the Tier-0 fallback, sharing the engine's observed bus.
func (e *Engine) Interp() *interp.Interp {
	return e.interp
}

// Compile discovers, lowers, and assembles the block at addr.
func Compile(s *cpu.State, bus cpu.Bus, addr uint64, cfg cpu.JITConfig) (*CompiledBlock, error) {
	ir, raw, err := Discover(s, bus, addr, cfg)
	if err != nil {
		return nil, err
	}
	mod, err := Assemble(ir)
	if err != nil {
		return nil, err
	}
	return newCompiledBlock(ir, mod, raw), nil
}

// Step executes one dispatch decision: a compiled block (which may cover
// many instructions) or one interpreted instruction. The returned count is
// the number of guest instructions retired.
func (e *Engine) Step() (cpu.Step, int, error) {
	s := e.S
	if s.Mode == cpu.ModeLong {
		addr := s.RIP // CS base is zero in long mode
		if blk := e.Cache.Lookup(addr); blk != nil {
			return e.runCompiled(blk)
		}
		if !e.Cache.Rejected(addr) && e.Cache.Bump(addr) {
			blk, err := Compile(s, e.bus, addr, e.Cfg)
			if err != nil {
				log.Debug(log.JitMonitoring, "compilation rejected", "addr", addr, "err", err.Error())
				e.Cache.MarkRejected(addr)
			} else {
				e.Cache.Insert(blk)
				return e.runCompiled(blk)
			}
		}
	}
	st, err := e.interp.Step()
	if err != nil {
		return cpu.Step{}, 0, err
	}
	return st, 1, nil
}

func (e *Engine) runCompiled(blk *CompiledBlock) (cpu.Step, int, error) {
	tscBefore := e.S.TSC
	next, err := Run(blk.Code, e.S, e)
	retired := int(e.S.TSC - tscBefore)
	if err != nil {
		return cpu.Step{}, retired, err
	}
	if next != ExitToInterp {
		e.S.RIP = next
	}
	e.S.InhibitInterrupts = false
	return cpu.Branch(), retired, nil
}

// Run dispatches until the instruction budget is exhausted or a
// non-continuing outcome occurs.
func (e *Engine) Run(maxInsts int) (cpu.Step, int, error) {
	total := 0
	var st cpu.Step
	for total < maxInsts {
		var n int
		var err error
		st, n, err = e.Step()
		total += n
		if err != nil {
			return st, total, err
		}
		switch st.Kind {
		case cpu.StepContinue, cpu.StepContinueInhibit, cpu.StepBranch:
		default:
			return st, total, nil
		}
	}
	return st, total, nil
}

// Host hooks: compiled blocks read and write guest memory through the same
// masked helpers Tier-0 uses, over the same observed bus.

func (e *Engine) MemReadU8(addr uint64) (uint8, error) {
	return cpu.ReadU8Masked(e.S, e.bus, addr)
}

func (e *Engine) MemReadU16(addr uint64) (uint16, error) {
	return cpu.ReadU16Masked(e.S, e.bus, addr)
}

func (e *Engine) MemReadU32(addr uint64) (uint32, error) {
	return cpu.ReadU32Masked(e.S, e.bus, addr)
}

func (e *Engine) MemReadU64(addr uint64) (uint64, error) {
	return cpu.ReadU64Masked(e.S, e.bus, addr)
}

func (e *Engine) MemWriteU8(addr uint64, v uint8) error {
	return cpu.WriteU8Masked(e.S, e.bus, addr, v)
}

func (e *Engine) MemWriteU16(addr uint64, v uint16) error {
	return cpu.WriteU16Masked(e.S, e.bus, addr, v)
}

func (e *Engine) MemWriteU32(addr uint64, v uint32) error {
	return cpu.WriteU32Masked(e.S, e.bus, addr, v)
}

func (e *Engine) MemWriteU64(addr uint64, v uint64) error {
	return cpu.WriteU64Masked(e.S, e.bus, addr, v)
}

// observedBus forwards everything to the underlying bus and reports every
// write to the cache for self-modifying-code detection. Write observation
// happens before the store so the stale block can never run again after
// the write completes.
type observedBus struct {
	cpu.Bus
	cache *Cache
}

func (b *observedBus) WriteU8(addr uint64, v uint8) error {
	b.cache.ObserveWrite(addr, 1)
	return b.Bus.WriteU8(addr, v)
}

func (b *observedBus) WriteU16(addr uint64, v uint16) error {
	b.cache.ObserveWrite(addr, 2)
	return b.Bus.WriteU16(addr, v)
}

func (b *observedBus) WriteU32(addr uint64, v uint32) error {
	b.cache.ObserveWrite(addr, 4)
	return b.Bus.WriteU32(addr, v)
}

func (b *observedBus) WriteU64(addr uint64, v uint64) error {
	b.cache.ObserveWrite(addr, 8)
	return b.Bus.WriteU64(addr, v)
}

func (b *observedBus) WriteU128(addr uint64, v cpu.U128) error {
	b.cache.ObserveWrite(addr, 16)
	return b.Bus.WriteU128(addr, v)
}

func (b *observedBus) AtomicRMW8(addr uint64, fn func(uint8) (uint8, uint64)) (uint64, error) {
	b.cache.ObserveWrite(addr, 1)
	return b.Bus.AtomicRMW8(addr, fn)
}

func (b *observedBus) AtomicRMW16(addr uint64, fn func(uint16) (uint16, uint64)) (uint64, error) {
	b.cache.ObserveWrite(addr, 2)
	return b.Bus.AtomicRMW16(addr, fn)
}

func (b *observedBus) AtomicRMW32(addr uint64, fn func(uint32) (uint32, uint64)) (uint64, error) {
	b.cache.ObserveWrite(addr, 4)
	return b.Bus.AtomicRMW32(addr, fn)
}

func (b *observedBus) AtomicRMW64(addr uint64, fn func(uint64) (uint64, uint64)) (uint64, error) {
	b.cache.ObserveWrite(addr, 8)
	return b.Bus.AtomicRMW64(addr, fn)
}

func (b *observedBus) AtomicRMW128(addr uint64, fn func(cpu.U128) (cpu.U128, uint64)) (uint64, error) {
	b.cache.ObserveWrite(addr, 16)
	return b.Bus.AtomicRMW128(addr, fn)
}
