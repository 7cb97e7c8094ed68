package cpu

import "encoding/binary"

// MaxInstLen is the architectural limit on x86 instruction length.
const MaxInstLen = 15

// U128 is a 128-bit little-endian value (SSE lane pair).
type U128 struct {
	Lo uint64
	Hi uint64
}

// Bus is the memory capability the core executes against. Implementations
// decide what the addresses mean: flat RAM, a paging-translated view, or a
// device-backed MMIO router. The Bus, not the core, provides any locking
// when underlying memory is shared between contexts.
type Bus interface {
	ReadU8(addr uint64) (uint8, error)
	ReadU16(addr uint64) (uint16, error)
	ReadU32(addr uint64) (uint32, error)
	ReadU64(addr uint64) (uint64, error)
	ReadU128(addr uint64) (U128, error)

	WriteU8(addr uint64, v uint8) error
	WriteU16(addr uint64, v uint16) error
	WriteU32(addr uint64, v uint32) error
	WriteU64(addr uint64, v uint64) error
	WriteU128(addr uint64, v U128) error

	// AtomicRMW* applies fn to the current value and stores the result as
	// one indivisible operation. The access is write-intent for fault
	// checking even when the new value equals the old. The second return
	// of fn is passed through to the caller.
	AtomicRMW8(addr uint64, fn func(old uint8) (uint8, uint64)) (uint64, error)
	AtomicRMW16(addr uint64, fn func(old uint16) (uint16, uint64)) (uint64, error)
	AtomicRMW32(addr uint64, fn func(old uint32) (uint32, uint64)) (uint64, error)
	AtomicRMW64(addr uint64, fn func(old uint64) (uint64, uint64)) (uint64, error)
	AtomicRMW128(addr uint64, fn func(old U128) (U128, uint64)) (uint64, error)

	// Fetch reads up to maxLen (<= MaxInstLen) instruction bytes.
	Fetch(addr uint64, maxLen int) ([]byte, error)

	// PreflightWriteBytes checks write permission for [addr, addr+n)
	// without committing anything, so wrapped multi-byte stores can be
	// made all-or-nothing.
	PreflightWriteBytes(addr uint64, n int) error
}

// FlatBus is a flat little-endian RAM bus starting at physical 0. Reads
// beyond the backing store see open-bus 0xFF; writes beyond it fault.
type FlatBus struct {
	RAM []byte
}

// NewFlatBus allocates a flat RAM bus of the given size.
func NewFlatBus(size int) *FlatBus {
	return &FlatBus{RAM: make([]byte, size)}
}

func (b *FlatBus) inRange(addr uint64, n int) bool {
	return addr < uint64(len(b.RAM)) && uint64(len(b.RAM))-addr >= uint64(n)
}

func (b *FlatBus) ReadU8(addr uint64) (uint8, error) {
	if !b.inRange(addr, 1) {
		return 0xFF, nil
	}
	return b.RAM[addr], nil
}

func (b *FlatBus) ReadU16(addr uint64) (uint16, error) {
	if !b.inRange(addr, 2) {
		return b.openBus16(addr), nil
	}
	return binary.LittleEndian.Uint16(b.RAM[addr:]), nil
}

func (b *FlatBus) ReadU32(addr uint64) (uint32, error) {
	if !b.inRange(addr, 4) {
		var buf [4]byte
		b.openBusFill(addr, buf[:])
		return binary.LittleEndian.Uint32(buf[:]), nil
	}
	return binary.LittleEndian.Uint32(b.RAM[addr:]), nil
}

func (b *FlatBus) ReadU64(addr uint64) (uint64, error) {
	if !b.inRange(addr, 8) {
		var buf [8]byte
		b.openBusFill(addr, buf[:])
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
	return binary.LittleEndian.Uint64(b.RAM[addr:]), nil
}

func (b *FlatBus) ReadU128(addr uint64) (U128, error) {
	lo, _ := b.ReadU64(addr)
	hi, _ := b.ReadU64(addr + 8)
	return U128{Lo: lo, Hi: hi}, nil
}

func (b *FlatBus) openBus16(addr uint64) uint16 {
	var buf [2]byte
	b.openBusFill(addr, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

// openBusFill reads the mapped prefix of a range and fills the rest with 0xFF.
func (b *FlatBus) openBusFill(addr uint64, dst []byte) {
	for i := range dst {
		a := addr + uint64(i)
		if a < uint64(len(b.RAM)) {
			dst[i] = b.RAM[a]
		} else {
			dst[i] = 0xFF
		}
	}
}

func (b *FlatBus) WriteU8(addr uint64, v uint8) error {
	if !b.inRange(addr, 1) {
		return GeneralProtection(0)
	}
	b.RAM[addr] = v
	return nil
}

func (b *FlatBus) WriteU16(addr uint64, v uint16) error {
	if !b.inRange(addr, 2) {
		return GeneralProtection(0)
	}
	binary.LittleEndian.PutUint16(b.RAM[addr:], v)
	return nil
}

func (b *FlatBus) WriteU32(addr uint64, v uint32) error {
	if !b.inRange(addr, 4) {
		return GeneralProtection(0)
	}
	binary.LittleEndian.PutUint32(b.RAM[addr:], v)
	return nil
}

func (b *FlatBus) WriteU64(addr uint64, v uint64) error {
	if !b.inRange(addr, 8) {
		return GeneralProtection(0)
	}
	binary.LittleEndian.PutUint64(b.RAM[addr:], v)
	return nil
}

func (b *FlatBus) WriteU128(addr uint64, v U128) error {
	if !b.inRange(addr, 16) {
		return GeneralProtection(0)
	}
	binary.LittleEndian.PutUint64(b.RAM[addr:], v.Lo)
	binary.LittleEndian.PutUint64(b.RAM[addr+8:], v.Hi)
	return nil
}

func (b *FlatBus) AtomicRMW8(addr uint64, fn func(uint8) (uint8, uint64)) (uint64, error) {
	old, err := b.ReadU8(addr)
	if err != nil {
		return 0, err
	}
	if err := b.PreflightWriteBytes(addr, 1); err != nil {
		return 0, err
	}
	nv, ret := fn(old)
	return ret, b.WriteU8(addr, nv)
}

func (b *FlatBus) AtomicRMW16(addr uint64, fn func(uint16) (uint16, uint64)) (uint64, error) {
	old, err := b.ReadU16(addr)
	if err != nil {
		return 0, err
	}
	if err := b.PreflightWriteBytes(addr, 2); err != nil {
		return 0, err
	}
	nv, ret := fn(old)
	return ret, b.WriteU16(addr, nv)
}

func (b *FlatBus) AtomicRMW32(addr uint64, fn func(uint32) (uint32, uint64)) (uint64, error) {
	old, err := b.ReadU32(addr)
	if err != nil {
		return 0, err
	}
	if err := b.PreflightWriteBytes(addr, 4); err != nil {
		return 0, err
	}
	nv, ret := fn(old)
	return ret, b.WriteU32(addr, nv)
}

func (b *FlatBus) AtomicRMW64(addr uint64, fn func(uint64) (uint64, uint64)) (uint64, error) {
	old, err := b.ReadU64(addr)
	if err != nil {
		return 0, err
	}
	if err := b.PreflightWriteBytes(addr, 8); err != nil {
		return 0, err
	}
	nv, ret := fn(old)
	return ret, b.WriteU64(addr, nv)
}

func (b *FlatBus) AtomicRMW128(addr uint64, fn func(U128) (U128, uint64)) (uint64, error) {
	old, err := b.ReadU128(addr)
	if err != nil {
		return 0, err
	}
	if err := b.PreflightWriteBytes(addr, 16); err != nil {
		return 0, err
	}
	nv, ret := fn(old)
	return ret, b.WriteU128(addr, nv)
}

func (b *FlatBus) Fetch(addr uint64, maxLen int) ([]byte, error) {
	if maxLen > MaxInstLen {
		maxLen = MaxInstLen
	}
	buf := make([]byte, maxLen)
	b.openBusFill(addr, buf)
	return buf, nil
}

func (b *FlatBus) PreflightWriteBytes(addr uint64, n int) error {
	if !b.inRange(addr, n) {
		return GeneralProtection(0)
	}
	return nil
}
