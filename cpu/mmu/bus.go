package mmu

import (
	"encoding/binary"

	"github.com/colorfulnotion/x86vm/cpu"
)

const pageSize = 0x1000

// PagingBus is a cpu.Bus view of physical memory through the paging unit.
// Addresses entering it are linear (post segmentation and A20 masking);
// each access is translated with the current privilege level of the
// attached state, splitting per page when it crosses a page boundary.
type PagingBus struct {
	Mmu   *Mmu
	Phys  cpu.Bus
	State *cpu.State
}

func NewPagingBus(m *Mmu, phys cpu.Bus, st *cpu.State) *PagingBus {
	return &PagingBus{Mmu: m, Phys: phys, State: st}
}

// fault records CR2 in the architectural state on the way out.
func (p *PagingBus) fault(exc *cpu.Exception) error {
	if exc == nil {
		return nil
	}
	if exc.Kind == cpu.ExcPageFault {
		p.State.Control.CR2 = exc.Addr
	}
	return exc
}

func (p *PagingBus) translate(addr uint64, access AccessType) (uint64, error) {
	paddr, exc := p.Mmu.Translate(p.Phys, addr, access, p.State.CPL())
	if exc != nil {
		return 0, p.fault(exc)
	}
	return paddr, nil
}

func samePage(addr uint64, n int) bool {
	return addr&(pageSize-1)+uint64(n) <= pageSize
}

func (p *PagingBus) readBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		paddr, err := p.translate(addr+uint64(i), AccessRead)
		if err != nil {
			return nil, err
		}
		b, err := p.Phys.ReadU8(paddr)
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}

// writeBytes commits a page-crossing store. Every touched page is probed
// for write permission before the first byte lands, so a fault mid-store
// cannot leave a torn write behind.
func (p *PagingBus) writeBytes(addr uint64, data []byte) error {
	if err := p.PreflightWriteBytes(addr, len(data)); err != nil {
		return err
	}
	for i, b := range data {
		paddr, err := p.translate(addr+uint64(i), AccessWrite)
		if err != nil {
			return err
		}
		if err := p.Phys.WriteU8(paddr, b); err != nil {
			return err
		}
	}
	return nil
}

func (p *PagingBus) ReadU8(addr uint64) (uint8, error) {
	paddr, err := p.translate(addr, AccessRead)
	if err != nil {
		return 0, err
	}
	return p.Phys.ReadU8(paddr)
}

func (p *PagingBus) ReadU16(addr uint64) (uint16, error) {
	if samePage(addr, 2) {
		paddr, err := p.translate(addr, AccessRead)
		if err != nil {
			return 0, err
		}
		return p.Phys.ReadU16(paddr)
	}
	buf, err := p.readBytes(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (p *PagingBus) ReadU32(addr uint64) (uint32, error) {
	if samePage(addr, 4) {
		paddr, err := p.translate(addr, AccessRead)
		if err != nil {
			return 0, err
		}
		return p.Phys.ReadU32(paddr)
	}
	buf, err := p.readBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (p *PagingBus) ReadU64(addr uint64) (uint64, error) {
	if samePage(addr, 8) {
		paddr, err := p.translate(addr, AccessRead)
		if err != nil {
			return 0, err
		}
		return p.Phys.ReadU64(paddr)
	}
	buf, err := p.readBytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (p *PagingBus) ReadU128(addr uint64) (cpu.U128, error) {
	if samePage(addr, 16) {
		paddr, err := p.translate(addr, AccessRead)
		if err != nil {
			return cpu.U128{}, err
		}
		return p.Phys.ReadU128(paddr)
	}
	buf, err := p.readBytes(addr, 16)
	if err != nil {
		return cpu.U128{}, err
	}
	return cpu.U128{
		Lo: binary.LittleEndian.Uint64(buf[:8]),
		Hi: binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}

func (p *PagingBus) WriteU8(addr uint64, v uint8) error {
	paddr, err := p.translate(addr, AccessWrite)
	if err != nil {
		return err
	}
	return p.Phys.WriteU8(paddr, v)
}

func (p *PagingBus) WriteU16(addr uint64, v uint16) error {
	if samePage(addr, 2) {
		paddr, err := p.translate(addr, AccessWrite)
		if err != nil {
			return err
		}
		return p.Phys.WriteU16(paddr, v)
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return p.writeBytes(addr, buf[:])
}

func (p *PagingBus) WriteU32(addr uint64, v uint32) error {
	if samePage(addr, 4) {
		paddr, err := p.translate(addr, AccessWrite)
		if err != nil {
			return err
		}
		return p.Phys.WriteU32(paddr, v)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return p.writeBytes(addr, buf[:])
}

func (p *PagingBus) WriteU64(addr uint64, v uint64) error {
	if samePage(addr, 8) {
		paddr, err := p.translate(addr, AccessWrite)
		if err != nil {
			return err
		}
		return p.Phys.WriteU64(paddr, v)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return p.writeBytes(addr, buf[:])
}

func (p *PagingBus) WriteU128(addr uint64, v cpu.U128) error {
	if samePage(addr, 16) {
		paddr, err := p.translate(addr, AccessWrite)
		if err != nil {
			return err
		}
		return p.Phys.WriteU128(paddr, v)
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], v.Lo)
	binary.LittleEndian.PutUint64(buf[8:], v.Hi)
	return p.writeBytes(addr, buf[:])
}

// rmwTranslate resolves the target of a locked operation with write intent.
// A page-crossing locked access is still performed as one unit against the
// two resolved pages, but the fast path requires single-page residency.
func (p *PagingBus) AtomicRMW8(addr uint64, fn func(uint8) (uint8, uint64)) (uint64, error) {
	paddr, err := p.translate(addr, AccessWrite)
	if err != nil {
		return 0, err
	}
	return p.Phys.AtomicRMW8(paddr, fn)
}

func (p *PagingBus) AtomicRMW16(addr uint64, fn func(uint16) (uint16, uint64)) (uint64, error) {
	if samePage(addr, 2) {
		paddr, err := p.translate(addr, AccessWrite)
		if err != nil {
			return 0, err
		}
		return p.Phys.AtomicRMW16(paddr, fn)
	}
	return p.rmwSplit(addr, 2, func(old []byte) ([]byte, uint64) {
		nv, ret := fn(binary.LittleEndian.Uint16(old))
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], nv)
		return buf[:], ret
	})
}

func (p *PagingBus) AtomicRMW32(addr uint64, fn func(uint32) (uint32, uint64)) (uint64, error) {
	if samePage(addr, 4) {
		paddr, err := p.translate(addr, AccessWrite)
		if err != nil {
			return 0, err
		}
		return p.Phys.AtomicRMW32(paddr, fn)
	}
	return p.rmwSplit(addr, 4, func(old []byte) ([]byte, uint64) {
		nv, ret := fn(binary.LittleEndian.Uint32(old))
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], nv)
		return buf[:], ret
	})
}

func (p *PagingBus) AtomicRMW64(addr uint64, fn func(uint64) (uint64, uint64)) (uint64, error) {
	if samePage(addr, 8) {
		paddr, err := p.translate(addr, AccessWrite)
		if err != nil {
			return 0, err
		}
		return p.Phys.AtomicRMW64(paddr, fn)
	}
	return p.rmwSplit(addr, 8, func(old []byte) ([]byte, uint64) {
		nv, ret := fn(binary.LittleEndian.Uint64(old))
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], nv)
		return buf[:], ret
	})
}

func (p *PagingBus) AtomicRMW128(addr uint64, fn func(cpu.U128) (cpu.U128, uint64)) (uint64, error) {
	if samePage(addr, 16) {
		paddr, err := p.translate(addr, AccessWrite)
		if err != nil {
			return 0, err
		}
		return p.Phys.AtomicRMW128(paddr, fn)
	}
	return p.rmwSplit(addr, 16, func(old []byte) ([]byte, uint64) {
		v := cpu.U128{
			Lo: binary.LittleEndian.Uint64(old[:8]),
			Hi: binary.LittleEndian.Uint64(old[8:]),
		}
		nv, ret := fn(v)
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[:8], nv.Lo)
		binary.LittleEndian.PutUint64(buf[8:], nv.Hi)
		return buf[:], ret
	})
}

// rmwSplit handles a locked access that straddles a page boundary: both
// pages are checked for write access before the read, then the update is
// committed byte-wise. Single-threaded execution makes this indivisible.
func (p *PagingBus) rmwSplit(addr uint64, n int, fn func(old []byte) ([]byte, uint64)) (uint64, error) {
	if err := p.PreflightWriteBytes(addr, n); err != nil {
		return 0, err
	}
	old, err := p.readBytes(addr, n)
	if err != nil {
		return 0, err
	}
	nv, ret := fn(old)
	return ret, p.writeBytes(addr, nv)
}

// Fetch translates with execute intent and reads as many of the requested
// bytes as remain accessible. A fault on the first byte is reported; a
// fault mid-window truncates the result so the decoder can fail with the
// bytes it has.
func (p *PagingBus) Fetch(addr uint64, maxLen int) ([]byte, error) {
	if maxLen > cpu.MaxInstLen {
		maxLen = cpu.MaxInstLen
	}
	buf := make([]byte, 0, maxLen)
	for len(buf) < maxLen {
		off := uint64(len(buf))
		want := maxLen - len(buf)
		if room := pageSize - int((addr+off)&(pageSize-1)); want > room {
			want = room
		}
		paddr, err := p.translate(addr+off, AccessExecute)
		if err != nil {
			if len(buf) == 0 {
				return nil, err
			}
			return buf, nil
		}
		chunk, err := p.Phys.Fetch(paddr, want)
		if err != nil {
			if len(buf) == 0 {
				return nil, err
			}
			return buf, nil
		}
		buf = append(buf, chunk...)
		if len(chunk) < want {
			break
		}
	}
	return buf, nil
}

// PreflightWriteBytes probes write permission for each page the range
// touches without setting accessed or dirty bits.
func (p *PagingBus) PreflightWriteBytes(addr uint64, n int) error {
	if n <= 0 {
		return nil
	}
	for off := uint64(0); ; {
		if _, exc := p.Mmu.TranslateProbe(p.Phys, addr+off, AccessWrite, p.State.CPL()); exc != nil {
			return p.fault(exc)
		}
		next := ((addr + off) | (pageSize - 1)) + 1
		if next-addr >= uint64(n) {
			return nil
		}
		off = next - addr
	}
}
