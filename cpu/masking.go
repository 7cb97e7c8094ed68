package cpu

// Linear address masking layer. Every multi-byte access the core performs
// goes through Contiguity first: when the full access stays inside one
// contiguous masked region the caller may issue a single bulk bus access at
// the masked start; otherwise the access degrades to a per-byte loop that
// re-applies the mask to each byte address. That keeps 32-bit wraparound and
// the A20 1MiB alias architecturally exact at the cost of bulk speed.

// Contiguity returns the masked start address when an access of length n
// starting at addr stays within one contiguous masked region, and false
// when the access straddles a masking boundary.
func Contiguity(s *State, addr uint64, n int) (uint64, bool) {
	if n <= 1 {
		return s.ApplyA20(addr), true
	}
	span := uint64(n - 1)

	if s.Mode == ModeLong {
		// Masking is a no-op; only u64 overflow of the range matters.
		if addr+span < addr {
			return 0, false
		}
		return addr, true
	}

	start := addr & 0xFFFF_FFFF
	end := start + span
	if end > 0xFFFF_FFFF {
		// Wraps the 32-bit address space.
		return 0, false
	}

	if !s.A20Enabled && (s.Mode == ModeReal || s.Mode == ModeVm86) {
		// Must stay within one 1MiB window so bit 20 is constant.
		if start>>20 != end>>20 {
			return 0, false
		}
		return start &^ (1 << 20), true
	}

	return start, true
}

// ReadU8Masked reads one byte at the masked address.
func ReadU8Masked(s *State, bus Bus, addr uint64) (uint8, error) {
	return bus.ReadU8(s.ApplyA20(addr))
}

func readBytesMasked(s *State, bus Bus, addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := bus.ReadU8(s.ApplyA20(addr + uint64(i)))
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}

// ReadU16Masked reads a word, splitting per byte across masking boundaries.
func ReadU16Masked(s *State, bus Bus, addr uint64) (uint16, error) {
	if masked, ok := Contiguity(s, addr, 2); ok {
		return bus.ReadU16(masked)
	}
	buf, err := readBytesMasked(s, bus, addr, 2)
	if err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func ReadU32Masked(s *State, bus Bus, addr uint64) (uint32, error) {
	if masked, ok := Contiguity(s, addr, 4); ok {
		return bus.ReadU32(masked)
	}
	buf, err := readBytesMasked(s, bus, addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func ReadU64Masked(s *State, bus Bus, addr uint64) (uint64, error) {
	if masked, ok := Contiguity(s, addr, 8); ok {
		return bus.ReadU64(masked)
	}
	buf, err := readBytesMasked(s, bus, addr, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func ReadU128Masked(s *State, bus Bus, addr uint64) (U128, error) {
	if masked, ok := Contiguity(s, addr, 16); ok {
		return bus.ReadU128(masked)
	}
	lo, err := ReadU64Masked(s, bus, addr)
	if err != nil {
		return U128{}, err
	}
	hi, err := ReadU64Masked(s, bus, addr+8)
	if err != nil {
		return U128{}, err
	}
	return U128{Lo: lo, Hi: hi}, nil
}

// WriteU8Masked writes one byte at the masked address.
func WriteU8Masked(s *State, bus Bus, addr uint64, v uint8) error {
	return bus.WriteU8(s.ApplyA20(addr), v)
}

// byteRun is one contiguous masked segment of a wrapped multi-byte write.
type byteRun struct {
	start uint64
	data  []byte
}

// writeBytesMasked commits a multi-byte store that straddles a masking
// boundary. Every contiguous segment is preflighted before any byte is
// written, so the store is atomic with respect to fault recovery: either
// all segments succeed or none are written.
func writeBytesMasked(s *State, bus Bus, addr uint64, data []byte) error {
	runs := make([]byteRun, 0, 2)
	for i, b := range data {
		a := s.ApplyA20(addr + uint64(i))
		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			if last.start+uint64(len(last.data)) == a {
				last.data = append(last.data, b)
				continue
			}
		}
		runs = append(runs, byteRun{start: a, data: []byte{b}})
	}
	for _, r := range runs {
		if err := bus.PreflightWriteBytes(r.start, len(r.data)); err != nil {
			return err
		}
	}
	for _, r := range runs {
		for i, b := range r.data {
			if err := bus.WriteU8(r.start+uint64(i), b); err != nil {
				return err
			}
		}
	}
	return nil
}

func WriteU16Masked(s *State, bus Bus, addr uint64, v uint16) error {
	if masked, ok := Contiguity(s, addr, 2); ok {
		return bus.WriteU16(masked, v)
	}
	return writeBytesMasked(s, bus, addr, []byte{byte(v), byte(v >> 8)})
}

func WriteU32Masked(s *State, bus Bus, addr uint64, v uint32) error {
	if masked, ok := Contiguity(s, addr, 4); ok {
		return bus.WriteU32(masked, v)
	}
	return writeBytesMasked(s, bus, addr, []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
	})
}

func WriteU64Masked(s *State, bus Bus, addr uint64, v uint64) error {
	if masked, ok := Contiguity(s, addr, 8); ok {
		return bus.WriteU64(masked, v)
	}
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
	return writeBytesMasked(s, bus, addr, buf)
}

func WriteU128Masked(s *State, bus Bus, addr uint64, v U128) error {
	if masked, ok := Contiguity(s, addr, 16); ok {
		return bus.WriteU128(masked, v)
	}
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v.Lo >> (8 * i))
		buf[8+i] = byte(v.Hi >> (8 * i))
	}
	return writeBytesMasked(s, bus, addr, buf)
}

// FetchMasked reads up to MaxInstLen instruction bytes at the masked
// address, splitting per byte when the fetch window straddles a masking
// boundary.
func FetchMasked(s *State, bus Bus, addr uint64) ([]byte, error) {
	if masked, ok := Contiguity(s, addr, MaxInstLen); ok {
		return bus.Fetch(masked, MaxInstLen)
	}
	buf := make([]byte, 0, MaxInstLen)
	for i := 0; i < MaxInstLen; i++ {
		chunk, err := bus.Fetch(s.ApplyA20(addr+uint64(i)), 1)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			break
		}
		buf = append(buf, chunk[0])
	}
	return buf, nil
}
