package cpu

// Architectural register/flag/control state for one virtual CPU. Pure data:
// the interpreter and compiled blocks are the only mutators, and a State is
// never shared across concurrently executing contexts.

// CpuMode is the operating mode the core executes in.
type CpuMode int

const (
	ModeReal CpuMode = iota
	ModeVm86
	ModeProtected
	ModeCompat
	ModeLong
)

func (m CpuMode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeVm86:
		return "vm86"
	case ModeProtected:
		return "protected"
	case ModeCompat:
		return "compat"
	case ModeLong:
		return "long"
	default:
		return "unknown"
	}
}

// General purpose register indices, in hardware encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	GPRCount
)

// RFLAGS bits.
const (
	FlagCF uint64 = 1 << 0
	FlagPF uint64 = 1 << 2
	FlagAF uint64 = 1 << 4
	FlagZF uint64 = 1 << 6
	FlagSF uint64 = 1 << 7
	FlagTF uint64 = 1 << 8
	FlagIF uint64 = 1 << 9
	FlagDF uint64 = 1 << 10
	FlagOF uint64 = 1 << 11
	FlagNT uint64 = 1 << 14
	FlagRF uint64 = 1 << 16
	FlagVM uint64 = 1 << 17
	FlagAC uint64 = 1 << 18
	FlagID uint64 = 1 << 21

	// Bit 1 always reads as set.
	FlagsFixedSet uint64 = 1 << 1
)

// CR0 bits.
const (
	CR0_PE uint64 = 1 << 0
	CR0_MP uint64 = 1 << 1
	CR0_EM uint64 = 1 << 2
	CR0_TS uint64 = 1 << 3
	CR0_NE uint64 = 1 << 5
	CR0_WP uint64 = 1 << 16
	CR0_AM uint64 = 1 << 18
	CR0_PG uint64 = 1 << 31
)

// CR4 bits.
const (
	CR4_VME        uint64 = 1 << 0
	CR4_PSE        uint64 = 1 << 4
	CR4_PAE        uint64 = 1 << 5
	CR4_PGE        uint64 = 1 << 7
	CR4_OSFXSR     uint64 = 1 << 9
	CR4_OSXMMEXCPT uint64 = 1 << 10
	CR4_PCIDE      uint64 = 1 << 17
)

// EFER bits.
const (
	EFER_SCE uint64 = 1 << 0
	EFER_LME uint64 = 1 << 8
	EFER_LMA uint64 = 1 << 10
	EFER_NXE uint64 = 1 << 11
)

// Segment attribute bits (12-bit descriptor attribute layout).
const (
	SegAttrAccessed uint16 = 1 << 0
	SegAttrPresent  uint16 = 1 << 7
	SegAttrLong     uint16 = 1 << 13
	SegAttrDB       uint16 = 1 << 14
	SegAttrGran     uint16 = 1 << 15
)

// Segment register indices.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegCount
)

// Segment is a selector plus its cached descriptor.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attrs    uint16
}

// ControlRegs holds CR0/CR2/CR3/CR4.
type ControlRegs struct {
	CR0 uint64
	CR2 uint64
	CR3 uint64
	CR4 uint64
}

// MsrState holds the MSRs the core reads directly; everything else is an
// assist for the surrounding system.
type MsrState struct {
	EFER   uint64
	FSBase uint64
	GSBase uint64
}

// FpuState is the x87 register bank. Tier-0 models the 8-register stack
// with float64 arithmetic; extended 80-bit precision is outside the guest
// profile this engine targets.
type FpuState struct {
	ST   [8]float64
	Tags [8]uint8 // 0=valid 1=zero 2=special 3=empty
	CW   uint16
	SW   uint16
	Top  uint8
}

// StatusES is the x87 error-summary bit in the status word.
const FpuSwES uint16 = 1 << 7

// PendingException reports whether an unmasked x87 exception is latched.
func (f *FpuState) PendingException() bool {
	return f.SW&FpuSwES != 0
}

// Init resets the FPU to its FNINIT state.
func (f *FpuState) Init() {
	f.CW = 0x037F
	f.SW = 0
	f.Top = 0
	for i := range f.Tags {
		f.Tags[i] = 3
	}
}

// SseState is the XMM register bank plus MXCSR.
type SseState struct {
	XMM   [16]U128
	MXCSR uint32
}

// State is the full architectural state of one virtual CPU.
type State struct {
	Mode CpuMode

	GPR    [GPRCount]uint64
	RIP    uint64
	RFLAGS uint64

	Segments [SegCount]Segment
	Control  ControlRegs
	MSR      MsrState

	FPU FpuState
	SSE SseState

	// A20 gate: when false in real/vm86 mode, bit 20 of every linear
	// address is forced low (1MiB wraparound).
	A20Enabled bool

	// One-instruction interrupt shadow after MOV SS / POP SS class updates.
	InhibitInterrupts bool

	// Legacy IRQ13-style x87 error signal, latched when CR0.NE is clear.
	FpuErrorLatched bool

	TSC uint64
}

// NewState returns a reset State in the given mode.
func NewState(mode CpuMode) *State {
	s := &State{
		Mode:       mode,
		RFLAGS:     FlagsFixedSet,
		A20Enabled: true,
	}
	s.FPU.Init()
	s.SSE.MXCSR = 0x1F80
	s.Segments[SegCS].Limit = 0xFFFF
	for i := range s.Segments {
		s.Segments[i].Limit = 0xFFFF
	}
	switch mode {
	case ModeProtected, ModeCompat:
		s.Control.CR0 |= CR0_PE
		s.Segments[SegCS].Attrs = SegAttrPresent | SegAttrDB
	case ModeLong:
		s.Control.CR0 |= CR0_PE | CR0_PG
		s.Control.CR4 |= CR4_PAE
		s.MSR.EFER |= EFER_LME | EFER_LMA
		s.Segments[SegCS].Attrs = SegAttrPresent | SegAttrLong
	case ModeVm86:
		s.Control.CR0 |= CR0_PE
		s.RFLAGS |= FlagVM
	}
	return s
}

// CPL is the current privilege level. Vm86 always runs at 3; real mode at 0.
func (s *State) CPL() uint8 {
	switch s.Mode {
	case ModeReal:
		return 0
	case ModeVm86:
		return 3
	default:
		return uint8(s.Segments[SegCS].Selector & 3)
	}
}

// Bitness is the default operand/address width implied by the current code
// segment: 16 in real/vm86, 64 in long mode, else the CS D bit decides.
func (s *State) Bitness() int {
	switch s.Mode {
	case ModeReal, ModeVm86:
		return 16
	case ModeLong:
		return 64
	default:
		if s.Segments[SegCS].Attrs&SegAttrDB != 0 {
			return 32
		}
		return 16
	}
}

// IPMask masks the instruction pointer to the width of the code segment.
func (s *State) IPMask() uint64 {
	switch s.Bitness() {
	case 16:
		return 0xFFFF
	case 32:
		return 0xFFFF_FFFF
	default:
		return ^uint64(0)
	}
}

// UpdateMode recomputes Mode and EFER.LMA from CR0/CR4/EFER/RFLAGS/CS, after
// a control register or segment change.
func (s *State) UpdateMode() {
	if s.Control.CR0&CR0_PE == 0 {
		s.Mode = ModeReal
		s.MSR.EFER &^= EFER_LMA
		return
	}
	longActive := s.MSR.EFER&EFER_LME != 0 && s.Control.CR4&CR4_PAE != 0 && s.Control.CR0&CR0_PG != 0
	if longActive {
		s.MSR.EFER |= EFER_LMA
		if s.Segments[SegCS].Attrs&SegAttrLong != 0 {
			s.Mode = ModeLong
		} else {
			s.Mode = ModeCompat
		}
		return
	}
	s.MSR.EFER &^= EFER_LMA
	if s.RFLAGS&FlagVM != 0 {
		s.Mode = ModeVm86
	} else {
		s.Mode = ModeProtected
	}
}

// GetFlag reports whether the given RFLAGS bit is set.
func (s *State) GetFlag(mask uint64) bool {
	return s.RFLAGS&mask != 0
}

// SetFlag sets or clears the given RFLAGS bit.
func (s *State) SetFlag(mask uint64, v bool) {
	if v {
		s.RFLAGS |= mask
	} else {
		s.RFLAGS &^= mask
	}
}

// MaskBits returns a mask with the low bits set for an operand width.
func MaskBits(bits int) uint64 {
	switch bits {
	case 8:
		return 0xFF
	case 16:
		return 0xFFFF
	case 32:
		return 0xFFFF_FFFF
	default:
		return ^uint64(0)
	}
}

// ReadGPR reads a register at the given width. High-byte forms (AH..BH) go
// through ReadGPR8H.
func (s *State) ReadGPR(idx int, bits int) uint64 {
	return s.GPR[idx] & MaskBits(bits)
}

// WriteGPR writes a register at the given width with x86 merge semantics:
// 32-bit writes zero the upper half, 8/16-bit writes preserve it.
func (s *State) WriteGPR(idx int, bits int, val uint64) {
	switch bits {
	case 8:
		s.GPR[idx] = (s.GPR[idx] &^ 0xFF) | (val & 0xFF)
	case 16:
		s.GPR[idx] = (s.GPR[idx] &^ 0xFFFF) | (val & 0xFFFF)
	case 32:
		s.GPR[idx] = val & 0xFFFF_FFFF
	default:
		s.GPR[idx] = val
	}
}

// ReadGPR8H reads the legacy high-byte register AH/CH/DH/BH (idx 0..3).
func (s *State) ReadGPR8H(idx int) uint64 {
	return (s.GPR[idx] >> 8) & 0xFF
}

// WriteGPR8H writes the legacy high-byte register AH/CH/DH/BH (idx 0..3).
func (s *State) WriteGPR8H(idx int, val uint64) {
	s.GPR[idx] = (s.GPR[idx] &^ 0xFF00) | ((val & 0xFF) << 8)
}

// SegBase returns the base used for address formation through a segment.
// In long mode only FS/GS contribute, from their MSR-backed bases.
func (s *State) SegBase(seg int) uint64 {
	if s.Mode == ModeLong {
		switch seg {
		case SegFS:
			return s.MSR.FSBase
		case SegGS:
			return s.MSR.GSBase
		default:
			return 0
		}
	}
	return s.Segments[seg].Base
}

// LoadSegmentReal performs a real/vm86 mode segment register load.
func (s *State) LoadSegmentReal(seg int, selector uint16) {
	s.Segments[seg].Selector = selector
	s.Segments[seg].Base = uint64(selector) << 4
	s.Segments[seg].Limit = 0xFFFF
}

// StackPtrBits is the width of the stack pointer, from the SS descriptor.
func (s *State) StackPtrBits() int {
	switch s.Mode {
	case ModeReal, ModeVm86:
		return 16
	case ModeLong:
		return 64
	default:
		if s.Segments[SegSS].Attrs&SegAttrDB != 0 {
			return 32
		}
		return 16
	}
}

// StackPtr reads RSP at stack width.
func (s *State) StackPtr() uint64 {
	return s.GPR[RSP] & MaskBits(s.StackPtrBits())
}

// SetStackPtr writes RSP at stack width.
func (s *State) SetStackPtr(v uint64) {
	s.WriteGPR(RSP, s.StackPtrBits(), v)
}

// ApplyA20 applies architectural linear-address masking.
//
// In non-long modes linear addresses are 32-bit and wrap on overflow. In
// real/vm86 mode with the A20 gate disabled they additionally wrap at 1MiB.
func (s *State) ApplyA20(addr uint64) uint64 {
	if s.Mode != ModeLong {
		addr &= 0xFFFF_FFFF
	}
	if !s.A20Enabled && (s.Mode == ModeReal || s.Mode == ModeVm86) {
		addr &^= 1 << 20
	}
	return addr
}
