package cpu

import "fmt"

// ExceptionKind is the closed set of faults the core can raise.
type ExceptionKind int

const (
	// ExcInvalidOpcode is #UD: undecodable or disallowed encodings.
	ExcInvalidOpcode ExceptionKind = iota
	// ExcDeviceNotAvailable is #NM: the lazy FPU restore trap.
	ExcDeviceNotAvailable
	// ExcX87Fpu is #MF: an unmasked pending x87 exception with CR0.NE set.
	ExcX87Fpu
	// ExcPageFault is #PF, carrying CR2 and the hardware error code.
	ExcPageFault
	// ExcGeneralProtection is #GP.
	ExcGeneralProtection
	// ExcDivideError is #DE: DIV/IDIV by zero or quotient overflow.
	ExcDivideError
	// ExcUnimplemented marks instruction forms outside the supported profile.
	ExcUnimplemented
)

// Page-fault error code bits, per the hardware layout.
const (
	PFErrPresent     uint32 = 1 << 0
	PFErrWrite       uint32 = 1 << 1
	PFErrUser        uint32 = 1 << 2
	PFErrReservedBit uint32 = 1 << 3
	PFErrInstrFetch  uint32 = 1 << 4
)

// Exception is a typed fault result. PageFault carries Addr (the CR2 value)
// and Code; GeneralProtection carries Code; Unimplemented carries Reason.
type Exception struct {
	Kind   ExceptionKind
	Addr   uint64
	Code   uint32
	Reason string
}

func (e *Exception) Error() string {
	switch e.Kind {
	case ExcInvalidOpcode:
		return "#UD invalid opcode"
	case ExcDeviceNotAvailable:
		return "#NM device not available"
	case ExcX87Fpu:
		return "#MF x87 floating point"
	case ExcPageFault:
		return fmt.Sprintf("#PF addr=%#x code=%#x", e.Addr, e.Code)
	case ExcGeneralProtection:
		return fmt.Sprintf("#GP code=%#x", e.Code)
	case ExcDivideError:
		return "#DE divide error"
	case ExcUnimplemented:
		return fmt.Sprintf("unimplemented: %s", e.Reason)
	default:
		return "unknown exception"
	}
}

func InvalidOpcode() *Exception {
	return &Exception{Kind: ExcInvalidOpcode}
}

func DeviceNotAvailable() *Exception {
	return &Exception{Kind: ExcDeviceNotAvailable}
}

func X87Fpu() *Exception {
	return &Exception{Kind: ExcX87Fpu}
}

func PageFault(addr uint64, code uint32) *Exception {
	return &Exception{Kind: ExcPageFault, Addr: addr, Code: code}
}

func GeneralProtection(code uint32) *Exception {
	return &Exception{Kind: ExcGeneralProtection, Code: code}
}

func DivideError() *Exception {
	return &Exception{Kind: ExcDivideError}
}

func Unimplemented(reason string) *Exception {
	return &Exception{Kind: ExcUnimplemented, Reason: reason}
}

// AsException unwraps err into an *Exception, or wraps foreign errors as
// Unimplemented so bus implementations may return plain errors.
func AsException(err error) *Exception {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Exception); ok {
		return e
	}
	return Unimplemented(err.Error())
}
