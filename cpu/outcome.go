package cpu

// AssistReason tags why the interpreter could not complete an instruction
// locally and must hand it to the surrounding emulation layer.
type AssistReason int

const (
	AssistNone AssistReason = iota
	AssistIo                // IN/OUT port access
	AssistCpuid
	AssistMsr        // RDMSR/WRMSR
	AssistInterrupt  // INT n, INTO, IRET, exception delivery
	AssistPrivileged // control/system register moves, descriptor loads
	AssistUnsupported
)

func (r AssistReason) String() string {
	switch r {
	case AssistIo:
		return "io"
	case AssistCpuid:
		return "cpuid"
	case AssistMsr:
		return "msr"
	case AssistInterrupt:
		return "interrupt"
	case AssistPrivileged:
		return "privileged"
	case AssistUnsupported:
		return "unsupported"
	default:
		return "none"
	}
}

// StepKind is the control-flow outcome of a single interpreted instruction.
type StepKind int

const (
	// StepContinue: fall through to the next instruction.
	StepContinue StepKind = iota
	// StepContinueInhibit: fall through, with a one-instruction interrupt
	// shadow (MOV SS / POP SS class updates).
	StepContinueInhibit
	// StepBranch: RIP was rewritten by the instruction.
	StepBranch
	// StepHalt: HLT executed; wait for an interrupt.
	StepHalt
	// StepAssist: the caller must emulate the side effect and resume.
	StepAssist
)

// Step is the outcome of one Tier-0 instruction.
type Step struct {
	Kind   StepKind
	Assist AssistReason
}

func Continue() Step              { return Step{Kind: StepContinue} }
func ContinueInhibit() Step       { return Step{Kind: StepContinueInhibit} }
func Branch() Step                { return Step{Kind: StepBranch} }
func Halt() Step                  { return Step{Kind: StepHalt} }
func Assist(r AssistReason) Step  { return Step{Kind: StepAssist, Assist: r} }
