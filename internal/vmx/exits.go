package vmx

// ExitReason is the basic exit reason from the VMCS exit-reason field
// (its low 16 bits; the entry-failure flag lives in bit 31 of the raw
// field).
type ExitReason uint16

const (
	ExitReasonExceptionNmi      ExitReason = 0
	ExitReasonExternalInterrupt ExitReason = 1
	ExitReasonTripleFault       ExitReason = 2
	ExitReasonInterruptWindow   ExitReason = 7
	ExitReasonCpuid             ExitReason = 10
	ExitReasonHlt               ExitReason = 12
	ExitReasonVmcall            ExitReason = 18
	ExitReasonCrAccess          ExitReason = 28
	ExitReasonIoInstruction     ExitReason = 30
	ExitReasonMsrRead           ExitReason = 31
	ExitReasonMsrWrite          ExitReason = 32
	ExitReasonEntryFailGuest    ExitReason = 33
	ExitReasonEntryFailMsr      ExitReason = 34
	ExitReasonEptViolation      ExitReason = 48
	ExitReasonEptMisconfig      ExitReason = 49
	ExitReasonPreemptionTimer   ExitReason = 52
)

// entryFailureFlag marks a VM-entry failure in the raw exit reason.
const entryFailureFlag = 1 << 31

func (r ExitReason) String() string {
	switch r {
	case ExitReasonExceptionNmi:
		return "exception or NMI"
	case ExitReasonExternalInterrupt:
		return "external interrupt"
	case ExitReasonTripleFault:
		return "triple fault"
	case ExitReasonInterruptWindow:
		return "interrupt window"
	case ExitReasonCpuid:
		return "CPUID"
	case ExitReasonHlt:
		return "HLT"
	case ExitReasonVmcall:
		return "VMCALL"
	case ExitReasonCrAccess:
		return "control-register access"
	case ExitReasonIoInstruction:
		return "I/O instruction"
	case ExitReasonMsrRead:
		return "RDMSR"
	case ExitReasonMsrWrite:
		return "WRMSR"
	case ExitReasonEntryFailGuest:
		return "entry failure: invalid guest state"
	case ExitReasonEntryFailMsr:
		return "entry failure: MSR loading"
	case ExitReasonEptViolation:
		return "EPT violation"
	case ExitReasonEptMisconfig:
		return "EPT misconfiguration"
	case ExitReasonPreemptionTimer:
		return "preemption timer"
	}
	return "unknown"
}
