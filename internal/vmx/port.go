package vmx

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/hv"
)

// Port is the privileged VMX instruction boundary for one logical
// processor. Everything the engine asks of the hardware goes through a
// Port; nothing else in this package issues privileged operations. The
// native implementation is backed by the ring-0 helper shim, the
// software implementation lives in internal/emu.
//
// Preconditions are the hardware's: Load/Clear/Read/Write/Launch/Resume
// are only meaningful after On, and field access only while a VMCS is
// loaded on this processor.
type Port interface {
	// CPU identifies the logical processor this port drives.
	CPU() int

	// Supported reports the feature-detection probe: VT-x present and
	// usable on this processor.
	Supported() bool

	// On executes VMXON with the given region; Off executes VMXOFF.
	On(region hv.PhysAddr) error
	Off() error

	// Load and Clear bind/unbind a VMCS region (VMPTRLD / VMCLEAR).
	Load(vmcs hv.PhysAddr) error
	Clear(vmcs hv.PhysAddr) error

	// Read and Write access components of the currently loaded VMCS.
	Read(field Field) (uint64, error)
	Write(field Field, value uint64) error

	// Launch and Resume perform VM-entry. The register snapshot is
	// handed to hardware on entry and refreshed in place on exit; on a
	// successful return the next exit's information is readable from
	// the loaded VMCS.
	Launch(regs *GeneralRegisters) error
	Resume(regs *GeneralRegisters) error

	// InvEpt invalidates cached EPT translations for the given root.
	InvEpt(eptp uint64) error

	// ReadMSR / WriteMSR access host MSRs.
	ReadMSR(msr Msr) (uint64, error)
	WriteMSR(msr Msr, value uint64) error

	// CPUID executes the host CPUID instruction.
	CPUID(leaf, sub uint32) CpuidResult

	// ReadCR / WriteCR access host control registers 0, 3 and 4.
	ReadCR(n int) (uint64, error)
	WriteCR(n int, value uint64) error
}

// PortSource hands out one Port per logical processor.
type PortSource interface {
	Port(cpu int) (Port, error)
	Close() error
}

// CpuidResult is the four-register CPUID output.
type CpuidResult struct {
	Eax, Ebx, Ecx, Edx uint32
}

// InstructionError is a decoded VMfail from a privileged VMX
// instruction (SDM Vol. 3C, Section 31.4). It is always surfaced and
// never retried; re-issuing the instruction without correcting the
// underlying condition reproduces the same failure.
type InstructionError struct {
	Op   string // mnemonic of the failing instruction
	Code uint32 // VM-instruction error number, 0 if VMfailInvalid
}

func (e *InstructionError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("vmx: %s failed with invalid VMCS pointer", e.Op)
	}
	return fmt.Sprintf("vmx: %s failed: %s (%d)", e.Op, instructionErrorString(e.Code), e.Code)
}

func instructionErrorString(code uint32) string {
	switch code {
	case 1:
		return "VMCALL executed in VMX root operation"
	case 2:
		return "VMCLEAR with invalid physical address"
	case 3:
		return "VMCLEAR with VMXON pointer"
	case 4:
		return "VMLAUNCH with non-clear VMCS"
	case 5:
		return "VMRESUME with non-launched VMCS"
	case 6:
		return "VMRESUME after VMXOFF"
	case 7:
		return "VM entry with invalid control fields"
	case 8:
		return "VM entry with invalid host-state fields"
	case 9:
		return "VMPTRLD with invalid physical address"
	case 10:
		return "VMPTRLD with VMXON pointer"
	case 11:
		return "VMPTRLD with incorrect VMCS revision identifier"
	case 12:
		return "read/write from/to unsupported VMCS component"
	case 13:
		return "VMWRITE to read-only VMCS component"
	case 15:
		return "VMXON executed in VMX root operation"
	case 16:
		return "VM entry with invalid executive-VMCS pointer"
	case 17:
		return "VM entry with non-launched executive VMCS"
	case 18:
		return "VM entry with executive-VMCS pointer not VMXON pointer"
	case 19:
		return "VMCALL with non-clear VMCS"
	case 20:
		return "VMCALL with invalid VM-exit control fields"
	case 22:
		return "VMCALL with incorrect MSEG revision identifier"
	case 23:
		return "VMXOFF under dual-monitor treatment"
	case 24:
		return "VMCALL with invalid SMM-monitor features"
	case 25:
		return "VM entry with invalid VM-execution control fields in executive VMCS"
	case 26:
		return "VM entry with events blocked by MOV SS"
	case 28:
		return "invalid operand to INVEPT/INVVPID"
	default:
		return "unknown VM-instruction error"
	}
}
