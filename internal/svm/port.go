package svm

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/hv"
)

// MSRs and bits the lifecycle touches.
const (
	MsrEfer    = 0xc000_0080
	MsrVmHsave = 0xc001_0117

	eferSvme = 1 << 12
)

// Port is the privileged AMD-V boundary for one logical processor:
// EFER.SVME control, the host-save area and VMRUN.
type Port interface {
	CPU() int

	// Supported reports SVM present and not disabled by firmware.
	Supported() bool

	// Run executes VMRUN with the given control block, exchanging the
	// general-purpose registers around the entry. It returns once the
	// guest exits, with the block's exit fields filled in.
	Run(vmcb hv.PhysAddr, regs *GeneralRegisters) error

	ReadMSR(msr uint32) (uint64, error)
	WriteMSR(msr uint32, value uint64) error

	CPUID(leaf, sub uint32) CpuidResult
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

// GeneralRegisters is the register snapshot exchanged around VMRUN.
// RAX and RSP live in the VMCB save area; their slots here are synced
// with it on either side of an entry.
type GeneralRegisters struct {
	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

var gprNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r *GeneralRegisters) get(index int) uint64 {
	switch index {
	case 0:
		return r.Rax
	case 1:
		return r.Rcx
	case 2:
		return r.Rdx
	case 3:
		return r.Rbx
	case 4:
		return r.Rsp
	case 5:
		return r.Rbp
	case 6:
		return r.Rsi
	case 7:
		return r.Rdi
	case 8:
		return r.R8
	case 9:
		return r.R9
	case 10:
		return r.R10
	case 11:
		return r.R11
	case 12:
		return r.R12
	case 13:
		return r.R13
	case 14:
		return r.R14
	case 15:
		return r.R15
	}
	return 0
}

func (r *GeneralRegisters) set(index int, value uint64) {
	switch index {
	case 0:
		r.Rax = value
	case 1:
		r.Rcx = value
	case 2:
		r.Rdx = value
	case 3:
		r.Rbx = value
	case 4:
		r.Rsp = value
	case 5:
		r.Rbp = value
	case 6:
		r.Rsi = value
	case 7:
		r.Rdi = value
	case 8:
		r.R8 = value
	case 9:
		r.R9 = value
	case 10:
		r.R10 = value
	case 11:
		r.R11 = value
	case 12:
		r.R12 = value
	case 13:
		r.R13 = value
	case 14:
		r.R14 = value
	case 15:
		r.R15 = value
	}
}

func (r *GeneralRegisters) toMap(out hv.Regs) {
	for i, name := range gprNames {
		if name == "rax" || name == "rsp" {
			continue
		}
		out[name] = r.get(i)
	}
}

func (r *GeneralRegisters) fromMap(in hv.Regs) {
	for i, name := range gprNames {
		if name == "rax" || name == "rsp" {
			continue
		}
		if v, ok := in[name]; ok {
			r.set(i, v)
		}
	}
}

// NativePorts is the hardware-backed source. The ring-0 helper for
// AMD-V is not wired up yet; probing falls through to the next
// backend.
func NativePorts() (PortSource, error) {
	return nil, fmt.Errorf("svm: no native port: %w", hv.ErrUnsupportedHardware)
}
