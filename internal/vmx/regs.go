package vmx

import "github.com/tinyrange/vtx/internal/hv"

// GeneralRegisters is the guest general-purpose register snapshot
// exchanged with hardware around VM-entry. Field order matches the
// entry/exit trampoline's stack layout and must not change. RSP and RIP
// live in the VMCS, not here; the Rsp slot only pads the layout.
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

// Get returns the register selected by a hardware register index, the
// encoding used in CR-access and similar exit qualifications.
func (r *GeneralRegisters) Get(index int) uint64 {
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

// Set stores into the register selected by a hardware register index.
func (r *GeneralRegisters) Set(index int, value uint64) {
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

// toMap writes the snapshot into a host-facing register map. RSP and
// RIP come from the VMCS and are filled in by the caller.
func (r *GeneralRegisters) toMap(out hv.Regs) {
	for i, name := range gprNames {
		if name == "rsp" {
			continue
		}
		out[name] = r.Get(i)
	}
}

// fromMap applies a host-facing register map to the snapshot. Unknown
// names are the caller's problem; "rsp", "rip" and "rflags" belong to
// the VMCS and are skipped here.
func (r *GeneralRegisters) fromMap(in hv.Regs) {
	for i, name := range gprNames {
		if name == "rsp" {
			continue
		}
		if v, ok := in[name]; ok {
			r.Set(i, v)
		}
	}
}
