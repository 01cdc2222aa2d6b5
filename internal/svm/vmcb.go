// Package svm is the AMD-V rendition of the vCPU engine: the same
// host-facing lifecycle and exits as the VT-x path, driven through a
// VMCB instead of a VMCS.
package svm

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vtx/internal/hv"
)

// Control-area offsets within the VMCB.
const (
	offInterceptCr    = 0x000
	offInterceptDr    = 0x004
	offInterceptExc   = 0x008
	offInterceptMisc1 = 0x00c
	offInterceptMisc2 = 0x010
	offIopmBase       = 0x040
	offMsrpmBase      = 0x048
	offTscOffset      = 0x050
	offGuestAsid      = 0x058
	offTlbControl     = 0x05c
	offVIntr          = 0x060
	offIntShadow      = 0x068
	offExitCode       = 0x070
	offExitInfo1      = 0x078
	offExitInfo2      = 0x080
	offExitIntInfo    = 0x088
	offNpEnable       = 0x090
	offEventInj       = 0x0a8
	offNestedCr3      = 0x0b0
	offVmcbClean      = 0x0c0
	offNextRip        = 0x0c8
)

// Intercept bits, misc vector 1 (offset 0x00c).
const (
	interceptIntr     = 1 << 0
	interceptNmi      = 1 << 1
	interceptVintr    = 1 << 4
	interceptCpuid    = 1 << 18
	interceptHlt      = 1 << 24
	interceptIoProt   = 1 << 27
	interceptMsrProt  = 1 << 28
	interceptShutdown = 1 << 31
)

// Intercept bits, misc vector 2 (offset 0x010).
const (
	interceptVmrun   = 1 << 0
	interceptVmmcall = 1 << 1
)

// Save-area offsets. Each segment slot is selector, attributes,
// limit, base.
const (
	offSegEs   = 0x400
	offSegCs   = 0x410
	offSegSs   = 0x420
	offSegDs   = 0x430
	offSegFs   = 0x440
	offSegGs   = 0x450
	offSegGdtr = 0x460
	offSegLdtr = 0x470
	offSegIdtr = 0x480
	offSegTr   = 0x490

	offCpl    = 0x4cb
	offEfer   = 0x4d0
	offCr4    = 0x548
	offCr3    = 0x550
	offCr0    = 0x558
	offDr7    = 0x560
	offDr6    = 0x568
	offRflags = 0x570
	offRip    = 0x578
	offRsp    = 0x5d8
	offRax    = 0x5f8
	offGPat   = 0x668
)

// Exit codes.
const (
	ExitCodeIntr     = 0x60
	ExitCodeVintr    = 0x64
	ExitCodeCpuid    = 0x72
	ExitCodeHlt      = 0x78
	ExitCodeIoio     = 0x7b
	ExitCodeMsr      = 0x7c
	ExitCodeShutdown = 0x7f
	ExitCodeVmrun    = 0x80
	ExitCodeVmmcall  = 0x81
	ExitCodeNpf      = 0x400
)

// EVENTINJ field layout.
const (
	eventInjValid        = 1 << 31
	eventInjErrValid     = 1 << 11
	eventInjTypeShift    = 8
	eventTypeIntr        = 0
	eventTypeException   = 3
	eventInjErrCodeShift = 32
)

// Vmcb owns one 4 KiB virtual machine control block and accesses it
// through typed offsets. Unlike a VMCS the block is plain memory, so
// no load/clear dance guards access, but it still belongs to one
// processor at a time while VMRUN can use it.
type Vmcb struct {
	hal   hv.Hal
	frame hv.PhysAddr
	mem   []byte
}

// NewVmcb allocates a zeroed control block.
func NewVmcb(hal hv.Hal) (*Vmcb, error) {
	frame, err := hal.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("svm: allocating vmcb: %w", err)
	}
	mem, err := hal.PhysToVirt(frame)
	if err != nil {
		_ = hal.FreeFrame(frame)
		return nil, fmt.Errorf("svm: mapping vmcb: %w", err)
	}
	return &Vmcb{hal: hal, frame: frame, mem: mem}, nil
}

// Addr returns the physical address handed to VMRUN.
func (v *Vmcb) Addr() hv.PhysAddr { return v.frame }

// Free returns the block's frame to the allocator.
func (v *Vmcb) Free() error {
	if v.frame == 0 {
		return nil
	}
	err := v.hal.FreeFrame(v.frame)
	v.frame = 0
	v.mem = nil
	return err
}

func (v *Vmcb) read32(off int) uint32       { return binary.LittleEndian.Uint32(v.mem[off:]) }
func (v *Vmcb) write32(off int, val uint32) { binary.LittleEndian.PutUint32(v.mem[off:], val) }
func (v *Vmcb) read64(off int) uint64       { return binary.LittleEndian.Uint64(v.mem[off:]) }
func (v *Vmcb) write64(off int, val uint64) { binary.LittleEndian.PutUint64(v.mem[off:], val) }

func (v *Vmcb) ExitCode() uint64  { return v.read64(offExitCode) }
func (v *Vmcb) ExitInfo1() uint64 { return v.read64(offExitInfo1) }
func (v *Vmcb) ExitInfo2() uint64 { return v.read64(offExitInfo2) }
func (v *Vmcb) NextRip() uint64   { return v.read64(offNextRip) }

func (v *Vmcb) Rip() uint64       { return v.read64(offRip) }
func (v *Vmcb) SetRip(val uint64) { v.write64(offRip, val) }
func (v *Vmcb) Rsp() uint64       { return v.read64(offRsp) }
func (v *Vmcb) SetRsp(val uint64) { v.write64(offRsp, val) }
func (v *Vmcb) Rax() uint64       { return v.read64(offRax) }
func (v *Vmcb) SetRax(val uint64) { v.write64(offRax, val) }
func (v *Vmcb) Rflags() uint64    { return v.read64(offRflags) }
func (v *Vmcb) Cr0() uint64       { return v.read64(offCr0) }
func (v *Vmcb) Cr3() uint64       { return v.read64(offCr3) }
func (v *Vmcb) Cr4() uint64       { return v.read64(offCr4) }

// InterruptShadow reports whether the guest is in an STI/MOV-SS
// shadow.
func (v *Vmcb) InterruptShadow() bool { return v.read64(offIntShadow)&0x1 != 0 }

// setSegment fills one save-area segment slot.
func (v *Vmcb) setSegment(off int, selector, attrib uint16, limit uint32, base uint64) {
	binary.LittleEndian.PutUint16(v.mem[off:], selector)
	binary.LittleEndian.PutUint16(v.mem[off+2:], attrib)
	binary.LittleEndian.PutUint32(v.mem[off+4:], limit)
	binary.LittleEndian.PutUint64(v.mem[off+8:], base)
}

// Reset programs the block for an unrestricted real-mode guest
// starting at entry: intercepts the engine depends on, nested paging
// rooted at npRoot and the flat 16-bit segment state.
func (v *Vmcb) Reset(entry hv.GuestPhys, npRoot hv.PhysAddr, iopm, msrpm hv.PhysAddr, asid uint32) {
	v.write32(offInterceptMisc1,
		interceptIntr|interceptNmi|interceptCpuid|interceptHlt|
			interceptIoProt|interceptMsrProt|interceptShutdown)
	v.write32(offInterceptMisc2, interceptVmrun|interceptVmmcall)

	v.write64(offIopmBase, uint64(iopm))
	v.write64(offMsrpmBase, uint64(msrpm))
	v.write32(offGuestAsid, asid)
	v.write64(offNpEnable, 1)
	v.write64(offNestedCr3, uint64(npRoot))

	v.setSegment(offSegCs, 0, 0x9b, 0xffff, 0)
	for _, off := range []int{offSegEs, offSegSs, offSegDs, offSegFs, offSegGs} {
		v.setSegment(off, 0, 0x93, 0xffff, 0)
	}
	v.setSegment(offSegLdtr, 0, 0x82, 0xffff, 0)
	v.setSegment(offSegTr, 0, 0x8b, 0xffff, 0)
	v.setSegment(offSegGdtr, 0, 0, 0xffff, 0)
	v.setSegment(offSegIdtr, 0, 0, 0xffff, 0)

	v.write64(offCr0, 0x30) // ET|NE
	v.write64(offCr3, 0)
	v.write64(offCr4, 0)
	v.write64(offDr7, 0x400)
	v.write64(offDr6, 0xffff0ff0)
	v.write64(offEfer, eferSvme) // required set in guest EFER
	v.write64(offRflags, 0x2)
	v.write64(offRip, uint64(entry))
	v.write64(offRsp, 0)
	v.write64(offRax, 0)
	v.write64(offGPat, 0x0007_0406_0007_0406)
}

// InjectEvent programs EVENTINJ for delivery at the next VMRUN.
func (v *Vmcb) InjectEvent(eventType uint32, vector uint8, errCode uint32, hasErr bool) {
	inj := uint64(eventInjValid) | uint64(eventType)<<eventInjTypeShift | uint64(vector)
	if hasErr {
		inj |= eventInjErrValid | uint64(errCode)<<eventInjErrCodeShift
	}
	v.write64(offEventInj, inj)
}

// PendingInjection reports whether EVENTINJ still holds an undelivered
// event.
func (v *Vmcb) PendingInjection() bool {
	return v.read64(offEventInj)&eventInjValid != 0
}

// SetVIntr arms or disarms the virtual-interrupt window: VINTR
// intercepts fire once the guest can take an interrupt.
func (v *Vmcb) SetVIntr(enable bool) {
	misc1 := v.read32(offInterceptMisc1)
	vintr := v.read64(offVIntr)
	if enable {
		misc1 |= interceptVintr
		vintr |= 1 << 8 // V_IRQ
	} else {
		misc1 &^= uint32(interceptVintr)
		vintr &^= uint64(1 << 8)
	}
	v.write32(offInterceptMisc1, misc1)
	v.write64(offVIntr, vintr)
}

// InterruptsEnabled reports whether the guest can take an interrupt.
func (v *Vmcb) InterruptsEnabled() bool {
	return v.Rflags()&(1<<9) != 0 && !v.InterruptShadow()
}

// Advance moves RIP past the exiting instruction using the
// next-sequential-RIP the hardware saved, or the given length when it
// did not.
func (v *Vmcb) Advance(length uint8) {
	if next := v.NextRip(); next != 0 {
		v.SetRip(next)
	} else {
		v.SetRip(v.Rip() + uint64(length))
	}
	v.write64(offIntShadow, 0)
}
