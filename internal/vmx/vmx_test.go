package vmx_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/vtx/internal/emu"
	"github.com/tinyrange/vtx/internal/hv"
	"github.com/tinyrange/vtx/internal/vmx"
)

// testCpu hands each test a distinct processor number; the claim
// registry is process-wide.
var testCpu int

func enabledPerCpu(t *testing.T) (*emu.Hal, *emu.Machine, *vmx.PerCpu) {
	t.Helper()

	hal, err := emu.NewHal(4 << 20)
	if err != nil {
		t.Fatalf("NewHal() error = %v", err)
	}
	t.Cleanup(func() { hal.Close() })

	machine := emu.NewMachine(hal)
	port, err := machine.Ports().Port(testCpu)
	if err != nil {
		t.Fatalf("Port() error = %v", err)
	}
	testCpu++

	percpu, err := vmx.NewPerCpu(hal, port)
	if err != nil {
		t.Fatalf("NewPerCpu() error = %v", err)
	}
	t.Cleanup(func() { percpu.Release() })

	if err := percpu.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	return hal, machine, percpu
}

func revision(t *testing.T, port vmx.Port) uint32 {
	t.Helper()
	basic, err := port.ReadMSR(vmx.MsrVmxBasic)
	if err != nil {
		t.Fatalf("ReadMSR(IA32_VMX_BASIC) error = %v", err)
	}
	return uint32(basic) & 0x7fff_ffff
}

func TestVmcsFieldAccess(t *testing.T) {
	hal, _, percpu := enabledPerCpu(t)

	vmcs, err := vmx.NewVmcs(hal, revision(t, percpu.Port()))
	if err != nil {
		t.Fatalf("NewVmcs() error = %v", err)
	}
	defer vmcs.Free()

	// Field access requires a loaded region.
	if _, err := vmcs.Read(vmx.GuestNWRip); !errors.Is(err, hv.ErrNotLoaded) {
		t.Fatalf("Read() before Load error = %v, want ErrNotLoaded", err)
	}
	if err := vmcs.Write(vmx.GuestNWRip, 0x7c00); !errors.Is(err, hv.ErrNotLoaded) {
		t.Fatalf("Write() before Load error = %v, want ErrNotLoaded", err)
	}

	if err := vmcs.Load(percpu.Port()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// Loading again on the same processor is a no-op.
	if err := vmcs.Load(percpu.Port()); err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if !vmcs.Loaded() {
		t.Fatal("Loaded() = false after Load")
	}

	if err := vmcs.Write(vmx.GuestNWRip, 0x7c00); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := vmcs.Read(vmx.GuestNWRip)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != 0x7c00 {
		t.Errorf("rip = %#x, want 0x7c00", got)
	}

	// 32-bit fields truncate on write.
	if err := vmcs.Write(vmx.Guest32CsLimit, 0x5_0000_ffff); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err = vmcs.Read(vmx.Guest32CsLimit)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != 0x0000_ffff {
		t.Errorf("cs limit = %#x, want 0xffff", got)
	}

	// Exit-information fields are read-only.
	if err := vmcs.Write(vmx.ReadOnly32ExitReason, 12); !errors.Is(err, hv.ErrInvalidField) {
		t.Errorf("Write(exit reason) error = %v, want ErrInvalidField", err)
	}

	if err := vmcs.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if vmcs.Loaded() {
		t.Fatal("Loaded() = true after Clear")
	}
}

func TestVmcsCrossProcessorLoad(t *testing.T) {
	hal, machine, percpu := enabledPerCpu(t)

	vmcs, err := vmx.NewVmcs(hal, revision(t, percpu.Port()))
	if err != nil {
		t.Fatalf("NewVmcs() error = %v", err)
	}
	defer vmcs.Free()

	if err := vmcs.Load(percpu.Port()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	other, err := machine.Ports().Port(testCpu)
	if err != nil {
		t.Fatalf("Port() error = %v", err)
	}
	testCpu++

	if err := vmcs.Load(other); err == nil {
		t.Fatal("Load() on a second processor succeeded, want error")
	}
}

func TestSetControl(t *testing.T) {
	hal, _, percpu := enabledPerCpu(t)

	vmcs, err := vmx.NewVmcs(hal, revision(t, percpu.Port()))
	if err != nil {
		t.Fatalf("NewVmcs() error = %v", err)
	}
	defer vmcs.Free()
	if err := vmcs.Load(percpu.Port()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// allowed0 = 0x16 (fixed on), allowed1 = 0xff (may be on).
	const capability = uint64(0xff)<<32 | 0x16

	if err := vmcs.SetControl(vmx.Control32Pinbased, capability, 0xc0, 0x8, 0x20); err != nil {
		t.Fatalf("SetControl() error = %v", err)
	}
	got, err := vmcs.Read(vmx.Control32Pinbased)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	// Fixed-on 0x16, requested 0x8, and 0xc0 carried over from old.
	if got != 0xde {
		t.Errorf("control = %#x, want 0xde", got)
	}

	if err := vmcs.SetControl(vmx.Control32Pinbased, capability, 0, 0x8, 0x8); !errors.Is(err, hv.ErrInvalidField) {
		t.Errorf("SetControl(conflict) error = %v, want ErrInvalidField", err)
	}
	if err := vmcs.SetControl(vmx.Control32Pinbased, capability, 0, 0x100, 0); !errors.Is(err, hv.ErrInvalidField) {
		t.Errorf("SetControl(unsupported bit) error = %v, want ErrInvalidField", err)
	}
	if err := vmcs.SetControl(vmx.Control32Pinbased, capability, 0, 0, 0x2); !errors.Is(err, hv.ErrInvalidField) {
		t.Errorf("SetControl(clear fixed-on bit) error = %v, want ErrInvalidField", err)
	}
}

func TestEntryFailure(t *testing.T) {
	hal, _, percpu := enabledPerCpu(t)

	// A zeroed guest state fails the entry checks: the link pointer is
	// not all-ones and RFLAGS bit 1 is clear.
	vmcs, err := vmx.NewVmcs(hal, revision(t, percpu.Port()))
	if err != nil {
		t.Fatalf("NewVmcs() error = %v", err)
	}
	defer vmcs.Free()
	if err := vmcs.Load(percpu.Port()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var regs vmx.GeneralRegisters
	if err := vmcs.Enter(&regs); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}

	reason, raw, err := vmcs.ExitReason()
	if err != nil {
		t.Fatalf("ExitReason() error = %v", err)
	}
	if raw&(1<<31) == 0 {
		t.Error("entry-failure flag not set in raw exit reason")
	}
	if reason != vmx.ExitReasonEntryFailGuest {
		t.Errorf("reason = %v (%d), want invalid guest state", reason, uint16(reason))
	}
}

func TestLaunchStateErrors(t *testing.T) {
	hal, _, percpu := enabledPerCpu(t)

	vmcs, err := vmx.NewVmcs(hal, revision(t, percpu.Port()))
	if err != nil {
		t.Fatalf("NewVmcs() error = %v", err)
	}
	defer vmcs.Free()

	var regs vmx.GeneralRegisters
	if err := vmcs.Enter(&regs); !errors.Is(err, hv.ErrNotLoaded) {
		t.Fatalf("Enter() before Load error = %v, want ErrNotLoaded", err)
	}

	if err := vmcs.Load(percpu.Port()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// VMRESUME of a clear region straight through the port.
	err = percpu.Port().Resume(&regs)
	var ierr *vmx.InstructionError
	if !errors.As(err, &ierr) {
		t.Fatalf("Resume() error = %v, want InstructionError", err)
	}
	if ierr.Code != 5 {
		t.Errorf("Code = %d, want 5", ierr.Code)
	}
	if !strings.Contains(ierr.Error(), "VMRESUME") {
		t.Errorf("Error() = %q, want mention of VMRESUME", ierr.Error())
	}
}

func TestInstructionErrorString(t *testing.T) {
	err := &vmx.InstructionError{Op: "VMPTRLD", Code: 11}
	if !strings.Contains(err.Error(), "revision") {
		t.Errorf("Error() = %q, want revision mismatch text", err.Error())
	}

	invalid := &vmx.InstructionError{Op: "VMCLEAR"}
	if !strings.Contains(invalid.Error(), "invalid VMCS pointer") {
		t.Errorf("Error() = %q, want VMfailInvalid text", invalid.Error())
	}
}

func TestMsrBitmap(t *testing.T) {
	hal, err := emu.NewHal(1 << 20)
	if err != nil {
		t.Fatalf("NewHal() error = %v", err)
	}
	defer hal.Close()

	b, err := vmx.NewMsrBitmap(hal)
	if err != nil {
		t.Fatalf("NewMsrBitmap() error = %v", err)
	}
	defer b.Free()

	// A fresh bitmap intercepts every covered MSR in both directions.
	if !b.ReadIntercepted(0x1b) || !b.WriteIntercepted(0x1b) {
		t.Error("fresh bitmap passes MSR 0x1b through")
	}
	if !b.ReadIntercepted(0xc000_0080) || !b.WriteIntercepted(0xc000_0080) {
		t.Error("fresh bitmap passes MSR 0xc0000080 through")
	}

	b.SetRead(0x1b, false)
	if b.ReadIntercepted(0x1b) {
		t.Error("SetRead(false) did not open a read pass-through")
	}
	if !b.WriteIntercepted(0x1b) {
		t.Error("SetRead(false) also opened writes")
	}
	b.SetRead(0x1b, true)
	if !b.ReadIntercepted(0x1b) {
		t.Error("SetRead(true) did not restore interception")
	}

	// The high range has its own quadrants.
	b.SetWrite(0xc000_0080, false)
	if b.WriteIntercepted(0xc000_0080) {
		t.Error("high-range write pass-through did not take")
	}
	if !b.ReadIntercepted(0xc000_0080) {
		t.Error("high-range write pass-through leaked into reads")
	}

	b.Set(0x277, false)
	if b.ReadIntercepted(0x277) || b.WriteIntercepted(0x277) {
		t.Error("Set(false) did not open both directions")
	}

	// MSRs outside both ranges always exit; pass-through requests for
	// them are no-ops.
	b.Set(0x2000, false)
	if !b.ReadIntercepted(0x2000) || !b.WriteIntercepted(0x4000_0000) {
		t.Error("uncovered MSR not reported as intercepted")
	}
}

func TestIoBitmap(t *testing.T) {
	hal, err := emu.NewHal(1 << 20)
	if err != nil {
		t.Fatalf("NewHal() error = %v", err)
	}
	defer hal.Close()

	b, err := vmx.NewIoBitmap(hal)
	if err != nil {
		t.Fatalf("NewIoBitmap() error = %v", err)
	}
	defer b.Free()

	// A fresh pair intercepts every port in both bitmaps.
	if !b.Intercepted(0x3f8) || !b.Intercepted(0x9000) {
		t.Error("fresh bitmap passes a port through")
	}

	b.Set(0x3f8, false)
	if b.Intercepted(0x3f8) {
		t.Error("Set(false) did not open the port")
	}
	if !b.Intercepted(0x3f9) {
		t.Error("Set(false) leaked into the next port")
	}
	b.Set(0x3f8, true)
	if !b.Intercepted(0x3f8) {
		t.Error("Set(true) did not restore interception")
	}

	// Ports above 0x7fff live in bitmap B.
	b.Set(0x9000, false)
	if b.Intercepted(0x9000) {
		t.Error("bitmap-B pass-through did not take")
	}

	b.SetRange(0x60, 16, false)
	for port := uint16(0x60); port < 0x70; port++ {
		if b.Intercepted(port) {
			t.Errorf("port %#x in range still intercepted", port)
		}
	}
	b.SetRange(0x60, 16, true)
	if !b.Intercepted(0x64) {
		t.Error("SetRange(true) did not restore interception")
	}
}

func TestExitReasonString(t *testing.T) {
	if got := vmx.ExitReasonHlt.String(); got != "HLT" {
		t.Errorf("String() = %q, want HLT", got)
	}
	if got := vmx.ExitReason(999).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
}

func TestPerCpuDisableRollsBack(t *testing.T) {
	_, _, percpu := enabledPerCpu(t)

	if err := percpu.Disable(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if percpu.Enabled() {
		t.Fatal("Enabled() = true after Disable")
	}

	// The processor left VMX operation, so a second cycle works.
	if err := percpu.Enable(); err != nil {
		t.Fatalf("re-Enable() error = %v", err)
	}
	if err := percpu.Disable(); err != nil {
		t.Fatalf("second Disable() error = %v", err)
	}
}

func TestInterruptibilityTracking(t *testing.T) {
	hal, _, percpu := enabledPerCpu(t)

	vmcs, err := vmx.NewVmcs(hal, revision(t, percpu.Port()))
	if err != nil {
		t.Fatalf("NewVmcs() error = %v", err)
	}
	defer vmcs.Free()
	if err := vmcs.Load(percpu.Port()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// IF clear: not interruptible.
	if err := vmcs.Write(vmx.GuestNWRflags, 0x2); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ok, err := vmcs.InterruptsEnabled()
	if err != nil {
		t.Fatalf("InterruptsEnabled() error = %v", err)
	}
	if ok {
		t.Error("InterruptsEnabled() = true with IF clear")
	}

	// IF set but STI blocking active.
	if err := vmcs.Write(vmx.GuestNWRflags, 0x202); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := vmcs.Write(vmx.Guest32Interruptibility, 0x1); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if ok, _ = vmcs.InterruptsEnabled(); ok {
		t.Error("InterruptsEnabled() = true under STI blocking")
	}

	// AdvanceRIP lifts the blocking.
	if err := vmcs.Write(vmx.GuestNWRip, 0x7c00); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := vmcs.AdvanceRIP(1); err != nil {
		t.Fatalf("AdvanceRIP() error = %v", err)
	}
	rip, err := vmcs.Read(vmx.GuestNWRip)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if rip != 0x7c01 {
		t.Errorf("rip = %#x, want 0x7c01", rip)
	}
	if ok, _ = vmcs.InterruptsEnabled(); !ok {
		t.Error("InterruptsEnabled() = false after AdvanceRIP cleared blocking")
	}
}

func TestInjectEvent(t *testing.T) {
	hal, _, percpu := enabledPerCpu(t)

	vmcs, err := vmx.NewVmcs(hal, revision(t, percpu.Port()))
	if err != nil {
		t.Fatalf("NewVmcs() error = %v", err)
	}
	defer vmcs.Free()
	if err := vmcs.Load(percpu.Port()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	pending, err := vmcs.PendingInjection()
	if err != nil {
		t.Fatalf("PendingInjection() error = %v", err)
	}
	if pending {
		t.Fatal("fresh VMCS reports a pending injection")
	}

	if err := vmcs.InjectEvent(3, 14, 0x2, true); err != nil {
		t.Fatalf("InjectEvent() error = %v", err)
	}
	if pending, _ = vmcs.PendingInjection(); !pending {
		t.Fatal("PendingInjection() = false after InjectEvent")
	}

	info, err := vmcs.Read(vmx.Control32VmentryIntrInfo)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if uint8(info) != 14 {
		t.Errorf("vector = %d, want 14", uint8(info))
	}
	if (uint32(info)>>8)&0x7 != 3 {
		t.Errorf("type = %d, want hardware exception", (uint32(info)>>8)&0x7)
	}
	if info&(1<<11) == 0 {
		t.Error("error-code bit not set")
	}
	errCode, err := vmcs.Read(vmx.Control32VmentryErrcode)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if errCode != 0x2 {
		t.Errorf("error code = %#x, want 0x2", errCode)
	}
}
