package vtx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/vtx"
	"github.com/tinyrange/vtx/internal/vmx"
)

// guest bundles a configured software-machine guest for one test.
type guest struct {
	hal     *vtx.EmulatedHal
	backend vtx.Backend
	machine *vtx.Machine
	percpu  vtx.PerCpu
	tables  *vtx.NestedPageTables
	vcpu    vtx.VCPU
}

// newGuest boots one vCPU on the software machine with the given code
// mapped and execution starting at entry.
func newGuest(t *testing.T, cpu int, policy vtx.Policy, entry vtx.GuestPhys, code []byte) *guest {
	t.Helper()

	hal, err := vtx.NewEmulatedHal(16 << 20)
	if err != nil {
		t.Fatalf("NewEmulatedHal() error = %v", err)
	}
	t.Cleanup(func() { hal.Close() })

	backend, machine := vtx.OpenEmulated(hal)
	t.Cleanup(func() { backend.Close() })

	percpu, err := backend.NewPerCpu(cpu)
	if err != nil {
		t.Fatalf("NewPerCpu(%d) error = %v", cpu, err)
	}
	if err := percpu.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	tables, err := vtx.NewNestedPageTables(hal)
	if err != nil {
		t.Fatalf("NewNestedPageTables() error = %v", err)
	}

	page := entry &^ 0xfff
	frame, err := hal.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame() error = %v", err)
	}
	mem, err := hal.PhysToVirt(frame)
	if err != nil {
		t.Fatalf("PhysToVirt() error = %v", err)
	}
	copy(mem[entry-page:], code)
	if err := tables.Map(page, frame, vtx.AccessExec); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	vcpu, err := backend.NewVCPU(vtx.VCPUConfig{ID: 0, CPU: cpu, Policy: policy})
	if err != nil {
		t.Fatalf("NewVCPU() error = %v", err)
	}
	if err := vcpu.SetEntry(entry); err != nil {
		t.Fatalf("SetEntry() error = %v", err)
	}
	if err := vcpu.SetNestedRoot(tables.Root()); err != nil {
		t.Fatalf("SetNestedRoot() error = %v", err)
	}
	if err := vcpu.Setup(); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	return &guest{hal: hal, backend: backend, machine: machine, percpu: percpu, tables: tables, vcpu: vcpu}
}

func TestHaltAtEntry(t *testing.T) {
	g := newGuest(t, 0, vtx.DefaultPolicy(), 0x7c00, []byte{0xf4}) // hlt

	exit, err := g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := exit.(vtx.ExitHalt); !ok {
		t.Fatalf("Run() exit = %#v, want ExitHalt", exit)
	}

	regs, err := g.vcpu.Regs()
	if err != nil {
		t.Fatalf("Regs() error = %v", err)
	}
	if regs["rip"] != 0x7c01 {
		t.Errorf("rip = %#x, want %#x", regs["rip"], 0x7c01)
	}
}

func TestCpuidHidesVirtualization(t *testing.T) {
	code := []byte{
		0xb8, 0x01, 0x00, // mov ax, 1
		0x0f, 0xa2, // cpuid
		0xf4, // hlt
	}
	g := newGuest(t, 1, vtx.DefaultPolicy(), 0x7c00, code)

	exit, err := g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := exit.(vtx.ExitHalt); !ok {
		t.Fatalf("Run() exit = %#v, want ExitHalt", exit)
	}

	regs, err := g.vcpu.Regs()
	if err != nil {
		t.Fatalf("Regs() error = %v", err)
	}
	if regs["rcx"]&(1<<5) != 0 {
		t.Error("guest CPUID still advertises VMX")
	}
	if regs["rcx"]&(1<<31) == 0 {
		t.Error("guest CPUID does not advertise a hypervisor")
	}
}

func TestInterceptedMsrRead(t *testing.T) {
	const msrApicBase = 0x1b
	code := []byte{
		0xb9, 0x1b, 0x00, // mov cx, 0x1b
		0x0f, 0x32, // rdmsr
		0xf4, // hlt
	}
	g := newGuest(t, 2, vtx.DefaultPolicy(), 0x7c00, code)

	g.vcpu.(*vmx.VCPU).MsrBitmap().Set(msrApicBase, true)

	exit, err := g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rd, ok := exit.(vtx.ExitMSRRead)
	if !ok {
		t.Fatalf("Run() exit = %#v, want ExitMSRRead", exit)
	}
	if rd.MSR != msrApicBase {
		t.Fatalf("MSR = %#x, want %#x", rd.MSR, msrApicBase)
	}

	// Emulate the read and step past the instruction.
	if err := g.vcpu.SetRegs(vtx.Regs{"rax": 0xfee0_0900, "rdx": 0}); err != nil {
		t.Fatalf("SetRegs() error = %v", err)
	}
	if err := g.vcpu.AdvanceRIP(2); err != nil {
		t.Fatalf("AdvanceRIP() error = %v", err)
	}

	exit, err = g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := exit.(vtx.ExitHalt); !ok {
		t.Fatalf("Run() exit = %#v, want ExitHalt", exit)
	}

	regs, err := g.vcpu.Regs()
	if err != nil {
		t.Fatalf("Regs() error = %v", err)
	}
	if regs["rax"] != 0xfee0_0900 {
		t.Errorf("rax = %#x, want %#x", regs["rax"], 0xfee0_0900)
	}
}

func TestUncoveredMsrAlwaysIntercepted(t *testing.T) {
	// 0x2000_0000 is outside both bitmap ranges.
	code := []byte{
		0x0f, 0x32, // rdmsr
		0xf4, // hlt
	}
	g := newGuest(t, 3, vtx.DefaultPolicy(), 0x7c00, code)

	if err := g.vcpu.SetRegs(vtx.Regs{"rcx": 0x2000_0000}); err != nil {
		t.Fatalf("SetRegs() error = %v", err)
	}

	exit, err := g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rd, ok := exit.(vtx.ExitMSRRead)
	if !ok {
		t.Fatalf("Run() exit = %#v, want ExitMSRRead", exit)
	}
	if rd.MSR != 0x2000_0000 {
		t.Fatalf("MSR = %#x", rd.MSR)
	}
}

func TestMmioOnUnmappedRead(t *testing.T) {
	code := []byte{
		0xa1, 0x00, 0x10, // mov ax, [0x1000]
		0xf4, // hlt
	}
	g := newGuest(t, 4, vtx.DefaultPolicy(), 0x7c00, code)

	exit, err := g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	mmio, ok := exit.(vtx.ExitMMIO)
	if !ok {
		t.Fatalf("Run() exit = %#v, want ExitMMIO", exit)
	}
	if mmio.GPA != 0x1000 {
		t.Errorf("GPA = %#x, want 0x1000", mmio.GPA)
	}
	if mmio.Access != vtx.AccessRead {
		t.Errorf("Access = %v, want read", mmio.Access)
	}
	if mmio.InstrLen != 3 {
		t.Errorf("InstrLen = %d, want 3", mmio.InstrLen)
	}

	// Emulate the load and continue.
	if err := g.vcpu.SetRegs(vtx.Regs{"rax": 0x55}); err != nil {
		t.Fatalf("SetRegs() error = %v", err)
	}
	if err := g.vcpu.AdvanceRIP(mmio.InstrLen); err != nil {
		t.Fatalf("AdvanceRIP() error = %v", err)
	}
	exit, err = g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := exit.(vtx.ExitHalt); !ok {
		t.Fatalf("Run() exit = %#v, want ExitHalt", exit)
	}
}

func TestProtectionFaultInjectsException(t *testing.T) {
	code := []byte{
		0xa3, 0x00, 0x10, // mov [0x1000], ax - faults forever
		0xf4,
	}
	g := newGuest(t, 5, vtx.DefaultPolicy(), 0x7c00, code)

	// A present but read-only page, so the write is a protection fault.
	frame, err := g.hal.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame() error = %v", err)
	}
	if err := g.tables.Map(0x1000, frame, vtx.AccessRead); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	// The interpreter has no IDT to divert through, so the guest
	// refaults until the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := g.vcpu.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}

	delivered := g.machine.Delivered()
	if len(delivered) == 0 {
		t.Fatal("no events delivered to the guest")
	}
	if delivered[0].Vector != 13 {
		t.Errorf("delivered vector = %d, want 13", delivered[0].Vector)
	}
}

func TestFatalPolicyFailsRun(t *testing.T) {
	policy := vtx.Policy{OnUnmapped: vtx.FaultActionFatal, OnProtection: vtx.FaultActionFatal, InjectVector: 13}
	code := []byte{0xa1, 0x00, 0x10, 0xf4}
	g := newGuest(t, 6, policy, 0x7c00, code)

	if _, err := g.vcpu.Run(context.Background()); err == nil {
		t.Fatal("Run() succeeded, want fault error")
	}
}

func TestInterceptedPortWrite(t *testing.T) {
	code := []byte{
		0xba, 0x80, 0x00, // mov dx, 0x80
		0xb8, 0x34, 0x12, // mov ax, 0x1234
		0xef, // out dx, ax
		0xf4, // hlt
	}
	g := newGuest(t, 7, vtx.DefaultPolicy(), 0x7c00, code)

	g.vcpu.(*vmx.VCPU).IoBitmap().Set(0x80, true)

	exit, err := g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	wr, ok := exit.(vtx.ExitIOWrite)
	if !ok {
		t.Fatalf("Run() exit = %#v, want ExitIOWrite", exit)
	}
	if wr.Port != 0x80 || wr.Width != 2 || wr.Data != 0x1234 {
		t.Fatalf("ExitIOWrite = %+v", wr)
	}

	exit, err = g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := exit.(vtx.ExitHalt); !ok {
		t.Fatalf("Run() exit = %#v, want ExitHalt", exit)
	}
}

func TestShutdownDoorbell(t *testing.T) {
	code := []byte{
		0xba, 0x04, 0x06, // mov dx, 0x604
		0xb8, 0x00, 0x20, // mov ax, 0x2000
		0xef, // out dx, ax
	}
	g := newGuest(t, 8, vtx.DefaultPolicy(), 0x7c00, code)

	g.vcpu.(*vmx.VCPU).IoBitmap().Set(0x604, true)

	exit, err := g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := exit.(vtx.ExitShutdown); !ok {
		t.Fatalf("Run() exit = %#v, want ExitShutdown", exit)
	}
}

func TestHypercall(t *testing.T) {
	code := []byte{
		0xb8, 0x07, 0x00, // mov ax, 7
		0x0f, 0x01, 0xc1, // vmcall
		0xf4,
	}
	g := newGuest(t, 9, vtx.DefaultPolicy(), 0x7c00, code)

	if err := g.vcpu.SetRegs(vtx.Regs{"rdi": 0x11, "rsi": 0x22}); err != nil {
		t.Fatalf("SetRegs() error = %v", err)
	}

	exit, err := g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	hc, ok := exit.(vtx.ExitHypercall)
	if !ok {
		t.Fatalf("Run() exit = %#v, want ExitHypercall", exit)
	}
	if hc.Nr != 7 {
		t.Errorf("Nr = %d, want 7", hc.Nr)
	}
	if hc.Args[0] != 0x11 || hc.Args[1] != 0x22 {
		t.Errorf("Args = %#v", hc.Args)
	}
}

func TestExternalInterruptExit(t *testing.T) {
	g := newGuest(t, 10, vtx.DefaultPolicy(), 0x7c00, []byte{0xf4})

	g.machine.QueueExternalInterrupt(0x30)

	exit, err := g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	intr, ok := exit.(vtx.ExitExternalInterrupt)
	if !ok {
		t.Fatalf("Run() exit = %#v, want ExitExternalInterrupt", exit)
	}
	if intr.Vector != 0x30 {
		t.Errorf("Vector = %#x, want 0x30", intr.Vector)
	}
}

func TestQueuedInterruptWaitsForWindow(t *testing.T) {
	code := []byte{
		0xfb, // sti
		0x90, // nop
		0xf4, // hlt
	}
	g := newGuest(t, 11, vtx.DefaultPolicy(), 0x7c00, code)

	if err := g.vcpu.QueueEvent(vtx.Event{Vector: 0x30}); err != nil {
		t.Fatalf("QueueEvent() error = %v", err)
	}

	exit, err := g.vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := exit.(vtx.ExitHalt); !ok {
		t.Fatalf("Run() exit = %#v, want ExitHalt", exit)
	}

	delivered := g.machine.Delivered()
	if len(delivered) != 1 {
		t.Fatalf("delivered %d events, want 1", len(delivered))
	}
	if delivered[0].Vector != 0x30 || delivered[0].Type != 0 {
		t.Errorf("delivered = %+v, want external interrupt 0x30", delivered[0])
	}
}

func TestQueuedExceptionDeliversImmediately(t *testing.T) {
	g := newGuest(t, 12, vtx.DefaultPolicy(), 0x7c00, []byte{0xf4})

	if err := g.vcpu.QueueEvent(vtx.Event{Vector: 14, HasErr: true, ErrCode: 0x2}); err != nil {
		t.Fatalf("QueueEvent() error = %v", err)
	}

	if _, err := g.vcpu.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	delivered := g.machine.Delivered()
	if len(delivered) != 1 {
		t.Fatalf("delivered %d events, want 1", len(delivered))
	}
	ev := delivered[0]
	if ev.Vector != 14 || !ev.HasErr || ev.ErrCode != 0x2 || ev.Type != 3 {
		t.Errorf("delivered = %+v, want #PF with error code 2", ev)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	g := newGuest(t, 13, vtx.DefaultPolicy(), 0x7c00, []byte{0xf4})

	want := vtx.Regs{
		"rbx": 0xdead_beef_0000_0001,
		"r15": 0x42,
		"rsp": 0x8000,
		"rip": 0x7c00,
	}
	if err := g.vcpu.SetRegs(want); err != nil {
		t.Fatalf("SetRegs() error = %v", err)
	}

	got, err := g.vcpu.Regs()
	if err != nil {
		t.Fatalf("Regs() error = %v", err)
	}
	for name, val := range want {
		if got[name] != val {
			t.Errorf("%s = %#x, want %#x", name, got[name], val)
		}
	}
}

func TestStopTearsDown(t *testing.T) {
	g := newGuest(t, 14, vtx.DefaultPolicy(), 0x7c00, []byte{0xf4})

	if err := g.vcpu.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := g.vcpu.Run(context.Background()); !errors.Is(err, vtx.ErrVCPUStopped) {
		t.Fatalf("Run() error = %v, want ErrVCPUStopped", err)
	}
}

func TestUnsupportedHardware(t *testing.T) {
	hal, err := vtx.NewEmulatedHal(4 << 20)
	if err != nil {
		t.Fatalf("NewEmulatedHal() error = %v", err)
	}
	defer hal.Close()

	backend, machine := vtx.OpenEmulated(hal)
	defer backend.Close()
	machine.SetSupported(false)

	percpu, err := backend.NewPerCpu(20)
	if err != nil {
		t.Fatalf("NewPerCpu() error = %v", err)
	}
	if err := percpu.Enable(); !errors.Is(err, vtx.ErrUnsupportedHardware) {
		t.Fatalf("Enable() error = %v, want ErrUnsupportedHardware", err)
	}
}

func TestFirmwareDisabledVmx(t *testing.T) {
	hal, err := vtx.NewEmulatedHal(4 << 20)
	if err != nil {
		t.Fatalf("NewEmulatedHal() error = %v", err)
	}
	defer hal.Close()

	backend, machine := vtx.OpenEmulated(hal)
	defer backend.Close()

	// Locked feature control without the VMXON-outside-SMX bit.
	machine.SetMSR(vmx.MsrFeatureControl, 0x1)

	percpu, err := backend.NewPerCpu(21)
	if err != nil {
		t.Fatalf("NewPerCpu() error = %v", err)
	}
	if err := percpu.Enable(); !errors.Is(err, vtx.ErrUnsupportedHardware) {
		t.Fatalf("Enable() error = %v, want ErrUnsupportedHardware", err)
	}
}

func TestEnableLifecycle(t *testing.T) {
	hal, err := vtx.NewEmulatedHal(4 << 20)
	if err != nil {
		t.Fatalf("NewEmulatedHal() error = %v", err)
	}
	defer hal.Close()

	backend, _ := vtx.OpenEmulated(hal)
	defer backend.Close()

	percpu, err := backend.NewPerCpu(22)
	if err != nil {
		t.Fatalf("NewPerCpu() error = %v", err)
	}

	if err := percpu.Disable(); !errors.Is(err, vtx.ErrNotEnabled) {
		t.Fatalf("Disable() before enable error = %v, want ErrNotEnabled", err)
	}
	if err := percpu.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if err := percpu.Enable(); !errors.Is(err, vtx.ErrAlreadyEnabled) {
		t.Fatalf("second Enable() error = %v, want ErrAlreadyEnabled", err)
	}
	if !percpu.Enabled() {
		t.Fatal("Enabled() = false after Enable")
	}
	if err := percpu.Disable(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if percpu.Enabled() {
		t.Fatal("Enabled() = true after Disable")
	}
}

func TestDuplicateCoreClaim(t *testing.T) {
	hal, err := vtx.NewEmulatedHal(4 << 20)
	if err != nil {
		t.Fatalf("NewEmulatedHal() error = %v", err)
	}
	defer hal.Close()

	backend, _ := vtx.OpenEmulated(hal)
	defer backend.Close()

	if _, err := backend.NewPerCpu(23); err != nil {
		t.Fatalf("NewPerCpu() error = %v", err)
	}
	if _, err := backend.NewPerCpu(23); err == nil {
		t.Fatal("second NewPerCpu(23) succeeded, want claim error")
	}
}
