package hv

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedHardware indicates the processor lacks the
	// virtualization extension a backend needs (no VT-x / AMD-V, or it
	// was disabled by firmware). Fatal to any use of that backend.
	ErrUnsupportedHardware = errors.New("virtualization hardware unsupported")

	// ErrAlreadyEnabled is returned by PerCpu.Enable when the core is
	// already in VMX (or SVM) operation.
	ErrAlreadyEnabled = errors.New("virtualization already enabled on this core")

	// ErrNotEnabled is returned by PerCpu.Disable without a prior
	// successful Enable.
	ErrNotEnabled = errors.New("virtualization not enabled on this core")

	// ErrNotLoaded indicates an operation on a control structure that is
	// not loaded on the calling logical processor.
	ErrNotLoaded = errors.New("control structure not loaded on this processor")

	// ErrInvalidField indicates a caller-supplied field value violates a
	// hardware or internal invariant. Rejected before any privileged
	// instruction is issued.
	ErrInvalidField = errors.New("invalid field")

	// ErrMisaligned indicates an address that is not page-aligned.
	ErrMisaligned = errors.New("address not page-aligned")

	// ErrOutOfMemory indicates the host frame allocator is exhausted.
	ErrOutOfMemory = errors.New("out of physical frames")

	// ErrNotMapped indicates a guest-physical address with no translation.
	ErrNotMapped = errors.New("guest-physical address not mapped")

	// ErrUnsupportedExit indicates hardware reported an exit reason the
	// dispatcher does not classify. Surfaced as fatal rather than guessed at.
	ErrUnsupportedExit = errors.New("unsupported VM-exit reason")

	// ErrVCPUStopped is returned for any operation on a torn-down vCPU.
	ErrVCPUStopped = errors.New("vCPU stopped")
)

// PhysAddr is a host-physical address as understood by the injected Hal.
type PhysAddr uint64

// GuestPhys is a guest-physical address.
type GuestPhys uint64

// PageSize is the only frame granularity this package deals in.
const PageSize = 0x1000

// PageAligned reports whether addr sits on a frame boundary.
func PageAligned(addr uint64) bool { return addr&(PageSize-1) == 0 }

// Hal is the host-supplied hardware abstraction capability set. Every
// frame the engine touches (VMXON regions, VMCS regions, bitmaps, nested
// page tables) is allocated through it, and frame contents are only
// reached through PhysToVirt. Injecting it keeps the engine testable
// against a software implementation.
type Hal interface {
	// AllocFrame returns one zeroed, page-aligned physical frame.
	AllocFrame() (PhysAddr, error)

	// FreeFrame returns a frame to the allocator.
	FreeFrame(addr PhysAddr) error

	// PhysToVirt returns an addressable view of the frame's contents.
	// The slice is exactly PageSize bytes and stays valid until the
	// frame is freed.
	PhysToVirt(addr PhysAddr) ([]byte, error)

	// RegisterTimer installs a host timer callback used for preemption
	// policy. Backends that do not need one may ignore it.
	RegisterTimer(fn func()) error
}

// Access describes the kind of guest memory access that caused an exit.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// Exit is the closed set of host-facing exit results. Each variant
// carries the minimal data the host needs to service it. Variants are
// value types with a marker method, so a type switch over Exit covers
// the full surface and new hardware-defined reasons fail loudly as
// errors instead of being silently mis-dispatched.
type Exit interface {
	isExit()
}

// ExitNothing reports that the last exit was fully resolved internally.
// Hosts normally never observe it; it is returned when a run is cut
// short by context cancellation between internal resolutions.
type ExitNothing struct{}

// ExitHalt reports the guest executed a halt instruction.
type ExitHalt struct{}

// ExitIORead reports an intercepted I/O port read. The host supplies the
// value by writing the accumulator register before resuming.
type ExitIORead struct {
	Port  uint16
	Width uint8 // access width in bytes: 1, 2 or 4
}

// ExitIOWrite reports an intercepted I/O port write.
type ExitIOWrite struct {
	Port  uint16
	Width uint8
	Data  uint64
}

// ExitMMIO reports a guest-physical access with no installed translation,
// conventionally an emulated-device access.
type ExitMMIO struct {
	GPA      GuestPhys
	Access   Access
	InstrLen uint8
}

// ExitMSRRead reports an intercepted RDMSR with no internal emulation
// rule. The host supplies the value and advances the instruction pointer
// before resuming.
type ExitMSRRead struct {
	MSR uint32
}

// ExitMSRWrite reports an intercepted WRMSR with no internal emulation rule.
type ExitMSRWrite struct {
	MSR   uint32
	Value uint64
}

// ExitHypercall reports a guest hypercall (VMCALL / VMMCALL).
type ExitHypercall struct {
	Nr   uint64
	Args [6]uint64
}

// ExitExternalInterrupt reports a host interrupt that forced the guest out.
type ExitExternalInterrupt struct {
	Vector uint8
}

// ExitFailEntry reports hardware refused the VM-entry itself. Never
// retried automatically.
type ExitFailEntry struct {
	Reason uint32
}

// ExitShutdown reports a guest-requested or fault-forced termination
// (triple fault, shutdown port).
type ExitShutdown struct {
	Code uint64
}

func (ExitNothing) isExit()           {}
func (ExitHalt) isExit()              {}
func (ExitIORead) isExit()            {}
func (ExitIOWrite) isExit()           {}
func (ExitMMIO) isExit()              {}
func (ExitMSRRead) isExit()           {}
func (ExitMSRWrite) isExit()          {}
func (ExitHypercall) isExit()         {}
func (ExitExternalInterrupt) isExit() {}
func (ExitFailEntry) isExit()         {}
func (ExitShutdown) isExit()          {}

// Regs is an architecture-neutral view of the guest general-purpose
// register snapshot, keyed by lower-case register name ("rax", "rip",
// "rflags", ...). Hosts read and mutate it between runs, never during an
// in-flight entry.
type Regs map[string]uint64

// Event is a pending interrupt or exception to be injected into the
// guest before a future VM-entry.
type Event struct {
	Vector  uint8
	HasErr  bool
	ErrCode uint32
}

// PerCpu manages virtualization operation for one logical processor.
// Enable must succeed on a core before any vCPU bound to it may run, and
// no two PerCpu instances may claim the same core.
type PerCpu interface {
	CPU() int
	Enabled() bool
	Enable() error
	Disable() error
}

// VCPU is the per-guest-instruction-stream control surface. Both the
// VT-x and the AMD-V backend implement it; host code is written once
// against this interface.
//
// The host must not invoke two operations on the same VCPU concurrently;
// no internal locking is performed beyond that exclusivity.
type VCPU interface {
	ID() int

	// SetEntry configures the initial guest instruction pointer.
	// Valid only before Setup.
	SetEntry(entry GuestPhys) error

	// SetNestedRoot installs the nested (EPT / NPT) translation root.
	// Valid only before Setup.
	SetNestedRoot(root PhysAddr) error

	// Setup performs one-time control-structure initialization.
	Setup() error

	// Bind loads the control structure onto the calling logical
	// processor; Unbind releases it. Migration between cores requires
	// Unbind before Bind on the new core.
	Bind() error
	Unbind() error

	// Run enters the guest and returns on the first exit that needs
	// host policy. Internally resolvable exits are handled without
	// returning. Entry is a synchronous, blocking transition; ctx
	// cancellation takes effect only at the next exit boundary.
	Run(ctx context.Context) (Exit, error)

	// Regs returns a snapshot of the guest registers as of the last
	// exit. SetRegs replaces named registers before the next entry.
	Regs() (Regs, error)
	SetRegs(regs Regs) error

	// AdvanceRIP moves the guest instruction pointer past the
	// instruction that caused the last exit.
	AdvanceRIP(n uint8) error

	// QueueEvent queues an interrupt or exception for injection.
	// Injection is deferred while the guest blocks interrupts and
	// retried via interrupt-window exiting.
	QueueEvent(ev Event) error

	// Stop tears the vCPU down and releases its frames. Irreversible.
	Stop() error
}

// Backend creates per-core lifecycle managers and vCPUs for one
// virtualization technology.
type Backend interface {
	Name() string
	NewPerCpu(cpu int) (PerCpu, error)
	NewVCPU(cfg VCPUConfig) (VCPU, error)
	Close() error
}

// VCPUConfig carries the host policy a new vCPU is created with.
type VCPUConfig struct {
	// ID is the host-chosen vCPU identifier.
	ID int

	// CPU is the logical processor the vCPU is initially bound to. A
	// PerCpu for it must have been enabled before the vCPU runs.
	CPU int

	// Policy controls nested-page-fault resolution. The zero value
	// means DefaultPolicy.
	Policy Policy
}
