// Package vtx provides per-processor virtual CPU primitives for x86-64
// hardware virtualization. A Backend manages one virtualization
// technology (Intel VT-x or AMD-V) behind a common interface: per-core
// lifecycle managers, vCPUs with an explicit run loop, nested page
// tables and interception bitmaps.
package vtx

import (
	"github.com/tinyrange/vtx/internal/emu"
	"github.com/tinyrange/vtx/internal/ept"
	"github.com/tinyrange/vtx/internal/factory"
	"github.com/tinyrange/vtx/internal/hv"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/hv
// -----------------------------------------------------------------------------

// PhysAddr is a host-physical address.
type PhysAddr = hv.PhysAddr

// GuestPhys is a guest-physical address.
type GuestPhys = hv.GuestPhys

// Hal supplies platform services: frame allocation and the direct map.
type Hal = hv.Hal

// Backend creates per-core lifecycle managers and vCPUs for one
// virtualization technology.
type Backend = hv.Backend

// PerCpu manages the enable/disable lifecycle of one logical
// processor.
type PerCpu = hv.PerCpu

// VCPU is one guest virtual processor.
type VCPU = hv.VCPU

// VCPUConfig carries the policy a vCPU is created with.
type VCPUConfig = hv.VCPUConfig

// Policy controls how nested page faults are resolved.
type Policy = hv.Policy

// FaultAction selects a nested-page-fault resolution.
type FaultAction = hv.FaultAction

// Access is a memory access kind.
type Access = hv.Access

// Regs is a named guest register snapshot.
type Regs = hv.Regs

// Event is an interrupt or exception queued for injection.
type Event = hv.Event

// Exit is the closed set of run-loop results. See the Exit* types.
type Exit = hv.Exit

// Exit variants.
type (
	ExitNothing           = hv.ExitNothing
	ExitHalt              = hv.ExitHalt
	ExitIORead            = hv.ExitIORead
	ExitIOWrite           = hv.ExitIOWrite
	ExitMMIO              = hv.ExitMMIO
	ExitMSRRead           = hv.ExitMSRRead
	ExitMSRWrite          = hv.ExitMSRWrite
	ExitHypercall         = hv.ExitHypercall
	ExitExternalInterrupt = hv.ExitExternalInterrupt
	ExitFailEntry         = hv.ExitFailEntry
	ExitShutdown          = hv.ExitShutdown
)

// NestedPageTables is one guest's nested translation hierarchy.
type NestedPageTables = ept.Tables

// Translation is one resolved nested mapping.
type Translation = ept.Translation

// Access kinds.
const (
	AccessRead  = hv.AccessRead
	AccessWrite = hv.AccessWrite
	AccessExec  = hv.AccessExec
)

// Fault actions.
const (
	FaultActionMMIO   = hv.FaultActionMMIO
	FaultActionInject = hv.FaultActionInject
	FaultActionFatal  = hv.FaultActionFatal
)

// Common sentinel errors.
var (
	// ErrUnsupportedHardware indicates virtualization is absent or
	// disabled by firmware. Use errors.Is to check and skip in CI.
	ErrUnsupportedHardware = hv.ErrUnsupportedHardware

	ErrAlreadyEnabled  = hv.ErrAlreadyEnabled
	ErrNotEnabled      = hv.ErrNotEnabled
	ErrNotLoaded       = hv.ErrNotLoaded
	ErrInvalidField    = hv.ErrInvalidField
	ErrMisaligned      = hv.ErrMisaligned
	ErrOutOfMemory     = hv.ErrOutOfMemory
	ErrNotMapped       = hv.ErrNotMapped
	ErrUnsupportedExit = hv.ErrUnsupportedExit
	ErrVCPUStopped     = hv.ErrVCPUStopped
)

// DefaultPolicy returns the fault policy used when none is configured.
func DefaultPolicy() Policy { return hv.DefaultPolicy() }

// LoadPolicy reads a fault policy from a YAML file.
func LoadPolicy(path string) (Policy, error) { return hv.LoadPolicy(path) }

// ParsePolicy parses a fault policy from YAML bytes.
func ParsePolicy(data []byte) (Policy, error) { return hv.ParsePolicy(data) }

// NewNestedPageTables allocates an empty nested hierarchy.
func NewNestedPageTables(hal Hal) (*NestedPageTables, error) { return ept.New(hal) }

// Open probes the native backends: VT-x first, then AMD-V.
func Open(hal Hal) (Backend, error) { return factory.Open(hal) }

// Machine is the software machine backing an emulated backend.
type Machine = emu.Machine

// EmulatedHal is a simulated physical address space.
type EmulatedHal = emu.Hal

// NewEmulatedHal builds a simulated physical address space of the
// given size.
func NewEmulatedHal(size int) (*EmulatedHal, error) { return emu.NewHal(size) }

// OpenEmulated builds a software-machine backend over the given
// address space, along with the machine handle for host-side
// interrupt injection.
func OpenEmulated(hal *EmulatedHal) (Backend, *Machine) { return factory.OpenEmulated(hal) }
