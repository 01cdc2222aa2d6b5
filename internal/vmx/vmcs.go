package vmx

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vtx/internal/hv"
)

// Vmcs owns one 4 KiB VMCS region and mediates all field access to it.
// A Vmcs is either clear or loaded on exactly one port; field reads and
// writes require the loaded state. The caller serializes access, the
// processor affinity does the rest.
type Vmcs struct {
	hal   hv.Hal
	frame hv.PhysAddr

	port     Port // nil while clear
	launched bool
}

// NewVmcs allocates a VMCS region and stamps the revision identifier
// from IA32_VMX_BASIC into its first word.
func NewVmcs(hal hv.Hal, revision uint32) (*Vmcs, error) {
	frame, err := hal.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("vmx: allocating vmcs region: %w", err)
	}

	mem, err := hal.PhysToVirt(frame)
	if err != nil {
		_ = hal.FreeFrame(frame)
		return nil, fmt.Errorf("vmx: mapping vmcs region: %w", err)
	}
	binary.LittleEndian.PutUint32(mem[0:4], revision)

	return &Vmcs{hal: hal, frame: frame}, nil
}

// Addr returns the physical address of the VMCS region.
func (v *Vmcs) Addr() hv.PhysAddr { return v.frame }

// Loaded reports whether the region is the current VMCS of some port.
func (v *Vmcs) Loaded() bool { return v.port != nil }

// Load makes the region the current VMCS on the given port (VMPTRLD).
// A Vmcs already loaded elsewhere must be cleared first.
func (v *Vmcs) Load(port Port) error {
	if v.port != nil {
		if v.port.CPU() == port.CPU() {
			return nil
		}
		return fmt.Errorf("vmx: vmcs active on cpu %d, clear before loading on cpu %d", v.port.CPU(), port.CPU())
	}
	if err := port.Load(v.frame); err != nil {
		return err
	}
	v.port = port
	return nil
}

// Clear flushes cached VMCS state back to the region and detaches it
// from its processor (VMCLEAR). The next entry must use VMLAUNCH.
func (v *Vmcs) Clear() error {
	if v.port == nil {
		return nil
	}
	if err := v.port.Clear(v.frame); err != nil {
		return err
	}
	v.port = nil
	v.launched = false
	return nil
}

// Free clears the region if needed and returns its frame to the
// allocator.
func (v *Vmcs) Free() error {
	if err := v.Clear(); err != nil {
		return err
	}
	if v.frame != 0 {
		if err := v.hal.FreeFrame(v.frame); err != nil {
			return err
		}
		v.frame = 0
	}
	return nil
}

// Enter performs VM-entry with the loaded region: VMLAUNCH on the
// first entry after a clear, VMRESUME afterwards.
func (v *Vmcs) Enter(regs *GeneralRegisters) error {
	if v.port == nil {
		return hv.ErrNotLoaded
	}
	if !v.launched {
		if err := v.port.Launch(regs); err != nil {
			return err
		}
		v.launched = true
		return nil
	}
	return v.port.Resume(regs)
}

// Read returns a VMCS component, truncated to the field's width.
func (v *Vmcs) Read(field Field) (uint64, error) {
	if v.port == nil {
		return 0, hv.ErrNotLoaded
	}
	val, err := v.port.Read(field)
	if err != nil {
		return 0, err
	}
	switch field.width() {
	case fieldWidth16:
		val &= 0xffff
	case fieldWidth32:
		val &= 0xffffffff
	}
	return val, nil
}

// Write stores a VMCS component. Writes to read-only exit-information
// fields are rejected here rather than left to the hardware.
func (v *Vmcs) Write(field Field, value uint64) error {
	if v.port == nil {
		return hv.ErrNotLoaded
	}
	if field.readOnly() {
		return fmt.Errorf("vmx: field %#x: %w", uint32(field), hv.ErrInvalidField)
	}
	switch field.width() {
	case fieldWidth16:
		value &= 0xffff
	case fieldWidth32:
		value &= 0xffffffff
	}
	return v.port.Write(field, value)
}

// SetControl reconciles a VM-execution control field against its
// capability MSR. allowed0 bits must be 1, bits clear in allowed1 must
// be 0; within the flexible range, bits named by set are turned on and
// remaining unknown bits keep their old value. Conflicting requests
// fail rather than silently degrade.
func (v *Vmcs) SetControl(field Field, capability, old, set, clear uint64) error {
	allowed0 := capability & 0xffffffff
	allowed1 := capability >> 32

	if set&clear != 0 {
		return fmt.Errorf("vmx: control %#x: bits %#x both set and clear: %w", uint32(field), set&clear, hv.ErrInvalidField)
	}
	if set&^allowed1 != 0 {
		return fmt.Errorf("vmx: control %#x: bits %#x not supported: %w", uint32(field), set&^allowed1, hv.ErrInvalidField)
	}
	if clear&allowed0 != 0 {
		return fmt.Errorf("vmx: control %#x: bits %#x are fixed on: %w", uint32(field), clear&allowed0, hv.ErrInvalidField)
	}

	flexible := allowed1 &^ allowed0
	unknown := flexible &^ (set | clear)
	return v.Write(field, allowed0|(unknown&old)|set)
}

// SetEptPointer installs an EPT root: write-back paging structures and
// a 4-level walk, per the pointer format.
func (v *Vmcs) SetEptPointer(root hv.PhysAddr) error {
	eptp := uint64(root) | uint64(vmxMemTypeWriteBack) | (4-1)<<3
	return v.Write(Control64EptPointer, eptp)
}

// ExitReason returns the basic exit reason and the raw field, whose
// high bit flags a VM-entry failure.
func (v *Vmcs) ExitReason() (ExitReason, uint32, error) {
	raw, err := v.Read(ReadOnly32ExitReason)
	if err != nil {
		return 0, 0, err
	}
	return ExitReason(raw & 0xffff), uint32(raw), nil
}

// ExitQualification returns the natural-width exit qualification.
func (v *Vmcs) ExitQualification() (uint64, error) {
	return v.Read(ReadOnlyNWExitQualification)
}

// ExitInstructionLen returns the length of the exiting instruction.
func (v *Vmcs) ExitInstructionLen() (uint8, error) {
	n, err := v.Read(ReadOnly32InstructionLen)
	if err != nil {
		return 0, err
	}
	return uint8(n), nil
}

// GuestPhysicalAddress returns the faulting address of an EPT exit.
func (v *Vmcs) GuestPhysicalAddress() (hv.GuestPhys, error) {
	gpa, err := v.Read(ReadOnly64GuestPhysicalAddress)
	if err != nil {
		return 0, err
	}
	return hv.GuestPhys(gpa), nil
}

// IOExitInfo is the decoded qualification of an I/O instruction exit.
type IOExitInfo struct {
	Port   uint16
	Width  uint8 // access width in bytes: 1, 2 or 4
	In     bool
	String bool
	Rep    bool
}

// IOExitInfo decodes the exit qualification of an I/O instruction exit.
func (v *Vmcs) IOExitInfo() (IOExitInfo, error) {
	qual, err := v.ExitQualification()
	if err != nil {
		return IOExitInfo{}, err
	}
	return IOExitInfo{
		Port:   uint16(qual >> 16),
		Width:  uint8(qual&0x7) + 1,
		In:     qual&(1<<3) != 0,
		String: qual&(1<<4) != 0,
		Rep:    qual&(1<<5) != 0,
	}, nil
}

// EptViolationInfo is the decoded qualification of an EPT violation.
type EptViolationInfo struct {
	GPA      hv.GuestPhys
	Access   hv.Access // the access the guest attempted
	Readable bool      // permissions of the translation that faulted
	Writable bool
	Execable bool
}

// Present reports whether the faulting translation had any permission
// at all; false means the page was unmapped.
func (i EptViolationInfo) Present() bool {
	return i.Readable || i.Writable || i.Execable
}

// EptViolationInfo decodes the qualification and faulting address of an
// EPT violation exit.
func (v *Vmcs) EptViolationInfo() (EptViolationInfo, error) {
	qual, err := v.ExitQualification()
	if err != nil {
		return EptViolationInfo{}, err
	}
	gpa, err := v.GuestPhysicalAddress()
	if err != nil {
		return EptViolationInfo{}, err
	}

	info := EptViolationInfo{
		GPA:      gpa,
		Readable: qual&(1<<3) != 0,
		Writable: qual&(1<<4) != 0,
		Execable: qual&(1<<5) != 0,
	}
	switch {
	case qual&(1<<2) != 0:
		info.Access = hv.AccessExec
	case qual&(1<<1) != 0:
		info.Access = hv.AccessWrite
	default:
		info.Access = hv.AccessRead
	}
	return info, nil
}

// InjectEvent queues an event for delivery on the next VM-entry via the
// entry-interruption fields.
func (v *Vmcs) InjectEvent(intrType uint32, vector uint8, errCode uint32, hasErr bool) error {
	info := intrInfoValid | intrType<<intrInfoTypeShift | uint32(vector)
	if hasErr {
		info |= intrInfoErrCode
		if err := v.Write(Control32VmentryErrcode, uint64(errCode)); err != nil {
			return err
		}
	}
	return v.Write(Control32VmentryIntrInfo, uint64(info))
}

// PendingInjection reports whether an entry-interruption is already
// queued and undelivered.
func (v *Vmcs) PendingInjection() (bool, error) {
	info, err := v.Read(Control32VmentryIntrInfo)
	if err != nil {
		return false, err
	}
	return uint32(info)&intrInfoValid != 0, nil
}

// InterruptsEnabled reports whether the guest can take an external
// interrupt right now: RFLAGS.IF set and no STI/MOV-SS blocking.
func (v *Vmcs) InterruptsEnabled() (bool, error) {
	rflags, err := v.Read(GuestNWRflags)
	if err != nil {
		return false, err
	}
	if rflags&rflagsIF == 0 {
		return false, nil
	}
	blocking, err := v.Read(Guest32Interruptibility)
	if err != nil {
		return false, err
	}
	return blocking&(interruptibilityStiBlocking|interruptibilityMovSs) == 0, nil
}

// SetInterruptWindow arms or disarms the interrupt-window exit, used to
// defer interrupt injection until the guest can accept it.
func (v *Vmcs) SetInterruptWindow(enable bool) error {
	ctrl, err := v.Read(Control32PrimaryProcbased)
	if err != nil {
		return err
	}
	if enable {
		ctrl |= PrimaryInterruptWindowExiting
	} else {
		ctrl &^= uint64(PrimaryInterruptWindowExiting)
	}
	return v.Write(Control32PrimaryProcbased, ctrl)
}

// AdvanceRIP moves guest RIP past the exiting instruction and drops any
// STI/MOV-SS interruptibility blocking it implied.
func (v *Vmcs) AdvanceRIP(length uint8) error {
	rip, err := v.Read(GuestNWRip)
	if err != nil {
		return err
	}
	if err := v.Write(GuestNWRip, rip+uint64(length)); err != nil {
		return err
	}

	blocking, err := v.Read(Guest32Interruptibility)
	if err != nil {
		return err
	}
	if blocking&(interruptibilityStiBlocking|interruptibilityMovSs) != 0 {
		blocking &^= uint64(interruptibilityStiBlocking | interruptibilityMovSs)
		return v.Write(Guest32Interruptibility, blocking)
	}
	return nil
}
