package vmx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vtx/internal/hv"
)

type vcpuState int

const (
	stateCreated vcpuState = iota
	stateConfigured
	stateRunning
	stateExited
	stateStopped
)

func (s vcpuState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateConfigured:
		return "configured"
	case stateRunning:
		return "running"
	case stateExited:
		return "exited"
	case stateStopped:
		return "stopped"
	}
	return "invalid"
}

// VCPU is one guest virtual processor pinned to one logical processor.
// The owning goroutine drives SetEntry/SetNestedRoot/Setup/Bind/Run;
// QueueEvent and Stop may be called from other goroutines.
type VCPU struct {
	hal    hv.Hal
	percpu *PerCpu
	id     int
	policy hv.Policy

	vmcs      *Vmcs
	msrBitmap *MsrBitmap
	ioBitmap  *IoBitmap

	regs       GeneralRegisters
	entry      hv.GuestPhys
	nestedRoot hv.PhysAddr

	state    vcpuState
	stopped  atomic.Bool
	teardown sync.Once

	pendingMtx sync.Mutex
	pending    []hv.Event
}

var (
	_ hv.VCPU = &VCPU{}
)

// NewVCPU builds a vCPU on an enabled processor, allocating its VMCS
// and interception bitmaps. The bitmaps start fully intercepting;
// MsrBitmap and IoBitmap expose them for opening pass-through holes
// before Run.
func NewVCPU(hal hv.Hal, percpu *PerCpu, cfg hv.VCPUConfig) (*VCPU, error) {
	if !percpu.Enabled() {
		return nil, hv.ErrNotEnabled
	}

	vmcs, err := NewVmcs(hal, percpu.caps().RevisionID)
	if err != nil {
		return nil, err
	}
	msrBitmap, err := NewMsrBitmap(hal)
	if err != nil {
		_ = vmcs.Free()
		return nil, err
	}
	ioBitmap, err := NewIoBitmap(hal)
	if err != nil {
		_ = msrBitmap.Free()
		_ = vmcs.Free()
		return nil, err
	}

	return &VCPU{
		hal:       hal,
		percpu:    percpu,
		id:        cfg.ID,
		policy:    cfg.Policy.Normalized(),
		vmcs:      vmcs,
		msrBitmap: msrBitmap,
		ioBitmap:  ioBitmap,
	}, nil
}

func (c *VCPU) ID() int { return c.id }

// MsrBitmap returns the MSR interception bitmap for host configuration.
func (c *VCPU) MsrBitmap() *MsrBitmap { return c.msrBitmap }

// IoBitmap returns the I/O interception bitmap for host configuration.
func (c *VCPU) IoBitmap() *IoBitmap { return c.ioBitmap }

// SetEntry records the guest-physical address execution starts at.
// Valid only before Setup.
func (c *VCPU) SetEntry(entry hv.GuestPhys) error {
	if c.state != stateCreated {
		return fmt.Errorf("vmx: vcpu %d: set entry in state %s", c.id, c.state)
	}
	c.entry = entry
	return nil
}

// SetNestedRoot records the EPT root installed at Setup. Valid only
// before Setup.
func (c *VCPU) SetNestedRoot(root hv.PhysAddr) error {
	if c.state != stateCreated {
		return fmt.Errorf("vmx: vcpu %d: set nested root in state %s", c.id, c.state)
	}
	c.nestedRoot = root
	return nil
}

// Bind loads the VMCS on this vCPU's processor.
func (c *VCPU) Bind() error {
	return c.vmcs.Load(c.percpu.Port())
}

// Unbind clears the VMCS, flushing its cached state. The next entry
// after a rebind uses VMLAUNCH.
func (c *VCPU) Unbind() error {
	return c.vmcs.Clear()
}

// Setup programs the VMCS control, guest-state and host-state areas.
// It moves the vCPU from created to configured and may be called once.
func (c *VCPU) Setup() error {
	if c.state != stateCreated {
		return fmt.Errorf("vmx: vcpu %d: setup in state %s", c.id, c.state)
	}
	if err := c.Bind(); err != nil {
		return err
	}

	if err := c.setupControls(); err != nil {
		return err
	}
	if err := c.setupGuest(); err != nil {
		return err
	}
	if err := c.setupHost(); err != nil {
		return err
	}

	c.state = stateConfigured

	slog.Debug("vmx: vcpu configured", "id", c.id, "cpu", c.percpu.CPU(), "entry", uint64(c.entry))

	return nil
}

func (c *VCPU) setupControls() error {
	port := c.percpu.Port()
	v := c.vmcs

	pin, err := port.ReadMSR(MsrVmxTruePinbased)
	if err != nil {
		return err
	}
	if err := v.SetControl(Control32Pinbased, pin, 0,
		PinExternalInterruptExiting|PinNmiExiting, 0); err != nil {
		return err
	}

	proc, err := port.ReadMSR(MsrVmxTrueProcbased)
	if err != nil {
		return err
	}
	if err := v.SetControl(Control32PrimaryProcbased, proc, 0,
		PrimaryHltExiting|PrimaryUseIoBitmaps|PrimaryUseMsrBitmaps|PrimarySecondaryControls,
		PrimaryInterruptWindowExiting|PrimaryCr3LoadExiting|PrimaryCr3StoreExiting|
			PrimaryCr8LoadExiting|PrimaryCr8StoreExiting|PrimaryUnconditionalIoExiting); err != nil {
		return err
	}

	proc2, err := port.ReadMSR(MsrVmxProcbasedCtls2)
	if err != nil {
		return err
	}
	if err := v.SetControl(Control32SecondaryProcbased, proc2, 0,
		SecondaryEnableEpt|SecondaryUnrestrictedGuest|SecondaryEnableRdtscp|
			SecondaryEnableInvpcid|SecondaryEnableXsaves, 0); err != nil {
		return err
	}

	exit, err := port.ReadMSR(MsrVmxTrueExit)
	if err != nil {
		return err
	}
	if err := v.SetControl(Control32VmexitControls, exit, 0,
		ExitHostAddressSpaceSize|ExitAckInterruptOnExit|
			ExitSavePat|ExitLoadPat|ExitSaveEfer|ExitLoadEfer, 0); err != nil {
		return err
	}

	entry, err := port.ReadMSR(MsrVmxTrueEntry)
	if err != nil {
		return err
	}
	if err := v.SetControl(Control32VmentryControls, entry, 0,
		EntryLoadPat|EntryLoadEfer, EntryIa32eModeGuest); err != nil {
		return err
	}

	if err := v.Write(Control32ExceptionBitmap, 0); err != nil {
		return err
	}
	if err := v.Write(Control32VmentryIntrInfo, 0); err != nil {
		return err
	}

	if err := v.Write(Control64MsrBitmaps, uint64(c.msrBitmap.Addr())); err != nil {
		return err
	}
	if err := v.Write(Control64IoBitmapA, uint64(c.ioBitmap.AddrA())); err != nil {
		return err
	}
	if err := v.Write(Control64IoBitmapB, uint64(c.ioBitmap.AddrB())); err != nil {
		return err
	}

	if c.nestedRoot != 0 {
		if err := v.SetEptPointer(c.nestedRoot); err != nil {
			return err
		}
	}

	return nil
}

// setupGuest programs the guest-state area for an unrestricted guest
// starting in 16-bit real mode at the entry point.
func (c *VCPU) setupGuest() error {
	v := c.vmcs

	// CR4.VMXE is host-owned: the guest reads the shadow's zero and
	// cannot flip the real bit.
	writes := []struct {
		field Field
		value uint64
	}{
		{GuestNWCr0, cr0ET | cr0NE},
		{GuestNWCr3, 0},
		{GuestNWCr4, cr4VMXE},
		{ControlNWCr0GuestHostMask, 0},
		{ControlNWCr0ReadShadow, 0},
		{ControlNWCr4GuestHostMask, cr4VMXE},
		{ControlNWCr4ReadShadow, 0},

		{Guest16CsSelector, 0},
		{Guest16DsSelector, 0},
		{Guest16EsSelector, 0},
		{Guest16FsSelector, 0},
		{Guest16GsSelector, 0},
		{Guest16SsSelector, 0},
		{Guest16LdtrSelector, 0},
		{Guest16TrSelector, 0},

		{GuestNWCsBase, 0},
		{GuestNWDsBase, 0},
		{GuestNWEsBase, 0},
		{GuestNWFsBase, 0},
		{GuestNWGsBase, 0},
		{GuestNWSsBase, 0},
		{GuestNWLdtrBase, 0},
		{GuestNWTrBase, 0},
		{GuestNWGdtrBase, 0},
		{GuestNWIdtrBase, 0},

		{Guest32CsLimit, 0xffff},
		{Guest32DsLimit, 0xffff},
		{Guest32EsLimit, 0xffff},
		{Guest32FsLimit, 0xffff},
		{Guest32GsLimit, 0xffff},
		{Guest32SsLimit, 0xffff},
		{Guest32LdtrLimit, 0xffff},
		{Guest32TrLimit, 0xffff},
		{Guest32GdtrLimit, 0xffff},
		{Guest32IdtrLimit, 0xffff},

		{Guest32CsAccessRights, 0x9b},
		{Guest32DsAccessRights, 0x93},
		{Guest32EsAccessRights, 0x93},
		{Guest32FsAccessRights, 0x93},
		{Guest32GsAccessRights, 0x93},
		{Guest32SsAccessRights, 0x93},
		{Guest32LdtrAccessRights, 0x82},
		{Guest32TrAccessRights, 0x8b},

		{GuestNWDr7, 0x400},
		{GuestNWRsp, 0},
		{GuestNWRip, uint64(c.entry)},
		{GuestNWRflags, rflagsReserved1},
		{GuestNWPendingDbgExc, 0},
		{GuestNWSysenterEsp, 0},
		{GuestNWSysenterEip, 0},
		{Guest32SysenterCs, 0},

		{Guest32Interruptibility, 0},
		{Guest32ActivityState, 0},
		{Guest64LinkPointer, ^uint64(0)},

		{Guest64Pat, 0x0007_0406_0007_0406},
		{Guest64Efer, 0},
	}
	for _, w := range writes {
		if err := v.Write(w.field, w.value); err != nil {
			return err
		}
	}
	return nil
}

// setupHost captures the host control registers and key MSRs into the
// host-state area. The selector, descriptor-table and RSP/RIP fields
// belong to the entry trampoline, which snapshots them immediately
// before each entry.
func (c *VCPU) setupHost() error {
	port := c.percpu.Port()
	v := c.vmcs

	for _, cr := range []struct {
		n     int
		field Field
	}{
		{0, HostNWCr0},
		{3, HostNWCr3},
		{4, HostNWCr4},
	} {
		val, err := port.ReadCR(cr.n)
		if err != nil {
			return err
		}
		if err := v.Write(cr.field, val); err != nil {
			return err
		}
	}

	for _, m := range []struct {
		msr   Msr
		field Field
	}{
		{MsrPat, Host64Pat},
		{MsrEfer, Host64Efer},
		{MsrFsBase, HostNWFsBase},
		{MsrGsBase, HostNWGsBase},
	} {
		val, err := port.ReadMSR(m.msr)
		if err != nil {
			return err
		}
		if err := v.Write(m.field, val); err != nil {
			return err
		}
	}

	return nil
}

// QueueEvent queues an exception or interrupt for injection before a
// subsequent entry. Exception vectors below 32 are injected on the
// next entry; higher vectors wait until the guest can accept an
// interrupt, using interrupt-window exits to find that point.
func (c *VCPU) QueueEvent(ev hv.Event) error {
	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()

	c.pending = append(c.pending, ev)

	return nil
}

// Stop tears the vCPU down. A concurrent Run returns ErrVCPUStopped at
// its next entry attempt and releases the frames; otherwise they are
// released here. Irreversible.
func (c *VCPU) Stop() error {
	c.stopped.Store(true)
	if c.state != stateRunning {
		return c.Close()
	}
	return nil
}

// injectPending delivers at most one queued event through the
// entry-interruption fields, arming the interrupt window when the
// guest cannot take an interrupt yet.
func (c *VCPU) injectPending() error {
	if pending, err := c.vmcs.PendingInjection(); err != nil || pending {
		return err
	}

	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()

	for len(c.pending) > 0 {
		ev := c.pending[0]
		if ev.Vector < 32 {
			c.pending = c.pending[1:]
			if err := c.vmcs.InjectEvent(intrTypeHardException, ev.Vector, ev.ErrCode, ev.HasErr); err != nil {
				return err
			}
			return nil
		}

		ok, err := c.vmcs.InterruptsEnabled()
		if err != nil {
			return err
		}
		if !ok {
			return c.vmcs.SetInterruptWindow(true)
		}
		c.pending = c.pending[1:]
		return c.vmcs.InjectEvent(intrTypeExternal, ev.Vector, 0, false)
	}

	return nil
}

// Run enters the guest and returns the first exit that needs the
// host's attention; exits the engine can resolve on its own are
// handled in place and re-entered. RDMSR/WRMSR exits return with RIP
// still at the instruction so the host advances after emulating.
func (c *VCPU) Run(ctx context.Context) (hv.Exit, error) {
	switch c.state {
	case stateConfigured, stateExited:
	case stateStopped:
		return nil, hv.ErrVCPUStopped
	default:
		return nil, fmt.Errorf("vmx: vcpu %d: run in state %s", c.id, c.state)
	}
	if !c.vmcs.Loaded() {
		return nil, hv.ErrNotLoaded
	}

	c.state = stateRunning
	defer func() {
		if c.state == stateRunning {
			c.state = stateExited
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.stopped.Load() {
			c.state = stateStopped
			_ = c.Close()
			return nil, hv.ErrVCPUStopped
		}

		if err := c.injectPending(); err != nil {
			return nil, err
		}

		if err := c.vmcs.Enter(&c.regs); err != nil {
			return nil, err
		}

		exit, err := c.dispatch()
		if err != nil {
			return nil, err
		}
		if exit != nil {
			return exit, nil
		}
	}
}

// dispatch decodes the current exit. A nil, nil return means the exit
// was resolved internally and the guest should be re-entered.
func (c *VCPU) dispatch() (hv.Exit, error) {
	reason, raw, err := c.vmcs.ExitReason()
	if err != nil {
		return nil, err
	}

	if raw&entryFailureFlag != 0 {
		return hv.ExitFailEntry{Reason: uint32(reason)}, nil
	}

	switch reason {
	case ExitReasonCpuid:
		if err := c.handleCpuid(); err != nil {
			return nil, err
		}
		return nil, c.advance()

	case ExitReasonInterruptWindow:
		return nil, c.vmcs.SetInterruptWindow(false)

	case ExitReasonPreemptionTimer:
		return nil, nil

	case ExitReasonHlt:
		if err := c.advance(); err != nil {
			return nil, err
		}
		return hv.ExitHalt{}, nil

	case ExitReasonIoInstruction:
		return c.handleIo()

	case ExitReasonVmcall:
		if err := c.advance(); err != nil {
			return nil, err
		}
		return hv.ExitHypercall{
			Nr: c.regs.Rax,
			Args: [6]uint64{
				c.regs.Rdi, c.regs.Rsi, c.regs.Rdx,
				c.regs.Rcx, c.regs.R8, c.regs.R9,
			},
		}, nil

	case ExitReasonMsrRead:
		return hv.ExitMSRRead{MSR: uint32(c.regs.Rcx)}, nil

	case ExitReasonMsrWrite:
		return hv.ExitMSRWrite{
			MSR:   uint32(c.regs.Rcx),
			Value: c.regs.Rdx<<32 | c.regs.Rax&0xffffffff,
		}, nil

	case ExitReasonCrAccess:
		return nil, c.handleCrAccess()

	case ExitReasonEptViolation:
		return c.handleEptViolation()

	case ExitReasonExternalInterrupt:
		info, err := c.vmcs.Read(ReadOnly32IntrInfo)
		if err != nil {
			return nil, err
		}
		if uint32(info)&intrInfoValid == 0 {
			return nil, nil
		}
		return hv.ExitExternalInterrupt{Vector: uint8(info)}, nil

	case ExitReasonTripleFault:
		return hv.ExitShutdown{Code: uint64(reason)}, nil
	}

	qual, _ := c.vmcs.ExitQualification()
	rip, _ := c.vmcs.Read(GuestNWRip)
	slog.Warn("vmx: unhandled exit", "vcpu", c.id, "reason", reason.String(),
		"qualification", qual, "rip", rip)

	return nil, fmt.Errorf("vmx: vcpu %d: exit %q (%d): %w", c.id, reason.String(), uint16(reason), hv.ErrUnsupportedExit)
}

func (c *VCPU) advance() error {
	length, err := c.vmcs.ExitInstructionLen()
	if err != nil {
		return err
	}
	return c.vmcs.AdvanceRIP(length)
}

// shutdownPort is the well-known power-off doorbell: a 16-bit write of
// shutdownMagic ends the guest.
const (
	shutdownPort  = 0x604
	shutdownMagic = 0x2000
)

func (c *VCPU) handleIo() (hv.Exit, error) {
	info, err := c.vmcs.IOExitInfo()
	if err != nil {
		return nil, err
	}
	if info.String || info.Rep {
		return nil, fmt.Errorf("vmx: vcpu %d: string i/o on port %#x: %w", c.id, info.Port, hv.ErrUnsupportedExit)
	}
	if err := c.advance(); err != nil {
		return nil, err
	}

	if info.In {
		return hv.ExitIORead{Port: info.Port, Width: info.Width}, nil
	}

	data := c.regs.Rax & (1<<(8*uint(info.Width)) - 1)
	if info.Port == shutdownPort && info.Width == 2 && data == shutdownMagic {
		return hv.ExitShutdown{Code: data}, nil
	}
	return hv.ExitIOWrite{Port: info.Port, Width: info.Width, Data: data}, nil
}

func (c *VCPU) handleEptViolation() (hv.Exit, error) {
	info, err := c.vmcs.EptViolationInfo()
	if err != nil {
		return nil, err
	}

	action := c.policy.OnUnmapped
	if info.Present() {
		action = c.policy.OnProtection
	}

	switch action {
	case hv.FaultActionMMIO:
		length, err := c.vmcs.ExitInstructionLen()
		if err != nil {
			return nil, err
		}
		return hv.ExitMMIO{GPA: info.GPA, Access: info.Access, InstrLen: length}, nil

	case hv.FaultActionInject:
		return nil, c.vmcs.InjectEvent(intrTypeHardException, c.policy.InjectVector, 0, false)

	default:
		return nil, fmt.Errorf("vmx: vcpu %d: %s fault at %#x", c.id, info.Access, uint64(info.GPA))
	}
}

// handleCrAccess emulates MOV to CR0/CR4, keeping the read shadows in
// step so the guest sees the values it wrote.
func (c *VCPU) handleCrAccess() error {
	qual, err := c.vmcs.ExitQualification()
	if err != nil {
		return err
	}

	cr := int(qual & 0xf)
	accessType := (qual >> 4) & 0x3
	gpr := int((qual >> 8) & 0xf)

	if accessType != 0 {
		return fmt.Errorf("vmx: vcpu %d: cr%d access type %d: %w", c.id, cr, accessType, hv.ErrUnsupportedExit)
	}

	value := c.regs.Get(gpr)
	switch cr {
	case 0:
		if err := c.vmcs.Write(GuestNWCr0, value|cr0ET|cr0NE); err != nil {
			return err
		}
		if err := c.vmcs.Write(ControlNWCr0ReadShadow, value); err != nil {
			return err
		}
	case 4:
		if err := c.vmcs.Write(GuestNWCr4, value|cr4VMXE); err != nil {
			return err
		}
		if err := c.vmcs.Write(ControlNWCr4ReadShadow, value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("vmx: vcpu %d: mov to cr%d: %w", c.id, cr, hv.ErrUnsupportedExit)
	}

	return c.advance()
}

// handleCpuid answers guest CPUID from the host's values, hiding VMX
// support and advertising a hypervisor.
func (c *VCPU) handleCpuid() error {
	const (
		cpuidFeatureVmx        = 1 << 5  // leaf 1, ECX
		cpuidFeatureHypervisor = 1 << 31 // leaf 1, ECX
		hypervisorBase         = 0x4000_0000
	)

	leaf := uint32(c.regs.Rax)
	sub := uint32(c.regs.Rcx)

	var res CpuidResult
	switch leaf {
	case hypervisorBase:
		res = CpuidResult{Eax: hypervisorBase + 1, Ebx: 0x78747674, Ecx: 0, Edx: 0} // "vtvx"
	case hypervisorBase + 1:
		res = CpuidResult{}
	default:
		res = c.percpu.Port().CPUID(leaf, sub)
		if leaf == 1 {
			res.Ecx &^= uint32(cpuidFeatureVmx)
			res.Ecx |= cpuidFeatureHypervisor
		}
	}

	c.regs.Rax = uint64(res.Eax)
	c.regs.Rbx = uint64(res.Ebx)
	c.regs.Rcx = uint64(res.Ecx)
	c.regs.Rdx = uint64(res.Edx)

	return nil
}

// AdvanceRIP moves the guest past an instruction the host emulated,
// such as an intercepted RDMSR or an MMIO access.
func (c *VCPU) AdvanceRIP(length uint8) error {
	return c.vmcs.AdvanceRIP(length)
}

// Regs snapshots the guest registers, including the VMCS-resident
// rsp, rip, rflags and control registers.
func (c *VCPU) Regs() (hv.Regs, error) {
	out := hv.Regs{}
	c.regs.toMap(out)

	for _, f := range []struct {
		name  string
		field Field
	}{
		{"rsp", GuestNWRsp},
		{"rip", GuestNWRip},
		{"rflags", GuestNWRflags},
		{"cr0", GuestNWCr0},
		{"cr3", GuestNWCr3},
		{"cr4", GuestNWCr4},
	} {
		val, err := c.vmcs.Read(f.field)
		if err != nil {
			return nil, err
		}
		out[f.name] = val
	}

	return out, nil
}

// SetRegs applies a register map. General-purpose registers land in the
// entry snapshot; rsp, rip and rflags go to the VMCS.
func (c *VCPU) SetRegs(in hv.Regs) error {
	c.regs.fromMap(in)

	for _, f := range []struct {
		name  string
		field Field
	}{
		{"rsp", GuestNWRsp},
		{"rip", GuestNWRip},
		{"rflags", GuestNWRflags},
	} {
		if val, ok := in[f.name]; ok {
			if f.name == "rflags" {
				val |= rflagsReserved1
			}
			if err := c.vmcs.Write(f.field, val); err != nil {
				return err
			}
		}
	}

	return nil
}

// Close clears the VMCS if loaded and frees the region and bitmaps.
// Safe to call more than once.
func (c *VCPU) Close() error {
	var first error
	c.teardown.Do(func() {
		if err := c.vmcs.Free(); err != nil {
			first = err
		}
		if err := c.msrBitmap.Free(); err != nil && first == nil {
			first = err
		}
		if err := c.ioBitmap.Free(); err != nil && first == nil {
			first = err
		}
	})
	c.state = stateStopped
	return first
}
