package svm

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

// VCPU is one guest virtual processor on the AMD-V path. It mirrors
// the VT-x engine's lifecycle exactly; only the control-structure
// plumbing differs.
type VCPU struct {
	hal    hv.Hal
	percpu *PerCpu
	id     int
	policy hv.Policy

	vmcb    *Vmcb
	msrPerm *MsrPermMap
	ioPerm  *IoPermMap

	regs       GeneralRegisters
	entry      hv.GuestPhys
	nestedRoot hv.PhysAddr
	bound      bool

	state    vcpuState
	stopped  atomic.Bool
	teardown sync.Once

	pendingMtx sync.Mutex
	pending    []hv.Event
}

var (
	_ hv.VCPU = &VCPU{}
)

// NewVCPU builds a vCPU on an enabled processor, allocating its VMCB
// and permission maps.
func NewVCPU(hal hv.Hal, percpu *PerCpu, cfg hv.VCPUConfig) (*VCPU, error) {
	if !percpu.Enabled() {
		return nil, hv.ErrNotEnabled
	}

	vmcb, err := NewVmcb(hal)
	if err != nil {
		return nil, err
	}
	msrPerm, err := NewMsrPermMap(hal)
	if err != nil {
		_ = vmcb.Free()
		return nil, err
	}
	ioPerm, err := NewIoPermMap(hal)
	if err != nil {
		_ = msrPerm.Free()
		_ = vmcb.Free()
		return nil, err
	}

	return &VCPU{
		hal:     hal,
		percpu:  percpu,
		id:      cfg.ID,
		policy:  cfg.Policy.Normalized(),
		vmcb:    vmcb,
		msrPerm: msrPerm,
		ioPerm:  ioPerm,
	}, nil
}

func (c *VCPU) ID() int { return c.id }

// MsrPermMap returns the MSR permission map for host configuration.
func (c *VCPU) MsrPermMap() *MsrPermMap { return c.msrPerm }

// IoPermMap returns the I/O permission map for host configuration.
func (c *VCPU) IoPermMap() *IoPermMap { return c.ioPerm }

// SetEntry records the guest-physical address execution starts at.
// Valid only before Setup.
func (c *VCPU) SetEntry(entry hv.GuestPhys) error {
	if c.state != stateCreated {
		return fmt.Errorf("svm: vcpu %d: set entry in state %s", c.id, c.state)
	}
	c.entry = entry
	return nil
}

// SetNestedRoot records the nested-paging root installed at Setup.
// Valid only before Setup.
func (c *VCPU) SetNestedRoot(root hv.PhysAddr) error {
	if c.state != stateCreated {
		return fmt.Errorf("svm: vcpu %d: set nested root in state %s", c.id, c.state)
	}
	c.nestedRoot = root
	return nil
}

// Setup programs the control block and moves the vCPU to configured.
func (c *VCPU) Setup() error {
	if c.state != stateCreated {
		return fmt.Errorf("svm: vcpu %d: setup in state %s", c.id, c.state)
	}

	// ASIDs partition the nested TLB; zero belongs to the host.
	c.vmcb.Reset(c.entry, c.nestedRoot, c.ioPerm.Addr(), c.msrPerm.Addr(), uint32(c.id)+1)

	c.state = stateConfigured

	slog.Debug("svm: vcpu configured", "id", c.id, "cpu", c.percpu.CPU(), "entry", uint64(c.entry))

	return nil
}

// Bind marks the control block in use on this vCPU's processor. The
// block is plain memory, so binding is bookkeeping rather than a
// hardware operation.
func (c *VCPU) Bind() error {
	c.bound = true
	return nil
}

// Unbind releases the control block for migration.
func (c *VCPU) Unbind() error {
	c.bound = false
	return nil
}

// QueueEvent queues an exception or interrupt for injection.
func (c *VCPU) QueueEvent(ev hv.Event) error {
	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()

	c.pending = append(c.pending, ev)

	return nil
}

// Stop tears the vCPU down; a concurrent Run notices at its next
// entry attempt. Irreversible.
func (c *VCPU) Stop() error {
	c.stopped.Store(true)
	if c.state != stateRunning {
		return c.Close()
	}
	return nil
}

func (c *VCPU) injectPending() {
	if c.vmcb.PendingInjection() {
		return
	}

	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()

	if len(c.pending) == 0 {
		return
	}
	ev := c.pending[0]

	if ev.Vector < 32 {
		c.pending = c.pending[1:]
		c.vmcb.InjectEvent(eventTypeException, ev.Vector, ev.ErrCode, ev.HasErr)
		return
	}

	if !c.vmcb.InterruptsEnabled() {
		c.vmcb.SetVIntr(true)
		return
	}
	c.pending = c.pending[1:]
	c.vmcb.InjectEvent(eventTypeIntr, ev.Vector, 0, false)
}

// Run enters the guest until an exit needs the host. The RDMSR/WRMSR
// convention matches the VT-x engine: RIP is left at the instruction
// and the host advances after emulating.
func (c *VCPU) Run(ctx context.Context) (hv.Exit, error) {
	switch c.state {
	case stateConfigured, stateExited:
	case stateStopped:
		return nil, hv.ErrVCPUStopped
	default:
		return nil, fmt.Errorf("svm: vcpu %d: run in state %s", c.id, c.state)
	}
	if !c.bound {
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

		c.injectPending()

		c.regs.Rax = c.vmcb.Rax()
		c.regs.Rsp = c.vmcb.Rsp()
		if err := c.percpu.Port().Run(c.vmcb.Addr(), &c.regs); err != nil {
			return nil, err
		}
		c.regs.Rax = c.vmcb.Rax()
		c.regs.Rsp = c.vmcb.Rsp()

		exit, err := c.dispatch()
		if err != nil {
			return nil, err
		}
		if exit != nil {
			return exit, nil
		}
	}
}

func (c *VCPU) dispatch() (hv.Exit, error) {
	code := c.vmcb.ExitCode()

	switch code {
	case ExitCodeCpuid:
		c.handleCpuid()
		c.vmcb.Advance(2)
		return nil, nil

	case ExitCodeVintr:
		c.vmcb.SetVIntr(false)
		return nil, nil

	case ExitCodeHlt:
		c.vmcb.Advance(1)
		return hv.ExitHalt{}, nil

	case ExitCodeIoio:
		return c.handleIo()

	case ExitCodeVmmcall:
		c.vmcb.Advance(3)
		return hv.ExitHypercall{
			Nr: c.regs.Rax,
			Args: [6]uint64{
				c.regs.Rdi, c.regs.Rsi, c.regs.Rdx,
				c.regs.Rcx, c.regs.R8, c.regs.R9,
			},
		}, nil

	case ExitCodeMsr:
		if c.vmcb.ExitInfo1() == 1 {
			return hv.ExitMSRWrite{
				MSR:   uint32(c.regs.Rcx),
				Value: c.regs.Rdx<<32 | c.regs.Rax&0xffffffff,
			}, nil
		}
		return hv.ExitMSRRead{MSR: uint32(c.regs.Rcx)}, nil

	case ExitCodeNpf:
		return c.handleNestedFault()

	case ExitCodeIntr:
		// The host took the interrupt itself on exit; the vector is
		// not recorded without AVIC.
		return hv.ExitExternalInterrupt{}, nil

	case ExitCodeShutdown:
		return hv.ExitShutdown{Code: code}, nil
	}

	slog.Warn("svm: unhandled exit", "vcpu", c.id, "code", code,
		"info1", c.vmcb.ExitInfo1(), "info2", c.vmcb.ExitInfo2(), "rip", c.vmcb.Rip())

	return nil, fmt.Errorf("svm: vcpu %d: exit %#x: %w", c.id, code, hv.ErrUnsupportedExit)
}

// shutdownPort doubles as the power-off doorbell on this path too.
const (
	shutdownPort  = 0x604
	shutdownMagic = 0x2000
)

func (c *VCPU) handleIo() (hv.Exit, error) {
	info := c.vmcb.ExitInfo1()
	port := uint16(info >> 16)

	if info&(1<<2|1<<3) != 0 {
		return nil, fmt.Errorf("svm: vcpu %d: string i/o on port %#x: %w", c.id, port, hv.ErrUnsupportedExit)
	}

	var width uint8
	switch {
	case info&(1<<4) != 0:
		width = 1
	case info&(1<<5) != 0:
		width = 2
	default:
		width = 4
	}

	// EXITINFO2 holds the rIP past the instruction.
	c.vmcb.SetRip(c.vmcb.ExitInfo2())

	if info&1 != 0 {
		return hv.ExitIORead{Port: port, Width: width}, nil
	}

	data := c.regs.Rax & (1<<(8*uint(width)) - 1)
	if port == shutdownPort && width == 2 && data == shutdownMagic {
		return hv.ExitShutdown{Code: data}, nil
	}
	return hv.ExitIOWrite{Port: port, Width: width, Data: data}, nil
}

func (c *VCPU) handleNestedFault() (hv.Exit, error) {
	errCode := c.vmcb.ExitInfo1()
	gpa := hv.GuestPhys(c.vmcb.ExitInfo2())

	var access hv.Access
	switch {
	case errCode&(1<<4) != 0:
		access = hv.AccessExec
	case errCode&(1<<1) != 0:
		access = hv.AccessWrite
	default:
		access = hv.AccessRead
	}

	action := c.policy.OnUnmapped
	if errCode&1 != 0 { // translation was present
		action = c.policy.OnProtection
	}

	switch action {
	case hv.FaultActionMMIO:
		exit := hv.ExitMMIO{GPA: gpa, Access: access}
		// Decode assists save the next sequential rIP on NPF; the
		// delta is the faulting instruction's length.
		rip := c.vmcb.Rip()
		if next := c.vmcb.NextRip(); next > rip && next-rip <= 15 {
			exit.InstrLen = uint8(next - rip)
		}
		return exit, nil
	case hv.FaultActionInject:
		c.vmcb.InjectEvent(eventTypeException, c.policy.InjectVector, 0, false)
		return nil, nil
	default:
		return nil, fmt.Errorf("svm: vcpu %d: %s fault at %#x", c.id, access, uint64(gpa))
	}
}

// handleCpuid answers guest CPUID from the host's values, hiding SVM
// support and advertising a hypervisor.
func (c *VCPU) handleCpuid() {
	const (
		cpuidFeatureSvm        = 1 << 2  // leaf 0x80000001, ECX
		cpuidFeatureHypervisor = 1 << 31 // leaf 1, ECX
		hypervisorBase         = 0x4000_0000
	)

	leaf := uint32(c.vmcb.Rax())
	sub := uint32(c.regs.Rcx)

	var res CpuidResult
	switch leaf {
	case hypervisorBase:
		res = CpuidResult{Eax: hypervisorBase + 1, Ebx: 0x78747674}
	case hypervisorBase + 1:
		res = CpuidResult{}
	default:
		res = c.percpu.Port().CPUID(leaf, sub)
		switch leaf {
		case 1:
			res.Ecx |= cpuidFeatureHypervisor
		case 0x8000_0001:
			res.Ecx &^= uint32(cpuidFeatureSvm)
		}
	}

	c.vmcb.SetRax(uint64(res.Eax))
	c.regs.Rbx = uint64(res.Ebx)
	c.regs.Rcx = uint64(res.Ecx)
	c.regs.Rdx = uint64(res.Edx)
}

// AdvanceRIP moves the guest past an instruction the host emulated.
func (c *VCPU) AdvanceRIP(length uint8) error {
	c.vmcb.Advance(length)
	return nil
}

// Regs snapshots the guest registers, including the VMCB-resident
// ones.
func (c *VCPU) Regs() (hv.Regs, error) {
	out := hv.Regs{}
	c.regs.toMap(out)

	out["rax"] = c.vmcb.Rax()
	out["rsp"] = c.vmcb.Rsp()
	out["rip"] = c.vmcb.Rip()
	out["rflags"] = c.vmcb.Rflags()
	out["cr0"] = c.vmcb.Cr0()
	out["cr3"] = c.vmcb.Cr3()
	out["cr4"] = c.vmcb.Cr4()

	return out, nil
}

// SetRegs applies a register map; rax, rsp, rip and rflags go to the
// save area.
func (c *VCPU) SetRegs(in hv.Regs) error {
	c.regs.fromMap(in)

	if v, ok := in["rax"]; ok {
		c.vmcb.SetRax(v)
	}
	if v, ok := in["rsp"]; ok {
		c.vmcb.SetRsp(v)
	}
	if v, ok := in["rip"]; ok {
		c.vmcb.SetRip(v)
	}
	if v, ok := in["rflags"]; ok {
		c.vmcb.write64(offRflags, v|0x2)
	}

	return nil
}

// Close frees the control block and permission maps. Safe to call
// more than once.
func (c *VCPU) Close() error {
	var first error
	c.teardown.Do(func() {
		if err := c.vmcb.Free(); err != nil {
			first = err
		}
		if err := c.msrPerm.Free(); err != nil && first == nil {
			first = err
		}
		if err := c.ioPerm.Free(); err != nil && first == nil {
			first = err
		}
	})
	c.state = stateStopped
	return first
}
