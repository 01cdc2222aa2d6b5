package emu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/vtx/internal/hv"
	"github.com/tinyrange/vtx/internal/vmx"
)

// vmcsRevision is the revision identifier the simulated hardware
// stamps into IA32_VMX_BASIC and expects in VMXON and VMCS regions.
const vmcsRevision = 1

// Capability MSR values of the simulated processor. Low half is
// allowed-0 (fixed on), high half allowed-1 (may be on).
const (
	capPinbased  = 0x0000_00ff_0000_0016
	capProcbased = 0xfffb_fffe_0400_6172
	capSecondary = 0x001f_10ff_0000_0000
	capExit      = 0x00ff_ffff_0003_6dff
	capEntry     = 0x000f_ffff_0000_11ff

	capBasic = vmcsRevision |
		uint64(hv.PageSize)<<32 | // region size
		6<<50 | // write-back regions
		1<<54 | // INS/OUTS exit info
		1<<55 // true control MSRs

	capCr0Fixed0 = 0x8000_0021
	capCr0Fixed1 = 0xffff_ffff
	capCr4Fixed0 = 0x2000
	capCr4Fixed1 = 0xffff_ffff
)

// Host register state each simulated processor boots with.
const (
	hostCr0 = 0x8005_0033
	hostCr4 = 0x0000_0620
)

// DeliveredEvent records one event the simulated hardware injected
// into the guest through the entry-interruption fields.
type DeliveredEvent struct {
	Vector  uint8
	Type    uint32
	ErrCode uint32
	HasErr  bool
}

type softVmcs struct {
	addr     hv.PhysAddr
	fields   map[vmx.Field]uint64
	launched bool
	boundTo  int // cpu, or -1
}

type cpuState struct {
	vmxon       bool
	vmxonRegion hv.PhysAddr
	current     *softVmcs
	cr          map[int]uint64
}

// Machine is the shared state of the simulated package: the processor
// set, its MSR file and every VMCS region it has seen. One Machine
// backs all the ports it hands out.
type Machine struct {
	hal *Hal

	mtx       sync.Mutex
	supported bool
	cpus      map[int]*cpuState
	regions   map[hv.PhysAddr]*softVmcs
	msrs      map[vmx.Msr]uint64

	delivered     []DeliveredEvent
	pendingIntr   []uint8
	invalidations int
}

// NewMachine builds a simulated machine over the given address space.
func NewMachine(hal *Hal) *Machine {
	return &Machine{
		hal:       hal,
		supported: true,
		cpus:      map[int]*cpuState{},
		regions:   map[hv.PhysAddr]*softVmcs{},
		msrs: map[vmx.Msr]uint64{
			vmx.MsrFeatureControl:    0x5, // locked, vmxon outside SMX
			vmx.MsrVmxBasic:          capBasic,
			vmx.MsrVmxTruePinbased:   capPinbased,
			vmx.MsrVmxTrueProcbased:  capProcbased,
			vmx.MsrVmxProcbasedCtls2: capSecondary,
			vmx.MsrVmxTrueExit:       capExit,
			vmx.MsrVmxTrueEntry:      capEntry,
			vmx.MsrVmxCr0Fixed0:      capCr0Fixed0,
			vmx.MsrVmxCr0Fixed1:      capCr0Fixed1,
			vmx.MsrVmxCr4Fixed0:      capCr4Fixed0,
			vmx.MsrVmxCr4Fixed1:      capCr4Fixed1,
			vmx.MsrPat:               0x0007_0406_0007_0406,
		},
	}
}

// SetSupported flips the feature-detection probe, for exercising the
// unsupported-hardware paths.
func (m *Machine) SetSupported(ok bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.supported = ok
}

// SetMSR seeds a host MSR value, bypassing write-side checks.
func (m *Machine) SetMSR(msr vmx.Msr, value uint64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.msrs[msr] = value
}

// Delivered returns the events injected into the guest so far.
func (m *Machine) Delivered() []DeliveredEvent {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]DeliveredEvent, len(m.delivered))
	copy(out, m.delivered)
	return out
}

// Invalidations counts INVEPT executions.
func (m *Machine) Invalidations() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.invalidations
}

// QueueExternalInterrupt queues a host-bound interrupt that will force
// an external-interrupt exit at the next entry.
func (m *Machine) QueueExternalInterrupt(vector uint8) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.pendingIntr = append(m.pendingIntr, vector)
}

func (m *Machine) cpu(n int) *cpuState {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	state, ok := m.cpus[n]
	if !ok {
		state = &cpuState{cr: map[int]uint64{0: hostCr0, 3: 0, 4: hostCr4}}
		m.cpus[n] = state
	}
	return state
}

// frameRevision reads the revision word stamped at the start of a
// VMXON or VMCS region.
func (m *Machine) frameRevision(frame hv.PhysAddr) (uint32, error) {
	mem, err := m.hal.PhysToVirt(frame)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem[0:4]), nil
}

// Ports returns a PortSource handing out software ports of this
// machine.
func (m *Machine) Ports() vmx.PortSource { return &portSource{m: m} }

type portSource struct {
	m *Machine
}

func (s *portSource) Port(cpu int) (vmx.Port, error) {
	if cpu < 0 {
		return nil, fmt.Errorf("emu: invalid cpu %d", cpu)
	}
	return &softPort{m: s.m, cpu: cpu}, nil
}

func (s *portSource) Close() error { return nil }

// softPort is the software rendition of the privileged instruction
// boundary for one simulated processor.
type softPort struct {
	m   *Machine
	cpu int
}

var (
	_ vmx.Port = &softPort{}
)

func (p *softPort) CPU() int { return p.cpu }

func (p *softPort) Supported() bool {
	p.m.mtx.Lock()
	defer p.m.mtx.Unlock()
	return p.m.supported
}

func (p *softPort) On(region hv.PhysAddr) error {
	state := p.m.cpu(p.cpu)
	if state.vmxon {
		return &vmx.InstructionError{Op: "VMXON", Code: 15}
	}
	if state.cr[4]&(1<<13) == 0 {
		return fmt.Errorf("emu: vmxon with CR4.VMXE clear")
	}
	rev, err := p.m.frameRevision(region)
	if err != nil || rev != vmcsRevision {
		return &vmx.InstructionError{Op: "VMXON", Code: 0}
	}
	state.vmxon = true
	state.vmxonRegion = region
	return nil
}

func (p *softPort) Off() error {
	state := p.m.cpu(p.cpu)
	if !state.vmxon {
		return fmt.Errorf("emu: vmxoff outside vmx operation")
	}
	state.vmxon = false
	state.vmxonRegion = 0
	return nil
}

func (p *softPort) Load(addr hv.PhysAddr) error {
	state := p.m.cpu(p.cpu)
	if !state.vmxon {
		return fmt.Errorf("emu: vmptrld outside vmx operation")
	}
	if !hv.PageAligned(uint64(addr)) {
		return &vmx.InstructionError{Op: "VMPTRLD", Code: 9}
	}
	if addr == state.vmxonRegion {
		return &vmx.InstructionError{Op: "VMPTRLD", Code: 10}
	}

	p.m.mtx.Lock()
	region, known := p.m.regions[addr]
	p.m.mtx.Unlock()

	if !known {
		rev, err := p.m.frameRevision(addr)
		if err != nil {
			return &vmx.InstructionError{Op: "VMPTRLD", Code: 9}
		}
		if rev != vmcsRevision {
			return &vmx.InstructionError{Op: "VMPTRLD", Code: 11}
		}
		region = &softVmcs{addr: addr, fields: map[vmx.Field]uint64{}, boundTo: -1}
		p.m.mtx.Lock()
		p.m.regions[addr] = region
		p.m.mtx.Unlock()
	}

	if region.boundTo >= 0 && region.boundTo != p.cpu {
		return fmt.Errorf("emu: vmcs %#x active on cpu %d", uint64(addr), region.boundTo)
	}
	region.boundTo = p.cpu
	state.current = region
	return nil
}

func (p *softPort) Clear(addr hv.PhysAddr) error {
	state := p.m.cpu(p.cpu)

	p.m.mtx.Lock()
	region, known := p.m.regions[addr]
	p.m.mtx.Unlock()

	if known {
		region.boundTo = -1
		region.launched = false
	}
	if state.current != nil && state.current.addr == addr {
		state.current = nil
	}
	return nil
}

func (p *softPort) loaded() (*softVmcs, error) {
	state := p.m.cpu(p.cpu)
	if state.current == nil {
		return nil, &vmx.InstructionError{Op: "VMREAD", Code: 0}
	}
	return state.current, nil
}

func (p *softPort) Read(field vmx.Field) (uint64, error) {
	region, err := p.loaded()
	if err != nil {
		return 0, err
	}
	return region.fields[field], nil
}

func (p *softPort) Write(field vmx.Field, value uint64) error {
	region, err := p.loaded()
	if err != nil {
		return err
	}
	region.fields[field] = value
	return nil
}

func (p *softPort) Launch(regs *vmx.GeneralRegisters) error {
	region, err := p.loaded()
	if err != nil {
		return err
	}
	if region.launched {
		return &vmx.InstructionError{Op: "VMLAUNCH", Code: 4}
	}
	region.launched = true
	return p.m.enter(p.cpu, region, regs)
}

func (p *softPort) Resume(regs *vmx.GeneralRegisters) error {
	region, err := p.loaded()
	if err != nil {
		return err
	}
	if !region.launched {
		return &vmx.InstructionError{Op: "VMRESUME", Code: 5}
	}
	return p.m.enter(p.cpu, region, regs)
}

func (p *softPort) InvEpt(uint64) error {
	p.m.mtx.Lock()
	defer p.m.mtx.Unlock()
	p.m.invalidations++
	return nil
}

func (p *softPort) ReadMSR(msr vmx.Msr) (uint64, error) {
	p.m.mtx.Lock()
	defer p.m.mtx.Unlock()
	return p.m.msrs[msr], nil
}

func (p *softPort) WriteMSR(msr vmx.Msr, value uint64) error {
	p.m.mtx.Lock()
	defer p.m.mtx.Unlock()

	if msr == vmx.MsrFeatureControl && p.m.msrs[msr]&0x1 != 0 {
		return fmt.Errorf("emu: wrmsr to locked IA32_FEATURE_CONTROL")
	}
	p.m.msrs[msr] = value
	return nil
}

func (p *softPort) CPUID(leaf, sub uint32) vmx.CpuidResult {
	switch leaf {
	case 0:
		// "GenuineIntel"
		return vmx.CpuidResult{Eax: 0xd, Ebx: 0x756e_6547, Edx: 0x4965_6e69, Ecx: 0x6c65_746e}
	case 1:
		// Family/model signature; ECX advertises VMX among others.
		return vmx.CpuidResult{Eax: 0x0008_06ea, Ebx: 0, Ecx: 1<<0 | 1<<5 | 1<<23 | 1<<26, Edx: 0x1f8b_fbff}
	}
	return vmx.CpuidResult{}
}

func (p *softPort) ReadCR(n int) (uint64, error) {
	state := p.m.cpu(p.cpu)
	val, ok := state.cr[n]
	if !ok {
		return 0, fmt.Errorf("emu: read of cr%d", n)
	}
	return val, nil
}

func (p *softPort) WriteCR(n int, value uint64) error {
	state := p.m.cpu(p.cpu)
	if _, ok := state.cr[n]; !ok {
		return fmt.Errorf("emu: write of cr%d", n)
	}
	state.cr[n] = value
	return nil
}
