package vmx

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vtx/internal/hv"
)

// Each logical processor is claimed by at most one PerCpu at a time.
var (
	claimsMtx sync.Mutex
	claims    = map[int]*PerCpu{}
)

// PerCpu owns the VMX lifecycle of one logical processor: feature
// probing, the VMXON region and entry into and out of VMX operation.
// All methods are called on the claimed processor; a PerCpu is not
// shared across goroutines.
type PerCpu struct {
	hal  hv.Hal
	port Port
	cpu  int

	enabled    bool
	vmxonFrame hv.PhysAddr
	basic      vmxBasic
}

var (
	_ hv.PerCpu = &PerCpu{}
)

// NewPerCpu claims a logical processor. The claim holds until Release;
// a second claim of the same processor fails.
func NewPerCpu(hal hv.Hal, port Port) (*PerCpu, error) {
	cpu := port.CPU()

	claimsMtx.Lock()
	defer claimsMtx.Unlock()

	if _, taken := claims[cpu]; taken {
		return nil, fmt.Errorf("vmx: cpu %d already claimed", cpu)
	}

	p := &PerCpu{hal: hal, port: port, cpu: cpu}
	claims[cpu] = p
	return p, nil
}

func (p *PerCpu) CPU() int      { return p.cpu }
func (p *PerCpu) Enabled() bool { return p.enabled }

// caps returns the decoded IA32_VMX_BASIC capabilities. Only valid
// once Enable has succeeded.
func (p *PerCpu) caps() vmxBasic { return p.basic }

// Port returns the privileged instruction port for this processor.
func (p *PerCpu) Port() Port { return p.port }

// Enable validates hardware support and enters VMX operation. It is
// not idempotent: enabling an enabled processor is an error.
func (p *PerCpu) Enable() error {
	if p.enabled {
		return hv.ErrAlreadyEnabled
	}
	if !p.port.Supported() {
		return hv.ErrUnsupportedHardware
	}

	if err := p.checkFeatureControl(); err != nil {
		return err
	}

	basicRaw, err := p.port.ReadMSR(MsrVmxBasic)
	if err != nil {
		return fmt.Errorf("vmx: reading IA32_VMX_BASIC: %w", err)
	}
	basic := decodeVmxBasic(basicRaw)
	switch {
	case basic.RegionSize != hv.PageSize:
		return fmt.Errorf("vmx: unsupported region size %d: %w", basic.RegionSize, hv.ErrUnsupportedHardware)
	case basic.Is32BitAddress:
		return fmt.Errorf("vmx: 32-bit region addresses only: %w", hv.ErrUnsupportedHardware)
	case basic.MemType != vmxMemTypeWriteBack:
		return fmt.Errorf("vmx: region memory type %d: %w", basic.MemType, hv.ErrUnsupportedHardware)
	case !basic.IOExitInfo:
		return fmt.Errorf("vmx: no INS/OUTS exit info: %w", hv.ErrUnsupportedHardware)
	case !basic.HasTrueControls:
		return fmt.Errorf("vmx: no true control MSRs: %w", hv.ErrUnsupportedHardware)
	}

	cr0, err := p.port.ReadCR(0)
	if err != nil {
		return err
	}
	cr4, err := p.port.ReadCR(4)
	if err != nil {
		return err
	}
	// Validate against the fixed-bit MSRs with VMXE as it will be, not
	// as it is.
	if err := p.checkFixedBits(MsrVmxCr0Fixed0, MsrVmxCr0Fixed1, "cr0", cr0); err != nil {
		return err
	}
	if err := p.checkFixedBits(MsrVmxCr4Fixed0, MsrVmxCr4Fixed1, "cr4", cr4|cr4VMXE); err != nil {
		return err
	}

	frame, err := p.hal.AllocFrame()
	if err != nil {
		return fmt.Errorf("vmx: allocating vmxon region: %w", err)
	}
	mem, err := p.hal.PhysToVirt(frame)
	if err != nil {
		_ = p.hal.FreeFrame(frame)
		return fmt.Errorf("vmx: mapping vmxon region: %w", err)
	}
	binary.LittleEndian.PutUint32(mem[0:4], basic.RevisionID)

	if err := p.port.WriteCR(4, cr4|cr4VMXE); err != nil {
		_ = p.hal.FreeFrame(frame)
		return err
	}
	if err := p.port.On(frame); err != nil {
		_ = p.port.WriteCR(4, cr4)
		_ = p.hal.FreeFrame(frame)
		return err
	}

	p.vmxonFrame = frame
	p.basic = basic
	p.enabled = true

	slog.Debug("vmx: entered vmx operation", "cpu", p.cpu, "revision", basic.RevisionID)

	return nil
}

// Disable leaves VMX operation and frees the VMXON region. Any VMCS
// still active on this processor must be cleared by its owner first.
func (p *PerCpu) Disable() error {
	if !p.enabled {
		return hv.ErrNotEnabled
	}

	if err := p.port.Off(); err != nil {
		return err
	}

	if cr4, err := p.port.ReadCR(4); err == nil {
		_ = p.port.WriteCR(4, cr4&^uint64(cr4VMXE))
	}

	if p.vmxonFrame != 0 {
		if err := p.hal.FreeFrame(p.vmxonFrame); err != nil {
			return err
		}
		p.vmxonFrame = 0
	}
	p.enabled = false

	slog.Debug("vmx: left vmx operation", "cpu", p.cpu)

	return nil
}

// Release drops the processor claim, disabling first if needed.
func (p *PerCpu) Release() error {
	if p.enabled {
		if err := p.Disable(); err != nil {
			return err
		}
	}

	claimsMtx.Lock()
	defer claimsMtx.Unlock()

	delete(claims, p.cpu)

	return nil
}

// checkFeatureControl verifies IA32_FEATURE_CONTROL permits VMXON
// outside SMX, programming and locking it if the firmware left it
// unlocked.
func (p *PerCpu) checkFeatureControl() error {
	fc, err := p.port.ReadMSR(MsrFeatureControl)
	if err != nil {
		return fmt.Errorf("vmx: reading IA32_FEATURE_CONTROL: %w", err)
	}
	if fc&featureControlLocked == 0 {
		fc |= featureControlLocked | featureControlVmxonOutsideSmx
		if err := p.port.WriteMSR(MsrFeatureControl, fc); err != nil {
			return fmt.Errorf("vmx: locking IA32_FEATURE_CONTROL: %w", err)
		}
		return nil
	}
	if fc&featureControlVmxonOutsideSmx == 0 {
		return fmt.Errorf("vmx: vmxon disabled by firmware: %w", hv.ErrUnsupportedHardware)
	}
	return nil
}

// checkFixedBits validates a control register against its fixed-bit
// MSR pair: fixed0 bits must be set, bits clear in fixed1 must be
// clear.
func (p *PerCpu) checkFixedBits(fixed0, fixed1 Msr, name string, value uint64) error {
	f0, err := p.port.ReadMSR(fixed0)
	if err != nil {
		return err
	}
	f1, err := p.port.ReadMSR(fixed1)
	if err != nil {
		return err
	}
	if value&f0 != f0 || value&^f1 != 0 {
		return fmt.Errorf("vmx: %s %#x violates fixed bits (fixed0 %#x, fixed1 %#x): %w", name, value, f0, f1, hv.ErrUnsupportedHardware)
	}
	return nil
}
