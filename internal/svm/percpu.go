package svm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vtx/internal/hv"
)

var (
	claimsMtx sync.Mutex
	claims    = map[int]*PerCpu{}
)

// PerCpu owns the AMD-V lifecycle of one logical processor: the
// host-save area and EFER.SVME.
type PerCpu struct {
	hal  hv.Hal
	port Port
	cpu  int

	enabled    bool
	hsaveFrame hv.PhysAddr
}

var (
	_ hv.PerCpu = &PerCpu{}
)

// NewPerCpu claims a logical processor until Release.
func NewPerCpu(hal hv.Hal, port Port) (*PerCpu, error) {
	cpu := port.CPU()

	claimsMtx.Lock()
	defer claimsMtx.Unlock()

	if _, taken := claims[cpu]; taken {
		return nil, fmt.Errorf("svm: cpu %d already claimed", cpu)
	}

	p := &PerCpu{hal: hal, port: port, cpu: cpu}
	claims[cpu] = p
	return p, nil
}

func (p *PerCpu) CPU() int      { return p.cpu }
func (p *PerCpu) Enabled() bool { return p.enabled }

// Port returns the privileged instruction port for this processor.
func (p *PerCpu) Port() Port { return p.port }

// Enable allocates the host-save area and turns on EFER.SVME.
func (p *PerCpu) Enable() error {
	if p.enabled {
		return hv.ErrAlreadyEnabled
	}
	if !p.port.Supported() {
		return hv.ErrUnsupportedHardware
	}

	frame, err := p.hal.AllocFrame()
	if err != nil {
		return fmt.Errorf("svm: allocating host-save area: %w", err)
	}

	efer, err := p.port.ReadMSR(MsrEfer)
	if err != nil {
		_ = p.hal.FreeFrame(frame)
		return err
	}
	if err := p.port.WriteMSR(MsrEfer, efer|eferSvme); err != nil {
		_ = p.hal.FreeFrame(frame)
		return err
	}
	if err := p.port.WriteMSR(MsrVmHsave, uint64(frame)); err != nil {
		_ = p.port.WriteMSR(MsrEfer, efer)
		_ = p.hal.FreeFrame(frame)
		return err
	}

	p.hsaveFrame = frame
	p.enabled = true

	slog.Debug("svm: enabled", "cpu", p.cpu)

	return nil
}

// Disable clears EFER.SVME and frees the host-save area.
func (p *PerCpu) Disable() error {
	if !p.enabled {
		return hv.ErrNotEnabled
	}

	efer, err := p.port.ReadMSR(MsrEfer)
	if err != nil {
		return err
	}
	if err := p.port.WriteMSR(MsrEfer, efer&^uint64(eferSvme)); err != nil {
		return err
	}
	if err := p.port.WriteMSR(MsrVmHsave, 0); err != nil {
		return err
	}

	if p.hsaveFrame != 0 {
		if err := p.hal.FreeFrame(p.hsaveFrame); err != nil {
			return err
		}
		p.hsaveFrame = 0
	}
	p.enabled = false

	slog.Debug("svm: disabled", "cpu", p.cpu)

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
