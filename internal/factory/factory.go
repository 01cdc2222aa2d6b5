// Package factory selects and assembles a virtualization backend:
// native VT-x where the ring-0 helper is available, native AMD-V after
// that, and the software machine for everything else.
package factory

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vtx/internal/emu"
	"github.com/tinyrange/vtx/internal/hv"
	"github.com/tinyrange/vtx/internal/svm"
	"github.com/tinyrange/vtx/internal/vmx"
)

// vmxBackend drives the VT-x engine through any port source, hardware
// or simulated.
type vmxBackend struct {
	hal   hv.Hal
	ports vmx.PortSource

	percpus map[int]*vmx.PerCpu
}

var (
	_ hv.Backend = &vmxBackend{}
)

// NewVmxBackend assembles the VT-x engine over the given port source.
func NewVmxBackend(hal hv.Hal, ports vmx.PortSource) hv.Backend {
	return &vmxBackend{hal: hal, ports: ports, percpus: map[int]*vmx.PerCpu{}}
}

func (b *vmxBackend) Name() string { return "vmx" }

func (b *vmxBackend) NewPerCpu(cpu int) (hv.PerCpu, error) {
	port, err := b.ports.Port(cpu)
	if err != nil {
		return nil, err
	}
	percpu, err := vmx.NewPerCpu(b.hal, port)
	if err != nil {
		return nil, err
	}
	b.percpus[cpu] = percpu
	return percpu, nil
}

func (b *vmxBackend) NewVCPU(cfg hv.VCPUConfig) (hv.VCPU, error) {
	percpu, ok := b.percpus[cfg.CPU]
	if !ok {
		return nil, fmt.Errorf("factory: cpu %d has no lifecycle manager: %w", cfg.CPU, hv.ErrNotEnabled)
	}
	return vmx.NewVCPU(b.hal, percpu, cfg)
}

func (b *vmxBackend) Close() error {
	var first error
	for _, percpu := range b.percpus {
		if err := percpu.Release(); err != nil && first == nil {
			first = err
		}
	}
	b.percpus = map[int]*vmx.PerCpu{}
	if err := b.ports.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// svmBackend is the AMD-V counterpart.
type svmBackend struct {
	hal   hv.Hal
	ports svm.PortSource

	percpus map[int]*svm.PerCpu
}

var (
	_ hv.Backend = &svmBackend{}
)

// NewSvmBackend assembles the AMD-V engine over the given port source.
func NewSvmBackend(hal hv.Hal, ports svm.PortSource) hv.Backend {
	return &svmBackend{hal: hal, ports: ports, percpus: map[int]*svm.PerCpu{}}
}

func (b *svmBackend) Name() string { return "svm" }

func (b *svmBackend) NewPerCpu(cpu int) (hv.PerCpu, error) {
	port, err := b.ports.Port(cpu)
	if err != nil {
		return nil, err
	}
	percpu, err := svm.NewPerCpu(b.hal, port)
	if err != nil {
		return nil, err
	}
	b.percpus[cpu] = percpu
	return percpu, nil
}

func (b *svmBackend) NewVCPU(cfg hv.VCPUConfig) (hv.VCPU, error) {
	percpu, ok := b.percpus[cfg.CPU]
	if !ok {
		return nil, fmt.Errorf("factory: cpu %d has no lifecycle manager: %w", cfg.CPU, hv.ErrNotEnabled)
	}
	return svm.NewVCPU(b.hal, percpu, cfg)
}

func (b *svmBackend) Close() error {
	var first error
	for _, percpu := range b.percpus {
		if err := percpu.Release(); err != nil && first == nil {
			first = err
		}
	}
	b.percpus = map[int]*svm.PerCpu{}
	if err := b.ports.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Open probes the native backends in preference order.
func Open(hal hv.Hal) (hv.Backend, error) {
	if ports, err := vmx.NativePorts(); err == nil {
		slog.Debug("factory: using native vmx backend")
		return NewVmxBackend(hal, ports), nil
	}
	if ports, err := svm.NativePorts(); err == nil {
		slog.Debug("factory: using native svm backend")
		return NewSvmBackend(hal, ports), nil
	}
	return nil, fmt.Errorf("factory: no native backend: %w", hv.ErrUnsupportedHardware)
}

// OpenEmulated builds the software machine and the VT-x engine on top
// of it. The machine handle stays available for host-side interrupt
// injection and test instrumentation.
func OpenEmulated(hal *emu.Hal) (hv.Backend, *emu.Machine) {
	machine := emu.NewMachine(hal)
	slog.Debug("factory: using emulated vmx backend")
	return NewVmxBackend(hal, machine.Ports()), machine
}
