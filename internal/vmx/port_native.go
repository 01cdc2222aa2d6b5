//go:build linux && amd64

package vmx

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
	"github.com/tinyrange/vtx/internal/hv"
)

// The native port drives a small ring-0 helper library that issues the
// actual privileged instructions on our behalf. The library exposes one
// C function per operation; each takes the target logical processor as
// its first argument and pins itself there for the duration of the
// call. Failures come back as negative VM-instruction error numbers.
const nativePortLibrary = "libvtxport.so"

var (
	nativeOnce sync.Once
	nativeLib  uintptr
	nativeErr  error

	vtxSupported func(cpu int32) int32
	vtxOn        func(cpu int32, region uint64) int32
	vtxOff       func(cpu int32) int32
	vtxLoad      func(cpu int32, vmcs uint64) int32
	vtxClear     func(cpu int32, vmcs uint64) int32
	vtxRead      func(cpu int32, field uint32, out *uint64) int32
	vtxWrite     func(cpu int32, field uint32, value uint64) int32
	vtxLaunch    func(cpu int32, regs *GeneralRegisters, resume int32) int32
	vtxInvEpt    func(cpu int32, eptp uint64) int32
	vtxRdmsr     func(cpu int32, msr uint32, out *uint64) int32
	vtxWrmsr     func(cpu int32, msr uint32, value uint64) int32
	vtxCpuid     func(cpu int32, leaf uint32, sub uint32, out *CpuidResult) int32
	vtxReadCr    func(cpu int32, n int32, out *uint64) int32
	vtxWriteCr   func(cpu int32, n int32, value uint64) int32
)

func loadNativeLibrary() error {
	nativeOnce.Do(func() {
		nativeLib, nativeErr = purego.Dlopen(nativePortLibrary, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if nativeErr != nil {
			nativeErr = fmt.Errorf("vmx: opening %s: %w", nativePortLibrary, nativeErr)
			return
		}

		purego.RegisterLibFunc(&vtxSupported, nativeLib, "vtx_supported")
		purego.RegisterLibFunc(&vtxOn, nativeLib, "vtx_on")
		purego.RegisterLibFunc(&vtxOff, nativeLib, "vtx_off")
		purego.RegisterLibFunc(&vtxLoad, nativeLib, "vtx_load")
		purego.RegisterLibFunc(&vtxClear, nativeLib, "vtx_clear")
		purego.RegisterLibFunc(&vtxRead, nativeLib, "vtx_read")
		purego.RegisterLibFunc(&vtxWrite, nativeLib, "vtx_write")
		purego.RegisterLibFunc(&vtxLaunch, nativeLib, "vtx_launch")
		purego.RegisterLibFunc(&vtxInvEpt, nativeLib, "vtx_invept")
		purego.RegisterLibFunc(&vtxRdmsr, nativeLib, "vtx_rdmsr")
		purego.RegisterLibFunc(&vtxWrmsr, nativeLib, "vtx_wrmsr")
		purego.RegisterLibFunc(&vtxCpuid, nativeLib, "vtx_cpuid")
		purego.RegisterLibFunc(&vtxReadCr, nativeLib, "vtx_read_cr")
		purego.RegisterLibFunc(&vtxWriteCr, nativeLib, "vtx_write_cr")
	})

	return nativeErr
}

type nativePort struct {
	cpu int
}

var (
	_ Port = &nativePort{}
)

func (p *nativePort) CPU() int { return p.cpu }

func (p *nativePort) Supported() bool {
	return vtxSupported(int32(p.cpu)) != 0
}

func (p *nativePort) decode(op string, rc int32) error {
	if rc >= 0 {
		return nil
	}
	return &InstructionError{Op: op, Code: uint32(-rc) - 1}
}

func (p *nativePort) On(region hv.PhysAddr) error {
	return p.decode("VMXON", vtxOn(int32(p.cpu), uint64(region)))
}

func (p *nativePort) Off() error {
	return p.decode("VMXOFF", vtxOff(int32(p.cpu)))
}

func (p *nativePort) Load(vmcs hv.PhysAddr) error {
	return p.decode("VMPTRLD", vtxLoad(int32(p.cpu), uint64(vmcs)))
}

func (p *nativePort) Clear(vmcs hv.PhysAddr) error {
	return p.decode("VMCLEAR", vtxClear(int32(p.cpu), uint64(vmcs)))
}

func (p *nativePort) Read(field Field) (uint64, error) {
	var out uint64
	if err := p.decode("VMREAD", vtxRead(int32(p.cpu), uint32(field), &out)); err != nil {
		return 0, err
	}
	return out, nil
}

func (p *nativePort) Write(field Field, value uint64) error {
	return p.decode("VMWRITE", vtxWrite(int32(p.cpu), uint32(field), value))
}

func (p *nativePort) Launch(regs *GeneralRegisters) error {
	return p.decode("VMLAUNCH", vtxLaunch(int32(p.cpu), regs, 0))
}

func (p *nativePort) Resume(regs *GeneralRegisters) error {
	return p.decode("VMRESUME", vtxLaunch(int32(p.cpu), regs, 1))
}

func (p *nativePort) InvEpt(eptp uint64) error {
	return p.decode("INVEPT", vtxInvEpt(int32(p.cpu), eptp))
}

func (p *nativePort) ReadMSR(msr Msr) (uint64, error) {
	var out uint64
	if err := p.decode("RDMSR", vtxRdmsr(int32(p.cpu), uint32(msr), &out)); err != nil {
		return 0, err
	}
	return out, nil
}

func (p *nativePort) WriteMSR(msr Msr, value uint64) error {
	return p.decode("WRMSR", vtxWrmsr(int32(p.cpu), uint32(msr), value))
}

func (p *nativePort) CPUID(leaf, sub uint32) CpuidResult {
	var out CpuidResult
	vtxCpuid(int32(p.cpu), leaf, sub, &out)
	return out
}

func (p *nativePort) ReadCR(n int) (uint64, error) {
	var out uint64
	if err := p.decode("MOV from CR", vtxReadCr(int32(p.cpu), int32(n), &out)); err != nil {
		return 0, err
	}
	return out, nil
}

func (p *nativePort) WriteCR(n int, value uint64) error {
	return p.decode("MOV to CR", vtxWriteCr(int32(p.cpu), int32(n), value))
}

type nativePortSource struct{}

// NativePorts opens the ring-0 helper library and returns a source of
// per-processor ports backed by it.
func NativePorts() (PortSource, error) {
	if err := loadNativeLibrary(); err != nil {
		return nil, err
	}
	return &nativePortSource{}, nil
}

func (s *nativePortSource) Port(cpu int) (Port, error) {
	if cpu < 0 {
		return nil, fmt.Errorf("vmx: invalid cpu %d", cpu)
	}
	return &nativePort{cpu: cpu}, nil
}

func (s *nativePortSource) Close() error { return nil }
