package svm

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/hv"
)

// allocContiguous obtains n physically contiguous frames. The frame
// allocator hands out single frames, so contiguity is checked rather
// than requested; fragmented allocators fail here.
func allocContiguous(hal hv.Hal, n int) ([]hv.PhysAddr, error) {
	frames := make([]hv.PhysAddr, 0, n)
	for i := 0; i < n; i++ {
		frame, err := hal.AllocFrame()
		if err != nil {
			for _, f := range frames {
				_ = hal.FreeFrame(f)
			}
			return nil, err
		}
		frames = append(frames, frame)
	}
	for i := 1; i < n; i++ {
		if frames[i] != frames[0]+hv.PhysAddr(i*hv.PageSize) {
			for _, f := range frames {
				_ = hal.FreeFrame(f)
			}
			return nil, fmt.Errorf("svm: allocator returned non-contiguous frames")
		}
	}
	return frames, nil
}

// MsrPermMap is the 8 KiB MSR permission map: two bits per MSR, read
// then write, set meaning intercept. Three MSR ranges are covered;
// everything outside them always intercepts.
type MsrPermMap struct {
	hal    hv.Hal
	frames []hv.PhysAddr
	bits   [][]byte
}

// NewMsrPermMap allocates a map with every covered MSR intercepted in
// both directions.
func NewMsrPermMap(hal hv.Hal) (*MsrPermMap, error) {
	frames, err := allocContiguous(hal, 2)
	if err != nil {
		return nil, fmt.Errorf("svm: allocating msr permission map: %w", err)
	}
	m := &MsrPermMap{hal: hal, frames: frames}
	for _, f := range frames {
		mem, err := hal.PhysToVirt(f)
		if err != nil {
			_ = m.Free()
			return nil, err
		}
		for i := range mem {
			mem[i] = 0xff
		}
		m.bits = append(m.bits, mem)
	}
	return m, nil
}

// Addr returns the base programmed into the VMCB.
func (m *MsrPermMap) Addr() hv.PhysAddr { return m.frames[0] }

// Free returns the map's frames.
func (m *MsrPermMap) Free() error {
	var first error
	for _, f := range m.frames {
		if err := m.hal.FreeFrame(f); err != nil && first == nil {
			first = err
		}
	}
	m.frames = nil
	m.bits = nil
	return first
}

// bitOffset locates the read bit for one MSR; the write bit follows
// it. The second return is false for MSRs outside the covered ranges.
func (m *MsrPermMap) bitOffset(msr uint32) (int, bool) {
	switch {
	case msr <= 0x1fff:
		return int(msr) * 2, true
	case msr >= 0xc000_0000 && msr <= 0xc000_1fff:
		return 0x800*8 + int(msr-0xc000_0000)*2, true
	case msr >= 0xc001_0000 && msr <= 0xc001_1fff:
		return 0x1000*8 + int(msr-0xc001_0000)*2, true
	}
	return 0, false
}

func (m *MsrPermMap) setBit(bit int, on bool) {
	page, off := bit/(hv.PageSize*8), bit%(hv.PageSize*8)
	if on {
		m.bits[page][off/8] |= 1 << (off % 8)
	} else {
		m.bits[page][off/8] &^= 1 << (off % 8)
	}
}

func (m *MsrPermMap) getBit(bit int) bool {
	page, off := bit/(hv.PageSize*8), bit%(hv.PageSize*8)
	return m.bits[page][off/8]&(1<<(off%8)) != 0
}

// SetRead sets or clears read interception for one MSR.
func (m *MsrPermMap) SetRead(msr uint32, intercept bool) {
	if bit, ok := m.bitOffset(msr); ok {
		m.setBit(bit, intercept)
	}
}

// SetWrite sets or clears write interception for one MSR.
func (m *MsrPermMap) SetWrite(msr uint32, intercept bool) {
	if bit, ok := m.bitOffset(msr); ok {
		m.setBit(bit+1, intercept)
	}
}

// Set adjusts both directions for one MSR.
func (m *MsrPermMap) Set(msr uint32, intercept bool) {
	m.SetRead(msr, intercept)
	m.SetWrite(msr, intercept)
}

// ReadIntercepted reports whether a RDMSR of the given MSR exits.
func (m *MsrPermMap) ReadIntercepted(msr uint32) bool {
	bit, ok := m.bitOffset(msr)
	if !ok {
		return true
	}
	return m.getBit(bit)
}

// WriteIntercepted reports whether a WRMSR of the given MSR exits.
func (m *MsrPermMap) WriteIntercepted(msr uint32) bool {
	bit, ok := m.bitOffset(msr)
	if !ok {
		return true
	}
	return m.getBit(bit + 1)
}

// IoPermMap is the 12 KiB I/O permission map: one bit per port, set
// meaning intercept.
type IoPermMap struct {
	hal    hv.Hal
	frames []hv.PhysAddr
	bits   [][]byte
}

// NewIoPermMap allocates a map with every port intercepted.
func NewIoPermMap(hal hv.Hal) (*IoPermMap, error) {
	frames, err := allocContiguous(hal, 3)
	if err != nil {
		return nil, fmt.Errorf("svm: allocating io permission map: %w", err)
	}
	m := &IoPermMap{hal: hal, frames: frames}
	for _, f := range frames {
		mem, err := hal.PhysToVirt(f)
		if err != nil {
			_ = m.Free()
			return nil, err
		}
		for i := range mem {
			mem[i] = 0xff
		}
		m.bits = append(m.bits, mem)
	}
	return m, nil
}

// Addr returns the base programmed into the VMCB.
func (m *IoPermMap) Addr() hv.PhysAddr { return m.frames[0] }

// Free returns the map's frames.
func (m *IoPermMap) Free() error {
	var first error
	for _, f := range m.frames {
		if err := m.hal.FreeFrame(f); err != nil && first == nil {
			first = err
		}
	}
	m.frames = nil
	m.bits = nil
	return first
}

// Set sets or clears interception for one port.
func (m *IoPermMap) Set(port uint16, intercept bool) {
	page, off := int(port)/(hv.PageSize*8), int(port)%(hv.PageSize*8)
	if intercept {
		m.bits[page][off/8] |= 1 << (off % 8)
	} else {
		m.bits[page][off/8] &^= 1 << (off % 8)
	}
}

// SetRange adjusts interception for a run of ports.
func (m *IoPermMap) SetRange(port uint16, count int, intercept bool) {
	for i := 0; i < count; i++ {
		m.Set(port+uint16(i), intercept)
	}
}

// Intercepted reports whether an access to the given port exits.
func (m *IoPermMap) Intercepted(port uint16) bool {
	page, off := int(port)/(hv.PageSize*8), int(port)%(hv.PageSize*8)
	return m.bits[page][off/8]&(1<<(off%8)) != 0
}
