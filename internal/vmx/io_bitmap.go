package vmx

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/hv"
)

// IoBitmap is the pair of 4 KiB I/O bitmaps: A covers ports 0x0-0x7fff,
// B covers 0x8000-0xffff, one bit per port, set meaning intercept. A
// fresh pair has every bit set: all ports exit until passed through. Multi-
// byte accesses exit if any covered port's bit is set; the per-port
// granularity here makes that the hardware's concern, not ours.
type IoBitmap struct {
	hal    hv.Hal
	frameA hv.PhysAddr
	frameB hv.PhysAddr
	bitsA  []byte
	bitsB  []byte
}

// NewIoBitmap allocates the A/B pair with every port intercepted.
func NewIoBitmap(hal hv.Hal) (*IoBitmap, error) {
	frameA, err := hal.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("vmx: allocating io bitmap a: %w", err)
	}
	frameB, err := hal.AllocFrame()
	if err != nil {
		_ = hal.FreeFrame(frameA)
		return nil, fmt.Errorf("vmx: allocating io bitmap b: %w", err)
	}

	bitsA, err := hal.PhysToVirt(frameA)
	if err == nil {
		var bitsB []byte
		bitsB, err = hal.PhysToVirt(frameB)
		if err == nil {
			for i := range bitsA {
				bitsA[i] = 0xff
			}
			for i := range bitsB {
				bitsB[i] = 0xff
			}
			return &IoBitmap{hal: hal, frameA: frameA, frameB: frameB, bitsA: bitsA, bitsB: bitsB}, nil
		}
	}
	_ = hal.FreeFrame(frameA)
	_ = hal.FreeFrame(frameB)
	return nil, fmt.Errorf("vmx: mapping io bitmaps: %w", err)
}

// AddrA and AddrB return the physical addresses programmed into the
// VMCS.
func (b *IoBitmap) AddrA() hv.PhysAddr { return b.frameA }
func (b *IoBitmap) AddrB() hv.PhysAddr { return b.frameB }

// Free returns both frames to the allocator.
func (b *IoBitmap) Free() error {
	var first error
	if b.frameA != 0 {
		if err := b.hal.FreeFrame(b.frameA); err != nil {
			first = err
		}
		b.frameA = 0
	}
	if b.frameB != 0 {
		if err := b.hal.FreeFrame(b.frameB); err != nil && first == nil {
			first = err
		}
		b.frameB = 0
	}
	b.bitsA, b.bitsB = nil, nil
	return first
}

func (b *IoBitmap) slot(port uint16) ([]byte, int, uint8) {
	bits := b.bitsA
	if port >= 0x8000 {
		bits = b.bitsB
		port -= 0x8000
	}
	return bits, int(port / 8), uint8(1 << (port % 8))
}

// Set sets or clears interception for one port.
func (b *IoBitmap) Set(port uint16, intercept bool) {
	bits, off, bit := b.slot(port)
	if intercept {
		bits[off] |= bit
	} else {
		bits[off] &^= bit
	}
}

// SetRange adjusts interception for a run of ports starting at port.
func (b *IoBitmap) SetRange(port uint16, count int, intercept bool) {
	for i := 0; i < count; i++ {
		b.Set(port+uint16(i), intercept)
	}
}

// Intercepted reports whether an access to the given port exits.
func (b *IoBitmap) Intercepted(port uint16) bool {
	bits, off, bit := b.slot(port)
	return bits[off]&bit != 0
}
