package vmx

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/hv"
)

// MsrBitmap is the 4 KiB MSR interception bitmap. It is split into four
// 1 KiB quadrants: read-low, read-high, write-low, write-high, where
// "low" covers MSRs 0x0-0x1fff and "high" covers 0xc0000000-0xc0001fff.
// A set bit intercepts; a fresh bitmap has every bit set, so no MSR
// passes through until explicitly cleared. MSRs outside both ranges
// always exit regardless of the bitmap, so interception requests for
// them are no-ops.
type MsrBitmap struct {
	hal   hv.Hal
	frame hv.PhysAddr
	bits  []byte
}

const (
	msrLowBase  = 0x0000_0000
	msrLowLast  = 0x0000_1fff
	msrHighBase = 0xc000_0000
	msrHighLast = 0xc000_1fff
)

// NewMsrBitmap allocates a bitmap with every read and write
// intercepted.
func NewMsrBitmap(hal hv.Hal) (*MsrBitmap, error) {
	frame, err := hal.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("vmx: allocating msr bitmap: %w", err)
	}
	bits, err := hal.PhysToVirt(frame)
	if err != nil {
		_ = hal.FreeFrame(frame)
		return nil, fmt.Errorf("vmx: mapping msr bitmap: %w", err)
	}
	for i := range bits {
		bits[i] = 0xff
	}
	return &MsrBitmap{hal: hal, frame: frame, bits: bits}, nil
}

// Addr returns the physical address programmed into the VMCS.
func (b *MsrBitmap) Addr() hv.PhysAddr { return b.frame }

// Free returns the bitmap frame to the allocator.
func (b *MsrBitmap) Free() error {
	if b.frame == 0 {
		return nil
	}
	err := b.hal.FreeFrame(b.frame)
	b.frame = 0
	b.bits = nil
	return err
}

// offset locates the bitmap byte and bit for one MSR in the read or
// write half. The second return is false for MSRs the bitmap cannot
// cover.
func (b *MsrBitmap) offset(msr uint32, write bool) (int, uint8, bool) {
	var base int
	switch {
	case msr <= msrLowLast:
		base = 0
	case msr >= msrHighBase && msr <= msrHighLast:
		base = 0x400
		msr -= msrHighBase
	default:
		return 0, 0, false
	}
	if write {
		base += 0x800
	}
	return base + int(msr/8), uint8(1 << (msr % 8)), true
}

// SetRead sets or clears read interception for one MSR.
func (b *MsrBitmap) SetRead(msr uint32, intercept bool) {
	if off, bit, ok := b.offset(msr, false); ok {
		if intercept {
			b.bits[off] |= bit
		} else {
			b.bits[off] &^= bit
		}
	}
}

// SetWrite sets or clears write interception for one MSR.
func (b *MsrBitmap) SetWrite(msr uint32, intercept bool) {
	if off, bit, ok := b.offset(msr, true); ok {
		if intercept {
			b.bits[off] |= bit
		} else {
			b.bits[off] &^= bit
		}
	}
}

// Set adjusts both read and write interception for one MSR.
func (b *MsrBitmap) Set(msr uint32, intercept bool) {
	b.SetRead(msr, intercept)
	b.SetWrite(msr, intercept)
}

// ReadIntercepted reports whether a RDMSR of the given MSR exits. MSRs
// outside the coverable ranges always exit.
func (b *MsrBitmap) ReadIntercepted(msr uint32) bool {
	off, bit, ok := b.offset(msr, false)
	if !ok {
		return true
	}
	return b.bits[off]&bit != 0
}

// WriteIntercepted reports whether a WRMSR of the given MSR exits.
func (b *MsrBitmap) WriteIntercepted(msr uint32) bool {
	off, bit, ok := b.offset(msr, true)
	if !ok {
		return true
	}
	return b.bits[off]&bit != 0
}
