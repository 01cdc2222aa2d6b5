// Package emu is the software rendition of the virtualization
// hardware: a frame allocator over anonymous mappings and an
// instruction-level interpreter behind the same privileged ports the
// native paths use. It exists so the full engine, table walks and
// bitmap checks included, runs and tests on machines without VT-x.
package emu

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vtx/internal/hv"
)

// Hal is a physical address space simulated with one contiguous
// host allocation. Frame 0 is never handed out so that a zero
// PhysAddr stays distinguishable from a real frame.
type Hal struct {
	mtx sync.Mutex

	mem    []byte
	frames int
	free   []hv.PhysAddr
	next   int
}

var (
	_ hv.Hal = &Hal{}
)

// NewHal builds a simulated physical address space of the given size,
// rounded down to whole frames.
func NewHal(size int) (*Hal, error) {
	frames := size / hv.PageSize
	if frames < 2 {
		return nil, fmt.Errorf("emu: address space of %d bytes is too small", size)
	}
	mem, err := mapBacking(frames * hv.PageSize)
	if err != nil {
		return nil, fmt.Errorf("emu: mapping backing store: %w", err)
	}
	return &Hal{mem: mem, frames: frames, next: 1}, nil
}

// AllocFrame hands out one zeroed frame.
func (h *Hal) AllocFrame() (hv.PhysAddr, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	var frame hv.PhysAddr
	if n := len(h.free); n > 0 {
		frame = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		if h.next >= h.frames {
			return 0, hv.ErrOutOfMemory
		}
		frame = hv.PhysAddr(h.next * hv.PageSize)
		h.next++
	}

	page := h.mem[frame : frame+hv.PageSize]
	for i := range page {
		page[i] = 0
	}
	return frame, nil
}

// FreeFrame returns a frame to the allocator.
func (h *Hal) FreeFrame(frame hv.PhysAddr) error {
	if !hv.PageAligned(uint64(frame)) {
		return hv.ErrMisaligned
	}
	if frame == 0 || int(frame) >= h.frames*hv.PageSize {
		return fmt.Errorf("emu: free of %#x outside address space", uint64(frame))
	}

	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.free = append(h.free, frame)

	return nil
}

// PhysToVirt returns the backing bytes of one frame.
func (h *Hal) PhysToVirt(frame hv.PhysAddr) ([]byte, error) {
	if !hv.PageAligned(uint64(frame)) {
		return nil, hv.ErrMisaligned
	}
	if int(frame) >= h.frames*hv.PageSize {
		return nil, fmt.Errorf("emu: %#x outside address space", uint64(frame))
	}
	return h.mem[frame : frame+hv.PageSize : frame+hv.PageSize], nil
}

// RegisterTimer accepts and ignores the tick callback; the interpreter
// has no asynchronous time source.
func (h *Hal) RegisterTimer(func()) error { return nil }

// Close releases the backing store.
func (h *Hal) Close() error {
	if h.mem == nil {
		return nil
	}
	err := unmapBacking(h.mem)
	h.mem = nil
	return err
}
