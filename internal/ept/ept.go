// Package ept maintains the 4-level extended page tables that
// translate guest-physical to host-physical addresses. Table frames
// come from the platform frame allocator and are walked through its
// direct mapping.
package ept

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/tinyrange/vtx/internal/hv"
)

const (
	entriesPerTable = 512
	levels          = 4

	entryRead  = 1 << 0
	entryWrite = 1 << 1
	entryExec  = 1 << 2

	// Leaf memory type lives in bits 5:3; 6 is write-back.
	entryMemTypeWB = 6 << 3

	entryAddrMask = 0x000f_ffff_ffff_f000
)

func permBits(access hv.Access) uint64 {
	switch access {
	case hv.AccessRead:
		return entryRead
	case hv.AccessWrite:
		return entryRead | entryWrite
	default:
		return entryRead | entryWrite | entryExec
	}
}

// Tables is one guest's EPT hierarchy. Mutation and translation are
// the caller's to serialize; the generation counter lets callers tie
// invalidations to the mutations that required them.
type Tables struct {
	hal  hv.Hal
	root hv.PhysAddr

	generation uint64
}

// New allocates an empty hierarchy: only the root table, nothing
// mapped.
func New(hal hv.Hal) (*Tables, error) {
	root, err := hal.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("ept: allocating root table: %w", err)
	}
	return &Tables{hal: hal, root: root}, nil
}

// Root returns the physical address of the top-level table, suitable
// for building an EPT pointer.
func (t *Tables) Root() hv.PhysAddr { return t.root }

// Generation counts completed mutations. A cached translation tagged
// with an older generation must be invalidated before reuse.
func (t *Tables) Generation() uint64 { return t.generation }

func (t *Tables) table(frame hv.PhysAddr) (*[entriesPerTable]uint64, error) {
	mem, err := t.hal.PhysToVirt(frame)
	if err != nil {
		return nil, err
	}
	return (*[entriesPerTable]uint64)(unsafe.Pointer(&mem[0])), nil
}

func index(gpa hv.GuestPhys, level int) int {
	shift := 12 + 9*(levels-1-level)
	return int(gpa>>shift) & (entriesPerTable - 1)
}

// walkTo descends to the leaf table for gpa, allocating intermediate
// tables if alloc is set. Without alloc it fails with ErrNotMapped at
// the first absent entry.
func (t *Tables) walkTo(gpa hv.GuestPhys, alloc bool) (*[entriesPerTable]uint64, error) {
	frame := t.root
	for level := 0; level < levels-1; level++ {
		table, err := t.table(frame)
		if err != nil {
			return nil, err
		}

		entry := table[index(gpa, level)]
		if entry&(entryRead|entryWrite|entryExec) == 0 {
			if !alloc {
				return nil, hv.ErrNotMapped
			}
			next, err := t.hal.AllocFrame()
			if err != nil {
				return nil, fmt.Errorf("ept: allocating level-%d table: %w", level+1, err)
			}
			// Intermediate entries carry full permissions; the leaf
			// decides.
			entry = uint64(next) | entryRead | entryWrite | entryExec
			table[index(gpa, level)] = entry
		}
		frame = hv.PhysAddr(entry & entryAddrMask)
	}
	return t.table(frame)
}

// Map installs one 4 KiB translation. Both addresses must be page
// aligned; remapping an existing page replaces it.
func (t *Tables) Map(gpa hv.GuestPhys, hpa hv.PhysAddr, access hv.Access) error {
	if !hv.PageAligned(uint64(gpa)) || !hv.PageAligned(uint64(hpa)) {
		return fmt.Errorf("ept: map %#x -> %#x: %w", uint64(gpa), uint64(hpa), hv.ErrMisaligned)
	}

	leaf, err := t.walkTo(gpa, true)
	if err != nil {
		return err
	}
	leaf[index(gpa, levels-1)] = uint64(hpa) | permBits(access) | entryMemTypeWB
	t.generation++
	return nil
}

// MapRange installs size bytes of translations starting at the given
// pair of addresses.
func (t *Tables) MapRange(gpa hv.GuestPhys, hpa hv.PhysAddr, size uint64, access hv.Access) error {
	if !hv.PageAligned(size) {
		return fmt.Errorf("ept: map range size %#x: %w", size, hv.ErrMisaligned)
	}
	for off := uint64(0); off < size; off += hv.PageSize {
		if err := t.Map(gpa+hv.GuestPhys(off), hpa+hv.PhysAddr(off), access); err != nil {
			return err
		}
	}
	return nil
}

// Protect changes the permissions of an existing translation.
func (t *Tables) Protect(gpa hv.GuestPhys, access hv.Access) error {
	if !hv.PageAligned(uint64(gpa)) {
		return fmt.Errorf("ept: protect %#x: %w", uint64(gpa), hv.ErrMisaligned)
	}

	leaf, err := t.walkTo(gpa, false)
	if err != nil {
		return err
	}
	entry := leaf[index(gpa, levels-1)]
	if entry&(entryRead|entryWrite|entryExec) == 0 {
		return hv.ErrNotMapped
	}
	leaf[index(gpa, levels-1)] = entry&^uint64(entryRead|entryWrite|entryExec) | permBits(access)
	t.generation++
	return nil
}

// Unmap removes one translation. Unmapping an absent page is a
// successful no-op; intermediate tables are left in place for reuse.
func (t *Tables) Unmap(gpa hv.GuestPhys) error {
	if !hv.PageAligned(uint64(gpa)) {
		return fmt.Errorf("ept: unmap %#x: %w", uint64(gpa), hv.ErrMisaligned)
	}

	leaf, err := t.walkTo(gpa, false)
	if err != nil {
		if errors.Is(err, hv.ErrNotMapped) {
			return nil
		}
		return err
	}
	if leaf[index(gpa, levels-1)]&(entryRead|entryWrite|entryExec) == 0 {
		return nil
	}
	leaf[index(gpa, levels-1)] = 0
	t.generation++
	return nil
}

// Translation is one resolved guest-physical mapping.
type Translation struct {
	HPA      hv.PhysAddr
	Readable bool
	Writable bool
	Execable bool
}

// Allows reports whether the translation permits the given access.
func (tr Translation) Allows(access hv.Access) bool {
	switch access {
	case hv.AccessRead:
		return tr.Readable
	case hv.AccessWrite:
		return tr.Writable
	default:
		return tr.Execable
	}
}

// Translate resolves a guest-physical address, page offset included.
func (t *Tables) Translate(gpa hv.GuestPhys) (Translation, error) {
	leaf, err := t.walkTo(gpa&^hv.GuestPhys(hv.PageSize-1), false)
	if err != nil {
		return Translation{}, err
	}
	entry := leaf[index(gpa, levels-1)]
	if entry&(entryRead|entryWrite|entryExec) == 0 {
		return Translation{}, hv.ErrNotMapped
	}
	return Translation{
		HPA:      hv.PhysAddr(entry&entryAddrMask) + hv.PhysAddr(gpa)&(hv.PageSize-1),
		Readable: entry&entryRead != 0,
		Writable: entry&entryWrite != 0,
		Execable: entry&entryExec != 0,
	}, nil
}

// Free releases every table frame, children before parents, leaving
// the hierarchy unusable.
func (t *Tables) Free() error {
	if t.root == 0 {
		return nil
	}
	if err := t.freeTable(t.root, 0); err != nil {
		return err
	}
	t.root = 0
	return nil
}

func (t *Tables) freeTable(frame hv.PhysAddr, level int) error {
	if level < levels-1 {
		table, err := t.table(frame)
		if err != nil {
			return err
		}
		for _, entry := range table {
			if entry&(entryRead|entryWrite|entryExec) == 0 {
				continue
			}
			if err := t.freeTable(hv.PhysAddr(entry&entryAddrMask), level+1); err != nil {
				return err
			}
		}
	}
	return t.hal.FreeFrame(frame)
}

// DebugDump logs the mapped regions at debug level, coalescing
// contiguous pages.
func (t *Tables) DebugDump() {
	var (
		start, end hv.GuestPhys
		active     bool
	)
	flush := func() {
		if active {
			slog.Debug("ept: mapped", "start", uint64(start), "end", uint64(end))
			active = false
		}
	}

	t.visit(t.root, 0, 0, func(gpa hv.GuestPhys) {
		if active && gpa == end {
			end += hv.PageSize
			return
		}
		flush()
		start, end, active = gpa, gpa+hv.PageSize, true
	})
	flush()
}

func (t *Tables) visit(frame hv.PhysAddr, level int, base hv.GuestPhys, fn func(hv.GuestPhys)) {
	table, err := t.table(frame)
	if err != nil {
		return
	}
	span := hv.GuestPhys(1) << (12 + 9*(levels-1-level))
	for i, entry := range table {
		if entry&(entryRead|entryWrite|entryExec) == 0 {
			continue
		}
		gpa := base + hv.GuestPhys(i)*span
		if level == levels-1 {
			fn(gpa)
		} else {
			t.visit(hv.PhysAddr(entry&entryAddrMask), level+1, gpa, fn)
		}
	}
}
