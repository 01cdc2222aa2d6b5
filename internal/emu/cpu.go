package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vtx/internal/hv"
	"github.com/tinyrange/vtx/internal/vmx"
	"golang.org/x/arch/x86/x86asm"
)

// maxSteps bounds one entry; a guest that neither halts nor exits
// within it is broken.
const maxSteps = 1_000_000

const (
	exitExceptionNmi      = 0
	exitExternalInterrupt = 1
	exitInterruptWindow   = 7
	exitCpuid             = 10
	exitHlt               = 12
	exitVmcall            = 18
	exitIo                = 30
	exitMsrRead           = 31
	exitMsrWrite          = 32
	exitEntryFailGuest    = 33
	exitEptViolation      = 48
	exitPreemptionTimer   = 52

	entryFailFlag = 1 << 31
)

const (
	intrValid     = 1 << 31
	intrErrCode   = 1 << 11
	intrTypeShift = 8
)

// guestCpu is the transient interpreter state of one entry: the VMCS
// field map plus the register snapshot, with the VMCS-resident RSP,
// RIP and RFLAGS pulled into locals for the duration.
type guestCpu struct {
	m    *Machine
	f    map[vmx.Field]uint64
	regs *vmx.GeneralRegisters

	rip    uint64
	rflags uint64
}

// enter simulates one VM-entry: validity checks, event delivery, then
// instruction execution until something exits.
func (m *Machine) enter(cpu int, region *softVmcs, regs *vmx.GeneralRegisters) error {
	g := &guestCpu{m: m, f: region.fields, regs: regs}
	g.rip = g.f[vmx.GuestNWRip]
	g.rflags = g.f[vmx.GuestNWRflags]
	g.regs.Rsp = g.f[vmx.GuestNWRsp]

	defer func() {
		g.f[vmx.GuestNWRip] = g.rip
		g.f[vmx.GuestNWRflags] = g.rflags
		g.f[vmx.GuestNWRsp] = g.regs.Rsp
	}()

	// The checks hardware performs before any guest instruction runs.
	if g.f[vmx.Guest64LinkPointer] != ^uint64(0) {
		g.exit(exitEntryFailGuest|entryFailFlag, 0, 0)
		return nil
	}
	if g.rflags&0x2 == 0 {
		g.exit(exitEntryFailGuest|entryFailFlag, 0, 0)
		return nil
	}

	g.deliverPending()

	for steps := 0; steps < maxSteps; steps++ {
		if done := g.checkExternalInterrupt(); done {
			return nil
		}
		if g.checkInterruptWindow() {
			return nil
		}

		done, err := g.step()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	return fmt.Errorf("emu: cpu %d: guest made no exit in %d instructions", cpu, maxSteps)
}

// deliverPending consumes a queued entry-interruption, the way the
// hardware delivers it and clears the valid bit.
func (g *guestCpu) deliverPending() {
	info := uint32(g.f[vmx.Control32VmentryIntrInfo])
	if info&intrValid == 0 {
		return
	}

	ev := DeliveredEvent{
		Vector: uint8(info),
		Type:   (info >> intrTypeShift) & 0x7,
		HasErr: info&intrErrCode != 0,
	}
	if ev.HasErr {
		ev.ErrCode = uint32(g.f[vmx.Control32VmentryErrcode])
	}

	g.m.mtx.Lock()
	g.m.delivered = append(g.m.delivered, ev)
	g.m.mtx.Unlock()

	g.f[vmx.Control32VmentryIntrInfo] = 0
}

// checkExternalInterrupt takes one queued host interrupt if the pin
// controls ask for an exit on it.
func (g *guestCpu) checkExternalInterrupt() bool {
	if g.f[vmx.Control32Pinbased]&vmx.PinExternalInterruptExiting == 0 {
		return false
	}

	g.m.mtx.Lock()
	if len(g.m.pendingIntr) == 0 {
		g.m.mtx.Unlock()
		return false
	}
	vector := g.m.pendingIntr[0]
	g.m.pendingIntr = g.m.pendingIntr[1:]
	g.m.mtx.Unlock()

	g.exit(exitExternalInterrupt, 0, 0)
	g.f[vmx.ReadOnly32IntrInfo] = uint64(intrValid | uint32(vector))
	return true
}

func (g *guestCpu) checkInterruptWindow() bool {
	if g.f[vmx.Control32PrimaryProcbased]&vmx.PrimaryInterruptWindowExiting == 0 {
		return false
	}
	if g.rflags&(1<<9) == 0 || g.f[vmx.Guest32Interruptibility]&0x3 != 0 {
		return false
	}
	g.exit(exitInterruptWindow, 0, 0)
	return true
}

// exit fills the read-only exit-information fields.
func (g *guestCpu) exit(reason uint32, qualification uint64, instrLen uint8) {
	g.f[vmx.ReadOnly32ExitReason] = uint64(reason)
	g.f[vmx.ReadOnlyNWExitQualification] = qualification
	g.f[vmx.ReadOnly32InstructionLen] = uint64(instrLen)
}

func (g *guestCpu) mode() int {
	csAr := g.f[vmx.Guest32CsAccessRights]
	if g.f[vmx.Guest64Efer]&(1<<10) != 0 && csAr&(1<<13) != 0 {
		return 64
	}
	if g.f[vmx.GuestNWCr0]&0x1 != 0 && csAr&(1<<14) != 0 {
		return 32
	}
	return 16
}

// translate walks the extended page tables for one guest-physical
// address, returning the host frame byte slice for its page and the
// leaf permissions. Guest linear translation is the identity: the
// interpreter runs guests before they enable their own paging.
func (g *guestCpu) translate(gpa uint64) ([]byte, uint64, bool) {
	table := g.f[vmx.Control64EptPointer] & 0x000f_ffff_ffff_f000
	for level := 0; level < 4; level++ {
		mem, err := g.m.hal.PhysToVirt(hv.PhysAddr(table))
		if err != nil {
			return nil, 0, false
		}
		idx := (gpa >> (12 + 9*(3-level))) & 0x1ff
		entry := binary.LittleEndian.Uint64(mem[idx*8:])
		if entry&0x7 == 0 {
			return nil, 0, false
		}
		table = entry & 0x000f_ffff_ffff_f000
		if level == 3 {
			page, err := g.m.hal.PhysToVirt(hv.PhysAddr(table))
			if err != nil {
				return nil, 0, false
			}
			return page, entry & 0x7, true
		}
	}
	return nil, 0, false
}

// eptViolation builds the violation exit for one faulting access.
func (g *guestCpu) eptViolation(gpa uint64, access hv.Access, perms uint64, instrLen uint8) {
	var qual uint64
	switch access {
	case hv.AccessRead:
		qual = 1 << 0
	case hv.AccessWrite:
		qual = 1 << 1
	default:
		qual = 1 << 2
	}
	qual |= perms << 3

	g.exit(exitEptViolation, qual, instrLen)
	g.f[vmx.ReadOnly64GuestPhysicalAddress] = gpa
}

// memAccess reads or writes guest-physical memory byte-wise so that
// accesses may cross page boundaries. A fault reports the failing
// address and the leaf permissions found there.
func (g *guestCpu) memAccess(gpa uint64, buf []byte, write bool) (uint64, uint64, bool) {
	for i := range buf {
		addr := gpa + uint64(i)
		page, perms, ok := g.translate(addr)
		if !ok {
			return addr, 0, false
		}
		if write && perms&0x2 == 0 || !write && perms&0x1 == 0 {
			return addr, perms, false
		}
		off := addr & (hv.PageSize - 1)
		if write {
			page[off] = buf[i]
		} else {
			buf[i] = page[off]
		}
	}
	return 0, 0, true
}

// fetch pulls up to 15 instruction bytes at RIP.
func (g *guestCpu) fetch() ([]byte, uint64, uint64, bool) {
	code := make([]byte, 15)
	for i := range code {
		page, perms, ok := g.translate(g.rip + uint64(i))
		if !ok || perms&0x4 == 0 {
			if i == 0 {
				return nil, g.rip, perms, false
			}
			return code[:i], 0, 0, true
		}
		code[i] = page[(g.rip+uint64(i))&(hv.PageSize-1)]
	}
	return code, 0, 0, true
}

// step executes one guest instruction. It reports true when an exit
// was recorded.
func (g *guestCpu) step() (bool, error) {
	code, faultAddr, faultPerms, ok := g.fetch()
	if !ok {
		g.eptViolation(faultAddr, hv.AccessExec, faultPerms, 0)
		return true, nil
	}

	// VMCALL (0F 01 C1) predates the decoder's tables.
	if len(code) >= 3 && code[0] == 0x0f && code[1] == 0x01 && code[2] == 0xc1 {
		g.exit(exitVmcall, 0, 3)
		return true, nil
	}

	inst, err := x86asm.Decode(code, g.mode())
	if err != nil {
		g.undefined()
		return true, nil
	}
	length := uint8(inst.Len)

	// Completing any instruction lifts STI/MOV-SS blocking.
	clearBlocking := func() {
		g.f[vmx.Guest32Interruptibility] &^= uint64(0x3)
	}

	switch inst.Op {
	case x86asm.HLT:
		if g.f[vmx.Control32PrimaryProcbased]&vmx.PrimaryHltExiting != 0 {
			g.exit(exitHlt, 0, length)
			return true, nil
		}
		g.rip += uint64(length)
		clearBlocking()
		return false, nil

	case x86asm.CPUID:
		g.exit(exitCpuid, 0, length)
		return true, nil

	case x86asm.RDMSR, x86asm.WRMSR:
		return g.stepMsr(inst.Op == x86asm.WRMSR, length, clearBlocking)

	case x86asm.IN, x86asm.OUT:
		return g.stepIo(inst, length, clearBlocking)

	case x86asm.STI:
		g.rflags |= 1 << 9
		g.rip += uint64(length)
		// Interrupts stay blocked for one more instruction.
		g.f[vmx.Guest32Interruptibility] |= 0x1
		return false, nil

	case x86asm.CLI:
		g.rflags &^= uint64(1 << 9)
		g.rip += uint64(length)
		clearBlocking()
		return false, nil

	case x86asm.NOP:
		g.rip += uint64(length)
		clearBlocking()
		return false, nil

	case x86asm.MOV:
		return g.stepMov(inst, length, clearBlocking)
	}

	g.undefined()
	return true, nil
}

// undefined reports an unsupported opcode as a #UD exception exit.
func (g *guestCpu) undefined() {
	g.exit(exitExceptionNmi, 0, 0)
	g.f[vmx.ReadOnly32IntrInfo] = uint64(intrValid | 3<<intrTypeShift | 6)
}

func (g *guestCpu) stepMsr(write bool, length uint8, clearBlocking func()) (bool, error) {
	msr := uint32(g.regs.Rcx)
	if g.f[vmx.Control32PrimaryProcbased]&vmx.PrimaryUseMsrBitmaps == 0 || g.msrIntercepted(msr, write) {
		reason := uint32(exitMsrRead)
		if write {
			reason = exitMsrWrite
		}
		g.exit(reason, 0, length)
		return true, nil
	}

	g.m.mtx.Lock()
	if write {
		g.m.msrs[vmx.Msr(msr)] = g.regs.Rdx<<32 | g.regs.Rax&0xffffffff
	} else {
		val := g.m.msrs[vmx.Msr(msr)]
		g.regs.Rax = val & 0xffffffff
		g.regs.Rdx = val >> 32
	}
	g.m.mtx.Unlock()

	g.rip += uint64(length)
	clearBlocking()
	return false, nil
}

// msrIntercepted consults the MSR bitmap frame the way the hardware
// does.
func (g *guestCpu) msrIntercepted(msr uint32, write bool) bool {
	bits, err := g.m.hal.PhysToVirt(hv.PhysAddr(g.f[vmx.Control64MsrBitmaps]))
	if err != nil {
		return true
	}

	var base int
	switch {
	case msr <= 0x1fff:
	case msr >= 0xc000_0000 && msr <= 0xc000_1fff:
		base = 0x400
		msr -= 0xc000_0000
	default:
		return true
	}
	if write {
		base += 0x800
	}
	return bits[base+int(msr/8)]&(1<<(msr%8)) != 0
}

func (g *guestCpu) ioIntercepted(port uint16) bool {
	if g.f[vmx.Control32PrimaryProcbased]&vmx.PrimaryUnconditionalIoExiting != 0 {
		return true
	}
	if g.f[vmx.Control32PrimaryProcbased]&vmx.PrimaryUseIoBitmaps == 0 {
		return false
	}

	field := vmx.Control64IoBitmapA
	if port >= 0x8000 {
		field = vmx.Control64IoBitmapB
		port -= 0x8000
	}
	bits, err := g.m.hal.PhysToVirt(hv.PhysAddr(g.f[field]))
	if err != nil {
		return true
	}
	return bits[port/8]&(1<<(port%8)) != 0
}

func (g *guestCpu) stepIo(inst x86asm.Inst, length uint8, clearBlocking func()) (bool, error) {
	in := inst.Op == x86asm.IN

	var portArg, dataArg x86asm.Arg
	if in {
		dataArg, portArg = inst.Args[0], inst.Args[1]
	} else {
		portArg, dataArg = inst.Args[0], inst.Args[1]
	}

	var port uint16
	switch a := portArg.(type) {
	case x86asm.Imm:
		port = uint16(a)
	case x86asm.Reg:
		port = uint16(g.regs.Rdx)
	default:
		g.undefined()
		return true, nil
	}

	reg, okReg := dataArg.(x86asm.Reg)
	if !okReg {
		g.undefined()
		return true, nil
	}
	_, width, _, okIdx := gprIndex(reg)
	if !okIdx {
		g.undefined()
		return true, nil
	}

	if g.ioIntercepted(port) {
		qual := uint64(width-1) | uint64(port)<<16
		if in {
			qual |= 1 << 3
		}
		g.exit(exitIo, qual, length)
		return true, nil
	}

	// Passthrough: the simulated platform has no devices, reads float
	// high.
	if in {
		g.writeReg(reg, 1<<(8*uint(width))-1)
	}
	g.rip += uint64(length)
	clearBlocking()
	return false, nil
}

func (g *guestCpu) stepMov(inst x86asm.Inst, length uint8, clearBlocking func()) (bool, error) {
	dst, src := inst.Args[0], inst.Args[1]

	width := inst.MemBytes
	if width == 0 {
		if r, ok := dst.(x86asm.Reg); ok {
			if _, w, _, ok := gprIndex(r); ok {
				width = w
			}
		}
	}
	if width == 0 || width > 8 {
		g.undefined()
		return true, nil
	}

	var value uint64
	switch s := src.(type) {
	case x86asm.Imm:
		value = uint64(s)
	case x86asm.Reg:
		var ok bool
		value, ok = g.readReg(s)
		if !ok {
			g.undefined()
			return true, nil
		}
	case x86asm.Mem:
		buf := make([]byte, width)
		gpa := g.effectiveAddr(s)
		if addr, perms, ok := g.memAccess(gpa, buf, false); !ok {
			g.eptViolation(addr, hv.AccessRead, perms, length)
			return true, nil
		}
		value = leUint(buf)
	default:
		g.undefined()
		return true, nil
	}

	switch d := dst.(type) {
	case x86asm.Reg:
		g.writeReg(d, value)
	case x86asm.Mem:
		buf := make([]byte, width)
		lePut(buf, value)
		gpa := g.effectiveAddr(d)
		if addr, perms, ok := g.memAccess(gpa, buf, true); !ok {
			g.eptViolation(addr, hv.AccessWrite, perms, length)
			return true, nil
		}
	default:
		g.undefined()
		return true, nil
	}

	g.rip += uint64(length)
	clearBlocking()
	return false, nil
}

// effectiveAddr computes a memory operand's address. Segments all have
// base zero and guest paging is identity, so the result is directly a
// guest-physical address.
func (g *guestCpu) effectiveAddr(mem x86asm.Mem) uint64 {
	addr := uint64(mem.Disp)
	if mem.Base != 0 {
		if v, ok := g.readReg(mem.Base); ok {
			addr += v
		}
	}
	if mem.Index != 0 {
		if v, ok := g.readReg(mem.Index); ok {
			addr += v * uint64(mem.Scale)
		}
	}
	if g.mode() != 64 {
		addr &= 0xffff_ffff
	}
	return addr
}

func leUint(buf []byte) uint64 {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

func lePut(buf []byte, v uint64) {
	for i := range buf {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

// gprIndex maps a decoded register to its slot, access width and
// high-byte flag.
func gprIndex(r x86asm.Reg) (idx, width int, high, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1, false, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH), 1, true, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return int(r-x86asm.SPB) + 4, 1, false, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return int(r-x86asm.R8B) + 8, 1, false, true
	case r >= x86asm.AX && r <= x86asm.DI:
		return int(r - x86asm.AX), 2, false, true
	case r >= x86asm.R8W && r <= x86asm.R15W:
		return int(r-x86asm.R8W) + 8, 2, false, true
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return int(r - x86asm.EAX), 4, false, true
	case r >= x86asm.R8L && r <= x86asm.R15L:
		return int(r-x86asm.R8L) + 8, 4, false, true
	case r >= x86asm.RAX && r <= x86asm.RDI:
		return int(r - x86asm.RAX), 8, false, true
	case r >= x86asm.R8 && r <= x86asm.R15:
		return int(r-x86asm.R8) + 8, 8, false, true
	}
	return 0, 0, false, false
}

func (g *guestCpu) readReg(r x86asm.Reg) (uint64, bool) {
	if r == x86asm.RIP || r == x86asm.EIP || r == x86asm.IP {
		return g.rip, true
	}
	idx, width, high, ok := gprIndex(r)
	if !ok {
		return 0, false
	}
	v := g.regs.Get(idx)
	if high {
		return v >> 8 & 0xff, true
	}
	switch width {
	case 1:
		return v & 0xff, true
	case 2:
		return v & 0xffff, true
	case 4:
		return v & 0xffff_ffff, true
	}
	return v, true
}

func (g *guestCpu) writeReg(r x86asm.Reg, value uint64) {
	idx, width, high, ok := gprIndex(r)
	if !ok {
		return
	}
	old := g.regs.Get(idx)
	switch {
	case high:
		g.regs.Set(idx, old&^uint64(0xff00)|(value&0xff)<<8)
	case width == 1:
		g.regs.Set(idx, old&^uint64(0xff)|value&0xff)
	case width == 2:
		g.regs.Set(idx, old&^uint64(0xffff)|value&0xffff)
	case width == 4:
		// 32-bit writes zero the upper half.
		g.regs.Set(idx, value&0xffff_ffff)
	default:
		g.regs.Set(idx, value)
	}
}
