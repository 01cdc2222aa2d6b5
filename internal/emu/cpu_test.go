package emu

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/vtx/internal/vmx"
)

func TestGprIndex(t *testing.T) {
	cases := []struct {
		reg   x86asm.Reg
		idx   int
		width int
		high  bool
	}{
		{x86asm.AL, 0, 1, false},
		{x86asm.AH, 0, 1, true},
		{x86asm.BH, 3, 1, true},
		{x86asm.SPB, 4, 1, false},
		{x86asm.R8B, 8, 1, false},
		{x86asm.AX, 0, 2, false},
		{x86asm.DX, 2, 2, false},
		{x86asm.R10W, 10, 2, false},
		{x86asm.EAX, 0, 4, false},
		{x86asm.EDI, 7, 4, false},
		{x86asm.R9L, 9, 4, false},
		{x86asm.RAX, 0, 8, false},
		{x86asm.RSP, 4, 8, false},
		{x86asm.R15, 15, 8, false},
	}
	for _, tc := range cases {
		idx, width, high, ok := gprIndex(tc.reg)
		if !ok {
			t.Errorf("gprIndex(%v) not recognized", tc.reg)
			continue
		}
		if idx != tc.idx || width != tc.width || high != tc.high {
			t.Errorf("gprIndex(%v) = (%d, %d, %v), want (%d, %d, %v)",
				tc.reg, idx, width, high, tc.idx, tc.width, tc.high)
		}
	}

	if _, _, _, ok := gprIndex(x86asm.CS); ok {
		t.Error("gprIndex(CS) recognized a segment register")
	}
	if _, _, _, ok := gprIndex(x86asm.X0); ok {
		t.Error("gprIndex(X0) recognized a vector register")
	}
}

func TestWriteRegMerging(t *testing.T) {
	var regs vmx.GeneralRegisters
	g := &guestCpu{regs: &regs}

	regs.Rax = 0x1122_3344_5566_7788

	g.writeReg(x86asm.AL, 0xff)
	if regs.Rax != 0x1122_3344_5566_77ff {
		t.Errorf("AL write: rax = %#x", regs.Rax)
	}

	g.writeReg(x86asm.AH, 0xee)
	if regs.Rax != 0x1122_3344_5566_eeff {
		t.Errorf("AH write: rax = %#x", regs.Rax)
	}

	g.writeReg(x86asm.AX, 0x1_0042)
	if regs.Rax != 0x1122_3344_5566_0042 {
		t.Errorf("AX write: rax = %#x", regs.Rax)
	}

	// 32-bit destinations zero the upper half.
	g.writeReg(x86asm.EAX, 0xdead_beef)
	if regs.Rax != 0xdead_beef {
		t.Errorf("EAX write: rax = %#x", regs.Rax)
	}

	g.writeReg(x86asm.RAX, 0x1122_3344_5566_7788)
	if regs.Rax != 0x1122_3344_5566_7788 {
		t.Errorf("RAX write: rax = %#x", regs.Rax)
	}

	g.writeReg(x86asm.R15B, 0xaa)
	if regs.R15 != 0xaa {
		t.Errorf("R15B write: r15 = %#x", regs.R15)
	}
}

func TestReadRegWidths(t *testing.T) {
	var regs vmx.GeneralRegisters
	g := &guestCpu{regs: &regs, rip: 0x7c05}

	regs.Rbx = 0x1122_3344_5566_7788

	cases := []struct {
		reg  x86asm.Reg
		want uint64
	}{
		{x86asm.BL, 0x88},
		{x86asm.BH, 0x77},
		{x86asm.BX, 0x7788},
		{x86asm.EBX, 0x5566_7788},
		{x86asm.RBX, 0x1122_3344_5566_7788},
	}
	for _, tc := range cases {
		got, ok := g.readReg(tc.reg)
		if !ok {
			t.Errorf("readReg(%v) not recognized", tc.reg)
			continue
		}
		if got != tc.want {
			t.Errorf("readReg(%v) = %#x, want %#x", tc.reg, got, tc.want)
		}
	}

	if got, ok := g.readReg(x86asm.RIP); !ok || got != 0x7c05 {
		t.Errorf("readReg(RIP) = %#x, %v", got, ok)
	}
}

func TestLittleEndianHelpers(t *testing.T) {
	buf := make([]byte, 4)
	lePut(buf, 0xdead_beef)
	if buf[0] != 0xef || buf[1] != 0xbe || buf[2] != 0xad || buf[3] != 0xde {
		t.Errorf("lePut = % x", buf)
	}
	if got := leUint(buf); got != 0xdead_beef {
		t.Errorf("leUint = %#x", got)
	}

	two := []byte{0x34, 0x12}
	if got := leUint(two); got != 0x1234 {
		t.Errorf("leUint(2 bytes) = %#x", got)
	}
}

func TestModeSelection(t *testing.T) {
	g := &guestCpu{f: map[vmx.Field]uint64{}}

	if got := g.mode(); got != 16 {
		t.Errorf("real-mode guest: mode() = %d, want 16", got)
	}

	// Protected mode with a 32-bit code segment (D bit).
	g.f[vmx.GuestNWCr0] = 0x1
	g.f[vmx.Guest32CsAccessRights] = 0x9b | 1<<14
	if got := g.mode(); got != 32 {
		t.Errorf("protected-mode guest: mode() = %d, want 32", got)
	}

	// Long mode: EFER.LMA with a long code segment (L bit).
	g.f[vmx.Guest64Efer] = 1 << 10
	g.f[vmx.Guest32CsAccessRights] = 0x9b | 1<<13
	if got := g.mode(); got != 64 {
		t.Errorf("long-mode guest: mode() = %d, want 64", got)
	}
}
