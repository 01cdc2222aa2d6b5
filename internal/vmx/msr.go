package vmx

// Msr is a model-specific register index.
type Msr uint32

// MSRs the engine reads or writes through the instruction port.
const (
	MsrTimeStampCounter Msr = 0x10
	MsrApicBase         Msr = 0x1b

	// MsrFeatureControl gates VMXON. Bit 0 locks the register, bit 2
	// permits VMXON outside SMX operation.
	MsrFeatureControl Msr = 0x3a

	MsrPat Msr = 0x277

	// VMX capability MSRs (SDM Vol. 3D, Appendix A).
	MsrVmxBasic          Msr = 0x480
	MsrVmxPinbasedCtls   Msr = 0x481
	MsrVmxProcbasedCtls  Msr = 0x482
	MsrVmxExitCtls       Msr = 0x483
	MsrVmxEntryCtls      Msr = 0x484
	MsrVmxMisc           Msr = 0x485
	MsrVmxCr0Fixed0      Msr = 0x486
	MsrVmxCr0Fixed1      Msr = 0x487
	MsrVmxCr4Fixed0      Msr = 0x488
	MsrVmxCr4Fixed1      Msr = 0x489
	MsrVmxVmcsEnum       Msr = 0x48a
	MsrVmxProcbasedCtls2 Msr = 0x48b
	MsrVmxEptVpidCap     Msr = 0x48c
	MsrVmxTruePinbased   Msr = 0x48d
	MsrVmxTrueProcbased  Msr = 0x48e
	MsrVmxTrueExit       Msr = 0x48f
	MsrVmxTrueEntry      Msr = 0x490
	MsrVmxVmfunc         Msr = 0x491

	MsrXss Msr = 0xda0

	MsrEfer   Msr = 0xc0000080
	MsrFsBase Msr = 0xc0000100
	MsrGsBase Msr = 0xc0000101
)

// MsrFeatureControl bits.
const (
	featureControlLocked          = 1 << 0
	featureControlVmxonOutsideSmx = 1 << 2
)

// MsrEfer bits.
const (
	eferLME = 1 << 8
	eferLMA = 1 << 10
	eferNXE = 1 << 11
)

// CR0/CR4/RFLAGS bits the engine inspects.
const (
	cr0PE = 1 << 0
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0NW = 1 << 29
	cr0CD = 1 << 30
	cr0PG = 1 << 31

	cr4PSE  = 1 << 4
	cr4PAE  = 1 << 5
	cr4VMXE = 1 << 13
	cr4SMEP = 1 << 20
	cr4SMAP = 1 << 21

	rflagsReserved1 = 1 << 1
	rflagsIF        = 1 << 9
)

// vmxBasic is the decoded IA32_VMX_BASIC capability MSR.
type vmxBasic struct {
	RevisionID      uint32
	RegionSize      uint32
	Is32BitAddress  bool
	MemType         uint8
	IOExitInfo      bool
	HasTrueControls bool
}

const vmxMemTypeWriteBack = 6

func decodeVmxBasic(raw uint64) vmxBasic {
	return vmxBasic{
		RevisionID:      uint32(raw) & 0x7fff_ffff,
		RegionSize:      uint32(raw>>32) & 0x1fff,
		Is32BitAddress:  raw&(1<<48) != 0,
		MemType:         uint8(raw>>50) & 0xf,
		IOExitInfo:      raw&(1<<54) != 0,
		HasTrueControls: raw&(1<<55) != 0,
	}
}
