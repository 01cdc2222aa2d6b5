package vmx

// Field is a VMCS component encoding (SDM Vol. 3D, Appendix B). Bits 14:13
// carry the width, bits 11:10 the category; read-only exit-information
// fields live in their own category and reject writes.
type Field uint32

// fieldWidth returns the encoded access width class.
func (f Field) width() uint32 { return (uint32(f) >> 13) & 0x3 }

// readOnly reports whether the field sits in the read-only
// exit-information category.
func (f Field) readOnly() bool { return (uint32(f)>>10)&0x3 == 1 }

const (
	fieldWidth16 = 0
	fieldWidth64 = 1
	fieldWidth32 = 2
	fieldWidthNW = 3
)

// 16-bit fields.
const (
	ControlVpid Field = 0x0000

	Guest16EsSelector      Field = 0x0800
	Guest16CsSelector      Field = 0x0802
	Guest16SsSelector      Field = 0x0804
	Guest16DsSelector      Field = 0x0806
	Guest16FsSelector      Field = 0x0808
	Guest16GsSelector      Field = 0x080a
	Guest16LdtrSelector    Field = 0x080c
	Guest16TrSelector      Field = 0x080e
	Guest16InterruptStatus Field = 0x0810

	Host16EsSelector Field = 0x0c00
	Host16CsSelector Field = 0x0c02
	Host16SsSelector Field = 0x0c04
	Host16DsSelector Field = 0x0c06
	Host16FsSelector Field = 0x0c08
	Host16GsSelector Field = 0x0c0a
	Host16TrSelector Field = 0x0c0c
)

// 64-bit fields.
const (
	Control64IoBitmapA       Field = 0x2000
	Control64IoBitmapB       Field = 0x2002
	Control64MsrBitmaps      Field = 0x2004
	Control64VmexitMsrStore  Field = 0x2006
	Control64VmexitMsrLoad   Field = 0x2008
	Control64VmentryMsrLoad  Field = 0x200a
	Control64TscOffset       Field = 0x2010
	Control64VirtualApicAddr Field = 0x2012
	Control64ApicAccessAddr  Field = 0x2014
	Control64EptPointer      Field = 0x201a

	ReadOnly64GuestPhysicalAddress Field = 0x2400

	Guest64LinkPointer Field = 0x2800
	Guest64Debugctl    Field = 0x2802
	Guest64Pat         Field = 0x2804
	Guest64Efer        Field = 0x2806
	Guest64PerfGlobal  Field = 0x2808
	Guest64Pdpte0      Field = 0x280a
	Guest64Pdpte1      Field = 0x280c
	Guest64Pdpte2      Field = 0x280e
	Guest64Pdpte3      Field = 0x2810

	Host64Pat        Field = 0x2c00
	Host64Efer       Field = 0x2c02
	Host64PerfGlobal Field = 0x2c04
)

// 32-bit fields.
const (
	Control32Pinbased            Field = 0x4000
	Control32PrimaryProcbased    Field = 0x4002
	Control32ExceptionBitmap     Field = 0x4004
	Control32PfErrcodeMask       Field = 0x4006
	Control32PfErrcodeMatch      Field = 0x4008
	Control32Cr3TargetCount      Field = 0x400a
	Control32VmexitControls      Field = 0x400c
	Control32VmexitMsrStoreCount Field = 0x400e
	Control32VmexitMsrLoadCount  Field = 0x4010
	Control32VmentryControls     Field = 0x4012
	Control32VmentryMsrLoadCount Field = 0x4014
	Control32VmentryIntrInfo     Field = 0x4016
	Control32VmentryErrcode      Field = 0x4018
	Control32VmentryInstrLen     Field = 0x401a
	Control32TprThreshold        Field = 0x401c
	Control32SecondaryProcbased  Field = 0x401e

	ReadOnly32InstructionError Field = 0x4400
	ReadOnly32ExitReason       Field = 0x4402
	ReadOnly32IntrInfo         Field = 0x4404
	ReadOnly32IntrErrcode      Field = 0x4406
	ReadOnly32IdtVectoringInfo Field = 0x4408
	ReadOnly32IdtVectoringErr  Field = 0x440a
	ReadOnly32InstructionLen   Field = 0x440c
	ReadOnly32InstructionInfo  Field = 0x440e

	Guest32EsLimit              Field = 0x4800
	Guest32CsLimit              Field = 0x4802
	Guest32SsLimit              Field = 0x4804
	Guest32DsLimit              Field = 0x4806
	Guest32FsLimit              Field = 0x4808
	Guest32GsLimit              Field = 0x480a
	Guest32LdtrLimit            Field = 0x480c
	Guest32TrLimit              Field = 0x480e
	Guest32GdtrLimit            Field = 0x4810
	Guest32IdtrLimit            Field = 0x4812
	Guest32EsAccessRights       Field = 0x4814
	Guest32CsAccessRights       Field = 0x4816
	Guest32SsAccessRights       Field = 0x4818
	Guest32DsAccessRights       Field = 0x481a
	Guest32FsAccessRights       Field = 0x481c
	Guest32GsAccessRights       Field = 0x481e
	Guest32LdtrAccessRights     Field = 0x4820
	Guest32TrAccessRights       Field = 0x4822
	Guest32Interruptibility     Field = 0x4824
	Guest32ActivityState        Field = 0x4826
	Guest32Smbase               Field = 0x4828
	Guest32SysenterCs           Field = 0x482a
	Guest32PreemptionTimerValue Field = 0x482e

	Host32SysenterCs Field = 0x4c00
)

// Natural-width fields.
const (
	ControlNWCr0GuestHostMask Field = 0x6000
	ControlNWCr4GuestHostMask Field = 0x6002
	ControlNWCr0ReadShadow    Field = 0x6004
	ControlNWCr4ReadShadow    Field = 0x6006

	ReadOnlyNWExitQualification Field = 0x6400
	ReadOnlyNWIoRcx             Field = 0x6402
	ReadOnlyNWIoRsi             Field = 0x6404
	ReadOnlyNWIoRdi             Field = 0x6406
	ReadOnlyNWIoRip             Field = 0x6408
	ReadOnlyNWGuestLinearAddr   Field = 0x640a

	GuestNWCr0           Field = 0x6800
	GuestNWCr3           Field = 0x6802
	GuestNWCr4           Field = 0x6804
	GuestNWEsBase        Field = 0x6806
	GuestNWCsBase        Field = 0x6808
	GuestNWSsBase        Field = 0x680a
	GuestNWDsBase        Field = 0x680c
	GuestNWFsBase        Field = 0x680e
	GuestNWGsBase        Field = 0x6810
	GuestNWLdtrBase      Field = 0x6812
	GuestNWTrBase        Field = 0x6814
	GuestNWGdtrBase      Field = 0x6816
	GuestNWIdtrBase      Field = 0x6818
	GuestNWDr7           Field = 0x681a
	GuestNWRsp           Field = 0x681c
	GuestNWRip           Field = 0x681e
	GuestNWRflags        Field = 0x6820
	GuestNWPendingDbgExc Field = 0x6822
	GuestNWSysenterEsp   Field = 0x6824
	GuestNWSysenterEip   Field = 0x6826

	HostNWCr0         Field = 0x6c00
	HostNWCr3         Field = 0x6c02
	HostNWCr4         Field = 0x6c04
	HostNWFsBase      Field = 0x6c06
	HostNWGsBase      Field = 0x6c08
	HostNWTrBase      Field = 0x6c0a
	HostNWGdtrBase    Field = 0x6c0c
	HostNWIdtrBase    Field = 0x6c0e
	HostNWSysenterEsp Field = 0x6c10
	HostNWSysenterEip Field = 0x6c12
	HostNWRsp         Field = 0x6c14
	HostNWRip         Field = 0x6c16
)

// Pin-based VM-execution control bits.
const (
	PinExternalInterruptExiting = 1 << 0
	PinNmiExiting               = 1 << 3
	PinVirtualNmis              = 1 << 5
	PinPreemptionTimer          = 1 << 6
)

// Primary processor-based VM-execution control bits.
const (
	PrimaryInterruptWindowExiting = 1 << 2
	PrimaryHltExiting             = 1 << 7
	PrimaryInvlpgExiting          = 1 << 9
	PrimaryMwaitExiting           = 1 << 10
	PrimaryRdtscExiting           = 1 << 12
	PrimaryCr3LoadExiting         = 1 << 15
	PrimaryCr3StoreExiting        = 1 << 16
	PrimaryCr8LoadExiting         = 1 << 19
	PrimaryCr8StoreExiting        = 1 << 20
	PrimaryUnconditionalIoExiting = 1 << 24
	PrimaryUseIoBitmaps           = 1 << 25
	PrimaryUseMsrBitmaps          = 1 << 28
	PrimaryMonitorExiting         = 1 << 29
	PrimarySecondaryControls      = 1 << 31
)

// Secondary processor-based VM-execution control bits.
const (
	SecondaryEnableEpt         = 1 << 1
	SecondaryEnableRdtscp      = 1 << 3
	SecondaryEnableVpid        = 1 << 5
	SecondaryUnrestrictedGuest = 1 << 7
	SecondaryEnableInvpcid     = 1 << 12
	SecondaryEnableXsaves      = 1 << 20
)

// VM-exit control bits.
const (
	ExitHostAddressSpaceSize = 1 << 9
	ExitAckInterruptOnExit   = 1 << 15
	ExitSavePat              = 1 << 18
	ExitLoadPat              = 1 << 19
	ExitSaveEfer             = 1 << 20
	ExitLoadEfer             = 1 << 21
)

// VM-entry control bits.
const (
	EntryIa32eModeGuest = 1 << 9
	EntryLoadPat        = 1 << 14
	EntryLoadEfer       = 1 << 15
)

// VM-entry interruption-information layout (also used for exit
// interruption info).
const (
	intrInfoValid         = 1 << 31
	intrInfoErrCode       = 1 << 11
	intrInfoTypeShift     = 8
	intrTypeExternal      = 0
	intrTypeNmi           = 2
	intrTypeHardException = 3
)

// Guest interruptibility-state bits.
const (
	interruptibilityStiBlocking = 1 << 0
	interruptibilityMovSs       = 1 << 1
)
