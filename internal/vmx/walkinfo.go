package vmx

import "github.com/tinyrange/vtx/internal/hv"

// PagingMode is the guest's active translation regime, derived from
// its control registers.
type PagingMode int

const (
	PagingNone   PagingMode = iota // CR0.PG clear
	Paging32                       // 32-bit, two levels
	PagingPae                      // PAE, three levels
	Paging4Level                   // long mode, four levels
)

func (m PagingMode) String() string {
	switch m {
	case PagingNone:
		return "none"
	case Paging32:
		return "32-bit"
	case PagingPae:
		return "pae"
	case Paging4Level:
		return "4-level"
	}
	return "invalid"
}

// GuestPageWalkInfo is everything a software walk of the guest's own
// page tables needs: the table root and the control-register bits that
// change how entries are interpreted.
type GuestPageWalkInfo struct {
	TopEntry hv.GuestPhys // CR3 table base
	Mode     PagingMode
	Levels   int
	Width    int // linear address width in bits

	UserMode bool // access initiated at CPL 3
	PseOn    bool
	NxeOn    bool
	WpOn     bool
	SmapOn   bool
	SmepOn   bool
}

// PageWalkInfo derives the walk parameters from the current VMCS guest
// state.
func (c *VCPU) PageWalkInfo() (GuestPageWalkInfo, error) {
	v := c.vmcs

	cr0, err := v.Read(GuestNWCr0)
	if err != nil {
		return GuestPageWalkInfo{}, err
	}
	cr3, err := v.Read(GuestNWCr3)
	if err != nil {
		return GuestPageWalkInfo{}, err
	}
	cr4, err := v.Read(GuestNWCr4)
	if err != nil {
		return GuestPageWalkInfo{}, err
	}
	efer, err := v.Read(Guest64Efer)
	if err != nil {
		return GuestPageWalkInfo{}, err
	}
	ssAr, err := v.Read(Guest32SsAccessRights)
	if err != nil {
		return GuestPageWalkInfo{}, err
	}

	info := GuestPageWalkInfo{
		TopEntry: hv.GuestPhys(cr3 &^ uint64(hv.PageSize-1)),
		UserMode: (ssAr>>5)&0x3 == 3, // DPL of SS is the CPL
		PseOn:    cr4&cr4PSE != 0,
		NxeOn:    efer&eferNXE != 0,
		WpOn:     cr0&cr0WP != 0,
		SmapOn:   cr4&cr4SMAP != 0,
		SmepOn:   cr4&cr4SMEP != 0,
	}

	switch {
	case cr0&cr0PG == 0:
		info.Mode, info.Levels, info.Width = PagingNone, 0, 32
	case efer&eferLMA != 0:
		info.Mode, info.Levels, info.Width = Paging4Level, 4, 48
	case cr4&cr4PAE != 0:
		info.Mode, info.Levels, info.Width = PagingPae, 3, 32
	default:
		info.Mode, info.Levels, info.Width = Paging32, 2, 32
	}

	return info, nil
}
