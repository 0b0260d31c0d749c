package device

// Mode is the device's observed USB boot mode: Unknown, Normal, Recovery,
// DFU, or Restore.
type Mode int

const (
	Unknown Mode = iota
	Normal
	Recovery
	DFU
	Restore
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "Normal"
	case Recovery:
		return "Recovery"
	case DFU:
		return "DFU"
	case Restore:
		return "Restore"
	default:
		return "Unknown"
	}
}

// EventKind distinguishes a mode observation from a plain detach.
type EventKind int

const (
	EventModeChanged EventKind = iota
	EventDetached
)

// Event is one USB attach/detach/mode-change notification delivered by a
// Transport's event callback context.
type Event struct {
	Kind EventKind
	Mode Mode
}

// PatchedDFUBehavior describes how the patched-DFU path stages its
// bootloader upload for a given chip id.
type PatchedDFUBehavior int

const (
	// PatchedDFUUnsupported means the chip id has no known patched-DFU path.
	PatchedDFUUnsupported PatchedDFUBehavior = iota
	// PatchedDFUSingleStage means uploading the patched iBSS alone yields Recovery.
	PatchedDFUSingleStage
	// PatchedDFUTwoStage means the patched iBSS yields DFU again, requiring a
	// second upload of the patched iBEC to reach Recovery.
	PatchedDFUTwoStage
)

// chipIDRange is a half-open [Low, High) range of 16-bit chip ids sharing a
// patched-DFU behavior. Ranges are data, not branches, so adding support for
// a new chip generation is a table edit, not a code change.
type chipIDRange struct {
	Low, High uint16
	Behavior  PatchedDFUBehavior
}

// PatchedDFUSupport is consulted in table order; the first matching range
// wins. The two behaviors occupy two disjoint chip-id ranges apiece, not
// a single threshold: {0x7000-0x8004} and the legacy {0x8900-0x8965}
// chips need the second iBEC upload (two-stage); {0x8006-0x8030} and
// {0x8101-0x8301} reach Recovery off the patched iBSS alone
// (single-stage). Anything outside those four ranges has no known
// patched-DFU path.
var PatchedDFUSupport = []chipIDRange{
	{Low: 0x7000, High: 0x8005, Behavior: PatchedDFUTwoStage},
	{Low: 0x8006, High: 0x8031, Behavior: PatchedDFUSingleStage},
	{Low: 0x8101, High: 0x8302, Behavior: PatchedDFUSingleStage},
	{Low: 0x8900, High: 0x8966, Behavior: PatchedDFUTwoStage},
}

// PatchedDFUBehaviorFor looks up the patched-DFU staging behavior for a
// chip id.
func PatchedDFUBehaviorFor(chipID uint16) PatchedDFUBehavior {
	for _, r := range PatchedDFUSupport {
		if chipID >= r.Low && chipID < r.High {
			return r.Behavior
		}
	}
	return PatchedDFUUnsupported
}
