package bootloader

import "github.com/fatih/color"

// LockState is the device lock state as persisted in the device state
// record.  Provisioning only exists while the record is absent and the
// hardware life cycle has not reached end-user.
type LockState uint8

const (
	Locked LockState = iota
	Unlocked
	Provisioning
)

func (s LockState) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	case Provisioning:
		return "provisioning"
	}
	return "invalid"
}

// BootState classifies the strength of the chain of trust established
// for this boot.  It reaches the kernel as
// androidboot.verifiedbootstate.
type BootState int

const (
	// StateGreen - fully verified against the embedded key.
	StateGreen BootState = iota
	// StateYellow - verified against a user-installed key.
	StateYellow
	// StateOrange - the device is unlocked, verification skipped.
	StateOrange
	// StateRed - verification failed.
	StateRed
)

func (s BootState) String() string {
	switch s {
	case StateGreen:
		return "green"
	case StateYellow:
		return "yellow"
	case StateOrange:
		return "orange"
	case StateRed:
		return "red"
	}
	return "red"
}

// Sprint renders the state name in its color for CLI reporting.
func (s BootState) Sprint() string {
	switch s {
	case StateGreen:
		return color.GreenString("green")
	case StateYellow:
		return color.YellowString("yellow")
	case StateOrange:
		return color.HiYellowString("orange")
	}
	return color.RedString("red")
}

// Variant is the build variant of the device software.  It decides the
// failure default for an unreadable lock state and gates the userdebug
// only knobs.
type Variant int

const (
	VariantUser Variant = iota
	VariantUserdebug
)

func (v Variant) String() string {
	if v == VariantUserdebug {
		return "userdebug"
	}
	return "user"
}

// DefaultLockState is the value assumed when the device state record
// cannot be read: locked on user builds, unlocked on userdebug.
func DefaultLockState(v Variant) LockState {
	if v == VariantUserdebug {
		return Unlocked
	}
	return Locked
}
