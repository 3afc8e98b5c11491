package bootloader

import "fmt"

type TargetKind int

const (
	NormalBoot TargetKind = iota
	Recovery
	Fastboot
	Charger
	PowerOff
	EspEfiBinary
	EspBootImage
	CrashMode
	Dnx
	ExitShell
	Memory
)

// BootTarget is what the policy engine decides to do with this boot.
// Exactly one is produced per boot and it is immutable thereafter.
// The Esp kinds carry the path of the binary or image on the EFI
// system partition.
type BootTarget struct {
	Kind TargetKind
	Path string
}

func Target(k TargetKind) BootTarget {
	return BootTarget{Kind: k}
}

func EspTarget(k TargetKind, path string) BootTarget {
	return BootTarget{Kind: k, Path: path}
}

func (t BootTarget) String() string {
	switch t.Kind {
	case NormalBoot:
		return "boot"
	case Recovery:
		return "recovery"
	case Fastboot:
		return "fastboot"
	case Charger:
		return "charging"
	case PowerOff:
		return "power-off"
	case EspEfiBinary:
		return fmt.Sprintf("esp-efi[%s]", t.Path)
	case EspBootImage:
		return fmt.Sprintf("esp-bootimage[%s]", t.Path)
	case CrashMode:
		return "crashmode"
	case Dnx:
		return "dnx"
	case ExitShell:
		return "exit-shell"
	case Memory:
		return "memory"
	}
	return fmt.Sprintf("unknown(%d)", int(t.Kind))
}

// TargetByName maps the names used by the BCB and by the
// LoaderEntryOneShot variable onto targets.  Unrecognized names get
// ok=false, the policy then falls back to a normal boot.
func TargetByName(name string) (BootTarget, bool) {
	switch name {
	case "boot", "normal":
		return Target(NormalBoot), true
	case "recovery":
		return Target(Recovery), true
	// Both names map to Fastboot here.  A BCB "fastboot" request never
	// reaches this lookup: the policy sends it to recovery first.
	case "fastboot", "bootloader":
		return Target(Fastboot), true
	case "charging":
		return Target(Charger), true
	case "power-off":
		return Target(PowerOff), true
	case "crashmode":
		return Target(CrashMode), true
	case "dnx":
		return Target(Dnx), true
	}
	return BootTarget{}, false
}

// escalation gives the ordering used by the policy monotonicity
// property: a signal turning on may only move the decision up.
var escalation = map[TargetKind]int{
	NormalBoot: 0,
	Charger:    1,
	Recovery:   2,
	Fastboot:   3,
	CrashMode:  4,
	PowerOff:   5,
}

// EscalationRank returns the position of t in the escalation order.
// Kinds outside the order rank above all ordered ones.
func EscalationRank(t BootTarget) int {
	if r, ok := escalation[t.Kind]; ok {
		return r
	}
	return len(escalation)
}
