// Package platform defines the capability set the loader core consumes
// and provides host implementations of it.  The core never talks to
// firmware, disks or the TPM except through these interfaces.
package platform

import (
	"time"

	"github.com/project-machine/osloader/pkg/bootloader"
)

// Partition describes one GPT partition as (start, end) byte offsets on
// the parent store plus the logical block size.
type Partition struct {
	Start     uint64
	End       uint64
	BlockSize uint64
	PartUUID  string
}

func (p Partition) Size() uint64 {
	return p.End - p.Start
}

// BlockStore is the disk surface the core reads images and metadata
// from.  Writes must be all-or-nothing per call: a torn write has to
// surface as a short write error, never as silently mixed content.
type BlockStore interface {
	ReadAt(off uint64, buf []byte) error
	WriteAt(off uint64, buf []byte) error
	Flush() error
	Partition(label string) (Partition, error)
}

// NvVars is the firmware variable surface.  Namespaces correspond to
// vendor GUIDs; names are case sensitive.
type NvVars interface {
	Get(namespace, name string) ([]byte, error)
	Set(namespace, name string, val []byte, runtimeAccess bool) error
	Del(namespace, name string) error
}

// Tpm is the subset of TPM 2.0 the device state store needs.  Index
// handles are raw NV index values.
type Tpm interface {
	NvDefine(index uint32, attrs NvAttrs, size uint16) error
	NvRead(index uint32, off, length uint16) ([]byte, error)
	NvWrite(index uint32, off uint16, data []byte) error
	NvReadLock(index uint32) error
	NvWriteLock(index uint32) error
	NvUndefine(index uint32) error
	GetRandom(n int) ([]byte, error)
	// Present reports whether a TPM 2.0 device answered at all.
	Present() bool
}

// NvAttrs is the attribute subset the store uses when defining indices.
type NvAttrs struct {
	OwnerWrite   bool
	OwnerRead    bool
	AuthRead     bool
	AuthWrite    bool
	PolicyWrite  bool
	WriteDefine  bool
	ReadSTClear  bool
	WriteSTClear bool
}

// Clock provides wall and monotonic time.  The wall clock is only used
// by the watchdog policy and may be coarse.
type Clock interface {
	NowWall() time.Time
	NowMonotonicUS() uint64
}

// Rng fills buf with random bytes.
type Rng interface {
	Fill(buf []byte) error
}

// UserPrompt is the reduced UI surface.  choose_crash_target blocks on
// the crash event menu; Reboot never returns on success.
type UserPrompt interface {
	ChooseCrashTarget() bootloader.BootTarget
	ChooseBootTarget(reasonCode uint32) bootloader.BootTarget
	DisplayLowBattery()
	DisplayEmptyBattery()
	BootError(state bootloader.BootState, msg string)
	Reboot(target bootloader.BootTarget) error
}

// WakeSource says why the platform powered on.
type WakeSource int

const (
	WakeNotApplicable WakeSource = iota
	WakeBatteryInserted
	WakeUsbChargerInserted
	WakeAcdcChargerInserted
	WakePowerButtonPressed
	WakeRtcTimer
	WakeBatteryReachedThreshold
)

// ResetSource says what triggered the last reset.
type ResetSource int

const (
	ResetNotApplicable ResetSource = iota
	ResetOsInitiated
	ResetForced
	ResetFirmwareUpdate
	ResetKernelWatchdog
	ResetSecurityWatchdog
	ResetSecurityInitiated
	ResetEcWatchdog
	ResetPmicWatchdog
	ResetShortPowerLoss
	ResetPlatformSpecific
	ResetUnknown
)

// IsWatchdog reports whether the source is one of the watchdog family
// that feeds the crash storm counter.
func (r ResetSource) IsWatchdog() bool {
	switch r {
	case ResetKernelWatchdog, ResetSecurityWatchdog, ResetEcWatchdog, ResetPmicWatchdog:
		return true
	}
	return false
}

type ResetType int

const (
	ResetCold ResetType = iota
	ResetWarm
	ResetGlobal
)

// ResetInfo exposes the platform wake and reset registers.
type ResetInfo interface {
	WakeSource() WakeSource
	ResetSource() ResetSource
	ResetType() ResetType
	ResetExtra() uint32
}

// AcpiInstaller asks the platform to install ACPI/ACPIO tables either
// from sections of the verified boot image or from dedicated
// partitions.
type AcpiInstaller interface {
	InstallFromImage(acpi, acpio []byte) error
	InstallFromPartitions(labels []string) error
}

// SmBios exposes the DMI identity strings.  All values are untrusted
// and must be sanitized before reaching a command line.
type SmBios interface {
	SystemSerial() string
	BoardSerial() string
	ProductName() string
	BiosVersion() string
}

// Key is a console key code; only the magic key matters to the core.
type Key int

const (
	KeyNone Key = iota
	KeyVolumeDown
	KeyVolumeUp
	KeyPower
)

// ConsoleInput polls the console for a key press.  A false result
// means the timeout expired with nothing pressed.  KeyHeld reports
// whether k stayed down for the whole duration.
type ConsoleInput interface {
	PollKey(timeout time.Duration) (Key, bool)
	KeyHeld(k Key, d time.Duration) bool
}

// Battery exposes the charge level checks used by the policy.
type Battery interface {
	// BelowBootThreshold reports whether the charge is too low to
	// boot the OS.
	BelowBootThreshold() bool
	ChargerPlugged() bool
}
