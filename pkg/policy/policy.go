// Package policy is the boot target decision engine: an ordered walk
// over the available signals that always produces exactly one target.
// Read failures along the way never propagate; they degrade to a
// normal boot so NV corruption cannot brick the device.
package policy

import (
	"time"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
	"github.com/project-machine/osloader/pkg/slot"
)

const (
	// DefaultMagicKeyTimeout is how long the console is polled for
	// the magic key; the MagicKeyTimeout variable can raise it to at
	// most MaxMagicKeyTimeout.
	DefaultMagicKeyTimeout = 200 * time.Millisecond
	MaxMagicKeyTimeout     = 1000 * time.Millisecond

	// FastbootHoldDelay is how long the magic key must stay down to
	// force fastboot.
	FastbootHoldDelay = 2000 * time.Millisecond

	// WatchdogDelay is the window within which consecutive watchdog
	// resets count as a storm.
	WatchdogDelay = 600 * time.Second

	// DefaultWatchdogCounterMax is the storm threshold; the
	// WatchdogCounterMax variable overrides it.
	DefaultWatchdogCounterMax = 2

	// MagicKey is the console key that forces fastboot when held.
	MagicKey = platform.KeyVolumeDown
)

// Flags are the command line options handed to the loader image by
// the firmware.
type Flags struct {
	// ForceFastboot is the -f flag.
	ForceFastboot bool
	// ResetReason is the reset=<reason> option, persisted for the
	// next stage.
	ResetReason string
	// FwBootMode holds the fw.boot=<mode> platform bitfield whose
	// low 5 bits name a raw target.
	FwBootMode    uint32
	HasFwBootMode bool
	// CrashMode is boot_target=CRASHMODE.
	CrashMode bool
}

// Policy evaluates the signal set.
type Policy struct {
	Plat  *platform.Platform
	Slots *slot.Manager
	Flags Flags
}

// fw.boot raw target encoding, low 5 bits of the boot mode bitfield.
var fwBootTargets = map[uint32]bootloader.TargetKind{
	0x00: bootloader.NormalBoot,
	0x01: bootloader.Recovery,
	0x02: bootloader.Fastboot,
	0x03: bootloader.Charger,
	0x04: bootloader.Dnx,
	0x05: bootloader.CrashMode,
}

// Decide walks the signals in their fixed priority order and returns
// the boot target for this boot.
func (p *Policy) Decide() bootloader.BootTarget {
	target := p.decide()
	if target.Kind == bootloader.CrashMode {
		target = p.confirmCrash(target)
	}
	log.Infof("boot target: %s", target)
	return target
}

func (p *Policy) decide() bootloader.BootTarget {
	if t, ok := p.fromFlags(); ok {
		return t
	}
	if p.Plat.Esp != nil && p.Plat.Esp.Exists(platform.FastbootSentinel) {
		log.Infof("fastboot sentinel file present")
		return bootloader.Target(bootloader.Fastboot)
	}
	if t, ok := p.fromMagicKey(); ok {
		return t
	}
	if t, ok := p.fromWatchdog(); ok {
		return t
	}
	if t, ok := p.fromBatteryWake(); ok {
		return t
	}
	if t, ok := p.fromBCB(); ok {
		return t
	}
	if t, ok := p.fromOneShotVar(); ok {
		return t
	}
	if t, ok := p.fromBatteryLevel(); ok {
		return t
	}
	if t, ok := p.fromChargerWake(); ok {
		return t
	}
	return bootloader.Target(bootloader.NormalBoot)
}

// confirmCrash hands a crash target to the user and accepts fastboot
// or a normal boot back.
func (p *Policy) confirmCrash(t bootloader.BootTarget) bootloader.BootTarget {
	choice := p.Plat.Prompt.ChooseCrashTarget()
	switch choice.Kind {
	case bootloader.Fastboot, bootloader.NormalBoot:
		return choice
	}
	log.Warnf("crash menu returned %s, forcing normal boot", choice)
	return bootloader.Target(bootloader.NormalBoot)
}

func (p *Policy) fromFlags() (bootloader.BootTarget, bool) {
	if p.Flags.ForceFastboot {
		log.Infof("fastboot forced by loader flag")
		return bootloader.Target(bootloader.Fastboot), true
	}
	if p.Flags.CrashMode {
		return bootloader.Target(bootloader.CrashMode), true
	}
	if p.Flags.ResetReason != "" {
		if err := p.Plat.SetVarString(platform.NSLoader, platform.VarEntryRebootReason,
			p.Flags.ResetReason); err != nil {
			log.Warnf("saving reset reason: %v", err)
		}
	}
	if p.Flags.HasFwBootMode {
		kind, ok := fwBootTargets[p.Flags.FwBootMode&0x1f]
		if !ok {
			log.Warnf("fw.boot mode %#x names no target", p.Flags.FwBootMode&0x1f)
			return bootloader.BootTarget{}, false
		}
		if kind != bootloader.NormalBoot {
			return bootloader.Target(kind), true
		}
	}
	return bootloader.BootTarget{}, false
}

func (p *Policy) magicKeyWindow() time.Duration {
	ms := p.Plat.GetVarU64(platform.NSLoader, platform.VarMagicKeyTimeout,
		uint64(DefaultMagicKeyTimeout/time.Millisecond))
	d := time.Duration(ms) * time.Millisecond
	if d > MaxMagicKeyTimeout {
		d = MaxMagicKeyTimeout
	}
	return d
}

func (p *Policy) fromMagicKey() (bootloader.BootTarget, bool) {
	if p.Plat.Console == nil {
		return bootloader.BootTarget{}, false
	}
	key, ok := p.Plat.Console.PollKey(p.magicKeyWindow())
	if !ok || key != MagicKey {
		return bootloader.BootTarget{}, false
	}
	if p.Plat.Console.KeyHeld(MagicKey, FastbootHoldDelay) {
		log.Infof("magic key held, forcing fastboot")
		return bootloader.Target(bootloader.Fastboot), true
	}
	return bootloader.BootTarget{}, false
}

func (p *Policy) fromBatteryWake() (bootloader.BootTarget, bool) {
	if p.Plat.Reset.WakeSource() != platform.WakeBatteryInserted {
		return bootloader.BootTarget{}, false
	}
	if !p.offModeCharge() {
		log.Infof("battery inserted with off-mode charging disabled")
		return bootloader.Target(bootloader.PowerOff), true
	}
	return bootloader.BootTarget{}, false
}

func (p *Policy) offModeCharge() bool {
	return p.Plat.GetVarBool(platform.NSFastboot, platform.VarOffModeCharge, true)
}

func (p *Policy) fromBCB() (bootloader.BootTarget, bool) {
	req, err := slot.ConsumeBCB(p.Plat.Disk)
	if err != nil {
		log.Warnf("BCB unreadable, ignoring: %v", err)
		return bootloader.BootTarget{}, false
	}
	switch {
	case req.EfiPath != "":
		return bootloader.EspTarget(bootloader.EspEfiBinary, req.EfiPath), true
	case req.ImagePath != "":
		return bootloader.EspTarget(bootloader.EspBootImage, req.ImagePath), true
	case req.Target == "":
		return bootloader.BootTarget{}, false
	}
	// fastbootd lives in the recovery ramdisk: a fastboot request
	// through the BCB boots recovery
	if req.Target == "fastboot" {
		return bootloader.Target(bootloader.Recovery), true
	}
	t, ok := bootloader.TargetByName(req.Target)
	if !ok {
		log.Warnf("BCB names unknown target %q, ignoring", req.Target)
		return bootloader.BootTarget{}, false
	}
	if t.Kind == bootloader.NormalBoot {
		return bootloader.BootTarget{}, false
	}
	return t, true
}

func (p *Policy) fromOneShotVar() (bootloader.BootTarget, bool) {
	name, ok := p.Plat.GetVarString(platform.NSLoader, platform.VarEntryOneShot)
	if !ok || name == "" {
		return bootloader.BootTarget{}, false
	}
	if err := p.Plat.Vars.Del(platform.NSLoader, platform.VarEntryOneShot); err != nil {
		log.Warnf("clearing %s: %v", platform.VarEntryOneShot, err)
	}

	if name == "dm-verity device corrupted" {
		if p.Slots != nil {
			if idx := p.Slots.ActiveSlot(); idx >= 0 {
				if err := p.Slots.SetVerityCorrupted(idx, true); err != nil {
					log.Warnf("flagging verity corruption: %v", err)
				}
			}
		}
		return bootloader.BootTarget{}, false
	}

	t, ok := bootloader.TargetByName(name)
	if !ok {
		log.Warnf("%s names unknown target %q, ignoring", platform.VarEntryOneShot, name)
		return bootloader.BootTarget{}, false
	}
	if t.Kind == bootloader.Charger && !p.offModeCharge() {
		return bootloader.Target(bootloader.PowerOff), true
	}
	if t.Kind == bootloader.NormalBoot {
		return bootloader.BootTarget{}, false
	}
	return t, true
}

func (p *Policy) fromBatteryLevel() (bootloader.BootTarget, bool) {
	if p.Plat.Battery == nil || !p.Plat.Battery.BelowBootThreshold() {
		return bootloader.BootTarget{}, false
	}
	if p.Plat.Battery.ChargerPlugged() {
		p.Plat.Prompt.DisplayLowBattery()
		return bootloader.Target(bootloader.Charger), true
	}
	p.Plat.Prompt.DisplayEmptyBattery()
	return bootloader.Target(bootloader.PowerOff), true
}

func (p *Policy) fromChargerWake() (bootloader.BootTarget, bool) {
	switch p.Plat.Reset.WakeSource() {
	case platform.WakeUsbChargerInserted, platform.WakeAcdcChargerInserted:
		return bootloader.Target(bootloader.Charger), true
	}
	return bootloader.BootTarget{}, false
}
