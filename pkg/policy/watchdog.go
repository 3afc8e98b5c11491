package policy

import (
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
)

// Watchdog storm accounting.  A reset caused by one of the watchdog
// family, or a saved kernel_panic/watchdog reboot reason, bumps a
// counter kept in the fastboot namespace together with a wall time
// reference.  Resets further apart than WatchdogDelay restart the
// count; a count past the maximum raises the crash event menu.
func (p *Policy) fromWatchdog() (bootloader.BootTarget, bool) {
	if p.Plat.Variant == bootloader.VariantUserdebug &&
		p.Plat.GetVarBool(platform.NSFastboot, platform.VarDisableWatchdog, false) {
		return bootloader.BootTarget{}, false
	}

	if !p.watchdogReset() {
		return bootloader.BootTarget{}, false
	}

	counter := uint64(0)
	if s, ok := p.Plat.GetVarString(platform.NSFastboot, platform.VarWatchdogCounter); ok {
		if v, err := strconv.ParseUint(s, 10, 8); err == nil {
			counter = v
		}
	}

	now := p.Plat.Clock.NowWall()
	ref, refOK := p.readTimeReference()
	if refOK && now.Sub(ref) > WatchdogDelay {
		counter = 0
	} else {
		counter++
	}

	max := p.Plat.GetVarU64(platform.NSFastboot, platform.VarWatchdogCounterMax,
		DefaultWatchdogCounterMax)

	if counter > max {
		log.Warnf("watchdog storm: %d resets within %s", counter, WatchdogDelay)
		p.writeWatchdogState(0, now)
		if !p.Plat.GetVarBool(platform.NSFastboot, platform.VarCrashEventMenu, true) {
			return bootloader.BootTarget{}, false
		}
		return bootloader.Target(bootloader.CrashMode), true
	}

	p.writeWatchdogState(counter, now)
	return bootloader.BootTarget{}, false
}

func (p *Policy) watchdogReset() bool {
	if p.Plat.Reset.ResetSource().IsWatchdog() {
		return true
	}
	saved, _ := p.Plat.GetVarString(platform.NSLoader, platform.VarEntryRebootReason)
	return saved == "kernel_panic" || saved == "watchdog"
}

// The time reference is stored as decimal Unix seconds.  The format
// is ours alone; fastboot only ever clears the variable.
func (p *Policy) readTimeReference() (time.Time, bool) {
	s, ok := p.Plat.GetVarString(platform.NSFastboot, platform.VarWatchdogTimeRef)
	if !ok {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		log.Warnf("watchdog time reference %q unreadable", s)
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

func (p *Policy) writeWatchdogState(counter uint64, now time.Time) {
	if err := p.Plat.SetVarString(platform.NSFastboot, platform.VarWatchdogCounter,
		strconv.FormatUint(counter, 10)); err != nil {
		log.Warnf("saving watchdog counter: %v", err)
	}
	if err := p.Plat.SetVarString(platform.NSFastboot, platform.VarWatchdogTimeRef,
		strconv.FormatInt(now.Unix(), 10)); err != nil {
		log.Warnf("saving watchdog time reference: %v", err)
	}
}
