package assemble

import (
	"regexp"

	"github.com/project-machine/osloader/pkg/platform"
)

// The boot reason vocabulary is shared with the kernel's bootreason
// parameter and is closed: anything the platform reports outside of
// it maps to "unknown".
const (
	ReasonBatteryInserted   = "battery_inserted"
	ReasonUsbCharger        = "usb_charger_inserted"
	ReasonAcdcCharger       = "acdc_charger_inserted"
	ReasonPowerButton       = "power_button_pressed"
	ReasonRtcTimer          = "rtc_timer"
	ReasonBatteryThreshold  = "battery_reached_ia_threshold"
	ReasonNotApplicable     = "not_applicable"
	ReasonOsInitiated       = "os_initiated"
	ReasonForced            = "forced"
	ReasonFirmwareUpdate    = "firmware_update"
	ReasonWatchdog          = "watchdog"
	ReasonSecurityWatchdog  = "security_watchdog"
	ReasonSecurityInitiated = "security_initiated"
	ReasonEcWatchdog        = "ec_watchdog"
	ReasonPmicWatchdog      = "pmic_watchdog"
	ReasonShortPowerLoss    = "short_power_loss"
	ReasonPlatformSpecific  = "platform_specific"
	ReasonUnknown           = "unknown"
)

var reasonPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

func wakeReason(w platform.WakeSource) string {
	switch w {
	case platform.WakeBatteryInserted:
		return ReasonBatteryInserted
	case platform.WakeUsbChargerInserted:
		return ReasonUsbCharger
	case platform.WakeAcdcChargerInserted:
		return ReasonAcdcCharger
	case platform.WakePowerButtonPressed:
		return ReasonPowerButton
	case platform.WakeRtcTimer:
		return ReasonRtcTimer
	case platform.WakeBatteryReachedThreshold:
		return ReasonBatteryThreshold
	case platform.WakeNotApplicable:
		return ReasonNotApplicable
	}
	return ReasonUnknown
}

func resetReason(r platform.ResetSource) string {
	switch r {
	case platform.ResetOsInitiated:
		return ReasonOsInitiated
	case platform.ResetForced:
		return ReasonForced
	case platform.ResetFirmwareUpdate:
		return ReasonFirmwareUpdate
	case platform.ResetKernelWatchdog:
		return ReasonWatchdog
	case platform.ResetSecurityWatchdog:
		return ReasonSecurityWatchdog
	case platform.ResetSecurityInitiated:
		return ReasonSecurityInitiated
	case platform.ResetEcWatchdog:
		return ReasonEcWatchdog
	case platform.ResetPmicWatchdog:
		return ReasonPmicWatchdog
	case platform.ResetShortPowerLoss:
		return ReasonShortPowerLoss
	case platform.ResetPlatformSpecific:
		return ReasonPlatformSpecific
	}
	return ReasonUnknown
}

// BootReason derives the androidboot.bootreason value.  A reset
// source takes precedence over the wake source; when the OS initiated
// the reset, the reason it saved in LoaderEntryRebootReason wins,
// otherwise that variable is ignored.
func BootReason(p *platform.Platform) string {
	src := p.Reset.ResetSource()
	if src != platform.ResetNotApplicable && src != platform.ResetUnknown {
		reason := resetReason(src)
		if reason == ReasonOsInitiated {
			if saved, ok := p.GetVarString(platform.NSLoader, platform.VarEntryRebootReason); ok &&
				saved != "" && reasonPattern.MatchString(saved) {
				return saved
			}
		}
		return reason
	}
	return wakeReason(p.Reset.WakeSource())
}
