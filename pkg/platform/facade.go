package platform

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/bootloader"
)

// Variable namespaces recognized by the loader.
const (
	NSLoader   = "loader"
	NSFastboot = "fastboot"
)

// Loader namespace variable names.
const (
	VarMagicKeyTimeout   = "MagicKeyTimeout"
	VarSerialPort        = "SerialPort"
	VarCmdlineReplace    = "CmdlineReplace"
	VarCmdlineAppend     = "CmdlineAppend"
	VarCmdlinePrepend    = "CmdlinePrepend"
	VarEntryOneShot      = "LoaderEntryOneShot"
	VarEntryRebootReason = "LoaderEntryRebootReason"
	VarDisplaySplash     = "UIDisplaySplash"
)

// Fastboot namespace variable names.
const (
	VarOffModeCharge      = "off-mode-charge"
	VarOEMLock            = "OEMLock"
	VarCrashEventMenu     = "CrashEventMenu"
	VarWatchdogCounter    = "WatchdogCounter"
	VarWatchdogCounterMax = "WatchdogCounterMax"
	VarWatchdogTimeRef    = "WatchdogTimeReference"
	VarDisableWatchdog    = "DisableWatchdog"
	VarUpdateOemVars      = "UpdateOemVars"
	VarSlotFallback       = "SlotFallback"
	VarLoadedSlot         = "LoadedSlot"
	// VarUserKey holds the SHA256 digest of the owner-enrolled
	// verification key, written by the fastboot collaborator.
	VarUserKey = "UserKeyDigest"
)

// RollbackIndexVar names the per slot rollback variable used by the
// authenticated variable backing.
func RollbackIndexVar(slot int) string {
	return fmt.Sprintf("RollbackIndex_%04x", slot)
}

// LoadedSlotFailedVar names the per error diagnostic variable recorded
// when a slot fails verification.
func LoadedSlotFailedVar(code int) string {
	return fmt.Sprintf("LoadedSlotFailed_%04x", code)
}

// Platform bundles every capability the core consumes.  Its only
// policy is failure conversion and verbose logging; decisions belong
// to the callers.
type Platform struct {
	Disk    BlockStore
	Vars    NvVars
	Tpm     Tpm
	Clock   Clock
	Rng     Rng
	Prompt  UserPrompt
	Reset   ResetInfo
	Acpi    AcpiInstaller
	SmBios  SmBios
	Console ConsoleInput
	Battery Battery
	Esp     EspVolume

	Variant    bootloader.Variant
	SecureBoot bool
}

// GetVarString reads a variable and trims the trailing NUL firmware
// implementations like to keep.  Absence comes back as ("", false)
// rather than an error: variable reads on the boot path never abort a
// boot.
func (p *Platform) GetVarString(ns, name string) (string, bool) {
	val, err := p.Vars.Get(ns, name)
	if err != nil {
		if !isNotFound(err) {
			log.Warnf("reading %s/%s: %v", ns, name, err)
		}
		return "", false
	}
	return strings.TrimRight(string(val), "\x00"), true
}

// GetVarBool interprets 0/1, true/false, yes/no.  Missing or malformed
// values return def.
func (p *Platform) GetVarBool(ns, name string, def bool) bool {
	s, ok := p.GetVarString(ns, name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	log.Warnf("variable %s/%s has unparsable bool %q", ns, name, s)
	return def
}

// GetVarU64 parses a decimal unsigned value, def on any failure.
func (p *Platform) GetVarU64(ns, name string, def uint64) uint64 {
	s, ok := p.GetVarString(ns, name)
	if !ok {
		return def
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		log.Warnf("variable %s/%s has unparsable value %q", ns, name, s)
		return def
	}
	return v
}

// SetVarString stores a NUL terminated string, boot services only.
func (p *Platform) SetVarString(ns, name, val string) error {
	return p.Vars.Set(ns, name, append([]byte(val), 0), false)
}

func isNotFound(err error) bool {
	return errors.Is(err, bootloader.ErrNotFound) || os.IsNotExist(err)
}
