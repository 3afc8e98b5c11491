package assemble

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/project-machine/osloader/pkg/bootimg"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
)

// Composer assembles the kernel command line in a fixed order.  For
// header v4 the androidboot parameters migrate into the bootconfig
// section instead; they must never appear in both places.
type Composer struct {
	Plat *platform.Platform

	Boot   *bootimg.BootImage
	Vendor *bootimg.VendorBootImage

	BootState  bootloader.BootState
	SlotSuffix string
	Commitment string
	// RollbackIndices are the verified image indices per location.
	RollbackIndices map[int]uint64

	// BootloaderVersion lands in androidboot.bootloader.
	BootloaderVersion string
	// BootDevices encodes the PCI path of the boot disk.
	BootDevices string
	// ResumePartition is the hibernation partition, when one exists.
	ResumePartition *platform.Partition
	// Boottime is the phase:ms profile recorded by the caller.
	Boottime string
}

// Output is a composed command line plus the parameters destined for
// the bootconfig section.
type Output struct {
	Cmdline    string
	Bootconfig []string
}

func consoleType(tok string) string {
	val := strings.TrimPrefix(tok, "console=")
	return strings.TrimRight(val, "0123456789,")
}

// hasConsole reports whether tokens already name a console of the
// same type (ttyS, tty, hvc...), whatever the number.
func hasConsole(tokens []string, port string) bool {
	want := strings.TrimRight(port, "0123456789,")
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "console=") && consoleType(tok) == want {
			return true
		}
	}
	return false
}

// Compose builds the final command line.  Element order is fixed; on
// v4, androidboot parameters are split out afterwards.
func (c *Composer) Compose() (Output, error) {
	base := strings.TrimSpace(c.Boot.Cmdline)
	if c.Boot.HeaderVersion >= 3 && c.Vendor != nil {
		base = strings.TrimSpace(base + " " + c.Vendor.Cmdline)
	}
	if c.Plat.Variant == bootloader.VariantUserdebug {
		base = c.applyCmdlineVars(base)
	}
	tokens := strings.Fields(base)

	serial := SanitizeDmi(c.Plat.SmBios.SystemSerial())
	tokens = append(tokens,
		"androidboot.serialno="+serial,
		"g_ffs.iSerialNumber="+serial)

	tokens = append(tokens, "androidboot.bootreason="+BootReason(c.Plat))
	tokens = append(tokens, "androidboot.verifiedbootstate="+c.BootState.String())

	if c.ResumePartition != nil && c.ResumePartition.PartUUID != "" {
		id, err := uuid.Parse(c.ResumePartition.PartUUID)
		if err != nil {
			log.Warnf("hibernation partition has unusable PARTUUID %q: %v",
				c.ResumePartition.PartUUID, err)
		} else {
			tokens = append(tokens, "resume=PARTUUID="+id.String())
		}
	}

	if port, ok := c.Plat.GetVarString(platform.NSLoader, platform.VarSerialPort); ok && port != "" {
		if !hasConsole(tokens, port) {
			tokens = append(tokens, "console="+port)
		}
	}

	if c.BootloaderVersion != "" {
		tokens = append(tokens, "androidboot.bootloader="+c.BootloaderVersion)
	}
	if c.BootDevices != "" {
		tokens = append(tokens, "androidboot.boot_devices="+c.BootDevices)
	}

	if c.SlotSuffix != "" {
		tokens = append(tokens, "androidboot.slot_suffix="+c.SlotSuffix)
	}
	locations := make([]int, 0, len(c.RollbackIndices))
	for loc := range c.RollbackIndices {
		locations = append(locations, loc)
	}
	sort.Ints(locations)
	for _, loc := range locations {
		tokens = append(tokens,
			fmt.Sprintf("androidboot.vbmeta.rollback_index_%d=%d", loc, c.RollbackIndices[loc]))
	}
	if c.Boottime != "" {
		tokens = append(tokens, "androidboot.boottime="+c.Boottime)
	}
	if c.Commitment != "" {
		tokens = append(tokens, strings.Fields(c.Commitment)...)
	}

	if c.Boot.HeaderVersion >= 4 {
		return splitBootconfig(tokens), nil
	}
	return Output{Cmdline: strings.Join(tokens, " ")}, nil
}

// splitBootconfig moves androidboot.* out of the command line and
// into bootconfig parameters.
func splitBootconfig(tokens []string) Output {
	out := Output{}
	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "androidboot.") {
			out.Bootconfig = append(out.Bootconfig, tok)
		} else {
			kept = append(kept, tok)
		}
	}
	out.Cmdline = strings.Join(kept, " ")
	return out
}

// applyCmdlineVars honors the userdebug only Replace/Append/Prepend
// loader variables.
func (c *Composer) applyCmdlineVars(base string) string {
	if repl, ok := c.Plat.GetVarString(platform.NSLoader, platform.VarCmdlineReplace); ok {
		log.Infof("command line replaced from loader variable")
		base = repl
	}
	if pre, ok := c.Plat.GetVarString(platform.NSLoader, platform.VarCmdlinePrepend); ok && pre != "" {
		base = pre + " " + base
	}
	if app, ok := c.Plat.GetVarString(platform.NSLoader, platform.VarCmdlineAppend); ok && app != "" {
		base = base + " " + app
	}
	return strings.TrimSpace(base)
}

// Boottime formats the phase profile the way init expects it.
func Boottime(stamps []Stamp) string {
	parts := make([]string, 0, len(stamps))
	for _, s := range stamps {
		parts = append(parts, fmt.Sprintf("%s:%d", s.Name, s.MS))
	}
	return strings.Join(parts, ",")
}

// Stamp is one named boot phase duration in milliseconds.
type Stamp struct {
	Name string
	MS   uint64
}
