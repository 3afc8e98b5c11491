package policy

import (
	"strconv"
	"strings"

	"github.com/apex/log"
)

// Secure boot status bit inside the fw.boot bitfield, above the five
// target bits.
const fwBootSecure = 1 << 5

// ParseFlags decodes the options the firmware passed on the loader
// image command line.  Unknown options are ignored with a log line;
// nothing here may fail a boot.
func ParseFlags(args []string) Flags {
	f := Flags{}
	for _, arg := range args {
		switch {
		case arg == "-f":
			f.ForceFastboot = true
		case strings.HasPrefix(arg, "reset="):
			f.ResetReason = strings.TrimPrefix(arg, "reset=")
		case strings.HasPrefix(arg, "fw.boot="):
			val := strings.TrimPrefix(arg, "fw.boot=")
			mode, err := strconv.ParseUint(val, 0, 32)
			if err != nil {
				log.Warnf("unparsable fw.boot value %q", val)
				continue
			}
			f.FwBootMode = uint32(mode)
			f.HasFwBootMode = true
		case arg == "boot_target=CRASHMODE":
			f.CrashMode = true
		default:
			log.Debugf("ignoring loader argument %q", arg)
		}
	}
	return f
}

// SecureBoot reports the platform secure boot status bit from the
// fw.boot bitfield.
func (f Flags) SecureBoot() bool {
	return f.HasFwBootMode && f.FwBootMode&fwBootSecure != 0
}
