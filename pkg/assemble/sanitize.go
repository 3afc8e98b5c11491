// Package assemble turns verified boot images into the artifacts the
// kernel handover consumes: the combined ramdisk, the bootconfig
// section and the composed command line.
package assemble

import (
	"regexp"
	"strings"
)

// DmiSentinel replaces identity strings that are obviously factory
// placeholders rather than serial numbers.
const DmiSentinel = "00badbios00badbios00"

const (
	dmiMinLen = 6
	dmiMaxLen = 20
)

var dmiAllowed = regexp.MustCompile(`[a-zA-Z0-9,._-]+`)

var dmiPlaceholders = []string{
	"system serial number",
	"to be filled",
	"11111111",
	"22222222",
}

// SanitizeDmi normalizes an SMBIOS/DMI derived string for command
// line use: only [a-zA-Z0-9,._-] survives, lower cased, stripped of
// trailing '_' and '.', bounded to 20 characters.  Placeholder values
// and anything shorter than 6 characters collapse to the sentinel.
func SanitizeDmi(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range dmiPlaceholders {
		if strings.Contains(lowered, p) {
			return DmiSentinel
		}
	}

	kept := strings.Join(dmiAllowed.FindAllString(lowered, -1), "")
	kept = strings.TrimRight(kept, "_.")
	if len(kept) > dmiMaxLen {
		kept = kept[:dmiMaxLen]
	}
	if len(kept) < dmiMinLen {
		return DmiSentinel
	}
	if strings.Trim(kept, "0") == "" {
		return DmiSentinel
	}
	return kept
}
