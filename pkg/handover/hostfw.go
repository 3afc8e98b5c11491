//go:build linux

package handover

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// HostFirmware models FirmwareServices on a running Linux host: the
// memory map comes from /proc/iomem and ExitBootServices is moot
// because the kexec path hands the firmware problem to the kernel.
type HostFirmware struct {
	// Iomem overrides /proc/iomem, for tests.
	Iomem string
}

func iomemType(name string) uint32 {
	switch {
	case name == "System RAM":
		return EfiConventionalMemory
	case name == "ACPI Tables":
		return EfiACPIReclaimMemory
	case name == "ACPI Non-volatile Storage":
		return EfiACPIMemoryNVS
	case strings.HasPrefix(name, "Unusable"):
		return EfiUnusableMemory
	}
	return EfiReservedMemoryType
}

func (h *HostFirmware) MemoryMap() ([]MemoryDesc, uint64, error) {
	path := h.Iomem
	if path == "" {
		path = "/proc/iomem"
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "Failed opening %s", path)
	}
	defer fh.Close()

	var out []MemoryDesc
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		line := scanner.Text()
		// nested resources are indented; only top level regions count
		if strings.HasPrefix(line, " ") {
			continue
		}
		rangePart, name, found := strings.Cut(line, " : ")
		if !found {
			continue
		}
		lo, hi, found := strings.Cut(strings.TrimSpace(rangePart), "-")
		if !found {
			continue
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			continue
		}
		out = append(out, MemoryDesc{
			Type:  iomemType(name),
			Start: start,
			Pages: (end - start + 1) / efiPageSize,
		})
	}
	return out, 0, scanner.Err()
}

func (h *HostFirmware) ExitBootServices(mapKey uint64) error { return nil }
