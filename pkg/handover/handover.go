package handover

import (
	"fmt"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/bootloader"
)

// FirmwareServices is the slice of boot services the handover needs:
// a memory map snapshot and the point of no return.
type FirmwareServices interface {
	// MemoryMap returns the current map and its key.
	MemoryMap() ([]MemoryDesc, uint64, error)
	// ExitBootServices ends firmware ownership.  A stale key fails;
	// the caller resamples the map and retries.
	ExitBootServices(mapKey uint64) error
}

// Jumper performs the actual transfer of control and never returns on
// success.
type Jumper interface {
	Jump(entry uint64, bootParams []byte, gdt []byte) error
}

// exitRetries bounds the stale map key loop.
const exitRetries = 10

// entryOffset64 is added to the kernel entry on 64 bit platforms.
const entryOffset64 = 512

// Handover owns the last phase of a boot.
type Handover struct {
	Firmware FirmwareServices
	Jumper   Jumper
	// SixtyFourBit selects the 64 bit entry point convention.
	SixtyFourBit bool
}

// Artifacts is everything the jump needs, fully materialized before
// boot services end.
type Artifacts struct {
	Kernel  []byte
	Ramdisk []byte
	Cmdline string
	Layout  Layout
}

// Run snapshots the memory map, fills the zeropage, exits boot
// services and jumps.  On success it does not return.  Every error
// after ExitBootServices succeeds is fatal to the caller.
func (h *Handover) Run(a *Artifacts) error {
	hdr, err := ParseSetupHeader(a.Kernel)
	if err != nil {
		return err
	}

	gdt := BuildGDT()

	// The zeropage is completed before boot services end; a stale
	// map key means the map changed under us, so resample and
	// rebuild.  Nothing allocates after a successful exit.
	var zeropage []byte
	exited := false
	for attempt := 0; attempt < exitRetries; attempt++ {
		mmap, key, err := h.Firmware.MemoryMap()
		if err != nil {
			return err
		}
		bp, err := BuildBootParams(hdr, a.Layout, BuildE820(mmap))
		if err != nil {
			return err
		}
		zeropage = bp.Encode()
		if err := h.Firmware.ExitBootServices(key); err != nil {
			log.Debugf("ExitBootServices with stale key, retry %d", attempt+1)
			continue
		}
		exited = true
		break
	}
	if !exited {
		return fmt.Errorf("memory map would not settle in %d attempts: %w",
			exitRetries, bootloader.ErrTimeout)
	}

	entry := a.Layout.KernelEntry
	if h.SixtyFourBit {
		entry += entryOffset64
	}
	if err := h.Jumper.Jump(entry, zeropage, gdt); err != nil {
		return err
	}
	return fmt.Errorf("kernel entry returned: %w", bootloader.ErrIntegrity)
}
