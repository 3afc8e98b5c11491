package assemble

import (
	"bytes"
	"fmt"

	"github.com/project-machine/osloader/pkg/bootimg"
	"github.com/project-machine/osloader/pkg/bootloader"
)

// BuildRamdisk produces the ramdisk handed to the kernel:
//
//	v0..v2: the boot image ramdisk as is
//	v3:     vendor_ramdisk || boot_ramdisk
//	v4:     vendor_ramdisk || boot_ramdisk || bootconfig
//
// extraBootconfig entries are appended inside the bootconfig section
// with the trailer rewritten in place; a v4 image without a trailer
// gets one synthesized.
func BuildRamdisk(boot *bootimg.BootImage, vendor *bootimg.VendorBootImage, extraBootconfig []string) ([]byte, error) {
	if boot.HeaderVersion < 3 {
		out := make([]byte, len(boot.Ramdisk))
		copy(out, boot.Ramdisk)
		return out, nil
	}
	if vendor == nil {
		return nil, fmt.Errorf("boot image v%d needs a vendor boot image: %w",
			boot.HeaderVersion, bootloader.ErrNotFound)
	}

	var buf bytes.Buffer
	buf.Write(vendor.Ramdisk)
	buf.Write(boot.Ramdisk)

	if boot.HeaderVersion >= 4 {
		section, err := bootimg.AppendBootconfig(vendor.Bootconfig, extraBootconfig)
		if err != nil {
			return nil, err
		}
		buf.Write(section)
	}
	return buf.Bytes(), nil
}
