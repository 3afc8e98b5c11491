package bootimg

import (
	"fmt"

	"github.com/project-machine/osloader/pkg/bootloader"
)

// VendorBootImage is the decoded vendor_boot partition for boot
// header v3/v4.
type VendorBootImage struct {
	HeaderVersion uint32
	PageSize      uint32

	Cmdline      string
	Ramdisk      []byte
	Dtb          []byte
	RamdiskTable []byte
	Bootconfig   []byte
}

// Vendor boot layout, little endian after the 8 byte magic:
//
//	header_version, page_size, kernel_addr, ramdisk_addr,
//	vendor_ramdisk_size, cmdline[2048], tags_addr, name[16],
//	header_size, dtb_size, dtb_addr(u64)
//	v4: vendor_ramdisk_table_size, table_entry_num,
//	    table_entry_size, bootconfig_size
const (
	vbFixed      = 8 + 4*4
	vbPostArgs   = vbFixed + 4 + vendorArgsSize
	vbDtbSize    = vbPostArgs + 4 + bootNameSize + 4
	vbV4Extra    = vbDtbSize + 4 + 8
	vbHeaderSize = vbV4Extra + 4*4
)

// ParseVendorBoot decodes a vendor_boot image.
func ParseVendorBoot(data []byte, partSize uint64) (*VendorBootImage, error) {
	v := view{data}
	magic, err := v.slice(0, 8)
	if err != nil {
		return nil, err
	}
	if string(magic) != VendorBootMagic {
		return nil, fmt.Errorf("vendor boot magic %q: %w", magic, bootloader.ErrCorrupted)
	}

	img := &VendorBootImage{}
	if img.HeaderVersion, err = v.u32(8); err != nil {
		return nil, err
	}
	if img.HeaderVersion < 3 || img.HeaderVersion > maxHeaderVersion {
		return nil, fmt.Errorf("vendor boot header version %d unsupported: %w",
			img.HeaderVersion, bootloader.ErrCorrupted)
	}
	if img.PageSize, err = v.u32(12); err != nil {
		return nil, err
	}
	if img.PageSize < 2048 || img.PageSize&(img.PageSize-1) != 0 {
		return nil, fmt.Errorf("vendor boot page size %d: %w",
			img.PageSize, bootloader.ErrCorrupted)
	}

	ramdiskSize, err := v.u32(vbFixed)
	if err != nil {
		return nil, err
	}
	if img.Cmdline, err = v.cstring(vbFixed+4, vendorArgsSize); err != nil {
		return nil, err
	}
	dtbSize, err := v.u32(vbDtbSize)
	if err != nil {
		return nil, err
	}

	var tableSize, bootconfigSize uint32
	if img.HeaderVersion >= 4 {
		if tableSize, err = v.u32(vbV4Extra); err != nil {
			return nil, err
		}
		if bootconfigSize, err = v.u32(vbV4Extra + 12); err != nil {
			return nil, err
		}
	}

	ps := uint64(img.PageSize)
	headerPages := alignUp(vbHeaderSize, ps)
	total := headerPages +
		alignUp(uint64(ramdiskSize), ps) +
		alignUp(uint64(dtbSize), ps) +
		alignUp(uint64(tableSize), ps) +
		alignUp(uint64(bootconfigSize), ps)
	if total > partSize {
		return nil, fmt.Errorf("vendor boot claims %d bytes, partition has %d: %w",
			total, partSize, bootloader.ErrCorrupted)
	}

	off := headerPages
	if img.Ramdisk, err = v.slice(off, uint64(ramdiskSize)); err != nil {
		return nil, err
	}
	off += alignUp(uint64(ramdiskSize), ps)
	if img.Dtb, err = v.slice(off, uint64(dtbSize)); err != nil {
		return nil, err
	}
	off += alignUp(uint64(dtbSize), ps)
	if img.RamdiskTable, err = v.slice(off, uint64(tableSize)); err != nil {
		return nil, err
	}
	off += alignUp(uint64(tableSize), ps)
	if img.Bootconfig, err = v.slice(off, uint64(bootconfigSize)); err != nil {
		return nil, err
	}
	return img, nil
}
