// Package bootimg decodes Android boot and vendor_boot images.  All
// section access goes through bounds checked views over the raw blob;
// an offset that would leave the declared image is an error, never a
// wild slice.
package bootimg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/project-machine/osloader/pkg/bootloader"
)

const (
	BootMagic       = "ANDROID!"
	VendorBootMagic = "VNDRBOOT"

	// v3+ images have a fixed header page.
	v3PageSize = 4096

	bootNameSize     = 16
	bootArgsSize     = 512
	bootExtraArgs    = 1024
	vendorArgsSize   = 2048
	v3ArgsSize       = 1552
	maxHeaderVersion = 4
)

// BootImage is the decoded boot (or recovery) image.  For header
// versions before 3 every section lives here; v3 and v4 carry only
// kernel, ramdisk and cmdline, the rest comes from the companion
// vendor boot image.
type BootImage struct {
	HeaderVersion uint32
	PageSize      uint32
	OSVersion     uint32

	Kernel        []byte
	Ramdisk       []byte
	Second        []byte
	RecoveryAcpio []byte
	Dtb           []byte

	Cmdline      string
	ExtraCmdline string
}

type view struct {
	data []byte
}

func (v view) slice(off, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	end := off + n
	if end < off || end > uint64(len(v.data)) {
		return nil, fmt.Errorf("section [%d, %d) exceeds image of %d bytes: %w",
			off, end, len(v.data), bootloader.ErrOutOfBounds)
	}
	return v.data[off:end], nil
}

func (v view) u32(off uint64) (uint32, error) {
	b, err := v.slice(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (v view) u64(off uint64) (uint64, error) {
	b, err := v.slice(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (v view) cstring(off, n uint64) (string, error) {
	b, err := v.slice(off, n)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

// HeaderVersion peeks at the version field without a full parse.
func HeaderVersion(data []byte) (uint32, error) {
	v := view{data}
	magic, err := v.slice(0, 8)
	if err != nil {
		return 0, err
	}
	if string(magic) != BootMagic {
		return 0, fmt.Errorf("boot image magic %q: %w", magic, bootloader.ErrCorrupted)
	}
	// the version field sits at offset 40 for every version so far
	ver, err := v.u32(40)
	if err != nil {
		return 0, err
	}
	if ver > maxHeaderVersion {
		return 0, fmt.Errorf("boot image header version %d unsupported: %w",
			ver, bootloader.ErrCorrupted)
	}
	return ver, nil
}

// Parse decodes a boot image.  partSize bounds the total the header
// may claim; images whose computed size exceeds it are rejected.
func Parse(data []byte, partSize uint64) (*BootImage, error) {
	ver, err := HeaderVersion(data)
	if err != nil {
		return nil, err
	}
	if ver >= 3 {
		return parseV3(data, partSize, ver)
	}
	return parseLegacy(data, partSize, ver)
}

// Legacy (v0..v2) layout, fields little endian after the 8 byte magic:
//
//	kernel_size, kernel_addr, ramdisk_size, ramdisk_addr,
//	second_size, second_addr, tags_addr, page_size,
//	header_version, os_version, name[16], cmdline[512], id[8*4],
//	extra_cmdline[1024]
//	v1+: recovery_acpio_size, recovery_acpio_offset(u64), header_size
//	v2+: dtb_size, dtb_addr(u64)
func parseLegacy(data []byte, partSize uint64, ver uint32) (*BootImage, error) {
	v := view{data}
	img := &BootImage{HeaderVersion: ver}

	kernelSize, err := v.u32(8)
	if err != nil {
		return nil, err
	}
	ramdiskSize, err := v.u32(16)
	if err != nil {
		return nil, err
	}
	secondSize, err := v.u32(24)
	if err != nil {
		return nil, err
	}
	pageSize, err := v.u32(36)
	if err != nil {
		return nil, err
	}
	if pageSize < 2048 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("boot image page size %d: %w", pageSize, bootloader.ErrCorrupted)
	}
	img.PageSize = pageSize

	if img.OSVersion, err = v.u32(44); err != nil {
		return nil, err
	}
	if img.Cmdline, err = v.cstring(48+bootNameSize, bootArgsSize); err != nil {
		return nil, err
	}
	if img.ExtraCmdline, err = v.cstring(48+bootNameSize+bootArgsSize+32, bootExtraArgs); err != nil {
		return nil, err
	}

	var acpioSize, dtbSize uint32
	if ver >= 1 {
		off := uint64(48 + bootNameSize + bootArgsSize + 32 + bootExtraArgs)
		if acpioSize, err = v.u32(off); err != nil {
			return nil, err
		}
		if ver >= 2 {
			if dtbSize, err = v.u32(off + 16); err != nil {
				return nil, err
			}
		}
	}

	ps := uint64(pageSize)
	total := ps +
		alignUp(uint64(kernelSize), ps) +
		alignUp(uint64(ramdiskSize), ps) +
		alignUp(uint64(secondSize), ps) +
		alignUp(uint64(acpioSize), ps) +
		alignUp(uint64(dtbSize), ps)
	if total > partSize {
		return nil, fmt.Errorf("boot image claims %d bytes, partition has %d: %w",
			total, partSize, bootloader.ErrCorrupted)
	}

	off := ps
	if img.Kernel, err = v.slice(off, uint64(kernelSize)); err != nil {
		return nil, err
	}
	off += alignUp(uint64(kernelSize), ps)
	if img.Ramdisk, err = v.slice(off, uint64(ramdiskSize)); err != nil {
		return nil, err
	}
	off += alignUp(uint64(ramdiskSize), ps)
	if img.Second, err = v.slice(off, uint64(secondSize)); err != nil {
		return nil, err
	}
	off += alignUp(uint64(secondSize), ps)
	if img.RecoveryAcpio, err = v.slice(off, uint64(acpioSize)); err != nil {
		return nil, err
	}
	off += alignUp(uint64(acpioSize), ps)
	if img.Dtb, err = v.slice(off, uint64(dtbSize)); err != nil {
		return nil, err
	}
	return img, nil
}

// v3/v4 layout: magic, kernel_size, ramdisk_size, os_version,
// header_size, reserved[4], header_version, cmdline[1552], and for v4
// a signature_size.  The header occupies one fixed 4096 byte page.
func parseV3(data []byte, partSize uint64, ver uint32) (*BootImage, error) {
	v := view{data}
	img := &BootImage{HeaderVersion: ver, PageSize: v3PageSize}

	kernelSize, err := v.u32(8)
	if err != nil {
		return nil, err
	}
	ramdiskSize, err := v.u32(12)
	if err != nil {
		return nil, err
	}
	if img.OSVersion, err = v.u32(16); err != nil {
		return nil, err
	}
	if img.Cmdline, err = v.cstring(44, v3ArgsSize); err != nil {
		return nil, err
	}

	ps := uint64(v3PageSize)
	total := ps + alignUp(uint64(kernelSize), ps) + alignUp(uint64(ramdiskSize), ps)
	if total > partSize {
		return nil, fmt.Errorf("boot image claims %d bytes, partition has %d: %w",
			total, partSize, bootloader.ErrCorrupted)
	}

	off := ps
	if img.Kernel, err = v.slice(off, uint64(kernelSize)); err != nil {
		return nil, err
	}
	off += alignUp(uint64(kernelSize), ps)
	if img.Ramdisk, err = v.slice(off, uint64(ramdiskSize)); err != nil {
		return nil, err
	}
	return img, nil
}
