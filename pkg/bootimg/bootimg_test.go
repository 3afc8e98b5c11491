package bootimg

import (
	"errors"
	"testing"

	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/stretchr/testify/require"
)

func TestParseLegacyRoundTrip(t *testing.T) {
	in := &BootImage{
		HeaderVersion: 2,
		PageSize:      2048,
		OSVersion:     0x12345678,
		Kernel:        []byte("kernel-bytes"),
		Ramdisk:       []byte("ramdisk-bytes"),
		Second:        []byte{},
		RecoveryAcpio: []byte("acpio"),
		Dtb:           []byte("devicetree"),
		Cmdline:       "console=ttyS0 quiet",
		ExtraCmdline:  "extra=1",
	}
	blob := in.Encode()

	out, err := Parse(blob, uint64(len(blob)))
	require.NoError(t, err)
	require.Equal(t, uint32(2), out.HeaderVersion)
	require.Equal(t, in.Kernel, out.Kernel)
	require.Equal(t, in.Ramdisk, out.Ramdisk)
	require.Equal(t, in.RecoveryAcpio, out.RecoveryAcpio)
	require.Equal(t, in.Dtb, out.Dtb)
	require.Equal(t, in.Cmdline, out.Cmdline)
	require.Equal(t, in.ExtraCmdline, out.ExtraCmdline)
	require.Equal(t, in.OSVersion, out.OSVersion)
}

func TestParseV4(t *testing.T) {
	in := &BootImage{
		HeaderVersion: 4,
		Kernel:        []byte("vmlinuz"),
		Ramdisk:       []byte("boot-ramdisk"),
		Cmdline:       "ro init=/init",
	}
	blob := in.Encode()

	out, err := Parse(blob, uint64(len(blob)))
	require.NoError(t, err)
	require.Equal(t, uint32(4), out.HeaderVersion)
	require.Equal(t, uint32(4096), out.PageSize)
	require.Equal(t, in.Kernel, out.Kernel)
	require.Equal(t, in.Ramdisk, out.Ramdisk)
	require.Equal(t, in.Cmdline, out.Cmdline)
}

func TestParseRejectsBadMagic(t *testing.T) {
	blob := (&BootImage{HeaderVersion: 0, PageSize: 2048}).Encode()
	blob[0] = 'X'
	_, err := Parse(blob, uint64(len(blob)))
	require.True(t, errors.Is(err, bootloader.ErrCorrupted))
}

func TestParseRejectsOversizedImage(t *testing.T) {
	in := &BootImage{HeaderVersion: 0, PageSize: 2048, Kernel: make([]byte, 8192)}
	blob := in.Encode()
	// partition smaller than the image claims
	_, err := Parse(blob, 4096)
	require.True(t, errors.Is(err, bootloader.ErrCorrupted))
}

func TestParseRejectsBadPageSize(t *testing.T) {
	in := &BootImage{HeaderVersion: 0, PageSize: 2048}
	blob := in.Encode()
	blob[36] = 0x03 // 2048 -> 2051, not a power of two
	_, err := Parse(blob, uint64(len(blob)))
	require.True(t, errors.Is(err, bootloader.ErrCorrupted))
}

func TestParseTruncatedSection(t *testing.T) {
	in := &BootImage{HeaderVersion: 0, PageSize: 2048, Kernel: make([]byte, 4096)}
	blob := in.Encode()
	// lie about the kernel size so the slice leaves the blob, but
	// keep the claimed total within the partition bound
	blob[8] = 0xff
	blob[9] = 0xff
	blob[10] = 0x00
	_, err := Parse(blob, 1<<30)
	require.True(t, errors.Is(err, bootloader.ErrOutOfBounds))
}

func TestVendorBootRoundTrip(t *testing.T) {
	in := &VendorBootImage{
		HeaderVersion: 4,
		PageSize:      4096,
		Cmdline:       "androidboot.hardware=generic",
		Ramdisk:       []byte("vendor-ramdisk"),
		Dtb:           []byte("dtb-blob"),
		Bootconfig:    []byte("androidboot.foo=bar\n"),
	}
	blob := in.Encode()

	out, err := ParseVendorBoot(blob, uint64(len(blob)))
	require.NoError(t, err)
	require.Equal(t, in.Cmdline, out.Cmdline)
	require.Equal(t, in.Ramdisk, out.Ramdisk)
	require.Equal(t, in.Dtb, out.Dtb)
	require.Equal(t, in.Bootconfig, out.Bootconfig)
}

func TestVendorBootV3HasNoBootconfig(t *testing.T) {
	in := &VendorBootImage{
		HeaderVersion: 3,
		PageSize:      4096,
		Ramdisk:       []byte("vendor-ramdisk"),
	}
	blob := in.Encode()
	out, err := ParseVendorBoot(blob, uint64(len(blob)))
	require.NoError(t, err)
	require.Empty(t, out.Bootconfig)
}
