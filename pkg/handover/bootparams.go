package handover

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/project-machine/osloader/pkg/bootloader"
)

// BootParams is the zeropage handed to the kernel in rsi.  The C
// struct is packed; this mirrors its layout field by field so a
// little endian binary.Write emits exactly the wire form.
type BootParams struct {
	ScreenInfo [64]byte   // struct screen_info              0x000
	_          [20]byte   // apm_bios_info                   0x040
	_          [4]uint8   //                                 0x054
	_          uint64     // tboot_addr                      0x058
	_          [16]byte   // ist_info                        0x060
	AcpiRsdp   uint64     // acpi_rsdp_addr                  0x070
	_          [8]uint8   //                                 0x078
	_          [32]uint8  // hd0_info, hd1_info              0x080
	_          [16]byte   // sys_desc_table                  0x0a0
	_          [16]byte   // olpc_ofw_header                 0x0b0
	_          uint32     // ext_ramdisk_image               0x0c0
	_          uint32     // ext_ramdisk_size                0x0c4
	_          uint32     // ext_cmd_line_ptr                0x0c8
	_          [112]uint8 //                                 0x0cc
	_          uint32     // cc_blob_address                 0x13c
	_          [128]byte  // edid_info                       0x140
	_          [32]byte   // efi_info                        0x1c0
	_          uint32     // alt_mem_k                       0x1e0
	_          uint32     // scratch                         0x1e4
	E820Count  uint8      // e820_entries                    0x1e8
	_          uint8      // eddbuf_entries                  0x1e9
	_          uint8      // edd_mbr_sig_buf_entries         0x1ea
	_          uint8      // kbd_status                      0x1eb
	SecureBoot uint8      // secure_boot                     0x1ec
	_          [2]uint8   //                                 0x1ed
	_          uint8      // sentinel                        0x1ef
	_          uint8      //                                 0x1f0
	Hdr        SetupHeader
	_          [36]uint8               // pad to 0x290
	_          [64]byte                // edd_mbr_sig_buffer
	E820Table  [E820MaxEntries]e820Raw // 0x2d0
	_          [48]uint8
	_          [492]byte // eddbuf
	_          [276]uint8
}

type e820Raw struct {
	Addr uint64
	Size uint64
	Type uint32
}

// SetupHeader mirrors struct setup_header.
type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	Syssize             uint32
	RamSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	RealmodeSwtch       uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	Loadflags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdLinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	Xloadflags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// SetupHeaderMagic is the required Header field value, "HdrS".
const SetupHeaderMagic = 0x53726448

// LoaderID identifies us in type_of_loader: undefined bootloader.
const LoaderID = 0xFF

// ZeropageSize is 4 KiB.
const ZeropageSize = 0x1000

// setupHeaderOffset is where struct setup_header starts in the
// kernel image and in the zeropage.
const setupHeaderOffset = 0x1f1

// VideoTypeEfi tags the screen info as coming from the EFI graphics
// output protocol.
const VideoTypeEfi = 0x70

// ParseSetupHeader pulls the setup header out of a bzImage.
func ParseSetupHeader(kernel []byte) (*SetupHeader, error) {
	if len(kernel) < ZeropageSize {
		return nil, fmt.Errorf("kernel of %d bytes has no setup header: %w",
			len(kernel), bootloader.ErrCorrupted)
	}
	hdr := &SetupHeader{}
	r := bytes.NewReader(kernel[setupHeaderOffset:])
	if err := binary.Read(r, binary.LittleEndian, hdr); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, fmt.Errorf("kernel setup header truncated: %w", bootloader.ErrCorrupted)
		}
		return nil, err
	}
	if hdr.Header != SetupHeaderMagic {
		return nil, fmt.Errorf("kernel setup header magic %#x: %w",
			hdr.Header, bootloader.ErrCorrupted)
	}
	return hdr, nil
}

// Layout is where the loader placed the pieces in memory.
type Layout struct {
	KernelEntry uint64
	CmdlineAddr uint64
	RamdiskAddr uint64
	RamdiskSize uint32
	AcpiRsdp    uint64
	SecureBoot  bool
	ScreenInfo  []byte
}

// BuildBootParams fills a zeropage from the kernel's own setup
// header, the chosen layout and the E820 table.
func BuildBootParams(hdr *SetupHeader, layout Layout, e820 []E820Entry) (*BootParams, error) {
	if len(e820) > E820MaxEntries {
		return nil, fmt.Errorf("%d E820 entries exceed the zeropage: %w",
			len(e820), bootloader.ErrOutOfResources)
	}

	bp := &BootParams{Hdr: *hdr}
	bp.Hdr.TypeOfLoader = LoaderID
	bp.Hdr.CmdLinePtr = uint32(layout.CmdlineAddr)
	bp.Hdr.RamdiskImage = uint32(layout.RamdiskAddr)
	bp.Hdr.RamdiskSize = layout.RamdiskSize
	bp.Hdr.Code32Start = uint32(layout.KernelEntry)
	bp.AcpiRsdp = layout.AcpiRsdp
	if layout.SecureBoot {
		bp.SecureBoot = 1
	}
	if n := copy(bp.ScreenInfo[:], layout.ScreenInfo); n > 0 {
		// video type lives at offset 6 of screen_info
		bp.ScreenInfo[6] = VideoTypeEfi
	}

	bp.E820Count = uint8(len(e820))
	for i, e := range e820 {
		bp.E820Table[i] = e820Raw{Addr: e.Addr, Size: e.Size, Type: e.Type}
	}
	return bp, nil
}

// Encode emits the packed zeropage.
func (bp *BootParams) Encode() []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, bp); err != nil {
		panic(err)
	}
	out := buf.Bytes()
	if len(out) != ZeropageSize {
		panic(fmt.Sprintf("zeropage encoded to %d bytes", len(out)))
	}
	return out
}
