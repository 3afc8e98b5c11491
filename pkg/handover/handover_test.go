package handover

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/stretchr/testify/require"
)

func TestBuildE820MappingAndCoalescing(t *testing.T) {
	mmap := []MemoryDesc{
		{Type: EfiLoaderCode, Start: 0x0000, Pages: 1},
		{Type: EfiConventionalMemory, Start: 0x1000, Pages: 2},
		{Type: EfiBootServicesData, Start: 0x3000, Pages: 1},
		{Type: EfiACPIReclaimMemory, Start: 0x4000, Pages: 1},
		{Type: EfiACPIMemoryNVS, Start: 0x5000, Pages: 1},
		{Type: EfiUnusableMemory, Start: 0x6000, Pages: 1},
		{Type: EfiMemoryMappedIO, Start: 0x7000, Pages: 1},
	}
	e820 := BuildE820(mmap)

	// the three leading RAM typed regions are adjacent and coalesce
	require.Equal(t, []E820Entry{
		{Addr: 0x0000, Size: 0x4000, Type: E820Ram},
		{Addr: 0x4000, Size: 0x1000, Type: E820Acpi},
		{Addr: 0x5000, Size: 0x1000, Type: E820Nvs},
		{Addr: 0x6000, Size: 0x1000, Type: E820Unusable},
		{Addr: 0x7000, Size: 0x1000, Type: E820Reserved},
	}, e820)
}

func TestBuildE820NoCoalesceAcrossHoles(t *testing.T) {
	mmap := []MemoryDesc{
		{Type: EfiConventionalMemory, Start: 0x0000, Pages: 1},
		{Type: EfiConventionalMemory, Start: 0x2000, Pages: 1},
	}
	e820 := BuildE820(mmap)
	require.Len(t, e820, 2)
}

func fakeKernel(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 2*ZeropageSize)
	binary.LittleEndian.PutUint32(k[setupHeaderOffset+17:], SetupHeaderMagic)
	return k
}

func TestParseSetupHeader(t *testing.T) {
	hdr, err := ParseSetupHeader(fakeKernel(t))
	require.NoError(t, err)
	require.Equal(t, uint32(SetupHeaderMagic), hdr.Header)

	_, err = ParseSetupHeader(make([]byte, 100))
	require.Error(t, err)

	bad := fakeKernel(t)
	bad[setupHeaderOffset+17] = 0
	_, err = ParseSetupHeader(bad)
	require.True(t, errors.Is(err, bootloader.ErrCorrupted))
}

func TestBuildBootParams(t *testing.T) {
	hdr, err := ParseSetupHeader(fakeKernel(t))
	require.NoError(t, err)

	layout := Layout{
		KernelEntry: 0x100000,
		CmdlineAddr: 0x20000,
		RamdiskAddr: 0x4000000,
		RamdiskSize: 1234,
		SecureBoot:  true,
		ScreenInfo:  make([]byte, 64),
	}
	e820 := []E820Entry{{Addr: 0, Size: 0x1000, Type: E820Ram}}
	bp, err := BuildBootParams(hdr, layout, e820)
	require.NoError(t, err)

	require.Equal(t, uint8(LoaderID), bp.Hdr.TypeOfLoader)
	require.Equal(t, uint32(0x20000), bp.Hdr.CmdLinePtr)
	require.Equal(t, uint32(0x4000000), bp.Hdr.RamdiskImage)
	require.Equal(t, uint32(1234), bp.Hdr.RamdiskSize)
	require.Equal(t, uint32(0x100000), bp.Hdr.Code32Start)
	require.Equal(t, uint8(1), bp.SecureBoot)
	require.Equal(t, uint8(1), bp.E820Count)
	require.Equal(t, uint8(VideoTypeEfi), bp.ScreenInfo[6])
}

func TestZeropageEncodesTo4K(t *testing.T) {
	hdr, err := ParseSetupHeader(fakeKernel(t))
	require.NoError(t, err)
	bp, err := BuildBootParams(hdr, Layout{}, nil)
	require.NoError(t, err)
	out := bp.Encode()
	require.Len(t, out, ZeropageSize)

	// e820_entries lives at 0x1e8, setup header magic at 0x1f1+17
	require.Equal(t, uint8(0), out[0x1e8])
	require.Equal(t, uint32(SetupHeaderMagic), binary.LittleEndian.Uint32(out[0x1f1+17:]))
}

func TestBuildGDT(t *testing.T) {
	gdt := BuildGDT()
	require.Len(t, gdt, 32)

	// null descriptor first
	require.Equal(t, uint64(0), binary.LittleEndian.Uint64(gdt[0:8]))
	// flat 32 bit code: access byte 0x9a, granularity 0xc, limit fffff
	code := binary.LittleEndian.Uint64(gdt[SelectorCode32 : SelectorCode32+8])
	require.Equal(t, uint64(0x00cf9a000000ffff), code)
	data := binary.LittleEndian.Uint64(gdt[SelectorData32 : SelectorData32+8])
	require.Equal(t, uint64(0x00cf92000000ffff), data)
}

type fakeFirmware struct {
	staleFor int
	calls    int
	exits    int
}

func (f *fakeFirmware) MemoryMap() ([]MemoryDesc, uint64, error) {
	f.calls++
	return []MemoryDesc{{Type: EfiConventionalMemory, Start: 0, Pages: 16}}, uint64(f.calls), nil
}

func (f *fakeFirmware) ExitBootServices(key uint64) error {
	if f.calls <= f.staleFor {
		return errors.New("stale map key")
	}
	f.exits++
	return nil
}

type recordingJumper struct {
	entry    uint64
	zeropage []byte
	gdt      []byte
	jumped   bool
}

func (r *recordingJumper) Jump(entry uint64, bootParams, gdt []byte) error {
	r.entry = entry
	r.zeropage = bootParams
	r.gdt = gdt
	r.jumped = true
	// a test jumper necessarily returns
	return errors.New("returned from test jump")
}

func TestHandoverRetriesStaleMapKey(t *testing.T) {
	fw := &fakeFirmware{staleFor: 3}
	j := &recordingJumper{}
	h := &Handover{Firmware: fw, Jumper: j, SixtyFourBit: true}

	err := h.Run(&Artifacts{Kernel: fakeKernel(t), Layout: Layout{KernelEntry: 0x1000}})
	require.Error(t, err) // the test jumper returns
	require.True(t, j.jumped)
	require.Equal(t, 4, fw.calls)
	require.Equal(t, 1, fw.exits)
	require.Equal(t, uint64(0x1000+512), j.entry)
	require.Len(t, j.zeropage, ZeropageSize)
}

func TestHandoverGivesUpAfterTenRetries(t *testing.T) {
	fw := &fakeFirmware{staleFor: 100}
	h := &Handover{Firmware: fw, Jumper: &recordingJumper{}}
	err := h.Run(&Artifacts{Kernel: fakeKernel(t)})
	require.True(t, errors.Is(err, bootloader.ErrTimeout))
	require.Equal(t, exitRetries, fw.calls)
}
