package handover

import "encoding/binary"

// The minimal GDT installed before the jump: null, 32 bit flat code,
// 32 bit flat data, 16 bit task segment.  The allocation carrying it
// must live in loader data so it survives ExitBootServices.
const (
	gdtEntries = 4

	SelectorCode32 = 0x08
	SelectorData32 = 0x10
	SelectorTask16 = 0x18
)

func gdtEntry(base, limit uint32, access, flags uint8) uint64 {
	var e uint64
	e |= uint64(limit & 0xffff)
	e |= uint64(base&0xffffff) << 16
	e |= uint64(access) << 40
	e |= uint64(limit>>16&0xf) << 48
	e |= uint64(flags&0xf) << 52
	e |= uint64(base>>24) << 56
	return e
}

// BuildGDT emits the descriptor table bytes.
func BuildGDT() []byte {
	entries := [gdtEntries]uint64{
		0,
		// code: base 0, limit 4 GiB, exec/read, 32 bit, 4 KiB
		// granularity
		gdtEntry(0, 0xfffff, 0x9a, 0xc),
		// data: base 0, limit 4 GiB, read/write
		gdtEntry(0, 0xfffff, 0x92, 0xc),
		// 16 bit task segment, limit 0
		gdtEntry(0, 0, 0x89, 0x0),
	}
	out := make([]byte, gdtEntries*8)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(out[i*8:], e)
	}
	return out
}
