package slot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/project-machine/osloader/pkg/bootloader"
)

// A/B metadata record, 32 bytes big endian at MetadataOffset of misc.
//
//	off 0  magic "\0AB0"
//	off 4  version major, off 5 version minor, off 6 reserved[2]
//	off 8  slot count (2)
//	off 12 packed slot bytes, one per slot
//	off 14 recovery tries remaining
//	off 15 verity corrupted bitmask, bit per slot
//	off 16 reserved[12]
//	off 28 CRC32 of the first 28 bytes
//
// Packed slot byte: bits 0..3 priority, bits 4..6 tries remaining,
// bit 7 successful.
const (
	MaxSlots    = 2
	MaxPriority = 15
	MaxTries    = 7

	recordSize      = 32
	crcOffset       = 28
	versionMajor    = 1
	versionMinor    = 0
	defaultPriority = 7
	recoveryTries   = 7
)

var recordMagic = [4]byte{0, 'A', 'B', '0'}

// SlotRecord is the per slot bookkeeping.
type SlotRecord struct {
	Suffix          string
	Priority        uint8
	TriesRemaining  uint8
	Successful      bool
	VerityCorrupted bool
}

// Metadata is the decoded A/B record.
type Metadata struct {
	Slots                  [MaxSlots]SlotRecord
	RecoveryTriesRemaining uint8
}

var slotSuffixes = [MaxSlots]string{"_a", "_b"}

// SuffixForIndex maps a slot index to its partition suffix.
func SuffixForIndex(i int) string {
	return slotSuffixes[i]
}

// DefaultMetadata is what a corrupted or absent record resets to: both
// slots bootable with maximum tries, neither successful, slot 0
// preferred.
func DefaultMetadata() Metadata {
	m := Metadata{RecoveryTriesRemaining: recoveryTries}
	for i := range m.Slots {
		m.Slots[i] = SlotRecord{
			Suffix:         slotSuffixes[i],
			Priority:       defaultPriority,
			TriesRemaining: MaxTries,
		}
	}
	return m
}

func packSlot(s SlotRecord) byte {
	b := s.Priority & 0x0f
	b |= (s.TriesRemaining & 0x07) << 4
	if s.Successful {
		b |= 0x80
	}
	return b
}

func unpackSlot(i int, b byte, verity byte) SlotRecord {
	return SlotRecord{
		Suffix:          slotSuffixes[i],
		Priority:        b & 0x0f,
		TriesRemaining:  (b >> 4) & 0x07,
		Successful:      b&0x80 != 0,
		VerityCorrupted: verity&(1<<uint(i)) != 0,
	}
}

// Encode serializes the record, recomputing the CRC.
func (m *Metadata) Encode() []byte {
	buf := make([]byte, recordSize)
	copy(buf[0:4], recordMagic[:])
	buf[4] = versionMajor
	buf[5] = versionMinor
	binary.BigEndian.PutUint32(buf[8:12], MaxSlots)
	var verity byte
	for i, s := range m.Slots {
		buf[12+i] = packSlot(s)
		if s.VerityCorrupted {
			verity |= 1 << uint(i)
		}
	}
	buf[14] = m.RecoveryTriesRemaining
	buf[15] = verity
	binary.BigEndian.PutUint32(buf[crcOffset:], crc32.ChecksumIEEE(buf[:crcOffset]))
	return buf
}

// DecodeMetadata parses and validates a record.  Bad magic, version,
// slot count or CRC is ErrCorrupted; callers reset to the default.
func DecodeMetadata(buf []byte) (Metadata, error) {
	if len(buf) < recordSize {
		return Metadata{}, fmt.Errorf("A/B record truncated at %d bytes: %w",
			len(buf), bootloader.ErrCorrupted)
	}
	buf = buf[:recordSize]
	if !bytes.Equal(buf[0:4], recordMagic[:]) {
		return Metadata{}, fmt.Errorf("A/B record has bad magic: %w", bootloader.ErrCorrupted)
	}
	if buf[4] != versionMajor {
		return Metadata{}, fmt.Errorf("A/B record version %d unsupported: %w",
			buf[4], bootloader.ErrCorrupted)
	}
	if n := binary.BigEndian.Uint32(buf[8:12]); n != MaxSlots {
		return Metadata{}, fmt.Errorf("A/B record has %d slots, want %d: %w",
			n, MaxSlots, bootloader.ErrCorrupted)
	}
	want := binary.BigEndian.Uint32(buf[crcOffset:])
	if got := crc32.ChecksumIEEE(buf[:crcOffset]); got != want {
		return Metadata{}, fmt.Errorf("A/B record CRC mismatch %08x != %08x: %w",
			got, want, bootloader.ErrCorrupted)
	}

	m := Metadata{RecoveryTriesRemaining: buf[14]}
	for i := range m.Slots {
		m.Slots[i] = unpackSlot(i, buf[12+i], buf[15])
	}
	return m, nil
}
