package bootimg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/project-machine/osloader/pkg/bootloader"
)

// The bootconfig section ends in a fixed trailer:
//
//	param_size (u32 LE) | checksum (u32 LE) | "#BOOTCONFIG\n"
//
// param_size counts the parameter bytes in front of the trailer and
// the checksum is the CRC32 of exactly those bytes.
const (
	BootconfigMagic   = "#BOOTCONFIG\n"
	BootconfigTrailer = 4 + 4 + len(BootconfigMagic)
)

// HasBootconfigTrailer reports whether section ends in a well formed
// trailer.  A v4 image without one is tolerated; the assembler
// synthesizes the trailer instead.
func HasBootconfigTrailer(section []byte) bool {
	if len(section) < BootconfigTrailer {
		return false
	}
	t := section[len(section)-BootconfigTrailer:]
	return string(t[8:]) == BootconfigMagic
}

// BootconfigParams returns the parameter bytes in front of the
// trailer, after validating size and checksum.  A section without a
// trailer is all parameters.
func BootconfigParams(section []byte) ([]byte, error) {
	if !HasBootconfigTrailer(section) {
		return section, nil
	}
	t := section[len(section)-BootconfigTrailer:]
	size := binary.LittleEndian.Uint32(t[0:4])
	sum := binary.LittleEndian.Uint32(t[4:8])
	if int(size) != len(section)-BootconfigTrailer {
		return nil, fmt.Errorf("bootconfig param size %d does not match section of %d: %w",
			size, len(section), bootloader.ErrCorrupted)
	}
	params := section[:size]
	if got := crc32.ChecksumIEEE(params); got != sum {
		return nil, fmt.Errorf("bootconfig checksum %08x != %08x: %w",
			got, sum, bootloader.ErrCorrupted)
	}
	return params, nil
}

// AppendBootconfig extends the parameters with extra entries and
// emits a section with a correct trailer.  extra entries are
// "key=value" strings, one parameter each.  With no extras and an
// already valid trailer the section comes back unchanged.
func AppendBootconfig(section []byte, extra []string) ([]byte, error) {
	params, err := BootconfigParams(section)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 && HasBootconfigTrailer(section) {
		return section, nil
	}

	var buf bytes.Buffer
	buf.Write(params)
	if n := len(params); n > 0 && params[n-1] != '\n' {
		buf.WriteByte('\n')
	}
	for _, e := range extra {
		buf.WriteString(e)
		buf.WriteByte('\n')
	}

	out := buf.Bytes()
	trailer := make([]byte, BootconfigTrailer)
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(len(out)))
	binary.LittleEndian.PutUint32(trailer[4:8], crc32.ChecksumIEEE(out))
	copy(trailer[8:], BootconfigMagic)
	return append(out, trailer...), nil
}
