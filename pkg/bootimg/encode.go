package bootimg

import (
	"bytes"
	"encoding/binary"
)

// Encoders for the two image formats.  The loader itself only reads
// images; these exist for the flashing side and the test suites, and
// are exact inverses of Parse for the fields the loader consumes.

func padTo(buf *bytes.Buffer, align uint32) {
	if rem := buf.Len() % int(align); rem != 0 {
		buf.Write(make([]byte, int(align)-rem))
	}
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putBytes(buf *bytes.Buffer, s string, n int) {
	b := make([]byte, n)
	copy(b, s)
	buf.Write(b)
}

// Encode serializes the image in its declared header version.
func (img *BootImage) Encode() []byte {
	if img.HeaderVersion >= 3 {
		return img.encodeV3()
	}
	return img.encodeLegacy()
}

func (img *BootImage) encodeLegacy() []byte {
	var buf bytes.Buffer
	buf.WriteString(BootMagic)
	putU32(&buf, uint32(len(img.Kernel)))
	putU32(&buf, 0x10008000)
	putU32(&buf, uint32(len(img.Ramdisk)))
	putU32(&buf, 0x11000000)
	putU32(&buf, uint32(len(img.Second)))
	putU32(&buf, 0x10f00000)
	putU32(&buf, 0x10000100)
	putU32(&buf, img.PageSize)
	putU32(&buf, img.HeaderVersion)
	putU32(&buf, img.OSVersion)
	putBytes(&buf, "", bootNameSize)
	putBytes(&buf, img.Cmdline, bootArgsSize)
	putBytes(&buf, "", 32)
	putBytes(&buf, img.ExtraCmdline, bootExtraArgs)
	if img.HeaderVersion >= 1 {
		putU32(&buf, uint32(len(img.RecoveryAcpio)))
		putU64(&buf, 0)
		putU32(&buf, uint32(buf.Len()+4))
	}
	if img.HeaderVersion >= 2 {
		putU32(&buf, uint32(len(img.Dtb)))
		putU64(&buf, 0x11f00000)
	}

	secs := [][]byte{img.Kernel, img.Ramdisk, img.Second}
	if img.HeaderVersion >= 1 {
		secs = append(secs, img.RecoveryAcpio)
	}
	if img.HeaderVersion >= 2 {
		secs = append(secs, img.Dtb)
	}
	for _, sec := range secs {
		padTo(&buf, img.PageSize)
		buf.Write(sec)
	}
	padTo(&buf, img.PageSize)
	return buf.Bytes()
}

func (img *BootImage) encodeV3() []byte {
	var buf bytes.Buffer
	buf.WriteString(BootMagic)
	putU32(&buf, uint32(len(img.Kernel)))
	putU32(&buf, uint32(len(img.Ramdisk)))
	putU32(&buf, img.OSVersion)
	putU32(&buf, 4096) // header_size
	for i := 0; i < 4; i++ {
		putU32(&buf, 0)
	}
	putU32(&buf, img.HeaderVersion)
	putBytes(&buf, img.Cmdline, v3ArgsSize)
	if img.HeaderVersion >= 4 {
		putU32(&buf, 0) // signature_size
	}

	padTo(&buf, v3PageSize)
	buf.Write(img.Kernel)
	padTo(&buf, v3PageSize)
	buf.Write(img.Ramdisk)
	padTo(&buf, v3PageSize)
	return buf.Bytes()
}

// Encode serializes the vendor boot image.
func (img *VendorBootImage) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(VendorBootMagic)
	putU32(&buf, img.HeaderVersion)
	putU32(&buf, img.PageSize)
	putU32(&buf, 0x10008000)
	putU32(&buf, 0x11000000)
	putU32(&buf, uint32(len(img.Ramdisk)))
	putBytes(&buf, img.Cmdline, vendorArgsSize)
	putU32(&buf, 0x10000100)
	putBytes(&buf, "", bootNameSize)
	putU32(&buf, vbHeaderSize)
	putU32(&buf, uint32(len(img.Dtb)))
	putU64(&buf, 0x11f00000)
	if img.HeaderVersion >= 4 {
		putU32(&buf, uint32(len(img.RamdiskTable)))
		if len(img.RamdiskTable) > 0 {
			putU32(&buf, 1)
			putU32(&buf, uint32(len(img.RamdiskTable)))
		} else {
			putU32(&buf, 0)
			putU32(&buf, 0)
		}
		putU32(&buf, uint32(len(img.Bootconfig)))
	}

	for _, sec := range [][]byte{img.Ramdisk, img.Dtb, img.RamdiskTable, img.Bootconfig} {
		padTo(&buf, img.PageSize)
		buf.Write(sec)
	}
	padTo(&buf, img.PageSize)
	return buf.Bytes()
}
