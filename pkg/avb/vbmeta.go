// Package avb implements the verified boot pipeline: vbmeta parsing
// and signature checking rooted at the embedded public key, rollback
// index enforcement, and boot state classification.
package avb

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/project-machine/osloader/pkg/bootloader"
)

const (
	vbmetaMagic      = "AVB0"
	vbmetaHeaderSize = 256

	AlgNone          uint32 = 0
	AlgSHA256RSA2048 uint32 = 1
	AlgSHA256RSA4096 uint32 = 2

	tagHashDescriptor uint64 = 2
	tagKernelCmdline  uint64 = 3
	tagChainPartition uint64 = 4

	// VBMetaPartition is the GPT label the top of the trust chain
	// loads from, before the slot suffix.
	VBMetaPartition = "vbmeta"
)

// HashDescriptor binds one partition image to a digest.
type HashDescriptor struct {
	PartitionName string
	ImageSize     uint64
	HashAlgorithm string
	Salt          []byte
	Digest        []byte
}

// ChainDescriptor delegates one partition to a subordinate vbmeta
// signed by the named key.
type ChainDescriptor struct {
	PartitionName         string
	RollbackIndexLocation uint32
	PublicKeySHA256       []byte
}

// VBMeta is a decoded, not yet verified, vbmeta blob.
type VBMeta struct {
	Algorithm             uint32
	RollbackIndex         uint64
	RollbackIndexLocation uint32
	PublicKey             []byte
	Cmdline               string
	Hashes                []HashDescriptor
	Chains                []ChainDescriptor

	raw  []byte
	auth []byte
	aux  []byte
}

func be32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func be64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// Parse decodes a vbmeta blob.  All offsets and sizes are validated
// before slicing; everything in the format is big endian.
func Parse(data []byte) (*VBMeta, error) {
	if len(data) < vbmetaHeaderSize {
		return nil, fmt.Errorf("vbmeta of %d bytes has no header: %w",
			len(data), bootloader.ErrCorrupted)
	}
	if string(data[0:4]) != vbmetaMagic {
		return nil, fmt.Errorf("vbmeta magic %q: %w", data[0:4], bootloader.ErrCorrupted)
	}

	authSize := be64(data[12:])
	auxSize := be64(data[20:])
	total := uint64(vbmetaHeaderSize) + authSize + auxSize
	if total > uint64(len(data)) {
		return nil, fmt.Errorf("vbmeta blocks need %d bytes, have %d: %w",
			total, len(data), bootloader.ErrCorrupted)
	}

	m := &VBMeta{
		Algorithm:             be32(data[28:]),
		RollbackIndex:         be64(data[112:]),
		RollbackIndexLocation: be32(data[124:]),
		raw:                   data[:total],
		auth:                  data[vbmetaHeaderSize : vbmetaHeaderSize+authSize],
		aux:                   data[vbmetaHeaderSize+authSize : total],
	}

	pkOff := be64(data[64:])
	pkSize := be64(data[72:])
	if pkSize > 0 {
		if pkOff+pkSize > auxSize {
			return nil, fmt.Errorf("public key outside aux block: %w", bootloader.ErrCorrupted)
		}
		m.PublicKey = m.aux[pkOff : pkOff+pkSize]
	}

	descOff := be64(data[96:])
	descSize := be64(data[104:])
	if descOff+descSize > auxSize {
		return nil, fmt.Errorf("descriptors outside aux block: %w", bootloader.ErrCorrupted)
	}
	if err := m.parseDescriptors(m.aux[descOff : descOff+descSize]); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *VBMeta) parseDescriptors(d []byte) error {
	for len(d) > 0 {
		if len(d) < 16 {
			return fmt.Errorf("descriptor header truncated: %w", bootloader.ErrCorrupted)
		}
		tag := be64(d)
		n := be64(d[8:])
		if n > uint64(len(d)-16) {
			return fmt.Errorf("descriptor of %d bytes exceeds block: %w",
				n, bootloader.ErrCorrupted)
		}
		body := d[16 : 16+n]
		var err error
		switch tag {
		case tagHashDescriptor:
			err = m.parseHashDescriptor(body)
		case tagKernelCmdline:
			err = m.parseCmdlineDescriptor(body)
		case tagChainPartition:
			err = m.parseChainDescriptor(body)
		default:
			// unknown descriptors are skippable by design
		}
		if err != nil {
			return err
		}
		d = d[16+n:]
	}
	return nil
}

// Hash descriptor body: image_size u64, hash_algorithm[32],
// partition_name_len u32, salt_len u32, digest_len u32, flags u32,
// reserved[60], then name, salt, digest.
func (m *VBMeta) parseHashDescriptor(b []byte) error {
	const fixed = 8 + 32 + 4 + 4 + 4 + 4 + 60
	if len(b) < fixed {
		return fmt.Errorf("hash descriptor truncated: %w", bootloader.ErrCorrupted)
	}
	h := HashDescriptor{
		ImageSize:     be64(b),
		HashAlgorithm: string(bytes.TrimRight(b[8:40], "\x00")),
	}
	nameLen := be32(b[40:])
	saltLen := be32(b[44:])
	digestLen := be32(b[48:])
	rest := b[fixed:]
	need := uint64(nameLen) + uint64(saltLen) + uint64(digestLen)
	if need > uint64(len(rest)) {
		return fmt.Errorf("hash descriptor payload truncated: %w", bootloader.ErrCorrupted)
	}
	h.PartitionName = string(rest[:nameLen])
	h.Salt = rest[nameLen : nameLen+saltLen]
	h.Digest = rest[nameLen+saltLen : nameLen+saltLen+digestLen]
	m.Hashes = append(m.Hashes, h)
	return nil
}

// Kernel cmdline descriptor body: flags u32, length u32, then bytes.
func (m *VBMeta) parseCmdlineDescriptor(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("cmdline descriptor truncated: %w", bootloader.ErrCorrupted)
	}
	n := be32(b[4:])
	if uint64(n) > uint64(len(b)-8) {
		return fmt.Errorf("cmdline descriptor payload truncated: %w", bootloader.ErrCorrupted)
	}
	if m.Cmdline != "" {
		m.Cmdline += " "
	}
	m.Cmdline += string(b[8 : 8+n])
	return nil
}

// Chain descriptor body: rollback_index_location u32,
// partition_name_len u32, public_key_len u32, reserved[64], then
// name and the SHA256 of the expected key.
func (m *VBMeta) parseChainDescriptor(b []byte) error {
	const fixed = 4 + 4 + 4 + 64
	if len(b) < fixed {
		return fmt.Errorf("chain descriptor truncated: %w", bootloader.ErrCorrupted)
	}
	c := ChainDescriptor{RollbackIndexLocation: be32(b)}
	nameLen := be32(b[4:])
	keyLen := be32(b[8:])
	rest := b[fixed:]
	if uint64(nameLen)+uint64(keyLen) > uint64(len(rest)) {
		return fmt.Errorf("chain descriptor payload truncated: %w", bootloader.ErrCorrupted)
	}
	c.PartitionName = string(rest[:nameLen])
	c.PublicKeySHA256 = rest[nameLen : nameLen+keyLen]
	m.Chains = append(m.Chains, c)
	return nil
}

// parseAvbKey turns the AVB public key wire format (key_num_bits u32,
// n0inv u32, modulus, rr) into an RSA key.  The exponent is fixed at
// 65537.
func parseAvbKey(b []byte) (*rsa.PublicKey, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("public key of %d bytes: %w", len(b), bootloader.ErrCorrupted)
	}
	bits := be32(b)
	nbytes := int(bits / 8)
	if bits%8 != 0 || nbytes == 0 || len(b) < 8+nbytes {
		return nil, fmt.Errorf("public key of %d bits in %d bytes: %w",
			bits, len(b), bootloader.ErrCorrupted)
	}
	n := new(big.Int).SetBytes(b[8 : 8+nbytes])
	return &rsa.PublicKey{N: n, E: 65537}, nil
}

// EncodeAvbKey is the inverse of parseAvbKey, with rr left zero.
func EncodeAvbKey(pub *rsa.PublicKey) []byte {
	nbytes := (pub.N.BitLen() + 7) / 8
	// round up to whole bytes so the stored bit count is a multiple of 8
	buf := make([]byte, 8+2*nbytes)
	binary.BigEndian.PutUint32(buf, uint32(nbytes*8))
	pub.N.FillBytes(buf[8 : 8+nbytes])
	return buf
}

// VerifySignature checks the authentication block against the given
// key: SHA256 over header plus auxiliary block, RSASSA-PKCS1-v1_5.
func (m *VBMeta) VerifySignature(pub *rsa.PublicKey) error {
	if m.Algorithm == AlgNone {
		return fmt.Errorf("vbmeta is unsigned: %w", bootloader.ErrIntegrity)
	}
	hashOff := be64(m.raw[32:])
	hashSize := be64(m.raw[40:])
	sigOff := be64(m.raw[48:])
	sigSize := be64(m.raw[56:])
	if hashOff+hashSize > uint64(len(m.auth)) || sigOff+sigSize > uint64(len(m.auth)) {
		return fmt.Errorf("authentication block slices out of range: %w", bootloader.ErrCorrupted)
	}

	signed := make([]byte, 0, vbmetaHeaderSize+len(m.aux))
	signed = append(signed, m.raw[:vbmetaHeaderSize]...)
	signed = append(signed, m.aux...)
	digest := sha256.Sum256(signed)

	if hashSize > 0 && !bytes.Equal(digest[:], m.auth[hashOff:hashOff+hashSize]) {
		return fmt.Errorf("vbmeta hash mismatch: %w", bootloader.ErrIntegrity)
	}
	sig := m.auth[sigOff : sigOff+sigSize]
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("vbmeta signature invalid: %w", bootloader.ErrIntegrity)
	}
	return nil
}

// Digest is the SHA256 over the whole vbmeta blob, the value
// committed to the kernel command line.
func (m *VBMeta) Digest() [32]byte {
	return sha256.Sum256(m.raw)
}

// CheckHash recomputes a hash descriptor over image bytes.
func (h *HashDescriptor) CheckHash(image []byte) error {
	if h.ImageSize > uint64(len(image)) {
		return fmt.Errorf("partition %s: descriptor covers %d bytes, image has %d: %w",
			h.PartitionName, h.ImageSize, len(image), bootloader.ErrIntegrity)
	}
	if h.HashAlgorithm != "sha256" {
		return fmt.Errorf("partition %s: hash algorithm %q unsupported: %w",
			h.PartitionName, h.HashAlgorithm, bootloader.ErrIntegrity)
	}
	hash := sha256.New()
	hash.Write(h.Salt)
	hash.Write(image[:h.ImageSize])
	if !bytes.Equal(hash.Sum(nil), h.Digest) {
		return fmt.Errorf("partition %s: digest mismatch: %w",
			h.PartitionName, bootloader.ErrIntegrity)
	}
	return nil
}
