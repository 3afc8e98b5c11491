package avb

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Builder assembles and signs vbmeta blobs.  The loader never signs
// anything on the boot path; this serves the provisioning tools and
// the test suites.
type Builder struct {
	RollbackIndex         uint64
	RollbackIndexLocation uint32
	Cmdline               string
	Hashes                []HashDescriptor
	Chains                []ChainDescriptor
}

// AddHashedPartition computes a salted SHA256 hash descriptor over
// image and adds it.
func (b *Builder) AddHashedPartition(name string, salt, image []byte) {
	h := sha256.New()
	h.Write(salt)
	h.Write(image)
	b.Hashes = append(b.Hashes, HashDescriptor{
		PartitionName: name,
		ImageSize:     uint64(len(image)),
		HashAlgorithm: "sha256",
		Salt:          salt,
		Digest:        h.Sum(nil),
	})
}

func putDescriptor(buf *bytes.Buffer, tag uint64, body []byte) {
	// descriptor payloads are padded to 8 bytes
	if rem := len(body) % 8; rem != 0 {
		body = append(body, make([]byte, 8-rem)...)
	}
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:], tag)
	binary.BigEndian.PutUint64(hdr[8:], uint64(len(body)))
	buf.Write(hdr[:])
	buf.Write(body)
}

func (b *Builder) descriptors() []byte {
	var buf bytes.Buffer
	for _, h := range b.Hashes {
		var body bytes.Buffer
		var fixed [8 + 32 + 16 + 60]byte
		binary.BigEndian.PutUint64(fixed[0:], h.ImageSize)
		copy(fixed[8:40], h.HashAlgorithm)
		binary.BigEndian.PutUint32(fixed[40:], uint32(len(h.PartitionName)))
		binary.BigEndian.PutUint32(fixed[44:], uint32(len(h.Salt)))
		binary.BigEndian.PutUint32(fixed[48:], uint32(len(h.Digest)))
		body.Write(fixed[:])
		body.WriteString(h.PartitionName)
		body.Write(h.Salt)
		body.Write(h.Digest)
		putDescriptor(&buf, tagHashDescriptor, body.Bytes())
	}
	if b.Cmdline != "" {
		var body bytes.Buffer
		var fixed [8]byte
		binary.BigEndian.PutUint32(fixed[4:], uint32(len(b.Cmdline)))
		body.Write(fixed[:])
		body.WriteString(b.Cmdline)
		putDescriptor(&buf, tagKernelCmdline, body.Bytes())
	}
	for _, c := range b.Chains {
		var body bytes.Buffer
		var fixed [4 + 4 + 4 + 64]byte
		binary.BigEndian.PutUint32(fixed[0:], c.RollbackIndexLocation)
		binary.BigEndian.PutUint32(fixed[4:], uint32(len(c.PartitionName)))
		binary.BigEndian.PutUint32(fixed[8:], uint32(len(c.PublicKeySHA256)))
		body.Write(fixed[:])
		body.WriteString(c.PartitionName)
		body.Write(c.PublicKeySHA256)
		putDescriptor(&buf, tagChainPartition, body.Bytes())
	}
	return buf.Bytes()
}

// Sign emits a signed vbmeta blob: SHA256 RSA, PKCS1 v1.5, the key
// itself embedded in the auxiliary block.
func (b *Builder) Sign(key *rsa.PrivateKey) ([]byte, error) {
	pubKey := EncodeAvbKey(&key.PublicKey)
	descs := b.descriptors()

	// aux block: descriptors then public key, 64 bit aligned
	var aux bytes.Buffer
	aux.Write(descs)
	pkOff := aux.Len()
	aux.Write(pubKey)
	for aux.Len()%8 != 0 {
		aux.WriteByte(0)
	}

	sigSize := key.Size()
	authSize := (32 + sigSize + 7) / 8 * 8

	alg := AlgSHA256RSA2048
	if key.Size() >= 512 {
		alg = AlgSHA256RSA4096
	}

	hdr := make([]byte, vbmetaHeaderSize)
	copy(hdr[0:4], vbmetaMagic)
	binary.BigEndian.PutUint32(hdr[4:], 1) // required major
	binary.BigEndian.PutUint32(hdr[8:], 0) // required minor
	binary.BigEndian.PutUint64(hdr[12:], uint64(authSize))
	binary.BigEndian.PutUint64(hdr[20:], uint64(aux.Len()))
	binary.BigEndian.PutUint32(hdr[28:], alg)
	binary.BigEndian.PutUint64(hdr[32:], 0)  // hash offset
	binary.BigEndian.PutUint64(hdr[40:], 32) // hash size
	binary.BigEndian.PutUint64(hdr[48:], 32) // signature offset
	binary.BigEndian.PutUint64(hdr[56:], uint64(sigSize))
	binary.BigEndian.PutUint64(hdr[64:], uint64(pkOff))
	binary.BigEndian.PutUint64(hdr[72:], uint64(len(pubKey)))
	binary.BigEndian.PutUint64(hdr[96:], 0) // descriptors offset
	binary.BigEndian.PutUint64(hdr[104:], uint64(len(descs)))
	binary.BigEndian.PutUint64(hdr[112:], b.RollbackIndex)
	binary.BigEndian.PutUint32(hdr[124:], b.RollbackIndexLocation)
	copy(hdr[128:], "avbtool 1.2.0")

	signed := append(append([]byte{}, hdr...), aux.Bytes()...)
	digest := sha256.Sum256(signed)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing vbmeta: %w", err)
	}

	auth := make([]byte, authSize)
	copy(auth[0:32], digest[:])
	copy(auth[32:], sig)

	out := make([]byte, 0, len(hdr)+len(auth)+aux.Len())
	out = append(out, hdr...)
	out = append(out, auth...)
	out = append(out, aux.Bytes()...)
	return out, nil
}

// KeyDigest is the SHA256 of a wire format public key, as chain
// descriptors expect it.
func KeyDigest(pub *rsa.PublicKey) []byte {
	d := sha256.Sum256(EncodeAvbKey(pub))
	return d[:]
}
