// Package devstate persists the device lock state, the anti rollback
// indices and the TEE seed across reboots.  Three backings exist: a
// TPM 2.0 NV store, authenticated firmware variables for TPM-less
// platforms, and a forwarding path to a hypervisor TEE peer.  All
// honor the same Store contract.
package devstate

import (
	"encoding/binary"
	"fmt"

	"github.com/project-machine/osloader/pkg/bootloader"
)

type NVIndex uint32

func (i NVIndex) String() string {
	return fmt.Sprintf("0x%08x", uint32(i))
}

const (
	// The TEE seed, fused once at provisioning and read locked after
	// the first read of each boot cycle.
	NVIndexTrustySeed NVIndex = 0x01500080
	// The bootloader record: struct version, lock state and the
	// rollback indices.
	NVIndexBootloader NVIndex = 0x01500082
)

const (
	RecordSize     = 512
	RecordVersion  = 1
	RollbackSlots  = 8
	TrustySeedSize = 32
)

// Store is the device state surface the rest of the loader consumes.
type Store interface {
	Init() error
	ReadLockState() (bootloader.LockState, error)
	WriteLockState(s bootloader.LockState) error
	ReadRollbackIndex(slot int) (uint64, error)
	// WriteRollbackIndex refuses to decrease a stored value with
	// ErrPolicyViolation.
	WriteRollbackIndex(slot int, value uint64) error
	// ReadTrustySeed succeeds at most once per boot; the second call
	// fails with ErrAccessDenied because the index is read locked.
	ReadTrustySeed() ([]byte, error)
	// Seal read locks the bootloader record and read+write locks the
	// seed until the next TPM reset.  Idempotent within a boot.
	Seal() error
}

// record is the 512 byte bootloader NV blob:
//
//	off 0 struct_ver (u8, =1)
//	off 1 lock_state (u8)
//	off 2 reserved[6]
//	off 8 rollback_index[8], u64 little endian
//	rest  zero padding up to 512
type record struct {
	LockState     uint8
	RollbackIndex [RollbackSlots]uint64
}

func defaultRecord() record {
	return record{LockState: uint8(bootloader.Locked)}
}

func (r *record) encode() []byte {
	buf := make([]byte, RecordSize)
	buf[0] = RecordVersion
	buf[1] = r.LockState
	for i, v := range r.RollbackIndex {
		binary.LittleEndian.PutUint64(buf[8+8*i:], v)
	}
	return buf
}

func decodeRecord(buf []byte) (record, error) {
	if len(buf) < 8+8*RollbackSlots {
		return record{}, fmt.Errorf("state record truncated at %d bytes: %w",
			len(buf), bootloader.ErrCorrupted)
	}
	if buf[0] != RecordVersion {
		return record{}, fmt.Errorf("state record version %d unsupported: %w",
			buf[0], bootloader.ErrCorrupted)
	}
	r := record{LockState: buf[1]}
	for i := range r.RollbackIndex {
		r.RollbackIndex[i] = binary.LittleEndian.Uint64(buf[8+8*i:])
	}
	return r, nil
}

func lockStateFromByte(b uint8) (bootloader.LockState, error) {
	switch bootloader.LockState(b) {
	case bootloader.Locked, bootloader.Unlocked, bootloader.Provisioning:
		return bootloader.LockState(b), nil
	}
	return bootloader.Locked, fmt.Errorf("lock state byte %d invalid: %w", b, bootloader.ErrCorrupted)
}

func checkSlot(slot int) error {
	if slot < 0 || slot >= RollbackSlots {
		return fmt.Errorf("rollback slot %d out of range: %w", slot, bootloader.ErrPolicyViolation)
	}
	return nil
}
