package devstate

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
)

// TpmStore keeps the device state in two TPM 2.0 NV indices.  The
// bootloader record is owner read/write and read-lockable per boot;
// the seed index is written exactly once at provisioning and write
// locked forever after.
type TpmStore struct {
	tpm        platform.Tpm
	secureBoot bool

	rec      record
	loaded   bool
	seedRead bool
	sealed   bool
}

func NewTpmStore(tpm platform.Tpm, secureBoot bool) *TpmStore {
	return &TpmStore{tpm: tpm, secureBoot: secureBoot}
}

func bootloaderIndexAttrs() platform.NvAttrs {
	return platform.NvAttrs{
		OwnerWrite:  true,
		OwnerRead:   true,
		AuthRead:    true,
		ReadSTClear: true,
	}
}

func seedIndexAttrs() platform.NvAttrs {
	return platform.NvAttrs{
		OwnerWrite:   true,
		OwnerRead:    true,
		AuthRead:     true,
		ReadSTClear:  true,
		WriteSTClear: true,
		WriteDefine:  true,
	}
}

// Init loads the bootloader record, creating the index lazily on the
// first boot after provisioning.  Index creation is refused while
// platform secure boot is disabled.
func (t *TpmStore) Init() error {
	buf, err := t.tpm.NvRead(uint32(NVIndexBootloader), 0, RecordSize)
	if err == nil {
		rec, derr := decodeRecord(buf)
		if derr != nil {
			return derr
		}
		t.rec = rec
		t.loaded = true
		return nil
	}
	if !errors.Is(err, bootloader.ErrNotFound) {
		return err
	}

	if !t.secureBoot {
		return fmt.Errorf("refusing to create state indices without secure boot: %w",
			bootloader.ErrPolicyViolation)
	}

	log.Infof("creating bootloader state index %s", NVIndexBootloader)
	if err := t.tpm.NvDefine(uint32(NVIndexBootloader), bootloaderIndexAttrs(), RecordSize); err != nil {
		return err
	}
	t.rec = defaultRecord()
	t.loaded = true
	return t.tpm.NvWrite(uint32(NVIndexBootloader), 0, t.rec.encode())
}

func (t *TpmStore) checkReady() error {
	if !t.loaded {
		return fmt.Errorf("state store not initialized: %w", bootloader.ErrNotFound)
	}
	if t.sealed {
		return fmt.Errorf("state store is sealed: %w", bootloader.ErrAccessDenied)
	}
	return nil
}

func (t *TpmStore) ReadLockState() (bootloader.LockState, error) {
	if !t.loaded {
		return bootloader.Locked, fmt.Errorf("state store not initialized: %w", bootloader.ErrNotFound)
	}
	return lockStateFromByte(t.rec.LockState)
}

func (t *TpmStore) WriteLockState(s bootloader.LockState) error {
	if err := t.checkReady(); err != nil {
		return err
	}
	t.rec.LockState = uint8(s)
	return t.tpm.NvWrite(uint32(NVIndexBootloader), 0, t.rec.encode())
}

func (t *TpmStore) ReadRollbackIndex(slot int) (uint64, error) {
	if err := checkSlot(slot); err != nil {
		return 0, err
	}
	if !t.loaded {
		return 0, fmt.Errorf("state store not initialized: %w", bootloader.ErrNotFound)
	}
	return t.rec.RollbackIndex[slot], nil
}

func (t *TpmStore) WriteRollbackIndex(slot int, value uint64) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := t.checkReady(); err != nil {
		return err
	}
	if value < t.rec.RollbackIndex[slot] {
		return fmt.Errorf("rollback index %d would decrease %d -> %d: %w",
			slot, t.rec.RollbackIndex[slot], value, bootloader.ErrPolicyViolation)
	}
	if value == t.rec.RollbackIndex[slot] {
		return nil
	}
	t.rec.RollbackIndex[slot] = value
	return t.tpm.NvWrite(uint32(NVIndexBootloader), 0, t.rec.encode())
}

// FuseTrustySeed generates and writes the seed index once, at
// provisioning, then write locks it.  The written value is read back
// and compared before the lock goes down.
func (t *TpmStore) FuseTrustySeed() error {
	if !t.secureBoot {
		return fmt.Errorf("refusing to fuse seed without secure boot: %w",
			bootloader.ErrPolicyViolation)
	}
	seed, err := t.tpm.GetRandom(TrustySeedSize)
	if err != nil {
		return err
	}
	defer zero(seed)

	err = t.tpm.NvDefine(uint32(NVIndexTrustySeed), seedIndexAttrs(), TrustySeedSize)
	if err != nil && !errors.Is(err, bootloader.ErrAccessDenied) {
		return err
	}
	if err := t.tpm.NvWrite(uint32(NVIndexTrustySeed), 0, seed); err != nil {
		return err
	}

	check, err := t.tpm.NvRead(uint32(NVIndexTrustySeed), 0, TrustySeedSize)
	if err != nil {
		return err
	}
	defer zero(check)
	if !bytes.Equal(seed, check) {
		return fmt.Errorf("seed readback mismatch: %w", bootloader.ErrCorrupted)
	}

	return t.tpm.NvWriteLock(uint32(NVIndexTrustySeed))
}

// ReadTrustySeed returns the 32 byte seed and read locks the index so
// nothing later in this boot, including ourselves, can see it again.
func (t *TpmStore) ReadTrustySeed() ([]byte, error) {
	if t.seedRead {
		return nil, fmt.Errorf("seed already read this boot: %w", bootloader.ErrAccessDenied)
	}
	seed, err := t.tpm.NvRead(uint32(NVIndexTrustySeed), 0, TrustySeedSize)
	// Lock regardless of the read result.
	if lerr := t.tpm.NvReadLock(uint32(NVIndexTrustySeed)); lerr != nil {
		log.Warnf("read locking seed index: %v", lerr)
	}
	if err != nil {
		return nil, err
	}
	t.seedRead = true
	if len(seed) != TrustySeedSize {
		zero(seed)
		return nil, fmt.Errorf("seed has %d bytes, want %d: %w",
			len(seed), TrustySeedSize, bootloader.ErrCorrupted)
	}
	return seed, nil
}

// Seal read locks the record index and both locks the seed index.
// Within a boot it is idempotent; the locks themselves clear on the
// next TPM reset (except the seed write lock, which is permanent).
func (t *TpmStore) Seal() error {
	if t.sealed {
		return nil
	}
	if err := t.tpm.NvReadLock(uint32(NVIndexBootloader)); err != nil {
		return err
	}
	if err := t.tpm.NvReadLock(uint32(NVIndexTrustySeed)); err != nil &&
		!errors.Is(err, bootloader.ErrNotFound) {
		log.Warnf("read locking seed index at seal: %v", err)
	}
	if err := t.tpm.NvWriteLock(uint32(NVIndexTrustySeed)); err != nil &&
		!errors.Is(err, bootloader.ErrNotFound) {
		log.Warnf("write locking seed index at seal: %v", err)
	}
	t.sealed = true
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
