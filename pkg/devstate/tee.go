package devstate

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
	"golang.org/x/sys/unix"
)

// TeeStore forwards every request across a shared memory region to a
// hypervisor TEE peer.  Each call is one request/reply exchange: we
// fill the frame, raise the magic, ring the doorbell and poll the
// status word until the peer replaces the not-ready sentinel.  The
// source this derives from polled forever; here the poll is bounded
// by a monotonic timeout.
const (
	teeMagic    = 0x12ABCDEF
	teeNotReady = 0xFFFFFFFF

	teeTimeoutUS = 2 * 1000 * 1000

	teePayloadMax = 512
	teeFrameSize  = 20 + teePayloadMax
)

// Frame layout, little endian:
//
//	off 0  magic
//	off 4  command
//	off 8  argument (slot index, lock state)
//	off 12 status (peer owned; teeNotReady while pending)
//	off 16 payload length
//	off 20 payload
const (
	teeCmdReadLockState uint32 = iota + 1
	teeCmdWriteLockState
	teeCmdReadRollback
	teeCmdWriteRollback
	teeCmdReadSeed
	teeCmdSeal
)

// Peer status codes.
const (
	teeStatusOK uint32 = iota
	teeStatusNotFound
	teeStatusDenied
	teeStatusPolicy
)

type TeeStore struct {
	region []byte
	clock  platform.Clock

	// Doorbell pokes the peer after a request is posted.  On ivshmem
	// hardware this is the doorbell register write; tests service the
	// frame from here.
	Doorbell func()

	seedRead bool
	sealed   bool
}

// NewTeeStore wraps an existing shared memory region.
func NewTeeStore(region []byte, clock platform.Clock) (*TeeStore, error) {
	if len(region) < teeFrameSize {
		return nil, fmt.Errorf("TEE region of %d bytes is smaller than a frame: %w",
			len(region), bootloader.ErrOutOfResources)
	}
	return &TeeStore{region: region, clock: clock}, nil
}

// OpenTeeStore maps the shared memory device exported by the
// hypervisor.
func OpenTeeStore(path string, clock platform.Clock) (*TeeStore, error) {
	fh, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed opening TEE region %s", path)
	}
	defer fh.Close()

	region, err := unix.Mmap(int(fh.Fd()), 0, teeFrameSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed mapping TEE region %s", path)
	}
	return NewTeeStore(region, clock)
}

func (t *TeeStore) call(cmd, arg uint32, payload []byte) ([]byte, error) {
	if len(payload) > teePayloadMax {
		return nil, fmt.Errorf("TEE payload of %d bytes too large: %w",
			len(payload), bootloader.ErrOutOfResources)
	}

	r := t.region
	binary.LittleEndian.PutUint32(r[4:], cmd)
	binary.LittleEndian.PutUint32(r[8:], arg)
	binary.LittleEndian.PutUint32(r[12:], teeNotReady)
	binary.LittleEndian.PutUint32(r[16:], uint32(len(payload)))
	copy(r[20:], payload)
	// Magic goes last; it is what the peer polls for.
	binary.LittleEndian.PutUint32(r[0:], teeMagic)

	if t.Doorbell != nil {
		t.Doorbell()
	}

	deadline := t.clock.NowMonotonicUS() + teeTimeoutUS
	for binary.LittleEndian.Uint32(r[12:]) == teeNotReady {
		if t.clock.NowMonotonicUS() > deadline {
			return nil, fmt.Errorf("TEE peer did not answer command %d: %w",
				cmd, bootloader.ErrTimeout)
		}
	}

	status := binary.LittleEndian.Uint32(r[12:])
	n := binary.LittleEndian.Uint32(r[16:])
	if n > teePayloadMax {
		return nil, fmt.Errorf("TEE reply length %d: %w", n, bootloader.ErrCorrupted)
	}
	out := make([]byte, n)
	copy(out, r[20:20+n])

	switch status {
	case teeStatusOK:
		return out, nil
	case teeStatusNotFound:
		return nil, fmt.Errorf("TEE command %d: %w", cmd, bootloader.ErrNotFound)
	case teeStatusDenied:
		return nil, fmt.Errorf("TEE command %d: %w", cmd, bootloader.ErrAccessDenied)
	case teeStatusPolicy:
		return nil, fmt.Errorf("TEE command %d: %w", cmd, bootloader.ErrPolicyViolation)
	}
	return nil, fmt.Errorf("TEE command %d returned status %d: %w",
		cmd, status, bootloader.ErrCorrupted)
}

func (t *TeeStore) Init() error {
	// The peer owns the state; nothing to load eagerly.
	return nil
}

func (t *TeeStore) checkSealed() error {
	if t.sealed {
		return fmt.Errorf("state store is sealed: %w", bootloader.ErrAccessDenied)
	}
	return nil
}

func (t *TeeStore) ReadLockState() (bootloader.LockState, error) {
	out, err := t.call(teeCmdReadLockState, 0, nil)
	if err != nil {
		return bootloader.Locked, err
	}
	if len(out) < 1 {
		return bootloader.Locked, fmt.Errorf("short lock state reply: %w", bootloader.ErrCorrupted)
	}
	return lockStateFromByte(out[0])
}

func (t *TeeStore) WriteLockState(s bootloader.LockState) error {
	if err := t.checkSealed(); err != nil {
		return err
	}
	_, err := t.call(teeCmdWriteLockState, uint32(s), nil)
	return err
}

func (t *TeeStore) ReadRollbackIndex(slot int) (uint64, error) {
	if err := checkSlot(slot); err != nil {
		return 0, err
	}
	out, err := t.call(teeCmdReadRollback, uint32(slot), nil)
	if err != nil {
		return 0, err
	}
	if len(out) < 8 {
		return 0, fmt.Errorf("short rollback reply: %w", bootloader.ErrCorrupted)
	}
	return binary.LittleEndian.Uint64(out), nil
}

func (t *TeeStore) WriteRollbackIndex(slot int, value uint64) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := t.checkSealed(); err != nil {
		return err
	}
	// The peer enforces monotonicity too, but failing early keeps
	// the error local.
	cur, err := t.ReadRollbackIndex(slot)
	if err == nil && value < cur {
		return fmt.Errorf("rollback index %d would decrease %d -> %d: %w",
			slot, cur, value, bootloader.ErrPolicyViolation)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	_, err = t.call(teeCmdWriteRollback, uint32(slot), buf)
	return err
}

func (t *TeeStore) ReadTrustySeed() ([]byte, error) {
	if t.seedRead {
		return nil, fmt.Errorf("seed already read this boot: %w", bootloader.ErrAccessDenied)
	}
	out, err := t.call(teeCmdReadSeed, 0, nil)
	if err != nil {
		return nil, err
	}
	if len(out) != TrustySeedSize {
		zero(out)
		return nil, fmt.Errorf("seed has %d bytes, want %d: %w",
			len(out), TrustySeedSize, bootloader.ErrCorrupted)
	}
	t.seedRead = true
	// Scrub the seed out of the shared window.
	zero(t.region[20 : 20+TrustySeedSize])
	return out, nil
}

func (t *TeeStore) Seal() error {
	if t.sealed {
		return nil
	}
	if _, err := t.call(teeCmdSeal, 0, nil); err != nil {
		return err
	}
	t.sealed = true
	log.Debugf("TEE state store sealed")
	return nil
}
