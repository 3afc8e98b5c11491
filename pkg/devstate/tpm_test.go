package devstate

import (
	"errors"
	"testing"

	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
	"github.com/stretchr/testify/require"
)

func provisionedStore(t *testing.T) (*TpmStore, *platform.MemTpm) {
	t.Helper()
	tpm := platform.NewMemTpm()
	s := NewTpmStore(tpm, true)
	require.NoError(t, s.Init())
	require.NoError(t, s.FuseTrustySeed())
	return s, tpm
}

func TestInitRefusedWithoutSecureBoot(t *testing.T) {
	s := NewTpmStore(platform.NewMemTpm(), false)
	err := s.Init()
	require.Error(t, err)
	require.True(t, errors.Is(err, bootloader.ErrPolicyViolation))
}

func TestInitCreatesRecordLazily(t *testing.T) {
	tpm := platform.NewMemTpm()
	s := NewTpmStore(tpm, true)
	require.NoError(t, s.Init())

	ls, err := s.ReadLockState()
	require.NoError(t, err)
	require.Equal(t, bootloader.Locked, ls)

	// a second store over the same TPM finds the index
	s2 := NewTpmStore(tpm, false)
	require.NoError(t, s2.Init())
}

func TestLockStateRoundTrip(t *testing.T) {
	s, tpm := provisionedStore(t)
	require.NoError(t, s.WriteLockState(bootloader.Unlocked))

	tpm.Reset()
	s2 := NewTpmStore(tpm, true)
	require.NoError(t, s2.Init())
	ls, err := s2.ReadLockState()
	require.NoError(t, err)
	require.Equal(t, bootloader.Unlocked, ls)
}

func TestRollbackMonotonic(t *testing.T) {
	s, _ := provisionedStore(t)

	require.NoError(t, s.WriteRollbackIndex(0, 5))

	err := s.WriteRollbackIndex(0, 3)
	require.True(t, errors.Is(err, bootloader.ErrPolicyViolation))

	v, err := s.ReadRollbackIndex(0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)

	// equal is a no-op, greater advances
	require.NoError(t, s.WriteRollbackIndex(0, 5))
	require.NoError(t, s.WriteRollbackIndex(0, 6))
}

func TestRollbackSlotRange(t *testing.T) {
	s, _ := provisionedStore(t)
	_, err := s.ReadRollbackIndex(RollbackSlots)
	require.True(t, errors.Is(err, bootloader.ErrPolicyViolation))
	err = s.WriteRollbackIndex(-1, 1)
	require.True(t, errors.Is(err, bootloader.ErrPolicyViolation))
}

func TestSeedSingleRead(t *testing.T) {
	s, _ := provisionedStore(t)

	seed, err := s.ReadTrustySeed()
	require.NoError(t, err)
	require.Len(t, seed, TrustySeedSize)

	_, err = s.ReadTrustySeed()
	require.True(t, errors.Is(err, bootloader.ErrAccessDenied))
}

func TestSeedReadLockSticksUntilReset(t *testing.T) {
	s, tpm := provisionedStore(t)
	_, err := s.ReadTrustySeed()
	require.NoError(t, err)

	// a fresh store in the same boot cycle still cannot read it
	s2 := NewTpmStore(tpm, true)
	require.NoError(t, s2.Init())
	_, err = s2.ReadTrustySeed()
	require.True(t, errors.Is(err, bootloader.ErrAccessDenied))

	// after a TPM reset it reads again
	tpm.Reset()
	s3 := NewTpmStore(tpm, true)
	require.NoError(t, s3.Init())
	_, err = s3.ReadTrustySeed()
	require.NoError(t, err)
}

func TestSeedWriteLockIsPermanent(t *testing.T) {
	s, tpm := provisionedStore(t)
	tpm.Reset()
	err := s.FuseTrustySeed()
	require.True(t, errors.Is(err, bootloader.ErrAccessDenied))
}

func TestSealLocksRecord(t *testing.T) {
	s, tpm := provisionedStore(t)
	require.NoError(t, s.WriteRollbackIndex(1, 9))
	require.NoError(t, s.Seal())
	// idempotent within the boot
	require.NoError(t, s.Seal())

	// record index is read locked until TPM reset
	s2 := NewTpmStore(tpm, true)
	err := s2.Init()
	require.True(t, errors.Is(err, bootloader.ErrAccessDenied))

	// and writes through the sealed store are refused
	err = s.WriteRollbackIndex(1, 10)
	require.True(t, errors.Is(err, bootloader.ErrAccessDenied))

	tpm.Reset()
	s3 := NewTpmStore(tpm, true)
	require.NoError(t, s3.Init())
	v, err := s3.ReadRollbackIndex(1)
	require.NoError(t, err)
	require.Equal(t, uint64(9), v)
}
