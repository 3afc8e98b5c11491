package platform

import (
	"errors"
	"testing"

	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/stretchr/testify/require"
)

func TestMemBlockStoreBounds(t *testing.T) {
	s := NewMemBlockStore(1024)
	require.NoError(t, s.WriteAt(0, []byte("hello")))

	buf := make([]byte, 5)
	require.NoError(t, s.ReadAt(0, buf))
	require.Equal(t, "hello", string(buf))

	err := s.ReadAt(1020, make([]byte, 8))
	require.True(t, errors.Is(err, bootloader.ErrOutOfBounds))
	err = s.WriteAt(1020, make([]byte, 8))
	require.True(t, errors.Is(err, bootloader.ErrOutOfBounds))
}

func TestMemVars(t *testing.T) {
	v := NewMemVars()
	_, err := v.Get(NSLoader, "Missing")
	require.True(t, errors.Is(err, bootloader.ErrNotFound))

	require.NoError(t, v.Set(NSLoader, "SerialPort", []byte("ttyS0"), false))
	got, err := v.Get(NSLoader, "SerialPort")
	require.NoError(t, err)
	require.Equal(t, "ttyS0", string(got))

	require.NoError(t, v.Del(NSLoader, "SerialPort"))
	_, err = v.Get(NSLoader, "SerialPort")
	require.True(t, errors.Is(err, bootloader.ErrNotFound))
}

func TestFacadeVarHelpers(t *testing.T) {
	p := &Platform{Vars: NewMemVars()}

	require.NoError(t, p.SetVarString(NSFastboot, VarOffModeCharge, "1"))
	require.True(t, p.GetVarBool(NSFastboot, VarOffModeCharge, false))
	require.NoError(t, p.SetVarString(NSFastboot, VarOffModeCharge, "no"))
	require.False(t, p.GetVarBool(NSFastboot, VarOffModeCharge, true))

	// absent and malformed both fall back to the default
	require.True(t, p.GetVarBool(NSFastboot, "Nope", true))
	require.NoError(t, p.SetVarString(NSFastboot, VarWatchdogCounter, "xyz"))
	require.Equal(t, uint64(7), p.GetVarU64(NSFastboot, VarWatchdogCounter, 7))

	// strings come back with the firmware NUL stripped
	s, ok := p.GetVarString(NSFastboot, VarOffModeCharge)
	require.True(t, ok)
	require.Equal(t, "no", s)
}

func TestUCS2RoundTrip(t *testing.T) {
	enc, err := EncodeUCS2("recovery")
	require.NoError(t, err)
	// UTF-16LE plus the double NUL terminator
	require.Len(t, enc, 2*len("recovery")+2)
	require.Equal(t, byte('r'), enc[0])
	require.Equal(t, byte(0), enc[1])

	dec, err := DecodeUCS2(enc)
	require.NoError(t, err)
	require.Equal(t, "recovery", dec)

	_, err = DecodeUCS2([]byte{1, 2, 3})
	require.True(t, errors.Is(err, bootloader.ErrCorrupted))
}

func TestRollbackVarNames(t *testing.T) {
	require.Equal(t, "RollbackIndex_0003", RollbackIndexVar(3))
	require.Equal(t, "LoadedSlotFailed_0001", LoadedSlotFailedVar(1))
}

func TestMemTpmLockCycle(t *testing.T) {
	tpm := NewMemTpm()
	attrs := NvAttrs{OwnerRead: true, OwnerWrite: true, ReadSTClear: true, WriteSTClear: true}
	require.NoError(t, tpm.NvDefine(0x1500099, attrs, 8))
	require.NoError(t, tpm.NvWrite(0x1500099, 0, []byte("abcdefgh")))

	require.NoError(t, tpm.NvReadLock(0x1500099))
	_, err := tpm.NvRead(0x1500099, 0, 8)
	require.True(t, errors.Is(err, bootloader.ErrAccessDenied))

	tpm.Reset()
	got, err := tpm.NvRead(0x1500099, 0, 8)
	require.NoError(t, err)
	require.Equal(t, "abcdefgh", string(got))
}

func TestEspPathMapping(t *testing.T) {
	esp := NewMemEsp()
	esp.Files["\\force_fastboot"] = []byte{}
	require.True(t, esp.Exists(FastbootSentinel))
	require.False(t, esp.Exists("\\other"))
}
