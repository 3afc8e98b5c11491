package devstate

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
	"github.com/stretchr/testify/require"
)

// teePeer services frames the way the hypervisor side would, driven
// synchronously from the doorbell.
type teePeer struct {
	region   []byte
	lock     uint8
	rollback [RollbackSlots]uint64
	seed     [TrustySeedSize]byte
	sealed   bool
}

func (p *teePeer) handle() {
	r := p.region
	if binary.LittleEndian.Uint32(r[0:]) != teeMagic {
		return
	}
	cmd := binary.LittleEndian.Uint32(r[4:])
	arg := binary.LittleEndian.Uint32(r[8:])

	status := teeStatusOK
	var out []byte
	switch cmd {
	case teeCmdReadLockState:
		out = []byte{p.lock}
	case teeCmdWriteLockState:
		if p.sealed {
			status = teeStatusDenied
		} else {
			p.lock = uint8(arg)
		}
	case teeCmdReadRollback:
		out = make([]byte, 8)
		binary.LittleEndian.PutUint64(out, p.rollback[arg])
	case teeCmdWriteRollback:
		v := binary.LittleEndian.Uint64(r[20:])
		switch {
		case p.sealed:
			status = teeStatusDenied
		case v < p.rollback[arg]:
			status = teeStatusPolicy
		default:
			p.rollback[arg] = v
		}
	case teeCmdReadSeed:
		out = p.seed[:]
	case teeCmdSeal:
		p.sealed = true
	default:
		status = teeStatusNotFound
	}

	binary.LittleEndian.PutUint32(r[16:], uint32(len(out)))
	copy(r[20:], out)
	binary.LittleEndian.PutUint32(r[0:], 0)
	binary.LittleEndian.PutUint32(r[12:], status)
}

func teeFixture(t *testing.T) (*TeeStore, *teePeer) {
	t.Helper()
	region := make([]byte, teeFrameSize)
	clock := &platform.FixedClock{Step: 100}
	s, err := NewTeeStore(region, clock)
	require.NoError(t, err)
	peer := &teePeer{region: region}
	for i := range peer.seed {
		peer.seed[i] = byte(i)
	}
	s.Doorbell = peer.handle
	return s, peer
}

func TestTeeLockAndRollback(t *testing.T) {
	s, _ := teeFixture(t)
	require.NoError(t, s.Init())

	require.NoError(t, s.WriteLockState(bootloader.Unlocked))
	ls, err := s.ReadLockState()
	require.NoError(t, err)
	require.Equal(t, bootloader.Unlocked, ls)

	require.NoError(t, s.WriteRollbackIndex(1, 4))
	v, err := s.ReadRollbackIndex(1)
	require.NoError(t, err)
	require.Equal(t, uint64(4), v)

	err = s.WriteRollbackIndex(1, 2)
	require.True(t, errors.Is(err, bootloader.ErrPolicyViolation))
}

func TestTeeSeedOnceAndScrubbed(t *testing.T) {
	s, _ := teeFixture(t)
	seed, err := s.ReadTrustySeed()
	require.NoError(t, err)
	require.Len(t, seed, TrustySeedSize)
	require.Equal(t, byte(5), seed[5])

	// the shared window no longer holds the seed
	require.Equal(t, make([]byte, TrustySeedSize), s.region[20:20+TrustySeedSize])

	_, err = s.ReadTrustySeed()
	require.True(t, errors.Is(err, bootloader.ErrAccessDenied))
}

func TestTeeSeal(t *testing.T) {
	s, peer := teeFixture(t)
	require.NoError(t, s.Seal())
	require.NoError(t, s.Seal())
	require.True(t, peer.sealed)

	err := s.WriteLockState(bootloader.Locked)
	require.True(t, errors.Is(err, bootloader.ErrAccessDenied))
}

func TestTeeTimeout(t *testing.T) {
	region := make([]byte, teeFrameSize)
	s, err := NewTeeStore(region, &platform.FixedClock{Step: 1000})
	require.NoError(t, err)
	// no peer, no doorbell: the sentinel never clears
	_, err = s.ReadLockState()
	require.True(t, errors.Is(err, bootloader.ErrTimeout))
}
