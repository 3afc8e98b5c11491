package devstate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
)

// VarsStore realises the device state on authenticated firmware
// variables for platforms without a TPM.  The lock state lives in the
// fastboot OEMLock variable; rollback indices live in per slot
// RollbackIndex_%04x variables.  None of them is runtime accessible,
// so the OS cannot touch them once boot services are gone.  There is
// no hardware seed on this backing.
type VarsStore struct {
	vars platform.NvVars

	rec    record
	loaded bool
	sealed bool
}

func NewVarsStore(vars platform.NvVars) *VarsStore {
	return &VarsStore{vars: vars}
}

func (v *VarsStore) Init() error {
	val, err := v.vars.Get(platform.NSFastboot, platform.VarOEMLock)
	switch {
	case err == nil && len(val) >= 1:
		v.rec.LockState = val[0]
	case err == nil:
		return fmt.Errorf("OEMLock variable is empty: %w", bootloader.ErrCorrupted)
	case errors.Is(err, bootloader.ErrNotFound):
		log.Infof("no OEMLock variable, starting from defaults")
		v.rec = defaultRecord()
	default:
		return err
	}

	for i := 0; i < RollbackSlots; i++ {
		val, err := v.vars.Get(platform.NSFastboot, platform.RollbackIndexVar(i))
		if errors.Is(err, bootloader.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("rollback variable %d has %d bytes: %w",
				i, len(val), bootloader.ErrCorrupted)
		}
		v.rec.RollbackIndex[i] = binary.LittleEndian.Uint64(val)
	}
	v.loaded = true
	return nil
}

func (v *VarsStore) checkReady() error {
	if !v.loaded {
		return fmt.Errorf("state store not initialized: %w", bootloader.ErrNotFound)
	}
	if v.sealed {
		return fmt.Errorf("state store is sealed: %w", bootloader.ErrAccessDenied)
	}
	return nil
}

func (v *VarsStore) ReadLockState() (bootloader.LockState, error) {
	if !v.loaded {
		return bootloader.Locked, fmt.Errorf("state store not initialized: %w", bootloader.ErrNotFound)
	}
	return lockStateFromByte(v.rec.LockState)
}

func (v *VarsStore) WriteLockState(s bootloader.LockState) error {
	if err := v.checkReady(); err != nil {
		return err
	}
	if err := v.vars.Set(platform.NSFastboot, platform.VarOEMLock, []byte{uint8(s)}, false); err != nil {
		return err
	}
	v.rec.LockState = uint8(s)
	return nil
}

func (v *VarsStore) ReadRollbackIndex(slot int) (uint64, error) {
	if err := checkSlot(slot); err != nil {
		return 0, err
	}
	if !v.loaded {
		return 0, fmt.Errorf("state store not initialized: %w", bootloader.ErrNotFound)
	}
	return v.rec.RollbackIndex[slot], nil
}

func (v *VarsStore) WriteRollbackIndex(slot int, value uint64) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := v.checkReady(); err != nil {
		return err
	}
	if value < v.rec.RollbackIndex[slot] {
		return fmt.Errorf("rollback index %d would decrease %d -> %d: %w",
			slot, v.rec.RollbackIndex[slot], value, bootloader.ErrPolicyViolation)
	}
	if value == v.rec.RollbackIndex[slot] {
		return nil
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	if err := v.vars.Set(platform.NSFastboot, platform.RollbackIndexVar(slot), buf, false); err != nil {
		return err
	}
	v.rec.RollbackIndex[slot] = value
	return nil
}

// ReadTrustySeed: there is no tamper resistant seed home on the
// variable backing.
func (v *VarsStore) ReadTrustySeed() ([]byte, error) {
	return nil, fmt.Errorf("no seed on variable backed state store: %w", bootloader.ErrNotFound)
}

// Seal just latches the store read only for the rest of this boot;
// the bootservice-only attribute keeps the OS out after handover.
func (v *VarsStore) Seal() error {
	v.sealed = true
	return nil
}
