package slot

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
)

// Manager owns the A/B metadata record.  Every mutation recomputes the
// CRC and writes the whole 32 byte record in one operation; a record
// that fails CRC on the next read is treated as absent and reset.
type Manager struct {
	store platform.BlockStore
	meta  Metadata
	base  uint64
}

// NewManager loads the record from the misc partition.  A missing
// partition is an error; a corrupted record is reset to the default
// and written back.
func NewManager(store platform.BlockStore) (*Manager, error) {
	part, err := store.Partition(MiscPartition)
	if err != nil {
		return nil, err
	}
	m := &Manager{store: store, base: part.Start + MetadataOffset}

	buf := make([]byte, recordSize)
	if err := store.ReadAt(m.base, buf); err != nil {
		return nil, err
	}
	meta, err := DecodeMetadata(buf)
	if err != nil {
		if !errors.Is(err, bootloader.ErrCorrupted) {
			return nil, err
		}
		log.Warnf("A/B metadata unusable (%v), resetting to defaults", err)
		m.meta = DefaultMetadata()
		if err := m.persist(); err != nil {
			return nil, err
		}
		return m, nil
	}
	m.meta = meta
	return m, nil
}

func (m *Manager) persist() error {
	if err := m.store.WriteAt(m.base, m.meta.Encode()); err != nil {
		return err
	}
	return m.store.Flush()
}

// Metadata returns a copy of the current record.
func (m *Manager) Metadata() Metadata {
	return m.meta
}

func bootable(s SlotRecord) bool {
	return s.Priority > 0 && (s.Successful || s.TriesRemaining > 0)
}

// ActiveSlot elects the slot to boot: highest priority among bootable
// slots, ties broken by suffix order.  -1 means every slot is
// exhausted.
func (m *Manager) ActiveSlot() int {
	best := -1
	for i, s := range m.meta.Slots {
		if !bootable(s) {
			continue
		}
		if best < 0 || s.Priority > m.meta.Slots[best].Priority {
			best = i
		}
	}
	return best
}

func (m *Manager) checkIndex(i int) error {
	if i < 0 || i >= MaxSlots {
		return fmt.Errorf("slot index %d out of range: %w", i, bootloader.ErrPolicyViolation)
	}
	return nil
}

// MarkBootAttempt burns one try on an unsuccessful slot before we
// jump to it.  Successful slots boot for free.
func (m *Manager) MarkBootAttempt(i int) error {
	if err := m.checkIndex(i); err != nil {
		return err
	}
	s := &m.meta.Slots[i]
	if s.Successful {
		return nil
	}
	if s.TriesRemaining > 0 {
		s.TriesRemaining--
	}
	log.Debugf("slot %s: %d tries remaining", s.Suffix, s.TriesRemaining)
	return m.persist()
}

// MarkBootFailed permanently disables a slot after verification
// failed with no retries left.
func (m *Manager) MarkBootFailed(i int) error {
	if err := m.checkIndex(i); err != nil {
		return err
	}
	s := &m.meta.Slots[i]
	s.Priority = 0
	s.TriesRemaining = 0
	s.Successful = false
	log.Infof("slot %s disabled after boot failure", s.Suffix)
	return m.persist()
}

// SetVerityCorrupted toggles the dm-verity corruption flag without
// touching priorities.
func (m *Manager) SetVerityCorrupted(i int, corrupted bool) error {
	if err := m.checkIndex(i); err != nil {
		return err
	}
	m.meta.Slots[i].VerityCorrupted = corrupted
	return m.persist()
}

// SetActive makes slot i the preferred slot: maximum priority, fresh
// tries, successful cleared; every other slot is set to one below.
func (m *Manager) SetActive(i int) error {
	if err := m.checkIndex(i); err != nil {
		return err
	}
	for j := range m.meta.Slots {
		s := &m.meta.Slots[j]
		if j == i {
			s.Priority = MaxPriority
			s.TriesRemaining = MaxTries
			s.Successful = false
		} else {
			s.Priority = MaxPriority - 1
		}
	}
	log.Infof("slot %s set active", m.meta.Slots[i].Suffix)
	return m.persist()
}

// Suffix returns the partition suffix of slot i.
func (m *Manager) Suffix(i int) string {
	return m.meta.Slots[i].Suffix
}
