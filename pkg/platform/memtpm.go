package platform

import (
	"crypto/rand"
	"fmt"

	"github.com/project-machine/osloader/pkg/bootloader"
)

type memNvIndex struct {
	data        []byte
	attrs       NvAttrs
	readLocked  bool
	writeLocked bool
	written     bool
}

// MemTpm is an in-memory TPM NV model with the lock semantics the
// device state store depends on: ReadSTClear/WriteSTClear locks stick
// until Reset, WriteDefine locks stick forever.
type MemTpm struct {
	indices map[uint32]*memNvIndex
	Absent  bool
}

func NewMemTpm() *MemTpm {
	return &MemTpm{indices: map[uint32]*memNvIndex{}}
}

func (m *MemTpm) Present() bool { return !m.Absent }

// Reset clears the transient locks, as a TPM reset (power cycle) does.
func (m *MemTpm) Reset() {
	for _, idx := range m.indices {
		idx.readLocked = false
		if !idx.attrs.WriteDefine || !idx.written {
			idx.writeLocked = false
		}
	}
}

func (m *MemTpm) NvDefine(index uint32, attrs NvAttrs, size uint16) error {
	if _, ok := m.indices[index]; ok {
		return fmt.Errorf("NV index 0x%08x already defined: %w", index, bootloader.ErrAccessDenied)
	}
	m.indices[index] = &memNvIndex{data: make([]byte, size), attrs: attrs}
	return nil
}

func (m *MemTpm) lookup(index uint32) (*memNvIndex, error) {
	idx, ok := m.indices[index]
	if !ok {
		return nil, fmt.Errorf("NV index 0x%08x: %w", index, bootloader.ErrNotFound)
	}
	return idx, nil
}

func (m *MemTpm) NvRead(index uint32, off, length uint16) ([]byte, error) {
	idx, err := m.lookup(index)
	if err != nil {
		return nil, err
	}
	if idx.readLocked {
		return nil, fmt.Errorf("NV index 0x%08x is read locked: %w", index, bootloader.ErrAccessDenied)
	}
	if int(off)+int(length) > len(idx.data) {
		return nil, fmt.Errorf("NV read beyond index size: %w", bootloader.ErrOutOfBounds)
	}
	out := make([]byte, length)
	copy(out, idx.data[off:])
	return out, nil
}

func (m *MemTpm) NvWrite(index uint32, off uint16, data []byte) error {
	idx, err := m.lookup(index)
	if err != nil {
		return err
	}
	if idx.writeLocked {
		return fmt.Errorf("NV index 0x%08x is write locked: %w", index, bootloader.ErrAccessDenied)
	}
	if int(off)+len(data) > len(idx.data) {
		return fmt.Errorf("NV write beyond index size: %w", bootloader.ErrOutOfBounds)
	}
	copy(idx.data[off:], data)
	idx.written = true
	return nil
}

func (m *MemTpm) NvReadLock(index uint32) error {
	idx, err := m.lookup(index)
	if err != nil {
		return err
	}
	if !idx.attrs.ReadSTClear {
		return fmt.Errorf("NV index 0x%08x has no ReadSTClear: %w", index, bootloader.ErrAccessDenied)
	}
	idx.readLocked = true
	return nil
}

func (m *MemTpm) NvWriteLock(index uint32) error {
	idx, err := m.lookup(index)
	if err != nil {
		return err
	}
	if !idx.attrs.WriteSTClear && !idx.attrs.WriteDefine {
		return fmt.Errorf("NV index 0x%08x has no write lock attribute: %w", index, bootloader.ErrAccessDenied)
	}
	idx.writeLocked = true
	return nil
}

func (m *MemTpm) NvUndefine(index uint32) error {
	if _, err := m.lookup(index); err != nil {
		return err
	}
	delete(m.indices, index)
	return nil
}

func (m *MemTpm) GetRandom(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
