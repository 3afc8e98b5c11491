package platform

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/project-machine/osloader/pkg/bootloader"
)

// In-memory capability implementations.  These back the CLI dry-run
// mode and the test suites; they honor the same contracts as the host
// implementations, including all-or-nothing block writes.

// MemBlockStore is a byte slice with a partition table.
type MemBlockStore struct {
	Data  []byte
	Parts map[string]Partition
}

func NewMemBlockStore(size uint64) *MemBlockStore {
	return &MemBlockStore{
		Data:  make([]byte, size),
		Parts: map[string]Partition{},
	}
}

// AddPartition carves [start, start+size) out of the store under the
// given GPT label.
func (m *MemBlockStore) AddPartition(label string, start, size uint64) Partition {
	p := Partition{Start: start, End: start + size, BlockSize: 512}
	m.Parts[label] = p
	return p
}

func (m *MemBlockStore) ReadAt(off uint64, buf []byte) error {
	if off+uint64(len(buf)) > uint64(len(m.Data)) {
		return fmt.Errorf("read of %d at %d beyond device end: %w",
			len(buf), off, bootloader.ErrOutOfBounds)
	}
	copy(buf, m.Data[off:])
	return nil
}

func (m *MemBlockStore) WriteAt(off uint64, buf []byte) error {
	if off+uint64(len(buf)) > uint64(len(m.Data)) {
		return fmt.Errorf("write of %d at %d beyond device end: %w",
			len(buf), off, bootloader.ErrOutOfBounds)
	}
	copy(m.Data[off:], buf)
	return nil
}

func (m *MemBlockStore) Flush() error { return nil }

func (m *MemBlockStore) Partition(label string) (Partition, error) {
	p, ok := m.Parts[label]
	if !ok {
		return Partition{}, fmt.Errorf("partition %q: %w", label, bootloader.ErrNotFound)
	}
	return p, nil
}

// MemVars is a map backed variable store.
type MemVars struct {
	mu   sync.Mutex
	vals map[string][]byte
}

func NewMemVars() *MemVars {
	return &MemVars{vals: map[string][]byte{}}
}

func varKey(ns, name string) string { return ns + "/" + name }

func (m *MemVars) Get(ns, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[varKey(ns, name)]
	if !ok {
		return nil, fmt.Errorf("variable %s/%s: %w", ns, name, bootloader.ErrNotFound)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemVars) Set(ns, name string, val []byte, runtimeAccess bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(val))
	copy(cp, val)
	m.vals[varKey(ns, name)] = cp
	return nil
}

func (m *MemVars) Del(ns, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, varKey(ns, name))
	return nil
}

// FixedClock serves a settable wall time and a monotonic counter that
// advances by Step on every read.
type FixedClock struct {
	Wall time.Time
	Mono uint64
	Step uint64
}

func (c *FixedClock) NowWall() time.Time { return c.Wall }

func (c *FixedClock) NowMonotonicUS() uint64 {
	c.Mono += c.Step
	return c.Mono
}

// HostClock is the real clock.
type HostClock struct {
	start time.Time
}

func NewHostClock() *HostClock { return &HostClock{start: time.Now()} }

func (c *HostClock) NowWall() time.Time { return time.Now() }

func (c *HostClock) NowMonotonicUS() uint64 {
	return uint64(time.Since(c.start).Microseconds())
}

// CryptoRng fills from crypto/rand.
type CryptoRng struct{}

func (CryptoRng) Fill(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// NullConsole never sees a key.
type NullConsole struct{}

func (NullConsole) PollKey(timeout time.Duration) (Key, bool) { return KeyNone, false }
func (NullConsole) KeyHeld(k Key, d time.Duration) bool       { return false }

// ScriptedConsole replays a fixed key sequence, for tests and for the
// dry-run runner.  Held says which keys count as held down.
type ScriptedConsole struct {
	Keys []Key
	Held map[Key]bool
}

func (s *ScriptedConsole) PollKey(timeout time.Duration) (Key, bool) {
	if len(s.Keys) == 0 {
		return KeyNone, false
	}
	k := s.Keys[0]
	s.Keys = s.Keys[1:]
	if k == KeyNone {
		return KeyNone, false
	}
	return k, true
}

func (s *ScriptedConsole) KeyHeld(k Key, d time.Duration) bool {
	return s.Held[k]
}

// StaticReset serves fixed wake/reset values.
type StaticReset struct {
	Wake  WakeSource
	Src   ResetSource
	Typ   ResetType
	Extra uint32
}

func (r StaticReset) WakeSource() WakeSource   { return r.Wake }
func (r StaticReset) ResetSource() ResetSource { return r.Src }
func (r StaticReset) ResetType() ResetType     { return r.Typ }
func (r StaticReset) ResetExtra() uint32       { return r.Extra }

// StaticBattery serves fixed charge signals.
type StaticBattery struct {
	Low     bool
	Plugged bool
}

func (b StaticBattery) BelowBootThreshold() bool { return b.Low }
func (b StaticBattery) ChargerPlugged() bool     { return b.Plugged }

// StaticSmBios serves fixed DMI strings.
type StaticSmBios struct {
	Serial  string
	Board   string
	Product string
	Bios    string
}

func (s StaticSmBios) SystemSerial() string { return s.Serial }
func (s StaticSmBios) BoardSerial() string  { return s.Board }
func (s StaticSmBios) ProductName() string  { return s.Product }
func (s StaticSmBios) BiosVersion() string  { return s.Bios }

// RecordingPrompt remembers what it was asked and answers with fixed
// targets.
type RecordingPrompt struct {
	CrashAnswer bootloader.BootTarget
	BootAnswer  bootloader.BootTarget

	CrashAsked   int
	BootAsked    int
	LowShown     int
	EmptyShown   int
	Errors       []string
	RebootTarget *bootloader.BootTarget
}

func (p *RecordingPrompt) ChooseCrashTarget() bootloader.BootTarget {
	p.CrashAsked++
	return p.CrashAnswer
}

func (p *RecordingPrompt) ChooseBootTarget(reasonCode uint32) bootloader.BootTarget {
	p.BootAsked++
	return p.BootAnswer
}

func (p *RecordingPrompt) DisplayLowBattery()   { p.LowShown++ }
func (p *RecordingPrompt) DisplayEmptyBattery() { p.EmptyShown++ }

func (p *RecordingPrompt) BootError(state bootloader.BootState, msg string) {
	p.Errors = append(p.Errors, fmt.Sprintf("%s: %s", state, msg))
}

func (p *RecordingPrompt) Reboot(target bootloader.BootTarget) error {
	p.RebootTarget = &target
	return nil
}

// NullAcpi ignores installation requests.
type NullAcpi struct{}

func (NullAcpi) InstallFromImage(acpi, acpio []byte) error   { return nil }
func (NullAcpi) InstallFromPartitions(labels []string) error { return nil }
