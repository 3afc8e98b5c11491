package platform

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/project-machine/osloader/pkg/bootloader"
)

// EspVolume is the EFI system partition filesystem surface: the
// fastboot sentinel file and the targets of the esp-efi and
// esp-bootimage boot modes live there.  Paths use the firmware
// convention with backslashes and a leading one.
type EspVolume interface {
	Exists(path string) bool
	ReadFile(path string) ([]byte, error)
}

// FastbootSentinel forces fastboot when present on the ESP.
const FastbootSentinel = "\\force_fastboot"

func espToHostPath(root, path string) string {
	p := strings.ReplaceAll(path, "\\", "/")
	return filepath.Join(root, strings.TrimPrefix(p, "/"))
}

// DirEsp serves an ESP from a mounted directory.
type DirEsp struct {
	Root string
}

func (d DirEsp) Exists(path string) bool {
	_, err := os.Stat(espToHostPath(d.Root, path))
	return err == nil
}

func (d DirEsp) ReadFile(path string) ([]byte, error) {
	data, err := ioutil.ReadFile(espToHostPath(d.Root, path))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s on ESP: %w", path, bootloader.ErrNotFound)
	}
	return data, err
}

// MemEsp is a map backed ESP for tests and dry runs.
type MemEsp struct {
	Files map[string][]byte
}

func NewMemEsp() *MemEsp {
	return &MemEsp{Files: map[string][]byte{}}
}

func (m *MemEsp) Exists(path string) bool {
	_, ok := m.Files[path]
	return ok
}

func (m *MemEsp) ReadFile(path string) ([]byte, error) {
	data, ok := m.Files[path]
	if !ok {
		return nil, fmt.Errorf("%s on ESP: %w", path, bootloader.ErrNotFound)
	}
	return data, nil
}
