package platform

import (
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/apex/log"
)

// HostSmBios reads the DMI identity strings the kernel exports under
// /sys/class/dmi/id.  Values are served raw; sanitization is the
// assembler's job.
type HostSmBios struct {
	// Root overrides /sys/class/dmi/id, for tests.
	Root string
}

func (s HostSmBios) read(name string) string {
	root := s.Root
	if root == "" {
		root = "/sys/class/dmi/id"
	}
	data, err := ioutil.ReadFile(filepath.Join(root, name))
	if err != nil {
		log.Debugf("smbios: no %s: %v", name, err)
		return ""
	}
	return strings.TrimRight(string(data), "\n")
}

func (s HostSmBios) SystemSerial() string { return s.read("product_serial") }
func (s HostSmBios) BoardSerial() string  { return s.read("board_serial") }
func (s HostSmBios) ProductName() string  { return s.read("product_name") }
func (s HostSmBios) BiosVersion() string  { return s.read("bios_version") }
