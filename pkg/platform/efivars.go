package platform

import (
	stderrors "errors"
	"fmt"
	"os"

	efi "github.com/canonical/go-efilib"
	"github.com/pkg/errors"
	"github.com/project-machine/osloader/pkg/bootloader"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

func guidFromString(s string) efi.GUID {
	g, err := efi.DecodeGUIDString(s)
	if err != nil {
		panic(fmt.Sprintf("bad GUID literal %q: %v", s, err))
	}
	return g
}

// Vendor GUIDs for the variable namespaces the loader owns.  The
// loader namespace follows the boot loader interface spec; the
// fastboot namespace is ours.
var (
	loaderGuid   = guidFromString("4a67b082-0a4c-41cf-b6c7-440b29bb8c4f")
	fastbootGuid = guidFromString("1ac80a82-4f0c-456b-9a99-debeb431fcc1")
)

func namespaceGuid(ns string) (efi.GUID, error) {
	switch ns {
	case NSLoader:
		return loaderGuid, nil
	case NSFastboot:
		return fastbootGuid, nil
	}
	return efi.GUID{}, fmt.Errorf("unknown variable namespace %q", ns)
}

// EfiVars is an NvVars over the firmware variable store via efivarfs.
// Values in the loader namespace are UCS-2 as the boot loader
// interface requires; this store keeps raw bytes and leaves encoding
// to the callers via EncodeUCS2/DecodeUCS2.
type EfiVars struct{}

func (EfiVars) Get(ns, name string) ([]byte, error) {
	guid, err := namespaceGuid(ns)
	if err != nil {
		return nil, err
	}
	data, _, err := efi.ReadVariable(name, guid)
	if err != nil {
		if os.IsNotExist(err) || stderrors.Is(err, efi.ErrVarNotExist) {
			return nil, fmt.Errorf("variable %s/%s: %w", ns, name, bootloader.ErrNotFound)
		}
		return nil, errors.Wrapf(err, "Failed reading variable %s/%s", ns, name)
	}
	return data, nil
}

func (EfiVars) Set(ns, name string, val []byte, runtimeAccess bool) error {
	guid, err := namespaceGuid(ns)
	if err != nil {
		return err
	}
	attrs := efi.AttributeNonVolatile | efi.AttributeBootserviceAccess
	if runtimeAccess {
		attrs |= efi.AttributeRuntimeAccess
	}
	if err := efi.WriteVariable(name, guid, attrs, val); err != nil {
		return errors.Wrapf(err, "Failed writing variable %s/%s", ns, name)
	}
	return nil
}

func (EfiVars) Del(ns, name string) error {
	guid, err := namespaceGuid(ns)
	if err != nil {
		return err
	}
	if err := efi.WriteVariable(name, guid, 0, nil); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "Failed deleting variable %s/%s", ns, name)
	}
	return nil
}

// EncodeUCS2 converts s to NUL terminated UTF-16LE, the encoding
// firmware uses for loader entry strings.
func EncodeUCS2(s string) ([]byte, error) {
	t := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, _, err := transform.String(t, s)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed encoding %q as UCS-2", s)
	}
	return append([]byte(out), 0, 0), nil
}

// DecodeUCS2 converts NUL terminated UTF-16LE firmware data back to a
// string.  Odd length input is rejected.
func DecodeUCS2(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("UCS-2 value has odd length %d: %w", len(b), bootloader.ErrCorrupted)
	}
	for len(b) >= 2 && b[len(b)-2] == 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-2]
	}
	t := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, _, err := transform.Bytes(t, b)
	if err != nil {
		return "", errors.Wrap(err, "Failed decoding UCS-2 value")
	}
	return string(out), nil
}
