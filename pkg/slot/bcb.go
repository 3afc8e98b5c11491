// Package slot owns the misc partition: the bootloader control block
// at its head and the A/B slot metadata record behind it.
package slot

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/platform"
)

// Misc partition layout.
const (
	MiscPartition = "misc"

	bcbCommandSize  = 32
	bcbStatusSize   = 32
	bcbRecoverySize = 768
	bcbSize         = 1024

	// The A/B metadata record starts two KiB in, after the BCB.
	MetadataOffset = 2048
)

// BCB is the 1 KiB bootloader control block used to communicate with
// the next stage OS.  command and recovery belong to the OS; status
// belongs to us and is cleared on every read.
type BCB struct {
	Command  string
	Status   string
	Recovery string
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func putCstr(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
	if len(s) >= len(dst) {
		dst[len(dst)-1] = 0
	}
}

// ReadBCB reads the control block from the misc partition.
func ReadBCB(store platform.BlockStore) (*BCB, error) {
	part, err := store.Partition(MiscPartition)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, bcbSize)
	if err := store.ReadAt(part.Start, buf); err != nil {
		return nil, err
	}
	return &BCB{
		Command:  cstr(buf[0:bcbCommandSize]),
		Status:   cstr(buf[bcbCommandSize : bcbCommandSize+bcbStatusSize]),
		Recovery: cstr(buf[bcbCommandSize+bcbStatusSize : bcbCommandSize+bcbStatusSize+bcbRecoverySize]),
	}, nil
}

// WriteBCB writes the control block back, whole.
func WriteBCB(store platform.BlockStore, bcb *BCB) error {
	part, err := store.Partition(MiscPartition)
	if err != nil {
		return err
	}
	buf := make([]byte, bcbSize)
	putCstr(buf[0:bcbCommandSize], bcb.Command)
	putCstr(buf[bcbCommandSize:bcbCommandSize+bcbStatusSize], bcb.Status)
	putCstr(buf[bcbCommandSize+bcbStatusSize:bcbCommandSize+bcbStatusSize+bcbRecoverySize], bcb.Recovery)
	if err := store.WriteAt(part.Start, buf); err != nil {
		return err
	}
	return store.Flush()
}

// BCBRequest is what the control block asked of this boot.
type BCBRequest struct {
	// Target name, e.g. "recovery"; empty when the BCB is silent.
	Target string
	// Path of an ESP EFI binary or boot image, when the command
	// names one directly.
	EfiPath   string
	ImagePath string
	// OneShot commands are cleared before the request is returned.
	OneShot bool
}

// ConsumeBCB reads the control block, interprets the command, clears
// the status field and, for one shot commands, the command itself.
// The write back happens before the request is returned so a crash
// cannot replay a bootonce.
func ConsumeBCB(store platform.BlockStore) (BCBRequest, error) {
	bcb, err := ReadBCB(store)
	if err != nil {
		return BCBRequest{}, err
	}

	req := BCBRequest{}
	cmd := bcb.Command
	switch {
	case cmd == "":
	case strings.HasPrefix(cmd, "bootonce-"):
		req.Target = cmd[len("bootonce-"):]
		req.OneShot = true
	case strings.HasPrefix(cmd, "boot-"):
		req.Target = cmd[len("boot-"):]
	case strings.HasPrefix(cmd, "\\"):
		if strings.HasSuffix(cmd, ".efi") || strings.HasSuffix(cmd, ".EFI") {
			req.EfiPath = cmd
		} else if strings.HasSuffix(cmd, ".img") {
			req.ImagePath = cmd
		} else {
			log.Warnf("BCB names unrecognized path %q, ignoring", cmd)
		}
		req.OneShot = true
	default:
		log.Warnf("unknown BCB command %q, ignoring", cmd)
	}

	dirty := bcb.Status != ""
	if dirty {
		bcb.Status = ""
	}
	if req.OneShot && bcb.Command != "" {
		bcb.Command = ""
		dirty = true
	}
	if dirty {
		if err := WriteBCB(store, bcb); err != nil {
			return BCBRequest{}, fmt.Errorf("clearing BCB: %w", err)
		}
	}
	return req, nil
}
