//go:build linux

package handover

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// KexecJumper transfers control through the running kernel's kexec
// facility.  On this path the next kernel rebuilds the boot protocol
// structures itself, so the prepared zeropage and GDT are unused;
// they belong to the firmware jump.
type KexecJumper struct {
	Kernel  []byte
	Ramdisk []byte
	Cmdline string
}

func memfdFor(name string, data []byte) (int, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "memfd_create %s", name)
	}
	f := os.NewFile(uintptr(fd), name)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return -1, errors.Wrapf(err, "writing %s memfd", name)
	}
	return fd, nil
}

func (k *KexecJumper) Jump(entry uint64, bootParams, gdt []byte) error {
	kfd, err := memfdFor("kernel", k.Kernel)
	if err != nil {
		return err
	}
	flags := 0
	ifd := -1
	if len(k.Ramdisk) > 0 {
		ifd, err = memfdFor("initrd", k.Ramdisk)
		if err != nil {
			return err
		}
	} else {
		flags |= unix.KEXEC_FILE_NO_INITRAMFS
	}

	log.Infof("kexec: loading %d byte kernel, %d byte ramdisk", len(k.Kernel), len(k.Ramdisk))
	if err := unix.KexecFileLoad(kfd, ifd, k.Cmdline, flags); err != nil {
		return errors.Wrap(err, "kexec_file_load")
	}
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_KEXEC); err != nil {
		return errors.Wrap(err, "reboot(kexec)")
	}
	return fmt.Errorf("kexec returned")
}
