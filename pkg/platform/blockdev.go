package platform

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/rekby/gpt"
	"machinerun.io/disko"
	"machinerun.io/disko/linux"
)

// DiskStore is a BlockStore over a GPT partitioned block device or
// disk image file.
type DiskStore struct {
	path      string
	fh        *os.File
	blockSize uint64
	parts     map[string]Partition
}

func blockDevSize(dev string) (uint64, error) {
	p := path.Join("/sys/block", path.Base(dev), "queue/logical_block_size")
	content, err := ioutil.ReadFile(p)
	if err != nil {
		return 0, errors.Wrapf(err, "Failed to read block size for '%s'", dev)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return 0, errors.Wrapf(err, "blockDevSize(%s): bad contents '%s'", dev, content)
	}
	return uint64(v), nil
}

// OpenDiskStore opens dev read-write and indexes its GPT by partition
// name.  Plain files get a 512 byte logical block.
func OpenDiskStore(dev string) (*DiskStore, error) {
	fh, err := os.OpenFile(dev, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed opening %s", dev)
	}

	bs := uint64(512)
	if strings.HasPrefix(dev, "/dev/") {
		if v, err := blockDevSize(dev); err == nil {
			bs = v
		}
	}

	// https://github.com/rekby/gpt/issues/2 - the reader starts at
	// the current offset, so seek past the protective MBR first.
	if _, err := fh.Seek(int64(bs), io.SeekStart); err != nil {
		fh.Close()
		return nil, errors.Wrapf(err, "Failed seeking into %s", dev)
	}

	table, err := gpt.ReadTable(fh, bs)
	if err != nil {
		fh.Close()
		return nil, errors.Wrapf(err, "Failed reading GPT on %s", dev)
	}

	parts := map[string]Partition{}
	for _, p := range table.Partitions {
		if p.IsEmpty() {
			continue
		}
		name := p.Name()
		if name == "" {
			continue
		}
		parts[name] = Partition{
			Start:     p.FirstLBA * bs,
			End:       (p.LastLBA + 1) * bs,
			BlockSize: bs,
			PartUUID:  strings.ToLower(p.Id.String()),
		}
	}

	log.Debugf("disk %s: %d named GPT partitions, block size %d", dev, len(parts), bs)
	return &DiskStore{path: dev, fh: fh, blockSize: bs, parts: parts}, nil
}

func (d *DiskStore) Close() error { return d.fh.Close() }

func (d *DiskStore) ReadAt(off uint64, buf []byte) error {
	n, err := d.fh.ReadAt(buf, int64(off))
	if err != nil {
		return errors.Wrapf(err, "Failed reading %d bytes at %d on %s", len(buf), off, d.path)
	}
	if n != len(buf) {
		return fmt.Errorf("Short read on %s: %d of %d", d.path, n, len(buf))
	}
	return nil
}

func (d *DiskStore) WriteAt(off uint64, buf []byte) error {
	n, err := d.fh.WriteAt(buf, int64(off))
	if err != nil {
		return errors.Wrapf(err, "Failed writing %d bytes at %d on %s", len(buf), off, d.path)
	}
	if n != len(buf) {
		return fmt.Errorf("Short write on %s: %d of %d", d.path, n, len(buf))
	}
	return nil
}

func (d *DiskStore) Flush() error {
	return d.fh.Sync()
}

func (d *DiskStore) Partition(label string) (Partition, error) {
	p, ok := d.parts[label]
	if !ok {
		return Partition{}, fmt.Errorf("partition %q on %s: %w",
			label, d.path, bootloader.ErrNotFound)
	}
	return p, nil
}

// FindBootDisk scans the system for the GPT disk carrying a misc
// partition and opens it.  USB attached disks are tried last; the order
// within each group follows map iteration and is not stable.
func FindBootDisk() (*DiskStore, error) {
	mysys := linux.System()
	disks, err := mysys.ScanAllDisks(func(d disko.Disk) bool {
		return d.Table == disko.GPT
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed scanning disks")
	}

	names := []string{}
	for n, d := range disks {
		if d.Attachment == disko.USB {
			names = append(names, n)
		} else {
			names = append([]string{n}, names...)
		}
	}

	for _, n := range names {
		devpath := filepath.Join("/dev", n)
		ds, err := OpenDiskStore(devpath)
		if err != nil {
			log.Debugf("skipping %s: %v", devpath, err)
			continue
		}
		if _, err := ds.Partition("misc"); err == nil {
			log.Infof("boot disk: %s", devpath)
			return ds, nil
		}
		ds.Close()
	}

	return nil, fmt.Errorf("No disk with a misc partition found")
}
