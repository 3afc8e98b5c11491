package avb

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/bootimg"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/devstate"
	"github.com/project-machine/osloader/pkg/platform"
	"github.com/project-machine/osloader/pkg/slot"
)

// Verifier loads the boot images for a slot, validates them against
// the embedded root key and the stored rollback indices, and
// classifies the boot state.  It never jumps anywhere itself.
type Verifier struct {
	Plat    *platform.Platform
	State   devstate.Store
	Slots   *slot.Manager
	RootKey *rsa.PublicKey

	// UserKeyDigest is the SHA256 of the wire format public key the
	// owner enrolled through fastboot, or empty when none is
	// enrolled.  A vbmeta signed by this key instead of the embedded
	// one boots yellow; any other key is red.
	UserKeyDigest []byte

	// ClearMemory zeroises conventional RAM before an unlocked boot
	// proceeds.  Optional outside real hardware.
	ClearMemory func()
}

// Result is the outcome of a verification pass.
type Result struct {
	BootState    bootloader.BootState
	VBMetaDigest [32]byte
	Commitment   string
	SlotIndex    int
	SlotSuffix   string

	Boot   *bootimg.BootImage
	Vendor *bootimg.VendorBootImage

	// RollbackIndices are the image indices per location, as carried
	// by the verified vbmeta chain.
	RollbackIndices map[int]uint64

	// pending rollback updates, applied by CommitRollback only on a
	// fully valid green boot
	pendingRollback map[int]uint64
}

func (v *Verifier) readPartition(label string) ([]byte, uint64, error) {
	part, err := v.Plat.Disk.Partition(label)
	if err != nil {
		return nil, 0, err
	}
	buf := make([]byte, part.Size())
	if err := v.Plat.Disk.ReadAt(part.Start, buf); err != nil {
		return nil, 0, err
	}
	return buf, part.Size(), nil
}

func bootPartitionFor(target bootloader.BootTarget) string {
	if target.Kind == bootloader.Recovery {
		return "recovery"
	}
	return "boot"
}

// VerifySlot runs the pipeline for one slot: load, parse, verify,
// rollback check, classify.
func (v *Verifier) VerifySlot(target bootloader.BootTarget, slotIdx int) (*Result, error) {
	suffix := v.Slots.Suffix(slotIdx)
	res := &Result{
		SlotIndex:       slotIdx,
		SlotSuffix:      suffix,
		RollbackIndices: map[int]uint64{},
		pendingRollback: map[int]uint64{},
	}

	label := bootPartitionFor(target)
	bootRaw, bootPartSize, err := v.readPartition(label + suffix)
	if errors.Is(err, bootloader.ErrNotFound) && label == "recovery" {
		// devices without a dedicated recovery partition keep the
		// recovery ramdisk in boot
		bootRaw, bootPartSize, err = v.readPartition("boot" + suffix)
	}
	if err != nil {
		return nil, err
	}
	img, err := bootimg.Parse(bootRaw, bootPartSize)
	if err != nil {
		return nil, err
	}
	res.Boot = img

	var vendorRaw []byte
	if img.HeaderVersion >= 3 {
		raw, size, err := v.readPartition("vendor_boot" + suffix)
		if err != nil {
			return nil, err
		}
		vendor, err := bootimg.ParseVendorBoot(raw, size)
		if err != nil {
			return nil, err
		}
		res.Vendor = vendor
		vendorRaw = raw
	}

	lockState, err := v.State.ReadLockState()
	if err != nil {
		lockState = bootloader.DefaultLockState(v.Plat.Variant)
		log.Warnf("lock state unreadable (%v), assuming %s", err, lockState)
	}

	if lockState == bootloader.Unlocked {
		// unlocked: no signature enforcement, but the kernel gets
		// told, and RAM is scrubbed of any previous owner's secrets
		if v.ClearMemory != nil {
			v.ClearMemory()
		}
		res.BootState = bootloader.StateOrange
		res.Commitment = commitment(lockState, nil)
		return res, nil
	}

	meta, err := v.verifyChain(suffix, map[string][]byte{
		label + suffix:         bootRaw,
		"boot" + suffix:        bootRaw,
		"vendor_boot" + suffix: vendorRaw,
	}, res)
	if err != nil {
		v.recordFailure(slotIdx, err)
		res.BootState = bootloader.StateRed
		return res, fmt.Errorf("slot %s: %w", suffix, err)
	}

	res.VBMetaDigest = meta.Digest()
	res.Commitment = commitment(lockState, meta)
	if res.BootState != bootloader.StateYellow {
		res.BootState = bootloader.StateGreen
	}
	return res, nil
}

// verifyChain walks vbmeta and its chained partitions, checking
// signatures, hash descriptors and rollback indices.  images maps
// partition names (with suffix) to their raw bytes.
func (v *Verifier) verifyChain(suffix string, images map[string][]byte, res *Result) (*VBMeta, error) {
	raw, _, err := v.readPartition(VBMetaPartition + suffix)
	if err != nil {
		return nil, fmt.Errorf("loading vbmeta: %w", err)
	}
	meta, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	// the top of the chain must verify against the embedded root
	// key.  The one tolerated alternative is the enrolled user key,
	// pinned by digest exactly like chained partitions are: the key
	// carried inside the blob proves nothing by itself.
	if err := meta.VerifySignature(v.RootKey); err != nil {
		if len(v.UserKeyDigest) == 0 ||
			!bytes.Equal(KeyDigestRaw(meta.PublicKey), v.UserKeyDigest) {
			return nil, err
		}
		carried, kerr := parseAvbKey(meta.PublicKey)
		if kerr != nil {
			return nil, err
		}
		if serr := meta.VerifySignature(carried); serr != nil {
			return nil, serr
		}
		log.Warnf("vbmeta signed by the enrolled user key, boot state yellow")
		res.BootState = bootloader.StateYellow
	}

	if err := v.checkRollback(int(meta.RollbackIndexLocation), meta.RollbackIndex, res); err != nil {
		return nil, err
	}
	if err := v.checkHashes(meta, suffix, images); err != nil {
		return nil, err
	}

	for _, c := range meta.Chains {
		if err := v.verifyChained(c, suffix, images, res); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

func (v *Verifier) verifyChained(c ChainDescriptor, suffix string, images map[string][]byte, res *Result) error {
	raw, _, err := v.readPartition(c.PartitionName + suffix)
	if err != nil {
		return fmt.Errorf("loading chained vbmeta %s: %w", c.PartitionName, err)
	}
	sub, err := Parse(raw)
	if err != nil {
		return err
	}
	if !bytes.Equal(KeyDigestRaw(sub.PublicKey), c.PublicKeySHA256) {
		return fmt.Errorf("chained vbmeta %s key digest mismatch: %w",
			c.PartitionName, bootloader.ErrIntegrity)
	}
	key, err := parseAvbKey(sub.PublicKey)
	if err != nil {
		return err
	}
	if err := sub.VerifySignature(key); err != nil {
		return err
	}
	if err := v.checkRollback(int(c.RollbackIndexLocation), sub.RollbackIndex, res); err != nil {
		return err
	}
	return v.checkHashes(sub, suffix, images)
}

func (v *Verifier) checkHashes(meta *VBMeta, suffix string, images map[string][]byte) error {
	for _, h := range meta.Hashes {
		img, ok := images[h.PartitionName+suffix]
		if !ok || img == nil {
			// descriptors for partitions this boot does not load
			// (dtbo, init_boot) are not ours to check
			continue
		}
		if err := h.CheckHash(img); err != nil {
			return err
		}
	}
	return nil
}

// checkRollback compares one image index against the store: a stored
// value above the image's is a rollback attack; an image value above
// the stored one is remembered for CommitRollback.
func (v *Verifier) checkRollback(location int, imageIndex uint64, res *Result) error {
	if location < 0 || location >= devstate.RollbackSlots {
		return fmt.Errorf("rollback index location %d: %w", location, bootloader.ErrCorrupted)
	}
	stored, err := v.State.ReadRollbackIndex(location)
	if err != nil {
		return err
	}
	res.RollbackIndices[location] = imageIndex
	if stored > imageIndex {
		return fmt.Errorf("rollback index %d: stored %d > image %d: %w",
			location, stored, imageIndex, bootloader.ErrIntegrity)
	}
	if imageIndex > stored {
		res.pendingRollback[location] = imageIndex
	}
	return nil
}

// CommitRollback applies the scheduled index updates.  Only a fully
// verified green result writes anything, and the caller must invoke
// this before sealing the state store.
func (v *Verifier) CommitRollback(res *Result) error {
	if res.BootState != bootloader.StateGreen {
		return nil
	}
	for loc, val := range res.pendingRollback {
		if err := v.State.WriteRollbackIndex(loc, val); err != nil {
			return err
		}
		log.Infof("rollback index %d advanced to %d", loc, val)
	}
	return nil
}

// VerifyBoot verifies the active slot with the A/B retry discipline:
// a failure burns a try, exhaustion disables the slot, and one
// re-election is attempted before giving up.
func (v *Verifier) VerifyBoot(target bootloader.BootTarget) (*Result, error) {
	for attempt := 0; attempt < 2; attempt++ {
		idx := v.Slots.ActiveSlot()
		if idx < 0 {
			return nil, fmt.Errorf("no bootable slot: %w", bootloader.ErrIntegrity)
		}
		v.Plat.SetVarString(platform.NSFastboot, platform.VarLoadedSlot, v.Slots.Suffix(idx))

		res, err := v.VerifySlot(target, idx)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, bootloader.ErrIntegrity) && !errors.Is(err, bootloader.ErrCorrupted) {
			return nil, err
		}

		md := v.Slots.Metadata()
		if md.Slots[idx].TriesRemaining > 0 && !md.Slots[idx].Successful {
			if merr := v.Slots.MarkBootAttempt(idx); merr != nil {
				log.Warnf("recording boot attempt: %v", merr)
			}
		} else {
			if merr := v.Slots.MarkBootFailed(idx); merr != nil {
				log.Warnf("disabling failed slot: %v", merr)
			}
		}
		if next := v.Slots.ActiveSlot(); next == idx {
			// still the best slot; do not loop on it
			return nil, err
		}
		log.Warnf("slot %s failed verification (%v), falling back", v.Slots.Suffix(idx), err)
	}
	return nil, fmt.Errorf("all slots failed verification: %w", bootloader.ErrIntegrity)
}

func (v *Verifier) recordFailure(slotIdx int, err error) {
	code := errorCode(err)
	name := platform.LoadedSlotFailedVar(code)
	if serr := v.Plat.SetVarString(platform.NSFastboot, name, v.Slots.Suffix(slotIdx)); serr != nil {
		log.Debugf("recording %s: %v", name, serr)
	}
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, bootloader.ErrIntegrity):
		return 1
	case errors.Is(err, bootloader.ErrCorrupted):
		return 2
	case errors.Is(err, bootloader.ErrNotFound):
		return 3
	case errors.Is(err, bootloader.ErrAccessDenied):
		return 4
	}
	return 0
}

// KeyDigestRaw hashes an already encoded public key.
func KeyDigestRaw(pub []byte) []byte {
	d := sha256.Sum256(pub)
	return d[:]
}

// commitment builds the vbmeta fragment for the kernel command line:
// device state, hash algorithm, key digest and vbmeta digest.  The
// verified boot state itself is a separate parameter owned by the
// assembler.
func commitment(lock bootloader.LockState, meta *VBMeta) string {
	state := "locked"
	if lock == bootloader.Unlocked {
		state = "unlocked"
	}
	if meta == nil {
		return fmt.Sprintf("androidboot.vbmeta.device_state=%s", state)
	}
	digest := meta.Digest()
	return fmt.Sprintf("androidboot.vbmeta.device_state=%s androidboot.vbmeta.hash_alg=sha256 androidboot.vbmeta.size=%d androidboot.vbmeta.digest=%s androidboot.vbmeta.public_key_digest=%s",
		state, len(meta.raw), hex.EncodeToString(digest[:]),
		hex.EncodeToString(KeyDigestRaw(meta.PublicKey)))
}
