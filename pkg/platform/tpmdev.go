package platform

import (
	"fmt"

	"github.com/apex/log"
	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/linux"
	"github.com/pkg/errors"
	"github.com/project-machine/osloader/pkg/bootloader"
)

// DeviceTpm adapts a TPM 2.0 character device to the Tpm interface.
// All indices are owner authorized; session based EA policies stay in
// the provisioning tooling.
type DeviceTpm struct {
	tpm *tpm2.TPMContext
}

// OpenDeviceTpm opens the default TPM 2.0 resource manager device.
func OpenDeviceTpm() (*DeviceTpm, error) {
	dev, err := linux.DefaultTPM2Device()
	if err != nil {
		return nil, errors.Wrap(err, "No TPM2 device")
	}
	tcti, err := dev.Open()
	if err != nil {
		return nil, errors.Wrap(err, "Failed opening TPM2 device")
	}
	return &DeviceTpm{tpm: tpm2.NewTPMContext(tcti)}, nil
}

func (d *DeviceTpm) Close() error { return d.tpm.Close() }

func (d *DeviceTpm) Present() bool { return d.tpm != nil }

func (a NvAttrs) tpmAttrs() tpm2.NVAttributes {
	var attrs tpm2.NVAttributes
	if a.OwnerWrite {
		attrs |= tpm2.AttrNVOwnerWrite
	}
	if a.OwnerRead {
		attrs |= tpm2.AttrNVOwnerRead
	}
	if a.AuthRead {
		attrs |= tpm2.AttrNVAuthRead
	}
	if a.AuthWrite {
		attrs |= tpm2.AttrNVAuthWrite
	}
	if a.PolicyWrite {
		attrs |= tpm2.AttrNVPolicyWrite
	}
	if a.WriteDefine {
		attrs |= tpm2.AttrNVWriteDefine
	}
	if a.ReadSTClear {
		attrs |= tpm2.AttrNVReadStClear
	}
	if a.WriteSTClear {
		attrs |= tpm2.AttrNVWriteStClear
	}
	return tpm2.NVTypeOrdinary.WithAttrs(attrs)
}

func (d *DeviceTpm) NvDefine(index uint32, attrs NvAttrs, size uint16) error {
	pub := tpm2.NVPublic{
		Index:   tpm2.Handle(index),
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs:   attrs.tpmAttrs(),
		Size:    size,
	}
	_, err := d.tpm.NVDefineSpace(d.tpm.OwnerHandleContext(), nil, &pub, nil)
	if err != nil {
		return convertTpmErr(err, "NV_DefineSpace", index)
	}
	log.Debugf("defined NV index 0x%08x size %d", index, size)
	return nil
}

func (d *DeviceTpm) nvIndex(index uint32) (tpm2.ResourceContext, error) {
	rc, err := d.tpm.CreateResourceContextFromTPM(tpm2.Handle(index))
	if err != nil {
		return nil, convertTpmErr(err, "lookup", index)
	}
	return rc, nil
}

func (d *DeviceTpm) NvRead(index uint32, off, length uint16) ([]byte, error) {
	rc, err := d.nvIndex(index)
	if err != nil {
		return nil, err
	}
	data, err := d.tpm.NVRead(d.tpm.OwnerHandleContext(), rc, length, off, nil)
	if err != nil {
		return nil, convertTpmErr(err, "NV_Read", index)
	}
	return data, nil
}

func (d *DeviceTpm) NvWrite(index uint32, off uint16, data []byte) error {
	rc, err := d.nvIndex(index)
	if err != nil {
		return err
	}
	if err := d.tpm.NVWrite(d.tpm.OwnerHandleContext(), rc, data, off, nil); err != nil {
		return convertTpmErr(err, "NV_Write", index)
	}
	return nil
}

func (d *DeviceTpm) NvReadLock(index uint32) error {
	rc, err := d.nvIndex(index)
	if err != nil {
		return err
	}
	if err := d.tpm.NVReadLock(d.tpm.OwnerHandleContext(), rc, nil); err != nil {
		return convertTpmErr(err, "NV_ReadLock", index)
	}
	return nil
}

func (d *DeviceTpm) NvWriteLock(index uint32) error {
	rc, err := d.nvIndex(index)
	if err != nil {
		return err
	}
	if err := d.tpm.NVWriteLock(d.tpm.OwnerHandleContext(), rc, nil); err != nil {
		return convertTpmErr(err, "NV_WriteLock", index)
	}
	return nil
}

func (d *DeviceTpm) NvUndefine(index uint32) error {
	rc, err := d.nvIndex(index)
	if err != nil {
		return err
	}
	if err := d.tpm.NVUndefineSpace(d.tpm.OwnerHandleContext(), rc, nil); err != nil {
		return convertTpmErr(err, "NV_UndefineSpace", index)
	}
	return nil
}

func (d *DeviceTpm) GetRandom(n int) ([]byte, error) {
	data, err := d.tpm.GetRandom(uint16(n))
	if err != nil {
		return nil, errors.Wrap(err, "TPM2_GetRandom failed")
	}
	return data, nil
}

// convertTpmErr folds TPM response codes into the loader error kinds.
func convertTpmErr(err error, op string, index uint32) error {
	if tpm2.IsTPMHandleError(err, tpm2.ErrorHandle, tpm2.AnyCommandCode, tpm2.AnyHandleIndex) {
		return fmt.Errorf("%s 0x%08x: %w", op, index, bootloader.ErrNotFound)
	}
	if tpm2.IsTPMError(err, tpm2.ErrorNVLocked, tpm2.AnyCommandCode) ||
		tpm2.IsTPMSessionError(err, tpm2.ErrorAuthFail, tpm2.AnyCommandCode, tpm2.AnySessionIndex) {
		return fmt.Errorf("%s 0x%08x: %w", op, index, bootloader.ErrAccessDenied)
	}
	if tpm2.IsTPMError(err, tpm2.ErrorNVSpace, tpm2.AnyCommandCode) {
		return fmt.Errorf("%s 0x%08x: %w", op, index, bootloader.ErrOutOfResources)
	}
	return errors.Wrapf(err, "%s 0x%08x failed", op, index)
}
