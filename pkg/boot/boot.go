// Package boot owns the boot flow up to the jump: policy decision,
// verification, state sealing and artifact assembly.  The caller
// hands the prepared artifacts to a handover.Handover it configured
// for its platform.  All the state the original carried in globals
// lives on the Context and is threaded explicitly.
package boot

import (
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/assemble"
	"github.com/project-machine/osloader/pkg/avb"
	"github.com/project-machine/osloader/pkg/bootimg"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/devstate"
	"github.com/project-machine/osloader/pkg/platform"
	"github.com/project-machine/osloader/pkg/policy"
	"github.com/project-machine/osloader/pkg/slot"
)

// Context carries everything one boot needs.  Caches like the lock
// state or off mode charge answer live here, never in package
// globals.
type Context struct {
	Plat     *platform.Platform
	State    devstate.Store
	Slots    *slot.Manager
	Policy   *policy.Policy
	Verifier *avb.Verifier

	// Version lands in androidboot.bootloader.
	Version string
	// BootDevices encodes the boot disk PCI path.
	BootDevices string

	stamps  []assemble.Stamp
	firstUS uint64
}

// NewContext wires the pieces over an initialized platform.  The
// state store backing follows the hardware: TPM when one answers,
// authenticated variables otherwise.
func NewContext(plat *platform.Platform, rootKey *rsa.PublicKey, flags policy.Flags) (*Context, error) {
	var state devstate.Store
	if plat.Tpm != nil && plat.Tpm.Present() {
		state = devstate.NewTpmStore(plat.Tpm, plat.SecureBoot)
	} else {
		log.Infof("no TPM present, using authenticated variable state store")
		state = devstate.NewVarsStore(plat.Vars)
	}
	if err := state.Init(); err != nil {
		if !errors.Is(err, bootloader.ErrPolicyViolation) {
			return nil, err
		}
		// provisioning incomplete; run on defaults without
		// persisting anything
		log.Warnf("state store unavailable (%v), continuing with defaults", err)
		state = devstate.NewVarsStore(platform.NewMemVars())
		if err := state.Init(); err != nil {
			return nil, err
		}
	}

	slots, err := slot.NewManager(plat.Disk)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		Plat:   plat,
		State:  state,
		Slots:  slots,
		Policy: &policy.Policy{Plat: plat, Slots: slots, Flags: flags},
	}
	ctx.Verifier = &avb.Verifier{Plat: plat, State: state, Slots: slots, RootKey: rootKey}
	if digest, err := plat.Vars.Get(platform.NSFastboot, platform.VarUserKey); err == nil {
		if len(digest) == sha256.Size {
			ctx.Verifier.UserKeyDigest = digest
		} else {
			log.Warnf("enrolled user key digest has %d bytes, ignoring", len(digest))
		}
	}
	if plat.Clock != nil {
		ctx.firstUS = plat.Clock.NowMonotonicUS()
	}
	return ctx, nil
}

// Stamp records a named boot phase for the boottime profile.
func (c *Context) Stamp(name string) {
	if c.Plat.Clock == nil {
		return
	}
	now := c.Plat.Clock.NowMonotonicUS()
	c.stamps = append(c.stamps, assemble.Stamp{Name: name, MS: (now - c.firstUS) / 1000})
}

// ServiceRequest is returned when the decided target is handled by a
// collaborator outside the core: the fastboot server, the charger UI,
// a cold poweroff, an ESP EFI binary.
type ServiceRequest struct {
	Target bootloader.BootTarget
}

func (s *ServiceRequest) Error() string {
	return fmt.Sprintf("boot target %s is serviced outside the core", s.Target)
}

// Prepared is a boot ready to jump: the verified images plus the
// assembled ramdisk and command line.
type Prepared struct {
	Target  bootloader.BootTarget
	Result  *avb.Result
	Ramdisk []byte
	Cmdline string
}

// Prepare runs the pipeline up to, but not including, the jump:
// decide, verify, commit rollback, read and forward the TEE seed,
// seal, assemble.  The artifact set it returns is immutable from the
// kernel's point of view.
func (c *Context) Prepare() (*Prepared, error) {
	c.Stamp("policy")
	target := c.Policy.Decide()

	switch target.Kind {
	case bootloader.NormalBoot, bootloader.Recovery:
	case bootloader.EspBootImage:
		return c.prepareEspImage(target)
	default:
		return nil, &ServiceRequest{Target: target}
	}

	res, err := c.verify(target)
	if err != nil {
		return nil, err
	}
	c.Stamp("verify")

	if err := c.Verifier.CommitRollback(res); err != nil {
		return nil, err
	}
	c.forwardSeed()
	// seal strictly after every rollback write
	if err := c.State.Seal(); err != nil {
		log.Warnf("sealing state store: %v", err)
	}

	if err := c.Slots.MarkBootAttempt(res.SlotIndex); err != nil {
		log.Warnf("recording boot attempt: %v", err)
	}

	if c.Plat.Acpi != nil && res.Boot != nil {
		if err := c.Plat.Acpi.InstallFromImage(nil, res.Boot.RecoveryAcpio); err != nil {
			log.Warnf("installing ACPI tables: %v", err)
		}
	}

	out, ramdisk, err := c.assemble(res)
	if err != nil {
		return nil, err
	}
	c.Stamp("assemble")

	return &Prepared{Target: target, Result: res, Ramdisk: ramdisk, Cmdline: out}, nil
}

func (c *Context) verify(target bootloader.BootTarget) (*avb.Result, error) {
	res, err := c.Verifier.VerifyBoot(target)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, bootloader.ErrIntegrity) {
		return nil, err
	}

	// red is terminal: surface it and let the caller halt or reboot
	c.Plat.Prompt.BootError(bootloader.StateRed, err.Error())
	return nil, err
}

// forwardSeed reads the TEE seed once and scrubs it.  The real
// consumer is the TEE loader; here the read exists to leave the index
// locked behind us.
func (c *Context) forwardSeed() {
	seed, err := c.State.ReadTrustySeed()
	if err != nil {
		if !errors.Is(err, bootloader.ErrNotFound) {
			log.Debugf("TEE seed unavailable: %v", err)
		}
		return
	}
	for i := range seed {
		seed[i] = 0
	}
}

func (c *Context) assemble(res *avb.Result) (string, []byte, error) {
	c.Stamp("images")
	composer := &assemble.Composer{
		Plat:              c.Plat,
		Boot:              res.Boot,
		Vendor:            res.Vendor,
		BootState:         res.BootState,
		SlotSuffix:        res.SlotSuffix,
		Commitment:        res.Commitment,
		RollbackIndices:   res.RollbackIndices,
		BootloaderVersion: c.Version,
		BootDevices:       c.BootDevices,
		Boottime:          assemble.Boottime(c.stamps),
	}
	if part, err := c.Plat.Disk.Partition("hibernate"); err == nil {
		composer.ResumePartition = &part
	}

	out, err := composer.Compose()
	if err != nil {
		return "", nil, err
	}
	ramdisk, err := assemble.BuildRamdisk(res.Boot, res.Vendor, out.Bootconfig)
	if err != nil {
		return "", nil, err
	}
	return out.Cmdline, ramdisk, nil
}

// prepareEspImage boots an image file straight off the ESP.  No
// signature chain exists for it, so the path is only open to unlocked
// devices and the boot state is orange.
func (c *Context) prepareEspImage(target bootloader.BootTarget) (*Prepared, error) {
	img, err := c.LoadEspImage(target.Path)
	if err != nil {
		return nil, err
	}
	if err := c.State.Seal(); err != nil {
		log.Warnf("sealing state store: %v", err)
	}

	res := &avb.Result{BootState: bootloader.StateOrange, Boot: img}
	cmdline, ramdisk, err := c.assemble(res)
	if err != nil {
		return nil, err
	}
	return &Prepared{Target: target, Result: res, Ramdisk: ramdisk, Cmdline: cmdline}, nil
}

// LoadEspImage loads a boot image from the ESP for the esp-bootimage
// target.  Unsigned ESP images only fly on unlocked devices.
func (c *Context) LoadEspImage(path string) (*bootimg.BootImage, error) {
	lockState, err := c.State.ReadLockState()
	if err != nil {
		lockState = bootloader.DefaultLockState(c.Plat.Variant)
	}
	if lockState != bootloader.Unlocked {
		return nil, fmt.Errorf("ESP boot image on a locked device: %w",
			bootloader.ErrPolicyViolation)
	}
	data, err := c.Plat.Esp.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return bootimg.Parse(data, uint64(len(data)))
}
