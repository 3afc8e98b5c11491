package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"
)

// Profile describes the device this loader runs on.
type Profile struct {
	// Disk is the boot disk or image; empty means scan for one.
	Disk string `yaml:"disk"`
	// Variant is user or userdebug.
	Variant string `yaml:"variant"`
	// EmbeddedKey is the PEM public key the trust chain roots at.
	EmbeddedKey string `yaml:"embedded_key"`
	// EspDir is where the EFI system partition is mounted.
	EspDir string `yaml:"esp"`
	// SecureBoot is the platform secure boot state.
	SecureBoot bool `yaml:"secure_boot"`
	// BootDevices is the androidboot.boot_devices PCI encoding.
	BootDevices string `yaml:"boot_devices"`
	// TeeRegion, when set, routes device state to the hypervisor
	// peer behind this shared memory device.
	TeeRegion string `yaml:"tee_region"`
}

func loadProfile(c *cli.Context) (*Profile, error) {
	path := c.GlobalString("profile")
	content, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed reading profile %s", path)
	}
	p := &Profile{}
	if err := yaml.Unmarshal(content, p); err != nil {
		return nil, errors.Wrapf(err, "Failed parsing profile %s", path)
	}
	return p, nil
}

func (p *Profile) variant() bootloader.Variant {
	if p.Variant == "userdebug" {
		return bootloader.VariantUserdebug
	}
	return bootloader.VariantUser
}

func (p *Profile) rootKey() (*rsa.PublicKey, error) {
	content, err := ioutil.ReadFile(p.EmbeddedKey)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed reading embedded key %s", p.EmbeddedKey)
	}
	block, _ := pem.Decode(content)
	if block == nil {
		return nil, fmt.Errorf("embedded key %s is not PEM", p.EmbeddedKey)
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed parsing embedded key %s", p.EmbeddedKey)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("embedded key %s is not RSA", p.EmbeddedKey)
	}
	return rsaKey, nil
}

// buildPlatform assembles the host platform from the profile.
func (p *Profile) buildPlatform() (*platform.Platform, error) {
	var disk *platform.DiskStore
	var err error
	if p.Disk != "" {
		disk, err = platform.OpenDiskStore(p.Disk)
	} else {
		disk, err = platform.FindBootDisk()
	}
	if err != nil {
		return nil, err
	}

	plat := &platform.Platform{
		Disk:       disk,
		Vars:       platform.EfiVars{},
		Clock:      platform.NewHostClock(),
		Rng:        platform.CryptoRng{},
		Prompt:     &consolePrompt{},
		Reset:      platform.StaticReset{Wake: platform.WakePowerButtonPressed},
		SmBios:     platform.HostSmBios{},
		Console:    platform.NullConsole{},
		Battery:    platform.StaticBattery{},
		Acpi:       platform.NullAcpi{},
		Variant:    p.variant(),
		SecureBoot: p.SecureBoot,
	}
	if p.EspDir != "" {
		plat.Esp = platform.DirEsp{Root: p.EspDir}
	}

	if tpm, err := platform.OpenDeviceTpm(); err == nil {
		plat.Tpm = tpm
	} else {
		log.Debugf("no TPM device: %v", err)
	}
	return plat, nil
}
