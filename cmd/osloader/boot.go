package main

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/project-machine/osloader/pkg/boot"
	"github.com/project-machine/osloader/pkg/handover"
	"github.com/project-machine/osloader/pkg/policy"
	"github.com/urfave/cli"
)

var bootCmd = cli.Command{
	Name:      "boot",
	Usage:     "run the full boot pipeline and jump to the kernel",
	ArgsUsage: "[loader arguments...]",
	Action:    doBoot,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "dry-run",
			Usage: "stop right before the jump",
		},
	},
}

func newContext(c *cli.Context) (*boot.Context, *Profile, error) {
	profile, err := loadProfile(c)
	if err != nil {
		return nil, nil, err
	}
	key, err := profile.rootKey()
	if err != nil {
		return nil, nil, err
	}
	plat, err := profile.buildPlatform()
	if err != nil {
		return nil, nil, err
	}

	flags := policy.ParseFlags(c.Args())
	if flags.SecureBoot() {
		plat.SecureBoot = true
	}

	ctx, err := boot.NewContext(plat, key, flags)
	if err != nil {
		return nil, nil, err
	}
	ctx.Version = Version
	ctx.BootDevices = profile.BootDevices
	return ctx, profile, nil
}

func doBoot(c *cli.Context) error {
	ctx, _, err := newContext(c)
	if err != nil {
		return err
	}

	p, err := ctx.Prepare()
	if err != nil {
		var req *boot.ServiceRequest
		if errors.As(err, &req) {
			return fmt.Errorf("target %s must be serviced by its collaborator", req.Target)
		}
		return err
	}

	if c.Bool("dry-run") {
		fmt.Printf("slot:    %s\n", p.Result.SlotSuffix)
		fmt.Printf("state:   %s\n", p.Result.BootState.Sprint())
		fmt.Printf("cmdline: %s\n", p.Cmdline)
		fmt.Printf("ramdisk: %d bytes\n", len(p.Ramdisk))
		return nil
	}

	log.Infof("handing over to the kernel")
	h := &handover.Handover{
		Firmware:     &handover.HostFirmware{},
		Jumper:       &handover.KexecJumper{Kernel: p.Result.Boot.Kernel, Ramdisk: p.Ramdisk, Cmdline: p.Cmdline},
		SixtyFourBit: true,
	}
	return h.Run(&handover.Artifacts{
		Kernel:  p.Result.Boot.Kernel,
		Ramdisk: p.Ramdisk,
		Cmdline: p.Cmdline,
	})
}
