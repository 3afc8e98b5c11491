package main

import (
	"encoding/hex"
	"fmt"

	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/urfave/cli"
)

var verifyCmd = cli.Command{
	Name:   "verify",
	Usage:  "verify the active slot and report the boot state",
	Action: doVerify,
}

func doVerify(c *cli.Context) error {
	ctx, _, err := newContext(c)
	if err != nil {
		return err
	}

	res, err := ctx.Verifier.VerifyBoot(bootloader.Target(bootloader.NormalBoot))
	if err != nil {
		fmt.Printf("state: %s\n", bootloader.StateRed.Sprint())
		return err
	}
	fmt.Printf("slot:   %s\n", res.SlotSuffix)
	fmt.Printf("state:  %s\n", res.BootState.Sprint())
	fmt.Printf("vbmeta: %s\n", hex.EncodeToString(res.VBMetaDigest[:]))
	return nil
}
