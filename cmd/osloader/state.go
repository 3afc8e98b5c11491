package main

import (
	"fmt"

	"github.com/apex/log"
	"github.com/jsipprell/keyctl"
	"github.com/project-machine/osloader/pkg/devstate"
	"github.com/urfave/cli"
)

var stateCmd = cli.Command{
	Name:  "state",
	Usage: "inspect the device state store",
	Subcommands: []cli.Command{
		{
			Name:   "show",
			Usage:  "print lock state and rollback indices",
			Action: doStateShow,
		},
		{
			Name:   "seed",
			Usage:  "read the TEE seed once and load it into the session keyring",
			Action: doStateSeed,
		},
		{
			Name:   "fuse-seed",
			Usage:  "generate and write-lock the TEE seed (provisioning only)",
			Action: doStateFuseSeed,
		},
	},
}

func doStateShow(c *cli.Context) error {
	ctx, _, err := newContext(c)
	if err != nil {
		return err
	}
	ls, err := ctx.State.ReadLockState()
	if err != nil {
		return err
	}
	fmt.Printf("lock state: %s\n", ls)
	for i := 0; i < devstate.RollbackSlots; i++ {
		v, err := ctx.State.ReadRollbackIndex(i)
		if err != nil {
			return err
		}
		fmt.Printf("rollback[%d] = %d\n", i, v)
	}
	return nil
}

// doStateSeed hands the seed to the OS the way the trusty loader
// would receive it: through the kernel keyring, never a file.
func doStateSeed(c *cli.Context) error {
	ctx, _, err := newContext(c)
	if err != nil {
		return err
	}
	seed, err := ctx.State.ReadTrustySeed()
	if err != nil {
		return err
	}
	defer func() {
		for i := range seed {
			seed[i] = 0
		}
	}()

	session, err := keyctl.SessionKeyring()
	if err != nil {
		return fmt.Errorf("getting session keyring failed: %w", err)
	}
	key, err := session.Add("osloader:tee-seed", seed)
	if err != nil {
		return fmt.Errorf("adding seed to keyring failed: %w", err)
	}
	if err := keyctl.SetPerm(key, keyctl.PermUserAll|keyctl.PermProcessAll); err != nil {
		return fmt.Errorf("seed key permissions: %w", err)
	}
	log.Infof("TEE seed loaded into session keyring")
	return nil
}

func doStateFuseSeed(c *cli.Context) error {
	ctx, _, err := newContext(c)
	if err != nil {
		return err
	}
	tpmStore, ok := ctx.State.(*devstate.TpmStore)
	if !ok {
		return fmt.Errorf("seed fusing needs the TPM state store")
	}
	return tpmStore.FuseTrustySeed()
}
