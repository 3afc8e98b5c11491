package main

import (
	"fmt"
	"strconv"

	"github.com/project-machine/osloader/pkg/slot"
	"github.com/urfave/cli"
)

var slotsCmd = cli.Command{
	Name:  "slots",
	Usage: "inspect and edit the A/B slot metadata",
	Subcommands: []cli.Command{
		{
			Name:   "status",
			Usage:  "print the slot records",
			Action: doSlotStatus,
		},
		{
			Name:      "set-active",
			Usage:     "make a slot the preferred one",
			ArgsUsage: "<index>",
			Action:    doSlotSetActive,
		},
		{
			Name:      "disable",
			Usage:     "permanently disable a slot",
			ArgsUsage: "<index>",
			Action:    doSlotDisable,
		},
	},
}

func slotManager(c *cli.Context) (*slot.Manager, error) {
	profile, err := loadProfile(c)
	if err != nil {
		return nil, err
	}
	plat, err := profile.buildPlatform()
	if err != nil {
		return nil, err
	}
	return slot.NewManager(plat.Disk)
}

func slotArg(c *cli.Context) (int, error) {
	if len(c.Args()) != 1 {
		return -1, fmt.Errorf("expected exactly one slot index")
	}
	idx, err := strconv.Atoi(c.Args()[0])
	if err != nil {
		return -1, fmt.Errorf("slot index %q is not a number", c.Args()[0])
	}
	return idx, nil
}

func doSlotStatus(c *cli.Context) error {
	mgr, err := slotManager(c)
	if err != nil {
		return err
	}
	md := mgr.Metadata()
	active := mgr.ActiveSlot()
	for i, s := range md.Slots {
		marker := " "
		if i == active {
			marker = "*"
		}
		fmt.Printf("%s %s priority=%d tries=%d successful=%v verity_corrupted=%v\n",
			marker, s.Suffix, s.Priority, s.TriesRemaining, s.Successful, s.VerityCorrupted)
	}
	fmt.Printf("  recovery tries remaining: %d\n", md.RecoveryTriesRemaining)
	return nil
}

func doSlotSetActive(c *cli.Context) error {
	mgr, err := slotManager(c)
	if err != nil {
		return err
	}
	idx, err := slotArg(c)
	if err != nil {
		return err
	}
	return mgr.SetActive(idx)
}

func doSlotDisable(c *cli.Context) error {
	mgr, err := slotManager(c)
	if err != nil {
		return err
	}
	idx, err := slotArg(c)
	if err != nil {
		return err
	}
	return mgr.MarkBootFailed(idx)
}
