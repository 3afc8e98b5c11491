package main

import (
	"fmt"

	"github.com/urfave/cli"
)

var policyCmd = cli.Command{
	Name:      "policy",
	Usage:     "evaluate the boot target decision and print it",
	ArgsUsage: "[loader arguments...]",
	Action:    doPolicy,
}

func doPolicy(c *cli.Context) error {
	ctx, _, err := newContext(c)
	if err != nil {
		return err
	}
	fmt.Println(ctx.Policy.Decide())
	return nil
}
