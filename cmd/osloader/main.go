package main

import (
	"os"

	"github.com/apex/log"
	"github.com/urfave/cli"
)

const Version = "0.2"

func main() {
	app := cli.NewApp()
	app.Name = "osloader"
	app.Usage = "verified A/B boot loader core"
	app.Version = Version
	app.Commands = []cli.Command{
		bootCmd,
		policyCmd,
		verifyCmd,
		slotsCmd,
		stateCmd,
		assembleCmd,
	}
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "display additional debug information",
		},
		cli.StringFlag{
			Name:  "profile",
			Usage: "device profile yaml",
			Value: "/etc/osloader/profile.yaml",
		},
	}

	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%v\n", err)
	}
}
