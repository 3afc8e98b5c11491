package main

import (
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
	"github.com/project-machine/osloader/pkg/assemble"
	"github.com/project-machine/osloader/pkg/bootimg"
	"github.com/urfave/cli"
)

var assembleCmd = cli.Command{
	Name:   "assemble",
	Usage:  "assemble the ramdisk from boot and vendor_boot image files",
	Action: doAssemble,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "boot",
			Usage: "boot image file",
		},
		cli.StringFlag{
			Name:  "vendor-boot",
			Usage: "vendor boot image file (v3+)",
		},
		cli.StringFlag{
			Name:  "out",
			Usage: "where to write the combined ramdisk",
			Value: "ramdisk.img",
		},
		cli.StringSliceFlag{
			Name:  "bootconfig",
			Usage: "extra bootconfig key=value entries (v4)",
		},
	},
}

func doAssemble(c *cli.Context) error {
	if c.String("boot") == "" {
		return fmt.Errorf("--boot is required")
	}
	raw, err := ioutil.ReadFile(c.String("boot"))
	if err != nil {
		return errors.Wrap(err, "Failed reading boot image")
	}
	img, err := bootimg.Parse(raw, uint64(len(raw)))
	if err != nil {
		return err
	}

	var vendor *bootimg.VendorBootImage
	if path := c.String("vendor-boot"); path != "" {
		vraw, err := ioutil.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "Failed reading vendor boot image")
		}
		vendor, err = bootimg.ParseVendorBoot(vraw, uint64(len(vraw)))
		if err != nil {
			return err
		}
	}

	ramdisk, err := assemble.BuildRamdisk(img, vendor, c.StringSlice("bootconfig"))
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(c.String("out"), ramdisk, 0644); err != nil {
		return errors.Wrap(err, "Failed writing ramdisk")
	}
	fmt.Printf("wrote %d bytes to %s\n", len(ramdisk), c.String("out"))
	return nil
}
