package main

import (
	"fmt"

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/project-machine/osloader/pkg/bootloader"
	"golang.org/x/sys/unix"
)

// consolePrompt is the host stand-in for the device UI: it logs what
// the splash would show and answers menus with safe defaults.
type consolePrompt struct{}

func (consolePrompt) ChooseCrashTarget() bootloader.BootTarget {
	log.Warnf("crash event menu: defaulting to normal boot")
	return bootloader.Target(bootloader.NormalBoot)
}

func (consolePrompt) ChooseBootTarget(reasonCode uint32) bootloader.BootTarget {
	return bootloader.Target(bootloader.NormalBoot)
}

func (consolePrompt) DisplayLowBattery() {
	fmt.Println(color.YellowString("battery low, connect a charger"))
}

func (consolePrompt) DisplayEmptyBattery() {
	fmt.Println(color.RedString("battery empty"))
}

func (consolePrompt) BootError(state bootloader.BootState, msg string) {
	fmt.Printf("%s: %s\n", state.Sprint(), msg)
}

func (consolePrompt) Reboot(target bootloader.BootTarget) error {
	log.Infof("cold reset requested towards %s", target)
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}
