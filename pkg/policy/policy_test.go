package policy

import (
	"testing"
	"time"

	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
	"github.com/project-machine/osloader/pkg/slot"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	plat  *platform.Platform
	slots *slot.Manager
	pol   *Policy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := platform.NewMemBlockStore(1 << 20)
	store.AddPartition(slot.MiscPartition, 4096, 64*1024)
	slots, err := slot.NewManager(store)
	require.NoError(t, err)

	plat := &platform.Platform{
		Disk:    store,
		Vars:    platform.NewMemVars(),
		Clock:   &platform.FixedClock{Wall: time.Unix(1000000, 0), Step: 10},
		Prompt:  &platform.RecordingPrompt{CrashAnswer: bootloader.Target(bootloader.Fastboot)},
		Reset:   platform.StaticReset{Wake: platform.WakePowerButtonPressed},
		Console: &platform.ScriptedConsole{},
		Battery: platform.StaticBattery{},
		Esp:     platform.NewMemEsp(),
		Variant: bootloader.VariantUser,
	}
	return &fixture{plat: plat, slots: slots, pol: &Policy{Plat: plat, Slots: slots}}
}

func TestDefaultIsNormalBoot(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
}

func TestDecisionIsDeterministic(t *testing.T) {
	f := newFixture(t)
	first := f.pol.Decide()
	for i := 0; i < 5; i++ {
		require.Equal(t, first, f.pol.Decide())
	}
}

func TestForceFastbootFlagWinsOverEverything(t *testing.T) {
	f := newFixture(t)
	f.pol.Flags.ForceFastboot = true
	// even with a BCB recovery request pending
	require.NoError(t, slot.WriteBCB(f.plat.Disk, &slot.BCB{Command: "boot-recovery"}))
	require.Equal(t, bootloader.Fastboot, f.pol.Decide().Kind)
}

func TestFwBootModeTarget(t *testing.T) {
	f := newFixture(t)
	f.pol.Flags.HasFwBootMode = true
	f.pol.Flags.FwBootMode = 0x03
	require.Equal(t, bootloader.Charger, f.pol.Decide().Kind)

	f2 := newFixture(t)
	f2.pol.Flags.HasFwBootMode = true
	f2.pol.Flags.FwBootMode = fwBootSecure | 0x00
	require.Equal(t, bootloader.NormalBoot, f2.pol.Decide().Kind)
	require.True(t, f2.pol.Flags.SecureBoot())
}

func TestFastbootSentinelFile(t *testing.T) {
	f := newFixture(t)
	f.plat.Esp.(*platform.MemEsp).Files[platform.FastbootSentinel] = []byte{}
	require.Equal(t, bootloader.Fastboot, f.pol.Decide().Kind)
}

func TestMagicKeyHeld(t *testing.T) {
	f := newFixture(t)
	f.plat.Console = &platform.ScriptedConsole{
		Keys: []platform.Key{platform.KeyVolumeDown},
		Held: map[platform.Key]bool{platform.KeyVolumeDown: true},
	}
	require.Equal(t, bootloader.Fastboot, f.pol.Decide().Kind)
}

func TestMagicKeyTappedFallsThrough(t *testing.T) {
	f := newFixture(t)
	f.plat.Console = &platform.ScriptedConsole{
		Keys: []platform.Key{platform.KeyVolumeDown},
	}
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
}

func TestBCBOneShotRecovery(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, slot.WriteBCB(f.plat.Disk, &slot.BCB{Command: "bootonce-recovery"}))

	require.Equal(t, bootloader.Recovery, f.pol.Decide().Kind)

	// next boot starts with a cleared BCB
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
	bcb, err := slot.ReadBCB(f.plat.Disk)
	require.NoError(t, err)
	require.Equal(t, "", bcb.Command)
}

func TestBCBFastbootCanonicalizesToRecovery(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, slot.WriteBCB(f.plat.Disk, &slot.BCB{Command: "boot-fastboot"}))
	require.Equal(t, bootloader.Recovery, f.pol.Decide().Kind)
}

func TestBCBEspPaths(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, slot.WriteBCB(f.plat.Disk, &slot.BCB{Command: "\\EFI\\tools\\shell.efi"}))
	got := f.pol.Decide()
	require.Equal(t, bootloader.EspEfiBinary, got.Kind)
	require.Equal(t, "\\EFI\\tools\\shell.efi", got.Path)
}

func TestOneShotVariable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.plat.SetVarString(platform.NSLoader, platform.VarEntryOneShot, "recovery"))

	require.Equal(t, bootloader.Recovery, f.pol.Decide().Kind)
	// consumed on read
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
}

func TestOneShotVerityCorrupted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.plat.SetVarString(platform.NSLoader, platform.VarEntryOneShot,
		"dm-verity device corrupted"))

	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
	active := f.slots.ActiveSlot()
	require.True(t, f.slots.Metadata().Slots[active].VerityCorrupted)
}

func TestOneShotChargerCollapsesToPowerOff(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.plat.SetVarString(platform.NSFastboot, platform.VarOffModeCharge, "0"))
	require.NoError(t, f.plat.SetVarString(platform.NSLoader, platform.VarEntryOneShot, "charging"))
	require.Equal(t, bootloader.PowerOff, f.pol.Decide().Kind)
}

func TestBatteryInsertedPowerOff(t *testing.T) {
	f := newFixture(t)
	f.plat.Reset = platform.StaticReset{Wake: platform.WakeBatteryInserted}
	require.NoError(t, f.plat.SetVarString(platform.NSFastboot, platform.VarOffModeCharge, "0"))
	require.Equal(t, bootloader.PowerOff, f.pol.Decide().Kind)

	// with off-mode charging enabled the wake is unremarkable
	require.NoError(t, f.plat.SetVarString(platform.NSFastboot, platform.VarOffModeCharge, "1"))
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
}

func TestLowBattery(t *testing.T) {
	f := newFixture(t)
	f.plat.Battery = platform.StaticBattery{Low: true, Plugged: true}
	require.Equal(t, bootloader.Charger, f.pol.Decide().Kind)
	require.Equal(t, 1, f.plat.Prompt.(*platform.RecordingPrompt).LowShown)

	f.plat.Battery = platform.StaticBattery{Low: true, Plugged: false}
	require.Equal(t, bootloader.PowerOff, f.pol.Decide().Kind)
	require.Equal(t, 1, f.plat.Prompt.(*platform.RecordingPrompt).EmptyShown)
}

func TestChargerWake(t *testing.T) {
	f := newFixture(t)
	f.plat.Reset = platform.StaticReset{Wake: platform.WakeUsbChargerInserted}
	require.Equal(t, bootloader.Charger, f.pol.Decide().Kind)
}

func TestWatchdogStorm(t *testing.T) {
	f := newFixture(t)
	f.plat.Reset = platform.StaticReset{
		Wake: platform.WakePowerButtonPressed,
		Src:  platform.ResetKernelWatchdog,
	}
	clock := f.plat.Clock.(*platform.FixedClock)

	// two watchdog resets within the window: still normal boots
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
	clock.Wall = clock.Wall.Add(30 * time.Second)
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)

	// the third crosses the threshold and raises the crash menu,
	// which our prompt answers with fastboot
	clock.Wall = clock.Wall.Add(30 * time.Second)
	require.Equal(t, bootloader.Fastboot, f.pol.Decide().Kind)
	require.Equal(t, 1, f.plat.Prompt.(*platform.RecordingPrompt).CrashAsked)

	// the storm counter was reset
	s, _ := f.plat.GetVarString(platform.NSFastboot, platform.VarWatchdogCounter)
	require.Equal(t, "0", s)
}

func TestWatchdogWindowExpiry(t *testing.T) {
	f := newFixture(t)
	f.plat.Reset = platform.StaticReset{Src: platform.ResetPmicWatchdog}
	clock := f.plat.Clock.(*platform.FixedClock)

	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)

	// a quiet spell resets the storm accounting
	clock.Wall = clock.Wall.Add(WatchdogDelay + time.Minute)
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
}

func TestBCBCorruptionDegradesToNormalBoot(t *testing.T) {
	f := newFixture(t)
	// no misc partition at all
	f.plat.Disk = platform.NewMemBlockStore(1 << 20)
	require.Equal(t, bootloader.NormalBoot, f.pol.Decide().Kind)
}

// escalating signals may only move the decision upward
func TestMonotonicEscalation(t *testing.T) {
	base := newFixture(t)
	before := bootloader.EscalationRank(base.pol.Decide())

	withSentinel := newFixture(t)
	withSentinel.plat.Esp.(*platform.MemEsp).Files[platform.FastbootSentinel] = []byte{}
	require.GreaterOrEqual(t, bootloader.EscalationRank(withSentinel.pol.Decide()), before)

	withBCB := newFixture(t)
	require.NoError(t, slot.WriteBCB(withBCB.plat.Disk, &slot.BCB{Command: "boot-recovery"}))
	require.GreaterOrEqual(t, bootloader.EscalationRank(withBCB.pol.Decide()), before)

	withKey := newFixture(t)
	withKey.plat.Console = &platform.ScriptedConsole{
		Keys: []platform.Key{platform.KeyVolumeDown},
		Held: map[platform.Key]bool{platform.KeyVolumeDown: true},
	}
	require.GreaterOrEqual(t, bootloader.EscalationRank(withKey.pol.Decide()), before)
}

func TestParseFlags(t *testing.T) {
	f := ParseFlags([]string{"-f", "reset=thermal", "fw.boot=0x22", "boot_target=CRASHMODE", "bogus"})
	require.True(t, f.ForceFastboot)
	require.Equal(t, "thermal", f.ResetReason)
	require.True(t, f.HasFwBootMode)
	require.Equal(t, uint32(0x22), f.FwBootMode)
	require.True(t, f.SecureBoot())
	require.True(t, f.CrashMode)
}
