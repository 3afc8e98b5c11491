package assemble

import (
	"strings"
	"testing"

	"github.com/project-machine/osloader/pkg/bootimg"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
	"github.com/stretchr/testify/require"
)

func testPlatform() *platform.Platform {
	return &platform.Platform{
		Vars:   platform.NewMemVars(),
		SmBios: platform.StaticSmBios{Serial: "DEV42SERIAL"},
		Reset: platform.StaticReset{
			Wake: platform.WakePowerButtonPressed,
			Src:  platform.ResetNotApplicable,
		},
		Variant: bootloader.VariantUser,
	}
}

func TestComposeColdNormalBoot(t *testing.T) {
	c := &Composer{
		Plat:       testPlatform(),
		Boot:       &bootimg.BootImage{HeaderVersion: 2, Cmdline: "console=ttyS0,115200 ro"},
		BootState:  bootloader.StateGreen,
		SlotSuffix: "_a",
		Commitment: "androidboot.vbmeta.device_state=locked",
	}
	out, err := c.Compose()
	require.NoError(t, err)

	require.Contains(t, out.Cmdline, "androidboot.slot_suffix=_a")
	require.Contains(t, out.Cmdline, "androidboot.verifiedbootstate=green")
	require.Contains(t, out.Cmdline, "androidboot.bootreason=power_button_pressed")
	require.Contains(t, out.Cmdline, "androidboot.serialno=dev42serial")
	require.Contains(t, out.Cmdline, "g_ffs.iSerialNumber=dev42serial")
	require.Contains(t, out.Cmdline, "androidboot.vbmeta.device_state=locked")
	require.True(t, strings.HasPrefix(out.Cmdline, "console=ttyS0,115200 ro "),
		"image cmdline must come first: %q", out.Cmdline)
	require.Empty(t, out.Bootconfig)
}

func TestComposeRollbackIndices(t *testing.T) {
	c := &Composer{
		Plat:            testPlatform(),
		Boot:            &bootimg.BootImage{HeaderVersion: 2, Cmdline: "ro"},
		SlotSuffix:      "_a",
		RollbackIndices: map[int]uint64{2: 9, 0: 4},
	}
	out, err := c.Compose()
	require.NoError(t, err)

	// locations come out sorted, right after the slot suffix
	require.Contains(t, out.Cmdline,
		"androidboot.slot_suffix=_a androidboot.vbmeta.rollback_index_0=4 androidboot.vbmeta.rollback_index_2=9")
}

func TestComposeIsIdempotent(t *testing.T) {
	c := &Composer{
		Plat:            testPlatform(),
		Boot:            &bootimg.BootImage{HeaderVersion: 2, Cmdline: "ro"},
		BootState:       bootloader.StateGreen,
		RollbackIndices: map[int]uint64{0: 1, 1: 2, 3: 5},
	}
	a, err := c.Compose()
	require.NoError(t, err)
	b, err := c.Compose()
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestComposeVendorCmdlineAppended(t *testing.T) {
	c := &Composer{
		Plat:   testPlatform(),
		Boot:   &bootimg.BootImage{HeaderVersion: 3, Cmdline: "ro"},
		Vendor: &bootimg.VendorBootImage{HeaderVersion: 3, Cmdline: "androidboot.hardware=generic"},
	}
	out, err := c.Compose()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out.Cmdline, "ro androidboot.hardware=generic"))
}

func TestComposeConsoleDedup(t *testing.T) {
	plat := testPlatform()
	require.NoError(t, plat.SetVarString(platform.NSLoader, platform.VarSerialPort, "ttyS1,115200"))

	// image already names a ttyS console: ours must not be added
	c := &Composer{
		Plat: plat,
		Boot: &bootimg.BootImage{HeaderVersion: 2, Cmdline: "console=ttyS0"},
	}
	out, err := c.Compose()
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(out.Cmdline, "console="))

	// no console in the image: ours is appended
	c.Boot = &bootimg.BootImage{HeaderVersion: 2, Cmdline: "ro"}
	out, err = c.Compose()
	require.NoError(t, err)
	require.Contains(t, out.Cmdline, "console=ttyS1,115200")
}

func TestComposeV4MovesAndroidbootToBootconfig(t *testing.T) {
	c := &Composer{
		Plat:       testPlatform(),
		Boot:       &bootimg.BootImage{HeaderVersion: 4, Cmdline: "ro quiet"},
		Vendor:     &bootimg.VendorBootImage{HeaderVersion: 4},
		BootState:  bootloader.StateGreen,
		SlotSuffix: "_b",
	}
	out, err := c.Compose()
	require.NoError(t, err)

	require.NotContains(t, out.Cmdline, "androidboot.")
	require.Contains(t, out.Cmdline, "ro quiet")
	require.Contains(t, out.Bootconfig, "androidboot.slot_suffix=_b")
	require.Contains(t, out.Bootconfig, "androidboot.verifiedbootstate=green")
}

func TestComposeUserdebugCmdlineVars(t *testing.T) {
	plat := testPlatform()
	plat.Variant = bootloader.VariantUserdebug
	require.NoError(t, plat.SetVarString(platform.NSLoader, platform.VarCmdlinePrepend, "early=1"))
	require.NoError(t, plat.SetVarString(platform.NSLoader, platform.VarCmdlineAppend, "late=1"))

	c := &Composer{Plat: plat, Boot: &bootimg.BootImage{HeaderVersion: 2, Cmdline: "mid=1"}}
	out, err := c.Compose()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out.Cmdline, "early=1 mid=1 late=1"))

	// on user builds the variables are ignored
	plat2 := testPlatform()
	require.NoError(t, plat2.SetVarString(platform.NSLoader, platform.VarCmdlineAppend, "late=1"))
	c2 := &Composer{Plat: plat2, Boot: &bootimg.BootImage{HeaderVersion: 2, Cmdline: "mid=1"}}
	out2, err := c2.Compose()
	require.NoError(t, err)
	require.NotContains(t, out2.Cmdline, "late=1")
}

func TestBootReasonOverride(t *testing.T) {
	plat := testPlatform()
	plat.Reset = platform.StaticReset{Src: platform.ResetOsInitiated}
	require.NoError(t, plat.SetVarString(platform.NSLoader, platform.VarEntryRebootReason, "shutdown_thermal"))
	require.Equal(t, "shutdown_thermal", BootReason(plat))

	// the saved reason only applies to os_initiated resets
	plat.Reset = platform.StaticReset{Src: platform.ResetKernelWatchdog}
	require.Equal(t, "watchdog", BootReason(plat))

	// and malformed saved reasons are ignored
	plat.Reset = platform.StaticReset{Src: platform.ResetOsInitiated}
	require.NoError(t, plat.SetVarString(platform.NSLoader, platform.VarEntryRebootReason, "bad reason!"))
	require.Equal(t, "os_initiated", BootReason(plat))
}

func TestBoottimeFormat(t *testing.T) {
	s := Boottime([]Stamp{{"firmware", 120}, {"loader", 340}})
	require.Equal(t, "firmware:120,loader:340", s)
}
