package boot

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/project-machine/osloader/pkg/avb"
	"github.com/project-machine/osloader/pkg/bootimg"
	"github.com/project-machine/osloader/pkg/bootloader"
	"github.com/project-machine/osloader/pkg/platform"
	"github.com/project-machine/osloader/pkg/policy"
	"github.com/project-machine/osloader/pkg/slot"
	"github.com/stretchr/testify/require"
)

var testKey *rsa.PrivateKey

func init() {
	var err error
	testKey, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
}

func testPlatform(t *testing.T) *platform.Platform {
	t.Helper()
	store := platform.NewMemBlockStore(64 << 20)
	off := uint64(4096)
	for _, label := range []string{"misc", "boot_a", "boot_b", "vbmeta_a", "vbmeta_b"} {
		store.AddPartition(label, off, 4<<20)
		off += 4 << 20
	}
	return &platform.Platform{
		Disk:    store,
		Vars:    platform.NewMemVars(),
		Clock:   &platform.FixedClock{Wall: time.Unix(1700000000, 0), Step: 500},
		Prompt:  &platform.RecordingPrompt{},
		Reset:   platform.StaticReset{Wake: platform.WakePowerButtonPressed},
		Console: &platform.ScriptedConsole{},
		Battery: platform.StaticBattery{},
		SmBios:  platform.StaticSmBios{Serial: "TESTSER1234"},
		Esp:     platform.NewMemEsp(),
		Acpi:    platform.NullAcpi{},
		Variant: bootloader.VariantUser,
	}
}

func signSlot(t *testing.T, plat *platform.Platform, suffix string, rollback uint64) {
	t.Helper()
	img := &bootimg.BootImage{
		HeaderVersion: 2,
		PageSize:      2048,
		Kernel:        []byte("kernel"),
		Ramdisk:       []byte("ramdisk"),
		Cmdline:       "console=ttyS0 ro",
	}
	blob := img.Encode()
	p, err := plat.Disk.Partition("boot" + suffix)
	require.NoError(t, err)
	require.NoError(t, plat.Disk.WriteAt(p.Start, blob))

	b := &avb.Builder{RollbackIndex: rollback}
	b.AddHashedPartition("boot", []byte("salt"), blob)
	meta, err := b.Sign(testKey)
	require.NoError(t, err)
	vp, err := plat.Disk.Partition(avb.VBMetaPartition + suffix)
	require.NoError(t, err)
	require.NoError(t, plat.Disk.WriteAt(vp.Start, meta))
}

func TestColdNormalBootGreen(t *testing.T) {
	plat := testPlatform(t)
	signSlot(t, plat, "_a", 0)
	signSlot(t, plat, "_b", 0)

	ctx, err := NewContext(plat, &testKey.PublicKey, policy.Flags{})
	require.NoError(t, err)

	p, err := ctx.Prepare()
	require.NoError(t, err)
	require.Equal(t, bootloader.NormalBoot, p.Target.Kind)
	require.Equal(t, bootloader.StateGreen, p.Result.BootState)
	require.Equal(t, "_a", p.Result.SlotSuffix)
	require.Contains(t, p.Cmdline, "androidboot.slot_suffix=_a")
	require.Contains(t, p.Cmdline, "androidboot.verifiedbootstate=green")
	require.Contains(t, p.Cmdline, "androidboot.bootreason=power_button_pressed")
	require.Contains(t, p.Cmdline, "androidboot.vbmeta.rollback_index_0=0")
	require.Contains(t, p.Cmdline, "androidboot.boottime=")
	require.Equal(t, []byte("ramdisk"), p.Ramdisk)

	// a boot attempt was burned on the unsuccessful slot
	require.Equal(t, uint8(slot.MaxTries-1), ctx.Slots.Metadata().Slots[0].TriesRemaining)

	// the state store was sealed strictly after rollback commit
	err = ctx.State.WriteRollbackIndex(0, 1)
	require.True(t, errors.Is(err, bootloader.ErrAccessDenied))
}

func TestEnrolledUserKeyBootsYellow(t *testing.T) {
	plat := testPlatform(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	img := &bootimg.BootImage{HeaderVersion: 2, PageSize: 2048, Kernel: []byte("k"), Ramdisk: []byte("r")}
	blob := img.Encode()
	p, err := plat.Disk.Partition("boot_a")
	require.NoError(t, err)
	require.NoError(t, plat.Disk.WriteAt(p.Start, blob))
	b := &avb.Builder{}
	b.AddHashedPartition("boot", []byte("salt"), blob)
	meta, err := b.Sign(other)
	require.NoError(t, err)
	vp, err := plat.Disk.Partition("vbmeta_a")
	require.NoError(t, err)
	require.NoError(t, plat.Disk.WriteAt(vp.Start, meta))

	// enrolled through the fastboot namespace, picked up by NewContext
	require.NoError(t, plat.Vars.Set(platform.NSFastboot, platform.VarUserKey,
		avb.KeyDigest(&other.PublicKey), false))

	ctx, err := NewContext(plat, &testKey.PublicKey, policy.Flags{})
	require.NoError(t, err)
	prep, err := ctx.Prepare()
	require.NoError(t, err)
	require.Equal(t, bootloader.StateYellow, prep.Result.BootState)

	// without the enrollment the same image is red
	plat2 := testPlatform(t)
	require.NoError(t, plat2.Disk.WriteAt(p.Start, blob))
	require.NoError(t, plat2.Disk.WriteAt(vp.Start, meta))
	ctx2, err := NewContext(plat2, &testKey.PublicKey, policy.Flags{})
	require.NoError(t, err)
	_, err = ctx2.Prepare()
	require.True(t, errors.Is(err, bootloader.ErrIntegrity))
}

func TestFastbootTargetIsServiceRequest(t *testing.T) {
	plat := testPlatform(t)
	signSlot(t, plat, "_a", 0)

	ctx, err := NewContext(plat, &testKey.PublicKey, policy.Flags{ForceFastboot: true})
	require.NoError(t, err)

	_, err = ctx.Prepare()
	var req *ServiceRequest
	require.True(t, errors.As(err, &req))
	require.Equal(t, bootloader.Fastboot, req.Target.Kind)
}

func TestRollbackRefusedAndSurfaced(t *testing.T) {
	plat := testPlatform(t)
	signSlot(t, plat, "_a", 1)
	signSlot(t, plat, "_b", 1)

	ctx, err := NewContext(plat, &testKey.PublicKey, policy.Flags{})
	require.NoError(t, err)
	require.NoError(t, ctx.State.WriteRollbackIndex(0, 5))

	_, err = ctx.Prepare()
	require.True(t, errors.Is(err, bootloader.ErrIntegrity))
	prompt := plat.Prompt.(*platform.RecordingPrompt)
	require.NotEmpty(t, prompt.Errors)
}

func TestRollbackAdvanceCommittedBeforeSeal(t *testing.T) {
	plat := testPlatform(t)
	signSlot(t, plat, "_a", 4)
	signSlot(t, plat, "_b", 4)

	ctx, err := NewContext(plat, &testKey.PublicKey, policy.Flags{})
	require.NoError(t, err)

	_, err = ctx.Prepare()
	require.NoError(t, err)

	v, err := ctx.State.ReadRollbackIndex(0)
	require.NoError(t, err)
	require.Equal(t, uint64(4), v)
}

func TestEspImageRefusedWhenLocked(t *testing.T) {
	plat := testPlatform(t)
	signSlot(t, plat, "_a", 0)
	img := &bootimg.BootImage{HeaderVersion: 2, PageSize: 2048, Kernel: []byte("k")}
	plat.Esp.(*platform.MemEsp).Files["\\esp\\test.img"] = img.Encode()

	ctx, err := NewContext(plat, &testKey.PublicKey, policy.Flags{})
	require.NoError(t, err)
	_, err = ctx.LoadEspImage("\\esp\\test.img")
	require.True(t, errors.Is(err, bootloader.ErrPolicyViolation))

	// unlock and it parses
	require.NoError(t, ctx.State.WriteLockState(bootloader.Unlocked))
	got, err := ctx.LoadEspImage("\\esp\\test.img")
	require.NoError(t, err)
	require.Equal(t, []byte("k"), got.Kernel)
}
