package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/jbodinstall/internal/disk"
	"github.com/sigreer/jbodinstall/internal/disk/lvm"
)

func rootLayout() *disk.Disks {
	ds := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 2_000_000, 512, disk.TableGPT)
	esp := disk.NewPartitionBuilder(2048, 206_847, disk.FSFat32).Mount("/boot/efi").Flag(disk.FlagESP).Build()
	root := disk.NewPartitionBuilder(206_848, 1_999_999, disk.FSExt4).Mount("/").Build()
	if err := d.AddPartition(esp); err != nil {
		panic(err)
	}
	if err := d.AddPartition(root); err != nil {
		panic(err)
	}
	ds.AddDisk(d)
	return ds
}

func TestBuildProducesCommitAndFormatOpsForFreshLayout(t *testing.T) {
	intended := rootLayout()
	for _, p := range intended.Disks[0].Partitions {
		p.Format = true
		p.FormatWith = p.Filesystem
	}

	plan, err := Build(nil, intended, nil, nil, BootModeEFI)
	require.NoError(t, err)

	var sawCommit, sawCreate, sawFormat bool
	for _, op := range plan.Ops {
		switch op.Kind {
		case OpCommitTable:
			sawCommit = true
		case OpCreatePartition:
			sawCreate = true
		case OpFormatPartition:
			sawFormat = true
		}
	}
	assert.True(t, sawCreate, "expected a create-partition op in plan: %+v", plan.Ops)
	assert.True(t, sawCommit, "expected a commit-table op in plan: %+v", plan.Ops)
	assert.True(t, sawFormat, "expected a format-partition op in plan: %+v", plan.Ops)
}

func TestBuildRejectsMissingRootMount(t *testing.T) {
	ds := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 2_000_000, 512, disk.TableGPT)
	esp := disk.NewPartitionBuilder(2048, 206_847, disk.FSFat32).Mount("/boot/efi").Flag(disk.FlagESP).Build()
	require.NoError(t, d.AddPartition(esp))
	ds.AddDisk(d)

	_, err := Build(nil, ds, nil, nil, BootModeEFI)
	assert.Error(t, err, "expected error when no partition is mounted at /")
}

func TestBuildRejectsMissingESPInEFIMode(t *testing.T) {
	ds := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 2_000_000, 512, disk.TableGPT)
	root := disk.NewPartitionBuilder(2048, 1_999_999, disk.FSExt4).Mount("/").Build()
	require.NoError(t, d.AddPartition(root))
	ds.AddDisk(d)

	_, err := Build(nil, ds, nil, nil, BootModeEFI)
	assert.Error(t, err, "expected error when efi boot lacks an esp-flagged mount at /boot/efi")
}

func TestBuildBiosModeRequiresBiosGrubPartition(t *testing.T) {
	ds := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 2_000_000, 512, disk.TableGPT)
	root := disk.NewPartitionBuilder(2048, 1_999_999, disk.FSExt4).Mount("/").Build()
	require.NoError(t, d.AddPartition(root))
	ds.AddDisk(d)

	_, err := Build(nil, ds, nil, nil, BootModeBIOS)
	assert.Error(t, err, "expected error when bios boot lacks a bios_grub-flagged partition")

	root.Flags[disk.FlagBiosGrub] = true
	_, err = Build(nil, ds, nil, nil, BootModeBIOS)
	assert.NoError(t, err, "expected bios_grub flag to satisfy the bios boot requirement")
}

func TestBuildEmitsLuksOpsForEncryptedPhysicalVolume(t *testing.T) {
	ds := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 4_000_000, 512, disk.TableGPT)
	root := disk.NewPartitionBuilder(2048, 206_847, disk.FSExt4).Mount("/").Build()
	pv := disk.NewPartitionBuilder(206_848, 3_999_999, disk.FSNone).Build()
	pv.VolumeGroup = &disk.VolumeGroupRef{Group: "data-vg", Encryption: &disk.LuksEncryption{PhysicalVolume: "cryptdata", Password: "secret"}}
	require.NoError(t, d.AddPartition(root))
	require.NoError(t, d.AddPartition(pv))
	root.Flags[disk.FlagBiosGrub] = true
	ds.AddDisk(d)

	plan, err := Build(nil, ds, nil, nil, BootModeBIOS)
	require.NoError(t, err)

	var haveFormat, haveOpen, havePV bool
	for _, op := range plan.Ops {
		switch op.Kind {
		case OpLuksFormat:
			haveFormat = true
		case OpLuksOpen:
			haveOpen = true
		case OpPVCreate:
			if op.Device == "/dev/mapper/cryptdata" {
				havePV = true
			}
		}
	}
	assert.True(t, haveFormat, "expected a luks-format op: %+v", plan.Ops)
	assert.True(t, haveOpen, "expected a luks-open op: %+v", plan.Ops)
	assert.True(t, havePV, "expected a pvcreate op on the declared mapper device: %+v", plan.Ops)
}

func TestBuildResolvesKeyfilePathsBeforeLuksOps(t *testing.T) {
	ds := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 4_000_000, 512, disk.TableGPT)
	root := disk.NewPartitionBuilder(2048, 20_000, disk.FSExt4).Mount("/").Build()
	root.Flags[disk.FlagBiosGrub] = true
	keyPart := disk.NewPartitionBuilder(20_001, 40_000, disk.FSExt4).Mount("/boot/keys").Build()
	keyPart.KeyfileID = "key1"
	pv := disk.NewPartitionBuilder(40_001, 3_999_999, disk.FSNone).Build()
	pv.VolumeGroup = &disk.VolumeGroupRef{Group: "data-vg", Encryption: &disk.LuksEncryption{KeydataID: "key1"}}

	for _, p := range []*disk.Partition{root, keyPart, pv} {
		require.NoError(t, d.AddPartition(p))
	}
	ds.AddDisk(d)

	_, err := Build(nil, ds, nil, nil, BootModeBIOS)
	require.NoError(t, err)
	assert.Equal(t, keyPart.DevicePath, pv.VolumeGroup.Encryption.KeyDevicePath)
	assert.Equal(t, "/boot/keys", pv.VolumeGroup.Encryption.KeyMountPath)
}

func TestLvmOpsRemovalsBeforeCreatesBeforeFormats(t *testing.T) {
	baseline := lvm.New("data-vg", 512)
	baseline.AddPhysicalVolume(disk.NewPartitionBuilder(2048, 1_002_047, disk.FSNone).Build())
	_, err := baseline.AddLogicalVolume("stale", 100_000, disk.FSExt4)
	require.NoError(t, err)

	current := lvm.New("data-vg", 512)
	current.IsSource = true
	pv := disk.NewPartitionBuilder(2048, 1_002_047, disk.FSNone).Build()
	current.AddPhysicalVolume(pv)
	_, err = current.AddLogicalVolume("fresh", 200_000, disk.FSExt4)
	require.NoError(t, err)

	ops := lvmOps(current, current.Diff(baseline))
	require.GreaterOrEqual(t, len(ops), 2, "expected at least a removal and a creation, got %+v", ops)
	assert.Equal(t, OpRemoveLogicalVolume, ops[0].Kind, "ops[0] should be remove-logical-volume first")

	lastKind := ops[len(ops)-1].Kind
	assert.Truef(t, lastKind == OpCreateLogicalVolume || lastKind == OpFormatLogicalVolume,
		"expected the last op to be a creation or format, got %+v", ops[len(ops)-1])
}
