package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/jbodinstall/internal/disk"
	"github.com/sigreer/jbodinstall/internal/disk/lvm"
)

func baseIntended() *disk.Disks {
	ds := disk.NewDisks()
	ds.AddDisk(disk.NewDisk("/dev/sda", 4_000_000, 512, disk.TableGPT))
	return ds
}

func TestApplyLayoutMklabelThenNewOrder(t *testing.T) {
	intended := baseIntended()
	f := layoutFlags{
		mklabels: []string{"/dev/sda:gpt"},
		newParts: []string{"/dev/sda:primary:2048:206847:fat32:mount=/boot/efi:flags=esp"},
	}
	groups, err := applyLayout(intended, f)
	require.NoError(t, err)
	assert.Empty(t, groups, "expected no lvm groups")

	d := intended.GetDisk("/dev/sda")
	require.Len(t, d.Partitions, 1)
	p := d.Partitions[0]
	assert.Equal(t, "/boot/efi", p.MountTarget)
	assert.True(t, p.FlagSet(disk.FlagESP))
}

func TestApplyNewRejectsUnknownDevice(t *testing.T) {
	intended := baseIntended()
	err := applyNew(intended, "/dev/nonexistent:primary:2048:206847:ext4")
	assert.Error(t, err, "expected an error for an unknown device")
}

func TestApplyNewRejectsTooFewFields(t *testing.T) {
	intended := baseIntended()
	assert.Error(t, applyNew(intended, "/dev/sda:primary:2048:ext4"),
		"expected an error for a spec with too few fields")
}

func TestApplyNewWithLvmOption(t *testing.T) {
	intended := baseIntended()
	require.NoError(t, applyNew(intended, "/dev/sda:primary:2048:3999999:ext4:lvm=data-vg"))

	d := intended.GetDisk("/dev/sda")
	p := d.Partitions[0]
	require.NotNil(t, p.VolumeGroup)
	assert.Equal(t, "data-vg", p.VolumeGroup.Group)
	assert.Equal(t, disk.FSLVM, p.Filesystem, "Filesystem should become lvm once a volume group is declared")
}

func TestApplyNewWithEncOption(t *testing.T) {
	intended := baseIntended()
	spec := "/dev/sda:primary:2048:3999999:ext4:enc=cryptroot,data-vg,pass=hunter2"
	require.NoError(t, applyNew(intended, spec))

	p := intended.GetDisk("/dev/sda").Partitions[0]
	require.NotNil(t, p.VolumeGroup)
	assert.Equal(t, "data-vg", p.VolumeGroup.Group)

	require.NotNil(t, p.VolumeGroup.Encryption)
	assert.Equal(t, "hunter2", p.VolumeGroup.Encryption.Password)
	assert.Equal(t, "cryptroot", p.VolumeGroup.Encryption.PhysicalVolume)
}

func TestApplyDeleteRemovesMultiplePartitions(t *testing.T) {
	intended := baseIntended()
	d := intended.GetDisk("/dev/sda")
	p1 := disk.NewPartitionBuilder(2048, 100_000, disk.FSExt4).Build()
	p2 := disk.NewPartitionBuilder(100_001, 200_000, disk.FSExt4).Build()
	require.NoError(t, d.AddPartition(p1))
	require.NoError(t, d.AddPartition(p2))

	require.NoError(t, applyDelete(intended, "/dev/sda:1:2"))
	assert.True(t, p1.Remove)
	assert.True(t, p2.Remove)
}

func TestApplyMoveResolvesStartEndSectors(t *testing.T) {
	intended := baseIntended()
	d := intended.GetDisk("/dev/sda")
	p := disk.NewPartitionBuilder(2048, 100_000, disk.FSExt4).Build()
	require.NoError(t, d.AddPartition(p))

	require.NoError(t, applyMove(intended, "/dev/sda:1:4096:150000"))
	assert.EqualValues(t, 4096, p.StartSector)
	assert.EqualValues(t, 150_000, p.EndSector)
}

func TestApplyReuseKeepsExistingFilesystem(t *testing.T) {
	intended := baseIntended()
	d := intended.GetDisk("/dev/sda")
	p := disk.NewPartitionBuilder(2048, 100_000, disk.FSExt4).Build()
	p.Format = false
	require.NoError(t, d.AddPartition(p))

	require.NoError(t, applyReuse(intended, "/dev/sda:1:reuse:mount=/data"))
	assert.True(t, p.Reuse)
	assert.Equal(t, "/data", p.MountTarget)
}

func TestApplyReuseFormatsWithNewFilesystem(t *testing.T) {
	intended := baseIntended()
	d := intended.GetDisk("/dev/sda")
	p := disk.NewPartitionBuilder(2048, 300_000, disk.FSNTFS).Build()
	require.NoError(t, d.AddPartition(p))

	require.NoError(t, applyReuse(intended, "/dev/sda:1:ext4"))
	assert.Equal(t, disk.FSExt4, p.FormatWith)
	assert.True(t, p.Format)
}

func TestApplyLogicalAddThenModifyThenRemove(t *testing.T) {
	intended := baseIntended()
	groups := map[string]*lvm.Device{}

	require.NoError(t, applyLogicalAdd(intended, groups, "data-vg:root:0:ext4:mount=/"))
	vg, ok := groups["data-vg"]
	require.True(t, ok, "expected data-vg to be created")

	lv := vg.GetLogicalVolume("root")
	require.NotNil(t, lv)
	assert.Equal(t, "/", lv.MountTarget)

	require.NoError(t, applyLogicalModify(groups, "data-vg:root:fs=xfs"))
	assert.Equal(t, disk.FSXFS, lv.FormatWith)
	assert.True(t, lv.Format)

	require.NoError(t, applyLogicalRemove(groups, "data-vg:root"))
	assert.True(t, lv.Remove)
}

func TestApplyDecryptRegistersPhysicalVolume(t *testing.T) {
	intended := baseIntended()
	d := intended.GetDisk("/dev/sda")
	p := disk.NewPartitionBuilder(2048, 100_000, disk.FSNone).Build()
	require.NoError(t, d.AddPartition(p))

	require.NoError(t, applyDecrypt(intended, p.DevicePath+":data-vg:pass=hunter2"))
	require.NotNil(t, p.VolumeGroup)
	assert.Equal(t, "data-vg", p.VolumeGroup.Group)

	vg, ok := intended.VolumeGroups["data-vg"]
	require.True(t, ok, "expected data-vg to be registered")
	assert.Len(t, vg.PhysicalVolumes, 1)
}

func TestApplyDecryptUnknownPartitionFails(t *testing.T) {
	intended := baseIntended()
	assert.Error(t, applyDecrypt(intended, "/dev/sda99:data-vg:pass=x"),
		"expected an error for an unknown partition device path")
}
