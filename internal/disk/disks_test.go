package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisksFindKeyfilePartition(t *testing.T) {
	ds := NewDisks()
	d := NewDisk("/dev/sda", 1_000_000, 512, TableGPT)
	keyPart := NewPartitionBuilder(2048, 20_000, FSExt4).Mount("/boot/keys").Build()
	keyPart.KeyfileID = "key1"
	require.NoError(t, d.AddPartition(keyPart))
	ds.AddDisk(d)

	foundDisk, foundPart := ds.FindKeyfilePartition("key1")
	assert.Same(t, d, foundDisk)
	assert.Same(t, keyPart, foundPart)

	_, missing := ds.FindKeyfilePartition("nope")
	assert.Nil(t, missing, "expected nil for an undeclared keyfile id")
}

func TestValidateCrossDiskRejectsMissingKeyfileTarget(t *testing.T) {
	ds := NewDisks()
	d := NewDisk("/dev/sda", 1_000_000, 512, TableGPT)
	p := NewPartitionBuilder(2048, 200_000, FSExt4).Build()
	p.VolumeGroup = &VolumeGroupRef{Group: "vg0", Encryption: &LuksEncryption{KeydataID: "missing-key"}}
	require.NoError(t, d.AddPartition(p))
	ds.AddDisk(d)

	assert.Error(t, ds.ValidateCrossDisk(), "expected an error for a keyfile id that resolves to no partition")
}

func TestValidateCrossDiskAcceptsResolvedKeyfile(t *testing.T) {
	ds := NewDisks()
	d := NewDisk("/dev/sda", 1_000_000, 512, TableGPT)

	keyPart := NewPartitionBuilder(2048, 20_000, FSExt4).Mount("/boot/keys").Build()
	keyPart.KeyfileID = "key1"
	require.NoError(t, d.AddPartition(keyPart))

	encrypted := NewPartitionBuilder(20_001, 200_000, FSExt4).Build()
	encrypted.VolumeGroup = &VolumeGroupRef{Group: "vg0", Encryption: &LuksEncryption{KeydataID: "key1"}}
	require.NoError(t, d.AddPartition(encrypted))
	ds.AddDisk(d)

	assert.NoError(t, ds.ValidateCrossDisk(), "expected a resolvable keyfile reference to validate")
}

func TestDisksCloneDeepCopiesVolumeGroups(t *testing.T) {
	ds := NewDisks()
	d := NewDisk("/dev/sda", 1_000_000, 512, TableGPT)
	p := NewPartitionBuilder(2048, 200_000, FSExt4).Build()
	require.NoError(t, d.AddPartition(p))
	ds.AddDisk(d)
	ds.RegisterPhysicalVolume("vg0", p)

	clone := ds.Clone()
	clone.VolumeGroups["vg0"].PhysicalVolumes[0].EndSector = 999_999

	assert.NotEqual(t, uint64(999_999), ds.VolumeGroups["vg0"].PhysicalVolumes[0].EndSector,
		"cloning a VolumeGroup's physical volumes should deep copy, not alias")
}

func TestDiffAllKeysByDevicePath(t *testing.T) {
	baseline := NewDisks()
	baseline.AddDisk(NewDisk("/dev/sda", 1_000_000, 512, TableGPT))

	intended := NewDisks()
	d := NewDisk("/dev/sda", 1_000_000, 512, TableGPT)
	p := NewPartitionBuilder(2048, 200_000, FSExt4).Build()
	p.Number = 1
	d.Partitions = append(d.Partitions, p)
	intended.AddDisk(d)

	changes := intended.DiffAll(baseline)
	got, ok := changes["/dev/sda"]
	require.True(t, ok, "expected changes keyed by /dev/sda")
	require.Len(t, got, 1)
	assert.True(t, got[0].Add)
}
