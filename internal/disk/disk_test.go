package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDisk() *Disk {
	return NewDisk("/dev/sda", 1_000_000, 512, TableGPT)
}

func TestAddPartitionAssignsSequentialNumbers(t *testing.T) {
	d := newTestDisk()
	p1 := NewPartitionBuilder(2048, 100_000, FSExt4).Build()
	p2 := NewPartitionBuilder(100_001, 200_000, FSExt4).Build()

	require.NoError(t, d.AddPartition(p1))
	require.NoError(t, d.AddPartition(p2))
	assert.Equal(t, 1, p1.Number)
	assert.Equal(t, 2, p2.Number)
	assert.Equal(t, "/dev/sda1", p1.DevicePath)
	assert.Equal(t, "/dev/sda2", p2.DevicePath)
}

func TestAddPartitionRejectsOverlap(t *testing.T) {
	d := newTestDisk()
	require.NoError(t, d.AddPartition(NewPartitionBuilder(2048, 100_000, FSExt4).Build()))

	err := d.AddPartition(NewPartitionBuilder(50_000, 150_000, FSExt4).Build())
	require.Error(t, err)
	derr, ok := err.(*Error)
	require.True(t, ok, "expected *Error, got %T", err)
	assert.Equal(t, KindOverlappingPartition, derr.Kind)
}

func TestAddPartitionRejectsLogicalOnGPT(t *testing.T) {
	d := newTestDisk()
	p := NewPartitionBuilder(2048, 100_000, FSExt4).PartitionType(Logical).Build()
	assert.Error(t, d.AddPartition(p), "expected gpt table to reject a logical partition")
}

func TestMSDOSPrimaryLimit(t *testing.T) {
	d := NewDisk("/dev/sdb", 1_000_000, 512, TableMSDOS)
	var start uint64 = 2048
	for i := 0; i < 4; i++ {
		end := start + 50_000
		require.NoErrorf(t, d.AddPartition(NewPartitionBuilder(start, end, FSExt4).Build()), "partition %d", i+1)
		start = end + 2048
	}
	end := start + 50_000
	assert.Error(t, d.AddPartition(NewPartitionBuilder(start, end, FSExt4).Build()),
		"expected 5th primary partition on msdos table to be rejected")
}

func TestRemoveResizeMovePartition(t *testing.T) {
	d := newTestDisk()
	p := NewPartitionBuilder(2048, 100_000, FSExt4).Build()
	require.NoError(t, d.AddPartition(p))

	require.NoError(t, d.ResizePartition(p.Number, 150_000))
	assert.EqualValues(t, 150_000, p.EndSector)

	require.NoError(t, d.MovePartition(p.Number, 4096))
	assert.EqualValues(t, 4096, p.StartSector)

	require.NoError(t, d.RemovePartition(p.Number))
	assert.True(t, p.Remove, "expected partition to be marked for removal")
	assert.Nil(t, d.GetPartition(p.Number), "GetPartition should not return a removed partition")
}

func TestDiskDiffOrdersRemovalsBeforeAdditions(t *testing.T) {
	baseline := newTestDisk()
	base1 := NewPartitionBuilder(2048, 100_000, FSExt4).Build()
	base1.Number = 1
	baseline.Partitions = append(baseline.Partitions, base1)

	intended := newTestDisk()
	added := NewPartitionBuilder(200_000, 300_000, FSExt4).Build()
	added.Number = 2
	intended.Partitions = append(intended.Partitions, added)

	changes := intended.Diff(baseline)
	require.Len(t, changes, 2)
	assert.True(t, changes[0].Remove, "expected removal change first, got %+v", changes[0])
	assert.True(t, changes[1].Add, "expected addition change second, got %+v", changes[1])
}

func TestDiskCloneIsIndependent(t *testing.T) {
	d := newTestDisk()
	p := NewPartitionBuilder(2048, 100_000, FSExt4).Flag(FlagBoot).Build()
	require.NoError(t, d.AddPartition(p))

	clone := d.Clone()
	clone.Partitions[0].EndSector = 999_999
	clone.Partitions[0].Flags[FlagSwap] = true

	assert.NotEqual(t, uint64(999_999), d.Partitions[0].EndSector, "mutating clone's partition end sector affected the original")
	assert.False(t, d.Partitions[0].FlagSet(FlagSwap), "mutating clone's flags affected the original")
}

func TestValidateLayoutRejectsDuplicateMountTargets(t *testing.T) {
	d := newTestDisk()
	p1 := NewPartitionBuilder(2048, 100_000, FSExt4).Mount("/data").Build()
	p2 := NewPartitionBuilder(200_000, 300_000, FSExt4).Mount("/data").Build()
	require.NoError(t, d.AddPartition(p1))
	require.NoError(t, d.AddPartition(p2))
	assert.Error(t, d.ValidateLayout(), "expected duplicate mount target to be rejected")
}
