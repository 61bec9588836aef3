package installopts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/jbodinstall/internal/disk"
)

func hasKind(opts []Option, k Kind) bool {
	for _, o := range opts {
		if o.Kind == k {
			return true
		}
	}
	return false
}

func TestClassifyOffersEraseWhenDiskLargeEnough(t *testing.T) {
	probed := disk.NewDisks()
	probed.AddDisk(disk.NewDisk("/dev/sda", 2_000_000, 512, disk.TableGPT))

	opts := Classify(probed, 512)
	assert.True(t, hasKind(opts, Erase), "expected an Erase option, got %+v", opts)
}

func TestClassifyOmitsEraseWhenDiskTooSmall(t *testing.T) {
	probed := disk.NewDisks()
	probed.AddDisk(disk.NewDisk("/dev/sda", 100, 512, disk.TableGPT))

	opts := Classify(probed, 1<<40)
	assert.False(t, hasKind(opts, Erase), "expected no Erase option for an undersized disk, got %+v", opts)
}

func TestClassifyDetectsRecoveryPartition(t *testing.T) {
	probed := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 2_000_000, 512, disk.TableGPT)
	rec := disk.NewPartitionBuilder(2048, 200_000, disk.FSExt4).Build()
	rec.Label = "Recovery"
	require.NoError(t, d.AddPartition(rec))
	probed.AddDisk(d)

	opts := Classify(probed, 512)
	assert.True(t, hasKind(opts, Recovery), "expected a Recovery option, got %+v", opts)
}

func TestClassifyDetectsReusableLinuxRoot(t *testing.T) {
	probed := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 2_000_000, 512, disk.TableGPT)
	root := disk.NewPartitionBuilder(2048, 1_000_000, disk.FSExt4).Build()
	root.DetectedOS = "Ubuntu 24.04"
	require.NoError(t, d.AddPartition(root))
	probed.AddDisk(d)

	opts := Classify(probed, 512)
	assert.True(t, hasKind(opts, Refresh), "expected a Refresh option, got %+v", opts)
}

func TestClassifyIgnoresReusableRootAlreadyMounted(t *testing.T) {
	probed := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 2_000_000, 512, disk.TableGPT)
	root := disk.NewPartitionBuilder(2048, 1_000_000, disk.FSExt4).Mount("/").Build()
	root.DetectedOS = "Ubuntu 24.04"
	require.NoError(t, d.AddPartition(root))
	probed.AddDisk(d)

	assert.False(t, hasKind(Classify(probed, 512), Refresh),
		"a partition already mounted should not be offered as a Refresh target")
}

func TestClassifyDetectsAlongsideReclaimableSpace(t *testing.T) {
	probed := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 4_000_000, 512, disk.TableGPT)
	big := disk.NewPartitionBuilder(2048, 3_999_999, disk.FSExt4).Build()
	big.SectorsUsed = 100_000
	require.NoError(t, d.AddPartition(big))
	probed.AddDisk(d)

	opts := Classify(probed, 512)
	assert.True(t, hasKind(opts, Alongside), "expected an Alongside option given ample used-vs-total headroom, got %+v", opts)
}

func TestApplyEraseBuildsWholeDiskRoot(t *testing.T) {
	intended := disk.NewDisks()
	intended.AddDisk(disk.NewDisk("/dev/sda", 2_000_000, 512, disk.TableGPT))

	opt := Option{Kind: Erase, Disk: "/dev/sda"}
	require.NoError(t, Apply(intended, opt, disk.FSExt4))

	d := intended.GetDisk("/dev/sda")
	require.Len(t, d.Partitions, 1)
	assert.Equal(t, "/", d.Partitions[0].MountTarget)
}

func TestApplyRefreshPreservesExistingFilesystem(t *testing.T) {
	intended := disk.NewDisks()
	d := disk.NewDisk("/dev/sda", 2_000_000, 512, disk.TableGPT)
	root := disk.NewPartitionBuilder(2048, 1_000_000, disk.FSExt4).Build()
	root.DetectedOS = "Fedora 40"
	require.NoError(t, d.AddPartition(root))
	intended.AddDisk(d)

	opt := Option{Kind: Refresh, Disk: "/dev/sda", TargetPartition: root.Number}
	require.NoError(t, Apply(intended, opt, disk.FSNone))
	assert.Equal(t, "/", root.MountTarget)
	assert.False(t, root.Format)
}

func TestApplyUnknownDiskReturnsError(t *testing.T) {
	intended := disk.NewDisks()
	opt := Option{Kind: Erase, Disk: "/dev/does-not-exist"}
	assert.Error(t, Apply(intended, opt, disk.FSExt4),
		"expected an error for an option referencing a disk not in the intended set")
}
