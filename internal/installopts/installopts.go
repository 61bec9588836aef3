// Package installopts classifies a probed disk set into the install
// strategies a front end can offer the user, and turns a chosen strategy
// into a concrete intended configuration ready for the planner.
package installopts

import (
	"github.com/sigreer/jbodinstall/internal/disk"
)

// Kind enumerates the install strategies §4.6 defines.
type Kind int

const (
	Erase Kind = iota
	Recovery
	Refresh
	Alongside
)

func (k Kind) String() string {
	switch k {
	case Erase:
		return "erase"
	case Recovery:
		return "recovery"
	case Refresh:
		return "refresh"
	case Alongside:
		return "alongside"
	default:
		return "unknown"
	}
}

// Option is one classified install strategy available on a specific disk.
type Option struct {
	Kind           Kind
	Disk           string // device path
	TargetPartition int   // for Recovery/Refresh/Alongside: the partition this option acts on; 0 if not applicable
	FreeSectors    uint64 // for Alongside: sectors reclaimable by shrinking TargetPartition
	BackupCapable  bool   // for Refresh: whether /home can be preserved across reinstall
}

// Classify inspects every disk in probed and returns every Option
// available, given requiredBytes as the minimum install footprint.
func Classify(probed *disk.Disks, requiredBytes uint64) []Option {
	var opts []Option
	for _, d := range probed.Disks {
		requiredSectors := requiredBytes / d.SectorSize
		if requiredSectors == 0 {
			requiredSectors = 1
		}

		if d.Sectors >= requiredSectors {
			opts = append(opts, Option{Kind: Erase, Disk: d.DevicePath})
		}

		for _, p := range d.Partitions {
			if p.Remove {
				continue
			}
			if isCasperRecovery(p) {
				opts = append(opts, Option{Kind: Recovery, Disk: d.DevicePath, TargetPartition: p.Number})
			}
			if isReusableLinuxRoot(p) {
				opts = append(opts, Option{Kind: Refresh, Disk: d.DevicePath, TargetPartition: p.Number, BackupCapable: true})
			}
			if free := reclaimableSectors(p, requiredSectors); free > 0 {
				opts = append(opts, Option{Kind: Alongside, Disk: d.DevicePath, TargetPartition: p.Number, FreeSectors: free})
			}
		}
	}
	return opts
}

func isCasperRecovery(p *disk.Partition) bool {
	return p.Label == "Recovery" || p.Label == "RECOVERY"
}

func isReusableLinuxRoot(p *disk.Partition) bool {
	switch p.Filesystem {
	case disk.FSExt2, disk.FSExt3, disk.FSExt4, disk.FSBtrfs, disk.FSXFS:
	default:
		return false
	}
	return p.DetectedOS != "" && p.MountTarget == ""
}

// reclaimableSectors estimates how many sectors could be freed by shrinking
// p down to its used footprint plus a small safety margin, if that leaves
// at least requiredSectors free.
func reclaimableSectors(p *disk.Partition, requiredSectors uint64) uint64 {
	if p.SectorsUsed == 0 {
		return 0
	}
	margin := p.SectorsUsed / 10 // 10% headroom, matching a conservative shrink target
	minKept := p.SectorsUsed + margin
	total := p.Sectors()
	if total <= minKept {
		return 0
	}
	free := total - minKept
	if free < requiredSectors {
		return 0
	}
	return free
}

// Apply mutates intended (a clone of the probed configuration the caller
// intends to commit) according to the chosen option, producing a valid
// configuration ready for planner.Build. rootFormat selects the filesystem
// for the new or reused root; ignored for Refresh.
func Apply(intended *disk.Disks, opt Option, rootFormat disk.FileSystemType) error {
	d := intended.GetDisk(opt.Disk)
	if d == nil {
		return &disk.Error{Kind: disk.KindPartitionNotFound, Device: opt.Disk, Message: "disk not found in intended configuration"}
	}

	switch opt.Kind {
	case Erase:
		d.Mklabel(disk.TableGPT)
		builder := disk.NewPartitionBuilder(0, 0, rootFormat).Mount("/")
		p := builder.Build()
		p.EndSector = d.Sectors - 1
		p.StartSector = 2048
		return d.AddPartition(p)

	case Recovery:
		p := d.GetPartition(opt.TargetPartition)
		if p == nil {
			return &disk.Error{Kind: disk.KindPartitionNotFound, Device: opt.Disk, Partition: opt.TargetPartition}
		}
		p.MountTarget = "/recovery"
		return nil

	case Refresh:
		p := d.GetPartition(opt.TargetPartition)
		if p == nil {
			return &disk.Error{Kind: disk.KindPartitionNotFound, Device: opt.Disk, Partition: opt.TargetPartition}
		}
		p.MountTarget = "/"
		p.Format = false // refresh reuses the existing filesystem by default
		return nil

	case Alongside:
		p := d.GetPartition(opt.TargetPartition)
		if p == nil {
			return &disk.Error{Kind: disk.KindPartitionNotFound, Device: opt.Disk, Partition: opt.TargetPartition}
		}
		newEnd := p.EndSector - opt.FreeSectors
		if err := d.ResizePartition(p.Number, newEnd); err != nil {
			return err
		}
		builder := disk.NewPartitionBuilder(newEnd+1, p.StartSector+p.Sectors()+opt.FreeSectors, rootFormat).Mount("/")
		np := builder.Build()
		np.StartSector = newEnd + 1
		np.EndSector = newEnd + opt.FreeSectors
		return d.AddPartition(np)
	}
	return &disk.Error{Kind: disk.KindInvalidInput, Message: "unknown install option kind"}
}
