// Package lvm models LVM volume groups as a container of logical volumes
// treated uniformly with disk.Partition, the way distinst's LvmDevice
// layers a volume group over one or more physical volumes.
package lvm

import (
	"fmt"

	"github.com/sigreer/jbodinstall/internal/disk"
)

// Device is the in-memory model of one LVM volume group: its member
// physical volumes (each a disk.Partition, possibly a LUKS mapping) and the
// logical volumes declared within it.
type Device struct {
	VolumeGroup string
	DevicePath  string // /dev/mapper/<vg> with "-" escaped to "--"
	SectorSize  uint64
	Sectors     uint64 // sum of member physical volumes' usable sectors

	PhysicalVolumes []*disk.Partition
	LogicalVolumes  []*disk.Partition

	IsSource bool
	Remove   bool
}

// New constructs an empty volume group model. The device-mapper path
// mirrors lvm2's own escaping so fstab/crypttab entries generated later
// resolve correctly.
func New(group string, sectorSize uint64) *Device {
	return &Device{
		VolumeGroup: group,
		DevicePath:  "/dev/mapper/" + escapeDashes(group),
		SectorSize:  sectorSize,
	}
}

func escapeDashes(s string) string {
	out := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			out = append(out, '-', '-')
		} else {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// AddPhysicalVolume registers a member partition and grows the group's
// usable capacity by its sector count.
func (d *Device) AddPhysicalVolume(p *disk.Partition) {
	d.PhysicalVolumes = append(d.PhysicalVolumes, p)
	d.Sectors += p.Sectors()
}

// GetLogicalVolume returns the named logical volume, or nil.
func (d *Device) GetLogicalVolume(name string) *disk.Partition {
	for _, lv := range d.LogicalVolumes {
		if lv.Label == name {
			return lv
		}
	}
	return nil
}

// LastSector returns the end sector of the last non-removed logical volume,
// used to place the next one contiguously.
func (d *Device) LastSector() uint64 {
	var last uint64
	for _, lv := range d.LogicalVolumes {
		if lv.Remove {
			continue
		}
		if lv.EndSector > last {
			last = lv.EndSector
		}
	}
	return last
}

// AddLogicalVolume declares a new logical volume. sizeSectors of 0 means
// "consume all remaining free extents", mirroring lvcreate's -l 100%FREE
// convention for the final LV in a group.
func (d *Device) AddLogicalVolume(name string, sizeSectors uint64, fs disk.FileSystemType) (*disk.Partition, error) {
	if d.GetLogicalVolume(name) != nil {
		return nil, &disk.Error{Kind: disk.KindInvalidInput, Device: d.DevicePath,
			Message: fmt.Sprintf("logical volume %q already declared in group %s", name, d.VolumeGroup)}
	}
	start := d.LastSector()
	end := start + sizeSectors
	if sizeSectors == 0 {
		end = d.Sectors
	}
	if end > d.Sectors {
		return nil, &disk.Error{Kind: disk.KindTooSmall, Device: d.DevicePath,
			Message: fmt.Sprintf("volume group %s has insufficient free extents for %q", d.VolumeGroup, name)}
	}
	lv := &disk.Partition{
		Number:      -1,
		StartSector: start,
		EndSector:   end,
		Type:        disk.Primary,
		Label:       name,
		Filesystem:  fs,
		FormatWith:  fs,
		Format:      true,
		DevicePath:  fmt.Sprintf("/dev/%s/%s", d.VolumeGroup, name),
	}
	d.LogicalVolumes = append(d.LogicalVolumes, lv)
	return lv, nil
}

// RemoveLogicalVolume marks a logical volume for removal.
func (d *Device) RemoveLogicalVolume(name string) error {
	lv := d.GetLogicalVolume(name)
	if lv == nil {
		return &disk.Error{Kind: disk.KindPartitionNotFound, Device: d.DevicePath,
			Message: fmt.Sprintf("logical volume %q not found in group %s", name, d.VolumeGroup)}
	}
	lv.Remove = true
	return nil
}

// Validate enforces the one invariant distinst carries for volume groups:
// every logical volume must carry a name, since the device-mapper path is
// derived from it.
func (d *Device) Validate() error {
	for _, lv := range d.LogicalVolumes {
		if lv.Remove {
			continue
		}
		if lv.Label == "" {
			return &disk.Error{Kind: disk.KindInvalidInput, Device: d.DevicePath,
				Message: "logical volume declared without a name"}
		}
	}
	return nil
}

// Change mirrors disk.Change but for logical volumes: add, remove, resize,
// format.
type Change struct {
	Name       string
	Remove     bool
	Add        bool
	Resize     bool
	Format     bool
	FormatWith disk.FileSystemType
	NewEnd     uint64
	Volume     *disk.Partition
}

// Diff computes the ordered LV-level changes between baseline and the
// currently declared group, removals first so freed extents are available
// to any grow/add that follows.
func (d *Device) Diff(baseline *Device) []Change {
	var removals, resizes, formats, additions []Change

	baseByName := map[string]*disk.Partition{}
	if baseline != nil {
		for _, lv := range baseline.LogicalVolumes {
			baseByName[lv.Label] = lv
		}
	}

	seen := map[string]bool{}
	for _, lv := range d.LogicalVolumes {
		seen[lv.Label] = true
		base, existed := baseByName[lv.Label]
		if lv.Remove {
			if existed {
				removals = append(removals, Change{Name: lv.Label, Remove: true, Volume: lv})
			}
			continue
		}
		if !existed {
			additions = append(additions, Change{Name: lv.Label, Add: true, Volume: lv})
			continue
		}
		if lv.EndSector != base.EndSector {
			resizes = append(resizes, Change{Name: lv.Label, Resize: true, NewEnd: lv.EndSector, Volume: lv})
		}
		if lv.WillFormat() {
			formats = append(formats, Change{Name: lv.Label, Format: true, FormatWith: lv.FormatWith, Volume: lv})
		}
	}
	for name, base := range baseByName {
		if !seen[name] {
			removals = append(removals, Change{Name: name, Remove: true, Volume: base})
		}
	}

	all := make([]Change, 0, len(removals)+len(resizes)+len(additions)+len(formats))
	all = append(all, removals...)
	all = append(all, resizes...)
	all = append(all, additions...)
	all = append(all, formats...)
	return all
}
