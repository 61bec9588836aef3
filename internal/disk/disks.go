package disk

// Disks is the full probed/declared system: every physical disk plus the
// LVM volume groups and LUKS mappings layered over them. Cross-disk
// invariants (duplicate mount targets, a volume group's physical volumes
// spanning multiple disks, keyfile partitions referenced by id) are only
// checkable once every disk is known, hence this container.
type Disks struct {
	Disks        []*Disk
	VolumeGroups map[string]*VolumeGroup
}

// VolumeGroup tracks the physical volumes contributing to one LVM group
// across every disk, independent of which disk each PV lives on.
type VolumeGroup struct {
	Name            string
	PhysicalVolumes []*Partition
	LogicalVolumes  []*Partition
}

// NewDisks constructs an empty container.
func NewDisks() *Disks {
	return &Disks{VolumeGroups: map[string]*VolumeGroup{}}
}

// Clone returns a deep copy of every disk and volume group, used to derive
// an "intended" layout to mutate from a probed baseline without disturbing
// the baseline used for Diff.
func (ds *Disks) Clone() *Disks {
	out := NewDisks()
	for _, d := range ds.Disks {
		out.AddDisk(d.Clone())
	}
	for name, vg := range ds.VolumeGroups {
		clone := &VolumeGroup{Name: vg.Name}
		for _, pv := range vg.PhysicalVolumes {
			clone.PhysicalVolumes = append(clone.PhysicalVolumes, pv.Clone())
		}
		for _, lv := range vg.LogicalVolumes {
			clone.LogicalVolumes = append(clone.LogicalVolumes, lv.Clone())
		}
		out.VolumeGroups[name] = clone
	}
	return out
}

// AddDisk registers a probed or newly created disk.
func (ds *Disks) AddDisk(d *Disk) {
	ds.Disks = append(ds.Disks, d)
}

// GetDisk returns the disk with the given device path.
func (ds *Disks) GetDisk(devicePath string) *Disk {
	for _, d := range ds.Disks {
		if d.DevicePath == devicePath {
			return d
		}
	}
	return nil
}

// FindPartition searches every disk for a partition by device path.
func (ds *Disks) FindPartition(devicePath string) (*Disk, *Partition) {
	for _, d := range ds.Disks {
		for _, p := range d.Partitions {
			if p.DevicePath == devicePath {
				return d, p
			}
		}
	}
	return nil, nil
}

// FindKeyfilePartition searches every disk for the partition declared with
// the given keyfile id.
func (ds *Disks) FindKeyfilePartition(id string) (*Disk, *Partition) {
	for _, d := range ds.Disks {
		for _, p := range d.Partitions {
			if p.KeyfileID == id {
				return d, p
			}
		}
	}
	return nil, nil
}

// RegisterPhysicalVolume records that a partition (possibly a LUKS mapping)
// contributes to the named volume group.
func (ds *Disks) RegisterPhysicalVolume(group string, p *Partition) {
	vg, ok := ds.VolumeGroups[group]
	if !ok {
		vg = &VolumeGroup{Name: group}
		ds.VolumeGroups[group] = vg
	}
	vg.PhysicalVolumes = append(vg.PhysicalVolumes, p)
}

// ValidateCrossDisk re-checks invariants that only make sense with every
// disk present: unique mount targets system-wide, and every keyfile
// reference resolving to a partition that actually declares that id.
func (ds *Disks) ValidateCrossDisk() error {
	mounts := map[string]string{} // target -> device path
	for _, d := range ds.Disks {
		for _, p := range d.Partitions {
			if p.Remove || p.MountTarget == "" {
				continue
			}
			if existing, ok := mounts[p.MountTarget]; ok {
				return newErr(KindDuplicateMountTarget, p.DevicePath, p.Number,
					"mount target \""+p.MountTarget+"\" already claimed by "+existing, nil)
			}
			mounts[p.MountTarget] = p.DevicePath
		}
	}

	for _, d := range ds.Disks {
		for _, p := range d.Partitions {
			if p.Remove || p.VolumeGroup == nil || p.VolumeGroup.Encryption == nil {
				continue
			}
			enc := p.VolumeGroup.Encryption
			if !enc.HasKeydata() {
				if enc.Password == "" {
					return newErr(KindEncryptionKeyMissing, p.DevicePath, p.Number,
						"luks container declares neither a password nor a keyfile id", nil)
				}
				continue
			}
			kd, kp := ds.FindKeyfilePartition(enc.KeydataID)
			if kp == nil {
				return newErr(KindKeyfileTargetMissing, p.DevicePath, p.Number,
					"referenced keyfile id "+enc.KeydataID+" is not declared on any partition", nil)
			}
			if kp.MountTarget == "" {
				return newErr(KindKeyfileTargetMissing, kp.DevicePath, kp.Number,
					"keyfile partition has no mount target to read the key from", nil)
			}
			_ = kd
		}
	}
	return nil
}

// DiffAll runs Disk.Diff against every disk in ds and returns each disk's
// ordered changes keyed by device path, each list in Disk.Diff's own order
// (removals/shrinks/moves/grows/additions/formats).
func (ds *Disks) DiffAll(baseline *Disks) map[string][]Change {
	baseDisks := map[string]*Disk{}
	if baseline != nil {
		for _, d := range baseline.Disks {
			baseDisks[d.DevicePath] = d
		}
	}
	out := map[string][]Change{}
	for _, d := range ds.Disks {
		out[d.DevicePath] = d.Diff(baseDisks[d.DevicePath])
	}
	return out
}
