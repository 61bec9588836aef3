package disk

import "fmt"

// VolumeGroupRef associates a partition with an LVM volume group, optionally
// through a LUKS encryption layer.
type VolumeGroupRef struct {
	Group      string
	Encryption *LuksEncryption
}

// LuksEncryption defines one LUKS container. Exactly one of Password or
// KeydataID is set.
type LuksEncryption struct {
	PhysicalVolume string
	Password       string
	KeydataID      string

	// resolved lazily by the planner once the keyfile partition's device
	// path and mount target are known.
	KeyDevicePath string
	KeyMountPath  string
}

// HasKeydata reports whether this encryption resolves its key via a
// keyfile partition rather than an inline password.
func (e *LuksEncryption) HasKeydata() bool { return e != nil && e.KeydataID != "" }

// Partition represents a region of a Disk, or (when embedded in an
// LvmDevice) a logical volume treated uniformly as a Partition.
type Partition struct {
	Number      int
	StartSector uint64
	EndSector   uint64 // inclusive
	Type        PartitionType
	Filesystem  FileSystemType // current, as probed
	FormatWith  FileSystemType // intended format target; FSNone if unset
	Label       string
	Flags       map[PartitionFlag]bool
	MountTarget string
	DevicePath  string

	VolumeGroup *VolumeGroupRef
	KeyfileID   string // this partition defines a keyfile with this id

	Remove       bool
	Format       bool
	Active       bool
	Busy         bool
	IsSource     bool
	Reuse        bool
	SectorsUsed  uint64 // filesystem-reported used sectors, 0 if unknown
	DetectedOS   string
	Swapped      bool
}

// Clone returns a deep copy, including its flag set and volume group
// reference, so a CLI-built intended layout can diverge from the probed
// baseline partition it started from.
func (p *Partition) Clone() *Partition {
	out := *p
	if p.Flags != nil {
		out.Flags = make(map[PartitionFlag]bool, len(p.Flags))
		for k, v := range p.Flags {
			out.Flags[k] = v
		}
	}
	if p.VolumeGroup != nil {
		vg := *p.VolumeGroup
		if p.VolumeGroup.Encryption != nil {
			enc := *p.VolumeGroup.Encryption
			vg.Encryption = &enc
		}
		out.VolumeGroup = &vg
	}
	return &out
}

// Sectors returns the partition's length in sectors.
func (p *Partition) Sectors() uint64 {
	if p.EndSector < p.StartSector {
		return 0
	}
	return p.EndSector - p.StartSector + 1
}

// FlagSet returns whether a given flag is set.
func (p *Partition) FlagSet(f PartitionFlag) bool {
	return p.Flags != nil && p.Flags[f]
}

func (p *Partition) addFlag(f PartitionFlag) {
	if p.Flags == nil {
		p.Flags = map[PartitionFlag]bool{}
	}
	p.Flags[f] = true
}

// WillFormat reports whether this partition is destined to be (re)formatted.
func (p *Partition) WillFormat() bool { return p.Format && p.FormatWith != FSNone }

// RequiresChange reports whether the intended partition differs from the
// probed baseline in any way the planner must act on.
func (p *Partition) RequiresChange(baseline *Partition) bool {
	if baseline == nil {
		return true
	}
	return p.StartSector != baseline.StartSector ||
		p.EndSector != baseline.EndSector ||
		p.Format ||
		p.MountTarget != baseline.MountTarget ||
		!flagsEqual(p.Flags, baseline.Flags)
}

func flagsEqual(a, b map[PartitionFlag]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if v && !b[k] {
			return false
		}
	}
	return true
}

func (p *Partition) String() string {
	return fmt.Sprintf("Partition{num=%d start=%d end=%d fs=%s}", p.Number, p.StartSector, p.EndSector, p.Filesystem)
}
