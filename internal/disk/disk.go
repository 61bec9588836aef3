package disk

import (
	"fmt"
	"sort"
)

// Disk is the in-memory model of one physical (or loopback) block device:
// its partition table kind, geometry, and the partitions currently declared
// against it. A Disk is built by probing hardware (see Probe in probe.go) and
// then mutated in place by the operations below before being diffed.
type Disk struct {
	DevicePath string
	Model      string
	Serial     string
	SectorSize uint64
	Sectors    uint64 // total sectors on the device
	Table      PartitionTable
	ReadOnly   bool
	Rotational bool

	Partitions []*Partition
}

// NewDisk constructs an empty Disk model for a probed device.
func NewDisk(devicePath string, sectors, sectorSize uint64, table PartitionTable) *Disk {
	if sectorSize == 0 {
		sectorSize = 512
	}
	return &Disk{
		DevicePath: devicePath,
		SectorSize: sectorSize,
		Sectors:    sectors,
		Table:      table,
	}
}

// Clone returns a deep copy of the disk and its partitions, so the CLI can
// mutate an "intended" working copy while keeping the probed baseline
// untouched for Diff, mirroring the stable surface's Disks::push-over-probe
// pattern.
func (d *Disk) Clone() *Disk {
	out := *d
	out.Partitions = make([]*Partition, len(d.Partitions))
	for i, p := range d.Partitions {
		out.Partitions[i] = p.Clone()
	}
	return &out
}

// GetSector resolves a Sector specification against this disk's geometry.
func (d *Disk) GetSector(s Sector) (uint64, error) {
	v, err := s.Resolve(d.Sectors, d.SectorSize)
	if err != nil {
		if e, ok := err.(*Error); ok {
			e.Device = d.DevicePath
		}
		return 0, err
	}
	return v, nil
}

// GetPartitionTypeCount returns how many primary, logical and extended
// partitions are currently declared, used to enforce MSDOS table limits.
func (d *Disk) GetPartitionTypeCount() (primary, logical, extended int) {
	for _, p := range d.Partitions {
		if p.Remove {
			continue
		}
		switch p.Type {
		case Primary:
			primary++
		case Logical:
			logical++
		case Extended:
			extended++
		}
	}
	return
}

// GetPartitionAt returns the partition containing the given sector, if any.
func (d *Disk) GetPartitionAt(sector uint64) *Partition {
	for _, p := range d.Partitions {
		if p.Remove {
			continue
		}
		if sector >= p.StartSector && sector <= p.EndSector {
			return p
		}
	}
	return nil
}

// GetPartition returns the partition with the given number.
func (d *Disk) GetPartition(number int) *Partition {
	for _, p := range d.Partitions {
		if p.Number == number && !p.Remove {
			return p
		}
	}
	return nil
}

// OverlapsRegionExcluding reports whether [start, end] overlaps any
// non-removed partition other than exclude.
func (d *Disk) OverlapsRegionExcluding(start, end uint64, exclude *Partition) *Partition {
	for _, p := range d.Partitions {
		if p.Remove || p == exclude {
			continue
		}
		if start <= p.EndSector && end >= p.StartSector {
			return p
		}
	}
	return nil
}

// Mklabel replaces the disk's partition table kind and clears all declared
// partitions, the way wiping and relabeling a disk always does.
func (d *Disk) Mklabel(table PartitionTable) {
	d.Table = table
	d.Partitions = nil
}

// AddPartition validates and inserts the partition produced by a
// PartitionBuilder, assigning it the next free partition number.
func (d *Disk) AddPartition(p *Partition) error {
	if p.StartSector >= p.EndSector && p.EndSector != 0 {
		return errInvalidInput("partition start must precede end")
	}
	if overlap := d.OverlapsRegionExcluding(p.StartSector, p.EndSector, nil); overlap != nil {
		return errOverlaps(d.DevicePath, overlap.Number)
	}
	if sectors := p.Sectors(); p.FormatWith != FSNone {
		if min := p.FormatWith.MinimumSectors(d.SectorSize); sectors < min {
			return errTooSmall(d.DevicePath, sectors, min)
		}
	}

	switch d.Table {
	case TableMSDOS:
		primary, logical, extended := d.GetPartitionTypeCount()
		switch p.Type {
		case Primary:
			if primary+extended >= 4 {
				return newErr(KindPrimaryPartitionsExceeded, d.DevicePath, 0,
					"msdos table cannot hold more than 4 primary/extended partitions", nil)
			}
		case Extended:
			if extended >= 1 {
				return newErr(KindPrimaryPartitionsExceeded, d.DevicePath, 0,
					"msdos table cannot hold more than one extended partition", nil)
			}
			if primary+1 > 4 {
				return newErr(KindPrimaryPartitionsExceeded, d.DevicePath, 0,
					"msdos table cannot hold more than 4 primary/extended partitions", nil)
			}
		case Logical:
			ext := d.findExtended()
			if ext == nil {
				return newErr(KindLogicalOutsideExtended, d.DevicePath, 0,
					"logical partition declared with no extended partition present", nil)
			}
			if p.StartSector < ext.StartSector || p.EndSector > ext.EndSector {
				return newErr(KindLogicalOutsideExtended, d.DevicePath, 0,
					"logical partition falls outside its extended partition's bounds", nil)
			}
			_ = logical
		}
	case TableGPT:
		if p.Type != Primary {
			return errInvalidInput("gpt tables only support primary partitions")
		}
	}

	p.Number = d.nextPartitionNumber()
	p.DevicePath = devicePartitionPath(d.DevicePath, p.Number)
	d.Partitions = append(d.Partitions, p)
	return nil
}

func (d *Disk) findExtended() *Partition {
	for _, p := range d.Partitions {
		if p.Type == Extended && !p.Remove {
			return p
		}
	}
	return nil
}

func (d *Disk) nextPartitionNumber() int {
	max := 0
	for _, p := range d.Partitions {
		if p.Number > max {
			max = p.Number
		}
	}
	return max + 1
}

// RemovePartition marks the partition with the given number for removal.
func (d *Disk) RemovePartition(number int) error {
	p := d.GetPartition(number)
	if p == nil {
		return errPartitionNotFound(d.DevicePath, number)
	}
	p.Remove = true
	return nil
}

// ResizePartition changes a partition's end sector. TooSmall and
// OverlappingPartition are both enforced here; shrinking below the
// filesystem's reported used sectors is rejected with ResizeTooSmall.
func (d *Disk) ResizePartition(number int, newEnd uint64) error {
	p := d.GetPartition(number)
	if p == nil {
		return errPartitionNotFound(d.DevicePath, number)
	}
	if newEnd <= p.StartSector {
		return errInvalidInput("resize end must exceed start")
	}
	if overlap := d.OverlapsRegionExcluding(p.StartSector, newEnd, p); overlap != nil {
		return errOverlaps(d.DevicePath, overlap.Number)
	}
	newSectors := newEnd - p.StartSector + 1
	if p.SectorsUsed > 0 && newSectors < p.SectorsUsed {
		return newErr(KindResizeTooSmall, d.DevicePath, number,
			"requested size is smaller than the filesystem's used space", nil)
	}
	if fs := effectiveFS(p); fs != FSNone {
		if min := fs.MinimumSectors(d.SectorSize); newSectors < min {
			return errTooSmall(d.DevicePath, newSectors, min)
		}
	}
	p.EndSector = newEnd
	return nil
}

// MovePartition relocates a partition to a new start sector, preserving its
// length.
func (d *Disk) MovePartition(number int, newStart uint64) error {
	p := d.GetPartition(number)
	if p == nil {
		return errPartitionNotFound(d.DevicePath, number)
	}
	length := p.Sectors()
	newEnd := newStart + length - 1
	if overlap := d.OverlapsRegionExcluding(newStart, newEnd, p); overlap != nil {
		return errOverlaps(d.DevicePath, overlap.Number)
	}
	p.StartSector = newStart
	p.EndSector = newEnd
	return nil
}

// FormatPartition marks a partition to be reformatted with the given
// filesystem at commit time.
func (d *Disk) FormatPartition(number int, fs FileSystemType) error {
	p := d.GetPartition(number)
	if p == nil {
		return errPartitionNotFound(d.DevicePath, number)
	}
	if sectors := p.Sectors(); fs != FSNone {
		if min := fs.MinimumSectors(d.SectorSize); sectors < min {
			return errTooSmall(d.DevicePath, sectors, min)
		}
	}
	p.FormatWith = fs
	p.Format = true
	return nil
}

// AddFlags merges the given flags onto a declared partition.
func (d *Disk) AddFlags(number int, flags ...PartitionFlag) error {
	p := d.GetPartition(number)
	if p == nil {
		return errPartitionNotFound(d.DevicePath, number)
	}
	for _, f := range flags {
		p.addFlag(f)
	}
	return nil
}

// SetName sets a partition's label.
func (d *Disk) SetName(number int, name string) error {
	p := d.GetPartition(number)
	if p == nil {
		return errPartitionNotFound(d.DevicePath, number)
	}
	p.Label = name
	return nil
}

func effectiveFS(p *Partition) FileSystemType {
	if p.FormatWith != FSNone {
		return p.FormatWith
	}
	return p.Filesystem
}

// Change describes one partition-level delta between a baseline probe and
// the currently declared configuration, ordered so that execution is safe:
// shrinks before moves before grows, removals before additions.
type Change struct {
	Number      int
	Remove      bool
	Add         bool
	Resize      bool
	Shrink      bool // true when NewEnd < the baseline's EndSector; false is a grow
	Move        bool
	Inward      bool // true when NewStart < the baseline's StartSector
	Format      bool
	FormatWith  FileSystemType
	NewStart    uint64
	NewEnd      uint64
	AddFlags    []PartitionFlag
	SetLabel    string
	Partition   *Partition
}

// Diff computes the ordered sequence of Changes needed to bring baseline up
// to the state currently declared on d. baseline must describe the same
// physical disk as probed, prior to any of the mutation calls above.
func (d *Disk) Diff(baseline *Disk) []Change {
	var removals, shrinks, moves, grows, formats, additions []Change

	baselineByNum := map[int]*Partition{}
	if baseline != nil {
		for _, p := range baseline.Partitions {
			baselineByNum[p.Number] = p
		}
	}

	seen := map[int]bool{}
	for _, p := range d.Partitions {
		seen[p.Number] = true
		base, existed := baselineByNum[p.Number]
		if p.Remove {
			if existed {
				removals = append(removals, Change{Number: p.Number, Remove: true, Partition: p})
			}
			continue
		}
		if !existed {
			additions = append(additions, Change{Number: p.Number, Add: true, Partition: p})
			continue
		}
		if p.EndSector < base.EndSector {
			shrinks = append(shrinks, Change{Number: p.Number, Resize: true, Shrink: true, NewStart: p.StartSector, NewEnd: p.EndSector, Partition: p})
		}
		if p.StartSector != base.StartSector {
			moves = append(moves, Change{Number: p.Number, Move: true, Inward: p.StartSector < base.StartSector, NewStart: p.StartSector, NewEnd: p.EndSector, Partition: p})
		}
		if p.EndSector > base.EndSector {
			grows = append(grows, Change{Number: p.Number, Resize: true, NewStart: p.StartSector, NewEnd: p.EndSector, Partition: p})
		}
		if p.WillFormat() {
			formats = append(formats, Change{Number: p.Number, Format: true, FormatWith: p.FormatWith, Partition: p})
		}
	}
	for num, base := range baselineByNum {
		if !seen[num] {
			removals = append(removals, Change{Number: base.Number, Remove: true, Partition: base})
		}
	}

	sortByNumber := func(c []Change) {
		sort.Slice(c, func(i, j int) bool { return c[i].Number < c[j].Number })
	}
	sortByNumber(removals)
	sortByNumber(shrinks)
	sortByNumber(moves)
	sortByNumber(grows)
	sortByNumber(formats)
	sortByNumber(additions)

	all := make([]Change, 0, len(removals)+len(shrinks)+len(moves)+len(grows)+len(formats)+len(additions))
	all = append(all, removals...)
	all = append(all, shrinks...)
	all = append(all, moves...)
	all = append(all, grows...)
	all = append(all, additions...)
	all = append(all, formats...)
	return all
}

// ValidateLayout re-checks every invariant across the full declared set:
// no overlaps, MSDOS primary/logical/extended limits, no duplicate mount
// targets, and minimum filesystem sizes. Call before Diff/Commit to catch
// cross-partition problems that per-call validation in AddPartition/Resize/
// Move cannot see (e.g. introduced by multiple mutations in sequence).
func (d *Disk) ValidateLayout() error {
	mounts := map[string]int{}
	active := make([]*Partition, 0, len(d.Partitions))
	for _, p := range d.Partitions {
		if p.Remove {
			continue
		}
		active = append(active, p)
		if p.MountTarget != "" {
			if existing, ok := mounts[p.MountTarget]; ok {
				return newErr(KindDuplicateMountTarget, d.DevicePath, p.Number,
					fmt.Sprintf("mount target %q already claimed by partition %d", p.MountTarget, existing), nil)
			}
			mounts[p.MountTarget] = p.Number
		}
	}
	for i, a := range active {
		for j, b := range active {
			if i >= j {
				continue
			}
			if a.StartSector <= b.EndSector && b.StartSector <= a.EndSector {
				return errOverlaps(d.DevicePath, b.Number)
			}
		}
	}
	if d.Table == TableMSDOS {
		primary, _, extended := d.GetPartitionTypeCount()
		if primary+extended > 4 {
			return newErr(KindPrimaryPartitionsExceeded, d.DevicePath, 0,
				"msdos table cannot hold more than 4 primary/extended partitions", nil)
		}
		if extended > 1 {
			return newErr(KindPrimaryPartitionsExceeded, d.DevicePath, 0,
				"msdos table cannot hold more than one extended partition", nil)
		}
	}
	for _, p := range active {
		if !p.WillFormat() {
			continue
		}
		if min := p.FormatWith.MinimumSectors(d.SectorSize); p.Sectors() < min {
			return errTooSmall(d.DevicePath, p.Sectors(), min)
		}
	}
	return nil
}
