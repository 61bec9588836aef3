// Package planner diffs a probed baseline Disks against an intended Disks
// and produces the ordered operation sequence the executor applies,
// following the shrink-before-move-before-grow, removals-before-additions
// discipline distinst's Disks::diff enforces.
package planner

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sigreer/jbodinstall/internal/disk"
	"github.com/sigreer/jbodinstall/internal/disk/lvm"
)

// OpKind discriminates one entry in a Plan.
type OpKind int

const (
	OpUnmount OpKind = iota
	OpRemovePartition
	OpShrinkFilesystem
	OpResizeTable
	OpMovePartition
	OpGrowFilesystem
	OpCreatePartition
	OpFormatPartition
	OpCommitTable
	OpRemoveLogicalVolume
	OpCreateVolumeGroup
	OpCreateLogicalVolume
	OpFormatLogicalVolume
	OpLuksFormat
	OpLuksOpen
	OpPVCreate
)

func (k OpKind) String() string {
	switch k {
	case OpUnmount:
		return "unmount"
	case OpRemovePartition:
		return "remove-partition"
	case OpShrinkFilesystem:
		return "shrink-filesystem"
	case OpResizeTable:
		return "resize-table"
	case OpMovePartition:
		return "move-partition"
	case OpGrowFilesystem:
		return "grow-filesystem"
	case OpCreatePartition:
		return "create-partition"
	case OpFormatPartition:
		return "format-partition"
	case OpCommitTable:
		return "commit-table"
	case OpRemoveLogicalVolume:
		return "remove-logical-volume"
	case OpCreateVolumeGroup:
		return "create-volume-group"
	case OpCreateLogicalVolume:
		return "create-logical-volume"
	case OpFormatLogicalVolume:
		return "format-logical-volume"
	case OpLuksFormat:
		return "luks-format"
	case OpLuksOpen:
		return "luks-open"
	case OpPVCreate:
		return "pvcreate"
	default:
		return "unknown"
	}
}

// Op is one ordered step in a Plan.
type Op struct {
	Kind       OpKind
	Device     string // disk device path or volume group name
	Number     int    // partition number, when applicable
	Volume     string // logical volume name, when applicable
	NewStart   uint64
	NewEnd     uint64
	FormatWith disk.FileSystemType
	Detail     string
	MapperName string
	KeyPath    string
	Devices    []string // backing physical volume device paths, for OpCreateVolumeGroup
}

// Plan is the full ordered operation sequence for one install, spanning
// every disk plus the LVM layer, ready for dry-run inspection or
// execution.
type Plan struct {
	Ops []Op
}

// BootMode selects which cross-disk boot invariants apply.
type BootMode int

const (
	BootModeEFI BootMode = iota
	BootModeBIOS
)

// Build runs the full §4.4 algorithm: cross-disk and install-target
// validation, keyfile path resolution, per-disk layout validation, diff and
// physical op emission, then the LVM plan layered on top. The
// LVM stage assumes every volume group's physical volumes are already
// final in intended (their backing partitions are not concurrently
// resized by this same Plan).
func Build(baseline, intended *disk.Disks, volumeGroups map[string]*lvm.Device, baselineVGs map[string]*lvm.Device, mode BootMode) (*Plan, error) {
	if err := intended.ValidateCrossDisk(); err != nil {
		return nil, err
	}
	if err := validateInstallTargets(intended, volumeGroups, mode); err != nil {
		return nil, err
	}
	resolveKeyPaths(intended)

	plan := &Plan{}

	baseDisks := map[string]*disk.Disk{}
	if baseline != nil {
		for _, d := range baseline.Disks {
			baseDisks[d.DevicePath] = d
		}
	}

	usedMappers := map[string]bool{}
	for _, d := range intended.Disks {
		if err := d.ValidateLayout(); err != nil {
			return nil, err
		}
		changes := d.Diff(baseDisks[d.DevicePath])
		plan.Ops = append(plan.Ops, physicalOps(d, changes, usedMappers)...)
	}

	for name, vg := range volumeGroups {
		if err := vg.Validate(); err != nil {
			return nil, err
		}
		lvChanges := vg.Diff(baselineVGs[name])
		plan.Ops = append(plan.Ops, lvmOps(vg, lvChanges)...)
	}

	return plan, nil
}

// resolveKeyPaths fills in each keydata-backed LuksEncryption's
// KeyDevicePath and KeyMountPath from its referenced keyfile partition,
// now that ValidateCrossDisk has confirmed the reference resolves.
// physicalOps hands KeyDevicePath to the LUKS format/open ops as their key
// file; KeyMountPath only records where the keyfile partition is mounted.
func resolveKeyPaths(ds *disk.Disks) {
	for _, d := range ds.Disks {
		for _, p := range d.Partitions {
			if p.Remove || p.VolumeGroup == nil || p.VolumeGroup.Encryption == nil {
				continue
			}
			enc := p.VolumeGroup.Encryption
			if !enc.HasKeydata() {
				continue
			}
			_, kp := ds.FindKeyfilePartition(enc.KeydataID)
			if kp == nil {
				continue
			}
			enc.KeyDevicePath = kp.DevicePath
			enc.KeyMountPath = kp.MountTarget
		}
	}
}

// physicalOps translates one disk's Changes into the ordering distinst's
// DiskOps enforces: unmount-affected first, removals, shrinks (filesystem
// shrunk before the table entry that backs it), inward moves before outward
// moves, the table grown, creates, a single table commit, then the
// filesystem grown to fill the now-committed larger table entry, and formats
// last (newly created partitions that are not volume group members
// included).
func physicalOps(d *disk.Disk, changes []disk.Change, usedMappers map[string]bool) []Op {
	var unmounts, removals, shrinks, inwardMoves, outwardMoves, grows, growFs, creates, formats []Op

	for _, c := range changes {
		switch {
		case c.Remove:
			if c.Partition.MountTarget != "" {
				unmounts = append(unmounts, Op{Kind: OpUnmount, Device: d.DevicePath, Number: c.Number, Detail: c.Partition.MountTarget})
			}
			removals = append(removals, Op{Kind: OpRemovePartition, Device: d.DevicePath, Number: c.Number})
		case c.Resize:
			tableOp := Op{Kind: OpResizeTable, Device: d.DevicePath, Number: c.Number, NewStart: c.NewStart, NewEnd: c.NewEnd}
			fsOp := Op{Device: d.DevicePath, Number: c.Number, NewStart: c.NewStart, NewEnd: c.NewEnd, FormatWith: c.Partition.Filesystem}
			if c.Shrink {
				// shrink the filesystem before the table entry that backs it
				// shrinks, or resize2fs/ntfsresize would be asked to grow
				// into a table entry it no longer owns.
				fsOp.Kind = OpShrinkFilesystem
				shrinks = append(shrinks, fsOp, tableOp)
			} else {
				// grow the table entry first, then the filesystem, once the
				// larger table entry is actually committed.
				fsOp.Kind = OpGrowFilesystem
				grows = append(grows, tableOp)
				growFs = append(growFs, fsOp)
			}
		case c.Move:
			op := Op{Kind: OpMovePartition, Device: d.DevicePath, Number: c.Number, NewStart: c.NewStart, NewEnd: c.NewEnd}
			if c.Inward {
				inwardMoves = append(inwardMoves, op)
			} else {
				outwardMoves = append(outwardMoves, op)
			}
		case c.Add:
			creates = append(creates, Op{Kind: OpCreatePartition, Device: d.DevicePath, Number: c.Number,
				NewStart: c.Partition.StartSector, NewEnd: c.Partition.EndSector})
			if vg := c.Partition.VolumeGroup; vg != nil {
				partPath := disk.DevicePartitionPath(d.DevicePath, c.Number)
				if vg.Encryption != nil {
					mapper := luksMapperName(vg.Encryption, usedMappers)
					creates = append(creates, Op{Kind: OpLuksFormat, Device: partPath, MapperName: mapper, KeyPath: vg.Encryption.KeyDevicePath})
					creates = append(creates, Op{Kind: OpLuksOpen, Device: partPath, MapperName: mapper, KeyPath: vg.Encryption.KeyDevicePath})
					creates = append(creates, Op{Kind: OpPVCreate, Device: "/dev/mapper/" + mapper})
				} else {
					creates = append(creates, Op{Kind: OpPVCreate, Device: partPath})
				}
			} else if c.Partition.WillFormat() {
				formats = append(formats, Op{Kind: OpFormatPartition, Device: d.DevicePath, Number: c.Number, FormatWith: c.Partition.FormatWith})
			}
		case c.Format:
			formats = append(formats, Op{Kind: OpFormatPartition, Device: d.DevicePath, Number: c.Number, FormatWith: c.FormatWith})
		}
	}

	out := make([]Op, 0, len(unmounts)+len(removals)+len(shrinks)+len(inwardMoves)+len(outwardMoves)+len(grows)+len(creates)+len(growFs)+len(formats)+1)
	out = append(out, unmounts...)
	out = append(out, removals...)
	out = append(out, shrinks...)
	out = append(out, inwardMoves...)
	out = append(out, outwardMoves...)
	out = append(out, grows...)
	out = append(out, creates...)
	if len(creates) > 0 || len(removals) > 0 || len(inwardMoves) > 0 || len(outwardMoves) > 0 || len(shrinks) > 0 || len(grows) > 0 {
		out = append(out, Op{Kind: OpCommitTable, Device: d.DevicePath})
	}
	out = append(out, growFs...)
	out = append(out, formats...)
	return out
}

// luksMapperName picks the device-mapper name a new LUKS container opens
// under: the name the CLI's enc=NAME,... declared, or a random suffix if
// that name already names another mapper in this same plan. This mirrors
// distinst's generate_unique_id, minus the live dmsetup lookup — only this
// plan's own previously assigned names are known at this point, so the
// uniqueness check is scoped to them rather than to every mapper active on
// the system.
func luksMapperName(enc *disk.LuksEncryption, used map[string]bool) string {
	declared := enc.PhysicalVolume
	candidate := declared
	if candidate == "" {
		candidate = "luks-" + uuid.NewString()[:8]
	}
	for used[candidate] {
		candidate = declared + "-" + uuid.NewString()[:8]
		if declared == "" {
			candidate = "luks-" + uuid.NewString()[:8]
		}
	}
	used[candidate] = true
	enc.PhysicalVolume = candidate
	return candidate
}

// pvDevicePath returns the device vgcreate/vgextend should see for one of a
// volume group's backing partitions: the dm-crypt mapper once a LUKS
// container has been opened on it, or the partition itself when plain.
func pvDevicePath(pv *disk.Partition) string {
	if pv.VolumeGroup != nil && pv.VolumeGroup.Encryption != nil && pv.VolumeGroup.Encryption.PhysicalVolume != "" {
		return "/dev/mapper/" + pv.VolumeGroup.Encryption.PhysicalVolume
	}
	return pv.DevicePath
}

// lvmOps translates one volume group's Changes: removals first (freeing
// extents), then the group itself if newly declared, then creates, then
// formats — mirroring §4.4 step 5.
func lvmOps(vg *lvm.Device, changes []lvm.Change) []Op {
	var out []Op
	for _, c := range changes {
		if c.Remove {
			out = append(out, Op{Kind: OpRemoveLogicalVolume, Device: vg.VolumeGroup, Volume: c.Name})
		}
	}
	if vg.IsSource == false && len(vg.PhysicalVolumes) > 0 {
		devices := make([]string, 0, len(vg.PhysicalVolumes))
		for _, pv := range vg.PhysicalVolumes {
			devices = append(devices, pvDevicePath(pv))
		}
		out = append(out, Op{Kind: OpCreateVolumeGroup, Device: vg.VolumeGroup, Devices: devices})
	}
	for _, c := range changes {
		if c.Add {
			out = append(out, Op{Kind: OpCreateLogicalVolume, Device: vg.VolumeGroup, Volume: c.Name,
				NewEnd: c.Volume.EndSector})
		}
	}
	for _, c := range changes {
		if c.Format {
			out = append(out, Op{Kind: OpFormatLogicalVolume, Device: vg.VolumeGroup, Volume: c.Name, FormatWith: c.FormatWith})
		} else if c.Add && c.Volume.WillFormat() {
			out = append(out, Op{Kind: OpFormatLogicalVolume, Device: vg.VolumeGroup, Volume: c.Name, FormatWith: c.Volume.FormatWith})
		}
	}
	return out
}

// validateInstallTargets enforces §4.4 item 4: exactly one partition or
// logical volume mounted at "/"; exactly one ESP-flagged partition mounted
// at "/boot/efi" in EFI mode (the ESP can never be an LV — it must be
// readable by firmware before LVM is ever activated); a BIOS_GRUB
// partition on a GPT disk in BIOS mode; swap filesystems unique by UUID is
// left to the executor (UUIDs are only known once mkswap runs); LUKS
// parents resolving is checked by Disks.ValidateCrossDisk. Logical volumes
// are treated as Partitions for the "/" count, per §3's LvmDevice
// definition, since root can live on an LV just as well as a plain
// partition.
func validateInstallTargets(ds *disk.Disks, volumeGroups map[string]*lvm.Device, mode BootMode) error {
	var rootCount, espCount, biosGrubCount int
	hasGPT := false
	for _, d := range ds.Disks {
		if d.Table == disk.TableGPT {
			hasGPT = true
		}
		for _, p := range d.Partitions {
			if p.Remove {
				continue
			}
			if p.MountTarget == "/" {
				rootCount++
			}
			if p.MountTarget == "/boot/efi" && p.FlagSet(disk.FlagESP) {
				espCount++
			}
			if p.FlagSet(disk.FlagBiosGrub) && d.Table == disk.TableGPT {
				biosGrubCount++
			}
		}
	}
	for _, vg := range volumeGroups {
		for _, lv := range vg.LogicalVolumes {
			if !lv.Remove && lv.MountTarget == "/" {
				rootCount++
			}
		}
	}
	if rootCount != 1 {
		return &disk.Error{Kind: disk.KindInvalidInput,
			Message: fmt.Sprintf("expected exactly one partition mounted at /, found %d", rootCount)}
	}
	switch mode {
	case BootModeEFI:
		if espCount != 1 {
			return newErr(disk.KindBootloaderRequirementUnmet,
				fmt.Sprintf("efi boot requires exactly one esp-flagged partition mounted at /boot/efi, found %d", espCount))
		}
	case BootModeBIOS:
		if hasGPT && biosGrubCount < 1 {
			return newErr(disk.KindBootloaderRequirementUnmet,
				"bios boot on a gpt disk requires a bios_grub flagged partition")
		}
	}
	return nil
}

func newErr(kind disk.ErrorKind, msg string) *disk.Error {
	return &disk.Error{Kind: kind, Message: msg}
}
