package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sigreer/jbodinstall/internal/disk"
	"github.com/sigreer/jbodinstall/internal/disk/lvm"
)

// layoutFlags collects the repeatable `-b/-t/-n/-u/-d/-m/--logical*/--decrypt`
// flags before they are applied against a probed baseline, mirroring the
// way the teacher's drive/hba commands collect repeatable flags before
// dispatching to internal packages.
type layoutFlags struct {
	includeDevices []string
	mklabels       []string // DEV:TABLE
	newParts       []string // DEV:TYPE:START:END:FS[:...]
	reuseParts     []string // DEV:NUM:FS|reuse[:...]
	deletes        []string // DEV:NUM[:NUM]
	moves          []string // DEV:NUM:START:END
	logicalAdds    []string // VG:NAME:SIZE:FS[:mount=M]
	logicalMods    []string // VG:NAME[:fs=X][:mount=M]
	logicalRemoves []string // VG:NAME
	decrypts       []string // DEV:VG:pass=P|keyfile=K
}

// applyLayout mutates intended according to every collected flag, in the
// order a human would naturally specify them on the command line: table
// first, then deletes, moves, new/reused partitions, then the LVM layer.
func applyLayout(intended *disk.Disks, f layoutFlags) (map[string]*lvm.Device, error) {
	for _, spec := range f.mklabels {
		dev, table, err := splitPair(spec)
		if err != nil {
			return nil, err
		}
		d := intended.GetDisk(dev)
		if d == nil {
			return nil, fmt.Errorf("-t: unknown device %q", dev)
		}
		t, err := disk.ParsePartitionTable(table)
		if err != nil {
			return nil, err
		}
		d.Mklabel(t)
	}

	for _, spec := range f.deletes {
		if err := applyDelete(intended, spec); err != nil {
			return nil, err
		}
	}

	for _, spec := range f.moves {
		if err := applyMove(intended, spec); err != nil {
			return nil, err
		}
	}

	for _, spec := range f.reuseParts {
		if err := applyReuse(intended, spec); err != nil {
			return nil, err
		}
	}

	for _, spec := range f.newParts {
		if err := applyNew(intended, spec); err != nil {
			return nil, err
		}
	}

	groups := map[string]*lvm.Device{}
	for _, spec := range f.logicalAdds {
		if err := applyLogicalAdd(intended, groups, spec); err != nil {
			return nil, err
		}
	}
	for _, spec := range f.logicalMods {
		if err := applyLogicalModify(groups, spec); err != nil {
			return nil, err
		}
	}
	for _, spec := range f.logicalRemoves {
		if err := applyLogicalRemove(groups, spec); err != nil {
			return nil, err
		}
	}
	for _, spec := range f.decrypts {
		if err := applyDecrypt(intended, spec); err != nil {
			return nil, err
		}
	}

	return groups, nil
}

func splitPair(spec string) (string, string, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected DEV:VALUE, got %q", spec)
	}
	return parts[0], parts[1], nil
}

func applyDelete(ds *disk.Disks, spec string) error {
	fields := strings.Split(spec, ":")
	if len(fields) < 2 {
		return fmt.Errorf("-d: expected DEV:NUM[:NUM], got %q", spec)
	}
	d := ds.GetDisk(fields[0])
	if d == nil {
		return fmt.Errorf("-d: unknown device %q", fields[0])
	}
	for _, raw := range fields[1:] {
		num, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("-d: invalid partition number %q", raw)
		}
		if err := d.RemovePartition(num); err != nil {
			return err
		}
	}
	return nil
}

func applyMove(ds *disk.Disks, spec string) error {
	fields := strings.Split(spec, ":")
	if len(fields) != 4 {
		return fmt.Errorf("-m: expected DEV:NUM:START:END, got %q", spec)
	}
	d := ds.GetDisk(fields[0])
	if d == nil {
		return fmt.Errorf("-m: unknown device %q", fields[0])
	}
	num, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("-m: invalid partition number %q", fields[1])
	}
	start, err := resolveSectorOn(d, fields[2])
	if err != nil {
		return err
	}
	end, err := resolveSectorOn(d, fields[3])
	if err != nil {
		return err
	}
	if err := d.MovePartition(num, start); err != nil {
		return err
	}
	return d.ResizePartition(num, end)
}

func resolveSectorOn(d *disk.Disk, raw string) (uint64, error) {
	s, err := disk.ParseSector(raw)
	if err != nil {
		return 0, err
	}
	return d.GetSector(s)
}

// applyNew parses `DEV:TYPE:START:END:FS[:mount=M][:flags=F1,F2][:lvm=VG]
// [:enc=NAME,VG,pass=P|keyfile=K][:keyid=K]`.
func applyNew(ds *disk.Disks, spec string) error {
	fields := strings.Split(spec, ":")
	if len(fields) < 5 {
		return fmt.Errorf("-n: expected DEV:TYPE:START:END:FS[:...], got %q", spec)
	}
	d := ds.GetDisk(fields[0])
	if d == nil {
		return fmt.Errorf("-n: unknown device %q", fields[0])
	}
	ptype, err := parsePartitionType(fields[1])
	if err != nil {
		return err
	}
	start, err := resolveSectorOn(d, fields[2])
	if err != nil {
		return err
	}
	end, err := resolveSectorOn(d, fields[3])
	if err != nil {
		return err
	}
	fs, err := disk.ParseFileSystemType(fields[4])
	if err != nil {
		return err
	}

	builder := disk.NewPartitionBuilder(start, end, fs).PartitionType(ptype)

	for _, opt := range fields[5:] {
		if err := applyNewOption(ds, builder, opt); err != nil {
			return err
		}
	}

	p := builder.Build()
	if err := d.AddPartition(p); err != nil {
		return err
	}
	if p.VolumeGroup != nil {
		ds.RegisterPhysicalVolume(p.VolumeGroup.Group, p)
	}
	return nil
}

func applyNewOption(ds *disk.Disks, builder *disk.PartitionBuilder, opt string) error {
	switch {
	case strings.HasPrefix(opt, "mount="):
		builder.Mount(strings.TrimPrefix(opt, "mount="))
	case strings.HasPrefix(opt, "flags="):
		for _, f := range strings.Split(strings.TrimPrefix(opt, "flags="), ",") {
			flag, err := disk.ParsePartitionFlag(f)
			if err != nil {
				return err
			}
			builder.Flag(flag)
		}
	case strings.HasPrefix(opt, "lvm="):
		builder.LogicalVolume(strings.TrimPrefix(opt, "lvm="), nil)
	case strings.HasPrefix(opt, "enc="):
		return applyEncOption(builder, strings.TrimPrefix(opt, "enc="))
	case strings.HasPrefix(opt, "keyid="):
		builder.AssociateKeyfile(strings.TrimPrefix(opt, "keyid="), "")
	default:
		return fmt.Errorf("-n: unrecognized option %q", opt)
	}
	return nil
}

// applyEncOption parses "NAME,VG,pass=P" or "NAME,VG,keyfile=K". NAME becomes
// the LUKS container's device-mapper name once the planner opens it.
func applyEncOption(builder *disk.PartitionBuilder, raw string) error {
	fields := strings.Split(raw, ",")
	if len(fields) != 3 {
		return fmt.Errorf("enc=: expected NAME,VG,pass=P|keyfile=K, got %q", raw)
	}
	vg := fields[1]
	enc := &disk.LuksEncryption{PhysicalVolume: fields[0]}
	switch {
	case strings.HasPrefix(fields[2], "pass="):
		enc.Password = strings.TrimPrefix(fields[2], "pass=")
	case strings.HasPrefix(fields[2], "keyfile="):
		enc.KeydataID = strings.TrimPrefix(fields[2], "keyfile=")
	default:
		return fmt.Errorf("enc=: expected pass= or keyfile=, got %q", fields[2])
	}
	builder.LogicalVolume(vg, enc)
	return nil
}

func parsePartitionType(s string) (disk.PartitionType, error) {
	switch s {
	case "primary":
		return disk.Primary, nil
	case "logical":
		return disk.Logical, nil
	case "extended":
		return disk.Extended, nil
	default:
		return 0, fmt.Errorf("invalid partition type %q", s)
	}
}

// applyReuse parses `DEV:NUM:FS|reuse[:mount=M][:flags=...]`.
func applyReuse(ds *disk.Disks, spec string) error {
	fields := strings.Split(spec, ":")
	if len(fields) < 3 {
		return fmt.Errorf("-u: expected DEV:NUM:FS|reuse[:...], got %q", spec)
	}
	d := ds.GetDisk(fields[0])
	if d == nil {
		return fmt.Errorf("-u: unknown device %q", fields[0])
	}
	num, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("-u: invalid partition number %q", fields[1])
	}
	p := d.GetPartition(num)
	if p == nil {
		return fmt.Errorf("-u: partition %d not found on %s", num, fields[0])
	}

	if fields[2] != "reuse" {
		fs, err := disk.ParseFileSystemType(fields[2])
		if err != nil {
			return err
		}
		if err := d.FormatPartition(num, fs); err != nil {
			return err
		}
	} else {
		p.Reuse = true
	}

	for _, opt := range fields[3:] {
		switch {
		case strings.HasPrefix(opt, "mount="):
			p.MountTarget = strings.TrimPrefix(opt, "mount=")
		case strings.HasPrefix(opt, "flags="):
			var flags []disk.PartitionFlag
			for _, f := range strings.Split(strings.TrimPrefix(opt, "flags="), ",") {
				flag, err := disk.ParsePartitionFlag(f)
				if err != nil {
					return err
				}
				flags = append(flags, flag)
			}
			if err := d.AddFlags(num, flags...); err != nil {
				return err
			}
		default:
			return fmt.Errorf("-u: unrecognized option %q", opt)
		}
	}
	return nil
}

// resolveLVSize parses SIZE per the Sector grammar, resolved as a length in
// sectors against a volume group's remaining capacity: a plain integer or
// "NM" is an absolute length, "-N"/"-NM" reserves that much space unconsumed
// at the end of the group, and "P%" takes that percentage of the group's
// total sectors. "start"/"end" are not meaningful lengths.
func resolveLVSize(vg *lvm.Device, raw string) (uint64, error) {
	s, err := disk.ParseSector(raw)
	if err != nil {
		return 0, err
	}
	free := vg.Sectors - vg.LastSector()
	switch s.Kind {
	case disk.SectorUnit:
		return s.Value, nil
	case disk.SectorMegabyte:
		return (s.Value * 1_000_000) / vg.SectorSize, nil
	case disk.SectorUnitFromEnd:
		if s.Value > free {
			return 0, fmt.Errorf("--logical: size %q exceeds free extents in group", raw)
		}
		return free - s.Value, nil
	case disk.SectorMegabyteFromEnd:
		reserve := (s.Value * 1_000_000) / vg.SectorSize
		if reserve > free {
			return 0, fmt.Errorf("--logical: size %q exceeds free extents in group", raw)
		}
		return free - reserve, nil
	case disk.SectorPercent:
		if s.Value >= 100 {
			return 0, nil // consume all remaining, same as "100%"/"free"
		}
		return (s.Value * vg.Sectors) / 100, nil
	default:
		return 0, fmt.Errorf("--logical: size %q is not a valid length", raw)
	}
}

func getOrCreateGroup(groups map[string]*lvm.Device, name string) *lvm.Device {
	vg, ok := groups[name]
	if !ok {
		vg = lvm.New(name, 512)
		groups[name] = vg
	}
	return vg
}

// applyLogicalAdd parses `VG:NAME:SIZE:FS[:mount=M]`. SIZE uses the same
// sector grammar as -m's START/END fields, resolved by resolveLVSize against
// the group's capacity.
func applyLogicalAdd(ds *disk.Disks, groups map[string]*lvm.Device, spec string) error {
	fields := strings.Split(spec, ":")
	if len(fields) < 4 {
		return fmt.Errorf("--logical: expected VG:NAME:SIZE:FS[:...], got %q", spec)
	}
	vg := getOrCreateGroup(groups, fields[0])
	if vgGroup, ok := ds.VolumeGroups[fields[0]]; ok {
		for _, pv := range vgGroup.PhysicalVolumes {
			vg.AddPhysicalVolume(pv)
		}
	}

	var sizeSectors uint64
	if fields[2] != "100%" && fields[2] != "free" {
		v, err := resolveLVSize(vg, fields[2])
		if err != nil {
			return err
		}
		sizeSectors = v
	}

	fs, err := disk.ParseFileSystemType(fields[3])
	if err != nil {
		return err
	}

	lv, err := vg.AddLogicalVolume(fields[1], sizeSectors, fs)
	if err != nil {
		return err
	}
	for _, opt := range fields[4:] {
		if strings.HasPrefix(opt, "mount=") {
			lv.MountTarget = strings.TrimPrefix(opt, "mount=")
		}
	}
	return nil
}

// applyLogicalModify parses `VG:NAME[:fs=X][:mount=M]`.
func applyLogicalModify(groups map[string]*lvm.Device, spec string) error {
	fields := strings.Split(spec, ":")
	if len(fields) < 2 {
		return fmt.Errorf("--logical-modify: expected VG:NAME[:...], got %q", spec)
	}
	vg := getOrCreateGroup(groups, fields[0])
	lv := vg.GetLogicalVolume(fields[1])
	if lv == nil {
		return fmt.Errorf("--logical-modify: logical volume %q not found in %q", fields[1], fields[0])
	}
	for _, opt := range fields[2:] {
		switch {
		case strings.HasPrefix(opt, "fs="):
			fs, err := disk.ParseFileSystemType(strings.TrimPrefix(opt, "fs="))
			if err != nil {
				return err
			}
			lv.FormatWith = fs
			lv.Format = true
		case strings.HasPrefix(opt, "mount="):
			lv.MountTarget = strings.TrimPrefix(opt, "mount=")
		default:
			return fmt.Errorf("--logical-modify: unrecognized option %q", opt)
		}
	}
	return nil
}

func applyLogicalRemove(groups map[string]*lvm.Device, spec string) error {
	vgName, name, err := splitPair(spec)
	if err != nil {
		return fmt.Errorf("--logical-remove: %w", err)
	}
	vg := getOrCreateGroup(groups, vgName)
	return vg.RemoveLogicalVolume(name)
}

// applyDecrypt parses `DEV:VG:pass=P|keyfile=K`, declaring that DEV is a
// LUKS container backing VG, and registers it as one of VG's physical
// volumes. The container is not opened here.
func applyDecrypt(ds *disk.Disks, spec string) error {
	fields := strings.Split(spec, ":")
	if len(fields) != 3 {
		return fmt.Errorf("--decrypt: expected DEV:VG:pass=P|keyfile=K, got %q", spec)
	}
	d, p := ds.FindPartition(fields[0])
	if p == nil {
		return fmt.Errorf("--decrypt: unknown partition device %q", fields[0])
	}
	_ = d
	enc := &disk.LuksEncryption{}
	switch {
	case strings.HasPrefix(fields[2], "pass="):
		enc.Password = strings.TrimPrefix(fields[2], "pass=")
	case strings.HasPrefix(fields[2], "keyfile="):
		enc.KeydataID = strings.TrimPrefix(fields[2], "keyfile=")
	default:
		return fmt.Errorf("--decrypt: expected pass= or keyfile=, got %q", fields[2])
	}
	p.VolumeGroup = &disk.VolumeGroupRef{Group: fields[1], Encryption: enc}
	ds.RegisterPhysicalVolume(fields[1], p)
	return nil
}
