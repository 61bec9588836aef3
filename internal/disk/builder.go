package disk

// PartitionBuilder is a fluent value-object builder supplied to
// Disk.AddPartition. Each configurator method returns the updated builder;
// partial builders are never observable once AddPartition consumes one.
type PartitionBuilder struct {
	startSector uint64
	endSector   uint64
	filesystem  FileSystemType
	partType    PartitionType
	label       string
	flags       map[PartitionFlag]bool
	mount       string
	volumeGroup *VolumeGroupRef
	keyfileID   string
}

// NewPartitionBuilder starts a builder for a partition spanning
// [start, end] inclusive sectors with the given intended filesystem.
func NewPartitionBuilder(start, end uint64, fs FileSystemType) *PartitionBuilder {
	return &PartitionBuilder{
		startSector: start,
		endSector:   end,
		filesystem:  fs,
		partType:    Primary,
		flags:       map[PartitionFlag]bool{},
	}
}

func (b *PartitionBuilder) Label(name string) *PartitionBuilder {
	b.label = name
	return b
}

func (b *PartitionBuilder) PartitionType(t PartitionType) *PartitionBuilder {
	b.partType = t
	return b
}

func (b *PartitionBuilder) Flag(f PartitionFlag) *PartitionBuilder {
	b.flags[f] = true
	return b
}

func (b *PartitionBuilder) Mount(target string) *PartitionBuilder {
	b.mount = target
	return b
}

// LogicalVolume assigns the new partition to an LVM volume group, optionally
// through a LUKS container. Declaring encryption implicitly means: this
// physical partition becomes a LUKS container whose unlocked mapping
// becomes a PV for the stated VG.
func (b *PartitionBuilder) LogicalVolume(group string, enc *LuksEncryption) *PartitionBuilder {
	b.volumeGroup = &VolumeGroupRef{Group: group, Encryption: enc}
	return b
}

// AssociateKeyfile marks that this partition holds a keyfile of the given id,
// and must be mounted at target so the key can be found at install time.
func (b *PartitionBuilder) AssociateKeyfile(id, target string) *PartitionBuilder {
	b.keyfileID = id
	b.mount = target
	return b
}

// Build produces the final Partition. The returned value should be passed
// straight to Disk.AddPartition; it is not re-usable.
func (b *PartitionBuilder) Build() *Partition {
	fs := b.filesystem
	if b.volumeGroup != nil {
		fs = FSLVM
	}
	p := &Partition{
		Number:      -1,
		StartSector: b.startSector,
		EndSector:   b.endSector,
		Type:        b.partType,
		Filesystem:  fs,
		FormatWith:  fs,
		Format:      true,
		Label:       b.label,
		Flags:       b.flags,
		MountTarget: b.mount,
		VolumeGroup: b.volumeGroup,
		KeyfileID:   b.keyfileID,
	}
	return p
}
