// Package disk implements the in-memory disk configuration model: physical
// disks, partitions, LVM volume groups and LUKS containers, plus the
// operations that mutate a configuration before it is diffed against
// probed hardware state.
package disk

import "fmt"

// FileSystemType enumerates the file systems this engine understands.
type FileSystemType string

const (
	FSNone  FileSystemType = ""
	FSBtrfs FileSystemType = "btrfs"
	FSExt2  FileSystemType = "ext2"
	FSExt3  FileSystemType = "ext3"
	FSExt4  FileSystemType = "ext4"
	FSF2FS  FileSystemType = "f2fs"
	FSFat16 FileSystemType = "fat16"
	FSFat32 FileSystemType = "fat32"
	FSNTFS  FileSystemType = "ntfs"
	FSSwap  FileSystemType = "swap"
	FSXFS   FileSystemType = "xfs"
	FSExfat FileSystemType = "exfat"
	FSLVM   FileSystemType = "lvm"
	FSLUKS  FileSystemType = "luks"
)

// ParseFileSystemType parses the CLI-level filesystem name grammar.
func ParseFileSystemType(s string) (FileSystemType, error) {
	switch s {
	case "btrfs":
		return FSBtrfs, nil
	case "ext2":
		return FSExt2, nil
	case "ext3":
		return FSExt3, nil
	case "ext4":
		return FSExt4, nil
	case "f2fs":
		return FSF2FS, nil
	case "fat16":
		return FSFat16, nil
	case "fat32":
		return FSFat32, nil
	case "ntfs":
		return FSNTFS, nil
	case "swap", "linux-swap(v1)":
		return FSSwap, nil
	case "xfs":
		return FSXFS, nil
	case "exfat":
		return FSExfat, nil
	case "lvm":
		return FSLVM, nil
	case "luks":
		return FSLUKS, nil
	default:
		return FSNone, fmt.Errorf("invalid file system name %q", s)
	}
}

// MinimumSectors returns the smallest number of 512-byte-equivalent sectors
// a filesystem of this type can reasonably occupy, scaled to the given
// sector size. Used by TooSmall validation.
func (fs FileSystemType) MinimumSectors(sectorSize uint64) uint64 {
	var minBytes uint64
	switch fs {
	case FSFat16:
		minBytes = 16 * 1024 * 1024
	case FSFat32, FSExfat:
		minBytes = 32 * 1024 * 1024
	case FSSwap:
		minBytes = 1 * 1024 * 1024
	case FSBtrfs, FSXFS:
		minBytes = 256 * 1024 * 1024
	case FSNTFS:
		minBytes = 64 * 1024 * 1024
	default:
		minBytes = 8 * 1024 * 1024
	}
	if sectorSize == 0 {
		sectorSize = 512
	}
	sectors := minBytes / sectorSize
	if sectors == 0 {
		sectors = 1
	}
	return sectors
}

// PartitionType distinguishes the MSDOS primary/extended/logical roles. On
// GPT disks every partition is Primary; Extended/Logical only apply to
// MSDOS tables.
type PartitionType int

const (
	Primary PartitionType = iota
	Logical
	Extended
)

func (t PartitionType) String() string {
	switch t {
	case Primary:
		return "primary"
	case Logical:
		return "logical"
	case Extended:
		return "extended"
	default:
		return "unknown"
	}
}

// PartitionTable is the on-disk table format.
type PartitionTable int

const (
	TableNone PartitionTable = iota
	TableGPT
	TableMSDOS
)

func (t PartitionTable) String() string {
	switch t {
	case TableGPT:
		return "gpt"
	case TableMSDOS:
		return "msdos"
	default:
		return "none"
	}
}

// ParsePartitionTable parses the `-t DEV:TABLE` grammar's table component.
func ParsePartitionTable(s string) (PartitionTable, error) {
	switch s {
	case "gpt":
		return TableGPT, nil
	case "msdos":
		return TableMSDOS, nil
	default:
		return TableNone, fmt.Errorf("invalid partition table kind %q", s)
	}
}

// PartitionFlag mirrors the subset of libparted/GPT partition flags this
// engine reasons about directly.
type PartitionFlag int

const (
	FlagBoot PartitionFlag = iota
	FlagESP
	FlagRoot
	FlagSwap
	FlagLVM
	FlagBiosGrub
	FlagLegacyBoot
	FlagMsftData
	FlagIRST
)

func (f PartitionFlag) String() string {
	switch f {
	case FlagBoot:
		return "boot"
	case FlagESP:
		return "esp"
	case FlagRoot:
		return "root"
	case FlagSwap:
		return "swap"
	case FlagLVM:
		return "lvm"
	case FlagBiosGrub:
		return "bios_grub"
	case FlagLegacyBoot:
		return "legacy_boot"
	case FlagMsftData:
		return "msftdata"
	case FlagIRST:
		return "irst"
	default:
		return "unknown"
	}
}

// ParsePartitionFlag parses one `flags=F1,F2` token.
func ParsePartitionFlag(s string) (PartitionFlag, error) {
	switch s {
	case "boot":
		return FlagBoot, nil
	case "esp":
		return FlagESP, nil
	case "root":
		return FlagRoot, nil
	case "swap":
		return FlagSwap, nil
	case "lvm":
		return FlagLVM, nil
	case "bios_grub":
		return FlagBiosGrub, nil
	case "legacy_boot":
		return FlagLegacyBoot, nil
	case "msftdata":
		return FlagMsftData, nil
	case "irst":
		return FlagIRST, nil
	default:
		return 0, fmt.Errorf("invalid partition flag %q", s)
	}
}
