// Package external wraps every command-line tool this engine shells out to:
// parted, the mkfs.* family, cryptsetup, the LVM toolset, blkid, findmnt,
// losetup and blockdev. Every wrapper captures stdout/stderr and maps a
// non-zero exit into a disk.Error of KindExternalToolFailure so callers
// never have to deal with *exec.ExitError directly.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sigreer/jbodinstall/internal/disk"
)

// run executes tool with args, logging the invocation at debug level the
// way a careful operator would want to reproduce it by hand, and folds any
// failure into disk.KindExternalToolFailure.
func run(ctx context.Context, tool string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logrus.WithFields(logrus.Fields{"tool": tool, "args": args}).Debug("running external tool")

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	code := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	return stdout.String(), &disk.Error{
		Kind:    disk.KindExternalToolFailure,
		Message: strings.TrimSpace(stderr.String()),
		Err:     err,
		Device:  tool,
		// Partition carries the exit code here; there is no partition in
		// scope and the field is otherwise unused by this error kind.
		Partition: code,
	}
}

// Parted runs `parted -s -a optimal <device> <args...>` for every
// non-interactive partition table edit: mklabel, mkpart, rm, name, set.
func Parted(ctx context.Context, device string, args ...string) error {
	full := append([]string{"-s", "-a", "optimal", device}, args...)
	_, err := run(ctx, "parted", full...)
	return err
}

// PartProbe re-reads a device's partition table into the kernel after an
// out-of-band edit, mirroring udevadm settle usage elsewhere in the stack.
func PartProbe(ctx context.Context, device string) error {
	_, err := run(ctx, "partprobe", device)
	return err
}

var mkfsCommands = map[disk.FileSystemType][]string{
	disk.FSBtrfs: {"mkfs.btrfs", "-f"},
	disk.FSExt2:  {"mkfs.ext2", "-F", "-q"},
	disk.FSExt3:  {"mkfs.ext3", "-F", "-q"},
	disk.FSExt4:  {"mkfs.ext4", "-F", "-q"},
	disk.FSF2FS:  {"mkfs.f2fs", "-q"},
	disk.FSFat16: {"mkfs.fat", "-F", "16"},
	disk.FSFat32: {"mkfs.fat", "-F", "32"},
	disk.FSNTFS:  {"mkfs.ntfs", "-F", "-q"},
	disk.FSSwap:  {"mkswap", "-f"},
	disk.FSXFS:   {"mkfs.xfs", "-f"},
	disk.FSExfat: {"mkfs.exfat"},
}

// Mkfs formats partitionPath with kind using the teacher mkfs wrapper's
// one-tool-per-filesystem table. LVM/LUKS are not formattable directly and
// return KindInvalidInput if requested.
func Mkfs(ctx context.Context, partitionPath string, kind disk.FileSystemType, label string) error {
	cmdArgs, ok := mkfsCommands[kind]
	if !ok {
		return &disk.Error{Kind: disk.KindInvalidInput, Device: partitionPath,
			Message: "file system " + string(kind) + " cannot be created directly"}
	}
	args := append([]string{}, cmdArgs[1:]...)
	if label != "" {
		switch kind {
		case disk.FSExt2, disk.FSExt3, disk.FSExt4:
			args = append(args, "-L", label)
		case disk.FSXFS:
			args = append(args, "-L", label)
		case disk.FSBtrfs:
			args = append(args, "-L", label)
		case disk.FSFat16, disk.FSFat32:
			args = append(args, "-n", label)
		case disk.FSSwap:
			args = append(args, "-L", label)
		}
	}
	args = append(args, partitionPath)
	_, err := run(ctx, cmdArgs[0], args...)
	if err != nil {
		if e, ok := err.(*disk.Error); ok {
			e.Device = partitionPath
		}
	}
	return err
}

// Resize2fs resizes an ext2/3/4 filesystem to sizeSectors, expressed in
// resize2fs's 512-byte-sector unit suffix.
func Resize2fs(ctx context.Context, partitionPath string, sizeSectors uint64) error {
	_, err := run(ctx, "resize2fs", partitionPath, itoa(sizeSectors)+"s")
	return err
}

// NTFSResize resizes an NTFS filesystem to sizeSectors, --force skipping the
// interactive confirmation ntfsresize otherwise demands before a resize.
func NTFSResize(ctx context.Context, partitionPath string, sizeSectors uint64) error {
	_, err := run(ctx, "ntfsresize", "--force", "--size", formatBytes(sizeSectors*512), partitionPath)
	return err
}

// CryptsetupFormat initializes a LUKS container on partitionPath, reading
// the passphrase from stdin via --key-file=- is avoided here in favor of a
// detached key file argument so secrets never transit argv.
func CryptsetupFormat(ctx context.Context, partitionPath, keyFilePath string) error {
	_, err := run(ctx, "cryptsetup", "-q", "luksFormat", partitionPath, "--key-file", keyFilePath)
	return err
}

// CryptsetupOpen unlocks a LUKS container at partitionPath under the given
// mapper name.
func CryptsetupOpen(ctx context.Context, partitionPath, mapperName, keyFilePath string) error {
	_, err := run(ctx, "cryptsetup", "open", partitionPath, mapperName, "--key-file", keyFilePath, "--type", "luks")
	return err
}

// CryptsetupClose tears down an unlocked LUKS mapping.
func CryptsetupClose(ctx context.Context, mapperName string) error {
	_, err := run(ctx, "cryptsetup", "close", mapperName)
	return err
}

// PVCreate initializes physical volumes for LVM on the given devices (raw
// partitions or LUKS mapper paths).
func PVCreate(ctx context.Context, devices ...string) error {
	_, err := run(ctx, "pvcreate", devices...)
	return err
}

// PVRemove wipes LVM physical-volume metadata from the given devices.
func PVRemove(ctx context.Context, devices ...string) error {
	_, err := run(ctx, "pvremove", devices...)
	return err
}

// VGCreate creates a volume group spanning the given physical volumes.
func VGCreate(ctx context.Context, group string, devices ...string) error {
	args := append([]string{group}, devices...)
	_, err := run(ctx, "vgcreate", args...)
	return err
}

// VGRemove removes a volume group.
func VGRemove(ctx context.Context, group string) error {
	_, err := run(ctx, "vgremove", "-f", group)
	return err
}

// VGActivate/VGDeactivate bring a volume group's logical volumes in or out
// of the device mapper, used around chroot teardown and install-run
// cleanup. Deactivate syncs first, the same export discipline as a ZFS
// pool export: flush everything to the member devices before dropping the
// mapping, so a deactivate never races a pending write.
func VGActivate(ctx context.Context, group string) error {
	_, err := run(ctx, "vgchange", "-a", "y", group)
	return err
}

func VGDeactivate(ctx context.Context, group string) error {
	exec.CommandContext(ctx, "sync").Run()
	_, err := run(ctx, "vgchange", "-a", "n", group)
	return err
}

// LVCreate allocates a logical volume of the given size (in sectors of
// 512 bytes, converted to LVM's `--size` bytes suffix) within group.
func LVCreate(ctx context.Context, group, name string, sizeSectors uint64) error {
	sizeBytes := sizeSectors * 512
	_, err := run(ctx, "lvcreate", "-n", name, "-L", formatBytes(sizeBytes), group)
	return err
}

// LVCreateAll allocates a logical volume consuming all remaining free
// extents in the group (the distinst "give it what's left" convention).
func LVCreateAll(ctx context.Context, group, name string) error {
	_, err := run(ctx, "lvcreate", "-n", name, "-l", "100%FREE", group)
	return err
}

// LVRemove removes a logical volume.
func LVRemove(ctx context.Context, group, name string) error {
	_, err := run(ctx, "lvremove", "-f", group+"/"+name)
	return err
}

func formatBytes(b uint64) string {
	return itoa(b) + "B"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// pvsReport mirrors the subset of `pvs --reportformat json` this package
// consumes.
type pvsReport struct {
	Report []struct {
		PV []struct {
			Name   string `json:"pv_name"`
			VGName string `json:"vg_name"`
		} `json:"pv"`
	} `json:"report"`
}

// PVSLookup returns the volume group a physical volume device belongs to,
// or "" if the device is not an LVM PV.
func PVSLookup(ctx context.Context, device string) (string, error) {
	out, err := run(ctx, "pvs", "--reportformat", "json", "-o", "pv_name,vg_name")
	if err != nil {
		return "", err
	}
	var report pvsReport
	if jsonErr := json.Unmarshal([]byte(out), &report); jsonErr != nil {
		return "", &disk.Error{Kind: disk.KindExternalToolFailure, Device: "pvs", Message: "unparsable json report", Err: jsonErr}
	}
	for _, r := range report.Report {
		for _, pv := range r.PV {
			if pv.Name == device {
				return pv.VGName, nil
			}
		}
	}
	return "", nil
}

// lvsReport mirrors the subset of `lvs --reportformat json` this package
// consumes.
type lvsReport struct {
	Report []struct {
		LV []struct {
			Name   string `json:"lv_name"`
			VGName string `json:"vg_name"`
			Path   string `json:"lv_path"`
		} `json:"lv"`
	} `json:"report"`
}

// LVSList returns every logical volume name declared within group.
func LVSList(ctx context.Context, group string) ([]string, error) {
	out, err := run(ctx, "lvs", "--reportformat", "json", "-o", "lv_name,vg_name,lv_path")
	if err != nil {
		return nil, err
	}
	var report lvsReport
	if jsonErr := json.Unmarshal([]byte(out), &report); jsonErr != nil {
		return nil, &disk.Error{Kind: disk.KindExternalToolFailure, Device: "lvs", Message: "unparsable json report", Err: jsonErr}
	}
	var names []string
	for _, r := range report.Report {
		for _, lv := range r.LV {
			if lv.VGName == group {
				names = append(names, lv.Name)
			}
		}
	}
	return names, nil
}

// BlkidUUID resolves the filesystem UUID for a device, used when writing
// fstab entries. Returns "" if the device has no UUID (e.g. an
// unformatted raw partition).
func BlkidUUID(ctx context.Context, device string) (string, error) {
	out, err := run(ctx, "blkid", "-s", "UUID", "-o", "value", device)
	if err != nil {
		if e, ok := err.(*disk.Error); ok && e.Partition == 2 {
			// blkid exits 2 when the device has no recognizable superblock.
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// FindmntSource reports the device currently mounted at target, or "" if
// nothing is mounted there.
func FindmntSource(ctx context.Context, target string) (string, error) {
	out, err := run(ctx, "findmnt", "-n", "-o", "SOURCE", target)
	if err != nil {
		if e, ok := err.(*disk.Error); ok && e.Partition == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// LosetupAttach attaches an image file to a free loop device and returns
// its path.
func LosetupAttach(ctx context.Context, imagePath string) (string, error) {
	out, err := run(ctx, "losetup", "--show", "-f", imagePath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// LosetupDetach releases a loop device.
func LosetupDetach(ctx context.Context, loopDevice string) error {
	_, err := run(ctx, "losetup", "-d", loopDevice)
	return err
}

// BlockdevRereadPT asks the kernel to re-read a device's partition table,
// used after parted operations to keep /dev/ in sync before the next step.
func BlockdevRereadPT(ctx context.Context, device string) error {
	_, err := run(ctx, "blockdev", "--rereadpt", device)
	return err
}

// Mount mounts source at target with the given filesystem type and options.
func Mount(ctx context.Context, source, target, fstype string, options ...string) error {
	args := []string{}
	if fstype != "" {
		args = append(args, "-t", fstype)
	}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, source, target)
	_, err := run(ctx, "mount", args...)
	if err != nil {
		if e, ok := err.(*disk.Error); ok {
			e.Kind = disk.KindMountFailure
			e.Device = source
		}
	}
	return err
}

// Unmount unmounts target.
func Unmount(ctx context.Context, target string) error {
	_, err := run(ctx, "umount", target)
	if err != nil {
		if e, ok := err.(*disk.Error); ok {
			e.Kind = disk.KindUnmountFailure
			e.Device = target
		}
	}
	return err
}
