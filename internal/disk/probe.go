package disk

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sigreer/jbodinstall/internal/cache"
	"github.com/sigreer/jbodinstall/internal/collector"
)

// lsblkReport mirrors the `lsblk -J -b -o ...` columns this probe requests.
type lsblkReport struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"` // disk, part, loop, rom, lvm, crypt
	Size       uint64        `json:"size"`
	LogSec     uint64        `json:"log-sec"`
	FsType     string        `json:"fstype"`
	Label      string        `json:"label"`
	UUID       string        `json:"uuid"`
	MountPoint string        `json:"mountpoint"`
	PartTable  string        `json:"pttype"`
	PartFlags  string        `json:"partflags"`
	RO         bool          `json:"ro"`
	Rota       bool          `json:"rota"`
	Model      string        `json:"model"`
	Serial     string        `json:"serial"`
	Children   []lsblkDevice `json:"children"`
}

// Probe produces a fresh Disks reflecting current hardware, the way
// distinst's DiskManager::probe walks libparted and then LVM metadata.
// An lsblk failure or unparsable lsblk output aborts the probe with an
// error; a failure reading LVM metadata is logged as a warning and the
// probe continues with the physical disks only.
func Probe(ctx context.Context) (*Disks, error) {
	const cacheKey = "disks:probe"
	if cached := cache.Global().Get(cacheKey); cached != nil {
		return cached.(*Disks), nil
	}

	result, err := probeUncached(ctx)
	if err != nil {
		return nil, err
	}
	cache.Global().Set(cacheKey, result, cache.TTLProbe)
	return result, nil
}

// InvalidateProbeCache forces the next Probe call to re-shell out, used
// by the executor after committing a partition table so planning for a
// subsequent disk in the same run never sees stale state.
func InvalidateProbeCache() {
	cache.Global().Invalidate("disks:probe")
}

func probeUncached(ctx context.Context) (*Disks, error) {
	out, err := exec.CommandContext(ctx, "lsblk", "-J", "-b",
		"-o", "NAME,PATH,TYPE,SIZE,LOG-SEC,FSTYPE,LABEL,UUID,MOUNTPOINT,PTTYPE,PARTFLAGS,RO,ROTA,MODEL,SERIAL").Output()
	if err != nil {
		return nil, newErr(KindIO, "", 0, "lsblk probe failed", err)
	}

	var report lsblkReport
	if jsonErr := json.Unmarshal(out, &report); jsonErr != nil {
		return nil, newErr(KindIO, "", 0, "unparsable lsblk report", jsonErr)
	}

	result := NewDisks()
	for _, dev := range report.BlockDevices {
		if dev.Type != "disk" {
			continue
		}
		if isLoopOrRAM(dev.Path) {
			continue
		}
		d := buildDisk(dev)
		result.AddDisk(d)
	}

	if vgErr := probeLVM(ctx, result); vgErr != nil {
		logrus.WithError(vgErr).Warn("lvm probe degraded, continuing with physical disks only")
	}

	return result, nil
}

func isLoopOrRAM(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "loop") || strings.HasPrefix(base, "ram")
}

func buildDisk(dev lsblkDevice) *Disk {
	sectorSize := dev.LogSec
	if sectorSize == 0 {
		sectorSize = 512
	}
	sectors := dev.Size / sectorSize

	table := TableNone
	if t, err := ParsePartitionTable(dev.PartTable); err == nil {
		table = t
	}

	d := NewDisk(dev.Path, sectors, sectorSize, table)
	d.Model = dev.Model
	d.Serial = dev.Serial
	d.ReadOnly = dev.RO
	d.Rotational = dev.Rota
	attachUdevAttrs(d)

	for i, child := range dev.Children {
		if child.Type != "part" {
			continue
		}
		p := buildPartition(i+1, child, sectorSize)
		d.Partitions = append(d.Partitions, p)
	}
	return d
}

func buildPartition(number int, dev lsblkDevice, sectorSize uint64) *Partition {
	p := &Partition{
		Number:      number,
		StartSector: 0, // lsblk does not report start/end directly; resolved by blkid-backed parted read in a full implementation
		EndSector:   dev.Size / sectorSize,
		Type:        Primary,
		DevicePath:  dev.Path,
		Label:       dev.Label,
		MountTarget: dev.MountPoint,
		Active:      dev.MountPoint != "",
	}
	if fs, err := ParseFileSystemType(dev.FsType); err == nil {
		p.Filesystem = fs
	}
	for _, flag := range strings.Fields(strings.ReplaceAll(dev.PartFlags, ",", " ")) {
		if f, err := ParsePartitionFlag(flag); err == nil {
			p.addFlag(f)
		}
	}
	return p
}

// attachUdevAttrs fills in Model/Serial from the collector sub-stage when
// lsblk didn't already report them.
func attachUdevAttrs(d *Disk) {
	a := collector.Udev(filepath.Base(d.DevicePath))
	if d.Model == "" {
		d.Model = a.Model
	}
	if d.Serial == "" {
		d.Serial = a.Serial
	}
}

type pvsReport struct {
	Report []struct {
		PV []struct {
			Name   string `json:"pv_name"`
			VGName string `json:"vg_name"`
		} `json:"pv"`
	} `json:"report"`
}

type lvsReport struct {
	Report []struct {
		LV []struct {
			Name   string `json:"lv_name"`
			VGName string `json:"vg_name"`
			Path   string `json:"lv_path"`
			Size   uint64 `json:"lv_size"`
		} `json:"lv"`
	} `json:"report"`
}

// probeLVM walks LVM metadata the way the teacher's LVMSource.Collect does
// (pvs/vgs/lvs --reportformat json), registering each PV/LV against the
// Disks container. It is the realization of spec's "walk LVM metadata"
// instruction without reimplementing libparted's LVM reader.
func probeLVM(ctx context.Context, ds *Disks) error {
	if _, err := exec.LookPath("pvs"); err != nil {
		return nil // LVM tooling not installed; nothing to probe
	}

	pvOut, err := exec.CommandContext(ctx, "pvs", "--reportformat", "json", "-o", "pv_name,vg_name").Output()
	if err != nil {
		return newErr(KindIO, "", 0, "pvs probe failed", err)
	}
	var pvReport pvsReport
	if jsonErr := json.Unmarshal(pvOut, &pvReport); jsonErr != nil {
		return newErr(KindIO, "", 0, "unparsable pvs report", jsonErr)
	}
	for _, r := range pvReport.Report {
		for _, pv := range r.PV {
			if pv.VGName == "" {
				continue
			}
			if _, part := ds.FindPartition(pv.Name); part != nil {
				ds.RegisterPhysicalVolume(pv.VGName, part)
			}
		}
	}

	lvOut, err := exec.CommandContext(ctx, "lvs", "--reportformat", "json", "-o", "lv_name,vg_name,lv_path,lv_size").Output()
	if err != nil {
		return newErr(KindIO, "", 0, "lvs probe failed", err)
	}
	var lv lvsReport
	if jsonErr := json.Unmarshal(lvOut, &lv); jsonErr != nil {
		return newErr(KindIO, "", 0, "unparsable lvs report", jsonErr)
	}
	for _, r := range lv.Report {
		for _, volume := range r.LV {
			vg, ok := ds.VolumeGroups[volume.VGName]
			if !ok {
				continue
			}
			vg.LogicalVolumes = append(vg.LogicalVolumes, &Partition{
				Number:     -1,
				Label:      volume.Name,
				DevicePath: volume.Path,
				EndSector:  volume.Size / 512,
			})
		}
	}
	return nil
}

// DeactivateLogicalDevices closes every LUKS mapping and deactivates every
// volume group, so a subsequent probe sees raw block devices again. This
// must run before re-probing, mirroring distinst's deactivate_devices.
func DeactivateLogicalDevices(ctx context.Context, ds *Disks) error {
	for name := range ds.VolumeGroups {
		if err := exec.CommandContext(ctx, "vgchange", "-a", "n", name).Run(); err != nil {
			logrus.WithField("vg", name).WithError(err).Warn("vgchange deactivate failed")
		}
	}

	mapped, err := exec.CommandContext(ctx, "dmsetup", "ls", "--target", "crypt").Output()
	if err != nil {
		return nil // dmsetup absent or nothing mapped; not fatal
	}
	for _, line := range strings.Split(strings.TrimSpace(string(mapped)), "\n") {
		if line == "" {
			continue
		}
		name := strings.Fields(line)[0]
		if closeErr := exec.CommandContext(ctx, "cryptsetup", "close", name).Run(); closeErr != nil {
			logrus.WithField("mapping", name).WithError(closeErr).Warn("cryptsetup close failed")
		}
	}
	return nil
}

// DeviceLayoutHash hashes the set of /dev/ block device names and sizes,
// used by the executor to detect structural changes between planning and
// partitioning (the LayoutChanged guard in §5).
func DeviceLayoutHash() (uint64, error) {
	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return 0, newErr(KindIO, "", 0, "unable to enumerate /sys/block", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	h := fnv.New64a()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		if sizeRaw, err := os.ReadFile(filepath.Join("/sys/block", name, "size")); err == nil {
			h.Write([]byte(strings.TrimSpace(string(sizeRaw))))
		}
		h.Write([]byte{0})
	}
	return h.Sum64(), nil
}

// DeviceMapExists reports whether a device-mapper name is currently active,
// according to `dmsetup ls`.
func DeviceMapExists(ctx context.Context, name string) bool {
	out, err := exec.CommandContext(ctx, "dmsetup", "ls").Output()
	if err != nil {
		return false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		if strings.Fields(line)[0] == name {
			return true
		}
	}
	return false
}
