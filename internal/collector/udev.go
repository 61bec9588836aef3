// Package collector gathers raw udev/sysfs block device attributes without
// shelling out, the way the teacher's collector package reads /sys and
// /run/udev/data directly to avoid waking sleeping drives or spawning a
// process per device. internal/disk.Probe calls this as a sub-stage before
// it ever opens a partition table.
package collector

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Attrs holds the identity fields a block device's udev database entry or
// /dev/disk/by-id symlinks can supply without reading the device itself.
type Attrs struct {
	Model  string
	Serial string
}

// Udev reads /sys/block/<name>/dev for the device's major:minor pair, then
// /run/udev/data/b<maj:min> for its ID_MODEL/ID_SERIAL properties, falling
// back to walking /dev/disk/by-id when the udev database entry is absent
// (e.g. inside a container with no running udevd).
func Udev(name string) Attrs {
	majMinRaw, err := os.ReadFile(filepath.Join("/sys/block", name, "dev"))
	if err != nil {
		return Attrs{}
	}
	majMin := strings.TrimSpace(string(majMinRaw))

	f, err := os.Open(filepath.Join("/run/udev/data", "b"+majMin))
	if err != nil {
		return fromSymlinks(name)
	}
	defer f.Close()

	var a Attrs
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "E:") {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(line, "E:"), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ID_MODEL":
			if a.Model == "" {
				a.Model = kv[1]
			}
		case "ID_SERIAL_SHORT", "ID_SERIAL":
			if a.Serial == "" {
				a.Serial = kv[1]
			}
		}
	}
	if a.Model == "" || a.Serial == "" {
		sym := fromSymlinks(name)
		if a.Model == "" {
			a.Model = sym.Model
		}
		if a.Serial == "" {
			a.Serial = sym.Serial
		}
	}
	return a
}

// fromSymlinks derives model/serial from /dev/disk/by-id naming conventions
// when the udev database has no entry for this device.
func fromSymlinks(name string) Attrs {
	var a Attrs
	entries, err := os.ReadDir("/dev/disk/by-id")
	if err != nil {
		return a
	}
	for _, e := range entries {
		link := filepath.Join("/dev/disk/by-id", e.Name())
		target, err := filepath.EvalSymlinks(link)
		if err != nil || filepath.Base(target) != name {
			continue
		}
		if strings.HasPrefix(e.Name(), "ata-") && a.Model == "" {
			parts := strings.SplitN(strings.TrimPrefix(e.Name(), "ata-"), "_", 2)
			a.Model = parts[0]
		}
		if strings.HasPrefix(e.Name(), "scsi-") && a.Serial == "" {
			a.Serial = strings.TrimPrefix(e.Name(), "scsi-")
		}
	}
	return a
}
