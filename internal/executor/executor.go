// Package executor drives one install run through the Init, Partition,
// Extract, Configure, Bootloader stages, emitting status to a caller
// supplied callback the way distinst's InstallerState.apply does, and
// guaranteeing every mount/LUKS/VG resource is torn down on any exit path.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sigreer/jbodinstall/internal/disk"
	"github.com/sigreer/jbodinstall/internal/disk/external"
	"github.com/sigreer/jbodinstall/internal/disk/lvm"
	"github.com/sigreer/jbodinstall/internal/planner"
)

// Step mirrors the ordered install stages. The newer, folded-format
// variant is used: no separate FORMAT step, with an optional BACKUP step
// usable only by refresh installs that chose to preserve data.
type Step int

const (
	StepInit Step = iota
	StepBackup
	StepPartition
	StepExtract
	StepConfigure
	StepBootloader
)

func (s Step) String() string {
	switch s {
	case StepInit:
		return "init"
	case StepBackup:
		return "backup"
	case StepPartition:
		return "partition"
	case StepExtract:
		return "extract"
	case StepConfigure:
		return "configure"
	case StepBootloader:
		return "bootloader"
	default:
		return "unknown"
	}
}

// State is the coarse install state machine distinct from Step: Step
// tracks progress within Installing, while State captures the overall
// run lifecycle a front end polls.
type State int

const (
	Idle State = iota
	Planning
	Installing
	Done
	Failed
)

// Status is emitted to the registered callback on every step transition
// and percent update.
type Status struct {
	Step    Step
	Percent int
}

// Error wraps a failure with the step it occurred in and the underlying
// structured disk error, mirroring distinst's installer::Error{step, err}.
type Error struct {
	Step Step
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Extractor hands the mounted root to a squashfs (or tar) unpacker,
// streaming progress through the given callback. The default stub
// implementation is suitable for --test dry runs and unit tests; a real
// binary wires in its own implementation per the ambient Non-goal that
// excludes squashfs internals from this engine's scope.
type Extractor interface {
	Extract(ctx context.Context, source, targetRoot string, onPercent func(int)) error
}

// ConfigureCollaborator performs in-chroot configuration (locale, hostname,
// keyboard layout, package removal list, timezone, primary account) once
// /dev, /proc, /sys, /run are bind-mounted into the target. cfg carries
// every field the CLI's -h/-k/-l/-r/--tz/--username flags populate,
// including any answer an OnTimezone/OnUser callback supplied.
type ConfigureCollaborator interface {
	Configure(ctx context.Context, chrootRoot string, disks *disk.Disks, cfg *Config) error
}

// BootloaderCollaborator installs the bootloader appropriate to the
// detected firmware mode.
type BootloaderCollaborator interface {
	Install(ctx context.Context, chrootRoot string, efi bool, disks *disk.Disks) error
}

// SuspendInhibitor prevents the host from sleeping for the duration of an
// install. The default implementation is a no-op suitable for containers
// and CI; a real desktop front end wires in a logind/systemd inhibitor.
type SuspendInhibitor interface {
	Acquire() error
	Release()
}

type noopInhibitor struct{}

func (noopInhibitor) Acquire() error { return nil }
func (noopInhibitor) Release()       {}

// NoopInhibitor is the default SuspendInhibitor.
var NoopInhibitor SuspendInhibitor = noopInhibitor{}

// Config carries the per-run configuration distinct from the disk plan:
// hostname, locale, and the squashfs/remove-list paths the Extractor and
// ConfigureCollaborator consume.
type Config struct {
	Hostname       string
	KeyboardLayout string
	Lang           string
	SquashfsSource string
	RemovePackages string
	OldRootUUID    string // retained home across a refresh install
	KeepOldRoot    bool
	ForceBIOS      bool

	// Timezone and UserInfo default empty; if unset at Configure time and a
	// callback is registered via OnTimezone/OnUser, the callback's answer
	// fills them in, mirroring the native surface's pull-model timezone and
	// user callbacks (account/locale creation itself stays out of scope,
	// per the Non-goals around package selection and user management).
	Timezone string
	UserInfo UserInfo
}

// UserInfo carries the primary account fields the CLI's --username,
// --realname, and --profile_icon flags populate.
type UserInfo struct {
	Username    string
	RealName    string
	ProfileIcon string
}

// Installer drives one install run.
type Installer struct {
	Extractor   Extractor
	Configure   ConfigureCollaborator
	Bootloader  BootloaderCollaborator
	Inhibitor   SuspendInhibitor

	statusCB    func(Status)
	errorCB     func(*Error)
	timezoneCB  func() string
	userCB      func() UserInfo

	state        State
	mounts       []activeMount
	luksMappers  []string
	volumeGroups map[string]*lvm.Device
}

type activeMount struct {
	target string
	luks   string // mapper name to close, if this mount sits on an unlocked LUKS container
}

// New constructs an Installer with the given collaborators. Pass nil for
// any collaborator to get a no-op stub appropriate for --test dry runs.
func New(extractor Extractor, configure ConfigureCollaborator, bootloader BootloaderCollaborator) *Installer {
	return &Installer{
		Extractor:  extractor,
		Configure:  configure,
		Bootloader: bootloader,
		Inhibitor:  NoopInhibitor,
		state:      Idle,
	}
}

// OnStatus registers the progress callback. Must not be called
// concurrently with Install; the contract guarantees callbacks only fire
// on the thread that called Install.
func (in *Installer) OnStatus(cb func(Status)) { in.statusCB = cb }

// OnError registers the error callback, invoked once per failed step
// immediately before Install returns.
func (in *Installer) OnError(cb func(*Error)) { in.errorCB = cb }

// OnTimezone registers the callback consulted for cfg.Timezone when unset,
// mirroring the native surface's "set timezone callback".
func (in *Installer) OnTimezone(cb func() string) { in.timezoneCB = cb }

// OnUser registers the callback consulted for cfg.UserInfo when unset,
// mirroring the native surface's "set user callback".
func (in *Installer) OnUser(cb func() UserInfo) { in.userCB = cb }

func (in *Installer) emit(step Step, percent int) {
	if in.statusCB != nil {
		in.statusCB(Status{Step: step, Percent: percent})
	}
}

// apply runs action under step, emitting status before and after and
// routing any error through the error callback, mirroring
// InstallerState::apply.
func (in *Installer) apply(step Step, label string, action func() error) error {
	in.emit(step, 0)
	logrus.WithField("step", step).Info("starting " + label + " step")
	if err := action(); err != nil {
		wrapped := &Error{Step: step, Err: err}
		logrus.WithField("step", step).WithError(err).Error(label + " step failed")
		if in.errorCB != nil {
			in.errorCB(wrapped)
		}
		return wrapped
	}
	in.emit(step, 100)
	return nil
}

// Install runs a full install against the given plan and intended disk
// configuration. baselineHash is the device_layout_hash captured at
// planning time; Install re-checks it before Partition and aborts with
// LayoutChanged if /dev/ has changed underneath it.
func (in *Installer) Install(ctx context.Context, plan *planner.Plan, intended *disk.Disks, volumeGroups map[string]*lvm.Device, baselineHash uint64, cfg *Config) error {
	in.state = Planning
	in.volumeGroups = volumeGroups
	if err := in.Inhibitor.Acquire(); err != nil {
		return &Error{Step: StepInit, Err: err}
	}
	defer in.Inhibitor.Release()
	defer in.cleanupOnFailure()

	in.state = Installing

	if err := in.apply(StepInit, "initializing", func() error {
		if err := disk.DeactivateLogicalDevices(ctx, intended); err != nil {
			return err
		}
		if cfg.Hostname == "" {
			return &disk.Error{Kind: disk.KindInvalidInput, Message: "hostname must not be empty"}
		}
		return nil
	}); err != nil {
		in.state = Failed
		return err
	}

	var targetRoot string
	if err := in.apply(StepPartition, "partitioning", func() error {
		currentHash, err := disk.DeviceLayoutHash()
		if err != nil {
			return err
		}
		if currentHash != baselineHash {
			return &disk.Error{Kind: disk.KindLayoutChanged, Message: "device layout changed since planning"}
		}

		if err := in.executePlan(ctx, plan); err != nil {
			return err
		}

		root, err := in.mountTargets(ctx, intended)
		if err != nil {
			return err
		}
		targetRoot = root
		return in.writeFstab(intended, targetRoot)
	}); err != nil {
		in.state = Failed
		return err
	}

	if err := in.apply(StepExtract, "extracting", func() error {
		if in.Extractor == nil {
			return nil // stub: no-op for --test and unit tests
		}
		return in.Extractor.Extract(ctx, cfg.SquashfsSource, targetRoot, func(pct int) { in.emit(StepExtract, pct) })
	}); err != nil {
		in.state = Failed
		return err
	}

	if cfg.Timezone == "" && in.timezoneCB != nil {
		cfg.Timezone = in.timezoneCB()
	}
	if cfg.UserInfo.Username == "" && in.userCB != nil {
		cfg.UserInfo = in.userCB()
	}

	if err := in.apply(StepConfigure, "configuring chroot", func() error {
		if err := bindSystemDirs(targetRoot); err != nil {
			return err
		}
		defer unbindSystemDirs(targetRoot)
		if cfg.OldRootUUID != "" || cfg.KeepOldRoot {
			if err := writeRecoveryConfig(targetRoot, cfg); err != nil {
				return err
			}
		}
		if in.Configure == nil {
			return nil
		}
		return in.Configure.Configure(ctx, targetRoot, intended, cfg)
	}); err != nil {
		in.state = Failed
		return err
	}

	if err := in.apply(StepBootloader, "installing bootloader", func() error {
		efi := detectEFI() && !cfg.ForceBIOS
		if in.Bootloader == nil {
			return nil
		}
		return in.Bootloader.Install(ctx, targetRoot, efi, intended)
	}); err != nil {
		in.state = Failed
		return err
	}

	in.state = Done
	return in.teardown(ctx)
}

func detectEFI() bool {
	_, err := os.Stat("/sys/firmware/efi")
	return err == nil
}

// executePlan replays a planner.Plan's ops against the external tool
// wrappers in the order the planner emitted them, recording every LUKS
// mapper it opens so teardown can close them regardless of how the run
// ends.
func (in *Installer) executePlan(ctx context.Context, plan *planner.Plan) error {
	for _, op := range plan.Ops {
		if err := applyOp(ctx, op); err != nil {
			return err
		}
		if op.Kind == planner.OpLuksOpen {
			in.luksMappers = append(in.luksMappers, op.MapperName)
		}
	}
	return nil
}

func applyOp(ctx context.Context, op planner.Op) error {
	switch op.Kind {
	case planner.OpUnmount:
		return external.Unmount(ctx, op.Detail)
	case planner.OpRemovePartition:
		return external.Parted(ctx, op.Device, "rm", itoa(op.Number))
	case planner.OpShrinkFilesystem, planner.OpGrowFilesystem:
		return resizeFilesystem(ctx, op)
	case planner.OpResizeTable:
		return external.Parted(ctx, op.Device, "resizepart", itoa(op.Number), itoa64(op.NewEnd))
	case planner.OpMovePartition:
		return external.Parted(ctx, op.Device, "move", itoa(op.Number), itoa64(op.NewStart))
	case planner.OpCreatePartition:
		return external.Parted(ctx, op.Device, "mkpart", "primary", itoa64(op.NewStart)+"s", itoa64(op.NewEnd)+"s")
	case planner.OpFormatPartition:
		return external.Mkfs(ctx, disk.DevicePartitionPath(op.Device, op.Number), op.FormatWith, "")
	case planner.OpCommitTable:
		if err := external.BlockdevRereadPT(ctx, op.Device); err != nil {
			return err
		}
		disk.InvalidateProbeCache()
		return nil
	case planner.OpCreateVolumeGroup:
		return external.VGCreate(ctx, op.Device, op.Devices...)
	case planner.OpCreateLogicalVolume:
		return external.LVCreate(ctx, op.Device, op.Volume, op.NewEnd)
	case planner.OpRemoveLogicalVolume:
		return external.LVRemove(ctx, op.Device, op.Volume)
	case planner.OpFormatLogicalVolume:
		return external.Mkfs(ctx, "/dev/"+op.Device+"/"+op.Volume, op.FormatWith, "")
	case planner.OpLuksFormat:
		return external.CryptsetupFormat(ctx, op.Device, op.KeyPath)
	case planner.OpLuksOpen:
		return external.CryptsetupOpen(ctx, op.Device, op.MapperName, op.KeyPath)
	case planner.OpPVCreate:
		return external.PVCreate(ctx, op.Device)
	default:
		return nil
	}
}

// resizeFilesystem invokes the tool that actually resizes the data living on
// a partition, as distinct from OpResizeTable's partition-table edit: §4.4
// requires the filesystem content be shrunk before the table entry shrinks,
// and grown only after the table entry has already grown.
func resizeFilesystem(ctx context.Context, op planner.Op) error {
	partPath := disk.DevicePartitionPath(op.Device, op.Number)
	sizeSectors := op.NewEnd - op.NewStart + 1
	switch op.FormatWith {
	case disk.FSExt2, disk.FSExt3, disk.FSExt4:
		return external.Resize2fs(ctx, partPath, sizeSectors)
	case disk.FSNTFS:
		return external.NTFSResize(ctx, partPath, sizeSectors)
	default:
		return &disk.Error{Kind: disk.KindUnsupportedFsResize, Device: partPath,
			Message: fmt.Sprintf("resizing a %s filesystem is not supported", op.FormatWith)}
	}
}

func itoa(v int) string   { return fmt.Sprintf("%d", v) }
func itoa64(v uint64) string { return fmt.Sprintf("%d", v) }

// mountTargets mounts every declared partition under a private target
// root, shallowest-first so nested mount points (e.g. /boot/efi under /)
// always have their parent directory present first.
func (in *Installer) mountTargets(ctx context.Context, ds *disk.Disks) (string, error) {
	root, err := os.MkdirTemp("", "jbodinstall-")
	if err != nil {
		return "", &disk.Error{Kind: disk.KindIO, Message: "unable to create target root", Err: err}
	}

	type mountable struct {
		target string
		p      *disk.Partition
	}
	var all []mountable
	for _, d := range ds.Disks {
		for _, p := range d.Partitions {
			if p.Remove || p.MountTarget == "" {
				continue
			}
			all = append(all, mountable{target: p.MountTarget, p: p})
		}
	}
	for _, vg := range in.volumeGroups {
		for _, lv := range vg.LogicalVolumes {
			if lv.Remove || lv.MountTarget == "" {
				continue
			}
			all = append(all, mountable{target: lv.MountTarget, p: lv})
		}
	}
	sort.Slice(all, func(i, j int) bool { return len(all[i].target) < len(all[j].target) })

	for _, m := range all {
		full := filepath.Join(root, m.target)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return "", &disk.Error{Kind: disk.KindIO, Device: m.p.DevicePath, Err: err}
		}
		if err := external.Mount(ctx, m.p.DevicePath, full, string(m.p.Filesystem)); err != nil {
			return "", err
		}
		in.mounts = append(in.mounts, activeMount{target: full})
	}
	return root, nil
}

// teardown unmounts deepest-first, deactivates every volume group this run
// created or modified, and closes every LUKS mapping opened during
// partitioning, run unconditionally on both success and failure so a
// failed install never leaves a mount, VG, or LUKS mapping held open.
func (in *Installer) teardown(ctx context.Context) error {
	sort.Slice(in.mounts, func(i, j int) bool { return len(in.mounts[i].target) > len(in.mounts[j].target) })
	var firstErr error
	for _, m := range in.mounts {
		if err := external.Unmount(ctx, m.target); err != nil && firstErr == nil {
			firstErr = err
		}
		if m.luks != "" {
			_ = external.CryptsetupClose(ctx, m.luks)
		}
	}
	in.mounts = nil

	for name := range in.volumeGroups {
		if err := external.VGDeactivate(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, mapper := range in.luksMappers {
		if err := external.CryptsetupClose(ctx, mapper); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	in.luksMappers = nil
	return firstErr
}

func (in *Installer) cleanupOnFailure() {
	if in.state != Failed {
		return
	}
	logrus.Warn("install failed, performing best-effort cleanup")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = in.teardown(ctx)
}

func bindSystemDirs(targetRoot string) error {
	for _, dir := range []string{"/dev", "/proc", "/sys", "/run"} {
		target := filepath.Join(targetRoot, dir)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return &disk.Error{Kind: disk.KindIO, Device: dir, Err: err}
		}
		if err := external.Mount(context.Background(), dir, target, "", "bind"); err != nil {
			return err
		}
	}
	return nil
}

func unbindSystemDirs(targetRoot string) {
	for _, dir := range []string{"/run", "/sys", "/proc", "/dev"} {
		_ = external.Unmount(context.Background(), filepath.Join(targetRoot, dir))
	}
}

// writeFstab derives /etc/fstab entries from each mounted partition's or
// logical volume's blkid UUID, the way distinst generates fstab from
// FileSystem::get_uuid.
func (in *Installer) writeFstab(ds *disk.Disks, targetRoot string) error {
	f, err := os.Create(filepath.Join(targetRoot, "etc", "fstab"))
	if err != nil {
		// /etc may not exist yet on a fresh format; create it first.
		if mkErr := os.MkdirAll(filepath.Join(targetRoot, "etc"), 0o755); mkErr != nil {
			return &disk.Error{Kind: disk.KindIO, Err: mkErr}
		}
		f, err = os.Create(filepath.Join(targetRoot, "etc", "fstab"))
		if err != nil {
			return &disk.Error{Kind: disk.KindIO, Err: err}
		}
	}
	defer f.Close()

	fmt.Fprintln(f, "# generated by jbodinstall")
	writeEntry := func(p *disk.Partition) {
		uuid, uuidErr := external.BlkidUUID(context.Background(), p.DevicePath)
		if uuidErr != nil || uuid == "" {
			fmt.Fprintf(f, "%s\t%s\t%s\tdefaults\t0\t%d\n", p.DevicePath, p.MountTarget, p.Filesystem, passNumber(p.MountTarget))
			return
		}
		fmt.Fprintf(f, "UUID=%s\t%s\t%s\tdefaults\t0\t%d\n", uuid, p.MountTarget, p.Filesystem, passNumber(p.MountTarget))
	}
	for _, d := range ds.Disks {
		for _, p := range d.Partitions {
			if p.Remove || p.MountTarget == "" {
				continue
			}
			writeEntry(p)
		}
	}
	for _, vg := range in.volumeGroups {
		for _, lv := range vg.LogicalVolumes {
			if lv.Remove || lv.MountTarget == "" {
				continue
			}
			writeEntry(lv)
		}
	}
	return nil
}

func passNumber(mount string) int {
	if mount == "/" {
		return 1
	}
	return 2
}

// writeRecoveryConfig writes the refresh-install recovery metadata file,
// encoding an absent LUKS UUID as an empty value rather than omitting the
// key, so a reader never has to distinguish "absent" from "not yet read".
func writeRecoveryConfig(targetRoot string, cfg *Config) error {
	path := filepath.Join(targetRoot, "etc", "jbodinstall-recovery.conf")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &disk.Error{Kind: disk.KindIO, Err: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return &disk.Error{Kind: disk.KindIO, Err: err}
	}
	defer f.Close()
	fmt.Fprintf(f, "OLD_ROOT_UUID=%s\n", cfg.OldRootUUID)
	fmt.Fprintf(f, "LUKS_UUID=\n")
	fmt.Fprintf(f, "KEEP_OLD_ROOT=%t\n", cfg.KeepOldRoot)
	return nil
}
