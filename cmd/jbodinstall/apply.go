package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sigreer/jbodinstall/internal/disk"
	"github.com/sigreer/jbodinstall/internal/executor"
)

var (
	applyLayoutFlags layoutFlags
	squashfsSource   string
	removeManifest   string
	hostname         string
	kbdLayout        string
	locale           string
	username         string
	realname         string
	profileIcon      string
	timezone         string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Probe, plan, and execute the declared layout, then extract/configure/install the bootloader",
	RunE: func(cmd *cobra.Command, args []string) error {
		planLayout = applyLayoutFlags
		testDryRun = false
		res, err := buildPlan(cmd.Context())
		if err != nil {
			return err
		}
		defer res.journal.Close()

		runID, err := res.journal.RecordInstallStart(res.planID)
		if err != nil {
			return fmt.Errorf("journal run record failed: %w", err)
		}

		in := executor.New(nil, nil, nil)
		in.OnStatus(func(s executor.Status) {
			fmt.Printf("[%s] %d%%\n", s.Step, s.Percent)
		})

		if hostname == "" {
			hostname = appConfig.Hostname
		}
		if !cmd.Flags().Changed("keyboard") && appConfig.KeyboardLayout != "" {
			kbdLayout = appConfig.KeyboardLayout
		}
		if !cmd.Flags().Changed("locale") && appConfig.Lang != "" {
			locale = appConfig.Lang
		}

		if removeManifest == "" && len(appConfig.RemovePackages) > 0 {
			manifest, manifestErr := writeRemoveManifest(appConfig.RemovePackages)
			if manifestErr != nil {
				return fmt.Errorf("failed to write remove manifest: %w", manifestErr)
			}
			removeManifest = manifest
		}

		cfg := &executor.Config{
			Hostname:       hostname,
			KeyboardLayout: kbdLayout,
			Lang:           locale,
			SquashfsSource: squashfsSource,
			RemovePackages: removeManifest,
			ForceBIOS:      forceBIOS || appConfig.ForceBIOS,
			Timezone:       timezone,
			UserInfo:       executor.UserInfo{Username: username, RealName: realname, ProfileIcon: profileIcon},
		}

		installErr := in.Install(cmd.Context(), res.plan, res.intended, res.groups, res.baselineHash, cfg)

		finalStep := "done"
		errorKind := ""
		if installErr != nil {
			finalStep = "failed"
			errorKind = installErr.Error()
			var derr *disk.Error
			if errors.As(installErr, &derr) {
				errorKind = derr.Kind.String()
			}
		}
		if err := res.journal.RecordInstallFinish(runID, finalStep, errorKind); err != nil {
			logrus.WithError(err).Warn("failed to record install run completion")
		}

		return installErr
	},
}

func init() {
	addLayoutFlags(applyCmd.Flags(), &applyLayoutFlags)
	applyCmd.Flags().BoolVar(&forceBIOS, "force-bios", false, "require a BIOS_GRUB partition instead of an ESP")
	applyCmd.Flags().StringVarP(&squashfsSource, "squashfs", "s", "", "squashfs image path")
	applyCmd.Flags().StringVarP(&removeManifest, "remove", "r", "", "manifest of packages to purge")
	applyCmd.Flags().StringVarP(&hostname, "hostname", "h", "", "target hostname")
	applyCmd.Flags().StringVarP(&kbdLayout, "keyboard", "k", "us", "keyboard layout")
	applyCmd.Flags().StringVarP(&locale, "locale", "l", "en_US.UTF-8", "system locale")
	applyCmd.Flags().StringVar(&username, "username", "", "primary account username")
	applyCmd.Flags().StringVar(&realname, "realname", "", "primary account real name")
	applyCmd.Flags().StringVar(&profileIcon, "profile_icon", "", "primary account profile icon path")
	applyCmd.Flags().StringVar(&timezone, "tz", "", "target timezone")
}

// writeRemoveManifest materializes the config file's remove_packages list
// into the same one-name-per-line manifest format the -r flag points at,
// so the config-supplied default list and an explicit -r flag feed the
// executor through one path.
func writeRemoveManifest(packages []string) (string, error) {
	f, err := os.CreateTemp("", "jbodinstall-remove-*.manifest")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(strings.Join(packages, "\n") + "\n"); err != nil {
		return "", err
	}
	return f.Name(), nil
}
