// Command jbodinstall drives the disk configuration and install engine
// from the command line, the way the teacher's cmd/jbodgod drives drive
// inventory and SES commands: a cobra root plus flag-collecting
// subcommands that hand off to internal packages.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sigreer/jbodinstall/internal/config"
	"github.com/sigreer/jbodinstall/internal/logging"
	"github.com/sigreer/jbodinstall/internal/version"
)

var cfgFile string
var logLevel string
var appConfig *config.Config

var rootCmd = &cobra.Command{
	Use:     "jbodinstall",
	Short:   "Disk configuration and install engine",
	Version: version.Version,
	Long: `jbodinstall validates a declarative partition/LVM/LUKS layout against
probed hardware, derives a minimal ordered sequence of destructive
operations, and executes them via parted/mkfs/cryptsetup/LVM tooling.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		appConfig = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/jbodinstall/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "TRACE, DEBUG, INFO, WARN, or ERROR (default from config)")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(optionsCmd)
}

// loadConfig resolves the on-disk defaults file and applies --log-level
// over it if the flag was given, the way the teacher's subcommands call
// config.Load(cfgFile) before touching any drive.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.LogLevel != "" {
		if err := logging.Setup(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// addLayoutFlags registers the repeatable disk-layout flags §6 of the
// external interface names, shared by plan/apply.
func addLayoutFlags(fs *pflag.FlagSet, lf *layoutFlags) {
	fs.StringArrayVarP(&lf.includeDevices, "block-device", "b", nil, "include block device DEV")
	fs.StringArrayVarP(&lf.mklabels, "mklabel", "t", nil, "DEV:TABLE (gpt|msdos)")
	fs.StringArrayVarP(&lf.newParts, "new", "n", nil, "DEV:TYPE:START:END:FS[:mount=M][:flags=F1,F2][:lvm=VG][:enc=NAME,VG,pass=P|keyfile=K][:keyid=K]")
	fs.StringArrayVarP(&lf.reuseParts, "use", "u", nil, "DEV:NUM:FS|reuse[:mount=M][:flags=...]")
	fs.StringArrayVarP(&lf.deletes, "delete", "d", nil, "DEV:NUM[:NUM]")
	fs.StringArrayVarP(&lf.moves, "move", "m", nil, "DEV:NUM:START:END")
	fs.StringArrayVar(&lf.logicalAdds, "logical", nil, "VG:NAME:SIZE:FS[:mount=M]")
	fs.StringArrayVar(&lf.logicalMods, "logical-modify", nil, "VG:NAME[:fs=X][:mount=M]")
	fs.StringArrayVar(&lf.logicalRemoves, "logical-remove", nil, "VG:NAME")
	fs.StringArrayVar(&lf.decrypts, "decrypt", nil, "DEV:VG:pass=P|keyfile=K")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
