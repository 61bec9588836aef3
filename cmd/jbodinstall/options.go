package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/jbodinstall/internal/disk"
	"github.com/sigreer/jbodinstall/internal/installopts"
)

var requiredBytes uint64

var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "Probe hardware and list the install strategies available (erase, recovery, refresh, alongside)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := disk.Probe(cmd.Context())
		if err != nil {
			return err
		}
		bytes := requiredBytes
		if !cmd.Flags().Changed("required-bytes") {
			bytes = appConfig.RequiredBytes
		}
		for _, opt := range installopts.Classify(ds, bytes) {
			switch opt.Kind {
			case installopts.Alongside:
				fmt.Printf("%-10s disk=%s partition=%d reclaimable=%s\n",
					opt.Kind, opt.Disk, opt.TargetPartition, humanize.Bytes(opt.FreeSectors*512))
			case installopts.Refresh, installopts.Recovery:
				fmt.Printf("%-10s disk=%s partition=%d\n", opt.Kind, opt.Disk, opt.TargetPartition)
			default:
				fmt.Printf("%-10s disk=%s\n", opt.Kind, opt.Disk)
			}
		}
		return nil
	},
}

func init() {
	optionsCmd.Flags().Uint64Var(&requiredBytes, "required-bytes", 8*1024*1024*1024, "minimum install footprint in bytes")
}
