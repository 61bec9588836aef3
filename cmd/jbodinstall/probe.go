package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sigreer/jbodinstall/internal/disk"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe hardware and print the detected disk/LVM layout as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := disk.Probe(cmd.Context())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(ds, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
