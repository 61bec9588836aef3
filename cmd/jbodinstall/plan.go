package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/jbodinstall/internal/db"
	"github.com/sigreer/jbodinstall/internal/disk"
	"github.com/sigreer/jbodinstall/internal/disk/lvm"
	"github.com/sigreer/jbodinstall/internal/planner"
)

var planLayout layoutFlags
var forceBIOS bool
var testDryRun bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Probe hardware, apply the declared layout in memory, and print the resulting op plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := buildPlan(cmd.Context())
		return err
	},
}

func init() {
	addLayoutFlags(planCmd.Flags(), &planLayout)
	planCmd.Flags().BoolVar(&forceBIOS, "force-bios", false, "require a BIOS_GRUB partition instead of an ESP")
	planCmd.Flags().BoolVar(&testDryRun, "test", false, "dry run: plan only, never execute (default for the plan subcommand)")
}

// planResult bundles everything apply needs to avoid re-deriving the same
// layout from flags a second time.
type planResult struct {
	plan         *planner.Plan
	intended     *disk.Disks
	groups       map[string]*lvm.Device
	baselineHash uint64
	journal      *db.Journal
	planID       int64
}

func buildPlan(ctx context.Context) (*planResult, error) {
	baseline, err := disk.Probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe failed: %w", err)
	}
	baselineHash, err := disk.DeviceLayoutHash()
	if err != nil {
		return nil, fmt.Errorf("layout hash failed: %w", err)
	}

	intended := baseline.Clone()
	groups, err := applyLayout(intended, planLayout)
	if err != nil {
		return nil, fmt.Errorf("layout error: %w", err)
	}

	mode := planner.BootModeEFI
	if forceBIOS || appConfig.ForceBIOS {
		mode = planner.BootModeBIOS
	}

	p, err := planner.Build(baseline, intended, groups, nil, mode)
	if err != nil {
		return nil, fmt.Errorf("plan rejected: %w", err)
	}

	printPlan(p)

	journal, err := db.Open(appConfig.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("journal open failed: %w", err)
	}
	planID, err := journal.RecordPlan(baselineHash, testDryRun, toJournalOps(p))
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("journal record failed: %w", err)
	}

	return &planResult{plan: p, intended: intended, groups: groups, baselineHash: baselineHash, journal: journal, planID: planID}, nil
}

func toJournalOps(p *planner.Plan) []db.PlanOp {
	ops := make([]db.PlanOp, len(p.Ops))
	for i, op := range p.Ops {
		ops[i] = db.PlanOp{Seq: i, Kind: op.Kind.String(), Device: op.Device, Detail: op.Detail}
	}
	return ops
}

func printPlan(p *planner.Plan) {
	if len(p.Ops) == 0 {
		fmt.Println("no changes required")
		return
	}
	for i, op := range p.Ops {
		size := ""
		if op.NewEnd > op.NewStart {
			size = humanize.Bytes((op.NewEnd - op.NewStart) * 512)
		}
		fmt.Printf("%2d. %-20s device=%s number=%d volume=%s %s\n", i+1, op.Kind, op.Device, op.Number, op.Volume, size)
	}
}
