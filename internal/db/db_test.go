package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenRunsMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j1, err := Open(path)
	require.NoError(t, err, "first Open")
	j1.Close()

	j2, err := Open(path)
	require.NoError(t, err, "second Open on an already-migrated database")
	defer j2.Close()

	assert.Equal(t, path, j2.Path())
}

func TestRecordPlanAndLoadPlanOpsRoundTrip(t *testing.T) {
	j := openTestJournal(t)

	ops := []PlanOp{
		{Seq: 0, Kind: "remove-partition", Device: "/dev/sda", Detail: "1"},
		{Seq: 1, Kind: "create-partition", Device: "/dev/sda", Detail: ""},
		{Seq: 2, Kind: "commit-table", Device: "/dev/sda"},
	}

	planID, err := j.RecordPlan(0xdeadbeef, true, ops)
	require.NoError(t, err)
	assert.NotZero(t, planID, "expected a non-zero plan id")

	loaded, err := j.LoadPlanOps(planID)
	require.NoError(t, err)
	assert.Equal(t, ops, loaded)
}

func TestRecordInstallStartAndFinish(t *testing.T) {
	j := openTestJournal(t)

	planID, err := j.RecordPlan(1, false, nil)
	require.NoError(t, err)

	runID, err := j.RecordInstallStart(planID)
	require.NoError(t, err)
	assert.NotZero(t, runID, "expected a non-zero run id")

	assert.NoError(t, j.RecordInstallFinish(runID, "done", ""))
}

func TestFormatOpsJSONProducesIndentedArray(t *testing.T) {
	out, err := FormatOpsJSON([]PlanOp{{Seq: 0, Kind: "unmount", Device: "/dev/sda1", Detail: "/mnt"}})
	require.NoError(t, err)
	assert.Contains(t, out, "\"Kind\": \"unmount\"")
}
