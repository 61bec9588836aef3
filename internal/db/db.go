// Package db records every plan and install run to a local sqlite
// database, the way the teacher's drive inventory tracked state
// transitions for later audit. Here the audit trail backs the executor's
// LayoutChanged forensics and the idempotence testable property (two
// plans diffed byte-for-byte by their op sequence).
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the default journal database location.
const DefaultPath = "/var/lib/jbodinstall/journal.db"

// Journal wraps the sqlite connection backing the install-run audit trail.
type Journal struct {
	conn *sql.DB
	path string
}

// Open opens or creates the journal database at path, running any pending
// schema migrations.
func Open(path string) (*Journal, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}

	j := &Journal{conn: conn, path: path}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run journal migrations: %w", err)
	}
	return j, nil
}

func (j *Journal) Close() error { return j.conn.Close() }
func (j *Journal) Path() string { return j.path }

func (j *Journal) migrate() error {
	if _, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return err
	}

	var version int
	if err := j.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return err
	}

	migrations := []string{migrationV1}
	for i, migration := range migrations {
		v := i + 1
		if v <= version {
			continue
		}
		tx, err := j.conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS plans (
    id INTEGER PRIMARY KEY,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    disks_hash INTEGER NOT NULL,
    dry_run INTEGER NOT NULL DEFAULT 0,
    op_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS plan_ops (
    id INTEGER PRIMARY KEY,
    plan_id INTEGER NOT NULL REFERENCES plans(id),
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    device TEXT,
    detail TEXT
);

CREATE INDEX IF NOT EXISTS idx_plan_ops_plan ON plan_ops(plan_id, seq);

CREATE TABLE IF NOT EXISTS install_runs (
    id INTEGER PRIMARY KEY,
    plan_id INTEGER NOT NULL REFERENCES plans(id),
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP,
    final_step TEXT,
    error_kind TEXT
);

CREATE INDEX IF NOT EXISTS idx_install_runs_plan ON install_runs(plan_id);
`

// PlanOp is one recorded operation within a journaled plan.
type PlanOp struct {
	Seq    int
	Kind   string
	Device string
	Detail string
}

// RecordPlan inserts a plan and its ordered ops in one transaction,
// returning the plan's row id for use by RecordInstallStart.
func (j *Journal) RecordPlan(disksHash uint64, dryRun bool, ops []PlanOp) (int64, error) {
	tx, err := j.conn.Begin()
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec("INSERT INTO plans (disks_hash, dry_run, op_count) VALUES (?, ?, ?)",
		int64(disksHash), dryRun, len(ops))
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	planID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	stmt, err := tx.Prepare("INSERT INTO plan_ops (plan_id, seq, kind, device, detail) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	for _, op := range ops {
		if _, err := stmt.Exec(planID, op.Seq, op.Kind, op.Device, op.Detail); err != nil {
			tx.Rollback()
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return planID, nil
}

// LoadPlanOps retrieves a previously journaled plan's ops in sequence
// order, used by the idempotence test property to diff two plans.
func (j *Journal) LoadPlanOps(planID int64) ([]PlanOp, error) {
	rows, err := j.conn.Query("SELECT seq, kind, device, detail FROM plan_ops WHERE plan_id = ? ORDER BY seq", planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []PlanOp
	for rows.Next() {
		var op PlanOp
		if err := rows.Scan(&op.Seq, &op.Kind, &op.Device, &op.Detail); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// RecordInstallStart inserts a new install_runs row tied to planID.
func (j *Journal) RecordInstallStart(planID int64) (int64, error) {
	res, err := j.conn.Exec("INSERT INTO install_runs (plan_id) VALUES (?)", planID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordInstallFinish closes out an install_runs row with its terminal
// step and, on failure, the disk.ErrorKind string.
func (j *Journal) RecordInstallFinish(runID int64, finalStep string, errorKind string) error {
	_, err := j.conn.Exec(
		"UPDATE install_runs SET finished_at = ?, final_step = ?, error_kind = ? WHERE id = ?",
		time.Now(), finalStep, errorKind, runID)
	return err
}

// FormatOpsJSON renders a plan's ops as indented JSON. The CLI's --test
// summary prints its own table and does not call it.
func FormatOpsJSON(ops []PlanOp) (string, error) {
	b, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
