package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ddr4869/organchain/common/logger"
	"github.com/pkg/errors"
)

// migrations are applied in order, once each. The schema version is kept in
// PRAGMA user_version; never edit a released step, append a new one.
var migrations = []string{
	// 1: base schema
	`
	CREATE TABLE hospital (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		email      TEXT UNIQUE,
		location   TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE donor (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		unique_id     TEXT NOT NULL UNIQUE,
		hospital_id   INTEGER NOT NULL REFERENCES hospital(id),
		name          TEXT NOT NULL,
		age           INTEGER NOT NULL DEFAULT 0,
		gender        TEXT NOT NULL DEFAULT '',
		blood_type    TEXT NOT NULL,
		organ         TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'Not Matched',
		registered_at INTEGER NOT NULL
	);
	CREATE TABLE patient (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		unique_id     TEXT NOT NULL UNIQUE,
		hospital_id   INTEGER NOT NULL REFERENCES hospital(id),
		name          TEXT NOT NULL,
		age           INTEGER NOT NULL DEFAULT 0,
		gender        TEXT NOT NULL DEFAULT '',
		blood_type    TEXT NOT NULL,
		organ         TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'Not Matched',
		registered_at INTEGER NOT NULL
	);
	CREATE TABLE match_record (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		donor_id            INTEGER NOT NULL UNIQUE REFERENCES donor(id),
		patient_id          INTEGER NOT NULL UNIQUE REFERENCES patient(id),
		donor_hospital_id   INTEGER NOT NULL REFERENCES hospital(id),
		patient_hospital_id INTEGER NOT NULL REFERENCES hospital(id),
		organ               TEXT NOT NULL,
		blood_type          TEXT NOT NULL,
		matched_at          INTEGER NOT NULL
	);`,
	// 2: FCFS scans
	`
	CREATE INDEX donor_queue ON donor(status, registered_at, id);
	CREATE INDEX patient_queue ON patient(status, registered_at, id);`,
}

// SchemaVersion is the version a freshly migrated database reports.
var SchemaVersion = len(migrations)

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, errors.Wrap(err, "failed to read schema version")
	}
	return version, nil
}

// migrate brings db up to SchemaVersion. Each step and its version bump
// commit together.
func migrate(ctx context.Context, db *sql.DB) error {
	version, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return errors.Errorf("database schema version %d is newer than supported version %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin migration")
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "migration %d failed", i+1)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to record schema version %d", i+1)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "failed to commit migration %d", i+1)
		}
		logger.Infof("Applied registry migration %d", i+1)
	}
	return nil
}
