package local

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pocketledger/budget/internal/record"
)

// migration upgrades the schema from version-1 to version.
type migration struct {
	version int
	stmts   []string
}

// migrations are applied in order. Never edit a released step; append a new
// one instead. Steps must keep every existing row.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS records (
				owner TEXT NOT NULL,
				id TEXT NOT NULL,
				kind TEXT NOT NULL,
				amount TEXT NOT NULL,
				occurred_on TEXT NOT NULL,
				category TEXT NOT NULL,
				description TEXT NOT NULL,
				synced INTEGER NOT NULL DEFAULT 0,
				seq INTEGER NOT NULL,
				PRIMARY KEY (owner, id)
			)`,
			// Covers the unsynced-id scan without touching the table rows.
			`CREATE INDEX IF NOT EXISTS idx_records_synced
				ON records(owner, synced, seq, id)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_records_kind ON records(owner, kind)`,
			`CREATE TABLE IF NOT EXISTS tombstones (
				owner TEXT NOT NULL,
				id TEXT NOT NULL,
				deleted_at TEXT NOT NULL,
				PRIMARY KEY (owner, id)
			)`,
		},
	},
	{
		version: 3,
		stmts: []string{
			`ALTER TABLE records ADD COLUMN updated_at TEXT NOT NULL DEFAULT ''`,
			`CREATE INDEX IF NOT EXISTS idx_records_occurred
				ON records(owner, occurred_on DESC, seq)`,
			`CREATE TABLE IF NOT EXISTS reminders (
				owner TEXT NOT NULL,
				record_id TEXT NOT NULL,
				due_at TEXT NOT NULL,
				note TEXT NOT NULL DEFAULT '',
				notified_at TEXT,
				PRIMARY KEY (owner, record_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(owner, notified_at, due_at)`,
		},
	},
	{
		version: 4,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS deletions (
				owner TEXT NOT NULL,
				id TEXT NOT NULL,
				deleted_at TEXT NOT NULL,
				PRIMARY KEY (owner, id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_deletions_at ON deletions(owner, deleted_at)`,
		},
	},
}

// LatestVersion is the schema version Open migrates to.
func LatestVersion() int { return migrations[len(migrations)-1].version }

// SchemaVersion returns the version recorded in the database file.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, storageErr("read schema version", err)
	}
	return v, nil
}

// MigrateContext upgrades the schema to LatestVersion. It is idempotent.
//
// Each pending step runs in its own transaction together with the version
// bump, so a crash leaves the file at the last completed version. Indexes
// are rebuilt once any step ran.
func (s *Store) MigrateContext(ctx context.Context) error {
	return s.migrateTo(ctx, LatestVersion())
}

func (s *Store) migrateTo(ctx context.Context, target int) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > LatestVersion() {
		return fmt.Errorf("database schema version %d is newer than supported version %d: %w",
			current, LatestVersion(), record.ErrStorage)
	}

	ran := false
	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}
		err := s.withTx(ctx, fmt.Sprintf("migrate schema to version %d", m.version), func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return storageErr(fmt.Sprintf("apply schema version %d", m.version), err)
				}
			}
			// PRAGMA does not accept bound parameters.
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
				return storageErr("write schema version", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		ran = true
	}

	if ran {
		if _, err := s.conn.ExecContext(ctx, "REINDEX"); err != nil {
			return storageErr("rebuild indexes", err)
		}
	}
	return nil
}
