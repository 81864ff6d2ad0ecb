package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pocketledger/budget/internal/record"
)

const recordColumns = `id, owner, kind, amount, occurred_on, category, description, synced, seq, updated_at`

// Put inserts or replaces a record. A new record gets the next insertion
// sequence; an existing one keeps its sequence. The stored record is
// returned.
func (s *Store) Put(ctx context.Context, rec record.Record) (record.Record, error) {
	if err := checkRecord(rec); err != nil {
		return record.Record{}, err
	}

	err := s.withTx(ctx, "put record", func(tx *sql.Tx) error {
		return upsertRecord(ctx, tx, rec, 0)
	})
	if err != nil {
		return record.Record{}, err
	}
	return s.Get(ctx, rec.Owner, rec.ID)
}

// upsertRecord writes rec. When seq is zero a new row takes max(seq)+1.
func upsertRecord(ctx context.Context, tx *sql.Tx, rec record.Record, seq int64) error {
	query := `
	INSERT INTO records (
		owner, id, kind, amount, occurred_on, category, description,
		synced, seq, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?,
		CASE WHEN ? > 0 THEN ? ELSE (SELECT COALESCE(MAX(seq), 0) + 1 FROM records) END,
		?)
	ON CONFLICT(owner, id) DO UPDATE SET
		kind = excluded.kind,
		amount = excluded.amount,
		occurred_on = excluded.occurred_on,
		category = excluded.category,
		description = excluded.description,
		synced = excluded.synced,
		updated_at = excluded.updated_at
	`
	_, err := tx.ExecContext(ctx, query,
		rec.Owner,
		rec.ID,
		string(rec.Kind),
		rec.AmountString(),
		rec.OccurredOn.String(),
		rec.Category,
		rec.Description,
		boolToInt(rec.Synced),
		seq, seq,
		formatTime(time.Now()),
	)
	if err != nil {
		return storageErr(fmt.Sprintf("upsert record %s", rec.ID), err)
	}
	return nil
}

// Get returns one record or record.ErrNotFound.
func (s *Store) Get(ctx context.Context, owner, id string) (record.Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE owner = ? AND id = ?`, owner, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("record %s: %w", id, record.ErrNotFound)
	}
	if err != nil {
		return record.Record{}, storageErr(fmt.Sprintf("get record %s", id), err)
	}
	return rec, nil
}

// List returns every record of owner in insertion order.
func (s *Store) List(ctx context.Context, owner string) ([]record.Record, error) {
	return s.query(ctx, "list records",
		`SELECT `+recordColumns+` FROM records WHERE owner = ? ORDER BY seq`, owner)
}

// UnsyncedIDs returns the ids of records with synced=false, oldest first.
// It is answered from the synced index alone.
func (s *Store) UnsyncedIDs(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id FROM records WHERE owner = ? AND synced = 0 ORDER BY seq`, owner)
	if err != nil {
		return nil, storageErr("list unsynced records", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan unsynced id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list unsynced records", err)
	}
	return ids, nil
}

// Counts summarizes the store for one owner.
type Counts struct {
	Total      int
	Unsynced   int
	Tombstones int
	Reminders  int
}

// Count returns record, pending and tombstone totals for owner.
func (s *Store) Count(ctx context.Context, owner string) (Counts, error) {
	var c Counts
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM records WHERE owner = ?),
			(SELECT COUNT(*) FROM records WHERE owner = ? AND synced = 0),
			(SELECT COUNT(*) FROM tombstones WHERE owner = ?),
			(SELECT COUNT(*) FROM reminders WHERE owner = ?)
	`, owner, owner, owner, owner).Scan(&c.Total, &c.Unsynced, &c.Tombstones, &c.Reminders)
	if err != nil {
		return Counts{}, storageErr("count records", err)
	}
	return c, nil
}

// Delete removes a record and its reminder and notes the id in the
// deletion log. It returns record.ErrNotFound when the record does not
// exist.
func (s *Store) Delete(ctx context.Context, owner, id string) error {
	return s.withTx(ctx, "delete record", func(tx *sql.Tx) error {
		return deleteRecord(ctx, tx, owner, id)
	})
}

// DeleteWithTombstone removes a record and remembers its id so the next
// push pass deletes it remotely. Both happen in one transaction.
func (s *Store) DeleteWithTombstone(ctx context.Context, owner, id string) error {
	return s.withTx(ctx, "delete record", func(tx *sql.Tx) error {
		if err := deleteRecord(ctx, tx, owner, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tombstones (owner, id, deleted_at) VALUES (?, ?, ?)
			ON CONFLICT(owner, id) DO UPDATE SET deleted_at = excluded.deleted_at
		`, owner, id, formatTime(time.Now()))
		if err != nil {
			return storageErr(fmt.Sprintf("write tombstone %s", id), err)
		}
		return nil
	})
}

func deleteRecord(ctx context.Context, tx *sql.Tx, owner, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE owner = ? AND id = ?`, owner, id)
	if err != nil {
		return storageErr(fmt.Sprintf("delete record %s", id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(fmt.Sprintf("delete record %s", id), err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, record.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reminders WHERE owner = ? AND record_id = ?`, owner, id); err != nil {
		return storageErr(fmt.Sprintf("delete reminder %s", id), err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO deletions (owner, id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(owner, id) DO UPDATE SET deleted_at = excluded.deleted_at
	`, owner, id, formatTime(time.Now()))
	if err != nil {
		return storageErr(fmt.Sprintf("log deletion %s", id), err)
	}
	return nil
}

// Rekey replaces the record stored under oldID with rec, which carries the
// authoritative id. The old entry is deleted first and the new one written
// in the same transaction, keeping the insertion sequence. A reminder on
// the old id moves to the new one.
//
// If a record with rec.ID already exists (e.g. pulled earlier) it is
// overwritten and keeps the older sequence of the two.
func (s *Store) Rekey(ctx context.Context, oldID string, rec record.Record) (record.Record, error) {
	if err := checkRecord(rec); err != nil {
		return record.Record{}, err
	}
	if oldID == rec.ID {
		return s.Put(ctx, rec)
	}

	err := s.withTx(ctx, "rekey record", func(tx *sql.Tx) error {
		var seq int64
		err := tx.QueryRowContext(ctx,
			`SELECT seq FROM records WHERE owner = ? AND id = ?`, rec.Owner, oldID).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record %s: %w", oldID, record.ErrNotFound)
		}
		if err != nil {
			return storageErr(fmt.Sprintf("read record %s", oldID), err)
		}

		var existing int64
		err = tx.QueryRowContext(ctx,
			`SELECT seq FROM records WHERE owner = ? AND id = ?`, rec.Owner, rec.ID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return storageErr(fmt.Sprintf("read record %s", rec.ID), err)
		case existing < seq:
			seq = existing
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE owner = ? AND id = ?`, rec.Owner, oldID); err != nil {
			return storageErr(fmt.Sprintf("delete record %s", oldID), err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE owner = ? AND id = ?`, rec.Owner, rec.ID); err != nil {
			return storageErr(fmt.Sprintf("delete record %s", rec.ID), err)
		}
		if err := upsertRecord(ctx, tx, rec, seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE OR REPLACE reminders SET record_id = ? WHERE owner = ? AND record_id = ?`,
			rec.ID, rec.Owner, oldID); err != nil {
			return storageErr(fmt.Sprintf("move reminder %s", oldID), err)
		}
		return nil
	})
	if err != nil {
		return record.Record{}, err
	}
	return s.Get(ctx, rec.Owner, rec.ID)
}

func (s *Store) query(ctx context.Context, action, query string, args ...any) ([]record.Record, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(action, err)
	}
	defer rows.Close()

	var recs []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr(action, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(action, err)
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (record.Record, error) {
	var (
		rec                   record.Record
		kind, amount, on, upd string
		synced                int
	)
	err := row.Scan(
		&rec.ID,
		&rec.Owner,
		&kind,
		&amount,
		&on,
		&rec.Category,
		&rec.Description,
		&synced,
		&rec.Seq,
		&upd,
	)
	if err != nil {
		return record.Record{}, err
	}

	rec.Kind = record.Kind(kind)
	rec.Synced = synced != 0
	rec.UpdatedAt = parseTime(upd)

	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return record.Record{}, fmt.Errorf("record %s has corrupt amount %q: %w", rec.ID, amount, err)
	}
	rec.OccurredOn, err = record.ParseDate(on)
	if err != nil {
		return record.Record{}, fmt.Errorf("record %s has corrupt date: %w", rec.ID, err)
	}
	return rec, nil
}

func checkRecord(rec record.Record) error {
	if rec.Owner == "" {
		return fmt.Errorf("record owner is required: %w", record.ErrUnauthorized)
	}
	if rec.ID == "" {
		return &record.ValidationError{Field: "id", Reason: "is required"}
	}
	return rec.Fields.Validate()
}
