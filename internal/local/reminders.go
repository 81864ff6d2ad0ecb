package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketledger/budget/internal/record"
)

// PutReminder sets or replaces the reminder of an existing record.
func (s *Store) PutReminder(ctx context.Context, r record.Reminder) error {
	if r.Owner == "" {
		return fmt.Errorf("reminder owner is required: %w", record.ErrUnauthorized)
	}
	if r.DueAt.IsZero() {
		return &record.ValidationError{Field: "due_at", Reason: "is required"}
	}

	return s.withTx(ctx, "put reminder", func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM records WHERE owner = ? AND id = ?`, r.Owner, r.RecordID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record %s: %w", r.RecordID, record.ErrNotFound)
		}
		if err != nil {
			return storageErr(fmt.Sprintf("read record %s", r.RecordID), err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reminders (owner, record_id, due_at, note, notified_at)
			VALUES (?, ?, ?, ?, NULL)
			ON CONFLICT(owner, record_id) DO UPDATE SET
				due_at = excluded.due_at,
				note = excluded.note,
				notified_at = NULL
		`, r.Owner, r.RecordID, formatTime(r.DueAt), r.Note)
		if err != nil {
			return storageErr(fmt.Sprintf("upsert reminder %s", r.RecordID), err)
		}
		return nil
	})
}

// Reminder returns the reminder of a record or record.ErrNotFound.
func (s *Store) Reminder(ctx context.Context, owner, recordID string) (record.Reminder, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT owner, record_id, due_at, note, notified_at
		FROM reminders WHERE owner = ? AND record_id = ?
	`, owner, recordID)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Reminder{}, fmt.Errorf("reminder for %s: %w", recordID, record.ErrNotFound)
	}
	if err != nil {
		return record.Reminder{}, storageErr("get reminder", err)
	}
	return r, nil
}

// DeleteReminder removes a record's reminder. Missing reminders are ignored.
func (s *Store) DeleteReminder(ctx context.Context, owner, recordID string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM reminders WHERE owner = ? AND record_id = ?`, owner, recordID); err != nil {
		return storageErr(fmt.Sprintf("delete reminder %s", recordID), err)
	}
	return nil
}

// DueReminders returns reminders due at or before now that have not fired.
func (s *Store) DueReminders(ctx context.Context, owner string, now time.Time) ([]record.Reminder, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT owner, record_id, due_at, note, notified_at
		FROM reminders
		WHERE owner = ? AND notified_at IS NULL AND due_at <= ?
		ORDER BY due_at
	`, owner, formatTime(now))
	if err != nil {
		return nil, storageErr("list due reminders", err)
	}
	defer rows.Close()

	var out []record.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, storageErr("scan reminder", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list due reminders", err)
	}
	return out, nil
}

// MarkReminded records that a reminder fired so it is not reported again.
func (s *Store) MarkReminded(ctx context.Context, owner, recordID string, at time.Time) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE reminders SET notified_at = ? WHERE owner = ? AND record_id = ?`,
		formatTime(at), owner, recordID)
	if err != nil {
		return storageErr(fmt.Sprintf("mark reminder %s", recordID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reminder for %s: %w", recordID, record.ErrNotFound)
	}
	return nil
}

func scanReminder(row scanner) (record.Reminder, error) {
	var (
		r        record.Reminder
		due      string
		notified sql.NullString
	)
	if err := row.Scan(&r.Owner, &r.RecordID, &due, &r.Note, &notified); err != nil {
		return record.Reminder{}, err
	}
	r.DueAt = parseTime(due)
	if notified.Valid {
		t := parseTime(notified.String)
		r.NotifiedAt = &t
	}
	return r, nil
}
