package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Tombstone is an authoritative id deleted locally while the remote copy
// may still exist.
type Tombstone struct {
	ID        string
	DeletedAt time.Time
}

// Tombstones returns pending remote deletes for owner, oldest first.
func (s *Store) Tombstones(ctx context.Context, owner string) ([]Tombstone, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, deleted_at FROM tombstones WHERE owner = ? ORDER BY deleted_at, id`, owner)
	if err != nil {
		return nil, storageErr("list tombstones", err)
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		var (
			t  Tombstone
			at string
		)
		if err := rows.Scan(&t.ID, &at); err != nil {
			return nil, storageErr("scan tombstone", err)
		}
		t.DeletedAt = parseTime(at)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tombstones", err)
	}
	return out, nil
}

// RemoveTombstone forgets a pending remote delete. Removing an unknown id
// is not an error.
func (s *Store) RemoveTombstone(ctx context.Context, owner, id string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM tombstones WHERE owner = ? AND id = ?`, owner, id); err != nil {
		return storageErr(fmt.Sprintf("remove tombstone %s", id), err)
	}
	return nil
}

// DeletedAt reports when id was last deleted from the local store. The
// deletion log covers every delete except the temporary entry replaced by
// a rekey.
func (s *Store) DeletedAt(ctx context.Context, owner, id string) (time.Time, bool, error) {
	var at string
	err := s.conn.QueryRowContext(ctx,
		`SELECT deleted_at FROM deletions WHERE owner = ? AND id = ?`, owner, id).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storageErr(fmt.Sprintf("read deletion %s", id), err)
	}
	return parseTime(at), true, nil
}

// ForgetDeletion drops id from the deletion log.
func (s *Store) ForgetDeletion(ctx context.Context, owner, id string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM deletions WHERE owner = ? AND id = ?`, owner, id); err != nil {
		return storageErr(fmt.Sprintf("forget deletion %s", id), err)
	}
	return nil
}

// PruneDeletions drops deletion log entries older than before and returns
// how many went.
func (s *Store) PruneDeletions(ctx context.Context, owner string, before time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM deletions WHERE owner = ? AND deleted_at < ?`, owner, formatTime(before))
	if err != nil {
		return 0, storageErr("prune deletions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("prune deletions", err)
	}
	return int(n), nil
}
