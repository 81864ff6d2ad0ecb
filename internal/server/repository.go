package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pocketledger/budget/internal/record"
	"github.com/pocketledger/budget/internal/remote"
)

// Repository stores per-owner record collections.
type Repository interface {
	// Create stores a record, or returns the one previously created with
	// the same non-empty client reference.
	Create(ctx context.Context, owner string, f record.Fields, clientRef string) (remote.Stored, bool, error)
	List(ctx context.Context, owner string) ([]remote.Stored, error)
	Get(ctx context.Context, owner, id string) (remote.Stored, error)
	Update(ctx context.Context, owner, id string, f record.Fields) (remote.Stored, error)
	Delete(ctx context.Context, owner, id string) error
	Close() error
}

// SQLRepository implements Repository on PostgreSQL or SQLite.
type SQLRepository struct {
	db *sqlx.DB
}

var _ Repository = (*SQLRepository)(nil)

// OpenRepository connects to dsn and creates the schema. A postgres:// or
// postgresql:// DSN selects PostgreSQL; anything else is a SQLite file path.
func OpenRepository(ctx context.Context, dsn string) (*SQLRepository, error) {
	driver, source := "sqlite3", sqliteSource(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, source = "postgres", dsn
	}

	db, err := sqlx.ConnectContext(ctx, driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "postgres" {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
	}

	repo := &SQLRepository{db: db}
	if err := repo.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return repo, nil
}

func sqliteSource(path string) string {
	path = strings.TrimPrefix(path, "sqlite://")
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_txlock=immediate"
}

// DB returns the underlying connection.
func (r *SQLRepository) DB() *sqlx.DB { return r.db }

// Close closes the connection.
func (r *SQLRepository) Close() error { return r.db.Close() }

func (r *SQLRepository) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS remote_records (
			owner VARCHAR(255) NOT NULL,
			id VARCHAR(64) NOT NULL,
			client_ref VARCHAR(128),
			kind VARCHAR(16) NOT NULL,
			amount VARCHAR(32) NOT NULL,
			occurred_on VARCHAR(10) NOT NULL,
			category TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (owner, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_remote_records_ref ON remote_records(owner, client_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_remote_records_created ON remote_records(owner, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// row mirrors remote_records.
type row struct {
	Owner       string         `db:"owner"`
	ID          string         `db:"id"`
	ClientRef   sql.NullString `db:"client_ref"`
	Kind        string         `db:"kind"`
	Amount      string         `db:"amount"`
	OccurredOn  string         `db:"occurred_on"`
	Category    string         `db:"category"`
	Description string         `db:"description"`
	CreatedAt   int64          `db:"created_at"`
	UpdatedAt   int64          `db:"updated_at"`
}

func (rw row) stored() (remote.Stored, error) {
	f, err := remote.WireFields{
		Kind:        rw.Kind,
		Amount:      rw.Amount,
		OccurredOn:  rw.OccurredOn,
		Category:    rw.Category,
		Description: rw.Description,
	}.Fields()
	if err != nil {
		return remote.Stored{}, fmt.Errorf("stored record %s is invalid: %w", rw.ID, err)
	}
	return remote.Stored{
		ID:        rw.ID,
		Fields:    f,
		ClientRef: rw.ClientRef.String,
		CreatedAt: time.Unix(0, rw.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, rw.UpdatedAt).UTC(),
	}, nil
}

const columns = `owner, id, client_ref, kind, amount, occurred_on, category, description, created_at, updated_at`

func (r *SQLRepository) Create(ctx context.Context, owner string, f record.Fields, clientRef string) (remote.Stored, bool, error) {
	if clientRef != "" {
		if s, err := r.byRef(ctx, owner, clientRef); err == nil {
			return s, false, nil
		} else if !errors.Is(err, record.ErrNotFound) {
			return remote.Stored{}, false, err
		}
	}

	now := time.Now().UTC().UnixNano()
	w := remote.ToWire(f)
	rw := row{
		Owner:       owner,
		ID:          remote.NewAuthoritativeID(),
		ClientRef:   sql.NullString{String: clientRef, Valid: clientRef != ""},
		Kind:        w.Kind,
		Amount:      w.Amount,
		OccurredOn:  w.OccurredOn,
		Category:    w.Category,
		Description: w.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := r.db.Rebind(`INSERT INTO remote_records (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		rw.Owner, rw.ID, rw.ClientRef, rw.Kind, rw.Amount, rw.OccurredOn,
		rw.Category, rw.Description, rw.CreatedAt, rw.UpdatedAt)
	if err != nil {
		// A concurrent create with the same key won the unique index.
		if clientRef != "" {
			if s, lookupErr := r.byRef(ctx, owner, clientRef); lookupErr == nil {
				return s, false, nil
			}
		}
		return remote.Stored{}, false, fmt.Errorf("failed to insert record: %w", err)
	}

	s, err := rw.stored()
	return s, true, err
}

func (r *SQLRepository) byRef(ctx context.Context, owner, clientRef string) (remote.Stored, error) {
	var rw row
	err := r.db.GetContext(ctx, &rw,
		r.db.Rebind(`SELECT `+columns+` FROM remote_records WHERE owner = ? AND client_ref = ?`),
		owner, clientRef)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Stored{}, fmt.Errorf("client ref %s: %w", clientRef, record.ErrNotFound)
	}
	if err != nil {
		return remote.Stored{}, fmt.Errorf("failed to look up client ref: %w", err)
	}
	return rw.stored()
}

func (r *SQLRepository) List(ctx context.Context, owner string) ([]remote.Stored, error) {
	var rows []row
	err := r.db.SelectContext(ctx, &rows,
		r.db.Rebind(`SELECT `+columns+` FROM remote_records WHERE owner = ? ORDER BY created_at, id`),
		owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	out := make([]remote.Stored, 0, len(rows))
	for _, rw := range rows {
		s, err := rw.stored()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *SQLRepository) Get(ctx context.Context, owner, id string) (remote.Stored, error) {
	var rw row
	err := r.db.GetContext(ctx, &rw,
		r.db.Rebind(`SELECT `+columns+` FROM remote_records WHERE owner = ? AND id = ?`),
		owner, id)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Stored{}, fmt.Errorf("record %s: %w", id, record.ErrNotFound)
	}
	if err != nil {
		return remote.Stored{}, fmt.Errorf("failed to get record: %w", err)
	}
	return rw.stored()
}

func (r *SQLRepository) Update(ctx context.Context, owner, id string, f record.Fields) (remote.Stored, error) {
	w := remote.ToWire(f)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE remote_records
		SET kind = ?, amount = ?, occurred_on = ?, category = ?, description = ?, updated_at = ?
		WHERE owner = ? AND id = ?
	`), w.Kind, w.Amount, w.OccurredOn, w.Category, w.Description, time.Now().UTC().UnixNano(), owner, id)
	if err != nil {
		return remote.Stored{}, fmt.Errorf("failed to update record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return remote.Stored{}, fmt.Errorf("record %s: %w", id, record.ErrNotFound)
	}
	return r.Get(ctx, owner, id)
}

func (r *SQLRepository) Delete(ctx context.Context, owner, id string) error {
	res, err := r.db.ExecContext(ctx,
		r.db.Rebind(`DELETE FROM remote_records WHERE owner = ? AND id = ?`), owner, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record %s: %w", id, record.ErrNotFound)
	}
	return nil
}
