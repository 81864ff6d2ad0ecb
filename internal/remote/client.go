// Package remote talks to the authoritative store of record.
//
// The remote store keeps each owner's records in a separate collection and is
// the only party that mints authoritative record ids. Every call takes the
// caller's identity explicitly. Errors are normalized to the record package
// kinds: record.ErrUnreachable for transport trouble (retry later),
// record.ErrUnauthorized for rejected credentials (do not retry), and
// record.ErrNotFound for unknown ids.
package remote

import (
	"context"
	"time"

	"github.com/pocketledger/budget/internal/identity"
	"github.com/pocketledger/budget/internal/record"
)

// Stored is a record as the remote store holds it.
type Stored struct {
	ID string
	record.Fields

	// ClientRef is the idempotency key the record was created with, usually
	// the temporary id it had on the creating device. Empty when unknown.
	ClientRef string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record converts to a local record owned by owner with synced=true.
func (s Stored) Record(owner string) record.Record {
	return record.Record{
		ID:     s.ID,
		Owner:  owner,
		Fields: s.Fields,
		Synced: true,
	}
}

// Client is the remote store API.
type Client interface {
	// Create stores a new record and returns it with its authoritative id.
	// A repeated call with the same idempotency key returns the record the
	// first call created instead of creating another one.
	Create(ctx context.Context, id identity.Identity, f record.Fields, idempotencyKey string) (Stored, error)

	// List returns every record of the owner.
	List(ctx context.Context, id identity.Identity) ([]Stored, error)

	// Update replaces the fields of an existing record.
	Update(ctx context.Context, id identity.Identity, recordID string, f record.Fields) error

	// Delete removes a record.
	Delete(ctx context.Context, id identity.Identity, recordID string) error

	// Ping reports whether the store answers at all. It needs no identity.
	Ping(ctx context.Context) error
}
