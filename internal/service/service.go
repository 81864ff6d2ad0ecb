// Package service is the record API used by the CLI and any host UI.
//
// Every operation takes the caller's identity explicitly. Writes land in the
// local store first, so a returned record is durable whatever the network
// state. While online, adds and edits also reach the remote store before the
// call returns. While offline they are marked unsynced and the
// reconciliation engine delivers them later.
//
// Operations on the same record id are serialized with the engine's
// keylock; operations on different ids run independently.
package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/pocketledger/budget/internal/connectivity"
	"github.com/pocketledger/budget/internal/events"
	"github.com/pocketledger/budget/internal/identity"
	"github.com/pocketledger/budget/internal/keylock"
	"github.com/pocketledger/budget/internal/local"
	"github.com/pocketledger/budget/internal/reconcile"
	"github.com/pocketledger/budget/internal/record"
	"github.com/pocketledger/budget/internal/remote"
)

// Config holds configuration for the service.
type Config struct {
	Logger    zerolog.Logger
	Publisher events.Publisher
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger:    zerolog.Nop(),
		Publisher: events.Nop{},
	}
}

// Service implements the record operations.
type Service struct {
	store  *local.Store
	remote remote.Client
	oracle connectivity.Oracle
	engine *reconcile.Engine
	locks  *keylock.Locker
	config *Config
}

// New creates a service with the default configuration.
func New(store *local.Store, client remote.Client, oracle connectivity.Oracle, engine *reconcile.Engine) (*Service, error) {
	return NewWithConfig(store, client, oracle, engine, DefaultConfig())
}

// NewWithConfig creates a service. The engine must have been built over
// the same store and remote client.
func NewWithConfig(store *local.Store, client remote.Client, oracle connectivity.Oracle, engine *reconcile.Engine, config *Config) (*Service, error) {
	if store == nil || client == nil || oracle == nil || engine == nil {
		return nil, fmt.Errorf("store, remote client, oracle and engine are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Publisher == nil {
		config.Publisher = events.Nop{}
	}
	return &Service{
		store:  store,
		remote: client,
		oracle: oracle,
		engine: engine,
		locks:  engine.Locks(),
		config: config,
	}, nil
}

func (s *Service) log() *zerolog.Logger { return &s.config.Logger }

// Online reports the oracle's current state.
func (s *Service) Online() bool { return s.oracle.IsOnline() }

// AddRecord validates input, stores a new record under a temporary id and,
// when online, pushes it right away. The returned record carries whichever
// id is current: authoritative if the push succeeded, temporary otherwise.
//
// An unreachable remote store is not an error; the record is pushed by a
// later pass. Rejected credentials are returned together with the stored
// record.
func (s *Service) AddRecord(ctx context.Context, id identity.Identity, in record.Input) (record.Record, error) {
	fields, err := in.Parse()
	if err != nil {
		return record.Record{}, err
	}
	if err := id.Validate(); err != nil {
		return record.Record{}, err
	}

	saved, err := s.store.Put(ctx, record.Record{
		ID:     record.NewTempID(),
		Owner:  id.Owner,
		Fields: fields,
	})
	if err != nil {
		return record.Record{}, err
	}
	s.publish(id.Owner, saved, events.ActionCreated)

	if !s.oracle.IsOnline() {
		return saved, nil
	}

	pushed, err := s.engine.PushRecord(ctx, id, saved.ID)
	return s.afterPush(saved, pushed, err)
}

// afterPush decides what a fast-path push means for the caller.
func (s *Service) afterPush(saved, pushed record.Record, err error) (record.Record, error) {
	switch {
	case err == nil:
		return pushed, nil
	case errors.Is(err, record.ErrUnauthorized):
		return saved, err
	case errors.Is(err, record.ErrNotFound):
		// Removed by a concurrent delete.
		return saved, nil
	default:
		s.log().Warn().Err(err).Str("record_id", saved.ID).Msg("push deferred to next sync")
		return saved, nil
	}
}

// EditRecord applies patch to a record. Validation happens before any
// write. While online an authoritative record is updated remotely first;
// otherwise the edit is stored unsynced and delivered by a later pass.
//
// It returns record.ErrNotFound when the record does not exist locally, or
// when the remote store no longer has it (in which case the local copy is
// removed as well).
func (s *Service) EditRecord(ctx context.Context, id identity.Identity, recordID string, patch record.Patch) (record.Record, error) {
	if err := id.Validate(); err != nil {
		return record.Record{}, err
	}
	if patch.Empty() {
		return record.Record{}, &record.ValidationError{Field: "patch", Reason: "changes nothing"}
	}

	unlock := s.locks.Lock(recordID)
	defer unlock()

	cur, err := s.store.Get(ctx, id.Owner, recordID)
	if err != nil {
		return record.Record{}, err
	}
	fields, err := patch.Apply(cur.Fields)
	if err != nil {
		return record.Record{}, err
	}
	if fields.Equal(cur.Fields) {
		return cur, nil
	}

	next := cur
	next.Fields = fields
	next.Synced = false

	online := s.oracle.IsOnline()
	if cur.IsTemporary() || !online {
		saved, err := s.store.Put(ctx, next)
		if err != nil {
			return record.Record{}, err
		}
		s.publish(id.Owner, saved, events.ActionUpdated)
		if !online {
			return saved, nil
		}
		pushed, err := s.engine.PushRecordLocked(ctx, id, saved.ID)
		return s.afterPush(saved, pushed, err)
	}

	err = s.remote.Update(ctx, id, recordID, fields)
	switch {
	case err == nil:
		next.Synced = true
	case errors.Is(err, record.ErrNotFound):
		if err := s.store.Delete(ctx, id.Owner, recordID); err != nil && !errors.Is(err, record.ErrNotFound) {
			return record.Record{}, err
		}
		s.publish(id.Owner, cur, events.ActionPurged)
		return record.Record{}, fmt.Errorf("record %s was deleted remotely: %w", recordID, record.ErrNotFound)
	case errors.Is(err, record.ErrUnreachable):
		s.log().Warn().Err(err).Str("record_id", recordID).Msg("edit deferred to next sync")
	case errors.Is(err, record.ErrUnauthorized):
		// Keep the edit; it is sent once credentials are fixed.
	default:
		return record.Record{}, err
	}

	saved, putErr := s.store.Put(ctx, next)
	if putErr != nil {
		return record.Record{}, putErr
	}
	s.publish(id.Owner, saved, events.ActionUpdated)
	if errors.Is(err, record.ErrUnauthorized) {
		return saved, err
	}
	return saved, nil
}

// DeleteRecord removes a record. While online the remote copy is deleted
// first; when that is not possible the local copy is removed and a
// tombstone queues the remote delete. Temporary records never reached the
// remote store and are only deleted locally.
func (s *Service) DeleteRecord(ctx context.Context, id identity.Identity, recordID string) error {
	if err := id.Validate(); err != nil {
		return err
	}

	unlock := s.locks.Lock(recordID)
	defer unlock()

	cur, err := s.store.Get(ctx, id.Owner, recordID)
	missing := errors.Is(err, record.ErrNotFound)
	if err != nil && !missing {
		return err
	}

	if record.IsTemporaryID(recordID) {
		if missing {
			return err
		}
		if err := s.store.Delete(ctx, id.Owner, recordID); err != nil {
			return err
		}
		s.publish(id.Owner, cur, events.ActionDeleted)
		return nil
	}

	if !s.oracle.IsOnline() {
		if missing {
			return err
		}
		return s.deleteLater(ctx, id.Owner, cur)
	}

	err = s.remote.Delete(ctx, id, recordID)
	switch {
	case err == nil:
	case errors.Is(err, record.ErrNotFound):
		if missing {
			return err
		}
	case errors.Is(err, record.ErrUnreachable) && !missing:
		s.log().Warn().Err(err).Str("record_id", recordID).Msg("remote delete deferred to next sync")
		return s.deleteLater(ctx, id.Owner, cur)
	default:
		return err
	}

	if missing {
		return nil
	}
	if err := s.store.Delete(ctx, id.Owner, recordID); err != nil && !errors.Is(err, record.ErrNotFound) {
		return err
	}
	s.publish(id.Owner, cur, events.ActionDeleted)
	return nil
}

func (s *Service) deleteLater(ctx context.Context, owner string, cur record.Record) error {
	if err := s.store.DeleteWithTombstone(ctx, owner, cur.ID); err != nil {
		return err
	}
	cur.Synced = false
	s.publish(owner, cur, events.ActionDeleted)
	return nil
}

// GetRecord returns one record from the local store.
func (s *Service) GetRecord(ctx context.Context, id identity.Identity, recordID string) (record.Record, error) {
	if err := id.Validate(); err != nil {
		return record.Record{}, err
	}
	return s.store.Get(ctx, id.Owner, recordID)
}

// ListRecords returns the owner's records, newest occurrence first, ties
// in insertion order. While online the remote set is pulled first; an
// unreachable remote store falls back to the local copy.
func (s *Service) ListRecords(ctx context.Context, id identity.Identity) ([]record.Record, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	if s.oracle.IsOnline() {
		if _, err := s.engine.Pull(ctx, id); err != nil {
			if errors.Is(err, record.ErrUnauthorized) {
				return nil, err
			}
			s.log().Warn().Err(err).Str("owner", id.Owner).Msg("pull failed, listing local records")
		}
	}

	recs, err := s.store.List(ctx, id.Owner)
	if err != nil {
		return nil, err
	}
	SortForDisplay(recs)
	return recs, nil
}

// SortForDisplay orders records by occurrence date descending. The sort is
// stable and falls back to insertion order.
func SortForDisplay(recs []record.Record) {
	slices.SortStableFunc(recs, func(a, b record.Record) int {
		switch {
		case a.OccurredOn.After(b.OccurredOn):
			return -1
		case a.OccurredOn.Before(b.OccurredOn):
			return 1
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// SyncNow runs a reconciliation pass. It fails with record.ErrUnreachable
// when the oracle reports offline.
func (s *Service) SyncNow(ctx context.Context, id identity.Identity) (reconcile.Result, error) {
	if err := id.Validate(); err != nil {
		return reconcile.Result{}, err
	}
	if !s.oracle.IsOnline() {
		return reconcile.Result{}, fmt.Errorf("offline: %w", record.ErrUnreachable)
	}
	return s.engine.SyncNow(ctx, id)
}

// Status describes the local state for one owner.
type Status struct {
	Online bool
	local.Counts
}

// Status returns connectivity and local store counts.
func (s *Service) Status(ctx context.Context, id identity.Identity) (Status, error) {
	if err := id.Validate(); err != nil {
		return Status{}, err
	}
	c, err := s.store.Count(ctx, id.Owner)
	if err != nil {
		return Status{}, err
	}
	return Status{Online: s.oracle.IsOnline(), Counts: c}, nil
}

// SetReminder attaches a reminder to a record, replacing any existing one.
func (s *Service) SetReminder(ctx context.Context, id identity.Identity, recordID string, dueAt time.Time, note string) (record.Reminder, error) {
	if err := id.Validate(); err != nil {
		return record.Reminder{}, err
	}

	unlock := s.locks.Lock(recordID)
	defer unlock()

	r := record.Reminder{RecordID: recordID, Owner: id.Owner, DueAt: dueAt, Note: note}
	if err := s.store.PutReminder(ctx, r); err != nil {
		return record.Reminder{}, err
	}
	return s.store.Reminder(ctx, id.Owner, recordID)
}

// Reminder returns a record's reminder or record.ErrNotFound.
func (s *Service) Reminder(ctx context.Context, id identity.Identity, recordID string) (record.Reminder, error) {
	if err := id.Validate(); err != nil {
		return record.Reminder{}, err
	}
	return s.store.Reminder(ctx, id.Owner, recordID)
}

// ClearReminder removes a record's reminder.
func (s *Service) ClearReminder(ctx context.Context, id identity.Identity, recordID string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	unlock := s.locks.Lock(recordID)
	defer unlock()
	return s.store.DeleteReminder(ctx, id.Owner, recordID)
}

// DueReminders lists reminders due at or before now that have not fired.
func (s *Service) DueReminders(ctx context.Context, id identity.Identity, now time.Time) ([]record.Reminder, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return s.store.DueReminders(ctx, id.Owner, now)
}

// MarkReminded records that a reminder fired.
func (s *Service) MarkReminded(ctx context.Context, id identity.Identity, recordID string, at time.Time) error {
	if err := id.Validate(); err != nil {
		return err
	}
	unlock := s.locks.Lock(recordID)
	defer unlock()
	return s.store.MarkReminded(ctx, id.Owner, recordID, at)
}

func (s *Service) publish(owner string, rec record.Record, action string) {
	s.config.Publisher.Publish(events.NewMessage(events.MessageTypeRecordUpdate, events.RecordUpdateData{
		Owner:    owner,
		RecordID: rec.ID,
		Action:   action,
		Synced:   rec.Synced,
	}))
}
