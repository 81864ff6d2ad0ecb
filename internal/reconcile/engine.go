// Package reconcile moves records between the local store and the remote
// store of record.
//
// A pass has two halves:
//
//  1. Push: every local record with synced=false is sent to the remote
//     store. A record with a temporary id is created remotely and then
//     replaced locally by the authoritative copy (delete temporary, put
//     authoritative, synced=true, one transaction). A record with an
//     authoritative id carries an offline edit and is updated remotely.
//     Ids deleted while offline (tombstones) are deleted remotely.
//  2. Pull: every remote record is written locally with synced=true, except
//     where a local unsynced edit or a tombstone is pending, or where the
//     local store deleted the record after the listing was requested.
//     Synced local records that no longer exist remotely are removed.
//
// A failed remote call leaves the local record exactly as it was, so the
// next pass retries it. Every record is handled under its keylock entry and
// re-read after the lock is taken, which makes concurrent passes (and
// concurrent user edits through the record service) safe: a record that
// another pass already pushed is seen as synced and skipped.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/pocketledger/budget/internal/connectivity"
	"github.com/pocketledger/budget/internal/events"
	"github.com/pocketledger/budget/internal/identity"
	"github.com/pocketledger/budget/internal/keylock"
	"github.com/pocketledger/budget/internal/local"
	"github.com/pocketledger/budget/internal/record"
	"github.com/pocketledger/budget/internal/remote"
)

// Trigger names reported in logs and sync_complete events.
const (
	TriggerStartup  = "startup"
	TriggerOnline   = "online"
	TriggerPeriodic = "periodic"
	TriggerManual   = "manual"
)

// Config holds configuration for the engine.
type Config struct {
	// Interval is how often a pass runs while online.
	Interval time.Duration

	// Logger for engine activity
	Logger zerolog.Logger

	// Publisher receives record and sync events
	Publisher events.Publisher
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:  time.Hour,
		Logger:    zerolog.Nop(),
		Publisher: events.Nop{},
	}
}

// Result counts what a pass did.
type Result struct {
	Pushed   int // temporary records created remotely
	Updated  int // offline edits sent
	Deleted  int // remote deletes sent
	Pulled   int // remote records written locally
	Rekeyed  int // temporary records matched to an existing remote copy
	Purged   int // local records removed because the remote copy is gone
	Failed   int // records left for a later pass
	Duration time.Duration
}

func (r *Result) add(o Result) {
	r.Pushed += o.Pushed
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Pulled += o.Pulled
	r.Rekeyed += o.Rekeyed
	r.Purged += o.Purged
	r.Failed += o.Failed
}

// Engine runs reconciliation passes.
type Engine struct {
	store  *local.Store
	remote remote.Client
	oracle connectivity.Oracle
	locks  *keylock.Locker
	config *Config

	flight singleflight.Group
	wg     sync.WaitGroup
}

// New creates an engine with the default configuration.
func New(store *local.Store, client remote.Client, oracle connectivity.Oracle, locks *keylock.Locker) (*Engine, error) {
	return NewWithConfig(store, client, oracle, locks, DefaultConfig())
}

// NewWithConfig creates an engine with custom configuration.
//
// locks must be the same Locker the record service uses.
func NewWithConfig(store *local.Store, client remote.Client, oracle connectivity.Oracle, locks *keylock.Locker, config *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if oracle == nil {
		return nil, fmt.Errorf("connectivity oracle cannot be nil")
	}
	if locks == nil {
		locks = keylock.New()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Publisher == nil {
		config.Publisher = events.Nop{}
	}

	return &Engine{
		store:  store,
		remote: client,
		oracle: oracle,
		locks:  locks,
		config: config,
	}, nil
}

// Locks returns the per-record locker shared with the record service.
func (e *Engine) Locks() *keylock.Locker { return e.locks }

func (e *Engine) log() *zerolog.Logger { return &e.config.Logger }

// SyncNow runs a full pass (push, then pull) and returns its result.
// Errors are returned to the caller and also logged.
func (e *Engine) SyncNow(ctx context.Context, id identity.Identity) (Result, error) {
	return e.pass(ctx, id, TriggerManual)
}

func (e *Engine) pass(ctx context.Context, id identity.Identity, trigger string) (Result, error) {
	start := time.Now()
	if err := id.Validate(); err != nil {
		return Result{}, err
	}

	res, err := e.Push(ctx, id)
	if err == nil {
		var pulled Result
		pulled, err = e.Pull(ctx, id)
		res.add(pulled)
	}
	res.Duration = time.Since(start)

	logger := e.log().With().Str("owner", id.Owner).Str("trigger", trigger).Logger()
	if err != nil {
		logger.Warn().Err(err).Int("failed", res.Failed).Msg("reconciliation pass stopped")
	} else {
		logger.Info().
			Int("pushed", res.Pushed).
			Int("updated", res.Updated).
			Int("deleted", res.Deleted).
			Int("pulled", res.Pulled).
			Int("rekeyed", res.Rekeyed).
			Int("purged", res.Purged).
			Int("failed", res.Failed).
			Dur("duration", res.Duration).
			Msg("reconciliation pass complete")
	}

	data := events.SyncCompleteData{
		Owner:    id.Owner,
		Trigger:  trigger,
		Pushed:   res.Pushed,
		Updated:  res.Updated,
		Deleted:  res.Deleted,
		Pulled:   res.Pulled,
		Purged:   res.Purged,
		Failed:   res.Failed,
		Duration: res.Duration,
	}
	if err != nil {
		data.Error = err.Error()
	}
	e.config.Publisher.Publish(events.NewMessage(events.MessageTypeSyncComplete, data))

	return res, err
}

// fatal reports whether err should end the whole pass rather than just
// the current record.
func fatal(err error) bool {
	return errors.Is(err, record.ErrUnauthorized) ||
		errors.Is(err, record.ErrUnreachable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Push sends pending local changes to the remote store.
//
// Per-record failures other than Unreachable and Unauthorized are logged,
// counted in Result.Failed and skipped. Unreachable and Unauthorized stop
// the pass and are returned.
func (e *Engine) Push(ctx context.Context, id identity.Identity) (Result, error) {
	var res Result
	if err := id.Validate(); err != nil {
		return res, err
	}

	ids, err := e.store.UnsyncedIDs(ctx, id.Owner)
	if err != nil {
		return res, fmt.Errorf("failed to read pending records: %w", err)
	}

	for _, recordID := range ids {
		unlock := e.locks.Lock(recordID)
		_, action, err := e.pushLocked(ctx, id, recordID)
		unlock()

		if err != nil {
			res.Failed++
			if fatal(err) {
				return res, err
			}
			e.log().Warn().Err(err).Str("owner", id.Owner).Str("record_id", recordID).
				Str("op", "push").Msg("failed to push record")
			continue
		}
		switch action {
		case events.ActionRekeyed:
			res.Pushed++
		case events.ActionUpdated:
			res.Updated++
		case events.ActionPurged:
			res.Purged++
		}
	}

	tombs, err := e.store.Tombstones(ctx, id.Owner)
	if err != nil {
		return res, fmt.Errorf("failed to read pending deletes: %w", err)
	}
	for _, t := range tombs {
		unlock := e.locks.Lock(t.ID)
		err := e.deleteRemote(ctx, id, t.ID)
		unlock()

		if err != nil {
			res.Failed++
			if fatal(err) {
				return res, err
			}
			e.log().Warn().Err(err).Str("owner", id.Owner).Str("record_id", t.ID).
				Str("op", "delete").Msg("failed to delete record remotely")
			continue
		}
		res.Deleted++
	}

	return res, nil
}

// PushRecord pushes a single record if it is pending and returns its
// current local state. It is the fast path used right after a local write.
func (e *Engine) PushRecord(ctx context.Context, id identity.Identity, recordID string) (record.Record, error) {
	if err := id.Validate(); err != nil {
		return record.Record{}, err
	}
	unlock := e.locks.Lock(recordID)
	defer unlock()
	return e.PushRecordLocked(ctx, id, recordID)
}

// PushRecordLocked is PushRecord for callers that already hold the
// record's lock.
func (e *Engine) PushRecordLocked(ctx context.Context, id identity.Identity, recordID string) (record.Record, error) {
	rec, action, err := e.pushLocked(ctx, id, recordID)
	if err != nil {
		return rec, err
	}
	if action == "" && rec.ID == "" {
		return record.Record{}, fmt.Errorf("record %s: %w", recordID, record.ErrNotFound)
	}
	if action == events.ActionPurged {
		return record.Record{}, fmt.Errorf("record %s was deleted remotely: %w", recordID, record.ErrNotFound)
	}
	return rec, nil
}

// pushLocked pushes one record. The caller holds the record's lock. On
// failure the local record is untouched and returned as it was. The action
// is empty when there was nothing to do.
func (e *Engine) pushLocked(ctx context.Context, id identity.Identity, recordID string) (record.Record, string, error) {
	rec, err := e.store.Get(ctx, id.Owner, recordID)
	if errors.Is(err, record.ErrNotFound) {
		// Deleted since the pending list was read.
		return record.Record{}, "", nil
	}
	if err != nil {
		return record.Record{}, "", err
	}
	if rec.Synced {
		// Another pass got here first.
		return rec, "", nil
	}

	if rec.IsTemporary() {
		return e.createRemote(ctx, id, rec)
	}
	return e.updateRemote(ctx, id, rec)
}

func (e *Engine) createRemote(ctx context.Context, id identity.Identity, rec record.Record) (record.Record, string, error) {
	// The temporary id doubles as idempotency key: if an earlier attempt
	// reached the store but its response was lost, the store returns that
	// record instead of creating a second one.
	created, err := e.remote.Create(ctx, id, rec.Fields, rec.ID)
	if err != nil {
		return rec, "", err
	}
	if record.IsTemporaryID(created.ID) || created.ID == "" {
		return rec, "", fmt.Errorf("remote store returned non-authoritative id %q", created.ID)
	}

	final := created.Record(id.Owner)
	if !created.Fields.Equal(rec.Fields) {
		// A replayed create returned an older version of the fields.
		if err := e.remote.Update(ctx, id, created.ID, rec.Fields); err != nil {
			e.log().Warn().Err(err).Str("record_id", created.ID).
				Msg("failed to send local edits after create, will retry")
			final.Synced = false
		}
		final.Fields = rec.Fields
	}

	saved, err := e.store.Rekey(ctx, rec.ID, final)
	if err != nil {
		return rec, "", err
	}

	e.publishRecord(id.Owner, saved, rec.ID, events.ActionRekeyed)
	e.log().Debug().Str("record_id", saved.ID).Str("previous_id", rec.ID).Msg("pushed record")
	return saved, events.ActionRekeyed, nil
}

func (e *Engine) updateRemote(ctx context.Context, id identity.Identity, rec record.Record) (record.Record, string, error) {
	err := e.remote.Update(ctx, id, rec.ID, rec.Fields)
	if errors.Is(err, record.ErrNotFound) {
		// Deleted remotely while we were editing offline; the delete wins.
		if err := e.store.Delete(ctx, id.Owner, rec.ID); err != nil && !errors.Is(err, record.ErrNotFound) {
			return rec, "", err
		}
		e.publishRecord(id.Owner, rec, "", events.ActionPurged)
		return rec, events.ActionPurged, nil
	}
	if err != nil {
		return rec, "", err
	}

	rec.Synced = true
	saved, err := e.store.Put(ctx, rec)
	if err != nil {
		return rec, "", err
	}
	e.publishRecord(id.Owner, saved, "", events.ActionUpdated)
	return saved, events.ActionUpdated, nil
}

// deleteRemote clears one tombstone. The caller holds the id's lock.
func (e *Engine) deleteRemote(ctx context.Context, id identity.Identity, recordID string) error {
	err := e.remote.Delete(ctx, id, recordID)
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		return err
	}
	return e.store.RemoveTombstone(ctx, id.Owner, recordID)
}

// Pull makes the local store reflect the remote store.
func (e *Engine) Pull(ctx context.Context, id identity.Identity) (Result, error) {
	var res Result
	if err := id.Validate(); err != nil {
		return res, err
	}

	started := time.Now()
	stored, err := e.remote.List(ctx, id)
	if err != nil {
		return res, err
	}

	tombs, err := e.store.Tombstones(ctx, id.Owner)
	if err != nil {
		return res, fmt.Errorf("failed to read pending deletes: %w", err)
	}
	tombstoned := make(map[string]bool, len(tombs))
	for _, t := range tombs {
		tombstoned[t.ID] = true
	}

	locals, err := e.store.List(ctx, id.Owner)
	if err != nil {
		return res, fmt.Errorf("failed to read local records: %w", err)
	}
	localIDs := make(map[string]bool, len(locals))
	for _, l := range locals {
		localIDs[l.ID] = true
	}

	seen := make(map[string]bool, len(stored))
	for _, s := range stored {
		seen[s.ID] = true
		if tombstoned[s.ID] {
			continue
		}

		var (
			action string
			err    error
		)
		if s.ClientRef != "" && record.IsTemporaryID(s.ClientRef) && localIDs[s.ClientRef] {
			action, err = e.adopt(ctx, id, s.ClientRef, s, started)
		} else {
			unlock := e.locks.Lock(s.ID)
			action, err = e.pullLocked(ctx, id, s, started)
			unlock()
		}

		if err != nil {
			res.Failed++
			if fatal(err) {
				return res, err
			}
			e.log().Warn().Err(err).Str("owner", id.Owner).Str("record_id", s.ID).
				Str("op", "pull").Msg("failed to store remote record")
			continue
		}
		switch action {
		case events.ActionPulled:
			res.Pulled++
		case events.ActionRekeyed:
			res.Rekeyed++
		case events.ActionDeleted:
			res.Deleted++
		}
	}

	for _, l := range locals {
		if l.IsTemporary() || seen[l.ID] || !l.Synced {
			continue
		}
		purged, err := e.purge(ctx, id, l.ID, started)
		if err != nil {
			res.Failed++
			e.log().Warn().Err(err).Str("owner", id.Owner).Str("record_id", l.ID).
				Str("op", "purge").Msg("failed to remove stale record")
			continue
		}
		if purged {
			res.Purged++
		}
	}

	if res.Failed == 0 {
		if _, err := e.store.PruneDeletions(ctx, id.Owner, started.Add(-deletionRetention)); err != nil {
			e.log().Warn().Err(err).Str("owner", id.Owner).Msg("failed to prune deletion log")
		}
	}
	return res, nil
}

// deletionRetention bounds how long a local delete can outlive the remote
// listing that still carried the record.
const deletionRetention = 24 * time.Hour

// pullLocked writes one remote record locally unless a local edit is
// pending or the record was deleted locally after the listing was
// requested. The caller holds the record's lock.
func (e *Engine) pullLocked(ctx context.Context, id identity.Identity, s remote.Stored, listedAt time.Time) (string, error) {
	cur, err := e.store.Get(ctx, id.Owner, s.ID)
	switch {
	case errors.Is(err, record.ErrNotFound):
		return e.pullMissing(ctx, id, s, listedAt)
	case err != nil:
		return "", err
	case !cur.Synced:
		// Unsynced local edit; the push half will send it.
		return "", nil
	case cur.Fields.Equal(s.Fields):
		return "", nil
	}

	return e.put(ctx, id, s)
}

// pullMissing handles a remote record with no local row.
func (e *Engine) pullMissing(ctx context.Context, id identity.Identity, s remote.Stored, listedAt time.Time) (string, error) {
	if s.ClientRef != "" && record.IsTemporaryID(s.ClientRef) {
		// A create whose response was lost, and whose temporary record was
		// deleted before the next pass adopted it.
		_, gone, err := e.store.DeletedAt(ctx, id.Owner, s.ClientRef)
		if err != nil {
			return "", err
		}
		if gone {
			if err := e.remote.Delete(ctx, id, s.ID); err != nil && !errors.Is(err, record.ErrNotFound) {
				return "", err
			}
			if err := e.store.ForgetDeletion(ctx, id.Owner, s.ClientRef); err != nil {
				return "", err
			}
			e.publishRecord(id.Owner, s.Record(id.Owner), s.ClientRef, events.ActionDeleted)
			return events.ActionDeleted, nil
		}
	}

	deletedAt, gone, err := e.store.DeletedAt(ctx, id.Owner, s.ID)
	if err != nil {
		return "", err
	}
	if gone && !deletedAt.Before(listedAt) {
		// The listing predates the delete.
		return "", nil
	}
	return e.put(ctx, id, s)
}

func (e *Engine) put(ctx context.Context, id identity.Identity, s remote.Stored) (string, error) {
	saved, err := e.store.Put(ctx, s.Record(id.Owner))
	if err != nil {
		return "", err
	}
	e.publishRecord(id.Owner, saved, "", events.ActionPulled)
	return events.ActionPulled, nil
}

// adopt finishes a create whose local rekey never happened: the remote
// store holds a record created from tempID, but the temporary entry is
// still here.
func (e *Engine) adopt(ctx context.Context, id identity.Identity, tempID string, s remote.Stored, listedAt time.Time) (string, error) {
	unlock := e.locks.LockMany(tempID, s.ID)
	defer unlock()

	cur, err := e.store.Get(ctx, id.Owner, tempID)
	if errors.Is(err, record.ErrNotFound) {
		// A concurrent push finished the job, or the record was deleted.
		return e.pullLocked(ctx, id, s, listedAt)
	}
	if err != nil {
		return "", err
	}

	final := s.Record(id.Owner)
	if !cur.Fields.Equal(s.Fields) {
		// Edited locally after the lost create; keep the edit pending.
		final.Fields = cur.Fields
		final.Synced = false
	}
	saved, err := e.store.Rekey(ctx, tempID, final)
	if err != nil {
		return "", err
	}
	e.publishRecord(id.Owner, saved, tempID, events.ActionRekeyed)
	return events.ActionRekeyed, nil
}

// purge removes a synced record missing from the remote listing, unless it
// was written locally after the listing was requested.
func (e *Engine) purge(ctx context.Context, id identity.Identity, recordID string, listedAt time.Time) (bool, error) {
	unlock := e.locks.Lock(recordID)
	defer unlock()

	cur, err := e.store.Get(ctx, id.Owner, recordID)
	if errors.Is(err, record.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cur.Synced || !cur.UpdatedAt.Before(listedAt) {
		return false, nil
	}
	if err := e.store.Delete(ctx, id.Owner, recordID); err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	e.publishRecord(id.Owner, cur, "", events.ActionPurged)
	return true, nil
}

func (e *Engine) publishRecord(owner string, rec record.Record, previousID, action string) {
	e.config.Publisher.Publish(events.NewMessage(events.MessageTypeRecordUpdate, events.RecordUpdateData{
		Owner:      owner,
		RecordID:   rec.ID,
		PreviousID: previousID,
		Action:     action,
		Synced:     rec.Synced,
	}))
}
