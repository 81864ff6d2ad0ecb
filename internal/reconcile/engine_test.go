package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pocketledger/budget/internal/connectivity"
	"github.com/pocketledger/budget/internal/events"
	"github.com/pocketledger/budget/internal/identity"
	"github.com/pocketledger/budget/internal/keylock"
	"github.com/pocketledger/budget/internal/local"
	"github.com/pocketledger/budget/internal/record"
	"github.com/pocketledger/budget/internal/remote"
)

var alice = identity.Identity{Owner: "alice", Token: "t-alice"}

type fixture struct {
	store  *local.Store
	remote *remote.Memory
	online *connectivity.Switch
	engine *Engine
	events *recorder
}

type recorder struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (r *recorder) Publish(msg events.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) count(typ events.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func setup(t *testing.T, online bool) *fixture {
	t.Helper()

	store, err := local.Open(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:  store,
		remote: remote.NewMemory(),
		online: connectivity.NewSwitch(online),
		events: &recorder{},
	}
	cfg := DefaultConfig()
	cfg.Publisher = f.events
	f.engine, err = NewWithConfig(store, f.remote, f.online, keylock.New(), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	return f
}

func fields(t *testing.T, desc, amount string) record.Fields {
	t.Helper()
	f, err := record.Input{
		Kind:        "expense",
		Amount:      amount,
		OccurredOn:  "2024-05-01",
		Category:    "Food",
		Description: desc,
	}.Parse()
	if err != nil {
		t.Fatalf("invalid test fields: %v", err)
	}
	return f
}

// addOffline stores a record the way the service does while offline.
func (f *fixture) addOffline(t *testing.T, desc string) record.Record {
	t.Helper()
	rec, err := f.store.Put(context.Background(), record.Record{
		ID:     record.NewTempID(),
		Owner:  alice.Owner,
		Fields: fields(t, desc, "12.50"),
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return rec
}

func (f *fixture) list(t *testing.T) []record.Record {
	t.Helper()
	recs, err := f.store.List(context.Background(), alice.Owner)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return recs
}

func (f *fixture) syncAll(t *testing.T) Result {
	t.Helper()
	res, err := f.engine.SyncNow(context.Background(), alice)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	return res
}

func TestPushCreatesAndRekeys(t *testing.T) {
	f := setup(t, true)
	first := f.addOffline(t, "Coffee")
	second := f.addOffline(t, "Bagel")

	res := f.syncAll(t)
	if res.Pushed != 2 {
		t.Errorf("Pushed = %d, want 2", res.Pushed)
	}

	recs := f.list(t)
	if len(recs) != 2 {
		t.Fatalf("got %d local records, want 2", len(recs))
	}
	for _, r := range recs {
		if r.IsTemporary() || !strings.HasPrefix(r.ID, remote.AuthoritativeIDPrefix) {
			t.Errorf("record %s was not rekeyed", r.ID)
		}
		if !r.Synced {
			t.Errorf("record %s not marked synced", r.ID)
		}
	}
	// Insertion order survives the rekey.
	if recs[0].Description != first.Description || recs[1].Description != second.Description {
		t.Errorf("order = [%s %s]", recs[0].Description, recs[1].Description)
	}

	stored := f.remote.Records(alice.Owner)
	if len(stored) != 2 {
		t.Fatalf("remote has %d records, want 2", len(stored))
	}
	if _, err := f.store.Get(context.Background(), alice.Owner, first.ID); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("temporary id still present: %v", err)
	}
	if n := f.events.count(events.MessageTypeSyncComplete); n != 1 {
		t.Errorf("sync_complete events = %d, want 1", n)
	}
}

func TestPushFailureLeavesRecordUntouched(t *testing.T) {
	f := setup(t, true)
	rec := f.addOffline(t, "Coffee")

	f.remote.SetReachable(false)
	_, err := f.engine.SyncNow(context.Background(), alice)
	if !errors.Is(err, record.ErrUnreachable) {
		t.Fatalf("SyncNow() error = %v, want ErrUnreachable", err)
	}

	got, err := f.store.Get(context.Background(), alice.Owner, rec.ID)
	if err != nil {
		t.Fatalf("record lost after failed push: %v", err)
	}
	if got.Synced || !got.Fields.Equal(rec.Fields) {
		t.Errorf("record changed by failed push: %+v", got)
	}

	f.remote.SetReachable(true)
	f.syncAll(t)
	ids, _ := f.store.UnsyncedIDs(context.Background(), alice.Owner)
	if len(ids) != 0 {
		t.Errorf("pending after retry: %v", ids)
	}
}

func TestLostCreateResponseDoesNotDuplicate(t *testing.T) {
	f := setup(t, true)
	rec := f.addOffline(t, "Coffee")

	f.remote.DropNextResponse(remote.OpCreate)
	if _, err := f.engine.SyncNow(context.Background(), alice); !errors.Is(err, record.ErrUnreachable) {
		t.Fatalf("SyncNow() error = %v, want ErrUnreachable", err)
	}
	if _, err := f.store.Get(context.Background(), alice.Owner, rec.ID); err != nil {
		t.Fatalf("temporary record gone after lost response: %v", err)
	}

	f.syncAll(t)

	stored := f.remote.Records(alice.Owner)
	if len(stored) != 1 {
		t.Fatalf("remote has %d records, want 1", len(stored))
	}
	recs := f.list(t)
	if len(recs) != 1 || recs[0].ID != stored[0].ID {
		t.Errorf("local = %+v, want one record with id %s", recs, stored[0].ID)
	}
}

func TestPullAdoptsOrphanedCreate(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	rec := f.addOffline(t, "Coffee")

	f.remote.DropNextResponse(remote.OpCreate)
	if _, err := f.engine.Push(ctx, alice); err == nil {
		t.Fatal("Push() should report the lost response")
	}

	res, err := f.engine.Pull(ctx, alice)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if res.Rekeyed != 1 || res.Pulled != 0 {
		t.Errorf("Pull() = %+v, want one rekey and no plain pulls", res)
	}

	recs := f.list(t)
	if len(recs) != 1 {
		t.Fatalf("got %d local records, want 1", len(recs))
	}
	stored := f.remote.Records(alice.Owner)
	if recs[0].ID != stored[0].ID || !recs[0].Synced {
		t.Errorf("local = %+v, want synced %s", recs[0], stored[0].ID)
	}
	if stored[0].ClientRef != rec.ID {
		t.Errorf("ClientRef = %q, want %q", stored[0].ClientRef, rec.ID)
	}
}

func TestPullDeletesOrphanOfDeletedTemporary(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	rec := f.addOffline(t, "Coffee")

	f.remote.DropNextResponse(remote.OpCreate)
	if _, err := f.engine.Push(ctx, alice); err == nil {
		t.Fatal("Push() should report the lost response")
	}
	if err := f.store.Delete(ctx, alice.Owner, rec.ID); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Pull(ctx, alice)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if res.Deleted != 1 || res.Pulled != 0 {
		t.Errorf("Pull() = %+v, want the orphan deleted", res)
	}
	if recs := f.list(t); len(recs) != 0 {
		t.Errorf("local = %+v, want none", recs)
	}
	if n := len(f.remote.Records(alice.Owner)); n != 0 {
		t.Errorf("remote still has %d records", n)
	}
	if _, ok, _ := f.store.DeletedAt(ctx, alice.Owner, rec.ID); ok {
		t.Error("deletion entry kept after the orphan was removed")
	}
}

func TestPullSkipsRecordDeletedAfterListing(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.addOffline(t, "Coffee")
	f.syncAll(t)
	id := f.list(t)[0].ID

	// Deleted locally, still listed remotely: an older listing must not
	// bring it back, a newer one must.
	if err := f.store.Delete(ctx, alice.Owner, id); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-time.Minute)
	unlock := f.engine.locks.Lock(id)
	action, err := f.engine.pullLocked(ctx, alice, f.remote.Records(alice.Owner)[0], stale)
	unlock()
	if err != nil || action != "" {
		t.Fatalf("pullLocked(stale) = %q, %v, want skipped", action, err)
	}
	if _, err := f.store.Get(ctx, alice.Owner, id); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("stale listing resurrected %s: %v", id, err)
	}

	res, err := f.engine.Pull(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pulled != 1 {
		t.Errorf("Pull() = %+v, want the record pulled from a fresh listing", res)
	}
}

func TestOfflineEditIsPushed(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.addOffline(t, "Coffee")
	f.syncAll(t)

	rec := f.list(t)[0]
	rec.Fields = fields(t, "Espresso", "3.20")
	rec.Synced = false
	if _, err := f.store.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	res := f.syncAll(t)
	if res.Updated != 1 {
		t.Errorf("Updated = %d, want 1", res.Updated)
	}
	stored := f.remote.Records(alice.Owner)
	if stored[0].Description != "Espresso" || stored[0].AmountString() != "3.20" {
		t.Errorf("remote not updated: %+v", stored[0])
	}
	got, _ := f.store.Get(ctx, alice.Owner, rec.ID)
	if !got.Synced {
		t.Error("edited record not marked synced")
	}
}

func TestOfflineDeleteIsPushed(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.addOffline(t, "Coffee")
	f.syncAll(t)

	id := f.list(t)[0].ID
	if err := f.store.DeleteWithTombstone(ctx, alice.Owner, id); err != nil {
		t.Fatal(err)
	}

	res := f.syncAll(t)
	if res.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", res.Deleted)
	}
	if n := len(f.remote.Records(alice.Owner)); n != 0 {
		t.Errorf("remote still has %d records", n)
	}
	tombs, _ := f.store.Tombstones(ctx, alice.Owner)
	if len(tombs) != 0 {
		t.Errorf("tombstones left: %v", tombs)
	}
}

func TestTombstoneBlocksResurrection(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.addOffline(t, "Coffee")
	f.syncAll(t)

	id := f.list(t)[0].ID
	if err := f.store.DeleteWithTombstone(ctx, alice.Owner, id); err != nil {
		t.Fatal(err)
	}

	// The remote delete fails, so the record is still listed remotely.
	f.remote.FailNext(remote.OpDelete, fmt.Errorf("rejected: %w", record.ErrValidation))
	res, err := f.engine.SyncNow(ctx, alice)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	if _, err := f.store.Get(ctx, alice.Owner, id); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("deleted record came back: %v", err)
	}

	f.syncAll(t)
	if n := len(f.remote.Records(alice.Owner)); n != 0 {
		t.Errorf("remote still has %d records after retry", n)
	}
}

func TestPullRemoteWins(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	seeded := f.remote.Seed(alice.Owner, remote.Stored{Fields: fields(t, "Rent", "900.00")})
	res, err := f.engine.Pull(ctx, alice)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if res.Pulled != 1 {
		t.Errorf("Pulled = %d, want 1", res.Pulled)
	}

	got, err := f.store.Get(ctx, alice.Owner, seeded.ID)
	if err != nil {
		t.Fatalf("pulled record missing: %v", err)
	}
	if !got.Synced || got.Description != "Rent" {
		t.Errorf("pulled = %+v", got)
	}

	seeded.Fields = fields(t, "Rent (adjusted)", "950.00")
	f.remote.Seed(alice.Owner, seeded)
	if _, err := f.engine.Pull(ctx, alice); err != nil {
		t.Fatal(err)
	}
	got, _ = f.store.Get(ctx, alice.Owner, seeded.ID)
	if got.Description != "Rent (adjusted)" {
		t.Errorf("remote change not applied: %+v", got)
	}

	// An unchanged pull writes nothing.
	res, _ = f.engine.Pull(ctx, alice)
	if res.Pulled != 0 {
		t.Errorf("second Pull() = %+v, want no writes", res)
	}
}

func TestPullKeepsPendingEdit(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	seeded := f.remote.Seed(alice.Owner, remote.Stored{Fields: fields(t, "Rent", "900.00")})
	if _, err := f.engine.Pull(ctx, alice); err != nil {
		t.Fatal(err)
	}

	rec, _ := f.store.Get(ctx, alice.Owner, seeded.ID)
	rec.Fields = fields(t, "Rent (mine)", "910.00")
	rec.Synced = false
	if _, err := f.store.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Pull(ctx, alice); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.Get(ctx, alice.Owner, seeded.ID)
	if got.Description != "Rent (mine)" || got.Synced {
		t.Errorf("pending edit overwritten: %+v", got)
	}
}

func TestPullPurgesRemoteDeletes(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	seeded := f.remote.Seed(alice.Owner, remote.Stored{Fields: fields(t, "Rent", "900.00")})
	pending := f.addOffline(t, "Not yet pushed")
	if _, err := f.engine.Pull(ctx, alice); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	f.remote.Remove(alice.Owner, seeded.ID)

	res, err := f.engine.Pull(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if res.Purged != 1 {
		t.Errorf("Purged = %d, want 1", res.Purged)
	}
	if _, err := f.store.Get(ctx, alice.Owner, seeded.ID); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("remotely deleted record still local: %v", err)
	}
	if _, err := f.store.Get(ctx, alice.Owner, pending.ID); err != nil {
		t.Errorf("unpushed record purged: %v", err)
	}
}

func TestEditOfRemotelyDeletedRecord(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.addOffline(t, "Coffee")
	f.syncAll(t)

	rec := f.list(t)[0]
	rec.Fields = fields(t, "Espresso", "3.20")
	rec.Synced = false
	if _, err := f.store.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	f.remote.Remove(alice.Owner, rec.ID)

	res := f.syncAll(t)
	if res.Purged != 1 {
		t.Errorf("Purged = %d, want 1", res.Purged)
	}
	if len(f.list(t)) != 0 {
		t.Error("record deleted remotely should be removed locally")
	}
}

func TestUnauthorizedStopsPass(t *testing.T) {
	f := setup(t, true)
	rec := f.addOffline(t, "Coffee")
	f.remote.RequireToken(alice.Owner, "something-else")

	_, err := f.engine.SyncNow(context.Background(), alice)
	if !errors.Is(err, record.ErrUnauthorized) {
		t.Fatalf("SyncNow() error = %v, want ErrUnauthorized", err)
	}
	got, err := f.store.Get(context.Background(), alice.Owner, rec.ID)
	if err != nil || got.Synced {
		t.Errorf("record changed by rejected pass: %+v, %v", got, err)
	}
}

func TestIdentityRequired(t *testing.T) {
	f := setup(t, true)
	_, err := f.engine.SyncNow(context.Background(), identity.Identity{})
	if !errors.Is(err, record.ErrUnauthorized) {
		t.Errorf("SyncNow() without identity error = %v", err)
	}
	if f.remote.Calls(remote.OpList) != 0 {
		t.Error("remote called without identity")
	}
}

func TestConcurrentSyncNow(t *testing.T) {
	f := setup(t, true)
	const n = 20
	for i := 0; i < n; i++ {
		f.addOffline(t, fmt.Sprintf("item %d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.SyncNow(context.Background(), alice); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("SyncNow() error = %v", err)
	}

	if got := len(f.remote.Records(alice.Owner)); got != n {
		t.Errorf("remote has %d records, want %d", got, n)
	}
	recs := f.list(t)
	if len(recs) != n {
		t.Fatalf("local has %d records, want %d", len(recs), n)
	}
	for _, r := range recs {
		if r.IsTemporary() || !r.Synced {
			t.Errorf("record %s not synced", r.ID)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	ids, err := f.store.UnsyncedIDs(context.Background(), alice.Owner)
	if err != nil {
		t.Fatal(err)
	}
	return len(ids)
}

func TestRunSyncsOnReconnect(t *testing.T) {
	f := setup(t, false)
	f.addOffline(t, "Coffee")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, alice) }()

	waitFor(t, "subscription", func() bool { return f.online.Subscribers() == 1 })
	if f.pending(t) != 1 {
		t.Fatal("record pushed while offline")
	}

	f.online.Set(true)
	waitFor(t, "push after reconnect", func() bool { return f.pending(t) == 0 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if f.online.Subscribers() != 0 {
		t.Error("Run() left its subscription open")
	}
	if f.events.count(events.MessageTypeConnectivity) == 0 {
		t.Error("no connectivity event published")
	}
}

func TestRunStartupAndPeriodicPasses(t *testing.T) {
	f := setup(t, true)
	f.engine.config.Interval = 20 * time.Millisecond
	f.addOffline(t, "Coffee")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, alice) }()

	waitFor(t, "startup pass", func() bool { return f.pending(t) == 0 })

	// Failures in background passes are swallowed and retried.
	f.remote.SetReachable(false)
	f.addOffline(t, "Bagel")
	time.Sleep(60 * time.Millisecond)
	f.remote.SetReachable(true)
	waitFor(t, "periodic pass", func() bool { return f.pending(t) == 0 })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestRunRequiresIdentity(t *testing.T) {
	f := setup(t, true)
	if err := f.engine.Run(context.Background(), identity.Identity{}); !errors.Is(err, record.ErrUnauthorized) {
		t.Errorf("Run() error = %v", err)
	}
}
