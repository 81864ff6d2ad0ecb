package local

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pocketledger/budget/internal/record"
)

const owner = "alice"

// setupTestStore opens a store in a temporary directory.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRecord(t *testing.T, id, on, desc string) record.Record {
	t.Helper()

	f, err := record.Input{
		Kind:        "expense",
		Amount:      "10.00",
		OccurredOn:  on,
		Category:    "Food",
		Description: desc,
	}.Parse()
	if err != nil {
		t.Fatalf("invalid test input: %v", err)
	}
	return record.Record{ID: id, Owner: owner, Fields: f}
}

func TestPutGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, record.NewTempID(), "2024-03-01", "Lunch")
	saved, err := store.Put(ctx, rec)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if saved.Seq == 0 {
		t.Error("Put() did not assign a sequence")
	}
	if saved.UpdatedAt.IsZero() {
		t.Error("Put() did not set UpdatedAt")
	}

	got, err := store.Get(ctx, owner, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Fields.Equal(rec.Fields) {
		t.Errorf("Get() fields = %+v, want %+v", got.Fields, rec.Fields)
	}
	if got.Synced {
		t.Error("Get() synced = true, want false")
	}
}

func TestPutKeepsSequenceOnUpdate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, _ := store.Put(ctx, newRecord(t, "rec_1", "2024-03-01", "a"))
	second, _ := store.Put(ctx, newRecord(t, "rec_2", "2024-03-01", "b"))
	if second.Seq <= first.Seq {
		t.Fatalf("sequence not increasing: %d then %d", first.Seq, second.Seq)
	}

	edited := newRecord(t, "rec_1", "2024-03-02", "a2")
	edited.Synced = true
	got, err := store.Put(ctx, edited)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got.Seq != first.Seq {
		t.Errorf("Seq = %d after update, want %d", got.Seq, first.Seq)
	}
	if !got.Synced || got.Description != "a2" {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestPutRejectsInvalid(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, "rec_1", "2024-03-01", "a")
	rec.Category = ""
	if _, err := store.Put(ctx, rec); !errors.Is(err, record.ErrValidation) {
		t.Errorf("Put() error = %v, want ErrValidation", err)
	}

	rec = newRecord(t, "rec_1", "2024-03-01", "a")
	rec.Owner = ""
	if _, err := store.Put(ctx, rec); !errors.Is(err, record.ErrUnauthorized) {
		t.Errorf("Put() without owner error = %v, want ErrUnauthorized", err)
	}
}

func TestGetMissing(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.Get(context.Background(), owner, "nope")
	if !errors.Is(err, record.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestOwnerScoping(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mine := newRecord(t, "rec_1", "2024-03-01", "mine")
	theirs := newRecord(t, "rec_1", "2024-03-01", "theirs")
	theirs.Owner = "bob"

	if _, err := store.Put(ctx, mine); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, theirs); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, owner, "rec_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "mine" {
		t.Errorf("Get() returned %q, want mine", got.Description)
	}

	list, err := store.List(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Description != "theirs" {
		t.Errorf("List(bob) = %+v", list)
	}
}

func TestUnsyncedIDs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := newRecord(t, "local-a", "2024-03-01", "a")
	b := newRecord(t, "rec_b", "2024-03-01", "b")
	b.Synced = true
	c := newRecord(t, "local-c", "2024-03-01", "c")
	for _, r := range []record.Record{a, b, c} {
		if _, err := store.Put(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := store.UnsyncedIDs(ctx, owner)
	if err != nil {
		t.Fatalf("UnsyncedIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "local-a" || ids[1] != "local-c" {
		t.Errorf("UnsyncedIDs() = %v, want [local-a local-c]", ids)
	}

	counts, err := store.Count(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total != 3 || counts.Unsynced != 2 {
		t.Errorf("Count() = %+v", counts)
	}
}

func TestDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, "rec_1", "2024-03-01", "a")
	_, _ = store.Put(ctx, rec)

	if err := store.Delete(ctx, owner, "rec_1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, owner, "rec_1"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("record still present after Delete: %v", err)
	}
	if err := store.Delete(ctx, owner, "rec_1"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteWithTombstone(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, "rec_1", "2024-03-01", "a")
	rec.Synced = true
	_, _ = store.Put(ctx, rec)

	if err := store.DeleteWithTombstone(ctx, owner, "rec_1"); err != nil {
		t.Fatalf("DeleteWithTombstone() error = %v", err)
	}

	tombs, err := store.Tombstones(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(tombs) != 1 || tombs[0].ID != "rec_1" {
		t.Fatalf("Tombstones() = %+v", tombs)
	}

	if err := store.RemoveTombstone(ctx, owner, "rec_1"); err != nil {
		t.Fatal(err)
	}
	tombs, _ = store.Tombstones(ctx, owner)
	if len(tombs) != 0 {
		t.Errorf("tombstone not removed: %+v", tombs)
	}

	// A missing record writes no tombstone.
	if err := store.DeleteWithTombstone(ctx, owner, "rec_404"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	tombs, _ = store.Tombstones(ctx, owner)
	if len(tombs) != 0 {
		t.Errorf("tombstone written for missing record: %+v", tombs)
	}
}

func TestDeletionLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tmp := newRecord(t, record.NewTempID(), "2024-03-01", "a")
	_, _ = store.Put(ctx, tmp)
	_, _ = store.Put(ctx, newRecord(t, "rec_2", "2024-03-01", "b"))

	before := time.Now()
	if err := store.Delete(ctx, owner, "rec_2"); err != nil {
		t.Fatal(err)
	}
	at, ok, err := store.DeletedAt(ctx, owner, "rec_2")
	if err != nil || !ok {
		t.Fatalf("DeletedAt() = %v, %v, %v", at, ok, err)
	}
	if at.Before(before) {
		t.Errorf("DeletedAt() = %v, want at or after %v", at, before)
	}

	// Replacing a temporary entry is not a deletion.
	final := tmp
	final.ID = "rec_1"
	if _, err := store.Rekey(ctx, tmp.ID, final); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.DeletedAt(ctx, owner, tmp.ID); ok {
		t.Error("Rekey() logged the temporary id as deleted")
	}

	if n, err := store.PruneDeletions(ctx, owner, before); err != nil || n != 0 {
		t.Errorf("PruneDeletions(before) = %d, %v, want 0", n, err)
	}
	if n, err := store.PruneDeletions(ctx, owner, time.Now().Add(time.Second)); err != nil || n != 1 {
		t.Errorf("PruneDeletions(now) = %d, %v, want 1", n, err)
	}
	if _, ok, _ := store.DeletedAt(ctx, owner, "rec_2"); ok {
		t.Error("entry survived PruneDeletions")
	}

	_ = store.DeleteWithTombstone(ctx, owner, "rec_1")
	if err := store.ForgetDeletion(ctx, owner, "rec_1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.DeletedAt(ctx, owner, "rec_1"); ok {
		t.Error("entry survived ForgetDeletion")
	}
}

func TestRekey(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tmp := newRecord(t, record.NewTempID(), "2024-03-01", "a")
	saved, _ := store.Put(ctx, tmp)
	_, _ = store.Put(ctx, newRecord(t, "local-later", "2024-03-01", "b"))

	due := time.Now().Add(time.Hour)
	if err := store.PutReminder(ctx, record.Reminder{Owner: owner, RecordID: tmp.ID, DueAt: due, Note: "check"}); err != nil {
		t.Fatal(err)
	}

	final := tmp
	final.ID = "rec_1"
	final.Synced = true
	got, err := store.Rekey(ctx, tmp.ID, final)
	if err != nil {
		t.Fatalf("Rekey() error = %v", err)
	}
	if got.Seq != saved.Seq {
		t.Errorf("Seq = %d, want %d", got.Seq, saved.Seq)
	}
	if !got.Synced {
		t.Error("rekeyed record should be synced")
	}
	if _, err := store.Get(ctx, owner, tmp.ID); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("temporary entry still present: %v", err)
	}

	rem, err := store.Reminder(ctx, owner, "rec_1")
	if err != nil {
		t.Fatalf("reminder did not move: %v", err)
	}
	if rem.Note != "check" {
		t.Errorf("reminder note = %q", rem.Note)
	}

	if _, err := store.Rekey(ctx, tmp.ID, final); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("Rekey() of missing id error = %v, want ErrNotFound", err)
	}
}

func TestReminders(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, _ = store.Put(ctx, newRecord(t, "rec_1", "2024-03-01", "a"))
	_, _ = store.Put(ctx, newRecord(t, "rec_2", "2024-03-01", "b"))

	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	_ = store.PutReminder(ctx, record.Reminder{Owner: owner, RecordID: "rec_1", DueAt: now.Add(-time.Hour)})
	_ = store.PutReminder(ctx, record.Reminder{Owner: owner, RecordID: "rec_2", DueAt: now.Add(time.Hour)})

	err := store.PutReminder(ctx, record.Reminder{Owner: owner, RecordID: "rec_404", DueAt: now})
	if !errors.Is(err, record.ErrNotFound) {
		t.Errorf("PutReminder() for missing record error = %v, want ErrNotFound", err)
	}

	due, err := store.DueReminders(ctx, owner, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].RecordID != "rec_1" {
		t.Fatalf("DueReminders() = %+v", due)
	}

	if err := store.MarkReminded(ctx, owner, "rec_1", now); err != nil {
		t.Fatal(err)
	}
	due, _ = store.DueReminders(ctx, owner, now)
	if len(due) != 0 {
		t.Errorf("reminder fired twice: %+v", due)
	}

	if err := store.Delete(ctx, owner, "rec_2"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Reminder(ctx, owner, "rec_2"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("reminder survived record delete: %v", err)
	}
}

func TestConcurrentWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		rec := newRecord(t, record.NewTempID(), "2024-03-01", "x")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Put(ctx, rec); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Put() error = %v", err)
	}

	list, err := store.List(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 20 {
		t.Errorf("List() returned %d records, want 20", len(list))
	}
}

func TestDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecord(t, "local-1", "2024-03-01", "a")
	if _, err := store.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if _, err := reopened.Get(ctx, owner, "local-1"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}
