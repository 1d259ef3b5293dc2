package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/polravi/mapmyactivities/internal/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "test.db")
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func testTask(id, owner string, updated time.Time) *schema.Task {
	q := 2
	return &schema.Task{
		ID:                 id,
		OwnerID:            owner,
		Title:              "Task " + id,
		Status:             schema.StatusTodo,
		Priority:           schema.PriorityMedium,
		Tags:               []string{},
		EisenhowerQuadrant: &q,
		SortOrder:          1000,
		CreatedAt:          updated,
		UpdatedAt:          updated,
	}
}

func mustEncode(t *testing.T, task *schema.Task) *Document {
	t.Helper()
	doc, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask() failed: %v", err)
	}
	return doc
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.path != path {
		t.Errorf("path = %q, want %q", db.path, path)
	}
	if db.Driver() != DriverSQLite {
		t.Errorf("Driver() = %q, want %q", db.Driver(), DriverSQLite)
	}
}

func TestOpenConfig_UnknownDriver(t *testing.T) {
	if _, err := OpenConfig(Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("OpenConfig() with unknown driver should fail")
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}

	for _, table := range []string{"documents", "sync_clock", "rate_limits"} {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestCommit_CreateAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	task := testTask("t-1", "user-1", now)
	task.Recurrence = &schema.RecurrenceRule{Type: schema.Daily, Interval: 1}

	b := NewBatch(now)
	b.Create(mustEncode(t, task))
	res, err := db.Commit(ctx, b)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if res.Written != 1 {
		t.Errorf("Written = %d, want 1", res.Written)
	}

	doc, err := db.Get(ctx, schema.CollectionTasks, "t-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("Version = %d, want 1", doc.Version)
	}
	if !doc.HasRecurrence {
		t.Error("HasRecurrence = false, want true")
	}
	got, err := doc.Task()
	if err != nil {
		t.Fatalf("Task() failed: %v", err)
	}
	if got.Title != task.Title || got.Quadrant() != 2 || !got.CreatedAt.Equal(now) {
		t.Errorf("Task() = %+v, want fields of %+v", got, task)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Get(context.Background(), schema.CollectionTasks, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestCommit_CreateExistingConflicts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var b Batch
	b.Create(mustEncode(t, testTask("t-1", "user-1", now)))
	if _, err := db.Commit(ctx, &b); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	var again Batch
	again.Create(mustEncode(t, testTask("t-2", "user-1", now)))
	again.Create(mustEncode(t, testTask("t-1", "user-1", now)))
	if _, err := db.Commit(ctx, &again); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Commit() error = %v, want ErrVersionConflict", err)
	}

	// The whole batch rolled back.
	if _, err := db.Get(ctx, schema.CollectionTasks, "t-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("t-2 should not exist after a failed batch, got err=%v", err)
	}
}

func TestCommit_CreateIfAbsentSkips(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		var b Batch
		b.CreateIfAbsent(mustEncode(t, testTask("t-1", "user-1", now)))
		res, err := db.Commit(ctx, &b)
		if err != nil {
			t.Fatalf("Commit() run %d failed: %v", i, err)
		}
		wantWritten, wantSkipped := 1, 0
		if i == 1 {
			wantWritten, wantSkipped = 0, 1
		}
		if res.Written != wantWritten || res.Skipped != wantSkipped {
			t.Errorf("run %d: result = %+v, want written=%d skipped=%d", i, res, wantWritten, wantSkipped)
		}
	}

	count, err := db.Count(ctx, schema.CollectionTasks)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}
}

func TestCommit_ReplaceChecksVersion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := testTask("t-1", "user-1", now)
	var b Batch
	b.Create(mustEncode(t, task))
	if _, err := db.Commit(ctx, &b); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	task.Title = "first writer"
	first := mustEncode(t, task)
	var w1 Batch
	w1.Replace(first, 1)
	if _, err := db.Commit(ctx, &w1); err != nil {
		t.Fatalf("first Replace failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Version after replace = %d, want 2", first.Version)
	}

	// A second writer that also read version 1 loses.
	task.Title = "stale writer"
	var w2 Batch
	w2.Replace(mustEncode(t, task), 1)
	if _, err := db.Commit(ctx, &w2); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale Replace error = %v, want ErrVersionConflict", err)
	}

	doc, err := db.Get(ctx, schema.CollectionTasks, "t-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	got, _ := doc.Task()
	if got.Title != "first writer" || got.Version != 2 {
		t.Errorf("stored task = %q v%d, want %q v2", got.Title, got.Version, "first writer")
	}
}

func TestCommit_ConcurrentReplaceOneWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := testTask("t-1", "user-1", now)
	var b Batch
	b.Create(mustEncode(t, task))
	if _, err := db.Commit(ctx, &b); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var wb Batch
			wb.Replace(mustEncode(t, task), 1)
			_, err := db.Commit(ctx, &wb)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != writers-1 {
		t.Errorf("wins = %d, conflicts = %d, want 1 and %d", wins, conflicts, writers-1)
	}
}

func TestChangedSince(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := NewBatch(base)
	first.Create(mustEncode(t, testTask("old", "user-1", base)))
	if _, err := db.Commit(ctx, first); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	later := base.Add(time.Hour)
	second := NewBatch(later)
	second.Create(mustEncode(t, testTask("new", "user-1", later)))
	second.Create(mustEncode(t, testTask("other", "user-2", later)))
	deleted := testTask("gone", "user-1", later)
	deleted.Deleted = true
	second.Create(mustEncode(t, deleted))
	if _, err := db.Commit(ctx, second); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	all, err := db.ChangedSince(ctx, schema.CollectionTasks, "user-1", nil)
	if err != nil {
		t.Fatalf("ChangedSince(nil) failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ChangedSince(nil) returned %d docs, want 3", len(all))
	}

	cursor := base.UnixMilli()
	changed, err := db.ChangedSince(ctx, schema.CollectionTasks, "user-1", &cursor)
	if err != nil {
		t.Fatalf("ChangedSince() failed: %v", err)
	}
	// Same stamp, so ordered by id.
	if len(changed) != 2 || changed[0].ID != "gone" || changed[1].ID != "new" {
		t.Fatalf("ChangedSince() = %v, want [gone new]", ids(changed))
	}
	if !changed[0].Deleted {
		t.Error("tombstone should be reported with Deleted = true")
	}
}

func TestCommit_StampsStrictlyIncrease(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	task := testTask("t-1", "user-1", now)
	b := NewBatch(now)
	created := mustEncode(t, task)
	b.Create(created)
	res, err := db.Commit(ctx, b)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if !res.Stamp.Equal(now) {
		t.Errorf("first Stamp = %v, want %v", res.Stamp, now)
	}

	// A second commit in the same millisecond still gets a later stamp.
	task.Title = "edited"
	again := NewBatch(now)
	again.Replace(mustEncode(t, task), 1)
	res, err = db.Commit(ctx, again)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	want := now.Add(time.Millisecond)
	if !res.Stamp.Equal(want) {
		t.Errorf("second Stamp = %v, want %v", res.Stamp, want)
	}

	// A batch timed before the clock does not go back.
	late := NewBatch(now.Add(-time.Hour))
	late.Create(mustEncode(t, testTask("t-2", "user-1", now.Add(-time.Hour))))
	res, err = db.Commit(ctx, late)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if !res.Stamp.After(want) {
		t.Errorf("late Stamp = %v, want after %v", res.Stamp, want)
	}

	doc, err := db.Get(ctx, schema.CollectionTasks, "t-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	got, err := doc.Task()
	if err != nil {
		t.Fatalf("Task() failed: %v", err)
	}
	if doc.UpdatedAt != want.UnixMilli() || !got.UpdatedAt.Equal(want) {
		t.Errorf("updated_at = %d, body updatedAt = %v, want both %v", doc.UpdatedAt, got.UpdatedAt, want)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v kept across replace", got.CreatedAt, now)
	}
	if created.UpdatedAt != now.UnixMilli() {
		t.Errorf("committed document UpdatedAt = %d, want %d", created.UpdatedAt, now.UnixMilli())
	}
}

func TestSnapshot_OrderedAgainstCommits(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	b := NewBatch(now)
	b.Create(mustEncode(t, testTask("t-1", "user-1", now)))
	if _, err := db.Commit(ctx, b); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	snap, err := db.Snapshot(ctx, "user-1", nil, now)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if snap.Stamp != now.UnixMilli() {
		t.Errorf("Stamp = %d, want %d", snap.Stamp, now.UnixMilli())
	}
	if len(snap.Docs[schema.CollectionTasks]) != 1 {
		t.Fatalf("tasks = %v, want [t-1]", ids(snap.Docs[schema.CollectionTasks]))
	}
	if docs, ok := snap.Docs[schema.CollectionGoals]; !ok || len(docs) != 0 {
		t.Errorf("goals = %v, want empty", docs)
	}

	// A commit in the snapshot's millisecond lands after its stamp.
	next := NewBatch(now)
	next.Create(mustEncode(t, testTask("t-2", "user-1", now)))
	if _, err := db.Commit(ctx, next); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	cursor := snap.Stamp
	snap, err = db.Snapshot(ctx, "user-1", &cursor, now)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if got := ids(snap.Docs[schema.CollectionTasks]); len(got) != 1 || got[0] != "t-2" {
		t.Errorf("tasks since %d = %v, want [t-2]", cursor, got)
	}
	if snap.Stamp <= cursor {
		t.Errorf("Stamp = %d, want past %d", snap.Stamp, cursor)
	}
}

func TestInitSchema_SeedsClockFromDocuments(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	b := NewBatch(now)
	b.Create(mustEncode(t, testTask("t-1", "user-1", now)))
	if _, err := db.Commit(ctx, b); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	// A store created before the clock existed.
	if _, err := db.conn.Exec(`DELETE FROM sync_clock`); err != nil {
		t.Fatalf("failed to clear clock: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	late := NewBatch(now.Add(-time.Hour))
	late.Create(mustEncode(t, testTask("t-2", "user-1", now)))
	res, err := db.Commit(ctx, late)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if !res.Stamp.After(now) {
		t.Errorf("Stamp = %v, want after %v", res.Stamp, now)
	}
}

func TestListRecurringAndLive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := testTask("rec", "user-1", now)
	rec.Recurrence = &schema.RecurrenceRule{Type: schema.Daily, Interval: 1}
	recGone := testTask("rec-gone", "user-2", now)
	recGone.Recurrence = &schema.RecurrenceRule{Type: schema.Daily, Interval: 1}
	recGone.Deleted = true

	var b Batch
	b.Create(mustEncode(t, rec))
	b.Create(mustEncode(t, recGone))
	b.Create(mustEncode(t, testTask("plain", "user-1", now)))
	if _, err := db.Commit(ctx, &b); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	recurring, err := db.ListRecurring(ctx)
	if err != nil {
		t.Fatalf("ListRecurring() failed: %v", err)
	}
	if len(recurring) != 1 || recurring[0].ID != "rec" {
		t.Errorf("ListRecurring() = %v, want [rec]", ids(recurring))
	}

	live, err := db.ListLive(ctx, schema.CollectionTasks)
	if err != nil {
		t.Fatalf("ListLive() failed: %v", err)
	}
	if len(live) != 2 {
		t.Errorf("ListLive() = %v, want 2 docs", ids(live))
	}
}

func TestTakeQuota(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		count, ok, err := db.TakeQuota(ctx, "user-1", "aiSuggest", "2026-01-01", 3, now)
		if err != nil {
			t.Fatalf("TakeQuota() failed: %v", err)
		}
		if !ok || count != i {
			t.Errorf("call %d: count=%d ok=%v, want %d true", i, count, ok, i)
		}
	}

	count, ok, err := db.TakeQuota(ctx, "user-1", "aiSuggest", "2026-01-01", 3, now)
	if err != nil {
		t.Fatalf("TakeQuota() failed: %v", err)
	}
	if ok || count != 3 {
		t.Errorf("over limit: count=%d ok=%v, want 3 false", count, ok)
	}

	// Next day starts fresh.
	if _, ok, _ := db.TakeQuota(ctx, "user-1", "aiSuggest", "2026-01-02", 3, now); !ok {
		t.Error("new day should have quota")
	}
	used, err := db.UsageCount(ctx, "user-1", "aiSuggest", "2026-01-01")
	if err != nil || used != 3 {
		t.Errorf("UsageCount() = %d, %v; want 3", used, err)
	}
}

func TestClose(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	// Closing twice is a no-op.
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
