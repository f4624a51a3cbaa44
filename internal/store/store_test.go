package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/heardly/localsync/internal/record"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return s
}

func testProgress(id, episode string, pos int, at time.Time) *record.Progress {
	p := &record.Progress{ID: id, UserID: "u1", EpisodeID: episode, PositionSecs: pos}
	p.InitLocal(at)
	return p
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Version(ctx)
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("Version = %d, want %d", v, SchemaVersion)
	}

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := testProgress("p1", "ep1", 30, now)
	if err := Create(ctx, s, Progress, p); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := Get(ctx, s, Progress, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PositionSecs != 30 || got.EpisodeID != "ep1" {
		t.Errorf("got %+v", got)
	}
	if !got.NeedsSync {
		t.Error("dirty flag lost in round trip")
	}
	if !got.UpdatedAt.Equal(p.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, p.UpdatedAt)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := Get(context.Background(), s, Progress, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := Create(ctx, s, Progress, testProgress("p1", "ep1", 30, now)); err != nil {
		t.Fatal(err)
	}
	err := Create(ctx, s, Progress, testProgress("p1", "ep1", 60, now))
	if !IsValidation(err) {
		t.Errorf("duplicate id err = %v, want ValidationError", err)
	}

	// The original row is untouched.
	got, _ := Get(ctx, s, Progress, "p1")
	if got.PositionSecs != 30 {
		t.Errorf("PositionSecs = %d, want 30", got.PositionSecs)
	}
}

func TestCreateInvalidPersistsNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := &record.Progress{ID: "p1", UserID: "u1", EpisodeID: "ep1", PositionSecs: -1}
	bad.InitLocal(time.Now().UTC())
	if err := Create(ctx, s, Progress, bad); !IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
	if _, err := Get(ctx, s, Progress, "p1"); !errors.Is(err, ErrNotFound) {
		t.Error("invalid record was persisted")
	}
}

func TestPutBatchAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	bad := &record.Progress{ID: "p2", EpisodeID: "ep1", PositionSecs: 10} // missing user
	bad.InitLocal(now)
	err := PutBatch(ctx, s, Progress, []*record.Progress{
		testProgress("p1", "ep1", 30, now),
		bad,
	})
	if !IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if _, err := Get(ctx, s, Progress, "p1"); !errors.Is(err, ErrNotFound) {
		t.Error("batch with an invalid record must persist nothing")
	}
}

func TestListOrderingAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"pc", "pa", "pb"} {
		p := testProgress(id, "ep1", i, base.Add(time.Duration(i)*time.Second))
		if err := Put(ctx, s, Progress, p); err != nil {
			t.Fatal(err)
		}
	}
	if err := Put(ctx, s, Progress, testProgress("px", "ep2", 9, base)); err != nil {
		t.Fatal(err)
	}

	got, err := List(ctx, s, Progress, Query{
		Conds:   []Cond{{Col: "episode_id", Val: "ep1"}},
		OrderBy: "created_at",
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, want := range []string{"pc", "pa", "pb"} {
		if got[i].ID != want {
			t.Errorf("got[%d] = %s, want %s", i, got[i].ID, want)
		}
	}

	// Same-timestamp rows order by id, keeping results deterministic.
	s2 := newTestStore(t)
	for _, id := range []string{"pb", "pa", "pc"} {
		if err := Put(ctx, s2, Progress, testProgress(id, "ep1", 0, base)); err != nil {
			t.Fatal(err)
		}
	}
	got2, err := List(ctx, s2, Progress, Query{})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"pa", "pb", "pc"} {
		if got2[i].ID != want {
			t.Errorf("tie-break got[%d] = %s, want %s", i, got2[i].ID, want)
		}
	}
}

func TestListExcludesTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := testProgress("p1", "ep1", 30, now)
	dead := testProgress("p2", "ep1", 60, now)
	dead.MarkDeleted(now.Add(time.Second))
	if err := PutBatch(ctx, s, Progress, []*record.Progress{live, dead}); err != nil {
		t.Fatal(err)
	}

	got, err := List(ctx, s, Progress, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "p1" {
		t.Errorf("got %d records, want only p1", len(got))
	}

	all, err := List(ctx, s, Progress, Query{IncludeDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("IncludeDeleted got %d records, want 2", len(all))
	}
}

func TestDirtyTracking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	clean := testProgress("p1", "ep1", 30, now)
	clean.MarkSynced(now)
	dirty := testProgress("p2", "ep1", 60, now)
	other := testProgress("p3", "ep2", 90, now)
	if err := PutBatch(ctx, s, Progress, []*record.Progress{clean, dirty, other}); err != nil {
		t.Fatal(err)
	}

	got, err := Dirty(ctx, s, Progress, "ep1")
	if err != nil {
		t.Fatalf("Dirty failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p2" {
		t.Errorf("Dirty(ep1) = %v, want [p2]", ids(got))
	}

	all, err := Dirty(ctx, s, Progress, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("Dirty(all) returned %d, want 2", len(all))
	}
}

func TestDirtyIncludesTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dead := testProgress("p1", "ep1", 30, now)
	dead.MarkDeleted(now.Add(time.Second))
	if err := Put(ctx, s, Progress, dead); err != nil {
		t.Fatal(err)
	}

	got, err := Dirty(ctx, s, Progress, "ep1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatal("tombstone missing from dirty set: deletions must push")
	}
	if !got[0].IsDeleted() {
		t.Error("tombstone flag lost")
	}
}

func TestMergeBatchLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	remoteCopy := func(id string, pos int, updatedAt time.Time) *record.Progress {
		p := &record.Progress{ID: id, UserID: "u1", EpisodeID: "ep1", PositionSecs: pos}
		p.CreatedAt = updatedAt
		p.UpdatedAt = updatedAt
		p.InitRemote(base.Add(time.Minute))
		return p
	}

	// p1: absent locally. p2: clean locally. p3: dirty and strictly newer
	// than the remote copy. p4: dirty with an equal timestamp. p5: dirty
	// but older than the remote copy.
	clean := testProgress("p2", "ep1", 1, base)
	clean.MarkSynced(base)
	newer := testProgress("p3", "ep1", 1, base.Add(time.Second))
	tied := testProgress("p4", "ep1", 1, base)
	older := testProgress("p5", "ep1", 1, base.Add(-time.Second))
	if err := PutBatch(ctx, s, Progress, []*record.Progress{clean, newer, tied, older}); err != nil {
		t.Fatal(err)
	}

	applied, err := MergeBatch(ctx, s, Progress, []*record.Progress{
		remoteCopy("p1", 9, base),
		remoteCopy("p2", 9, base.Add(-time.Second)),
		remoteCopy("p3", 9, base),
		remoteCopy("p4", 9, base),
		remoteCopy("p5", 9, base),
	})
	if err != nil {
		t.Fatalf("MergeBatch failed: %v", err)
	}
	want := []string{"p1", "p2", "p5"}
	if len(applied) != len(want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
	for i, id := range want {
		if applied[i] != id {
			t.Errorf("applied[%d] = %s, want %s", i, applied[i], id)
		}
	}

	for _, id := range []string{"p3", "p4"} {
		got, err := Get(ctx, s, Progress, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.PositionSecs != 1 {
			t.Errorf("%s: dirty local edit overwritten by merge", id)
		}
		if !got.NeedsSync {
			t.Errorf("%s: surviving local edit flipped clean", id)
		}
	}
	got, err := Get(ctx, s, Progress, "p5")
	if err != nil {
		t.Fatal(err)
	}
	if got.PositionSecs != 9 || got.NeedsSync {
		t.Error("strictly newer remote copy must replace the older dirty row")
	}
}

func TestMergeBatchHonorsEditCommittedAfterFetch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	remote := &record.Progress{ID: "p1", UserID: "u1", EpisodeID: "ep1", PositionSecs: 1}
	remote.CreatedAt = base
	remote.UpdatedAt = base
	remote.InitRemote(base.Add(time.Minute))

	// The local edit lands after the remote batch was fetched but before
	// the merge applies. It is newer, so the merge must leave it alone.
	edit := testProgress("p1", "ep1", 999, base.Add(time.Second))
	if err := Put(ctx, s, Progress, edit); err != nil {
		t.Fatal(err)
	}

	applied, err := MergeBatch(ctx, s, Progress, []*record.Progress{remote})
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Fatalf("applied = %v, want none", applied)
	}

	got, _ := Get(ctx, s, Progress, "p1")
	if got.PositionSecs != 999 {
		t.Error("older remote copy overwrote the newer local edit")
	}
	if !got.NeedsSync {
		t.Error("local edit flipped clean without a push")
	}
}

func TestMarkSyncedClearsDirty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := testProgress("p1", "ep1", 30, now)
	if err := Put(ctx, s, Progress, p); err != nil {
		t.Fatal(err)
	}

	syncedAt := now.Add(time.Second)
	err := s.MarkSynced(ctx, "progress", []SyncedRow{{ID: "p1", UpdatedAt: p.UpdatedAt}}, syncedAt)
	if err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	got, _ := Get(ctx, s, Progress, "p1")
	if got.NeedsSync {
		t.Error("dirty flag not cleared")
	}
	if got.SyncedAt == nil || got.SyncedAt.Before(got.UpdatedAt) {
		t.Error("synced_at must cover updated_at")
	}
}

func TestMarkSyncedSkipsMutatedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := testProgress("p1", "ep1", 30, now)
	if err := Put(ctx, s, Progress, p); err != nil {
		t.Fatal(err)
	}
	uploadedAt := p.UpdatedAt

	// The row changes after the upload snapshot was taken.
	p.PositionSecs = 99
	p.TouchLocal(now.Add(time.Second))
	if err := Put(ctx, s, Progress, p); err != nil {
		t.Fatal(err)
	}

	err := s.MarkSynced(ctx, "progress", []SyncedRow{{ID: "p1", UpdatedAt: uploadedAt}}, now.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}

	got, _ := Get(ctx, s, Progress, "p1")
	if !got.NeedsSync {
		t.Error("row mutated after upload must stay dirty")
	}
}

func TestHardDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := Put(ctx, s, Progress, testProgress("p1", "ep1", 30, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := Delete(ctx, s, Progress, "p1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := Get(ctx, s, Progress, "p1"); !errors.Is(err, ErrNotFound) {
		t.Error("row survived hard delete")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Cursor(ctx, "progress", "ep1")
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("fresh cursor = %v, want zero", got)
	}

	want := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.SetCursor(ctx, "progress", "ep1", want); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	got, err = s.Cursor(ctx, "progress", "ep1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Errorf("cursor = %v, want %v", got, want)
	}

	// Cursors are per scope.
	other, err := s.Cursor(ctx, "progress", "ep2")
	if err != nil {
		t.Fatal(err)
	}
	if !other.IsZero() {
		t.Error("cursor leaked across scopes")
	}
}

func TestCommentParentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	top := &record.Comment{ID: "c1", StarterID: "s1", EpisodeID: "ep1", UserID: "u1", Content: "top"}
	top.InitLocal(now)
	reply := &record.Comment{ID: "c2", StarterID: "s1", ParentID: "c1", EpisodeID: "ep1", UserID: "u2", Content: "reply"}
	reply.InitLocal(now)
	if err := PutBatch(ctx, s, Comments, []*record.Comment{top, reply}); err != nil {
		t.Fatal(err)
	}

	gotTop, _ := Get(ctx, s, Comments, "c1")
	if gotTop.ParentID != "" {
		t.Errorf("top-level ParentID = %q, want empty", gotTop.ParentID)
	}
	gotReply, _ := Get(ctx, s, Comments, "c2")
	if gotReply.ParentID != "c1" {
		t.Errorf("reply ParentID = %q, want c1", gotReply.ParentID)
	}
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := Put(ctx, s, Progress, testProgress("p1", "ep1", 30, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	n, err := s.Count(ctx, "progress")
	if err != nil {
		t.Fatalf("Count after reset failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Count = %d after reset, want 0", n)
	}

	// The reset store is fully usable.
	if err := Put(ctx, s, Progress, testProgress("p2", "ep1", 10, time.Now().UTC())); err != nil {
		t.Errorf("Put after reset failed: %v", err)
	}
}

func ids(recs []*record.Progress) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
