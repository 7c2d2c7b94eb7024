package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/gitstuff/gitstuff/internal/cloudsync"
	"github.com/gitstuff/gitstuff/internal/store"
)

const (
	storeTestUserID      = "user-1"
	storeTestOtherUserID = "user-2"
	storeTestTarget      = "octocat"
	storeTestLogin       = "alice"
	storeTestMemoryPath  = ":memory:"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	sqliteStore, openErr := store.Open(storeTestMemoryPath)
	if openErr != nil {
		t.Fatalf("open store: %v", openErr)
	}
	t.Cleanup(func() {
		sqliteStore.Close()
	})
	return sqliteStore
}

func TestToggleWhitelist(t *testing.T) {
	t.Parallel()

	sqliteStore := newTestStore(t)
	ctx := context.Background()

	whitelisted, toggleErr := sqliteStore.ToggleWhitelist(ctx, storeTestUserID, storeTestTarget, storeTestLogin)
	if toggleErr != nil {
		t.Fatalf("first toggle: %v", toggleErr)
	}
	if !whitelisted {
		t.Fatal("first toggle should add the entry")
	}

	whitelisted, toggleErr = sqliteStore.ToggleWhitelist(ctx, storeTestUserID, storeTestTarget, storeTestLogin)
	if toggleErr != nil {
		t.Fatalf("second toggle: %v", toggleErr)
	}
	if whitelisted {
		t.Fatal("second toggle should remove the entry")
	}

	entries, listErr := sqliteStore.ListWhitelist(ctx, storeTestUserID, storeTestTarget)
	if listErr != nil {
		t.Fatalf("list whitelist: %v", listErr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries after the round trip, got %d", len(entries))
	}
}

func TestListAndCountWhitelist(t *testing.T) {
	t.Parallel()

	sqliteStore := newTestStore(t)
	ctx := context.Background()

	for _, login := range []string{"carol", "alice", "bob"} {
		if _, toggleErr := sqliteStore.ToggleWhitelist(ctx, storeTestUserID, storeTestTarget, login); toggleErr != nil {
			t.Fatalf("toggle %s: %v", login, toggleErr)
		}
	}
	if _, toggleErr := sqliteStore.ToggleWhitelist(ctx, storeTestUserID, "other-target", "dave"); toggleErr != nil {
		t.Fatalf("toggle other target: %v", toggleErr)
	}

	entries, listErr := sqliteStore.ListWhitelist(ctx, storeTestUserID, storeTestTarget)
	if listErr != nil {
		t.Fatalf("list by target: %v", listErr)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries for the target, got %d", len(entries))
	}
	if entries[0].Login != "alice" || entries[2].Login != "carol" {
		t.Fatalf("expected login-ordered entries, got %+v", entries)
	}

	allEntries, listAllErr := sqliteStore.ListWhitelist(ctx, storeTestUserID, "")
	if listAllErr != nil {
		t.Fatalf("list all: %v", listAllErr)
	}
	if len(allEntries) != 4 {
		t.Fatalf("expected 4 entries without a target filter, got %d", len(allEntries))
	}

	count, countErr := sqliteStore.CountWhitelist(ctx, storeTestUserID, storeTestTarget)
	if countErr != nil {
		t.Fatalf("count: %v", countErr)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}
}

func TestProtectedAmong(t *testing.T) {
	t.Parallel()

	sqliteStore := newTestStore(t)
	ctx := context.Background()

	if _, toggleErr := sqliteStore.ToggleWhitelist(ctx, storeTestUserID, storeTestTarget, "bob"); toggleErr != nil {
		t.Fatalf("toggle: %v", toggleErr)
	}
	if _, toggleErr := sqliteStore.ToggleWhitelist(ctx, storeTestOtherUserID, storeTestTarget, "carol"); toggleErr != nil {
		t.Fatalf("toggle other user: %v", toggleErr)
	}

	protectedLogins, queryErr := sqliteStore.ProtectedAmong(ctx, storeTestUserID, []string{"alice", "bob", "carol"})
	if queryErr != nil {
		t.Fatalf("protected among: %v", queryErr)
	}
	if len(protectedLogins) != 1 || protectedLogins[0] != "bob" {
		t.Fatalf("expected only the user's own protected login, got %v", protectedLogins)
	}

	emptyResult, emptyErr := sqliteStore.ProtectedAmong(ctx, storeTestUserID, nil)
	if emptyErr != nil {
		t.Fatalf("protected among empty: %v", emptyErr)
	}
	if len(emptyResult) != 0 {
		t.Fatalf("expected no matches for an empty query, got %v", emptyResult)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	sqliteStore := newTestStore(t)
	ctx := context.Background()
	stamp := time.Date(2026, time.June, 1, 7, 30, 0, 0, time.UTC)

	if _, found, loadErr := sqliteStore.LoadSnapshot(ctx, storeTestUserID); loadErr != nil || found {
		t.Fatalf("expected no snapshot initially, found=%v err=%v", found, loadErr)
	}

	saved := cloudsync.Snapshot{
		Followers: map[string]time.Time{"alice": stamp},
		Following: map[string]time.Time{"bob": stamp.Add(time.Hour)},
		UpdatedAt: stamp.Add(2 * time.Hour),
	}
	if saveErr := sqliteStore.SaveSnapshot(ctx, storeTestUserID, saved); saveErr != nil {
		t.Fatalf("save snapshot: %v", saveErr)
	}

	loaded, found, loadErr := sqliteStore.LoadSnapshot(ctx, storeTestUserID)
	if loadErr != nil {
		t.Fatalf("load snapshot: %v", loadErr)
	}
	if !found {
		t.Fatal("expected the saved snapshot to be found")
	}
	if !loaded.Followers["alice"].Equal(stamp) {
		t.Fatalf("expected follower stamp %v, got %v", stamp, loaded.Followers["alice"])
	}
	if !loaded.Following["bob"].Equal(stamp.Add(time.Hour)) {
		t.Fatalf("expected following stamp %v, got %v", stamp.Add(time.Hour), loaded.Following["bob"])
	}

	replacement := cloudsync.Snapshot{
		Followers: map[string]time.Time{"dora": stamp},
		Following: map[string]time.Time{},
		UpdatedAt: stamp.Add(3 * time.Hour),
	}
	if saveErr := sqliteStore.SaveSnapshot(ctx, storeTestUserID, replacement); saveErr != nil {
		t.Fatalf("replace snapshot: %v", saveErr)
	}
	reloaded, _, reloadErr := sqliteStore.LoadSnapshot(ctx, storeTestUserID)
	if reloadErr != nil {
		t.Fatalf("reload snapshot: %v", reloadErr)
	}
	if _, exists := reloaded.Followers["alice"]; exists {
		t.Fatal("upsert should replace the prior snapshot wholesale")
	}
}

func TestDeleteUserData(t *testing.T) {
	t.Parallel()

	sqliteStore := newTestStore(t)
	ctx := context.Background()

	if _, toggleErr := sqliteStore.ToggleWhitelist(ctx, storeTestUserID, storeTestTarget, storeTestLogin); toggleErr != nil {
		t.Fatalf("toggle: %v", toggleErr)
	}
	if saveErr := sqliteStore.SaveSnapshot(ctx, storeTestUserID, cloudsync.Snapshot{}); saveErr != nil {
		t.Fatalf("save snapshot: %v", saveErr)
	}

	if deleteErr := sqliteStore.DeleteUserData(ctx, storeTestUserID); deleteErr != nil {
		t.Fatalf("delete user data: %v", deleteErr)
	}

	entries, listErr := sqliteStore.ListWhitelist(ctx, storeTestUserID, "")
	if listErr != nil {
		t.Fatalf("list after delete: %v", listErr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no whitelist entries after delete, got %d", len(entries))
	}
	if _, found, loadErr := sqliteStore.LoadSnapshot(ctx, storeTestUserID); loadErr != nil || found {
		t.Fatalf("expected no snapshot after delete, found=%v err=%v", found, loadErr)
	}
}
