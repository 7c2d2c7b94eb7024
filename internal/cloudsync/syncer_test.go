package cloudsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gitstuff/gitstuff/internal/cloudsync"
	"github.com/gitstuff/gitstuff/internal/githubapi"
	"github.com/gitstuff/gitstuff/internal/tracker"
)

const (
	syncerTestUserID = "user-1"
	syncerTestTarget = "octocat"
)

type fakeSnapshotStore struct {
	snapshots map[string]cloudsync.Snapshot
	loadErr   error
	saveErr   error
	saveCalls int
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{snapshots: make(map[string]cloudsync.Snapshot)}
}

func (store *fakeSnapshotStore) LoadSnapshot(_ context.Context, userID string) (cloudsync.Snapshot, bool, error) {
	if store.loadErr != nil {
		return cloudsync.Snapshot{}, false, store.loadErr
	}
	snapshot, found := store.snapshots[userID]
	return snapshot, found, nil
}

func (store *fakeSnapshotStore) SaveSnapshot(_ context.Context, userID string, snapshot cloudsync.Snapshot) error {
	store.saveCalls++
	if store.saveErr != nil {
		return store.saveErr
	}
	store.snapshots[userID] = snapshot
	return nil
}

func ledgerAt(stamp time.Time) (*tracker.Ledger, func() time.Time) {
	clock := func() time.Time { return stamp }
	return tracker.NewLedger(tracker.Config{Clock: clock}), clock
}

func TestPushReplacesRemoteSnapshot(t *testing.T) {
	t.Parallel()

	stamp := time.Date(2026, time.April, 2, 10, 0, 0, 0, time.UTC)
	ledger, clock := ledgerAt(stamp)
	ledger.RecordObservation(syncerTestTarget, githubapi.RelationFollowers, []githubapi.AccountSummary{{Login: "alice"}})
	ledger.RecordObservation(syncerTestTarget, githubapi.RelationFollowing, []githubapi.AccountSummary{{Login: "bob"}})

	store := newFakeSnapshotStore()
	store.snapshots[syncerTestUserID] = cloudsync.Snapshot{
		Followers: map[string]time.Time{"stale": stamp.Add(-time.Hour)},
	}

	syncer := cloudsync.NewSyncer(cloudsync.Config{Ledger: ledger, Store: store, Clock: clock})
	if !syncer.Push(context.Background(), syncerTestUserID, syncerTestTarget) {
		t.Fatal("push should succeed")
	}

	saved := store.snapshots[syncerTestUserID]
	if _, exists := saved.Followers["stale"]; exists {
		t.Fatal("push should replace the prior remote snapshot wholesale")
	}
	if !saved.Followers["alice"].Equal(stamp) {
		t.Fatalf("expected pushed follower stamp %v, got %v", stamp, saved.Followers["alice"])
	}
	if !saved.Following["bob"].Equal(stamp) {
		t.Fatalf("expected pushed following stamp %v, got %v", stamp, saved.Following["bob"])
	}
}

func TestPushFailureReturnsFalse(t *testing.T) {
	t.Parallel()

	ledger, clock := ledgerAt(time.Now())
	store := newFakeSnapshotStore()
	store.saveErr = errors.New("store unavailable")

	syncer := cloudsync.NewSyncer(cloudsync.Config{Ledger: ledger, Store: store, Clock: clock})
	if syncer.Push(context.Background(), syncerTestUserID, syncerTestTarget) {
		t.Fatal("push should report failure without panicking")
	}
}

func TestPullMergeUnionLocalWins(t *testing.T) {
	t.Parallel()

	localStamp := time.Date(2026, time.April, 2, 10, 0, 0, 0, time.UTC)
	ledger, clock := ledgerAt(localStamp)
	ledger.RecordObservation(syncerTestTarget, githubapi.RelationFollowers, []githubapi.AccountSummary{{Login: "a"}})

	store := newFakeSnapshotStore()
	store.snapshots[syncerTestUserID] = cloudsync.Snapshot{
		Followers: map[string]time.Time{
			"a": localStamp.Add(-99 * time.Hour),
			"b": localStamp.Add(-20 * time.Hour),
		},
	}

	syncer := cloudsync.NewSyncer(cloudsync.Config{Ledger: ledger, Store: store, Clock: clock})
	if !syncer.Pull(context.Background(), syncerTestUserID, syncerTestTarget) {
		t.Fatal("pull should succeed")
	}

	followers, _ := ledger.Export(syncerTestTarget)
	if !followers["a"].Equal(localStamp) {
		t.Fatalf("local value should win for overlapping login, got %v", followers["a"])
	}
	if !followers["b"].Equal(localStamp.Add(-20 * time.Hour)) {
		t.Fatalf("remote-only login should be adopted, got %v", followers["b"])
	}
}

func TestPullMissingSnapshotIsNoOp(t *testing.T) {
	t.Parallel()

	ledger, clock := ledgerAt(time.Now())
	syncer := cloudsync.NewSyncer(cloudsync.Config{Ledger: ledger, Store: newFakeSnapshotStore(), Clock: clock})

	if !syncer.Pull(context.Background(), syncerTestUserID, syncerTestTarget) {
		t.Fatal("pull without a remote snapshot should succeed as a no-op")
	}
}

func TestPullFailureReturnsFalse(t *testing.T) {
	t.Parallel()

	ledger, clock := ledgerAt(time.Now())
	store := newFakeSnapshotStore()
	store.loadErr = errors.New("store unavailable")

	syncer := cloudsync.NewSyncer(cloudsync.Config{Ledger: ledger, Store: store, Clock: clock})
	if syncer.Pull(context.Background(), syncerTestUserID, syncerTestTarget) {
		t.Fatal("pull should report failure without panicking")
	}
}
