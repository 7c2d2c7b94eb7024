// Package cloudsync reconciles the client-held first-seen ledger with a
// server-held snapshot. Push replaces the remote copy wholesale; Pull merges
// the remote copy into the local ledger with local precedence. Neither
// operation triggers the other, and both report failure as a boolean rather
// than an error, since no caller can do more than surface "sync failed".
package cloudsync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gitstuff/gitstuff/internal/githubapi"
	"github.com/gitstuff/gitstuff/internal/tracker"
)

const (
	logMessagePushFailure      = "snapshot push failed"
	logMessagePullFailure      = "snapshot pull failed"
	logMessagePullEmpty        = "no remote snapshot to pull"
	logMessageConflictDiscard  = "remote stamps discarded by local precedence"
	logMessagePullMergeSummary = "remote snapshot merged"

	logFieldUserID    = "user_id"
	logFieldTarget    = "target"
	logFieldRelation  = "relation"
	logFieldLogins    = "logins"
	logFieldAdopted   = "adopted"
	logFieldFollowers = "followers"
	logFieldFollowing = "following"
)

// Snapshot is the remote copy of both per-target ledgers.
type Snapshot struct {
	Followers map[string]time.Time `json:"followers"`
	Following map[string]time.Time `json:"following"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// SnapshotStore is the persisted-store surface the syncer consumes, one
// snapshot row per user.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, userID string) (Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, userID string, snapshot Snapshot) error
}

// Config customizes a Syncer instance.
type Config struct {
	Ledger *tracker.Ledger
	Store  SnapshotStore
	Clock  func() time.Time
	Logger *zap.Logger
}

// Syncer moves ledger state between the local tracker and the remote store.
type Syncer struct {
	ledger *tracker.Ledger
	store  SnapshotStore
	now    func() time.Time
	logger *zap.Logger
}

// NewSyncer constructs a Syncer from configuration values.
func NewSyncer(configuration Config) *Syncer {
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		ledger: configuration.Ledger,
		store:  configuration.Store,
		now:    clock,
		logger: logger,
	}
}

// Push serializes the target's followers and following ledgers and replaces
// the user's remote snapshot. It returns false on any failure.
func (syncer *Syncer) Push(ctx context.Context, userID string, target string) bool {
	followers, following := syncer.ledger.Export(target)
	snapshot := Snapshot{
		Followers: followers,
		Following: following,
		UpdatedAt: syncer.now(),
	}

	if saveErr := syncer.store.SaveSnapshot(ctx, userID, snapshot); saveErr != nil {
		syncer.logger.Warn(logMessagePushFailure,
			zap.String(logFieldUserID, userID),
			zap.String(logFieldTarget, target),
			zap.Error(saveErr))
		return false
	}
	return true
}

// Pull fetches the user's remote snapshot and merges it into the target's
// ledger by key-wise union: remote values are adopted only for logins the
// local ledger lacks, overlapping logins keep the local stamp. It returns
// false on any failure; a missing remote snapshot is a successful no-op.
func (syncer *Syncer) Pull(ctx context.Context, userID string, target string) bool {
	snapshot, found, loadErr := syncer.store.LoadSnapshot(ctx, userID)
	if loadErr != nil {
		syncer.logger.Warn(logMessagePullFailure,
			zap.String(logFieldUserID, userID),
			zap.String(logFieldTarget, target),
			zap.Error(loadErr))
		return false
	}
	if !found {
		syncer.logger.Debug(logMessagePullEmpty,
			zap.String(logFieldUserID, userID),
			zap.String(logFieldTarget, target))
		return true
	}

	adoptedFollowers := syncer.adopt(target, githubapi.RelationFollowers, snapshot.Followers)
	adoptedFollowing := syncer.adopt(target, githubapi.RelationFollowing, snapshot.Following)

	syncer.logger.Debug(logMessagePullMergeSummary,
		zap.String(logFieldTarget, target),
		zap.Int(logFieldFollowers, adoptedFollowers),
		zap.Int(logFieldFollowing, adoptedFollowing))
	return true
}

func (syncer *Syncer) adopt(target string, relation githubapi.Relation, remote map[string]time.Time) int {
	adopted, discarded := syncer.ledger.Adopt(target, relation, remote)
	if len(discarded) > 0 {
		// A legitimately earlier remote stamp is lost here; make the
		// discard visible so a skewed lost-followers view after a cloud
		// restore can be traced.
		syncer.logger.Debug(logMessageConflictDiscard,
			zap.String(logFieldTarget, target),
			zap.String(logFieldRelation, string(relation)),
			zap.Strings(logFieldLogins, discarded),
			zap.Int(logFieldAdopted, adopted))
	}
	return adopted
}
