// Package tracker maintains the client-held first-seen ledger: for every
// tracked target and relation it records the instant each neighbor login was
// first observed. Stamps are write-once; entries leave the ledger only
// through an explicit Forget (confirmed unfollow) or a cloud restore.
package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gitstuff/gitstuff/internal/githubapi"
)

const (
	logMessageLoadFailure = "ledger file load failed"
	logMessageSaveFailure = "ledger file save failed"
	logFieldPath          = "path"

	ledgerFileMode = 0o600
)

// ObservedAccount is an account summary annotated with its first-seen stamp.
// New is true when the ledger had no entry for the login before the
// observation that produced this record.
type ObservedAccount struct {
	githubapi.AccountSummary
	FirstSeenAt time.Time `json:"firstSeenAt"`
	New         bool      `json:"new"`
}

// LostAccount names a login present in the ledger but absent from the most
// recent fetch. Only the login and its stamp survive; the upstream summary
// is gone with the account.
type LostAccount struct {
	Login       string    `json:"login"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}

type ledgerMaps map[string]map[string]time.Time

type ledgerFile struct {
	Followers ledgerMaps `json:"followers"`
	Following ledgerMaps `json:"following"`
}

// Config customizes a Ledger instance.
type Config struct {
	// FilePath, when set, backs the ledger with a JSON file loaded at
	// construction and rewritten after every mutation.
	FilePath string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Ledger is the in-memory first-seen store, one map per (target, relation).
type Ledger struct {
	mutex     sync.Mutex
	followers ledgerMaps
	following ledgerMaps
	filePath  string
	now       func() time.Time
	logger    *zap.Logger
}

// NewLedger constructs a Ledger, loading prior state from the configured
// file when one exists.
func NewLedger(configuration Config) *Ledger {
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ledger := &Ledger{
		followers: ledgerMaps{},
		following: ledgerMaps{},
		filePath:  configuration.FilePath,
		now:       clock,
		logger:    logger,
	}
	ledger.loadFromFile()
	return ledger
}

// RecordObservation stamps every login in the current list that the target's
// ledger has not seen before, then returns the list annotated with each
// account's stamp. Already-present logins keep their original timestamp.
func (ledger *Ledger) RecordObservation(target string, relation githubapi.Relation, current []githubapi.AccountSummary) []ObservedAccount {
	observedAt := ledger.now()

	ledger.mutex.Lock()
	relationLedger := ledger.relationLedger(relation)
	targetLedger, exists := relationLedger[target]
	if !exists {
		targetLedger = map[string]time.Time{}
		relationLedger[target] = targetLedger
	}

	observed := make([]ObservedAccount, 0, len(current))
	mutated := false
	for _, summary := range current {
		firstSeen, alreadySeen := targetLedger[summary.Login]
		if !alreadySeen {
			firstSeen = observedAt
			targetLedger[summary.Login] = firstSeen
			mutated = true
		}
		observed = append(observed, ObservedAccount{
			AccountSummary: summary,
			FirstSeenAt:    firstSeen,
			New:            !alreadySeen,
		})
	}
	ledger.mutex.Unlock()

	if mutated {
		ledger.saveToFile()
	}
	return observed
}

// Lost returns the logins in the target's ledger for the relation that are
// absent from the current list, most recently observed first.
func (ledger *Ledger) Lost(target string, relation githubapi.Relation, current []githubapi.AccountSummary) []LostAccount {
	currentLogins := make(map[string]struct{}, len(current))
	for _, summary := range current {
		currentLogins[summary.Login] = struct{}{}
	}

	ledger.mutex.Lock()
	targetLedger := ledger.relationLedger(relation)[target]
	lost := make([]LostAccount, 0)
	for login, firstSeen := range targetLedger {
		if _, stillPresent := currentLogins[login]; !stillPresent {
			lost = append(lost, LostAccount{Login: login, FirstSeenAt: firstSeen})
		}
	}
	ledger.mutex.Unlock()

	sort.Slice(lost, func(firstIndex, secondIndex int) bool {
		if !lost[firstIndex].FirstSeenAt.Equal(lost[secondIndex].FirstSeenAt) {
			return lost[firstIndex].FirstSeenAt.After(lost[secondIndex].FirstSeenAt)
		}
		return lost[firstIndex].Login < lost[secondIndex].Login
	})
	return lost
}

// Forget removes the logins from the target's ledger for the relation. Used
// after a confirmed unfollow so swept accounts stop being surfaced.
func (ledger *Ledger) Forget(target string, relation githubapi.Relation, logins []string) {
	ledger.mutex.Lock()
	targetLedger := ledger.relationLedger(relation)[target]
	mutated := false
	for _, login := range logins {
		if _, exists := targetLedger[login]; exists {
			delete(targetLedger, login)
			mutated = true
		}
	}
	ledger.mutex.Unlock()

	if mutated {
		ledger.saveToFile()
	}
}

// Export returns copies of both per-target maps for serialization.
func (ledger *Ledger) Export(target string) (map[string]time.Time, map[string]time.Time) {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()
	return copyTargetLedger(ledger.followers[target]), copyTargetLedger(ledger.following[target])
}

// Adopt merges a remote map into the target's ledger with local precedence:
// a remote value is taken only for logins the local ledger lacks. It returns
// the number of adopted entries and the logins whose differing remote value
// was discarded.
func (ledger *Ledger) Adopt(target string, relation githubapi.Relation, remote map[string]time.Time) (int, []string) {
	ledger.mutex.Lock()
	relationLedger := ledger.relationLedger(relation)
	targetLedger, exists := relationLedger[target]
	if !exists {
		targetLedger = map[string]time.Time{}
		relationLedger[target] = targetLedger
	}

	adopted := 0
	var discarded []string
	for login, remoteFirstSeen := range remote {
		localFirstSeen, alreadyPresent := targetLedger[login]
		if !alreadyPresent {
			targetLedger[login] = remoteFirstSeen
			adopted++
			continue
		}
		if !localFirstSeen.Equal(remoteFirstSeen) {
			discarded = append(discarded, login)
		}
	}
	ledger.mutex.Unlock()

	if adopted > 0 {
		ledger.saveToFile()
	}
	sort.Strings(discarded)
	return adopted, discarded
}

// NonReciprocalFollowing returns the entries of the following list whose
// login does not appear in the followers list.
func NonReciprocalFollowing(followers []ObservedAccount, following []ObservedAccount) []ObservedAccount {
	followerLogins := make(map[string]struct{}, len(followers))
	for _, follower := range followers {
		followerLogins[follower.Login] = struct{}{}
	}

	nonReciprocal := make([]ObservedAccount, 0)
	for _, followed := range following {
		if _, reciprocated := followerLogins[followed.Login]; !reciprocated {
			nonReciprocal = append(nonReciprocal, followed)
		}
	}
	return nonReciprocal
}

// NewAccounts filters an observation down to the entries stamped during it.
func NewAccounts(observed []ObservedAccount) []ObservedAccount {
	fresh := make([]ObservedAccount, 0)
	for _, account := range observed {
		if account.New {
			fresh = append(fresh, account)
		}
	}
	return fresh
}

// SortByFirstSeen orders accounts by descending first-seen stamp (most
// recently observed first), or ascending when the flag is set. Login breaks
// ties so the order is stable across calls.
func SortByFirstSeen(accounts []ObservedAccount, ascending bool) {
	sort.Slice(accounts, func(firstIndex, secondIndex int) bool {
		firstAccount := accounts[firstIndex]
		secondAccount := accounts[secondIndex]
		if !firstAccount.FirstSeenAt.Equal(secondAccount.FirstSeenAt) {
			if ascending {
				return firstAccount.FirstSeenAt.Before(secondAccount.FirstSeenAt)
			}
			return firstAccount.FirstSeenAt.After(secondAccount.FirstSeenAt)
		}
		return strings.ToLower(firstAccount.Login) < strings.ToLower(secondAccount.Login)
	})
}

func (ledger *Ledger) relationLedger(relation githubapi.Relation) ledgerMaps {
	if relation == githubapi.RelationFollowing {
		return ledger.following
	}
	return ledger.followers
}

func copyTargetLedger(targetLedger map[string]time.Time) map[string]time.Time {
	copied := make(map[string]time.Time, len(targetLedger))
	for login, firstSeen := range targetLedger {
		copied[login] = firstSeen
	}
	return copied
}

func (ledger *Ledger) loadFromFile() {
	if ledger.filePath == "" {
		return
	}
	fileBytes, readErr := os.ReadFile(ledger.filePath)
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			ledger.logger.Warn(logMessageLoadFailure, zap.String(logFieldPath, ledger.filePath), zap.Error(readErr))
		}
		return
	}

	var persisted ledgerFile
	if unmarshalErr := json.Unmarshal(fileBytes, &persisted); unmarshalErr != nil {
		ledger.logger.Warn(logMessageLoadFailure, zap.String(logFieldPath, ledger.filePath), zap.Error(unmarshalErr))
		return
	}
	if persisted.Followers != nil {
		ledger.followers = persisted.Followers
	}
	if persisted.Following != nil {
		ledger.following = persisted.Following
	}
}

func (ledger *Ledger) saveToFile() {
	if ledger.filePath == "" {
		return
	}

	ledger.mutex.Lock()
	persisted := ledgerFile{
		Followers: ledger.followers,
		Following: ledger.following,
	}
	fileBytes, marshalErr := json.Marshal(persisted)
	ledger.mutex.Unlock()
	if marshalErr != nil {
		ledger.logger.Warn(logMessageSaveFailure, zap.String(logFieldPath, ledger.filePath), zap.Error(marshalErr))
		return
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(ledger.filePath), 0o700); mkdirErr != nil {
		ledger.logger.Warn(logMessageSaveFailure, zap.String(logFieldPath, ledger.filePath), zap.Error(mkdirErr))
		return
	}
	if writeErr := os.WriteFile(ledger.filePath, fileBytes, ledgerFileMode); writeErr != nil {
		ledger.logger.Warn(logMessageSaveFailure, zap.String(logFieldPath, ledger.filePath), zap.Error(writeErr))
	}
}
