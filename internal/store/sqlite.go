// Package store persists whitelist entries and cloud snapshots in SQLite.
// It is the glue implementation behind the interfaces the sweeper and the
// cloud syncer consume; the core components never see SQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/gitstuff/gitstuff/internal/cloudsync"
)

const (
	schemaStatement = `
CREATE TABLE IF NOT EXISTS whitelist (
	user_id    TEXT NOT NULL,
	target     TEXT NOT NULL,
	login      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, target, login)
);
CREATE TABLE IF NOT EXISTS follower_snapshot (
	user_id    TEXT PRIMARY KEY,
	followers  TEXT NOT NULL,
	following  TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

	insertWhitelistStatement   = `INSERT INTO whitelist (user_id, target, login, created_at) VALUES (?, ?, ?, ?)`
	deleteWhitelistStatement   = `DELETE FROM whitelist WHERE user_id = ? AND target = ? AND login = ?`
	selectWhitelistQuery       = `SELECT target, login FROM whitelist WHERE user_id = ?`
	selectWhitelistByTarget    = `SELECT target, login FROM whitelist WHERE user_id = ? AND target = ?`
	existsWhitelistQuery       = `SELECT COUNT(1) FROM whitelist WHERE user_id = ? AND target = ? AND login = ?`
	countWhitelistByTarget     = `SELECT COUNT(1) FROM whitelist WHERE user_id = ? AND target = ?`
	protectedAmongQueryFormat  = `SELECT DISTINCT login FROM whitelist WHERE user_id = ? AND login IN (%s)`
	upsertSnapshotStatement    = `INSERT INTO follower_snapshot (user_id, followers, following, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(user_id) DO UPDATE SET followers = excluded.followers, following = excluded.following, updated_at = excluded.updated_at`
	selectSnapshotQuery        = `SELECT followers, following, updated_at FROM follower_snapshot WHERE user_id = ?`
	deleteUserDataWhitelist    = `DELETE FROM whitelist WHERE user_id = ?`
	deleteUserDataSnapshot     = `DELETE FROM follower_snapshot WHERE user_id = ?`
	placeholderSeparator       = ", "
	errFormatOpenDatabase      = "open database: %w"
	errFormatInitializeSchema  = "initialize schema: %w"
	errFormatToggleWhitelist   = "toggle whitelist entry: %w"
	errFormatListWhitelist     = "list whitelist entries: %w"
	errFormatCountWhitelist    = "count whitelist entries: %w"
	errFormatProtectedAmong    = "query protected logins: %w"
	errFormatSaveSnapshot      = "save snapshot: %w"
	errFormatLoadSnapshot      = "load snapshot: %w"
	errFormatEncodeLedger      = "encode ledger map: %w"
	errFormatDecodeLedger      = "decode ledger map: %w"
	errFormatDeleteUserData    = "delete user data: %w"
	driverName                 = "sqlite3"
	enableForeignKeysStatement = "PRAGMA foreign_keys = ON"
)

// WhitelistEntry is one protected (target, login) pair for a user.
type WhitelistEntry struct {
	Target string `json:"target"`
	Login  string `json:"login"`
}

// SQLiteStore implements the whitelist and snapshot store interfaces over a
// single SQLite database. Path may be ":memory:" for tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ cloudsync.SnapshotStore = (*SQLiteStore)(nil)

// Open opens the database at path and creates the schema when absent.
func Open(path string) (*SQLiteStore, error) {
	return OpenWithClock(path, time.Now)
}

// OpenWithClock opens the database with an injected clock.
func OpenWithClock(path string, clock func() time.Time) (*SQLiteStore, error) {
	if clock == nil {
		clock = time.Now
	}
	db, openErr := sql.Open(driverName, path)
	if openErr != nil {
		return nil, fmt.Errorf(errFormatOpenDatabase, openErr)
	}
	if _, pragmaErr := db.Exec(enableForeignKeysStatement); pragmaErr != nil {
		db.Close()
		return nil, fmt.Errorf(errFormatOpenDatabase, pragmaErr)
	}
	if _, schemaErr := db.Exec(schemaStatement); schemaErr != nil {
		db.Close()
		return nil, fmt.Errorf(errFormatInitializeSchema, schemaErr)
	}
	return &SQLiteStore{db: db, now: clock}, nil
}

// Close closes the underlying database.
func (store *SQLiteStore) Close() error {
	return store.db.Close()
}

// ToggleWhitelist flips protection for the (target, login) pair and returns
// whether the login is protected after the call.
func (store *SQLiteStore) ToggleWhitelist(ctx context.Context, userID string, target string, login string) (bool, error) {
	var existing int
	if queryErr := store.db.QueryRowContext(ctx, existsWhitelistQuery, userID, target, login).Scan(&existing); queryErr != nil {
		return false, fmt.Errorf(errFormatToggleWhitelist, queryErr)
	}

	if existing > 0 {
		if _, deleteErr := store.db.ExecContext(ctx, deleteWhitelistStatement, userID, target, login); deleteErr != nil {
			return false, fmt.Errorf(errFormatToggleWhitelist, deleteErr)
		}
		return false, nil
	}

	if _, insertErr := store.db.ExecContext(ctx, insertWhitelistStatement, userID, target, login, store.now()); insertErr != nil {
		return false, fmt.Errorf(errFormatToggleWhitelist, insertErr)
	}
	return true, nil
}

// ListWhitelist returns the user's whitelist entries, optionally filtered by
// target, ordered by target then login.
func (store *SQLiteStore) ListWhitelist(ctx context.Context, userID string, target string) ([]WhitelistEntry, error) {
	query := selectWhitelistQuery
	arguments := []any{userID}
	if target != "" {
		query = selectWhitelistByTarget
		arguments = append(arguments, target)
	}

	rows, queryErr := store.db.QueryContext(ctx, query, arguments...)
	if queryErr != nil {
		return nil, fmt.Errorf(errFormatListWhitelist, queryErr)
	}
	defer rows.Close()

	var entries []WhitelistEntry
	for rows.Next() {
		var entry WhitelistEntry
		if scanErr := rows.Scan(&entry.Target, &entry.Login); scanErr != nil {
			return nil, fmt.Errorf(errFormatListWhitelist, scanErr)
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf(errFormatListWhitelist, rowsErr)
	}

	sort.Slice(entries, func(firstIndex, secondIndex int) bool {
		if entries[firstIndex].Target != entries[secondIndex].Target {
			return entries[firstIndex].Target < entries[secondIndex].Target
		}
		return entries[firstIndex].Login < entries[secondIndex].Login
	})
	return entries, nil
}

// CountWhitelist returns the number of entries for the (user, target) pair.
func (store *SQLiteStore) CountWhitelist(ctx context.Context, userID string, target string) (int, error) {
	var count int
	if queryErr := store.db.QueryRowContext(ctx, countWhitelistByTarget, userID, target).Scan(&count); queryErr != nil {
		return 0, fmt.Errorf(errFormatCountWhitelist, queryErr)
	}
	return count, nil
}

// ProtectedAmong returns which of the given logins the user has whitelisted
// under any target, sorted for stable error messages.
func (store *SQLiteStore) ProtectedAmong(ctx context.Context, userID string, logins []string) ([]string, error) {
	if len(logins) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(logins))
	arguments := make([]any, 0, len(logins)+1)
	arguments = append(arguments, userID)
	for index, login := range logins {
		placeholders[index] = "?"
		arguments = append(arguments, login)
	}

	query := fmt.Sprintf(protectedAmongQueryFormat, strings.Join(placeholders, placeholderSeparator))
	rows, queryErr := store.db.QueryContext(ctx, query, arguments...)
	if queryErr != nil {
		return nil, fmt.Errorf(errFormatProtectedAmong, queryErr)
	}
	defer rows.Close()

	var protectedLogins []string
	for rows.Next() {
		var login string
		if scanErr := rows.Scan(&login); scanErr != nil {
			return nil, fmt.Errorf(errFormatProtectedAmong, scanErr)
		}
		protectedLogins = append(protectedLogins, login)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf(errFormatProtectedAmong, rowsErr)
	}

	sort.Strings(protectedLogins)
	return protectedLogins, nil
}

// SaveSnapshot upserts the user's snapshot row, replacing any prior copy.
func (store *SQLiteStore) SaveSnapshot(ctx context.Context, userID string, snapshot cloudsync.Snapshot) error {
	followersJSON, followersErr := encodeLedgerMap(snapshot.Followers)
	if followersErr != nil {
		return followersErr
	}
	followingJSON, followingErr := encodeLedgerMap(snapshot.Following)
	if followingErr != nil {
		return followingErr
	}

	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = store.now()
	}
	if _, execErr := store.db.ExecContext(ctx, upsertSnapshotStatement, userID, followersJSON, followingJSON, updatedAt); execErr != nil {
		return fmt.Errorf(errFormatSaveSnapshot, execErr)
	}
	return nil
}

// LoadSnapshot returns the user's snapshot row when one exists.
func (store *SQLiteStore) LoadSnapshot(ctx context.Context, userID string) (cloudsync.Snapshot, bool, error) {
	var (
		followersJSON string
		followingJSON string
		updatedAt     time.Time
	)
	queryErr := store.db.QueryRowContext(ctx, selectSnapshotQuery, userID).Scan(&followersJSON, &followingJSON, &updatedAt)
	if errors.Is(queryErr, sql.ErrNoRows) {
		return cloudsync.Snapshot{}, false, nil
	}
	if queryErr != nil {
		return cloudsync.Snapshot{}, false, fmt.Errorf(errFormatLoadSnapshot, queryErr)
	}

	followers, followersErr := decodeLedgerMap(followersJSON)
	if followersErr != nil {
		return cloudsync.Snapshot{}, false, followersErr
	}
	following, followingErr := decodeLedgerMap(followingJSON)
	if followingErr != nil {
		return cloudsync.Snapshot{}, false, followingErr
	}

	snapshot := cloudsync.Snapshot{
		Followers: followers,
		Following: following,
		UpdatedAt: updatedAt,
	}
	return snapshot, true, nil
}

// DeleteUserData removes the user's whitelist entries and snapshot row.
func (store *SQLiteStore) DeleteUserData(ctx context.Context, userID string) error {
	transaction, beginErr := store.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return fmt.Errorf(errFormatDeleteUserData, beginErr)
	}
	defer transaction.Rollback()

	if _, execErr := transaction.ExecContext(ctx, deleteUserDataWhitelist, userID); execErr != nil {
		return fmt.Errorf(errFormatDeleteUserData, execErr)
	}
	if _, execErr := transaction.ExecContext(ctx, deleteUserDataSnapshot, userID); execErr != nil {
		return fmt.Errorf(errFormatDeleteUserData, execErr)
	}
	if commitErr := transaction.Commit(); commitErr != nil {
		return fmt.Errorf(errFormatDeleteUserData, commitErr)
	}
	return nil
}

func encodeLedgerMap(ledgerMap map[string]time.Time) (string, error) {
	if ledgerMap == nil {
		ledgerMap = map[string]time.Time{}
	}
	encoded, marshalErr := json.Marshal(ledgerMap)
	if marshalErr != nil {
		return "", fmt.Errorf(errFormatEncodeLedger, marshalErr)
	}
	return string(encoded), nil
}

func decodeLedgerMap(encoded string) (map[string]time.Time, error) {
	ledgerMap := map[string]time.Time{}
	if unmarshalErr := json.Unmarshal([]byte(encoded), &ledgerMap); unmarshalErr != nil {
		return nil, fmt.Errorf(errFormatDecodeLedger, unmarshalErr)
	}
	return ledgerMap, nil
}
