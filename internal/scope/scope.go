// Package scope persists per-peer synchronization watermarks.
//
// A State row exists per (scope name, remote peer). It records the setup
// fingerprint both sides agreed on and the two watermarks of the last
// successful session: this store's clock value (LastLocalSync) and the
// peer's clock value (LastRemoteSync), both captured at session start.
//
// An Info row exists per scope name on the serving side and carries the
// ValidFrom retention horizon advertised to clients.
package scope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rowsync/internal/syncerr"
)

// ErrNotFound is returned when a scope row does not exist.
var ErrNotFound = errors.New("scope not found")

// State is the sync state of one scope against one peer.
type State struct {
	Name           string
	Peer           string
	Fingerprint    string
	LastLocalSync  *int64
	LastRemoteSync *int64
	LastSession    string
	UpdatedAt      time.Time

	// IsNew is true when no successful session has been recorded.
	IsNew bool

	stored bool
}

// Advance returns the state following a successful session.
func (s State) Advance(session string, local, remote int64) State {
	next := s
	next.LastLocalSync = &local
	next.LastRemoteSync = &remote
	next.LastSession = session
	next.IsNew = false
	return next
}

// Info is the serving side's record of a scope.
type Info struct {
	Name        string
	Fingerprint string
	ValidFrom   int64
	UpdatedAt   time.Time
}

// Store reads and writes scope rows. It works on the _rs_scope and
// _rs_scope_info tables created by the store adapter's migrations.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore returns a scope store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Load returns the state for (name, peer). A missing row yields a state
// with IsNew set and no watermarks.
func (s *Store) Load(ctx context.Context, name, peer string) (State, error) {
	st := State{Name: name, Peer: peer}
	var local, remote sql.NullInt64
	var session sql.NullString
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, last_local_sync, last_remote_sync, last_session, updated_at
		 FROM _rs_scope WHERE name = ? AND peer = ?`, name, peer,
	).Scan(&st.Fingerprint, &local, &remote, &session, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		st.IsNew = true
		return st, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load scope %s: %w", name, err)
	}
	st.stored = true
	if local.Valid {
		st.LastLocalSync = &local.Int64
	}
	if remote.Valid {
		st.LastRemoteSync = &remote.Int64
	}
	st.LastSession = session.String
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	st.IsNew = st.LastLocalSync == nil
	return st, nil
}

// Save writes next if the stored row still matches prev. Losing the race
// to another session yields SCOPE_CONCURRENCY.
func (s *Store) Save(ctx context.Context, prev, next State) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	var res sql.Result
	var err error
	if !prev.stored {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO _rs_scope (name, peer, fingerprint, last_local_sync, last_remote_sync, last_session, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (name, peer) DO NOTHING`,
			next.Name, next.Peer, next.Fingerprint, nullable(next.LastLocalSync), nullable(next.LastRemoteSync), next.LastSession, now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE _rs_scope
			 SET fingerprint = ?, last_local_sync = ?, last_remote_sync = ?, last_session = ?, updated_at = ?
			 WHERE name = ? AND peer = ? AND last_local_sync IS ? AND last_remote_sync IS ?`,
			next.Fingerprint, nullable(next.LastLocalSync), nullable(next.LastRemoteSync), next.LastSession, now,
			prev.Name, prev.Peer, nullable(prev.LastLocalSync), nullable(prev.LastRemoteSync))
	}
	if err != nil {
		return fmt.Errorf("save scope %s: %w", next.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save scope %s: %w", next.Name, err)
	}
	if n == 0 {
		return syncerr.New(syncerr.CodeScopeConcurrency, "scope %s for peer %s was advanced by another session", next.Name, next.Peer)
	}
	return nil
}

// Register records the fingerprint of a scope that has not synchronized
// yet, so provisioning is visible before the first session.
func (s *Store) Register(ctx context.Context, name, peer, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO _rs_scope (name, peer, fingerprint, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name, peer) DO UPDATE SET fingerprint = excluded.fingerprint
		 WHERE _rs_scope.last_local_sync IS NULL`,
		name, peer, fingerprint, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("register scope %s: %w", name, err)
	}
	return nil
}

// List returns every scope state, ordered by name and peer.
func (s *Store) List(ctx context.Context) ([]State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, peer, fingerprint, last_local_sync, last_remote_sync, last_session, updated_at
		 FROM _rs_scope ORDER BY name, peer`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	states := []State{}
	for rows.Next() {
		var st State
		var local, remote sql.NullInt64
		var session sql.NullString
		var updated string
		if err := rows.Scan(&st.Name, &st.Peer, &st.Fingerprint, &local, &remote, &session, &updated); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		if local.Valid {
			v := local.Int64
			st.LastLocalSync = &v
		}
		if remote.Valid {
			v := remote.Int64
			st.LastRemoteSync = &v
		}
		st.LastSession = session.String
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		st.IsNew = st.LastLocalSync == nil
		st.stored = true
		states = append(states, st)
	}
	return states, rows.Err()
}

// Delete removes every state and the info row of a scope.
func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete scope %s: %w", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM _rs_scope WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete scope %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _rs_scope_info WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete scope info %s: %w", name, err)
	}
	return tx.Commit()
}

// Horizon returns the oldest LastLocalSync across every peer that has
// completed a session, or nil when there is none. Tombstones at or before
// the horizon have been seen by every known peer.
func (s *Store) Horizon(ctx context.Context) (*int64, error) {
	var h sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(last_local_sync) FROM _rs_scope WHERE last_local_sync IS NOT NULL`).Scan(&h)
	if err != nil {
		return nil, fmt.Errorf("compute purge horizon: %w", err)
	}
	if !h.Valid {
		return nil, nil
	}
	return &h.Int64, nil
}

// LoadInfo returns the info row for name, or ErrNotFound.
func (s *Store) LoadInfo(ctx context.Context, name string) (*Info, error) {
	info := &Info{Name: name}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, valid_from, updated_at FROM _rs_scope_info WHERE name = ?`, name,
	).Scan(&info.Fingerprint, &info.ValidFrom, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load scope info %s: %w", name, err)
	}
	info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return info, nil
}

// EnsureInfo creates the info row for name if absent and returns it.
func (s *Store) EnsureInfo(ctx context.Context, name, fingerprint string) (*Info, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO _rs_scope_info (name, fingerprint, valid_from, updated_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT (name) DO NOTHING`,
		name, fingerprint, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create scope info %s: %w", name, err)
	}
	return s.LoadInfo(ctx, name)
}

// RaiseValidFrom moves the retention horizon of the named scopes, or of
// every scope when no name is given, forward to ts. It never moves a
// horizon backwards.
func (s *Store) RaiseValidFrom(ctx context.Context, ts int64, names ...string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	if len(names) == 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE _rs_scope_info SET valid_from = MAX(valid_from, ?), updated_at = ?`, ts, now)
		if err != nil {
			return fmt.Errorf("raise valid_from: %w", err)
		}
		return nil
	}
	for _, name := range names {
		res, err := s.db.ExecContext(ctx,
			`UPDATE _rs_scope_info SET valid_from = MAX(valid_from, ?), updated_at = ? WHERE name = ?`,
			ts, now, name)
		if err != nil {
			return fmt.Errorf("raise valid_from for %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
