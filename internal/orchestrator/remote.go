package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/conflict"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/scope"
	"github.com/roach88/rowsync/internal/selector"
	"github.com/roach88/rowsync/internal/syncerr"
)

// Remote is the server half of the protocol as seen by a client. Calls
// are made in session order: EnsureScope, ApplyChanges, GetChanges,
// Cleanup. *RemoteOrchestrator implements it in process; the HTTP
// transport implements it over the network.
type Remote interface {
	EnsureScope(ctx context.Context, req ScopeRequest) (*ScopeResponse, error)
	ApplyChanges(ctx context.Context, sessionID string, info *batch.Info) (*ApplyResponse, error)
	GetChanges(ctx context.Context, req ChangesRequest) (*ChangesResponse, error)
	Cleanup(ctx context.Context, req CleanupRequest) (*CleanupResponse, error)
}

// ScopeRequest opens a session on the server.
type ScopeRequest struct {
	SessionID   string          `json:"session_id"`
	Scope       string          `json:"scope"`
	Fingerprint string          `json:"fingerprint"`
	ClientPeer  string          `json:"client_peer"`
	Policy      conflict.Policy `json:"policy,omitempty"`
}

// ScopeResponse carries the server's view of the scope.
type ScopeResponse struct {
	ServerPeer  string `json:"server_peer"`
	Fingerprint string `json:"fingerprint"`

	// ValidFrom is the server's retention horizon. A client whose last
	// remote sync is older is outdated.
	ValidFrom int64 `json:"valid_from"`

	// ServerTimestamp is the server clock when the session opened.
	ServerTimestamp int64 `json:"server_timestamp"`
}

// ApplyResponse summarizes the server's application of an upload.
type ApplyResponse struct {
	Tables map[string]apply.Stats `json:"tables"`
}

// ChangesRequest asks the server for its changes.
type ChangesRequest struct {
	SessionID string `json:"session_id"`

	// From is the client's last remote sync, nil for a full download.
	From   *int64         `json:"from,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	// Reinitialize disables echo suppression so the client gets back the
	// rows it uploaded itself.
	Reinitialize bool `json:"reinitialize,omitempty"`
}

// ChangesResponse is the server's selection. Info is readable by the
// caller: the server's own batch in process, a downloaded copy over HTTP.
type ChangesResponse struct {
	Info   *batch.Info                `json:"-"`
	Tables map[string]selector.Counts `json:"tables"`

	// ServerTimestamp is the server clock the selection covers. Every
	// server change at or before it, including rows written while applying
	// this session's upload, is in Info or was written by the client.
	ServerTimestamp int64 `json:"server_timestamp"`
}

// CleanupRequest ends a session. Commit advances the server's scope state;
// without it the session is discarded.
type CleanupRequest struct {
	SessionID       string `json:"session_id"`
	Commit          bool   `json:"commit"`
	ClientTimestamp int64  `json:"client_timestamp"`
}

// CleanupResponse reports the retention horizon after cleanup.
type CleanupResponse struct {
	ValidFrom int64 `json:"valid_from"`
	Purged    int64 `json:"purged"`
}

type remoteSession struct {
	mu sync.Mutex

	id          string
	scope       string
	client      string
	fingerprint string
	policy      conflict.Policy
	prev        scope.State
	watermark   int64
	created     time.Time
	upload      *batch.Info
	download    *batch.Info
	totals      Totals
}

// RemoteOrchestrator is the server role. It keeps per-session state between
// protocol calls and is safe for concurrent sessions.
type RemoteOrchestrator struct {
	adapter  adapter.Adapter
	scopes   *scope.Store
	setup    *model.Setup
	batches  *batch.Store
	selector *selector.Selector
	applier  *apply.Applier
	cfg      config

	mu       sync.Mutex
	sessions map[string]*remoteSession
}

var _ Remote = (*RemoteOrchestrator)(nil)

// NewRemote returns the server orchestrator for setup.
func NewRemote(a adapter.Adapter, scopes *scope.Store, setup *model.Setup, batches *batch.Store, opts ...Option) (*RemoteOrchestrator, error) {
	if err := setup.Validate(); err != nil {
		return nil, fmt.Errorf("invalid setup: %w", err)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RemoteOrchestrator{
		adapter:  a,
		scopes:   scopes,
		setup:    setup,
		batches:  batches,
		selector: selector.New(a, selector.WithTransforms(cfg.transforms...), selector.WithLogger(cfg.logger)),
		applier:  apply.New(a, apply.WithTransforms(cfg.transforms...), apply.WithLogger(cfg.logger), apply.WithRegistry(batches.Codecs)),
		cfg:      cfg,
		sessions: map[string]*remoteSession{},
	}, nil
}

// PeerID returns the server store's peer id.
func (r *RemoteOrchestrator) PeerID() string { return r.adapter.PeerID() }

// Setup returns the served setup.
func (r *RemoteOrchestrator) Setup() *model.Setup { return r.setup }

// Batches returns the server's batch store.
func (r *RemoteOrchestrator) Batches() *batch.Store { return r.batches }

func (r *RemoteOrchestrator) session(id string) (*remoteSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, syncerr.New(syncerr.CodeProtocol, "unknown session %q", id)
	}
	return s, nil
}

func (r *RemoteOrchestrator) emit(ctx context.Context, s *remoteSession, stage Stage, table string, state model.RowState) {
	r.cfg.emit(ctx, Event{
		Stage:     stage,
		SessionID: s.id,
		Scope:     s.scope,
		Role:      conflict.RoleServer,
		Time:      r.cfg.now(),
		Table:     table,
		State:     state,
		Totals:    s.totals,
	})
}

// sweep drops sessions idle for longer than the TTL.
func (r *RemoteOrchestrator) sweep() {
	if r.cfg.sessionTTL <= 0 {
		return
	}
	cutoff := r.cfg.now().Add(-r.cfg.sessionTTL)
	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if s.created.Before(cutoff) {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, id := range expired {
		r.cfg.logger.Warn("dropping expired session", "session_id", id)
		if err := r.batches.RemoveSession(id); err != nil {
			r.cfg.logger.Warn("remove expired session batches", "session_id", id, "error", err)
		}
	}
}

// EnsureScope opens a session: it checks the fingerprint, provisions
// tracking if needed, loads the client's scope state and captures the
// server timestamp the session will be recorded at.
func (r *RemoteOrchestrator) EnsureScope(ctx context.Context, req ScopeRequest) (*ScopeResponse, error) {
	r.sweep()
	if req.SessionID == "" || req.ClientPeer == "" {
		return nil, syncerr.New(syncerr.CodeProtocol, "session id and client peer are required")
	}
	if req.Scope == "" {
		req.Scope = DefaultScope
	}
	policy := req.Policy
	if policy == "" {
		policy = r.cfg.policy
	}
	if _, err := conflict.ParsePolicy(string(policy)); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeProtocol, err, "session %s", req.SessionID)
	}
	if policy == conflict.MergeRow && r.cfg.merge == nil {
		return nil, syncerr.New(syncerr.CodeProtocol, "server has no merge function for policy %s", policy)
	}

	fp, err := r.setup.Fingerprint()
	if err != nil {
		return nil, err
	}
	if req.Fingerprint != fp {
		return nil, syncerr.New(syncerr.CodeScopeMismatch, "client setup %s does not match server setup %s", req.Fingerprint, fp)
	}
	if err := adapter.Provision(ctx, r.adapter, r.setup); err != nil {
		return nil, err
	}
	info, err := r.scopes.EnsureInfo(ctx, req.Scope, fp)
	if err != nil {
		return nil, err
	}
	if info.Fingerprint != fp {
		return nil, syncerr.New(syncerr.CodeScopeMismatch, "scope %s was provisioned with setup %s, server now runs %s", req.Scope, info.Fingerprint, fp)
	}
	if err := r.scopes.Register(ctx, req.Scope, req.ClientPeer, fp); err != nil {
		return nil, err
	}
	prev, err := r.scopes.Load(ctx, req.Scope, req.ClientPeer)
	if err != nil {
		return nil, err
	}
	start, err := r.adapter.CurrentTimestamp(ctx)
	if err != nil {
		return nil, err
	}

	s := &remoteSession{
		id:          req.SessionID,
		scope:       req.Scope,
		client:      req.ClientPeer,
		fingerprint: fp,
		policy:      policy,
		prev:        prev,
		watermark:   start,
		created:     r.cfg.now(),
	}
	r.mu.Lock()
	if _, dup := r.sessions[s.id]; dup {
		r.mu.Unlock()
		return nil, syncerr.New(syncerr.CodeProtocol, "session %q already open", s.id)
	}
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.cfg.logger.Debug("session opened",
		"session_id", s.id,
		"scope", s.scope,
		"client", s.client,
		"new", prev.IsNew,
		"server_ts", start)
	r.emit(ctx, s, StageScopeLoading, "", "")

	return &ScopeResponse{
		ServerPeer:      r.adapter.PeerID(),
		Fingerprint:     fp,
		ValidFrom:       info.ValidFrom,
		ServerTimestamp: start,
	}, nil
}

// ApplyChanges applies an uploaded batch readable by the server.
func (r *RemoteOrchestrator) ApplyChanges(ctx context.Context, sessionID string, info *batch.Info) (*ApplyResponse, error) {
	s, err := r.session(sessionID)
	if err != nil {
		return nil, err
	}
	r.emit(ctx, s, StageChangesApplyingRemote, "", "")
	res, err := r.applier.Apply(ctx, r.setup, info, apply.Options{
		Peer:     s.client,
		Guard:    s.prev.LastLocalSync,
		Role:     conflict.RoleServer,
		Resolver: conflict.Resolver{Policy: s.policy, Merge: r.cfg.merge},
		OnStep: func(table string, state model.RowState, st apply.Stats) {
			s.totals.addApply(st)
			r.emit(ctx, s, StageChangesApplyingRemote, table, state)
		},
	})
	resp := &ApplyResponse{Tables: res.Tables}
	if err != nil {
		return resp, syncerr.WithStage(err, string(StageChangesApplyingRemote))
	}
	return resp, nil
}

// ImportPart stores one uploaded part for a later CommitUpload.
func (r *RemoteOrchestrator) ImportPart(ctx context.Context, sessionID, codec string, p batch.PartInfo, body io.Reader) error {
	s, err := r.session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upload == nil {
		if s.upload, err = r.batches.CreateWithCodec(s.id, batch.DirectionUpload, codec); err != nil {
			return syncerr.Wrap(syncerr.CodeProtocol, err, "create upload batch")
		}
	}
	if s.upload.Codec != codec {
		return syncerr.New(syncerr.CodeProtocol, "part codec %s differs from upload codec %s", codec, s.upload.Codec)
	}
	return s.upload.Import(p, body)
}

// CommitUpload applies every part imported for the session.
func (r *RemoteOrchestrator) CommitUpload(ctx context.Context, sessionID string) (*ApplyResponse, error) {
	s, err := r.session(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	info := s.upload
	s.mu.Unlock()
	if info == nil {
		return &ApplyResponse{Tables: map[string]apply.Stats{}}, nil
	}
	return r.ApplyChanges(ctx, sessionID, info)
}

// GetChanges selects the server's changes for the client. Changes the
// client wrote itself are excluded unless reinitializing.
func (r *RemoteOrchestrator) GetChanges(ctx context.Context, req ChangesRequest) (*ChangesResponse, error) {
	s, err := r.session(req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.From != nil && !req.Reinitialize {
		info, err := r.scopes.LoadInfo(ctx, s.scope)
		if err != nil {
			return nil, err
		}
		if *req.From < info.ValidFrom {
			return nil, syncerr.New(syncerr.CodeOutdated, "client watermark %d predates retention horizon %d", *req.From, info.ValidFrom)
		}
	}
	r.emit(ctx, s, StageChangesSelectingRemote, "", "")

	// Transactions hold the store's only connection, so every change at or
	// before mark is committed and visible to the selection below.
	mark, err := r.adapter.CurrentTimestamp(ctx)
	if err != nil {
		return nil, syncerr.WithStage(err, string(StageChangesSelectingRemote))
	}
	info, err := r.batches.Create(s.id, batch.DirectionDownload)
	if err != nil {
		return nil, err
	}
	w, err := r.batches.NewWriter(info)
	if err != nil {
		return nil, err
	}
	sr := selector.Request{
		From:          req.From,
		ExcludeWriter: s.client,
		Filtered:      true,
		Params:        req.Params,
	}
	if req.Reinitialize {
		sr.From = nil
		sr.ExcludeWriter = ""
	}
	res, err := r.selector.Select(ctx, r.setup, sr, w)
	if err != nil {
		w.Abort()
		return nil, syncerr.WithStage(err, string(StageChangesSelectingRemote))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.download = info
	s.watermark = mark
	s.totals.Downloaded += res.Rows()
	s.mu.Unlock()
	return &ChangesResponse{Info: info, Tables: res.Tables, ServerTimestamp: mark}, nil
}

// DownloadPart opens part index of the session's selection.
func (r *RemoteOrchestrator) DownloadPart(sessionID string, index int) (batch.PartInfo, string, io.ReadCloser, error) {
	s, err := r.session(sessionID)
	if err != nil {
		return batch.PartInfo{}, "", nil, err
	}
	s.mu.Lock()
	info := s.download
	s.mu.Unlock()
	if info == nil {
		return batch.PartInfo{}, "", nil, syncerr.New(syncerr.CodeProtocol, "session %s has no selection", sessionID)
	}
	if index < 0 || index >= len(info.Parts) {
		return batch.PartInfo{}, "", nil, syncerr.New(syncerr.CodeProtocol, "part %d out of range", index)
	}
	p := info.Parts[index]
	rc, err := info.OpenRaw(p)
	if err != nil {
		return batch.PartInfo{}, "", nil, err
	}
	return p, info.Codec, rc, nil
}

// Cleanup ends a session. With Commit the client's scope state is advanced
// to the client's session start and the server clock its download covered
// and, if enabled, tombstones every client has seen are purged.
func (r *RemoteOrchestrator) Cleanup(ctx context.Context, req CleanupRequest) (*CleanupResponse, error) {
	s, err := r.session(req.SessionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()
	defer func() {
		if err := r.batches.RemoveSession(s.id); err != nil {
			r.cfg.logger.Warn("remove session batches", "session_id", s.id, "error", err)
		}
	}()

	resp := &CleanupResponse{}
	if !req.Commit {
		r.cfg.logger.Debug("session discarded", "session_id", s.id)
		r.emit(ctx, s, StageFailed, "", "")
		return resp, nil
	}

	r.emit(ctx, s, StageMetadataCleanup, "", "")
	s.mu.Lock()
	mark := s.watermark
	s.mu.Unlock()
	next := s.prev.Advance(s.id, mark, req.ClientTimestamp)
	next.Fingerprint = s.fingerprint
	if err := r.scopes.Save(ctx, s.prev, next); err != nil {
		return nil, syncerr.WithStage(err, string(StageMetadataCleanup))
	}

	if r.cfg.purge {
		n, err := r.purgeSeen(ctx)
		if err != nil {
			return nil, syncerr.WithStage(err, string(StageMetadataCleanup))
		}
		resp.Purged = n
	}
	info, err := r.scopes.LoadInfo(ctx, s.scope)
	if err != nil {
		return nil, err
	}
	resp.ValidFrom = info.ValidFrom

	r.cfg.logger.Info("session completed",
		"session_id", s.id,
		"scope", s.scope,
		"client", s.client,
		"applied", s.totals.Applied,
		"conflicts", s.totals.Conflicts,
		"downloaded", s.totals.Downloaded)
	r.emit(ctx, s, StageCompleted, "", "")
	return resp, nil
}

// purgeSeen drops tombstones at or before the oldest watermark of any
// known client and moves the retention horizon there.
func (r *RemoteOrchestrator) purgeSeen(ctx context.Context) (int64, error) {
	h, err := r.scopes.Horizon(ctx)
	if err != nil || h == nil {
		return 0, err
	}
	return r.Purge(ctx, *h)
}

// Purge drops tombstones stamped at or before before and raises the
// retention horizon of every scope to it. Clients whose last remote sync
// is older become outdated.
func (r *RemoteOrchestrator) Purge(ctx context.Context, before int64) (int64, error) {
	n, err := adapter.Purge(ctx, r.adapter, r.setup, before)
	if err != nil {
		return n, err
	}
	if err := r.scopes.RaiseValidFrom(ctx, before); err != nil {
		return n, err
	}
	if n > 0 {
		r.cfg.logger.Debug("purged tombstones", "count", n, "before", before)
	}
	return n, nil
}
