package orchestrator

import (
	"context"
	"fmt"
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

// abortTimeout bounds the best-effort call telling the server to discard
// a failed session.
const abortTimeout = 10 * time.Second

// LocalOrchestrator is the client role: it drives whole sessions against a
// Remote.
type LocalOrchestrator struct {
	adapter  adapter.Adapter
	scopes   *scope.Store
	remote   Remote
	setup    *model.Setup
	batches  *batch.Store
	selector *selector.Selector
	applier  *apply.Applier
	cfg      config
}

// NewLocal returns the client orchestrator for setup.
func NewLocal(a adapter.Adapter, scopes *scope.Store, remote Remote, setup *model.Setup, batches *batch.Store, opts ...Option) (*LocalOrchestrator, error) {
	if err := setup.Validate(); err != nil {
		return nil, fmt.Errorf("invalid setup: %w", err)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.policy == conflict.MergeRow && cfg.merge == nil {
		return nil, fmt.Errorf("policy %s requires a merge function", cfg.policy)
	}
	return &LocalOrchestrator{
		adapter:  a,
		scopes:   scopes,
		remote:   remote,
		setup:    setup,
		batches:  batches,
		selector: selector.New(a, selector.WithTransforms(cfg.transforms...), selector.WithLogger(cfg.logger)),
		applier:  apply.New(a, apply.WithTransforms(cfg.transforms...), apply.WithLogger(cfg.logger), apply.WithRegistry(batches.Codecs)),
		cfg:      cfg,
	}, nil
}

// session is the mutable state of one Sync call.
type session struct {
	id     string
	stage  Stage
	result *Result

	// opened is set once the server knows the session.
	opened bool
}

func (o *LocalOrchestrator) enter(ctx context.Context, s *session, stage Stage) error {
	s.stage = stage
	s.result.Stage = stage
	o.cfg.logger.Debug("session stage", "session_id", s.id, "stage", stage)
	o.emit(ctx, s, stage, "", "", nil)
	if err := ctx.Err(); err != nil {
		return syncerr.Wrap(syncerr.CodeCancelled, err, "session cancelled")
	}
	return nil
}

func (o *LocalOrchestrator) emit(ctx context.Context, s *session, stage Stage, table string, state model.RowState, err error) {
	o.cfg.emit(ctx, Event{
		Stage:     stage,
		SessionID: s.id,
		Scope:     o.cfg.scope,
		Role:      conflict.RoleClient,
		Time:      o.cfg.now(),
		Table:     table,
		State:     state,
		Totals:    s.result.Totals,
		Err:       err,
	})
}

// Sync runs one session. The result is never nil; on failure it reports
// the work committed before the failing stage and err carries that stage.
// The scope state only advances when the whole session succeeds, so a
// failed session is retried by calling Sync again.
func (o *LocalOrchestrator) Sync(ctx context.Context, mode Mode) (*Result, error) {
	if mode == "" {
		mode = ModeIncremental
	}
	s := &session{id: o.cfg.ids.Generate()}
	s.result = newResult(s.id, o.cfg.scope, o.cfg.now())
	s.result.Mode = mode
	o.emit(ctx, s, StageCreated, "", "", nil)

	err := o.run(ctx, s, mode)
	s.result.Duration = o.cfg.now().Sub(s.result.Started)
	if err == nil {
		s.result.Stage = StageCompleted
		o.emit(ctx, s, StageCompleted, "", "", nil)
		o.cfg.logger.Info("sync completed",
			"session_id", s.id,
			"scope", o.cfg.scope,
			"mode", s.result.Mode,
			"uploaded", s.result.Uploaded,
			"downloaded", s.result.Downloaded,
			"applied", s.result.Applied,
			"conflicts", s.result.Conflicts,
			"duration", s.result.Duration)
		return s.result, nil
	}

	if ctx.Err() != nil && !syncerr.IsCancelled(err) && !syncerr.IsOutdated(err) {
		err = syncerr.Wrap(syncerr.CodeCancelled, err, "session cancelled")
	}
	err = syncerr.WithStage(err, string(s.stage))
	o.abort(ctx, s)
	o.emit(ctx, s, StageFailed, "", "", err)
	o.cfg.logger.Error("sync failed",
		"session_id", s.id,
		"scope", o.cfg.scope,
		"stage", s.stage,
		"error", err)
	return s.result, err
}

// abort discards the session on both sides. It runs even when ctx is
// cancelled.
func (o *LocalOrchestrator) abort(ctx context.Context, s *session) {
	if s.opened {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		if _, err := o.remote.Cleanup(actx, CleanupRequest{SessionID: s.id}); err != nil {
			o.cfg.logger.Warn("discard remote session", "session_id", s.id, "error", err)
		}
	}
	if err := o.batches.RemoveSession(s.id); err != nil {
		o.cfg.logger.Warn("remove session batches", "session_id", s.id, "error", err)
	}
}

func (o *LocalOrchestrator) run(ctx context.Context, s *session, mode Mode) error {
	switch mode {
	case ModeIncremental, ModeReinitialize, ModeReinitializeWithUpload:
	default:
		return fmt.Errorf("invalid sync mode %q", mode)
	}

	// ScopeLoading
	if err := o.enter(ctx, s, StageScopeLoading); err != nil {
		return err
	}
	fp, err := o.setup.Fingerprint()
	if err != nil {
		return err
	}
	if err := adapter.Provision(ctx, o.adapter, o.setup); err != nil {
		return err
	}
	start, err := o.adapter.CurrentTimestamp(ctx)
	if err != nil {
		return err
	}
	sr, err := o.remote.EnsureScope(ctx, ScopeRequest{
		SessionID:   s.id,
		Scope:       o.cfg.scope,
		Fingerprint: fp,
		ClientPeer:  o.adapter.PeerID(),
		Policy:      o.cfg.policy,
	})
	if err != nil {
		return err
	}
	s.opened = true
	if sr.Fingerprint != fp {
		return syncerr.New(syncerr.CodeScopeMismatch, "server setup %s does not match local setup %s", sr.Fingerprint, fp)
	}
	prev, err := o.scopes.Load(ctx, o.cfg.scope, sr.ServerPeer)
	if err != nil {
		return err
	}
	if !prev.IsNew && prev.Fingerprint != fp {
		return syncerr.New(syncerr.CodeScopeMismatch, "scope %s was synchronized with setup %s, deprovision before syncing %s", o.cfg.scope, prev.Fingerprint, fp)
	}

	// OutdatedCheck
	if err := o.enter(ctx, s, StageOutdatedCheck); err != nil {
		return err
	}
	if mode == ModeIncremental && !prev.IsNew && prev.LastRemoteSync != nil && *prev.LastRemoteSync < sr.ValidFrom {
		od := Outdated{Scope: o.cfg.scope, LastRemoteSync: *prev.LastRemoteSync, ValidFrom: sr.ValidFrom}
		mode = ModeAbort
		if o.cfg.outdated != nil {
			mode = o.cfg.outdated(ctx, od)
		}
		if mode != ModeReinitialize && mode != ModeReinitializeWithUpload {
			return syncerr.New(syncerr.CodeOutdated, "last remote sync %d predates server horizon %d", od.LastRemoteSync, od.ValidFrom)
		}
		o.cfg.logger.Warn("client outdated, reinitializing", "session_id", s.id, "mode", mode)
		s.result.Mode = mode
	}
	reinit := mode != ModeIncremental

	// Upload half.
	if mode != ModeReinitialize {
		if err := o.upload(ctx, s, prev, sr.ServerPeer); err != nil {
			return err
		}
	}

	if reinit {
		for i := len(o.setup.Tables) - 1; i >= 0; i-- {
			if err := o.adapter.ResetTable(ctx, &o.setup.Tables[i]); err != nil {
				return err
			}
		}
	}

	// Download half.
	if err := o.enter(ctx, s, StageChangesSelectingRemote); err != nil {
		return err
	}
	// Local changes up to start were uploaded and resolved by the server, so
	// only later writes can conflict with what comes down.
	from, guard := prev.LastRemoteSync, &start
	if reinit {
		from, guard = nil, nil
	}
	cr, err := o.remote.GetChanges(ctx, ChangesRequest{
		SessionID:    s.id,
		From:         from,
		Params:       o.cfg.params,
		Reinitialize: reinit,
	})
	if err != nil {
		return err
	}
	if err := o.enter(ctx, s, StageChangesDownloading); err != nil {
		return err
	}
	s.result.addDownload(cr.Tables)

	if err := o.enter(ctx, s, StageChangesApplyingLocal); err != nil {
		return err
	}
	_, err = o.applier.Apply(ctx, o.setup, cr.Info, apply.Options{
		Peer:     sr.ServerPeer,
		Guard:    guard,
		Role:     conflict.RoleClient,
		Resolver: conflict.Resolver{Policy: o.cfg.policy, Merge: o.cfg.merge},
		OnStep: func(table string, state model.RowState, st apply.Stats) {
			s.result.addLocalStep(table, st)
			o.emit(ctx, s, StageChangesApplyingLocal, table, state, nil)
		},
	})
	if err != nil {
		return err
	}

	// MetadataCleanup
	if err := o.enter(ctx, s, StageMetadataCleanup); err != nil {
		return err
	}
	if _, err := o.remote.Cleanup(ctx, CleanupRequest{SessionID: s.id, Commit: true, ClientTimestamp: start}); err != nil {
		return err
	}
	s.opened = false
	next := prev.Advance(s.id, start, cr.ServerTimestamp)
	next.Fingerprint = fp
	if err := o.scopes.Save(ctx, prev, next); err != nil {
		return err
	}
	if o.cfg.purge {
		if err := o.purgeSeen(ctx); err != nil {
			o.cfg.logger.Warn("purge local tombstones", "session_id", s.id, "error", err)
		}
	}
	if err := o.batches.RemoveSession(s.id); err != nil {
		o.cfg.logger.Warn("remove session batches", "session_id", s.id, "error", err)
	}
	return nil
}

func (o *LocalOrchestrator) upload(ctx context.Context, s *session, prev scope.State, serverPeer string) error {
	if err := o.enter(ctx, s, StageChangesSelectingLocal); err != nil {
		return err
	}
	info, err := o.batches.Create(s.id, batch.DirectionUpload)
	if err != nil {
		return err
	}
	w, err := o.batches.NewWriter(info)
	if err != nil {
		return err
	}
	sel, err := o.selector.Select(ctx, o.setup, selector.Request{
		From:          prev.LastLocalSync,
		ExcludeWriter: serverPeer,
	}, w)
	if err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	s.result.addUpload(sel)

	if err := o.enter(ctx, s, StageChangesUploading); err != nil {
		return err
	}
	if info.RowCount() == 0 {
		return nil
	}
	resp, err := o.remote.ApplyChanges(ctx, s.id, info)
	if resp != nil {
		s.result.addRemoteApply(resp.Tables)
	}
	return err
}

// purgeSeen drops local tombstones every server has received.
func (o *LocalOrchestrator) purgeSeen(ctx context.Context) error {
	h, err := o.scopes.Horizon(ctx)
	if err != nil || h == nil {
		return err
	}
	_, err = adapter.Purge(ctx, o.adapter, o.setup, *h)
	return err
}
