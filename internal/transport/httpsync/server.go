package httpsync

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/orchestrator"
	"github.com/roach88/rowsync/internal/syncerr"
)

// DefaultMaxPartBytes bounds a single uploaded part.
const DefaultMaxPartBytes = 64 << 20

// Handler serves the session protocol for one RemoteOrchestrator.
type Handler struct {
	remote   *orchestrator.RemoteOrchestrator
	logger   *slog.Logger
	maxPart  int64
	purge    bool
	mux      *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the request logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithMaxPartBytes bounds uploaded part bodies.
func WithMaxPartBytes(n int64) HandlerOption {
	return func(h *Handler) { h.maxPart = n }
}

// WithPurgeEndpoint enables /v1/purge.
func WithPurgeEndpoint(enabled bool) HandlerOption {
	return func(h *Handler) { h.purge = enabled }
}

// NewHandler returns the HTTP handler for remote.
func NewHandler(remote *orchestrator.RemoteOrchestrator, opts ...HandlerOption) *Handler {
	h := &Handler{
		remote:  remote,
		logger:  slog.Default(),
		maxPart: DefaultMaxPartBytes,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux.HandleFunc("POST "+PathScope, h.handleScope)
	h.mux.HandleFunc("POST "+PathApplyPart, h.handleApplyPart)
	h.mux.HandleFunc("POST "+PathApplyCommit, h.handleApplyCommit)
	h.mux.HandleFunc("POST "+PathChanges, h.handleChanges)
	h.mux.HandleFunc("GET "+PathChangesPart, h.handleChangesPart)
	h.mux.HandleFunc("POST "+PathCleanup, h.handleCleanup)
	if h.purge {
		h.mux.HandleFunc("POST "+PathPurge, h.handlePurge)
	}
	h.mux.HandleFunc("GET "+PathHealth, h.handleHealth)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	body := toErrorBody(err)
	h.logger.Warn("sync request failed",
		"path", r.URL.Path,
		"code", body.Code,
		"stage", body.Stage,
		"error", err)
	writeJSON(w, statusFor(body.Code), body)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return syncerr.Wrap(syncerr.CodeProtocol, err, "decode %s request", r.URL.Path)
	}
	return nil
}

func (h *Handler) handleScope(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ScopeRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	resp, err := h.remote.EnsureScope(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleApplyPart(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSession)
	codec := r.Header.Get(HeaderCodec)
	var p batch.PartInfo
	if err := json.Unmarshal([]byte(r.Header.Get(HeaderPart)), &p); err != nil {
		h.fail(w, r, syncerr.Wrap(syncerr.CodeProtocol, err, "decode part header"))
		return
	}
	body := http.MaxBytesReader(w, r.Body, h.maxPart)
	if err := h.remote.ImportPart(r.Context(), sessionID, codec, p, body); err != nil {
		h.fail(w, r, syncerr.Ensure(err, syncerr.CodeProtocol, "import part %s", p.File))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleApplyCommit(w http.ResponseWriter, r *http.Request) {
	var req sessionBody
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	resp, err := h.remote.CommitUpload(r.Context(), req.SessionID)
	if err != nil {
		body := toErrorBody(err)
		if resp != nil {
			body.Tables = resp.Tables
		}
		h.logger.Warn("upload apply failed", "session_id", req.SessionID, "code", body.Code, "error", err)
		writeJSON(w, statusFor(body.Code), body)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ChangesRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	resp, err := h.remote.GetChanges(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changesBody{
		Codec:           resp.Info.Codec,
		Parts:           resp.Info.Parts,
		Tables:          resp.Tables,
		ServerTimestamp: resp.ServerTimestamp,
	})
}

func (h *Handler) handleChangesPart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	index, err := strconv.Atoi(q.Get("index"))
	if err != nil {
		h.fail(w, r, syncerr.Wrap(syncerr.CodeProtocol, err, "invalid part index"))
		return
	}
	p, codec, rc, err := h.remote.DownloadPart(q.Get("session"), index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer rc.Close()

	meta, err := json.Marshal(p)
	if err != nil {
		h.fail(w, r, fmt.Errorf("encode part header: %w", err))
		return
	}
	w.Header().Set(HeaderPart, string(meta))
	w.Header().Set(HeaderCodec, codec)
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("send part", "file", p.File, "error", err)
	}
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CleanupRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	resp, err := h.remote.Cleanup(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.remote.Purge(r.Context(), req.Before)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("purged tombstones", "before", req.Before, "count", n)
	writeJSON(w, http.StatusOK, purgeResponse{Purged: n})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"peer":   h.remote.PeerID(),
	})
}
