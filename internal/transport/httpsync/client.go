package httpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/orchestrator"
	"github.com/roach88/rowsync/internal/syncerr"
)

// DefaultTimeout bounds each HTTP call.
const DefaultTimeout = 30 * time.Second

// Client is an orchestrator.Remote speaking to a Handler. Downloaded parts
// are stored in the client's own batch store.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	batches *batch.Store
	logger  *slog.Logger
}

var _ orchestrator.Remote = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-call timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, batches *batch.Store, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
		batches: batches,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// do sends req and returns the response when the server answered 2xx.
// Failures become *syncerr.Error: the server's own error when it sent one,
// TRANSPORT otherwise.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, callError(req, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, c.decodeError(req, resp, nil)
}

// callError classifies a failed round trip. Only a caller cancellation is
// not a transport failure.
func callError(req *http.Request, err error) error {
	if errors.Is(req.Context().Err(), context.Canceled) {
		return syncerr.Wrap(syncerr.CodeCancelled, err, "%s %s", req.Method, req.URL.Path)
	}
	return syncerr.Transport(err, "%s %s", req.Method, req.URL.Path)
}

func (c *Client) decodeError(req *http.Request, resp *http.Response, into *errorBody) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return syncerr.Transport(fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data)), "%s %s", req.Method, req.URL.Path)
	}
	if into != nil {
		*into = body
	}
	return body.err()
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return syncerr.Transport(err, "build %s request", path)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerr.Transport(err, "decode %s response", path)
	}
	return nil
}

// EnsureScope opens the session on the server.
func (c *Client) EnsureScope(ctx context.Context, req orchestrator.ScopeRequest) (*orchestrator.ScopeResponse, error) {
	var resp orchestrator.ScopeResponse
	if err := c.postJSON(ctx, PathScope, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApplyChanges uploads info part by part and asks the server to apply it.
// Per-table statistics are returned even when the server fails the apply.
func (c *Client) ApplyChanges(ctx context.Context, sessionID string, info *batch.Info) (*orchestrator.ApplyResponse, error) {
	for _, p := range info.Parts {
		if err := c.uploadPart(ctx, sessionID, info, p); err != nil {
			return nil, err
		}
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	data, _ := json.Marshal(sessionBody{SessionID: sessionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+PathApplyCommit, bytes.NewReader(data))
	if err != nil {
		return nil, syncerr.Transport(err, "build commit request")
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, callError(req, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var body errorBody
		err := c.decodeError(req, resp, &body)
		return &orchestrator.ApplyResponse{Tables: body.Tables}, err
	}
	var out orchestrator.ApplyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, syncerr.Transport(err, "decode commit response")
	}
	if out.Tables == nil {
		out.Tables = map[string]apply.Stats{}
	}
	return &out, nil
}

func (c *Client) uploadPart(ctx context.Context, sessionID string, info *batch.Info, p batch.PartInfo) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	rc, err := info.OpenRaw(p)
	if err != nil {
		return err
	}
	defer rc.Close()
	meta, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode part header: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+PathApplyPart, rc)
	if err != nil {
		return syncerr.Transport(err, "build part request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderSession, sessionID)
	req.Header.Set(HeaderCodec, info.Codec)
	req.Header.Set(HeaderPart, string(meta))
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.logger.Debug("uploaded part", "session_id", sessionID, "file", p.File, "rows", p.Rows)
	return nil
}

// GetChanges asks the server for its selection and downloads every part
// into a local batch.
func (c *Client) GetChanges(ctx context.Context, req orchestrator.ChangesRequest) (*orchestrator.ChangesResponse, error) {
	var manifest changesBody
	if err := c.postJSON(ctx, PathChanges, req, &manifest); err != nil {
		return nil, err
	}
	info, err := c.batches.CreateWithCodec(req.SessionID, batch.DirectionDownload, manifest.Codec)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeProtocol, err, "create download batch")
	}
	for i := range manifest.Parts {
		if err := c.downloadPart(ctx, req.SessionID, i, info, manifest.Codec); err != nil {
			return nil, err
		}
	}
	if err := info.Save(); err != nil {
		return nil, err
	}
	return &orchestrator.ChangesResponse{Info: info, Tables: manifest.Tables, ServerTimestamp: manifest.ServerTimestamp}, nil
}

func (c *Client) downloadPart(ctx context.Context, sessionID string, index int, info *batch.Info, codec string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	q := url.Values{"session": {sessionID}, "index": {strconv.Itoa(index)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+PathChangesPart+"?"+q.Encode(), nil)
	if err != nil {
		return syncerr.Transport(err, "build part request")
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if got := resp.Header.Get(HeaderCodec); got != codec {
		return syncerr.New(syncerr.CodeProtocol, "part %d has codec %q, manifest says %q", index, got, codec)
	}
	var p batch.PartInfo
	if err := json.Unmarshal([]byte(resp.Header.Get(HeaderPart)), &p); err != nil {
		return syncerr.Wrap(syncerr.CodeProtocol, err, "decode part %d header", index)
	}
	if err := info.Import(p, resp.Body); err != nil {
		if ctx.Err() != nil {
			return syncerr.Transport(err, "download part %s", p.File)
		}
		return syncerr.Wrap(syncerr.CodeBatchCorruption, err, "store part %s", p.File).InTable(p.Table)
	}
	return nil
}

// Cleanup commits or discards the session on the server.
func (c *Client) Cleanup(ctx context.Context, req orchestrator.CleanupRequest) (*orchestrator.CleanupResponse, error) {
	var resp orchestrator.CleanupResponse
	if err := c.postJSON(ctx, PathCleanup, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Purge asks the server to drop tombstones stamped at or before before.
// The server must have the purge endpoint enabled.
func (c *Client) Purge(ctx context.Context, before int64) (int64, error) {
	var resp purgeResponse
	if err := c.postJSON(ctx, PathPurge, purgeRequest{Before: before}, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}
