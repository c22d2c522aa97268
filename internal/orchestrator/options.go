package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/rowsync/internal/conflict"
	"github.com/roach88/rowsync/internal/model"
)

// DefaultScope is the scope name used when none is configured.
const DefaultScope = "default"

// DefaultSessionTTL bounds how long a server keeps an idle session.
const DefaultSessionTTL = 30 * time.Minute

// Outdated describes a client whose watermark predates the server's
// retention horizon.
type Outdated struct {
	Scope          string
	LastRemoteSync int64
	ValidFrom      int64
}

// OutdatedHandler chooses how to proceed with an outdated client. It
// returns ModeReinitialize, ModeReinitializeWithUpload or ModeAbort.
type OutdatedHandler func(ctx context.Context, o Outdated) Mode

type config struct {
	scope      string
	params     map[string]any
	policy     conflict.Policy
	merge      conflict.MergeFunc
	hooks      []Hook
	outdated   OutdatedHandler
	ids        IDGenerator
	now        func() time.Time
	logger     *slog.Logger
	transforms []model.RowTransform
	purge      bool
	sessionTTL time.Duration
}

func defaultConfig() config {
	return config{
		scope:      DefaultScope,
		policy:     conflict.ServerWins,
		ids:        UUIDv7Generator{},
		now:        time.Now,
		logger:     slog.Default(),
		purge:      true,
		sessionTTL: DefaultSessionTTL,
	}
}

// Option configures a Local or Remote orchestrator.
type Option func(*config)

// WithScope sets the scope name.
func WithScope(name string) Option {
	return func(c *config) { c.scope = name }
}

// WithParams binds filter parameter values. Only clients use them.
func WithParams(params map[string]any) Option {
	return func(c *config) { c.params = params }
}

// WithPolicy sets the conflict policy. A client sends its policy to the
// server, which uses it for the uploaded rows.
func WithPolicy(p conflict.Policy) Option {
	return func(c *config) { c.policy = p }
}

// WithMerge sets the merge function used by the MergeRow policy.
func WithMerge(fn conflict.MergeFunc) Option {
	return func(c *config) { c.merge = fn }
}

// WithHooks appends stage hooks.
func WithHooks(h ...Hook) Option {
	return func(c *config) { c.hooks = append(c.hooks, h...) }
}

// WithOutdatedHandler sets the handler consulted when the client is
// outdated. Without one, outdated sessions fail with OUTDATED.
func WithOutdatedHandler(h OutdatedHandler) Option {
	return func(c *config) { c.outdated = h }
}

// WithIDGenerator sets the session id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *config) { c.ids = g }
}

// WithClock sets the wall clock used for result and event times.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithTransforms sets row transforms run on selected rows before batching
// and on incoming rows before they are written.
func WithTransforms(fn ...model.RowTransform) Option {
	return func(c *config) { c.transforms = append(c.transforms, fn...) }
}

// WithTombstonePurge enables or disables purging tombstones every peer has
// seen after a successful session. It is enabled by default.
func WithTombstonePurge(enabled bool) Option {
	return func(c *config) { c.purge = enabled }
}

// WithSessionTTL sets how long a server keeps a session without a
// Cleanup call.
func WithSessionTTL(d time.Duration) Option {
	return func(c *config) { c.sessionTTL = d }
}

func (c *config) emit(ctx context.Context, ev Event) {
	for _, h := range c.hooks {
		h(ctx, ev)
	}
}
