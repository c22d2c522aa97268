// Package progress streams session stage transitions to WebSocket clients.
//
// A Broadcaster is an http.Handler accepting WebSocket connections; its
// Hook plugs into an orchestrator so every stage event is pushed to all
// connected clients as a JSON message.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/rowsync/internal/conflict"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/orchestrator"
)

// MessageType defines the type of progress message.
type MessageType string

const (
	// MessageTypeHello is sent once to every new connection.
	MessageTypeHello MessageType = "hello"

	// MessageTypeStage is a stage transition of a running session.
	MessageTypeStage MessageType = "stage"

	// MessageTypeCompleted ends a successful session.
	MessageTypeCompleted MessageType = "session_completed"

	// MessageTypeFailed ends a failed session.
	MessageTypeFailed MessageType = "session_failed"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StageData is the payload of stage and session messages.
type StageData struct {
	SessionID string              `json:"session_id"`
	Scope     string              `json:"scope"`
	Role      conflict.Role       `json:"role"`
	Stage     orchestrator.Stage  `json:"stage"`
	Table     string              `json:"table,omitempty"`
	State     model.RowState      `json:"state,omitempty"`
	Totals    orchestrator.Totals `json:"totals"`
	Error     string              `json:"error,omitempty"`
}

const (
	bufferSize   = 256
	writeTimeout = 5 * time.Second
)

// Broadcaster fans messages out to connected WebSocket clients.
type Broadcaster struct {
	logger  *slog.Logger
	origins []string

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithOriginPatterns sets the origins accepted for cross-origin
// connections.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Broadcaster) { b.origins = patterns }
}

// New starts a broadcaster. Close stops it.
func New(opts ...Option) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		logger:    slog.Default(),
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, bufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Hook returns an orchestrator hook publishing every event.
func (b *Broadcaster) Hook() orchestrator.Hook {
	return func(_ context.Context, ev orchestrator.Event) {
		b.Publish(ev)
	}
}

// Publish queues ev for all clients. Events are dropped when the queue is
// full; a slow dashboard never stalls a session.
func (b *Broadcaster) Publish(ev orchestrator.Event) {
	data := StageData{
		SessionID: ev.SessionID,
		Scope:     ev.Scope,
		Role:      ev.Role,
		Stage:     ev.Stage,
		Table:     ev.Table,
		State:     ev.State,
		Totals:    ev.Totals,
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("encode progress event", "error", err)
		return
	}
	typ := MessageTypeStage
	switch ev.Stage {
	case orchestrator.StageCompleted:
		typ = MessageTypeCompleted
	case orchestrator.StageFailed:
		typ = MessageTypeFailed
	}
	b.Broadcast(Message{Type: typ, Timestamp: ev.Time, Data: raw})
}

// Broadcast queues msg for all clients.
func (b *Broadcaster) Broadcast(msg Message) {
	select {
	case b.broadcast <- msg:
	case <-b.ctx.Done():
	default:
		b.logger.Warn("progress queue full, dropping message", "type", msg.Type)
	}
}

func (b *Broadcaster) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				b.logger.Warn("encode progress message", "error", err)
				continue
			}
			for _, conn := range b.snapshot() {
				if err := b.write(conn, data); err != nil {
					b.logger.Debug("progress client write failed", "error", err)
					b.remove(conn)
				}
			}
		}
	}
}

func (b *Broadcaster) snapshot() []*websocket.Conn {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	out := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		out = append(out, conn)
	}
	return out
}

func (b *Broadcaster) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(b.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the request to a WebSocket and registers the client.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.origins})
	if err != nil {
		b.logger.Warn("progress upgrade failed", "error", err)
		return
	}
	b.clientsMu.Lock()
	b.clients[conn] = struct{}{}
	n := len(b.clients)
	b.clientsMu.Unlock()
	b.logger.Debug("progress client connected", "clients", n)

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now()})
	if err := b.write(conn, hello); err != nil {
		b.remove(conn)
		return
	}

	// Client frames are ignored; reading detects the disconnect.
	for {
		if _, _, err := conn.Read(b.ctx); err != nil {
			b.remove(conn)
			return
		}
	}
}

func (b *Broadcaster) remove(conn *websocket.Conn) {
	b.clientsMu.Lock()
	_, ok := b.clients[conn]
	delete(b.clients, conn)
	n := len(b.clients)
	b.clientsMu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		b.logger.Debug("progress client disconnected", "clients", n)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client and stops the broadcast loop.
func (b *Broadcaster) Close() error {
	b.cancel()
	b.clientsMu.Lock()
	for conn := range b.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(b.clients, conn)
	}
	b.clientsMu.Unlock()
	b.wg.Wait()
	return nil
}

// ListenAndServe serves the broadcaster at /ws on addr until ctx is done.
func (b *Broadcaster) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return b.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (b *Broadcaster) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", b)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	b.logger.Info("progress server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
