// Package gateway exposes the conversation manager over a WebSocket control
// surface.
//
// Clients connect to /ws and exchange JSON text frames. Every command frame
// receives exactly one result frame, paired by the client-chosen id, and a
// watched conversation additionally streams event frames until it finishes
// or the client unwatches. A single connection can drive any number of
// conversations.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/confabhq/confab/internal/conversation"
	"github.com/confabhq/confab/internal/selector"
	"github.com/confabhq/confab/pkg/types"
)

// watchBuffer is the per-watch event channel capacity. A client that stalls
// for longer than this many events loses the overflow rather than stalling
// the conversation.
const watchBuffer = 64

// Config holds the dependencies for a [Server].
type Config struct {
	// Manager runs the conversations behind every connection. Required.
	Manager *conversation.Manager

	// DefaultRoster supplies the participants for start commands that omit
	// their own. Optional; without it such commands are rejected.
	DefaultRoster func() []types.AgentDescriptor

	// DefaultSelector supplies the speaker-selection policy for start
	// commands that omit one. Optional; without it those conversations use
	// round robin.
	DefaultSelector func() selector.Selector
}

// Server accepts WebSocket control connections and translates their commands
// into manager calls.
type Server struct {
	manager     *conversation.Manager
	roster      func() []types.AgentDescriptor
	defSelector func() selector.Selector

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a gateway server from cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("gateway: manager is required")
	}
	return &Server{
		manager:     cfg.Manager,
		roster:      cfg.DefaultRoster,
		defSelector: cfg.DefaultSelector,
		clients:     make(map[*client]struct{}),
	}, nil
}

// Register attaches the gateway routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

// Close disconnects every connected client. In-flight conversations are not
// touched; they belong to the manager. [http.Server.Shutdown] does not cover
// hijacked WebSocket connections, so the owner of the listener calls this
// alongside it.
func (s *Server) Close() error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	return nil
}

// handleWS upgrades the request and serves command frames until the
// connection drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Debug("gateway client connected", "remote", r.RemoteAddr)

	c := &client{
		server:  s,
		conn:    conn,
		watches: make(map[conversation.Handle]func()),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	c.run(r.Context())
}

// startRequest translates a start payload into a manager request.
func (s *Server) startRequest(p startPayload) (conversation.StartRequest, error) {
	req := conversation.StartRequest{
		InitialMessage: p.InitialMessage,
		Initiator:      p.Initiator,
		MaxRounds:      p.MaxRounds,
		Sentinel:       p.Sentinel,
	}

	if len(p.Participants) == 0 {
		if s.roster == nil {
			return conversation.StartRequest{}, errors.New("gateway: start requires participants")
		}
		req.Participants = s.roster()
	} else {
		req.Participants = make([]types.AgentDescriptor, 0, len(p.Participants))
		for _, pp := range p.Participants {
			d, err := pp.descriptor()
			if err != nil {
				return conversation.StartRequest{}, err
			}
			req.Participants = append(req.Participants, d)
		}
	}

	if p.InputTimeout != "" {
		d, err := time.ParseDuration(p.InputTimeout)
		if err != nil {
			return conversation.StartRequest{}, fmt.Errorf("gateway: invalid input_timeout %q: %w", p.InputTimeout, err)
		}
		req.InputTimeout = d
	}

	switch p.Selector {
	case "":
		if s.defSelector != nil {
			req.Selector = s.defSelector()
		}
	case "round_robin":
		req.Selector = selector.NewRoundRobin()
	case "addressed":
		req.Selector = selector.NewAddressed(selector.NewRoundRobin())
	default:
		return conversation.StartRequest{}, fmt.Errorf("gateway: unknown selector %q", p.Selector)
	}

	return req, nil
}

// ── Client connection ─────────────────────────────────────────────────────────

// client is one connected control session. The read loop owns dispatch;
// watch pumps run as separate goroutines and share the write side through
// write.
type client struct {
	server *Server
	conn   *websocket.Conn

	// writeMu serializes outgoing frames: the connection does not support
	// concurrent writes, and results race pumped events otherwise.
	writeMu sync.Mutex

	mu      sync.Mutex
	watches map[conversation.Handle]func()

	pumps sync.WaitGroup
}

// run reads command frames until the connection drops, then tears down all
// watches before returning.
func (c *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.dropWatches()
		c.pumps.Wait()
		c.conn.Close(websocket.StatusNormalClosure, "closing")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				slog.Debug("gateway read failed", "error", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reject(ctx, "", fmt.Sprintf("malformed frame: %v", err))
			continue
		}
		c.dispatch(ctx, cmd)
	}
}

func (c *client) dispatch(ctx context.Context, cmd command) {
	switch cmd.Type {
	case "start":
		c.handleStart(ctx, cmd)
	case "cancel":
		c.handleCancel(ctx, cmd)
	case "status":
		c.handleStatus(ctx, cmd)
	case "messages":
		c.handleMessages(ctx, cmd)
	case "fulfill":
		c.handleFulfill(ctx, cmd)
	case "list":
		c.handleList(ctx, cmd)
	case "watch":
		c.handleWatch(ctx, cmd)
	case "unwatch":
		c.handleUnwatch(ctx, cmd)
	default:
		c.reject(ctx, cmd.ID, fmt.Sprintf("unknown command type %q", cmd.Type))
	}
}

// ── Command handlers ──────────────────────────────────────────────────────────

func (c *client) handleStart(ctx context.Context, cmd command) {
	if cmd.Start == nil {
		c.reject(ctx, cmd.ID, "start requires a start payload")
		return
	}
	req, err := c.server.startRequest(*cmd.Start)
	if err != nil {
		c.reject(ctx, cmd.ID, err.Error())
		return
	}
	handle, err := c.server.manager.Start(req)
	if err != nil {
		c.reject(ctx, cmd.ID, err.Error())
		return
	}
	c.write(ctx, resultFrame{Type: frameResult, ID: cmd.ID, Handle: string(handle)})
}

func (c *client) handleCancel(ctx context.Context, cmd command) {
	if err := c.server.manager.Cancel(conversation.Handle(cmd.Handle)); err != nil {
		c.reject(ctx, cmd.ID, err.Error())
		return
	}
	c.write(ctx, resultFrame{Type: frameResult, ID: cmd.ID, Handle: cmd.Handle})
}

func (c *client) handleStatus(ctx context.Context, cmd command) {
	handle := conversation.Handle(cmd.Handle)
	snap, err := c.server.manager.Status(handle)
	if err != nil {
		c.reject(ctx, cmd.ID, err.Error())
		return
	}
	body := toSnapshotPayload(snap)
	if prompt, pending, err := c.server.manager.PendingInput(handle); err == nil && pending {
		body.PendingPrompt = prompt
	}
	c.write(ctx, resultFrame{Type: frameResult, ID: cmd.ID, Handle: cmd.Handle, Snapshot: &body})
}

func (c *client) handleMessages(ctx context.Context, cmd command) {
	msgs, err := c.server.manager.Messages(conversation.Handle(cmd.Handle))
	if err != nil {
		c.reject(ctx, cmd.ID, err.Error())
		return
	}
	c.write(ctx, resultFrame{Type: frameResult, ID: cmd.ID, Handle: cmd.Handle, Messages: toMessagePayloads(msgs)})
}

func (c *client) handleFulfill(ctx context.Context, cmd command) {
	if err := c.server.manager.Fulfill(conversation.Handle(cmd.Handle), cmd.Text); err != nil {
		c.reject(ctx, cmd.ID, err.Error())
		return
	}
	c.write(ctx, resultFrame{Type: frameResult, ID: cmd.ID, Handle: cmd.Handle})
}

func (c *client) handleList(ctx context.Context, cmd command) {
	snaps := c.server.manager.List()
	out := make([]snapshotPayload, len(snaps))
	for i, s := range snaps {
		out[i] = toSnapshotPayload(s)
	}
	c.write(ctx, resultFrame{Type: frameResult, ID: cmd.ID, Snapshots: out})
}

func (c *client) handleWatch(ctx context.Context, cmd command) {
	handle := conversation.Handle(cmd.Handle)

	c.mu.Lock()
	_, dup := c.watches[handle]
	c.mu.Unlock()
	if dup {
		c.reject(ctx, cmd.ID, fmt.Sprintf("already watching %s", cmd.Handle))
		return
	}

	events, cancelWatch, err := c.server.manager.Watch(handle, watchBuffer)
	if err != nil {
		c.reject(ctx, cmd.ID, err.Error())
		return
	}

	// Subscribe first, snapshot second: every message is then either in the
	// backlog below or still ahead in the event channel, and the pump drops
	// the overlap by sequence number.
	backlog, err := c.server.manager.Messages(handle)
	if err != nil {
		cancelWatch()
		c.reject(ctx, cmd.ID, err.Error())
		return
	}
	snap, err := c.server.manager.Status(handle)
	if err != nil {
		cancelWatch()
		c.reject(ctx, cmd.ID, err.Error())
		return
	}

	c.mu.Lock()
	c.watches[handle] = cancelWatch
	c.mu.Unlock()

	body := toSnapshotPayload(snap)
	c.write(ctx, resultFrame{
		Type:     frameResult,
		ID:       cmd.ID,
		Handle:   cmd.Handle,
		Snapshot: &body,
		Messages: toMessagePayloads(backlog),
	})

	seen := int64(len(backlog))
	c.pumps.Add(1)
	go func() {
		defer c.pumps.Done()
		c.pump(ctx, handle, events, seen)
	}()
}

func (c *client) handleUnwatch(ctx context.Context, cmd command) {
	handle := conversation.Handle(cmd.Handle)

	c.mu.Lock()
	cancelWatch, ok := c.watches[handle]
	if ok {
		delete(c.watches, handle)
	}
	c.mu.Unlock()

	if !ok {
		c.reject(ctx, cmd.ID, fmt.Sprintf("not watching %s", cmd.Handle))
		return
	}
	cancelWatch()
	c.write(ctx, resultFrame{Type: frameResult, ID: cmd.ID, Handle: cmd.Handle})
}

// ── Event pump ────────────────────────────────────────────────────────────────

// pump forwards events for one watched conversation. Message events the
// watch backlog already covered are dropped by sequence number.
func (c *client) pump(ctx context.Context, handle conversation.Handle, events <-chan types.Event, seen int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == types.EventMessage && ev.Seq < seen {
				continue
			}
			c.write(ctx, eventFrame{Type: frameEvent, Handle: string(handle), Event: toEventPayload(ev)})
		}
	}
}

// dropWatches cancels every active watch subscription.
func (c *client) dropWatches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for handle, cancelWatch := range c.watches {
		cancelWatch()
		delete(c.watches, handle)
	}
}

// ── Frame writing ─────────────────────────────────────────────────────────────

// write marshals v and sends it as one text frame.
func (c *client) write(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal gateway frame", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil && ctx.Err() == nil {
		slog.Debug("gateway write failed", "error", err)
	}
}

// reject sends an error result for the command named by id.
func (c *client) reject(ctx context.Context, id, msg string) {
	c.write(ctx, resultFrame{Type: frameResult, ID: id, Error: msg})
}
