package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/confabhq/confab/internal/conversation"
	"github.com/confabhq/confab/internal/gateway"
	"github.com/confabhq/confab/pkg/backend"
	"github.com/confabhq/confab/pkg/backend/mock"
	"github.com/confabhq/confab/pkg/types"
)

// ── Wire structs ──────────────────────────────────────────────────────────────

// frame captures any server frame; only the fields for the frame's type are
// populated.
type frame struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Error     string         `json:"error"`
	Handle    string         `json:"handle"`
	Snapshot  *snapshotBody  `json:"snapshot"`
	Snapshots []snapshotBody `json:"snapshots"`
	Messages  []messageBody  `json:"messages"`
	Event     *eventBody     `json:"event"`
}

type snapshotBody struct {
	Handle        string     `json:"handle"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason"`
	Rounds        int        `json:"rounds"`
	Messages      int        `json:"messages"`
	Participants  []string   `json:"participants"`
	EndedAt       *time.Time `json:"ended_at"`
	PendingPrompt string     `json:"pending_prompt"`
}

type messageBody struct {
	SpeakerID string `json:"speaker_id"`
	Content   string `json:"content"`
	Seq       int64  `json:"seq"`
}

type eventBody struct {
	Kind      string `json:"kind"`
	SpeakerID string `json:"speaker_id"`
	Content   string `json:"content"`
	Seq       int64  `json:"seq"`
	Prompt    string `json:"prompt"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to the gateway WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newManager(t *testing.T, p backend.Provider) *conversation.Manager {
	t.Helper()
	mgr := conversation.NewManager(conversation.ManagerConfig{Backend: p})
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

// newGateway builds a gateway over mgr and serves it via httptest. The server
// is closed when the test finishes.
func newGateway(t *testing.T, mgr *conversation.Manager, roster func() []types.AgentDescriptor) *httptest.Server {
	t.Helper()
	gw, err := gateway.New(gateway.Config{Manager: mgr, DefaultRoster: roster})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	gw.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// send marshals v and writes it as one text frame.
func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// recvFrame reads and decodes one frame.
func recvFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var fr frame
	if err := json.Unmarshal(data, &fr); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return fr
}

// startConversation issues a start command and returns the new handle.
func startConversation(t *testing.T, conn *websocket.Conn, start map[string]any) string {
	t.Helper()
	send(t, conn, map[string]any{"type": "start", "id": "start", "start": start})
	fr := recvFrame(t, conn)
	if fr.Error != "" {
		t.Fatalf("start: %s", fr.Error)
	}
	if fr.Handle == "" {
		t.Fatal("start result has no handle")
	}
	return fr.Handle
}

// pollStatus issues status commands until cond accepts the snapshot. Event
// frames arriving between results are skipped.
func pollStatus(t *testing.T, conn *websocket.Conn, handle string, cond func(snapshotBody) bool) snapshotBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		send(t, conn, map[string]any{"type": "status", "id": "poll", "handle": handle})
		for {
			fr := recvFrame(t, conn)
			if fr.Type == "event" {
				continue
			}
			if fr.Error != "" {
				t.Fatalf("status: %s", fr.Error)
			}
			if fr.Snapshot == nil {
				t.Fatal("status result has no snapshot")
			}
			if cond(*fr.Snapshot) {
				return *fr.Snapshot
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("snapshot condition not reached for %s", handle)
	return snapshotBody{}
}

func pending(s snapshotBody) bool  { return s.PendingPrompt != "" }
func finished(s snapshotBody) bool { return s.Status != "running" }

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_RequiresManager(t *testing.T) {
	t.Parallel()
	if _, err := gateway.New(gateway.Config{}); err == nil {
		t.Fatal("New accepted a config without a manager")
	}
}

// ── Conversation flow ─────────────────────────────────────────────────────────

func TestWS_StartAndWatchStreamsConversation(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []string{"ok"}}
	mgr := newManager(t, p)
	conn := dial(t, newGateway(t, mgr, nil))

	handle := startConversation(t, conn, map[string]any{
		"participants": []map[string]any{
			{"id": "pm", "kind": "human"},
			{"id": "bot"},
		},
		"initial_message": "begin",
		"sentinel":        "TERMINATE",
	})

	// Seed by pm, round 1 by bot, then pm's round suspends on the bridge.
	pollStatus(t, conn, handle, pending)

	send(t, conn, map[string]any{"type": "watch", "id": "w1", "handle": handle})
	fr := recvFrame(t, conn)
	if fr.Error != "" {
		t.Fatalf("watch: %s", fr.Error)
	}
	if fr.ID != "w1" {
		t.Errorf("watch result id = %q, want w1", fr.ID)
	}
	if fr.Snapshot == nil || fr.Snapshot.Status != "running" {
		t.Fatalf("watch snapshot = %+v, want running", fr.Snapshot)
	}
	if len(fr.Messages) != 2 {
		t.Fatalf("backlog length = %d, want 2", len(fr.Messages))
	}
	if fr.Messages[0].SpeakerID != "pm" || fr.Messages[0].Content != "begin" {
		t.Errorf("backlog[0] = %+v, want pm/begin", fr.Messages[0])
	}
	if fr.Messages[1].SpeakerID != "bot" || fr.Messages[1].Content != "ok" {
		t.Errorf("backlog[1] = %+v, want bot/ok", fr.Messages[1])
	}

	send(t, conn, map[string]any{"type": "fulfill", "id": "f1", "handle": handle, "text": "done TERMINATE"})

	// The fulfill result and the pumped events may interleave in any order.
	var sawFulfill bool
	var messages []eventBody
	var status *eventBody
	for status == nil {
		fr := recvFrame(t, conn)
		switch fr.Type {
		case "result":
			if fr.ID == "f1" {
				if fr.Error != "" {
					t.Fatalf("fulfill: %s", fr.Error)
				}
				sawFulfill = true
			}
		case "event":
			switch fr.Event.Kind {
			case "message":
				if fr.Event.Seq < 2 {
					t.Fatalf("watch replayed backlog message seq %d", fr.Event.Seq)
				}
				messages = append(messages, *fr.Event)
			case "status":
				ev := *fr.Event
				status = &ev
			}
		}
	}
	if !sawFulfill {
		fr := recvFrame(t, conn)
		if fr.Type != "result" || fr.ID != "f1" {
			t.Fatalf("expected fulfill result, got %+v", fr)
		}
	}

	if len(messages) != 1 {
		t.Fatalf("streamed %d message events, want 1", len(messages))
	}
	if messages[0].SpeakerID != "pm" || messages[0].Content != "done TERMINATE" || messages[0].Seq != 2 {
		t.Errorf("streamed message = %+v, want pm/done TERMINATE/2", messages[0])
	}
	if status.Status != "terminated" || status.Reason != "marker" {
		t.Errorf("status event = %+v, want terminated/marker", status)
	}

	snap := pollStatus(t, conn, handle, finished)
	if snap.Messages != 3 || snap.Rounds != 2 {
		t.Errorf("final snapshot = %d messages, %d rounds, want 3 and 2", snap.Messages, snap.Rounds)
	}
}

func TestWS_TwoClientsReceiveSameEvents(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []string{"ok"}}
	mgr := newManager(t, p)
	srv := newGateway(t, mgr, nil)
	conn1 := dial(t, srv)
	conn2 := dial(t, srv)

	handle := startConversation(t, conn1, map[string]any{
		"participants": []map[string]any{
			{"id": "pm", "kind": "human"},
			{"id": "bot"},
		},
		"initial_message": "begin",
		"sentinel":        "TERMINATE",
	})
	pollStatus(t, conn1, handle, pending)

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		send(t, conn, map[string]any{"type": "watch", "id": "w", "handle": handle})
		fr := recvFrame(t, conn)
		if fr.Error != "" {
			t.Fatalf("watch on conn %d: %s", i+1, fr.Error)
		}
		if len(fr.Messages) != 2 {
			t.Fatalf("conn %d backlog length = %d, want 2", i+1, len(fr.Messages))
		}
	}

	send(t, conn1, map[string]any{"type": "fulfill", "id": "f1", "handle": handle, "text": "done TERMINATE"})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		var gotMessage, gotStatus bool
		for !gotStatus {
			fr := recvFrame(t, conn)
			if fr.Type != "event" {
				continue
			}
			switch fr.Event.Kind {
			case "message":
				if fr.Event.Seq != 2 {
					t.Fatalf("conn %d got message seq %d, want 2", i+1, fr.Event.Seq)
				}
				gotMessage = true
			case "status":
				gotStatus = true
			}
		}
		if !gotMessage {
			t.Errorf("conn %d missed the fulfilled message event", i+1)
		}
	}
}

func TestWS_StatusReportsPendingPrompt(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, nil)
	conn := dial(t, newGateway(t, mgr, nil))

	handle := startConversation(t, conn, map[string]any{
		"participants":    []map[string]any{{"id": "pm", "kind": "human"}},
		"initial_message": "hello",
	})

	snap := pollStatus(t, conn, handle, pending)
	if snap.PendingPrompt != "pm: your turn" {
		t.Errorf("pending prompt = %q, want %q", snap.PendingPrompt, "pm: your turn")
	}
	if snap.Status != "running" || snap.Messages != 1 {
		t.Errorf("snapshot = %s with %d messages, want running with 1", snap.Status, snap.Messages)
	}
	if len(snap.Participants) != 1 || snap.Participants[0] != "pm" {
		t.Errorf("participants = %v, want [pm]", snap.Participants)
	}
}

func TestWS_CancelStopsConversation(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, nil)
	conn := dial(t, newGateway(t, mgr, nil))

	handle := startConversation(t, conn, map[string]any{
		"participants":    []map[string]any{{"id": "pm", "kind": "human"}},
		"initial_message": "hello",
	})
	pollStatus(t, conn, handle, pending)

	send(t, conn, map[string]any{"type": "cancel", "id": "c1", "handle": handle})
	fr := recvFrame(t, conn)
	if fr.Error != "" {
		t.Fatalf("cancel: %s", fr.Error)
	}

	// Canceling inside the pending window resolves the request as timed out.
	snap := pollStatus(t, conn, handle, finished)
	if snap.Status != "terminated" || snap.Reason != "input_timeout" {
		t.Errorf("snapshot = %s/%s, want terminated/input_timeout", snap.Status, snap.Reason)
	}
	if snap.Messages != 1 {
		t.Errorf("messages = %d, want 1", snap.Messages)
	}
}

func TestWS_StartMaxRoundsApplied(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Response: "keep going"}
	mgr := newManager(t, p)
	conn := dial(t, newGateway(t, mgr, nil))

	handle := startConversation(t, conn, map[string]any{
		"participants":    []map[string]any{{"id": "a"}, {"id": "b"}},
		"initial_message": "begin",
		"max_rounds":      1,
	})

	snap := pollStatus(t, conn, handle, finished)
	if snap.Status != "round_limit_exceeded" || snap.Reason != "round_limit" {
		t.Errorf("snapshot = %s/%s, want round_limit_exceeded/round_limit", snap.Status, snap.Reason)
	}
	if snap.Messages != 2 || snap.Rounds != 1 {
		t.Errorf("snapshot = %d messages, %d rounds, want 2 and 1", snap.Messages, snap.Rounds)
	}
}

func TestWS_StartInputTimeoutApplied(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, nil)
	conn := dial(t, newGateway(t, mgr, nil))

	handle := startConversation(t, conn, map[string]any{
		"participants":    []map[string]any{{"id": "pm", "kind": "human"}},
		"initial_message": "hello",
		"input_timeout":   "20ms",
	})

	snap := pollStatus(t, conn, handle, finished)
	if snap.Reason != "input_timeout" {
		t.Errorf("reason = %s, want input_timeout", snap.Reason)
	}
}

// ── Watch edge cases ──────────────────────────────────────────────────────────

func TestWS_WatchFinishedConversationReturnsBacklog(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []string{"ok", "done TERMINATE"}}
	mgr := newManager(t, p)
	conn := dial(t, newGateway(t, mgr, nil))

	handle := startConversation(t, conn, map[string]any{
		"participants":    []map[string]any{{"id": "a"}, {"id": "b"}},
		"initial_message": "begin",
		"sentinel":        "TERMINATE",
	})
	pollStatus(t, conn, handle, finished)

	send(t, conn, map[string]any{"type": "watch", "id": "w1", "handle": handle})
	fr := recvFrame(t, conn)
	if fr.Error != "" {
		t.Fatalf("watch: %s", fr.Error)
	}
	if fr.Snapshot == nil || fr.Snapshot.Status != "terminated" || fr.Snapshot.Reason != "marker" {
		t.Fatalf("watch snapshot = %+v, want terminated/marker", fr.Snapshot)
	}
	if fr.Snapshot.EndedAt == nil {
		t.Error("watch snapshot has no ended_at")
	}
	if len(fr.Messages) != 3 {
		t.Fatalf("backlog length = %d, want 3", len(fr.Messages))
	}
	for i, want := range []string{"a", "b", "a"} {
		if fr.Messages[i].SpeakerID != want || fr.Messages[i].Seq != int64(i) {
			t.Errorf("backlog[%d] = %+v, want speaker %s seq %d", i, fr.Messages[i], want, i)
		}
	}

	// The stream stays quiet: the next frame answers the next command.
	send(t, conn, map[string]any{"type": "list", "id": "l1"})
	fr = recvFrame(t, conn)
	if fr.Type != "result" || fr.ID != "l1" {
		t.Fatalf("expected list result, got %+v", fr)
	}
	if len(fr.Snapshots) != 1 {
		t.Errorf("list returned %d snapshots, want 1", len(fr.Snapshots))
	}
}

func TestWS_UnwatchStopsEvents(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, nil)
	conn := dial(t, newGateway(t, mgr, nil))

	handle := startConversation(t, conn, map[string]any{
		"participants":    []map[string]any{{"id": "pm", "kind": "human"}},
		"initial_message": "hello",
		"sentinel":        "TERMINATE",
	})
	pollStatus(t, conn, handle, pending)

	send(t, conn, map[string]any{"type": "watch", "id": "w1", "handle": handle})
	if fr := recvFrame(t, conn); fr.Error != "" {
		t.Fatalf("watch: %s", fr.Error)
	}
	send(t, conn, map[string]any{"type": "unwatch", "id": "u1", "handle": handle})
	if fr := recvFrame(t, conn); fr.Error != "" {
		t.Fatalf("unwatch: %s", fr.Error)
	}

	send(t, conn, map[string]any{"type": "fulfill", "id": "f1", "handle": handle, "text": "done TERMINATE"})
	if fr := recvFrame(t, conn); fr.Type != "result" || fr.ID != "f1" {
		t.Fatalf("expected fulfill result, got %+v", fr)
	}

	// No event frames may appear once the watch is gone.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("conversation did not finish")
		}
		send(t, conn, map[string]any{"type": "status", "id": "s1", "handle": handle})
		fr := recvFrame(t, conn)
		if fr.Type == "event" {
			t.Fatalf("received event after unwatch: %+v", fr.Event)
		}
		if fr.Snapshot != nil && fr.Snapshot.Status != "running" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	send(t, conn, map[string]any{"type": "unwatch", "id": "u2", "handle": handle})
	if fr := recvFrame(t, conn); !strings.Contains(fr.Error, "not watching") {
		t.Errorf("second unwatch error = %q, want not watching", fr.Error)
	}
}

func TestWS_DuplicateWatchRejected(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, nil)
	conn := dial(t, newGateway(t, mgr, nil))

	handle := startConversation(t, conn, map[string]any{
		"participants":    []map[string]any{{"id": "pm", "kind": "human"}},
		"initial_message": "hello",
	})
	pollStatus(t, conn, handle, pending)

	send(t, conn, map[string]any{"type": "watch", "id": "w1", "handle": handle})
	if fr := recvFrame(t, conn); fr.Error != "" {
		t.Fatalf("watch: %s", fr.Error)
	}
	send(t, conn, map[string]any{"type": "watch", "id": "w2", "handle": handle})
	if fr := recvFrame(t, conn); !strings.Contains(fr.Error, "already watching") {
		t.Errorf("second watch error = %q, want already watching", fr.Error)
	}
}

// ── Roster and list ───────────────────────────────────────────────────────────

func TestWS_StartWithDefaultRoster(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []string{"done TERMINATE"}}
	mgr := newManager(t, p)
	roster := func() []types.AgentDescriptor {
		return []types.AgentDescriptor{{ID: "solo", Kind: types.AgentAutomated}}
	}
	conn := dial(t, newGateway(t, mgr, roster))

	handle := startConversation(t, conn, map[string]any{
		"initial_message": "begin",
		"sentinel":        "TERMINATE",
	})

	snap := pollStatus(t, conn, handle, finished)
	if snap.Reason != "marker" {
		t.Errorf("reason = %s, want marker", snap.Reason)
	}
	if len(snap.Participants) != 1 || snap.Participants[0] != "solo" {
		t.Errorf("participants = %v, want [solo]", snap.Participants)
	}
	if snap.Messages != 2 {
		t.Errorf("messages = %d, want 2", snap.Messages)
	}
}

func TestWS_ListShowsConversations(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, nil)
	conn := dial(t, newGateway(t, mgr, nil))

	h1 := startConversation(t, conn, map[string]any{
		"participants":    []map[string]any{{"id": "op-a", "kind": "human"}},
		"initial_message": "first",
	})
	h2 := startConversation(t, conn, map[string]any{
		"participants":    []map[string]any{{"id": "op-b", "kind": "human"}},
		"initial_message": "second",
	})
	if h1 == h2 {
		t.Fatalf("duplicate handles: %s", h1)
	}

	send(t, conn, map[string]any{"type": "list", "id": "l1"})
	fr := recvFrame(t, conn)
	if fr.Error != "" {
		t.Fatalf("list: %s", fr.Error)
	}
	if len(fr.Snapshots) != 2 {
		t.Fatalf("list returned %d snapshots, want 2", len(fr.Snapshots))
	}
	seen := map[string]bool{}
	for _, s := range fr.Snapshots {
		seen[s.Handle] = true
	}
	if !seen[h1] || !seen[h2] {
		t.Errorf("list handles = %v, want both %s and %s", fr.Snapshots, h1, h2)
	}
}

// ── Command validation ────────────────────────────────────────────────────────

func TestWS_StartValidation(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, &mock.Provider{Response: "ok"})
	conn := dial(t, newGateway(t, mgr, nil))

	tests := []struct {
		name    string
		cmd     map[string]any
		wantErr string
	}{
		{
			name:    "missing payload",
			cmd:     map[string]any{"type": "start", "id": "v"},
			wantErr: "start requires a start payload",
		},
		{
			name: "no participants without roster",
			cmd: map[string]any{"type": "start", "id": "v", "start": map[string]any{
				"initial_message": "hi",
			}},
			wantErr: "start requires participants",
		},
		{
			name: "unknown kind",
			cmd: map[string]any{"type": "start", "id": "v", "start": map[string]any{
				"participants":    []map[string]any{{"id": "x", "kind": "alien"}},
				"initial_message": "hi",
			}},
			wantErr: "unknown kind",
		},
		{
			name: "bad input timeout",
			cmd: map[string]any{"type": "start", "id": "v", "start": map[string]any{
				"participants":    []map[string]any{{"id": "x"}},
				"initial_message": "hi",
				"input_timeout":   "soon",
			}},
			wantErr: "invalid input_timeout",
		},
		{
			name: "unknown selector",
			cmd: map[string]any{"type": "start", "id": "v", "start": map[string]any{
				"participants":    []map[string]any{{"id": "x"}},
				"initial_message": "hi",
				"selector":        "loudest",
			}},
			wantErr: "unknown selector",
		},
		{
			name: "duplicate participant ids",
			cmd: map[string]any{"type": "start", "id": "v", "start": map[string]any{
				"participants":    []map[string]any{{"id": "x"}, {"id": "x"}},
				"initial_message": "hi",
			}},
			wantErr: "duplicate participant id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.cmd)
			fr := recvFrame(t, conn)
			if !strings.Contains(fr.Error, tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", fr.Error, tt.wantErr)
			}
			if fr.ID != "v" {
				t.Errorf("result id = %q, want v", fr.ID)
			}
		})
	}
}

func TestWS_UnknownHandleErrors(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, nil)
	conn := dial(t, newGateway(t, mgr, nil))

	for _, op := range []string{"cancel", "status", "messages", "fulfill", "watch"} {
		send(t, conn, map[string]any{"type": op, "id": op, "handle": "missing"})
		fr := recvFrame(t, conn)
		if !strings.Contains(fr.Error, "unknown conversation") {
			t.Errorf("%s error = %q, want unknown conversation", op, fr.Error)
		}
		if fr.ID != op {
			t.Errorf("%s result id = %q, want %q", op, fr.ID, op)
		}
	}
}

func TestWS_MalformedFrameKeepsConnection(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, nil)
	conn := dial(t, newGateway(t, mgr, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	fr := recvFrame(t, conn)
	if !strings.Contains(fr.Error, "malformed frame") {
		t.Errorf("error = %q, want malformed frame", fr.Error)
	}

	send(t, conn, map[string]any{"type": "list", "id": "l1"})
	fr = recvFrame(t, conn)
	if fr.Type != "result" || fr.ID != "l1" {
		t.Fatalf("connection unusable after malformed frame: %+v", fr)
	}
}

func TestWS_UnknownCommandType(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, nil)
	conn := dial(t, newGateway(t, mgr, nil))

	send(t, conn, map[string]any{"type": "bogus", "id": "x9"})
	fr := recvFrame(t, conn)
	if !strings.Contains(fr.Error, "bogus") {
		t.Errorf("error = %q, want it to name the bogus type", fr.Error)
	}
	if fr.ID != "x9" {
		t.Errorf("result id = %q, want x9", fr.ID)
	}
}
