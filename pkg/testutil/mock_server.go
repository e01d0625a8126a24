package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Frame is one frame the client sent to the MockServer.
type Frame struct {
	ID     int
	Type   string
	Raw    json.RawMessage
	Fields map[string]any
}

// String returns a string field of the frame.
func (f Frame) String(key string) string {
	s, _ := f.Fields[key].(string)
	return s
}

// Int returns a numeric field of the frame.
func (f Frame) Int(key string) int {
	n, _ := f.Fields[key].(float64)
	return int(n)
}

func parseFrame(data []byte) Frame {
	f := Frame{Raw: append(json.RawMessage(nil), data...)}
	if err := json.Unmarshal(data, &f.Fields); err != nil {
		return f
	}
	f.Type = f.String("type")
	f.ID = f.Int("id")
	return f
}

// CommandHandler answers one command frame.
type CommandHandler func(ms *MockServer, f Frame)

// MockOption configures a MockServer
type MockOption func(*MockServer)

// WithAutoAck answers every command with a successful, payload-less result.
func WithAutoAck() MockOption {
	return func(ms *MockServer) { ms.autoAck = true }
}

// WithoutAutoPong records pings instead of answering them.
func WithoutAutoPong() MockOption {
	return func(ms *MockServer) { ms.autoPong = false }
}

// WithCommandHandler answers commands with fn instead of auto-ack.
func WithCommandHandler(fn CommandHandler) MockOption {
	return func(ms *MockServer) { ms.onCommand = fn }
}

// MockServer speaks the server side of the Home Assistant WebSocket
// handshake and records every frame the client sends.
type MockServer struct {
	T      *testing.T
	Server *httptest.Server
	// URL is the http base URL, as a user would configure it.
	URL   string
	Token string

	autoAck   bool
	autoPong  bool
	onCommand CommandHandler

	mu              sync.Mutex
	conn            *websocket.Conn
	cancel          context.CancelFunc
	frames          []Frame
	connections     int
	authentications int
}

// NewMockServer starts a server accepting token.
func NewMockServer(t *testing.T, token string, opts ...MockOption) *MockServer {
	t.Helper()
	ms := &MockServer{T: t, Token: token, autoPong: true}
	for _, opt := range opts {
		opt(ms)
	}

	ms.Server = httptest.NewServer(http.HandlerFunc(ms.serve))
	ms.URL = ms.Server.URL

	t.Cleanup(func() {
		ms.Close()
	})
	return ms
}

func (ms *MockServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/websocket" {
		http.NotFound(w, r)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		ms.T.Logf("MockServer: Accept error: %v", err)
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ms.mu.Lock()
	ms.conn = ws
	ms.cancel = cancel
	ms.connections++
	ms.mu.Unlock()

	if err := wsjson.Write(ctx, ws, map[string]any{"type": "auth_required", "ha_version": "2024.6.0"}); err != nil {
		return
	}

	_, data, err := ws.Read(ctx)
	if err != nil {
		return
	}
	auth := parseFrame(data)
	ms.record(auth)
	if auth.Type != "auth" || auth.String("access_token") != ms.Token {
		wsjson.Write(ctx, ws, map[string]any{"type": "auth_invalid", "message": "Invalid access token or password"})
		ws.Close(websocket.StatusPolicyViolation, "auth invalid")
		return
	}
	if err := wsjson.Write(ctx, ws, map[string]any{"type": "auth_ok", "ha_version": "2024.6.0"}); err != nil {
		return
	}
	ms.mu.Lock()
	ms.authentications++
	ms.mu.Unlock()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		f := parseFrame(data)
		if f.Type == "ping" && ms.autoPong {
			wsjson.Write(ctx, ws, map[string]any{"id": f.ID, "type": "pong"})
			continue
		}
		ms.record(f)
		switch {
		case ms.onCommand != nil:
			ms.onCommand(ms, f)
		case ms.autoAck:
			ms.SendResult(f.ID, true, nil)
		}
	}
}

func (ms *MockServer) record(f Frame) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.frames = append(ms.frames, f)
}

// Send writes v as JSON to the current connection.
func (ms *MockServer) Send(v any) error {
	ms.mu.Lock()
	conn := ms.conn
	ms.mu.Unlock()
	if conn == nil {
		return errors.New("mock server: no connection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// SendResult answers command id.
func (ms *MockServer) SendResult(id int, success bool, result any) error {
	msg := map[string]any{"id": id, "type": "result", "success": success, "result": result}
	if !success {
		msg["error"] = map[string]any{"code": "unknown_error", "message": "command failed"}
	}
	return ms.Send(msg)
}

// StateObject builds an entity state as the server reports it.
func StateObject(entityID, state string, attributes map[string]any) map[string]any {
	if attributes == nil {
		attributes = map[string]any{}
	}
	now := time.Now().UTC().Format("2006-01-02T15:04:05.000000+00:00")
	return map[string]any{
		"entity_id":     entityID,
		"state":         state,
		"attributes":    attributes,
		"last_changed":  now,
		"last_reported": now,
		"last_updated":  now,
		"context":       map[string]any{"id": "01HZX000000000000000000000"},
	}
}

// SendTrigger pushes a state trigger event under subscription id.
func (ms *MockServer) SendTrigger(id int, entityID string, from, to map[string]any) error {
	return ms.Send(map[string]any{
		"id":   id,
		"type": "event",
		"event": map[string]any{
			"variables": map[string]any{
				"trigger": map[string]any{
					"id":          "0",
					"idx":         "0",
					"alias":       nil,
					"platform":    "state",
					"entity_id":   entityID,
					"from_state":  from,
					"to_state":    to,
					"for":         nil,
					"attribute":   nil,
					"description": fmt.Sprintf("state of %s", entityID),
				},
			},
			"context": map[string]any{"id": "01HZX000000000000000000001", "parent_id": nil, "user_id": nil},
		},
	})
}

// SendStateChange pushes a transition between two plain states.
func (ms *MockServer) SendStateChange(id int, entityID, from, to string) error {
	return ms.SendTrigger(id, entityID, StateObject(entityID, from, nil), StateObject(entityID, to, nil))
}

// Frames returns every recorded frame, auth frames included.
func (ms *MockServer) Frames() []Frame {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]Frame(nil), ms.frames...)
}

// FramesOfType returns the recorded frames of one type.
func (ms *MockServer) FramesOfType(typ string) []Frame {
	var out []Frame
	for _, f := range ms.Frames() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// ClearFrames forgets the recorded frames.
func (ms *MockServer) ClearFrames() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.frames = nil
}

// WaitForFrames waits until at least n frames of typ were recorded.
func (ms *MockServer) WaitForFrames(typ string, n int, timeout time.Duration) ([]Frame, error) {
	ms.T.Helper()
	var frames []Frame
	err := WaitFor(ms.T, fmt.Sprintf("%d %s frames", n, typ), timeout, func() bool {
		frames = ms.FramesOfType(typ)
		return len(frames) >= n
	})
	return frames, err
}

// Connections counts accepted sockets.
func (ms *MockServer) Connections() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.connections
}

// Authentications counts successful handshakes.
func (ms *MockServer) Authentications() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.authentications
}

// DropConnection closes the current socket without a close handshake.
func (ms *MockServer) DropConnection() {
	ms.mu.Lock()
	conn, cancel := ms.conn, ms.cancel
	ms.conn, ms.cancel = nil, nil
	ms.mu.Unlock()

	if conn != nil {
		conn.CloseNow()
	}
	if cancel != nil {
		cancel()
	}
}

// Close closes the mock server.
func (ms *MockServer) Close() {
	ms.DropConnection()
	if ms.Server != nil {
		ms.Server.Close()
	}
}
