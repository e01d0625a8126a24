package client

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-hassws/pkg/credentials"
	"github.com/lightforgemedia/go-hassws/pkg/protocol"
	"github.com/lightforgemedia/go-hassws/pkg/testutil"
)

const testToken = "test-token"

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithLogger(testLogger()),
		WithReconnectDelay(50 * time.Millisecond),
		WithHeartbeat(-1, 0),
	}
	c := New(append(base, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func connectTo(t *testing.T, c *Client, ms *testutil.MockServer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, ConnectConfig{URL: ms.URL, Token: ms.Token}))
}

func waitReauth(t *testing.T, c *Client, ms *testutil.MockServer, n int) {
	t.Helper()
	require.NoError(t, testutil.WaitFor(t, "re-authentication", 5*time.Second, func() bool {
		return ms.Authentications() >= n && c.Authenticated()
	}))
}

func noAnswer(*testutil.MockServer, testutil.Frame) {}

func TestHandshakeAndStateSubscription(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithAutoAck())
	c := newTestClient(t)
	connectTo(t, c, ms)

	frames := ms.Frames()
	require.NotEmpty(t, frames)
	auth := frames[0]
	assert.Equal(t, map[string]any{"type": "auth", "access_token": testToken}, auth.Fields)
	assert.True(t, c.Authenticated())
	assert.Equal(t, "2024.6.0", c.HAVersion())

	events := make(chan *protocol.EventMessage, 1)
	tok := c.Subscribe("light.x", func(ev *protocol.EventMessage) { events <- ev })

	subs, err := ms.WaitForFrames(protocol.TypeSubscribeTrigger, 1, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"type":"subscribe_trigger","trigger":{"platform":"state","entity_id":"light.x"}}`, string(subs[0].Raw))

	ok, err := tok.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, c.Subscribed("light.x"))

	require.NoError(t, ms.SendStateChange(1, "light.x", "off", "on"))
	select {
	case ev := <-events:
		trigger := ev.Trigger()
		assert.Equal(t, "light.x", trigger.EntityID)
		require.NotNil(t, trigger.ToState)
		assert.Equal(t, "on", trigger.ToState.State)
		assert.Equal(t, "off", trigger.FromState.State)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestConnectNoopWhenAuthenticated(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken)
	c := newTestClient(t)
	connectTo(t, c, ms)
	connectTo(t, c, ms)
	assert.Equal(t, 1, ms.Connections())
}

func TestAuthInvalidStopsClient(t *testing.T) {
	ms := testutil.NewMockServer(t, "server-token")
	c := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Connect(ctx, ConnectConfig{URL: ms.URL, Token: "wrong"})
	assert.ErrorIs(t, err, ErrAuthInvalid)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.ErrorIs(t, c.Err(), ErrAuthInvalid)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, ms.Connections(), "no reconnect after auth_invalid")
	assert.ErrorIs(t, c.Connect(ctx, ConnectConfig{URL: ms.URL, Token: "wrong"}), ErrAuthInvalid)
}

func TestConnectMissingCredentials(t *testing.T) {
	t.Setenv(credentials.EnvURL, "")
	t.Setenv(credentials.EnvToken, "")
	ms := testutil.NewMockServer(t, testToken)
	c := newTestClient(t)

	err := c.Connect(context.Background(), ConnectConfig{ConfigPath: filepath.Join(t.TempDir(), "missing.json")})
	assert.ErrorIs(t, err, credentials.ErrMissingCredentials)
	assert.Zero(t, ms.Connections())
}

func TestConnectFromEnvironment(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken)
	t.Setenv(credentials.EnvURL, ms.URL)
	t.Setenv(credentials.EnvToken, testToken)

	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, ConnectConfig{}))
}

func TestSendWhileUnauthenticated(t *testing.T) {
	c := newTestClient(t)

	tok := c.CallService("light", "turn_on", "light.x", nil)
	select {
	case <-tok.Done():
	default:
		t.Fatal("token should be complete")
	}
	assert.False(t, tok.Accepted())
	assert.ErrorIs(t, tok.Err(), ErrNotAuthenticated)
	assert.False(t, c.Subscribe("light.x", nil).Accepted())
	assert.False(t, c.Subscribed("light.x"))
}

func TestIDsRestartAfterReconnect(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithAutoAck())
	c := newTestClient(t)
	connectTo(t, c, ms)

	require.True(t, mustWait(t, c.CallService("light", "turn_on", "light.a", nil)))
	require.True(t, mustWait(t, c.CallService("light", "turn_on", "light.b", nil)))

	ms.DropConnection()
	waitReauth(t, c, ms, 2)

	require.True(t, mustWait(t, c.CallService("light", "turn_off", "light.a", nil)))
	calls := ms.FramesOfType(protocol.TypeCallService)
	require.Len(t, calls, 3)
	assert.Equal(t, []int{1, 2, 1}, []int{calls[0].ID, calls[1].ID, calls[2].ID})

	for _, f := range ms.FramesOfType(protocol.TypeAuth) {
		_, hasID := f.Fields["id"]
		assert.False(t, hasID, "auth frames carry no id")
	}
}

func mustWait(t *testing.T, tok *Token) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := tok.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return ok
}

func TestOutOfOrderResults(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithCommandHandler(noAnswer))
	c := newTestClient(t)
	connectTo(t, c, ms)

	var (
		mu      sync.Mutex
		results = map[int]string{}
	)
	tokens := make([]*Token, 0, 6)
	for i := 1; i <= 6; i++ {
		id := i
		tokens = append(tokens, c.Send(protocol.Raw{"type": "config/get"}, func(p json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			results[id] = string(p)
		}))
	}
	_, err := ms.WaitForFrames("config/get", 6, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, ms.SendResult(6, true, "six"))
	require.NoError(t, ms.SendResult(5, false, nil))

	assert.True(t, mustWait(t, tokens[5]))
	ok, err := tokens[4].Wait(context.Background())
	assert.False(t, ok)
	var cmdErr *protocol.ErrorPayload
	assert.ErrorAs(t, err, &cmdErr)

	for _, tok := range tokens[:4] {
		assert.False(t, tok.Accepted())
		select {
		case <-tok.Done():
			t.Fatal("unanswered command must stay pending")
		default:
		}
	}
	mu.Lock()
	assert.Equal(t, map[int]string{6: `"six"`}, results)
	mu.Unlock()
}

func TestPendingTokensFailOnDrop(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithCommandHandler(noAnswer))
	c := newTestClient(t, WithReconnectDelay(time.Minute))
	connectTo(t, c, ms)

	tok := c.CallService("switch", "toggle", "switch.a", nil)
	_, err := ms.WaitForFrames(protocol.TypeCallService, 1, 2*time.Second)
	require.NoError(t, err)

	ms.DropConnection()
	ok, err := tok.Wait(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.False(t, c.Authenticated())
}

func TestGetStatesDeliversBeforeToken(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithCommandHandler(func(ms *testutil.MockServer, f testutil.Frame) {
		if f.Type == protocol.TypeGetStates {
			ms.SendResult(f.ID, true, []any{
				testutil.StateObject("light.kitchen", "on", map[string]any{"brightness": 255}),
				testutil.StateObject("switch.fan", "off", nil),
			})
		}
	}))
	c := newTestClient(t)
	connectTo(t, c, ms)

	var states []protocol.State
	require.True(t, mustWait(t, c.GetStates(func(s []protocol.State) { states = s })))
	require.Len(t, states, 2)
	assert.Equal(t, "light.kitchen", states[0].EntityID)
	assert.Equal(t, "off", states[1].State)
}

func TestOnConnectReplay(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithAutoAck())
	c := newTestClient(t)

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), events...)
	}
	handler := func(name string) HandlerFunc {
		return func(ctx context.Context, s *Session) Disposer {
			record("run " + name)
			s.OnEnd(func() { record("end " + name) })
			return func() { record("dispose " + name) }
		}
	}

	c.OnConnect("a", handler("a"))
	c.OnConnect("b", handler("b"))
	connectTo(t, c, ms)
	require.NoError(t, testutil.WaitFor(t, "replay", 2*time.Second, func() bool { return len(snapshot()) == 2 }))
	assert.Equal(t, []string{"run a", "run b"}, snapshot())

	ms.DropConnection()
	waitReauth(t, c, ms, 2)
	require.NoError(t, testutil.WaitFor(t, "second replay", 2*time.Second, func() bool { return len(snapshot()) == 8 }))
	assert.Equal(t, []string{
		"run a", "run b",
		"dispose b", "end b", "dispose a", "end a",
		"run a", "run b",
	}, snapshot())
}

func TestOnConnectWhileAuthenticated(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken)
	c := newTestClient(t)
	connectTo(t, c, ms)

	runs := map[string]int{}
	var cleaned []string
	c.OnConnect("h", func(ctx context.Context, s *Session) Disposer {
		runs["first"]++
		return func() { cleaned = append(cleaned, "first") }
	})
	assert.Equal(t, 1, runs["first"], "runs immediately when authenticated")

	c.OnConnect("h", func(ctx context.Context, s *Session) Disposer {
		runs["second"]++
		return nil
	})
	assert.Equal(t, []string{"first"}, cleaned, "replacing a handler cleans the old one first")
	assert.Equal(t, 1, runs["second"])

	c.RemoveOnConnect("h")
	c.RemoveOnConnect("unknown")
	ms.DropConnection()
	waitReauth(t, c, ms, 2)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runs["second"], "removed handlers are not replayed")
	assert.Equal(t, 1, runs["first"])
}

func TestHandlerMayWaitOnToken(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithAutoAck())
	c := newTestClient(t)

	accepted := make(chan bool, 1)
	c.OnConnect("waits", func(ctx context.Context, s *Session) Disposer {
		ok, _ := c.CallService("scene", "turn_on", "scene.evening", nil).Wait(ctx)
		accepted <- ok
		return nil
	})
	connectTo(t, c, ms)

	select {
	case ok := <-accepted:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked on its own acknowledgement")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithAutoAck())
	c := newTestClient(t)
	connectTo(t, c, ms)

	first := c.Subscribe("switch.a", nil)
	second := c.Subscribe("switch.a", nil)
	assert.Same(t, first, second)
	assert.True(t, mustWait(t, first))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ms.FramesOfType(protocol.TypeSubscribeTrigger), 1)
}

func TestSubscriptionRestoredAfterReconnect(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithAutoAck())
	c := newTestClient(t)
	connectTo(t, c, ms)

	events := make(chan string, 4)
	require.True(t, mustWait(t, c.Subscribe("light.x", func(ev *protocol.EventMessage) {
		events <- ev.Trigger().ToState.State
	})))

	ms.DropConnection()
	waitReauth(t, c, ms, 2)

	subs, err := ms.WaitForFrames(protocol.TypeSubscribeTrigger, 2, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, subs[1].ID, "restored subscription uses the fresh id space")
	require.NoError(t, testutil.WaitFor(t, "subscribed", 2*time.Second, func() bool { return c.Subscribed("light.x") }))

	require.NoError(t, ms.SendStateChange(1, "light.x", "on", "off"))
	select {
	case s := <-events:
		assert.Equal(t, "off", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no event after reconnect")
	}

	// Unsubscribing now targets the new id
	require.True(t, mustWait(t, c.Unsubscribe("light.x")))
	unsubs := ms.FramesOfType(protocol.TypeUnsubscribeEvents)
	require.Len(t, unsubs, 1)
	assert.Equal(t, 1, unsubs[0].Int("subscription"))
}

func TestUnsubscribeAfterDropIsLocal(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithAutoAck())
	c := newTestClient(t, WithReconnectDelay(time.Minute))
	connectTo(t, c, ms)

	require.True(t, mustWait(t, c.Subscribe("light.x", nil)))
	ms.DropConnection()
	require.NoError(t, testutil.WaitFor(t, "disconnect", 2*time.Second, func() bool { return !c.Authenticated() }))

	assert.False(t, c.Unsubscribe("light.x").Accepted())
	assert.False(t, c.Unsubscribe("light.never").Accepted())
	assert.Empty(t, ms.FramesOfType(protocol.TypeUnsubscribeEvents))
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken, testutil.WithAutoAck())
	c := newTestClient(t)
	connectTo(t, c, ms)

	events := make(chan struct{}, 4)
	require.True(t, mustWait(t, c.Subscribe("light.x", func(*protocol.EventMessage) { events <- struct{}{} })))
	require.True(t, mustWait(t, c.Unsubscribe("light.x")))

	require.NoError(t, ms.SendStateChange(1, "light.x", "off", "on"))
	select {
	case <-events:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(150 * time.Millisecond):
	}
	assert.False(t, c.Subscribed("light.x"))
}

func TestHeartbeatAnsweredByPong(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	ms := testutil.NewMockServer(t, testToken)
	c := newTestClient(t, WithHeartbeat(20*time.Millisecond, 60*time.Millisecond), WithMetrics(m))
	connectTo(t, c, ms)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, promtest.ToFloat64(m.HeartbeatTimeouts))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Connected))
	assert.Equal(t, 1, ms.Connections())
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	ms := testutil.NewMockServer(t, testToken, testutil.WithoutAutoPong())
	c := newTestClient(t,
		WithHeartbeat(20*time.Millisecond, 60*time.Millisecond),
		WithHeartbeatReconnect(true),
		WithMetrics(m))
	connectTo(t, c, ms)

	pings, err := ms.WaitForFrames(protocol.TypePing, 1, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, pings[0].ID, "pings take ids from the command counter")

	require.NoError(t, testutil.WaitFor(t, "reconnect", 3*time.Second, func() bool { return ms.Authentications() >= 2 }))
	assert.GreaterOrEqual(t, promtest.ToFloat64(m.HeartbeatTimeouts), float64(1))
	assert.GreaterOrEqual(t, promtest.ToFloat64(m.Reconnects), float64(1))
}

func TestHeartbeatTimeoutOnlyWarnsByDefault(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	ms := testutil.NewMockServer(t, testToken, testutil.WithoutAutoPong())
	c := newTestClient(t, WithHeartbeat(20*time.Millisecond, 40*time.Millisecond), WithMetrics(m))
	connectTo(t, c, ms)

	require.NoError(t, testutil.WaitFor(t, "timeout", 2*time.Second, func() bool {
		return promtest.ToFloat64(m.HeartbeatTimeouts) >= 1
	}))
	assert.Equal(t, 1, ms.Connections())
	assert.True(t, c.Authenticated())
}

func TestCloseRunsCleanersAndStops(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken)
	c := newTestClient(t)

	started := make(chan struct{})
	ended := make(chan struct{})
	c.OnConnect("h", func(ctx context.Context, s *Session) Disposer {
		close(started)
		return func() { close(ended) }
	})
	connectTo(t, c, ms)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClosed)
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("cleaners did not run on close")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
	assert.ErrorIs(t, c.Connect(context.Background(), ConnectConfig{URL: ms.URL, Token: testToken}), ErrClosed)
	assert.False(t, c.Authenticated())
}

func TestCloseWithoutConnect(t *testing.T) {
	c := New(WithLogger(testLogger()))
	require.NoError(t, c.Close())
	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrClosed)
}

func TestRemoveOnConnectWhileHandlerWaits(t *testing.T) {
	ms := testutil.NewMockServer(t, testToken)
	c := newTestClient(t)

	cleaned := make(chan string, 2)
	returned := make(chan struct{})
	c.OnConnect("h", func(ctx context.Context, s *Session) Disposer {
		defer close(returned)
		c.CallService("scene", "turn_on", "scene.late", nil).Wait(ctx)
		s.OnEnd(func() { cleaned <- "cleaner" })
		return func() { cleaned <- "disposer" }
	})
	connectTo(t, c, ms)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, testutil.WaitForWithContext(ctx, t, "call_service sent", func() bool {
		return len(ms.FramesOfType(protocol.TypeCallService)) == 1
	}))

	c.RemoveOnConnect("h")
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("handler still waiting after removal")
	}
	for _, want := range []string{"cleaner", "disposer"} {
		select {
		case got := <-cleaned:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("%s of a removed handler never ran", want)
		}
	}
}
