package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-hassws/pkg/client"
	"github.com/lightforgemedia/go-hassws/pkg/device"
	"github.com/lightforgemedia/go-hassws/pkg/protocol"
)

type published struct {
	Subject string
	Data    []byte
}

type fakeConn struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]nats.MsgHandler
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string]nats.MsgHandler{}}
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{subject, data})
	return nil
}

func (f *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = cb
	return nil, nil
}

func (f *fakeConn) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

// fakeHA is a device.Commander and Caller pushing events by hand.
type fakeHA struct {
	mu       sync.Mutex
	handlers map[string]client.EventFunc
	calls    []string
	accept   bool
}

func (f *fakeHA) CallService(domain, service, entityID string, data map[string]any) *client.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, domain+"/"+service+"/"+entityID)
	return client.CompletedToken(f.accept)
}

func (f *fakeHA) Subscribe(entityID string, onEvent client.EventFunc) *client.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[entityID] = onEvent
	return client.CompletedToken(true)
}

func (f *fakeHA) Unsubscribe(entityID string) *client.Token {
	return client.CompletedToken(true)
}

func (f *fakeHA) GetStates(onStates func([]protocol.State)) *client.Token {
	return client.CompletedToken(true)
}

func (f *fakeHA) push(entityID, from, to string) {
	f.mu.Lock()
	h := f.handlers[entityID]
	f.mu.Unlock()
	ev := &protocol.EventMessage{}
	ev.Event.Variables.Trigger = protocol.TriggerVariables{
		EntityID:  entityID,
		FromState: &protocol.State{EntityID: entityID, State: from},
		ToState:   &protocol.State{EntityID: entityID, State: to, Attributes: json.RawMessage(`{"brightness":10}`)},
	}
	h(ev)
}

func TestMirrorPublishesStateChanges(t *testing.T) {
	ha := &fakeHA{handlers: map[string]client.EventFunc{}}
	conn := newFakeConn()
	reg := device.NewRegistry(ha)
	defer reg.Close()
	reg.Add(device.NewLight(ha, "light.kitchen", "Kitchen"))

	m := NewMirror(conn, WithPrefix("home.state."))
	assert.Equal(t, "home.state.light.kitchen", m.Subject("light.kitchen"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, reg, "light.kitchen") }()

	require.Eventually(t, func() bool { return reg.Watchers() == 1 }, 2*time.Second, 10*time.Millisecond)
	ha.push("light.kitchen", "off", "on")

	require.Eventually(t, func() bool { return len(conn.published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := conn.published()[0]
	assert.Equal(t, "home.state.light.kitchen", msg.Subject)

	var payload StateMessage
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "light.kitchen", payload.EntityID)
	assert.Equal(t, "on", payload.State)
	assert.Equal(t, "off", payload.OldState)
	assert.JSONEq(t, `{"brightness":10}`, string(payload.Attributes))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestMirrorRunUnknownEntity(t *testing.T) {
	ha := &fakeHA{handlers: map[string]client.EventFunc{}}
	reg := device.NewRegistry(ha)
	defer reg.Close()

	m := NewMirror(newFakeConn())
	assert.ErrorIs(t, m.Run(context.Background(), reg, "light.nowhere"), device.ErrUnknownEntity)
	assert.Error(t, m.Run(context.Background(), reg))
}

func TestServeCommands(t *testing.T) {
	ha := &fakeHA{handlers: map[string]client.EventFunc{}, accept: true}
	conn := newFakeConn()
	m := NewMirror(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.ServeCommands(ctx, ha))

	handler := conn.handlers["ha.state.call.>"]
	require.NotNil(t, handler)

	handler(&nats.Msg{Subject: "ha.state.call.light.kitchen", Reply: "_INBOX.1", Data: []byte(`{"service":"turn_on","data":{"brightness":50}}`)})
	handler(&nats.Msg{Subject: "ha.state.call.nodomain", Reply: "_INBOX.2", Data: []byte(`{"service":"turn_on"}`)})
	handler(&nats.Msg{Subject: "ha.state.call.switch.fan", Reply: "_INBOX.3", Data: []byte(`{}`)})
	handler(&nats.Msg{Subject: "ha.state.call.switch.fan", Data: []byte(`{"service":"toggle"}`)})

	assert.Equal(t, []string{"light/turn_on/light.kitchen", "switch/toggle/switch.fan"}, ha.calls)

	replies := map[string]CallReply{}
	for _, p := range conn.published() {
		var r CallReply
		require.NoError(t, json.Unmarshal(p.Data, &r))
		replies[p.Subject] = r
	}
	assert.Len(t, replies, 3, "requests without a reply subject get no answer")
	assert.True(t, replies["_INBOX.1"].Accepted)
	assert.False(t, replies["_INBOX.2"].Accepted)
	assert.Contains(t, replies["_INBOX.2"].Error, "invalid entity id")
	assert.Equal(t, "missing service", replies["_INBOX.3"].Error)
}
