package device

import (
	"log/slog"
	"os"
	"sync"

	"github.com/lightforgemedia/go-hassws/pkg/client"
	"github.com/lightforgemedia/go-hassws/pkg/protocol"
)

type serviceCall struct {
	Domain   string
	Service  string
	EntityID string
	Data     map[string]any
}

// fakeCommander records calls and lets tests push events.
type fakeCommander struct {
	mu           sync.Mutex
	calls        []serviceCall
	subscribes   []string
	unsubscribes []string
	handlers     map[string]client.EventFunc
	states       []protocol.State
	refuse       bool
	rejectSubs   bool
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{handlers: map[string]client.EventFunc{}}
}

func (f *fakeCommander) CallService(domain, service, entityID string, data map[string]any) *client.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, serviceCall{domain, service, entityID, data})
	return client.CompletedToken(true)
}

func (f *fakeCommander) Subscribe(entityID string, onEvent client.EventFunc) *client.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, entityID)
	f.handlers[entityID] = onEvent
	return client.CompletedToken(!f.rejectSubs)
}

func (f *fakeCommander) Unsubscribe(entityID string) *client.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, entityID)
	delete(f.handlers, entityID)
	return client.CompletedToken(true)
}

func (f *fakeCommander) GetStates(onStates func([]protocol.State)) *client.Token {
	f.mu.Lock()
	states, refuse := f.states, f.refuse
	f.mu.Unlock()
	if refuse {
		return client.CompletedToken(false)
	}
	onStates(states)
	return client.CompletedToken(true)
}

func (f *fakeCommander) lastCall() serviceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeCommander) counts() (subs, unsubs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes), len(f.unsubscribes)
}

// push delivers a state trigger event to the subscribed handler.
func (f *fakeCommander) push(entityID, from, to string, toAttrs string) bool {
	f.mu.Lock()
	h := f.handlers[entityID]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	ev := &protocol.EventMessage{ID: 1, Type: protocol.TypeEvent}
	ev.Event.Variables.Trigger = protocol.TriggerVariables{
		Platform:  protocol.PlatformState,
		EntityID:  entityID,
		FromState: &protocol.State{EntityID: entityID, State: from, LastChanged: "2024-01-01T12:00:00.123456+00:00"},
		ToState: &protocol.State{
			EntityID:    entityID,
			State:       to,
			Attributes:  []byte(toAttrs),
			LastChanged: "2024-01-01T12:00:01.654321+00:00",
			LastUpdated: "not a date",
		},
	}
	h(ev)
	return true
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
