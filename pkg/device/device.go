// Package device models Home Assistant entities on top of a client
// connection. Each device keeps a set of state listeners and holds one
// server subscription for as long as the set is non-empty.
package device

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-hassws/pkg/client"
	"github.com/lightforgemedia/go-hassws/pkg/protocol"
)

// Commander is the part of *client.Client a device uses.
type Commander interface {
	CallService(domain, service, entityID string, data map[string]any) *client.Token
	Subscribe(entityID string, onEvent client.EventFunc) *client.Token
	Unsubscribe(entityID string) *client.Token
}

// Statuses reported by switchable entities.
const (
	StatusOn          = "on"
	StatusOff         = "off"
	StatusUnknown     = "unknown"
	StatusUnavailable = "unavailable"
)

// State is the last known state of an entity.
type State struct {
	Status       string
	Attributes   json.RawMessage
	LastChanged  time.Time
	LastReported time.Time
	LastUpdated  time.Time
}

// DecodeAttributes unmarshals the attribute object into v.
func (s State) DecodeAttributes(v any) error {
	if len(s.Attributes) == 0 || string(s.Attributes) == "null" {
		return nil
	}
	return json.Unmarshal(s.Attributes, v)
}

// StateFrom converts a server state object. A nil object, as sent for a
// removed entity, maps to StatusUnknown.
func StateFrom(s *protocol.State) State {
	if s == nil {
		return State{Status: StatusUnknown}
	}
	return State{
		Status:       s.State,
		Attributes:   s.Attributes,
		LastChanged:  parseTimestamp(s.LastChanged),
		LastReported: parseTimestamp(s.LastReported),
		LastUpdated:  parseTimestamp(s.LastUpdated),
	}
}

// parseTimestamp reads the server's ISO-8601 timestamps, which carry
// microseconds. Anything unparsable is the zero time.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// StateChange is delivered to listeners on every state trigger event.
type StateChange struct {
	EntityID string
	New      State
	Old      State
}

// ListenerID identifies one registered listener.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn func(StateChange)
}

// Device is any entity. Switch and Light build on it.
type Device struct {
	id     string
	name   string
	domain string
	cmd    Commander
	logger *slog.Logger

	// subMu orders Subscribe/Unsubscribe calls with listener set changes.
	subMu sync.Mutex

	mu         sync.Mutex
	state      State
	listeners  []listener
	lastID     ListenerID
	subscribed bool

	// subRejected marks a failed subscribe of attempt subAttempt.
	subRejected bool
	subAttempt  uint64
}

// Option configures a Device
type Option func(*Device)

// WithLogger sets the logger for the device
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a device of any domain, e.g. "sensor".
func New(cmd Commander, domain, id, name string, opts ...Option) *Device {
	d := &Device{
		id:     id,
		name:   name,
		domain: domain,
		cmd:    cmd,
		logger: slog.Default(),
		state:  State{Status: StatusUnknown},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ID returns the entity id, e.g. "light.kitchen".
func (d *Device) ID() string { return d.id }

// Name returns the display name.
func (d *Device) Name() string { return d.name }

// Domain returns the service domain, e.g. "light".
func (d *Device) Domain() string { return d.domain }

// State returns the last known state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetState replaces the state without notifying listeners.
func (d *Device) SetState(s protocol.State) {
	st := StateFrom(&s)
	d.mu.Lock()
	d.state = st
	d.mu.Unlock()
}

// OnStateChange registers fn for every state change. When ctx carries a
// client scope, fn is removed again when that scope is cleaned.
func (d *Device) OnStateChange(ctx context.Context, fn func(StateChange)) ListenerID {
	return d.addListener(ctx, fn)
}

func (d *Device) addListener(ctx context.Context, fn func(StateChange)) ListenerID {
	scope := client.ScopeFromContext(ctx)
	if scope != nil && ctx.Err() != nil {
		d.logger.Debug("Scope already ended, listener not added", "entity", d.id)
		return 0
	}

	id := d.register(fn)
	if scope != nil {
		scope.AddCleaner(func() { d.RemoveOnStateChange(id) })
	}
	return id
}

// register adds fn and subscribes when it is the first listener or the
// last subscription attempt was rejected.
func (d *Device) register(fn func(StateChange)) ListenerID {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.mu.Lock()
	d.lastID++
	id := d.lastID
	d.listeners = append(d.listeners, listener{id: id, fn: fn})
	subscribe := !d.subscribed || d.subRejected
	d.subscribed = true
	d.subRejected = false
	if subscribe {
		d.subAttempt++
	}
	attempt := d.subAttempt
	d.mu.Unlock()

	if subscribe {
		d.logger.Debug("Subscribing to state changes", "entity", d.id)
		go d.checkSubscription(d.cmd.Subscribe(d.id, d.handleEvent), attempt)
	}
	return id
}

func (d *Device) checkSubscription(tok *client.Token, attempt uint64) {
	<-tok.Done()
	if tok.Accepted() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subAttempt == attempt && d.subscribed {
		d.subRejected = true
		d.logger.Debug("State subscription not accepted, retrying with the next listener", "entity", d.id)
	}
}

// RemoveOnStateChange unregisters a listener. Removing the last one drops
// the server subscription. Unknown ids are ignored.
func (d *Device) RemoveOnStateChange(id ListenerID) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.mu.Lock()
	removed := false
	for i, l := range d.listeners {
		if l.id == id {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			removed = true
			break
		}
	}
	unsubscribe := removed && d.subscribed && len(d.listeners) == 0
	if unsubscribe {
		d.subscribed = false
	}
	d.mu.Unlock()

	if unsubscribe {
		d.logger.Debug("Unsubscribing from state changes", "entity", d.id)
		d.cmd.Unsubscribe(d.id)
	}
}

// Listeners counts the registered listeners.
func (d *Device) Listeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

func (d *Device) handleEvent(ev *protocol.EventMessage) {
	trigger := ev.Trigger()
	change := StateChange{
		EntityID: d.id,
		New:      StateFrom(trigger.ToState),
		Old:      StateFrom(trigger.FromState),
	}

	d.mu.Lock()
	d.state = change.New
	listeners := append([]listener(nil), d.listeners...)
	d.mu.Unlock()

	for _, l := range listeners {
		l.fn(change)
	}
}
