package device

import (
	"context"

	"github.com/lightforgemedia/go-hassws/pkg/client"
)

// Switchable is a device with turn_on, turn_off and toggle services.
type Switchable struct {
	*Device
}

func newSwitchable(cmd Commander, domain, id, name string, opts ...Option) Switchable {
	return Switchable{Device: New(cmd, domain, id, name, opts...)}
}

// IsOn reports whether the last known status is on.
func (s Switchable) IsOn() bool {
	return s.State().Status == StatusOn
}

func (s Switchable) call(service string, data map[string]any) *client.Token {
	return s.cmd.CallService(s.domain, service, s.id, data)
}

// TurnOff switches the entity off.
func (s Switchable) TurnOff() *client.Token {
	return s.call("turn_off", nil)
}

// OnTurnOn registers fn for off to on transitions. Remove it with
// RemoveOnStateChange.
func (s Switchable) OnTurnOn(ctx context.Context, fn func(StateChange)) ListenerID {
	return s.onTransition(ctx, StatusOff, StatusOn, fn)
}

// OnTurnOff registers fn for on to off transitions.
func (s Switchable) OnTurnOff(ctx context.Context, fn func(StateChange)) ListenerID {
	return s.onTransition(ctx, StatusOn, StatusOff, fn)
}

func (s Switchable) onTransition(ctx context.Context, from, to string, fn func(StateChange)) ListenerID {
	return s.addListener(ctx, func(c StateChange) {
		if c.Old.Status == from && c.New.Status == to {
			fn(c)
		}
	})
}
