package device

import "github.com/lightforgemedia/go-hassws/pkg/client"

// DomainSwitch is the service domain of switches.
const DomainSwitch = "switch"

// Switch is an on/off entity of the switch domain.
type Switch struct {
	Switchable
}

// NewSwitch creates a switch.
func NewSwitch(cmd Commander, id, name string, opts ...Option) *Switch {
	return &Switch{Switchable: newSwitchable(cmd, DomainSwitch, id, name, opts...)}
}

// TurnOn switches the entity on.
func (s *Switch) TurnOn() *client.Token {
	return s.call("turn_on", nil)
}

// Toggle flips the entity.
func (s *Switch) Toggle() *client.Token {
	return s.call("toggle", nil)
}
