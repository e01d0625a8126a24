// protocol/message.go
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message kinds.
const (
	TypeAuthRequired = "auth_required"
	TypeAuthOK       = "auth_ok"
	TypeAuthInvalid  = "auth_invalid"
	TypeResult       = "result"
	TypeEvent        = "event"
	TypePong         = "pong"
)

// Outbound message kinds.
const (
	TypeAuth              = "auth"
	TypeCallService       = "call_service"
	TypeSubscribeTrigger  = "subscribe_trigger"
	TypeUnsubscribeEvents = "unsubscribe_events"
	TypePing              = "ping"
	TypeGetStates         = "get_states"
)

// PlatformState is the trigger platform that fires on entity state changes.
const PlatformState = "state"

// ErrorPayload is the error object attached to an unsuccessful result.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Inbound is the superset of every frame the server sends. Only the fields
// relevant to Type are populated.
type Inbound struct {
	ID        int             `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   bool            `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Message   string          `json:"message,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`

	// Raw holds the complete frame as received.
	Raw json.RawMessage `json:"-"`
}

// HasResult reports whether the result frame carried a non-null payload.
func (m *Inbound) HasResult() bool {
	return len(m.Result) > 0 && string(m.Result) != "null"
}

// Decode parses a single text frame.
func Decode(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: failed to decode frame: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("protocol: frame has no type")
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return &msg, nil
}

// State is one entity state object as reported by the server.
type State struct {
	EntityID     string          `json:"entity_id"`
	State        string          `json:"state"`
	Attributes   json.RawMessage `json:"attributes,omitempty"`
	LastChanged  string          `json:"last_changed,omitempty"`
	LastReported string          `json:"last_reported,omitempty"`
	LastUpdated  string          `json:"last_updated,omitempty"`
}

// DecodeAttributes unmarshals the attribute object into v.
func (s *State) DecodeAttributes(v any) error {
	if len(s.Attributes) == 0 || string(s.Attributes) == "null" {
		return nil
	}
	return json.Unmarshal(s.Attributes, v)
}

// TriggerVariables is the trigger section of a subscribe_trigger event.
type TriggerVariables struct {
	Platform    string `json:"platform"`
	EntityID    string `json:"entity_id"`
	FromState   *State `json:"from_state"`
	ToState     *State `json:"to_state"`
	Description string `json:"description,omitempty"`
}

// EventContext identifies the origin of an event.
type EventContext struct {
	ID       string `json:"id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// EventMessage is a decoded trigger event frame.
type EventMessage struct {
	ID    int    `json:"id"`
	Type  string `json:"type"`
	Event struct {
		Variables struct {
			Trigger TriggerVariables `json:"trigger"`
		} `json:"variables"`
		Context EventContext `json:"context"`
	} `json:"event"`
}

// Trigger returns the state trigger carried by the event.
func (e *EventMessage) Trigger() TriggerVariables {
	return e.Event.Variables.Trigger
}

// DecodeEvent parses the full frame of a trigger event.
func DecodeEvent(data []byte) (*EventMessage, error) {
	var ev EventMessage
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("protocol: failed to decode event: %w", err)
	}
	return &ev, nil
}

// DecodeStates parses the result payload of get_states.
func DecodeStates(data []byte) ([]State, error) {
	var states []State
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("protocol: failed to decode states: %w", err)
	}
	return states, nil
}
