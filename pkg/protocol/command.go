package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command is the body of an outbound frame. Encode adds the id and type.
type Command interface {
	CommandType() string
}

// CallService invokes a service on an entity.
type CallService struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
}

func (CallService) CommandType() string { return TypeCallService }

// NewCallService builds a call_service body. data is merged over entity_id.
func NewCallService(domain, service, entityID string, data map[string]any) CallService {
	serviceData := map[string]any{"entity_id": entityID}
	for k, v := range data {
		serviceData[k] = v
	}
	return CallService{Domain: domain, Service: service, ServiceData: serviceData}
}

// Trigger selects what a subscribe_trigger command listens to.
type Trigger struct {
	Platform string `json:"platform"`
	EntityID string `json:"entity_id"`
}

// SubscribeTrigger asks the server to push events whenever the trigger fires.
type SubscribeTrigger struct {
	Trigger Trigger `json:"trigger"`
}

func (SubscribeTrigger) CommandType() string { return TypeSubscribeTrigger }

// NewStateTrigger builds a subscription to state changes of one entity.
func NewStateTrigger(entityID string) SubscribeTrigger {
	return SubscribeTrigger{Trigger: Trigger{Platform: PlatformState, EntityID: entityID}}
}

// UnsubscribeEvents cancels the subscription created by the command with the given id.
type UnsubscribeEvents struct {
	Subscription int `json:"subscription"`
}

func (UnsubscribeEvents) CommandType() string { return TypeUnsubscribeEvents }

// Ping is the application level heartbeat.
type Ping struct{}

func (Ping) CommandType() string { return TypePing }

// GetStates requests a snapshot of every entity state.
type GetStates struct{}

func (GetStates) CommandType() string { return TypeGetStates }

// Raw is a free-form command; it must carry a "type" key.
type Raw map[string]any

func (r Raw) CommandType() string {
	t, _ := r["type"].(string)
	return t
}

// Encode serializes {id, type, ...body}. An id of zero is omitted.
func Encode(id int, cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("protocol: nil command")
	}
	typ := cmd.CommandType()
	if typ == "" {
		return nil, errors.New("protocol: command has no type")
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s: %w", typ, err)
	}
	fields := map[string]json.RawMessage{}
	if string(body) != "null" {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("protocol: %s body is not an object: %w", typ, err)
		}
	}
	fields["type"], _ = json.Marshal(typ)
	if id > 0 {
		fields["id"], _ = json.Marshal(id)
	} else {
		delete(fields, "id")
	}
	return json.Marshal(fields)
}

// EncodeAuth serializes the auth frame. It carries no id.
func EncodeAuth(token string) ([]byte, error) {
	return json.Marshal(struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}{TypeAuth, token})
}
