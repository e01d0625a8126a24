package client

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lightforgemedia/go-hassws/pkg/protocol"
)

// EventFunc receives the decoded state trigger events of one entity.
type EventFunc func(ev *protocol.EventMessage)

// entitySubscription is the wish to receive an entity's state changes. It
// outlives connections; id and token describe the server-side subscription
// on the current connection and are cleared when it closes.
type entitySubscription struct {
	entityID string
	onEvent  EventFunc
	id       int
	token    *Token
}

func (e *entitySubscription) invalidate() {
	e.id = 0
	e.token = nil
}

// Subscribe asks for state trigger events for entityID. Calling it again
// on the same connection replaces onEvent and returns the existing token.
// The wish survives reconnects: the subscription is restored after every
// authentication until Unsubscribe. While not authenticated the returned
// token is already false.
func (c *Client) Subscribe(entityID string, onEvent EventFunc) *Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entities[entityID]
	if !ok {
		e = &entitySubscription{entityID: entityID}
		c.entities[entityID] = e
	}
	e.onEvent = onEvent
	if e.token != nil {
		return e.token
	}
	return c.subscribeLocked(e)
}

func (c *Client) subscribeLocked(e *entitySubscription) *Token {
	tok := newToken()
	accepted := func(ok bool, err error) {
		if !ok {
			c.mu.Lock()
			if e.token == tok {
				e.invalidate()
			}
			c.mu.Unlock()
		}
		tok.complete(ok, err)
	}
	deliver := func(raw json.RawMessage) {
		ev, err := protocol.DecodeEvent(raw)
		if err != nil {
			c.config.logger.Warn(fmt.Sprintf("Client %s: Bad event for %s: %v", c.id, e.entityID, err))
			return
		}
		c.mu.Lock()
		fn := e.onEvent
		c.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
	}

	id, err := c.sendLocked(protocol.NewStateTrigger(e.entityID), accepted, deliver)
	if err != nil {
		tok.complete(false, err)
		return tok
	}
	e.id = id
	e.token = tok
	return tok
}

// Unsubscribe drops the wish for entityID and, when a subscription exists
// on the current connection, sends unsubscribe_events for it. The token is
// false when there was nothing live to unsubscribe.
func (c *Client) Unsubscribe(entityID string) *Token {
	c.mu.Lock()
	e, ok := c.entities[entityID]
	delete(c.entities, entityID)
	if !ok {
		c.mu.Unlock()
		c.config.logger.Warn(fmt.Sprintf("Client %s: No subscription found for entity %s", c.id, entityID))
		return CompletedToken(false)
	}
	if e.id == 0 {
		c.mu.Unlock()
		c.config.logger.Debug(fmt.Sprintf("Client %s: No live subscription for entity %s, forgotten locally", c.id, entityID))
		return CompletedToken(false)
	}

	c.corr.detach(e.id)
	tok := newToken()
	_, err := c.sendLocked(protocol.UnsubscribeEvents{Subscription: e.id}, tok.complete, nil)
	c.mu.Unlock()
	if err != nil {
		tok.complete(false, err)
	}
	return tok
}

// Subscribed reports whether entityID has a subscription request on the
// current connection.
func (c *Client) Subscribed(entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[entityID]
	return ok && e.id != 0
}

// resubscribe restores every wished-for subscription not yet requested on
// connection gen.
func (c *Client) resubscribe(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.authenticated {
		return
	}

	ids := make([]string, 0, len(c.entities))
	for id, e := range c.entities {
		if e.token == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)
	c.config.logger.Info(fmt.Sprintf("Client %s: Re-subscribing to %d entities...", c.id, len(ids)))
	for _, id := range ids {
		c.subscribeLocked(c.entities[id])
	}
}
