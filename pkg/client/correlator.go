package client

import "encoding/json"

// ResultFunc receives a command's result payload, and for subscriptions the
// full frame of every event pushed under the same id.
type ResultFunc func(payload json.RawMessage)

type acceptFunc func(ok bool, err error)

type pendingCommand struct {
	accepted acceptFunc
	result   ResultFunc
}

// correlator numbers outbound commands and remembers their callbacks.
// Ids start at 1 and restart after every reset. Not safe for concurrent
// use; the Client guards it with its mutex.
type correlator struct {
	lastID  int
	pending map[int]*pendingCommand
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[int]*pendingCommand)}
}

func (c *correlator) next() int {
	c.lastID++
	return c.lastID
}

func (c *correlator) register(id int, accepted acceptFunc, result ResultFunc) {
	if accepted == nil && result == nil {
		return
	}
	c.pending[id] = &pendingCommand{accepted: accepted, result: result}
}

// settle hands back the acceptance callback at most once, plus the result
// callback which stays registered for later events.
func (c *correlator) settle(id int) (acceptFunc, ResultFunc) {
	p, ok := c.pending[id]
	if !ok {
		return nil, nil
	}
	accepted := p.accepted
	p.accepted = nil
	if p.result == nil {
		delete(c.pending, id)
	}
	return accepted, p.result
}

func (c *correlator) resultFor(id int) ResultFunc {
	if p, ok := c.pending[id]; ok {
		return p.result
	}
	return nil
}

func (c *correlator) forget(id int) {
	delete(c.pending, id)
}

// detach stops routing results and events for id but keeps a pending
// acknowledgement.
func (c *correlator) detach(id int) {
	p, ok := c.pending[id]
	if !ok {
		return
	}
	p.result = nil
	if p.accepted == nil {
		delete(c.pending, id)
	}
}

// reset restarts numbering and returns the acceptance callbacks that will
// now never be answered.
func (c *correlator) reset() []acceptFunc {
	var dropped []acceptFunc
	for id := 1; id <= c.lastID; id++ {
		if p, ok := c.pending[id]; ok && p.accepted != nil {
			dropped = append(dropped, p.accepted)
		}
	}
	c.lastID = 0
	c.pending = make(map[int]*pendingCommand)
	return dropped
}

func (c *correlator) size() int {
	return len(c.pending)
}
