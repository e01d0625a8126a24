// Package client maintains an authenticated connection to the Home Assistant
// WebSocket API. It reconnects after every drop, numbers commands per
// connection, routes results and events back to their callers, and replays
// registered on-connect handlers after each authentication.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lightforgemedia/go-hassws/pkg/credentials"
	"github.com/lightforgemedia/go-hassws/pkg/protocol"
)

// ConnectConfig says where credentials come from. Explicit URL and Token
// win, then HA_URL/HA_TOKEN, then Source, then the file at ConfigPath.
type ConnectConfig struct {
	URL        string
	Token      string
	Source     credentials.Source
	ConfigPath string
}

// Client is a Home Assistant WebSocket client.
//
// Callbacks for results and events run on the connection's read goroutine
// and must not block on a Token. On-connect handlers run on their own
// goroutine and may.
type Client struct {
	config clientConfig
	id     string

	// Overall client lifetime context
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	connectCfg    ConnectConfig
	started       bool
	closed        bool
	authenticated bool
	fatal         error
	haVersion     string
	conn          *connection
	gen           uint64
	corr          *correlator
	entities      map[string]*entitySubscription
	scopes        map[string]*Scope
	scopeOrder    []string
	// authWait is closed on auth_ok and replaced when that connection closes.
	authWait chan struct{}

	hb       *heartbeat
	loopDone chan struct{}
	doneOnce sync.Once
}

// connection is one dialled socket and the pumps serving it.
type connection struct {
	ws     *websocket.Conn
	token  string
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	gen    uint64
}

func (conn *connection) enqueue(frame []byte) bool {
	if conn.ctx.Err() != nil {
		return false
	}
	select {
	case conn.send <- frame:
		return true
	default:
		return false
	}
}

// New creates a Client with library defaults and the given options.
// No connection is made until Connect.
func New(opts ...Option) *Client {
	return NewWithOptions(DefaultOptions(), opts...)
}

func newClient(cfg clientConfig, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:   cfg,
		id:       uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		corr:     newCorrelator(),
		entities: make(map[string]*entitySubscription),
		scopes:   make(map[string]*Scope),
		authWait: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hb = newHeartbeat(c.config.heartbeatInterval, c.config.heartbeatTimeout,
		c.sendPing, c.heartbeatExpired, c.config.logger.With("client", c.id))
	return c
}

// ID returns the locally generated identifier used in log lines.
func (c *Client) ID() string {
	return c.id
}

// Connect resolves credentials, starts the connection loop and waits until
// the client is authenticated. It returns immediately when already
// authenticated. Missing credentials and a rejected token are returned as
// ErrMissingCredentials and ErrAuthInvalid. If ctx ends first the loop
// keeps trying in the background.
func (c *Client) Connect(ctx context.Context, cfg ConnectConfig) error {
	c.mu.Lock()
	if err := c.stoppedLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.authenticated {
		c.mu.Unlock()
		return nil
	}
	if !c.started {
		c.mu.Unlock()
		if _, _, err := c.resolve(ctx, cfg); err != nil {
			return err
		}
		c.mu.Lock()
		if err := c.stoppedLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
		if !c.started {
			c.started = true
			c.connectCfg = cfg
			go c.run()
		}
	}
	wait := c.authWait
	c.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-c.loopDone:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Authenticated reports whether commands can currently be sent.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// HAVersion is the server version reported during the last handshake.
func (c *Client) HAVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haVersion
}

// Done is closed once the client stops for good, after Close or a
// rejected token.
func (c *Client) Done() <-chan struct{} {
	return c.loopDone
}

// Err explains why the client stopped. It is nil while running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stoppedLocked()
}

func (c *Client) stoppedLocked() error {
	if c.fatal != nil {
		return c.fatal
	}
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Close drops the connection, runs every scope's cleaners and stops
// reconnecting. It must not be called from a result or event callback.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.config.logger.Info(fmt.Sprintf("Client %s: Initiating close...", c.id))
	c.cancel()
	if !started {
		c.finish()
	}
	<-c.loopDone
	c.config.logger.Info(fmt.Sprintf("Client %s: Close sequence complete.", c.id))
	return nil
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.loopDone) })
}

func (c *Client) resolve(ctx context.Context, cfg ConnectConfig) (string, string, error) {
	creds, err := credentials.Resolve(ctx, credentials.Request{
		URL:        cfg.URL,
		Token:      cfg.Token,
		Source:     cfg.Source,
		ConfigPath: cfg.ConfigPath,
	}, c.config.logger)
	if err != nil {
		return "", "", err
	}
	wsURL, err := protocol.WebSocketURL(creds.URL)
	if err != nil {
		return "", "", err
	}
	return wsURL, creds.Token, nil
}

// run owns the connection lifecycle. There is only ever one run goroutine,
// so at most one retry is pending at a time.
func (c *Client) run() {
	defer c.finish()

	for {
		err := c.connectOnce()
		if errors.Is(err, ErrAuthInvalid) {
			c.mu.Lock()
			c.fatal = err
			c.mu.Unlock()
			c.config.logger.Error(fmt.Sprintf("Client %s: %v. Not reconnecting.", c.id, err))
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.config.logger.Warn(fmt.Sprintf("Client %s: Connection ended: %v", c.id, err))
		}

		c.config.metrics.reconnect()
		c.config.logger.Info(fmt.Sprintf("Client %s: Waiting %v before reconnect attempt...", c.id, c.config.reconnectDelay))
		timer := time.NewTimer(c.config.reconnectDelay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce dials, serves the connection until it ends and runs the
// close sweep.
func (c *Client) connectOnce() error {
	c.mu.Lock()
	cfg := c.connectCfg
	c.mu.Unlock()

	wsURL, token, err := c.resolve(c.ctx, cfg)
	if err != nil {
		return err
	}

	dialCtx, dialCancel := context.WithTimeout(c.ctx, c.config.dialTimeout)
	ws, httpResp, err := websocket.Dial(dialCtx, wsURL, c.config.dialOptions)
	dialCancel()
	if err != nil {
		if httpResp != nil {
			return fmt.Errorf("dial to %s failed (status: %s): %w", wsURL, httpResp.Status, err)
		}
		return fmt.Errorf("dial to %s failed: %w", wsURL, err)
	}
	ws.SetReadLimit(c.config.readLimit)

	connCtx, connCancel := context.WithCancel(c.ctx)
	conn := &connection{
		ws:     ws,
		token:  token,
		send:   make(chan []byte, c.config.sendBuffer),
		ctx:    connCtx,
		cancel: connCancel,
	}
	c.mu.Lock()
	c.gen++
	conn.gen = c.gen
	c.conn = conn
	c.mu.Unlock()
	c.config.logger.Info(fmt.Sprintf("Client %s: Connected to %s", c.id, wsURL))

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		c.writePump(conn)
	}()

	err = c.readPump(conn)
	conn.cancel()
	pumps.Wait()
	c.handleClose(conn)
	ws.CloseNow()
	return err
}

func (c *Client) readPump(conn *connection) error {
	for {
		_, data, err := conn.ws.Read(conn.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("server closed connection: %v", status)
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.config.logger.Warn(fmt.Sprintf("Client %s: Dropping frame: %v", c.id, err))
			continue
		}
		if err := c.dispatch(conn, msg); err != nil {
			return err
		}
	}
}

func (c *Client) writePump(conn *connection) {
	for {
		select {
		case frame := <-conn.send:
			writeCtx, writeCancel := context.WithTimeout(conn.ctx, c.config.writeTimeout)
			err := conn.ws.Write(writeCtx, websocket.MessageText, frame)
			writeCancel()
			if err != nil {
				c.config.logger.Warn(fmt.Sprintf("Client %s: write error in writePump: %v. Connection may be stale.", c.id, err))
				conn.cancel()
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

// dispatch handles one inbound frame. A non-nil error ends the connection.
func (c *Client) dispatch(conn *connection, msg *protocol.Inbound) error {
	switch msg.Type {
	case protocol.TypeAuthRequired:
		c.config.logger.Debug(fmt.Sprintf("Client %s: Server requested auth (Home Assistant %s)", c.id, msg.HAVersion))
		frame, err := protocol.EncodeAuth(conn.token)
		if err != nil {
			return err
		}
		if !conn.enqueue(frame) {
			return errors.New("client: could not queue auth frame")
		}
	case protocol.TypeAuthOK:
		c.onAuthOK(conn, msg.HAVersion)
	case protocol.TypeAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
	case protocol.TypePong:
		c.hb.pong()
	case protocol.TypeResult:
		c.onResult(msg)
	case protocol.TypeEvent:
		c.onEvent(msg)
	default:
		c.config.logger.Warn(fmt.Sprintf("Client %s: Unhandled message type %q", c.id, msg.Type))
	}
	return nil
}

func (c *Client) onAuthOK(conn *connection, version string) {
	c.mu.Lock()
	if c.conn != conn || c.authenticated {
		c.mu.Unlock()
		return
	}
	c.authenticated = true
	c.haVersion = version
	close(c.authWait)
	scopes := c.orderedScopesLocked()
	gen := c.gen
	c.mu.Unlock()

	c.config.logger.Info(fmt.Sprintf("Client %s: Authenticated (Home Assistant %s), replaying %d handlers", c.id, version, len(scopes)))
	c.config.metrics.setConnected(true)

	go c.replay(conn.ctx, scopes, gen)
	c.hb.start()
}

// replay runs every handler registered at authentication time, in
// registration order, then restores entity subscriptions nobody re-requested.
func (c *Client) replay(parent context.Context, scopes []*Scope, gen uint64) {
	for _, s := range scopes {
		if parent.Err() != nil {
			return
		}
		s.execute(parent)
	}
	c.resubscribe(gen)
}

func (c *Client) onResult(msg *protocol.Inbound) {
	c.mu.Lock()
	accepted, result := c.corr.settle(msg.ID)
	c.mu.Unlock()

	var err error
	if !msg.Success {
		code := "unknown"
		if msg.Error != nil {
			err = msg.Error
			code = msg.Error.Code
		}
		c.config.metrics.commandFailed(code)
		c.config.logger.Warn(fmt.Sprintf("Client %s: Command %d failed: %v", c.id, msg.ID, err))
	}

	// The payload is delivered before the token completes, so a caller
	// that waits on the token sees it.
	if result != nil && msg.HasResult() {
		result(msg.Result)
	}
	if accepted != nil {
		accepted(msg.Success, err)
	}
}

func (c *Client) onEvent(msg *protocol.Inbound) {
	c.config.metrics.event()

	c.mu.Lock()
	fn := c.corr.resultFor(msg.ID)
	c.mu.Unlock()

	if fn == nil {
		c.config.logger.Debug(fmt.Sprintf("Client %s: No handler for event id %d", c.id, msg.ID))
		return
	}
	fn(msg.Raw)
}

// handleClose is the close sweep: the pending table and id counter reset,
// in-flight tokens fail, every scope is cleaned newest first.
func (c *Client) handleClose(conn *connection) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.authenticated {
		c.authenticated = false
		c.authWait = make(chan struct{})
	}
	dropped := c.corr.reset()
	for _, e := range c.entities {
		e.invalidate()
	}
	scopes := c.orderedScopesLocked()
	c.mu.Unlock()

	c.hb.stop()
	c.config.metrics.setConnected(false)

	for _, accepted := range dropped {
		accepted(false, ErrConnectionLost)
	}
	for i := len(scopes) - 1; i >= 0; i-- {
		scopes[i].clean()
	}
	c.config.logger.Info(fmt.Sprintf("Client %s: Connection closed (%d commands unanswered)", c.id, len(dropped)))
}

func (c *Client) sendPing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendLocked(protocol.Ping{}, nil, nil)
}

func (c *Client) heartbeatExpired() {
	c.config.metrics.heartbeatTimeout()
	if !c.config.heartbeatReconnect {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.config.logger.Warn(fmt.Sprintf("Client %s: Dropping silent connection", c.id))
		conn.cancel()
	}
}

// sendLocked assigns the next id, records the callbacks and queues the
// frame. Caller holds c.mu.
func (c *Client) sendLocked(cmd protocol.Command, accepted acceptFunc, result ResultFunc) (int, error) {
	if !c.authenticated || c.conn == nil {
		c.config.logger.Debug(fmt.Sprintf("Client %s: Not authenticated, dropping %s", c.id, cmd.CommandType()))
		return 0, ErrNotAuthenticated
	}

	id := c.corr.next()
	frame, err := protocol.Encode(id, cmd)
	if err != nil {
		c.config.logger.Warn(fmt.Sprintf("Client %s: Failed to encode %s: %v", c.id, cmd.CommandType(), err))
		return 0, err
	}
	c.corr.register(id, accepted, result)
	if !c.conn.enqueue(frame) {
		c.corr.forget(id)
		c.config.logger.Warn(fmt.Sprintf("Client %s: Send buffer full, %s dropped", c.id, cmd.CommandType()))
		return 0, ErrSendBufferFull
	}
	c.config.metrics.commandSent(cmd.CommandType())
	return id, nil
}

// Send issues cmd. onResult, if not nil, receives the result payload and
// every event later pushed under the same id, until the connection closes.
func (c *Client) Send(cmd protocol.Command, onResult ResultFunc) *Token {
	tok := newToken()
	c.mu.Lock()
	_, err := c.sendLocked(cmd, tok.complete, onResult)
	c.mu.Unlock()
	if err != nil {
		tok.complete(false, err)
	}
	return tok
}

// CallService invokes domain.service on entityID. data is merged into the
// service data; its keys win over entity_id.
func (c *Client) CallService(domain, service, entityID string, data map[string]any) *Token {
	return c.Send(protocol.NewCallService(domain, service, entityID, data), nil)
}

// GetStates fetches the state of every entity. onStates runs before the
// token completes.
func (c *Client) GetStates(onStates func([]protocol.State)) *Token {
	return c.Send(protocol.GetStates{}, func(raw json.RawMessage) {
		states, err := protocol.DecodeStates(raw)
		if err != nil {
			c.config.logger.Warn(fmt.Sprintf("Client %s: %v", c.id, err))
			return
		}
		if onStates != nil {
			onStates(states)
		}
	})
}

// OnConnect registers handler under name. It runs after every
// authentication, and right away when already authenticated. Registering
// the same name again cleans and replaces the previous handler, keeping its
// position in the replay order.
//
// Called from a result or event callback, an immediate run happens on the
// read goroutine, so the handler must not block on a Token there.
func (c *Client) OnConnect(name string, handler HandlerFunc) {
	if handler == nil {
		return
	}
	s := newScope(name, handler)

	c.mu.Lock()
	old, replaced := c.scopes[name]
	c.scopes[name] = s
	if !replaced {
		c.scopeOrder = append(c.scopeOrder, name)
	}
	var parent context.Context
	if c.authenticated && c.conn != nil {
		parent = c.conn.ctx
	}
	c.mu.Unlock()

	if replaced {
		old.retire()
	}
	if parent != nil {
		s.execute(parent)
	}
}

// RemoveOnConnect unregisters the handler and runs its cleaners.
func (c *Client) RemoveOnConnect(name string) {
	c.mu.Lock()
	s, ok := c.scopes[name]
	if ok {
		delete(c.scopes, name)
		for i, n := range c.scopeOrder {
			if n == name {
				c.scopeOrder = append(c.scopeOrder[:i], c.scopeOrder[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	if ok {
		s.retire()
	}
}

func (c *Client) orderedScopesLocked() []*Scope {
	scopes := make([]*Scope, 0, len(c.scopeOrder))
	for _, name := range c.scopeOrder {
		scopes = append(scopes, c.scopes[name])
	}
	return scopes
}
