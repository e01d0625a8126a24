// Package bridge mirrors device state changes onto NATS subjects and
// accepts service calls from NATS.
//
// State changes are published as JSON to <prefix>.<entity_id>, for
// example ha.state.light.kitchen. Requests on <prefix>.call.<entity_id>
// carrying {"service": "turn_on", "data": {...}} invoke the service on
// that entity and are answered with {"accepted": bool}.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lightforgemedia/go-hassws/pkg/client"
	"github.com/lightforgemedia/go-hassws/pkg/device"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "ha.state"

// Conn is the part of *nats.Conn the mirror uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Caller invokes services; *client.Client implements it.
type Caller interface {
	CallService(domain, service, entityID string, data map[string]any) *client.Token
}

// Options contains configuration options for the NATS connection.
type Options struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// ConnectionOptions are additional options for the NATS connection.
	ConnectionOptions []nats.Option
}

// Dial connects to NATS.
func Dial(opts Options) (*nats.Conn, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	nopts := append([]nats.Option{nats.Name("hassws-bridge")}, opts.ConnectionOptions...)
	conn, err := nats.Connect(opts.URL, nopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// StateMessage is the payload published for each state change.
type StateMessage struct {
	EntityID    string          `json:"entity_id"`
	State       string          `json:"state"`
	OldState    string          `json:"old_state"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
	LastChanged time.Time       `json:"last_changed"`
}

// CallRequest is the payload of a service call request.
type CallRequest struct {
	Service string         `json:"service"`
	Data    map[string]any `json:"data,omitempty"`
}

// CallReply answers a service call request.
type CallReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Option configures a Mirror
type Option func(*Mirror)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(m *Mirror) {
		if prefix = strings.Trim(prefix, "."); prefix != "" {
			m.prefix = prefix
		}
	}
}

// WithLogger sets the logger for the mirror
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCallTimeout bounds how long a call request waits for the server.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Mirror) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

// Mirror connects a device registry to NATS.
type Mirror struct {
	conn        Conn
	prefix      string
	logger      *slog.Logger
	callTimeout time.Duration
}

// NewMirror creates a mirror publishing on conn.
func NewMirror(conn Conn, opts ...Option) *Mirror {
	m := &Mirror{
		conn:        conn,
		prefix:      DefaultPrefix,
		logger:      slog.Default(),
		callTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subject returns the state subject of an entity.
func (m *Mirror) Subject(entityID string) string {
	return m.prefix + "." + entityID
}

func (m *Mirror) callPrefix() string {
	return m.prefix + ".call."
}

// Publish sends one state change.
func (m *Mirror) Publish(change device.StateChange) error {
	data, err := json.Marshal(StateMessage{
		EntityID:    change.EntityID,
		State:       change.New.Status,
		OldState:    change.Old.Status,
		Attributes:  change.New.Attributes,
		LastChanged: change.New.LastChanged,
	})
	if err != nil {
		return err
	}
	return m.conn.Publish(m.Subject(change.EntityID), data)
}

// Run mirrors the given registry entities until ctx is done.
func (m *Mirror) Run(ctx context.Context, reg *device.Registry, entityIDs ...string) error {
	if len(entityIDs) == 0 {
		return errors.New("bridge: no entities to mirror")
	}

	var wg sync.WaitGroup
	for _, id := range entityIDs {
		changes, err := reg.Watch(ctx, id)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for change := range changes {
				if err := m.Publish(change); err != nil {
					m.logger.Warn("Failed to publish state change", "entity", id, "error", err)
				}
			}
		}(id)
	}
	m.logger.Info("Mirroring state changes", "entities", len(entityIDs), "prefix", m.prefix)
	wg.Wait()
	return nil
}

// ServeCommands answers service call requests until ctx is done.
func (m *Mirror) ServeCommands(ctx context.Context, caller Caller) error {
	subject := m.callPrefix() + ">"
	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		m.handleCall(ctx, caller, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	m.logger.Info("Serving service calls", "subject", subject)

	go func() {
		<-ctx.Done()
		if sub != nil {
			sub.Unsubscribe()
		}
	}()
	return nil
}

func (m *Mirror) handleCall(ctx context.Context, caller Caller, msg *nats.Msg) {
	reply := m.call(ctx, caller, msg)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := m.conn.Publish(msg.Reply, data); err != nil {
		m.logger.Warn("Failed to answer service call", "subject", msg.Subject, "error", err)
	}
}

func (m *Mirror) call(ctx context.Context, caller Caller, msg *nats.Msg) CallReply {
	entityID := strings.TrimPrefix(msg.Subject, m.callPrefix())
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok || domain == "" {
		return CallReply{Error: fmt.Sprintf("invalid entity id %q", entityID)}
	}

	var req CallRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return CallReply{Error: fmt.Sprintf("invalid request: %v", err)}
	}
	if req.Service == "" {
		return CallReply{Error: "missing service"}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	accepted, err := caller.CallService(domain, req.Service, entityID, req.Data).Wait(callCtx)
	reply := CallReply{Accepted: accepted}
	if err != nil {
		reply.Error = err.Error()
	}
	m.logger.Debug("Service call", "entity", entityID, "service", req.Service, "accepted", accepted)
	return reply
}
