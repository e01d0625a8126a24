package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultReconnectDelay    = 5 * time.Second
	defaultHeartbeatInterval = 2 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultSendBuffer        = 64
	// get_states on a large installation is several megabytes.
	defaultReadLimit = 16 << 20
)

type clientConfig struct {
	logger             *slog.Logger
	dialOptions        *websocket.DialOptions
	dialTimeout        time.Duration
	writeTimeout       time.Duration
	readLimit          int64
	sendBuffer         int
	reconnectDelay     time.Duration
	heartbeatInterval  time.Duration
	heartbeatTimeout   time.Duration
	heartbeatReconnect bool
	metrics            *Metrics
}

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger             *slog.Logger
	DialOptions        *websocket.DialOptions
	DialTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadLimit          int64
	SendBuffer         int
	ReconnectDelay     time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatReconnect bool
	Metrics            *Metrics
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:            slog.Default(),
		DialOptions:       &websocket.DialOptions{HTTPClient: http.DefaultClient},
		DialTimeout:       defaultDialTimeout,
		WriteTimeout:      defaultWriteTimeout,
		ReadLimit:         defaultReadLimit,
		SendBuffer:        defaultSendBuffer,
		ReconnectDelay:    defaultReconnectDelay,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
	}
}

// NewWithOptions creates a Client from an Options struct. Zero fields take
// their defaults; extra functional options are applied afterwards.
func NewWithOptions(opts Options, extra ...Option) *Client {
	def := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.DialOptions == nil {
		opts.DialOptions = def.DialOptions
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = def.HeartbeatTimeout
	}

	cfg := clientConfig{
		logger:             opts.Logger,
		dialOptions:        opts.DialOptions,
		dialTimeout:        opts.DialTimeout,
		writeTimeout:       opts.WriteTimeout,
		readLimit:          opts.ReadLimit,
		sendBuffer:         opts.SendBuffer,
		reconnectDelay:     opts.ReconnectDelay,
		heartbeatInterval:  opts.HeartbeatInterval,
		heartbeatTimeout:   opts.HeartbeatTimeout,
		heartbeatReconnect: opts.HeartbeatReconnect,
		metrics:            opts.Metrics,
	}
	return newClient(cfg, extra...)
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) {
		if opts != nil {
			c.config.dialOptions = opts
		}
	}
}

// WithReconnectDelay sets the fixed wait between a closed connection and
// the next attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.reconnectDelay = d
		}
	}
}

// WithHeartbeat sets the ping interval and the pong timeout.
// interval < 0 disables the heartbeat.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.config.heartbeatInterval = interval
		if timeout > 0 {
			c.config.heartbeatTimeout = timeout
		}
	}
}

// WithHeartbeatReconnect makes a heartbeat timeout drop the connection,
// which then reconnects. By default a timeout is only logged.
func WithHeartbeatReconnect(enabled bool) Option {
	return func(c *Client) {
		c.config.heartbeatReconnect = enabled
	}
}

// WithWriteTimeout sets the timeout for each frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.writeTimeout = timeout
		}
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.dialTimeout = timeout
		}
	}
}

// WithReadLimit sets the largest frame accepted from the server.
func WithReadLimit(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.readLimit = n
		}
	}
}

// WithSendBuffer sets how many frames may queue per connection.
func WithSendBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.sendBuffer = n
		}
	}
}

// WithMetrics sets the collectors updated by the client.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.config.metrics = m
	}
}
