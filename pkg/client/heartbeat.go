package client

import (
	"log/slog"
	"sync"
	"time"
)

// heartbeat pings on a fixed interval and arms a watchdog per unanswered
// ping. A pong disarms it. The watchdog only fires onTimeout; deciding what
// to do about a silent server is the caller's business.
type heartbeat struct {
	interval  time.Duration
	timeout   time.Duration
	ping      func()
	onTimeout func()
	logger    *slog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	watchdog *time.Timer
}

func newHeartbeat(interval, timeout time.Duration, ping, onTimeout func(), logger *slog.Logger) *heartbeat {
	return &heartbeat{
		interval:  interval,
		timeout:   timeout,
		ping:      ping,
		onTimeout: onTimeout,
		logger:    logger,
	}
}

func (h *heartbeat) start() {
	if h.interval <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopCh != nil {
		return
	}
	h.stopCh = make(chan struct{})
	go h.loop(h.stopCh)
}

func (h *heartbeat) loop(stop chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.tick(stop)
		}
	}
}

// tick sends one ping and arms the watchdog unless one is already armed.
// Nothing is armed once the loop owning stop has been stopped; a nil stop
// means no loop.
func (h *heartbeat) tick(stop chan struct{}) {
	h.ping()

	h.mu.Lock()
	defer h.mu.Unlock()
	if stop != nil && h.stopCh != stop {
		return
	}
	if h.watchdog != nil || h.timeout <= 0 {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(h.timeout, func() {
		h.mu.Lock()
		fired := h.watchdog == t
		if fired {
			h.watchdog = nil
		}
		h.mu.Unlock()
		if fired {
			h.expire()
		}
	})
	h.watchdog = t
}

func (h *heartbeat) expire() {
	h.logger.Warn("Heartbeat timeout: no pong received", "timeout", h.timeout)
	if h.onTimeout != nil {
		h.onTimeout()
	}
}

func (h *heartbeat) pong() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disarm()
}

func (h *heartbeat) armed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watchdog != nil
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopCh != nil {
		close(h.stopCh)
		h.stopCh = nil
	}
	h.disarm()
}

func (h *heartbeat) disarm() {
	if h.watchdog != nil {
		h.watchdog.Stop()
		h.watchdog = nil
	}
}
