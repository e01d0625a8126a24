package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cskr/pubsub"

	"github.com/lightforgemedia/go-hassws/pkg/client"
	"github.com/lightforgemedia/go-hassws/pkg/protocol"
)

// ErrUnknownEntity is returned for entity ids not added to the registry.
var ErrUnknownEntity = errors.New("device: unknown entity")

// ErrRefreshRejected is returned when the server refuses get_states.
var ErrRefreshRejected = errors.New("device: get_states rejected")

// ErrRegistryClosed is returned by Watch after Close.
var ErrRegistryClosed = errors.New("device: registry closed")

// Entity is what the registry manages. *Device, *Switch and *Light
// implement it.
type Entity interface {
	ID() string
	SetState(protocol.State)
	OnStateChange(ctx context.Context, fn func(StateChange)) ListenerID
	RemoveOnStateChange(id ListenerID)
}

// StatesFetcher is the part of *client.Client used by Refresh.
type StatesFetcher interface {
	GetStates(onStates func([]protocol.State)) *client.Token
}

type watch struct {
	entity   Entity
	refs     int
	listener ListenerID
}

// Registry indexes entities by id, applies state snapshots and fans state
// changes out to channel watchers.
type Registry struct {
	fetcher StatesFetcher
	logger  *slog.Logger
	bus     *pubsub.PubSub
	buffer  int

	// pubMu keeps Pub and Shutdown apart; Pub blocks forever on a shut bus.
	pubMu sync.RWMutex

	mu       sync.Mutex
	entities map[string]Entity
	watches  map[string]*watch

	wg        sync.WaitGroup
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithWatchBuffer sets the channel capacity of each watcher. Changes that
// do not fit are dropped.
func WithWatchBuffer(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(fetcher StatesFetcher, opts ...RegistryOption) *Registry {
	r := &Registry{
		fetcher:  fetcher,
		logger:   slog.Default(),
		buffer:   16,
		entities: make(map[string]Entity),
		watches:  make(map[string]*watch),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.bus = pubsub.New(r.buffer)
	return r
}

// Add registers entities, replacing any with the same id.
func (r *Registry) Add(entities ...Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entities {
		r.entities[e.ID()] = e
	}
}

// Get looks an entity up.
func (r *Registry) Get(id string) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	return e, ok
}

// IDs returns the registered entity ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh fetches every state from the server and applies those of
// registered entities. It returns how many were applied.
func (r *Registry) Refresh(ctx context.Context) (int, error) {
	var applied atomic.Int64
	tok := r.fetcher.GetStates(func(states []protocol.State) {
		for _, s := range states {
			if e, ok := r.Get(s.EntityID); ok {
				e.SetState(s)
				applied.Add(1)
			}
		}
	})

	ok, err := tok.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh states: %w", err)
	}
	if !ok {
		return 0, ErrRefreshRejected
	}
	r.logger.Debug("States refreshed", "applied", applied.Load())
	return int(applied.Load()), nil
}

// Watch streams state changes of one entity until ctx is done or the
// registry closes, then closes the channel. Watchers share one listener per
// entity.
func (r *Registry) Watch(ctx context.Context, id string) (<-chan StateChange, error) {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	e, ok := r.entities[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	w, watched := r.watches[id]
	if !watched {
		w = &watch{entity: e}
		r.watches[id] = w
		// Lives outside any client scope; released with the last watcher.
		w.listener = e.OnStateChange(context.Background(), func(c StateChange) {
			r.pubMu.RLock()
			defer r.pubMu.RUnlock()
			if !r.closed.Load() {
				r.bus.Pub(c, id)
			}
		})
	}
	w.refs++
	r.wg.Add(1)
	ch := r.bus.Sub(id)
	r.mu.Unlock()

	out := make(chan StateChange, r.buffer)
	go func() {
		defer r.wg.Done()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				r.unwatch(ch, id)
				return
			case <-r.done:
				r.unwatch(ch, id)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.(StateChange):
				default:
					r.logger.Warn("Watcher too slow, state change dropped", "entity", id)
				}
			}
		}
	}()
	return out, nil
}

func (r *Registry) unwatch(ch chan interface{}, id string) {
	go func() {
		for range ch {
		}
	}()
	r.bus.Unsub(ch, id)

	r.mu.Lock()
	w := r.watches[id]
	last := false
	if w != nil {
		w.refs--
		last = w.refs == 0
		if last {
			delete(r.watches, id)
		}
	}
	r.mu.Unlock()

	if last {
		w.entity.RemoveOnStateChange(w.listener)
	}
}

// Watchers counts the entities with at least one watcher.
func (r *Registry) Watchers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

// Close ends every watch and stops the fan-out.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed.Store(true)
		r.mu.Unlock()

		close(r.done)
		r.wg.Wait()
		r.pubMu.Lock()
		r.bus.Shutdown()
		r.pubMu.Unlock()
	})
}
