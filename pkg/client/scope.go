package client

import (
	"context"
	"sync"
	"time"
)

// Disposer releases whatever an on-connect handler set up.
type Disposer func()

// HandlerFunc runs after every successful authentication. The context is
// cancelled when the connection closes or the handler is removed. ctx also
// carries the handler's Scope, so listeners registered with it are removed
// automatically at that point. The returned Disposer may be nil.
type HandlerFunc func(ctx context.Context, s *Session) Disposer

// Scope owns the cleanups registered during one run of an on-connect handler.
type Scope struct {
	name    string
	handler HandlerFunc

	// runMu serialises runs of the handler.
	runMu sync.Mutex

	mu       sync.Mutex
	cleaners []func()
	ctx      context.Context
	retired  bool
}

func newScope(name string, handler HandlerFunc) *Scope {
	return &Scope{name: name, handler: handler, ctx: context.Background()}
}

// Name is the registration key passed to OnConnect.
func (s *Scope) Name() string {
	return s.name
}

// Context is the context of the current run. It is done between runs.
func (s *Scope) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// AddCleaner registers fn to run when the scope is cleaned. Nil is ignored.
// On a removed scope fn runs right away.
func (s *Scope) AddCleaner(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleaners = append(s.cleaners, fn)
	s.mu.Unlock()
}

// clean runs and drops every cleaner, newest first.
func (s *Scope) clean() {
	s.mu.Lock()
	cleaners := s.cleaners
	s.cleaners = nil
	s.mu.Unlock()

	for i := len(cleaners) - 1; i >= 0; i-- {
		cleaners[i]()
	}
}

// retire cleans the scope and prevents any further run.
func (s *Scope) retire() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
	s.clean()
}

// execute cleans the previous run and invokes the handler again.
func (s *Scope) execute(parent context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.clean()

	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(WithScope(parent, s))
	s.ctx = ctx
	s.cleaners = append(s.cleaners, cancel)
	s.mu.Unlock()

	// AddCleaner disposes at once if the scope was removed mid-run.
	if dispose := s.handler(ctx, &Session{scope: s}); dispose != nil {
		s.AddCleaner(dispose)
	}
}

type scopeKey struct{}

// WithScope returns a context whose innermost scope is s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the innermost scope, or nil outside any handler.
func ScopeFromContext(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Session is what an on-connect handler uses to tie work to the connection.
type Session struct {
	scope *Scope
}

// Scope returns the scope of the running handler.
func (s *Session) Scope() *Scope {
	return s.scope
}

// OnEnd registers fn to run when the connection closes.
func (s *Session) OnEnd(fn func()) {
	s.scope.AddCleaner(fn)
}

// OnEndTimer stops t when the connection closes.
func (s *Session) OnEndTimer(t *time.Timer) {
	if t == nil {
		return
	}
	s.scope.AddCleaner(func() { t.Stop() })
}

// Track runs fn inside the scope from any goroutine, so the listeners it
// registers are removed with the connection. fn is skipped if the run has
// already ended.
func (s *Session) Track(fn func(ctx context.Context)) {
	ctx := s.scope.Context()
	if ctx.Err() != nil {
		return
	}
	fn(ctx)
}
