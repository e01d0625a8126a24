package client

import (
	"context"
	"sync"
)

// Token is the future of one command's acknowledgement. It completes with
// true when the server reports success, false on failure, on a dropped
// connection, or when the command could not be sent at all.
type Token struct {
	done chan struct{}
	once sync.Once
	ok   bool
	err  error
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// CompletedToken returns a token already completed with ok.
func CompletedToken(ok bool) *Token {
	t := newToken()
	t.complete(ok, nil)
	return t
}

func (t *Token) complete(ok bool, err error) {
	t.once.Do(func() {
		t.ok = ok
		t.err = err
		close(t.done)
	})
}

// Done is closed once the outcome is known.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the outcome is known or ctx ends.
func (t *Token) Wait(ctx context.Context) (bool, error) {
	select {
	case <-t.done:
		return t.ok, t.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Accepted reports the outcome without blocking. It is false while pending.
func (t *Token) Accepted() bool {
	select {
	case <-t.done:
		return t.ok
	default:
		return false
	}
}

// Err is the reason a completed token failed, if any.
func (t *Token) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}
