package client

import "errors"

var (
	// ErrAuthInvalid is returned when the server rejects the access token.
	// The client stops and does not reconnect.
	ErrAuthInvalid = errors.New("client: authentication rejected")

	// ErrNotAuthenticated completes tokens of commands issued while no
	// authenticated connection exists.
	ErrNotAuthenticated = errors.New("client: not authenticated")

	// ErrSendBufferFull completes tokens of commands that could not be queued.
	ErrSendBufferFull = errors.New("client: send buffer full")

	// ErrConnectionLost completes tokens whose command was in flight when
	// the connection dropped.
	ErrConnectionLost = errors.New("client: connection lost before acknowledgement")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
)
