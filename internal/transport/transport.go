// Package transport provides the websocket push channel to the Planora
// server. The connection manager owns sessions; everything above it deals
// in Frames and Requests only.
package transport

import (
	"context"
	"errors"
)

// ErrAuthRejected is returned by Dial when the server refuses the bearer
// token. The caller must not retry with the same token.
var ErrAuthRejected = errors.New("transport: authentication rejected")

// ErrSessionClosed is returned by Send after the session has ended.
var ErrSessionClosed = errors.New("transport: session closed")

// Dialer opens authenticated push sessions.
type Dialer interface {
	Dial(ctx context.Context, token string) (Session, error)
}

// Session is one live bidirectional connection. Frames is closed when the
// session ends for any reason; Err then reports the terminal error, or nil
// after a local Close.
type Session interface {
	Frames() <-chan Frame
	Send(Request) error
	Close() error
	Err() error
}
