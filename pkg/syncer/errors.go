package syncer

import "errors"

var (
	// ErrSessionClosed is reported by a Reactor that was closed locally.
	ErrSessionClosed = errors.New("syncer: session closed")

	// ErrStreamClosed is returned by Stream implementations once closed.
	ErrStreamClosed = errors.New("syncer: stream closed")

	errNotStarted = errors.New("syncer: session disconnected before start")
)
