package sandbox

import "errors"

var (
	// ErrUnavailable means no runtime could be started on this host.
	ErrUnavailable = errors.New("sandbox runtime unavailable")
	// ErrDestroyed means the session was already torn down.
	ErrDestroyed = errors.New("sandbox session destroyed")
	// ErrBusy means an execution is already in flight on this session.
	ErrBusy = errors.New("sandbox session busy")
)
