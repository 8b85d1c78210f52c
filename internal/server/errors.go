package server

import "errors"

var (
	// ErrNoServerType is returned when a server has no type.
	ErrNoServerType = errors.New("server has no type")
	// ErrNoConfiguration is returned when the type requires a configuration
	// and none is attached.
	ErrNoConfiguration = errors.New("server has no configuration")
	// ErrTimeout is returned by the synchronous operations when the awaited
	// state was not reached in time.
	ErrTimeout = errors.New("timed out waiting for server")
	// ErrStartFailed is returned when a synchronous start ends in StateStopped.
	ErrStartFailed = errors.New("server failed to start")
	// ErrModuleRestartFailed is returned when a synchronous module restart
	// ends in StateStopped.
	ErrModuleRestartFailed = errors.New("module failed to restart")
	// ErrNotSupported is returned by delegates for operations they cannot do.
	ErrNotSupported = errors.New("operation not supported")
	// ErrNoDelegate is returned when no delegate could be created.
	ErrNoDelegate = errors.New("no delegate available")
	// ErrInvalidState is returned when an operation is not allowed in the
	// current run state or mode.
	ErrInvalidState = errors.New("operation not allowed in current state")
)
