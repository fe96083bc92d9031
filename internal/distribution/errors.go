package distribution

import "errors"

var (
	// ErrServerRunning is returned by Start on a running server.
	ErrServerRunning = errors.New("SERVER_RUNNING")

	// ErrServerNotRunning is returned by operations that need a started server.
	ErrServerNotRunning = errors.New("SERVER_NOT_RUNNING")

	// ErrInvalidOptions is returned by Start when Options are inconsistent.
	ErrInvalidOptions = errors.New("INVALID_OPTIONS")

	// ErrUnknownClient is returned when no active subscriber has the given id.
	ErrUnknownClient = errors.New("UNKNOWN_CLIENT")

	// ErrDelivery is returned when a write to a subscriber fails. The subscriber
	// has been removed from the roster.
	ErrDelivery = errors.New("DELIVERY_FAILED")

	// ErrUnauthorized is returned by authenticators for rejected tokens.
	ErrUnauthorized = errors.New("UNAUTHORIZED")

	// ErrLineTooLong is returned by a transport for lines above its limit.
	ErrLineTooLong = errors.New("LINE_TOO_LONG")
)
