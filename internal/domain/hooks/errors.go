package hooks

import "errors"

var (
	// ErrServiceNotFound is returned when no service is registered under an id.
	ErrServiceNotFound = errors.New("cds service not found")
	// ErrDuplicateService is returned when registering an id twice.
	ErrDuplicateService = errors.New("cds service already registered")
	// ErrInvalidRequest covers malformed hook requests and field violations.
	ErrInvalidRequest = errors.New("invalid hook request")
	// ErrAuthorizationDenied is returned when the authorization gate vetoes
	// a prefetched resource the service requires.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrServiceUnavailable is returned when decision logic times out or fails.
	ErrServiceUnavailable = errors.New("cds service unavailable")
)
