package apperrors

import "errors"

// Subscription validation errors
var (
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidCurrency = errors.New("invalid currency")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrNilSubscriber   = errors.New("subscriber is nil")
	ErrSymbolNotFound  = errors.New("symbol not found on venue")

	// ErrInvalidSubscriber marks a subscriber that cannot be told apart from others by
	// identity, such as a value whose type holds a slice or map
	ErrInvalidSubscriber = errors.New("subscriber type is not comparable")
)

// Engine lifecycle errors
var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrStopTimedOut   = errors.New("engine stop timed out")
)

// Data plane and collaborator errors
var (
	ErrUnrecognizedFrame = errors.New("unrecognized frame")
	ErrInvalidInterval   = errors.New("invalid kline interval")
	ErrArchiveNotFound   = errors.New("archive not found")
	ErrArchiveTooLarge   = errors.New("archive entry too large")
)
