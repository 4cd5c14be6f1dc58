package common

import "errors"

var (
	// ErrCancelled is returned by any operation stopped through its cancellation token.
	ErrCancelled = errors.New("download cancelled")
	// ErrInvalidURL is returned when a URL is malformed or has no host.
	ErrInvalidURL = errors.New("invalid url")
)
