package buffer

import "errors"

var (
	// ErrInvalidThreshold is returned when the flush threshold is below 1.
	ErrInvalidThreshold = errors.New("flush threshold must be at least 1")
)
