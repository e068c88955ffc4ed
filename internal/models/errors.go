package models

import "errors"

var (
	// ErrInvalidConfiguration covers malformed URLs, empty event sets and bad retry policies.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNotFound indicates an unknown endpoint or delivery ID.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates the operation is not valid for the current lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrEndpointGone is returned when a delivery's endpoint was deleted after the delivery was created.
	ErrEndpointGone = errors.New("endpoint gone")
)
