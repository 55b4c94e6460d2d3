package instance

import "errors"

var (
	// ErrAlreadyActive is returned by Create when a live connection handle
	// already exists for the instance id.
	ErrAlreadyActive = errors.New("instance already active")
	// ErrInstanceNotFound is returned when operating on an absent instance.
	ErrInstanceNotFound = errors.New("instance not found")
)
