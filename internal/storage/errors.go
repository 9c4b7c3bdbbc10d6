package storage

import "errors"

// ErrPositionNotFound is returned when a position ID is not in storage.
var ErrPositionNotFound = errors.New("position not found")

// ErrAttemptNotFound is returned when an attempt ID is not in storage.
var ErrAttemptNotFound = errors.New("trade attempt not found")
