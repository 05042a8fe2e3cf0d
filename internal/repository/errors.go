package repository

import "errors"

// ErrInvalidArgument indicates the store rejected a malformed record.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrClosed indicates the store has been shut down.
var ErrClosed = errors.New("repository: closed")
