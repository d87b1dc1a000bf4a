package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a uniqueness violation.
var ErrConflict = errors.New("repository: conflict")

// ErrInvalidArgument indicates the caller supplied unusable input.
var ErrInvalidArgument = errors.New("repository: invalid argument")
