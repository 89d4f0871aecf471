package repository

import "github.com/pkg/errors"

var (
	// ErrConflict means a non-terminal job already exists for the same
	// (repository, type) pair. Callers treat it as "already in flight".
	ErrConflict = errors.New("a non-terminal job already exists for this repository and type")

	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConfigUnavailable means the rollout config could not be loaded.
	// The rollout controller fails closed when it sees this.
	ErrConfigUnavailable = errors.New("rollout config unavailable")
)
