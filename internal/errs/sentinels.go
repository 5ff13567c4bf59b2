// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (base version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a unique constraint violation (same id or natural key).
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates malformed input. Never retried.
	ErrValidation = errors.New("validation")
)

// Sync engine sentinels.
var (
	// ErrOffline is returned by Drain when connectivity is down.
	ErrOffline = errors.New("offline")

	// ErrDrainInProgress is returned by Drain when another pass is running.
	ErrDrainInProgress = errors.New("drain already in progress")
)

// IsPermanent reports whether err can never succeed on retry. ErrUnauthorized
// is not: the operation is fine, the credentials are not.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation)
}
