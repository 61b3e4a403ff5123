// Package common holds sentinel errors shared by the account stores and the
// chat layer. Callers should match them with errors.Is.
package common

import "errors"

var (
	// ErrNotFound is returned by stores when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when a backing service rejects our key.
	ErrUnauthorized = errors.New("unauthorized")
)
