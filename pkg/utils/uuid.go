// Package utils holds small helpers shared across the server and its
// client-facing packages.
package utils

import (
	"github.com/gofrs/uuid/v5"
)

// GenerateID returns a new UUIDv7 string. Borrow ids, overage-charge
// ids and stream session ids all come from here; v7's time-ordered
// prefix keeps archive listings and log greps in issue order. NewV7
// only fails when the system clock or entropy source is broken, which
// is not a recoverable condition for an id mint.
func GenerateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}

	return id.String()
}
