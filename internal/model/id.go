package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a message identifier.
// ULIDs are time-sortable, which keeps snapshot listings in rough
// submission order for free.
func NewID() string {
	return ulid.Make().String()
}
