package store

import "errors"

// ErrNotFound indicates a missing home, collection or object.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a write that collides with an existing row, such as a
// resource name already used by a different UID.
var ErrConflict = errors.New("record conflict")
