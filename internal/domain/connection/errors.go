package connection

import "errors"

// ErrNotFound indicates the requested connection does not exist.
var ErrNotFound = errors.New("connection not found")
