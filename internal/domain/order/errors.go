package order

import "errors"

// ErrRetryNotFound indicates the requested retry item does not exist.
var ErrRetryNotFound = errors.New("retry item not found")
