package ratelimit

import "errors"

// ErrUnknownStrategy indicates a strategy name that is not one of the four
// supported algorithms. Fatal at configuration time.
var ErrUnknownStrategy = errors.New("unknown rate limit strategy")

// ErrUnknownBackend indicates an unsupported storage backend selection.
var ErrUnknownBackend = errors.New("unknown storage backend")

// ErrMalformedTier indicates a tier with no usable quota windows.
var ErrMalformedTier = errors.New("malformed tier")

// ErrStoreUnavailable wraps failures to reach the shared counter store. Under
// a fail-closed policy the engine surfaces it to the caller.
var ErrStoreUnavailable = errors.New("counter store unavailable")
