package policy

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the engine.
var (
	// ErrNoCachedData is returned in CacheOnly mode when nothing is cached.
	ErrNoCachedData = errors.New("no cached data")

	// ErrNetworkFailure matches every NetworkFailure.
	ErrNetworkFailure = errors.New("network failure")
)

// NetworkFailure is a transport-level failure. StatusCode is 0 when no
// response was received at all (connection refused, timeout, offline).
type NetworkFailure struct {
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *NetworkFailure) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("network failure (status %d): %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("network failure (status %d %s)", e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return fmt.Sprintf("network failure: %v", e.Err)
	default:
		return "network failure"
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkFailure) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrNetworkFailure.
func (e *NetworkFailure) Is(target error) bool {
	return target == ErrNetworkFailure
}

// asNetworkFailure normalizes any transport error into a NetworkFailure.
func asNetworkFailure(err error) *NetworkFailure {
	var nf *NetworkFailure
	if errors.As(err, &nf) {
		return nf
	}
	return &NetworkFailure{Err: err}
}

// StatusCode extracts the status code of a NetworkFailure in err's chain,
// or 0.
func StatusCode(err error) int {
	var nf *NetworkFailure
	if errors.As(err, &nf) {
		return nf.StatusCode
	}
	return 0
}
