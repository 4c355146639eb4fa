package opensky

import (
	"errors"
	"fmt"

	"github.com/rewired-gh/skysentry/internal/ratelimit"
)

var (
	// ErrRateLimited means the caller tried to fetch before the floor interval elapsed.
	// No network call was made.
	ErrRateLimited = ratelimit.ErrRateLimited
	// ErrTransient covers timeouts, transport failures and non-2xx responses. Retry with backoff.
	ErrTransient = errors.New("transient fetch failure")
	// ErrMalformed means the payload violated the provider contract. Do not retry this cycle.
	ErrMalformed = errors.New("malformed provider payload")
)

// FetchError describes a failed fetch. Kind is one of ErrRateLimited, ErrTransient or ErrMalformed.
type FetchError struct {
	Kind       error
	Region     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %v (status %d): %v", e.Region, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v: %v", e.Region, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the error's kind.
func (e *FetchError) Is(target error) bool {
	return target == e.Kind
}
