package federation

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the subsystem.
var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("instance record not found")
	// ErrRestrictedAddress signals that a destination resolved only to
	// loopback, link-local, or private addresses.
	ErrRestrictedAddress = errors.New("destination resolves only to restricted addresses")
	// ErrBadSignature signals that a descriptor's signature did not verify
	// against its embedded public key.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrBadDomain signals that a domain failed sanitization.
	ErrBadDomain = errors.New("invalid instance domain")
)

// FetchError wraps any transport-level failure (DNS, TLS, connect, read)
// into one uniform shape. Class always names the underlying error type so
// the message is useful even when the wrapped error's text is empty.
type FetchError struct {
	Class   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("instance fetch failed: %s", e.Class)
	}
	return fmt.Sprintf("instance fetch failed: %s: %s", e.Class, e.Message)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// WrapFetch converts err into a FetchError, preserving the original for
// unwrapping. A nil err returns nil.
func WrapFetch(err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{
		Class:   fmt.Sprintf("%T", err),
		Message: err.Error(),
		Err:     err,
	}
}
