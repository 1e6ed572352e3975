package delivery

import (
	"errors"
	"fmt"
)

// ErrConnection indicates the subscription link or transport link is down.
// It is always retried with backoff and never fatal to the process.
var ErrConnection = errors.New("connection unavailable")

// ErrMalformedPayload indicates an unparseable or schema-violating event.
// Such events are dropped and logged; the channel keeps running.
var ErrMalformedPayload = errors.New("malformed payload")

// AuthError is a terminal handshake failure: the credential is invalid or
// does not resolve to the claimed recipient. It is never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
