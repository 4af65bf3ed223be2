package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidToken covers bad signatures, expiry, wrong kind and unknown subjects.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrTokenRevoked is returned when a refresh token is revoked or was never recorded.
	ErrTokenRevoked = errors.New("refresh token revoked or not found")
	// ErrInactiveAccount is returned when a disabled account authenticates.
	ErrInactiveAccount = errors.New("account is inactive")
	// ErrThrottled matches every *ThrottledError.
	ErrThrottled = errors.New("too many requests")
)

// ThrottleScope names the limiter that denied a request.
type ThrottleScope string

const (
	ScopeAddress ThrottleScope = "address"
	ScopeAccount ThrottleScope = "account"
	ScopeAPI     ThrottleScope = "api"
)

// ThrottledError reports a rate limit or lockout together with how long the
// caller should wait.
type ThrottledError struct {
	Scope      ThrottleScope
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many requests (%s), retry after %s", e.Scope, e.RetryAfter)
}

// Is lets errors.Is(err, ErrThrottled) match.
func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

// RetryAfterSeconds returns the wait in whole seconds, at least one.
func (e *ThrottledError) RetryAfterSeconds() int {
	seconds := int(e.RetryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
