// Package ratelimit guards login and API traffic with in-memory sliding windows.
//
// State lives for the lifetime of the process only; a restart resets every
// counter. All maps share one mutex: operations are O(window size) and the
// windows are small, so contention stays brief.
package ratelimit

import (
	"sync"
	"time"
)

const (
	LoginMaxAttempts = 5
	LoginWindow      = 900 * time.Second
	LockoutThreshold = 5
	LockoutDuration  = 900 * time.Second
	APIMaxRequests   = 100
	APIWindow        = 60 * time.Second

	// sweepInterval bounds how often an access walks every key to drop idle entries.
	sweepInterval = 5 * time.Minute
)

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter tracks login attempts per client address, failed logins and
// lockouts per account, and general API requests per client address.
type Limiter struct {
	mu  sync.Mutex
	now func() time.Time

	loginAttempts slidingLog
	failedLogins  slidingLog
	apiRequests   slidingLog
	lockedUntil   map[string]time.Time

	lastSweep time.Time
}

// New constructs an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:           time.Now,
		loginAttempts: slidingLog{},
		failedLogins:  slidingLog{},
		apiRequests:   slidingLog{},
		lockedUntil:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// AdmitLogin checks and records a login attempt for address under one lock,
// so concurrent callers cannot all pass the check before any is recorded.
// A denied attempt is not recorded, and the returned duration is the time
// until the oldest attempt leaves the window.
func (l *Limiter) AdmitLogin(address string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	entries := l.loginAttempts.prune(address, now, LoginWindow)
	if len(entries) >= LoginMaxAttempts {
		return false, retryAfter(entries[0].Add(LoginWindow), now)
	}
	l.loginAttempts.add(address, now)
	return true, 0
}

// IsAccountLocked reports whether account is locked out. An expired lockout
// is cleared as a side effect.
func (l *Limiter) IsAccountLocked(account string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	until, ok := l.lockedUntil[account]
	if !ok {
		return false, 0
	}
	if now.Before(until) {
		return true, retryAfter(until, now)
	}
	delete(l.lockedUntil, account)
	return false, 0
}

// RecordFailedLogin counts a failed credential check against account and
// locks it once LockoutThreshold failures fall inside the window. It reports
// whether this failure triggered the lockout.
func (l *Limiter) RecordFailedLogin(account string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.failedLogins.prune(account, now, LoginWindow)
	if l.failedLogins.add(account, now) < LockoutThreshold {
		return false
	}
	l.lockedUntil[account] = now.Add(LockoutDuration)
	delete(l.failedLogins, account)
	return true
}

// ClearFailedLogins forgets the failure history and any lockout of account.
func (l *Limiter) ClearFailedLogins(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.failedLogins, account)
	delete(l.lockedUntil, account)
}

// CheckAPIRateLimit admits and records one general API request for address.
func (l *Limiter) CheckAPIRateLimit(address string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	entries := l.apiRequests.prune(address, now, APIWindow)
	if len(entries) >= APIMaxRequests {
		return false, retryAfter(entries[0].Add(APIWindow), now)
	}
	l.apiRequests.add(address, now)
	return true, 0
}

// sweepLocked drops keys whose entries have all left their window and
// lockouts that have expired. Callers must hold l.mu.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now

	l.loginAttempts.sweep(now, LoginWindow)
	l.failedLogins.sweep(now, LoginWindow)
	l.apiRequests.sweep(now, APIWindow)
	for key, until := range l.lockedUntil {
		if !now.Before(until) {
			delete(l.lockedUntil, key)
		}
	}
}

// retryAfter returns whole seconds until deadline, never less than one.
func retryAfter(deadline, now time.Time) time.Duration {
	seconds := deadline.Sub(now) / time.Second
	if seconds < 1 {
		seconds = 1
	}
	return seconds * time.Second
}

// slidingLog maps a key to its attempt timestamps in ascending order.
type slidingLog map[string][]time.Time

// prune removes entries older than window and returns what is left.
func (s slidingLog) prune(key string, now time.Time, window time.Duration) []time.Time {
	entries, ok := s[key]
	if !ok {
		return nil
	}
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(entries) && !entries[idx].After(cutoff) {
		idx++
	}
	if idx == len(entries) {
		delete(s, key)
		return nil
	}
	if idx > 0 {
		entries = append(entries[:0:0], entries[idx:]...)
		s[key] = entries
	}
	return entries
}

// add appends now to key and returns the new entry count.
func (s slidingLog) add(key string, now time.Time) int {
	s[key] = append(s[key], now)
	return len(s[key])
}

func (s slidingLog) sweep(now time.Time, window time.Duration) {
	for key := range s {
		s.prune(key, now, window)
	}
}
