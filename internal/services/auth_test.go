package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gersonrivera27/STACKPOS/internal/credentials"
	"github.com/gersonrivera27/STACKPOS/internal/mq"
	"github.com/gersonrivera27/STACKPOS/internal/ratelimit"
	"github.com/gersonrivera27/STACKPOS/internal/tokens"
	"github.com/gersonrivera27/STACKPOS/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminPassword = "correct horse battery"
	adminPIN      = "1234"
)

var testHashes = sync.OnceValues(func() (string, string) {
	password, err := credentials.HashSecret(adminPassword)
	if err != nil {
		panic(err)
	}
	pin, err := credentials.HashSecret(adminPIN)
	if err != nil {
		panic(err)
	}
	return password, pin
})

type authFixture struct {
	clock    *testClock
	accounts *memoryAccounts
	refresh  *memoryRefreshStore
	audit    *recordingAudit
	issuer   *tokens.Issuer
	svc      *AuthService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	passwordHash, pinHash := testHashes()
	clock := newTestClock()
	accounts := newMemoryAccounts(
		types.Account{ID: 1, Username: "admin", Email: "admin@stackpos.local", FullName: "Admin", Role: types.RoleAdmin,
			PasswordHash: passwordHash, PINHash: pinHash, IsActive: true},
		types.Account{ID: 2, Username: "ana", Email: "ana@stackpos.local", Role: types.RoleStaff,
			PasswordHash: passwordHash, PINHash: pinHash, IsActive: false},
		types.Account{ID: 3, Username: "legacy", Email: "legacy@stackpos.local", Role: types.RoleStaff,
			PasswordHash: passwordHash, PINHash: "1234", IsActive: true},
		types.Account{ID: 4, Username: "marco", Email: "marco@stackpos.local", Role: types.RoleManager,
			PasswordHash: passwordHash, IsActive: true},
	)

	issuer, err := tokens.NewIssuer("test-signing-secret", tokens.WithClock(clock.Now))
	require.NoError(t, err)

	refresh := newMemoryRefreshStore(clock.Now, issuer.RefreshTTL())
	audit := &recordingAudit{}
	svc := NewAuthService(accounts, refresh, issuer, ratelimit.New(ratelimit.WithClock(clock.Now)),
		WithAuthClock(clock.Now),
		WithAuditPublisher(audit),
	)
	return &authFixture{clock: clock, accounts: accounts, refresh: refresh, audit: audit, issuer: issuer, svc: svc}
}

func (f *authFixture) login(t *testing.T) LoginResult {
	t.Helper()
	result, err := f.svc.Login(context.Background(), "admin", adminPassword, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, result.Success)
	return result
}

func requireThrottled(t *testing.T, err error, scope ThrottleScope) *ThrottledError {
	t.Helper()
	require.ErrorIs(t, err, ErrThrottled)
	var throttled *ThrottledError
	require.True(t, errors.As(err, &throttled))
	assert.Equal(t, scope, throttled.Scope)
	return throttled
}

func TestLogin(t *testing.T) {
	t.Run("username and password issue a token pair", func(t *testing.T) {
		f := newAuthFixture(t)

		result := f.login(t)
		assert.Equal(t, "Login successful", result.Message)
		require.NotNil(t, result.Tokens)
		assert.Equal(t, "bearer", result.Tokens.TokenType)
		assert.Equal(t, 3600, result.Tokens.ExpiresIn)
		require.NotNil(t, result.Account)
		assert.Equal(t, 1, result.Account.ID)
		assert.Equal(t, types.RoleAdmin, result.Account.Role)

		claims, err := f.issuer.ValidateAccessToken(result.Tokens.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "1", claims.Subject)

		valid, err := f.refresh.IsValid(context.Background(), result.Tokens.RefreshToken)
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, f.clock.Now().UTC(), f.accounts.lastLogins[1])

		event, ok := f.audit.find(EventLoginSuccess)
		require.True(t, ok)
		assert.Equal(t, mq.QueueAuth, event.queue)
		assert.True(t, event.event.Success)
		assert.Equal(t, "10.0.0.1", event.event.IPAddress)
	})

	t.Run("email works as identifier", func(t *testing.T) {
		f := newAuthFixture(t)

		result, err := f.svc.Login(context.Background(), "admin@stackpos.local", adminPassword, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, result.Success)
	})

	t.Run("wrong password is a result, not an error", func(t *testing.T) {
		f := newAuthFixture(t)

		result, err := f.svc.Login(context.Background(), "admin", "nope", "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, "Invalid credentials", result.Message)
		assert.Nil(t, result.Tokens)
		assert.Nil(t, result.Account)
		assert.Equal(t, 0, f.refresh.count())
		assert.Contains(t, f.audit.names(), EventLoginFailure)
	})

	t.Run("unknown identifier looks like a wrong password", func(t *testing.T) {
		f := newAuthFixture(t)

		unknown, err := f.svc.Login(context.Background(), "ghost", "nope", "10.0.0.1")
		require.NoError(t, err)
		wrong, err := f.svc.Login(context.Background(), "admin", "nope", "10.0.0.2")
		require.NoError(t, err)
		assert.Equal(t, wrong, unknown)
	})

	t.Run("inactive account is rejected after a correct password", func(t *testing.T) {
		f := newAuthFixture(t)

		_, err := f.svc.Login(context.Background(), "ana", adminPassword, "10.0.0.1")
		assert.ErrorIs(t, err, ErrInactiveAccount)
		assert.Equal(t, 0, f.refresh.count())
	})

	t.Run("inactive account with a wrong password stays a plain failure", func(t *testing.T) {
		f := newAuthFixture(t)

		result, err := f.svc.Login(context.Background(), "ana", "nope", "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, result.Success)
	})

	t.Run("lookup failure surfaces as an error", func(t *testing.T) {
		f := newAuthFixture(t)
		f.accounts.lookupErr = errors.New("connection refused")

		_, err := f.svc.Login(context.Background(), "admin", adminPassword, "10.0.0.1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrThrottled)
		assert.NotErrorIs(t, err, ErrInactiveAccount)
	})

	t.Run("last login failure does not block the login", func(t *testing.T) {
		f := newAuthFixture(t)
		f.accounts.updateErr = errors.New("read only replica")

		result := f.login(t)
		assert.NotNil(t, result.Tokens)
	})
}

func TestLoginAddressRateLimit(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	for i := 0; i < ratelimit.LoginMaxAttempts; i++ {
		_, err := f.svc.Login(ctx, fmt.Sprintf("user-%d", i), "nope", "10.0.0.9")
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	_, err := f.svc.Login(ctx, "admin", adminPassword, "10.0.0.9")
	throttled := requireThrottled(t, err, ScopeAddress)
	assert.Greater(t, throttled.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, throttled.RetryAfter, ratelimit.LoginWindow)

	event, ok := f.audit.find(EventRateLimited)
	require.True(t, ok)
	assert.Equal(t, mq.QueueSecurity, event.queue)

	f.clock.Advance(ratelimit.LoginWindow)
	result, err := f.svc.Login(ctx, "admin", adminPassword, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestLoginLockout(t *testing.T) {
	t.Run("five failures lock the account for every address", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()

		for i := 0; i < ratelimit.LockoutThreshold; i++ {
			result, err := f.svc.Login(ctx, "admin", "wrong", fmt.Sprintf("10.0.1.%d", i))
			require.NoError(t, err)
			assert.False(t, result.Success)
		}

		event, ok := f.audit.find(EventAccountLocked)
		require.True(t, ok)
		assert.Equal(t, mq.QueueSecurity, event.queue)

		_, err := f.svc.Login(ctx, "admin", adminPassword, "10.0.2.1")
		throttled := requireThrottled(t, err, ScopeAccount)
		assert.Greater(t, throttled.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, throttled.RetryAfter, ratelimit.LockoutDuration)

		_, err = f.svc.Login(ctx, "admin@stackpos.local", adminPassword, "10.0.2.2")
		requireThrottled(t, err, ScopeAccount)

		f.clock.Advance(ratelimit.LockoutDuration + time.Second)
		result, err := f.svc.Login(ctx, "admin", adminPassword, "10.0.2.3")
		require.NoError(t, err)
		assert.True(t, result.Success)
	})

	t.Run("same address is throttled on the sixth request", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()

		for i := 0; i < ratelimit.LoginMaxAttempts; i++ {
			result, err := f.svc.Login(ctx, "admin", "wrong", "10.0.0.1")
			require.NoError(t, err)
			assert.False(t, result.Success)
		}

		_, err := f.svc.Login(ctx, "admin", "wrong", "10.0.0.1")
		throttled := requireThrottled(t, err, ScopeAddress)
		assert.InDelta(t, 900, throttled.RetryAfterSeconds(), 1)
	})

	t.Run("attempts against a locked account still count for the address", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()

		for i := 0; i < ratelimit.LockoutThreshold; i++ {
			_, err := f.svc.Login(ctx, "admin", "wrong", fmt.Sprintf("10.0.1.%d", i))
			require.NoError(t, err)
		}
		for i := 0; i < ratelimit.LoginMaxAttempts; i++ {
			_, err := f.svc.Login(ctx, "admin", adminPassword, "10.0.3.1")
			requireThrottled(t, err, ScopeAccount)
		}

		_, err := f.svc.Login(ctx, "admin", adminPassword, "10.0.3.1")
		requireThrottled(t, err, ScopeAddress)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()

		for i := 0; i < ratelimit.LockoutThreshold-1; i++ {
			_, err := f.svc.Login(ctx, "admin", "wrong", fmt.Sprintf("10.0.1.%d", i))
			require.NoError(t, err)
		}
		result, err := f.svc.Login(ctx, "admin", adminPassword, "10.0.4.1")
		require.NoError(t, err)
		require.True(t, result.Success)

		for i := 0; i < ratelimit.LockoutThreshold-1; i++ {
			_, err := f.svc.Login(ctx, "admin", "wrong", fmt.Sprintf("10.0.5.%d", i))
			require.NoError(t, err)
		}
		result, err = f.svc.Login(ctx, "admin", adminPassword, "10.0.6.1")
		require.NoError(t, err)
		assert.True(t, result.Success)
	})

	t.Run("PIN failures lock password login", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()

		for i := 0; i < ratelimit.LockoutThreshold; i++ {
			result, err := f.svc.PINLogin(ctx, 1, "0000", fmt.Sprintf("10.0.1.%d", i))
			require.NoError(t, err)
			assert.False(t, result.Success)
		}

		_, err := f.svc.Login(ctx, "admin", adminPassword, "10.0.2.1")
		requireThrottled(t, err, ScopeAccount)
	})
}

func TestPINLogin(t *testing.T) {
	t.Run("hashed PIN logs in", func(t *testing.T) {
		f := newAuthFixture(t)

		result, err := f.svc.PINLogin(context.Background(), 1, adminPIN, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, result.Success)
		require.NotNil(t, result.Tokens)
		assert.Equal(t, "admin", result.Account.Username)
		assert.Contains(t, f.audit.names(), EventPINLoginSuccess)
	})

	t.Run("wrong PIN", func(t *testing.T) {
		f := newAuthFixture(t)

		result, err := f.svc.PINLogin(context.Background(), 1, "9999", "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, "Invalid credentials", result.Message)
		assert.Contains(t, f.audit.names(), EventPINLoginFailure)
	})

	t.Run("plaintext stored PIN is never accepted", func(t *testing.T) {
		f := newAuthFixture(t)

		result, err := f.svc.PINLogin(context.Background(), 3, "1234", "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, result.Success)

		event, ok := f.audit.find(EventPINNotMigrated)
		require.True(t, ok)
		assert.Equal(t, mq.QueueSecurity, event.queue)
		require.NotNil(t, event.event.UserID)
		assert.Equal(t, 3, *event.event.UserID)
	})

	t.Run("account without PIN", func(t *testing.T) {
		f := newAuthFixture(t)

		result, err := f.svc.PINLogin(context.Background(), 4, "1234", "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, result.Success)
	})

	t.Run("unknown account", func(t *testing.T) {
		f := newAuthFixture(t)

		result, err := f.svc.PINLogin(context.Background(), 99, "1234", "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, result.Success)
	})

	t.Run("inactive account", func(t *testing.T) {
		f := newAuthFixture(t)

		_, err := f.svc.PINLogin(context.Background(), 2, adminPIN, "10.0.0.1")
		assert.ErrorIs(t, err, ErrInactiveAccount)
	})

	t.Run("address limit applies", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()

		for i := 0; i < ratelimit.LoginMaxAttempts; i++ {
			_, err := f.svc.PINLogin(ctx, 4, "0000", "10.0.0.7")
			require.NoError(t, err)
		}
		_, err := f.svc.PINLogin(ctx, 1, adminPIN, "10.0.0.7")
		requireThrottled(t, err, ScopeAddress)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("rotation makes the old token single use", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()
		r1 := f.login(t).Tokens.RefreshToken

		f.clock.Advance(time.Minute)
		result, err := f.svc.Refresh(ctx, r1, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, result.Success)
		assert.Equal(t, "Token refreshed", result.Message)
		r2 := result.Tokens.RefreshToken
		assert.NotEqual(t, r1, r2)

		valid, err := f.refresh.IsValid(ctx, r1)
		require.NoError(t, err)
		assert.False(t, valid)
		valid, err = f.refresh.IsValid(ctx, r2)
		require.NoError(t, err)
		assert.True(t, valid)

		_, err = f.svc.Refresh(ctx, r1, "10.0.0.1")
		assert.ErrorIs(t, err, ErrTokenRevoked)

		_, err = f.svc.Refresh(ctx, r2, "10.0.0.1")
		assert.NoError(t, err)
		assert.Contains(t, f.audit.names(), EventTokenRefreshed)
		assert.Contains(t, f.audit.names(), EventRefreshRejected)
	})

	t.Run("access token cannot refresh", func(t *testing.T) {
		f := newAuthFixture(t)
		access := f.login(t).Tokens.AccessToken

		_, err := f.svc.Refresh(context.Background(), access, "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		f := newAuthFixture(t)

		_, err := f.svc.Refresh(context.Background(), "not.a.token", "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unrecorded token", func(t *testing.T) {
		f := newAuthFixture(t)
		account, err := f.accounts.GetByID(context.Background(), 1)
		require.NoError(t, err)
		token, err := f.issuer.IssueRefreshToken(account)
		require.NoError(t, err)

		_, err = f.svc.Refresh(context.Background(), token, "10.0.0.1")
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})

	t.Run("expired token", func(t *testing.T) {
		f := newAuthFixture(t)
		r1 := f.login(t).Tokens.RefreshToken

		f.clock.Advance(tokens.DefaultRefreshTTL + time.Minute)
		_, err := f.svc.Refresh(context.Background(), r1, "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("account disabled after login", func(t *testing.T) {
		f := newAuthFixture(t)
		r1 := f.login(t).Tokens.RefreshToken

		account := f.accounts.byID[1]
		account.IsActive = false
		f.accounts.byID[1] = account

		_, err := f.svc.Refresh(context.Background(), r1, "10.0.0.1")
		assert.ErrorIs(t, err, ErrInactiveAccount)
	})

	t.Run("account deleted after login", func(t *testing.T) {
		f := newAuthFixture(t)
		r1 := f.login(t).Tokens.RefreshToken
		delete(f.accounts.byID, 1)

		_, err := f.svc.Refresh(context.Background(), r1, "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("concurrent refresh succeeds once", func(t *testing.T) {
		f := newAuthFixture(t)
		r1 := f.login(t).Tokens.RefreshToken

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.svc.Refresh(context.Background(), r1, "10.0.0.1"); err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)
	})
}

func TestLogout(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()
		result := f.login(t)
		caller := f.accounts.byID[1]

		require.NoError(t, f.svc.Logout(ctx, caller, result.Tokens.RefreshToken, "10.0.0.1"))
		require.NoError(t, f.svc.Logout(ctx, caller, result.Tokens.RefreshToken, "10.0.0.1"))

		valid, err := f.refresh.IsValid(ctx, result.Tokens.RefreshToken)
		require.NoError(t, err)
		assert.False(t, valid)

		_, err = f.svc.Refresh(ctx, result.Tokens.RefreshToken, "10.0.0.1")
		assert.ErrorIs(t, err, ErrTokenRevoked)

		var logouts []recordedEvent
		for _, e := range f.audit.events {
			if e.event.Event == EventLogout {
				logouts = append(logouts, e)
			}
		}
		require.Len(t, logouts, 2)
		assert.Equal(t, true, logouts[0].event.Details["revoked"])
		assert.Equal(t, false, logouts[1].event.Details["revoked"])
	})

	t.Run("unknown token is a no-op", func(t *testing.T) {
		f := newAuthFixture(t)

		err := f.svc.Logout(context.Background(), f.accounts.byID[1], "unknown", "10.0.0.1")
		assert.NoError(t, err)
	})

	t.Run("another account's token is left alone", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()
		result := f.login(t)

		require.NoError(t, f.svc.Logout(ctx, f.accounts.byID[4], result.Tokens.RefreshToken, "10.0.0.4"))

		valid, err := f.refresh.IsValid(ctx, result.Tokens.RefreshToken)
		require.NoError(t, err)
		assert.True(t, valid)

		event, ok := f.audit.find(EventLogoutForeignToken)
		require.True(t, ok)
		assert.Equal(t, mq.QueueSecurity, event.queue)
	})
}

func TestAuthenticate(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	result := f.login(t)

	account, err := f.svc.Authenticate(ctx, result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, 1, account.ID)

	_, err = f.svc.Authenticate(ctx, result.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	inactive, err := f.issuer.IssueAccessToken(f.accounts.byID[2])
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, inactive)
	assert.ErrorIs(t, err, ErrInactiveAccount)

	ghost, err := f.issuer.IssueAccessToken(types.Account{ID: 77, Username: "ghost", Role: types.RoleStaff})
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, ghost)
	assert.ErrorIs(t, err, ErrInvalidToken)

	f.clock.Advance(tokens.DefaultAccessTTL + time.Second)
	_, err = f.svc.Authenticate(ctx, result.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCheckAPIRateLimit(t *testing.T) {
	f := newAuthFixture(t)

	for i := 0; i < ratelimit.APIMaxRequests; i++ {
		require.NoError(t, f.svc.CheckAPIRateLimit("10.0.0.1"))
	}
	err := f.svc.CheckAPIRateLimit("10.0.0.1")
	throttled := requireThrottled(t, err, ScopeAPI)
	assert.Equal(t, 60, throttled.RetryAfterSeconds())
	assert.NoError(t, f.svc.CheckAPIRateLimit("10.0.0.2"))
}
