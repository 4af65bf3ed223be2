package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gersonrivera27/STACKPOS/internal/credentials"
	"github.com/gersonrivera27/STACKPOS/internal/metrics"
	"github.com/gersonrivera27/STACKPOS/internal/mq"
	"github.com/gersonrivera27/STACKPOS/internal/ratelimit"
	"github.com/gersonrivera27/STACKPOS/internal/store"
	"github.com/gersonrivera27/STACKPOS/internal/tokens"
	"github.com/gersonrivera27/STACKPOS/types"
)

const (
	messageLoginSuccess       = "Login successful"
	messageInvalidCredentials = "Invalid credentials"
	messageTokenRefreshed     = "Token refreshed"
)

// AccountLookup resolves accounts for the login flows.
type AccountLookup interface {
	GetByID(ctx context.Context, id int) (types.Account, error)
	GetByUsernameOrEmail(ctx context.Context, identifier string) (types.Account, error)
	UpdateLastLogin(ctx context.Context, id int, at time.Time) error
}

// RefreshTokenStore tracks issued refresh tokens by digest.
type RefreshTokenStore interface {
	Record(ctx context.Context, accountID int, token string) error
	Revoke(ctx context.Context, token string) (bool, error)
	IsValid(ctx context.Context, token string) (bool, error)
	Rotate(ctx context.Context, accountID int, oldToken, newToken string) error
}

// TokenPair is the credential bundle returned by a successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// LoginResult is the outcome of a login or refresh. Wrong credentials are a
// result with Success=false, not an error.
type LoginResult struct {
	Success bool
	Message string
	Tokens  *TokenPair
	Account *types.PublicAccount
}

// AuthOption configures an AuthService.
type AuthOption func(*AuthService)

// WithAuthClock overrides the time source used for last-login stamps.
func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAuditPublisher sets where audit events are sent.
func WithAuditPublisher(audit AuditPublisher) AuthOption {
	return func(s *AuthService) {
		if audit != nil {
			s.audit = audit
		}
	}
}

// WithAuthLogger sets the logger.
func WithAuthLogger(logger *slog.Logger) AuthOption {
	return func(s *AuthService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// AuthService sequences rate limiting, lockout, credential checks and token
// issuance for every login flow.
type AuthService struct {
	accounts AccountLookup
	refresh  RefreshTokenStore
	issuer   *tokens.Issuer
	limiter  *ratelimit.Limiter
	audit    AuditPublisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewAuthService(
	accounts AccountLookup,
	refresh RefreshTokenStore,
	issuer *tokens.Issuer,
	limiter *ratelimit.Limiter,
	opts ...AuthOption,
) *AuthService {
	s := &AuthService{
		accounts: accounts,
		refresh:  refresh,
		issuer:   issuer,
		limiter:  limiter,
		audit:    NewAuditService(nil, nil),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login authenticates with a username or email and a password.
func (s *AuthService) Login(ctx context.Context, identifier, password, clientIP string) (LoginResult, error) {
	identifier = strings.TrimSpace(identifier)

	if err := s.admitAddress(ctx, metrics.FlowPassword, identifier, clientIP); err != nil {
		return LoginResult{}, err
	}

	account, found, err := s.lookup(func() (types.Account, error) {
		return s.accounts.GetByUsernameOrEmail(ctx, identifier)
	})
	if err != nil {
		metrics.RecordAuth(metrics.FlowPassword, metrics.OutcomeError)
		return LoginResult{}, fmt.Errorf("resolve account: %w", err)
	}

	key := lockKeyForIdentifier(identifier)
	if found {
		key = lockKeyForAccount(account.ID)
	}
	if err := s.checkLock(ctx, metrics.FlowPassword, key, identifier, accountRef(account, found), clientIP); err != nil {
		return LoginResult{}, err
	}

	verified := false
	if found {
		verified = credentials.VerifySecret(password, account.PasswordHash)
	} else {
		credentials.CompareDummy(password)
	}
	if !verified {
		return s.rejectCredentials(ctx, metrics.FlowPassword, EventLoginFailure, key, identifier, accountRef(account, found), clientIP), nil
	}

	return s.completeLogin(ctx, metrics.FlowPassword, EventLoginSuccess, key, account, clientIP)
}

// PINLogin authenticates an account picked from the staff list with its PIN.
func (s *AuthService) PINLogin(ctx context.Context, accountID int, pin, clientIP string) (LoginResult, error) {
	label := strconv.Itoa(accountID)

	if err := s.admitAddress(ctx, metrics.FlowPIN, label, clientIP); err != nil {
		return LoginResult{}, err
	}

	key := lockKeyForAccount(accountID)
	if err := s.checkLock(ctx, metrics.FlowPIN, key, "", &accountID, clientIP); err != nil {
		return LoginResult{}, err
	}

	account, found, err := s.lookup(func() (types.Account, error) {
		return s.accounts.GetByID(ctx, accountID)
	})
	if err != nil {
		metrics.RecordAuth(metrics.FlowPIN, metrics.OutcomeError)
		return LoginResult{}, fmt.Errorf("resolve account: %w", err)
	}

	verified := false
	if found && account.HasPIN() {
		ok, err := credentials.VerifyPIN(pin, account.PINHash)
		if errors.Is(err, credentials.ErrUnhashedSecret) {
			s.logger.ErrorContext(ctx, "stored PIN is not hashed, run accounts migrate-pins", "account_id", account.ID)
			s.audit.Publish(ctx, mq.QueueSecurity, types.AuditEvent{
				Event:     EventPINNotMigrated,
				Username:  account.Username,
				UserID:    &account.ID,
				IPAddress: clientIP,
			})
		}
		verified = ok
	} else {
		credentials.CompareDummy(pin)
	}
	if !verified {
		return s.rejectCredentials(ctx, metrics.FlowPIN, EventPINLoginFailure, key, account.Username, &accountID, clientIP), nil
	}

	return s.completeLogin(ctx, metrics.FlowPIN, EventPINLoginSuccess, key, account, clientIP)
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// revoked in the same step, so each refresh token works once.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, clientIP string) (LoginResult, error) {
	claims, err := s.issuer.ValidateRefreshToken(refreshToken)
	if err != nil {
		return LoginResult{}, s.rejectRefresh(ctx, nil, clientIP, "invalid_token", ErrInvalidToken)
	}
	accountID, err := claims.AccountID()
	if err != nil {
		return LoginResult{}, s.rejectRefresh(ctx, nil, clientIP, "invalid_subject", ErrInvalidToken)
	}

	valid, err := s.refresh.IsValid(ctx, refreshToken)
	if err != nil {
		metrics.RecordAuth(metrics.FlowRefresh, metrics.OutcomeError)
		return LoginResult{}, fmt.Errorf("check refresh token: %w", err)
	}
	if !valid {
		return LoginResult{}, s.rejectRefresh(ctx, &accountID, clientIP, "revoked_or_unknown", ErrTokenRevoked)
	}

	account, found, err := s.lookup(func() (types.Account, error) {
		return s.accounts.GetByID(ctx, accountID)
	})
	if err != nil {
		metrics.RecordAuth(metrics.FlowRefresh, metrics.OutcomeError)
		return LoginResult{}, fmt.Errorf("resolve account: %w", err)
	}
	if !found {
		return LoginResult{}, s.rejectRefresh(ctx, &accountID, clientIP, "account_missing", ErrInvalidToken)
	}
	if !account.IsActive {
		return LoginResult{}, s.rejectRefresh(ctx, &accountID, clientIP, "account_inactive", ErrInactiveAccount)
	}

	pair, err := s.issuePair(account)
	if err != nil {
		metrics.RecordAuth(metrics.FlowRefresh, metrics.OutcomeError)
		return LoginResult{}, err
	}
	if err := s.refresh.Rotate(ctx, account.ID, refreshToken, pair.RefreshToken); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, s.rejectRefresh(ctx, &accountID, clientIP, "already_rotated", ErrTokenRevoked)
		}
		metrics.RecordAuth(metrics.FlowRefresh, metrics.OutcomeError)
		return LoginResult{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	metrics.RecordAuth(metrics.FlowRefresh, metrics.OutcomeSuccess)
	s.audit.Publish(ctx, mq.QueueAuth, types.AuditEvent{
		Event:     EventTokenRefreshed,
		Username:  account.Username,
		UserID:    &account.ID,
		IPAddress: clientIP,
		Success:   true,
	})

	public := account.Public()
	return LoginResult{Success: true, Message: messageTokenRefreshed, Tokens: &pair, Account: &public}, nil
}

// Logout revokes refreshToken on behalf of caller. Unknown or already revoked
// tokens are a no-op. A validly signed token belonging to another account is
// left untouched.
func (s *AuthService) Logout(ctx context.Context, caller types.Account, refreshToken, clientIP string) error {
	if claims, err := s.issuer.ValidateRefreshToken(refreshToken); err == nil {
		if owner, err := claims.AccountID(); err == nil && owner != caller.ID {
			metrics.RecordAuth(metrics.FlowLogout, metrics.OutcomeRejected)
			s.logger.WarnContext(ctx, "logout with another account's refresh token",
				"account_id", caller.ID, "token_owner", owner, "client_ip", clientIP)
			s.audit.Publish(ctx, mq.QueueSecurity, types.AuditEvent{
				Event:     EventLogoutForeignToken,
				Username:  caller.Username,
				UserID:    &caller.ID,
				IPAddress: clientIP,
				Details:   map[string]any{"token_owner": owner},
			})
			return nil
		}
	}

	revoked, err := s.refresh.Revoke(ctx, refreshToken)
	if err != nil {
		metrics.RecordAuth(metrics.FlowLogout, metrics.OutcomeError)
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	metrics.RecordAuth(metrics.FlowLogout, metrics.OutcomeSuccess)
	s.audit.Publish(ctx, mq.QueueAuth, types.AuditEvent{
		Event:     EventLogout,
		Username:  caller.Username,
		UserID:    &caller.ID,
		IPAddress: clientIP,
		Success:   true,
		Details:   map[string]any{"revoked": revoked},
	})
	return nil
}

// Authenticate resolves the account behind an access token.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (types.Account, error) {
	claims, err := s.issuer.ValidateAccessToken(accessToken)
	if err != nil {
		return types.Account{}, ErrInvalidToken
	}
	accountID, err := claims.AccountID()
	if err != nil {
		return types.Account{}, ErrInvalidToken
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Account{}, ErrInvalidToken
		}
		return types.Account{}, fmt.Errorf("resolve account: %w", err)
	}
	if !account.IsActive {
		return types.Account{}, ErrInactiveAccount
	}
	return account, nil
}

// CheckAPIRateLimit applies the general per-address request gate.
func (s *AuthService) CheckAPIRateLimit(clientIP string) error {
	if allowed, retry := s.limiter.CheckAPIRateLimit(clientIP); !allowed {
		return &ThrottledError{Scope: ScopeAPI, RetryAfter: retry}
	}
	return nil
}

// admitAddress counts one login attempt for clientIP, failing once the
// address has used up its window.
func (s *AuthService) admitAddress(ctx context.Context, flow, username, clientIP string) error {
	allowed, retry := s.limiter.AdmitLogin(clientIP)
	if !allowed {
		metrics.RecordAuth(flow, metrics.OutcomeThrottled)
		s.logger.WarnContext(ctx, "login rate limit exceeded", "flow", flow, "client_ip", clientIP)
		s.audit.Publish(ctx, mq.QueueSecurity, types.AuditEvent{
			Event:     EventRateLimited,
			Username:  username,
			IPAddress: clientIP,
			Details:   map[string]any{"flow": flow, "retry_after": int(retry / time.Second)},
		})
		return &ThrottledError{Scope: ScopeAddress, RetryAfter: retry}
	}
	return nil
}

func (s *AuthService) checkLock(ctx context.Context, flow, key, username string, accountID *int, clientIP string) error {
	locked, retry := s.limiter.IsAccountLocked(key)
	if !locked {
		return nil
	}
	metrics.RecordAuth(flow, metrics.OutcomeLocked)
	s.logger.WarnContext(ctx, "login attempt on locked account", "flow", flow, "lock_key", key, "client_ip", clientIP)
	s.audit.Publish(ctx, mq.QueueSecurity, types.AuditEvent{
		Event:     EventLoginBlocked,
		Username:  username,
		UserID:    accountID,
		IPAddress: clientIP,
		Details:   map[string]any{"flow": flow, "retry_after": int(retry / time.Second)},
	})
	return &ThrottledError{Scope: ScopeAccount, RetryAfter: retry}
}

func (s *AuthService) rejectCredentials(ctx context.Context, flow, event, key, username string, accountID *int, clientIP string) LoginResult {
	lockedNow := s.limiter.RecordFailedLogin(key)
	metrics.RecordAuth(flow, metrics.OutcomeFailure)
	s.logger.InfoContext(ctx, "login failed", "flow", flow, "lock_key", key, "client_ip", clientIP)

	s.audit.Publish(ctx, mq.QueueAuth, types.AuditEvent{
		Event:     event,
		Username:  username,
		UserID:    accountID,
		IPAddress: clientIP,
	})
	if lockedNow {
		metrics.RecordLockout()
		s.logger.WarnContext(ctx, "account locked after repeated failures", "lock_key", key, "client_ip", clientIP)
		s.audit.Publish(ctx, mq.QueueSecurity, types.AuditEvent{
			Event:     EventAccountLocked,
			Username:  username,
			UserID:    accountID,
			IPAddress: clientIP,
			Details:   map[string]any{"lockout_seconds": int(ratelimit.LockoutDuration / time.Second)},
		})
	}
	return LoginResult{Success: false, Message: messageInvalidCredentials}
}

func (s *AuthService) completeLogin(ctx context.Context, flow, event, key string, account types.Account, clientIP string) (LoginResult, error) {
	s.limiter.ClearFailedLogins(key)

	if !account.IsActive {
		metrics.RecordAuth(flow, metrics.OutcomeRejected)
		s.audit.Publish(ctx, mq.QueueAuth, types.AuditEvent{
			Event:     EventLoginInactive,
			Username:  account.Username,
			UserID:    &account.ID,
			IPAddress: clientIP,
		})
		return LoginResult{}, ErrInactiveAccount
	}

	now := s.now().UTC()
	if err := s.accounts.UpdateLastLogin(ctx, account.ID, now); err != nil {
		s.logger.ErrorContext(ctx, "failed to update last login", "account_id", account.ID, "error", err)
	} else {
		account.LastLogin = &now
	}

	pair, err := s.issuePair(account)
	if err != nil {
		metrics.RecordAuth(flow, metrics.OutcomeError)
		return LoginResult{}, err
	}
	if err := s.refresh.Record(ctx, account.ID, pair.RefreshToken); err != nil {
		metrics.RecordAuth(flow, metrics.OutcomeError)
		return LoginResult{}, fmt.Errorf("record refresh token: %w", err)
	}

	metrics.RecordAuth(flow, metrics.OutcomeSuccess)
	s.logger.InfoContext(ctx, "login succeeded", "flow", flow, "account_id", account.ID, "client_ip", clientIP)
	s.audit.Publish(ctx, mq.QueueAuth, types.AuditEvent{
		Event:     event,
		Username:  account.Username,
		UserID:    &account.ID,
		IPAddress: clientIP,
		Success:   true,
		Details:   map[string]any{"role": string(account.Role)},
	})

	public := account.Public()
	return LoginResult{Success: true, Message: messageLoginSuccess, Tokens: &pair, Account: &public}, nil
}

func (s *AuthService) rejectRefresh(ctx context.Context, accountID *int, clientIP, reason string, err error) error {
	metrics.RecordAuth(metrics.FlowRefresh, metrics.OutcomeRejected)
	s.logger.InfoContext(ctx, "refresh rejected", "reason", reason, "client_ip", clientIP)
	s.audit.Publish(ctx, mq.QueueAuth, types.AuditEvent{
		Event:     EventRefreshRejected,
		UserID:    accountID,
		IPAddress: clientIP,
		Details:   map[string]any{"reason": reason},
	})
	return err
}

func (s *AuthService) issuePair(account types.Account) (TokenPair, error) {
	access, err := s.issuer.IssueAccessToken(account)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.issuer.IssueRefreshToken(account)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.issuer.AccessTTL() / time.Second),
	}, nil
}

// lookup runs fn and folds store.ErrNotFound into found=false.
func (s *AuthService) lookup(fn func() (types.Account, error)) (types.Account, bool, error) {
	account, err := fn()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Account{}, false, nil
		}
		return types.Account{}, false, err
	}
	return account, true, nil
}

func lockKeyForAccount(id int) string {
	return "account:" + strconv.Itoa(id)
}

func lockKeyForIdentifier(identifier string) string {
	return "identifier:" + strings.ToLower(identifier)
}

func accountRef(account types.Account, found bool) *int {
	if !found {
		return nil
	}
	id := account.ID
	return &id
}
