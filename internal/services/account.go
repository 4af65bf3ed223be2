package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gersonrivera27/STACKPOS/internal/credentials"
	"github.com/gersonrivera27/STACKPOS/internal/store"
	"github.com/gersonrivera27/STACKPOS/types"
)

// ErrInvalidAccount is returned when a new account is missing required fields.
var ErrInvalidAccount = errors.New("invalid account")

// AccountRepository defines persistence operations for accounts.
type AccountRepository interface {
	ListActive(ctx context.Context) ([]types.Account, error)
	Create(ctx context.Context, account types.Account) (types.Account, error)
	ListPlaintextPINs(ctx context.Context) ([]store.PlaintextPIN, error)
	UpdatePINHash(ctx context.Context, id int, hash string) error
}

// NewAccount carries the plaintext secrets for an account being created.
type NewAccount struct {
	Username string
	Email    string
	FullName string
	Role     types.Role
	Password string
	PIN      string
}

// AccountService encapsulates account use-cases outside the login flows.
type AccountService struct {
	repo   AccountRepository
	logger *slog.Logger
}

func NewAccountService(repo AccountRepository, logger *slog.Logger) *AccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{repo: repo, logger: logger}
}

// ListActive returns the public view of every active account.
func (s *AccountService) ListActive(ctx context.Context) ([]types.PublicAccount, error) {
	accounts, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	public := make([]types.PublicAccount, 0, len(accounts))
	for _, account := range accounts {
		public = append(public, account.Public())
	}
	return public, nil
}

// Create hashes the supplied secrets and stores a new active account.
func (s *AccountService) Create(ctx context.Context, input NewAccount) (types.Account, error) {
	input.Username = strings.TrimSpace(input.Username)
	input.Email = strings.TrimSpace(input.Email)
	input.FullName = strings.TrimSpace(input.FullName)
	if input.Username == "" || input.Email == "" || input.Password == "" {
		return types.Account{}, fmt.Errorf("%w: username, email and password are required", ErrInvalidAccount)
	}
	if input.Role == "" {
		input.Role = types.RoleStaff
	}
	if !input.Role.Valid() {
		return types.Account{}, fmt.Errorf("%w: unknown role %q", ErrInvalidAccount, input.Role)
	}

	passwordHash, err := credentials.HashSecret(input.Password)
	if err != nil {
		return types.Account{}, fmt.Errorf("hash password: %w", err)
	}
	var pinHash string
	if input.PIN != "" {
		if pinHash, err = credentials.HashSecret(input.PIN); err != nil {
			return types.Account{}, fmt.Errorf("hash pin: %w", err)
		}
	}

	account, err := s.repo.Create(ctx, types.Account{
		Username:     input.Username,
		Email:        input.Email,
		FullName:     input.FullName,
		Role:         input.Role,
		PasswordHash: passwordHash,
		PINHash:      pinHash,
		IsActive:     true,
	})
	if err != nil {
		return types.Account{}, err
	}
	s.logger.InfoContext(ctx, "account created", "account_id", account.ID, "role", account.Role)
	return account, nil
}

// MigratePINs replaces every stored plaintext PIN with its bcrypt hash and
// returns how many accounts were updated.
func (s *AccountService) MigratePINs(ctx context.Context) (int, error) {
	pins, err := s.repo.ListPlaintextPINs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list plaintext pins: %w", err)
	}

	migrated := 0
	for _, pin := range pins {
		hash, err := credentials.HashSecret(pin.Value)
		if err != nil {
			return migrated, fmt.Errorf("hash pin for account %d: %w", pin.AccountID, err)
		}
		if err := s.repo.UpdatePINHash(ctx, pin.AccountID, hash); err != nil {
			return migrated, fmt.Errorf("update pin for account %d: %w", pin.AccountID, err)
		}
		migrated++
		s.logger.InfoContext(ctx, "pin migrated", "account_id", pin.AccountID)
	}
	return migrated, nil
}
