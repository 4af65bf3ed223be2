package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gersonrivera27/STACKPOS/types"
)

const accountColumns = `id, username, email, hashed_password, COALESCE(pin_hash, ''),
		COALESCE(full_name, ''), role, is_active, created_at, last_login`

// PlaintextPIN is a stored PIN value that has not been hashed yet.
type PlaintextPIN struct {
	AccountID int
	Value     string
}

// AccountRepository handles persistence for accounts in the users table.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByID(ctx context.Context, id int) (types.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM users
		WHERE id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, id))
}

// GetByUsernameOrEmail resolves a login identifier. A username match wins over
// an email match when both exist.
func (r *AccountRepository) GetByUsernameOrEmail(ctx context.Context, identifier string) (types.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM users
		WHERE username = $1 OR email = $1
		ORDER BY (username = $1) DESC
		LIMIT 1`
	return scanAccount(r.db.QueryRowContext(ctx, query, identifier))
}

// ListActive returns every active account ordered for display.
func (r *AccountRepository) ListActive(ctx context.Context) ([]types.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM users
		WHERE is_active = TRUE
		ORDER BY COALESCE(full_name, username), id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []types.Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *AccountRepository) UpdateLastLogin(ctx context.Context, id int, at time.Time) error {
	const query = `UPDATE users SET last_login = $1 WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// Create inserts a new account. Duplicate usernames or emails yield ErrConflict.
func (r *AccountRepository) Create(ctx context.Context, account types.Account) (types.Account, error) {
	const query = `
		INSERT INTO users (username, email, hashed_password, pin_hash, full_name, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	err := r.db.QueryRowContext(
		ctx,
		query,
		account.Username,
		account.Email,
		account.PasswordHash,
		nullString(account.PINHash),
		nullString(account.FullName),
		string(account.Role),
		account.IsActive,
	).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Account{}, ErrConflict
		}
		return types.Account{}, err
	}
	return account, nil
}

// ListPlaintextPINs returns stored PINs lacking a bcrypt prefix.
func (r *AccountRepository) ListPlaintextPINs(ctx context.Context) ([]PlaintextPIN, error) {
	const query = `
		SELECT id, pin_hash
		FROM users
		WHERE pin_hash IS NOT NULL
			AND pin_hash <> ''
			AND LEFT(pin_hash, 4) NOT IN ('$2a$', '$2b$', '$2y$')
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pins []PlaintextPIN
	for rows.Next() {
		var pin PlaintextPIN
		if err := rows.Scan(&pin.AccountID, &pin.Value); err != nil {
			return nil, err
		}
		pins = append(pins, pin)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pins, nil
}

func (r *AccountRepository) UpdatePINHash(ctx context.Context, id int, hash string) error {
	const query = `UPDATE users SET pin_hash = $1 WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, hash, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (types.Account, error) {
	var (
		account   types.Account
		role      string
		lastLogin sql.NullTime
	)
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Email,
		&account.PasswordHash,
		&account.PINHash,
		&account.FullName,
		&role,
		&account.IsActive,
		&account.CreatedAt,
		&lastLogin,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, err
	}
	account.Role = types.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		account.LastLogin = &t
	}
	return account, nil
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
