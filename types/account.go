package types

import (
	"strings"
	"time"
)

// Role is the authorization level of an account within the POS.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleStaff:
		return true
	default:
		return false
	}
}

// ParseRole normalizes a role name. Unknown names yield ok=false.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	return role, role.Valid()
}

// Account represents a person allowed to operate the point of sale.
// It contains identity, role, credential hashes, and login metadata.
type Account struct {
	// ID is the immutable, globally unique identifier of the account.
	ID int `json:"id" db:"id"`

	// Username is the unique login name of the account.
	Username string `json:"username" db:"username"`

	// Email is the unique email address of the account.
	Email string `json:"email" db:"email"`

	// FullName is the display name shown on receipts and the PIN pad.
	FullName string `json:"full_name" db:"full_name"`

	// Role indicates the authorization level of the account.
	Role Role `json:"role" db:"role"`

	// PasswordHash stores the bcrypt hash of the account password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"hashed_password"`

	// PINHash stores the bcrypt hash of the quick-login PIN, if one is set.
	// This field is never exposed in API responses.
	PINHash string `json:"-" db:"pin_hash"`

	// IsActive is false for disabled accounts, which can no longer sign in.
	IsActive bool `json:"is_active" db:"is_active"`

	// CreatedAt is the timestamp when the account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// LastLogin is the timestamp of the most recent successful sign in.
	LastLogin *time.Time `json:"last_login,omitempty" db:"last_login"`
}

// HasPIN reports whether a PIN has been configured for the account.
func (a Account) HasPIN() bool {
	return a.PINHash != ""
}

// Public returns the fields of the account that may be shown to clients.
func (a Account) Public() PublicAccount {
	return PublicAccount{
		ID:       a.ID,
		Username: a.Username,
		Email:    a.Email,
		FullName: a.FullName,
		Role:     a.Role,
		IsActive: a.IsActive,
	}
}

// PublicAccount is the account representation embedded in auth responses.
type PublicAccount struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
	Role     Role   `json:"role"`
	IsActive bool   `json:"is_active"`
}
