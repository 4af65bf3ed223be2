package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenDigest returns the hex SHA-256 of a token. Only digests are persisted.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RefreshTokenOption configures a RefreshTokenRepository.
type RefreshTokenOption func(*RefreshTokenRepository)

// WithTokenClock overrides the time source used for expiry and revocation.
func WithTokenClock(now func() time.Time) RefreshTokenOption {
	return func(r *RefreshTokenRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// RefreshTokenRepository tracks issued refresh tokens so they can be revoked.
type RefreshTokenRepository struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewRefreshTokenRepository(db *sql.DB, ttl time.Duration, opts ...RefreshTokenOption) *RefreshTokenRepository {
	r := &RefreshTokenRepository{db: db, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores the digest of a newly issued refresh token.
func (r *RefreshTokenRepository) Record(ctx context.Context, accountID int, token string) error {
	now := r.now().UTC()
	const query = `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := r.db.ExecContext(ctx, query, accountID, TokenDigest(token), now.Add(r.ttl), now); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("record refresh token: %w", err)
	}
	return nil
}

// Revoke marks the token revoked. It reports false when no active row matched,
// so revoking twice is harmless.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, token string) (bool, error) {
	const query = `
		UPDATE refresh_tokens
		SET revoked_at = $1
		WHERE token_hash = $2 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, r.now().UTC(), TokenDigest(token))
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// IsValid reports whether the token is recorded, unrevoked and unexpired.
func (r *RefreshTokenRepository) IsValid(ctx context.Context, token string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM refresh_tokens
			WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2
		)`
	var valid bool
	if err := r.db.QueryRowContext(ctx, query, TokenDigest(token), r.now().UTC()).Scan(&valid); err != nil {
		return false, fmt.Errorf("check refresh token: %w", err)
	}
	return valid, nil
}

// Rotate revokes oldToken and records newToken in one transaction. When
// oldToken is no longer active for the account nothing is written and
// ErrNotFound is returned, so a token can be exchanged at most once.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, accountID int, oldToken, newToken string) error {
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const revokeQuery = `
		UPDATE refresh_tokens
		SET revoked_at = $1
		WHERE token_hash = $2 AND user_id = $3 AND revoked_at IS NULL AND expires_at > $1`
	result, err := tx.ExecContext(ctx, revokeQuery, now, TokenDigest(oldToken), accountID)
	if err != nil {
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	const insertQuery = `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, insertQuery, accountID, TokenDigest(newToken), now.Add(r.ttl), now); err != nil {
		return fmt.Errorf("record rotated token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	return nil
}
