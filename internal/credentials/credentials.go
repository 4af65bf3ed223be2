// Package credentials hashes and verifies passwords and PINs with bcrypt.
package credentials

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// maxSecretBytes is the longest input bcrypt accepts.
const maxSecretBytes = 72

var (
	// ErrEmptySecret is returned when hashing an empty secret.
	ErrEmptySecret = errors.New("secret is empty")
	// ErrUnhashedSecret is returned when a stored PIN is not in bcrypt form.
	ErrUnhashedSecret = errors.New("stored secret is not a bcrypt hash")
)

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// HashSecret returns a salted bcrypt hash of plaintext.
func HashSecret(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptySecret
	}
	hash, err := bcrypt.GenerateFromPassword(truncate(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret reports whether plaintext matches hash.
func VerifySecret(plaintext, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), truncate(plaintext)) == nil
}

// VerifyPIN checks pin against a stored PIN hash. A stored value without a
// bcrypt prefix is never compared and yields ErrUnhashedSecret.
func VerifyPIN(pin, stored string) (bool, error) {
	if !IsHashed(stored) {
		return false, ErrUnhashedSecret
	}
	return VerifySecret(pin, stored), nil
}

// IsHashed reports whether stored carries a bcrypt version prefix.
func IsHashed(stored string) bool {
	for _, prefix := range bcryptPrefixes {
		if strings.HasPrefix(stored, prefix) {
			return true
		}
	}
	return false
}

var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("stackpos-dummy-secret"), bcrypt.DefaultCost)
	if err != nil {
		return nil
	}
	return hash
})

// CompareDummy spends the same work as VerifySecret against a throwaway hash.
// Login paths call it when no account matched so both branches take equal time.
func CompareDummy(plaintext string) {
	if hash := dummyHash(); hash != nil {
		_ = bcrypt.CompareHashAndPassword(hash, truncate(plaintext))
	}
}

func truncate(plaintext string) []byte {
	b := []byte(plaintext)
	if len(b) > maxSecretBytes {
		b = b[:maxSecretBytes]
	}
	return b
}
