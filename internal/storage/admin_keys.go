package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash; can be raised to 12 for hardening.
	bcryptCost  = 10
	bcryptLimit = 72

	adminKeyPrefix  = "indexpilot_ak_"
	randomBytesSize = 32
)

var (
	// ErrAdminKeyEmpty is returned when an empty admin key is provided.
	ErrAdminKeyEmpty = errors.New("admin key cannot be empty")

	// ErrAdminKeyStoreFailed is returned when a key store operation fails.
	ErrAdminKeyStoreFailed = errors.New("admin key store operation failed")
)

// HashAdminKey generates a bcrypt hash of the admin API key for secure storage.
// The key is never stored in plaintext - only the bcrypt hash is persisted.
//
// Bcrypt has a 72-byte input limit; longer keys are pre-hashed with SHA-256.
func HashAdminKey(key string) (string, error) {
	if key == "" {
		return "", ErrAdminKeyEmpty
	}

	var input []byte

	if len(key) > bcryptLimit {
		sum := sha256.Sum256([]byte(key))
		input = sum[:]
	} else {
		input = []byte(key)
	}

	hash, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash admin key: %w", err)
	}

	return string(hash), nil
}

// CompareAdminKeyHash performs constant-time comparison of an admin key against
// a bcrypt hash. Returns false for any error condition.
func CompareAdminKeyHash(key, hash string) bool {
	if key == "" || hash == "" {
		return false
	}

	var input []byte

	if len(key) > bcryptLimit {
		sum := sha256.Sum256([]byte(key))
		input = sum[:]
	} else {
		input = []byte(key)
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), input) == nil
}

// GenerateAdminKey creates a new admin API key: "indexpilot_ak_" + 64 hex chars.
func GenerateAdminKey() (string, error) {
	randomBytes := make([]byte, randomBytesSize)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return adminKeyPrefix + hex.EncodeToString(randomBytes), nil
}

// AdminKeyStore validates admin API keys against bcrypt hashes in the
// admin_keys table. Validation cost is dominated by bcrypt on purpose.
type AdminKeyStore struct {
	conn *Connection
}

// NewAdminKeyStore creates a PostgreSQL-backed admin key store.
func NewAdminKeyStore(conn *Connection) (*AdminKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &AdminKeyStore{conn: conn}, nil
}

// Validate reports whether the provided key matches any active, unexpired
// admin key. Errors are swallowed into "not valid" so the auth path never
// distinguishes storage failure from a bad key.
func (s *AdminKeyStore) Validate(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT key_hash FROM admin_keys
		WHERE active = TRUE AND (expires_at IS NULL OR expires_at > NOW())
	`)
	if err != nil {
		return false
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var hash string

		if err := rows.Scan(&hash); err != nil {
			return false
		}

		if CompareAdminKeyHash(key, hash) {
			return true
		}
	}

	return false
}

// Add stores a new admin key hash with an optional expiry.
func (s *AdminKeyStore) Add(ctx context.Context, name, key string, expiresAt *time.Time) error {
	hash, err := HashAdminKey(key)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO admin_keys (name, key_hash, active, expires_at, created_at)
		VALUES ($1, $2, TRUE, $3, NOW())
	`

	if _, err := s.conn.ExecContext(ctx, query, name, hash, expiresAt); err != nil {
		return fmt.Errorf("%w: %w", ErrAdminKeyStoreFailed, err)
	}

	return nil
}
