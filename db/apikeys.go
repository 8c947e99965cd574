package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyStore issues and verifies machine credentials used by integrations
// hitting the action callback without a signed token. Only the bcrypt hash
// of the secret is stored; the plaintext is shown once at creation.
type APIKeyStore struct {
	PG *sql.DB
}

func NewAPIKeyStore(pg *sql.DB) *APIKeyStore {
	return &APIKeyStore{PG: pg}
}

// Create stores a new API key and returns its ID. The caller supplies the
// plaintext secret (typically random); only its hash is persisted.
func (s *APIKeyStore) Create(ctx context.Context, name, secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key secret: %w", err)
	}

	id := uuid.New().String()
	query := `
		INSERT INTO api_keys (id, name, secret_hash, is_active, created_at)
		VALUES ($1, $2, $3, true, NOW())`

	if _, err := s.PG.ExecContext(ctx, query, id, name, string(hash)); err != nil {
		return "", fmt.Errorf("failed to insert api key: %w", err)
	}
	return id, nil
}

// Verify checks an ID/secret pair against the stored hash. Unknown, revoked
// and mismatched keys all report false with no error; errors are reserved
// for the store itself misbehaving.
func (s *APIKeyStore) Verify(ctx context.Context, id, secret string) (bool, error) {
	var hash string
	query := `SELECT secret_hash FROM api_keys WHERE id = $1 AND is_active = true`
	err := s.PG.QueryRowContext(ctx, query, id).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up api key %s: %w", id, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return false, nil
	}
	return true, nil
}

// Revoke deactivates a key. Revoking an unknown key is a no-op.
func (s *APIKeyStore) Revoke(ctx context.Context, id string) error {
	query := `UPDATE api_keys SET is_active = false WHERE id = $1`
	if _, err := s.PG.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to revoke api key %s: %w", id, err)
	}
	return nil
}
