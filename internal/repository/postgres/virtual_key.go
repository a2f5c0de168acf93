package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"hermes/internal/domain/virtualkey"
	pkgerrors "hermes/pkg/errors"
)

// Compile-time check
var _ virtualkey.Repository = (*VirtualKeyRepository)(nil)

// VirtualKeyRepository implements virtualkey.Repository using sqlx.
// Accepts DBTX so tests can run inside a rolled-back transaction.
type VirtualKeyRepository struct {
	db DBTX
}

// NewVirtualKeyRepository creates a new virtual key repository
func NewVirtualKeyRepository(db DBTX) *VirtualKeyRepository {
	return &VirtualKeyRepository{db: db}
}

// scanVirtualKey scans a single virtual key from a database row
func scanVirtualKey(row interface {
	Scan(dest ...interface{}) error
}) (*virtualkey.VirtualKey, error) {
	key := &virtualkey.VirtualKey{}

	err := row.Scan(
		&key.ID, &key.UserID, &key.Exchange, &key.Label,
		&key.APIKeyEncrypted, &key.SecretEncrypted,
		&key.StreamKeyEncrypted, &key.StreamSecretEncrypted,
		&key.IsTestnet, pq.Array(&key.Permissions), &key.RateLimitPerMinute,
		&key.IsActive, &key.LastUsedAt, &key.CreatedAt, &key.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return key, nil
}

// Create inserts a new virtual key
// Note: secret material must already be encrypted before calling this
func (r *VirtualKeyRepository) Create(ctx context.Context, key *virtualkey.VirtualKey) error {
	query := `
		INSERT INTO virtual_keys (
			id, user_id, exchange, label,
			api_key_encrypted, secret_encrypted,
			stream_key_encrypted, stream_secret_encrypted,
			is_testnet, permissions, rate_limit_per_minute,
			is_active, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)`

	_, err := r.db.ExecContext(ctx, query,
		key.ID, key.UserID, key.Exchange, key.Label,
		key.APIKeyEncrypted, key.SecretEncrypted,
		key.StreamKeyEncrypted, key.StreamSecretEncrypted,
		key.IsTestnet, pq.Array(key.Permissions), key.RateLimitPerMinute,
		key.IsActive, key.CreatedAt, key.UpdatedAt,
	)

	return err
}

// GetByIDAndUser retrieves a virtual key scoped to its owner
func (r *VirtualKeyRepository) GetByIDAndUser(ctx context.Context, id, userID uuid.UUID) (*virtualkey.VirtualKey, error) {
	query := `
		SELECT
			id, user_id, exchange, label,
			api_key_encrypted, secret_encrypted,
			stream_key_encrypted, stream_secret_encrypted,
			is_testnet, permissions, rate_limit_per_minute,
			is_active, last_used_at, created_at, updated_at
		FROM virtual_keys
		WHERE id = $1 AND user_id = $2`

	row := r.db.QueryRowContext(ctx, query, id, userID)
	key, err := scanVirtualKey(row)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "virtual key %s", id)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to get virtual key")
	}

	return key, nil
}

// GetByUser retrieves all virtual keys for a user
func (r *VirtualKeyRepository) GetByUser(ctx context.Context, userID uuid.UUID) ([]*virtualkey.VirtualKey, error) {
	query := `
		SELECT
			id, user_id, exchange, label,
			api_key_encrypted, secret_encrypted,
			stream_key_encrypted, stream_secret_encrypted,
			is_testnet, permissions, rate_limit_per_minute,
			is_active, last_used_at, created_at, updated_at
		FROM virtual_keys
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query virtual keys")
	}
	defer rows.Close()

	var keys []*virtualkey.VirtualKey
	for rows.Next() {
		key, err := scanVirtualKey(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan virtual key")
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to iterate virtual keys")
	}

	return keys, nil
}

// Update updates the mutable fields of a virtual key
func (r *VirtualKeyRepository) Update(ctx context.Context, key *virtualkey.VirtualKey) error {
	query := `
		UPDATE virtual_keys SET
			label = $2,
			permissions = $3,
			rate_limit_per_minute = $4,
			is_active = $5,
			updated_at = NOW()
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query,
		key.ID, key.Label, pq.Array(key.Permissions),
		key.RateLimitPerMinute, key.IsActive,
	)

	return err
}

// TouchLastUsed updates the last used timestamp
func (r *VirtualKeyRepository) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE virtual_keys SET last_used_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// Delete deletes a virtual key
func (r *VirtualKeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM virtual_keys WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}
