package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"annohub/internal/domain"
)

// HashAPIKey is the canonical digest stored for raw API keys.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertAPIKey(ctx context.Context, q Querier, k domain.APIKey) error {
	_, err := q.ExecContext(ctx, `INSERT INTO api_keys(id,user_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.UserID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetAPIKeyByHash resolves a stored key hash to its owner.
func (r Repo) GetAPIKeyByHash(ctx context.Context, q Querier, keyHash string) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,user_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`, keyHash).
		Scan(&k.ID, &k.UserID, &name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if name.Valid {
		k.Name = name.String
	}
	return k, err
}

// DeleteAPIKey revokes a key. The owner is part of the predicate so a caller
// can never delete somebody else's key by id alone.
func (r Repo) DeleteAPIKey(ctx context.Context, q Querier, id, userID string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
