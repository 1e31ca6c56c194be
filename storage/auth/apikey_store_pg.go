package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAPIKeyStore persists API keys in Postgres. Only the SHA-256 digest of a
// key is stored; a database dump never yields usable credentials. Keys are
// 256-bit random values, so the unsalted digest doubles as an indexable
// primary key without opening a dictionary on the table.
type PGAPIKeyStore struct {
	pool *pgxpool.Pool
}

// NewPGAPIKeyStore wraps an existing pool and initializes the schema.
func NewPGAPIKeyStore(ctx context.Context, pool *pgxpool.Pool) (*PGAPIKeyStore, error) {
	s := &PGAPIKeyStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("api key schema: %w", err)
	}
	return s, nil
}

func (s *PGAPIKeyStore) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
  key_hash TEXT PRIMARY KEY,
  label TEXT,
  address TEXT,
  source TEXT,
  created_at TIMESTAMPTZ DEFAULT now()
);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Validate implements APIKeyValidator.
func (s *PGAPIKeyStore) Validate(key string) bool {
	if key == "" {
		return false
	}
	var exists bool
	err := s.pool.QueryRow(context.Background(),
		"SELECT true FROM api_keys WHERE key_hash=$1", hashAPIKey(key)).Scan(&exists)
	return err == nil && exists
}

// Get returns the record for a key. The stored row has no plaintext; the
// returned record echoes the presented key so callers see a uniform shape
// across backends.
func (s *PGAPIKeyStore) Get(key string) (APIKey, bool) {
	if key == "" {
		return APIKey{}, false
	}
	rec := APIKey{Key: key}
	err := s.pool.QueryRow(context.Background(),
		"SELECT COALESCE(label,''), COALESCE(address,''), COALESCE(source,''), created_at FROM api_keys WHERE key_hash=$1",
		hashAPIKey(key)).Scan(&rec.Label, &rec.Address, &rec.Source, &rec.CreatedAt)
	if err != nil {
		return APIKey{}, false
	}
	return rec, true
}

// Issue implements APIKeyIssuer. The plaintext key is returned to the caller
// exactly once and never written to the database.
func (s *PGAPIKeyStore) Issue(label, address, source string) (APIKey, error) {
	key, err := generateKey()
	if err != nil {
		return APIKey{}, err
	}
	rec := APIKey{Key: key, Label: label, Address: address, Source: source, CreatedAt: time.Now()}
	_, err = s.pool.Exec(context.Background(),
		"INSERT INTO api_keys (key_hash, label, address, source, created_at) VALUES ($1,$2,$3,$4,$5)",
		hashAPIKey(key), rec.Label, rec.Address, rec.Source, rec.CreatedAt)
	if err != nil {
		return APIKey{}, err
	}
	return rec, nil
}

// BindAddress attaches a ledger address to an existing API key.
func (s *PGAPIKeyStore) BindAddress(key, address string) (APIKey, error) {
	key = strings.TrimSpace(key)
	address = strings.TrimSpace(address)
	if key == "" {
		return APIKey{}, fmt.Errorf("api key required")
	}
	if address == "" {
		return APIKey{}, fmt.Errorf("address required")
	}
	rec := APIKey{Key: key}
	err := s.pool.QueryRow(context.Background(), `
UPDATE api_keys SET address=$2 WHERE key_hash=$1
RETURNING COALESCE(label,''), COALESCE(address,''), COALESCE(source,''), created_at
`, hashAPIKey(key), address).Scan(&rec.Label, &rec.Address, &rec.Source, &rec.CreatedAt)
	if err != nil {
		return APIKey{}, err
	}
	return rec, nil
}

// Seed inserts a provided key if not already present.
func (s *PGAPIKeyStore) Seed(key, label, source string) {
	if key == "" {
		return
	}
	_, _ = s.pool.Exec(context.Background(),
		"INSERT INTO api_keys (key_hash, label, source, created_at) VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING",
		hashAPIKey(key), label, source, time.Now())
}
