package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// APIKey is an issued API key bound to an optional ledger address.
type APIKey struct {
	Key       string    `json:"key"`
	Label     string    `json:"label,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source,omitempty"` // e.g. "seed", "registration"
}

// APIKeyValidator is the minimal interface the auth middleware needs.
type APIKeyValidator interface {
	Validate(key string) bool
	Get(key string) (APIKey, bool)
}

// APIKeyIssuer creates new API keys.
type APIKeyIssuer interface {
	Issue(label, address, source string) (APIKey, error)
}

// APIKeyBackend is the full key-management surface a deployment wires up:
// validation for the middleware, issuance for registration, plus seeding and
// address binding. Both the memory and Postgres stores satisfy it.
type APIKeyBackend interface {
	APIKeyValidator
	APIKeyIssuer
	Seed(key, label, source string)
	BindAddress(key, address string) (APIKey, error)
}

// APIKeyStore provides in-memory API key validation and issuance.
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]APIKey
}

// NewAPIKeyStore constructs an empty store.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{keys: make(map[string]APIKey)}
}

// Seed adds a pre-existing key (e.g. from env).
func (s *APIKeyStore) Seed(key, label, source string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = APIKey{Key: key, Label: label, Source: source, CreatedAt: time.Now()}
}

// Validate returns true if the key exists.
func (s *APIKeyStore) Validate(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// Get returns the stored record for a key, if present.
func (s *APIKeyStore) Get(key string) (APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[key]
	return rec, ok
}

// Issue creates and stores a new API key.
func (s *APIKeyStore) Issue(label, address, source string) (APIKey, error) {
	key, err := generateKey()
	if err != nil {
		return APIKey{}, err
	}
	rec := APIKey{Key: key, Label: label, Address: address, Source: source, CreatedAt: time.Now()}
	s.mu.Lock()
	s.keys[key] = rec
	s.mu.Unlock()
	return rec, nil
}

// BindAddress attaches a ledger address to an existing API key.
func (s *APIKeyStore) BindAddress(key, address string) (APIKey, error) {
	key = strings.TrimSpace(key)
	address = strings.TrimSpace(address)
	if key == "" {
		return APIKey{}, fmt.Errorf("api key required")
	}
	if address == "" {
		return APIKey{}, fmt.Errorf("address required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[key]
	if !ok {
		return APIKey{}, fmt.Errorf("api key not found")
	}
	rec.Address = address
	s.keys[key] = rec
	return rec, nil
}

func generateKey() (string, error) {
	b := make([]byte, 32) // 256-bit key
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
