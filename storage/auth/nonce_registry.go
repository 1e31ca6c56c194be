package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"databounty-backend/chainsig"
)

// challengeDomain versions the challenge derivation; bump it and every
// outstanding challenge is invalidated at once.
const challengeDomain = "databounty-auth-v1"

// NonceRegistry tracks a monotonically increasing nonce per user address.
// Challenges are derived deterministically from the current nonce, so the
// registry never stores pending challenge state: signing the current challenge
// proves key control, and advancing the nonce retires it. A signature over an
// old nonce's challenge can never validate again.
type NonceRegistry struct {
	mu         sync.Mutex
	chainID    string
	contractID string
	verifier   *chainsig.Verifier
	nonces     map[string]uint64
}

// NewNonceRegistry builds a registry scoped to one chain and ledger instance.
func NewNonceRegistry(chainID, contractID string, verifier *chainsig.Verifier) *NonceRegistry {
	return &NonceRegistry{
		chainID:    chainID,
		contractID: contractID,
		verifier:   verifier,
		nonces:     make(map[string]uint64),
	}
}

// Nonce returns the user's current nonce. Unknown users start at zero.
func (r *NonceRegistry) Nonce(user string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonces[normalize(user)]
}

// Challenge returns the deterministic challenge for the user's current nonce
// along with the nonce it binds. Anyone can derive the same string; only the
// key holder can sign it.
func (r *NonceRegistry) Challenge(user string) (string, uint64) {
	nonce := r.Nonce(user)
	return r.challengeFor(user, nonce), nonce
}

func (r *NonceRegistry) challengeFor(user string, nonce uint64) string {
	preimage := fmt.Sprintf("%s|%s|%d|%s|%s", challengeDomain, normalize(user), nonce, r.chainID, r.contractID)
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// VerifyResponse checks a signature over the user's current challenge and, on
// success, advances the nonce so the response cannot be replayed. The nonce
// read, the verification, and the advance share one critical section.
func (r *NonceRegistry) VerifyResponse(user, signature string) (uint64, error) {
	key := normalize(user)
	r.mu.Lock()
	defer r.mu.Unlock()
	nonce := r.nonces[key]
	challenge := r.challengeFor(user, nonce)
	if err := r.verifier.VerifyUser(user, []byte(challenge), signature); err != nil {
		return 0, err
	}
	r.nonces[key] = nonce + 1
	return nonce + 1, nil
}

// Advance retires a user's current nonce on the authority's say-so: the
// attestation over (user, nonce) must carry the authority's signature, not the
// user's, so only the login backend can burn a challenge out of band. The
// signed nonce must match the current one.
func (r *NonceRegistry) Advance(user string, nonce uint64, timestamp int64, signature string) (uint64, error) {
	key := normalize(user)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nonces[key] != nonce {
		return 0, fmt.Errorf("nonce mismatch: have %d, signed %d", r.nonces[key], nonce)
	}
	payload := chainsig.AdvanceNoncePayload(user, nonce, timestamp)
	if err := r.verifier.VerifyAuthority(payload, signature); err != nil {
		return 0, err
	}
	r.nonces[key] = nonce + 1
	return nonce + 1, nil
}

func normalize(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}
