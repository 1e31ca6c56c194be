package chainsig

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// DefaultMaxSkew bounds how far a signed payload's timestamp may drift from
// local time before the attestation is considered stale.
const DefaultMaxSkew = 10 * time.Minute

var (
	ErrBadSignature   = Err("malformed or unverifiable signature")
	ErrWrongSigner    = Err("signature does not recover to expected address")
	ErrStaleTimestamp = Err("signed timestamp outside freshness window")
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

// Verifier checks that messages were signed by the configured authority key or
// by a caller-supplied user key. All checks are pure; any mismatch is a hard
// rejection of the enclosing operation.
type Verifier struct {
	authority string
	maxSkew   time.Duration
	now       func() time.Time
}

// NewVerifier builds a Verifier for the given authority address.
func NewVerifier(authority string, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{authority: authority, maxSkew: maxSkew, now: time.Now}
}

// Authority returns the configured authority address.
func (v *Verifier) Authority() string { return v.authority }

// VerifyAuthority checks that the authority signed exactly this payload and
// that the payload's timestamp is inside the freshness window.
func (v *Verifier) VerifyAuthority(p Payload, signature string) error {
	if err := v.checkFreshness(p.Timestamp); err != nil {
		return err
	}
	return verifySignedHash(v.authority, signature, p.Hash())
}

// VerifyUserPayload checks that the expected user signed exactly this payload.
func (v *Verifier) VerifyUserPayload(expected string, p Payload, signature string) error {
	if err := v.checkFreshness(p.Timestamp); err != nil {
		return err
	}
	return verifySignedHash(expected, signature, p.Hash())
}

// VerifyUser checks that the expected user signed the raw message (used for
// auth challenges, which carry their freshness in the nonce scheme).
func (v *Verifier) VerifyUser(expected string, message []byte, signature string) error {
	return verifySignedHash(expected, signature, MessageHash(message))
}

func (v *Verifier) checkFreshness(ts int64) error {
	delta := v.now().Sub(time.Unix(ts, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.maxSkew {
		return ErrStaleTimestamp
	}
	return nil
}

// verifySignedHash recovers the public key from a 65-byte compact signature
// and compares the derived address against expected. The same key is accepted
// in P2PKH (compressed or uncompressed), P2WPKH, and nested P2SH-P2WPKH form,
// since wallets differ in which flavor they report for signed messages.
func verifySignedHash(expected, signatureB64 string, hash []byte) error {
	params := chooseParams(expected)
	if params == nil {
		return fmt.Errorf("%w: unsupported address network", ErrWrongSigner)
	}
	if _, err := btcutil.DecodeAddress(expected, params); err != nil {
		return fmt.Errorf("%w: %v", ErrWrongSigner, err)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sigBytes) != 65 {
		return fmt.Errorf("%w: invalid signature length %d", ErrBadSignature, len(sigBytes))
	}

	pubKey, wasCompressed, err := ecdsa.RecoverCompact(sigBytes, hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	serialized := pubKey.SerializeCompressed()
	if !wasCompressed {
		serialized = pubKey.SerializeUncompressed()
	}
	addr, err := btcutil.NewAddressPubKey(serialized, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if strings.EqualFold(addr.AddressPubKeyHash().EncodeAddress(), expected) {
		return nil
	}

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	if wpkh, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params); err == nil {
		if strings.EqualFold(wpkh.EncodeAddress(), expected) {
			return nil
		}
	}
	if witScript, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(pubKeyHash).Script(); err == nil {
		if sh, err := btcutil.NewAddressScriptHash(witScript, params); err == nil {
			if strings.EqualFold(sh.EncodeAddress(), expected) {
				return nil
			}
		}
	}

	return ErrWrongSigner
}

// chooseParams picks chain params from the address flavor.
func chooseParams(address string) *chaincfg.Params {
	switch {
	case strings.HasPrefix(address, "1"), strings.HasPrefix(address, "3"), strings.HasPrefix(address, "bc1"):
		return &chaincfg.MainNetParams
	case strings.HasPrefix(address, "m"), strings.HasPrefix(address, "n"), strings.HasPrefix(address, "2"), strings.HasPrefix(address, "tb1"):
		return &chaincfg.TestNet3Params
	default:
		return nil
	}
}
