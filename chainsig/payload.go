package chainsig

import (
	"bytes"
	"crypto/sha256"
	"strconv"

	"github.com/btcsuite/btcd/wire"
)

// messagePrefix domain-separates ledger attestations from any other signed
// content a wallet might produce.
const messagePrefix = "DataBounty Signed Message:\n"

// Operation tags. The tag is the first encoded field of every payload so a
// signature for one operation can never be replayed against another.
const (
	OpSubmission   = "submission"
	OpVerification = "verification"
	OpBatch        = "batch"
	OpClaim        = "claim"
	OpAdvanceNonce = "advance_nonce"
	OpSetActive    = "set_active"
)

// Payload is the canonical encoding of one authority-gated operation.
// Fields are varstring-encoded in fixed order, so free-text fields (storage
// URLs, metadata blobs) cannot collide with field boundaries.
type Payload struct {
	Op        string
	Fields    []string
	Timestamp int64
}

// Encode renders the payload bytes the signer must have signed.
func (p Payload) Encode() []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, p.Op)
	for _, f := range p.Fields {
		_ = wire.WriteVarString(&buf, 0, f)
	}
	_ = wire.WriteVarString(&buf, 0, strconv.FormatInt(p.Timestamp, 10))
	return buf.Bytes()
}

// Hash returns the double-SHA256 digest of the prefixed payload, the digest
// compact signatures recover against.
func (p Payload) Hash() []byte {
	return MessageHash(p.Encode())
}

// MessageHash hashes arbitrary message bytes under the ledger's signed-message
// prefix.
func MessageHash(message []byte) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, messagePrefix)
	_ = wire.WriteVarString(&buf, 0, string(message))
	h1 := sha256.Sum256(buf.Bytes())
	h2 := sha256.Sum256(h1[:])
	return h2[:]
}

// SubmissionPayload binds every parameter of a submission call.
func SubmissionPayload(contributor, taskID, storageURL, metadata, preferredChain string, ts int64) Payload {
	return Payload{
		Op:        OpSubmission,
		Fields:    []string{contributor, taskID, storageURL, metadata, preferredChain},
		Timestamp: ts,
	}
}

// VerificationPayload binds a verification result to one submission.
func VerificationPayload(submissionID string, qualityScore int, approved bool, ts int64) Payload {
	return Payload{
		Op:        OpVerification,
		Fields:    []string{submissionID, strconv.Itoa(qualityScore), strconv.FormatBool(approved)},
		Timestamp: ts,
	}
}

// BatchPayload binds the whole recipient/amount/chain arrays. Each array is
// encoded as a length field followed by one varstring per element, so element
// boundaries are signature-bound: moving bytes between adjacent recipients
// changes the encoding.
func BatchPayload(taskID string, recipients []string, amounts []int64, targetChains []string, ts int64) Payload {
	fields := []string{taskID, strconv.Itoa(len(recipients))}
	fields = append(fields, recipients...)
	fields = append(fields, strconv.Itoa(len(amounts)))
	for _, a := range amounts {
		fields = append(fields, strconv.FormatInt(a, 10))
	}
	fields = append(fields, strconv.Itoa(len(targetChains)))
	fields = append(fields, targetChains...)
	return Payload{
		Op:        OpBatch,
		Fields:    fields,
		Timestamp: ts,
	}
}

// ClaimPayload binds a single-recipient claim.
func ClaimPayload(caller, taskID string, amount int64, targetChainID, targetAddress string, ts int64) Payload {
	return Payload{
		Op:        OpClaim,
		Fields:    []string{caller, taskID, strconv.FormatInt(amount, 10), targetChainID, targetAddress},
		Timestamp: ts,
	}
}

// AdvanceNoncePayload binds a nonce advancement to the nonce being consumed.
func AdvanceNoncePayload(user string, nonce uint64, ts int64) Payload {
	return Payload{
		Op:        OpAdvanceNonce,
		Fields:    []string{user, strconv.FormatUint(nonce, 10)},
		Timestamp: ts,
	}
}

// SetActivePayload proves the caller identity for an active-flag toggle.
func SetActivePayload(caller, taskID string, active bool, ts int64) Payload {
	return Payload{
		Op:        OpSetActive,
		Fields:    []string{caller, taskID, strconv.FormatBool(active)},
		Timestamp: ts,
	}
}
