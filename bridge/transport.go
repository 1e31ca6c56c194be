package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// PayoutMessage is the wire form of one cross-chain payout dispatch. The
// settlement id doubles as the idempotency key: a relay that sees the same id
// twice must treat the second copy as a duplicate.
type PayoutMessage struct {
	SettlementID string `json:"settlement_id"`
	TaskID       string `json:"task_id"`
	Recipient    string `json:"recipient"`
	Amount       int64  `json:"amount"`
	Token        string `json:"token"`
	TargetChain  string `json:"target_chain"`
	SourceChain  string `json:"source_chain"`
}

// Transport delivers payout messages toward a target chain.
type Transport interface {
	Send(ctx context.Context, msg PayoutMessage) error
}

// NewTransport selects a transport by name.
func NewTransport(name, relayURL, apiKey string) Transport {
	switch name {
	case "relay":
		return NewRelayTransport(relayURL, apiKey)
	default:
		return NewMockTransport()
	}
}

// MockTransport records messages in memory. Tests inject failures through
// FailNext to exercise the retry path.
type MockTransport struct {
	mu       sync.Mutex
	sent     []PayoutMessage
	failNext int
}

// NewMockTransport returns an always-succeeding in-memory transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// FailNext makes the next n sends fail.
func (t *MockTransport) FailNext(n int) {
	t.mu.Lock()
	t.failNext = n
	t.mu.Unlock()
}

// Send implements Transport.
func (t *MockTransport) Send(ctx context.Context, msg PayoutMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext > 0 {
		t.failNext--
		return fmt.Errorf("injected transport failure")
	}
	t.sent = append(t.sent, msg)
	return nil
}

// Sent returns a copy of every delivered message.
func (t *MockTransport) Sent() []PayoutMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PayoutMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

// RelayTransport POSTs payout messages to an external relay service.
type RelayTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRelayTransport builds a transport against the given relay base URL.
func NewRelayTransport(baseURL, apiKey string) *RelayTransport {
	return &RelayTransport{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Send implements Transport.
func (t *RelayTransport) Send(ctx context.Context, msg PayoutMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal payout message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/payouts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay rejected payout: status %d", resp.StatusCode)
	}
	return nil
}
