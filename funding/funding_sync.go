package funding

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"databounty-backend/core/ledger"
	storage "databounty-backend/storage/ledger"
)

// Provider answers whether a cross-chain funding transfer has finalized on
// its source chain.
type Provider interface {
	Confirmed(ctx context.Context, task ledger.Task) (bool, error)
}

// NewProvider selects a provider based on name.
func NewProvider(name, base string) Provider {
	switch name {
	case "relay":
		return NewRelayProvider(base)
	default:
		return NewMockProvider()
	}
}

// mockProvider confirms everything without external calls.
type mockProvider struct{}

// NewMockProvider returns a provider that confirms any provisional funding.
func NewMockProvider() Provider {
	return &mockProvider{}
}

func (m *mockProvider) Confirmed(ctx context.Context, task ledger.Task) (bool, error) {
	return true, nil
}

// RelayProvider queries a relay service for source-chain finality.
type RelayProvider struct {
	baseURL string
	client  *http.Client
}

// NewRelayProvider builds a provider against the given relay base URL.
func NewRelayProvider(baseURL string) *RelayProvider {
	return &RelayProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *RelayProvider) Confirmed(ctx context.Context, task ledger.Task) (bool, error) {
	endpoint := fmt.Sprintf("%s/funding/status?chain=%s&task=%s",
		p.baseURL, url.QueryEscape(task.SourceChainID), url.QueryEscape(task.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("relay funding status: %d", resp.StatusCode)
	}
	var body struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Confirmed, nil
}

// StartSync periodically upgrades provisional tasks whose source-chain
// funding the provider reports as final.
func StartSync(ctx context.Context, store storage.Store, provider Provider, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := refresh(ctx, store, provider); err != nil {
					log.Printf("funding sync error: %v", err)
				}
			}
		}
	}()
}

func refresh(ctx context.Context, store storage.Store, provider Provider) error {
	tasks, err := store.ListTasks(ctx, ledger.TaskFilter{})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.FundingStatus != ledger.FundingProvisional {
			continue
		}
		ok, err := provider.Confirmed(ctx, t)
		if err != nil {
			log.Printf("funding check failed for %s: %v", t.ID, err)
			continue
		}
		if !ok {
			continue
		}
		if _, err := store.ConfirmFunding(ctx, t.ID); err != nil {
			log.Printf("failed to confirm funding for %s: %v", t.ID, err)
		}
	}
	return nil
}
