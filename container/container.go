package container

import (
	"context"
	"fmt"
	"time"

	"databounty-backend/bridge"
	"databounty-backend/chainsig"
	"databounty-backend/funding"
	"databounty-backend/handlers"
	"databounty-backend/services"
	"databounty-backend/storage/auth"
	storage "databounty-backend/storage/ledger"
)

// Config selects the store driver and the chain identity of this ledger
// deployment. Values come from the environment; see main.go.
type Config struct {
	StoreDriver string // memory | postgres
	PGDSN       string

	ChainID    string // identity of the local chain
	ContractID string // identity of this ledger instance

	AuthorityAddress string // verifier address whose attestations settle rewards
	AdminAddress     string // may toggle any task, confirm funding

	SigMaxSkew        time.Duration
	BridgeTransport   string // mock | relay
	FundingProvider   string // mock | relay
	RelayURL          string
	RelayAPIKey       string
	FundingAddress    string // address shown in funding QR codes
	SeedAPIKey        string
	OutboxMaxAttempts int
}

// Container holds all application dependencies
type Container struct {
	// Storage
	Store   storage.Store
	APIKeys auth.APIKeyBackend

	// Chain boundary
	Verifier      *chainsig.Verifier
	NonceRegistry *auth.NonceRegistry
	Outbox        *bridge.Outbox
	Inbound       *bridge.InboundProcessor
	Funding       funding.Provider

	// Services
	SettlementService *services.SettlementService
	EventService      *services.EventService
	QRService         *services.QRService

	// Handlers
	TaskHandler       *handlers.TaskHandler
	SubmissionHandler *handlers.SubmissionHandler
	RewardHandler     *handlers.RewardHandler
	AuthHandler       *handlers.AuthHandler
	EventHandler      *handlers.EventHandler
	BridgeHandler     *handlers.BridgeHandler
}

// NewContainer creates a new dependency container
func NewContainer(ctx context.Context, cfg Config) (*Container, error) {
	var store storage.Store
	var apiKeys auth.APIKeyBackend

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.PGDSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		pg, err := storage.NewPGStore(ctx, cfg.PGDSN, cfg.ChainID, cfg.AdminAddress)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		store = pg
		keys, err := auth.NewPGAPIKeyStore(ctx, pg.Pool())
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("init api key store: %w", err)
		}
		apiKeys = keys
	default:
		store = storage.NewMemoryStore(cfg.ChainID, cfg.AdminAddress)
		apiKeys = auth.NewAPIKeyStore()
	}
	apiKeys.Seed(cfg.SeedAPIKey, "env", "seed")

	verifier := chainsig.NewVerifier(cfg.AuthorityAddress, cfg.SigMaxSkew)
	registry := auth.NewNonceRegistry(cfg.ChainID, cfg.ContractID, verifier)

	transport := bridge.NewTransport(cfg.BridgeTransport, cfg.RelayURL, cfg.RelayAPIKey)
	outbox := bridge.NewOutbox(transport, store, cfg.ChainID, cfg.OutboxMaxAttempts)
	inbound := bridge.NewInboundProcessor(store, outbox)
	provider := funding.NewProvider(cfg.FundingProvider, cfg.RelayURL)

	settlementService := services.NewSettlementService(store, verifier, outbox, services.LogTreasury{}, cfg.ChainID)
	eventService := services.NewEventService(store)
	qrService := services.NewQRService(0)

	return &Container{
		Store:   store,
		APIKeys: apiKeys,

		Verifier:      verifier,
		NonceRegistry: registry,
		Outbox:        outbox,
		Inbound:       inbound,
		Funding:       provider,

		SettlementService: settlementService,
		EventService:      eventService,
		QRService:         qrService,

		TaskHandler:       handlers.NewTaskHandler(store, settlementService, qrService, services.LogFundingSource{}, cfg.ChainID, cfg.FundingAddress),
		SubmissionHandler: handlers.NewSubmissionHandler(store, settlementService),
		RewardHandler:     handlers.NewRewardHandler(settlementService),
		AuthHandler:       handlers.NewAuthHandler(registry, apiKeys, store),
		EventHandler:      handlers.NewEventHandler(eventService),
		BridgeHandler:     handlers.NewBridgeHandler(inbound, outbox),
	}, nil
}

// Close releases storage resources.
func (c *Container) Close() {
	c.Store.Close()
}
