package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"databounty-backend/bridge"
	"databounty-backend/container"
	"databounty-backend/funding"
	"databounty-backend/metrics"
	"databounty-backend/middleware"
)

type config struct {
	Port            string
	RequireAPIKey   bool
	OutboxInterval  time.Duration
	FundingSync     bool
	FundingInterval time.Duration
	Container       container.Config
}

func loadConfig() config {
	maxSkew := 10 * time.Minute
	if raw := os.Getenv("LEDGER_SIG_MAX_SKEW_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxSkew = time.Duration(v) * time.Second
		}
	}

	outboxInterval := 15 * time.Second
	if raw := os.Getenv("LEDGER_OUTBOX_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			outboxInterval = time.Duration(v) * time.Second
		}
	}

	fundingInterval := 60 * time.Second
	if raw := os.Getenv("LEDGER_FUNDING_SYNC_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			fundingInterval = time.Duration(v) * time.Second
		}
	}

	maxAttempts := bridge.DefaultMaxAttempts
	if raw := os.Getenv("LEDGER_OUTBOX_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxAttempts = v
		}
	}

	requireKey := false
	if raw := os.Getenv("LEDGER_REQUIRE_API_KEY"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			requireKey = v
		}
	}

	return config{
		Port:            envDefault("LEDGER_PORT", "3001"),
		RequireAPIKey:   requireKey,
		OutboxInterval:  outboxInterval,
		FundingSync:     os.Getenv("LEDGER_ENABLE_FUNDING_SYNC") != "false",
		FundingInterval: fundingInterval,
		Container: container.Config{
			StoreDriver:       envDefault("LEDGER_STORE_DRIVER", "memory"),
			PGDSN:             os.Getenv("LEDGER_PG_DSN"),
			ChainID:           envDefault("LEDGER_CHAIN_ID", "databounty-local"),
			ContractID:        envDefault("LEDGER_CONTRACT_ID", "databounty-ledger"),
			AuthorityAddress:  os.Getenv("LEDGER_AUTHORITY_ADDRESS"),
			AdminAddress:      os.Getenv("LEDGER_ADMIN_ADDRESS"),
			SigMaxSkew:        maxSkew,
			BridgeTransport:   envDefault("LEDGER_BRIDGE_TRANSPORT", "mock"), // mock | relay
			FundingProvider:   envDefault("LEDGER_FUNDING_PROVIDER", "mock"), // mock | relay
			RelayURL:          os.Getenv("LEDGER_RELAY_URL"),
			RelayAPIKey:       os.Getenv("LEDGER_RELAY_API_KEY"),
			FundingAddress:    os.Getenv("LEDGER_FUNDING_ADDRESS"),
			SeedAPIKey:        os.Getenv("LEDGER_API_KEY"),
			OutboxMaxAttempts: maxAttempts,
		},
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfg := loadConfig()

	if cfg.Container.AuthorityAddress == "" {
		log.Fatal("LEDGER_AUTHORITY_ADDRESS required")
	}

	ctx := context.Background()
	c, err := container.NewContainer(ctx, cfg.Container)
	if err != nil {
		log.Fatalf("failed to init container: %v", err)
	}
	defer c.Close()

	c.Outbox.Start(ctx, cfg.OutboxInterval)
	log.Printf("outbox dispatcher enabled (interval=%s)", cfg.OutboxInterval)

	if cfg.FundingSync {
		funding.StartSync(ctx, c.Store, c.Funding, cfg.FundingInterval)
		log.Printf("funding sync enabled (provider=%s interval=%s)", cfg.Container.FundingProvider, cfg.FundingInterval)
	}

	// API keys gate the API only when explicitly enabled; auth routes stay
	// open so wallets can register.
	protect := func(h http.HandlerFunc) http.Handler {
		if !cfg.RequireAPIKey {
			return h
		}
		return middleware.APIAuth(c.APIKeys)(h)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/ledger/tasks", protect(c.TaskHandler.Tasks))
	mux.Handle("/api/ledger/tasks/", protect(c.TaskHandler.Tasks))
	mux.Handle("/api/ledger/submissions", protect(c.SubmissionHandler.Submissions))
	mux.Handle("/api/ledger/submissions/", protect(c.SubmissionHandler.Submissions))
	mux.Handle("/api/ledger/rewards/", protect(c.RewardHandler.Rewards))
	mux.Handle("/api/ledger/events", protect(c.EventHandler.Events))
	mux.Handle("/api/ledger/bridge/", protect(c.BridgeHandler.Bridge))
	mux.Handle("/api/ledger/inbound", protect(c.BridgeHandler.Inbound))
	mux.HandleFunc("/api/ledger/auth/", c.AuthHandler.Auth)
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(
				middleware.SecurityHeaders(
					middleware.Timeout(30 * time.Second)(mux)))))

	log.Printf("DataBounty ledger starting on :%s (driver=%s chain=%s)",
		cfg.Port, cfg.Container.StoreDriver, cfg.Container.ChainID)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, handler))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	middleware.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
