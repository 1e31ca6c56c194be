package main

import (
	"context"
	"log"
	"os"

	"databounty-backend/bridge"
	"databounty-backend/mcp"
	storage "databounty-backend/storage/ledger"

	"github.com/mark3labs/mcp-go/server"
)

type config struct {
	StoreDriver string
	PGDSN       string
	ChainID     string
	Admin       string
}

func loadConfig() config {
	return config{
		StoreDriver: envDefault("LEDGER_STORE_DRIVER", "memory"),
		PGDSN:       os.Getenv("LEDGER_PG_DSN"),
		ChainID:     envDefault("LEDGER_CHAIN_ID", "databounty-local"),
		Admin:       os.Getenv("LEDGER_ADMIN_ADDRESS"),
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

	ctx := context.Background()
	var store storage.Store
	var err error
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.PGDSN == "" {
			log.Fatal("LEDGER_PG_DSN required when LEDGER_STORE_DRIVER=postgres")
		}
		store, err = storage.NewPGStore(ctx, cfg.PGDSN, cfg.ChainID, cfg.Admin)
	default:
		store = storage.NewMemoryStore(cfg.ChainID, cfg.Admin)
	}
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer store.Close()

	// The stdio server is an inspection surface; payouts never dispatch from
	// here, so the outbox runs with the mock transport and no ticker.
	outbox := bridge.NewOutbox(bridge.NewMockTransport(), store, cfg.ChainID, bridge.DefaultMaxAttempts)

	mcpServer := mcp.NewMCPServer(store, outbox)

	log.Printf("DataBounty MCP server starting (driver=%s)", cfg.StoreDriver)

	if err := server.ServeStdio(mcpServer.GetMCPServer()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
