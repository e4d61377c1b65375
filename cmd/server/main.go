package main

import (
	"context"
	"database/sql"
	"flag"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/signaldetect/maude/internal/config"
	"github.com/signaldetect/maude/internal/logging"
	"github.com/signaldetect/maude/internal/orchestrator"
	"github.com/signaldetect/maude/internal/registry"
	"github.com/signaldetect/maude/internal/server"
	"github.com/signaldetect/maude/internal/store"
	"github.com/signaldetect/maude/internal/types"
)

func main() {
	logger := logging.New("server")

	configPath := flag.String("config", "", "path to a YAML config file; defaults are used when omitted")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}

	var st store.Store
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemoryStore()
	default:
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			logger.Fatalf("opening event store: %v", err)
		}
		db.SetMaxOpenConns(1)
		sqlStore := store.NewSQLStore(db)
		if err := sqlStore.Migrate(ctx); err != nil {
			logger.Fatalf("migrating event store: %v", err)
		}
		st = sqlStore
	}

	registryDB, err := sql.Open("sqlite", "file:registry.db?_pragma=foreign_keys(1)")
	if err != nil {
		logger.Fatalf("opening registry store: %v", err)
	}
	registryDB.SetMaxOpenConns(1)
	reg := registry.New(registryDB, st)
	if err := reg.Migrate(ctx); err != nil {
		logger.Fatalf("migrating entity group registry: %v", err)
	}
	if cfg.Registry.SeedBuiltIns {
		if err := reg.SeedBuiltIns(ctx); err != nil {
			logger.Fatalf("seeding built-in entity groups: %v", err)
		}
	}
	logger.Println("stores migrated successfully")

	orch, err := orchestrator.New(st, reg, cfg.Registry.ExistenceProbeCache, cfg.Thresholds.EstimatedLagMonths, types.RequestDefaults{
		MinEvents:  cfg.Thresholds.DefaultMinEvents,
		Limit:      cfg.Thresholds.DefaultLimit,
		Thresholds: cfg.Thresholds.AsTypes(),
	})
	if err != nil {
		logger.Fatalf("building orchestrator: %v", err)
	}

	if err := server.Run(ctx, server.Config{
		Port:         cfg.Server.Port,
		Orchestrator: orch,
		Registry:     reg,
		Store:        st,
	}); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}
