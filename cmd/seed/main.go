// Package main loads a YAML fixture of users, servers, channels and messages
// into the PostgreSQL store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/observability"
	"github.com/cory-johannsen/parley/internal/seed"
	"github.com/cory-johannsen/parley/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	fixturePath := flag.String("fixture", "configs/seed.yaml", "path to seed fixture")
	migrateFirst := flag.Bool("migrate", true, "apply pending migrations before seeding")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "seed")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	fixture, err := seed.Load(*fixturePath)
	if err != nil {
		log.Fatalf("loading fixture: %v", err)
	}

	if *migrateFirst {
		if err := postgres.MigrateUp(cfg.Database.DSN()); err != nil {
			log.Fatalf("applying migrations: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	store := postgres.NewStore(pool.DB())
	create := func(ctx context.Context, username, displayName string) (chat.User, error) {
		acct, err := store.Users().Create(ctx, username, displayName)
		if err != nil {
			return chat.User{}, err
		}
		return acct.User, nil
	}

	summary, err := seed.NewApplier(store, create, cfg.Chat.DefaultChannels, logger).Apply(ctx, fixture)
	if err != nil {
		log.Fatalf("applying fixture: %v", err)
	}

	elapsed := time.Since(start)
	fmt.Fprintf(os.Stdout, "seeded %d users, %d servers, %d channels, %d dm channels, %d messages [%s]\n",
		summary.Users, summary.Servers, summary.Channels, summary.DMChannels, summary.Messages, elapsed)
}
