// Package main provides a CLI tool for issuing bearer tokens to existing users.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/parley/internal/auth"
	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	username := flag.String("username", "", "target username (required)")
	create := flag.Bool("create", false, "create the user if it does not exist")
	displayName := flag.String("display-name", "", "display name for a created user (defaults to username)")
	flag.Parse()

	if *username == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewUserRepository(pool.DB())

	acct, err := repo.GetByUsername(ctx, *username)
	if errors.Is(err, chat.ErrNotFound) && *create {
		acct, err = repo.Create(ctx, *username, *displayName)
	}
	if err != nil {
		log.Fatalf("looking up user %q: %v", *username, err)
	}

	token, err := auth.New(cfg.Auth).Issue(acct.User)
	if err != nil {
		log.Fatalf("issuing token: %v", err)
	}

	elapsed := time.Since(start)
	fmt.Fprintf(os.Stderr, "issued token for %s (#%d), valid %s [%s]\n",
		acct.Username, acct.ID, cfg.Auth.TokenTTL, elapsed)
	fmt.Fprintln(os.Stdout, token)
}
