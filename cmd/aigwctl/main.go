// aigwctl is the operator CLI: key provisioning against the audit store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"

	"github.com/aigw/gateway/internal/apikey"
	"github.com/aigw/gateway/internal/app"
	"github.com/aigw/gateway/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "create-key":
		if err := createKey(os.Args[2:]); err != nil {
			log.Fatalf("create-key: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: aigwctl <command>

commands:
  create-key    mint a new API key and print the plaintext once`)
}

func createKey(args []string) error {
	fs := flag.NewFlagSet("create-key", flag.ExitOnError)
	name := fs.String("name", "", "human-readable key name (required)")
	rpm := fs.Int("rpm", 0, "requests-per-minute limit (0 = unlimited)")
	daily := fs.String("daily-budget", "", "daily spend cap in rubles (empty = uncapped)")
	monthly := fs.String("monthly-budget", "", "monthly spend cap in rubles (empty = uncapped)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	db, err := store.NewSQLite(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	plaintext, keyID, keyHash, err := apikey.Generate()
	if err != nil {
		return err
	}

	var rpmLimit *int
	if *rpm > 0 {
		rpmLimit = rpm
	}
	rec := apikey.NewRecord(*name, keyID, keyHash, rpmLimit)
	if rec.DailyBudgetRub, err = parseBudget(*daily); err != nil {
		return fmt.Errorf("-daily-budget: %w", err)
	}
	if rec.MonthlyBudgetRub, err = parseBudget(*monthly); err != nil {
		return fmt.Errorf("-monthly-budget: %w", err)
	}

	if err := db.CreateAPIKey(ctx, rec); err != nil {
		return err
	}

	// The plaintext is shown exactly once; only the hash is stored.
	fmt.Printf("id:      %s\n", rec.ID)
	fmt.Printf("name:    %s\n", rec.Name)
	fmt.Printf("api key: %s\n", plaintext)
	return nil
}

func parseBudget(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("must not be negative")
	}
	return &d, nil
}
