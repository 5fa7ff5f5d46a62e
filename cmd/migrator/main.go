// Command migrator applies the database schema and exits.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"meshtrust/migrations"
	"meshtrust/pkg/config"
	"meshtrust/pkg/store"
	"meshtrust/pkg/telemetry"
)

type migratorDBCloser interface {
	store.MigrationDB
	Close()
}

type openDBFunc func(ctx context.Context, cfg config.DatabaseConfig) (migratorDBCloser, error)

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  openDBFunc = func(ctx context.Context, cfg config.DatabaseConfig) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
)

func main() {
	if err := runMigrator(context.Background(), os.Args[1:], openDBFn); err != nil {
		logFatalf("migrator: %v", err)
	}
}

// runMigrator applies the embedded schema, or the *.sql files of --dir
// when given.
func runMigrator(ctx context.Context, args []string, openDB openDBFunc) error {
	flags := pflag.NewFlagSet("migrator", pflag.ContinueOnError)
	cfgPath := flags.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML settings file")
	dir := flags.String("dir", "", "apply migrations from this directory instead of the built-in schema")
	timeout := flags.Duration("timeout", 2*time.Minute, "overall deadline")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(os.Stderr, "migrator", cfg.LogLevel)

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()

	var fsys fs.FS = migrations.FS
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}
	applied, err := store.Migrate(ctx, db, fsys, logger)
	if err != nil {
		return err
	}
	logger.Info("schema up to date", "applied", applied)
	return nil
}
