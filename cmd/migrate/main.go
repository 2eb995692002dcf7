// Package main provides the database migration CLI.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/clinicore/backend/internal/config"
)

const defaultTimeout = 5 * time.Minute

func main() {
	var (
		path    = flag.String("path", envOr("MIGRATIONS_PATH", "migrations"), "Path to migrations directory")
		timeout = flag.Duration("timeout", defaultTimeout, "Timeout per migration")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  up [N]     Apply all (or N) pending migrations\n")
		fmt.Fprintf(os.Stderr, "  down [N]   Roll back all (or N) migrations\n")
		fmt.Fprintf(os.Stderr, "  goto V     Migrate to version V\n")
		fmt.Fprintf(os.Stderr, "  force V    Set version V without running migrations\n")
		fmt.Fprintf(os.Stderr, "  version    Print current migration version\n")
		fmt.Fprintf(os.Stderr, "  drop       Drop all tables (asks for confirmation)\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nDatabase connection is read from the same DB_* environment\nvariables the server uses (a .env file is loaded if present).\n")
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	cfg := config.Load()

	if err := run(cfg, *path, *timeout, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(cfg *config.Config, path string, timeout time.Duration, cmd string, args []string) error {
	m, err := newMigrate(cfg, path, timeout)
	if err != nil {
		return err
	}
	defer m.Close()

	switch cmd {
	case "up":
		return report(m, stepOrAll(m.Up, m.Steps, args, 1))
	case "down":
		return report(m, stepOrAll(m.Down, m.Steps, args, -1))
	case "goto":
		v, err := parseVersion(args)
		if err != nil {
			return err
		}
		return report(m, m.Migrate(uint(v)))
	case "force":
		v, err := parseVersion(args)
		if err != nil {
			return err
		}
		return report(m, m.Force(int(v)))
	case "version":
		return printVersion(m)
	case "drop":
		return drop(m)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// stepOrAll runs all migrations in a direction, or N steps when an
// argument is given. sign is +1 for up and -1 for down.
func stepOrAll(all func() error, steps func(int) error, args []string, sign int) error {
	if len(args) == 0 {
		return all()
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return steps(sign * n)
}

func parseVersion(args []string) (uint64, error) {
	if len(args) < 1 {
		return 0, errors.New("a version number is required")
	}
	v, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version: %s", args[0])
	}
	return v, nil
}

// report logs the resulting schema version, treating ErrNoChange as success.
func report(m *migrate.Migrate, err error) error {
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No changes to apply")
	}
	return printVersion(m)
}

func printVersion(m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Println("No migrations applied yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	status := ""
	if dirty {
		status = " (dirty)"
	}
	log.Printf("Schema version: %d%s", version, status)
	return nil
}

func drop(m *migrate.Migrate) error {
	log.Println("WARNING: this drops ALL tables in the database.")
	log.Println("Type 'yes' to confirm:")

	var confirm string
	if _, err := fmt.Scanln(&confirm); err != nil || confirm != "yes" {
		log.Println("Aborted")
		return nil
	}
	if err := m.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}
	log.Println("All tables dropped")
	return nil
}

func newMigrate(cfg *config.Config, path string, timeout time.Duration) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.LockTimeout = timeout
	return m, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
