package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/fetchflow/config"
	"github.com/BaSui01/fetchflow/internal/migration"
)

// =============================================================================
// 历史库迁移命令
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		runMigrateUp(subargs)
	case "down":
		runMigrateDown(subargs)
	case "status":
		runMigrateStatus(subargs)
	case "version":
		runMigrateVersion(subargs)
	case "goto":
		runMigrateGoto(subargs)
	case "force":
		runMigrateForce(subargs)
	case "reset":
		runMigrateReset(subargs)
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`History Database Migration Commands

Usage:
  fetchflow migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  fetchflow migrate up
  fetchflow migrate up --config /etc/fetchflow/config.yaml
  fetchflow migrate down
  fetchflow migrate status
  fetchflow migrate goto 1
  fetchflow migrate force 0
  fetchflow migrate reset`)
}

// createMigrator creates a migrator from command line flags
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// db-type + db-url bypass the config file entirely
	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if *dbType != "" {
		cfg.History.Driver = *dbType
	}

	return migration.NewMigratorFromHistoryConfig(cfg.History)
}

// runWithMigrator builds the CLI around a fresh migrator and runs one action
func runWithMigrator(name string, args []string, action func(ctx context.Context, cli *migration.CLI) error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	if err := action(context.Background(), cli); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// runMigrateUp applies all pending migrations
func runMigrateUp(args []string) {
	runWithMigrator("migrate up", args, func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunUp(ctx)
	})
}

// runMigrateDown rolls back the last migration (or all with --all)
func runMigrateDown(args []string) {
	all := false
	filtered := args[:0:0]
	for _, a := range args {
		if a == "--all" || a == "-all" {
			all = true
			continue
		}
		filtered = append(filtered, a)
	}

	runWithMigrator("migrate down", filtered, func(ctx context.Context, cli *migration.CLI) error {
		if all {
			return cli.RunDownAll(ctx)
		}
		return cli.RunDown(ctx)
	})
}

// runMigrateStatus shows the status of all migrations
func runMigrateStatus(args []string) {
	runWithMigrator("migrate status", args, func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunStatus(ctx)
	})
}

// runMigrateVersion shows the current migration version
func runMigrateVersion(args []string) {
	runWithMigrator("migrate version", args, func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunVersion(ctx)
	})
}

// runMigrateGoto migrates to a specific version
func runMigrateGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: fetchflow migrate goto <version>\n")
		os.Exit(1)
	}

	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	runWithMigrator("migrate goto", args[1:], func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunGoto(ctx, uint(version))
	})
}

// runMigrateForce forces the migration version
func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: fetchflow migrate force <version>\n")
		os.Exit(1)
	}

	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	runWithMigrator("migrate force", args[1:], func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunForce(ctx, int(version))
	})
}

// runMigrateReset rolls back all migrations
func runMigrateReset(args []string) {
	runWithMigrator("migrate reset", args, func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunDownAll(ctx)
	})
}
