package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/fetchflow/config"
)

// NewMigratorFromConfig creates a migrator for the history store of an
// application configuration
func NewMigratorFromConfig(cfg *appconfig.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	return NewMigratorFromHistoryConfig(cfg.History)
}

// NewMigratorFromHistoryConfig creates a migrator from the history section
func NewMigratorFromHistoryConfig(hc appconfig.HistoryConfig) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(hc.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var dbURL string
	switch dbType {
	case DatabaseTypePostgres:
		dbURL = BuildDatabaseURL(
			dbType,
			hc.Host,
			hc.Port,
			hc.Name,
			hc.User,
			hc.Password,
			hc.SSLMode,
		)
	case DatabaseTypeMySQL:
		dbURL = BuildDatabaseURL(
			dbType,
			hc.Host,
			hc.Port,
			hc.Name,
			hc.User,
			hc.Password,
			"",
		)
	case DatabaseTypeSQLite:
		// For SQLite, the Name field carries the file path
		dbURL = BuildDatabaseURL(dbType, "", 0, hc.Name, "", "", "")
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}

// NewMigratorFromURL creates a new migrator from a database URL
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}
