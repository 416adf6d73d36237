package commands

import (
	"database/sql"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/db"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
)

// openDatabase opens and migrates the database at dbPath, or at the
// configured path when dbPath is empty.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
	}
	if dbPath == "" {
		dbPath = "ytrag.db"
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// loadApp loads configuration and wires the application.
func loadApp() (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return newApp(cfg, logger.Logger)
}
