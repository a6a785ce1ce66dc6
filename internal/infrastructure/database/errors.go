package database

import "errors"

// Sentinel errors for the database package.
var (
	// ErrNoPath is returned when Open is called without a file path.
	ErrNoPath = errors.New("database: path is required")

	// ErrBadMigrationName is returned for embedded files that do not follow
	// the YYYYMMDD_HHMMSS_name.up.sql convention.
	ErrBadMigrationName = errors.New("database: invalid migration filename")
)
