// Package migrations embeds the SQLite schema for the Wemo device store.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS = files
	database.MigrationsDir = "."
}
