// Package database provides the SQLite store used to remember Wemo devices
// across restarts.
//
// The bridge persists one row per device it has ever connected to, so that a
// restart can reconnect known devices before the first discovery pass
// answers. The store is small and single-writer:
//   - WAL mode so the device registry can read while a save is in flight
//   - a busy timeout instead of "database is locked" errors
//   - additive .up.sql migrations embedded by the migrations package
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
