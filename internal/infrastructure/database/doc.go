// Package database provides SQLite connectivity for the TaHoma bridge.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Versioned schema migrations loaded from an fs.FS
//   - Connection lifecycle and health checks
//
// The bridge stores one thing here: the state_history table written by
// device.SQLiteHistoryRepository.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: new columns must be NULLABLE or carry a DEFAULT,
// and every .up.sql has a matching .down.sql.
package database
