// Package storage provides storage implementations for the reliability
// bookkeeping entities.
//
// This package includes:
//   - GormStorage: a GORM-based implementation of core.Storage tested
//     against SQLite and PostgreSQL
//   - Connection pool presets for the underlying *sql.DB
//
// Unique indexes enforce every deduplication guarantee. Violations surface
// as core.ErrDuplicate regardless of the driver.
package storage
