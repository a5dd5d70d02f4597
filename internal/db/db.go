// Package db opens the persistence backend for sessions and audit records:
// SQLite by default, Postgres when the URL says so.
package db

import (
	"strings"

	"gorm.io/gorm"
)

// Open picks the backend from databaseURL.
func Open(databaseURL string) (*gorm.DB, error) {
	if IsPostgresURL(databaseURL) {
		return OpenPostgres(databaseURL)
	}
	return InitDB(databaseURL)
}

// IsPostgresURL reports whether databaseURL targets Postgres.
func IsPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}
