package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/diag-nexus/internal/db/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// activeSessionIndexes mirror migration 000002 for the SQLite backend, which
// is schema-managed by AutoMigrate instead of golang-migrate.
var activeSessionIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_service
		ON sessions (flow) WHERE is_active AND flow = 'service'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_interactive
		ON sessions (admin_id, client_ip) WHERE is_active AND flow = 'interactive'`,
}

// InitDB opens the SQLite database at dbPath and migrates the schema.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(dbPath)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// SQLite allows a single writer; one connection keeps transactions from
	// failing with SQLITE_BUSY under concurrent supersedes.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("📦 SQLite session store ready")
	return db, nil
}

// Migrate creates or updates the tables used by the session manager.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Session{}, &models.AuditLog{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	for _, stmt := range activeSessionIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create active-session index: %w", err)
		}
	}
	return nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "mode=memory") || strings.Contains(path, ":memory:") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
