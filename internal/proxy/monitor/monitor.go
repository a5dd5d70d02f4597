// Package monitor is the fire-and-forget audit sink for gated requests.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/diag-nexus/internal/db/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	// MaxMemoryLogs limits the in-memory cache of recent records.
	MaxMemoryLogs = 100
	// MaxErrorLen caps the stored error text.
	MaxErrorLen = 512
)

// AuditMonitor records admin calls. Recording never blocks on, or fails
// because of, the database.
type AuditMonitor struct {
	db      *gorm.DB
	enabled atomic.Bool

	recentLogs []models.AuditLog
	logsMu     sync.RWMutex

	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	repairCount   atomic.Int64

	writes sync.WaitGroup
}

// NewAuditMonitor creates a monitor over db. The audit_logs table is
// created by db.Migrate or the Postgres migrations.
func NewAuditMonitor(db *gorm.DB, enabled bool) *AuditMonitor {
	am := &AuditMonitor{
		db:         db,
		recentLogs: make([]models.AuditLog, 0, MaxMemoryLogs),
	}
	am.enabled.Store(enabled)
	am.loadStatsFromDB()
	return am
}

// SetEnabled turns recording on or off.
func (am *AuditMonitor) SetEnabled(enabled bool) {
	am.enabled.Store(enabled)
	log.Info().Bool("enabled", enabled).Msg("[Audit] Recording toggled")
}

// IsEnabled reports whether records are kept.
func (am *AuditMonitor) IsEnabled() bool {
	return am.enabled.Load()
}

// Record stores entry asynchronously. Database failures are logged only.
func (am *AuditMonitor) Record(entry models.AuditLog) {
	if !am.IsEnabled() {
		return
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	if len(entry.Error) > MaxErrorLen {
		entry.Error = entry.Error[:MaxErrorLen] + "...[truncated]"
	}

	am.totalRequests.Add(1)
	if entry.Status >= 200 && entry.Status < 400 {
		am.successCount.Add(1)
	} else {
		am.errorCount.Add(1)
	}
	if entry.Repaired {
		am.repairCount.Add(1)
	}

	am.logsMu.Lock()
	am.recentLogs = append([]models.AuditLog{entry}, am.recentLogs...)
	if len(am.recentLogs) > MaxMemoryLogs {
		am.recentLogs = am.recentLogs[:MaxMemoryLogs]
	}
	am.logsMu.Unlock()

	am.writes.Add(1)
	go func(entry models.AuditLog) {
		defer am.writes.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("[Audit] Panic while saving record")
			}
		}()
		if err := am.db.Create(&entry).Error; err != nil {
			log.Warn().Err(err).Str("endpoint", entry.Endpoint).Msg("[Audit] Failed to save record")
		}
	}(entry)
}

// Flush waits for every pending database write.
func (am *AuditMonitor) Flush() {
	am.writes.Wait()
}

// Recent returns up to limit records, newest first. It falls back to the
// in-memory cache when the database cannot be read.
func (am *AuditMonitor) Recent(limit int) []models.AuditLog {
	if limit <= 0 || limit > 1000 {
		limit = MaxMemoryLogs
	}

	var logs []models.AuditLog
	if err := am.db.Order("timestamp DESC").Limit(limit).Find(&logs).Error; err != nil {
		log.Warn().Err(err).Msg("[Audit] Failed to read records, serving memory cache")
		am.logsMu.RLock()
		defer am.logsMu.RUnlock()
		if limit > len(am.recentLogs) {
			limit = len(am.recentLogs)
		}
		return append([]models.AuditLog(nil), am.recentLogs[:limit]...)
	}
	return logs
}

// Stats returns the aggregated counters.
func (am *AuditMonitor) Stats() models.AuditStats {
	return models.AuditStats{
		TotalRequests: am.totalRequests.Load(),
		SuccessCount:  am.successCount.Load(),
		ErrorCount:    am.errorCount.Load(),
		RepairCount:   am.repairCount.Load(),
	}
}

// Clear drops every record from memory and the database.
func (am *AuditMonitor) Clear() error {
	am.Flush()

	am.logsMu.Lock()
	am.recentLogs = am.recentLogs[:0]
	am.logsMu.Unlock()

	am.totalRequests.Store(0)
	am.successCount.Store(0)
	am.errorCount.Store(0)
	am.repairCount.Store(0)

	if err := am.db.Where("1 = 1").Delete(&models.AuditLog{}).Error; err != nil {
		log.Warn().Err(err).Msg("[Audit] Failed to clear records")
		return err
	}
	log.Info().Msg("[Audit] All records cleared")
	return nil
}

func (am *AuditMonitor) loadStatsFromDB() {
	var total, success, repaired int64

	am.db.Model(&models.AuditLog{}).Count(&total)
	am.db.Model(&models.AuditLog{}).Where("status >= 200 AND status < 400").Count(&success)
	am.db.Model(&models.AuditLog{}).Where("repaired = ?", true).Count(&repaired)

	am.totalRequests.Store(total)
	am.successCount.Store(success)
	am.errorCount.Store(total - success)
	am.repairCount.Store(repaired)

	log.Info().
		Int64("total", total).
		Int64("success", success).
		Int64("repaired", repaired).
		Msg("[Audit] Loaded stats")
}
