// Package monitor keeps a rolling record of gateway requests, backed by
// the SQLite store with a small in-memory cache for the hot path.
package monitor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quailrun/poolrelay/internal/db/models"
	"gorm.io/gorm"
)

// MaxMemoryLogs limits the in-memory cache used when the store is unavailable.
const MaxMemoryLogs = 100

// Monitor records request outcomes and serves the activity endpoints.
type Monitor struct {
	db      *gorm.DB
	enabled atomic.Bool

	recentLogs []models.RequestLog
	logsMu     sync.RWMutex

	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
}

// New creates a Monitor, migrates its table, and seeds counters from the store.
func New(database *gorm.DB) *Monitor {
	m := &Monitor{
		db:         database,
		recentLogs: make([]models.RequestLog, 0, MaxMemoryLogs),
	}

	if err := database.AutoMigrate(&models.RequestLog{}); err != nil {
		log.Printf("⚠️ Failed to migrate request log table: %v", err)
	}

	m.loadStats()
	m.enabled.Store(true)
	return m
}

// SetEnabled toggles request recording.
func (m *Monitor) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
	log.Printf("📊 Request logging %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])
}

// IsEnabled reports whether recording is on.
func (m *Monitor) IsEnabled() bool {
	return m.enabled.Load()
}

// Record logs one completed request. The store write is asynchronous.
// Safe to call on a nil Monitor.
func (m *Monitor) Record(entry models.RequestLog) {
	if m == nil || !m.IsEnabled() {
		return
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	m.totalRequests.Add(1)
	if entry.Status >= 200 && entry.Status < 400 {
		m.successCount.Add(1)
	} else {
		m.errorCount.Add(1)
	}

	m.logsMu.Lock()
	m.recentLogs = append([]models.RequestLog{entry}, m.recentLogs...)
	if len(m.recentLogs) > MaxMemoryLogs {
		m.recentLogs = m.recentLogs[:MaxMemoryLogs]
	}
	m.logsMu.Unlock()

	go func(e models.RequestLog) {
		if err := m.db.Create(&e).Error; err != nil {
			log.Printf("⚠️ Failed to save request log: %v", err)
		}
	}(entry)
}

// Recent returns the newest entries, optionally limited to the last
// sinceMinutes. Falls back to the in-memory cache if the store errors.
func (m *Monitor) Recent(limit int, sinceMinutes int) []models.RequestLog {
	if limit <= 0 {
		limit = 100
	}

	var logs []models.RequestLog
	query := m.db.Order("timestamp DESC").Limit(limit)
	if sinceMinutes > 0 {
		since := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute).UnixMilli()
		query = query.Where("timestamp >= ?", since)
	}

	if err := query.Find(&logs).Error; err != nil {
		log.Printf("⚠️ Failed to read request logs: %v", err)
		m.logsMu.RLock()
		defer m.logsMu.RUnlock()
		if limit > len(m.recentLogs) {
			limit = len(m.recentLogs)
		}
		return m.recentLogs[:limit]
	}
	return logs
}

// Stats returns the aggregated counters.
func (m *Monitor) Stats() models.RequestStats {
	return models.RequestStats{
		TotalRequests: m.totalRequests.Load(),
		SuccessCount:  m.successCount.Load(),
		ErrorCount:    m.errorCount.Load(),
	}
}

// Clear wipes the log table and resets counters.
func (m *Monitor) Clear() error {
	m.logsMu.Lock()
	m.recentLogs = m.recentLogs[:0]
	m.logsMu.Unlock()

	m.totalRequests.Store(0)
	m.successCount.Store(0)
	m.errorCount.Store(0)

	if err := m.db.Exec("DELETE FROM request_logs").Error; err != nil {
		log.Printf("⚠️ Failed to clear request logs: %v", err)
		return err
	}
	log.Printf("🗑️ Request logs cleared")
	return nil
}

func (m *Monitor) loadStats() {
	var total, success, errors int64

	m.db.Model(&models.RequestLog{}).Count(&total)
	m.db.Model(&models.RequestLog{}).Where("status >= 200 AND status < 400").Count(&success)
	m.db.Model(&models.RequestLog{}).Where("status < 200 OR status >= 400").Count(&errors)

	m.totalRequests.Store(total)
	m.successCount.Store(success)
	m.errorCount.Store(errors)
}
