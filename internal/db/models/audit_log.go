package models

// AuditLog records one admitted (or rejected) admin call.
type AuditLog struct {
	ID        string `gorm:"primaryKey" json:"id"`
	Timestamp int64  `gorm:"index" json:"timestamp"` // unix millis
	RequestID string `json:"request_id,omitempty"`
	AdminID   string `gorm:"index" json:"admin_id,omitempty"`
	SessionID string `gorm:"index" json:"session_id,omitempty"`
	Method    string `json:"method"`
	Endpoint  string `json:"endpoint"`
	Status    int    `json:"status"`
	Duration  int64  `json:"duration"` // milliseconds
	ClientIP  string `json:"client_ip,omitempty"`
	Outcome   string `gorm:"index" json:"outcome"`
	Repaired  bool   `json:"repaired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AuditStats holds aggregated counters for audit records.
type AuditStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
	RepairCount   int64 `json:"repair_count"`
}
