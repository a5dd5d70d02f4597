package models

import "time"

// Session flows. The service flow holds exactly one authoritative session
// process-wide; the interactive flow allows one per (admin, client IP).
const (
	FlowService     = "service"
	FlowInteractive = "interactive"
)

// Session is one upstream credential set owned by an admin identity.
type Session struct {
	ID        string `gorm:"primaryKey" json:"id"` // UUID
	AdminID   string `gorm:"index;not null" json:"admin_id"`
	Flow      string `gorm:"index;not null;default:'service'" json:"flow"`
	ClientIP  string `gorm:"index" json:"client_ip,omitempty"`
	Username  string `json:"username,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	UpstreamAPIKey      string `gorm:"index;not null" json:"-"`
	UpstreamAccessToken string `gorm:"type:text" json:"-"`
	UpstreamRespID      string `json:"resp_id,omitempty"`

	APIKeyExpiresAt      time.Time `gorm:"index" json:"api_key_expires_at"`
	AccessTokenExpiresAt time.Time `gorm:"index" json:"access_token_expires_at"`
	SessionExpiresAt     time.Time `gorm:"index" json:"session_expires_at"`

	IsActive     bool      `gorm:"index;default:true" json:"is_active"`
	LastUsedAt   time.Time `json:"last_used_at"`
	RequestCount int64     `gorm:"default:0" json:"request_count"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsValidAt reports whether the session may be used at now. The three
// expiries are independent; crossing any one of them invalidates it.
func (s *Session) IsValidAt(now time.Time) bool {
	return s.IsActive &&
		now.Before(s.APIKeyExpiresAt) &&
		now.Before(s.AccessTokenExpiresAt) &&
		now.Before(s.SessionExpiresAt)
}

// EarliestExpiry is the first instant at which the session stops being valid.
func (s *Session) EarliestExpiry() time.Time {
	earliest := s.APIKeyExpiresAt
	if s.AccessTokenExpiresAt.Before(earliest) {
		earliest = s.AccessTokenExpiresAt
	}
	if s.SessionExpiresAt.Before(earliest) {
		earliest = s.SessionExpiresAt
	}
	return earliest
}
