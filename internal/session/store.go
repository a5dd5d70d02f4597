// Package session persists upstream credential sets and answers the
// validity questions the refresh service and the request gate ask.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/diag-nexus/internal/clock"
	"github.com/pysugar/diag-nexus/internal/db/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no session matches a lookup.
var ErrNotFound = errors.New("session not found")

// DefaultTTL bounds how long a session may be reused regardless of the
// provider-issued expiries.
const DefaultTTL = 24 * time.Hour

// Credentials are what a successful upstream login hands back.
type Credentials struct {
	APIKey               string
	AccessToken          string
	RespID               string
	APIKeyExpiresAt      time.Time
	AccessTokenExpiresAt time.Time
}

// Metadata describes who the session belongs to and which flow created it.
type Metadata struct {
	AdminID   string
	Flow      string
	ClientIP  string
	Username  string
	UserAgent string
}

// Store is the gorm-backed session store.
type Store struct {
	db    *gorm.DB
	clock clock.Clock
	ttl   time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates a store. A zero ttl uses DefaultTTL.
func NewStore(db *gorm.DB, clk clock.Clock, ttl time.Duration) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		db:    db,
		clock: clk,
		ttl:   ttl,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

// FindValidByKey returns the newest session for key that is active and has
// not crossed any of its three expiries. Validity is decided here, never
// taken from a client.
func (s *Store) FindValidByKey(ctx context.Context, key string) (*models.Session, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	now := s.now()

	var sess models.Session
	err := s.db.WithContext(ctx).
		Where("upstream_api_key = ? AND is_active = ?", key, true).
		Where("api_key_expires_at > ? AND access_token_expires_at > ? AND session_expires_at > ?", now, now, now).
		Order("created_at DESC").
		First(&sess).Error
	if err != nil {
		return nil, notFound(err)
	}
	if !sess.IsValidAt(now) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// FindByKey returns the newest session for key whether or not it is still
// valid. The gate uses it to tell an expired credential from an unknown one.
func (s *Store) FindByKey(ctx context.Context, key string) (*models.Session, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	var sess models.Session
	err := s.db.WithContext(ctx).
		Where("upstream_api_key = ?", key).
		Order("created_at DESC").
		First(&sess).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// FindMostRecentActive returns the latest active service-flow session. It
// may already be expired; callers check.
func (s *Store) FindMostRecentActive(ctx context.Context) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).
		Where("flow = ? AND is_active = ?", models.FlowService, true).
		Order("created_at DESC").
		First(&sess).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// FindReusable returns a still-valid interactive session for the same admin
// on the same client IP, so a repeated human login can skip the provider.
func (s *Store) FindReusable(ctx context.Context, adminID, clientIP string) (*models.Session, error) {
	now := s.now()

	var sess models.Session
	err := s.db.WithContext(ctx).
		Where("flow = ? AND admin_id = ? AND client_ip = ? AND is_active = ?", models.FlowInteractive, adminID, clientIP, true).
		Where("api_key_expires_at > ? AND access_token_expires_at > ? AND session_expires_at > ?", now, now, now).
		Order("created_at DESC").
		First(&sess).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// CreateAndSupersede inserts a new active session and deactivates every
// prior active session in the same scope, in one transaction. The scope is
// the whole service flow, or (admin, client IP) for interactive logins.
func (s *Store) CreateAndSupersede(ctx context.Context, creds Credentials, meta Metadata) (*models.Session, error) {
	if creds.APIKey == "" {
		return nil, errors.New("session: credentials carry no api key")
	}
	if meta.Flow == "" {
		meta.Flow = models.FlowService
	}

	unlock := s.lock(scopeKey(meta))
	defer unlock()

	now := s.now()
	sess := &models.Session{
		ID:                   uuid.NewString(),
		AdminID:              meta.AdminID,
		Flow:                 meta.Flow,
		ClientIP:             meta.ClientIP,
		Username:             meta.Username,
		UserAgent:            meta.UserAgent,
		UpstreamAPIKey:       creds.APIKey,
		UpstreamAccessToken:  creds.AccessToken,
		UpstreamRespID:       creds.RespID,
		APIKeyExpiresAt:      creds.APIKeyExpiresAt.UTC(),
		AccessTokenExpiresAt: creds.AccessTokenExpiresAt.UTC(),
		SessionExpiresAt:     now.Add(s.ttl),
		IsActive:             true,
		LastUsedAt:           now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	var superseded int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Session{}).Where("flow = ? AND is_active = ?", meta.Flow, true)
		if meta.Flow == models.FlowInteractive {
			q = q.Where("admin_id = ? AND client_ip = ?", meta.AdminID, meta.ClientIP)
		}
		res := q.Updates(map[string]any{"is_active": false, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("deactivate prior sessions: %w", res.Error)
		}
		superseded = res.RowsAffected

		if err := tx.Create(sess).Error; err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("admin_id", sess.AdminID).
		Str("flow", sess.Flow).
		Int64("superseded", superseded).
		Time("expires_at", sess.EarliestExpiry()).
		Msg("✅ Session created")
	return sess, nil
}

// TouchUsage records one authenticated request against sess.
func (s *Store) TouchUsage(ctx context.Context, sess *models.Session) error {
	now := s.now()
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", sess.ID).
		Updates(map[string]any{
			"request_count": gorm.Expr("request_count + ?", 1),
			"last_used_at":  now,
		}).Error
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sess.ID, err)
	}
	sess.RequestCount++
	sess.LastUsedAt = now
	return nil
}

// Deactivate retires a single session.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]any{"is_active": false, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("deactivate session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpired deactivates every active session that has crossed any
// expiry. Correctness never depends on it; it only keeps the active set
// small.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("is_active = ?", true).
		Where("api_key_expires_at <= ? OR access_token_expires_at <= ? OR session_expires_at <= ?", now, now, now).
		Updates(map[string]any{"is_active": false, "updated_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep expired sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// StartSweepLoop runs SweepExpired every interval until ctx is done.
func (s *Store) StartSweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.SweepExpired(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("⚠️ Session sweep failed")
					continue
				}
				if n > 0 {
					log.Info().Int64("deactivated", n).Msg("🧹 Swept expired sessions")
				}
			}
		}
	}()
	log.Info().Dur("interval", interval).Msg("🔄 Session sweep loop started")
}

// CountActive returns the number of active sessions per flow.
func (s *Store) CountActive(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Flow  string
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Select("flow, COUNT(*) AS count").
		Where("is_active = ?", true).
		Group("flow").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Flow] = r.Count
	}
	return counts, nil
}

func (s *Store) lock(scope string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[scope]
	if !ok {
		m = &sync.Mutex{}
		s.locks[scope] = m
	}
	s.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}

func scopeKey(meta Metadata) string {
	if meta.Flow == models.FlowInteractive {
		return meta.Flow + "|" + meta.AdminID + "|" + meta.ClientIP
	}
	return meta.Flow
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
