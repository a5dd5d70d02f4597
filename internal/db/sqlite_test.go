package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/diag-nexus/internal/db/models"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	return db
}

func testSession(flow, adminID, ip string) models.Session {
	exp := time.Now().Add(time.Hour)
	return models.Session{
		ID:                   uuid.NewString(),
		AdminID:              adminID,
		Flow:                 flow,
		ClientIP:             ip,
		UpstreamAPIKey:       uuid.NewString(),
		APIKeyExpiresAt:      exp,
		AccessTokenExpiresAt: exp,
		SessionExpiresAt:     exp,
		IsActive:             true,
	}
}

func TestMigrate_OneActiveServiceSession(t *testing.T) {
	db := newTestDB(t)

	first := testSession(models.FlowService, "svc", "")
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := testSession(models.FlowService, "svc", "")
	if err := db.Create(&second).Error; err == nil {
		t.Fatal("expected unique index to reject a second active service session")
	}

	second.IsActive = false
	if err := db.Create(&second).Error; err != nil {
		t.Fatalf("inactive rows must not collide: %v", err)
	}
}

func TestMigrate_InteractiveSessionsPerIP(t *testing.T) {
	db := newTestDB(t)

	a := testSession(models.FlowInteractive, "admin-1", "10.0.0.1")
	b := testSession(models.FlowInteractive, "admin-1", "10.0.0.2")
	if err := db.Create(&a).Error; err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := db.Create(&b).Error; err != nil {
		t.Fatalf("sessions on different IPs must coexist: %v", err)
	}
	c := testSession(models.FlowInteractive, "admin-1", "10.0.0.1")
	if err := db.Create(&c).Error; err == nil {
		t.Fatal("expected unique index to reject a second active session on the same IP")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestIsPostgresURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"postgres://u:p@localhost/nexus", true},
		{"postgresql://localhost/nexus", true},
		{"nexus.db", false},
		{"file::memory:?cache=shared", false},
	}
	for _, tt := range tests {
		if got := IsPostgresURL(tt.url); got != tt.want {
			t.Errorf("IsPostgresURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
