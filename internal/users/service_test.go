package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestRegisterAndAuthenticate(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	user, err := service.Register(ctx, " alice ", "Alice@Example.com", "hunter22")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if user.ID == "" {
		t.Fatalf("expected generated user id")
	}
	if user.Username != "alice" || user.Email != "alice@example.com" {
		t.Fatalf("unexpected normalized identity %#v", user)
	}
	if user.PasswordHash == "hunter22" {
		t.Fatalf("password must be hashed")
	}

	authenticated, err := service.Authenticate(ctx, "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if authenticated.ID != user.ID {
		t.Fatalf("expected %s, got %s", user.ID, authenticated.ID)
	}

	if _, err := service.Authenticate(ctx, "alice@example.com", "wrong-password"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for wrong password, got %v", err)
	}
	if _, err := service.Authenticate(ctx, "nobody@example.com", "hunter22"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown email, got %v", err)
	}
}

func TestRegisterRejectsDuplicatesAndInvalidInput(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Register(ctx, "alice", "alice@example.com", "hunter22"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := service.Register(ctx, "alice", "other@example.com", "hunter22"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for duplicate username, got %v", err)
	}
	if _, err := service.Register(ctx, "bob", "ALICE@example.com", "hunter22"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for duplicate email, got %v", err)
	}
	if _, err := service.Register(ctx, "bo", "bo@example.com", "hunter22"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for short username, got %v", err)
	}
	if _, err := service.Register(ctx, "carol", "not-an-email", "hunter22"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for bad email, got %v", err)
	}
	if _, err := service.Register(ctx, "carol", "carol@example.com", "12345"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for short password, got %v", err)
	}
}

func TestDisplayNameResolvesAndCaches(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	user, err := service.Register(ctx, "dave", "dave@example.com", "hunter22")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	service.names.Delete(user.ID)

	name, err := service.DisplayName(ctx, user.ID)
	if err != nil {
		t.Fatalf("display name failed: %v", err)
	}
	if name != "dave" {
		t.Fatalf("expected dave, got %q", name)
	}
	if _, ok := service.names.Load(user.ID); !ok {
		t.Fatalf("expected display name to be cached")
	}

	if _, err := service.DisplayName(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
