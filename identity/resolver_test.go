package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"skinmarket/models"
)

func setupIdentityTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestResolveCreatesAccountOnFirstLogin(t *testing.T) {
	db := setupIdentityTestDB(t)
	resolver := NewResolver(db, time.Now)

	account, err := resolver.Resolve(context.Background(), "steam:76561198000000001", "PlayerOne")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if account.Subject != "steam:76561198000000001" {
		t.Fatalf("unexpected subject %q", account.Subject)
	}
	if account.DisplayName != "PlayerOne" {
		t.Fatalf("unexpected display name %q", account.DisplayName)
	}
	if !account.BalanceActive.IsZero() || !account.BalanceFrozen.IsZero() {
		t.Fatalf("new account must start at zero: %s/%s", account.BalanceActive, account.BalanceFrozen)
	}
}

func TestResolveIsStableAcrossLogins(t *testing.T) {
	db := setupIdentityTestDB(t)
	resolver := NewResolver(db, time.Now)

	first, err := resolver.Resolve(context.Background(), "steam:1", "PlayerOne")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := resolver.Resolve(context.Background(), "steam:1", "RenamedPlayer")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("subject resolved to different accounts: %s vs %s", first.ID, second.ID)
	}

	var count int64
	if err := db.Model(&models.Account{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one account got %d", count)
	}
}

func TestResolveRejectsBlankSubject(t *testing.T) {
	db := setupIdentityTestDB(t)
	resolver := NewResolver(db, time.Now)

	if _, err := resolver.Resolve(context.Background(), "   ", "name"); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject got %v", err)
	}
}

func TestGetUnknownAccount(t *testing.T) {
	db := setupIdentityTestDB(t)
	resolver := NewResolver(db, time.Now)

	if _, err := resolver.Get(context.Background(), uuid.New()); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	db := setupIdentityTestDB(t)
	resolver := NewResolver(db, time.Now)

	account, err := resolver.Resolve(context.Background(), "steam:1", "PlayerOne")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	updated, err := resolver.UpdateProfile(context.Background(), account.ID, ProfileUpdate{
		TradeURL:      "  https://steamcommunity.com/tradeoffer/new/?partner=1&token=abc  ",
		WalletAddress: "EQabc123",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TradeURL != "https://steamcommunity.com/tradeoffer/new/?partner=1&token=abc" {
		t.Fatalf("trade url not trimmed: %q", updated.TradeURL)
	}
	if updated.WalletAddress != "EQabc123" {
		t.Fatalf("wallet address: %q", updated.WalletAddress)
	}

	if _, err := resolver.UpdateProfile(context.Background(), uuid.New(), ProfileUpdate{}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound got %v", err)
	}
}
