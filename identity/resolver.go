// Package identity maps authenticated external subjects onto ledger
// accounts. The upstream login flow (OpenID-style) has already verified the
// subject by the time it reaches this package.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"skinmarket/models"
)

var (
	// ErrInvalidSubject indicates an empty external subject identifier.
	ErrInvalidSubject = errors.New("identity: subject required")
	// ErrAccountNotFound indicates the account does not exist.
	ErrAccountNotFound = errors.New("identity: account not found")
)

// Resolver resolves external subjects to accounts, creating the account on
// first successful authentication.
type Resolver struct {
	db  *gorm.DB
	now func() time.Time
}

// NewResolver constructs an identity resolver backed by the provided database.
func NewResolver(db *gorm.DB, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{db: db, now: now}
}

// Resolve returns the account for the subject, creating it if absent. The
// unique index on subject guarantees a concurrent first login cannot mint
// two accounts; the loser of that race re-reads the winner's row.
func (r *Resolver) Resolve(ctx context.Context, subject, displayName string) (*models.Account, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrInvalidSubject
	}

	var account models.Account
	err := r.db.WithContext(ctx).First(&account, "subject = ?", subject).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("identity: lookup: %w", err)
	}

	now := r.now()
	account = models.Account{
		ID:            uuid.New(),
		Subject:       subject,
		DisplayName:   strings.TrimSpace(displayName),
		BalanceActive: decimal.Zero,
		BalanceFrozen: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.db.WithContext(ctx).Create(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var existing models.Account
			if err := r.db.WithContext(ctx).First(&existing, "subject = ?", subject).Error; err != nil {
				return nil, fmt.Errorf("identity: reread after race: %w", err)
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("identity: create: %w", err)
	}
	return &account, nil
}

// Get loads one account by id.
func (r *Resolver) Get(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).First(&account, "id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("identity: get: %w", err)
	}
	return &account, nil
}

// ProfileUpdate carries the editable profile fields.
type ProfileUpdate struct {
	TradeURL      string
	WalletAddress string
}

// UpdateProfile stores the account's trade URL and wallet address. Both are
// informational; withdrawals are outside this service.
func (r *Resolver) UpdateProfile(ctx context.Context, accountID uuid.UUID, update ProfileUpdate) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&account, "id = ?", accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("identity: load: %w", err)
		}
		account.TradeURL = strings.TrimSpace(update.TradeURL)
		account.WalletAddress = strings.TrimSpace(update.WalletAddress)
		account.UpdatedAt = r.now()
		if err := tx.Save(&account).Error; err != nil {
			return fmt.Errorf("identity: save: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}
