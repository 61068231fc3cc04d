// Package deposits converts pre-verified on-chain funding events into
// one-time balance credits.
package deposits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"skinmarket/ledger"
	"skinmarket/models"
)

var (
	// ErrInvalidInput indicates a malformed notification (non-positive amount
	// or empty transaction reference).
	ErrInvalidInput = errors.New("deposits: invalid input")
	// ErrDuplicateTransaction indicates a deposit with the same transaction
	// hash was already processed. The replay performs zero credits.
	ErrDuplicateTransaction = errors.New("deposits: transaction already processed")
	// ErrAccountNotFound indicates the target account does not exist.
	ErrAccountNotFound = errors.New("deposits: account not found")
)

// Notification is the input contract for a confirmed funding event. The
// chain transaction is treated as final once presented here.
type Notification struct {
	AccountID   uuid.UUID
	Amount      decimal.Decimal
	TxHash      string
	CommentCode string
}

// Processor applies funding notifications to the ledger. Each notification
// results in at most one credit, ever, keyed by the transaction hash.
type Processor struct {
	db  *gorm.DB
	now func() time.Time
}

// NewProcessor constructs a deposit processor backed by the provided database.
func NewProcessor(db *gorm.DB, now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{db: db, now: now}
}

// CommentCode returns the correlation code advertised to an account for
// tagging its on-chain transfers.
func CommentCode(accountID uuid.UUID) string {
	return "acct_" + strings.ReplaceAll(accountID.String(), "-", "")[:12]
}

// Process validates and applies one funding notification. The duplicate
// check, the deposit row, the balance credit and the CONFIRMED flip all
// happen inside a single transaction with the account row locked, so a
// concurrent replay of the same hash either loses the duplicate check or
// trips the unique index; either way only one credit lands.
func (p *Processor) Process(ctx context.Context, payload Notification) (*models.Deposit, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("deposits: processor not configured")
	}
	if payload.AccountID == uuid.Nil {
		return nil, ErrInvalidInput
	}
	if !payload.Amount.IsPositive() {
		return nil, ErrInvalidInput
	}
	txHash := strings.TrimSpace(payload.TxHash)
	if txHash == "" {
		return nil, ErrInvalidInput
	}
	code := strings.TrimSpace(payload.CommentCode)
	if code == "" {
		code = CommentCode(payload.AccountID)
	}

	var confirmed models.Deposit
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ledger.LockAccount(tx, payload.AccountID); err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		var existing models.Deposit
		err := tx.First(&existing, "tx_hash = ?", txHash).Error
		if err == nil {
			return ErrDuplicateTransaction
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("deposits: duplicate check: %w", err)
		}

		now := p.now()
		deposit := models.Deposit{
			ID:          uuid.New(),
			AccountID:   payload.AccountID,
			Amount:      payload.Amount,
			TxHash:      txHash,
			CommentCode: code,
			Status:      models.DepositPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&deposit).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateTransaction
			}
			return fmt.Errorf("deposits: create: %w", err)
		}

		if err := ledger.Credit(tx, payload.AccountID, payload.Amount); err != nil {
			return err
		}

		deposit.Status = models.DepositConfirmed
		deposit.ConfirmedAt = &now
		deposit.UpdatedAt = now
		if err := tx.Save(&deposit).Error; err != nil {
			return fmt.Errorf("deposits: confirm: %w", err)
		}

		event := models.Event{
			ID:        uuid.New(),
			UserID:    uuid.Nil,
			Action:    "deposit.confirmed",
			Details:   fmt.Sprintf("tx_hash=%s amount=%s code=%s", txHash, payload.Amount.String(), code),
			CreatedAt: now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("deposits: audit: %w", err)
		}

		confirmed = deposit
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &confirmed, nil
}

// Recent returns the account's latest deposits, newest first.
func (p *Processor) Recent(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Deposit, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []models.Deposit
	err := p.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("deposits: list: %w", err)
	}
	return rows, nil
}
