// Package ledger implements the atomic balance primitives backing the
// marketplace escrow. Every primitive operates on the caller's transaction so
// the balance mutation commits or rolls back together with the dependent
// order or deposit write. Preconditions are checked only after the account
// rows are locked; any earlier check by a caller is advisory.
package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"skinmarket/models"
)

var (
	// ErrInvalidAmount is returned when an amount is zero or negative.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInsufficientFunds indicates the locked balance cannot cover the amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrAccountNotFound indicates the referenced account row does not exist.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// LockAccount loads the account row under a FOR UPDATE lock. The lock is
// held until the enclosing transaction commits or rolls back.
func LockAccount(tx *gorm.DB, id uuid.UUID) (*models.Account, error) {
	var account models.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("ledger: lock account: %w", err)
	}
	return &account, nil
}

// lockPair locks two distinct account rows in ascending identifier order so
// that two concurrent transfers crossing the same pair of accounts in
// opposite roles cannot deadlock.
func lockPair(tx *gorm.DB, a, b uuid.UUID) (*models.Account, *models.Account, error) {
	first, second := a, b
	if strings.Compare(a.String(), b.String()) > 0 {
		first, second = b, a
	}
	locked := make(map[uuid.UUID]*models.Account, 2)
	for _, id := range []uuid.UUID{first, second} {
		account, err := LockAccount(tx, id)
		if err != nil {
			return nil, nil, err
		}
		locked[id] = account
	}
	return locked[a], locked[b], nil
}

func saveBalances(tx *gorm.DB, accounts ...*models.Account) error {
	for _, account := range accounts {
		err := tx.Model(&models.Account{}).
			Where("id = ?", account.ID).
			Updates(map[string]any{
				"balance_active": account.BalanceActive,
				"balance_frozen": account.BalanceFrozen,
			}).Error
		if err != nil {
			return fmt.Errorf("ledger: save balances: %w", err)
		}
	}
	return nil
}

// Credit increases the account's active balance by amount.
func Credit(tx *gorm.DB, accountID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	account, err := LockAccount(tx, accountID)
	if err != nil {
		return err
	}
	account.BalanceActive = account.BalanceActive.Add(amount)
	return saveBalances(tx, account)
}

// FreezeForEscrow moves amount from the account's active balance into its
// frozen balance. The balance is rechecked under the row lock.
func FreezeForEscrow(tx *gorm.DB, accountID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	account, err := LockAccount(tx, accountID)
	if err != nil {
		return err
	}
	if account.BalanceActive.LessThan(amount) {
		return ErrInsufficientFunds
	}
	account.BalanceActive = account.BalanceActive.Sub(amount)
	account.BalanceFrozen = account.BalanceFrozen.Add(amount)
	return saveBalances(tx, account)
}

// ReleaseEscrowToSeller moves amount out of the buyer's frozen balance into
// the seller's active balance. Both rows are locked in ascending identifier
// order before any balance is read.
func ReleaseEscrowToSeller(tx *gorm.DB, fromID, toID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	from, to, err := lockPair(tx, fromID, toID)
	if err != nil {
		return err
	}
	if from.BalanceFrozen.LessThan(amount) {
		return ErrInsufficientFunds
	}
	from.BalanceFrozen = from.BalanceFrozen.Sub(amount)
	to.BalanceActive = to.BalanceActive.Add(amount)
	return saveBalances(tx, from, to)
}

// RefundEscrow returns amount from the account's frozen balance to its
// active balance. Used by the cancellation and dispute paths.
func RefundEscrow(tx *gorm.DB, accountID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	account, err := LockAccount(tx, accountID)
	if err != nil {
		return err
	}
	if account.BalanceFrozen.LessThan(amount) {
		return ErrInsufficientFunds
	}
	account.BalanceFrozen = account.BalanceFrozen.Sub(amount)
	account.BalanceActive = account.BalanceActive.Add(amount)
	return saveBalances(tx, account)
}
