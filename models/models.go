package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ListingStatus represents the lifecycle state of a marketplace listing.
type ListingStatus string

// Listing states. SOLD and CANCELLED are terminal.
const (
	ListingActive    ListingStatus = "ACTIVE"
	ListingSold      ListingStatus = "SOLD"
	ListingCancelled ListingStatus = "CANCELLED"
)

// OrderStatus represents a state in the escrow order workflow.
type OrderStatus string

// All order workflow states. COMPLETED and the RESOLVED_* states are
// terminal; DISPUTED only leaves through an explicit resolution.
const (
	OrderPaid             OrderStatus = "PAID"
	OrderSent             OrderStatus = "SENT"
	OrderCompleted        OrderStatus = "COMPLETED"
	OrderDisputed         OrderStatus = "DISPUTED"
	OrderResolvedReleased OrderStatus = "RESOLVED_RELEASED"
	OrderResolvedRefunded OrderStatus = "RESOLVED_REFUNDED"
)

// DepositStatus represents the lifecycle state of an on-chain deposit.
type DepositStatus string

// Deposit states. PENDING is transient: a deposit is created and confirmed
// within the same transaction because the funding event arrives pre-verified.
const (
	DepositPending   DepositStatus = "PENDING"
	DepositConfirmed DepositStatus = "CONFIRMED"
	DepositFailed    DepositStatus = "FAILED"
	DepositCancelled DepositStatus = "CANCELLED"
)

// Account is the ledger account backing one external identity. Balances are
// mutated only through the ledger package, inside row-locked transactions.
type Account struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Subject       string          `gorm:"size:255;uniqueIndex"`
	DisplayName   string          `gorm:"size:255"`
	TradeURL      string          `gorm:"size:500"`
	WalletAddress string          `gorm:"size:255"`
	BalanceActive decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceFrozen decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Listing is a seller's offer of one inventory asset at a fixed price.
type Listing struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	SellerID   uuid.UUID       `gorm:"type:uuid;index"`
	AssetID    string          `gorm:"size:255;index:idx_listings_seller_asset"`
	MarketName string          `gorm:"size:255;index"`
	Price      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status     ListingStatus   `gorm:"size:20;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Order records the purchase of one listing and tracks the escrow hold. The
// amount is a snapshot of the listing price at purchase time and is never
// recomputed afterwards.
type Order struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	BuyerID       uuid.UUID       `gorm:"type:uuid;index"`
	SellerID      uuid.UUID       `gorm:"type:uuid;index"`
	ListingID     uuid.UUID       `gorm:"type:uuid;uniqueIndex"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status        OrderStatus     `gorm:"size:20;index"`
	DeliveryRef   string          `gorm:"size:255"`
	HoldExpiresAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Deposit records one on-chain funding event. The transaction hash is
// globally unique so a chain event can credit an account at most once.
type Deposit struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AccountID   uuid.UUID       `gorm:"type:uuid;index:idx_deposits_account_status"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	TxHash      string          `gorm:"size:255;uniqueIndex"`
	CommentCode string          `gorm:"size:255"`
	Status      DepositStatus   `gorm:"size:20;index:idx_deposits_account_status"`
	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is the audit trail for balance and workflow mutations. UserID is
// uuid.Nil when the system (webhook, ops) acted.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OrderID   *uuid.UUID `gorm:"type:uuid;index"`
	UserID    uuid.UUID  `gorm:"type:uuid;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service, including the
// partial unique index preventing two ACTIVE listings for the same
// (seller, asset) pair. Partial indexes are supported by both postgres and
// the sqlite used in tests.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Account{},
		&Listing{},
		&Order{},
		&Deposit{},
		&Event{},
		&IdempotencyKey{},
	); err != nil {
		return err
	}
	return db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_listings_active_unique
		 ON listings (seller_id, asset_id) WHERE status = 'ACTIVE'`,
	).Error
}
