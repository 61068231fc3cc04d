// Package orders drives the escrow order workflow: listing reservation,
// buyer fund freeze, delivery proof, confirmation and fund release. No other
// component touches the ledger on behalf of an order.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"skinmarket/ledger"
	"skinmarket/listings"
	"skinmarket/models"
)

var (
	// ErrNotFound indicates the order does not exist.
	ErrNotFound = errors.New("orders: not found")
	// ErrForbidden indicates the caller is not the party authorized for the
	// attempted transition.
	ErrForbidden = errors.New("orders: caller not permitted")
	// ErrInvalidState indicates the transition does not apply to the order's
	// current status.
	ErrInvalidState = errors.New("orders: invalid state for action")
	// ErrInvalidInput indicates a missing required field, such as an empty
	// delivery reference.
	ErrInvalidInput = errors.New("orders: invalid input")
	// ErrSelfPurchase indicates buyer and seller are the same account.
	ErrSelfPurchase = errors.New("orders: cannot purchase own listing")
	// ErrHoldNotExpired indicates a force-complete before the hold lapsed.
	ErrHoldNotExpired = errors.New("orders: hold has not expired")
	// ErrNoResolver indicates a dispute resolution was requested without a
	// configured resolver.
	ErrNoResolver = errors.New("orders: no dispute resolver configured")
)

// Resolution is the outcome a dispute resolver hands back.
type Resolution string

// Supported dispute outcomes.
const (
	ResolutionReleaseToSeller Resolution = "RELEASE_TO_SELLER"
	ResolutionRefundBuyer     Resolution = "REFUND_BUYER"
)

// DisputeResolver adjudicates a DISPUTED order. The adjudication policy is
// deliberately external: the engine only applies the returned outcome.
type DisputeResolver interface {
	Resolve(ctx context.Context, order *models.Order) (Resolution, error)
}

// Config captures the dependencies required to construct the engine.
type Config struct {
	DB         *gorm.DB
	HoldPeriod time.Duration
	Resolver   DisputeResolver
	Now        func() time.Time
}

// Engine coordinates the order escrow state machine.
type Engine struct {
	db         *gorm.DB
	holdPeriod time.Duration
	resolver   DisputeResolver
	now        func() time.Time
}

// NewEngine constructs the order engine.
func NewEngine(cfg Config) *Engine {
	if cfg.HoldPeriod <= 0 {
		cfg.HoldPeriod = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		db:         cfg.DB,
		holdPeriod: cfg.HoldPeriod,
		resolver:   cfg.Resolver,
		now:        cfg.Now,
	}
}

// CreatePurchase reserves the listing, freezes the buyer's funds and creates
// the order in PAID, all inside one transaction. If the reservation loses
// the race to another buyer the whole transaction aborts and no freeze is
// observable.
func (e *Engine) CreatePurchase(ctx context.Context, buyerID, listingID uuid.UUID) (*models.Order, error) {
	var created models.Order
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := e.now()
		listing, err := listings.ReserveForPurchase(tx, listingID, now)
		if err != nil {
			return err
		}
		if listing.SellerID == buyerID {
			return ErrSelfPurchase
		}
		if err := ledger.FreezeForEscrow(tx, buyerID, listing.Price); err != nil {
			return err
		}
		order := models.Order{
			ID:        uuid.New(),
			BuyerID:   buyerID,
			SellerID:  listing.SellerID,
			ListingID: listing.ID,
			Amount:    listing.Price,
			Status:    models.OrderPaid,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&order).Error; err != nil {
			return fmt.Errorf("orders: create: %w", err)
		}
		if err := e.audit(tx, &order, buyerID, "order.paid",
			fmt.Sprintf("listing=%s amount=%s", listing.ID, order.Amount.String())); err != nil {
			return err
		}
		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// MarkSent records the seller's delivery proof and stamps the hold expiry.
func (e *Engine) MarkSent(ctx context.Context, sellerID, orderID uuid.UUID, deliveryRef string) (*models.Order, error) {
	deliveryRef = strings.TrimSpace(deliveryRef)
	if deliveryRef == "" {
		return nil, ErrInvalidInput
	}
	return e.transition(ctx, orderID, ActionMarkSent, func(tx *gorm.DB, order *models.Order) (Party, error) {
		if order.SellerID != sellerID {
			return "", ErrForbidden
		}
		return PartySeller, nil
	}, func(tx *gorm.DB, order *models.Order, now time.Time) error {
		expiry := now.Add(e.holdPeriod)
		order.DeliveryRef = deliveryRef
		order.HoldExpiresAt = &expiry
		return e.audit(tx, order, sellerID, "order.sent", "delivery_ref="+deliveryRef)
	})
}

// ConfirmReceipt releases the escrowed funds to the seller and completes the
// order. The release and the status flip share one transaction.
func (e *Engine) ConfirmReceipt(ctx context.Context, buyerID, orderID uuid.UUID) (*models.Order, error) {
	return e.transition(ctx, orderID, ActionConfirmReceipt, func(tx *gorm.DB, order *models.Order) (Party, error) {
		if order.BuyerID != buyerID {
			return "", ErrForbidden
		}
		return PartyBuyer, nil
	}, func(tx *gorm.DB, order *models.Order, now time.Time) error {
		if err := ledger.ReleaseEscrowToSeller(tx, order.BuyerID, order.SellerID, order.Amount); err != nil {
			return err
		}
		return e.audit(tx, order, buyerID, "order.completed", "amount="+order.Amount.String())
	})
}

// RaiseDispute moves a SENT order to DISPUTED. Either party may raise it;
// funds stay frozen until an explicit resolution.
func (e *Engine) RaiseDispute(ctx context.Context, callerID, orderID uuid.UUID) (*models.Order, error) {
	return e.transition(ctx, orderID, ActionRaiseDispute, func(tx *gorm.DB, order *models.Order) (Party, error) {
		switch callerID {
		case order.BuyerID:
			return PartyBuyer, nil
		case order.SellerID:
			return PartySeller, nil
		default:
			return "", ErrForbidden
		}
	}, func(tx *gorm.DB, order *models.Order, now time.Time) error {
		return e.audit(tx, order, callerID, "order.disputed", "")
	})
}

// ForceComplete behaves exactly like ConfirmReceipt once the hold expiry
// has lapsed. The triggering scheduler lives outside this service.
func (e *Engine) ForceComplete(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return e.transition(ctx, orderID, ActionForceComplete, func(tx *gorm.DB, order *models.Order) (Party, error) {
		return PartySystem, nil
	}, func(tx *gorm.DB, order *models.Order, now time.Time) error {
		if order.HoldExpiresAt == nil || now.Before(*order.HoldExpiresAt) {
			return ErrHoldNotExpired
		}
		if err := ledger.ReleaseEscrowToSeller(tx, order.BuyerID, order.SellerID, order.Amount); err != nil {
			return err
		}
		return e.audit(tx, order, uuid.Nil, "order.force_completed", "amount="+order.Amount.String())
	})
}

// ResolveDispute asks the configured resolver for an outcome and applies it:
// either the frozen funds release to the seller or they refund to the buyer,
// in the same transaction as the terminal status flip. The resolver may do
// slow work (case review, external adjudication), so it runs on a plain read
// before any row lock is taken; the transition is re-validated under the
// lock, which rejects the outcome if the order moved in the meantime.
func (e *Engine) ResolveDispute(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if e.resolver == nil {
		return nil, ErrNoResolver
	}

	var snapshot models.Order
	if err := e.db.WithContext(ctx).First(&snapshot, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("orders: get: %w", err)
	}
	if snapshot.Status != models.OrderDisputed {
		return nil, ErrInvalidState
	}

	outcome, err := e.resolver.Resolve(ctx, &snapshot)
	if err != nil {
		return nil, fmt.Errorf("orders: resolver: %w", err)
	}
	action := ActionResolveRelease
	if outcome == ResolutionRefundBuyer {
		action = ActionResolveRefund
	}

	var resolved models.Order
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		next, err := NextState(order.Status, action, PartySystem)
		if err != nil {
			return err
		}
		switch outcome {
		case ResolutionReleaseToSeller:
			if err := ledger.ReleaseEscrowToSeller(tx, order.BuyerID, order.SellerID, order.Amount); err != nil {
				return err
			}
		case ResolutionRefundBuyer:
			if err := ledger.RefundEscrow(tx, order.BuyerID, order.Amount); err != nil {
				return err
			}
		default:
			return fmt.Errorf("orders: unknown resolution %q", outcome)
		}
		now := e.now()
		order.Status = next
		order.UpdatedAt = now
		if err := tx.Save(order).Error; err != nil {
			return fmt.Errorf("orders: save: %w", err)
		}
		if err := e.audit(tx, order, uuid.Nil, "order.resolved", "outcome="+string(outcome)); err != nil {
			return err
		}
		resolved = *order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resolved, nil
}

// Get loads one order visible to the given participant.
func (e *Engine) Get(ctx context.Context, callerID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := e.db.WithContext(ctx).First(&order, "id = ?", orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("orders: get: %w", err)
	}
	if order.BuyerID != callerID && order.SellerID != callerID {
		return nil, ErrForbidden
	}
	return &order, nil
}

// ForParticipant returns the account's orders on both sides of the trade,
// newest first, optionally narrowed to one status.
func (e *Engine) ForParticipant(ctx context.Context, accountID uuid.UUID, status models.OrderStatus) ([]models.Order, error) {
	scope := e.db.WithContext(ctx).Where("buyer_id = ? OR seller_id = ?", accountID, accountID)
	if status != "" {
		scope = scope.Where("status = ?", status)
	}
	var rows []models.Order
	if err := scope.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("orders: list: %w", err)
	}
	return rows, nil
}

type partyFn func(tx *gorm.DB, order *models.Order) (Party, error)
type effectFn func(tx *gorm.DB, order *models.Order, now time.Time) error

// transition applies one workflow step: lock the order, resolve the acting
// party, validate against the transition table, run the side effects and
// persist the new status, all in one transaction.
func (e *Engine) transition(ctx context.Context, orderID uuid.UUID, action Action, party partyFn, effect effectFn) (*models.Order, error) {
	var updated models.Order
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		actor, err := party(tx, order)
		if err != nil {
			return err
		}
		next, err := NextState(order.Status, action, actor)
		if err != nil {
			return err
		}
		now := e.now()
		if err := effect(tx, order, now); err != nil {
			return err
		}
		order.Status = next
		order.UpdatedAt = now
		if err := tx.Save(order).Error; err != nil {
			return fmt.Errorf("orders: save: %w", err)
		}
		updated = *order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func lockOrder(tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("orders: lock: %w", err)
	}
	return &order, nil
}

func (e *Engine) audit(tx *gorm.DB, order *models.Order, actor uuid.UUID, action, details string) error {
	event := models.Event{
		ID:        uuid.New(),
		OrderID:   &order.ID,
		UserID:    actor,
		Action:    action,
		Details:   details,
		CreatedAt: e.now(),
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("orders: audit: %w", err)
	}
	return nil
}
