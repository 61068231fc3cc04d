// Package listings tracks sellable items and their availability state.
package listings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"skinmarket/models"
)

var (
	// ErrInvalidPrice is returned when a listing price is not positive.
	ErrInvalidPrice = errors.New("listings: price must be positive")
	// ErrInvalidInput indicates a missing asset reference or market name.
	ErrInvalidInput = errors.New("listings: invalid input")
	// ErrDuplicateActiveListing indicates the seller already has an ACTIVE
	// listing for this asset.
	ErrDuplicateActiveListing = errors.New("listings: asset already listed")
	// ErrNotFound indicates the listing does not exist or is not visible to
	// the caller.
	ErrNotFound = errors.New("listings: not found")
	// ErrInvalidState indicates the listing is not in a state that permits
	// the requested action.
	ErrInvalidState = errors.New("listings: invalid state")
	// ErrUnavailable indicates another purchase already reserved the listing.
	ErrUnavailable = errors.New("listings: no longer available")
)

// Registry manages listing rows. All mutations lock the listing row first.
type Registry struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRegistry constructs a listing registry backed by the provided database.
func NewRegistry(db *gorm.DB, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{db: db, now: now}
}

// Create opens a new ACTIVE listing for the seller. Catalog availability of
// the asset is a precondition supplied by the caller; it is not verified
// here. The active-duplicate guard is enforced twice: by a locked check and
// by the partial unique index, so two concurrent creates cannot both land.
func (r *Registry) Create(ctx context.Context, sellerID uuid.UUID, assetID, marketName string, price decimal.Decimal) (*models.Listing, error) {
	assetID = strings.TrimSpace(assetID)
	marketName = strings.TrimSpace(marketName)
	if assetID == "" || marketName == "" {
		return nil, ErrInvalidInput
	}
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	var created models.Listing
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Listing
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "seller_id = ? AND asset_id = ? AND status = ?", sellerID, assetID, models.ListingActive).Error
		if err == nil {
			return ErrDuplicateActiveListing
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("listings: duplicate check: %w", err)
		}

		now := r.now()
		listing := models.Listing{
			ID:         uuid.New(),
			SellerID:   sellerID,
			AssetID:    assetID,
			MarketName: marketName,
			Price:      price,
			Status:     models.ListingActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&listing).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateActiveListing
			}
			return fmt.Errorf("listings: create: %w", err)
		}
		created = listing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// Cancel moves an ACTIVE listing owned by the seller to CANCELLED.
func (r *Registry) Cancel(ctx context.Context, sellerID, listingID uuid.UUID) (*models.Listing, error) {
	var cancelled models.Listing
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var listing models.Listing
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&listing, "id = ?", listingID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("listings: lock: %w", err)
		}
		if listing.SellerID != sellerID {
			return ErrNotFound
		}
		if listing.Status != models.ListingActive {
			return ErrInvalidState
		}
		listing.Status = models.ListingCancelled
		listing.UpdatedAt = r.now()
		if err := tx.Save(&listing).Error; err != nil {
			return fmt.Errorf("listings: cancel: %w", err)
		}
		cancelled = listing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cancelled, nil
}

// ReserveForPurchase flips an ACTIVE listing to SOLD under a row lock. It is
// called only by the order engine inside the purchase transaction and is the
// single point preventing two buyers from acquiring the same item: exactly
// one caller observes ACTIVE, every other concurrent caller gets
// ErrUnavailable after the winner commits.
func ReserveForPurchase(tx *gorm.DB, listingID uuid.UUID, now time.Time) (*models.Listing, error) {
	var listing models.Listing
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&listing, "id = ?", listingID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("listings: lock: %w", err)
	}
	if listing.Status != models.ListingActive {
		return nil, ErrUnavailable
	}
	listing.Status = models.ListingSold
	listing.UpdatedAt = now
	if err := tx.Save(&listing).Error; err != nil {
		return nil, fmt.Errorf("listings: reserve: %w", err)
	}
	return &listing, nil
}

// Get loads one listing by id.
func (r *Registry) Get(ctx context.Context, listingID uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	err := r.db.WithContext(ctx).First(&listing, "id = ?", listingID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("listings: get: %w", err)
	}
	return &listing, nil
}

// BrowseQuery filters the public listing feed.
type BrowseQuery struct {
	Search string
	Page   int
	Size   int
}

// Browse returns ACTIVE listings, newest first, with optional name search.
func (r *Registry) Browse(ctx context.Context, q BrowseQuery) ([]models.Listing, int64, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Size < 1 || q.Size > 100 {
		q.Size = 12
	}
	scope := r.db.WithContext(ctx).Model(&models.Listing{}).Where("status = ?", models.ListingActive)
	if s := strings.TrimSpace(q.Search); s != "" {
		scope = scope.Where("market_name LIKE ?", "%"+s+"%")
	}
	var total int64
	if err := scope.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("listings: count: %w", err)
	}
	var rows []models.Listing
	err := scope.Order("created_at DESC").
		Offset((q.Page - 1) * q.Size).
		Limit(q.Size).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listings: browse: %w", err)
	}
	return rows, total, nil
}

// BySeller returns the seller's listings with an optional status filter.
func (r *Registry) BySeller(ctx context.Context, sellerID uuid.UUID, status ListingFilter) ([]models.Listing, error) {
	scope := r.db.WithContext(ctx).Where("seller_id = ?", sellerID)
	if status != "" {
		scope = scope.Where("status = ?", string(status))
	}
	var rows []models.Listing
	if err := scope.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listings: by seller: %w", err)
	}
	return rows, nil
}

// ActiveAssetIDs returns the asset references the seller currently has
// listed, used to filter the sell view.
func (r *Registry) ActiveAssetIDs(ctx context.Context, sellerID uuid.UUID) (map[string]struct{}, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Listing{}).
		Where("seller_id = ? AND status = ?", sellerID, models.ListingActive).
		Pluck("asset_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listings: active assets: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// ListingFilter narrows seller views to one status; empty means all.
type ListingFilter string
