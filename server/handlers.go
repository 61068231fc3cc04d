package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"skinmarket/auth"
	"skinmarket/deposits"
	"skinmarket/identity"
	"skinmarket/listings"
	"skinmarket/models"
	"skinmarket/observability"
	"skinmarket/observability/logging"
)

type listingResponse struct {
	ID         uuid.UUID `json:"id"`
	SellerID   uuid.UUID `json:"seller_id"`
	AssetID    string    `json:"asset_id"`
	MarketName string    `json:"market_name"`
	Price      string    `json:"price"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

type orderResponse struct {
	ID            uuid.UUID  `json:"id"`
	BuyerID       uuid.UUID  `json:"buyer_id"`
	SellerID      uuid.UUID  `json:"seller_id"`
	ListingID     uuid.UUID  `json:"listing_id"`
	Amount        string     `json:"amount"`
	Status        string     `json:"status"`
	DeliveryRef   string     `json:"delivery_ref,omitempty"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type depositResponse struct {
	ID          uuid.UUID  `json:"id"`
	Amount      string     `json:"amount"`
	TxHash      string     `json:"tx_hash"`
	CommentCode string     `json:"comment_code"`
	Status      string     `json:"status"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type profileResponse struct {
	ID            uuid.UUID `json:"id"`
	Subject       string    `json:"subject"`
	DisplayName   string    `json:"display_name"`
	TradeURL      string    `json:"trade_url"`
	WalletAddress string    `json:"wallet_address"`
	BalanceActive string    `json:"balance_active"`
	BalanceFrozen string    `json:"balance_frozen"`
}

func renderListing(l models.Listing) listingResponse {
	return listingResponse{
		ID:         l.ID,
		SellerID:   l.SellerID,
		AssetID:    l.AssetID,
		MarketName: l.MarketName,
		Price:      l.Price.StringFixed(8),
		Status:     string(l.Status),
		CreatedAt:  l.CreatedAt,
	}
}

func renderOrder(o models.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		BuyerID:       o.BuyerID,
		SellerID:      o.SellerID,
		ListingID:     o.ListingID,
		Amount:        o.Amount.StringFixed(8),
		Status:        string(o.Status),
		DeliveryRef:   o.DeliveryRef,
		HoldExpiresAt: o.HoldExpiresAt,
		CreatedAt:     o.CreatedAt,
	}
}

func renderDeposit(d models.Deposit) depositResponse {
	return depositResponse{
		ID:          d.ID,
		Amount:      d.Amount.StringFixed(8),
		TxHash:      d.TxHash,
		CommentCode: d.CommentCode,
		Status:      string(d.Status),
		ConfirmedAt: d.ConfirmedAt,
		CreatedAt:   d.CreatedAt,
	}
}

func renderProfile(a models.Account) profileResponse {
	return profileResponse{
		ID:            a.ID,
		Subject:       a.Subject,
		DisplayName:   a.DisplayName,
		TradeURL:      a.TradeURL,
		WalletAddress: a.WalletAddress,
		BalanceActive: a.BalanceActive.StringFixed(8),
		BalanceFrozen: a.BalanceFrozen.StringFixed(8),
	}
}

// account resolves the authenticated subject to a ledger account, creating
// it on first sight.
func (s *Server) account(r *http.Request) (*models.Account, error) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		return nil, identity.ErrInvalidSubject
	}
	return s.identity.Resolve(r.Context(), claims.Subject, claims.DisplayName)
}

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// observe records one operation's outcome for metrics.
func (s *Server) observe(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveOperation(operation, outcome, s.now().Sub(start))
}

// BrowseListings returns active listings with optional name search.
func (s *Server) BrowseListings(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	rows, total, err := s.registry.Browse(r.Context(), listings.BrowseQuery{
		Search: r.URL.Query().Get("search"),
		Page:   page,
	})
	if err != nil {
		s.writeError(w, "listings.browse", err)
		return
	}
	out := make([]listingResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, renderListing(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out, "total": total})
}

// GetListing returns one listing by id.
func (s *Server) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, "listings.get", listings.ErrNotFound)
		return
	}
	listing, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, "listings.get", err)
		return
	}
	writeJSON(w, http.StatusOK, renderListing(*listing))
}

// CreateListing opens a new listing after checking the asset still sits in
// the seller's inventory. The catalog call happens before any transaction.
func (s *Server) CreateListing(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "listings.create", err)
		return
	}

	var req struct {
		AssetID    string `json:"asset_id"`
		MarketName string `json:"market_name"`
		Price      string `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "listings.create", listings.ErrInvalidInput)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		s.writeError(w, "listings.create", listings.ErrInvalidPrice)
		return
	}

	if s.catalog != nil {
		owned, err := s.catalog.Has(r.Context(), account.Subject, req.AssetID)
		if err != nil {
			s.writeError(w, "listings.create", err)
			return
		}
		if !owned {
			s.writeError(w, "listings.create", listings.ErrInvalidInput)
			return
		}
	}

	listing, err := s.registry.Create(r.Context(), account.ID, req.AssetID, req.MarketName, price)
	s.observe("listings.create", start, err)
	if err != nil {
		s.writeError(w, "listings.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, renderListing(*listing))
}

// CancelListing moves the caller's ACTIVE listing to CANCELLED.
func (s *Server) CancelListing(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "listings.cancel", err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, "listings.cancel", listings.ErrNotFound)
		return
	}
	listing, err := s.registry.Cancel(r.Context(), account.ID, id)
	s.observe("listings.cancel", start, err)
	if err != nil {
		s.writeError(w, "listings.cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, renderListing(*listing))
}

// PurchaseListing reserves the listing and freezes the buyer's funds.
func (s *Server) PurchaseListing(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "orders.purchase", err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, "orders.purchase", listings.ErrNotFound)
		return
	}
	order, err := s.engine.CreatePurchase(r.Context(), account.ID, id)
	s.observe("orders.purchase", start, err)
	if err != nil {
		s.writeError(w, "orders.purchase", err)
		return
	}
	writeJSON(w, http.StatusCreated, renderOrder(*order))
}

// MyListings returns the caller's own listings.
func (s *Server) MyListings(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "listings.mine", err)
		return
	}
	rows, err := s.registry.BySeller(r.Context(), account.ID, listings.ListingFilter(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, "listings.mine", err)
		return
	}
	out := make([]listingResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, renderListing(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out})
}

// Inventory returns the caller's tradable inventory minus already listed
// assets, for the sell view.
func (s *Server) Inventory(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "catalog.inventory", err)
		return
	}
	refresh := r.URL.Query().Get("refresh") == "true"
	items, err := s.catalog.Inventory(r.Context(), account.Subject, refresh)
	if err != nil {
		s.writeError(w, "catalog.inventory", err)
		return
	}
	listed, err := s.registry.ActiveAssetIDs(r.Context(), account.ID)
	if err != nil {
		s.writeError(w, "catalog.inventory", err)
		return
	}
	filtered := items[:0:0]
	for _, item := range items {
		if _, ok := listed[item.AssetID]; !ok {
			filtered = append(filtered, item)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": filtered})
}

// MyOrders returns the caller's orders on both sides of the trade.
func (s *Server) MyOrders(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "orders.mine", err)
		return
	}
	rows, err := s.engine.ForParticipant(r.Context(), account.ID, models.OrderStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, "orders.mine", err)
		return
	}
	out := make([]orderResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, renderOrder(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// GetOrder returns one order visible to the caller.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "orders.get", err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, "orders.get", listings.ErrNotFound)
		return
	}
	order, err := s.engine.Get(r.Context(), account.ID, id)
	if err != nil {
		s.writeError(w, "orders.get", err)
		return
	}
	writeJSON(w, http.StatusOK, renderOrder(*order))
}

// MarkOrderSent records the seller's delivery proof.
func (s *Server) MarkOrderSent(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "orders.sent", err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, "orders.sent", listings.ErrNotFound)
		return
	}
	var req struct {
		DeliveryRef string `json:"delivery_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "orders.sent", listings.ErrInvalidInput)
		return
	}
	order, err := s.engine.MarkSent(r.Context(), account.ID, id, req.DeliveryRef)
	s.observe("orders.sent", start, err)
	if err != nil {
		s.writeError(w, "orders.sent", err)
		return
	}
	writeJSON(w, http.StatusOK, renderOrder(*order))
}

// ConfirmOrder releases the escrowed funds to the seller.
func (s *Server) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "orders.confirm", err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, "orders.confirm", listings.ErrNotFound)
		return
	}
	order, err := s.engine.ConfirmReceipt(r.Context(), account.ID, id)
	s.observe("orders.confirm", start, err)
	if err != nil {
		s.writeError(w, "orders.confirm", err)
		return
	}
	observability.Settlements().RecordSettlement(string(order.Status))
	writeJSON(w, http.StatusOK, renderOrder(*order))
}

// DisputeOrder freezes the order in DISPUTED pending resolution.
func (s *Server) DisputeOrder(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "orders.dispute", err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, "orders.dispute", listings.ErrNotFound)
		return
	}
	order, err := s.engine.RaiseDispute(r.Context(), account.ID, id)
	s.observe("orders.dispute", start, err)
	if err != nil {
		s.writeError(w, "orders.dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, renderOrder(*order))
}

// RecentDeposits lists the caller's latest deposits.
func (s *Server) RecentDeposits(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "deposits.recent", err)
		return
	}
	rows, err := s.deposits.Recent(r.Context(), account.ID, 10)
	if err != nil {
		s.writeError(w, "deposits.recent", err)
		return
	}
	out := make([]depositResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, renderDeposit(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposits": out})
}

// DepositInstructions returns the platform wallet and the caller's
// correlation code for tagging transfers.
func (s *Server) DepositInstructions(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "deposits.instructions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"platform_wallet": s.platformWallet,
		"comment_code":    deposits.CommentCode(account.ID),
	})
}

// DepositWebhook consumes one pre-verified funding event.
func (s *Server) DepositWebhook(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	var req struct {
		AccountID   uuid.UUID `json:"account_id"`
		Amount      string    `json:"amount"`
		TxHash      string    `json:"tx_hash"`
		CommentCode string    `json:"comment_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "deposits.webhook", deposits.ErrInvalidInput)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.writeError(w, "deposits.webhook", deposits.ErrInvalidInput)
		return
	}
	deposit, err := s.deposits.Process(r.Context(), deposits.Notification{
		AccountID:   req.AccountID,
		Amount:      amount,
		TxHash:      req.TxHash,
		CommentCode: req.CommentCode,
	})
	s.observe("deposits.webhook", start, err)
	if err != nil {
		s.writeError(w, "deposits.webhook", err)
		return
	}
	s.metrics.RecordDeposit()
	writeJSON(w, http.StatusCreated, renderDeposit(*deposit))
}

// ForceCompleteOrder completes a SENT order whose hold expired.
func (s *Server) ForceCompleteOrder(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, "orders.force_complete", listings.ErrNotFound)
		return
	}
	order, err := s.engine.ForceComplete(r.Context(), id)
	s.observe("orders.force_complete", start, err)
	if err != nil {
		s.writeError(w, "orders.force_complete", err)
		return
	}
	observability.Settlements().RecordSettlement(string(order.Status))
	writeJSON(w, http.StatusOK, renderOrder(*order))
}

// ResolveOrder applies the configured dispute resolver's outcome.
func (s *Server) ResolveOrder(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, "orders.resolve", listings.ErrNotFound)
		return
	}
	order, err := s.engine.ResolveDispute(r.Context(), id)
	s.observe("orders.resolve", start, err)
	if err != nil {
		s.writeError(w, "orders.resolve", err)
		return
	}
	observability.Settlements().RecordSettlement(string(order.Status))
	writeJSON(w, http.StatusOK, renderOrder(*order))
}

// GetProfile returns the caller's account and balances.
func (s *Server) GetProfile(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "profile.get", err)
		return
	}
	writeJSON(w, http.StatusOK, renderProfile(*account))
}

// UpdateProfile stores the caller's trade URL and wallet address.
func (s *Server) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	account, err := s.account(r)
	if err != nil {
		s.writeError(w, "profile.update", err)
		return
	}
	var req struct {
		TradeURL      string `json:"trade_url"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "profile.update", listings.ErrInvalidInput)
		return
	}
	updated, err := s.identity.UpdateProfile(r.Context(), account.ID, identity.ProfileUpdate{
		TradeURL:      req.TradeURL,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		s.writeError(w, "profile.update", err)
		return
	}
	s.logger.Info("profile updated",
		"account", updated.ID.String(),
		logging.MaskField("trade_url", updated.TradeURL),
	)
	writeJSON(w, http.StatusOK, renderProfile(*updated))
}
