// Package catalog is the read-only client for the external inventory
// service. Responses are cached per identity so repeated sell-page loads do
// not hammer the upstream, which throttles aggressively. Nothing in this
// package holds a ledger lock; callers consult it before opening any
// transaction.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrPrivateInventory indicates the upstream inventory is not public.
	ErrPrivateInventory = errors.New("catalog: inventory is private")
	// ErrUpstreamBusy indicates the upstream throttled both attempts.
	ErrUpstreamBusy = errors.New("catalog: upstream busy, try again shortly")
	// ErrInvalidIdentity indicates an empty external identity reference.
	ErrInvalidIdentity = errors.New("catalog: identity required")
)

// Item is one tradable inventory entry.
type Item struct {
	AssetID    string `json:"asset_id"`
	ClassID    string `json:"class_id"`
	MarketName string `json:"market_name"`
	IconURL    string `json:"icon_url"`
	Type       string `json:"type"`
}

// Config defines the HTTP client settings for the inventory service.
type Config struct {
	BaseURL      string
	IconBaseURL  string
	Timeout      time.Duration
	CacheTTL     time.Duration
	RequestsPerM int
	Now          func() time.Time
}

// Client fetches and caches inventories.
type Client struct {
	baseURL     string
	iconBaseURL string
	httpClient  *http.Client
	limiter     *rate.Limiter
	ttl         time.Duration
	now         func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	items   []Item
	expires time.Time
}

// NewClient constructs a catalog client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("catalog: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	perMinute := cfg.RequestsPerM
	if perMinute <= 0 {
		perMinute = 30
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:     strings.TrimRight(base, "/"),
		iconBaseURL: strings.TrimRight(strings.TrimSpace(cfg.IconBaseURL), "/"),
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		ttl:         ttl,
		now:         now,
		cache:       make(map[string]cacheEntry),
	}, nil
}

// upstreamPayload mirrors the inventory service response shape: assets join
// descriptions on class id.
type upstreamPayload struct {
	Assets []struct {
		AssetID    string `json:"assetid"`
		ClassID    string `json:"classid"`
		InstanceID string `json:"instanceid"`
	} `json:"assets"`
	Descriptions []struct {
		ClassID        string `json:"classid"`
		MarketHashName string `json:"market_hash_name"`
		IconURL        string `json:"icon_url"`
		Tradable       int    `json:"tradable"`
		Type           string `json:"type"`
	} `json:"descriptions"`
}

// Inventory returns the tradable items owned by the external identity.
// Cached results are served until the TTL lapses unless forceRefresh is set.
func (c *Client) Inventory(ctx context.Context, externalID string, forceRefresh bool) ([]Item, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, ErrInvalidIdentity
	}

	if !forceRefresh {
		if items, ok := c.cached(externalID); ok {
			return items, nil
		}
	}

	items, err := c.fetch(ctx, externalID)
	if err != nil {
		return nil, err
	}
	c.store(externalID, items)
	return items, nil
}

// Invalidate clears the cached inventory for one identity.
func (c *Client) Invalidate(externalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, externalID)
}

// Has reports whether the identity's inventory contains the asset.
func (c *Client) Has(ctx context.Context, externalID, assetID string) (bool, error) {
	items, err := c.Inventory(ctx, externalID, false)
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if item.AssetID == assetID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) cached(externalID string) ([]Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[externalID]
	if !ok || c.now().After(entry.expires) {
		return nil, false
	}
	return entry.items, true
}

func (c *Client) store(externalID string, items []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[externalID] = cacheEntry{items: items, expires: c.now().Add(c.ttl)}
}

// fetch calls the upstream, retrying once after a short pause on throttling
// or transport failure.
func (c *Client) fetch(ctx context.Context, externalID string) ([]Item, error) {
	const attempts = 2
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		items, retriable, err := c.fetchOnce(ctx, externalID)
		if err == nil {
			return items, nil
		}
		if !retriable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, externalID string) ([]Item, bool, error) {
	url := fmt.Sprintf("%s/inventory/%s?l=english&count=5000", c.baseURL, externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("catalog: request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("catalog: call: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, true, ErrUpstreamBusy
	case http.StatusForbidden:
		return nil, false, ErrPrivateInventory
	default:
		return nil, false, fmt.Errorf("catalog: unexpected status %d", resp.StatusCode)
	}

	var payload upstreamPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, fmt.Errorf("catalog: decode: %w", err)
	}

	descriptions := make(map[string]int, len(payload.Descriptions))
	for i, desc := range payload.Descriptions {
		descriptions[desc.ClassID] = i
	}

	items := make([]Item, 0, len(payload.Assets))
	for _, asset := range payload.Assets {
		i, ok := descriptions[asset.ClassID]
		if !ok {
			continue
		}
		desc := payload.Descriptions[i]
		if desc.Tradable != 1 {
			continue
		}
		icon := ""
		if desc.IconURL != "" && c.iconBaseURL != "" {
			icon = c.iconBaseURL + "/" + desc.IconURL
		}
		items = append(items, Item{
			AssetID:    asset.AssetID,
			ClassID:    asset.ClassID,
			MarketName: desc.MarketHashName,
			IconURL:    icon,
			Type:       desc.Type,
		})
	}
	return items, false, nil
}
