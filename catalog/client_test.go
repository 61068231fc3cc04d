package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const inventoryBody = `{
	"assets": [
		{"assetid": "a1", "classid": "c1", "instanceid": "0"},
		{"assetid": "a2", "classid": "c2", "instanceid": "0"},
		{"assetid": "a3", "classid": "c3", "instanceid": "0"}
	],
	"descriptions": [
		{"classid": "c1", "market_hash_name": "AK-47 | Redline", "icon_url": "icon-1", "tradable": 1, "type": "Rifle"},
		{"classid": "c2", "market_hash_name": "Souvenir Thing", "icon_url": "icon-2", "tradable": 0, "type": "Rifle"}
	]
}`

func newTestClient(t *testing.T, handler http.Handler, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL:      srv.URL,
		IconBaseURL:  "https://cdn.example.com/images",
		RequestsPerM: 600,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	return client
}

func TestInventoryFiltersUntradableAndOrphans(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/inventory/steam-1", r.URL.Path)
		w.Write([]byte(inventoryBody))
	}), nil)

	items, err := client.Inventory(context.Background(), "steam-1", false)
	require.NoError(t, err)

	// c2 is untradable, c3 has no description. Only c1 survives.
	require.Len(t, items, 1)
	require.Equal(t, "a1", items[0].AssetID)
	require.Equal(t, "AK-47 | Redline", items[0].MarketName)
	require.Equal(t, "https://cdn.example.com/images/icon-1", items[0].IconURL)
}

func TestInventoryServesFromCache(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(inventoryBody))
	}), nil)

	_, err := client.Inventory(context.Background(), "steam-1", false)
	require.NoError(t, err)
	_, err = client.Inventory(context.Background(), "steam-1", false)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// A forced refresh bypasses the cache.
	_, err = client.Inventory(context.Background(), "steam-1", true)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestInventoryCacheExpires(t *testing.T) {
	var calls int32
	clock := time.Now()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(inventoryBody))
	}), func(cfg *Config) {
		cfg.CacheTTL = 10 * time.Minute
		cfg.Now = func() time.Time { return clock }
	})

	_, err := client.Inventory(context.Background(), "steam-1", false)
	require.NoError(t, err)

	clock = clock.Add(11 * time.Minute)
	_, err = client.Inventory(context.Background(), "steam-1", false)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestInventoryRetriesOnceAfterThrottle(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(inventoryBody))
	}), nil)

	items, err := client.Inventory(context.Background(), "steam-1", false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestInventoryGivesUpAfterSecondThrottle(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}), nil)

	_, err := client.Inventory(context.Background(), "steam-1", false)
	require.ErrorIs(t, err, ErrUpstreamBusy)
}

func TestInventoryPrivateIsNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}), nil)

	_, err := client.Inventory(context.Background(), "steam-1", false)
	require.ErrorIs(t, err, ErrPrivateInventory)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInventoryRejectsBlankIdentity(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	}), nil)

	_, err := client.Inventory(context.Background(), "   ", false)
	require.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestHasAndInvalidate(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(inventoryBody))
	}), nil)

	ok, err := client.Has(context.Background(), "steam-1", "a1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = client.Has(context.Background(), "steam-1", "a2")
	require.NoError(t, err)
	require.False(t, ok, "untradable asset must not be offered")

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	client.Invalidate("steam-1")
	_, err = client.Has(context.Background(), "steam-1", "a1")
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
