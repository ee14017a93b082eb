package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// ATPCache is the in-process read cache: available-to-promise is read far
// more often than it changes, so the CheckAvailability read path consults a
// cache keyed by (tenant, warehouse, item, uom) rather than reading the
// balance row on every call. The cache is advisory only — Create and every
// other write path read the balance under FOR UPDATE and never consult it,
// so a stale cache entry can affect an availability read, never a commit.
type ATPCache struct {
	mu      sync.RWMutex
	entries map[atpCacheKey]decimal.Decimal
	group   singleflight.Group
}

type atpCacheKey struct {
	CompanyID   int
	WarehouseID int
	ItemID      int
	Uom         string
}

// NewATPCache constructs an empty cache.
func NewATPCache() *ATPCache {
	return &ATPCache{entries: make(map[atpCacheKey]decimal.Decimal)}
}

// Get returns the cached available quantity, loading it via load if absent.
// Concurrent Gets for the same key collapse into a single load call
// (golang.org/x/sync/singleflight), avoiding a thundering herd of identical
// balance reads under contention.
func (c *ATPCache) Get(ctx context.Context, companyID, warehouseID, itemID int, uom string, load func(context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	key := atpCacheKey{companyID, warehouseID, itemID, uom}

	c.mu.RLock()
	if v, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	groupKey := fmt.Sprintf("%d:%d:%d:%s", companyID, warehouseID, itemID, uom)
	v, err, _ := c.group.Do(groupKey, func() (any, error) {
		val, err := load(ctx)
		if err != nil {
			return decimal.Decimal{}, err
		}
		c.mu.Lock()
		c.entries[key] = val
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return v.(decimal.Decimal), nil
}

// InvalidateItem drops the cached entry for one (warehouse, item, uom).
// The write paths do not call it; they invalidate by warehouse instead.
func (c *ATPCache) InvalidateItem(companyID, warehouseID, itemID int, uom string) {
	c.mu.Lock()
	delete(c.entries, atpCacheKey{companyID, warehouseID, itemID, uom})
	c.mu.Unlock()
}

// InvalidateWarehouse drops every cached entry for (tenant, warehouse),
// called after every committing reservation and shipment mutation.
func (c *ATPCache) InvalidateWarehouse(companyID, warehouseID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.CompanyID == companyID && k.WarehouseID == warehouseID {
			delete(c.entries, k)
		}
	}
}
