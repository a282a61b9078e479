package market

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachedSource 为底层行情源增加 TTL 缓存。
// 缓存键为 (标的集合, 市场, 时间桶)，多代理并发轮询同一组标的时
// 通过 singleflight 合并为单次上游请求。
type CachedSource struct {
	inner Source
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	prices    map[string]OHLCV
	fetchedAt time.Time
}

// NewCachedSource 包装底层行情源。ttl<=0 时退化为透传。
func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

var _ Source = (*CachedSource)(nil)

// GetPrices 命中缓存时直接返回快照副本，否则回源并写入缓存。
func (c *CachedSource) GetPrices(ctx context.Context, symbols []string, market string, asOf time.Time) (map[string]OHLCV, error) {
	if c.ttl <= 0 {
		return c.inner.GetPrices(ctx, symbols, market, asOf)
	}

	key := cacheKey(symbols, market, asOf)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return clonePrices(entry.prices), nil
	}

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		prices, err := c.inner.GetPrices(ctx, symbols, market, asOf)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{prices: prices, fetchedAt: time.Now()}
		c.mu.Unlock()
		return prices, nil
	})
	if err != nil {
		return nil, err
	}

	return clonePrices(value.(map[string]OHLCV)), nil
}

func cacheKey(symbols []string, market string, asOf time.Time) string {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)
	return market + "|" + TimeKey(asOf) + "|" + strings.Join(sorted, ",")
}

func clonePrices(prices map[string]OHLCV) map[string]OHLCV {
	cloned := make(map[string]OHLCV, len(prices))
	for symbol, bar := range prices {
		cloned[symbol] = bar
	}
	return cloned
}
