package eth

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AIAleph/wallet_features/internal/metrics"
)

const (
	defaultHistoryCacheSize = 4096
	defaultHistoryCacheTTL  = time.Hour
)

type historyCacheEntry struct {
	key       string
	txs       []RawTransaction
	expiresAt time.Time
}

// historyCache is a size-bounded LRU with per-entry TTL.
type historyCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]*list.Element
	ordered *list.List
}

func newHistoryCache(max int, ttl time.Duration) *historyCache {
	if max <= 0 {
		max = defaultHistoryCacheSize
	}
	if ttl <= 0 {
		ttl = defaultHistoryCacheTTL
	}
	return &historyCache{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]*list.Element, max),
		ordered: list.New(),
	}
}

func (c *historyCache) get(key string, now time.Time) ([]RawTransaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*historyCacheEntry)
		if !now.Before(e.expiresAt) {
			c.removeElement(el)
			return nil, false
		}
		c.ordered.MoveToFront(el)
		return e.txs, true
	}
	return nil, false
}

func (c *historyCache) add(key string, txs []RawTransaction, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*historyCacheEntry)
		e.txs = txs
		e.expiresAt = now.Add(c.ttl)
		c.ordered.MoveToFront(el)
		return
	}
	entry := &historyCacheEntry{key: key, txs: txs, expiresAt: now.Add(c.ttl)}
	c.entries[key] = c.ordered.PushFront(entry)
	c.evict(now)
}

func (c *historyCache) evict(now time.Time) {
	for el := c.ordered.Back(); el != nil; {
		prev := el.Prev()
		if now.Before(el.Value.(*historyCacheEntry).expiresAt) {
			break
		}
		c.removeElement(el)
		el = prev
	}
	for c.ordered.Len() > c.max {
		c.removeElement(c.ordered.Back())
	}
}

func (c *historyCache) removeElement(el *list.Element) {
	entry := el.Value.(*historyCacheEntry)
	delete(c.entries, entry.key)
	c.ordered.Remove(el)
}

func (c *historyCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ordered.Len()
}

// cachedFetcher serves repeated addresses from memory and collapses
// concurrent fetches of the same address into one request. Transport
// failures are never cached.
type cachedFetcher struct {
	next  HistoryFetcher
	cache *historyCache
	group singleflight.Group
	now   func() time.Time
}

func wrapWithCache(next HistoryFetcher, size int, ttl time.Duration) HistoryFetcher {
	if size <= 0 {
		return next
	}
	return &cachedFetcher{next: next, cache: newHistoryCache(size, ttl), now: time.Now}
}

func (f *cachedFetcher) FetchHistory(ctx context.Context, address string) FetchOutcome {
	key := strings.ToLower(strings.TrimSpace(address))
	if txs, ok := f.cache.get(key, f.now()); ok {
		metrics.HistoryCacheHits.Inc()
		return Success(txs)
	}
	v, _, _ := f.group.Do(key, func() (any, error) {
		out := f.next.FetchHistory(ctx, address)
		if out.Kind != OutcomeTransportError {
			f.cache.add(key, out.Transactions, f.now())
		}
		return out, nil
	})
	return v.(FetchOutcome)
}
