package contexttree

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// CacheConfig controls the resolved-context cache.
type CacheConfig struct {
	// Capacity bounds the number of cached resolutions. Zero or negative
	// disables caching entirely: every read resolves from the store.
	Capacity int

	// TTL is a safety-net age bound. Entries older than TTL are treated as
	// misses regardless of version checks. Zero means no age bound.
	TTL time.Duration

	// DisableReverseIndex turns off the ref-to-dependents index used by
	// Invalidate. Version revalidation on every read keeps results correct
	// without it; invalidation just degrades to dropping direct entries.
	DisableReverseIndex bool

	// ServeStaleOnOutage returns the last known resolution, marked Stale,
	// when the store cannot be reached during revalidation of an entry
	// still within TTL. Off by default: outages surface as errors.
	ServeStaleOnOutage bool
}

// ResolvedCache caches resolved context views with LRU eviction.
//
// Correctness does not depend on invalidation: every cache hit is
// revalidated against the current source versions in a single store round
// trip, so a stale entry can never be served as fresh. The reverse index
// only makes invalidation after local writes cheap and precise.
type ResolvedCache struct {
	store    Store
	resolver *Resolver
	cfg      CacheConfig

	mu      sync.Mutex
	entries map[string]*list.Element       // ref string -> element in order
	order   *list.List                     // front = most recently used
	index   map[string]map[string]struct{} // source ref string -> dependent entry keys
}

// cacheEntry is the value held in the LRU list.
type cacheEntry struct {
	key        string
	resolved   *ResolvedContext
	insertedAt time.Time
}

// NewResolvedCache creates a cache over the given store and resolver.
func NewResolvedCache(store Store, resolver *Resolver, cfg CacheConfig) *ResolvedCache {
	return &ResolvedCache{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		index:    make(map[string]map[string]struct{}),
	}
}

// Enabled reports whether the cache stores anything at all.
func (c *ResolvedCache) Enabled() bool {
	return c.cfg.Capacity > 0
}

// Len returns the number of cached resolutions.
func (c *ResolvedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// GetOrResolve returns the resolved view for ref, from cache when a cached
// entry revalidates, otherwise by resolving through the store.
//
// Returned values must be treated as read-only: the data map may be shared
// with other callers.
func (c *ResolvedCache) GetOrResolve(ctx context.Context, ref Ref) (*ResolvedContext, error) {
	if !c.Enabled() {
		cacheMisses.Inc()
		return c.resolver.Resolve(ctx, ref)
	}

	key := ref.String()

	if cached := c.lookup(key); cached != nil {
		fresh, err := c.revalidate(ctx, cached)
		switch {
		case err == nil && fresh:
			cacheHits.Inc()
			hit := *cached
			return &hit, nil
		case err != nil && IsStoreUnavailable(err) && c.cfg.ServeStaleOnOutage:
			cacheStaleServes.Inc()
			stale := *cached
			stale.Stale = true
			return &stale, nil
		case err != nil:
			return nil, err
		default:
			// A source version moved; the entry is dead
			c.drop(key)
		}
	}

	cacheMisses.Inc()
	resolved, err := c.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.insert(resolved)
	return resolved, nil
}

// Invalidate drops the cached resolution for ref and, when the reverse
// index is enabled, every cached resolution that consulted ref. Safe to
// call for refs that were never cached.
func (c *ResolvedCache) Invalidate(ref Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ref.String()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
		cacheInvalidations.Inc()
	}

	for depKey := range c.index[key] {
		if el, ok := c.entries[depKey]; ok {
			c.removeLocked(el)
			cacheInvalidations.Inc()
		}
	}
}

// revalidate checks a cached resolution against current store versions.
// One pipelined round trip covers the whole source chain.
func (c *ResolvedCache) revalidate(ctx context.Context, res *ResolvedContext) (bool, error) {
	refs := make([]Ref, len(res.SourceVersions))
	for i, sv := range res.SourceVersions {
		refs[i] = sv.Ref
	}

	current, err := c.store.NodeVersions(ctx, refs)
	if err != nil {
		return false, err
	}

	for _, sv := range res.SourceVersions {
		if current[sv.Ref.String()] != sv.Version {
			return false, nil
		}
	}
	return true, nil
}

// lookup returns the cached resolution for key and bumps its recency.
// Entries past the TTL bound are removed and reported as absent.
func (c *ResolvedCache) lookup(key string) *ResolvedContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if c.cfg.TTL > 0 && time.Since(entry.insertedAt) > c.cfg.TTL {
		c.removeLocked(el)
		return nil
	}
	c.order.MoveToFront(el)
	return entry.resolved
}

// insert stores a resolution, registers its source refs in the reverse
// index, and evicts from the LRU tail while over capacity.
func (c *ResolvedCache) insert(res *ResolvedContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := res.Ref.String()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}

	entry := &cacheEntry{key: key, resolved: res, insertedAt: time.Now()}
	c.entries[key] = c.order.PushFront(entry)

	if !c.cfg.DisableReverseIndex {
		for _, sv := range res.SourceVersions {
			srcKey := sv.Ref.String()
			deps, ok := c.index[srcKey]
			if !ok {
				deps = make(map[string]struct{})
				c.index[srcKey] = deps
			}
			deps[key] = struct{}{}
		}
	}

	for c.order.Len() > c.cfg.Capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		cacheEvictions.Inc()
	}
}

// drop removes a single entry by key.
func (c *ResolvedCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// removeLocked unlinks an entry and cleans its reverse index registrations.
// Caller must hold c.mu.
func (c *ResolvedCache) removeLocked(el *list.Element) {
	entry := c.order.Remove(el).(*cacheEntry)
	delete(c.entries, entry.key)

	for _, sv := range entry.resolved.SourceVersions {
		srcKey := sv.Ref.String()
		if deps, ok := c.index[srcKey]; ok {
			delete(deps, entry.key)
			if len(deps) == 0 {
				delete(c.index, srcKey)
			}
		}
	}
}
