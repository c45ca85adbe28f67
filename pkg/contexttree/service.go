package contexttree

import (
	"context"
	"fmt"
	"time"
)

// maxUpdateAttempts bounds the read-then-write loop behind unconditional
// updates. Conflicts between unconditional writers are benign races, so
// the service re-reads and retries instead of surfacing them.
const maxUpdateAttempts = 5

// Config controls service behaviour. The zero value disables caching,
// auto-apply and retries; DefaultConfig returns the settings most
// deployments want.
type Config struct {
	// CacheCapacity bounds the resolved-context cache. Zero disables caching.
	CacheCapacity int

	// CacheTTL is the cache's age-based safety net. Zero means no bound.
	CacheTTL time.Duration

	// DisableReverseIndex turns off the cache's dependency index. The
	// service then walks the children index to invalidate descendants after
	// writes. Exists so the version-check path can be exercised alone.
	DisableReverseIndex bool

	// ServeStaleOnOutage serves last-known-good resolutions, marked Stale,
	// when the store is unreachable during cache revalidation.
	ServeStaleOnOutage bool

	// AutoApplyDelegations applies each delegation immediately after a
	// successful submit, for deployments that treat delegation as a
	// fire-and-forget upward write.
	AutoApplyDelegations bool

	// StoreRetries is how many times transient store failures are retried
	// with exponential backoff before surfacing. Zero disables retries.
	StoreRetries uint64

	// RetryInitialInterval seeds the retry backoff. Zero means the default
	// (50ms).
	RetryInitialInterval time.Duration
}

// DefaultConfig returns the recommended service settings.
func DefaultConfig() Config {
	return Config{
		CacheCapacity:        1024,
		CacheTTL:             5 * time.Minute,
		StoreRetries:         3,
		RetryInitialInterval: defaultRetryInterval,
	}
}

// Service is the single entry point for working with a tenant's context
// tree. It owns the write-then-invalidate discipline: callers never
// invalidate the cache themselves.
type Service struct {
	store    Store
	resolver *Resolver
	cache    *ResolvedCache
	queue    *DelegationQueue
	cfg      Config
}

// NewService creates a service over the given store. The service takes
// ownership of the store: Close closes it.
func NewService(store Store, cfg Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	if cfg.StoreRetries > 0 {
		store = newRetryingStore(store, cfg.StoreRetries, cfg.RetryInitialInterval)
	}

	resolver := NewResolver(store)
	cache := NewResolvedCache(store, resolver, CacheConfig{
		Capacity:            cfg.CacheCapacity,
		TTL:                 cfg.CacheTTL,
		DisableReverseIndex: cfg.DisableReverseIndex,
		ServeStaleOnOutage:  cfg.ServeStaleOnOutage,
	})

	return &Service{
		store:    store,
		resolver: resolver,
		cache:    cache,
		queue:    NewDelegationQueue(store),
		cfg:      cfg,
	}, nil
}

// Close releases the underlying store. Implements io.Closer.
func (s *Service) Close() error {
	return s.store.Close()
}

// Ping verifies store connectivity. Useful for health checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CacheLen returns the number of resolutions currently cached.
func (s *Service) CacheLen() int {
	return s.cache.Len()
}

// CreateContext creates a node. The parent, when given, must sit at a
// strictly shallower level and is fixed for the node's lifetime. Returns
// ConflictError if a node already exists at ref.
func (s *Service) CreateContext(ctx context.Context, ref Ref, parent *Ref, data map[string]any) (*ContextNode, error) {
	var absent int64 // expected version 0: the ref must be unoccupied
	node, err := s.store.PutNode(ctx, PutNodeParams{
		Ref:             ref,
		Parent:          parent,
		Data:            data,
		ExpectedVersion: &absent,
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, ref)
	return node, nil
}

// UpdateContext replaces a node's data. The node must exist
// (NotFoundError otherwise); updates never create.
//
// With expectedVersion set the write is conditional and loses with
// ConflictError when the version moved. Without it the update is
// last-writer-wins: concurrent unconditional updates all succeed in some
// serial order.
func (s *Service) UpdateContext(ctx context.Context, ref Ref, data map[string]any, expectedVersion *int64) (*ContextNode, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := s.store.GetNode(ctx, ref)
		if err != nil {
			return nil, err
		}

		expected := expectedVersion
		if expected == nil {
			v := current.Version
			expected = &v
		}

		node, err := s.store.PutNode(ctx, PutNodeParams{
			Ref:             ref,
			Data:            data,
			ExpectedVersion: expected,
		})
		if err == nil {
			s.invalidate(ctx, ref)
			return node, nil
		}
		if expectedVersion == nil && IsConflict(err) {
			// Raced another unconditional writer; re-read and go again
			continue
		}
		return nil, err
	}

	return nil, &ConflictError{Ref: ref, Expected: -1, Actual: -1}
}

// GetContext retrieves a node without resolving inheritance.
func (s *Service) GetContext(ctx context.Context, ref Ref) (*ContextNode, error) {
	return s.store.GetNode(ctx, ref)
}

// ListChildren returns the direct children of ref in creation order.
func (s *Service) ListChildren(ctx context.Context, ref Ref) ([]*ContextNode, error) {
	return s.store.ListChildren(ctx, ref)
}

// ResolveContext returns the merged view of ref and its ancestors, served
// from cache when the cached entry's source versions still match the
// store. The result must be treated as read-only.
func (s *Service) ResolveContext(ctx context.Context, ref Ref) (*ResolvedContext, error) {
	return s.cache.GetOrResolve(ctx, ref)
}

// Delegate submits a delegation of payload from source up to target, a
// strict ancestor of source. With AutoApplyDelegations set the request is
// applied in the same call; if that apply fails the pending request is
// returned together with the error so the caller can decide it later.
func (s *Service) Delegate(ctx context.Context, source, target Ref, payload map[string]any, reason string) (*DelegationRequest, error) {
	req, err := s.queue.Submit(ctx, source, target, payload, reason)
	if err != nil {
		return nil, err
	}

	if !s.cfg.AutoApplyDelegations {
		return req, nil
	}

	applied, err := s.ApplyDelegation(ctx, req.ID)
	if err != nil {
		return req, fmt.Errorf("delegation %s submitted but auto-apply failed: %w", req.ID, err)
	}
	return applied, nil
}

// ApplyDelegation merges a pending request's payload into its target and
// marks the request applied. Returns ConflictError when the target moved
// since the request was read; the request stays pending for a retry.
func (s *Service) ApplyDelegation(ctx context.Context, id string) (*DelegationRequest, error) {
	req, _, err := s.queue.Apply(ctx, id)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, req.Target)
	return req, nil
}

// RejectDelegation marks a pending request rejected. The target node is
// never touched, so nothing is invalidated.
func (s *Service) RejectDelegation(ctx context.Context, id, note string) (*DelegationRequest, error) {
	return s.queue.Reject(ctx, id, note)
}

// GetDelegation retrieves a delegation request by ID.
func (s *Service) GetDelegation(ctx context.Context, id string) (*DelegationRequest, error) {
	return s.store.GetDelegation(ctx, id)
}

// ListDelegations returns delegation requests in submission order,
// optionally filtered by status ("" returns all).
func (s *Service) ListDelegations(ctx context.Context, status DelegationStatus) ([]*DelegationRequest, error) {
	return s.store.ListDelegations(ctx, status)
}

// RunInvalidationListener subscribes to node change events and invalidates
// cached resolutions written by other processes sharing the store. Blocks
// until ctx is done or the event stream closes.
//
// The listener is an optimization: version checks on every cached read
// keep results correct without it.
func (s *Service) RunInvalidationListener(ctx context.Context) error {
	sub, err := s.store.SubscribeNodeEvents(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			s.invalidate(ctx, event.Ref)
		case _, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			// Malformed hint; skip it. Reads revalidate anyway.
		}
	}
}

// invalidate drops cached state made stale by a write to ref. With the
// reverse index on, one call covers every dependent resolution. With it
// off, the service walks the children index so descendant views are
// dropped explicitly; the walk is best effort.
func (s *Service) invalidate(ctx context.Context, ref Ref) {
	s.cache.Invalidate(ref)
	if !s.cfg.DisableReverseIndex {
		return
	}
	s.invalidateSubtree(ctx, ref, 1)
}

func (s *Service) invalidateSubtree(ctx context.Context, ref Ref, depth int) {
	if depth >= maxChainDepth {
		return
	}
	children, err := s.store.ListChildren(ctx, ref)
	if err != nil {
		return
	}
	for _, child := range children {
		s.cache.Invalidate(child.Ref())
		s.invalidateSubtree(ctx, child.Ref(), depth+1)
	}
}
