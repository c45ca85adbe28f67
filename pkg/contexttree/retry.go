package contexttree

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultRetryInterval seeds the exponential backoff between store retries.
const defaultRetryInterval = 50 * time.Millisecond

// retryingStore decorates a Store with bounded exponential backoff on
// StoreUnavailableError. Every other error returns immediately, so
// conflicts and not-found results are never masked by retries.
//
// Writes are retried too: the store's write operations are idempotent at
// the data level, though a retry of a conditional write whose first
// attempt actually landed reports ConflictError. Callers recover the same
// way they do from any conflict, by re-reading.
type retryingStore struct {
	inner           Store
	maxRetries      uint64
	initialInterval time.Duration
}

func newRetryingStore(inner Store, maxRetries uint64, initialInterval time.Duration) *retryingStore {
	if initialInterval <= 0 {
		initialInterval = defaultRetryInterval
	}
	return &retryingStore{
		inner:           inner,
		maxRetries:      maxRetries,
		initialInterval: initialInterval,
	}
}

// newBackOff builds the per-call retry policy: exponential, bounded by
// maxRetries, and cut short by context cancellation.
func (r *retryingStore) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

// retryValue runs op under the backoff policy, retrying only transient
// store failures.
func retryValue[T any](b backoff.BackOff, op func() (T, error)) (T, error) {
	var out T
	err := backoff.Retry(func() error {
		v, err := op()
		if err != nil {
			if IsStoreUnavailable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = v
		return nil
	}, b)
	return out, err
}

// retryVoid is retryValue for operations without a result.
func retryVoid(b backoff.BackOff, op func() error) error {
	return backoff.Retry(func() error {
		if err := op(); err != nil {
			if IsStoreUnavailable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, b)
}

func (r *retryingStore) GetNode(ctx context.Context, ref Ref) (*ContextNode, error) {
	return retryValue(r.newBackOff(ctx), func() (*ContextNode, error) {
		return r.inner.GetNode(ctx, ref)
	})
}

func (r *retryingStore) PutNode(ctx context.Context, params PutNodeParams) (*ContextNode, error) {
	return retryValue(r.newBackOff(ctx), func() (*ContextNode, error) {
		return r.inner.PutNode(ctx, params)
	})
}

func (r *retryingStore) ListChildren(ctx context.Context, ref Ref) ([]*ContextNode, error) {
	return retryValue(r.newBackOff(ctx), func() ([]*ContextNode, error) {
		return r.inner.ListChildren(ctx, ref)
	})
}

func (r *retryingStore) NodeVersions(ctx context.Context, refs []Ref) (map[string]int64, error) {
	return retryValue(r.newBackOff(ctx), func() (map[string]int64, error) {
		return r.inner.NodeVersions(ctx, refs)
	})
}

func (r *retryingStore) EnqueueDelegation(ctx context.Context, req *DelegationRequest) error {
	return retryVoid(r.newBackOff(ctx), func() error {
		return r.inner.EnqueueDelegation(ctx, req)
	})
}

func (r *retryingStore) GetDelegation(ctx context.Context, id string) (*DelegationRequest, error) {
	return retryValue(r.newBackOff(ctx), func() (*DelegationRequest, error) {
		return r.inner.GetDelegation(ctx, id)
	})
}

func (r *retryingStore) ListDelegations(ctx context.Context, status DelegationStatus) ([]*DelegationRequest, error) {
	return retryValue(r.newBackOff(ctx), func() ([]*DelegationRequest, error) {
		return r.inner.ListDelegations(ctx, status)
	})
}

func (r *retryingStore) UpdateDelegationStatus(ctx context.Context, id string, to DelegationStatus, note string) (*DelegationRequest, error) {
	return retryValue(r.newBackOff(ctx), func() (*DelegationRequest, error) {
		return r.inner.UpdateDelegationStatus(ctx, id, to, note)
	})
}

// SubscribeNodeEvents is not retried: subscriptions are long-lived and the
// caller owns reconnect policy.
func (r *retryingStore) SubscribeNodeEvents(ctx context.Context) (*Subscription, error) {
	return r.inner.SubscribeNodeEvents(ctx)
}

func (r *retryingStore) Ping(ctx context.Context) error {
	return retryVoid(r.newBackOff(ctx), func() error {
		return r.inner.Ping(ctx)
	})
}

func (r *retryingStore) Close() error {
	return r.inner.Close()
}
