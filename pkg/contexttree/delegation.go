package contexttree

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DelegationQueue manages the lifecycle of delegation requests: an agent
// working at a deep node submits data for one of its ancestors, and the
// request is later applied to the ancestor or rejected.
type DelegationQueue struct {
	store Store
}

// NewDelegationQueue creates a queue over the given store.
func NewDelegationQueue(store Store) *DelegationQueue {
	return &DelegationQueue{store: store}
}

// Submit records a pending delegation from source to target.
//
// The source node must exist and target must be a strict ancestor of it on
// the current parent chain. A parent ref pointing at a node not yet
// created still counts as part of the chain, so delegating to an ancestor
// slot that exists only by reference is allowed; Apply will then require
// the target to have been created.
func (q *DelegationQueue) Submit(ctx context.Context, source, target Ref, payload map[string]any, reason string) (*DelegationRequest, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	req := &DelegationRequest{
		ID:          uuid.New().String(),
		Source:      source,
		Target:      target,
		Payload:     payload,
		Reason:      reason,
		Status:      DelegationPending,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ancestor, err := q.isAncestor(ctx, source, target)
	if err != nil {
		return nil, err
	}
	if !ancestor {
		return nil, fmt.Errorf("target %s is not an ancestor of source %s", target, source)
	}

	if err := q.store.EnqueueDelegation(ctx, req); err != nil {
		return nil, err
	}

	delegationsByStatus.WithLabelValues(string(DelegationPending)).Inc()
	return req, nil
}

// Apply merges a pending request's payload into its target node.
//
// The target is read at apply time and written back conditionally on the
// version just read, so an apply can never clobber a concurrent edit: on
// interleaving it fails with ConflictError and the request stays pending
// for a retry. Payload keys win over the target's current values by the
// usual whole-key replacement rule.
//
// If the node write lands but marking the request applied fails, the
// request stays pending; re-applying is safe because re-merging the same
// payload is idempotent. Returns the decided request and the updated node.
func (q *DelegationQueue) Apply(ctx context.Context, id string) (*DelegationRequest, *ContextNode, error) {
	req, err := q.store.GetDelegation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if req.Status != DelegationPending {
		return nil, nil, &InvalidStateError{DelegationID: id, Status: req.Status, Attempted: DelegationApplied}
	}

	target, err := q.store.GetNode(ctx, req.Target)
	if err != nil {
		return nil, nil, err
	}

	merged := MergeData(target.Data, req.Payload)
	expected := target.Version
	node, err := q.store.PutNode(ctx, PutNodeParams{
		Ref:             req.Target,
		Data:            merged,
		ExpectedVersion: &expected,
	})
	if err != nil {
		return nil, nil, err
	}

	updated, err := q.store.UpdateDelegationStatus(ctx, id, DelegationApplied, "")
	if err != nil {
		return nil, nil, fmt.Errorf("payload merged into %s but marking delegation %s applied failed: %w", req.Target, id, err)
	}

	delegationsByStatus.WithLabelValues(string(DelegationApplied)).Inc()
	return updated, node, nil
}

// Reject marks a pending request rejected without touching the target
// node. The note, when non-empty, records why.
func (q *DelegationQueue) Reject(ctx context.Context, id, note string) (*DelegationRequest, error) {
	req, err := q.store.UpdateDelegationStatus(ctx, id, DelegationRejected, note)
	if err != nil {
		return nil, err
	}

	delegationsByStatus.WithLabelValues(string(DelegationRejected)).Inc()
	return req, nil
}

// isAncestor walks source's parent chain looking for target. The walk ends
// at the root or at the first parent ref whose node does not exist; that
// final ref still counts as chain membership.
func (q *DelegationQueue) isAncestor(ctx context.Context, source, target Ref) (bool, error) {
	node, err := q.store.GetNode(ctx, source)
	if err != nil {
		return false, err
	}

	for hops := 0; node.Parent != nil && hops < maxChainDepth; hops++ {
		parentRef := *node.Parent
		if parentRef == target {
			return true, nil
		}
		parent, err := q.store.GetNode(ctx, parentRef)
		if IsNotFound(err) {
			// Chain is unreachable past a missing ancestor
			return false, nil
		}
		if err != nil {
			return false, err
		}
		node = parent
	}

	return false, nil
}
