package contexttree

import (
	"context"
	"fmt"
	"time"
)

// Resolver computes merged context views by walking parent chains.
// Resolution is read-only and side-effect free: resolving the same tree
// state twice yields the same view.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// MergeData overlays descendant data onto ancestor data. Keys are replaced
// whole: a key defined at a deeper level completely shadows the ancestor's
// value, including nested structures. Inputs are never mutated.
func MergeData(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// Resolve computes the merged view for ref.
//
// The requested node must exist (NotFoundError otherwise). Its parent chain
// is walked upward; each ancestor's data is applied before its descendants'
// so the closest definition of a key wins. A parent ref that points at a
// node not yet created ends the walk: the missing ancestor contributes
// nothing but is still recorded in SourceVersions at version 0, so caches
// notice when it comes into existence.
//
// SourceVersions lists every consulted ref in ancestor-to-descendant order.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (*ResolvedContext, error) {
	node, err := r.store.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}

	// Chain from the requested node up to the root, leaf first
	chain := []*ContextNode{node}
	var missing *Ref

	for current := node; current.Parent != nil; {
		parentRef := *current.Parent
		if parentRef.Level.Depth() >= current.Level.Depth() {
			return nil, fmt.Errorf("corrupt parent chain at %s: parent %s is not at a shallower level", current.Ref(), parentRef)
		}
		if len(chain) >= maxChainDepth {
			return nil, fmt.Errorf("corrupt parent chain at %s: exceeds %d levels", ref, maxChainDepth)
		}

		parent, err := r.store.GetNode(ctx, parentRef)
		if IsNotFound(err) {
			// Ancestor not materialized yet; it contributes nothing. The
			// chain above it is unreachable until it exists.
			missing = &parentRef
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read ancestor %s of %s: %w", parentRef, ref, err)
		}

		chain = append(chain, parent)
		current = parent
	}

	// Merge root first so deeper definitions shadow shallower ones
	sources := make([]SourceVersion, 0, len(chain)+1)
	if missing != nil {
		sources = append(sources, SourceVersion{Ref: *missing, Version: 0})
	}

	merged := map[string]any{}
	for i := len(chain) - 1; i >= 0; i-- {
		merged = MergeData(merged, chain[i].Data)
		sources = append(sources, SourceVersion{Ref: chain[i].Ref(), Version: chain[i].Version})
	}

	return &ResolvedContext{
		Ref:            ref,
		Data:           merged,
		SourceVersions: sources,
		ResolvedAtMs:   time.Now().UnixMilli(),
	}, nil
}
