// Package contexttree provides the hierarchical context engine for Warren:
// a four-level tree of context nodes with transparent inheritance,
// version-checked caching and upward delegation.
//
// # Overview
//
// The context tree is the shared memory agents work against. Nodes are
// arranged global → project → branch → task; each node owns a flat map of
// data keys, and resolving a node merges its ancestor chain so deeper
// definitions shadow shallower ones. Agents read resolved views and push
// discoveries up the tree through delegation requests.
//
// # Core Concepts
//
// Context nodes are versioned key/value records. A node's parent is fixed
// when the node is created and can never change, which keeps the tree
// shape stable and makes cycles impossible.
//
// Resolution walks a node's parent chain and merges data maps in
// ancestor-to-descendant order. Keys are replaced whole: the closest
// definition wins, and nested values are never deep-merged. Every
// resolution records the exact versions it consulted.
//
// Delegation requests carry data from a deep node to one of its ancestors.
// They queue as pending and move exactly once to applied (payload merged
// into the target under a version guard) or rejected.
//
// The resolved cache keeps recently computed views, bounded by an LRU
// capacity. Cached entries are revalidated against current source versions
// on every read, so invalidation is an optimization rather than a
// correctness mechanism.
//
// # Multi-Tenant Support
//
// All Redis keys and Pub/Sub channels are namespaced by tenant name to
// enable multiple tenants to safely coexist on a single Redis server.
// Each tenant has complete isolation of its nodes, delegations and events.
//
// # Usage Example
//
//	import "github.com/dyluth/warren/pkg/contexttree"
//
//	store, err := contexttree.NewRedisStore(&redis.Options{Addr: "localhost:6379"}, "default")
//	if err != nil {
//		log.Fatal(err)
//	}
//	svc, err := contexttree.NewService(store, contexttree.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close()
//
//	project := contexttree.Ref{Level: contexttree.LevelProject, ID: "atlas"}
//	task := contexttree.Ref{Level: contexttree.LevelTask, ID: "t-42"}
//
//	_, err = svc.CreateContext(ctx, project, nil, map[string]any{"timezone": "UTC"})
//	_, err = svc.CreateContext(ctx, task, &project, map[string]any{"team": "core"})
//
//	view, err := svc.ResolveContext(ctx, task)
//	// view.Data = {"timezone": "UTC", "team": "core"}
//
// # Redis Schema
//
// All Redis keys follow the pattern: warren:{tenant}:{entity}:...
//
// Nodes: warren:{tenant}:node:{level}:{id}
// Children index: warren:{tenant}:children:{level}:{id}
// Delegations: warren:{tenant}:delegation:{delegation_id}
// Delegation queue: warren:{tenant}:delegations
//
// Pub/Sub channels: warren:{tenant}:{event_type}_events
//
// Node Events: warren:{tenant}:node_events
//
// # Design Principles
//
// - Type Safety: All data structures have strong typing with validation methods
// - Stable Topology: a node's parent is immutable after creation
// - Optimistic Concurrency: writes are version-guarded; conflicts surface, never silently overwrite
// - Verified Caching: cache hits revalidate source versions before they are served
// - Isolation: tenant namespacing prevents cross-tenant interference
package contexttree
