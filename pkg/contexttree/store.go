package contexttree

import "context"

// PutNodeParams carries a node write. ExpectedVersion makes the write
// conditional: nil writes unconditionally, 0 requires the node to be
// absent (create), any other value must match the stored version.
type PutNodeParams struct {
	Ref             Ref            // Node to write
	Parent          *Ref           // Parent ref, honored only when the write creates the node
	Data            map[string]any // Full replacement data map
	ExpectedVersion *int64         // Optional optimistic concurrency guard
}

// Store is the persistence surface the engine runs on. Implementations
// must be safe for concurrent use and must map their failure modes onto
// the package error taxonomy: NotFoundError for missing records,
// ConflictError for lost conditional writes, InvalidStateError for
// forbidden delegation transitions, and StoreUnavailableError for
// transport failures worth retrying.
type Store interface {
	// GetNode retrieves a node by ref. Returns NotFoundError if absent.
	GetNode(ctx context.Context, ref Ref) (*ContextNode, error)

	// PutNode creates or replaces a node per params and returns the stored
	// result. The write and its version bump are atomic; concurrent writers
	// to the same ref serialize. A node's parent is fixed by the write that
	// creates it and ignored on subsequent writes.
	PutNode(ctx context.Context, params PutNodeParams) (*ContextNode, error)

	// ListChildren returns the direct children of ref, ordered by creation
	// time. A ref with no children yields an empty slice, even when no node
	// exists at ref itself.
	ListChildren(ctx context.Context, ref Ref) ([]*ContextNode, error)

	// NodeVersions returns the current version for each ref, keyed by
	// Ref.String(). Absent nodes report version 0. Used by the cache to
	// revalidate resolutions in one round trip.
	NodeVersions(ctx context.Context, refs []Ref) (map[string]int64, error)

	// EnqueueDelegation persists a new delegation request. Callers own ID
	// generation; re-enqueueing the same request is idempotent.
	EnqueueDelegation(ctx context.Context, req *DelegationRequest) error

	// GetDelegation retrieves a delegation request by ID.
	GetDelegation(ctx context.Context, id string) (*DelegationRequest, error)

	// ListDelegations returns requests in submission order. An empty status
	// returns all requests; otherwise only those currently in that status.
	ListDelegations(ctx context.Context, status DelegationStatus) ([]*DelegationRequest, error)

	// UpdateDelegationStatus moves a pending request to a terminal status
	// and returns the updated request. The note, when non-empty, records
	// why. Returns InvalidStateError if the request is already terminal.
	UpdateDelegationStatus(ctx context.Context, id string, to DelegationStatus, note string) (*DelegationRequest, error)

	// SubscribeNodeEvents subscribes to node change events for the store's
	// tenant. Caller must Close() the subscription when done.
	SubscribeNodeEvents(ctx context.Context) (*Subscription, error)

	// Ping verifies store connectivity. Useful for health checks.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
