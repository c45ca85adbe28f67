package contexttree

import "sync"

// NodeOp identifies what kind of write produced a node event.
type NodeOp string

const (
	// NodeOpCreate indicates the write created the node
	NodeOpCreate NodeOp = "create"

	// NodeOpUpdate indicates the write replaced an existing node's data
	NodeOpUpdate NodeOp = "update"
)

// NodeEvent announces a successful node write. Events are delivered
// at-most-once and carry no payload data; they are freshness hints for
// cache invalidation, not a replication stream. The version check on
// cached reads stays the correctness guarantee.
type NodeEvent struct {
	Ref     Ref    `json:"ref"`     // Node that was written
	Version int64  `json:"version"` // Version produced by the write
	Op      NodeOp `json:"op"`      // Whether the write created or updated the node
	AtMs    int64  `json:"at_ms"`   // Unix timestamp in milliseconds of the write
}

// Subscription represents an active Pub/Sub subscription to node events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *NodeEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of node events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *NodeEvent {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}
