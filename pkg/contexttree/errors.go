package contexttree

import (
	"errors"
	"fmt"
)

// NotFoundError indicates an operation referenced a node or delegation
// request that does not exist.
type NotFoundError struct {
	Kind string // "node" or "delegation"
	Key  string // ref string or delegation ID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// ConflictError indicates a conditional write lost: the expected version
// did not match the version found in the store. Callers recover by
// re-reading the node and retrying with fresh state.
type ConflictError struct {
	Ref      Ref   // Node the write targeted
	Expected int64 // Version the caller expected
	Actual   int64 // Version found, -1 when a concurrent writer raced the transaction
}

func (e *ConflictError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("version conflict on %s: concurrent write detected", e.Ref)
	}
	return fmt.Sprintf("version conflict on %s: expected version %d, found %d", e.Ref, e.Expected, e.Actual)
}

// InvalidStateError indicates a delegation transition that the lifecycle
// forbids, such as applying a request that was already rejected.
type InvalidStateError struct {
	DelegationID string
	Status       DelegationStatus // Current state of the request
	Attempted    DelegationStatus // State the caller tried to move to
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("delegation %s is %s: cannot mark it %s", e.DelegationID, e.Status, e.Attempted)
}

// StoreUnavailableError indicates the backing store could not be reached.
// The failure is transient from the caller's point of view: retry with
// backoff. The Service applies its own bounded retry before surfacing it.
type StoreUnavailableError struct {
	Op  string // Operation that failed, e.g. "get node"
	Err error  // Underlying transport error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err indicates a missing node or delegation.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err indicates a lost conditional write.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsInvalidState reports whether err indicates a forbidden delegation
// transition.
func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

// IsStoreUnavailable reports whether err indicates a transient store
// failure worth retrying.
func IsStoreUnavailable(err error) bool {
	var e *StoreUnavailableError
	return errors.As(err, &e)
}
