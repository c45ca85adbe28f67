package contexttree

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Level identifies the tier a context node occupies in the hierarchy.
// Levels form a fixed four-tier order from root to leaf; a node's parent
// must always sit at a strictly shallower level than the node itself.
type Level string

const (
	// LevelGlobal is the root tier, shared by everything in a tenant
	LevelGlobal Level = "global"

	// LevelProject scopes context to a single project
	LevelProject Level = "project"

	// LevelBranch scopes context to a line of work within a project
	LevelBranch Level = "branch"

	// LevelTask is the leaf tier where individual agents operate
	LevelTask Level = "task"
)

// levelDepths orders the levels from root (0) to leaf (3).
var levelDepths = map[Level]int{
	LevelGlobal:  0,
	LevelProject: 1,
	LevelBranch:  2,
	LevelTask:    3,
}

// maxChainDepth bounds parent chain walks. A valid chain strictly ascends
// through the level order, so it can never exceed the number of levels.
const maxChainDepth = 4

// Depth returns the position of the level in the hierarchy, root first.
// Returns -1 for unknown levels.
func (l Level) Depth() int {
	if d, ok := levelDepths[l]; ok {
		return d
	}
	return -1
}

// Validate checks that the level is one of the four known tiers.
func (l Level) Validate() error {
	if _, ok := levelDepths[l]; !ok {
		return fmt.Errorf("invalid level: %q (must be global, project, branch, or task)", string(l))
	}
	return nil
}

// ParseLevel converts a string to a Level, validating it.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if err := l.Validate(); err != nil {
		return "", err
	}
	return l, nil
}

// Ref identifies a context node by level and ID. IDs are caller-chosen
// strings, unique within their level for a tenant.
type Ref struct {
	Level Level  `json:"level"` // Hierarchy tier of the node
	ID    string `json:"id"`    // Caller-chosen identifier, unique within the level
}

// String renders the ref in "level:id" form, the format accepted by ParseRef.
func (r Ref) String() string {
	return string(r.Level) + ":" + r.ID
}

// Validate checks the level and the ID charset. IDs cannot be empty and
// cannot contain colons or whitespace, so refs survive the "level:id"
// round trip and embed safely in Redis keys.
func (r Ref) Validate() error {
	if err := r.Level.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		return fmt.Errorf("ref ID cannot be empty")
	}
	if strings.ContainsAny(r.ID, ": \t\n") {
		return fmt.Errorf("ref ID %q contains a colon or whitespace", r.ID)
	}
	return nil
}

// ParseRef parses a "level:id" string into a Ref.
func ParseRef(s string) (Ref, error) {
	level, id, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("invalid ref %q: expected level:id", s)
	}
	ref := Ref{Level: Level(level), ID: id}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// ContextNode is a single node in the context tree. Nodes own a flat map
// of data keys; descendants see ancestor keys through resolution and can
// shadow them with their own values.
type ContextNode struct {
	Level       Level          `json:"level"`            // Hierarchy tier
	ID          string         `json:"id"`               // Identifier, unique within the level
	Parent      *Ref           `json:"parent,omitempty"` // Immutable after creation; nil for roots
	Data        map[string]any `json:"data"`             // Node-local key/value pairs
	Version     int64          `json:"version"`          // Incrementing version number (starts at 1)
	CreatedAtMs int64          `json:"created_at_ms"`    // Unix timestamp in milliseconds when the node was created
	UpdatedAtMs int64          `json:"updated_at_ms"`    // Unix timestamp in milliseconds of the last write
}

// Ref returns the node's own reference.
func (n *ContextNode) Ref() Ref {
	return Ref{Level: n.Level, ID: n.ID}
}

// Validate checks node fields for consistency. The parent, when set, must
// sit at a strictly shallower level, which makes cycles impossible.
func (n *ContextNode) Validate() error {
	ref := n.Ref()
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("invalid node ref: %w", err)
	}
	if n.Parent != nil {
		if err := n.Parent.Validate(); err != nil {
			return fmt.Errorf("invalid parent ref: %w", err)
		}
		if n.Parent.Level.Depth() >= n.Level.Depth() {
			return fmt.Errorf("parent %s must be at a shallower level than %s", n.Parent, ref)
		}
	}
	if n.Version < 0 {
		return fmt.Errorf("version cannot be negative: %d", n.Version)
	}
	if n.UpdatedAtMs < n.CreatedAtMs {
		return fmt.Errorf("updated_at_ms (%d) precedes created_at_ms (%d)", n.UpdatedAtMs, n.CreatedAtMs)
	}
	return nil
}

// DelegationStatus defines the lifecycle state of a delegation request.
// Requests start pending and move exactly once to applied or rejected.
type DelegationStatus string

const (
	// DelegationPending indicates the request is awaiting a decision
	DelegationPending DelegationStatus = "pending"

	// DelegationApplied indicates the payload was merged into the target node
	DelegationApplied DelegationStatus = "applied"

	// DelegationRejected indicates the request was declined without touching the target
	DelegationRejected DelegationStatus = "rejected"
)

// Validate checks that the status is a known lifecycle state.
func (s DelegationStatus) Validate() error {
	switch s {
	case DelegationPending, DelegationApplied, DelegationRejected:
		return nil
	default:
		return fmt.Errorf("invalid delegation status: %q (must be pending, applied, or rejected)", string(s))
	}
}

// Terminal reports whether the status is final. Terminal requests are
// immutable.
func (s DelegationStatus) Terminal() bool {
	return s == DelegationApplied || s == DelegationRejected
}

// DelegationRequest records an explicit push of data from a node to one of
// its ancestors. The payload is held untouched until the request is applied
// or rejected.
type DelegationRequest struct {
	ID           string           `json:"id"`                       // UUID - unique identifier for this request
	Source       Ref              `json:"source"`                   // Node delegating the data
	Target       Ref              `json:"target"`                   // Ancestor receiving the data; fixed at submission
	Payload      map[string]any   `json:"payload"`                  // Keys to merge into the target on apply
	Reason       string           `json:"reason,omitempty"`         // Why the source delegated (free text)
	Status       DelegationStatus `json:"status"`                   // Current lifecycle state
	Note         string           `json:"note,omitempty"`           // Resolution note, set when rejected
	CreatedAtMs  int64            `json:"created_at_ms"`            // Unix timestamp in milliseconds at submission
	ResolvedAtMs int64            `json:"resolved_at_ms,omitempty"` // Unix timestamp in milliseconds when applied or rejected
}

// Validate checks request fields for consistency. Ancestry between source
// and target is a store-time check, not a shape check, so it lives in the
// delegation queue rather than here.
func (d *DelegationRequest) Validate() error {
	if !isValidUUID(d.ID) {
		return fmt.Errorf("delegation ID must be a valid UUID: %q", d.ID)
	}
	if err := d.Source.Validate(); err != nil {
		return fmt.Errorf("invalid source ref: %w", err)
	}
	if err := d.Target.Validate(); err != nil {
		return fmt.Errorf("invalid target ref: %w", err)
	}
	if d.Source == d.Target {
		return fmt.Errorf("source and target cannot be the same node: %s", d.Source)
	}
	if d.Target.Level.Depth() >= d.Source.Level.Depth() {
		return fmt.Errorf("target %s must be at a shallower level than source %s", d.Target, d.Source)
	}
	if err := d.Status.Validate(); err != nil {
		return err
	}
	return nil
}

// SourceVersion records one node consulted during resolution and the
// version observed. Version 0 means the ref was consulted but no node
// existed there; stored versions always start at 1, so 0 is unambiguous.
type SourceVersion struct {
	Ref     Ref   `json:"ref"`     // Node (or empty slot) that was consulted
	Version int64 `json:"version"` // Observed version, 0 when absent
}

// ResolvedContext is the merged view of a node and its ancestor chain.
// SourceVersions list every consulted ref in ancestor-to-descendant order
// and are what the cache revalidates against on each read.
type ResolvedContext struct {
	Ref            Ref             `json:"ref"`             // Node the view was resolved for
	Data           map[string]any  `json:"data"`            // Merged key/value view, closest definition wins
	SourceVersions []SourceVersion `json:"source_versions"` // Versions observed during resolution, root first
	ResolvedAtMs   int64           `json:"resolved_at_ms"`  // Unix timestamp in milliseconds of resolution
	Stale          bool            `json:"stale,omitempty"` // True only when served from cache during a store outage
}

// isValidUUID checks if a string is a valid UUID.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
