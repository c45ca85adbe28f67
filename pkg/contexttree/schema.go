package contexttree

import (
	"fmt"
	"regexp"
)

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by tenant name to enable
// multiple tenants to safely coexist on a single Redis server.
//
// Key pattern: warren:{tenant}:{entity}:...
// Channel pattern: warren:{tenant}:{event_type}_events

const (
	// MaxTenantNameLength is the maximum length for a tenant name (DNS-compatible)
	MaxTenantNameLength = 63
)

// tenantNamePattern is the regex pattern for valid tenant names.
// Must be DNS-compatible: lowercase alphanumeric, hyphens allowed (but not at start/end).
var tenantNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateTenant checks if a tenant name is valid according to DNS naming rules.
func ValidateTenant(name string) error {
	if name == "" {
		return fmt.Errorf("tenant name cannot be empty")
	}

	if len(name) > MaxTenantNameLength {
		return fmt.Errorf("tenant name too long: %d characters (max: %d)", len(name), MaxTenantNameLength)
	}

	if !tenantNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tenant name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}

	return nil
}

// NodeKey returns the Redis key for a context node hash.
// Pattern: warren:{tenant}:node:{level}:{id}
func NodeKey(tenant string, ref Ref) string {
	return fmt.Sprintf("warren:%s:node:%s:%s", tenant, ref.Level, ref.ID)
}

// NodeKeyPattern returns the SCAN match pattern covering every node of a tenant.
// Pattern: warren:{tenant}:node:*
func NodeKeyPattern(tenant string) string {
	return fmt.Sprintf("warren:%s:node:*", tenant)
}

// ChildrenKey returns the Redis key for a node's children index SET.
// Members are child refs in "level:id" form.
// Pattern: warren:{tenant}:children:{level}:{id}
func ChildrenKey(tenant string, ref Ref) string {
	return fmt.Sprintf("warren:%s:children:%s:%s", tenant, ref.Level, ref.ID)
}

// DelegationKey returns the Redis key for a delegation request hash.
// Pattern: warren:{tenant}:delegation:{delegation_id}
func DelegationKey(tenant, delegationID string) string {
	return fmt.Sprintf("warren:%s:delegation:%s", tenant, delegationID)
}

// DelegationKeyPattern returns the SCAN match pattern for delegation request
// hashes whose ID starts with prefix. An empty prefix matches every request.
// Pattern: warren:{tenant}:delegation:{prefix}*
func DelegationKeyPattern(tenant, prefix string) string {
	return fmt.Sprintf("warren:%s:delegation:%s*", tenant, prefix)
}

// DelegationQueueKey returns the Redis key for the delegation queue ZSET.
// Members are delegation IDs scored by submission time in milliseconds,
// so range reads come back in submission order.
// Pattern: warren:{tenant}:delegations
func DelegationQueueKey(tenant string) string {
	return fmt.Sprintf("warren:%s:delegations", tenant)
}

// NodeEventsChannel returns the Pub/Sub channel name for node change events.
// Every successful node write publishes here; subscribers use the events as
// cache invalidation hints.
// Pattern: warren:{tenant}:node_events
func NodeEventsChannel(tenant string) string {
	return fmt.Sprintf("warren:%s:node_events", tenant)
}
