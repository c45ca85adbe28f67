package contexttree

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). The data and payload
// maps are JSON-encoded into single hash fields; scalar fields stay
// individually addressable so version checks can read just one field.

// NodeToHash converts a ContextNode to a Redis hash format.
// The data map is JSON-encoded; an absent parent is stored as empty fields.
func NodeToHash(n *ContextNode) (map[string]interface{}, error) {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node data: %w", err)
	}

	hash := map[string]interface{}{
		"level":         string(n.Level),
		"id":            n.ID,
		"parent_level":  "",
		"parent_id":     "",
		"data":          string(dataJSON),
		"version":       strconv.FormatInt(n.Version, 10),
		"created_at_ms": n.CreatedAtMs,
		"updated_at_ms": n.UpdatedAtMs,
	}
	if n.Parent != nil {
		hash["parent_level"] = string(n.Parent.Level)
		hash["parent_id"] = n.Parent.ID
	}

	return hash, nil
}

// HashToNode converts a Redis hash to a ContextNode struct.
func HashToNode(hash map[string]string) (*ContextNode, error) {
	version, err := strconv.ParseInt(hash["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	var data map[string]any
	if dataJSON := hash["data"]; dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node data: %w", err)
		}
	}
	// Ensure we have an empty map instead of nil for consistency
	if data == nil {
		data = map[string]any{}
	}

	var parent *Ref
	if hash["parent_level"] != "" && hash["parent_id"] != "" {
		parent = &Ref{Level: Level(hash["parent_level"]), ID: hash["parent_id"]}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	node := &ContextNode{
		Level:       Level(hash["level"]),
		ID:          hash["id"],
		Parent:      parent,
		Data:        data,
		Version:     version,
		CreatedAtMs: createdAtMs,
		UpdatedAtMs: updatedAtMs,
	}

	return node, nil
}

// DelegationToHash converts a DelegationRequest to a Redis hash format.
// The payload map is JSON-encoded; refs are stored in "level:id" form.
func DelegationToHash(d *DelegationRequest) (map[string]interface{}, error) {
	payload := d.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delegation payload: %w", err)
	}

	hash := map[string]interface{}{
		"id":             d.ID,
		"source":         d.Source.String(),
		"target":         d.Target.String(),
		"payload":        string(payloadJSON),
		"reason":         d.Reason,
		"status":         string(d.Status),
		"note":           d.Note,
		"created_at_ms":  d.CreatedAtMs,
		"resolved_at_ms": d.ResolvedAtMs,
	}

	return hash, nil
}

// HashToDelegation converts a Redis hash to a DelegationRequest struct.
func HashToDelegation(hash map[string]string) (*DelegationRequest, error) {
	source, err := ParseRef(hash["source"])
	if err != nil {
		return nil, fmt.Errorf("invalid source field: %w", err)
	}
	target, err := ParseRef(hash["target"])
	if err != nil {
		return nil, fmt.Errorf("invalid target field: %w", err)
	}

	var payload map[string]any
	if payloadJSON := hash["payload"]; payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal delegation payload: %w", err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	resolvedAtMs, _ := strconv.ParseInt(hash["resolved_at_ms"], 10, 64)

	req := &DelegationRequest{
		ID:           hash["id"],
		Source:       source,
		Target:       target,
		Payload:      payload,
		Reason:       hash["reason"],
		Status:       DelegationStatus(hash["status"]),
		Note:         hash["note"],
		CreatedAtMs:  createdAtMs,
		ResolvedAtMs: resolvedAtMs,
	}

	return req, nil
}
