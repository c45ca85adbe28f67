package inspect

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/warren/pkg/contexttree"
)

// Criteria filters the node listing. Zero values mean no filter; all set
// filters are ANDed together.
type Criteria struct {
	Level            contexttree.Level // Only nodes at this level, "" = all levels
	SinceTimestampMs int64             // Only nodes created at or after this time, 0 = no filter
	UntilTimestampMs int64             // Only nodes created at or before this time, 0 = no filter
}

// matches reports whether the node passes every set filter.
func (c *Criteria) matches(node *contexttree.ContextNode) bool {
	if c.Level != "" && node.Level != c.Level {
		return false
	}
	if c.SinceTimestampMs > 0 && node.CreatedAtMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && node.CreatedAtMs > c.UntilTimestampMs {
		return false
	}
	return true
}

// ListNodes writes every node of the store's tenant to w in the requested
// format. Keys are discovered with Redis SCAN so the listing never blocks
// the server; nodes land root levels first, then by creation time.
// Malformed nodes are skipped with a warning to stderr.
func ListNodes(ctx context.Context, store *contexttree.RedisStore, criteria *Criteria, format OutputFormat, w io.Writer) error {
	prefix := strings.TrimSuffix(contexttree.NodeKeyPattern(store.Tenant()), "*")
	iter := store.RedisClient().Scan(ctx, 0, contexttree.NodeKeyPattern(store.Tenant()), 0).Iterator()

	var nodes []*contexttree.ContextNode
	for iter.Next(ctx) {
		key := iter.Val()

		// The key tail after the prefix is the "level:id" ref
		ref, err := contexttree.ParseRef(key[len(prefix):])
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Skipping malformed node key: %s (error: %v)\n", key, err)
			continue
		}

		node, err := store.GetNode(ctx, ref)
		if err != nil {
			if contexttree.IsNotFound(err) {
				// Deleted between SCAN and fetch
				continue
			}
			fmt.Fprintf(os.Stderr, "⚠️  Skipping unreadable node: %s (error: %v)\n", ref, err)
			continue
		}

		if criteria != nil && !criteria.matches(node) {
			continue
		}
		nodes = append(nodes, node)
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan nodes: %w", err)
	}

	sort.Slice(nodes, func(i, j int) bool {
		if d1, d2 := nodes[i].Level.Depth(), nodes[j].Level.Depth(); d1 != d2 {
			return d1 < d2
		}
		if nodes[i].CreatedAtMs != nodes[j].CreatedAtMs {
			return nodes[i].CreatedAtMs < nodes[j].CreatedAtMs
		}
		return nodes[i].ID < nodes[j].ID
	})

	switch format {
	case OutputFormatDefault:
		FormatNodeTable(w, nodes, store.Tenant())
	case OutputFormatJSONL:
		if err := FormatNodesJSONL(w, nodes); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}
