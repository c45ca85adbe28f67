package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/warren/pkg/contexttree"
)

// OutputFormat specifies how listings are rendered.
type OutputFormat string

const (
	// OutputFormatDefault uses a table with truncated data previews
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates a format flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSONL:
		return OutputFormatJSONL, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (must be 'default' or 'jsonl')", s)
	}
}

// FormatNodeTable writes nodes as a table: REF, VER, PARENT, AGE and a
// one-line data preview. Returns the number of nodes written.
func FormatNodeTable(w io.Writer, nodes []*contexttree.ContextNode, tenant string) int {
	if len(nodes) == 0 {
		fmt.Fprintf(w, "No context nodes found for tenant '%s'\n", tenant)
		return 0
	}

	fmt.Fprintf(w, "Context nodes for tenant '%s':\n\n", tenant)

	fmt.Fprintf(w, "%-24s %-5s %-24s %-8s %s\n",
		"REF", "VER", "PARENT", "AGE", "DATA")
	fmt.Fprintf(w, "%-24s %-5s %-24s %-8s %s\n",
		"------------------------", "-----", "------------------------", "--------", "----------------------------------------")

	for _, n := range nodes {
		parent := "-"
		if n.Parent != nil {
			parent = truncate(n.Parent.String(), 24)
		}
		fmt.Fprintf(w, "%-24s %-5s %-24s %-8s %s\n",
			truncate(n.Ref().String(), 24),
			fmt.Sprintf("v%d", n.Version),
			parent,
			formatAge(n.CreatedAtMs),
			formatDataPreview(n.Data),
		)
	}

	noun := "node"
	if len(nodes) != 1 {
		noun = "nodes"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(nodes), noun)

	return len(nodes)
}

// FormatNodesJSONL writes nodes as line-delimited JSON, one per line,
// for piping into jq and friends.
func FormatNodesJSONL(w io.Writer, nodes []*contexttree.ContextNode) error {
	for _, node := range nodes {
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("failed to marshal node to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatDelegationTable writes delegation requests as a table in the
// order given (the store returns them in submission order).
func FormatDelegationTable(w io.Writer, requests []*contexttree.DelegationRequest, tenant string) int {
	if len(requests) == 0 {
		fmt.Fprintf(w, "No delegation requests found for tenant '%s'\n", tenant)
		return 0
	}

	fmt.Fprintf(w, "Delegation requests for tenant '%s':\n\n", tenant)

	fmt.Fprintf(w, "%-10s %-9s %-20s %-20s %-8s %s\n",
		"ID", "STATUS", "SOURCE", "TARGET", "AGE", "PAYLOAD")
	fmt.Fprintf(w, "%-10s %-9s %-20s %-20s %-8s %s\n",
		"----------", "---------", "--------------------", "--------------------", "--------", "------------------------------")

	for _, r := range requests {
		fmt.Fprintf(w, "%-10s %-9s %-20s %-20s %-8s %s\n",
			shortID(r.ID),
			r.Status,
			truncate(r.Source.String(), 20),
			truncate(r.Target.String(), 20),
			formatAge(r.CreatedAtMs),
			formatDataPreview(r.Payload),
		)
	}

	noun := "request"
	if len(requests) != 1 {
		noun = "requests"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(requests), noun)

	return len(requests)
}

// FormatDelegationsJSONL writes delegation requests as line-delimited JSON.
func FormatDelegationsJSONL(w io.Writer, requests []*contexttree.DelegationRequest) error {
	for _, req := range requests {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal delegation to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatJSON writes a single record as pretty-printed JSON, for get and
// resolve output.
func FormatJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// shortID truncates a UUID to its first 8 characters for compact display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

// formatDataPreview renders a data map as one truncated JSON line.
// Empty maps return "-".
func formatDataPreview(data map[string]any) string {
	if len(data) == 0 {
		return "-"
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "<unprintable>"
	}
	return truncate(string(raw), 40)
}

// formatAge renders a millisecond timestamp as a relative age like
// "2m ago". Zero timestamps return "-".
func formatAge(timestampMs int64) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := time.Since(time.UnixMilli(timestampMs))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
