package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/warren/pkg/contexttree"
)

// OutputFormat selects how streamed events are rendered.
type OutputFormat string

const (
	// OutputFormatDefault is human-readable output with timestamps
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON for programmatic processing
	OutputFormatJSON OutputFormat = "json"
)

// formatter renders node events to a writer.
type formatter interface {
	FormatNode(event *contexttree.NodeEvent) error
}

// StreamEvents subscribes to the tenant's node change events and renders
// them until ctx is cancelled. Cancellation is the normal way to stop
// watching, so it is not reported as an error.
func StreamEvents(ctx context.Context, store *contexttree.RedisStore, format OutputFormat, w io.Writer) error {
	var f formatter
	switch format {
	case OutputFormatDefault:
		f = &defaultFormatter{writer: w}
	case OutputFormatJSON:
		f = &jsonFormatter{writer: w}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	sub, err := store.SubscribeNodeEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to node events: %w", err)
	}
	defer sub.Close()

	if format == OutputFormatDefault {
		fmt.Fprintf(w, "Watching context events for tenant '%s' (Ctrl+C to stop)\n\n", store.Tenant())
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := f.FormatNode(event); err != nil {
				return err
			}

		case _, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			// Malformed event on the channel; skip it
		}
	}
}

// PollForDecision polls a delegation request until it reaches a terminal
// status. Returns the decided request, or an error if timeout occurs.
// Polls every 200ms for the specified timeout duration.
func PollForDecision(ctx context.Context, store *contexttree.RedisStore, delegationID string, timeout time.Duration) (*contexttree.DelegationRequest, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for delegation decision after %v", timeout)

		case <-ticker.C:
			req, err := store.GetDelegation(ctx, delegationID)
			if err != nil {
				return nil, fmt.Errorf("failed to query delegation: %w", err)
			}
			if req.Status.Terminal() {
				return req, nil
			}
		}
	}
}

// defaultFormatter writes human-readable event lines with timestamps.
type defaultFormatter struct {
	writer io.Writer
}

func (f *defaultFormatter) FormatNode(event *contexttree.NodeEvent) error {
	verb := "Context updated"
	marker := "📝"
	if event.Op == contexttree.NodeOpCreate {
		verb = "Context created"
		marker = "✨"
	}

	ts := time.UnixMilli(event.AtMs).Format("15:04:05")
	_, err := fmt.Fprintf(f.writer, "[%s] %s %s: ref=%s version=%d\n",
		ts, marker, verb, event.Ref, event.Version)
	return err
}

// jsonFormatter writes one JSON object per event for piping into jq.
type jsonFormatter struct {
	writer io.Writer
}

func (f *jsonFormatter) FormatNode(event *contexttree.NodeEvent) error {
	envelope := struct {
		Event   string `json:"event"`
		Ref     string `json:"ref"`
		Version int64  `json:"version"`
		AtMs    int64  `json:"at_ms"`
	}{
		Event:   "node_" + string(event.Op) + "d",
		Ref:     event.Ref.String(),
		Version: event.Version,
		AtMs:    event.AtMs,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}
