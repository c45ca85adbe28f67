package inspect

import (
	"fmt"
	"time"
)

// ParseTimeSpec converts a time flag value into a Unix timestamp in
// milliseconds. Two forms are accepted:
//   - Go duration format ("1h", "30m", "1h30m"), taken relative to now,
//     so "1h" means one hour ago
//   - RFC3339 timestamps ("2026-08-25T13:00:00Z")
func ParseTimeSpec(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2026-08-25T13:00:00Z')", spec)
}

// SetTimeWindow fills the criteria's time bounds from raw --since and
// --until flag values. Empty strings leave that end of the window open.
// Returns an error if both bounds are set and the window is empty.
func (c *Criteria) SetTimeWindow(since, until string) error {
	if since != "" {
		ms, err := ParseTimeSpec(since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		c.SinceTimestampMs = ms
	}

	if until != "" {
		ms, err := ParseTimeSpec(until)
		if err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
		c.UntilTimestampMs = ms
	}

	if c.SinceTimestampMs > 0 && c.UntilTimestampMs > 0 && c.SinceTimestampMs >= c.UntilTimestampMs {
		return fmt.Errorf("--since must be before --until")
	}

	return nil
}
