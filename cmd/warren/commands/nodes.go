package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/inspect"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/contexttree"
)

var (
	nodesLevel  string
	nodesSince  string
	nodesUntil  string
	nodesOutput string
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List context nodes across the tenant's tree",
	Long: `List every context node for the configured tenant, ordered by level
and then by creation time.

Filters narrow the listing: --level keeps one tier, --since and --until
bound creation time. Times are durations relative to now ('1h30m') or
absolute RFC3339 timestamps ('2026-08-25T13:00:00Z').

The default output is a table with truncated data previews; --output
jsonl emits one complete JSON record per line for scripting.

Examples:
  # The whole tree
  warren nodes

  # Tasks created in the last hour
  warren nodes --level task --since 1h

  # Full records for piping into jq
  warren nodes --output jsonl | jq .ref`,
	RunE: runNodes,
}

func init() {
	nodesCmd.Flags().StringVar(&nodesLevel, "level", "", "Filter by level: global, project, branch or task")
	nodesCmd.Flags().StringVar(&nodesSince, "since", "", "Only nodes created at or after this time")
	nodesCmd.Flags().StringVar(&nodesUntil, "until", "", "Only nodes created at or before this time")
	nodesCmd.Flags().StringVarP(&nodesOutput, "output", "o", "", "Output format: default or jsonl")
	rootCmd.AddCommand(nodesCmd)
}

func runNodes(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := inspect.ParseOutputFormat(nodesOutput)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Error: %v", err),
			[]string{"Use --output default or --output jsonl"},
		)
	}

	criteria := &inspect.Criteria{}
	if nodesLevel != "" {
		level, err := contexttree.ParseLevel(nodesLevel)
		if err != nil {
			return printer.Error(
				"invalid level filter",
				fmt.Sprintf("Error: %v", err),
				[]string{"Use --level global, project, branch or task"},
			)
		}
		criteria.Level = level
	}
	if err := criteria.SetTimeWindow(nodesSince, nodesUntil); err != nil {
		return printer.Error(
			"invalid time filter",
			fmt.Sprintf("Error: %v", err),
			[]string{
				"Durations are relative to now: --since 1h30m",
				"Absolute times are RFC3339: --since 2026-08-25T13:00:00Z",
			},
		)
	}

	service, store, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer service.Close()

	if err := inspect.ListNodes(ctx, store, criteria, format, os.Stdout); err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	return nil
}
