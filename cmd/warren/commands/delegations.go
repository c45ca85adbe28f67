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
	delegationsStatus string
	delegationsOutput string
)

var delegationsCmd = &cobra.Command{
	Use:   "delegations",
	Short: "List delegation requests in submission order",
	Long: `List delegation requests for the configured tenant, oldest first.

By default all requests are shown; --status narrows to one lifecycle
state. The default output is a table with truncated payload previews;
--output jsonl emits one complete JSON record per line for scripting.

Examples:
  # Everything, newest at the bottom
  warren delegations

  # Only requests still waiting for a decision
  warren delegations --status pending

  # Full records for piping into jq
  warren delegations --output jsonl | jq .id`,
	RunE: runDelegations,
}

func init() {
	delegationsCmd.Flags().StringVar(&delegationsStatus, "status", "", "Filter by status: pending, applied or rejected")
	delegationsCmd.Flags().StringVarP(&delegationsOutput, "output", "o", "", "Output format: default or jsonl")
	rootCmd.AddCommand(delegationsCmd)
}

func runDelegations(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := inspect.ParseOutputFormat(delegationsOutput)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Error: %v", err),
			[]string{"Use --output default or --output jsonl"},
		)
	}

	status, err := parseStatusFilter(delegationsStatus)
	if err != nil {
		return printer.Error(
			"invalid status filter",
			fmt.Sprintf("Error: %v", err),
			[]string{"Use --status pending, --status applied or --status rejected"},
		)
	}

	service, store, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer service.Close()

	requests, err := service.ListDelegations(ctx, status)
	if err != nil {
		return fmt.Errorf("failed to list delegations: %w", err)
	}

	switch format {
	case inspect.OutputFormatJSONL:
		return inspect.FormatDelegationsJSONL(os.Stdout, requests)
	default:
		inspect.FormatDelegationTable(os.Stdout, requests, store.Tenant())
		return nil
	}
}

// parseStatusFilter maps the --status flag to a DelegationStatus;
// empty means no filter.
func parseStatusFilter(s string) (contexttree.DelegationStatus, error) {
	switch contexttree.DelegationStatus(s) {
	case "":
		return "", nil
	case contexttree.DelegationPending, contexttree.DelegationApplied, contexttree.DelegationRejected:
		return contexttree.DelegationStatus(s), nil
	default:
		return "", fmt.Errorf("unknown status: %s", s)
	}
}
