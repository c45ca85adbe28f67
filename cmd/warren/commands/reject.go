package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/contexttree"
)

var rejectReason string

var rejectCmd = &cobra.Command{
	Use:   "reject <delegation-id>",
	Short: "Reject a pending delegation without touching its target",
	Long: `Mark a pending delegation request rejected. The target node is never
modified; the request stays in the queue as a record of the decision.

The delegation ID can be the full UUID or a unique prefix of at least
6 characters.

Examples:
  warren reject 550e8400
  warren reject 550e8400 --reason "endpoint belongs to the branch, not the project"`,
	Args: cobra.ExactArgs(1),
	RunE: runReject,
}

func init() {
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Free-text note recording why the request was rejected")
	rootCmd.AddCommand(rejectCmd)
}

func runReject(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	service, store, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer service.Close()

	id, err := resolveDelegationArg(ctx, store, args[0])
	if err != nil {
		return err
	}

	req, err := service.RejectDelegation(ctx, id, rejectReason)
	if err != nil {
		if contexttree.IsInvalidState(err) {
			return printer.Error(
				"delegation already decided",
				fmt.Sprintf("Error: %v", err),
				[]string{fmt.Sprintf("Inspect it:\n  warren delegations --output jsonl | grep %s", id)},
			)
		}
		return fmt.Errorf("failed to reject delegation: %w", err)
	}

	printer.Success("Delegation %s rejected", req.ID)
	return nil
}
