package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/shortid"
	"github.com/dyluth/warren/pkg/contexttree"
)

var applyCmd = &cobra.Command{
	Use:   "apply <delegation-id>",
	Short: "Apply a pending delegation to its target node",
	Long: `Merge a pending delegation's payload into its target node and mark
the request applied. Payload keys replace the target's values wholesale;
keys not in the payload are untouched.

The delegation ID can be the full UUID or a unique prefix of at least
6 characters.

The merge is conditional on the target's version at apply time, so a
concurrent edit to the target makes the apply fail and leaves the
request pending; re-running it retries against the fresh state.

Examples:
  warren apply 550e8400
  warren apply 550e8400-e29b-41d4-a716-446655440000`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
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

	req, err := service.ApplyDelegation(ctx, id)
	if err != nil {
		switch {
		case contexttree.IsInvalidState(err):
			return printer.Error(
				"delegation already decided",
				fmt.Sprintf("Error: %v", err),
				[]string{fmt.Sprintf("Inspect it:\n  warren delegations --output jsonl | grep %s", id)},
			)
		case contexttree.IsConflict(err):
			return printer.Error(
				"target node changed during apply",
				fmt.Sprintf("Error: %v", err),
				[]string{
					"The request is still pending",
					fmt.Sprintf("Re-run to retry against the current state:\n  warren apply %s", id),
				},
			)
		case contexttree.IsNotFound(err):
			return printer.Error(
				"apply failed",
				fmt.Sprintf("Error: %v", err),
				[]string{"The delegation's target node must still exist when applying"},
			)
		default:
			return fmt.Errorf("failed to apply delegation: %w", err)
		}
	}

	printer.Success("Delegation %s applied to %s", req.ID, req.Target)
	return nil
}

// resolveDelegationArg turns a CLI delegation argument, full UUID or
// short prefix, into a full ID with user-facing errors for the miss
// and ambiguity cases.
func resolveDelegationArg(ctx context.Context, store *contexttree.RedisStore, arg string) (string, error) {
	id, err := shortid.ResolveDelegationID(ctx, store, arg)
	if err == nil {
		return id, nil
	}

	if shortid.IsNotFoundError(err) || contexttree.IsNotFound(err) {
		return "", printer.Error(
			fmt.Sprintf("delegation with ID '%s' not found", arg),
			"The specified delegation request does not exist.",
			[]string{"List all requests:\n  warren delegations"},
		)
	}
	if shortid.IsAmbiguousError(err) {
		ambigErr := err.(*shortid.AmbiguousError)
		fmt.Fprintln(os.Stderr, shortid.FormatAmbiguousError(ambigErr))
		return "", fmt.Errorf("ambiguous short ID")
	}
	return "", fmt.Errorf("failed to resolve delegation ID: %w", err)
}
