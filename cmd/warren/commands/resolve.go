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

var resolveRef string

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Fetch the merged view of a node and its ancestors",
	Long: `Resolve a node's inherited context: walk its ancestor chain and merge
each level's data, closest definition winning per key. The output lists
the versions of every consulted node, which is what cache revalidation
checks against.

Examples:
  # What does task t1 actually see?
  warren resolve --ref task:t1

  # Pipe the merged data into jq
  warren resolve --ref task:t1 | jq .data`,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVarP(&resolveRef, "ref", "r", "", "Node reference as level:id (required)")
	resolveCmd.MarkFlagRequired("ref")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ref, err := contexttree.ParseRef(resolveRef)
	if err != nil {
		return printer.Error(
			"invalid node reference",
			fmt.Sprintf("Error: %v", err),
			[]string{"References take the form level:id, e.g. project:atlas"},
		)
	}

	service, _, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer service.Close()

	resolved, err := service.ResolveContext(ctx, ref)
	if err != nil {
		if contexttree.IsNotFound(err) {
			return printer.Error(
				fmt.Sprintf("context node '%s' not found", ref),
				"Resolution starts at an existing node; the requested node does not exist.",
				[]string{
					"List all nodes:\n  warren nodes",
					fmt.Sprintf("Create it first:\n  warren set --ref %s --data '{...}'", ref),
				},
			)
		}
		return fmt.Errorf("failed to resolve context: %w", err)
	}

	if resolved.Stale {
		printer.Warning("Store unreachable; serving last-known-good resolution")
	}

	return inspect.FormatJSON(os.Stdout, resolved)
}
