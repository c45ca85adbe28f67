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

var getRef string

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Fetch a single context node",
	Long: `Fetch one context node as pretty-printed JSON, without resolving
inheritance. Use 'warren resolve' for the merged view.

Examples:
  # Fetch the global node
  warren get --ref global:root

  # Fetch a task node
  warren get --ref task:t1`,
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringVarP(&getRef, "ref", "r", "", "Node reference as level:id (required)")
	getCmd.MarkFlagRequired("ref")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ref, err := contexttree.ParseRef(getRef)
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

	node, err := service.GetContext(ctx, ref)
	if err != nil {
		if contexttree.IsNotFound(err) {
			return printer.Error(
				fmt.Sprintf("context node '%s' not found", ref),
				"No node exists at that reference.",
				[]string{
					"List all nodes:\n  warren nodes",
					fmt.Sprintf("Create it:\n  warren set --ref %s --data '{...}'", ref),
				},
			)
		}
		return fmt.Errorf("failed to get context node: %w", err)
	}

	return inspect.FormatJSON(os.Stdout, node)
}
