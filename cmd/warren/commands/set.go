package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/contexttree"
)

var (
	setRef           string
	setParent        string
	setData          string
	setDataFile      string
	setExpectVersion int64
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update a context node",
	Long: `Create a context node or replace an existing node's data.

The parent given at creation is fixed for the node's lifetime. A node
created without one starts its own subtree and inherits nothing.
Updating replaces the data map wholesale and ignores --parent.

With --expect-version the write only succeeds if the node is still at
that version, so read-modify-write cycles can detect racing writers.

Examples:
  # Create a project under the global node
  warren set --ref project:atlas --parent global:root --data '{"team":"infra"}'

  # Replace a task's data unconditionally
  warren set --ref task:t1 --data '{"phase":"review"}'

  # Conditional update: fails if someone else wrote since version 3
  warren set --ref task:t1 --data '{"phase":"done"}' --expect-version 3

  # Load data from a file
  warren set --ref branch:main --parent project:atlas --data-file branch.json`,
	RunE: runSet,
}

func init() {
	setCmd.Flags().StringVarP(&setRef, "ref", "r", "", "Node reference as level:id (required)")
	setCmd.Flags().StringVarP(&setParent, "parent", "p", "", "Parent reference, used only when creating")
	setCmd.Flags().StringVarP(&setData, "data", "d", "", "Node data as a JSON object")
	setCmd.Flags().StringVar(&setDataFile, "data-file", "", "Path to a JSON file with the node data")
	setCmd.Flags().Int64Var(&setExpectVersion, "expect-version", 0, "Require the node to be at this version (update only)")
	setCmd.MarkFlagRequired("ref")
	rootCmd.AddCommand(setCmd)
}

func runSet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ref, err := contexttree.ParseRef(setRef)
	if err != nil {
		return printer.Error(
			"invalid node reference",
			fmt.Sprintf("Error: %v", err),
			[]string{"References take the form level:id, e.g. project:atlas"},
		)
	}

	data, err := loadSetData()
	if err != nil {
		return err
	}

	var parent *contexttree.Ref
	if setParent != "" {
		p, err := contexttree.ParseRef(setParent)
		if err != nil {
			return printer.Error(
				"invalid parent reference",
				fmt.Sprintf("Error: %v", err),
				[]string{"References take the form level:id, e.g. global:root"},
			)
		}
		parent = &p
	}

	service, _, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer service.Close()

	// Decide between create and update by looking at the current state;
	// the store's conditional write still guards against races.
	_, err = service.GetContext(ctx, ref)
	switch {
	case err == nil:
		return updateNode(ctx, service, cmd, ref, data)
	case contexttree.IsNotFound(err):
		return createNode(ctx, service, ref, parent, data)
	default:
		return fmt.Errorf("failed to check for existing node: %w", err)
	}
}

func createNode(ctx context.Context, service *contexttree.Service, ref contexttree.Ref, parent *contexttree.Ref, data map[string]any) error {
	if parent == nil && ref.Level != contexttree.LevelGlobal {
		printer.Info("No --parent given: %s starts its own subtree and inherits nothing", ref)
	}

	node, err := service.CreateContext(ctx, ref, parent, data)
	if err != nil {
		if contexttree.IsConflict(err) {
			// Lost a race with another creator; the node exists now
			return printer.Error(
				fmt.Sprintf("context node '%s' already exists", ref),
				"Another writer created this node first.",
				[]string{fmt.Sprintf("Re-run to update it:\n  warren set --ref %s --data '{...}'", ref)},
			)
		}
		return fmt.Errorf("failed to create context node: %w", err)
	}

	printer.Success("Created %s (version %d)", node.Ref(), node.Version)
	return nil
}

func updateNode(ctx context.Context, service *contexttree.Service, cmd *cobra.Command, ref contexttree.Ref, data map[string]any) error {
	if setParent != "" {
		printer.Warning("Node %s already exists; --parent is fixed at creation and was ignored", ref)
	}

	var expected *int64
	if cmd.Flags().Changed("expect-version") {
		v := setExpectVersion
		expected = &v
	}

	node, err := service.UpdateContext(ctx, ref, data, expected)
	if err != nil {
		if contexttree.IsConflict(err) && expected != nil {
			return printer.Error(
				fmt.Sprintf("version conflict on '%s'", ref),
				fmt.Sprintf("The node is no longer at version %d.", *expected),
				[]string{
					fmt.Sprintf("Inspect the current state:\n  warren get --ref %s", ref),
					"Re-read, reapply your change, and retry with the new version",
				},
			)
		}
		return fmt.Errorf("failed to update context node: %w", err)
	}

	printer.Success("Updated %s (version %d)", node.Ref(), node.Version)
	return nil
}

// loadSetData parses --data or --data-file into the node's data map.
// Both absent means an empty map, matching create-with-no-data.
func loadSetData() (map[string]any, error) {
	if setData != "" && setDataFile != "" {
		return nil, printer.Error(
			"conflicting data flags",
			"--data and --data-file cannot be combined.",
			[]string{"Pass the JSON inline or in a file, not both"},
		)
	}

	raw := []byte(setData)
	if setDataFile != "" {
		content, err := os.ReadFile(setDataFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
		raw = content
	}

	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, printer.Error(
			"invalid data",
			fmt.Sprintf("The data is not a JSON object: %v", err),
			[]string{`Data must be a JSON object, e.g. '{"timezone":"UTC"}'`},
		)
	}

	return data, nil
}
