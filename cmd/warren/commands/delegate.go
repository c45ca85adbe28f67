package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/watch"
	"github.com/dyluth/warren/pkg/contexttree"
)

var (
	delegateSource string
	delegateTarget string
	delegateData   string
	delegateReason string
	delegateWait   time.Duration
)

var delegateCmd = &cobra.Command{
	Use:   "delegate",
	Short: "Propose pushing data from a node to one of its ancestors",
	Long: `Submit a delegation request: a proposal to merge keys from a source
node's scope into an ancestor. The request sits in the pending queue
until someone applies or rejects it; the target node is not touched
until then.

The target must be an ancestor of the source. With --wait the command
blocks until the request is applied or rejected, or the wait times out.

Examples:
  # Propose promoting a discovered setting to the project
  warren delegate --source task:t1 --target project:atlas \
    --data '{"api_endpoint":"https://api.internal"}' \
    --reason "endpoint discovered during task t1"

  # Block until a decision is made
  warren delegate --source task:t1 --target global:root \
    --data '{"deploy_freeze":true}' --wait 5m`,
	RunE: runDelegate,
}

func init() {
	delegateCmd.Flags().StringVarP(&delegateSource, "source", "s", "", "Source node reference as level:id (required)")
	delegateCmd.Flags().StringVarP(&delegateTarget, "target", "t", "", "Target ancestor reference as level:id (required)")
	delegateCmd.Flags().StringVarP(&delegateData, "data", "d", "", "Payload to merge into the target, as a JSON object (required)")
	delegateCmd.Flags().StringVar(&delegateReason, "reason", "", "Free-text reason for the delegation")
	delegateCmd.Flags().DurationVar(&delegateWait, "wait", 0, "Block until the request is decided, e.g. 30s or 5m")
	delegateCmd.MarkFlagRequired("source")
	delegateCmd.MarkFlagRequired("target")
	delegateCmd.MarkFlagRequired("data")
	rootCmd.AddCommand(delegateCmd)
}

func runDelegate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	source, err := contexttree.ParseRef(delegateSource)
	if err != nil {
		return printer.Error(
			"invalid source reference",
			fmt.Sprintf("Error: %v", err),
			[]string{"References take the form level:id, e.g. task:t1"},
		)
	}

	target, err := contexttree.ParseRef(delegateTarget)
	if err != nil {
		return printer.Error(
			"invalid target reference",
			fmt.Sprintf("Error: %v", err),
			[]string{"References take the form level:id, e.g. project:atlas"},
		)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(delegateData), &payload); err != nil {
		return printer.Error(
			"invalid payload",
			fmt.Sprintf("The payload is not a JSON object: %v", err),
			[]string{`Payloads must be JSON objects, e.g. '{"api_endpoint":"https://..."}'`},
		)
	}
	if len(payload) == 0 {
		return printer.Error(
			"empty payload",
			"A delegation must carry at least one key to merge.",
			[]string{`Pass the keys to promote: --data '{"key":"value"}'`},
		)
	}

	service, store, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer service.Close()

	req, err := service.Delegate(ctx, source, target, payload, delegateReason)
	if err != nil {
		// A request alongside the error means submission succeeded but
		// auto-apply did not; the request is still pending.
		if req != nil {
			printer.Warning("Delegation %s submitted, but auto-apply failed: %v", req.ID, err)
			printer.Info("Decide it manually:\n  warren apply %s\n  warren reject %s", req.ID, req.ID)
			return nil
		}
		switch {
		case contexttree.IsNotFound(err):
			return printer.Error(
				"delegation rejected",
				fmt.Sprintf("Error: %v", err),
				[]string{
					"Both nodes must exist before delegating between them",
					fmt.Sprintf("Check them:\n  warren get --ref %s\n  warren get --ref %s", source, target),
				},
			)
		case contexttree.IsStoreUnavailable(err):
			return fmt.Errorf("failed to submit delegation: %w", err)
		default:
			return printer.Error(
				"delegation rejected",
				fmt.Sprintf("Error: %v", err),
				[]string{"The target must be a strict ancestor of the source on the global > project > branch > task chain"},
			)
		}
	}

	if req.Status == contexttree.DelegationApplied {
		printer.Success("Delegation %s applied to %s", req.ID, req.Target)
		return nil
	}

	printer.Success("Delegation submitted: %s", req.ID)
	printer.Info("Pending until applied or rejected:\n  warren apply %s\n  warren reject %s", req.ID, req.ID)

	if delegateWait <= 0 {
		return nil
	}

	fmt.Printf("\nWaiting up to %v for a decision...\n", delegateWait)
	decided, err := watch.PollForDecision(ctx, store, req.ID, delegateWait)
	if err != nil {
		return err
	}

	switch decided.Status {
	case contexttree.DelegationApplied:
		printer.Success("Delegation %s applied", decided.ID)
	case contexttree.DelegationRejected:
		if decided.Note != "" {
			printer.Warning("Delegation %s rejected: %s", decided.ID, decided.Note)
		} else {
			printer.Warning("Delegation %s rejected", decided.ID)
		}
	}
	return nil
}
