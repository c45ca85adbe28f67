package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/git"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/scaffold"
	"github.com/dyluth/warren/pkg/contexttree"
)

var (
	initTenant   string
	initRedisURL string
	initGlobalID string
	forceInit    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new Warren project",
	Long: `Initialize a new Warren project for the given tenant.

Creates:
  • warren.yml - Project configuration file
  • The tenant's global context node (the root of the context tree)

This command must be run from the root of a Git repository.

Use --force to reinitialize an existing project (WARNING: overwrites
existing configuration; context data in Redis is left untouched).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initTenant, "tenant", "t", "", "Tenant name (required; lowercase alphanumeric and hyphens)")
	initCmd.Flags().StringVar(&initRedisURL, "redis-url", "redis://localhost:6379", "Redis connection URL")
	initCmd.Flags().StringVar(&initGlobalID, "global-id", "root", "ID for the tenant's global context node")
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Force reinitialization (removes existing warren.yml)")
	initCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Validate inputs before touching the filesystem
	if err := contexttree.ValidateTenant(initTenant); err != nil {
		return printer.Error(
			"invalid tenant name",
			fmt.Sprintf("Error: %v", err),
			[]string{"Tenant names are DNS-style: lowercase alphanumeric with hyphens, at most 63 characters"},
		)
	}

	// Validate Git context first
	checker := git.NewChecker()
	if err := checker.ValidateGitContext(); err != nil {
		return err
	}

	// Check for existing files (unless --force)
	if !forceInit {
		if err := scaffold.CheckExisting(); err != nil {
			return err
		}
	}

	// Write the configuration file
	opts := scaffold.Options{Tenant: initTenant, RedisURL: initRedisURL}
	if err := scaffold.Initialize(opts, forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	// Create the tenant's global node so the tree has a root to hang
	// projects from. Re-running init against an existing tenant is fine.
	service, _, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer service.Close()

	globalRef := contexttree.Ref{Level: contexttree.LevelGlobal, ID: initGlobalID}
	if _, err := service.CreateContext(ctx, globalRef, nil, nil); err != nil {
		if !contexttree.IsConflict(err) {
			return fmt.Errorf("failed to create global context node: %w", err)
		}
		printer.Info("Global node %s already exists; leaving it untouched", globalRef)
	}

	// Print success message
	scaffold.PrintSuccess(globalRef.String())

	return nil
}
