package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/contexttree"
)

// connect loads the configuration and opens the tenant's context service.
// The returned store is the raw Redis handle for commands that scan keys
// directly; closing the service closes it too.
func connect(ctx context.Context) (*contexttree.Service, *contexttree.RedisStore, *config.WarrenConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, printer.Error(
			"configuration not loaded",
			fmt.Sprintf("Error: %v", err),
			[]string{
				"Initialize a project first:\n  warren init --tenant <name>",
				fmt.Sprintf("Or point at an existing config:\n  warren --config path/to/%s ...", config.DefaultFileName),
			},
		)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	store, err := contexttree.NewRedisStore(redisOpts, cfg.Tenant)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create context store: %w", err)
	}

	service, err := contexttree.NewService(store, cfg.ServiceConfig())
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to create context service: %w", err)
	}

	// Verify Redis connectivity
	if err := service.Ping(ctx); err != nil {
		service.Close()
		return nil, nil, nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.RedisURL),
			map[string]string{"tenant": cfg.Tenant},
			[]string{
				"Check that Redis is running and reachable",
				fmt.Sprintf("Verify the redis_url in %s", configPath),
			},
		)
	}

	return service, store, cfg, nil
}
