//go:build integration
// +build integration

package contexttree

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Integration tests require a running Docker daemon
// Run with: go test -tags=integration -v ./pkg/contexttree

// setupRedisContainer starts a Redis container and returns its options.
func setupRedisContainer(t *testing.T) *redis.Options {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	opts, err := redis.ParseURL(fmt.Sprintf("redis://%s:%s", host, port.Port()))
	require.NoError(t, err)
	return opts
}

// TestServiceLifecycle runs the full flow against real Redis: build the
// chain, resolve through the cache, edit with version guards, delegate
// upward and watch invalidation events arrive.
func TestServiceLifecycle(t *testing.T) {
	opts := setupRedisContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewRedisStore(opts, "acme")
	require.NoError(t, err)

	svc, err := NewService(store, DefaultConfig())
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Ping(ctx))

	global := Ref{Level: LevelGlobal, ID: "root"}
	project := Ref{Level: LevelProject, ID: "atlas"}
	branch := Ref{Level: LevelBranch, ID: "main"}
	task := Ref{Level: LevelTask, ID: "t1"}

	_, err = svc.CreateContext(ctx, global, nil, map[string]any{"timezone": "UTC"})
	require.NoError(t, err)
	_, err = svc.CreateContext(ctx, project, &global, map[string]any{"timezone": "PST", "team": "infra"})
	require.NoError(t, err)
	_, err = svc.CreateContext(ctx, branch, &project, nil)
	require.NoError(t, err)
	_, err = svc.CreateContext(ctx, task, &branch, map[string]any{"team": "core"})
	require.NoError(t, err)

	t.Run("resolution merges closest-first", func(t *testing.T) {
		resolved, err := svc.ResolveContext(ctx, task)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"timezone": "PST", "team": "core"}, resolved.Data)
		require.Len(t, resolved.SourceVersions, 4)
		assert.Equal(t, global, resolved.SourceVersions[0].Ref)
	})

	t.Run("stale conditional writes lose", func(t *testing.T) {
		node, err := svc.GetContext(ctx, project)
		require.NoError(t, err)

		v := node.Version
		_, err = svc.UpdateContext(ctx, project, map[string]any{"timezone": "CET", "team": "infra"}, &v)
		require.NoError(t, err)

		_, err = svc.UpdateContext(ctx, project, map[string]any{"timezone": "GMT"}, &v)
		require.Error(t, err)
		assert.True(t, IsConflict(err))

		resolved, err := svc.ResolveContext(ctx, task)
		require.NoError(t, err)
		assert.Equal(t, "CET", resolved.Data["timezone"], "the losing write left no trace")
	})

	t.Run("delegation lifecycle", func(t *testing.T) {
		req, err := svc.Delegate(ctx, task, project, map[string]any{"api_quirk": "retry-on-503"}, "flaky upstream")
		require.NoError(t, err)
		require.Equal(t, DelegationPending, req.Status)

		applied, err := svc.ApplyDelegation(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, DelegationApplied, applied.Status)

		resolved, err := svc.ResolveContext(ctx, branch)
		require.NoError(t, err)
		assert.Equal(t, "retry-on-503", resolved.Data["api_quirk"])

		_, err = svc.ApplyDelegation(ctx, req.ID)
		require.Error(t, err)
		assert.True(t, IsInvalidState(err))
	})

	t.Run("node events reach subscribers", func(t *testing.T) {
		sub, err := store.SubscribeNodeEvents(ctx)
		require.NoError(t, err)
		defer sub.Close()

		// Subscriptions register asynchronously
		time.Sleep(500 * time.Millisecond)

		_, err = svc.UpdateContext(ctx, branch, map[string]any{"flag": true}, nil)
		require.NoError(t, err)

		select {
		case event := <-sub.Events():
			assert.Equal(t, branch, event.Ref)
			assert.Equal(t, NodeOpUpdate, event.Op)
		case <-time.After(5 * time.Second):
			t.Fatal("no event arrived")
		}
	})
}

// TestTenantIsolation verifies two tenants sharing one Redis never see
// each other's trees, queues or events.
func TestTenantIsolation(t *testing.T) {
	opts := setupRedisContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	acme, err := NewRedisStore(opts, "acme")
	require.NoError(t, err)
	defer acme.Close()

	umbrella, err := NewRedisStore(opts, "umbrella")
	require.NoError(t, err)
	defer umbrella.Close()

	ref := Ref{Level: LevelProject, ID: "atlas"}
	_, err = acme.PutNode(ctx, PutNodeParams{Ref: ref, Data: map[string]any{"secret": "acme-only"}})
	require.NoError(t, err)

	t.Run("nodes are invisible across tenants", func(t *testing.T) {
		_, err := umbrella.GetNode(ctx, ref)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("events are invisible across tenants", func(t *testing.T) {
		sub, err := umbrella.SubscribeNodeEvents(ctx)
		require.NoError(t, err)
		defer sub.Close()

		time.Sleep(500 * time.Millisecond)

		_, err = acme.PutNode(ctx, PutNodeParams{Ref: ref, Data: map[string]any{"secret": "still acme"}})
		require.NoError(t, err)

		select {
		case event := <-sub.Events():
			t.Fatalf("umbrella received acme's event: %+v", event)
		case <-time.After(2 * time.Second):
			// Nothing arrived, as it should be
		}
	})
}
