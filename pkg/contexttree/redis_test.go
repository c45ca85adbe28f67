package contexttree

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a test store connected to a miniredis instance
func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test-tenant")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, mr
}

func TestNewRedisStore(t *testing.T) {
	t.Run("creates store successfully", func(t *testing.T) {
		store, _ := setupTestStore(t)
		assert.NotNil(t, store)
		assert.Equal(t, "test-tenant", store.Tenant())
	})

	t.Run("rejects invalid tenant name", func(t *testing.T) {
		_, err := NewRedisStore(&redis.Options{Addr: "localhost:6379"}, "Not-Valid")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "lowercase")
	})
}

func TestStorePing(t *testing.T) {
	store, _ := setupTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}

// Node write tests
func TestPutNodeCreate(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("creates node at version 1", func(t *testing.T) {
		project := Ref{Level: LevelProject, ID: "atlas"}
		node, err := store.PutNode(ctx, PutNodeParams{
			Ref:  project,
			Data: map[string]any{"timezone": "UTC"},
		})
		require.NoError(t, err)

		assert.Equal(t, int64(1), node.Version)
		assert.Equal(t, "UTC", node.Data["timezone"])
		assert.Nil(t, node.Parent)
		assert.Greater(t, node.CreatedAtMs, int64(0))
		assert.Equal(t, node.CreatedAtMs, node.UpdatedAtMs)

		retrieved, err := store.GetNode(ctx, project)
		require.NoError(t, err)
		assert.Equal(t, node, retrieved)
	})

	t.Run("stores parent ref", func(t *testing.T) {
		project := Ref{Level: LevelProject, ID: "atlas"}
		branch := Ref{Level: LevelBranch, ID: "main"}
		node, err := store.PutNode(ctx, PutNodeParams{Ref: branch, Parent: &project})
		require.NoError(t, err)

		require.NotNil(t, node.Parent)
		assert.Equal(t, project, *node.Parent)
	})

	t.Run("nil data becomes empty map", func(t *testing.T) {
		ref := Ref{Level: LevelProject, ID: "bare"}
		node, err := store.PutNode(ctx, PutNodeParams{Ref: ref})
		require.NoError(t, err)
		assert.NotNil(t, node.Data)
		assert.Empty(t, node.Data)
	})

	t.Run("expected version 0 conflicts with existing node", func(t *testing.T) {
		ref := Ref{Level: LevelProject, ID: "taken"}
		_, err := store.PutNode(ctx, PutNodeParams{Ref: ref})
		require.NoError(t, err)

		var zero int64
		_, err = store.PutNode(ctx, PutNodeParams{Ref: ref, ExpectedVersion: &zero})
		require.Error(t, err)
		assert.True(t, IsConflict(err))

		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(0), conflict.Expected)
		assert.Equal(t, int64(1), conflict.Actual)
	})

	t.Run("rejects parent at same level", func(t *testing.T) {
		sibling := Ref{Level: LevelBranch, ID: "dev"}
		_, err := store.PutNode(ctx, PutNodeParams{
			Ref:    Ref{Level: LevelBranch, ID: "main2"},
			Parent: &sibling,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shallower level")
	})
}

func TestPutNodeUpdate(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	project := Ref{Level: LevelProject, ID: "atlas"}
	branch := Ref{Level: LevelBranch, ID: "main"}

	_, err := store.PutNode(ctx, PutNodeParams{Ref: project})
	require.NoError(t, err)
	created, err := store.PutNode(ctx, PutNodeParams{
		Ref:    branch,
		Parent: &project,
		Data:   map[string]any{"k": "v1"},
	})
	require.NoError(t, err)

	t.Run("increments version and replaces data", func(t *testing.T) {
		updated, err := store.PutNode(ctx, PutNodeParams{
			Ref:  branch,
			Data: map[string]any{"k": "v2", "extra": "yes"},
		})
		require.NoError(t, err)

		assert.Equal(t, created.Version+1, updated.Version)
		assert.Equal(t, "v2", updated.Data["k"])
		assert.Equal(t, created.CreatedAtMs, updated.CreatedAtMs)
		assert.GreaterOrEqual(t, updated.UpdatedAtMs, updated.CreatedAtMs)
	})

	t.Run("parent cannot be changed by later writes", func(t *testing.T) {
		other := Ref{Level: LevelProject, ID: "other"}
		_, err := store.PutNode(ctx, PutNodeParams{Ref: other})
		require.NoError(t, err)

		updated, err := store.PutNode(ctx, PutNodeParams{
			Ref:    branch,
			Parent: &other,
			Data:   map[string]any{"k": "v3"},
		})
		require.NoError(t, err)

		require.NotNil(t, updated.Parent)
		assert.Equal(t, project, *updated.Parent, "update must not re-parent the node")

		retrieved, err := store.GetNode(ctx, branch)
		require.NoError(t, err)
		assert.Equal(t, project, *retrieved.Parent)
	})

	t.Run("expected version mismatch conflicts", func(t *testing.T) {
		stale := int64(1)
		_, err := store.PutNode(ctx, PutNodeParams{
			Ref:             branch,
			Data:            map[string]any{"k": "stale"},
			ExpectedVersion: &stale,
		})
		require.Error(t, err)

		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, branch, conflict.Ref)
		assert.Equal(t, int64(1), conflict.Expected)
		assert.Greater(t, conflict.Actual, int64(1))

		// The stale write must not have landed
		current, err := store.GetNode(ctx, branch)
		require.NoError(t, err)
		assert.NotEqual(t, "stale", current.Data["k"])
	})
}

func TestPutNodeConcurrentConditionalWrites(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	ref := Ref{Level: LevelTask, ID: "contended"}
	_, err := store.PutNode(ctx, PutNodeParams{Ref: ref, Data: map[string]any{"owner": "none"}})
	require.NoError(t, err)

	// Both writers read version 1 and race to bump it
	const writers = 2
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			expected := int64(1)
			_, errs[i] = store.PutNode(ctx, PutNodeParams{
				Ref:             ref,
				Data:            map[string]any{"owner": "writer"},
				ExpectedVersion: &expected,
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, IsConflict(err), "loser must see ConflictError, got %v", err)
		}
	}
	assert.Equal(t, 1, winners, "exactly one conditional writer must win")

	final, err := store.GetNode(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), final.Version)
}

func TestGetNode(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("returns NotFoundError for missing node", func(t *testing.T) {
		_, err := store.GetNode(ctx, Ref{Level: LevelTask, ID: "ghost"})
		require.Error(t, err)
		assert.True(t, IsNotFound(err))

		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "node", nf.Kind)
		assert.Equal(t, "task:ghost", nf.Key)
	})

	t.Run("rejects invalid ref", func(t *testing.T) {
		_, err := store.GetNode(ctx, Ref{Level: "workspace", ID: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid ref")
	})
}

// Children index tests
func TestListChildren(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	project := Ref{Level: LevelProject, ID: "atlas"}
	_, err := store.PutNode(ctx, PutNodeParams{Ref: project})
	require.NoError(t, err)

	t.Run("returns children in creation order", func(t *testing.T) {
		for _, id := range []string{"zulu", "alpha", "mike"} {
			_, err := store.PutNode(ctx, PutNodeParams{
				Ref:    Ref{Level: LevelBranch, ID: id},
				Parent: &project,
			})
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
		}

		children, err := store.ListChildren(ctx, project)
		require.NoError(t, err)
		require.Len(t, children, 3)
		assert.Equal(t, "zulu", children[0].ID)
		assert.Equal(t, "alpha", children[1].ID)
		assert.Equal(t, "mike", children[2].ID)
	})

	t.Run("no children yields empty slice", func(t *testing.T) {
		children, err := store.ListChildren(ctx, Ref{Level: LevelBranch, ID: "alpha"})
		require.NoError(t, err)
		assert.Empty(t, children)
	})

	t.Run("children registered under a parent that does not exist yet", func(t *testing.T) {
		missing := Ref{Level: LevelProject, ID: "not-yet"}
		_, err := store.PutNode(ctx, PutNodeParams{
			Ref:    Ref{Level: LevelTask, ID: "early"},
			Parent: &missing,
		})
		require.NoError(t, err)

		children, err := store.ListChildren(ctx, missing)
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, "early", children[0].ID)
	})

	t.Run("dangling index entries are skipped", func(t *testing.T) {
		store.RedisClient().SAdd(ctx, ChildrenKey(store.Tenant(), project), "task:vanished")

		children, err := store.ListChildren(ctx, project)
		require.NoError(t, err)
		for _, child := range children {
			assert.NotEqual(t, "vanished", child.ID)
		}
	})

	t.Run("corrupt index entries fail loudly", func(t *testing.T) {
		bad := Ref{Level: LevelProject, ID: "corrupted"}
		store.RedisClient().SAdd(ctx, ChildrenKey(store.Tenant(), bad), "garbage")

		_, err := store.ListChildren(ctx, bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt children index")
	})
}

func TestNodeVersions(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	present := Ref{Level: LevelProject, ID: "here"}
	_, err := store.PutNode(ctx, PutNodeParams{Ref: present})
	require.NoError(t, err)
	_, err = store.PutNode(ctx, PutNodeParams{Ref: present, Data: map[string]any{"k": "v"}})
	require.NoError(t, err)

	absent := Ref{Level: LevelBranch, ID: "nowhere"}

	versions, err := store.NodeVersions(ctx, []Ref{present, absent})
	require.NoError(t, err)
	assert.Equal(t, int64(2), versions[present.String()])
	assert.Equal(t, int64(0), versions[absent.String()])

	t.Run("empty input yields empty map", func(t *testing.T) {
		versions, err := store.NodeVersions(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, versions)
	})
}

// Delegation storage tests
func TestDelegationStorage(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	newRequest := func(createdAtMs int64) *DelegationRequest {
		return &DelegationRequest{
			ID:          uuid.New().String(),
			Source:      Ref{Level: LevelTask, ID: "t1"},
			Target:      Ref{Level: LevelProject, ID: "atlas"},
			Payload:     map[string]any{"k": "v"},
			Status:      DelegationPending,
			CreatedAtMs: createdAtMs,
		}
	}

	t.Run("enqueue and get round trip", func(t *testing.T) {
		req := newRequest(1000)
		require.NoError(t, store.EnqueueDelegation(ctx, req))

		retrieved, err := store.GetDelegation(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, req, retrieved)
	})

	t.Run("get missing returns NotFoundError", func(t *testing.T) {
		_, err := store.GetDelegation(ctx, "no-such-id")
		require.Error(t, err)

		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "delegation", nf.Kind)
	})

	t.Run("rejects invalid request", func(t *testing.T) {
		req := newRequest(1000)
		req.ID = "not-a-uuid"
		err := store.EnqueueDelegation(ctx, req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid delegation request")
	})
}

func TestListDelegations(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		req := &DelegationRequest{
			ID:          uuid.New().String(),
			Source:      Ref{Level: LevelTask, ID: "t1"},
			Target:      Ref{Level: LevelProject, ID: "atlas"},
			Payload:     map[string]any{"n": float64(i)},
			Status:      DelegationPending,
			CreatedAtMs: int64(1000 + i),
		}
		require.NoError(t, store.EnqueueDelegation(ctx, req))
		ids[i] = req.ID
	}

	t.Run("returns requests in submission order", func(t *testing.T) {
		requests, err := store.ListDelegations(ctx, "")
		require.NoError(t, err)
		require.Len(t, requests, 3)
		for i, req := range requests {
			assert.Equal(t, ids[i], req.ID)
		}
	})

	t.Run("filters by status", func(t *testing.T) {
		_, err := store.UpdateDelegationStatus(ctx, ids[1], DelegationRejected, "not relevant")
		require.NoError(t, err)

		pending, err := store.ListDelegations(ctx, DelegationPending)
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		rejected, err := store.ListDelegations(ctx, DelegationRejected)
		require.NoError(t, err)
		require.Len(t, rejected, 1)
		assert.Equal(t, ids[1], rejected[0].ID)
	})

	t.Run("rejects unknown status filter", func(t *testing.T) {
		_, err := store.ListDelegations(ctx, DelegationStatus("escalated"))
		assert.Error(t, err)
	})
}

func TestUpdateDelegationStatus(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	enqueue := func(t *testing.T) string {
		req := &DelegationRequest{
			ID:          uuid.New().String(),
			Source:      Ref{Level: LevelTask, ID: "t1"},
			Target:      Ref{Level: LevelProject, ID: "atlas"},
			Payload:     map[string]any{"k": "v"},
			Status:      DelegationPending,
			CreatedAtMs: time.Now().UnixMilli(),
		}
		require.NoError(t, store.EnqueueDelegation(ctx, req))
		return req.ID
	}

	t.Run("pending to applied", func(t *testing.T) {
		id := enqueue(t)
		updated, err := store.UpdateDelegationStatus(ctx, id, DelegationApplied, "")
		require.NoError(t, err)
		assert.Equal(t, DelegationApplied, updated.Status)
		assert.Greater(t, updated.ResolvedAtMs, int64(0))
	})

	t.Run("pending to rejected records note", func(t *testing.T) {
		id := enqueue(t)
		updated, err := store.UpdateDelegationStatus(ctx, id, DelegationRejected, "superseded")
		require.NoError(t, err)
		assert.Equal(t, DelegationRejected, updated.Status)
		assert.Equal(t, "superseded", updated.Note)
	})

	t.Run("terminal requests cannot transition again", func(t *testing.T) {
		id := enqueue(t)
		_, err := store.UpdateDelegationStatus(ctx, id, DelegationApplied, "")
		require.NoError(t, err)

		_, err = store.UpdateDelegationStatus(ctx, id, DelegationRejected, "")
		require.Error(t, err)
		assert.True(t, IsInvalidState(err))

		var state *InvalidStateError
		require.ErrorAs(t, err, &state)
		assert.Equal(t, DelegationApplied, state.Status)
		assert.Equal(t, DelegationRejected, state.Attempted)
	})

	t.Run("rejects non-terminal target status", func(t *testing.T) {
		id := enqueue(t)
		_, err := store.UpdateDelegationStatus(ctx, id, DelegationPending, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be applied or rejected")
	})

	t.Run("missing request returns NotFoundError", func(t *testing.T) {
		_, err := store.UpdateDelegationStatus(ctx, "missing-id", DelegationApplied, "")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}

// Event tests
func TestSubscribeNodeEvents(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("receives create and update events", func(t *testing.T) {
		sub, err := store.SubscribeNodeEvents(ctx)
		require.NoError(t, err)
		defer sub.Close()

		ref := Ref{Level: LevelProject, ID: "observed"}
		_, err = store.PutNode(ctx, PutNodeParams{Ref: ref})
		require.NoError(t, err)

		select {
		case event := <-sub.Events():
			assert.Equal(t, ref, event.Ref)
			assert.Equal(t, NodeOpCreate, event.Op)
			assert.Equal(t, int64(1), event.Version)
		case <-time.After(1 * time.Second):
			t.Fatal("timeout waiting for create event")
		}

		_, err = store.PutNode(ctx, PutNodeParams{Ref: ref, Data: map[string]any{"k": "v"}})
		require.NoError(t, err)

		select {
		case event := <-sub.Events():
			assert.Equal(t, NodeOpUpdate, event.Op)
			assert.Equal(t, int64(2), event.Version)
		case <-time.After(1 * time.Second):
			t.Fatal("timeout waiting for update event")
		}
	})

	t.Run("close stops the event stream", func(t *testing.T) {
		sub, err := store.SubscribeNodeEvents(ctx)
		require.NoError(t, err)
		require.NoError(t, sub.Close())

		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok, "events channel should be closed")
		case <-time.After(1 * time.Second):
			t.Fatal("timeout waiting for channel close")
		}
	})
}

