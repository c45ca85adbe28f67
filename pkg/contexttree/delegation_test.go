package contexttree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookStore lets a test interleave a write between a queue's read and its
// conditional put, the way a concurrent editor would.
type hookStore struct {
	Store
	beforePut func()
}

func (h *hookStore) PutNode(ctx context.Context, params PutNodeParams) (*ContextNode, error) {
	if h.beforePut != nil {
		h.beforePut()
	}
	return h.Store.PutNode(ctx, params)
}

func TestDelegationSubmit(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	global, project, branch, task := buildChain(t, store, nil)
	queue := NewDelegationQueue(store)

	t.Run("to the direct parent", func(t *testing.T) {
		req, err := queue.Submit(ctx, task, branch, map[string]any{"k": "v"}, "test")
		require.NoError(t, err)

		assert.Equal(t, DelegationPending, req.Status)
		assert.Equal(t, task, req.Source)
		assert.Equal(t, branch, req.Target)
		assert.True(t, isValidUUID(req.ID))
		assert.Greater(t, req.CreatedAtMs, int64(0))
		assert.Zero(t, req.ResolvedAtMs)

		stored, err := store.GetDelegation(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, req, stored)
	})

	t.Run("to any strict ancestor", func(t *testing.T) {
		_, err := queue.Submit(ctx, task, project, map[string]any{"k": "v"}, "")
		assert.NoError(t, err, "grandparent is a valid target")
		_, err = queue.Submit(ctx, task, global, map[string]any{"k": "v"}, "")
		assert.NoError(t, err, "chain root is a valid target")
	})

	t.Run("rejects targets off the parent chain", func(t *testing.T) {
		other := Ref{Level: LevelProject, ID: "other"}
		_, err := store.PutNode(ctx, PutNodeParams{Ref: other, Parent: &global})
		require.NoError(t, err)

		_, err = queue.Submit(ctx, task, other, map[string]any{"k": "v"}, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not an ancestor")
	})

	t.Run("rejects descendants and self", func(t *testing.T) {
		_, err := queue.Submit(ctx, branch, task, map[string]any{"k": "v"}, "")
		require.Error(t, err, "delegation only flows upward")

		_, err = queue.Submit(ctx, task, task, map[string]any{"k": "v"}, "")
		require.Error(t, err, "a node is not its own ancestor")
	})

	t.Run("source must exist", func(t *testing.T) {
		_, err := queue.Submit(ctx, Ref{Level: LevelTask, ID: "ghost"}, project, nil, "")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}

func TestDelegationSubmitAcrossMissingAncestor(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	queue := NewDelegationQueue(store)

	global := Ref{Level: LevelGlobal, ID: "root"}
	project := Ref{Level: LevelProject, ID: "not-created"}
	branch := Ref{Level: LevelBranch, ID: "main"}

	_, err := store.PutNode(ctx, PutNodeParams{Ref: global})
	require.NoError(t, err)
	_, err = store.PutNode(ctx, PutNodeParams{Ref: branch, Parent: &project})
	require.NoError(t, err)

	t.Run("the referenced-but-absent parent is still a target", func(t *testing.T) {
		_, err := queue.Submit(ctx, branch, project, map[string]any{"k": "v"}, "")
		assert.NoError(t, err, "the parent ref belongs to the chain even before the node is created")
	})

	t.Run("nothing past the gap is reachable", func(t *testing.T) {
		_, err := queue.Submit(ctx, branch, global, map[string]any{"k": "v"}, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not an ancestor")
	})
}

func TestDelegationApply(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	_, project, _, task := buildChain(t, store, map[Ref]map[string]any{
		{Level: LevelProject, ID: "atlas"}: {"timezone": "PST", "team": "infra"},
	})
	queue := NewDelegationQueue(store)

	req, err := queue.Submit(ctx, task, project, map[string]any{"team": "core", "api_quirk": "retry-on-503"}, "learned downstream")
	require.NoError(t, err)

	applied, node, err := queue.Apply(ctx, req.ID)
	require.NoError(t, err)

	t.Run("payload merges over the target's data", func(t *testing.T) {
		assert.Equal(t, "core", node.Data["team"], "payload keys win")
		assert.Equal(t, "retry-on-503", node.Data["api_quirk"])
		assert.Equal(t, "PST", node.Data["timezone"], "untouched keys survive")
		assert.Equal(t, int64(2), node.Version)

		stored, err := store.GetNode(ctx, project)
		require.NoError(t, err)
		assert.Equal(t, node, stored)
	})

	t.Run("the request is terminal", func(t *testing.T) {
		assert.Equal(t, DelegationApplied, applied.Status)
		assert.Greater(t, applied.ResolvedAtMs, int64(0))

		_, _, err := queue.Apply(ctx, req.ID)
		require.Error(t, err)
		assert.True(t, IsInvalidState(err))
	})
}

func TestDelegationApplyConflict(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	_, project, _, task := buildChain(t, store, map[Ref]map[string]any{
		{Level: LevelProject, ID: "atlas"}: {"team": "infra"},
	})

	req, err := NewDelegationQueue(store).Submit(ctx, task, project, map[string]any{"team": "core"}, "")
	require.NoError(t, err)

	// Interleave an edit between Apply's read of the target and its
	// conditional write.
	hooked := &hookStore{Store: store, beforePut: func() {
		_, err := store.PutNode(ctx, PutNodeParams{
			Ref:  project,
			Data: map[string]any{"team": "racing"},
		})
		require.NoError(t, err)
	}}

	_, _, err = NewDelegationQueue(hooked).Apply(ctx, req.ID)
	require.Error(t, err)
	assert.True(t, IsConflict(err), "a concurrent edit must surface as a conflict, got %v", err)

	t.Run("the request stays pending for a retry", func(t *testing.T) {
		stored, err := store.GetDelegation(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, DelegationPending, stored.Status)
	})

	t.Run("retrying against the settled store succeeds", func(t *testing.T) {
		_, node, err := NewDelegationQueue(store).Apply(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, "core", node.Data["team"], "the retry merges over the racing edit")
	})
}

func TestDelegationApplyMissingTarget(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	queue := NewDelegationQueue(store)

	project := Ref{Level: LevelProject, ID: "not-created"}
	branch := Ref{Level: LevelBranch, ID: "main"}
	_, err := store.PutNode(ctx, PutNodeParams{Ref: branch, Parent: &project})
	require.NoError(t, err)

	req, err := queue.Submit(ctx, branch, project, map[string]any{"k": "v"}, "")
	require.NoError(t, err)

	_, _, err = queue.Apply(ctx, req.ID)
	require.Error(t, err)
	assert.True(t, IsNotFound(err), "applying onto an uncreated target cannot work")

	stored, err := store.GetDelegation(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, DelegationPending, stored.Status, "the request is still decidable once the target exists")
}

func TestDelegationReject(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	_, project, _, task := buildChain(t, store, map[Ref]map[string]any{
		{Level: LevelProject, ID: "atlas"}: {"team": "infra"},
	})
	queue := NewDelegationQueue(store)

	req, err := queue.Submit(ctx, task, project, map[string]any{"team": "core"}, "")
	require.NoError(t, err)

	rejected, err := queue.Reject(ctx, req.ID, "policy owned by platform team")
	require.NoError(t, err)
	assert.Equal(t, DelegationRejected, rejected.Status)
	assert.Equal(t, "policy owned by platform team", rejected.Note)
	assert.Greater(t, rejected.ResolvedAtMs, int64(0))

	t.Run("the target is untouched", func(t *testing.T) {
		node, err := store.GetNode(ctx, project)
		require.NoError(t, err)
		assert.Equal(t, int64(1), node.Version)
		assert.Equal(t, "infra", node.Data["team"])
	})

	t.Run("rejected requests cannot be applied", func(t *testing.T) {
		_, _, err := queue.Apply(ctx, req.ID)
		require.Error(t, err)
		assert.True(t, IsInvalidState(err))

		var state *InvalidStateError
		require.ErrorAs(t, err, &state)
		assert.Equal(t, DelegationRejected, state.Status)
		assert.Equal(t, DelegationApplied, state.Attempted)
	})
}
