package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/contexttree"
)

// syncBuffer lets the streaming goroutine write while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setupWatchStore(t *testing.T) *contexttree.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)

	store, err := contexttree.NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test-tenant")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStreamEvents(t *testing.T) {
	store := setupWatchStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- StreamEvents(ctx, store, OutputFormatDefault, &out)
	}()

	// Wait until the stream's subscription is registered before writing
	channel := contexttree.NodeEventsChannel("test-tenant")
	require.Eventually(t, func() bool {
		counts, err := store.RedisClient().PubSubNumSub(context.Background(), channel).Result()
		return err == nil && counts[channel] > 0
	}, 2*time.Second, 10*time.Millisecond)

	global := contexttree.Ref{Level: contexttree.LevelGlobal, ID: "root"}
	_, err := store.PutNode(context.Background(), contexttree.PutNodeParams{Ref: global, Data: map[string]any{"timezone": "UTC"}})
	require.NoError(t, err)
	_, err = store.PutNode(context.Background(), contexttree.PutNodeParams{Ref: global, Data: map[string]any{"timezone": "CET"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		output := out.String()
		return strings.Contains(output, "Context created") && strings.Contains(output, "Context updated")
	}, 2*time.Second, 10*time.Millisecond)

	output := out.String()
	assert.Contains(t, output, "Watching context events for tenant 'test-tenant'")
	assert.Contains(t, output, "ref=global:root version=1")
	assert.Contains(t, output, "ref=global:root version=2")

	// Cancellation is the normal way to stop watching
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StreamEvents did not return after cancellation")
	}
}

func TestStreamEventsRejectsUnknownFormat(t *testing.T) {
	store := setupWatchStore(t)

	var buf bytes.Buffer
	err := StreamEvents(context.Background(), store, OutputFormat("xml"), &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestFormatters(t *testing.T) {
	event := &contexttree.NodeEvent{
		Ref:     contexttree.Ref{Level: contexttree.LevelTask, ID: "t1"},
		Version: 3,
		Op:      contexttree.NodeOpUpdate,
		AtMs:    time.Date(2026, 8, 25, 14, 30, 0, 0, time.Local).UnixMilli(),
	}

	t.Run("defaultFormatter renders update lines", func(t *testing.T) {
		var buf bytes.Buffer
		f := &defaultFormatter{writer: &buf}

		require.NoError(t, f.FormatNode(event))

		output := buf.String()
		assert.Contains(t, output, "14:30:00")
		assert.Contains(t, output, "Context updated")
		assert.Contains(t, output, "ref=task:t1")
		assert.Contains(t, output, "version=3")
	})

	t.Run("defaultFormatter renders create lines", func(t *testing.T) {
		var buf bytes.Buffer
		f := &defaultFormatter{writer: &buf}

		created := *event
		created.Op = contexttree.NodeOpCreate
		created.Version = 1
		require.NoError(t, f.FormatNode(&created))

		output := buf.String()
		assert.Contains(t, output, "Context created")
		assert.Contains(t, output, "version=1")
	})

	t.Run("jsonFormatter emits one object per line", func(t *testing.T) {
		var buf bytes.Buffer
		f := &jsonFormatter{writer: &buf}

		require.NoError(t, f.FormatNode(event))

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, "node_updated", decoded["event"])
		assert.Equal(t, "task:t1", decoded["ref"])
		assert.Equal(t, float64(3), decoded["version"])
	})
}

func TestPollForDecision(t *testing.T) {
	ctx := context.Background()

	enqueue := func(t *testing.T, store *contexttree.RedisStore) string {
		t.Helper()
		req := &contexttree.DelegationRequest{
			ID:          uuid.New().String(),
			Source:      contexttree.Ref{Level: contexttree.LevelTask, ID: "t1"},
			Target:      contexttree.Ref{Level: contexttree.LevelProject, ID: "atlas"},
			Payload:     map[string]any{"key": "value"},
			Status:      contexttree.DelegationPending,
			CreatedAtMs: time.Now().UnixMilli(),
		}
		require.NoError(t, store.EnqueueDelegation(ctx, req))
		return req.ID
	}

	t.Run("returns decision when found after delay", func(t *testing.T) {
		store := setupWatchStore(t)
		id := enqueue(t, store)

		go func() {
			time.Sleep(300 * time.Millisecond)
			store.UpdateDelegationStatus(ctx, id, contexttree.DelegationRejected, "not wanted")
		}()

		req, err := PollForDecision(ctx, store, id, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, contexttree.DelegationRejected, req.Status)
		assert.Equal(t, "not wanted", req.Note)
	})

	t.Run("times out while request stays pending", func(t *testing.T) {
		store := setupWatchStore(t)
		id := enqueue(t, store)

		_, err := PollForDecision(ctx, store, id, 500*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout waiting for delegation decision")
	})

	t.Run("reports missing requests", func(t *testing.T) {
		store := setupWatchStore(t)

		_, err := PollForDecision(ctx, store, uuid.New().String(), time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to query delegation")
	})
}
