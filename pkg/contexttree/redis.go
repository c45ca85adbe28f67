package contexttree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// maxTxAttempts bounds optimistic transaction retries when a concurrent
// writer invalidates a WATCH. Unconditional writes re-read and retry up
// to this many times; conditional writes fail fast with ConflictError.
const maxTxAttempts = 10

// RedisStore provides tenant-scoped Redis persistence for the context tree.
// All keys and channels are automatically namespaced with the tenant name.
// The store is thread-safe and can be used concurrently from multiple goroutines.
type RedisStore struct {
	rdb    *redis.Client
	tenant string
}

// NewRedisStore creates a Redis-backed store for the specified tenant.
// The store automatically namespaces all keys and channels with the tenant name.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - tenant: tenant identifier (DNS-style name, see ValidateTenant)
//
// Returns an error if the tenant name is invalid.
func NewRedisStore(redisOpts *redis.Options, tenant string) (*RedisStore, error) {
	if err := ValidateTenant(tenant); err != nil {
		return nil, err
	}

	return &RedisStore{
		rdb:    redis.NewClient(redisOpts),
		tenant: tenant,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the store should not be used.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return wrapUnavailable("ping", err)
	}
	return nil
}

// Tenant returns the tenant name this store is scoped to.
func (s *RedisStore) Tenant() string {
	return s.tenant
}

// RedisClient exposes the underlying Redis client for read-only tooling
// such as SCAN-based listings. Writes must go through the store methods
// so versioning, indexing and event publication stay consistent.
func (s *RedisStore) RedisClient() *redis.Client {
	return s.rdb
}

// GetNode retrieves a context node by ref.
// Returns NotFoundError if no node exists at ref.
func (s *RedisStore) GetNode(ctx context.Context, ref Ref) (*ContextNode, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ref: %w", err)
	}

	key := NodeKey(s.tenant, ref)
	hash, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapUnavailable("get node", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hash) == 0 {
		return nil, &NotFoundError{Kind: "node", Key: ref.String()}
	}

	node, err := HashToNode(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize node %s: %w", ref, err)
	}

	return node, nil
}

// PutNode creates or replaces a node atomically and returns the stored result.
//
// The write runs as a WATCH/MULTI/EXEC transaction on the node key: the
// current version is read, checked against ExpectedVersion when given, and
// the new hash is written together with the children index update (create
// only) and the change event publication. A concurrent writer invalidates
// the transaction; conditional writes then return ConflictError while
// unconditional writes re-read and retry, so last-writer-wins holds.
//
// The parent is fixed by the creating write. Later writes never touch the
// parent fields, so a node can never be re-parented.
func (s *RedisStore) PutNode(ctx context.Context, params PutNodeParams) (*ContextNode, error) {
	if err := params.Ref.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ref: %w", err)
	}
	if params.Parent != nil {
		if err := params.Parent.Validate(); err != nil {
			return nil, fmt.Errorf("invalid parent ref: %w", err)
		}
		if params.Parent.Level.Depth() >= params.Ref.Level.Depth() {
			return nil, fmt.Errorf("parent %s must be at a shallower level than %s", params.Parent, params.Ref)
		}
	}

	data := params.Data
	if data == nil {
		data = map[string]any{}
	}

	key := NodeKey(s.tenant, params.Ref)
	var saved *ContextNode

	txn := func(tx *redis.Tx) error {
		hash, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		var next *ContextNode
		op := NodeOpUpdate

		if len(hash) == 0 {
			// Creating: version starts at 1
			if params.ExpectedVersion != nil && *params.ExpectedVersion != 0 {
				return &ConflictError{Ref: params.Ref, Expected: *params.ExpectedVersion, Actual: 0}
			}
			op = NodeOpCreate
			next = &ContextNode{
				Level:       params.Ref.Level,
				ID:          params.Ref.ID,
				Parent:      params.Parent,
				Data:        data,
				Version:     1,
				CreatedAtMs: now,
				UpdatedAtMs: now,
			}
		} else {
			current, err := HashToNode(hash)
			if err != nil {
				return fmt.Errorf("failed to deserialize node %s: %w", params.Ref, err)
			}
			if params.ExpectedVersion != nil && *params.ExpectedVersion != current.Version {
				return &ConflictError{Ref: params.Ref, Expected: *params.ExpectedVersion, Actual: current.Version}
			}
			// Replacing: parent and creation time carry over untouched
			next = &ContextNode{
				Level:       current.Level,
				ID:          current.ID,
				Parent:      current.Parent,
				Data:        data,
				Version:     current.Version + 1,
				CreatedAtMs: current.CreatedAtMs,
				UpdatedAtMs: now,
			}
		}

		nodeHash, err := NodeToHash(next)
		if err != nil {
			return err
		}

		eventJSON, err := json.Marshal(&NodeEvent{
			Ref:     next.Ref(),
			Version: next.Version,
			Op:      op,
			AtMs:    now,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal node event: %w", err)
		}

		// The hash write, the children index update and the event publish
		// land in one MULTI, so subscribers never see an event for a write
		// that did not happen.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, nodeHash)
			if op == NodeOpCreate && next.Parent != nil {
				pipe.SAdd(ctx, ChildrenKey(s.tenant, *next.Parent), next.Ref().String())
			}
			pipe.Publish(ctx, NodeEventsChannel(s.tenant), eventJSON)
			return nil
		})
		if err != nil {
			return err
		}

		saved = next
		return nil
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return saved, nil
		case errors.Is(err, redis.TxFailedErr):
			if params.ExpectedVersion != nil {
				// Someone wrote between our read and EXEC: the caller's
				// expectation no longer holds.
				return nil, &ConflictError{Ref: params.Ref, Expected: *params.ExpectedVersion, Actual: -1}
			}
			continue
		case IsConflict(err):
			return nil, err
		default:
			return nil, wrapUnavailable("put node", err)
		}
	}

	return nil, &ConflictError{Ref: params.Ref, Expected: -1, Actual: -1}
}

// ListChildren returns the direct children of ref, ordered by creation time.
// The children index tolerates dangling entries: refs whose node cannot be
// read back are skipped.
func (s *RedisStore) ListChildren(ctx context.Context, ref Ref) ([]*ContextNode, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ref: %w", err)
	}

	members, err := s.rdb.SMembers(ctx, ChildrenKey(s.tenant, ref)).Result()
	if err != nil {
		return nil, wrapUnavailable("list children", err)
	}

	nodes := make([]*ContextNode, len(members))
	g, gctx := errgroup.WithContext(ctx)
	for i, member := range members {
		i, member := i, member
		g.Go(func() error {
			childRef, err := ParseRef(member)
			if err != nil {
				return fmt.Errorf("corrupt children index entry %q: %w", member, err)
			}
			node, err := s.GetNode(gctx, childRef)
			if IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			nodes[i] = node
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	children := make([]*ContextNode, 0, len(nodes))
	for _, node := range nodes {
		if node != nil {
			children = append(children, node)
		}
	}

	sort.Slice(children, func(i, j int) bool {
		if children[i].CreatedAtMs != children[j].CreatedAtMs {
			return children[i].CreatedAtMs < children[j].CreatedAtMs
		}
		return children[i].ID < children[j].ID
	})

	return children, nil
}

// NodeVersions returns the current version of each ref in a single
// pipelined round trip. Absent nodes report version 0.
func (s *RedisStore) NodeVersions(ctx context.Context, refs []Ref) (map[string]int64, error) {
	versions := make(map[string]int64, len(refs))
	if len(refs) == 0 {
		return versions, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(refs))
	for i, ref := range refs {
		cmds[i] = pipe.HGet(ctx, NodeKey(s.tenant, ref), "version")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapUnavailable("node versions", err)
	}

	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			versions[refs[i].String()] = 0
			continue
		}
		if err != nil {
			return nil, wrapUnavailable("node versions", err)
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid version field on %s: %w", refs[i], err)
		}
		versions[refs[i].String()] = v
	}

	return versions, nil
}

// EnqueueDelegation persists a delegation request and adds it to the
// tenant's submission-ordered queue. Both writes happen in one MULTI, and
// re-enqueueing the same request is idempotent.
func (s *RedisStore) EnqueueDelegation(ctx context.Context, req *DelegationRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid delegation request: %w", err)
	}

	hash, err := DelegationToHash(req)
	if err != nil {
		return fmt.Errorf("failed to serialize delegation request: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, DelegationKey(s.tenant, req.ID), hash)
		pipe.ZAdd(ctx, DelegationQueueKey(s.tenant), redis.Z{
			Score:  float64(req.CreatedAtMs),
			Member: req.ID,
		})
		return nil
	})
	if err != nil {
		return wrapUnavailable("enqueue delegation", err)
	}

	return nil
}

// GetDelegation retrieves a delegation request by ID.
// Returns NotFoundError if no request exists with that ID.
func (s *RedisStore) GetDelegation(ctx context.Context, id string) (*DelegationRequest, error) {
	hash, err := s.rdb.HGetAll(ctx, DelegationKey(s.tenant, id)).Result()
	if err != nil {
		return nil, wrapUnavailable("get delegation", err)
	}
	if len(hash) == 0 {
		return nil, &NotFoundError{Kind: "delegation", Key: id}
	}

	req, err := HashToDelegation(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize delegation %s: %w", id, err)
	}

	return req, nil
}

// ListDelegations returns delegation requests in submission order. An empty
// status returns everything; otherwise only requests currently in that status.
func (s *RedisStore) ListDelegations(ctx context.Context, status DelegationStatus) ([]*DelegationRequest, error) {
	if status != "" {
		if err := status.Validate(); err != nil {
			return nil, err
		}
	}

	ids, err := s.rdb.ZRange(ctx, DelegationQueueKey(s.tenant), 0, -1).Result()
	if err != nil {
		return nil, wrapUnavailable("list delegations", err)
	}
	if len(ids) == 0 {
		return []*DelegationRequest{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, DelegationKey(s.tenant, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapUnavailable("list delegations", err)
	}

	requests := make([]*DelegationRequest, 0, len(ids))
	for i, cmd := range cmds {
		hash, err := cmd.Result()
		if err != nil || len(hash) == 0 {
			// Dangling queue entry; skip
			continue
		}
		req, err := HashToDelegation(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize delegation %s: %w", ids[i], err)
		}
		if status != "" && req.Status != status {
			continue
		}
		requests = append(requests, req)
	}

	return requests, nil
}

// ScanDelegationIDs returns the IDs of all delegation requests whose ID
// starts with prefix. Used by the CLI to expand short ID prefixes.
func (s *RedisStore) ScanDelegationIDs(ctx context.Context, prefix string) ([]string, error) {
	pattern := DelegationKeyPattern(s.tenant, prefix)
	keyPrefix := strings.TrimSuffix(DelegationKeyPattern(s.tenant, ""), "*")

	var ids []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, wrapUnavailable("scan delegations", err)
		}
		for _, key := range keys {
			ids = append(ids, key[len(keyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return ids, nil
}

// UpdateDelegationStatus moves a pending request to a terminal status.
//
// The transition runs as a WATCH transaction so concurrent deciders
// serialize: exactly one caller wins, the rest observe the terminal state
// and receive InvalidStateError.
func (s *RedisStore) UpdateDelegationStatus(ctx context.Context, id string, to DelegationStatus, note string) (*DelegationRequest, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("invalid target status %q: must be applied or rejected", to)
	}

	key := DelegationKey(s.tenant, id)
	var updated *DelegationRequest

	txn := func(tx *redis.Tx) error {
		hash, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(hash) == 0 {
			return &NotFoundError{Kind: "delegation", Key: id}
		}

		req, err := HashToDelegation(hash)
		if err != nil {
			return fmt.Errorf("failed to deserialize delegation %s: %w", id, err)
		}
		if req.Status != DelegationPending {
			return &InvalidStateError{DelegationID: id, Status: req.Status, Attempted: to}
		}

		req.Status = to
		req.Note = note
		req.ResolvedAtMs = time.Now().UnixMilli()

		reqHash, err := DelegationToHash(req)
		if err != nil {
			return fmt.Errorf("failed to serialize delegation request: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, reqHash)
			return nil
		})
		if err != nil {
			return err
		}

		updated = req
		return nil
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			// A concurrent decider raced us; re-read. If they won, the next
			// pass returns InvalidStateError.
			continue
		case IsNotFound(err) || IsInvalidState(err):
			return nil, err
		default:
			return nil, wrapUnavailable("update delegation status", err)
		}
	}

	return nil, wrapUnavailable("update delegation status", fmt.Errorf("transaction retries exhausted"))
}

// SubscribeNodeEvents subscribes to node change events for this tenant.
// Returns a Subscription that delivers NodeEvent values.
// Caller must call subscription.Close() when done.
// Context cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 10) to prevent blocking.
// If the subscriber is too slow, events may be dropped by Redis Pub/Sub
// (at-most-once delivery).
func (s *RedisStore) SubscribeNodeEvents(ctx context.Context) (*Subscription, error) {
	channel := NodeEventsChannel(s.tenant)
	pubsub := s.rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *NodeEvent, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event NodeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					// Send error on error channel, skip message
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal node event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// wrapUnavailable classifies a store failure. Typed domain errors, context
// cancellation and go-redis sentinels pass through untouched; anything else
// is treated as a transport failure and wrapped in StoreUnavailableError so
// callers can retry with backoff.
func wrapUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsConflict(err) || IsInvalidState(err) || IsStoreUnavailable(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}
