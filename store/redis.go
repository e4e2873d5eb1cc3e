package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/eventflow/workflow"
)

// RedisStore is an ExecutionStore backed by Redis. Each execution is a JSON
// string key; each workflow keeps a sorted set of its execution ids scored by
// start time.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	max    int
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix for every key the store writes.
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

// WithTTL expires execution keys after d. Zero keeps them forever.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// WithMaxPerWorkflow caps the executions indexed per workflow.
func WithMaxPerWorkflow(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.max = n
		}
	}
}

// NewRedisStore creates a store on client.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "eventflow:",
		max:    DefaultMaxPerWorkflow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) executionKey(id string) string {
	return s.prefix + "execution:" + id
}

func (s *RedisStore) workflowKey(workflowID string) string {
	return s.prefix + "workflow:" + workflowID + ":executions"
}

// Save writes the snapshot and indexes it under its workflow in one
// transaction, trimming the index to the newest executions.
func (s *RedisStore) Save(ctx context.Context, exec *workflow.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", exec.ID, err)
	}

	idx := s.workflowKey(exec.WorkflowID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.executionKey(exec.ID), data, s.ttl)
	pipe.ZAdd(ctx, idx, redis.Z{Score: float64(exec.StartTime.UnixNano()), Member: exec.ID})
	pipe.ZRemRangeByRank(ctx, idx, 0, int64(-s.max-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	data, err := s.client.Get(ctx, s.executionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	var exec workflow.WorkflowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListByWorkflow skips indexed executions whose keys have expired.
func (s *RedisStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*workflow.WorkflowExecution, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.workflowKey(workflowID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions for %s: %w", workflowID, err)
	}
	if len(ids) == 0 {
		return []*workflow.WorkflowExecution{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.executionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load executions for %s: %w", workflowID, err)
	}
	out := make([]*workflow.WorkflowExecution, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var exec workflow.WorkflowExecution
		if err := json.Unmarshal([]byte(raw), &exec); err != nil {
			return nil, fmt.Errorf("decode execution %s: %w", ids[i], err)
		}
		out = append(out, &exec)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
