package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore is a Redis-backed Store. Each workflow is one JSON document,
// with sorted sets indexing workflows by status and creation time.
//
// Step transitions are read-modify-write under an in-process mutex: a single
// engine instance owns each running workflow, so the mutex is the only writer
// coordination required.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger

	mu sync.Mutex
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "stepflow:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: prefix + "workflow:",
		logger:    logger.With(zap.String("component", "redis_store")),
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "stepflow:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "workflow:",
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) workflowKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisStore) statusKey(status types.WorkflowStatus) string {
	return s.keyPrefix + "status:" + string(status)
}

func (s *RedisStore) allKey() string {
	return s.keyPrefix + "all"
}

// CreateWorkflow persists the workflow document and its index entries.
func (s *RedisStore) CreateWorkflow(ctx context.Context, w *types.Workflow) error {
	if w == nil || w.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.client.SetNX(ctx, s.workflowKey(w.ID), mustMarshal(w), 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}

	score := float64(w.CreatedAt.UnixNano())
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.statusKey(w.Status), redis.Z{Score: score, Member: w.ID})
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: w.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetWorkflow retrieves the workflow document.
func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	data, err := s.client.Get(ctx, s.workflowKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w types.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkflows scans the appropriate index and filters in memory.
func (s *RedisStore) ListWorkflows(ctx context.Context, f Filter) ([]*types.Workflow, error) {
	var ids []string
	var err error
	if len(f.Status) == 1 {
		ids, err = s.client.ZRevRange(ctx, s.statusKey(f.Status[0]), 0, -1).Result()
	} else {
		ids, err = s.client.ZRevRange(ctx, s.allKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*types.Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkflow(ctx, id)
		if err != nil {
			continue
		}
		if f.Matches(w) {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return page(result, f.Offset, f.Limit), nil
}

// UpdateWorkflowStatus rewrites the document and moves it between status
// indexes.
func (s *RedisStore) UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	oldStatus := w.Status
	applyWorkflowStatus(w, status, time.Now())

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.workflowKey(id), mustMarshal(w), 0)
	if oldStatus != status {
		pipe.ZRem(ctx, s.statusKey(oldStatus), id)
		pipe.ZAdd(ctx, s.statusKey(status), redis.Z{
			Score:  float64(w.CreatedAt.UnixNano()),
			Member: id,
		})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// TransitionStep applies one step transition via read-modify-write.
func (s *RedisStore) TransitionStep(ctx context.Context, workflowID, stepID string,
	to types.StepStatus, result json.RawMessage, errMsg string) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	step := w.Step(stepID)
	if step == nil {
		return ErrNotFound
	}
	if err := applyStepTransition(step, to, result, errMsg, time.Now()); err != nil {
		return err
	}
	return s.client.Set(ctx, s.workflowKey(workflowID), mustMarshal(w), 0).Err()
}

// IncrementStepAttempts bumps the attempt counter via read-modify-write.
func (s *RedisStore) IncrementStepAttempts(ctx context.Context, workflowID, stepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	step := w.Step(stepID)
	if step == nil {
		return 0, ErrNotFound
	}
	step.Attempts++
	if err := s.client.Set(ctx, s.workflowKey(workflowID), mustMarshal(w), 0).Err(); err != nil {
		return 0, err
	}
	return step.Attempts, nil
}

// ListReadySteps returns all Ready steps of the workflow in declaration order.
func (s *RedisStore) ListReadySteps(ctx context.Context, workflowID string) ([]*types.Step, error) {
	w, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var ready []*types.Step
	for _, step := range w.Steps {
		if step.Status == types.StepReady {
			ready = append(ready, step)
		}
	}
	return ready, nil
}

// Stats aggregates counts from the indexes and documents.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	stats := newStats()

	total, err := s.client.ZCard(ctx, s.allKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.TotalWorkflows = total

	for _, status := range []types.WorkflowStatus{
		types.WorkflowCreated,
		types.WorkflowRunning,
		types.WorkflowCompleted,
		types.WorkflowFailed,
		types.WorkflowCancelled,
	} {
		count, err := s.client.ZCard(ctx, s.statusKey(status)).Result()
		if err != nil {
			continue
		}
		if count > 0 {
			stats.WorkflowStatuses[status] = count
		}
		if status == types.WorkflowRunning {
			stats.ActiveWorkflows = count
		}
	}

	// Step counts need the documents themselves.
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		w, err := s.GetWorkflow(ctx, id)
		if err != nil {
			continue
		}
		for _, step := range w.Steps {
			stats.StepStatuses[step.Status]++
		}
	}
	return stats, nil
}

func mustMarshal(w *types.Workflow) []byte {
	data, err := json.Marshal(w)
	if err != nil {
		// Workflow contains only JSON-encodable fields; this cannot fail.
		panic(err)
	}
	return data
}
