package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "megaservice:execution:"
	indexKey  = "megaservice:executions"
)

// ExecutionStore implements ports.ExecutionStore using Redis. Records
// expire after ttl; a sorted set indexes them by start time for listing.
type ExecutionStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewExecutionStore creates a new Redis execution store. A ttl <= 0 keeps
// records until they are deleted by hand.
func NewExecutionStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ExecutionStore {
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Save persists a record with TTL and indexes it
func (s *ExecutionStore) Save(ctx context.Context, record *domain.ExecutionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal execution record: %w", err)
	}

	score := float64(record.StartedAt.UnixNano())

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, getRecordKey(record.ExecutionID), data, s.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: score, Member: record.ExecutionID})
	if s.ttl > 0 {
		// Index entries older than the TTL point at expired records
		cutoff := time.Now().Add(-s.ttl).UnixNano()
		pipe.ZRemRangeByScore(ctx, indexKey, "-inf", strconv.FormatInt(cutoff, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save execution record: %w", err)
	}

	s.logger.Debug("execution record saved",
		zap.String("execution_id", record.ExecutionID),
		zap.String("request_id", record.RequestID),
		zap.String("outcome", record.Outcome))

	return nil
}

// Get retrieves a record by execution ID
func (s *ExecutionStore) Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	data, err := s.client.Get(ctx, getRecordKey(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}

	var record domain.ExecutionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution record: %w", err)
	}

	return &record, nil
}

// List returns up to limit records, newest first. Expired records are skipped.
func (s *ExecutionStore) List(ctx context.Context, limit int) ([]*domain.ExecutionRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, indexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.ExecutionRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = getRecordKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}

	records := make([]*domain.ExecutionRecord, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}

		var record domain.ExecutionRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			s.logger.Warn("skipping unreadable execution record",
				zap.String("execution_id", ids[i]),
				zap.Error(err))
			continue
		}
		records = append(records, &record)
	}

	return records, nil
}

// getRecordKey returns the Redis key for an execution record
func getRecordKey(executionID string) string {
	return keyPrefix + executionID
}
