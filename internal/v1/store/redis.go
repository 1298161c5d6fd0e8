package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/logging"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// maxUpdateRetries bounds optimistic-lock retries when concurrent refreshes race on a key.
const maxUpdateRetries = 5

// RedisStore keeps records in Redis so every replica sees the same capabilities.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to.String()))
		},
	}

	slog.Info("Connected to Redis record store", "addr", addr)
	return &RedisStore{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

func (s *RedisStore) Get(ctx context.Context, userID string) (*homeserver.CapabilitiesRecord, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		data, err := s.client.Get(ctx, recordKey(userID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		s.observeFailure(ctx, "get", userID, err)
		return nil, fmt.Errorf("failed to read capabilities record: %w", err)
	}

	data, _ := res.([]byte)
	if data == nil {
		metrics.StoreOperations.WithLabelValues("redis", "get", "miss").Inc()
		return nil, homeserver.ErrRecordNotFound
	}

	var record homeserver.CapabilitiesRecord
	if err := json.Unmarshal(data, &record); err != nil {
		metrics.StoreOperations.WithLabelValues("redis", "get", "error").Inc()
		return nil, fmt.Errorf("failed to decode capabilities record: %w", err)
	}
	metrics.StoreOperations.WithLabelValues("redis", "get", "success").Inc()
	return &record, nil
}

// Update reads, modifies and writes the record inside a WATCH/MULTI transaction, retrying when
// another writer touched the key in between. Subscribers are notified after the commit.
func (s *RedisStore) Update(ctx context.Context, userID string, fn func(*homeserver.CapabilitiesRecord)) (*homeserver.CapabilitiesRecord, error) {
	key := recordKey(userID)

	res, err := s.cb.Execute(func() (interface{}, error) {
		var stored *homeserver.CapabilitiesRecord

		txf := func(tx *redis.Tx) error {
			record := homeserver.NewCapabilitiesRecord(userID)
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				if err := json.Unmarshal(data, record); err != nil {
					return fmt.Errorf("failed to decode capabilities record: %w", err)
				}
			}

			fn(record)
			record.UserID = userID

			payload, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("failed to encode capabilities record: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			if err == nil {
				stored = record
			}
			return err
		}

		for i := 0; i < maxUpdateRetries; i++ {
			err := s.client.Watch(ctx, txf, key)
			if err == nil {
				return stored, nil
			}
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			return nil, err
		}
		return nil, fmt.Errorf("capabilities record for %s changed concurrently %d times", userID, maxUpdateRetries)
	})
	if err != nil {
		s.observeFailure(ctx, "update", userID, err)
		return nil, fmt.Errorf("failed to update capabilities record: %w", err)
	}

	record := res.(*homeserver.CapabilitiesRecord)
	metrics.StoreOperations.WithLabelValues("redis", "update", "success").Inc()
	s.publish(ctx, record)
	return record, nil
}

// publish broadcasts a stored record. A failed publish only delays live updates, so it is
// logged and dropped.
func (s *RedisStore) publish(ctx context.Context, record *homeserver.CapabilitiesRecord) {
	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record update: %w", err)
		}
		return nil, s.client.Publish(ctx, updatesChannel(record.UserID), data).Err()
	})
	if err != nil {
		s.observeFailure(ctx, "publish", record.UserID, err)
		logging.Warn(ctx, "Dropping capabilities update broadcast", zap.Error(err))
		return
	}
	metrics.StoreOperations.WithLabelValues("redis", "publish", "success").Inc()
}

// Subscribe waits for Redis to confirm the subscription, then starts a background goroutine
// forwarding updates published by any replica. Records written after Subscribe returns are
// always delivered.
func (s *RedisStore) Subscribe(ctx context.Context, userID string, wg *sync.WaitGroup, handler func(*homeserver.CapabilitiesRecord)) error {
	channel := updatesChannel(userID)
	pubsub := s.client.Subscribe(ctx, channel)

	_, err := s.cb.Execute(func() (interface{}, error) {
		return pubsub.Receive(ctx)
	})
	if err != nil {
		_ = pubsub.Close()
		s.observeFailure(ctx, "subscribe", userID, err)
		return fmt.Errorf("failed to subscribe to capabilities updates: %w", err)
	}

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		if wg != nil {
			defer wg.Done()
		}

		logging.Debug(ctx, "Subscribed to capabilities channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var record homeserver.CapabilitiesRecord
				if err := json.Unmarshal([]byte(msg.Payload), &record); err != nil {
					logging.Error(ctx, "Failed to unmarshal capabilities update", zap.Error(err))
					continue
				}
				handler(&record)
			}
		}
	}()
	return nil
}

// Ping checks Redis connectivity. Used by readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) observeFailure(ctx context.Context, operation, userID string, err error) {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		metrics.StoreOperations.WithLabelValues("redis", operation, "breaker_open").Inc()
		logging.Warn(ctx, "Redis circuit breaker open", zap.String("operation", operation), zap.String("userId", userID))
		return
	}
	metrics.StoreOperations.WithLabelValues("redis", operation, "error").Inc()
	logging.Error(ctx, "Redis operation failed", zap.String("operation", operation), zap.String("userId", userID), zap.Error(err))
}
