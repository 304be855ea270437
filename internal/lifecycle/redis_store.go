package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	notificationKeyPrefix = "notification:"
	templateKeyPrefix     = "template:"
)

// RedisStore persists records as one JSON value per key. Compare-and-set
// updates run inside a WATCH transaction so concurrent status transitions
// never lose an attempt count increment.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a store over the supplied client.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis store: client is required")
	}
	return &RedisStore{client: client}, nil
}

func notificationKey(id string) string { return notificationKeyPrefix + id }
func templateKey(code string) string   { return templateKeyPrefix + code }

func (s *RedisStore) Create(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("redis store: marshal notification: %w", err)
	}
	return s.client.Set(ctx, notificationKey(n.ID), data, 0).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Notification, error) {
	data, err := s.client.Get(ctx, notificationKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var n Notification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, fmt.Errorf("redis store: unmarshal notification %s: %w", id, err)
	}
	return &n, nil
}

func (s *RedisStore) Update(ctx context.Context, n *Notification, prevStatus Status, prevAttempts int) error {
	key := notificationKey(n.ID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		var stored Notification
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			return fmt.Errorf("redis store: unmarshal notification %s: %w", n.ID, err)
		}
		if stored.Status != prevStatus || stored.AttemptCount != prevAttempts {
			return ErrConflict
		}

		payload, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("redis store: marshal notification: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// The watched key changed under us; same outcome as a CAS mismatch.
		return ErrConflict
	}
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]*Notification, error) {
	var (
		cursor uint64
		out    []*Notification
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, notificationKeyPrefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redis store: scan notifications: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, err
			}
			var n Notification
			if err := json.Unmarshal([]byte(data), &n); err != nil {
				continue
			}
			out = append(out, &n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, notificationKey(id)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) SaveTemplate(ctx context.Context, t *Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis store: marshal template: %w", err)
	}
	field := fmt.Sprintf("v%d", t.Version)
	return s.client.HSet(ctx, templateKey(t.Code), field, data).Err()
}

func (s *RedisStore) Templates(ctx context.Context, code string) ([]*Template, error) {
	fields, err := s.client.HGetAll(ctx, templateKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: load templates %s: %w", code, err)
	}
	out := make([]*Template, 0, len(fields))
	for _, data := range fields {
		var t Template
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}
