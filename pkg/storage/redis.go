package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRedisTimeout = 3 * time.Second

// RedisStorage shares keys through a redis server. Every write is paired with
// a change envelope published on the namespace's channel in the same
// transaction.
type RedisStorage struct {
	rdb     *redis.Client
	channel string
	origin  string
	timeout time.Duration
	logger  *zap.Logger

	pubsub   *redis.PubSub
	notifier *notifier
}

// NewRedisStorage connects from a URL such as redis://:pass@host:6379/0 and
// subscribes to "<namespace>:changes".
func NewRedisStorage(
	ctx context.Context,
	redisURL string,
	namespace string,
	opts ...Option,
) (*RedisStorage, error) {
	o := buildOptions(opts)

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %v", ErrStorage, err)
	}
	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: couldn't reach redis: %v", ErrStorage, err)
	}

	s := &RedisStorage{
		rdb:      rdb,
		channel:  namespace + ":changes",
		origin:   o.origin,
		timeout:  DefaultRedisTimeout,
		logger:   o.logger,
		notifier: newNotifier(),
	}

	s.pubsub = rdb.Subscribe(ctx, s.channel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: couldn't subscribe to '%s': %v", ErrStorage, s.channel, err)
	}
	go s.listen(s.pubsub.Channel())

	return s, nil
}

func (s *RedisStorage) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *RedisStorage) Get(key string) (string, bool, error) {
	ctx, cancel := s.context()
	defer cancel()

	value, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, storageErr("read", key, err)
	}
	return value, true, nil
}

func (s *RedisStorage) Set(key string, value string) error {
	ctx, cancel := s.context()
	defer cancel()

	msg, err := s.envelope(key, value, true)
	if err != nil {
		return storageErr("encode", key, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, value, 0)
	pipe.Publish(ctx, s.channel, msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("write", key, err)
	}
	return nil
}

// CompareAndSwap watches key so a write from any other client between the
// read and the transaction aborts the swap.
func (s *RedisStorage) CompareAndSwap(key string, old string, value string) (bool, error) {
	ctx, cancel := s.context()
	defer cancel()

	msg, err := s.envelope(key, value, true)
	if err != nil {
		return false, storageErr("encode", key, err)
	}

	swapped := false
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		} else if err != nil {
			return err
		}
		if current != old {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, 0)
			pipe.Publish(ctx, s.channel, msg)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	} else if err != nil {
		return false, storageErr("write", key, err)
	}
	return swapped, nil
}

func (s *RedisStorage) Delete(key string) error {
	_, ok, err := s.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	ctx, cancel := s.context()
	defer cancel()

	msg, err := s.envelope(key, "", false)
	if err != nil {
		return storageErr("encode", key, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Publish(ctx, s.channel, msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("delete", key, err)
	}
	return nil
}

func (s *RedisStorage) envelope(key string, value string, present bool) (string, error) {
	data, err := json.Marshal(envelope{
		Origin:  s.origin,
		Key:     key,
		Value:   value,
		Present: present,
		Version: time.Now().UnixNano(),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *RedisStorage) listen(messages <-chan *redis.Message) {
	for msg := range messages {
		env, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			s.logger.Warn("dropping change message", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if env.Origin == s.origin {
			continue
		}
		s.notifier.push(env.change())
	}
}

func (s *RedisStorage) Subscribe(fn func(Change)) func() {
	return s.notifier.subscribe(fn)
}

func (s *RedisStorage) Close() error {
	s.notifier.close()
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	return s.rdb.Close()
}
