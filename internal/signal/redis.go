package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultLogSize = 64
	defaultLogTTL  = 10 * time.Minute
	logKeyPrefix   = "vesper:log:"
)

// RedisOptions configures a RedisTransport.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// LogSize caps the per-channel replay list read by Recent.
	LogSize int64
	// LogTTL expires an idle replay list.
	LogTTL time.Duration
}

// RedisTransport broadcasts over Redis pub/sub. Every publish is also pushed
// onto a short per-channel list so Recent can replay what a subscriber may
// have missed.
type RedisTransport struct {
	client  *redis.Client
	logSize int64
	logTTL  time.Duration
}

// NewRedisTransport connects to Redis and verifies the connection.
func NewRedisTransport(ctx context.Context, opts RedisOptions) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: connect to redis %s: %v", ErrTransport, opts.Addr, err)
	}
	t := &RedisTransport{client: client, logSize: opts.LogSize, logTTL: opts.LogTTL}
	if t.logSize <= 0 {
		t.logSize = defaultLogSize
	}
	if t.logTTL <= 0 {
		t.logTTL = defaultLogTTL
	}
	log.Infof("redis transport connected to %s", opts.Addr)
	return t, nil
}

func logKey(channel string) string { return logKeyPrefix + channel }

// Publish sends data to subscribers of channel and appends it to the replay
// list in one transaction.
func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	key := logKey(channel)
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, channel, data)
		p.RPush(ctx, key, data)
		p.LTrim(ctx, key, -t.logSize, -1)
		p.Expire(ctx, key, t.logTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: redis publish %s: %v", ErrTransport, channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and waits for Redis to confirm it.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: redis subscribe %s: %v", ErrTransport, channel, err)
	}
	s := &redisSub{ps: ps, out: make(chan []byte, 256), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

// Recent returns the replay list of channel, oldest first.
func (t *RedisTransport) Recent(ctx context.Context, channel string) ([][]byte, error) {
	vals, err := t.client.LRange(ctx, logKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis lrange %s: %v", ErrTransport, channel, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Close closes the Redis client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			default:
				log.Warnf("redis: subscriber buffer full on %s, dropping message", msg.Channel)
			}
		}
	}
}

func (s *redisSub) Messages() <-chan []byte { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
