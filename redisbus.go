package jobflow

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

// NewRedisPool creates a Redis connection pool using the provided server
// address, password and database.
func NewRedisPool(server, password string, database int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			c, err := redis.Dial(
				"tcp",
				server,
				redis.DialDatabase(database),
				redis.DialPassword(password),
				redis.DialConnectTimeout(5*time.Second),
				redis.DialKeepAlive(10*time.Second),
				// Read/Write timeouts not set here because messages may arrive
				// only rarely on the pub/sub channels.
			)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// RedisBus is a MessageBus over Redis pub/sub, so that waiters on every node
// of the cluster hear about job state changes.
type RedisBus struct {
	pool   *redis.Pool
	prefix string
	logger log.Logger
}

var _ MessageBus = (*RedisBus)(nil)

// NewRedisBus publishes on channels named prefix+topic.
func NewRedisBus(pool *redis.Pool, prefix string, logger log.Logger) *RedisBus {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RedisBus{pool: pool, prefix: prefix, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, jobID uint64) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "get redis connection")
	}
	defer conn.Close()

	channel := b.prefix + topic
	if _, err := conn.Do("PUBLISH", channel, strconv.FormatUint(jobID, 10)); err != nil {
		return errors.Wrap(err, "PUBLISH failed to channel "+channel)
	}
	return nil
}

func (b *RedisBus) Subscribe(topics []string, fn func(topic string, jobID uint64)) (func(), error) {
	channels := make([]interface{}, 0, len(topics))
	for _, t := range topics {
		channels = append(channels, b.prefix+t)
	}

	conn := b.pool.Get()
	psc := &redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(channels...); err != nil {
		// Explicit conn.Close() here because we can't defer it until in the goroutine
		_ = conn.Close()
		return nil, errors.Wrapf(err, "subscribe to channels %v", topics)
	}

	go b.receiveMessages(psc, fn)

	var once sync.Once
	return func() {
		// Unsubscribe here, but do not Close. This allows receiveMessages to
		// finish with the final receive and non-concurrently call the Close.
		once.Do(func() { _ = psc.Unsubscribe() })
	}, nil
}

// receiveMessages forwards messages from the Pub/Sub connection to fn until
// every channel was unsubscribed or the connection fails.
func (b *RedisBus) receiveMessages(psc *redis.PubSubConn, fn func(topic string, jobID uint64)) {
	// Receive and Close must not be called concurrently.
	defer psc.Close()

	for {
		switch msg := psc.ReceiveWithTimeout(time.Hour).(type) {
		case error:
			if !isClosedConnError(msg) {
				level.Debug(b.logger).Log("msg", "redis bus receive", "err", msg)
			}
			return
		case redis.Subscription:
			if msg.Count == 0 {
				return
			}
		case redis.Message:
			jobID, err := strconv.ParseUint(string(msg.Data), 10, 64)
			if err != nil {
				level.Error(b.logger).Log("msg", "malformed bus message", "channel", msg.Channel, "err", err)
				continue
			}
			fn(strings.TrimPrefix(msg.Channel, b.prefix), jobID)
		}
	}
}

func isClosedConnError(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
