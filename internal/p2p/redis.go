package p2p

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// pingInterval 断线以后多久 ping 一次 redis
const pingInterval = 3 * time.Second

// RedisTransport 用 redis pub/sub 作为广播网络.
// 所有节点订阅同一组 channel, 请求和回复分开两个 channel.
// 连接状态跟着最近一次观察走: 发布失败置为断开, 发布成功, 收到消息或者 ping 通都恢复.
type RedisTransport struct {
	rdb       *redis.Client
	broadcast string
	response  string
	connected atomic.Bool
	closed    atomic.Bool
	ping      func(ctx context.Context) error
	ready     chan struct{}
	readyOnce sync.Once
	logger    *zap.Logger
}

func NewRedisTransport(ctx context.Context, addr, password string, db int, prefix string, logger *zap.Logger) (*RedisTransport, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "connect redis %s", addr)
	}
	t := newRedisTransport(rdb, prefix, logger)
	t.connected.Store(true)
	return t, nil
}

func newRedisTransport(rdb *redis.Client, prefix string, logger *zap.Logger) *RedisTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &RedisTransport{
		rdb:       rdb,
		broadcast: prefix + "broadcast",
		response:  prefix + "response",
		ready:     make(chan struct{}),
		logger:    logger,
	}
	t.ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	return t
}

func (t *RedisTransport) Broadcast(ctx context.Context, env *Envelope) error {
	return t.publish(ctx, t.broadcast, env)
}

func (t *RedisTransport) SendResponse(ctx context.Context, env *Envelope) error {
	return t.publish(ctx, t.response, env)
}

// publish 断开状态下也会尝试, 成功即视为恢复
func (t *RedisTransport) publish(ctx context.Context, channel string, env *Envelope) error {
	if t.closed.Load() {
		return ErrNotConnected
	}
	data, err := env.Encode()
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	if err := t.rdb.Publish(ctx, channel, data).Err(); err != nil {
		if t.connected.Swap(false) {
			t.logger.Warn("redis connection lost", zap.Error(err))
		}
		return errors.Wrapf(err, "publish %s", env.Header.Type)
	}
	t.markUp()
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, handler Handler) error {
	pubsub := t.rdb.Subscribe(ctx, t.broadcast, t.response)
	defer pubsub.Close()

	// 等待订阅确认
	if _, err := pubsub.Receive(ctx); err != nil {
		t.connected.Store(false)
		return errors.Wrap(err, "subscribe")
	}
	t.markUp()
	t.readyOnce.Do(func() { close(t.ready) })

	// go-redis 自动重连, 重新订阅时会再送来 *redis.Subscription
	ch := pubsub.ChannelWithSubscriptions()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.connected.Store(false)
				return nil
			}
			t.receive(msg, handler)
		case <-ticker.C:
			t.heal(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *RedisTransport) receive(msg interface{}, handler Handler) {
	t.markUp()
	switch m := msg.(type) {
	case *redis.Subscription:
		t.logger.Debug("redis subscription", zap.String("kind", m.Kind), zap.String("channel", m.Channel))
	case *redis.Message:
		env, err := Decode([]byte(m.Payload))
		if err != nil {
			t.logger.Debug("dropping undecodable message", zap.String("channel", m.Channel), zap.Error(err))
			return
		}
		handler(env)
	}
}

// heal 断开时 ping 一次, 通了就恢复
func (t *RedisTransport) heal(ctx context.Context) {
	if t.closed.Load() || t.connected.Load() {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, pingInterval)
	defer cancel()
	if err := t.ping(pctx); err != nil {
		t.logger.Debug("redis still unreachable", zap.Error(err))
		return
	}
	t.markUp()
}

func (t *RedisTransport) markUp() {
	if t.closed.Load() {
		return
	}
	if !t.connected.Swap(true) {
		t.logger.Info("redis connection restored")
	}
}

// Subscribed 第一次订阅确认后关闭, 只发请求的客户端要等它再发, 否则会漏掉回复
func (t *RedisTransport) Subscribed() <-chan struct{} {
	return t.ready
}

func (t *RedisTransport) Connected() bool {
	return !t.closed.Load() && t.connected.Load()
}

func (t *RedisTransport) Close() error {
	t.closed.Store(true)
	t.connected.Store(false)
	return t.rdb.Close()
}
