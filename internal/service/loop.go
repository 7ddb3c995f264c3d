package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"atlas/internal/metrics"
	"atlas/internal/p2p"
	"atlas/internal/timer"
)

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrQueueFull        = errors.New("dispatch queue is full")
	ErrStopped          = errors.New("dispatch loop stopped")
)

type event struct {
	topic   string
	payload interface{}
}

// Loop 单线程的分发循环. 定时器扫描, 网络消息和本地事件都在 Run 的 goroutine 上串行执行,
// 所以各模块内部 (session registry, 调度器状态) 不需要额外加锁.
type Loop struct {
	tick   time.Duration
	timers *timer.Manager
	logger *zap.Logger

	modules       []Module
	handlers      map[string]HandlerFunc
	topics        map[string]TopicHandler
	timerHandlers map[string]func(ctx context.Context, key string)

	inbound chan *p2p.Envelope
	events  chan event
	done    chan struct{}

	// 当前分发中的 ctx, 给定时器回调用
	ctx context.Context
}

func NewLoop(tick, minTimerPeriod time.Duration, queueSize int, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		tick:          tick,
		logger:        logger,
		handlers:      make(map[string]HandlerFunc),
		topics:        make(map[string]TopicHandler),
		timerHandlers: make(map[string]func(ctx context.Context, key string)),
		inbound:       make(chan *p2p.Envelope, queueSize),
		events:        make(chan event, queueSize),
		done:          make(chan struct{}),
		ctx:           context.Background(),
	}
	l.timers = timer.NewManager(minTimerPeriod, l.onTimer, logger.Named("timer"))
	return l
}

// Timers 模块用来添加/删除自己的定时器, 只能在 loop 的 goroutine 上调用
func (l *Loop) Timers() *timer.Manager {
	return l.timers
}

// Register 在 Run 之前调用
func (l *Loop) Register(m Module) error {
	for msgType := range m.Handlers() {
		if _, ok := l.handlers[msgType]; ok {
			return errors.Wrapf(ErrDuplicateHandler, "message %s (module %s)", msgType, m.Name())
		}
	}
	for topic := range m.Subscriptions() {
		if _, ok := l.topics[topic]; ok {
			return errors.Wrapf(ErrDuplicateHandler, "topic %s (module %s)", topic, m.Name())
		}
	}
	for _, spec := range m.Timers() {
		if _, ok := l.timerHandlers[spec.Name]; ok {
			return errors.Wrapf(ErrDuplicateHandler, "timer %s (module %s)", spec.Name, m.Name())
		}
	}

	for msgType, h := range m.Handlers() {
		l.handlers[msgType] = h
	}
	for topic, h := range m.Subscriptions() {
		l.topics[topic] = h
	}
	for _, spec := range m.Timers() {
		l.timerHandlers[spec.Name] = spec.Handler
		if spec.Period > 0 {
			if id := l.timers.AddTimer(spec.Name, spec.Period, timer.Unbounded, ""); id == timer.InvalidID {
				return errors.Errorf("module %s: invalid period %v for timer %s", m.Name(), spec.Period, spec.Name)
			}
		}
	}
	l.modules = append(l.modules, m)
	l.logger.Info("module registered", zap.String("module", m.Name()))
	return nil
}

// Deliver 由 transport 的 goroutine 调用, 队列满时丢弃
func (l *Loop) Deliver(env *p2p.Envelope) {
	select {
	case l.inbound <- env:
	default:
		metrics.EnvelopesDroppedTotal.WithLabelValues("queue_full").Inc()
		l.logger.Warn("inbound queue full, dropping envelope", zap.String("type", env.Header.Type))
	}
}

// Publish 从其他 goroutine 向 loop 投递本地事件
func (l *Loop) Publish(topic string, payload interface{}) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.events <- event{topic: topic, payload: payload}:
		return nil
	case <-l.done:
		return ErrStopped
	default:
		return ErrQueueFull
	}
}

// Run 阻塞直到 ctx 结束
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	defer close(l.done)

	l.logger.Info("dispatch loop started", zap.Duration("tick", l.tick))
	for {
		select {
		case now := <-ticker.C:
			l.ProcessTimers(ctx, now)
		case env := <-l.inbound:
			l.Dispatch(ctx, env)
		case ev := <-l.events:
			l.Emit(ctx, ev.topic, ev.payload)
		case <-ctx.Done():
			l.logger.Info("dispatch loop stopped")
			return
		}
	}
}

// ProcessTimers 同步执行一次定时器扫描
func (l *Loop) ProcessTimers(ctx context.Context, now time.Time) {
	l.ctx = ctx
	l.timers.Process(now)
	metrics.LiveTimers.Set(float64(l.timers.Len()))
}

// Dispatch 同步处理一条网络消息
func (l *Loop) Dispatch(ctx context.Context, env *p2p.Envelope) {
	h, ok := l.handlers[env.Header.Type]
	if !ok {
		metrics.EnvelopesDroppedTotal.WithLabelValues("no_handler").Inc()
		l.logger.Debug("no handler for message", zap.String("type", env.Header.Type))
		return
	}
	metrics.EnvelopesReceivedTotal.WithLabelValues(env.Header.Type).Inc()
	h(ctx, env)
}

// Emit 同步处理一个本地事件
func (l *Loop) Emit(ctx context.Context, topic string, payload interface{}) {
	h, ok := l.topics[topic]
	if !ok {
		l.logger.Warn("no subscriber for topic", zap.String("topic", topic))
		return
	}
	h(ctx, payload)
}

func (l *Loop) onTimer(name, key string) {
	h, ok := l.timerHandlers[name]
	if !ok {
		l.logger.Warn("timer fired without handler", zap.String("timer", name))
		return
	}
	h(l.ctx, key)
}
