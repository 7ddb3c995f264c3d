package timer

import (
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"
)

// Callback 每次到期调用一次, 参数为定时器名字和关联 key
type Callback func(name, key string)

// Manager 管理一个子系统的所有定时器.
//
// Manager 不是并发安全的: 它属于 service.Loop, 所有调用都在同一个 goroutine 上.
type Manager struct {
	timers    *orderedmap.OrderedMap[ID, *Timer]
	lastID    ID
	minPeriod time.Duration
	callback  Callback
	clock     func() time.Time
	logger    *zap.Logger
}

func NewManager(minPeriod time.Duration, callback Callback, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		timers:    orderedmap.NewOrderedMap[ID, *Timer](),
		minPeriod: minPeriod,
		callback:  callback,
		clock:     time.Now,
		logger:    logger,
	}
}

// SetClock 替换时钟, 测试中用来模拟时间
func (m *Manager) SetClock(clock func() time.Time) {
	m.clock = clock
}

// AddTimer period 小于最小周期或 repeat 为 0 时返回 InvalidID
func (m *Manager) AddTimer(name string, period time.Duration, repeat int64, key string) ID {
	if period < m.minPeriod || period <= 0 {
		m.logger.Warn("timer period below minimum",
			zap.String("timer", name),
			zap.Duration("period", period),
			zap.Duration("min_period", m.minPeriod))
		return InvalidID
	}
	if repeat == 0 || repeat < Unbounded {
		m.logger.Warn("invalid timer repeat count", zap.String("timer", name), zap.Int64("repeat", repeat))
		return InvalidID
	}

	m.lastID++
	t := &Timer{
		id:     m.lastID,
		name:   name,
		period: period,
		repeat: repeat,
		next:   m.clock().Add(period),
		key:    key,
	}
	m.timers.Set(t.id, t)
	return t.id
}

// RemoveTimer 幂等, 未知 id 直接忽略
func (m *Manager) RemoveTimer(id ID) {
	m.timers.Delete(id)
}

func (m *Manager) Get(id ID) (*Timer, bool) {
	return m.timers.Get(id)
}

func (m *Manager) Len() int {
	return m.timers.Len()
}

// Process 扫描一遍所有定时器, 每个到期的定时器只触发一次 (即使 now 跳跃很大也只补一次).
// 回调里可以安全地增删定时器: 本轮新增的不会在本轮触发, 本轮被删除的不会再触发.
func (m *Manager) Process(now time.Time) {
	due := make([]*Timer, 0)
	for el := m.timers.Front(); el != nil; el = el.Next() {
		if !el.Value.next.After(now) {
			due = append(due, el.Value)
		}
	}

	expired := make([]ID, 0)
	for _, t := range due {
		// 被前面的回调删掉了
		if _, ok := m.timers.Get(t.id); !ok {
			continue
		}

		if t.repeat != Unbounded {
			t.repeat--
		}
		if t.repeat == 0 {
			expired = append(expired, t.id)
		} else {
			t.next = now.Add(t.period)
		}

		if m.callback != nil {
			m.callback(t.name, t.key)
		}
	}

	// 一轮扫描结束后统一删除
	for _, id := range expired {
		m.timers.Delete(id)
	}
}
