package timer

import "time"

// ID 定时器句柄, 0 保留为无效值
type ID uint64

const InvalidID ID = 0

// Unbounded 作为 repeat 时表示永不自动销毁
const Unbounded int64 = -1

// Timer 创建后只由所属的 Manager 在 Process 中修改
type Timer struct {
	id     ID
	name   string
	period time.Duration
	repeat int64
	next   time.Time
	key    string
}

func (t *Timer) ID() ID { return t.id }
func (t *Timer) Name() string { return t.name }
func (t *Timer) Period() time.Duration { return t.period }
func (t *Timer) Repeat() int64 { return t.repeat }
func (t *Timer) NextFirePoint() time.Time { return t.next }
func (t *Timer) Key() string { return t.key }
