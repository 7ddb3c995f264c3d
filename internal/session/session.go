package session

import (
	"sort"

	"github.com/pkg/errors"

	"atlas/internal/timer"
)

var ErrDuplicateSession = errors.New("session id already exists")

// Session 把一个等待中的分布式回复和原始请求上下文关联起来.
// C 是每种用途自己的上下文结构 (原始请求, 聚合中间结果, 回复通道).
type Session[C any] struct {
	ID      string
	TimerID timer.ID
	Context C
}

// Pending 持有有效定时器的 session 处于等待状态
func (s *Session[C]) Pending() bool {
	return s.TimerID != timer.InvalidID
}

// Registry 一个服务所有存活的 session, 以 session id 为 key.
// 和 timer.Manager 一样只在 dispatch loop 上使用.
type Registry[C any] struct {
	sessions map[string]*Session[C]
}

func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{sessions: make(map[string]*Session[C])}
}

func (r *Registry[C]) Add(s *Session[C]) error {
	if s == nil || s.ID == "" {
		return errors.New("session id is empty")
	}
	if _, ok := r.sessions[s.ID]; ok {
		return errors.Wrap(ErrDuplicateSession, s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Registry[C]) Get(id string) (*Session[C], bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Remove 幂等; 返回被删除的 session, 第二次调用返回 ok=false.
// 完成和超时两条路径都先 Remove, 只有拿到 ok=true 的一方继续处理.
func (r *Registry[C]) Remove(id string) (*Session[C], bool) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return s, true
}

func (r *Registry[C]) Len() int {
	return len(r.sessions)
}

func (r *Registry[C]) IDs() []string {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
