package service

import (
	"context"
	"time"

	"atlas/internal/p2p"
)

// HandlerFunc 处理一种网络消息
type HandlerFunc func(ctx context.Context, env *p2p.Envelope)

// TopicHandler 处理一个本地 topic 上的事件
type TopicHandler func(ctx context.Context, event interface{})

// TimerSpec 模块使用的一类定时器.
// Period > 0 时 Register 会自动加一个无限重复的定时器;
// Period == 0 只注册回调, 定时器由模块自己通过 Loop.Timers() 添加 (比如 session 超时).
type TimerSpec struct {
	Name    string
	Period  time.Duration
	Handler func(ctx context.Context, key string)
}

// Module 一个服务模块的能力集合, 注册进 Loop 后由 Loop 统一分发
type Module interface {
	Name() string
	Timers() []TimerSpec
	Handlers() map[string]HandlerFunc
	Subscriptions() map[string]TopicHandler
}
