package p2p

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrNotConnected = errors.New("no active outbound connection")

// Handler 在收到消息时被调用, 实现不能阻塞太久
type Handler func(env *Envelope)

// Transport 广播网络的边界. 编解码和连接管理都在实现里.
type Transport interface {
	Broadcast(ctx context.Context, env *Envelope) error
	SendResponse(ctx context.Context, env *Envelope) error
	// Subscribe 阻塞直到 ctx 结束或连接关闭
	Subscribe(ctx context.Context, handler Handler) error
	Connected() bool
	Close() error
}

// Hub 进程内的广播网络, 测试和单机调试用
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*HubTransport
	// links 为空表示全连通; 否则只有存在 link 的 peer 之间能收到消息
	links map[string]map[string]bool
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*HubTransport)}
}

// Join 新建一个 peer 端点
func (h *Hub) Join(name string) *HubTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &HubTransport{hub: h, name: name, connected: true}
	h.peers[name] = t
	return t
}

// Link 限制拓扑, 调用后只有显式 link 的 peer 互通
func (h *Hub) Link(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.links == nil {
		h.links = make(map[string]map[string]bool)
	}
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if h.links[pair[0]] == nil {
			h.links[pair[0]] = make(map[string]bool)
		}
		h.links[pair[0]][pair[1]] = true
	}
}

func (h *Hub) deliver(from string, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*HubTransport, 0, len(h.peers))
	for name, peer := range h.peers {
		if name == from {
			continue
		}
		if h.links != nil && !h.links[from][name] {
			continue
		}
		targets = append(targets, peer)
	}
	h.mu.RUnlock()

	for _, peer := range targets {
		// 每个接收方拿到独立解码的副本
		copyEnv, err := Decode(data)
		if err != nil {
			return err
		}
		peer.receive(copyEnv)
	}
	return nil
}

type HubTransport struct {
	hub  *Hub
	name string

	mu        sync.Mutex
	connected bool
	handler   Handler
	sent      int
}

func (t *HubTransport) Broadcast(_ context.Context, env *Envelope) error {
	if !t.Connected() {
		return ErrNotConnected
	}
	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
	return t.hub.deliver(t.name, env)
}

func (t *HubTransport) SendResponse(ctx context.Context, env *Envelope) error {
	return t.Broadcast(ctx, env)
}

// Subscribe 注册 handler 后立刻返回; 消息在发送方的 goroutine 上同步投递
func (t *HubTransport) Subscribe(_ context.Context, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

func (t *HubTransport) receive(env *Envelope) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (t *HubTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetConnected 模拟断网
func (t *HubTransport) SetConnected(c bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = c
}

// Sent 已经发出的消息数
func (t *HubTransport) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

func (t *HubTransport) Close() error {
	t.SetConnected(false)
	t.hub.mu.Lock()
	delete(t.hub.peers, t.name)
	t.hub.mu.Unlock()
	return nil
}
