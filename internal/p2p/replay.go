package p2p

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

var (
	ErrReplayed  = errors.New("nonce already seen")
	ErrExpired   = errors.New("envelope outside replay window")
	ErrSaturated = errors.New("nonce cache saturated")
)

// NonceCache 有界的 nonce 缓存. 超出时间窗口的消息直接拒绝.
// 最老的条目还在窗口内时不淘汰它, 而是拒绝新的 nonce, 否则被挤出去的 nonce 可以重放.
type NonceCache struct {
	seen   *lru.Cache
	size   int
	window time.Duration
}

func NewNonceCache(size int, window time.Duration) (*NonceCache, error) {
	if window <= 0 {
		return nil, errors.Errorf("invalid replay window %v", window)
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "create nonce cache")
	}
	return &NonceCache{seen: c, size: size, window: window}, nil
}

// Check 接受则记录 nonce; 重复, 过期或者缓存已满返回错误
func (c *NonceCache) Check(nonce string, signedAt, now time.Time) error {
	if now.Sub(signedAt) > c.window || signedAt.Sub(now) > c.window {
		return ErrExpired
	}
	// Peek 不调整顺序, 链表保持按首次出现的时间排列
	if first, ok := c.seen.Peek(nonce); ok && now.Sub(first.(time.Time)) <= c.window {
		return ErrReplayed
	}
	if c.saturated(now) {
		return ErrSaturated
	}
	c.seen.Add(nonce, now)
	return nil
}

// Remember 本节点自己发出的 nonce, 回环时直接丢弃. 缓存满时不记, 回环靠 origin 判断.
func (c *NonceCache) Remember(nonce string, now time.Time) {
	if c.saturated(now) {
		return
	}
	c.seen.Add(nonce, now)
}

// saturated 缓存已满并且最老的条目仍在窗口内
func (c *NonceCache) saturated(now time.Time) bool {
	if c.seen.Len() < c.size {
		return false
	}
	_, first, ok := c.seen.GetOldest()
	return ok && now.Sub(first.(time.Time)) <= c.window
}

func (c *NonceCache) Len() int {
	return c.seen.Len()
}
