package store

import (
	"context"
	"strings"
)

// prefixKV 在另一个 KV 上再隔离一层 key 空间, 多个节点共用一个集群时每个节点的任务表互不可见
type prefixKV struct {
	kv     KV
	prefix string
}

// WithPrefix 返回的 KV 不拥有底层连接, Close 是空操作
func WithPrefix(kv KV, prefix string) KV {
	return &prefixKV{kv: kv, prefix: prefix}
}

func (p *prefixKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.kv.Get(ctx, p.prefix+key)
}

func (p *prefixKV) Put(ctx context.Context, key string, value []byte) error {
	return p.kv.Put(ctx, p.prefix+key, value)
}

func (p *prefixKV) Delete(ctx context.Context, key string) error {
	return p.kv.Delete(ctx, p.prefix+key)
}

func (p *prefixKV) Iterate(ctx context.Context, prefix string) ([]KeyValue, error) {
	kvs, err := p.kv.Iterate(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i := range kvs {
		kvs[i].Key = strings.TrimPrefix(kvs[i].Key, p.prefix)
	}
	return kvs, nil
}

func (p *prefixKV) Close() error {
	return nil
}
