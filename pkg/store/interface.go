package store

import (
	"context"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("store is closed")

// KeyValue Iterate 返回的一条记录
type KeyValue struct {
	Key   string
	Value []byte
}

// KV 是节点对持久化存储的全部需求
// 任何实现了这个接口的 Struct (EtcdManager, MemoryKV) 都可以注入到 TaskStore 中
type KV interface {
	// Get 不存在时返回 ok=false, err=nil
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	Put(ctx context.Context, key string, value []byte) error

	// Delete 删除不存在的 key 不报错
	Delete(ctx context.Context, key string) error

	// Iterate 返回 prefix 下的所有记录, 按 key 排序
	Iterate(ctx context.Context, prefix string) ([]KeyValue, error)

	Close() error
}
