package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type EtcdManager struct {
	client *clientv3.Client
	// root 所有 key 的前缀, 多个节点共用一个 etcd 集群时按节点隔离
	root string
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, root string) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdManager{client: cli, root: root}, nil
}

func (e *EtcdManager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := e.client.Get(ctx, e.root+key)
	if err != nil {
		return nil, false, errors.Wrapf(err, "etcd get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (e *EtcdManager) Put(ctx context.Context, key string, value []byte) error {
	if _, err := e.client.Put(ctx, e.root+key, string(value)); err != nil {
		return errors.Wrapf(err, "etcd put %s", key)
	}
	return nil
}

func (e *EtcdManager) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, e.root+key); err != nil {
		return errors.Wrapf(err, "etcd delete %s", key)
	}
	return nil
}

func (e *EtcdManager) Iterate(ctx context.Context, prefix string) ([]KeyValue, error) {
	resp, err := e.client.Get(ctx, e.root+prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, errors.Wrapf(err, "etcd iterate %s", prefix)
	}

	kvs := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KeyValue{
			Key:   string(kv.Key)[len(e.root):],
			Value: kv.Value,
		})
	}
	return kvs, nil
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}
