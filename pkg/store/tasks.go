package store

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"atlas/pkg/model"
)

// 定义 Key 的前缀 (Schema Design)
const (
	TaskKeyPrefix    = "/tasks/"
	HistoryKeyPrefix = "/history/"
	LogKeyPrefix     = "/logs/"
	NodeKeyPrefix    = "/nodes/"
)

// HistoryRecord 删除后的任务最后一次记录
type HistoryRecord struct {
	Task      *model.Task `json:"task"`
	RemovedAt time.Time   `json:"removed_at"`
	Reason    string      `json:"reason"`
}

// TaskStore 在 KV 之上维护任务表, 历史记录, 日志和节点信息
type TaskStore struct {
	kv KV
}

func NewTaskStore(kv KV) *TaskStore {
	return &TaskStore{kv: kv}
}

// ---------------------------------------------------------
// Task
// ---------------------------------------------------------

func (s *TaskStore) SaveTask(ctx context.Context, task *model.Task) error {
	return s.putValue(ctx, TaskKeyPrefix+task.ID, task)
}

func (s *TaskStore) GetTask(ctx context.Context, id string) (*model.Task, bool, error) {
	raw, ok, err := s.kv.Get(ctx, TaskKeyPrefix+id)
	if err != nil || !ok {
		return nil, ok, err
	}
	var task model.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, false, errors.Wrapf(err, "decode task %s", id)
	}
	return &task, true, nil
}

// LoadTasks 读出所有任务, 无法解析的记录会被跳过并通过 bad 返回
func (s *TaskStore) LoadTasks(ctx context.Context) (tasks []*model.Task, bad []string, err error) {
	kvs, err := s.kv.Iterate(ctx, TaskKeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	for _, kv := range kvs {
		var task model.Task
		if err := json.Unmarshal(kv.Value, &task); err != nil || task.ID == "" {
			bad = append(bad, strings.TrimPrefix(kv.Key, TaskKeyPrefix))
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, bad, nil
}

// ArchiveTask 把任务从活动表移到历史表
func (s *TaskStore) ArchiveTask(ctx context.Context, task *model.Task, reason string, now time.Time) error {
	rec := HistoryRecord{Task: task, RemovedAt: now, Reason: reason}
	if err := s.putValue(ctx, HistoryKeyPrefix+task.ID, rec); err != nil {
		return err
	}
	return s.kv.Delete(ctx, TaskKeyPrefix+task.ID)
}

func (s *TaskStore) GetHistory(ctx context.Context, id string) (*HistoryRecord, bool, error) {
	raw, ok, err := s.kv.Get(ctx, HistoryKeyPrefix+id)
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec HistoryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, errors.Wrapf(err, "decode history %s", id)
	}
	return &rec, true, nil
}

// PruneHistory 删除 before 之前的历史记录和日志, 返回删除数量
func (s *TaskStore) PruneHistory(ctx context.Context, before time.Time) (int, error) {
	kvs, err := s.kv.Iterate(ctx, HistoryKeyPrefix)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, kv := range kvs {
		var rec HistoryRecord
		if err := json.Unmarshal(kv.Value, &rec); err == nil && rec.RemovedAt.After(before) {
			continue
		}
		id := strings.TrimPrefix(kv.Key, HistoryKeyPrefix)
		if err := s.kv.Delete(ctx, kv.Key); err != nil {
			return pruned, err
		}
		if err := s.kv.Delete(ctx, LogKeyPrefix+id); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// ---------------------------------------------------------
// Log
// ---------------------------------------------------------

func (s *TaskStore) SaveTaskLog(ctx context.Context, taskID string, logs string) error {
	data := map[string]string{
		"task_id": taskID,
		"content": logs,
	}
	return s.putValue(ctx, LogKeyPrefix+taskID, data)
}

func (s *TaskStore) GetTaskLog(ctx context.Context, taskID string) (string, error) {
	raw, ok, err := s.kv.Get(ctx, LogKeyPrefix+taskID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.Errorf("log not found for task %s", taskID)
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", errors.Wrapf(err, "decode log %s", taskID)
	}
	return data["content"], nil
}

// ---------------------------------------------------------
// Node
// ---------------------------------------------------------

func (s *TaskStore) RegisterNode(ctx context.Context, node *model.NodeInfo) error {
	return s.putValue(ctx, NodeKeyPrefix+node.ID, node)
}

func (s *TaskStore) ListNodes(ctx context.Context) ([]*model.NodeInfo, error) {
	kvs, err := s.kv.Iterate(ctx, NodeKeyPrefix)
	if err != nil {
		return nil, err
	}
	nodes := make([]*model.NodeInfo, 0, len(kvs))
	for _, kv := range kvs {
		var node model.NodeInfo
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// putValue 封装通用的 JSON 序列化 + Put 操作
func (s *TaskStore) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return s.kv.Put(ctx, key, bytes)
}
