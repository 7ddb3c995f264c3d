package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"atlas/internal/backend"
	"atlas/pkg/model"
)

// SyncStatus 检查运行中的任务: 实例自己退出的按退出码结束, 租期到了的强制停止
func (s *Scheduler) SyncStatus(ctx context.Context, now time.Time) {
	for _, id := range s.sortedIDs() {
		task := s.tasks[id]
		if task.Status != model.TaskRunning || task.Operation != model.OpNone || task.Handle == "" {
			continue
		}
		b, ok := s.backends[task.Backend]
		if !ok {
			continue
		}
		bctx, cancel := context.WithTimeout(ctx, s.opts.BackendTimeout)

		// 1. 租期
		if !task.RentEnd.IsZero() && !now.Before(task.RentEnd) {
			err := b.Stop(bctx, task.Handle)
			cancel()
			if err != nil && !errors.Is(err, backend.ErrHandleNotFound) {
				// 停不掉就不归还资源, 交给队列重试
				s.logger.Warn("failed to stop overdue task, will retry", zap.String("task", id), zap.Error(err))
				task.Status = model.TaskStopping
				task.Operation = model.OpStop
				task.LastError = err.Error()
				s.accept(ctx, task)
				continue
			}
			s.finishStop(ctx, task, model.TaskOverdueClosed)
			continue
		}

		// 2. 实例状态
		state, err := b.Inspect(bctx, task.Handle)
		cancel()
		switch {
		case errors.Is(err, backend.ErrHandleNotFound):
			s.closeTask(ctx, task, model.TaskAbnormallyClosed, err)
		case err != nil:
			s.logger.Debug("inspect failed", zap.String("task", id), zap.Error(err))
		case !state.Running && state.ExitCode == 0:
			s.finishStop(ctx, task, model.TaskStopped)
		case !state.Running:
			s.closeTask(ctx, task, model.TaskAbnormallyClosed, errors.Errorf("exited with code %d", state.ExitCode))
		}
	}
	s.updateGauges()
}

// Prune 删除在终态停留超过保留期的任务, 以及实例从未创建成功的终态任务.
// 这是活动表里任务被永久删除的唯一途径 (delete 之外); 过期的历史记录也一并清理.
func (s *Scheduler) Prune(ctx context.Context, now time.Time) int {
	pruned := 0
	for _, id := range s.sortedIDs() {
		task := s.tasks[id]
		if !task.Status.IsTerminal() || task.Operation != model.OpNone {
			continue
		}
		since := task.EndAt
		if since.IsZero() {
			since = task.UpdatedAt
		}
		if task.Handle != "" && now.Sub(since) < s.opts.Retention {
			continue
		}

		if task.Handle != "" {
			if b, ok := s.backends[task.Backend]; ok {
				bctx, cancel := context.WithTimeout(ctx, s.opts.BackendTimeout)
				s.saveLogTail(bctx, ctx, b, task)
				err := b.Destroy(bctx, task.Handle)
				cancel()
				if err != nil {
					s.logger.Warn("failed to destroy pruned task, will retry", zap.String("task", id), zap.Error(err))
					continue
				}
			}
		}
		s.remove(ctx, task, ReasonPruned)
		pruned++
	}

	if s.opts.HistoryRetention > 0 {
		n, err := s.store.PruneHistory(ctx, now.Add(-s.opts.HistoryRetention))
		if err != nil {
			s.logger.Warn("failed to prune history", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("history pruned", zap.Int("records", n))
		}
	}
	return pruned
}

// Restore 启动时从存储恢复任务表并重建资源账本
func (s *Scheduler) Restore(ctx context.Context) error {
	tasks, bad, err := s.store.LoadTasks(ctx)
	if err != nil {
		return errors.Wrap(err, "load tasks")
	}
	for _, key := range bad {
		s.logger.Warn("skipping unreadable task record", zap.String("key", key))
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].ReceivedAt.Before(tasks[j].ReceivedAt) })

	for _, task := range tasks {
		s.tasks[task.ID] = task
		if !task.Status.HoldsResources() {
			continue
		}

		// 1. 重建预留, 优先原样恢复
		if task.Reservation != nil {
			err = s.pool.Restore(task.Reservation)
		} else {
			task.Reservation, err = s.pool.Reserve(task.ID, task.Request)
		}
		if err != nil {
			status := model.TaskAbnormallyClosed
			if IsGPUShortage(err) {
				status = model.TaskOutOfGpuResource
			}
			s.closeTask(ctx, task, status, err)
			continue
		}

		// 2. 中断的操作重新入队
		switch {
		case task.Operation != model.OpNone:
		case task.Status == model.TaskStopping:
			task.Operation = model.OpStop
		case task.Status != model.TaskRunning:
			task.Operation = model.OpCreate
		}
		if task.Operation != model.OpNone {
			s.enqueue(task.ID)
		}
	}
	s.updateGauges()
	s.logger.Info("tasks restored", zap.Int("tasks", len(tasks)), zap.Int("queued", len(s.queue)))
	return nil
}

func (s *Scheduler) sortedIDs() []string {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
