package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"atlas/internal/backend"
	"atlas/pkg/model"
)

// ProcessQueue 每个 tick 最多处理一个排队的任务, 返回是否处理了任务
func (s *Scheduler) ProcessQueue(ctx context.Context) bool {
	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]

		task, ok := s.tasks[id]
		if !ok || task.Operation == model.OpNone {
			continue
		}
		s.drain(ctx, task)
		s.updateGauges()
		return true
	}
	return false
}

func (s *Scheduler) drain(ctx context.Context, task *model.Task) {
	b, ok := s.backends[task.Backend]
	if !ok {
		s.closeTask(ctx, task, model.TaskAbnormallyClosed, errors.Errorf("backend %s not available", task.Backend))
		return
	}
	bctx, cancel := context.WithTimeout(ctx, s.opts.BackendTimeout)
	defer cancel()

	op := task.Operation
	s.logger.Debug("draining task", zap.String("task", task.ID), zap.String("operation", string(op)))

	var err error
	switch op {
	case model.OpCreate:
		err = s.runCreate(bctx, ctx, b, task)
	case model.OpStart:
		err = b.Start(bctx, task.Handle)
	case model.OpRestart:
		err = b.Restart(bctx, task.Handle)
	case model.OpReset:
		err = s.runReset(bctx, ctx, b, task)
	case model.OpStop:
		if err = b.Stop(bctx, task.Handle); err == nil || errors.Is(err, backend.ErrHandleNotFound) {
			status := model.TaskStopped
			if !task.RentEnd.IsZero() && !s.clock().Before(task.RentEnd) {
				status = model.TaskOverdueClosed
			}
			s.finishStop(ctx, task, status)
			return
		}
	case model.OpDelete:
		if err = s.runDelete(bctx, ctx, b, task); err == nil {
			return
		}
	}

	if err != nil {
		s.fail(ctx, task, err)
		return
	}

	// create/start/restart/reset 成功都进入 running
	now := s.clock()
	task.Status = model.TaskRunning
	task.Operation = model.OpNone
	task.ErrorTimes = 0
	task.LastError = ""
	task.LastStartAt = now
	task.EndAt = time.Time{}
	s.save(ctx, task)
	s.logger.Info("task running", zap.String("task", task.ID), zap.String("operation", string(op)))
}

// runCreate 镜像检查 -> 拉取 -> 创建 -> 启动. 已经创建过实例的重试直接启动.
func (s *Scheduler) runCreate(bctx, ctx context.Context, b backend.Backend, task *model.Task) error {
	if task.Handle == "" {
		exists, err := b.ImageExists(bctx, task.Spec.Engine)
		if err != nil {
			return err
		}
		if !exists {
			task.Status = model.TaskPullingImage
			s.save(ctx, task)
			if err := b.PullImage(bctx, task.Spec.Engine); err != nil {
				return err
			}
		}

		task.Status = model.TaskCreatingImage
		s.save(ctx, task)
		handle, err := b.Create(bctx, backend.SpecFor(task))
		if err != nil {
			return err
		}
		task.Handle = handle
		s.save(ctx, task)
	}
	return b.Start(bctx, task.Handle)
}

// runReset 销毁旧实例后按当前 spec 重建
func (s *Scheduler) runReset(bctx, ctx context.Context, b backend.Backend, task *model.Task) error {
	if task.Handle != "" {
		if err := b.Destroy(bctx, task.Handle); err != nil {
			return err
		}
		task.Handle = ""
		s.save(ctx, task)
	}
	return s.runCreate(bctx, ctx, b, task)
}

// runDelete 先停止, 保存日志尾部, 再销毁并归档
func (s *Scheduler) runDelete(bctx, ctx context.Context, b backend.Backend, task *model.Task) error {
	if task.Status == model.TaskRunning || task.Status == model.TaskStopping {
		if err := b.Stop(bctx, task.Handle); err != nil && !errors.Is(err, backend.ErrHandleNotFound) {
			return err
		}
		task.Status = model.TaskStopped
		task.LastStopAt = s.clock()
	}

	s.saveLogTail(bctx, ctx, b, task)

	if err := b.Destroy(bctx, task.Handle); err != nil {
		return err
	}
	task.Operation = model.OpNone
	s.remove(ctx, task, ReasonDeleted)
	return nil
}

func (s *Scheduler) saveLogTail(bctx, ctx context.Context, b backend.Backend, task *model.Task) {
	text, err := b.ReadLog(bctx, task.Handle, backend.Tail, s.opts.LogTailLines)
	if err != nil {
		s.logger.Debug("no log to keep", zap.String("task", task.ID), zap.Error(err))
		return
	}
	if err := s.store.SaveTaskLog(ctx, task.ID, text); err != nil {
		s.logger.Warn("failed to save task log", zap.String("task", task.ID), zap.Error(err))
	}
}

// fail 后端调用失败. 镜像缺失和磁盘满直接关闭; 其他错误累计 error_times, 到上限强制关闭.
func (s *Scheduler) fail(ctx context.Context, task *model.Task, err error) {
	task.LastError = err.Error()

	switch {
	case errors.Is(err, backend.ErrImageNotFound):
		s.closeTask(ctx, task, model.TaskNoImageClosed, err)
		return
	case errors.Is(err, backend.ErrNoSpace):
		s.closeTask(ctx, task, model.TaskNoSpaceClosed, err)
		return
	}

	task.ErrorTimes++
	if task.ErrorTimes >= s.opts.MaxErrorTimes {
		status := model.TaskAbnormallyClosed
		if task.Operation == model.OpReset {
			status = model.TaskUpdateError
		}
		s.closeTask(ctx, task, status, err)
		return
	}

	s.logger.Warn("backend operation failed, will retry",
		zap.String("task", task.ID),
		zap.String("operation", string(task.Operation)),
		zap.Int("error_times", task.ErrorTimes),
		zap.Error(err))
	s.save(ctx, task)
	s.enqueue(task.ID)
}

// closeTask 强制进入失败状态, 停掉实例并归还资源
func (s *Scheduler) closeTask(ctx context.Context, task *model.Task, status model.TaskStatus, cause error) {
	s.stopInstance(ctx, task)
	s.logger.Error("task closed",
		zap.String("task", task.ID),
		zap.String("status", string(status)),
		zap.String("operation", string(task.Operation)),
		zap.Int("error_times", task.ErrorTimes),
		zap.Error(cause))
	task.Status = status
	task.Operation = model.OpNone
	task.EndAt = s.clock()
	if cause != nil {
		task.LastError = cause.Error()
	}
	s.release(task)
	s.save(ctx, task)
}

func (s *Scheduler) finishStop(ctx context.Context, task *model.Task, status model.TaskStatus) {
	now := s.clock()
	task.Status = status
	task.Operation = model.OpNone
	task.ErrorTimes = 0
	task.LastStopAt = now
	task.EndAt = now
	s.release(task)
	s.save(ctx, task)
	s.logger.Info("task stopped", zap.String("task", task.ID), zap.String("status", string(status)))
}

// stopInstance 尽力停止实例. 资源归还以后实例不能继续占着 GPU.
func (s *Scheduler) stopInstance(ctx context.Context, task *model.Task) {
	if task.Handle == "" {
		return
	}
	b, ok := s.backends[task.Backend]
	if !ok {
		return
	}
	bctx, cancel := context.WithTimeout(ctx, s.opts.BackendTimeout)
	defer cancel()
	if err := b.Stop(bctx, task.Handle); err != nil && !errors.Is(err, backend.ErrHandleNotFound) {
		s.logger.Warn("failed to stop instance of closed task",
			zap.String("task", task.ID),
			zap.String("handle", task.Handle),
			zap.Error(err))
	}
}
