package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"atlas/internal/backend"
	"atlas/internal/metrics"
	"atlas/pkg/model"
	"atlas/pkg/store"
)

var (
	ErrTaskExists     = errors.New("task_id already exist")
	ErrNotFound       = errors.New("task not found")
	ErrBusy           = errors.New("task is busy with another operation")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidState   = errors.New("operation not allowed in current state")
	ErrTooManyTasks   = errors.New("too many tasks")
)

// 归档原因
const (
	ReasonDeleted = "deleted"
	ReasonPruned  = "pruned"
)

type Options struct {
	NodeID  string
	Version string

	MaxTasks         int
	MaxErrorTimes    int
	Retention        time.Duration // 终态任务在活动表里保留多久
	HistoryRetention time.Duration // 历史记录在存储里保留多久
	BackendTimeout   time.Duration
	LogTailLines     int // 删除任务时保存的日志行数
}

type CreateRequest struct {
	TaskID   string
	Backend  model.BackendKind
	Spec     model.TaskSpec
	Resource model.ResourceRequest
	Owner    string
	RentEnd  time.Time
}

// Scheduler 本节点的任务状态机.
//
// Scheduler 不加锁, 所有方法都在 service.Loop 的 goroutine 上调用;
// Pool 自带锁, 可以被其他 goroutine 只读访问.
type Scheduler struct {
	opts     Options
	pool     *Pool
	store    *store.TaskStore
	backends map[model.BackendKind]backend.Backend

	tasks map[string]*model.Task
	queue []string // 有待处理 operation 的任务, 先进先出

	clock  func() time.Time
	logger *zap.Logger
}

func NewScheduler(opts Options, pool *Pool, st *store.TaskStore, backends []backend.Backend, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxErrorTimes < 1 {
		opts.MaxErrorTimes = 1
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = 5 * time.Minute
	}
	if opts.LogTailLines <= 0 {
		opts.LogTailLines = MaxLogLines
	}
	s := &Scheduler{
		opts:     opts,
		pool:     pool,
		store:    st,
		backends: make(map[model.BackendKind]backend.Backend),
		tasks:    make(map[string]*model.Task),
		clock:    time.Now,
		logger:   logger,
	}
	for _, b := range backends {
		s.backends[b.Kind()] = b
	}
	return s
}

// SetClock 替换时钟, 测试用
func (s *Scheduler) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *Scheduler) Pool() *Pool {
	return s.pool
}

// QueueLen 等待 drain 的任务数
func (s *Scheduler) QueueLen() int {
	return len(s.queue)
}

// ---------------------------------------------------------
// 显式操作
// ---------------------------------------------------------

// CreateTask 校验, 扣减资源, 持久化, 入队. 任何一步失败都不会改变资源池.
func (s *Scheduler) CreateTask(ctx context.Context, req CreateRequest) (*model.Task, error) {
	// 1. 重复 id 先于其他检查, 保证第二次创建同一个 id 一定得到同样的错误
	if _, ok := s.tasks[req.TaskID]; ok {
		s.logger.Debug("duplicate task id", zap.String("task_id", req.TaskID))
		return nil, ErrTaskExists
	}
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}
	if s.opts.MaxTasks > 0 && len(s.tasks) >= s.opts.MaxTasks {
		return nil, errors.Wrapf(ErrTooManyTasks, "limit %d", s.opts.MaxTasks)
	}

	// 2. 扣减资源
	res, err := s.pool.Reserve(req.TaskID, req.Resource)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	task := &model.Task{
		ID:          req.TaskID,
		Status:      model.TaskQueueing,
		Operation:   model.OpCreate,
		Backend:     req.Backend,
		Spec:        req.Spec,
		Request:     req.Resource,
		Reservation: res,
		Owner:       req.Owner,
		ReceivedAt:  now,
		RentEnd:     req.RentEnd,
		UpdatedAt:   now,
	}

	// 3. 持久化, 失败则回滚预留
	if err := s.store.SaveTask(ctx, task); err != nil {
		s.pool.Release(task.ID)
		return nil, errors.Wrapf(err, "persist task %s", task.ID)
	}

	// 4. 入队
	s.tasks[task.ID] = task
	s.enqueue(task.ID)
	s.updateGauges()
	s.logger.Info("task accepted",
		zap.String("task", task.ID),
		zap.String("backend", string(task.Backend)),
		zap.Int("cpu", res.CPUCores),
		zap.Int64("mem", res.MemBytes),
		zap.Strings("gpus", res.GPUs))
	return task.Clone(), nil
}

func (s *Scheduler) StartTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.idle(id)
	if err != nil {
		return nil, err
	}
	if task.Status == model.TaskRunning {
		return nil, errors.Wrapf(ErrInvalidState, "task %s already running", id)
	}
	if err := s.ensureReserved(task); err != nil {
		return nil, err
	}
	if task.Handle == "" {
		task.Operation = model.OpCreate
	} else {
		task.Operation = model.OpStart
	}
	task.Status = model.TaskQueueing
	return s.accept(ctx, task)
}

func (s *Scheduler) RestartTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.idle(id)
	if err != nil {
		return nil, err
	}
	if task.Handle == "" {
		return nil, errors.Wrapf(ErrInvalidState, "task %s has no instance to restart", id)
	}
	if err := s.ensureReserved(task); err != nil {
		return nil, err
	}
	task.Operation = model.OpRestart
	return s.accept(ctx, task)
}

// ResetTask 销毁旧实例, 按 spec (为空时沿用原来的) 重新创建并启动
func (s *Scheduler) ResetTask(ctx context.Context, id string, spec *model.TaskSpec) (*model.Task, error) {
	task, err := s.idle(id)
	if err != nil {
		return nil, err
	}
	if spec != nil {
		if spec.Engine == "" || spec.EntryFile == "" || spec.CodeDir == "" {
			return nil, errors.Wrap(ErrInvalidRequest, "engine, entry_file and code_dir are required")
		}
	}
	if err := s.ensureReserved(task); err != nil {
		return nil, err
	}
	if spec != nil {
		task.Spec = *spec
	}
	task.Operation = model.OpReset
	return s.accept(ctx, task)
}

// StopTask 可以覆盖尚未执行的 create/start/restart/reset
func (s *Scheduler) StopTask(ctx context.Context, id string) (*model.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	if task.Operation == model.OpStop || task.Operation == model.OpDelete {
		return nil, errors.Wrapf(ErrBusy, "task %s: %s in progress", id, task.Operation)
	}
	if task.Operation == model.OpNone && !task.Status.HoldsResources() {
		// 已经停了
		return task.Clone(), nil
	}

	if task.Handle == "" {
		// 实例从未创建, 直接结束
		task.Operation = model.OpNone
		task.Status = model.TaskStopped
		task.LastStopAt = s.clock()
		task.EndAt = task.LastStopAt
		s.release(task)
		s.save(ctx, task)
		s.updateGauges()
		return task.Clone(), nil
	}

	task.Operation = model.OpStop
	task.Status = model.TaskStopping
	return s.accept(ctx, task)
}

// DeleteTask 运行中的任务在 drain 时先停止再销毁
func (s *Scheduler) DeleteTask(ctx context.Context, id string) (*model.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	if task.Operation == model.OpDelete {
		return nil, errors.Wrapf(ErrBusy, "task %s: delete in progress", id)
	}

	if task.Handle == "" {
		task.Operation = model.OpNone
		if task.Status.HoldsResources() {
			task.Status = model.TaskStopped
		}
		s.remove(ctx, task, ReasonDeleted)
		return task.Clone(), nil
	}

	task.Operation = model.OpDelete
	return s.accept(ctx, task)
}

// idle 取出没有进行中操作的任务
func (s *Scheduler) idle(id string) (*model.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	if task.Operation != model.OpNone {
		return nil, errors.Wrapf(ErrBusy, "task %s: %s in progress", id, task.Operation)
	}
	return task, nil
}

// ensureReserved 已经释放过资源的任务重新申请
func (s *Scheduler) ensureReserved(task *model.Task) error {
	if _, ok := s.pool.Reservation(task.ID); ok {
		return nil
	}
	res, err := s.pool.Reserve(task.ID, task.Request)
	if err != nil {
		return err
	}
	task.Reservation = res
	task.ErrorTimes = 0
	task.LastError = ""
	return nil
}

func (s *Scheduler) accept(ctx context.Context, task *model.Task) (*model.Task, error) {
	s.save(ctx, task)
	s.enqueue(task.ID)
	s.updateGauges()
	s.logger.Info("operation queued", zap.String("task", task.ID), zap.String("operation", string(task.Operation)))
	return task.Clone(), nil
}

// ---------------------------------------------------------
// 查询
// ---------------------------------------------------------

// ListTasks ids 为空时返回全部; 不存在的 id 被忽略
func (s *Scheduler) ListTasks(ids []string) []model.TaskInfo {
	var selected []*model.Task
	if len(ids) == 0 {
		for _, t := range s.tasks {
			selected = append(selected, t)
		}
		sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })
	} else {
		for _, id := range ids {
			if t, ok := s.tasks[id]; ok {
				selected = append(selected, t)
			}
		}
	}
	out := make([]model.TaskInfo, 0, len(selected))
	for _, t := range selected {
		out = append(out, t.Info(s.opts.NodeID))
	}
	return out
}

// Task 返回副本
func (s *Scheduler) Task(id string) (*model.Task, bool) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// TaskLog 活动任务从后端读, 已删除的从存储里读删除时保存的日志
func (s *Scheduler) TaskLog(ctx context.Context, id string, dir backend.Direction, lines int) (string, error) {
	if err := ValidateLogRequest(dir, lines); err != nil {
		return "", err
	}
	task, ok := s.tasks[id]
	if ok && task.Handle != "" {
		b := s.backends[task.Backend]
		bctx, cancel := context.WithTimeout(ctx, s.opts.BackendTimeout)
		defer cancel()
		text, err := b.ReadLog(bctx, task.Handle, dir, lines)
		if err == nil {
			return text, nil
		}
		if !errors.Is(err, backend.ErrHandleNotFound) {
			return "", err
		}
	}
	text, err := s.store.GetTaskLog(ctx, id)
	if err != nil {
		if ok {
			return "", nil
		}
		return "", errors.Wrap(ErrNotFound, err.Error())
	}
	return backend.Clip(text, dir, lines), nil
}

func (s *Scheduler) NodeInfo() model.NodeInfo {
	byStatus := make(map[string]int)
	for _, t := range s.tasks {
		byStatus[string(t.Status)]++
	}
	return model.NodeInfo{
		ID:            s.opts.NodeID,
		Version:       s.opts.Version,
		TotalCap:      s.pool.Total(),
		Allocated:     s.pool.Allocated(),
		FreeGPUs:      s.pool.FreeGPUs(),
		Status:        model.NodeReady,
		TaskCount:     len(s.tasks),
		TasksByStatus: byStatus,
		LoadScore:     s.loadScore(),
		LastHeartbeat: s.clock().Unix(),
	}
}

// ---------------------------------------------------------
// 内部工具
// ---------------------------------------------------------

func (s *Scheduler) enqueue(id string) {
	for _, q := range s.queue {
		if q == id {
			return
		}
	}
	s.queue = append(s.queue, id)
}

// release 归还预留, task 不再记录已经失效的分配
func (s *Scheduler) release(task *model.Task) {
	task.Reservation = nil
	if s.pool.Release(task.ID) {
		s.logger.Debug("reservation released", zap.String("task", task.ID))
	}
}

func (s *Scheduler) save(ctx context.Context, task *model.Task) {
	task.UpdatedAt = s.clock()
	if err := s.store.SaveTask(ctx, task); err != nil {
		s.logger.Warn("failed to persist task", zap.String("task", task.ID), zap.Error(err))
	}
}

// remove 从活动表删除并归档, 资源一并释放
func (s *Scheduler) remove(ctx context.Context, task *model.Task, reason string) {
	s.release(task)
	delete(s.tasks, task.ID)
	if task.EndAt.IsZero() {
		task.EndAt = s.clock()
	}
	task.UpdatedAt = s.clock()
	if err := s.store.ArchiveTask(ctx, task, reason, s.clock()); err != nil {
		s.logger.Warn("failed to archive task", zap.String("task", task.ID), zap.Error(err))
	}
	s.updateGauges()
	s.logger.Info("task removed", zap.String("task", task.ID), zap.String("reason", reason))
}

func (s *Scheduler) updateGauges() {
	metrics.TasksByStatus.Reset()
	for _, t := range s.tasks {
		metrics.TasksByStatus.WithLabelValues(string(t.Status)).Inc()
	}
}
