package node

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"atlas/internal/backend"
	"atlas/internal/config"
	"atlas/internal/p2p"
	"atlas/internal/scheduler"
	"atlas/internal/service"
	"atlas/internal/taskservice"
	"atlas/pkg/model"
	"atlas/pkg/store"
)

// Deps 可以替换的外部依赖, 为空时按配置创建
type Deps struct {
	Identity  *p2p.Identity
	KV        store.KV
	Transport p2p.Transport
	Backends  []backend.Backend
}

// Agent 一个完整节点: 身份, 存储, 后端, 调度器, 分发循环和任务协议
type Agent struct {
	cfg       *config.Config
	identity  *p2p.Identity
	kv        store.KV
	registry  *store.TaskStore
	sched     *scheduler.Scheduler
	loop      *service.Loop
	transport p2p.Transport
	tasks     *taskservice.Service
	logger    *zap.Logger
}

// dockerInfo *client.Client 满足这个接口
type dockerInfo interface {
	Info(ctx context.Context) (types.Info, error)
}

func NewAgent(ctx context.Context, cfg *config.Config, deps Deps, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{cfg: cfg, logger: logger}

	// 1. 身份
	a.identity = deps.Identity
	if a.identity == nil {
		id, err := p2p.LoadOrCreateIdentity(cfg.Node.KeyFile)
		if err != nil {
			return nil, err
		}
		a.identity = id
	}
	nodeID := a.identity.NodeID()
	a.logger = logger.With(zap.String("node", nodeID[:12]))

	// 2. 存储: 节点表共享, 任务表按节点隔离
	a.kv = deps.KV
	if a.kv == nil {
		kv, err := OpenKV(cfg)
		if err != nil {
			return nil, err
		}
		a.kv = kv
	}
	a.registry = store.NewTaskStore(a.kv)
	tasks := store.NewTaskStore(store.WithPrefix(a.kv, "/node/"+nodeID))

	// 3. 后端和容量
	capacity := cfg.NodeCapacity()
	backends := deps.Backends
	if backends == nil {
		var err error
		backends, capacity, err = a.openBackends(ctx, capacity)
		if err != nil {
			a.close()
			return nil, err
		}
	}
	if capacity.TotalCores() < 1 || capacity.MemBytes <= 0 {
		a.close()
		return nil, errors.Wrapf(config.ErrInvalidConfig, "node capacity is incomplete: %d cores, %d bytes memory",
			capacity.TotalCores(), capacity.MemBytes)
	}

	// 4. 调度器, 先恢复持久化的任务
	a.sched = scheduler.NewScheduler(scheduler.Options{
		NodeID:           nodeID,
		Version:          cfg.Node.Version,
		MaxTasks:         cfg.Scheduler.MaxTasks,
		MaxErrorTimes:    cfg.Scheduler.MaxErrorTimes,
		Retention:        cfg.Scheduler.Retention,
		HistoryRetention: cfg.Scheduler.HistoryRetention,
		BackendTimeout:   cfg.Scheduler.BackendTimeout,
		LogTailLines:     cfg.Scheduler.LogTailLines,
	}, scheduler.NewPool(capacity), tasks, backends, logger)
	if err := a.sched.Restore(ctx); err != nil {
		a.close()
		return nil, err
	}

	// 5. 网络
	a.transport = deps.Transport
	if a.transport == nil {
		t, err := OpenTransport(ctx, cfg, nodeID, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.transport = t
	}

	// 6. 分发循环和模块
	var err error
	a.loop, a.tasks, err = NewProtocol(cfg, a.identity, a.transport, a.sched, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := a.loop.Register(newHeartbeat(cfg.Scheduler.HeartbeatInterval, a.sched, a.registry, logger)); err != nil {
		a.close()
		return nil, err
	}

	a.logger.Info("node initialized",
		zap.String("node_id", nodeID),
		zap.Int("cpu_cores", capacity.TotalCores()),
		zap.String("memory", units.BytesSize(float64(capacity.MemBytes))),
		zap.Strings("gpus", capacity.GPUs),
		zap.Int("backends", len(backends)))
	return a, nil
}

// NewProtocol 建一个 Loop 并注册任务协议; sched 为空时只能发请求
func NewProtocol(cfg *config.Config, identity *p2p.Identity, transport p2p.Transport,
	sched *scheduler.Scheduler, logger *zap.Logger) (*service.Loop, *taskservice.Service, error) {
	nonces, err := p2p.NewNonceCache(cfg.Protocol.NonceCacheSize, cfg.Protocol.NonceWindow)
	if err != nil {
		return nil, nil, err
	}
	loop := service.NewLoop(cfg.Timer.Tick, cfg.Timer.MinPeriod, cfg.Protocol.QueueSize, logger)
	svc := taskservice.NewService(taskservice.Options{
		RequestTimeout: cfg.Protocol.RequestTimeout,
		MaxPathLen:     cfg.Protocol.MaxPathLen,
		RelayRate:      cfg.Protocol.RelayRate,
		RelayBurst:     cfg.Protocol.RelayBurst,
		ScheduleTick:   cfg.Scheduler.ScheduleTick,
		SyncInterval:   cfg.Scheduler.SyncInterval,
		PruneInterval:  cfg.Scheduler.PruneInterval,
	}, loop, identity, transport, nonces, sched, logger)
	if err := loop.Register(svc); err != nil {
		return nil, nil, err
	}
	return loop, svc, nil
}

// OpenKV etcd 未配置 endpoints 时退化为内存存储, 重启后任务丢失
func OpenKV(cfg *config.Config) (store.KV, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return store.NewMemoryKV(), nil
	}
	return store.NewEtcdManager(cfg.Etcd.Endpoints, cfg.Etcd.Root)
}

// OpenTransport redis 未配置时节点单机运行, 只能处理发给自己的请求
func OpenTransport(ctx context.Context, cfg *config.Config, nodeID string, logger *zap.Logger) (p2p.Transport, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("redis not configured, running standalone")
		return p2p.NewHub().Join(nodeID), nil
	}
	return p2p.NewRedisTransport(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, logger)
}

func (a *Agent) openBackends(ctx context.Context, capacity model.NodeCapacity) ([]backend.Backend, model.NodeCapacity, error) {
	if a.cfg.Docker.DryRun {
		a.logger.Warn("dry run, tasks will not really run")
		return []backend.Backend{
			backend.NewFake(model.BackendContainer),
			backend.NewFake(model.BackendVM),
		}, capacity, nil
	}

	cli, err := backend.NewDockerClient(a.cfg.Docker.Host)
	if err != nil {
		return nil, capacity, err
	}
	capacity, err = DetectCapacity(ctx, cli, capacity)
	if err != nil {
		return nil, capacity, err
	}
	return []backend.Backend{
		backend.NewContainer(cli, a.cfg.Docker.StopTimeout, a.logger),
		backend.NewVM(cli, a.cfg.Docker.VMRuntime, a.cfg.Docker.StopTimeout, a.logger),
	}, capacity, nil
}

// DetectCapacity 用 docker engine 报告的 CPU 和内存补齐未配置的维度.
// 探测不到拓扑时按 1 socket, 1 thread per core 处理.
func DetectCapacity(ctx context.Context, cli dockerInfo, capacity model.NodeCapacity) (model.NodeCapacity, error) {
	if capacity.TotalCores() > 0 && capacity.MemBytes > 0 {
		return capacity, nil
	}
	info, err := cli.Info(ctx)
	if err != nil {
		return capacity, errors.Wrap(err, "docker info")
	}
	if capacity.TotalCores() == 0 {
		if capacity.Sockets == 0 {
			capacity.Sockets = 1
		}
		if capacity.ThreadsPerCore == 0 {
			capacity.ThreadsPerCore = 1
		}
		if capacity.CoresPerSocket == 0 {
			capacity.CoresPerSocket = info.NCPU / (capacity.Sockets * capacity.ThreadsPerCore)
		}
	}
	if capacity.MemBytes == 0 {
		capacity.MemBytes = info.MemTotal
	}
	return capacity, nil
}

func (a *Agent) NodeID() string {
	return a.identity.NodeID()
}

// Service 任务协议, 可以从其他 goroutine 调用 Submit
func (a *Agent) Service() *taskservice.Service {
	return a.tasks
}

// Run 订阅网络并运行分发循环, 阻塞直到 ctx 结束或订阅失败
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subErr := make(chan error, 1)
	go func() {
		// 进程内网络注册完立刻返回 nil, redis 一直阻塞
		if err := a.transport.Subscribe(ctx, a.loop.Deliver); err != nil && ctx.Err() == nil {
			a.logger.Error("subscription ended", zap.Error(err))
			subErr <- err
			cancel()
		}
	}()

	a.logger.Info("node running")
	a.loop.Run(ctx)
	a.close()
	a.logger.Info("node stopped")

	select {
	case err := <-subErr:
		return errors.Wrap(err, "subscribe")
	default:
		return nil
	}
}

func (a *Agent) close() {
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.logger.Warn("failed to close transport", zap.Error(err))
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
}
