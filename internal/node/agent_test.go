package node_test

import (
	"context"
	"time"

	"github.com/docker/docker/api/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"atlas/internal/backend"
	"atlas/internal/config"
	"atlas/internal/node"
	"atlas/internal/p2p"
	"atlas/internal/taskservice"
	"atlas/pkg/model"
	"atlas/pkg/store"
)

const image = "pytorch/pytorch:2.1"

type stubInfo struct {
	info types.Info
	err  error
}

func (s stubInfo) Info(context.Context) (types.Info, error) {
	return s.info, s.err
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Etcd.Endpoints = nil
	cfg.Redis.Addr = ""
	cfg.Timer.Tick = 10 * time.Millisecond
	cfg.Timer.MinPeriod = 10 * time.Millisecond
	cfg.Protocol.RequestTimeout = 2 * time.Second
	cfg.Scheduler.ScheduleTick = 10 * time.Millisecond
	cfg.Scheduler.SyncInterval = 50 * time.Millisecond
	cfg.Scheduler.PruneInterval = time.Second
	cfg.Scheduler.HeartbeatInterval = 20 * time.Millisecond
	cfg.Scheduler.BackendTimeout = time.Second
	cfg.Capacity = config.CapacityConfig{
		Sockets: 1, CoresPerSocket: 8, ThreadsPerCore: 1,
		GPUs: []string{"g0"}, Memory: "16GiB",
	}
	return cfg
}

var _ = Describe("Agent", func() {
	var (
		hub *p2p.Hub
		kv  *store.MemoryKV
	)

	BeforeEach(func() {
		hub = p2p.NewHub()
		kv = store.NewMemoryKV()
	})

	newAgent := func(name string, cfg *config.Config) *node.Agent {
		id, err := p2p.GenerateIdentity()
		Expect(err).To(BeNil())
		a, err := node.NewAgent(context.Background(), cfg, node.Deps{
			Identity:  id,
			KV:        kv,
			Transport: hub.Join(name),
			Backends: []backend.Backend{
				backend.NewFake(model.BackendContainer, image),
				backend.NewFake(model.BackendVM, image),
			},
		}, nil)
		Expect(err).To(BeNil())
		return a
	}

	It("Will run a task on a peer and report both nodes in the registry", func() {
		a := newAgent("a", testConfig())
		b := newAgent("b", testConfig())

		ctx, cancel := context.WithCancel(context.Background())
		doneA, doneB := make(chan error, 1), make(chan error, 1)
		go func() { doneA <- a.Run(ctx) }()
		go func() { doneB <- b.Run(ctx) }()

		registry := store.NewTaskStore(kv)
		Eventually(func() int {
			nodes, _ := registry.ListNodes(ctx)
			return len(nodes)
		}).Should(Equal(2))

		res, err := a.Service().Submit(ctx, taskservice.Command{
			Type: taskservice.MsgCreateTaskReq,
			Request: taskservice.TaskRequest{
				PeerNodes: []string{b.NodeID()},
				TaskID:    "t1",
				Backend:   model.BackendContainer,
				Spec:      &model.TaskSpec{Engine: image, EntryFile: "train.py", CodeDir: "/data/code"},
				Resource:  &model.ResourceRequest{CPUCores: 2, MemFraction: 0.25, GPUCount: 1},
			},
		})
		Expect(err).To(BeNil())
		Expect(res.Code).To(Equal(taskservice.CodeOK))

		Eventually(func() model.TaskStatus {
			res, err := a.Service().Submit(ctx, taskservice.Command{
				Type:    taskservice.MsgListTaskReq,
				Request: taskservice.TaskRequest{PeerNodes: []string{b.NodeID()}},
			})
			if err != nil || len(res.Tasks()) != 1 {
				return ""
			}
			return res.Tasks()[0].Status
		}).Should(Equal(model.TaskRunning))

		// 节点表里 b 的资源视图反映了预留
		Eventually(func() int {
			nodes, _ := registry.ListNodes(ctx)
			for _, n := range nodes {
				if n.ID == b.NodeID() {
					return n.Allocated.GPUCount
				}
			}
			return -1
		}).Should(Equal(1))

		// 任务表按节点隔离
		tasksA, _, err := store.NewTaskStore(store.WithPrefix(kv, "/node/"+a.NodeID())).LoadTasks(ctx)
		Expect(err).To(BeNil())
		Expect(tasksA).To(BeEmpty())
		tasksB, _, err := store.NewTaskStore(store.WithPrefix(kv, "/node/"+b.NodeID())).LoadTasks(ctx)
		Expect(err).To(BeNil())
		Expect(tasksB).To(HaveLen(1))

		cancel()
		Eventually(doneA).Should(Receive(BeNil()))
		Eventually(doneB).Should(Receive(BeNil()))

		_, err = a.Service().Submit(context.Background(), taskservice.Command{})
		Expect(err).ToNot(BeNil())
	})

	It("Will restore persisted tasks on restart", func() {
		cfg := testConfig()
		id, err := p2p.GenerateIdentity()
		Expect(err).To(BeNil())
		tasks := store.NewTaskStore(store.WithPrefix(kv, "/node/"+id.NodeID()))
		Expect(tasks.SaveTask(context.Background(), &model.Task{
			ID:          "t1",
			Status:      model.TaskRunning,
			Backend:     model.BackendContainer,
			Spec:        model.TaskSpec{Engine: image, EntryFile: "train.py", CodeDir: "/data/code"},
			Request:     model.ResourceRequest{CPUCores: 2, MemFraction: 0.5, GPUCount: 1},
			Reservation: &model.Reservation{Owner: "t1", CPUCores: 2, MemBytes: 8 << 30, GPUs: []string{"g0"}},
			Handle:      "container-1",
			ReceivedAt:  time.Unix(100, 0),
		})).To(Succeed())
		Expect(tasks.SaveTask(context.Background(), &model.Task{
			ID:         "t2",
			Status:     model.TaskQueueing,
			Operation:  model.OpCreate,
			Backend:    model.BackendContainer,
			Spec:       model.TaskSpec{Engine: image, EntryFile: "train.py", CodeDir: "/data/code"},
			Request:    model.ResourceRequest{CPUCores: 1, MemFraction: 0.1, GPUCount: 1},
			ReceivedAt: time.Unix(200, 0),
		})).To(Succeed())

		_, err = node.NewAgent(context.Background(), cfg, node.Deps{
			Identity:  id,
			KV:        kv,
			Transport: hub.Join("a"),
			Backends:  []backend.Backend{backend.NewFake(model.BackendContainer, image)},
		}, nil)
		Expect(err).To(BeNil())

		task, ok, err := tasks.GetTask(context.Background(), "t1")
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())
		Expect(task.Reservation.GPUs).To(Equal([]string{"g0"}))

		// 唯一的 GPU 已经被先到的任务拿走
		task, ok, err = tasks.GetTask(context.Background(), "t2")
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())
		Expect(task.Status).To(Equal(model.TaskOutOfGpuResource))
		Expect(task.Reservation).To(BeNil())
	})

	It("Will refuse to start without a usable capacity", func() {
		cfg := testConfig()
		cfg.Capacity = config.CapacityConfig{}
		id, err := p2p.GenerateIdentity()
		Expect(err).To(BeNil())
		_, err = node.NewAgent(context.Background(), cfg, node.Deps{
			Identity:  id,
			KV:        kv,
			Transport: hub.Join("a"),
			Backends:  []backend.Backend{backend.NewFake(model.BackendContainer)},
		}, nil)
		Expect(err).To(MatchError(config.ErrInvalidConfig))
	})

	It("Will fill missing capacity from the docker engine", func() {
		detected, err := node.DetectCapacity(context.Background(), stubInfo{info: types.Info{NCPU: 16, MemTotal: 32 << 30}},
			model.NodeCapacity{Sockets: 2, ThreadsPerCore: 2, GPUs: []string{"g0"}})
		Expect(err).To(BeNil())
		Expect(detected.CoresPerSocket).To(Equal(4))
		Expect(detected.TotalCores()).To(Equal(16))
		Expect(detected.MemBytes).To(Equal(int64(32 << 30)))
		Expect(detected.GPUs).To(Equal([]string{"g0"}))

		configured := model.NodeCapacity{Sockets: 1, CoresPerSocket: 4, ThreadsPerCore: 1, MemBytes: 1 << 30}
		detected, err = node.DetectCapacity(context.Background(), stubInfo{err: context.Canceled}, configured)
		Expect(err).To(BeNil())
		Expect(detected).To(Equal(configured))

		_, err = node.DetectCapacity(context.Background(), stubInfo{err: context.Canceled}, model.NodeCapacity{})
		Expect(err).To(MatchError(context.Canceled))
	})
})
