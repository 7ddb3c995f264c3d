package taskservice_test

import (
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"atlas/internal/backend"
	"atlas/internal/p2p"
	"atlas/internal/scheduler"
	"atlas/internal/service"
	"atlas/internal/taskservice"
	"atlas/internal/timer"
	"atlas/pkg/model"
	"atlas/pkg/store"
)

const image = "pytorch/pytorch:2.1"

type testNode struct {
	id    *p2p.Identity
	loop  *service.Loop
	svc   *taskservice.Service
	sched *scheduler.Scheduler
	tr    *p2p.HubTransport
}

func (n *testNode) ID() string {
	return n.id.NodeID()
}

var _ = Describe("Task Service", func() {
	var (
		ctx     context.Context
		now     time.Time
		hub     *p2p.Hub
		opts    taskservice.Options
		results []taskservice.Result
	)

	collect := func(r taskservice.Result) {
		results = append(results, r)
	}

	newNode := func(name string, full bool) *testNode {
		id, err := p2p.GenerateIdentity()
		Expect(err).To(BeNil())

		loop := service.NewLoop(time.Second, time.Second, 16, nil)
		loop.Timers().SetClock(func() time.Time { return now })

		var sched *scheduler.Scheduler
		if full {
			pool := scheduler.NewPool(model.NodeCapacity{
				Sockets: 1, CoresPerSocket: 8, ThreadsPerCore: 1,
				GPUs: []string{"g0", "g1"}, MemBytes: 16 << 30,
			})
			sched = scheduler.NewScheduler(scheduler.Options{
				NodeID:         id.NodeID(),
				MaxTasks:       8,
				MaxErrorTimes:  3,
				Retention:      time.Hour,
				BackendTimeout: time.Second,
			}, pool, store.NewTaskStore(store.NewMemoryKV()),
				[]backend.Backend{backend.NewFake(model.BackendContainer, image)}, nil)
			sched.SetClock(func() time.Time { return now })
		}

		nonces, err := p2p.NewNonceCache(1024, time.Minute)
		Expect(err).To(BeNil())
		tr := hub.Join(name)
		svc := taskservice.NewService(opts, loop, id, tr, nonces, sched, nil)
		svc.SetClock(func() time.Time { return now })
		Expect(loop.Register(svc)).To(Succeed())
		Expect(tr.Subscribe(ctx, func(env *p2p.Envelope) { loop.Dispatch(ctx, env) })).To(Succeed())

		return &testNode{id: id, loop: loop, svc: svc, sched: sched, tr: tr}
	}

	spy := func() *[]*p2p.Envelope {
		got := &[]*p2p.Envelope{}
		Expect(hub.Join("spy").Subscribe(ctx, func(env *p2p.Envelope) { *got = append(*got, env) })).To(Succeed())
		return got
	}

	ofType := func(envs []*p2p.Envelope, msgType string) []*p2p.Envelope {
		var out []*p2p.Envelope
		for _, env := range envs {
			if env.Header.Type == msgType {
				out = append(out, env)
			}
		}
		return out
	}

	createCmd := func(target *testNode, taskID string) taskservice.Command {
		return taskservice.Command{
			Type: taskservice.MsgCreateTaskReq,
			Request: taskservice.TaskRequest{
				PeerNodes: []string{target.ID()},
				TaskID:    taskID,
				Backend:   model.BackendContainer,
				Spec:      &model.TaskSpec{Engine: image, EntryFile: "train.py", CodeDir: "/data/" + taskID},
				Resource:  &model.ResourceRequest{CPUCores: 2, MemFraction: 0.25, GPUCount: 1},
			},
		}
	}

	nodeInfoCmd := func(targets ...*testNode) taskservice.Command {
		cmd := taskservice.Command{Type: taskservice.MsgQueryNodeInfoReq}
		for _, t := range targets {
			cmd.Request.PeerNodes = append(cmd.Request.PeerNodes, t.ID())
		}
		return cmd
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Now()
		hub = p2p.NewHub()
		results = nil
		opts = taskservice.Options{
			RequestTimeout: 20 * time.Second,
			MaxPathLen:     4,
			RelayRate:      100,
			RelayBurst:     100,
			ScheduleTick:   time.Second,
			SyncInterval:   10 * time.Second,
			PruneInterval:  time.Hour,
		}
	})

	Context("Timeouts", func() {
		It("Will fail an unanswered request with timed out exactly once", func() {
			client := newNode("client", false)
			ghost, err := p2p.GenerateIdentity()
			Expect(err).To(BeNil())

			sid, err := client.svc.Request(ctx, taskservice.Command{
				Type:    taskservice.MsgQueryNodeInfoReq,
				Request: taskservice.TaskRequest{PeerNodes: []string{ghost.NodeID()}},
			}, collect)
			Expect(err).To(BeNil())

			t, ok := client.loop.Timers().Get(timer.ID(1))
			Expect(ok).To(BeTrue())
			Expect(t.Key()).To(Equal(sid))
			Expect(t.Period()).To(Equal(20 * time.Second))
			Expect(t.Repeat()).To(Equal(int64(1)))
			Expect(client.svc.Pending()).To(Equal([]string{sid}))

			client.loop.ProcessTimers(ctx, now.Add(19*time.Second))
			Expect(results).To(BeEmpty())

			client.loop.ProcessTimers(ctx, now.Add(20*time.Second))
			Expect(results).To(Equal([]taskservice.Result{{Code: taskservice.CodeTimeout, Message: "timed out"}}))
			Expect(client.svc.Pending()).To(BeEmpty())
			Expect(client.loop.Timers().Len()).To(Equal(0))

			client.loop.ProcessTimers(ctx, now.Add(time.Minute))
			Expect(results).To(HaveLen(1))
		})
	})

	Context("Single peer requests", func() {
		It("Will create a task on the addressed node and complete on its reply", func() {
			client := newNode("client", false)
			worker := newNode("worker", true)

			_, err := client.svc.Request(ctx, createCmd(worker, "t1"), collect)
			Expect(err).To(BeNil())

			Expect(results).To(HaveLen(1))
			Expect(results[0].Code).To(Equal(taskservice.CodeOK))
			tasks := results[0].Tasks()
			Expect(tasks).To(HaveLen(1))
			Expect(tasks[0].Status).To(Equal(model.TaskQueueing))
			Expect(tasks[0].NodeID).To(Equal(worker.ID()))
			Expect(results[0].Responses[0].NodeID).To(Equal(worker.ID()))

			Expect(client.svc.Pending()).To(BeEmpty())
			Expect(client.loop.Timers().Len()).To(Equal(0))

			task, ok := worker.sched.Task("t1")
			Expect(ok).To(BeTrue())
			Expect(task.Owner).To(Equal(client.ID()))
		})

		It("Will carry the duplicate id failure back to the caller", func() {
			client := newNode("client", false)
			worker := newNode("worker", true)

			_, err := client.svc.Request(ctx, createCmd(worker, "t1"), collect)
			Expect(err).To(BeNil())
			afterFirst := worker.sched.Pool().Free()

			_, err = client.svc.Request(ctx, createCmd(worker, "t1"), collect)
			Expect(err).To(BeNil())
			Expect(results).To(HaveLen(2))
			Expect(results[1].Code).To(Equal(taskservice.CodeExists))
			Expect(results[1].Message).To(Equal("task_id already exist"))
			Expect(worker.sched.Pool().Free()).To(Equal(afterFirst))
		})

		It("Will ignore a replayed reply after the session completed", func() {
			client := newNode("client", false)
			worker := newNode("worker", true)
			seen := spy()

			_, err := client.svc.Request(ctx, createCmd(worker, "t1"), collect)
			Expect(err).To(BeNil())
			Expect(results).To(HaveLen(1))

			replies := ofType(*seen, taskservice.MsgCreateTaskRsp)
			Expect(replies).To(HaveLen(1))
			client.loop.Dispatch(ctx, replies[0].Clone())
			client.loop.ProcessTimers(ctx, now.Add(time.Minute))
			Expect(results).To(HaveLen(1))
		})

		It("Will not process a replayed request twice", func() {
			client := newNode("client", false)
			worker := newNode("worker", true)
			seen := spy()

			_, err := client.svc.Request(ctx, createCmd(worker, "t1"), collect)
			Expect(err).To(BeNil())

			requests := ofType(*seen, taskservice.MsgCreateTaskReq)
			Expect(requests).To(HaveLen(1))
			worker.loop.Dispatch(ctx, requests[0].Clone())

			Expect(ofType(*seen, taskservice.MsgCreateTaskRsp)).To(HaveLen(1))
			Expect(worker.sched.ListTasks(nil)).To(HaveLen(1))
		})

		It("Will drop a request whose signature does not match", func() {
			client := newNode("client", false)
			worker := newNode("worker", true)
			seen := spy()

			cmd := createCmd(worker, "t1")
			env, err := p2p.NewEnvelope(cmd.Type, uuid.NewString(), client.ID(), cmd.Request)
			Expect(err).To(BeNil())
			Expect(client.id.SignEnvelope(env, now)).To(Succeed())

			forged := env.Clone()
			cmd.Request.TaskID = "t2"
			forgedBody, err := p2p.NewEnvelope(cmd.Type, env.Header.SessionID, client.ID(), cmd.Request)
			Expect(err).To(BeNil())
			forged.Body = forgedBody.Body

			worker.loop.Dispatch(ctx, forged)
			Expect(ofType(*seen, taskservice.MsgCreateTaskRsp)).To(BeEmpty())
			Expect(worker.sched.ListTasks(nil)).To(BeEmpty())

			worker.loop.Dispatch(ctx, env)
			Expect(ofType(*seen, taskservice.MsgCreateTaskRsp)).To(HaveLen(1))
			Expect(worker.sched.ListTasks(nil)).To(HaveLen(1))
		})
	})

	Context("Synchronous failures", func() {
		It("Will surface a missing connection without creating a session or timer", func() {
			client := newNode("client", false)
			worker := newNode("worker", true)
			client.tr.SetConnected(false)

			_, err := client.svc.Request(ctx, createCmd(worker, "t1"), collect)
			Expect(errors.Is(err, p2p.ErrNotConnected)).To(BeTrue())
			Expect(taskservice.CodeFor(err)).To(Equal(taskservice.CodeNetwork))
			Expect(client.svc.Pending()).To(BeEmpty())
			Expect(client.loop.Timers().Len()).To(Equal(0))
			Expect(results).To(BeEmpty())
		})

		It("Will reject malformed commands before sending", func() {
			client := newNode("client", false)
			worker := newNode("worker", true)
			other := newNode("other", true)

			_, err := client.svc.Request(ctx, taskservice.Command{
				Type: taskservice.MsgTaskLogsReq,
				Request: taskservice.TaskRequest{
					PeerNodes:    []string{worker.ID()},
					TaskID:       "t1",
					LogDirection: backend.Tail,
					LogLines:     0,
				},
			}, collect)
			Expect(taskservice.CodeFor(err)).To(Equal(taskservice.CodeInvalid))

			cmd := createCmd(worker, "t1")
			cmd.Request.PeerNodes = append(cmd.Request.PeerNodes, other.ID())
			_, err = client.svc.Request(ctx, cmd, collect)
			Expect(errors.Is(err, taskservice.ErrInvalidRequest)).To(BeTrue())

			_, err = client.svc.Request(ctx, taskservice.Command{Type: "node_reboot_req"}, collect)
			Expect(errors.Is(err, taskservice.ErrUnknownCommand)).To(BeTrue())

			Expect(client.svc.Pending()).To(BeEmpty())
			Expect(client.tr.Sent()).To(Equal(0))
		})
	})

	Context("Aggregating requests", func() {
		It("Will merge task lists and complete once every requested task is collected", func() {
			client := newNode("client", false)
			b := newNode("b", true)
			c := newNode("c", true)

			for node, id := range map[*testNode]string{b: "t1", c: "t2"} {
				_, err := client.svc.Request(ctx, createCmd(node, id), collect)
				Expect(err).To(BeNil())
			}
			results = nil

			_, err := client.svc.Request(ctx, taskservice.Command{
				Type: taskservice.MsgListTaskReq,
				Request: taskservice.TaskRequest{
					PeerNodes: []string{b.ID(), c.ID()},
					TaskIDs:   []string{"t1", "t2"},
				},
			}, collect)
			Expect(err).To(BeNil())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Code).To(Equal(taskservice.CodeOK))

			ids := []string{}
			for _, t := range results[0].Tasks() {
				ids = append(ids, t.ID)
			}
			Expect(ids).To(ConsistOf("t1", "t2"))
			Expect(client.svc.Pending()).To(BeEmpty())
		})

		It("Will answer for itself and its peers", func() {
			b := newNode("b", true)
			c := newNode("c", true)

			_, err := b.svc.Request(ctx, nodeInfoCmd(b, c), collect)
			Expect(err).To(BeNil())
			Expect(results).To(HaveLen(1))

			ids := []string{}
			for _, n := range results[0].Nodes() {
				ids = append(ids, n.ID)
			}
			Expect(ids).To(ConsistOf(b.ID(), c.ID()))
		})

		It("Will report partial answers when some peers stay silent", func() {
			client := newNode("client", false)
			b := newNode("b", true)
			ghost, err := p2p.GenerateIdentity()
			Expect(err).To(BeNil())

			cmd := nodeInfoCmd(b)
			cmd.Request.PeerNodes = append(cmd.Request.PeerNodes, ghost.NodeID())
			_, err = client.svc.Request(ctx, cmd, collect)
			Expect(err).To(BeNil())
			Expect(results).To(BeEmpty())

			client.loop.ProcessTimers(ctx, now.Add(20*time.Second))
			Expect(results).To(HaveLen(1))
			Expect(results[0].Code).To(Equal(taskservice.CodeTimeout))
			Expect(results[0].Nodes()).To(HaveLen(1))
		})
	})

	Context("Relay", func() {
		It("Will reach a node two hops away and route the reply back", func() {
			client := newNode("client", false)
			relay := newNode("relay", true)
			target := newNode("target", true)
			hub.Link("client", "relay")
			hub.Link("relay", "target")

			_, err := client.svc.Request(ctx, nodeInfoCmd(target), collect)
			Expect(err).To(BeNil())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Nodes()).To(HaveLen(1))
			Expect(results[0].Nodes()[0].ID).To(Equal(target.ID()))
			Expect(relay.tr.Sent()).To(Equal(2))
		})

		It("Will stop relaying once the path reaches its bound", func() {
			opts.MaxPathLen = 2
			client := newNode("client", false)
			newNode("r1", true)
			r2 := newNode("r2", true)
			target := newNode("target", true)
			hub.Link("client", "r1")
			hub.Link("r1", "r2")
			hub.Link("r2", "target")

			_, err := client.svc.Request(ctx, nodeInfoCmd(target), collect)
			Expect(err).To(BeNil())
			Expect(r2.tr.Sent()).To(Equal(0))
			Expect(target.tr.Sent()).To(Equal(0))

			client.loop.ProcessTimers(ctx, now.Add(20*time.Second))
			Expect(results).To(Equal([]taskservice.Result{{Code: taskservice.CodeTimeout, Message: "timed out"}}))
		})
	})

	It("Will serve submissions through a running loop", func() {
		worker := newNode("worker", true)
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			worker.loop.Run(runCtx)
			close(done)
		}()

		res, err := worker.svc.Submit(ctx, createCmd(worker, "t1"))
		cancel()
		Eventually(done).Should(BeClosed())

		Expect(err).To(BeNil())
		Expect(res.Code).To(Equal(taskservice.CodeOK))
		_, ok := worker.sched.Task("t1")
		Expect(ok).To(BeTrue())
	})
})
